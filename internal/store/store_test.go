package store

import (
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rufus800/challawa-np/db"
	"github.com/rufus800/challawa-np/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return New(conn)
}

func trip(id int, ts time.Time) model.TripEvent {
	return model.TripEvent{
		Timestamp:   ts,
		DeviceID:    id,
		DeviceName:  "pump",
		EventType:   model.EventTypeTrip,
		Pressure:    4.25,
		Speed:       48.5,
		Description: "Pump tripped - fault detected",
	}
}

func day(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.Local)
}

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	s := newTestStore(t)

	first, err := s.Append(trip(1, day(2024, 1, 5, 10, 0)))
	require.NoError(t, err)
	second, err := s.Append(trip(1, day(2024, 1, 5, 10, 1)))
	require.NoError(t, err)

	assert.Greater(t, first.ID, int64(0))
	assert.Greater(t, second.ID, first.ID)
	assert.Equal(t, "pump", second.DeviceName)
}

func TestQueryNewestFirstWithInclusiveEndDate(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Append(trip(1, day(2024, 1, 4, 23, 59)))
	require.NoError(t, err)
	_, err = s.Append(trip(1, day(2024, 1, 5, 0, 0)))
	require.NoError(t, err)
	_, err = s.Append(trip(2, day(2024, 1, 5, 12, 30)))
	require.NoError(t, err)
	late, err := s.Append(trip(1, time.Date(2024, 1, 5, 23, 59, 59, 0, time.Local)))
	require.NoError(t, err)
	_, err = s.Append(trip(1, day(2024, 1, 6, 0, 0)))
	require.NoError(t, err)

	start := day(2024, 1, 5, 0, 0)
	end := day(2024, 1, 5, 0, 0)
	events, err := s.Query(EventFilter{Start: &start, End: &end})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, late.ID, events[0].ID, "an event at 23:59:59 on the end date is included")
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].Timestamp.After(events[i-1].Timestamp), "events must be newest first")
	}

	device := 2
	events, err = s.Query(EventFilter{Start: &start, End: &end, DeviceID: &device})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].DeviceID)

	all, err := s.Query(EventFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestQueryEmptyRange(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append(trip(1, day(2024, 1, 5, 10, 0)))
	require.NoError(t, err)

	start := day(2023, 1, 1, 0, 0)
	end := day(2023, 1, 31, 0, 0)
	events, err := s.Query(EventFilter{Start: &start, End: &end})
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)
}

func TestHealth(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 4; i++ {
		_, err := s.Append(trip(2, day(2024, 2, 1, 8, i)))
		require.NoError(t, err)
	}

	records, err := s.Health(model.DefaultDevices())
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, 1, records[0].DeviceID)
	assert.Equal(t, "LINE 7 MIXER", records[0].DeviceName)
	assert.Equal(t, 0, records[0].TotalTrips)
	assert.Equal(t, 100, records[0].HealthScore)
	assert.Nil(t, records[0].LastTrip)

	assert.Equal(t, 2, records[1].DeviceID)
	assert.Equal(t, 4, records[1].TotalTrips)
	assert.Equal(t, 80, records[1].HealthScore)
	require.NotNil(t, records[1].LastTrip)
	assert.True(t, records[1].LastTrip.Equal(day(2024, 2, 1, 8, 3)))
}

func TestHealthFloorsAtZero(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 25; i++ {
		_, err := s.Append(trip(1, day(2024, 2, 1, 9, i)))
		require.NoError(t, err)
	}
	records, err := s.Health([]model.Device{{ID: 1, Name: "LINE 7 MIXER"}})
	require.NoError(t, err)
	assert.Equal(t, 0, records[0].HealthScore)
}

func TestAppendFailureWrapsErrPersistence(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO trip_events").WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	s := New(conn)
	_, err = s.Append(trip(1, time.Now()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Contains(t, err.Error(), "database is locked")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryFailureWrapsErrPersistence(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectQuery("SELECT (.+) FROM trip_events").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectQuery("SELECT (.+) FROM trip_events").WillReturnError(errors.New("disk I/O error"))

	s := New(conn)
	_, err = s.Query(EventFilter{})
	assert.ErrorIs(t, err, ErrPersistence)
	_, err = s.Health(model.DefaultDevices())
	assert.ErrorIs(t, err, ErrPersistence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEndOfDay(t *testing.T) {
	got := EndOfDay(time.Date(2024, 3, 9, 7, 15, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2024, 3, 9, 23, 59, 59, 0, time.UTC), got)
}
