package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rufus800/challawa-np/db"
	"github.com/rufus800/challawa-np/internal/model"
)

var ErrPersistence = errors.New("event store unavailable")

// EventFilter selects trip events. Start is inclusive from its instant, End
// is inclusive through 23:59:59 of its calendar day.
type EventFilter struct {
	Start    *time.Time
	End      *time.Time
	DeviceID *int
}

// Store is the append-only trip event log.
type Store struct {
	conn *sql.DB
}

func New(conn *sql.DB) *Store {
	return &Store{conn: conn}
}

// Append persists ev and returns it with its assigned id.
func (s *Store) Append(ev model.TripEvent) (model.TripEvent, error) {
	if ev.EventType == "" {
		ev.EventType = model.EventTypeTrip
	}
	// Stored at second precision.
	ev.Timestamp = ev.Timestamp.Truncate(time.Second)

	id, err := db.InsertTripEvent(s.conn, ev)
	if err != nil {
		return model.TripEvent{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	ev.ID = id
	return ev, nil
}

// Query returns matching events newest first, or an empty slice.
func (s *Store) Query(f EventFilter) ([]model.TripEvent, error) {
	q := db.EventQuery{From: f.Start, DeviceID: f.DeviceID}
	if f.End != nil {
		until := EndOfDay(*f.End)
		q.Until = &until
	}

	events, err := db.GetTripEvents(s.conn, q)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return events, nil
}

// Health reports one record per device, in the order given.
func (s *Store) Health(devices []model.Device) ([]model.HealthRecord, error) {
	stats, err := db.GetTripStats(s.conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	records := make([]model.HealthRecord, 0, len(devices))
	for _, d := range devices {
		rec := model.HealthRecord{
			DeviceID:    d.ID,
			DeviceName:  d.Name,
			HealthScore: model.HealthScore(0),
		}
		if st, ok := stats[d.ID]; ok {
			rec.TotalTrips = st.Count
			rec.HealthScore = model.HealthScore(st.Count)
			if !st.LastTrip.IsZero() {
				last := st.LastTrip
				rec.LastTrip = &last
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// EndOfDay returns 23:59:59 on t's calendar day in t's location.
func EndOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, t.Location())
}
