package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rufus800/challawa-np/internal/model"
)

// EventQuery bounds a trip event lookup. Nil fields are unbounded; both time
// bounds are inclusive at second precision.
type EventQuery struct {
	From     *time.Time
	Until    *time.Time
	DeviceID *int
}

// TripStat summarizes one device's trip history.
type TripStat struct {
	DeviceID int
	Count    int
	LastTrip time.Time
}

// GetTripEvents returns matching events, newest first.
func GetTripEvents(db *sql.DB, q EventQuery) ([]model.TripEvent, error) {
	var where []string
	var args []any
	if q.From != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTimestamp(*q.From))
	}
	if q.Until != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, formatTimestamp(*q.Until))
	}
	if q.DeviceID != nil {
		where = append(where, "device_id = ?")
		args = append(args, *q.DeviceID)
	}

	query := `SELECT id, timestamp, device_name, device_id, event_type, pressure, speed, description FROM trip_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trip events: %w", err)
	}
	defer rows.Close()

	events := []model.TripEvent{}
	for rows.Next() {
		var ev model.TripEvent
		var ts string
		var pressure, speed sql.NullFloat64
		var description sql.NullString
		if err := rows.Scan(&ev.ID, &ts, &ev.DeviceName, &ev.DeviceID, &ev.EventType, &pressure, &speed, &description); err != nil {
			return nil, fmt.Errorf("failed to scan trip event: %w", err)
		}
		if ev.Timestamp, err = parseTimestamp(ts); err != nil {
			return nil, err
		}
		ev.Pressure = pressure.Float64
		ev.Speed = speed.Float64
		ev.Description = description.String
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trip events: %w", err)
	}
	return events, nil
}

// GetTripStats counts TRIP events per device id.
func GetTripStats(db *sql.DB) (map[int]TripStat, error) {
	rows, err := db.Query(`SELECT device_id, COUNT(*), MAX(timestamp) FROM trip_events WHERE event_type = ? GROUP BY device_id`, model.EventTypeTrip)
	if err != nil {
		return nil, fmt.Errorf("failed to query trip stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[int]TripStat)
	for rows.Next() {
		var s TripStat
		var last sql.NullString
		if err := rows.Scan(&s.DeviceID, &s.Count, &last); err != nil {
			return nil, fmt.Errorf("failed to scan trip stats: %w", err)
		}
		if last.Valid {
			if s.LastTrip, err = parseTimestamp(last.String); err != nil {
				return nil, err
			}
		}
		stats[s.DeviceID] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trip stats: %w", err)
	}
	return stats, nil
}
