package db

import (
	"database/sql"
	"fmt"

	"github.com/rufus800/challawa-np/internal/model"
)

// InsertTripEvent appends ev and returns the id sqlite assigned it.
func InsertTripEvent(db *sql.DB, ev model.TripEvent) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("start transaction: %w", err)
	}
	res, err := tx.Exec(`INSERT INTO trip_events (timestamp, device_name, device_id, event_type, pressure, speed, description) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		formatTimestamp(ev.Timestamp), ev.DeviceName, ev.DeviceID, ev.EventType, ev.Pressure, ev.Speed, ev.Description)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("insert trip event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("read trip event id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit trip event: %w", err)
	}
	return id, nil
}
