package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/rufus800/challawa-np/internal/model"
)

// TimestampLayout is how event times are stored: local wall clock, second
// precision, so range filters compare lexicographically.
const TimestampLayout = model.EventTimeLayout

const schema = `
CREATE TABLE IF NOT EXISTS trip_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	device_name TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	pressure REAL,
	speed REAL,
	description TEXT
)`

const indexes = `CREATE INDEX IF NOT EXISTS idx_trip_events_timestamp ON trip_events (timestamp)`

// Open opens (creating if needed) the event database at path and brings its
// schema up to date.
func Open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	if err := InitSchema(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func InitSchema(conn *sql.DB) error {
	if _, err := conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create trip_events table: %w", err)
	}
	if err := ApplyMigrations(conn); err != nil {
		return err
	}
	if _, err := conn.Exec(indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// ApplyMigrations renames the pump_id/pump_name columns written by the older
// dashboard to their current names.
func ApplyMigrations(conn *sql.DB) error {
	cols, err := tableColumns(conn, "trip_events")
	if err != nil {
		return err
	}

	renames := []struct{ from, to string }{
		{"pump_id", "device_id"},
		{"pump_name", "device_name"},
	}
	for _, r := range renames {
		if !cols[r.from] || cols[r.to] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE trip_events RENAME COLUMN %s TO %s", r.from, r.to)
		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("migrate trip_events.%s: %w", r.from, err)
		}
		log.Info().Str("from", r.from).Str("to", r.to).Msg("Migrated trip_events column")
	}
	return nil
}

func tableColumns(conn *sql.DB, table string) (map[string]bool, error) {
	rows, err := conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s schema: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, dataType string
		var notNull bool
		var defaultValue *string
		var pk int
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan %s column: %w", table, err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func formatTimestamp(t time.Time) string {
	return t.In(time.Local).Format(TimestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.ParseInLocation(TimestampLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}
