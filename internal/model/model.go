package model

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Status string

const (
	StatusReady   Status = "READY"
	StatusRunning Status = "RUNNING"
	StatusTrip    Status = "TRIP"
	StatusUnknown Status = "UNKNOWN"
	StatusError   Status = "ERROR"
)

// Code maps a status onto a numeric value for gauge-style metrics.
func (s Status) Code() float64 {
	switch s {
	case StatusReady:
		return 1
	case StatusRunning:
		return 2
	case StatusTrip:
		return 3
	case StatusError:
		return -1
	default:
		return 0
	}
}

const EventTypeTrip = "TRIP"

// DeriveStatus is the only place a pump status is computed from its flags.
// Precedence is TRIP > RUNNING > READY > UNKNOWN.
func DeriveStatus(ready, running, trip bool) Status {
	switch {
	case trip:
		return StatusTrip
	case running:
		return StatusRunning
	case ready:
		return StatusReady
	default:
		return StatusUnknown
	}
}

// Round2 rounds a controller value to two decimals. NaN and infinities,
// which an uninitialised REAL produces, read as 0 so frames stay encodable.
func Round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*100) / 100
}

type Device struct {
	ID   int    `json:"pump_id" yaml:"id"`
	Name string `json:"pump_name" yaml:"name"`
}

func DefaultDevices() []Device {
	return []Device{
		{ID: 1, Name: "LINE 7 MIXER"},
		{ID: 2, Name: "LINE 7 AHU/SYRUP ROOM"},
	}
}

type DeviceReading struct {
	Ready            bool    `json:"ready"`
	Running          bool    `json:"running"`
	Trip             bool    `json:"trip"`
	Pressure         float64 `json:"pressure"`
	PressureSetpoint float64 `json:"pressure_setpoint"`
	Speed            float64 `json:"speed"`
	Status           Status  `json:"status"`
}

// NewDeviceReading builds a reading from decoded controller values.
func NewDeviceReading(ready, running, trip bool, pressure, setpoint, speed float64) DeviceReading {
	return DeviceReading{
		Ready:            ready,
		Running:          running,
		Trip:             trip,
		Pressure:         Round2(pressure),
		PressureSetpoint: Round2(setpoint),
		Speed:            Round2(speed),
		Status:           DeriveStatus(ready, running, trip),
	}
}

// ErrorReading is what every pump reports while the controller is unreachable.
func ErrorReading() DeviceReading {
	return DeviceReading{Status: StatusError}
}

type SystemFrame struct {
	Alarm     bool
	Readings  map[int]DeviceReading
	Connected bool
	Timestamp time.Time
	Sequence  uint64
}

// ErrorFrame returns the canonical frame produced on any failed cycle.
func ErrorFrame(deviceIDs []int, at time.Time) SystemFrame {
	readings := make(map[int]DeviceReading, len(deviceIDs))
	for _, id := range deviceIDs {
		readings[id] = ErrorReading()
	}
	return SystemFrame{
		Readings:  readings,
		Timestamp: at,
	}
}

func (f SystemFrame) Clone() SystemFrame {
	out := f
	out.Readings = make(map[int]DeviceReading, len(f.Readings))
	for id, r := range f.Readings {
		out.Readings[id] = r
	}
	return out
}

// DeviceIDs returns the frame's device ids in ascending order.
func (f SystemFrame) DeviceIDs() []int {
	ids := make([]int, 0, len(f.Readings))
	for id := range f.Readings {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// MarshalJSON keeps the dashboard payload shape: one "pumpN" object per device.
func (f SystemFrame) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"alarm":     f.Alarm,
		"connected": f.Connected,
		"sequence":  f.Sequence,
	}
	if !f.Timestamp.IsZero() {
		out["timestamp"] = f.Timestamp.Format(time.RFC3339Nano)
	}
	for id, r := range f.Readings {
		out["pump"+strconv.Itoa(id)] = r
	}
	return json.Marshal(out)
}

func (f *SystemFrame) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	frame := SystemFrame{Readings: make(map[int]DeviceReading)}
	for key, val := range raw {
		var err error
		switch {
		case key == "alarm":
			err = json.Unmarshal(val, &frame.Alarm)
		case key == "connected":
			err = json.Unmarshal(val, &frame.Connected)
		case key == "sequence":
			err = json.Unmarshal(val, &frame.Sequence)
		case key == "timestamp":
			err = json.Unmarshal(val, &frame.Timestamp)
		case strings.HasPrefix(key, "pump"):
			id, convErr := strconv.Atoi(strings.TrimPrefix(key, "pump"))
			if convErr != nil {
				return fmt.Errorf("invalid pump key %q: %w", key, convErr)
			}
			var r DeviceReading
			err = json.Unmarshal(val, &r)
			frame.Readings[id] = r
		}
		if err != nil {
			return fmt.Errorf("decode frame field %q: %w", key, err)
		}
	}
	*f = frame
	return nil
}

// EventTimeLayout is the wall-clock form event times are stored and served in.
const EventTimeLayout = "2006-01-02 15:04:05"

type TripEvent struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	DeviceID    int       `json:"pump_id"`
	DeviceName  string    `json:"pump_name"`
	EventType   string    `json:"event_type"`
	Pressure    float64   `json:"pressure"`
	Speed       float64   `json:"speed"`
	Description string    `json:"description"`
}

type tripEventJSON struct {
	ID          int64   `json:"id"`
	Timestamp   string  `json:"timestamp"`
	DeviceID    int     `json:"pump_id"`
	DeviceName  string  `json:"pump_name"`
	EventType   string  `json:"event_type"`
	Pressure    float64 `json:"pressure"`
	Speed       float64 `json:"speed"`
	Description string  `json:"description"`
}

func (e TripEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(tripEventJSON{
		ID:          e.ID,
		Timestamp:   formatEventTime(e.Timestamp),
		DeviceID:    e.DeviceID,
		DeviceName:  e.DeviceName,
		EventType:   e.EventType,
		Pressure:    e.Pressure,
		Speed:       e.Speed,
		Description: e.Description,
	})
}

func (e *TripEvent) UnmarshalJSON(b []byte) error {
	var raw tripEventJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	ts, err := parseEventTime(raw.Timestamp)
	if err != nil {
		return err
	}
	*e = TripEvent{
		ID:          raw.ID,
		Timestamp:   ts,
		DeviceID:    raw.DeviceID,
		DeviceName:  raw.DeviceName,
		EventType:   raw.EventType,
		Pressure:    raw.Pressure,
		Speed:       raw.Speed,
		Description: raw.Description,
	}
	return nil
}

func formatEventTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(time.Local).Format(EventTimeLayout)
}

func parseEventTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(EventTimeLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid event time %q: %w", s, err)
	}
	return t, nil
}

type ConnectionState struct {
	Connected             bool         `json:"connected"`
	ConsecutiveReadErrors int          `json:"consecutive_read_errors"`
	LastFrame             *SystemFrame `json:"last_frame"`
}

type HealthRecord struct {
	DeviceID    int        `json:"pump_id"`
	DeviceName  string     `json:"pump_name"`
	TotalTrips  int        `json:"total_trips"`
	LastTrip    *time.Time `json:"last_trip"`
	HealthScore int        `json:"health_score"`
}

type healthRecordJSON struct {
	DeviceID    int     `json:"pump_id"`
	DeviceName  string  `json:"pump_name"`
	TotalTrips  int     `json:"total_trips"`
	LastTrip    *string `json:"last_trip"`
	HealthScore int     `json:"health_score"`
}

func (h HealthRecord) MarshalJSON() ([]byte, error) {
	out := healthRecordJSON{
		DeviceID:    h.DeviceID,
		DeviceName:  h.DeviceName,
		TotalTrips:  h.TotalTrips,
		HealthScore: h.HealthScore,
	}
	if h.LastTrip != nil {
		s := formatEventTime(*h.LastTrip)
		out.LastTrip = &s
	}
	return json.Marshal(out)
}

func (h *HealthRecord) UnmarshalJSON(b []byte) error {
	var raw healthRecordJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*h = HealthRecord{
		DeviceID:    raw.DeviceID,
		DeviceName:  raw.DeviceName,
		TotalTrips:  raw.TotalTrips,
		HealthScore: raw.HealthScore,
	}
	if raw.LastTrip != nil {
		t, err := parseEventTime(*raw.LastTrip)
		if err != nil {
			return err
		}
		h.LastTrip = &t
	}
	return nil
}

// HealthScore penalizes five points per trip, floored at zero.
func HealthScore(trips int) int {
	score := 100 - 5*trips
	if score < 0 {
		return 0
	}
	return score
}

func (h HealthRecord) Grade() string {
	switch {
	case h.HealthScore >= 80:
		return "good"
	case h.HealthScore >= 50:
		return "warning"
	default:
		return "critical"
	}
}
