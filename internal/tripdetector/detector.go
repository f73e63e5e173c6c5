package tripdetector

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/rufus800/challawa-np/internal/metrics"
	"github.com/rufus800/challawa-np/internal/model"
)

// DeviceState is the per-pump edge memory.
type DeviceState struct {
	PreviousTrip bool `json:"previous_trip"`
}

// Step advances one pump's memory and reports whether trip rose this frame.
func Step(state DeviceState, trip bool) (DeviceState, bool) {
	return DeviceState{PreviousTrip: trip}, trip && !state.PreviousTrip
}

// EventSink persists trip events.
type EventSink interface {
	Append(ev model.TripEvent) (model.TripEvent, error)
}

// Notifier interface for sending notifications
type Notifier interface {
	Send(title, message string) error
}

type Detector struct {
	sink     EventSink
	devices  []model.Device
	notifier Notifier
	metrics  *metrics.Recorder

	mu     sync.Mutex
	states map[int]DeviceState
}

func New(sink EventSink, devices []model.Device, rec *metrics.Recorder) *Detector {
	states := make(map[int]DeviceState, len(devices))
	for _, d := range devices {
		states[d.ID] = DeviceState{}
	}
	return &Detector{
		sink:    sink,
		devices: devices,
		metrics: rec,
		states:  states,
	}
}

// WithNotifier enables a push notification for every persisted trip.
func (d *Detector) WithNotifier(n Notifier) *Detector {
	d.notifier = n
	return d
}

// Process feeds one frame through the edge detector and returns the events
// it persisted. Disconnected frames are ignored and leave memory untouched,
// so a trip held across an outage is not reported twice.
func (d *Detector) Process(frame model.SystemFrame) []model.TripEvent {
	if !frame.Connected {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var events []model.TripEvent
	for _, dev := range d.devices {
		reading, ok := frame.Readings[dev.ID]
		if !ok {
			continue
		}

		next, rising := Step(d.states[dev.ID], reading.Trip)
		d.states[dev.ID] = next
		if !rising {
			continue
		}

		ev := model.TripEvent{
			Timestamp:   frame.Timestamp,
			DeviceID:    dev.ID,
			DeviceName:  dev.Name,
			EventType:   model.EventTypeTrip,
			Pressure:    reading.Pressure,
			Speed:       reading.Speed,
			Description: fmt.Sprintf("Pump %d tripped - fault detected", dev.ID),
		}

		saved, err := d.sink.Append(ev)
		if err != nil {
			d.metrics.PersistFailure()
			log.Error().
				Err(err).
				Int("pump_id", dev.ID).
				Str("pump_name", dev.Name).
				Msg("Failed to log trip event, dropping it")
			continue
		}

		d.metrics.Trip(dev.ID)
		log.Warn().
			Int("pump_id", dev.ID).
			Str("pump_name", dev.Name).
			Float64("pressure", saved.Pressure).
			Float64("speed", saved.Speed).
			Msg("Trip event logged")
		d.notify(saved)
		events = append(events, saved)
	}
	return events
}

// notify runs off the sampling goroutine so a slow push service never
// delays a cycle.
func (d *Detector) notify(ev model.TripEvent) {
	if d.notifier == nil {
		return
	}
	title := fmt.Sprintf("%s tripped", ev.DeviceName)
	msg := fmt.Sprintf("%s at %s (pressure %.2f bar, speed %.2f%%)",
		ev.Description, ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Pressure, ev.Speed)
	go func() {
		if err := d.notifier.Send(title, msg); err != nil {
			log.Warn().Err(err).Int("pump_id", ev.DeviceID).Msg("Trip notification failed")
		}
	}()
}

// States returns a copy of the edge memory keyed by pump id.
func (d *Detector) States() map[int]DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int]DeviceState, len(d.states))
	for id, s := range d.states {
		out[id] = s
	}
	return out
}
