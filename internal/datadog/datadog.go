package datadog

import (
	"strconv"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/rs/zerolog/log"

	"github.com/rufus800/challawa-np/internal/model"
)

const SubscriberID = "datadog"

// GaugeClient is the slice of the DogStatsD client the reporter needs.
type GaugeClient interface {
	Gauge(name string, value float64, tags []string, rate float64) error
}

// FrameReporter turns each frame into pump gauges.
type FrameReporter struct {
	client GaugeClient
	closer func() error
}

// NewFrameReporter dials the agent at addr. Sends are UDP and buffered, so
// an absent agent never stalls the caller.
func NewFrameReporter(addr, namespace string, tags []string) (*FrameReporter, error) {
	client, err := statsd.New(addr,
		statsd.WithNamespace(namespace),
		statsd.WithTags(tags),
	)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("addr", addr).
		Str("namespace", namespace).
		Strs("tags", tags).
		Msg("Datadog metrics initialized")

	return &FrameReporter{client: client, closer: client.Close}, nil
}

func NewFrameReporterWithClient(client GaugeClient) *FrameReporter {
	return &FrameReporter{client: client}
}

func (r *FrameReporter) ID() string {
	return SubscriberID
}

func (r *FrameReporter) Deliver(frame model.SystemFrame) error {
	connected := 0.0
	if frame.Connected {
		connected = 1
	}
	r.gauge("plc.connected", connected)

	alarm := 0.0
	if frame.Alarm {
		alarm = 1
	}
	r.gauge("plc.alarm", alarm)

	for _, id := range frame.DeviceIDs() {
		reading := frame.Readings[id]
		tag := "pump:" + strconv.Itoa(id)
		r.gauge("pump.status", reading.Status.Code(), tag)
		if !frame.Connected {
			continue
		}
		r.gauge("pump.pressure", reading.Pressure, tag)
		r.gauge("pump.pressure_setpoint", reading.PressureSetpoint, tag)
		r.gauge("pump.speed", reading.Speed, tag)
	}
	return nil
}

func (r *FrameReporter) gauge(name string, value float64, tags ...string) {
	if err := r.client.Gauge(name, value, tags, 1); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("Failed to emit gauge metric")
	}
}

func (r *FrameReporter) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
