package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the service's prometheus collectors. A nil *Recorder is
// valid and records nothing.
type Recorder struct {
	cycles          prometheus.Counter
	cycleDuration   prometheus.Histogram
	readErrors      prometheus.Counter
	connectFailures prometheus.Counter
	reconnects      prometheus.Counter
	connected       prometheus.Gauge
	trips           *prometheus.CounterVec
	persistFailures prometheus.Counter
	deliveryFailed  *prometheus.CounterVec
	subscribers     prometheus.Gauge
}

func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pump_monitor_cycles_total",
			Help: "Sampling cycles completed, successful or not.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pump_monitor_cycle_duration_seconds",
			Help:    "Time spent connecting, reading, decoding and publishing in one cycle.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		readErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pump_monitor_plc_read_errors_total",
			Help: "Failed data block reads on a connected session.",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pump_monitor_plc_connect_failures_total",
			Help: "Failed attempts to open a controller session.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pump_monitor_plc_forced_reconnects_total",
			Help: "Sessions torn down after reaching the consecutive read error threshold.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pump_monitor_plc_connected",
			Help: "1 when the last cycle produced a connected frame.",
		}),
		trips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pump_monitor_trip_events_total",
			Help: "Trip rising edges detected per pump.",
		}, []string{"pump"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pump_monitor_trip_persist_failures_total",
			Help: "Trip events dropped because the store write failed.",
		}),
		deliveryFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pump_monitor_broadcast_failures_total",
			Help: "Frames a push subscriber failed to accept.",
		}, []string{"subscriber"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pump_monitor_subscribers",
			Help: "Currently registered push subscribers.",
		}),
	}

	reg.MustRegister(
		r.cycles, r.cycleDuration, r.readErrors, r.connectFailures, r.reconnects,
		r.connected, r.trips, r.persistFailures, r.deliveryFailed, r.subscribers,
	)
	return r
}

func (r *Recorder) ObserveCycle(d time.Duration, connected bool) {
	if r == nil {
		return
	}
	r.cycles.Inc()
	r.cycleDuration.Observe(d.Seconds())
	if connected {
		r.connected.Set(1)
	} else {
		r.connected.Set(0)
	}
}

func (r *Recorder) ReadError() {
	if r == nil {
		return
	}
	r.readErrors.Inc()
}

func (r *Recorder) ConnectFailure() {
	if r == nil {
		return
	}
	r.connectFailures.Inc()
}

func (r *Recorder) ForcedReconnect() {
	if r == nil {
		return
	}
	r.reconnects.Inc()
}

func (r *Recorder) Trip(deviceID int) {
	if r == nil {
		return
	}
	r.trips.WithLabelValues(strconv.Itoa(deviceID)).Inc()
}

func (r *Recorder) PersistFailure() {
	if r == nil {
		return
	}
	r.persistFailures.Inc()
}

func (r *Recorder) DeliveryFailure(subscriber string) {
	if r == nil {
		return
	}
	r.deliveryFailed.WithLabelValues(subscriber).Inc()
}

func (r *Recorder) SetSubscribers(n int) {
	if r == nil {
		return
	}
	r.subscribers.Set(float64(n))
}
