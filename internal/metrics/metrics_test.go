package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ObserveCycle(20*time.Millisecond, true)
	r.ObserveCycle(30*time.Millisecond, false)
	if got := testutil.ToFloat64(r.cycles); got != 2 {
		t.Fatalf("expected 2 cycles, got %f", got)
	}
	if got := testutil.ToFloat64(r.connected); got != 0 {
		t.Fatalf("expected connected gauge 0 after failed cycle, got %f", got)
	}
	if samples := testutil.CollectAndCount(r.cycleDuration); samples != 1 {
		t.Fatalf("expected one histogram series, got %d", samples)
	}

	r.ReadError()
	r.ReadError()
	r.ConnectFailure()
	r.ForcedReconnect()
	if got := testutil.ToFloat64(r.readErrors); got != 2 {
		t.Fatalf("expected 2 read errors, got %f", got)
	}
	if got := testutil.ToFloat64(r.connectFailures); got != 1 {
		t.Fatalf("expected 1 connect failure, got %f", got)
	}
	if got := testutil.ToFloat64(r.reconnects); got != 1 {
		t.Fatalf("expected 1 forced reconnect, got %f", got)
	}

	r.Trip(1)
	r.Trip(1)
	r.Trip(2)
	if got := testutil.ToFloat64(r.trips.WithLabelValues("1")); got != 2 {
		t.Fatalf("expected 2 trips for pump 1, got %f", got)
	}

	r.PersistFailure()
	r.DeliveryFailure("ws-1")
	r.SetSubscribers(3)
	if got := testutil.ToFloat64(r.persistFailures); got != 1 {
		t.Fatalf("expected 1 persist failure, got %f", got)
	}
	if got := testutil.ToFloat64(r.deliveryFailed.WithLabelValues("ws-1")); got != 1 {
		t.Fatalf("expected 1 delivery failure, got %f", got)
	}
	if got := testutil.ToFloat64(r.subscribers); got != 3 {
		t.Fatalf("expected 3 subscribers, got %f", got)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.ObserveCycle(time.Millisecond, true)
	r.ReadError()
	r.ConnectFailure()
	r.ForcedReconnect()
	r.Trip(1)
	r.PersistFailure()
	r.DeliveryFailure("x")
	r.SetSubscribers(1)
}
