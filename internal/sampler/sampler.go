package sampler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rufus800/challawa-np/internal/decoder"
	"github.com/rufus800/challawa-np/internal/metrics"
	"github.com/rufus800/challawa-np/internal/model"
	"github.com/rufus800/challawa-np/internal/plc"
)

const (
	DefaultCyclePeriod    = 500 * time.Millisecond
	DefaultReconnectDelay = 2 * time.Second

	// successful reads between periodic status log lines
	statusLogEvery = 20
)

var ErrAlreadyRunning = errors.New("sampler already running")

type Config struct {
	CyclePeriod    time.Duration
	ReconnectDelay time.Duration
}

// Session is the part of plc.Supervisor the sampler drives.
type Session interface {
	Connect() error
	Read() ([]byte, error)
	Disconnect()
	State() plc.State
	Connected() bool
	ConsecutiveErrors() int
	Reconnects() uint64
}

// TripDetector consumes every frame in cycle order.
type TripDetector interface {
	Process(frame model.SystemFrame) []model.TripEvent
}

// Publisher fans frames out to push subscribers.
type Publisher interface {
	Publish(frame model.SystemFrame)
}

type Stats struct {
	Running               bool               `json:"running"`
	Connected             bool               `json:"plc_connected"`
	State                 string             `json:"state"`
	Cycles                uint64             `json:"cycle_count"`
	ReadCount             uint64             `json:"read_count"`
	ConsecutiveReadErrors int                `json:"read_error_count"`
	Reconnects            uint64             `json:"reconnects"`
	LastFrame             *model.SystemFrame `json:"last_data"`
}

// Sampler runs the acquisition loop: one frame per cycle, whatever the
// controller does.
type Sampler struct {
	cfg      Config
	session  Session
	layout   decoder.Layout
	detector TripDetector
	pub      Publisher
	metrics  *metrics.Recorder

	latest    atomic.Pointer[model.SystemFrame]
	sequence  atomic.Uint64
	cycles    atomic.Uint64
	readCount atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

func New(cfg Config, session Session, layout decoder.Layout, detector TripDetector, pub Publisher, rec *metrics.Recorder) *Sampler {
	if cfg.CyclePeriod <= 0 {
		cfg.CyclePeriod = DefaultCyclePeriod
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	return &Sampler{
		cfg:      cfg,
		session:  session,
		layout:   layout,
		detector: detector,
		pub:      pub,
		metrics:  rec,
	}
}

// Start launches the loop in its own goroutine.
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running.Store(true)
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.loop(ctx)
	}()

	log.Info().
		Dur("cycle_period", s.cfg.CyclePeriod).
		Dur("reconnect_delay", s.cfg.ReconnectDelay).
		Msg("Sampler started")
	return nil
}

// Stop lets the current cycle finish, then closes the controller session.
// No cycle starts after Stop returns.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.session.Disconnect()
	log.Info().Msg("Sampler stopped")
}

func (s *Sampler) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		_, wait := s.RunCycle()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunCycle performs one tick and returns the frame it produced together
// with how long to wait before the next tick.
func (s *Sampler) RunCycle() (model.SystemFrame, time.Duration) {
	start := time.Now()
	frame, connectFailed := s.acquire(start)

	frame.Sequence = s.sequence.Add(1)
	s.cycles.Add(1)
	s.latest.Store(&frame)

	if s.detector != nil {
		s.detector.Process(frame)
	}
	if s.pub != nil {
		s.pub.Publish(frame)
	}

	elapsed := time.Since(start)
	s.metrics.ObserveCycle(elapsed, frame.Connected)

	if connectFailed {
		return frame, s.cfg.ReconnectDelay
	}
	wait := s.cfg.CyclePeriod - elapsed
	if wait < 0 {
		wait = 0
	}
	return frame, wait
}

func (s *Sampler) acquire(at time.Time) (model.SystemFrame, bool) {
	if !s.session.Connected() {
		if err := s.session.Connect(); err != nil {
			return model.ErrorFrame(s.layout.DeviceIDs(), at), true
		}
	}

	block, err := s.session.Read()
	if err != nil {
		return model.ErrorFrame(s.layout.DeviceIDs(), at), false
	}

	frame := decoder.Decode(s.layout, block, at)
	if n := s.readCount.Add(1); n%statusLogEvery == 0 {
		ev := log.Debug().Uint64("reads", n).Bool("alarm", frame.Alarm)
		for _, id := range frame.DeviceIDs() {
			r := frame.Readings[id]
			ev = ev.Str("pump"+strconv.Itoa(id), string(r.Status)).Float64("pressure"+strconv.Itoa(id), r.Pressure)
		}
		ev.Msg("PLC read summary")
	}
	return frame, false
}

// Current returns the latest frame. Before the first cycle it tries an
// ad-hoc read on an open session, else reports the error frame.
func (s *Sampler) Current() model.SystemFrame {
	if f := s.latest.Load(); f != nil {
		return f.Clone()
	}

	now := time.Now()
	if s.session.Connected() {
		if block, err := s.session.Read(); err == nil {
			return decoder.Decode(s.layout, block, now)
		}
	}
	return model.ErrorFrame(s.layout.DeviceIDs(), now)
}

func (s *Sampler) Stats() Stats {
	st := Stats{
		Running:               s.running.Load(),
		Connected:             s.session.Connected(),
		State:                 s.session.State().String(),
		Cycles:                s.cycles.Load(),
		ReadCount:             s.readCount.Load(),
		ConsecutiveReadErrors: s.session.ConsecutiveErrors(),
		Reconnects:            s.session.Reconnects(),
	}
	if f := s.latest.Load(); f != nil {
		c := f.Clone()
		st.LastFrame = &c
	}
	return st
}

func (s *Sampler) ConnectionState() model.ConnectionState {
	cs := model.ConnectionState{
		Connected:             s.session.Connected(),
		ConsecutiveReadErrors: s.session.ConsecutiveErrors(),
	}
	if f := s.latest.Load(); f != nil {
		c := f.Clone()
		cs.LastFrame = &c
	}
	return cs
}
