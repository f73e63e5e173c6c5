package plc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/rufus800/challawa-np/internal/metrics"
)

var (
	ErrConnectFailure = errors.New("plc connect failed")
	ErrReadFailure    = errors.New("plc read failed")
	ErrNotConnected   = errors.New("plc not connected")
)

const DefaultErrorThreshold = 3

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

// Session identifies the controller and the data block sampled each cycle.
type Session struct {
	Address        string
	Rack           int
	Slot           int
	BlockID        int
	Offset         int
	Length         int
	ErrorThreshold int
}

// Supervisor owns the controller session. Every access to the client goes
// through its mutex, so the sampler and ad-hoc readers never overlap.
type Supervisor struct {
	mu      sync.Mutex
	client  ProtocolClient
	session Session
	metrics *metrics.Recorder

	state      atomic.Int32
	errCount   atomic.Int32
	reconnects atomic.Uint64
}

func NewSupervisor(client ProtocolClient, session Session, rec *metrics.Recorder) *Supervisor {
	if session.ErrorThreshold <= 0 {
		session.ErrorThreshold = DefaultErrorThreshold
	}
	return &Supervisor{
		client:  client,
		session: session,
		metrics: rec,
	}
}

// Connect drops any stale session and opens a fresh one.
func (s *Supervisor) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeSession()
	s.state.Store(int32(Connecting))

	err := s.client.Connect(s.session.Address, s.session.Rack, s.session.Slot)
	if err == nil && !s.client.IsConnected() {
		err = errors.New("session not established")
	}
	if err != nil {
		s.state.Store(int32(Disconnected))
		s.metrics.ConnectFailure()
		log.Warn().
			Err(err).
			Str("address", s.session.Address).
			Msg("PLC connection failed")
		return fmt.Errorf("%w: %s: %w", ErrConnectFailure, s.session.Address, err)
	}

	s.errCount.Store(0)
	s.state.Store(int32(Connected))
	log.Info().
		Str("address", s.session.Address).
		Int("rack", s.session.Rack).
		Int("slot", s.session.Slot).
		Msg("Connected to PLC")
	return nil
}

// Read fetches the configured block. Reaching the consecutive error
// threshold tears the session down so the next cycle reconnects cleanly.
func (s *Supervisor) Read() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != Connected {
		return nil, ErrNotConnected
	}
	if !s.client.IsConnected() {
		s.state.Store(int32(Disconnected))
		return nil, ErrNotConnected
	}

	block, err := s.client.ReadBlock(s.session.BlockID, s.session.Offset, s.session.Length)
	if err == nil && len(block) < s.session.Length {
		err = fmt.Errorf("short block: got %d of %d bytes", len(block), s.session.Length)
	}
	if err != nil {
		return nil, s.readFailed(err)
	}

	s.errCount.Store(0)
	return block, nil
}

func (s *Supervisor) readFailed(cause error) error {
	n := int(s.errCount.Add(1))
	s.metrics.ReadError()
	log.Warn().
		Err(cause).
		Int("consecutive_errors", n).
		Int("threshold", s.session.ErrorThreshold).
		Msg("PLC read error")

	if n >= s.session.ErrorThreshold {
		log.Warn().Msg("Too many read errors, forcing reconnection")
		s.closeSession()
		s.errCount.Store(0)
		s.reconnects.Add(1)
		s.metrics.ForcedReconnect()
	}

	return fmt.Errorf("%w: %w", ErrReadFailure, cause)
}

// Disconnect is idempotent and always leaves the supervisor Disconnected.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeSession()
}

func (s *Supervisor) closeSession() {
	if err := s.client.Disconnect(); err != nil {
		log.Debug().Err(err).Msg("Ignoring error while closing PLC session")
	}
	s.state.Store(int32(Disconnected))
}

func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) Connected() bool {
	return s.State() == Connected
}

func (s *Supervisor) ConsecutiveErrors() int {
	return int(s.errCount.Load())
}

// Reconnects counts sessions torn down by the error threshold.
func (s *Supervisor) Reconnects() uint64 {
	return s.reconnects.Load()
}

func (s *Supervisor) Session() Session {
	return s.session
}
