package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/rufus800/challawa-np/internal/broadcast"
	"github.com/rufus800/challawa-np/internal/model"
	"github.com/rufus800/challawa-np/internal/sampler"
	"github.com/rufus800/challawa-np/internal/store"
	"github.com/rufus800/challawa-np/internal/tripdetector"
)

const dateLayout = "2006-01-02"

// StatusSource serves live frames and loop counters.
type StatusSource interface {
	Current() model.SystemFrame
	Stats() sampler.Stats
}

// EventQuerier reads the trip event log.
type EventQuerier interface {
	Query(f store.EventFilter) ([]model.TripEvent, error)
	Health(devices []model.Device) ([]model.HealthRecord, error)
}

type TripStates interface {
	States() map[int]tripdetector.DeviceState
}

// Hub registers push subscribers.
type Hub interface {
	Subscribe(sub broadcast.Subscriber) error
	Unsubscribe(id string) error
	SubscriberCount() int
}

type Deps struct {
	Status   StatusSource
	Events   EventQuerier
	Trips    TripStates
	Hub      Hub
	Devices  []model.Device
	Gatherer prometheus.Gatherer
}

type Server struct {
	status   StatusSource
	events   EventQuerier
	trips    TripStates
	hub      Hub
	devices  []model.Device
	gatherer prometheus.Gatherer

	mu         sync.Mutex
	httpServer *http.Server
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type DebugResponse struct {
	sampler.Stats
	TripStates  map[string]tripdetector.DeviceState `json:"trip_states,omitempty"`
	Subscribers int                                 `json:"subscribers"`
}

func NewServer(deps Deps) *Server {
	return &Server{
		status:   deps.Status,
		events:   deps.Events,
		trips:    deps.Trips,
		hub:      deps.Hub,
		devices:  deps.Devices,
		gatherer: deps.Gatherer,
	}
}

// Handler returns the routed mux wrapped in the CORS handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/debug", s.handleDebug)
	mux.HandleFunc("/api/reports/events", s.handleEvents)
	mux.HandleFunc("/api/reports/health", s.handleHealth)
	mux.HandleFunc("/api/reports/download", s.handleDownload)
	if s.hub != nil {
		mux.HandleFunc("/ws", s.handleWebsocket)
	}
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		mux.ServeHTTP(w, r)
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	log.Info().Str("address", addr).Msg("Starting REST API server")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.status.Current())
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	resp := DebugResponse{Stats: s.status.Stats()}
	if s.trips != nil {
		resp.TripStates = make(map[string]tripdetector.DeviceState)
		for id, st := range s.trips.States() {
			resp.TripStates["pump"+strconv.Itoa(id)] = st
		}
	}
	if s.hub != nil {
		resp.Subscribers = s.hub.SubscriberCount()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	filter, err := parseFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.events.Query(filter)
	if err != nil {
		log.Error().Err(err).Msg("Failed to query trip events")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	records, err := s.events.Health(s.devices)
	if err != nil {
		log.Error().Err(err).Msg("Failed to compute pump health")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

// parseFilter reads start_date, end_date (YYYY-MM-DD, local time) and
// pump_id (alias device_id).
func parseFilter(r *http.Request) (store.EventFilter, error) {
	var f store.EventFilter
	q := r.URL.Query()

	if v := q.Get("start_date"); v != "" {
		t, err := time.ParseInLocation(dateLayout, v, time.Local)
		if err != nil {
			return f, fmt.Errorf("invalid start_date %q, expected YYYY-MM-DD", v)
		}
		f.Start = &t
	}
	if v := q.Get("end_date"); v != "" {
		t, err := time.ParseInLocation(dateLayout, v, time.Local)
		if err != nil {
			return f, fmt.Errorf("invalid end_date %q, expected YYYY-MM-DD", v)
		}
		f.End = &t
	}
	if f.Start != nil && f.End != nil && f.Start.After(*f.End) {
		return f, errors.New("start_date is after end_date")
	}

	v := q.Get("pump_id")
	if v == "" {
		v = q.Get("device_id")
	}
	if v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return f, fmt.Errorf("invalid pump_id %q", v)
		}
		f.DeviceID = &id
	}
	return f, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
		s.writeError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(append(body, '\n'))
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
