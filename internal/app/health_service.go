package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/motiond/internal/area"
	"github.com/dokzlo13/motiond/internal/config"
	"github.com/dokzlo13/motiond/internal/ledger"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// StatusSource is what the health endpoints report on.
type StatusSource interface {
	Connected() bool
	Received() int64
	Snapshots() []area.Snapshot
}

// HistorySource serves the audit ledger. It is nil when the ledger is off.
type HistorySource interface {
	GetByArea(area string, limit int) ([]*ledger.Entry, error)
	GetByType(eventType ledger.EventType, limit int) ([]*ledger.Entry, error)
}

// HealthService provides HTTP health check and status endpoints.
type HealthService struct {
	cfg     *config.Config
	source  StatusSource
	history HistorySource
	server  *http.Server
	done    chan struct{}
}

// NewHealthService creates a new HealthService. history may be nil.
func NewHealthService(cfg *config.Config, source StatusSource, history HistorySource) *HealthService {
	return &HealthService{
		cfg:     cfg,
		source:  source,
		history: history,
	}
}

// Start begins the health check server if enabled.
func (s *HealthService) Start(ctx context.Context) {
	if !s.cfg.Healthcheck.Enabled {
		return
	}

	s.done = make(chan struct{})
	go s.run(ctx)
}

// Wait blocks until the server has stopped or ctx expires.
func (s *HealthService) Wait(ctx context.Context) {
	if s == nil || s.done == nil {
		return
	}
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}

// Router returns the HTTP routes.
func (s *HealthService) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/areas", s.handleAreas).Methods(http.MethodGet)
	r.HandleFunc("/areas/{name}", s.handleArea).Methods(http.MethodGet)
	r.HandleFunc("/areas/{name}/history", s.handleAreaHistory).Methods(http.MethodGet)
	r.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	return r
}

func (s *HealthService) run(ctx context.Context) {
	defer close(s.done)
	addr := fmt.Sprintf("%s:%d", s.cfg.Healthcheck.Host, s.cfg.Healthcheck.Port)

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	log.Info().Str("addr", addr).Msg("Starting health check server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Health check server shutdown error")
		}
	}()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Health check server error")
	}
}

func (s *HealthService) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *HealthService) handleReady(w http.ResponseWriter, r *http.Request) {
	received := s.source.Received()
	if !s.source.Connected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "feed": "disconnected", "received": received})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "feed": "connected", "received": received})
}

func (s *HealthService) handleAreas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Snapshots())
}

func (s *HealthService) handleArea(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	for _, snap := range s.source.Snapshots() {
		if snap.Name == name {
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown area"})
}

func (s *HealthService) handleAreaHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "ledger disabled"})
		return
	}
	limit, ok := historyLimit(w, r)
	if !ok {
		return
	}
	entries, err := s.history.GetByArea(mux.Vars(r)["name"], limit)
	writeEntries(w, entries, err)
}

func (s *HealthService) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "ledger disabled"})
		return
	}
	eventType := r.URL.Query().Get("type")
	if eventType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type is required"})
		return
	}
	limit, ok := historyLimit(w, r)
	if !ok {
		return
	}
	entries, err := s.history.GetByType(ledger.EventType(eventType), limit)
	writeEntries(w, entries, err)
}

func historyLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		return 0, false
	}
	return min(limit, maxHistoryLimit), true
}

func writeEntries(w http.ResponseWriter, entries []*ledger.Entry, err error) {
	if err != nil {
		log.Error().Err(err).Msg("Failed to read ledger")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ledger read failed"})
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
