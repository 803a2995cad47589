package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"netkeep/internal/connection"
	"netkeep/internal/metrics"
	"netkeep/internal/models"
)

const (
	defaultHistoryWindow = time.Hour
	maxHistoryWindow     = 7 * 24 * time.Hour
	maxTimelinePoints    = 500
	maxRequestBody       = 1 << 20
)

type QueueService interface {
	Enqueue(ctx context.Context, op models.Operation) models.QueuedOperation
	Status() models.QueueStatus
	Operations(filter ...models.OperationStatus) []models.QueuedOperation
	Remove(ctx context.Context, id string) bool
	Clear(ctx context.Context)
}

type ProbeService interface {
	Check(ctx context.Context) models.ProbeResult
	History() []models.ProbeResult
}

type ConnectionService interface {
	State() models.ConnectionState
	Subscribe(cb func(models.ConnectionState)) (unsubscribe func())
}

type HistoryService interface {
	Transitions() []models.StateTransition
	Spans(start, end time.Time) []models.TimelineSpan
	Buckets(start, end time.Time, points int) []models.TimelinePoint
}

// Deps are the components exposed over HTTP. Connection and History are
// optional and must be left nil when no session is configured.
type Deps struct {
	Queue      QueueService
	Prober     ProbeService
	Connection ConnectionService
	History    HistoryService
	Flush      func(ctx context.Context) ([]models.ProcessResult, error)
	Log        zerolog.Logger
}

// Server serves the status API, metrics and the status stream.
type Server struct {
	httpServer *http.Server
	deps       Deps
	log        zerolog.Logger
}

// New creates a configured HTTP server for the agent.
func New(addr string, deps Deps) *Server {
	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		deps:       deps,
		log:        deps.Log,
	}
	s.registerRoutes(mux)
	return s
}

// Run blocks and serves HTTP traffic.
func (s *Server) Run() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/probe", s.handleProbe)
	mux.HandleFunc("GET /api/connection/history", s.handleConnectionHistory)
	mux.HandleFunc("GET /api/queue", s.handleQueueList)
	mux.HandleFunc("POST /api/queue", s.handleQueueAdd)
	mux.HandleFunc("DELETE /api/queue", s.handleQueueClear)
	mux.HandleFunc("POST /api/queue/flush", s.handleQueueFlush)
	mux.HandleFunc("DELETE /api/queue/{id}", s.handleQueueRemove)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /ws/status", s.handleStatusWS)
}

type probeView struct {
	IsOnline  bool      `json:"is_online"`
	LatencyMs int64     `json:"latency_ms"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

func newProbeView(r models.ProbeResult) probeView {
	return probeView{
		IsOnline:  r.IsOnline,
		LatencyMs: r.LatencyMs(),
		Endpoint:  r.Endpoint,
		Error:     r.ErrorMessage(),
		CheckedAt: r.CheckedAt,
	}
}

type queueCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type statusSnapshot struct {
	GeneratedAt  time.Time                  `json:"generated_at"`
	Connection   *models.ConnectionState    `json:"connection"`
	Reachability *probeView                 `json:"reachability"`
	Uptime       metrics.ReachabilityUptime `json:"uptime"`
	Queue        queueCounts                `json:"queue"`
}

func (s *Server) buildStatusSnapshot() statusSnapshot {
	snap := statusSnapshot{GeneratedAt: time.Now().UTC()}
	if s.deps.Connection != nil {
		st := s.deps.Connection.State()
		snap.Connection = &st
	}
	if s.deps.Prober != nil {
		history := s.deps.Prober.History()
		if n := len(history); n > 0 {
			view := newProbeView(history[n-1])
			snap.Reachability = &view
		}
		snap.Uptime = metrics.ComputeReachabilityUptime(history)
	}
	if s.deps.Queue != nil {
		qs := s.deps.Queue.Status()
		snap.Queue = queueCounts{Total: qs.Total, Pending: qs.Pending, Completed: qs.Completed, Failed: qs.Failed}
	}
	return snap
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.buildStatusSnapshot())
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	if s.deps.Prober == nil {
		writeError(w, http.StatusNotFound, "reachability probing is not configured")
		return
	}
	writeJSON(w, http.StatusOK, newProbeView(s.deps.Prober.Check(r.Context())))
}

func (s *Server) handleConnectionHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotFound, "no session configured")
		return
	}
	end := time.Now()
	start := end.Add(-parseWindow(r, defaultHistoryWindow))
	points := parseLimit(r, "points", maxTimelinePoints, 60)
	writeJSON(w, http.StatusOK, map[string]any{
		"range_start": start.UTC(),
		"range_end":   end.UTC(),
		"transitions": s.deps.History.Transitions(),
		"spans":       s.deps.History.Spans(start, end),
		"timeline":    s.deps.History.Buckets(start, end, points),
	})
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		writeJSON(w, http.StatusOK, s.deps.Queue.Status())
		return
	}
	status := models.OperationStatus(raw)
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(raw))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Queue.Operations(status))
}

func (s *Server) handleQueueAdd(w http.ResponseWriter, r *http.Request) {
	var op models.Operation
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&op); err != nil {
		writeError(w, http.StatusBadRequest, "invalid operation: "+err.Error())
		return
	}
	if op.URL == "" {
		writeError(w, http.StatusBadRequest, "operation url is required")
		return
	}
	writeJSON(w, http.StatusCreated, s.deps.Queue.Enqueue(r.Context(), op))
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	s.deps.Queue.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueRemove(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Queue.Remove(r.Context(), r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueFlush(w http.ResponseWriter, r *http.Request) {
	if s.deps.Flush == nil {
		writeError(w, http.StatusNotImplemented, "flush is not available")
		return
	}
	results, err := s.deps.Flush(r.Context())
	switch {
	case errors.Is(err, connection.ErrOffline):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.log.Error().Err(err).Msg("flush queue")
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		if results == nil {
			results = []models.ProcessResult{}
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func parseWindow(r *http.Request, fallback time.Duration) time.Duration {
	raw := r.URL.Query().Get("window")
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	if d > maxHistoryWindow {
		return maxHistoryWindow
	}
	return d
}

func parseLimit(r *http.Request, key string, max, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	if value > max {
		return max
	}
	return value
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
