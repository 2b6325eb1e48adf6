// Package api implements the HTTP API: task runs, run history, health
// and a websocket stream of agent events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/steward/internal/agent"
	"github.com/nugget/steward/internal/buildinfo"
	"github.com/nugget/steward/internal/connwatch"
	"github.com/nugget/steward/internal/events"
	"github.com/nugget/steward/internal/llm"
	"github.com/nugget/steward/internal/memory"
	"github.com/nugget/steward/internal/usage"
)

// maxRequestBody bounds POST /v1/run bodies.
const maxRequestBody = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Runner executes tasks. *agent.Agent satisfies it.
type Runner interface {
	Run(ctx context.Context, request string) (string, error)
	LastRun() agent.RunInfo
	State() agent.State
}

// RunStore reads recorded runs. *memory.TranscriptStore satisfies it.
type RunStore interface {
	ListRuns(ctx context.Context, limit int) ([]memory.Run, error)
	Messages(ctx context.Context, runID string) ([]llm.Message, error)
	ToolStats(ctx context.Context, runID string) (map[string][2]int, error)
}

// Health reports the reachability of external services.
// *connwatch.Manager satisfies it.
type Health interface {
	Status() []connwatch.Status
	Healthy() bool
}

// Usage reports recorded token usage. *usage.Store satisfies it.
type Usage interface {
	Summary(ctx context.Context, start, end time.Time) (usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]usage.Summary, error)
	RunSummary(ctx context.Context, runID string) (usage.Summary, error)
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	runner  Runner
	runs    RunStore
	bus     *events.Bus
	health  Health
	usage   Usage
	logger  *slog.Logger
	server  *http.Server

	// running serializes runs; the agent handles one task at a time.
	running sync.Mutex
}

// NewServer creates an API server. runs and bus may be nil, which
// disables the history and event endpoints respectively.
func NewServer(address string, port int, runner Runner, runs RunStore, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		runner:  runner,
		runs:    runs,
		bus:     bus,
		logger:  logger,
	}
}

// SetHealth adds service reachability to GET /v1/health.
func (s *Server) SetHealth(h Health) {
	s.health = h
}

// SetUsage enables GET /v1/usage and per-run usage in run details.
func (s *Server) SetUsage(u Usage) {
	s.usage = u
}

// Handler returns the routed handler, wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/run", s.handleRun)

	// History endpoints
	mux.HandleFunc("GET /v1/runs", s.handleRunList)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleRunGet)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	// Live events
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Runs can take minutes; the request context bounds them instead.
		WriteTimeout: 0,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.errorResponse(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Steward",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth always answers 200; a service being down degrades the
// agent rather than stopping it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "healthy",
		"agent":  s.runner.State().String(),
		"uptime": buildinfo.Uptime().String(),
	}
	if s.health != nil {
		if !s.health.Healthy() {
			resp["status"] = "degraded"
		}
		resp["services"] = s.health.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// RunRequest is the body of POST /v1/run.
type RunRequest struct {
	Request string `json:"request"`
}

// RunResponse reports a finished run.
type RunResponse struct {
	RunID     string `json:"run_id"`
	Response  string `json:"response"`
	Steps     int    `json:"steps"`
	Stuck     int    `json:"stuck_count"`
	Reason    string `json:"reason"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// handleRun executes one task and returns its answer.
// POST /v1/run {"request": "what is the tallest building in Lisbon?"}
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Request == "" {
		s.errorResponse(w, http.StatusBadRequest, "request is required")
		return
	}

	if !s.running.TryLock() {
		s.errorResponse(w, http.StatusConflict, "agent is busy with another run")
		return
	}
	defer s.running.Unlock()

	resp, err := s.runner.Run(r.Context(), req.Request)
	if err != nil {
		var stateErr *agent.InvalidStateError
		switch {
		case errors.As(err, &stateErr):
			s.errorResponse(w, http.StatusConflict, err.Error())
			return
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// The client is usually gone; log and answer anyway.
			s.logger.Warn("run cancelled", "error", err)
		default:
			s.logger.Error("agent run failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "agent error: "+err.Error())
			return
		}
	}

	info := s.runner.LastRun()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, RunResponse{
		RunID:     info.ID,
		Response:  resp,
		Steps:     info.Steps,
		Stuck:     info.Stuck,
		Reason:    info.Reason,
		ElapsedMS: info.Elapsed.Milliseconds(),
	}, s.logger)
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "transcript not configured")
		return
	}

	limit := 50
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("list runs failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []memory.Run{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"runs":  runs,
		"count": len(runs),
	}, s.logger)
}

// toolStat is the JSON form of one ToolStats entry.
type toolStat struct {
	Calls    int `json:"calls"`
	Failures int `json:"failures"`
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "transcript not configured")
		return
	}
	id := r.PathValue("id")

	msgs, err := s.runs.Messages(r.Context(), id)
	if err != nil {
		s.logger.Error("load run messages failed", "run_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	if len(msgs) == 0 {
		s.errorResponse(w, http.StatusNotFound, "run not found")
		return
	}

	raw, err := s.runs.ToolStats(r.Context(), id)
	if err != nil {
		s.logger.Error("load tool stats failed", "run_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	stats := make(map[string]toolStat, len(raw))
	for name, v := range raw {
		stats[name] = toolStat{Calls: v[0], Failures: v[1]}
	}

	resp := map[string]any{
		"run_id":     id,
		"messages":   msgs,
		"tool_stats": stats,
	}
	if s.usage != nil {
		if sum, err := s.usage.RunSummary(r.Context(), id); err != nil {
			s.logger.Warn("load run usage failed", "run_id", id, "error", err)
		} else {
			resp["usage"] = sum
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// handleUsage reports token usage over the last ?hours= (default 24).
// GET /v1/usage?hours=168
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not configured")
		return
	}

	hours := 24
	if n, err := strconv.Atoi(r.URL.Query().Get("hours")); err == nil && n > 0 {
		hours = n
	}
	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)

	total, err := s.usage.Summary(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load usage")
		return
	}
	byModel, err := s.usage.SummaryByModel(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage by model failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load usage")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"hours":    hours,
		"total":    total,
		"by_model": byModel,
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
