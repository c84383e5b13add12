package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/scrapeguard/internal/core/domain"
	"github.com/vietddude/scrapeguard/internal/infra/storage"
	"github.com/vietddude/scrapeguard/internal/resilience/adapter"
	"github.com/vietddude/scrapeguard/internal/resilience/circuit"
	"github.com/vietddude/scrapeguard/internal/resilience/dlq"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
)

// Server provides the admin HTTP endpoints.
type Server struct {
	app    *App
	server *http.Server
	log    *slog.Logger
}

// NewServer creates a new admin server.
func NewServer(app *App, port int, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{
		app: app,
		log: log,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/platforms", s.handlePlatforms)
	mux.HandleFunc("GET /api/platforms/healthy", s.handleHealthyPlatforms)

	mux.HandleFunc("GET /api/circuits", s.handleCircuits)
	mux.HandleFunc("POST /api/circuits/{name}/{action}", s.handleCircuitAction)

	mux.HandleFunc("GET /api/dlq", s.handleDLQList)
	mux.HandleFunc("GET /api/dlq/stats", s.handleDLQStats)
	mux.HandleFunc("GET /api/dlq/{id}", s.handleDLQGet)
	mux.HandleFunc("POST /api/dlq/{id}/{action}", s.handleDLQAction)

	mux.HandleFunc("GET /api/adapters", s.handleAdapters)
	mux.HandleFunc("GET /api/adapters/{platform}", s.handleAdapter)
	mux.HandleFunc("GET /api/adapters/{platform}/versions", s.handleVersions)
	mux.HandleFunc("POST /api/adapters/{platform}/versions", s.handleRegisterVersion)
	mux.HandleFunc("POST /api/adapters/{platform}/promote", s.handlePromote)
	mux.HandleFunc("POST /api/adapters/{platform}/rollback", s.handleRollback)
	mux.HandleFunc("GET /api/rollbacks", s.handleRollbacks)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)

	return s
}

// Handler exposes the routes, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := StatusHealthy
	checks := map[string]string{}

	if s.app.db != nil {
		if err := s.app.db.Health(r.Context()); err != nil {
			status = StatusCritical
			checks["database"] = err.Error()
		}
	}
	if s.app.redisClient != nil {
		if err := s.app.redisClient.Health(r.Context()); err != nil && status != StatusCritical {
			status = StatusDegraded
			checks["redis"] = err.Error()
		}
	}

	var unavailable []string
	for _, h := range s.app.Health.GetAllPlatformHealth() {
		if !h.IsAvailable {
			unavailable = append(unavailable, h.Platform)
		}
	}
	var open []string
	for _, st := range s.app.Circuits.AllStats() {
		if st.State == circuit.StateOpen {
			open = append(open, st.Name)
		}
	}
	if (len(unavailable) > 0 || len(open) > 0) && status == StatusHealthy {
		status = StatusDegraded
	}

	code := http.StatusOK
	if status == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":                status,
		"checks":                checks,
		"unavailable_platforms": unavailable,
		"open_circuits":         open,
		"browser_pool":          s.app.Fetch.Stats(),
	})
}

func (s *Server) handlePlatforms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Health.GetAllPlatformHealth())
}

func (s *Server) handleHealthyPlatforms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Health.GetHealthyPlatformsByPriority())
}

func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Circuits.AllStats())
}

func (s *Server) handleCircuitAction(w http.ResponseWriter, r *http.Request) {
	name, action := r.PathValue("name"), r.PathValue("action")
	b, ok := s.app.Circuits.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("circuit %s not found", name))
		return
	}

	var err error
	switch action {
	case "open":
		err = s.app.Circuits.ForceOpen(name)
	case "close":
		err = s.app.Circuits.ForceClose(name)
	case "reset":
		err = s.app.Circuits.Reset(name)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown circuit action %q", action))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.audit(r, "circuit."+action, name)
	writeJSON(w, http.StatusOK, b.Stats())
}

// parseFilter reads the DLQ filter from the query string.
func parseFilter(r *http.Request) (domain.OperationFilter, error) {
	q := r.URL.Query()
	filter := domain.OperationFilter{
		Type:     domain.OperationType(q.Get("type")),
		Platform: q.Get("platform"),
		VenueID:  q.Get("venue_id"),
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return filter, fmt.Errorf("%w: %q", dlq.ErrInvalidType, filter.Type)
	}
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := domain.OperationStatus(strings.TrimSpace(part))
			if !st.Valid() {
				return filter, fmt.Errorf("invalid status %q", st)
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	for key, dst := range map[string]*time.Time{"from": &filter.CreatedAfter, "to": &filter.CreatedBefore} {
		if raw := q.Get(key); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return filter, fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = t
		}
	}
	limit, err := parseLimit(r, 100)
	if err != nil {
		return filter, err
	}
	filter.Limit = limit
	return filter, nil
}

func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ops, err := s.app.Queue.List(r.Context(), filter)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *Server) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	stats, err := s.app.Queue.Stats(r.Context(), filter)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDLQGet(w http.ResponseWriter, r *http.Request) {
	op, err := s.app.Queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleDLQAction(w http.ResponseWriter, r *http.Request) {
	id, action := r.PathValue("id"), r.PathValue("action")

	var (
		op  *domain.FailedOperation
		err error
	)
	switch action {
	case "retry":
		op, err = s.app.Queue.Requeue(r.Context(), id)
	case "resolve":
		op, err = s.app.Queue.MarkResolved(r.Context(), id)
	case "escalate":
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeOptional(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		op, err = s.app.Queue.MarkRequiresManual(r.Context(), id, body.Reason)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown dlq action %q", action))
		return
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.audit(r, "dlq."+action, id)
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleAdapters(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.app.Adapters.Summaries(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleAdapter(w http.ResponseWriter, r *http.Request) {
	summary, err := s.app.Adapters.Summary(r.Context(), r.PathValue("platform"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.app.Adapters.VersionHistory(r.Context(), r.PathValue("platform"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleRegisterVersion(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")
	var body struct {
		Version string               `json:"version"`
		Status  domain.AdapterStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	v, err := s.app.Adapters.RegisterVersion(r.Context(), platform, body.Version, body.Status)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.audit(r, "adapter.register", platform+"@"+body.Version)
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")
	var body struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	ev, err := s.app.Adapters.PromoteToActive(r.Context(), platform, body.Version)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.audit(r, "adapter.promote", platform+"@"+body.Version)
	writeJSON(w, http.StatusOK, map[string]any{"platform": platform, "version": body.Version, "rollback": ev})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")
	var body struct {
		ToVersion string `json:"to_version"`
		Reason    string `json:"reason"`
	}
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ev, err := s.app.Adapters.ForceRollback(r.Context(), platform, body.ToVersion, body.Reason)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.audit(r, "adapter.rollback", platform+"@"+ev.ToVersion)
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleRollbacks(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	events, err := s.app.Adapters.RollbackHistory(r.Context(), r.URL.Query().Get("platform"), limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	alerts, err := s.app.Adapters.Alerts(r.Context(), r.URL.Query().Get("platform"), limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) audit(r *http.Request, action, target string) {
	s.log.Info("admin action",
		"action", action,
		"target", target,
		"remote", r.RemoteAddr)
}

// decodeOptional decodes a JSON body when one was sent.
func decodeOptional(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid body: %w", err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, adapter.ErrInvalidVersion), errors.Is(err, dlq.ErrInvalidType):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrConflict),
		errors.Is(err, adapter.ErrVersionExists),
		errors.Is(err, adapter.ErrAlreadyActive),
		errors.Is(err, adapter.ErrNoRollbackTarget),
		errors.Is(err, dlq.ErrResolved):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
