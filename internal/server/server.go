// Package server exposes the audit log over HTTP for `auditctl serve`.
//
//   - GET  /health              liveness
//   - GET  /metrics             prometheus metrics
//   - GET  /api/entries         query entries (filters as URL parameters)
//   - POST /api/entries         log an entry (LogOptions JSON)
//   - POST /api/decisions       log a credit decision (DecisionOptions JSON)
//   - GET  /api/entries/{id}    one entry, 404 if absent
//   - GET  /api/count           count matching entries
//   - GET  /api/verify?from=    replay the hash chain
//   - GET  /api/feed            websocket stream of appended entries
//
// The server never edits or removes entries: every write goes through
// audit.Logger, so it is chained like any other append.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/auditchain/auditchain/internal/audit"
)

// maxBodyBytes bounds POSTed entries.
const maxBodyBytes = 8 << 20

// Options holds the dependencies injected into the server.
type Options struct {
	Logger  *audit.Logger
	Version string
	Feed    bool // Serve /api/feed.
}

// Server serves the REST API and the live feed.
type Server struct {
	logger  *audit.Logger
	store   audit.Store
	version string
	feed    bool
	hub     *wsHub
	metrics *metrics
	router  chi.Router
}

// New creates a server and starts its feed hub. Call Close when done.
func New(opts Options) *Server {
	s := &Server{
		logger:  opts.Logger,
		store:   opts.Logger.Store(),
		version: opts.Version,
		feed:    opts.Feed,
		hub:     newWSHub(),
	}
	s.metrics = newMetrics(s.hub)
	go s.hub.run()
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.instrument)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/entries", s.handleQuery)
		r.Post("/entries", s.handleLog)
		r.Get("/entries/{id}", s.handleGet)
		r.Post("/decisions", s.handleDecision)
		r.Get("/count", s.handleCount)
		r.Get("/verify", s.handleVerify)
		if s.feed {
			r.Get("/feed", s.handleFeed)
		}
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Broadcast pushes an appended entry to every feed client and counts it.
// Wire it to audit.LoggerConfig.OnAppend, or to a store Follow callback
// for entries appended by other processes.
func (s *Server) Broadcast(e audit.Entry) {
	s.metrics.entriesAppended.WithLabelValues(e.Tool).Inc()
	if !s.feed {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal feed entry", "audit_id", e.AuditID, "error", err)
		return
	}
	s.hub.broadcast(data)
}

// FollowStore streams entries appended by other processes into the feed.
// Blocks until ctx is cancelled. Stores that cannot follow return at once.
func (s *Server) FollowStore(ctx context.Context) error {
	f, ok := s.store.(audit.Follower)
	if !ok {
		slog.Info("store does not support following, feed limited to in-process appends")
		return nil
	}
	return f.Follow(ctx, s.Broadcast)
}

// Close stops the feed hub.
func (s *Server) Close() {
	s.hub.stop()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilters(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := s.store.Query(r.Context(), f)
	if err != nil {
		slog.Error("audit query failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("audit query failed"))
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilters(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := s.store.Count(r.Context(), f)
	if err != nil {
		slog.Error("audit count failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("audit count failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := s.store.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("audit lookup failed", "audit_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("audit lookup failed"))
		return
	}
	if e == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", audit.ErrNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	from, err := audit.ParseDateBound(r.URL.Query().Get("from"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.store.VerifyIntegrity(r.Context(), from)
	if err != nil {
		slog.Error("audit verification failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("audit verification failed"))
		return
	}
	s.metrics.verifyRuns.Inc()
	s.metrics.verifyInvalid.Set(float64(result.InvalidEntries))
	if !result.Valid {
		slog.Warn("audit chain integrity violation", "invalid_entries", result.InvalidEntries)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	var opts audit.LogOptions
	if err := decodeBody(w, r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	e, err := s.logger.Log(r.Context(), opts)
	if err != nil {
		s.writeAppendError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var opts audit.DecisionOptions
	if err := decodeBody(w, r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if opts.Decision == "" {
		writeError(w, http.StatusBadRequest, errors.New("decision field required"))
		return
	}
	e, err := s.logger.LogDecision(r.Context(), opts)
	if err != nil {
		s.writeAppendError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) writeAppendError(w http.ResponseWriter, err error) {
	if errors.Is(err, audit.ErrEntryTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	slog.Error("audit log failed", "error", err)
	writeError(w, http.StatusInternalServerError, errors.New("audit log failed"))
}

// parseFilters maps URL parameters onto audit.Filters.
func parseFilters(q url.Values) (audit.Filters, error) {
	f := audit.Filters{
		LoanID:         q.Get("loanId"),
		Tool:           q.Get("tool"),
		Command:        q.Get("command"),
		CommandPattern: q.Get("commandPattern"),
		Operator:       q.Get("operator"),
		SessionID:      q.Get("sessionId"),
	}

	var err error
	if f.StartDate, err = audit.ParseDateBound(q.Get("from"), false); err != nil {
		return f, err
	}
	if f.EndDate, err = audit.ParseDateBound(q.Get("to"), true); err != nil {
		return f, err
	}
	if v := q.Get("riskFlags"); v != "" {
		if f.HasRiskFlags, err = strconv.ParseBool(v); err != nil {
			return f, fmt.Errorf("invalid riskFlags %q", v)
		}
	}
	if v := q.Get("humanReview"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("invalid humanReview %q", v)
		}
		f.HumanReviewRequired = &b
	}
	if f.Offset, err = intParam(q, "offset"); err != nil {
		return f, err
	}
	if f.Limit, err = intParam(q, "limit"); err != nil {
		return f, err
	}
	return f, nil
}

func intParam(q url.Values, name string) (int, error) {
	v := q.Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

// decodeBody parses a JSON request body. Numbers are kept as json.Number
// so payload values reach the hash exactly as sent.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		slog.Debug("writing response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
