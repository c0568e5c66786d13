package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"caltasks/internal/config"
	appLog "caltasks/internal/log"
	"caltasks/internal/orchestrator"
)

// Server exposes execution records and manual triggers over HTTP.
type Server struct {
	cfg  *config.Config
	orch *orchestrator.Orchestrator
	mux  *http.ServeMux

	// runCtx parents every run started through the API. Cancelling it
	// stops in-flight runs between segments.
	runCtx context.Context
	runs   sync.WaitGroup

	// Status assembly pings every backing store, so it is cached briefly.
	statusMu    sync.RWMutex
	statusCache *statusCache
}

type statusCache struct {
	resp      orchestrator.StatusReport
	updatedAt time.Time
}

const statusCacheTTL = 10 * time.Second

// NewServer constructs a new Server. Runs triggered through the API live
// as long as ctx.
func NewServer(ctx context.Context, cfg *config.Config, orch *orchestrator.Orchestrator) *Server {
	s := &Server{
		cfg:    cfg,
		orch:   orch,
		mux:    http.NewServeMux(),
		runCtx: ctx,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// Wait blocks until runs started through the API have finished.
func (s *Server) Wait() {
	s.runs.Wait()
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth rather than lock everyone out.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="caltasks", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// StartServer serves the API on cfg.Listen until ctx is cancelled, then
// shuts down and waits for triggered runs to record their results.
func StartServer(ctx context.Context, cfg *config.Config, orch *orchestrator.Orchestrator) error {
	s := NewServer(ctx, cfg, orch)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("HTTP server shutdown failed", err)
	}
	s.Wait()
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/runs/last", s.handleLastRun)
	s.mux.HandleFunc("/api/run", s.handleRun)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleStatus returns locks, last results, counters and connectivity.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.statusMu.RLock()
	sc := s.statusCache
	s.statusMu.RUnlock()
	if sc != nil && time.Since(sc.updatedAt) < statusCacheTTL {
		writeJSON(w, http.StatusOK, sc.resp)
		return
	}

	resp := s.orch.Status(r.Context())

	s.statusMu.Lock()
	s.statusCache = &statusCache{resp: resp, updatedAt: time.Now()}
	s.statusMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) invalidateStatus() {
	s.statusMu.Lock()
	s.statusCache = nil
	s.statusMu.Unlock()
}

// handleLastRun returns the stored result of one run kind.
//
// GET /api/runs/last?kind=primary
//   - kind: primary, backup, repair, mail or health (default primary)
func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := r.Context()
	kind := orchestrator.Kind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = orchestrator.KindPrimary
	}

	var (
		resp any
		err  error
	)
	switch {
	case kind == orchestrator.KindHealth:
		var h *orchestrator.HealthReport
		h, err = s.orch.LastHealth(ctx)
		if h != nil {
			resp = h
		}
	case validKind(kind):
		var rep *orchestrator.Report
		rep, err = s.orch.LastReport(ctx, kind)
		if rep != nil {
			resp = rep
		}
	default:
		writeError(w, http.StatusBadRequest, "unknown kind "+strconv.Quote(string(kind)))
		return
	}
	if err != nil {
		appLog.Error("api last run: read failed", err, "kind", kind)
		writeError(w, http.StatusInternalServerError, "failed to read run record")
		return
	}
	if resp == nil {
		writeError(w, http.StatusNotFound, "no "+string(kind)+" run recorded")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type runResponse struct {
	Kind     orchestrator.Kind `json:"kind"`
	Accepted bool              `json:"accepted"`
}

// handleRun starts a run in the background.
//
// POST /api/run?kind=primary&days=3
//   - kind: primary, backup, repair or mail
//   - days: repair window (repair only)
//
// Returns 202 when the run was started and 409 while one of the same kind
// holds its lock.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	kind := orchestrator.Kind(q.Get("kind"))
	if !validKind(kind) {
		writeError(w, http.StatusBadRequest, "unknown kind "+strconv.Quote(string(kind)))
		return
	}
	if s.orch.Busy(r.Context(), kind) {
		writeError(w, http.StatusConflict, string(kind)+" run already in progress")
		return
	}

	days := parseIntDefault(q.Get("days"), 0)
	run := s.runner(kind, days)

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.invalidateStatus()
		appLog.Info("api run started", "kind", kind)
		run(s.runCtx)
	}()
	writeJSON(w, http.StatusAccepted, runResponse{Kind: kind, Accepted: true})
}

func (s *Server) runner(kind orchestrator.Kind, days int) func(context.Context) {
	switch kind {
	case orchestrator.KindBackup:
		return func(ctx context.Context) { s.orch.BackupCheck(ctx) }
	case orchestrator.KindRepair:
		return func(ctx context.Context) { s.orch.Repair(ctx, days) }
	case orchestrator.KindMail:
		return func(ctx context.Context) { s.orch.RunMail(ctx) }
	default:
		return func(ctx context.Context) { s.orch.RunPrimary(ctx) }
	}
}

func validKind(kind orchestrator.Kind) bool {
	for _, k := range orchestrator.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
