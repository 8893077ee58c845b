package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/praetor-ai/praetor/pkg/audit"
	"github.com/praetor-ai/praetor/pkg/authz"
	"github.com/praetor-ai/praetor/pkg/config"
	"github.com/praetor-ai/praetor/pkg/fault"
	"github.com/praetor-ai/praetor/pkg/governor"
	"github.com/praetor-ai/praetor/pkg/manifest"
	"github.com/praetor-ai/praetor/pkg/observability"
	"github.com/praetor-ai/praetor/pkg/reflex"
	"github.com/praetor-ai/praetor/pkg/runtime"
	"github.com/praetor-ai/praetor/pkg/stream"
)

// buildRuntime assembles backends from config: Postgres for decisions when
// DATABASE_URL is set, SQLite for audit and manifests when SQLITE_PATH is
// set, a Redis-shared circuit breaker when REDIS_ADDR is set, memory
// otherwise.
func buildRuntime(cfg *config.Config, env string, provider *observability.Provider, logger *slog.Logger, stderr io.Writer) *runtime.Runtime {
	opts := runtime.Options{
		Config:      cfg,
		Logger:      logger,
		Environment: governor.Environment(env),
		Telemetry:   provider,
	}

	if cfg.RedisAddr != "" {
		opts.Breaker = reflex.NewRedisCircuitBreaker(cfg.RedisAddr, reflex.DefaultBreakerConfig, nil)
		logger.Info("circuit breaker state shared via redis", "addr", cfg.RedisAddr)
	}

	if cfg.SQLitePath != "" {
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			fmt.Fprintln(stderr, "sqlite open failed:", err)
			return nil
		}
		auditStore, err := audit.NewSQLiteStore(db)
		if err != nil {
			fmt.Fprintln(stderr, "audit store init failed:", err)
			return nil
		}
		manifestStore, err := manifest.NewSQLiteStore(db)
		if err != nil {
			fmt.Fprintln(stderr, "manifest store init failed:", err)
			return nil
		}
		opts.AuditStore = auditStore
		opts.ManifestStore = manifestStore
	}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintln(stderr, "postgres open failed:", err)
			return nil
		}
		store, err := governor.NewPostgresDecisionStore(db, nil)
		if err != nil {
			fmt.Fprintln(stderr, "decision store init failed:", err)
			return nil
		}
		opts.DecisionStore = store
	}

	return runtime.New(opts)
}

type server struct {
	rt     *runtime.Runtime
	secret []byte
	logger *slog.Logger
}

func newServer(rt *runtime.Runtime, secret []byte, logger *slog.Logger) *server {
	return &server{rt: rt, secret: secret, logger: logger.With("component", "api")}
}

func (s *server) listen(addr string, stdout, stderr io.Writer) int {
	mux := http.NewServeMux()

	mux.Handle("POST /v1/missions", s.protect(s.handleSubmitMission, authz.ExecuteJob))
	mux.Handle("GET /v1/trace/{attempt}", s.protect(s.handleTrace, authz.ReadTrace))
	mux.Handle("GET /v1/decisions/{job}", s.protect(s.handleDecision, authz.ReadGovernor))
	mux.Handle("GET /v1/manifests", s.protect(s.handleListManifests, authz.ReadGovernor))
	mux.Handle("POST /v1/manifests", s.protect(s.handleCreateManifest, authz.WriteGovernor))
	mux.Handle("POST /v1/manifests/{version}/shadow", s.protect(s.handleShadowManifest, authz.WriteGovernor))
	mux.Handle("POST /v1/manifests/{version}/activate", s.protect(s.handleActivateManifest, authz.WriteGovernor))
	mux.Handle("POST /v1/jobs/{job}/resume", s.protect(s.handleResume, authz.ExecuteReflex))
	mux.Handle("GET /v1/audit", s.protect(s.handleAudit, authz.ReadAudit))
	mux.Handle("GET /v1/stream", s.protectHandler(stream.NewHandler(s.rt.Stream), authz.ReadStream))
	mux.HandleFunc("GET /v1/health", s.handleHealth)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	fmt.Fprintln(stdout, "praetor listening on", addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintln(stderr, "server failed:", err)
			return 1
		}
	case <-sig:
		s.logger.Info("shutting down")
		_ = srv.Close()
	}
	return 0
}

// protect enforces the permission via bearer token. An empty secret disables
// authentication and grants every request.
func (s *server) protect(h http.HandlerFunc, perm authz.Permission) http.Handler {
	return s.protectHandler(h, perm)
}

func (s *server) protectHandler(h http.Handler, perm authz.Permission) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.secret) > 0 {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			principal, err := authz.ParsePrincipal(token, s.secret)
			if err != nil {
				s.fail(w, http.StatusUnauthorized, fmt.Errorf("unauthenticated: %w", err))
				return
			}
			if d := s.rt.Authz.Authorize(principal, []authz.Permission{perm}, true); !d.Allowed {
				s.fail(w, http.StatusForbidden, errors.New(d.Reason))
				return
			}
		}
		h.ServeHTTP(w, r)
	})
}

func (s *server) handleSubmitMission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tags map[string]string `json:"tags"`
		Jobs []runtime.JobSpec `json:"jobs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.rt.SubmitMission(r.Context(), req.Tags, req.Jobs)
	if err != nil {
		s.failFault(w, err)
		return
	}
	s.ok(w, http.StatusCreated, rec)
}

func (s *server) handleTrace(w http.ResponseWriter, r *http.Request) {
	chain, err := s.rt.TraceOf(r.PathValue("attempt"))
	if err != nil {
		s.failFault(w, err)
		return
	}
	s.ok(w, http.StatusOK, chain)
}

func (s *server) handleDecision(w http.ResponseWriter, r *http.Request) {
	d, err := s.rt.Decisions.ByJob(r.Context(), r.PathValue("job"))
	if err != nil {
		s.failFault(w, err)
		return
	}
	s.ok(w, http.StatusOK, d)
}

func (s *server) handleListManifests(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)
	list, err := s.rt.Manifests.List(r.Context(), limit, offset)
	if err != nil {
		s.failFault(w, err)
		return
	}
	s.ok(w, http.StatusOK, list)
}

func (s *server) handleCreateManifest(w http.ResponseWriter, r *http.Request) {
	var m manifest.Manifest
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	created, err := s.rt.Manifests.Create(r.Context(), &m, true)
	if err != nil {
		s.failFault(w, err)
		return
	}
	s.ok(w, http.StatusCreated, created)
}

func (s *server) handleShadowManifest(w http.ResponseWriter, r *http.Request) {
	m, err := s.rt.Manifests.SetShadow(r.Context(), r.PathValue("version"))
	if err != nil {
		s.failFault(w, err)
		return
	}
	s.ok(w, http.StatusOK, m)
}

func (s *server) handleActivateManifest(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	gate := manifest.GateConfig{
		MinShadowDuration: s.rt.Config().ShadowMinDuration,
		MaxDivergence:     s.rt.Config().ActivationGateDivergenceMax,
	}
	version := r.PathValue("version")

	var report *manifest.ShadowReport
	if shadow, _ := s.rt.Manifests.GetShadow(r.Context()); shadow != nil && shadow.Version == version {
		if active, err := s.rt.Manifests.GetActive(r.Context()); err == nil {
			report = s.rt.Shadow.BuildReport(version, active.Version, gate)
		}
	}

	record, err := s.rt.Manifests.Activate(r.Context(), version, gate, report, force)
	if err != nil {
		s.failFault(w, err)
		return
	}
	s.ok(w, http.StatusOK, record)
}

func (s *server) handleResume(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	tr, err := s.rt.ResumeJob(r.Context(), r.PathValue("job"), force)
	if err != nil {
		s.failFault(w, err)
		return
	}
	s.ok(w, http.StatusOK, tr)
}

func (s *server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := audit.Query{
		MissionID: r.URL.Query().Get("mission_id"),
		PlanID:    r.URL.Query().Get("plan_id"),
		JobID:     r.URL.Query().Get("job_id"),
		AttemptID: r.URL.Query().Get("attempt_id"),
		Category:  audit.Category(r.URL.Query().Get("category")),
		Severity:  fault.Severity(r.URL.Query().Get("severity")),
		Limit:     queryInt(r, "limit", audit.DefaultQueryLimit),
		Offset:    queryInt(r, "offset", 0),
	}
	events, err := s.rt.AuditStore().Search(r.Context(), q)
	if err != nil {
		s.failFault(w, err)
		return
	}
	s.ok(w, http.StatusOK, events)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.rt.Degraded() {
		status = "degraded"
	}
	s.ok(w, http.StatusOK, map[string]string{"status": status})
}

func (s *server) ok(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) fail(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// failFault maps fault codes onto HTTP statuses.
func (s *server) failFault(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch fault.CodeOf(err) {
	case fault.CodeManifestNotFound, fault.CodeMissingTraceContext:
		code = http.StatusNotFound
	case fault.CodeManifestInvalidSchema, fault.CodeManifestHashMismatch:
		code = http.StatusBadRequest
	case fault.CodeActivationGateBlocked, fault.CodeLifecycleInvalid:
		code = http.StatusConflict
	case fault.CodeReflexCooldown, fault.CodeCircuitBreakerOpen:
		code = http.StatusTooManyRequests
	}
	s.fail(w, code, err)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
