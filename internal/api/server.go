package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"outreach-orchestrator/internal/config"
	"outreach-orchestrator/internal/control"
	"outreach-orchestrator/internal/credentials"
	"outreach-orchestrator/internal/platform"
	"outreach-orchestrator/internal/ratelimit"
	"outreach-orchestrator/internal/store"
	"outreach-orchestrator/internal/telemetry"
)

type OAuthFlow interface {
	Authorize(ctx context.Context, tenantID, actorID string) (string, error)
	Callback(ctx context.Context, state, code string) (string, error)
}

type Credentials interface {
	GetValidToken(ctx context.Context, tenantID, provider string) (string, bool, error)
	Status(ctx context.Context, tenantID, provider string) (credentials.Status, error)
	Revoke(ctx context.Context, tenantID, provider string) error
}

type ControlPlane interface {
	Handle(ctx context.Context, env control.Envelope) control.Response
	Refuse(ctx context.Context, env control.Envelope, reason string) control.Response
}

type Publisher interface {
	Publish(ctx context.Context, token string, req platform.PublishRequest) (string, error)
}

type KillSwitch interface {
	Engaged(ctx context.Context) (bool, error)
}

// Check is a named readiness probe.
type Check func(ctx context.Context) error

// Options wires the HTTP boundary. Limiter may be nil to disable rate limiting.
type Options struct {
	Config      config.Config
	Checks      map[string]Check
	Flows       map[string]OAuthFlow
	Credentials Credentials
	Control     ControlPlane
	Publisher   Publisher
	Flags       KillSwitch
	Actions     store.AdminActionRepo
	Limiter     *ratelimit.TokenBucket
	Logger      logrus.FieldLogger
}

// Server wires HTTP handlers for health, OAuth, the control webhook and direct publishing.
type Server struct {
	cfg      config.Config
	checks   map[string]Check
	flows    map[string]OAuthFlow
	creds    Credentials
	control  ControlPlane
	pub      Publisher
	flags    KillSwitch
	actions  store.AdminActionRepo
	limiter  *ratelimit.TokenBucket
	logger   logrus.FieldLogger
	validate *validator.Validate
}

// New constructs the API server.
func New(o Options) *Server {
	s := &Server{
		cfg:      o.Config,
		checks:   o.Checks,
		flows:    o.Flows,
		creds:    o.Credentials,
		control:  o.Control,
		pub:      o.Publisher,
		flags:    o.Flags,
		actions:  o.Actions,
		limiter:  o.Limiter,
		logger:   o.Logger,
		validate: validator.New(),
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.handleReady)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/oauth/{provider}", func(r chi.Router) {
		r.Get("/callback", s.handleOAuthCallback)
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.With(requireRole(roleAdmin)).Get("/authorize", s.handleOAuthAuthorize)
			r.With(requireRole(roleMember)).Get("/status", s.handleOAuthStatus)
			r.With(requireRole(roleAdmin)).Post("/revoke", s.handleOAuthRevoke)
		})
	})

	r.With(s.rateLimit("control")).Post("/control/webhook/{tenantID}", s.handleControlWebhook)
	r.With(s.rateLimit("publish"), s.authenticate).Post("/publish/direct", s.handleDirectPublish)
	return r
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	results := make(map[string]string, len(s.checks))
	ready := true
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			ready = false
			continue
		}
		results[name] = "ok"
	}
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "checks": results})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "checks": results})
}

// observe logs and counts every request by route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		telemetry.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		s.logger.WithFields(logrus.Fields{
			"request_id":  middleware.GetReqID(r.Context()),
			"method":      r.Method,
			"route":       route,
			"status":      status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("http request")
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
