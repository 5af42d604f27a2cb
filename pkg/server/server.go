// Package server exposes the account engine over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/entrhq/accountforge/pkg/config"
	"github.com/entrhq/accountforge/pkg/engine"
	"github.com/entrhq/accountforge/pkg/logging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// API is the engine surface served over HTTP.
type API interface {
	Status(ctx context.Context) (*engine.Status, error)
	ListAccounts(ctx context.Context, f engine.Filter) (*engine.Page, error)
	GetAccount(ctx context.Context, email string) (*engine.AccountView, error)
	CreateAccount(ctx context.Context, req engine.CreateRequest) (*engine.JobRef, error)
	RefreshAccount(ctx context.Context, email string) (*engine.JobRef, error)
	RefreshAll(ctx context.Context) (*engine.BatchResult, error)
	RetryAccount(ctx context.Context, email string) (*engine.JobRef, error)
	StopAccount(ctx context.Context, email string) error
	StopAll(ctx context.Context) int
	DeleteAccount(ctx context.Context, email string) error
	ExportActiveAccounts(ctx context.Context) (*engine.Export, error)
	Settings() engine.Settings
	UpdateSettings(u engine.SettingsUpdate) (engine.Settings, error)
	EmailConfigs() []config.DomainConfigEntry
}

// Server is the HTTP adapter.
type Server struct {
	cfg     config.ServerConfig
	api     API
	log     *logging.Logger
	handler http.Handler
	server  *http.Server
}

// New builds the server and its routes.
func New(cfg config.ServerConfig, api API, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{cfg: cfg, api: api, log: logger}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	// Health check (no auth required)
	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		if s.cfg.AuthEnabled() {
			r.Use(s.requireAdmin)
		}

		r.Get("/status", s.status)
		r.Get("/settings", s.settings)
		r.Post("/settings", s.updateSettings)
		r.Get("/email-configs", s.emailConfigs)

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", s.listAccounts)
			r.Post("/", s.createAccount)
			r.Get("/export", s.exportAccounts)
			r.Post("/refresh-all", s.refreshAll)
			r.Post("/stop-all", s.stopAll)

			r.Route("/{email}", func(r chi.Router) {
				r.Get("/", s.getAccount)
				r.Delete("/", s.deleteAccount)
				r.Post("/refresh", s.refreshAccount)
				r.Post("/retry", s.retryAccount)
				r.Post("/stop", s.stopAccount)
			})
		})
	})

	return r
}

// requireAdmin accepts the admin token as a bearer token or an X-API-Key
// header, or the admin username and password as HTTP basic auth.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.tokenOK(r) && !s.basicOK(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="accountforge"`)
			respondFailure(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) tokenOK(r *http.Request) bool {
	if s.cfg.AdminToken == "" {
		return false
	}
	got := r.Header.Get("X-API-Key")
	if auth := r.Header.Get("Authorization"); got == "" && strings.HasPrefix(auth, "Bearer ") {
		got = strings.TrimPrefix(auth, "Bearer ")
	}
	return got != "" && equal(got, s.cfg.AdminToken)
}

func (s *Server) basicOK(r *http.Request) bool {
	if s.cfg.AdminPassword == "" {
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK, passOK := equal(user, s.cfg.AdminUsername), equal(pass, s.cfg.AdminPassword)
	return userOK && passOK
}

func equal(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debugf("[%s] %s %s -> %d (%s)", middleware.GetReqID(r.Context()), r.Method, r.URL.Path,
			ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}

// ListenAndServe starts the HTTP server on the configured address.
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.log.Infof("listening on %s", s.cfg.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.handler
}
