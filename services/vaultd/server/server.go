package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"vaultguard/core/events"
	"vaultguard/observability"
	"vaultguard/services/vaultd/dispatcher"
	"vaultguard/services/vaultd/storage"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	RatePerSecond float64
	Burst         int
	StreamBuffer  int
	WriteTimeout  time.Duration
}

// CommitLog lists applied commits for a vault.
type CommitLog interface {
	Commits(ctx context.Context, vault string, limit int) ([]storage.CommitRecord, error)
}

// HealthRecorder stores scores pushed by the external risk model.
type HealthRecorder interface {
	RecordHealth(ctx context.Context, score float64, source string) error
}

// Server exposes the dispatcher over JSON HTTP.
type Server struct {
	cfg        Config
	dispatcher *dispatcher.Dispatcher
	commits    CommitLog
	health     HealthRecorder
	bus        *events.Bus
	logger     *slog.Logger
	limiter    *RateLimiter
	router     http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithCommitLog enables GET /v1/vaults/{address}/commits.
func WithCommitLog(log CommitLog) Option {
	return func(s *Server) { s.commits = log }
}

// WithHealthRecorder enables PUT /v1/health.
func WithHealthRecorder(recorder HealthRecorder) Option {
	return func(s *Server) { s.health = recorder }
}

// WithBus enables the websocket event stream.
func WithBus(bus *events.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs the HTTP server.
func New(cfg Config, d *dispatcher.Dispatcher, opts ...Option) (*Server, error) {
	if d == nil {
		return nil, fmt.Errorf("dispatcher required")
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = events.DefaultBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	srv := &Server{
		cfg:        cfg,
		dispatcher: d,
		logger:     slog.Default().With("component", "http"),
		limiter:    NewRateLimiter(cfg.RatePerSecond, cfg.Burst),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(srv)
		}
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.limiter.Middleware)

		api.Get("/vaults", s.handleVaults)
		api.Route("/vaults/{address}", func(v chi.Router) {
			v.Get("/", s.handleVault)
			v.Get("/commits", s.handleCommits)
			v.Post("/replenish", s.handleReplenish)
			v.Post("/replenish/preview", s.handlePreview)
			v.Post("/replenish/max", s.handleMax)
			v.Post("/rebalance", s.handleStartRebalance)
			v.Post("/rebalance/retry", s.handleRetryRebalance)
			v.Post("/rebalance/force", s.handleForceRebalance)
		})
		api.Get("/rebalance/needed", s.handleNeeded)
		api.Get("/rebalance/active", s.handleActive)
		api.Get("/rebalance/timed-out", s.handleTimedOut)
		api.Get("/rebalance/history", s.handleHistory)
		api.Get("/escrow", s.handleEscrow)
		api.Get("/portfolio", s.handlePortfolio)
		api.Put("/health", s.handlePutHealth)
		api.Get("/stream", s.handleStream)
	})
	return otelhttp.NewHandler(r, "vaultd")
}

// observe records request metrics once chi has resolved the route.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.API().Observe(routePattern(r), r.Method, status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "addr", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}
