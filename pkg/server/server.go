// Package server assembles the admission components into a runnable HTTP
// server: rate limiting on the REST surface, the websocket gate, the audit
// pipeline, and the monitoring read API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/jobfinder/gatekeeper/pkg/audit"
	"github.com/jobfinder/gatekeeper/pkg/auth"
	"github.com/jobfinder/gatekeeper/pkg/config"
	"github.com/jobfinder/gatekeeper/pkg/connguard"
	"github.com/jobfinder/gatekeeper/pkg/counter"
	"github.com/jobfinder/gatekeeper/pkg/identity"
	"github.com/jobfinder/gatekeeper/pkg/observability"
	"github.com/jobfinder/gatekeeper/pkg/origin"
	"github.com/jobfinder/gatekeeper/pkg/ratelimit"
	"github.com/jobfinder/gatekeeper/pkg/wsgate"
)

// Server wires the admission subsystem together from config.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	counterStore counter.Store
	auditStore   audit.Store
	recorder     *audit.Recorder
	sweeper      *audit.Sweeper
	limiter      *ratelimit.Limiter
	guard        *connguard.Guard
	origins      *origin.Validator
	validator    *auth.JWTValidator
	gate         *wsgate.Gate
	obs          *observability.Manager
	pool         *config.DBPool

	backend   http.Handler
	wsHandler wsgate.Handler

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithBackend sets the handler serving everything behind admission control.
// Defaults to a JSON 404 responder, which stands in for the upstream
// application.
func WithBackend(h http.Handler) Option {
	return func(s *Server) { s.backend = h }
}

// WithWSHandler sets the websocket message handler. Defaults to echo.
func WithWSHandler(h wsgate.Handler) Option {
	return func(s *Server) { s.wsHandler = h }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds a Server from config. It initializes observability, connects
// the counter store and the audit store, and constructs the limiter, guard,
// and websocket gate. The server is not listening until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.obs = observability.NewManager(observability.Config{
		Metrics: observability.MetricsConfig{
			Enabled: config.BoolValue(cfg.Observability.Metrics.Enabled, true),
		},
		Tracing: observability.TracerConfig{
			Enabled:      config.BoolValue(cfg.Observability.Tracing.Enabled, false),
			Exporter:     cfg.Observability.Tracing.Exporter,
			Endpoint:     cfg.Observability.Tracing.Endpoint,
			SamplingRate: cfg.Observability.Tracing.SamplingRate,
			ServiceName:  cfg.Observability.Tracing.ServiceName,
		},
	})
	if err := s.obs.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	store, err := newCounterStore(ctx, &cfg.Store)
	if err != nil {
		return nil, err
	}
	s.counterStore = store

	s.origins = origin.NewValidator(cfg.Origins.Allowed)
	s.origins.SetEnforce(cfg.Origins.IsEnforced())

	s.guard, err = connguard.NewGuard(store, connguard.Config{
		MaxPerUser: cfg.Connections.MaxPerUser,
		MaxPerIP:   cfg.Connections.MaxPerIP,
		CounterTTL: cfg.Connections.CounterTTL,
		Enabled:    cfg.Connections.IsEnabled(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection guard: %w", err)
	}

	s.limiter, err = ratelimit.NewLimiter(ratelimit.Config{
		Window:    cfg.RateLimit.Window,
		Quotas:    quotasFromTiers(cfg.RateLimit.Tiers),
		KeyPrefix: cfg.RateLimit.KeyPrefix,
		Enabled:   cfg.RateLimit.IsEnabled(),
	}, store)
	if err != nil {
		return nil, fmt.Errorf("failed to create limiter: %w", err)
	}

	if err := s.setupAudit(); err != nil {
		return nil, err
	}

	if cfg.Auth.IsEnabled() {
		s.validator, err = auth.NewJWTValidator(auth.JWTValidatorConfig{
			JWKSURL:  cfg.Auth.JWKSURL,
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create JWT validator: %w", err)
		}
	}

	gateOpts := []wsgate.Option{wsgate.WithLogger(s.logger)}
	if s.recorder != nil {
		gateOpts = append(gateOpts, wsgate.WithAuditor(s.recorder))
	}
	if m := s.obs.GetMetrics(); m != nil {
		gateOpts = append(gateOpts, wsgate.WithMetrics(m))
	}
	s.gate, err = wsgate.NewGate(s.origins, s.guard, s.wsHandler, wsgate.Config{
		MaxFrameBytes:    cfg.WebSocket.MaxFrameBytes,
		HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
		ReadBufferSize:   cfg.WebSocket.ReadBufferSize,
		WriteBufferSize:  cfg.WebSocket.WriteBufferSize,
	}, gateOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket gate: %w", err)
	}

	return s, nil
}

// setupAudit builds the audit store, recorder, and sweeper. With auditing
// disabled the decisions are still made, just not persisted.
func (s *Server) setupAudit() error {
	if !s.cfg.Audit.IsEnabled() {
		return nil
	}

	if name := s.cfg.Audit.Database; name != "" {
		dbCfg, ok := s.cfg.Databases[name]
		if !ok {
			return fmt.Errorf("audit database %q is not defined", name)
		}
		s.pool = config.NewDBPool()
		db, err := s.pool.Get(dbCfg)
		if err != nil {
			return fmt.Errorf("failed to connect audit database %q: %w", name, err)
		}
		store, err := audit.NewSQLStore(db, dbCfg.Dialect())
		if err != nil {
			return fmt.Errorf("failed to create audit store: %w", err)
		}
		s.auditStore = store
	} else {
		s.auditStore = audit.NewMemoryStore()
	}

	s.recorder = audit.NewRecorder(s.auditStore, s.logger,
		audit.WithBufferSize(s.cfg.Audit.QueueSize),
		audit.WithDropHook(func() {
			if m := observability.GetGlobalMetrics(); m != nil {
				m.AuditDropped(context.Background())
			}
		}),
	)
	s.limiter.SetAuditSink(s.recorder)

	s.sweeper = audit.NewSweeper(s.auditStore, s.logger,
		s.cfg.Audit.Retention(), s.cfg.Audit.SweepInterval)

	return nil
}

// newCounterStore creates the shared counter store per config.
func newCounterStore(ctx context.Context, cfg *config.StoreConfig) (counter.Store, error) {
	switch cfg.Backend {
	case "redis":
		store, err := counter.NewRedisStore(ctx, counter.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect redis: %w", err)
		}
		return store, nil
	default:
		return counter.NewMemoryStore(), nil
	}
}

// quotasFromTiers converts the config tier map to limiter quotas.
func quotasFromTiers(tiers map[string]int64) ratelimit.Quotas {
	if len(tiers) == 0 {
		return nil
	}
	quotas := make(ratelimit.Quotas, len(tiers))
	for tier, limit := range tiers {
		quotas[identity.Tier(tier)] = limit
	}
	return quotas
}

// Run starts the audit pipeline and the HTTP server and blocks until the
// context is canceled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s.recorder != nil {
		s.recorder.Start()
	}

	s.httpServer = &http.Server{
		Addr:         s.cfg.Server.Address(),
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	if s.sweeper != nil {
		g.Go(func() error {
			s.sweeper.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		s.logger.Info("HTTP server starting", "address", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	return g.Wait()
}

// shutdown drains the HTTP server and the audit queue, then closes the
// stores.
func (s *Server) shutdown() error {
	s.logger.Info("Server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
		}
	}

	if s.recorder != nil {
		s.recorder.Stop()
	}
	if err := s.obs.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("observability shutdown: %w", err))
	}
	if s.auditStore != nil {
		if err := s.auditStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit store close: %w", err))
		}
	}
	if err := s.counterStore.Close(); err != nil {
		errs = append(errs, fmt.Errorf("counter store close: %w", err))
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database pool close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// ApplyConfig applies a reloaded config to the running server. Origin
// rules, enforcement, tier quotas, and the window swap in place; listener,
// store, and connection cap changes require a restart.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.origins.SetRules(cfg.Origins.Allowed)
	s.origins.SetEnforce(cfg.Origins.IsEnforced())
	s.limiter.SetQuotas(cfg.RateLimit.Window, quotasFromTiers(cfg.RateLimit.Tiers))
	s.logger.Info("Applied reloaded configuration",
		"origins", len(cfg.Origins.Allowed),
		"tiers", len(cfg.RateLimit.Tiers))
}

// identityFor resolves the rate-limit identity: authenticated requests key
// by subject at their plan's tier, anonymous ones by client address.
func (s *Server) identityFor(r *http.Request) (identity.Identity, identity.Tier) {
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
		return claims.Identity(), claims.Tier()
	}
	return ratelimit.AnonymousIdentity(r)
}
