package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/ashureev/supportdesk/internal/api"
	"github.com/ashureev/supportdesk/internal/backend"
	"github.com/ashureev/supportdesk/internal/catalog"
	"github.com/ashureev/supportdesk/internal/config"
	"github.com/ashureev/supportdesk/internal/conversation"
	"github.com/ashureev/supportdesk/internal/handoff"
	"github.com/ashureev/supportdesk/internal/identity"
	"github.com/ashureev/supportdesk/internal/lifecycle"
	"github.com/ashureev/supportdesk/internal/metrics"
	"github.com/ashureev/supportdesk/internal/middleware"
	"github.com/ashureev/supportdesk/internal/portal"
	"github.com/ashureev/supportdesk/internal/resolver"
	"github.com/ashureev/supportdesk/internal/store"
	"github.com/ashureev/supportdesk/internal/telemetry"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the portal HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

// services are the wired dependencies of the server.
type services struct {
	repo       store.Repository
	desk       store.Desk
	catalog    catalog.Catalog
	classifier resolver.Classifier
	resolver   resolver.Resolver
	notifier   *handoff.Notifier
	auth       identity.Authenticator
	checks     map[string]api.Pinger
	closers    []func()
}

func (s *services) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func serve(ctx context.Context) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return err
	}
	level, _ := cfg.SlogLevel()
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"store", cfg.StoreBackend,
		"resolver", cfg.ResolverBackend,
	)

	if err := telemetry.Init(cfg.ServiceName, cfg.TraceExporter, logger); err != nil {
		slog.Error("Failed to initialize tracing", "error", err)
		return err
	}
	defer func() {
		if err := telemetry.Shutdown(context.Background()); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}()
	metrics.Register()

	svc, err := wire(ctx, cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize dependencies", "error", err)
		return err
	}
	defer svc.close()

	bridgeOpts := []handoff.Option{handoff.WithPollInterval(cfg.HandoffPollInterval)}
	if svc.notifier != nil {
		bridgeOpts = append(bridgeOpts, handoff.WithWaker(svc.notifier))
	}
	bridge := handoff.NewBridge(svc.repo, logger, bridgeOpts...)

	gate := lifecycle.NewGate(svc.repo, func(customerID string) *conversation.Machine {
		return conversation.New(conversation.Config{
			Store:            svc.repo,
			Catalog:          svc.catalog,
			Classifier:       svc.classifier,
			Resolver:         svc.resolver,
			Bridge:           bridge,
			SubprocessLimit:  cfg.SubprocessDisplayLimit,
			BaselineLanguage: cfg.BaselineLanguage,
			Logger:           logger,
		}, customerID)
	}, logger)

	registry := portal.NewRegistry(cfg.RateLimit, cfg.RateBurst, logger)
	handlerOpts := []portal.Option{portal.WithOrigins(originPatterns(cfg))}
	if svc.desk != nil {
		handlerOpts = append(handlerOpts, portal.WithDesk(svc.desk))
	}
	if svc.notifier != nil {
		handlerOpts = append(handlerOpts, portal.WithPublisher(svc.notifier))
	}
	portalHandler := portal.NewHandler(gate, registry, logger, handlerOpts...)
	healthHandler := api.NewHealthHandler(5*time.Second, svc.checks)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(metrics.Middleware)

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", metrics.Handler())

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(svc.auth))
		portalHandler.RegisterRoutes(r)
	})

	// Note: websocket connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		interval := min(cfg.IdleTTL, time.Minute)
		slog.Info("Idle eviction worker started", "idle_ttl", cfg.IdleTTL, "interval", interval)
		return registry.RunEviction(gctx, cfg.IdleTTL, interval)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		registry.CloseAll()
		if err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		return err
	}
	slog.Info("Server stopped")
	return nil
}

// wire builds the store, catalog, classifier, resolver, notifier and
// authenticator selected by cfg.
//
//nolint:gocognit,nestif // Startup wiring is intentionally sequential to keep dependency setup explicit.
func wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*services, error) {
	svc := &services{checks: make(map[string]api.Pinger)}
	fail := func(err error) (*services, error) {
		svc.close()
		return nil, err
	}

	var remote *backend.Client
	if cfg.StoreBackend == config.StoreHTTP || cfg.ResolverBackend == config.ResolverHTTP {
		c, err := backend.New(cfg.BackendURL, nil, logger)
		if err != nil {
			return fail(err)
		}
		remote = c
		svc.closers = append(svc.closers, func() { _ = c.Close() })
	}

	switch cfg.StoreBackend {
	case config.StoreSQLite:
		st, err := store.NewSQLite(cfg.DBPath, store.WithAgents(cfg.Agents))
		if err != nil {
			return fail(fmt.Errorf("open database: %w", err))
		}
		svc.closers = append(svc.closers, func() {
			if closeErr := st.Close(); closeErr != nil {
				slog.Error("Failed to close repository", "error", closeErr)
			}
		})
		if err := st.Ping(ctx); err != nil {
			return fail(fmt.Errorf("database health check: %w", err))
		}
		slog.Info("Database connected", "path", cfg.DBPath, "agents", len(cfg.Agents))
		svc.repo = st
		svc.desk = st
	case config.StoreHTTP:
		svc.repo = remote
		slog.Info("Using remote portal backend", "url", cfg.BackendURL)
	}
	svc.checks["store"] = svc.repo

	switch {
	case cfg.TaxonomyFile != "":
		cat, err := catalog.LoadFile(cfg.TaxonomyFile)
		if err != nil {
			return fail(err)
		}
		svc.catalog = cat
	case cfg.StoreBackend == config.StoreHTTP:
		svc.catalog = remote
	default:
		svc.catalog = catalog.Default()
	}

	switch cfg.ResolverBackend {
	case config.ResolverHTTP:
		svc.classifier, svc.resolver = remote, remote
	case config.ResolverGRPC:
		client, err := resolver.NewGrpcClient(resolver.DefaultGrpcClientConfig(cfg.ResolverAddr), logger)
		if err != nil {
			return fail(fmt.Errorf("connect resolver: %w", err))
		}
		svc.closers = append(svc.closers, client.Close)
		svc.classifier, svc.resolver = client, client
		slog.Info("Connected to resolution service via gRPC", "address", cfg.ResolverAddr)
	case config.ResolverOpenAI:
		oa := resolver.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model)
		svc.classifier, svc.resolver = oa, oa
		slog.Info("Using OpenAI resolver", "model", cfg.OpenAI.Model)
	}

	if cfg.RedisAddr != "" {
		n, err := handoff.DialNotifier(ctx, cfg.RedisAddr, logger)
		if err != nil {
			slog.Warn("Redis unavailable, agent replies are picked up by polling only", "error", err)
		} else {
			svc.notifier = n
			svc.checks["redis"] = n
			svc.closers = append(svc.closers, func() { _ = n.Close() })
		}
	}

	if cfg.DevTokens {
		slog.Warn("Development tokens enabled, do not use in production")
		svc.auth = identity.Dev{}
	} else {
		svc.auth = identity.NewRemote(cfg.AuthURL, nil, logger)
	}
	return svc, nil
}

// originPatterns converts the allowed CORS origins into WebSocket host patterns.
func originPatterns(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	var patterns []string
	for _, o := range cfg.AllowedOrigins() {
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			patterns = append(patterns, o)
			continue
		}
		patterns = append(patterns, u.Host)
	}
	return patterns
}
