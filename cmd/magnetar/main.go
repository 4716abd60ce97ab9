package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/magnetar-ai/magnetar/internal/adapter/gateway"
	maghttp "github.com/magnetar-ai/magnetar/internal/adapter/http"
	"github.com/magnetar-ai/magnetar/internal/adapter/litellm"
	"github.com/magnetar-ai/magnetar/internal/adapter/mcp"
	"github.com/magnetar-ai/magnetar/internal/adapter/memstore"
	magnats "github.com/magnetar-ai/magnetar/internal/adapter/nats"
	"github.com/magnetar-ai/magnetar/internal/adapter/natskv"
	"github.com/magnetar-ai/magnetar/internal/adapter/otel"
	"github.com/magnetar-ai/magnetar/internal/adapter/postgres"
	"github.com/magnetar-ai/magnetar/internal/adapter/ristretto"
	"github.com/magnetar-ai/magnetar/internal/adapter/tiered"
	"github.com/magnetar-ai/magnetar/internal/adapter/ws"
	"github.com/magnetar-ai/magnetar/internal/config"
	"github.com/magnetar-ai/magnetar/internal/domain/approval"
	"github.com/magnetar-ai/magnetar/internal/logger"
	"github.com/magnetar-ai/magnetar/internal/middleware"
	"github.com/magnetar-ai/magnetar/internal/port/a2a"
	"github.com/magnetar-ai/magnetar/internal/port/cache"
	"github.com/magnetar-ai/magnetar/internal/port/sessionstore"
	"github.com/magnetar-ai/magnetar/internal/resilience"
	"github.com/magnetar-ai/magnetar/internal/service"
)

const version = "0.1.0"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "apikey" {
		if err := runAPIKey(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"policy_mode", cfg.Guard.PolicyMode,
		"replanning", cfg.Orchestrator.ReplanningEnabled,
		"co_planning", cfg.Orchestrator.CoPlanningEnabled,
	)

	ctx := context.Background()

	// --- Telemetry ---
	shutdownTelemetry, err := otel.Setup(ctx, cfg.Telemetry, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	var metrics *otel.Metrics
	if cfg.Telemetry.Enabled {
		metrics, err = otel.NewMetrics()
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	// --- Session store ---
	// DSN "memory" selects the in-process store for local development.
	var store sessionstore.Store
	if cfg.Postgres.DSN == "memory" {
		store = memstore.New()
		slog.Info("using in-memory session store")
	} else {
		pool, perr := postgres.NewPool(ctx, cfg.Postgres)
		if perr != nil {
			return fmt.Errorf("postgres: %w", perr)
		}
		defer pool.Close()

		if err = postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		store = postgres.NewStore(pool)
		slog.Info("postgres connected, migrations applied")
	}

	// --- NATS + capability gateway ---
	queue, err := magnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	gw := gateway.New(queue, int64(cfg.Orchestrator.MaxConcurrent), cfg.NATS.ActionTimeout, log)
	if err = gw.Start(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	defer gw.Stop()

	// --- Snapshot cache (L1 in-process, optional shared L2 over NATS KV) ---
	l1, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer l1.Close()

	var snapCache cache.Cache = l1
	if cfg.Cache.L2Bucket != "" {
		kv, kvErr := queue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.SnapshotTTL)
		if kvErr != nil {
			return fmt.Errorf("cache l2: %w", kvErr)
		}
		snapCache = tiered.New(l1, natskv.New(kv), cfg.Cache.SnapshotTTL, log)
		slog.Info("snapshot cache using shared l2", "bucket", cfg.Cache.L2Bucket)
	}

	// --- Completion clients, one breaker per role ---
	breakers := resilience.NewGroup(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	newClient := func(role string, c config.Client) *litellm.Client {
		cl := litellm.NewClient(c)
		cl.SetBreaker(breakers.Get(role))
		return cl
	}
	orchClient := newClient("orchestrator", cfg.Clients.Orchestrator)
	coderClient := newClient("coder", cfg.Clients.Coder)
	webClient := newClient("web_surfer", cfg.Clients.WebSurfer)
	fileClient := newClient("file_surfer", cfg.Clients.FileSurfer)
	guardClient := newClient("action_guard", cfg.Clients.ActionGuard)

	// --- Services ---
	hub := ws.NewHub()
	planner := service.NewPlannerService(orchClient)
	guard := service.NewGuardService(guardClient, hub, cfg.Guard.ApprovalWait, log)

	agents, err := service.BuildAgents(coderClient, webClient, fileClient, orchClient)
	if err != nil {
		return fmt.Errorf("agents: %w", err)
	}

	defaultPolicy := approval.Policy{
		Mode:         approval.PolicyMode(cfg.Guard.PolicyMode),
		WebsiteMode:  approval.WebsiteMode(cfg.Guard.WebsiteMode),
		AllowedHosts: cfg.Guard.AllowedHosts,
	}

	orch := service.NewOrchestrator(
		store, snapCache, planner, guard, agents, gw, hub,
		metrics, cfg.Orchestrator, defaultPolicy, cfg.Cache.SnapshotTTL, log,
	)

	// --- HTTP ---
	handlers := maghttp.NewHandlers(orch, hub)
	handlers.Queue = queue
	handlers.Breakers = breakers
	if cfg.Auth.APIKeyHash != "" {
		handlers.Auth = middleware.APIKeyAuth(cfg.Auth.APIKeyHash)
	}

	rate := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopRateCleanup := rate.StartCleanup(time.Minute, 10*time.Minute)
	defer stopRateCleanup()

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(maghttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(maghttp.SecurityHeaders)
	r.Use(maghttp.CORS(cfg.Server.CORSOrigin))
	r.Use(rate.Handler)
	if cfg.Telemetry.Enabled {
		r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	}

	maghttp.MountRoutes(r, handlers)

	baseURL := "http://localhost:" + cfg.Server.Port
	a2a.NewHandler(baseURL, orch).MountRoutes(r)

	// --- MCP ---
	if cfg.MCP.Enabled {
		mcpSrv := mcp.NewServer(
			mcp.ServerConfig{Addr: cfg.MCP.Addr, Name: "magnetar", Version: version, APIKey: cfg.MCP.APIKey},
			mcp.ServerDeps{Sessions: orch, Approvals: orch},
		)
		if err = mcpSrv.Start(); err != nil {
			return fmt.Errorf("mcp: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mcpSrv.Stop(stopCtx)
		}()
	}

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if serveErr := srv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("server failed", "error", serveErr)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
