package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/talos-labs/talos-gateway/internal/config"
	"github.com/talos-labs/talos-gateway/internal/domain"
	"github.com/talos-labs/talos-gateway/internal/export"
	"github.com/talos-labs/talos-gateway/internal/gate"
	"github.com/talos-labs/talos-gateway/internal/jobs"
	"github.com/talos-labs/talos-gateway/internal/mcp"
	"github.com/talos-labs/talos-gateway/internal/platform/auth"
	"github.com/talos-labs/talos-gateway/internal/platform/env"
	"github.com/talos-labs/talos-gateway/internal/platform/httpserver"
	"github.com/talos-labs/talos-gateway/internal/platform/objectstore"
	"github.com/talos-labs/talos-gateway/internal/platform/postgres"
	"github.com/talos-labs/talos-gateway/internal/ratelimit"
	"github.com/talos-labs/talos-gateway/internal/selection"
	"github.com/talos-labs/talos-gateway/internal/store"
	memorystore "github.com/talos-labs/talos-gateway/internal/store/memory"
	postgresstore "github.com/talos-labs/talos-gateway/internal/store/postgres"
)

const serviceName = "gateway"

var version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("TALOS_GATEWAY_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("TALOS_GATEWAY_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	selectionTTL, err := env.Duration("TALOS_SELECTION_TTL", time.Hour)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	jobWorkers, err := env.Int("TALOS_JOB_WORKERS", 2)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	cfgPath := env.String("TALOS_GATEWAY_CONFIG", "gateway.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("invalid gateway config", "path", cfgPath, "error", err)
		os.Exit(2)
	}

	var (
		events     store.EventRepository
		jobRepo    store.JobRepository
		selRepo    store.SelectionRepository
		readyCheck httpserver.ReadinessCheck
	)
	backend := strings.ToLower(strings.TrimSpace(env.String("TALOS_STORE_BACKEND", "postgres")))
	switch backend {
	case "postgres":
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid database config", "error", err)
			os.Exit(2)
		}
		db, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		if err := postgresstore.Ensure(ctx, db); err != nil {
			logger.Error("schema migration failed", "error", err)
			os.Exit(1)
		}
		events = postgresstore.NewEventRepository(db)
		jobRepo = postgresstore.NewJobRepository(db)
		selRepo = postgresstore.NewSelectionRepository(db)
		readyCheck = httpserver.ReadinessCheck{
			Name:  "postgres",
			Check: auth.WithTimeout(750*time.Millisecond, db.PingContext),
		}
	case "memory":
		events = memorystore.NewEventRepository()
		jobRepo = memorystore.NewJobRepository()
		selRepo = memorystore.NewSelectionRepository()
		readyCheck = httpserver.ReadinessCheck{
			Name:  "memory",
			Check: func(context.Context) error { return nil },
		}
	default:
		logger.Error("unsupported store backend", "backend", backend)
		os.Exit(2)
	}

	ledger, err := store.NewLedger(ctx, events)
	if err != nil {
		logger.Error("ledger init failed", "error", err)
		os.Exit(1)
	}

	var sink export.Sink
	if backend == "memory" {
		sink = export.DiscardSink{}
	} else {
		osCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			os.Exit(2)
		}
		minioClient, err := objectstore.NewMinIOClient(osCfg)
		if err != nil {
			logger.Error("object store init failed", "error", err)
			os.Exit(1)
		}
		if err := objectstore.EnsureBuckets(ctx, minioClient, osCfg); err != nil {
			logger.Error("object store buckets unavailable", "error", err)
			os.Exit(1)
		}
		sink, err = export.NewObjectSink(minioClient, osCfg.BucketExports)
		if err != nil {
			logger.Error("object sink init failed", "error", err)
			os.Exit(1)
		}
	}

	selections := selection.NewService(ledger, selRepo, selectionTTL)
	coordinator := jobs.NewCoordinator(jobs.Config{Workers: jobWorkers}, logger, jobRepo, ledger, selections, sink)
	coordinator.Start(ctx)

	capGate, err := gate.New(logger, cfg.Grants, func(ctx context.Context, draft domain.EventDraft) error {
		_, err := ledger.Append(ctx, draft)
		return err
	})
	if err != nil {
		logger.Error("invalid capability grants", "error", err)
		os.Exit(2)
	}

	guard, err := newGuard(cfg.RateLimits, capGate)
	if err != nil {
		logger.Error("invalid rate limit config", "error", err)
		os.Exit(2)
	}

	registry, err := mcp.NewRegistry(cfg.MCP.Servers)
	if err != nil {
		logger.Error("invalid mcp registry", "error", err)
		os.Exit(2)
	}
	mcpClient := mcp.NewClient(mcp.ClientConfig{})
	schemaCache := mcp.NewSchemaCache(mcpClient, cfg.MCP.SchemaCacheTTL.Std())
	toolRouter := mcp.NewRouter(logger, registry, schemaCache, mcpClient)

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	var authenticator auth.Authenticator
	switch authCfg.Mode {
	case auth.ModeOIDC:
		authenticator, err = auth.NewOIDCAuthenticator(ctx, authCfg)
		if err != nil {
			logger.Error("oidc init failed", "error", err)
			os.Exit(1)
		}
	case auth.ModeBearer:
		authenticator = auth.NewBearerAuthenticator(authCfg)
	case auth.ModeDev:
		authenticator = auth.NewDevAuthenticator(authCfg)
	case auth.ModeDisabled:
		authenticator = auth.AnonymousAuthenticator{}
	default:
		logger.Error("unsupported auth mode", "mode", authCfg.Mode)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(serviceName, readyCheck, httpserver.ReadinessCheck{
		Name:  "ledger",
		Check: auth.WithTimeout(750*time.Millisecond, ledger.Ping),
	}))
	mux.HandleFunc("GET /version", httpserver.Version(serviceName, version))

	newEventsAPI(logger, ledger, guard).register(mux)
	newAdminAPI(logger, selections, coordinator, guard).register(mux)
	mcpHandlers := newMCPAPI(logger, toolRouter, ledger, guard)
	mcpHandlers.register(mux)

	authDeny := func(ctx context.Context, event auth.DenyEvent) error {
		auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
		defer cancel()
		_, err := ledger.Append(auditCtx, domain.EventDraft{
			EventType:     "auth_decision",
			Outcome:       domain.OutcomeDenied,
			SessionID:     "gateway",
			CorrelationID: event.RequestID,
			AgentID:       "anonymous",
			Method:        event.Method,
			Resource:      event.Path,
			Metadata: domain.Metadata{
				"denial_reason": event.Reason,
				"remote_addr":   event.RemoteAddr,
				"user_agent":    event.UserAgent,
			},
		})
		return err
	}

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Audit:         authDeny,
		SkipPrefixes:  []string{"/healthz", "/readyz", "/version"},
	}.Wrap(mux)

	serverCfg := httpserver.Config{
		Service:         serviceName,
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, serverCfg, httpserver.Wrap(logger, serviceName, handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	// Drain background work before exit so no audit or job state is lost.
	coordinator.Wait()
	capGate.Wait()
	mcpHandlers.Wait()
}

func newGuard(limits config.RateLimits, capGate *gate.Gate) (*guard, error) {
	identityCfg := limits.Identity.RateConfig()
	if identityCfg == (ratelimit.Config{}) {
		identityCfg = ratelimit.Config{RefillPerSecond: 10, Burst: 20}
	}
	sourceCfg := limits.Source.RateConfig()
	if sourceCfg == (ratelimit.Config{}) {
		sourceCfg = ratelimit.Config{RefillPerSecond: 50, Burst: 100}
	}

	identityLimiter, err := ratelimit.New(identityCfg)
	if err != nil {
		return nil, err
	}
	sourceLimiter, err := ratelimit.New(sourceCfg)
	if err != nil {
		return nil, err
	}
	return &guard{
		identityLimiter: identityLimiter,
		sourceLimiter:   sourceLimiter,
		gate:            capGate,
	}, nil
}
