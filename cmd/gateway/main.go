// Command gateway is the agent policy mediation gateway's entrypoint:
// wires config, storage, the policy engine, the connector, and the
// internal/httpapi server together, then serves until SIGINT/SIGTERM,
// adapted from the teacher's cmd/gateway/main.go (config load, storage
// wiring, mux assembly, signal-driven graceful shutdown).
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	_ "github.com/lib/pq"

	"github.com/UAPK/gateway-core/internal/approvalstore"
	"github.com/UAPK/gateway-core/internal/auditstore"
	"github.com/UAPK/gateway-core/internal/circuitbreaker"
	"github.com/UAPK/gateway-core/internal/config"
	"github.com/UAPK/gateway-core/internal/connector"
	"github.com/UAPK/gateway-core/internal/counterstore"
	"github.com/UAPK/gateway-core/internal/customrules"
	"github.com/UAPK/gateway-core/internal/evidence"
	"github.com/UAPK/gateway-core/internal/gateway"
	"github.com/UAPK/gateway-core/internal/health"
	"github.com/UAPK/gateway-core/internal/httpapi"
	"github.com/UAPK/gateway-core/internal/keys"
	"github.com/UAPK/gateway-core/internal/manifeststore"
	"github.com/UAPK/gateway-core/internal/policy"
	"github.com/UAPK/gateway-core/internal/secrets"
	"github.com/UAPK/gateway-core/internal/ssrf"
	"github.com/UAPK/gateway-core/internal/tracing"
)

func main() {
	bootstrapLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize bootstrap logger: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		bootstrapLogger.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		bootstrapLogger.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync()

	if err := tracing.Initialize(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "gateway-core",
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, logger); err != nil {
		logger.Warn("tracing initialization failed, continuing without spans", zap.Error(err))
	}

	secretsProvider := buildSecrets(*cfg)

	gatewayKeys, err := buildGatewayKeys(context.Background(), *cfg, secretsProvider, logger)
	if err != nil {
		logger.Fatal("failed to establish gateway signing keys", zap.Error(err))
	}

	stores, err := buildStores(*cfg, logger)
	if err != nil {
		logger.Fatal("failed to wire storage backends", zap.Error(err))
	}

	ssrfCfg := ssrf.Config{
		AllowHTTP:        cfg.AllowHTTPInConnectors,
		DefaultAllowList: cfg.GlobalAllowedWebhookDomains,
	}
	conn := connector.New(connector.Config{
		SSRF:             ssrfCfg,
		Resolver:         net.DefaultResolver,
		MaxRequestBytes:  cfg.MaxRequestBytes,
		MaxResponseBytes: cfg.MaxResponseBytes,
		RateLimit:        rate.Limit(cfg.RateLimit.RequestsPerSecond),
		RateBurst:        cfg.RateLimit.Burst,
		Logger:           logger,
		Breaker: circuitbreaker.Config{
			MaxRequests:      uint32(cfg.CircuitBrk.HalfOpenRequests),
			Timeout:          time.Duration(cfg.CircuitBrk.ResetTimeoutMs) * time.Millisecond,
			FailureThreshold: uint32(cfg.CircuitBrk.FailureThreshold),
			SuccessThreshold: 2,
			Interval:         60 * time.Second,
		},
	})

	customRuleEngine := customrules.NewEngine(logger)

	issuerKeys := keys.NewStaticIssuerKeyStore(nil)

	policyEngine := policy.NewEngine(policy.EngineConfig{
		Manifests:   stores.manifests,
		Counters:    stores.counters,
		Approvals:   stores.approvals,
		IssuerKeys:  issuerKeys,
		GatewayKeys: gatewayKeys,
		CustomRules: customRuleEngine,
		Logger:      logger,
		ApprovalTTL: cfg.ApprovalExpiry(),
	})

	exporter := evidence.NewExporter(stores.audit, stores.manifests, gatewayKeys)

	gw := gateway.New(gateway.Config{
		Policy:            policyEngine,
		Connector:         conn,
		Manifests:         stores.manifests,
		Approvals:         stores.approvals,
		Counters:          stores.counters,
		Audit:             stores.audit,
		Evidence:          exporter,
		GatewayKeys:       gatewayKeys,
		Secrets:           secretsProvider,
		ApprovalTTL:       cfg.ApprovalExpiry(),
		OverrideTTL:       cfg.OverrideTokenTTL(),
		IdempotencyWindow: gateway.DefaultIdempotencyWindow,
		Logger:            logger,
	})

	apiHandler := httpapi.NewHandler(gw, logger, os.Getenv("GATEWAY_API_TOKEN"))
	apiServer := httpapi.StartServer(cfg.Server.Addr, apiHandler, logger)

	healthManager := buildHealthManager(stores, logger)
	healthServer := health.StartHealthServer(healthManager, ":8090", logger)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = startMetricsServer(cfg.Metrics.Addr, logger)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("gateway shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway API server forced to shutdown", zap.Error(err))
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("health server forced to shutdown", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server forced to shutdown", zap.Error(err))
		}
	}
	logger.Info("gateway stopped")
}

// buildLogger constructs the gateway's zap logger per its Logging config:
// "console" format gets zap's human-readable development encoder, "json"
// (the default) gets its production encoder; either way the configured
// level is parsed and applied on top.
func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("main: parse log level %q: %w", cfg.Level, err)
		}
		zapCfg.Level = level
	}
	return zapCfg.Build()
}

func buildSecrets(cfg config.CoreConfig) secrets.Provider {
	if cfg.Secrets.Provider == "static" {
		return secrets.NewStaticProvider(nil)
	}
	return secrets.EnvProvider{Prefix: cfg.Secrets.EnvPrefix}
}

// buildGatewayKeys loads the gateway's signing identity from a seed secret
// when one is configured, generating an ephemeral key pair only when
// RequireProductionKeys is false (spec §6: production deployments must not
// silently rotate their signing identity on every restart).
func buildGatewayKeys(ctx context.Context, cfg config.CoreConfig, provider secrets.Provider, logger *zap.Logger) (*keys.KeyPair, error) {
	seedHex, err := provider.Resolve(ctx, "gateway_signing_seed")
	if err == nil && seedHex != "" {
		seed, decodeErr := decodeSeedHex(seedHex)
		if decodeErr != nil {
			return nil, fmt.Errorf("main: decode gateway signing seed: %w", decodeErr)
		}
		return keys.LoadFromSeed(seed)
	}
	if cfg.RequireProductionKeys {
		return nil, fmt.Errorf("main: require_production_keys is set but no gateway_signing_seed secret is configured")
	}
	logger.Warn("no persisted signing seed found, generating an ephemeral gateway key pair")
	return keys.Generate()
}

func decodeSeedHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

type storeSet struct {
	manifests manifeststore.Store
	approvals approvalstore.Store
	counters  counterstore.Store
	audit     auditstore.Store
}

// buildStores wires the backing stores per cfg.Storage.Driver: "memory"
// for single-process/dev runs, "file" for the manifest (fsnotify
// hot-reload) and audit filesystem backends, "postgres" for the SQL-backed
// manifest/approval/audit stores plus Redis-backed counters.
func buildStores(cfg config.CoreConfig, logger *zap.Logger) (storeSet, error) {
	switch cfg.Storage.Driver {
	case "memory", "":
		return storeSet{
			manifests: manifeststore.NewMemStore(),
			approvals: approvalstore.NewMemStore(),
			counters:  counterstore.NewMemStore(),
			audit:     auditstore.NewMemStore(),
		}, nil

	case "file":
		manifests, err := manifeststore.NewFileStore(cfg.Storage.ManifestDir, logger)
		if err != nil {
			return storeSet{}, fmt.Errorf("main: open manifest file store: %w", err)
		}
		audit, err := auditstore.NewFileStore(cfg.Storage.AuditLogDir)
		if err != nil {
			return storeSet{}, fmt.Errorf("main: open audit file store: %w", err)
		}
		return storeSet{
			manifests: manifests,
			approvals: approvalstore.NewMemStore(),
			counters:  counterstore.NewMemStore(),
			audit:     audit,
		}, nil

	case "postgres":
		manifests, err := manifeststore.NewSQLStore(manifeststore.SQLConfig{
			Driver: "postgres",
			DSN:    cfg.Storage.PostgresDSN,
		}, logger)
		if err != nil {
			return storeSet{}, fmt.Errorf("main: open manifest SQL store: %w", err)
		}
		audit, err := auditstore.NewSQLStore(auditstore.SQLConfig{
			Driver: "postgres",
			DSN:    cfg.Storage.PostgresDSN,
		}, logger)
		if err != nil {
			return storeSet{}, fmt.Errorf("main: open audit SQL store: %w", err)
		}
		db, err := sqlx.Connect("postgres", cfg.Storage.PostgresDSN)
		if err != nil {
			return storeSet{}, fmt.Errorf("main: connect approval store database: %w", err)
		}
		approvals := approvalstore.NewSQLStore(db, logger)

		var counters counterstore.Store
		if cfg.Storage.RedisAddr != "" {
			redisClient := redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr})
			counters = counterstore.NewRedisStore(redisClient, logger)
		} else {
			logger.Warn("postgres storage driver configured without a redis_addr, falling back to an in-process counter store")
			counters = counterstore.NewMemStore()
		}

		return storeSet{manifests: manifests, approvals: approvals, counters: counters, audit: audit}, nil

	default:
		return storeSet{}, fmt.Errorf("main: unknown storage driver %q", cfg.Storage.Driver)
	}
}

func buildHealthManager(stores storeSet, logger *zap.Logger) *health.Manager {
	manager := health.NewManager(logger)
	manager.RegisterChecker(health.NewManifestStoreChecker(stores.manifests, true, 2*time.Second))
	manager.RegisterChecker(health.NewApprovalStoreChecker(stores.approvals, true, 2*time.Second))
	manager.RegisterChecker(health.NewCounterStoreChecker(stores.counters, true, 2*time.Second))
	manager.RegisterChecker(health.NewAuditStoreChecker(stores.audit, true, 2*time.Second))
	return manager
}

// startMetricsServer exposes the gateway's Prometheus registry on its own
// listener, separate from the API and health servers so a scrape
// misconfiguration can't interfere with either.
func startMetricsServer(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("starting metrics server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
