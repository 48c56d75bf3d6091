// Command orderdesk launches the order desk API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	goredis "github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/app/bulk"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/app/lifecycle"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/app/notify"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/app/swap"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/ledgerstore"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/orderstore"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/infra/config"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/infra/logging"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/infra/persistence/memory"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/infra/persistence/migrations"
	pgstore "github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/infra/persistence/postgres"
	redisstore "github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/infra/persistence/redis"
	httpserver "github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/infra/server/http"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/infra/telemetry"
)

const (
	defaultConfigPath         = "config/app.yaml"
	shutdownTimeout           = 30 * time.Second
	apiServerShutdownTimeout  = 5 * time.Second
	lifecycleShutdownTimeout  = 10 * time.Second
	storeShutdownTimeout      = 5 * time.Second
	telemetryShutdownTimeout  = 5 * time.Second
	apiReadHeaderTimeout      = 5 * time.Second
	connectRetryBudget        = 30 * time.Second
	connectMaxInterval        = 5 * time.Second
	sessionPruneInterval      = time.Minute
	notificationStreamBacklog = 64
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{
		Level:      appCfg.Logging.Level,
		Format:     appCfg.Logging.Format,
		File:       appCfg.Logging.File,
		MaxSizeMB:  appCfg.Logging.MaxSizeMB,
		MaxBackups: appCfg.Logging.MaxBackups,
		MaxAgeDays: appCfg.Logging.MaxAgeDays,
		Compress:   appCfg.Logging.Compress,
	}, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialise logging: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Close()
	}()
	log := logger.WithField("service", "orderdesk")
	log.WithFields(logrus.Fields{
		"env":     appCfg.Environment,
		"storage": appCfg.Storage.Driver,
		"ledger":  appCfg.Ledger.Driver,
	}).Info("configuration initialised")

	closeLogger := func() { _ = logger.Close() }

	telemetryProvider, err := initTelemetry(ctx, log, appCfg)
	if err != nil {
		abort(log, "initialise telemetry", err, cancel, closeLogger)
	}

	stores, err := openStores(ctx, log, appCfg)
	if err != nil {
		abort(log, "initialise stores", err, cancel, func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
			defer shutdownCancel()
			_ = telemetryProvider.Shutdown(shutdownCtx)
		}, closeLogger)
	}

	feed := notify.NewBroadcaster(notificationStreamBacklog)
	tracker := notify.NewTracker(appCfg.Ledger.Audience, stores.ledger,
		notify.WithMirror(stores.orders),
		notify.WithFeed(feed),
		notify.WithLogger(log))
	engine := lifecycle.NewEngine(stores.orders, stores.directory, tracker, lifecycle.WithLogger(log))
	swaps := swap.NewCoordinator(engine, swap.WithLogger(log))
	bulkService := bulk.NewService(engine, bulk.Config{
		MaxConcurrency:     appCfg.Bulk.MaxConcurrency,
		DefaultObservation: appCfg.Bulk.DefaultExecutedObservation,
	}, bulk.WithLogger(log))

	var lifecycleGroup conc.WaitGroup
	startSessionPruner(ctx, &lifecycleGroup, log, bulkService.Sessions(), appCfg.APIServer.SessionIdleTimeout)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	apiServer := buildAPIServer(appCfg.APIServer, httpserver.Dependencies{
		Engine:  engine,
		Tracker: tracker,
		Feed:    feed,
		Swaps:   swaps,
		Bulk:    bulkService,
		Health:  stores.health,
	}, registry, log)
	startAPIServer(&lifecycleGroup, log, apiServer)
	log.WithField("addr", apiServer.Addr).Info("order desk API listening")

	<-ctx.Done()
	log.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, log, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycleGroup,
		feed:       feed,
		stores:     stores,
		telemetry:  telemetryProvider,
	})
	log.WithField("elapsed", time.Since(shutdownStart)).Info("shutdown completed")
}

// exit is replaced in tests.
var exit = os.Exit

// abort logs a startup failure, runs cleanup in order and exits with status 1.
// os.Exit skips deferred calls, so the log file is closed here.
func abort(log logrus.FieldLogger, msg string, err error, cleanup ...func()) {
	log.WithError(err).Error(msg)
	for _, fn := range cleanup {
		if fn != nil {
			fn()
		}
	}
	exit(1)
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, log logrus.FieldLogger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	cfg := telemetry.Config{
		Enabled:       appCfg.Telemetry.OTLPEndpoint != "",
		OTLPEndpoint:  appCfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:  appCfg.Telemetry.OTLPInsecure,
		EnableMetrics: appCfg.Telemetry.EnableMetrics,
		ServiceName:   appCfg.Telemetry.ServiceName,
		Environment:   string(appCfg.Environment),
	}
	provider, err := telemetry.NewProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialise telemetry provider: %w", err)
	}
	if provider.Enabled() {
		log.WithFields(logrus.Fields{"endpoint": cfg.OTLPEndpoint, "service": cfg.ServiceName}).Info("telemetry initialised")
	} else {
		log.Info("telemetry disabled")
	}
	return provider, nil
}

// storeSet bundles the persistence adapters selected by configuration.
type storeSet struct {
	orders    orderstore.Store
	directory orderstore.Directory
	ledger    ledgerstore.Store
	pool      *pgxpool.Pool
	redis     *goredis.Client
}

func (s *storeSet) health(ctx context.Context) error {
	if s.pool != nil {
		if err := s.pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (s *storeSet) close() error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return errors.Join(errs...)
}

func openStores(ctx context.Context, log logrus.FieldLogger, appCfg config.AppConfig) (*storeSet, error) {
	stores := &storeSet{}

	switch appCfg.Storage.Driver {
	case config.StoragePostgres:
		db := appCfg.Database
		if db.RunMigrations {
			err := retryConnect(ctx, log, "migrations", func() error {
				return migrations.Apply(ctx, db.DSN, db.MigrationsPath, log)
			})
			if err != nil {
				return nil, err
			}
		}
		var pool *pgxpool.Pool
		err := retryConnect(ctx, log, "postgres", func() error {
			var err error
			pool, err = pgstore.Connect(ctx, pgstore.PoolConfig{
				DSN:               db.DSN,
				MaxConns:          db.MaxConns,
				MinConns:          db.MinConns,
				MaxConnLifetime:   db.MaxConnLifetime,
				MaxConnIdleTime:   db.MaxConnIdleTime,
				HealthCheckPeriod: db.HealthCheckPeriod,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		pgstore.ObservePoolMetrics(pool, "orders")
		store := pgstore.New(pool)
		dir := store.Directory()
		if err := dir.Seed(ctx, appCfg.Directory.Clients, appCfg.Directory.Assets); err != nil {
			pool.Close()
			return nil, fmt.Errorf("seed directory: %w", err)
		}
		stores.pool = pool
		stores.orders = store.Orders()
		stores.directory = dir
	default:
		stores.orders = memory.NewOrderStore()
		stores.directory = memory.NewDirectory(appCfg.Directory.Clients, appCfg.Directory.Assets)
	}

	switch appCfg.Ledger.Driver {
	case config.LedgerPostgres:
		stores.ledger = pgstore.New(stores.pool).Ledger(appCfg.Ledger.Audience)
	case config.LedgerRedis:
		redisCfg := appCfg.Ledger.Redis
		err := retryConnect(ctx, log, "redis", func() error {
			client, err := redisstore.Dial(ctx, redisstore.Config{Addr: redisCfg.Addr, Password: redisCfg.Password, DB: redisCfg.DB})
			if err != nil {
				return err
			}
			stores.redis = client
			return nil
		})
		if err != nil {
			_ = stores.close()
			return nil, err
		}
		stores.ledger = redisstore.NewLedgerStore(stores.redis, appCfg.Ledger.Audience, redisstore.WithTTL(redisCfg.TTL))
	default:
		stores.ledger = memory.NewLedgerStore()
	}

	log.WithFields(logrus.Fields{
		"storage":  appCfg.Storage.Driver,
		"ledger":   appCfg.Ledger.Driver,
		"audience": appCfg.Ledger.Audience,
		"clients":  len(appCfg.Directory.Clients),
		"assets":   len(appCfg.Directory.Assets),
	}).Info("stores ready")
	return stores, nil
}

// retryConnect retries fn with exponential backoff until it succeeds, ctx ends
// or the retry budget is spent.
func retryConnect(ctx context.Context, log logrus.FieldLogger, name string, fn func() error) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = connectMaxInterval
	deadline := time.Now().Add(connectRetryBudget)

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop || time.Now().Add(sleep).After(deadline) {
			return fmt.Errorf("%s: giving up after %d attempts: %w", name, attempt, err)
		}
		log.WithError(err).WithFields(logrus.Fields{"target": name, "attempt": attempt, "retry_in": sleep}).Warn("connection failed, retrying")
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", name, ctx.Err())
		case <-time.After(sleep):
		}
	}
}

func startSessionPruner(ctx context.Context, group *conc.WaitGroup, log logrus.FieldLogger, sessions *bulk.Sessions, maxIdle time.Duration) {
	if maxIdle <= 0 {
		return
	}
	group.Go(func() {
		ticker := time.NewTicker(sessionPruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if pruned := sessions.Prune(now, maxIdle); pruned > 0 {
					log.WithField("sessions", pruned).Info("pruned idle bulk sessions")
				}
			}
		}
	})
}

func buildAPIServer(cfg config.APIServerConfig, deps httpserver.Dependencies, registry *prometheus.Registry, log logrus.FieldLogger) *http.Server {
	handler := httpserver.NewHandler(deps, httpserver.Options{
		MutationRate:   cfg.MutationRate,
		MutationBurst:  cfg.MutationBurst,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         log,
		Registry:       registry,
	})
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
}

func startAPIServer(group *conc.WaitGroup, log logrus.FieldLogger, server *http.Server) {
	group.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("api server stopped")
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	feed       *notify.Broadcaster
	stores     *storeSet
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, log logrus.FieldLogger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		log.Infof("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			log.WithError(err).Warnf("shutdown: %s failed", name)
		} else {
			log.Infof("shutdown: %s completed", name)
		}
	}

	// Streams block server shutdown until their subscriptions close.
	if cfg.feed != nil {
		cfg.feed.Close()
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	log.Info("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.stores != nil {
		shutdownStep("closing stores", storeShutdownTimeout, func(context.Context) error {
			return cfg.stores.close()
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
