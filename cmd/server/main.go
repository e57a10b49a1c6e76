// Command server runs one http-mon replica: the admin HTTP API plus the
// probing and escalation workers for this replica's shard.
//
// # Usage
//
//	SHARD_INDEX=0 DB_HOST=localhost DB_NAME=httpmon server
//
// # Configuration
//
// The server is configured via environment variables (see internal/config)
// with an optional YAML file layered underneath (HTTPMON_CONFIG).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stackwatch/http-mon/db/migrate"
	"github.com/stackwatch/http-mon/internal/api"
	"github.com/stackwatch/http-mon/internal/cache"
	"github.com/stackwatch/http-mon/internal/config"
	"github.com/stackwatch/http-mon/internal/mailer"
	"github.com/stackwatch/http-mon/internal/metrics"
	"github.com/stackwatch/http-mon/internal/monitor"
	"github.com/stackwatch/http-mon/internal/secrets"
	"github.com/stackwatch/http-mon/internal/store"
	"github.com/stackwatch/http-mon/pkg/types"
)

func main() {
	var (
		debug   = flag.Bool("debug", false, "Enable debug logging")
		version = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("httpmon-server v0.1.0")
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	appCtx, appCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer appCancel()

	// Resolve credentials not present in the environment from the secrets
	// backend (1Password Connect in production).
	creds, err := secrets.NewCredentialStore(secrets.ConfigFromEnv(), logger)
	if err != nil {
		logger.Error("failed to initialize secrets backend", "error", err)
		os.Exit(1)
	}
	defer creds.Close()

	if cfg.Database.Pass == "" {
		if cfg.Database.Pass, err = creds.Get(appCtx, "DB_PASS"); err != nil {
			logger.Error("failed to resolve database password", "error", err)
			os.Exit(1)
		}
	}
	if cfg.SMTP.Password == "" {
		if cfg.SMTP.Password, err = creds.Get(appCtx, "SMTP_PASSWORD"); err != nil {
			logger.Error("failed to resolve SMTP password", "error", err)
			os.Exit(1)
		}
	}

	// Connect to database
	connectCtx, connectCancel := context.WithTimeout(appCtx, 10*time.Second)
	defer connectCancel()

	db, err := store.NewStoreFromURL(connectCtx, cfg.DatabaseURL())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(connectCtx); err != nil {
		logger.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database", "shard_index", cfg.ShardIndex)

	// Run database migrations before any worker touches the schema.
	migCtx, migCancel := context.WithTimeout(appCtx, 5*time.Minute)
	defer migCancel()
	if err := migrate.Run(migCtx, db.Pool(), logger); err != nil {
		logger.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	m.StartProcessCollector(appCtx, 30*time.Second, logger)

	// Optional Redis response cache. A nil cache is a no-op.
	var responseCache *cache.Cache
	if cfg.RedisURL != "" {
		responseCache, err = cache.New(cfg.RedisURL, logger)
		if err != nil {
			logger.Warn("response cache disabled - connection failed", "error", err)
		} else {
			defer responseCache.Close()
			logger.Info("response cache enabled")
		}
	}

	mail := mailer.New(mailer.Config{
		Server:        cfg.SMTP.Server,
		Port:          cfg.SMTP.Port,
		Username:      cfg.SMTP.Username,
		Password:      cfg.SMTP.Password,
		AppHost:       cfg.App.Host,
		AppPort:       cfg.App.Port,
		RatePerMinute: cfg.Monitor.MailRatePerMinute,
	}, logger)

	owner := monitor.NewOwnerReconciler(db, monitor.OwnerReconcilerConfig{
		ShardIndex:      cfg.ShardIndex,
		RefreshInterval: cfg.Monitor.OwnerRefreshInterval,
	}, logger)
	defer owner.Stop()

	sup := monitor.NewSupervisor(db, owner, mail, monitor.SupervisorConfig{
		ShardIndex: cfg.ShardIndex,
	}, m, logger)

	// Resume probing and in-flight escalations from durable state. This
	// also seeds the owned set and starts the reconciler loop.
	if err := sup.Recover(appCtx); err != nil {
		logger.Error("startup recovery failed", "error", err)
		os.Exit(1)
	}

	apiServer := api.NewServer(db, &proberSpawner{ctx: appCtx, sup: sup}, responseCache, m, api.Config{
		ShardIndex: cfg.ShardIndex,
		APIKeyHash: cfg.AdminAPIKeyHash,
		CacheTTL:   cfg.Monitor.CacheTTL,
	}, logger)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: apiServer,
	}

	go func() {
		logger.Info("admin API listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			appCancel()
		}
	}()

	<-appCtx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	// Probers and escalators observe the cancelled context and drain.
	sup.Wait()
	logger.Info("shutdown complete")
}

// proberSpawner adapts the supervisor to the API's spawner interface,
// detaching prober lifetimes from admin requests.
type proberSpawner struct {
	ctx context.Context
	sup *monitor.Supervisor
}

func (p *proberSpawner) StartProber(target types.Target) {
	p.sup.StartProber(p.ctx, target)
}
