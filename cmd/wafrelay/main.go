// Command wafrelay runs the failover relay in front of the WAF-fronted API
// origin: it keeps challenge cookies fresh through a persistent headless
// browser, rotates accounts and sites on failure, and exposes health, metrics
// and a handful of admin operations.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/wafrelay/wafrelay/internal/account"
	"github.com/wafrelay/wafrelay/internal/apikey"
	"github.com/wafrelay/wafrelay/internal/browser"
	"github.com/wafrelay/wafrelay/internal/checkin"
	"github.com/wafrelay/wafrelay/internal/config"
	"github.com/wafrelay/wafrelay/internal/logging"
	"github.com/wafrelay/wafrelay/internal/metrics"
	"github.com/wafrelay/wafrelay/internal/relay"
	"github.com/wafrelay/wafrelay/internal/scheduler"
	"github.com/wafrelay/wafrelay/internal/server"
	"github.com/wafrelay/wafrelay/internal/site"
	"github.com/wafrelay/wafrelay/internal/wafcookie"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// A missing .env is fine; the environment may be set by the container.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("invalid configuration", zap.Error(err))
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		logging.Error("invalid log level", zap.Error(err))
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	defer logger.Sync()

	metrics.MustRegister()

	logging.Info("starting wafrelay",
		zap.String("addr", cfg.ListenAddr),
		zap.String("base_url", cfg.BaseURL),
		zap.String("accounts_file", cfg.AccountsFile),
		zap.String("proxy", cfg.HTTPProxy),
		zap.Int("sites", len(cfg.Sites)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Browser and cookie cache.
	bm := browser.New(cfg.HTTPProxy, cfg.Browser.RestartAfter)
	defer bm.Stop()
	cache := wafcookie.New(bm, wafcookie.Config{
		LoginURL:      cfg.WAF.LoginURL,
		TTL:           cfg.WAF.TTL,
		RefreshBefore: cfg.WAF.RefreshBefore,
		RetryInterval: cfg.WAF.RetryInterval,
		PageWait:      cfg.WAF.PageWait,
		WaitTimeout:   cfg.WAF.WaitTimeout,
	})

	// Accounts, reloaded automatically when the file changes.
	pool := account.NewPool(cfg.AccountsFile)
	if err := pool.Load(); err != nil {
		logging.Warn("initial account load failed, starting with an empty pool", zap.Error(err))
	}
	go func() {
		if err := pool.Watch(ctx); err != nil {
			logging.Warn("accounts watcher stopped", zap.Error(err))
		}
	}()

	router := site.NewRouter(cfg.Sites, cfg.HTTPProxy, cache)

	var keys *apikey.Validator
	var gate relay.KeyGate
	if cfg.APIKey.Enabled {
		keys = apikey.NewValidator(cfg.APIKey.UserDB, cfg.APIKey.CacheTTL)
		gate = keys
		logging.Info("inbound api key validation enabled", zap.String("userdb", cfg.APIKey.UserDB))
	}

	relayHandler := relay.NewHandler(cache, pool, router, gate, cfg.HTTPProxy)

	// Background jobs.
	sched := scheduler.New()
	var ci *checkin.Runner
	if cfg.Checkin.Enabled {
		ci = checkin.NewRunner(cfg.Sites, cfg.HTTPProxy, cache, pool)
		sched.AddDaily("checkin", cfg.Checkin.Hours, cfg.Checkin.Minute, func(ctx context.Context) {
			ci.RunAll(ctx)
		})
	}
	if cfg.PrimaryCheck.Enabled {
		sched.AddInterval("primary_check", cfg.PrimaryCheck.Interval, func(ctx context.Context) {
			router.TryRecoverPrimary(ctx)
		})
	}
	sched.Start(ctx)
	go cache.Run(ctx)

	// Warm up in the background so the listener comes up immediately.
	go func() {
		if err := bm.Start(); err != nil {
			logging.Warn("browser warm-up failed, will start on demand", zap.Error(err))
			return
		}
		if _, err := cache.Get(ctx); err != nil {
			logging.Warn("cookie warm-up failed", zap.Error(err))
		}
	}()

	var keyCache server.KeyCache
	if keys != nil {
		keyCache = keys
	}
	srv := server.New(*cfg, relayHandler, pool, router, cache, bm, keyCache, ci, sched)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logging.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logging.Error("http server failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("shutdown incomplete", zap.Error(err))
	}
	logging.Info("wafrelay stopped")
}
