package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bybit-levels-bot/config"
	"bybit-levels-bot/internal/api"
	"bybit-levels-bot/internal/auth"
	"bybit-levels-bot/internal/database"
	"bybit-levels-bot/internal/exchange"
	"bybit-levels-bot/internal/gate"
	"bybit-levels-bot/internal/logging"
	"bybit-levels-bot/internal/risk"
	"bybit-levels-bot/internal/scheduler"
	"bybit-levels-bot/internal/trading"
	"bybit-levels-bot/internal/vault"
)

const reconcileJob = "reconcile"

// botControl adapts the scheduler and executor to the API's control surface.
type botControl struct {
	sched *scheduler.Scheduler
	exec  *trading.Executor
}

func (b *botControl) ForceSweep(ctx context.Context) bool {
	return b.sched.ForceRun(ctx, reconcileJob)
}

func (b *botControl) SubmitSignal(_ context.Context, signalID int64) {
	// detached from the request context so the attempt survives the response
	b.sched.RunSignalJob(context.Background(), "initial_submit", signalID, func(jobCtx context.Context) {
		b.exec.Attempt(jobCtx, signalID, false)
	})
}

func main() {
	// .env is optional; real deployments use the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load(getEnv("CONFIG_FILE", "config.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logger.Info("configuration loaded")

	zl := newComponentLogger(cfg.LoggingConfig)

	appCtx, cancelApp := context.WithCancel(context.Background())
	defer cancelApp()

	// ---------- storage ----------
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()

	if err := db.RunMigrations(appCtx); err != nil {
		logger.Fatal("failed to run migrations", "error", err)
	}
	logger.Info("database ready")

	// ---------- trading-mode gate ----------
	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		pingCtx, cancel := context.WithTimeout(appCtx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, gate falls back to memory", "error", err)
			_ = redisClient.Close()
			redisClient = nil
		}
		cancel()
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	tradingGate := gate.New(redisClient, cfg.TradingConfig.AutoTradingEnabled, zl)

	// ---------- exchange credentials ----------
	apiKey, secretKey := cfg.ExchangeConfig.APIKey, cfg.ExchangeConfig.SecretKey
	if cfg.VaultConfig.Enabled {
		vaultClient, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			logger.Fatal("failed to create vault client", "error", err)
		}
		creds, err := vaultClient.ExchangeCredentials(appCtx)
		if err != nil {
			logger.Fatal("failed to load exchange credentials from vault", "error", err)
		}
		apiKey, secretKey = creds.APIKey, creds.SecretKey
		logger.Info("exchange credentials loaded from vault")
	}

	// ---------- exchange adapter ----------
	exch := exchange.NewRESTClient(exchange.ClientConfig{
		APIKey:      apiKey,
		SecretKey:   secretKey,
		BaseURL:     cfg.ExchangeConfig.BaseURL,
		DemoTrading: cfg.ExchangeConfig.DemoTrading,
		RecvWindow:  cfg.ExchangeConfig.RecvWindow,
	}, zl)
	if !exch.IsConfigured() {
		logger.Warn("exchange credentials missing, signals will park as NOT_CONFIGURED")
	}

	var feed *exchange.PriceFeed
	if cfg.ExchangeConfig.PriceStream {
		feed = exchange.NewPriceFeed(cfg.ExchangeConfig.StreamURL, zl)
		exch.AttachPriceFeed(feed)
		feed.Start(appCtx)
		defer feed.Stop()
		logger.Info("price stream attached", "url", cfg.ExchangeConfig.StreamURL)
	}

	// ---------- core ----------
	riskManager := risk.NewManager(db, tradingGate, risk.Config{
		DailyLossLimitPct:    cfg.RiskConfig.DailyLossLimitPct,
		MaxConsecutiveLosses: cfg.RiskConfig.MaxConsecutiveLosses,
		CommissionPct:        cfg.RiskConfig.CommissionPct,
	}, nil, zl)

	tradingCfg := trading.NewConfig(cfg.TradingConfig, cfg.ExchangeConfig.SymbolSuffix)
	clock := trading.SystemClock{}
	executor := trading.NewExecutor(db, exch, tradingGate, riskManager, clock, tradingCfg, zl)
	reconciler := trading.NewReconciler(db, exch, executor, riskManager, clock, tradingCfg, zl)

	// ---------- scheduler ----------
	sched := scheduler.New(zl)
	if cfg.SchedulerConfig.WatchdogIntervalSeconds > 0 {
		sched.SetWatchdogInterval(time.Duration(cfg.SchedulerConfig.WatchdogIntervalSeconds) * time.Second)
	}
	if err := sched.RegisterPeriodic(reconcileJob, cfg.TradingConfig.ReconcileInterval(), reconciler.Sweep); err != nil {
		logger.Fatal("failed to register reconciler", "error", err)
	}
	updatePnLEvery := 30 * time.Second
	if cfg.SchedulerConfig.UpdatePnLIntervalSeconds > 0 {
		updatePnLEvery = time.Duration(cfg.SchedulerConfig.UpdatePnLIntervalSeconds) * time.Second
	}
	if err := sched.RegisterPeriodic("update-pnl", updatePnLEvery, reconciler.UpdatePnL); err != nil {
		logger.Fatal("failed to register update-pnl", "error", err)
	}
	sched.Start(appCtx)
	logger.Info("scheduler started", "reconcile_every", cfg.TradingConfig.ReconcileInterval().String())

	// ---------- operator API ----------
	var server *api.Server
	if cfg.ServerConfig.Enabled {
		var jwtManager *auth.JWTManager
		if cfg.AuthConfig.JWTSecret != "" {
			jwtManager = auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.AccessTokenDuration)
		} else {
			logger.Warn("no jwt secret configured, mutating API routes are unprotected")
		}

		server = api.NewServer(api.Config{
			Host:           cfg.ServerConfig.Host,
			Port:           cfg.ServerConfig.Port,
			ProductionMode: cfg.ServerConfig.ProductionMode,
			AllowedOrigins: cfg.ServerConfig.AllowedOrigins,
		}, db, tradingGate, &botControl{sched: sched, exec: executor}, jwtManager, zl)

		go func() {
			if err := server.Start(); err != nil {
				logger.Error("http server failed", "error", err)
				cancelApp()
			}
		}()
	}

	logger.Info("bot running", "live_enabled", tradingGate.IsLiveEnabled(appCtx))

	// ---------- shutdown ----------
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", "signal", sig.String())
	case <-appCtx.Done():
	}

	cancelApp()
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "error", err)
		}
		cancel()
	}
	sched.Stop()
	logger.Info("bot stopped")
}

// newComponentLogger builds the zerolog root used by all components.
func newComponentLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelName(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out *os.File
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			out = os.Stdout
		} else {
			out = f
		}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func levelName(s string) string {
	switch s {
	case "DEBUG", "debug":
		return "debug"
	case "WARN", "warn", "WARNING":
		return "warn"
	case "ERROR", "error":
		return "error"
	default:
		return "info"
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
