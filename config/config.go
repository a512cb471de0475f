package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ExchangeConfig  ExchangeConfig  `json:"exchange"`
	TradingConfig   TradingConfig   `json:"trading"`
	RiskConfig      RiskConfig      `json:"risk"`
	DatabaseConfig  DatabaseConfig  `json:"database"`
	RedisConfig     RedisConfig     `json:"redis"`
	SchedulerConfig SchedulerConfig `json:"scheduler"`
	ServerConfig    ServerConfig    `json:"server"`
	AuthConfig      AuthConfig      `json:"auth"`
	VaultConfig     VaultConfig     `json:"vault"`
	LoggingConfig   LoggingConfig   `json:"logging"`
}

// ExchangeConfig holds Bybit v5 API configuration
type ExchangeConfig struct {
	APIKey       string `json:"api_key"`
	SecretKey    string `json:"secret_key"`
	BaseURL      string `json:"base_url"`
	DemoTrading  bool   `json:"demo_trading"` // routes to api-demo host with demo headers
	RecvWindow   int    `json:"recv_window"`  // milliseconds
	SymbolSuffix string `json:"symbol_suffix"`
	PriceStream  bool   `json:"price_stream"` // websocket ticker feed for current price
	StreamURL    string `json:"stream_url"`
}

// TradingConfig holds signal execution parameters
type TradingConfig struct {
	OrderSizeUSDT            float64 `json:"order_size_usdt"`
	QuantityPrecision        int     `json:"quantity_precision"`
	TakeProfitPercent        float64 `json:"take_profit_percent"`
	StopLossPercent          float64 `json:"stop_loss_percent"`
	Leverage                 int     `json:"leverage"`
	PositionIdx              int     `json:"position_idx"` // hedge-mode index, omitted when 0
	TimeInForce              string  `json:"time_in_force"`
	MarketEntryThresholdPct  float64 `json:"market_entry_threshold_pct"`
	OrderCancelDeviationPct  float64 `json:"order_cancel_deviation_pct"`
	AutoTradingEnabled       bool    `json:"auto_trading_enabled"`
	BreakevenEnabled         bool    `json:"breakeven_enabled"`
	SignalMaxAgeMinutes      int     `json:"signal_max_age_minutes"`
	ReconcileIntervalSeconds int     `json:"reconcile_interval_seconds"`
}

// RiskConfig holds the risk manager limits
type RiskConfig struct {
	DailyLossLimitPct    float64 `json:"daily_loss_limit_pct"`    // stored positive, compared as -limit
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	CommissionPct        float64 `json:"commission_pct"` // one-way, doubled per round trip
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type SchedulerConfig struct {
	WorkerCount              int `json:"worker_count"`
	WatchdogIntervalSeconds  int `json:"watchdog_interval_seconds"`
	UpdatePnLIntervalSeconds int `json:"update_pnl_interval_seconds"`
}

type ServerConfig struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	ProductionMode bool     `json:"production_mode"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type AuthConfig struct {
	JWTSecret           string        `json:"jwt_secret"`
	AccessTokenDuration time.Duration `json:"access_token_duration"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// Load reads the configuration file (if present) and applies environment
// variable overrides on top of it.
func Load(filename string) (*Config, error) {
	cfg := defaultConfig()

	if filename != "" {
		if _, err := os.Stat(filename); err == nil {
			fromFile, err := loadFromFile(filename)
			if err != nil {
				return nil, err
			}
			cfg = fromFile
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		ExchangeConfig: ExchangeConfig{
			BaseURL:     "https://api.bybit.com",
			RecvWindow:  5000,
			PriceStream: true,
			StreamURL:   "wss://stream.bybit.com/v5/public/linear",
		},
		TradingConfig: TradingConfig{
			OrderSizeUSDT:            50,
			QuantityPrecision:        3,
			TakeProfitPercent:        1.5,
			StopLossPercent:          0.5,
			Leverage:                 5,
			TimeInForce:              "GTC",
			MarketEntryThresholdPct:  0,
			OrderCancelDeviationPct:  1.5,
			AutoTradingEnabled:       false,
			SignalMaxAgeMinutes:      30,
			ReconcileIntervalSeconds: 30,
		},
		RiskConfig: RiskConfig{
			DailyLossLimitPct:    5.0,
			MaxConsecutiveLosses: 5,
			CommissionPct:        0.035,
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Database: "levelsbot",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Enabled:  true,
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		SchedulerConfig: SchedulerConfig{
			WorkerCount:              8,
			WatchdogIntervalSeconds:  60,
			UpdatePnLIntervalSeconds: 30,
		},
		ServerConfig: ServerConfig{
			Enabled:        true,
			Host:           "0.0.0.0",
			Port:           8080,
			ProductionMode: true,
		},
		AuthConfig: AuthConfig{
			AccessTokenDuration: 24 * time.Hour,
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	// Exchange
	cfg.ExchangeConfig.APIKey = getEnvOrDefault("BYBIT_API_KEY", cfg.ExchangeConfig.APIKey)
	cfg.ExchangeConfig.SecretKey = getEnvOrDefault("BYBIT_SECRET_KEY", cfg.ExchangeConfig.SecretKey)
	cfg.ExchangeConfig.BaseURL = getEnvOrDefault("BYBIT_BASE_URL", cfg.ExchangeConfig.BaseURL)
	cfg.ExchangeConfig.DemoTrading = getEnvBoolOrDefault("BYBIT_DEMO_TRADING", cfg.ExchangeConfig.DemoTrading)
	cfg.ExchangeConfig.SymbolSuffix = getEnvOrDefault("SYMBOL_SUFFIX", cfg.ExchangeConfig.SymbolSuffix)

	// Trading
	cfg.TradingConfig.OrderSizeUSDT = getEnvFloatOrDefault("ORDER_SIZE_USDT", cfg.TradingConfig.OrderSizeUSDT)
	cfg.TradingConfig.QuantityPrecision = getEnvIntOrDefault("QUANTITY_PRECISION", cfg.TradingConfig.QuantityPrecision)
	cfg.TradingConfig.TakeProfitPercent = getEnvFloatOrDefault("TAKE_PROFIT_PERCENT", cfg.TradingConfig.TakeProfitPercent)
	cfg.TradingConfig.StopLossPercent = getEnvFloatOrDefault("STOP_LOSS_PERCENT", cfg.TradingConfig.StopLossPercent)
	cfg.TradingConfig.Leverage = getEnvIntOrDefault("LEVERAGE", cfg.TradingConfig.Leverage)
	cfg.TradingConfig.PositionIdx = getEnvIntOrDefault("POSITION_IDX", cfg.TradingConfig.PositionIdx)
	cfg.TradingConfig.TimeInForce = getEnvOrDefault("TIME_IN_FORCE", cfg.TradingConfig.TimeInForce)
	cfg.TradingConfig.MarketEntryThresholdPct = getEnvFloatOrDefault("MARKET_ENTRY_THRESHOLD_PCT", cfg.TradingConfig.MarketEntryThresholdPct)
	cfg.TradingConfig.OrderCancelDeviationPct = getEnvFloatOrDefault("ORDER_CANCEL_DEVIATION_PCT", cfg.TradingConfig.OrderCancelDeviationPct)
	cfg.TradingConfig.AutoTradingEnabled = getEnvBoolOrDefault("AUTO_TRADING_ENABLED", cfg.TradingConfig.AutoTradingEnabled)
	cfg.TradingConfig.BreakevenEnabled = getEnvBoolOrDefault("BREAKEVEN_ENABLED", cfg.TradingConfig.BreakevenEnabled)

	// Risk
	cfg.RiskConfig.DailyLossLimitPct = getEnvFloatOrDefault("DAILY_LOSS_LIMIT_PCT", cfg.RiskConfig.DailyLossLimitPct)
	cfg.RiskConfig.MaxConsecutiveLosses = getEnvIntOrDefault("MAX_CONSECUTIVE_LOSSES", cfg.RiskConfig.MaxConsecutiveLosses)
	cfg.RiskConfig.CommissionPct = getEnvFloatOrDefault("COMMISSION_PCT", cfg.RiskConfig.CommissionPct)

	// Database
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Server / auth
	cfg.ServerConfig.Enabled = getEnvBoolOrDefault("SERVER_ENABLED", cfg.ServerConfig.Enabled)
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", cfg.ServerConfig.Port)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)

	// Vault
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
}

// Validate checks values the executor cannot run with.
func (c *Config) Validate() error {
	if c.TradingConfig.OrderSizeUSDT <= 0 {
		return fmt.Errorf("order_size_usdt must be positive, got %v", c.TradingConfig.OrderSizeUSDT)
	}
	if c.TradingConfig.QuantityPrecision < 0 || c.TradingConfig.QuantityPrecision > 8 {
		return fmt.Errorf("quantity_precision out of range: %d", c.TradingConfig.QuantityPrecision)
	}
	if c.TradingConfig.TakeProfitPercent <= 0 || c.TradingConfig.StopLossPercent <= 0 {
		return fmt.Errorf("take_profit_percent and stop_loss_percent must be positive")
	}
	if c.TradingConfig.Leverage < 1 || c.TradingConfig.Leverage > 100 {
		return fmt.Errorf("leverage out of range: %d", c.TradingConfig.Leverage)
	}
	if c.RiskConfig.DailyLossLimitPct <= 0 {
		return fmt.Errorf("daily_loss_limit_pct must be positive (limit is applied as a loss)")
	}
	if c.RiskConfig.MaxConsecutiveLosses < 1 {
		return fmt.Errorf("max_consecutive_losses must be at least 1")
	}
	return nil
}

// SignalMaxAge returns the age gate for unfilled intent.
func (c *TradingConfig) SignalMaxAge() time.Duration {
	if c.SignalMaxAgeMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.SignalMaxAgeMinutes) * time.Minute
}

// ReconcileInterval returns the reconciler sweep cadence.
func (c *TradingConfig) ReconcileInterval() time.Duration {
	if c.ReconcileIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := defaultConfig()
	if err := json.Unmarshal(file, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
