package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Gateway      Gateway                `mapstructure:"gateway"`
	Advisory     Advisory               `mapstructure:"advisory"`
	Trading      Trading                `mapstructure:"trading"`
	RiskProfiles map[string]RiskProfile `mapstructure:"risk_profiles"`
	Admission    Admission              `mapstructure:"admission"`
	Breaker      Breaker                `mapstructure:"breaker"`
	Autopilot    Autopilot              `mapstructure:"autopilot"`
	Promotion    Promotion              `mapstructure:"promotion"`
	Logger       Logger                 `mapstructure:"logger"`
	Server       Server                 `mapstructure:"server"`
	Database     Database               `mapstructure:"database"`
	Redis        Redis                  `mapstructure:"redis"`
}

// Gateway holds the configuration for the order execution / price oracle service.
type Gateway struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	PaperFeeRate   float64       `mapstructure:"paper_fee_rate"`
}

// Advisory holds the configuration for the advisory decision provider.
type Advisory struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MinConfidence float64       `mapstructure:"min_confidence"`
}

// Trading holds the configuration for the control loop.
type Trading struct {
	CycleInterval        time.Duration `mapstructure:"cycle_interval"`
	EntrySpacing         time.Duration `mapstructure:"entry_spacing"`
	Workers              int           `mapstructure:"workers"`
	PositionSizeFraction float64       `mapstructure:"position_size_fraction"`
	MaxQuoteAge          time.Duration `mapstructure:"max_quote_age"`
	PriceTimeout         time.Duration `mapstructure:"price_timeout"`
	OrderTimeout         time.Duration `mapstructure:"order_timeout"`
	DecisionTimeout      time.Duration `mapstructure:"decision_timeout"`
	SoftExitLoss         float64       `mapstructure:"soft_exit_loss"`
	LargeLossAlert       float64       `mapstructure:"large_loss_alert"`
}

// RiskProfile holds the exit thresholds copied onto new positions, as fractions.
type RiskProfile struct {
	StopLoss     float64 `mapstructure:"stop_loss"`
	TakeProfit   float64 `mapstructure:"take_profit"`
	TrailingStop float64 `mapstructure:"trailing_stop"`
}

// Limits is one exchange's set of order budgets.
type Limits struct {
	Burst        int `mapstructure:"burst"`
	PerMinute    int `mapstructure:"per_minute"`
	PerDay       int `mapstructure:"per_day"`
	PerBotPerDay int `mapstructure:"per_bot_per_day"`
}

// Admission holds default and per-exchange order budgets.
type Admission struct {
	Default   Limits            `mapstructure:"default"`
	Exchanges map[string]Limits `mapstructure:"exchanges"`
}

// Breaker holds circuit breaker thresholds as fractions of initial capital.
type Breaker struct {
	BotDrawdown    float64 `mapstructure:"bot_drawdown"`
	GlobalDrawdown float64 `mapstructure:"global_drawdown"`
}

// ExchangeCap is the per-exchange bot cap used when the autopilot spawns bots.
type ExchangeCap struct {
	Name    string `mapstructure:"name"`
	MaxBots int    `mapstructure:"max_bots"`
	Pair    string `mapstructure:"pair"`
}

// Autopilot holds the capital allocator configuration.
type Autopilot struct {
	Interval          time.Duration `mapstructure:"interval"`
	ReinvestThreshold float64       `mapstructure:"reinvest_threshold"`
	NewBotCapital     float64       `mapstructure:"new_bot_capital"`
	MaxTotalBots      int           `mapstructure:"max_total_bots"`
	TopK              int           `mapstructure:"top_k"`
	DefaultRisk       string        `mapstructure:"default_risk"`
	Exchanges         []ExchangeCap `mapstructure:"exchanges"`
}

// Promotion holds the hard pre-filter for paper to candidate promotion.
type Promotion struct {
	Interval     time.Duration `mapstructure:"interval"`
	MinPaperDays int           `mapstructure:"min_paper_days"`
	MinTrades    int           `mapstructure:"min_trades"`
	MinWinRate   float64       `mapstructure:"min_win_rate"`
	MaxDrawdown  float64       `mapstructure:"max_drawdown"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Server holds the configuration for the admin API server.
type Server struct {
	Port   int `mapstructure:"port"`
	UIPort int `mapstructure:"ui_port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Redis holds the configuration for the notification fan-out.
type Redis struct {
	Enabled       bool   `mapstructure:"enabled"`
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// LoadConfig reads configuration from file or environment variables.
// A missing config file is not an error; defaults and environment still apply.
func LoadConfig(path string) (config Config, err error) {
	// A .env file is optional.
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	SetDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return
		}
		err = nil
	}

	err = v.Unmarshal(&config)
	return
}

// SetDefaults registers the default value of every setting.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("gateway.timeout", "10s")
	v.SetDefault("gateway.rate_limit", 10) // requests per second
	v.SetDefault("gateway.rate_limit_burst", 5)
	v.SetDefault("gateway.paper_fee_rate", 0.001)

	v.SetDefault("advisory.timeout", "20s")
	v.SetDefault("advisory.min_confidence", 0.7)

	v.SetDefault("trading.cycle_interval", "5m")
	v.SetDefault("trading.entry_spacing", "30m")
	v.SetDefault("trading.workers", 8)
	v.SetDefault("trading.position_size_fraction", 0.1)
	v.SetDefault("trading.max_quote_age", "2m")
	v.SetDefault("trading.price_timeout", "10s")
	v.SetDefault("trading.order_timeout", "30s")
	v.SetDefault("trading.decision_timeout", "30s")
	v.SetDefault("trading.soft_exit_loss", 0.05)
	v.SetDefault("trading.large_loss_alert", 100)

	v.SetDefault("risk_profiles.safe.stop_loss", 0.03)
	v.SetDefault("risk_profiles.safe.take_profit", 0.05)
	v.SetDefault("risk_profiles.safe.trailing_stop", 0.02)
	v.SetDefault("risk_profiles.balanced.stop_loss", 0.05)
	v.SetDefault("risk_profiles.balanced.take_profit", 0.10)
	v.SetDefault("risk_profiles.balanced.trailing_stop", 0.03)
	v.SetDefault("risk_profiles.risky.stop_loss", 0.08)
	v.SetDefault("risk_profiles.risky.take_profit", 0.15)
	v.SetDefault("risk_profiles.risky.trailing_stop", 0.05)

	v.SetDefault("admission.default.burst", 10)
	v.SetDefault("admission.default.per_minute", 30)
	v.SetDefault("admission.default.per_day", 1500)
	v.SetDefault("admission.default.per_bot_per_day", 50)

	v.SetDefault("breaker.bot_drawdown", 0.20)
	v.SetDefault("breaker.global_drawdown", 0.15)

	v.SetDefault("autopilot.interval", "1h")
	v.SetDefault("autopilot.reinvest_threshold", 1000)
	v.SetDefault("autopilot.new_bot_capital", 1000)
	v.SetDefault("autopilot.max_total_bots", 45)
	v.SetDefault("autopilot.top_k", 5)
	v.SetDefault("autopilot.default_risk", "safe")
	v.SetDefault("autopilot.exchanges", []map[string]interface{}{
		{"name": "luno", "max_bots": 5, "pair": "BTC/ZAR"},
		{"name": "binance", "max_bots": 10, "pair": "BTC/USDT"},
		{"name": "kucoin", "max_bots": 10, "pair": "BTC/USDT"},
		{"name": "kraken", "max_bots": 10, "pair": "BTC/USD"},
		{"name": "valr", "max_bots": 10, "pair": "BTC/ZAR"},
	})

	v.SetDefault("promotion.interval", "1h")
	v.SetDefault("promotion.min_paper_days", 7)
	v.SetDefault("promotion.min_trades", 50)
	v.SetDefault("promotion.min_win_rate", 0.55)
	v.SetDefault("promotion.max_drawdown", 0.10)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.max_size_mb", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age_days", 28)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.ui_port", 8081)
	v.SetDefault("database.dsn", "autopilot.db")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.channel_prefix", "autopilot:events")
}

// LimitsFor returns the order budgets for an exchange, falling back to the default set.
func (a Admission) LimitsFor(exchange string) Limits {
	if l, ok := a.Exchanges[exchange]; ok {
		return l
	}
	return a.Default
}
