// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"dcaengine/internal/core"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig                 `yaml:"app"`
	Exchanges   map[string]ExchangeConfig `yaml:"exchanges"`
	Engine      EngineConfig              `yaml:"engine"`
	DefaultGrid core.DCAGridConfig        `yaml:"default_grid"`
	DefaultRisk core.RiskEngineConfig     `yaml:"default_risk"`
	System      SystemConfig              `yaml:"system"`
	Timing      TimingConfig              `yaml:"timing"`
	Concurrency ConcurrencyConfig         `yaml:"concurrency"`
	Telemetry   TelemetryConfig           `yaml:"telemetry"`
	Alerting    AlertingConfig            `yaml:"alerting"`
}

// AlertingConfig holds credentials for the out-of-band notification channels
// wired into a Broadcaster at the composition root. Every field is optional:
// a channel is only attached when its credentials are present (spec §6).
type AlertingConfig struct {
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	ActiveExchanges []string `yaml:"active_exchanges" validate:"required,min=1"`
	CacheURL        string   `yaml:"cache_url"`
	DatabaseURL     string   `yaml:"database_url"`
}

// ExchangeConfig contains exchange-specific credentials used by the
// composition root to construct an ExchangeConnector per active exchange.
type ExchangeConfig struct {
	APIKey     Secret `yaml:"api_key" validate:"required"`
	SecretKey  Secret `yaml:"secret_key" validate:"required"`
	Passphrase Secret `yaml:"passphrase"` // required by some exchanges (e.g. OKX)
	BaseURL    string `yaml:"base_url"`   // optional override for API URL
}

// EngineConfig contains OrderService-level policy shared by every user
// unless overridden per position group (spec §4.1).
type EngineConfig struct {
	MaxSlippagePercent decimal.Decimal      `yaml:"max_slippage_percent" validate:"required"`
	SlippageAction     core.SlippageAction  `yaml:"slippage_action" validate:"oneof=warn reject"`
	OrderMaxAttempts   int                  `yaml:"order_max_attempts" validate:"required,min=1,max=20"`
	CancelMaxAttempts  int                  `yaml:"cancel_verification_attempts" validate:"required,min=1,max=20"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// TimingConfig contains timing-related settings
type TimingConfig struct {
	FillMonitorPollSeconds int `yaml:"fill_monitor_poll_seconds" validate:"required,min=1,max=300"`
	OrderRetryDelayMs      int `yaml:"order_retry_delay_ms" validate:"required,min=1,max=10000"`
	RateLimitRetryDelayMs  int `yaml:"rate_limit_retry_delay_ms" validate:"min=1,max=300000"`
	PriceCacheTTLSeconds   int `yaml:"price_cache_ttl_seconds" validate:"min=1,max=300"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	FillMonitorPoolSize   int `yaml:"fill_monitor_pool_size" validate:"min=1,max=200"`
	FillMonitorPoolBuffer int `yaml:"fill_monitor_pool_buffer" validate:"min=1,max=10000"`
	RiskPoolSize          int `yaml:"risk_pool_size" validate:"min=1,max=100"`
	RiskPoolBuffer        int `yaml:"risk_pool_buffer" validate:"min=1,max=10000"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateAppConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExchanges(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	if len(c.App.ActiveExchanges) == 0 {
		return ValidationError{
			Field:   "app.active_exchanges",
			Message: "at least one exchange must be active",
		}
	}
	return nil
}

func (c *Config) validateExchanges() error {
	if len(c.Exchanges) == 0 {
		return ValidationError{
			Field:   "exchanges",
			Message: "at least one exchange must be configured",
		}
	}

	for name, exchange := range c.Exchanges {
		if exchange.APIKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.api_key", name),
				Message: "API key is required",
			}
		}
		if exchange.SecretKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.secret_key", name),
				Message: "secret key is required",
			}
		}
	}

	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// GetExchangeConfig returns the configuration for a named exchange.
func (c *Config) GetExchangeConfig(name string) (*ExchangeConfig, error) {
	exchange, exists := c.Exchanges[name]
	if !exists {
		return nil, fmt.Errorf("exchange configuration not found for: %s", name)
	}
	return &exchange, nil
}

// String returns a string representation of the configuration with
// credentials masked (spec §9 design notes: configs are logged at startup).
func (c *Config) String() string {
	configCopy := *c
	configCopy.Exchanges = make(map[string]ExchangeConfig, len(c.Exchanges))
	for name, exchange := range c.Exchanges {
		exchange.APIKey = Secret(maskString(string(exchange.APIKey)))
		exchange.SecretKey = Secret(maskString(string(exchange.SecretKey)))
		exchange.Passphrase = Secret(maskString(string(exchange.Passphrase)))
		configCopy.Exchanges[name] = exchange
	}

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		value := os.Getenv(key)
		if value == "" && isCriticalEnvVar(key) {
			return ""
		}
		return value
	})
}

// isCriticalEnvVar checks if an environment variable is critical for operation
func isCriticalEnvVar(key string) bool {
	criticalVars := []string{
		"BINANCE_API_KEY", "BINANCE_SECRET_KEY",
		"OKX_API_KEY", "OKX_SECRET_KEY", "OKX_PASSPHRASE",
		"BYBIT_API_KEY", "BYBIT_SECRET_KEY",
	}
	return contains(criticalVars, key)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			ActiveExchanges: []string{"binance"},
		},
		Exchanges: map[string]ExchangeConfig{
			"binance": {
				APIKey:    "test_api_key",
				SecretKey: "test_secret_key",
			},
		},
		Engine: EngineConfig{
			MaxSlippagePercent: decimal.NewFromFloat(0.5),
			SlippageAction:     core.SlippageWarn,
			OrderMaxAttempts:   3,
			CancelMaxAttempts:  3,
		},
		DefaultGrid: core.DCAGridConfig{
			EntryOrderType:     core.OrderTypeLimit,
			TPMode:             core.TPPerLeg,
			MaxPyramids:        5,
			TotalCapitalUSD:    decimal.NewFromInt(1000),
			StaleTPThresholdHours: decimal.NewFromInt(24),
			StaleTPAction:      core.StaleTPReposition,
		},
		DefaultRisk: core.RiskEngineConfig{
			MaxPositionsPerSymbolTimeframe: 1,
			MaxTotalExposureUSD:            decimal.NewFromInt(10000),
			MaxRealizedLossUSD:             decimal.NewFromInt(500),
			TimerStartCondition:            core.TimerAfterAllDCASubmitted,
			RequiredPyramidsForTimer:       5,
			PostFullWaitMinutes:            60,
			ResetTimerOnReplacement:        true,
			LossThresholdPercent:           decimal.NewFromFloat(2.0),
			MaxWinnersToCombine:            3,
			EvaluateIntervalSeconds:        30,
			EvaluateOnFill:                 true,
		},
		System: SystemConfig{
			LogLevel:     "INFO",
			CancelOnExit: true,
		},
		Timing: TimingConfig{
			FillMonitorPollSeconds: 5,
			OrderRetryDelayMs:      500,
			RateLimitRetryDelayMs:  1000,
			PriceCacheTTLSeconds:   5,
		},
		Concurrency: ConcurrencyConfig{
			FillMonitorPoolSize:   10,
			FillMonitorPoolBuffer: 100,
			RiskPoolSize:          5,
			RiskPoolBuffer:        50,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}
