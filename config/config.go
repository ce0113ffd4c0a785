/*
config.go - typed configuration

Configuration loads in priority order: defaults, then an optional
config file, then COBRANZA_* environment variables. The loaded struct
is threaded through constructors; nothing reads the environment after
startup.
*/

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/previsora/cobranza-engine/core"
)

// Config is everything the service needs to run.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	DB         DBConfig         `mapstructure:"db"`
	Billing    BillingConfig    `mapstructure:"billing"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Receipts   ReceiptsConfig   `mapstructure:"receipts"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Commission CommissionConfig `mapstructure:"commission"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type BillingConfig struct {
	Timezone            string `mapstructure:"timezone"`
	Currency            string `mapstructure:"currency"`
	ArrearsCutoffMonths int    `mapstructure:"arrears_cutoff_months"`
	// AllocationHorizonMonths extends debt projections past the
	// current period when a client asks for future rows.
	AllocationHorizonMonths int `mapstructure:"allocation_horizon_months"`
}

type LedgerConfig struct {
	DedupWindow time.Duration `mapstructure:"dedup_window"`
}

type ReceiptsConfig struct {
	PDFDir   string `mapstructure:"pdf_dir"`
	Disabled bool   `mapstructure:"disabled"`
}

type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type CommissionConfig struct {
	DefaultBaseRate      float64 `mapstructure:"default_base_rate"`
	DefaultGraceDays     int     `mapstructure:"default_grace_days"`
	DefaultPenaltyPerDay float64 `mapstructure:"default_penalty_per_day"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads configuration. An empty path skips the file and runs on
// defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("COBRANZA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173"})
	v.SetDefault("db.path", "./data/cobranza.db")
	v.SetDefault("billing.timezone", core.DefaultTimezone)
	v.SetDefault("billing.currency", string(core.ARS))
	v.SetDefault("billing.arrears_cutoff_months", 4)
	v.SetDefault("billing.allocation_horizon_months", 0)
	v.SetDefault("ledger.dedup_window", 10*time.Minute)
	v.SetDefault("receipts.pdf_dir", "./data/receipts")
	v.SetDefault("receipts.disabled", false)
	v.SetDefault("outbox.poll_interval", 2*time.Second)
	v.SetDefault("outbox.batch_size", 50)
	v.SetDefault("commission.default_base_rate", 0.05)
	v.SetDefault("commission.default_grace_days", 7)
	v.SetDefault("commission.default_penalty_per_day", 0.1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.DB.Path == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Billing.Currency == "" {
		return fmt.Errorf("billing currency is required")
	}
	if c.Billing.ArrearsCutoffMonths < 0 {
		return fmt.Errorf("arrears cutoff cannot be negative")
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox batch size must be positive")
	}
	return nil
}
