package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gookit/validate"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the bot
type Config struct {
	DiscordToken string `mapstructure:"discord_token" validate:"required"`
	DatabaseDSN  string `mapstructure:"database_dsn" validate:"required"`

	LogLevel    string `mapstructure:"log_level" validate:"required|in:trace,debug,info,warn,error"`
	LogPretty   bool   `mapstructure:"log_pretty"`
	LogFile     string `mapstructure:"log_file"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	Timezone string         `mapstructure:"timezone" validate:"required"`
	Location *time.Location `mapstructure:"-"`

	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	GraceWindow          time.Duration `mapstructure:"grace_window"`
	DailyCapHours        int           `mapstructure:"daily_cap_hours" validate:"required|min:1|max:24"`
	FirstHourPoints      int           `mapstructure:"first_hour_points" validate:"min:0"`
	AdditionalHourPoints int           `mapstructure:"additional_hour_points" validate:"min:0"`

	RecoveryStaleness    time.Duration `mapstructure:"recovery_staleness"`
	RecoveryMaxEstimate  time.Duration `mapstructure:"recovery_max_estimate"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
	BoundaryPollInterval time.Duration `mapstructure:"boundary_poll_interval"`
	MonthlyPollInterval  time.Duration `mapstructure:"monthly_poll_interval"`
	DispatchPartitions   int           `mapstructure:"dispatch_partitions" validate:"required|min:1"`

	BreakerFailureThreshold int           `mapstructure:"breaker_failure_threshold" validate:"required|min:1"`
	BreakerRecoveryTimeout  time.Duration `mapstructure:"breaker_recovery_timeout"`
	RetryMaxAttempts        int           `mapstructure:"retry_max_attempts" validate:"required|min:1"`
	RetryInitialBackoff     time.Duration `mapstructure:"retry_initial_backoff"`
	RetryMaxBackoff         time.Duration `mapstructure:"retry_max_backoff"`
	RetryJitter             float64       `mapstructure:"retry_jitter"`
	QueryTimeout            time.Duration `mapstructure:"query_timeout"`
	TransactionTimeout      time.Duration `mapstructure:"transaction_timeout"`
	ConnectionTimeout       time.Duration `mapstructure:"connection_timeout"`

	CacheTTLLeaderboard time.Duration `mapstructure:"cache_ttl_leaderboard"`
	CacheTTLDailyStats  time.Duration `mapstructure:"cache_ttl_daily_stats"`
	CacheTTLUser        time.Duration `mapstructure:"cache_ttl_user"`
	CacheSweepInterval  time.Duration `mapstructure:"cache_sweep_interval"`

	DBMaxOpenConns    int           `mapstructure:"db_max_open_conns" validate:"required|min:1"`
	DBMaxIdleConns    int           `mapstructure:"db_max_idle_conns" validate:"min:0"`
	DBConnMaxLifetime time.Duration `mapstructure:"db_conn_max_lifetime"`
}

// defaults is the only place a default value is defined.
var defaults = map[string]any{
	"discord_token":             "",
	"database_dsn":              "",
	"log_level":                 "info",
	"log_pretty":                false,
	"log_file":                  "",
	"metrics_addr":              ":9090",
	"timezone":                  "Local",
	"heartbeat_interval":        "2m",
	"grace_window":              "60s",
	"daily_cap_hours":           15,
	"first_hour_points":         5,
	"additional_hour_points":    2,
	"recovery_staleness":        "24h",
	"recovery_max_estimate":     "3h",
	"shutdown_timeout":          "30s",
	"boundary_poll_interval":    "1m",
	"monthly_poll_interval":     "1h",
	"dispatch_partitions":       8,
	"breaker_failure_threshold": 5,
	"breaker_recovery_timeout":  "30s",
	"retry_max_attempts":        3,
	"retry_initial_backoff":     "100ms",
	"retry_max_backoff":         "2s",
	"retry_jitter":              0.5,
	"query_timeout":             "5s",
	"transaction_timeout":       "10s",
	"connection_timeout":        "5s",
	"cache_ttl_leaderboard":     "5m",
	"cache_ttl_daily_stats":     "30s",
	"cache_ttl_user":            "1m",
	"cache_sweep_interval":      "1m",
	"db_max_open_conns":         10,
	"db_max_idle_conns":         5,
	"db_conn_max_lifetime":      "30m",
}

// Load loads configuration from the environment, an optional .env file and
// an optional CONFIG_FILE. Environment variables win over the file.
func Load() (*Config, error) {
	// .env file is optional, continue with environment variables
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &ConfigError{Field: ".env", Message: fmt.Sprintf("failed to read .env: %v", err)}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &ConfigError{Field: "CONFIG_FILE", Message: fmt.Sprintf("failed to read config file %s: %v", path, err)}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, &ConfigError{Field: "config", Message: fmt.Sprintf("unable to decode config: %v", err)}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks every field and resolves Location.
func (c *Config) Validate() error {
	v := validate.Struct(c)
	if !v.Validate() {
		fields := make([]string, 0, len(v.Errors))
		for field := range v.Errors {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		return &ConfigError{Field: envName(fields[0]), Message: v.Errors.FieldOne(fields[0])}
	}

	positive := []struct {
		name  string
		value time.Duration
	}{
		{"HEARTBEAT_INTERVAL", c.HeartbeatInterval},
		{"GRACE_WINDOW", c.GraceWindow},
		{"RECOVERY_STALENESS", c.RecoveryStaleness},
		{"RECOVERY_MAX_ESTIMATE", c.RecoveryMaxEstimate},
		{"SHUTDOWN_TIMEOUT", c.ShutdownTimeout},
		{"BOUNDARY_POLL_INTERVAL", c.BoundaryPollInterval},
		{"MONTHLY_POLL_INTERVAL", c.MonthlyPollInterval},
		{"BREAKER_RECOVERY_TIMEOUT", c.BreakerRecoveryTimeout},
		{"RETRY_INITIAL_BACKOFF", c.RetryInitialBackoff},
		{"RETRY_MAX_BACKOFF", c.RetryMaxBackoff},
		{"QUERY_TIMEOUT", c.QueryTimeout},
		{"TRANSACTION_TIMEOUT", c.TransactionTimeout},
		{"CONNECTION_TIMEOUT", c.ConnectionTimeout},
		{"CACHE_TTL_LEADERBOARD", c.CacheTTLLeaderboard},
		{"CACHE_TTL_DAILY_STATS", c.CacheTTLDailyStats},
		{"CACHE_TTL_USER", c.CacheTTLUser},
		{"CACHE_SWEEP_INTERVAL", c.CacheSweepInterval},
		{"DB_CONN_MAX_LIFETIME", c.DBConnMaxLifetime},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return &ConfigError{Field: p.name, Message: fmt.Sprintf("%s must be a positive duration, got %s", p.name, p.value)}
		}
	}
	if c.RetryMaxBackoff < c.RetryInitialBackoff {
		return &ConfigError{Field: "RETRY_MAX_BACKOFF", Message: "RETRY_MAX_BACKOFF must not be below RETRY_INITIAL_BACKOFF"}
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return &ConfigError{Field: "RETRY_JITTER", Message: fmt.Sprintf("RETRY_JITTER must be between 0 and 1, got %g", c.RetryJitter)}
	}
	if c.RecoveryMaxEstimate > c.RecoveryStaleness {
		return &ConfigError{Field: "RECOVERY_MAX_ESTIMATE", Message: "RECOVERY_MAX_ESTIMATE must not exceed RECOVERY_STALENESS"}
	}
	if c.DBMaxIdleConns > c.DBMaxOpenConns {
		return &ConfigError{Field: "DB_MAX_IDLE_CONNS", Message: "DB_MAX_IDLE_CONNS must not exceed DB_MAX_OPEN_CONNS"}
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return &ConfigError{Field: "TIMEZONE", Message: fmt.Sprintf("unknown timezone %q", c.Timezone)}
	}
	c.Location = loc
	return nil
}

// envName maps a field name such as DBMaxOpenConns to DB_MAX_OPEN_CONNS.
func envName(field string) string {
	isUpper := func(c byte) bool { return c >= 'A' && c <= 'Z' }
	var b strings.Builder
	for i := 0; i < len(field); i++ {
		c := field[i]
		if i > 0 && isUpper(c) {
			prevLower := !isUpper(field[i-1])
			nextLower := i+1 < len(field) && !isUpper(field[i+1])
			if prevLower || nextLower {
				b.WriteByte('_')
			}
		}
		b.WriteByte(c)
	}
	return strings.ToUpper(b.String())
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}
