package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"market-sentinel/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
	Hub      HubConfig      `mapstructure:"hub"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Session  SessionConfig  `mapstructure:"session"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Buffer   BufferConfig   `mapstructure:"buffer"`
	Forward  ForwardConfig  `mapstructure:"forward"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig binds the sentinel HTTP listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// HubConfig binds the hub listener and its public base URL.
type HubConfig struct {
	Addr     string        `mapstructure:"addr"`
	BaseURL  string        `mapstructure:"base_url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig covers the optional idempotency fast path.
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// SessionConfig locates the exchange calendar.
type SessionConfig struct {
	Timezone    string   `mapstructure:"timezone"`
	Holidays    []string `mapstructure:"holidays"`
	HolidayFile string   `mapstructure:"holiday_file"`
}

// DedupConfig governs the suppression window.
type DedupConfig struct {
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// BufferConfig sizes the in-memory alert ring.
type BufferConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// ForwardConfig points the sentinel at the hub.
type ForwardConfig struct {
	URL            string        `mapstructure:"url"`
	Secret         string        `mapstructure:"secret"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
}

// AuthConfig holds the inbound shared secrets. Empty disables
// verification on that surface.
type AuthConfig struct {
	InboundSecret string `mapstructure:"inbound_secret"`
	HubSecret     string `mapstructure:"hub_secret"`
}

// NotifyConfig 描述 Telegram 告警参数。
type NotifyConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BotToken    string        `mapstructure:"bot_token"`
	ChatID      string        `mapstructure:"chat_id"`
	APIBase     string        `mapstructure:"api_base"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// SweeperConfig governs the failed-job repush loop.
type SweeperConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	BatchSize       int           `mapstructure:"batch_size"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "market-sentinel")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("hub.addr", ":8090")
	v.SetDefault("hub.cache_ttl", "48h")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "sentinel:idem:")

	v.SetDefault("session.timezone", "Asia/Seoul")

	v.SetDefault("dedup.cooldown", "30m")

	v.SetDefault("buffer.capacity", 2000)

	v.SetDefault("forward.max_attempts", 4)
	v.SetDefault("forward.backoff_base", "500ms")
	v.SetDefault("forward.connect_timeout", "10s")
	v.SetDefault("forward.read_timeout", "15s")

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.api_base", "https://api.telegram.org")
	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("notify.max_attempts", 3)

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", "5m")
	v.SetDefault("sweeper.startup_delay", "0s")
	v.SetDefault("sweeper.batch_size", 20)
	v.SetDefault("sweeper.advisory_lock_key", int64(0x53454e54))

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Buffer.Capacity <= 0 {
		return fmt.Errorf("buffer.capacity must be greater than zero")
	}
	if c.Dedup.Cooldown <= 0 {
		return fmt.Errorf("dedup.cooldown must be greater than zero")
	}
	if c.Forward.MaxAttempts <= 0 {
		return fmt.Errorf("forward.max_attempts must be greater than zero")
	}
	if c.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper.interval must be greater than zero")
	}
	if c.Sweeper.BatchSize <= 0 {
		return fmt.Errorf("sweeper.batch_size must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
		return fmt.Errorf("session.timezone 无效: %w", err)
	}
	if c.Notify.Enabled {
		if c.Notify.BotToken == "" {
			return fmt.Errorf("notify.bot_token 必须配置")
		}
		if c.Notify.ChatID == "" {
			return fmt.Errorf("notify.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
