package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	CacheSQL   = "sql"
	CacheRedis = "redis"
	CacheNone  = "none"
)

// Config holds application configuration
type Config struct {
	Addr     string         `mapstructure:"addr"`
	Debug    bool           `mapstructure:"debug"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Search   SearchConfig   `mapstructure:"search"`
	Cache    CacheConfig    `mapstructure:"cache"`
}

type LogConfig struct {
	Dir    string `mapstructure:"dir"`
	Level  string `mapstructure:"level"`
	Stdout bool   `mapstructure:"stdout"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type GatewayConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"` // fallback when the settings table has no key
	Timeout time.Duration `mapstructure:"timeout"`
}

type SearchConfig struct {
	URL           string        `mapstructure:"url"`
	BookingBase   string        `mapstructure:"booking_base"`
	Timeout       time.Duration `mapstructure:"timeout"`
	ExcludedTypes []string      `mapstructure:"excluded_types"`
}

type CacheConfig struct {
	Backend       string `mapstructure:"backend"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
}

// EnvFiles are loaded, when present, before the environment is read.
var EnvFiles = []string{".env", ".env.local"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("debug", false)

	v.SetDefault("log.dir", "logs")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.stdout", false)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "botproxy.db")

	v.SetDefault("gateway.base_url", "https://gptunnel.ru")
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.timeout", 60*time.Second)

	v.SetDefault("search.url", "https://api2.qqrenta.ru/api/v2/search")
	v.SetDefault("search.booking_base", "https://qqrenta.ru")
	v.SetDefault("search.timeout", 30*time.Second)
	v.SetDefault("search.excluded_types", []string{})

	v.SetDefault("cache.backend", CacheSQL)
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.redis_prefix", "botproxy:search")
}

// Load reads defaults, an optional TOML file and BOTPROXY_* environment variables,
// in increasing order of precedence. An empty path looks for ./botproxy.toml.
func Load(path string) (Config, error) {
	if err := loadEnvFiles(EnvFiles); err != nil {
		return Config{}, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BOTPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("gateway.api_key", "BOTPROXY_GATEWAY_API_KEY", "GPTUNNEL_API_KEY"); err != nil {
		return Config{}, fmt.Errorf("failed to bind gateway key: %w", err)
	}

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("botproxy")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}
	switch c.Cache.Backend {
	case CacheSQL, CacheRedis, CacheNone:
	default:
		return fmt.Errorf("unsupported cache backend %q", c.Cache.Backend)
	}
	if c.Gateway.Timeout <= 0 || c.Search.Timeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}

func loadEnvFiles(files []string) error {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}
