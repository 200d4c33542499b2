// Package config loads fgapiserver settings from a YAML file, an optional
// .env file and FGAPI_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override (FGAPI_LISTEN, ...).
const EnvPrefix = "FGAPI"

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds server listener, storage and sandbox settings.
type Config struct {
	ConfigPath        string        `mapstructure:"-"`
	Listen            string        `mapstructure:"listen"`
	APIPrefix         string        `mapstructure:"api_prefix"`
	MetricsListen     string        `mapstructure:"metrics_listen"`
	DataDir           string        `mapstructure:"data_dir"`
	DBDriver          string        `mapstructure:"db_driver"`
	DBPath            string        `mapstructure:"db_path"`
	DBDSN             string        `mapstructure:"db_dsn"`
	SandboxRoot       string        `mapstructure:"sandbox_root"`
	AppFilesDir       string        `mapstructure:"app_files_dir"`
	SessionTTL        time.Duration `mapstructure:"session_ttl"`
	ExecutorTarget    string        `mapstructure:"executor_target"`
	MaxUploadBytes    int64         `mapstructure:"max_upload_bytes"`
	AuthRateLimit     float64       `mapstructure:"auth_rate_limit"`
	AuthRateBurst     int           `mapstructure:"auth_rate_burst"`
	TrustedProxies    []string      `mapstructure:"trusted_proxies"`
	SecretsAgeKeyPath string        `mapstructure:"secrets_age_key_path"`
	TracingEnabled    bool          `mapstructure:"tracing_enabled"`
	LogLevel          string        `mapstructure:"log_level"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

func DefaultConfig() Config {
	dataDir := "/var/lib/fgapiserver"
	return Config{
		ConfigPath:        "/etc/fgapiserver/config.yaml",
		Listen:            "127.0.0.1:8888",
		APIPrefix:         "/v1.0",
		DataDir:           dataDir,
		DBDriver:          DriverSQLite,
		DBPath:            filepath.Join(dataDir, "fgapiserver.db"),
		SandboxRoot:       filepath.Join(dataDir, "iosandbox"),
		AppFilesDir:       filepath.Join(dataDir, "apps"),
		SessionTTL:        24 * time.Hour,
		ExecutorTarget:    "GridEngine",
		MaxUploadBytes:    256 * 1024 * 1024,
		AuthRateLimit:     5,
		AuthRateBurst:     10,
		SecretsAgeKeyPath: "/etc/fgapiserver/keys/age.key",
		LogLevel:          "info",
		ShutdownTimeout:   10 * time.Second,
	}
}

// Load reads configuration from path (or the default search locations when
// path is empty), then applies .env and FGAPI_* environment overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v, cfg)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Dir(cfg.ConfigPath))
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var loaded Config
	if err := v.Unmarshal(&loaded); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	loaded.ConfigPath = v.ConfigFileUsed()
	applyDerivedPaths(&loaded)
	if err := loaded.Validate(); err != nil {
		return loaded, err
	}
	return loaded, nil
}

// setDefaults registers every key so that environment-only overrides are
// visible to Unmarshal. Paths derived from data_dir stay empty here.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("api_prefix", cfg.APIPrefix)
	v.SetDefault("metrics_listen", cfg.MetricsListen)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("db_driver", cfg.DBDriver)
	v.SetDefault("db_path", "")
	v.SetDefault("db_dsn", "")
	v.SetDefault("sandbox_root", "")
	v.SetDefault("app_files_dir", "")
	v.SetDefault("session_ttl", cfg.SessionTTL)
	v.SetDefault("executor_target", cfg.ExecutorTarget)
	v.SetDefault("max_upload_bytes", cfg.MaxUploadBytes)
	v.SetDefault("auth_rate_limit", cfg.AuthRateLimit)
	v.SetDefault("auth_rate_burst", cfg.AuthRateBurst)
	v.SetDefault("trusted_proxies", []string{})
	v.SetDefault("secrets_age_key_path", cfg.SecretsAgeKeyPath)
	v.SetDefault("tracing_enabled", cfg.TracingEnabled)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("shutdown_timeout", cfg.ShutdownTimeout)
}

func applyDerivedPaths(cfg *Config) {
	if cfg.DBPath == "" && cfg.DataDir != "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "fgapiserver.db")
	}
	if cfg.SandboxRoot == "" && cfg.DataDir != "" {
		cfg.SandboxRoot = filepath.Join(cfg.DataDir, "iosandbox")
	}
	if cfg.AppFilesDir == "" && cfg.DataDir != "" {
		cfg.AppFilesDir = filepath.Join(cfg.DataDir, "apps")
	}
}

// Validate performs basic validation without exposing secrets.
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen must be host:port: %w", err)
	}
	if !strings.HasPrefix(c.APIPrefix, "/") || strings.HasSuffix(c.APIPrefix, "/") && c.APIPrefix != "/" {
		return fmt.Errorf("api_prefix must start with / and not end with / (got %q)", c.APIPrefix)
	}
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("db_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DBDSN) == "" {
			return fmt.Errorf("db_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("db_driver must be %q or %q (got %q)", DriverSQLite, DriverPostgres, c.DBDriver)
	}
	if c.SandboxRoot == "" {
		return fmt.Errorf("sandbox_root is required")
	}
	if c.AppFilesDir == "" {
		return fmt.Errorf("app_files_dir is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl must be positive")
	}
	if strings.TrimSpace(c.ExecutorTarget) == "" {
		return fmt.Errorf("executor_target is required")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max_upload_bytes must be positive")
	}
	if c.AuthRateLimit <= 0 || c.AuthRateBurst <= 0 {
		return fmt.Errorf("auth_rate_limit and auth_rate_burst must be positive")
	}
	for _, proxy := range c.TrustedProxies {
		proxy = strings.TrimSpace(proxy)
		if net.ParseIP(proxy) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(proxy); err != nil {
			return fmt.Errorf("trusted_proxies: %q is neither an IP nor a CIDR", proxy)
		}
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		host, _, err := net.SplitHostPort(c.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics_listen must be localhost-only (got %q)", host)
		}
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
