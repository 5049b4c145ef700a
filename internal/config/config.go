package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/utils"
)

const DefaultPath = "config.json"

type DatabaseConfig struct {
	Driver             string `json:"driver" env:"SAVE_SYNC_DB_DRIVER"`
	Host               string `json:"host" env:"SAVE_SYNC_DB_HOST"`
	Port               uint64 `json:"port" env:"SAVE_SYNC_DB_PORT"`
	Username           string `json:"username" env:"SAVE_SYNC_DB_USERNAME"`
	Password           string `json:"password" env:"SAVE_SYNC_DB_PASSWORD"`
	Database           string `json:"database" env:"SAVE_SYNC_DB_NAME"`
	UseTLS             bool   `json:"use_tls" env:"SAVE_SYNC_DB_USE_TLS"`
	ConnectTimeout     string `json:"connect_timeout" env:"SAVE_SYNC_DB_CONNECT_TIMEOUT"`
	SocketTimeout      string `json:"socket_timeout" env:"SAVE_SYNC_DB_SOCKET_TIMEOUT"`
	ConnectIdleTimeout string `json:"connect_idle_timeout" env:"SAVE_SYNC_DB_CONNECT_IDLE_TIMEOUT"`
	OperationTimeout   string `json:"operation_timeout" env:"SAVE_SYNC_DB_OPERATION_TIMEOUT"`
	Heartbeat          string `json:"heartbeat" env:"SAVE_SYNC_DB_HEARTBEAT"`
	MinPoolSize        uint64 `json:"min_pool_size" env:"SAVE_SYNC_DB_MIN_POOL_SIZE"`
	MaxPoolSize        uint64 `json:"max_pool_size" env:"SAVE_SYNC_DB_MAX_POOL_SIZE"`
	SQLitePath         string `json:"sqlite_path" env:"SAVE_SYNC_SQLITE_PATH"`
}

type CacheConfig struct {
	Enabled       bool   `json:"enabled" env:"SAVE_SYNC_CACHE_ENABLED"`
	CleanCapacity int    `json:"clean_capacity" env:"SAVE_SYNC_CACHE_CLEAN_CAPACITY"`
	CleanTTL      string `json:"clean_ttl" env:"SAVE_SYNC_CACHE_CLEAN_TTL"`
}

type FlushConfig struct {
	Interval               string `json:"interval" env:"SAVE_SYNC_FLUSH_INTERVAL"`
	BatchSize              int    `json:"batch_size" env:"SAVE_SYNC_FLUSH_BATCH_SIZE"`
	MaxProcessingResidency string `json:"max_processing_residency" env:"SAVE_SYNC_FLUSH_MAX_PROCESSING_RESIDENCY"`
}

type SessionConfig struct {
	TTL           string `json:"ttl" env:"SAVE_SYNC_SESSION_TTL"`
	SweepInterval string `json:"sweep_interval" env:"SAVE_SYNC_SESSION_SWEEP_INTERVAL"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" env:"SAVE_SYNC_JWT_SECRET"`
	Issuer    string `json:"issuer" env:"SAVE_SYNC_JWT_ISSUER"`
	AdminRole string `json:"admin_role" env:"SAVE_SYNC_ADMIN_ROLE"`
}

type MailConfig struct {
	SweepInterval string `json:"sweep_interval" env:"SAVE_SYNC_MAIL_SWEEP_INTERVAL"`
	BatchSize     int    `json:"batch_size" env:"SAVE_SYNC_MAIL_BATCH_SIZE"`
}

type TelemetryConfig struct {
	Enabled  bool   `json:"enabled" env:"SAVE_SYNC_OTEL_ENABLED"`
	Endpoint string `json:"endpoint" env:"SAVE_SYNC_OTEL_ENDPOINT"`
}

type Config struct {
	Database  DatabaseConfig  `json:"database"`
	Cache     CacheConfig     `json:"cache"`
	Flush     FlushConfig     `json:"flush"`
	Session   SessionConfig   `json:"session"`
	Auth      AuthConfig      `json:"auth"`
	Mail      MailConfig      `json:"mail"`
	Telemetry TelemetryConfig `json:"telemetry"`
	DebugMode bool            `json:"debug_mode" env:"SAVE_SYNC_DEBUG"`
	LogDir    string          `json:"log_dir" env:"SAVE_SYNC_LOG_DIR"`
	AppName   string          `json:"app_name" env:"SAVE_SYNC_APP_NAME"`
	AppPort   int             `json:"app_port" env:"SAVE_SYNC_APP_PORT"`
	AdminPort int             `json:"admin_port" env:"SAVE_SYNC_ADMIN_PORT"`
}

var config Config
var initialized = false

// Default returns the template written when no config file exists.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Driver:             "mongo",
			Host:               "localhost",
			Port:               27017,
			Database:           "save_sync",
			ConnectTimeout:     "10s",
			SocketTimeout:      "30s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "5s",
			Heartbeat:          "10s",
			MinPoolSize:        2,
			MaxPoolSize:        50,
			SQLitePath:         "data/save-sync.db",
		},
		Cache: CacheConfig{
			Enabled:       true,
			CleanCapacity: 10000,
			CleanTTL:      "30m",
		},
		Flush: FlushConfig{
			Interval:               "30s",
			BatchSize:              200,
			MaxProcessingResidency: "5m",
		},
		Session: SessionConfig{
			TTL:           "30m",
			SweepInterval: "1m",
		},
		Auth: AuthConfig{
			AdminRole: "ADMIN",
		},
		Mail: MailConfig{
			SweepInterval: "1h",
			BatchSize:     500,
		},
		LogDir:    "logs",
		AppName:   "save-sync",
		AppPort:   8080,
		AdminPort: 8081,
	}
}

// ReadConfig loads DefaultPath.
func ReadConfig() (Config, error) {
	return ReadConfigFrom(DefaultPath)
}

// ReadConfigFrom reads the JSON file at path, applies SAVE_SYNC_* environment
// overrides and validates the result. A missing file is replaced by a template
// and reported as an error so the operator can edit it first.
func ReadConfigFrom(path string) (Config, error) {
	cfg := Default()
	bytes, err := os.ReadFile(path)

	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read configuration file: %w", err)
		}
		data, _ := json.MarshalIndent(cfg, "", "\t")
		_ = os.WriteFile(path, data, 0644)
		return cfg, errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	}

	if err := json.Unmarshal(bytes, &cfg); err != nil {
		return cfg, errors.New("the configuration file does not contain valid JSON")
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	config = cfg
	initialized = true
	return cfg, nil
}

func GetConfig() (Config, error) {
	if initialized {
		return config, nil
	}
	return ReadConfig()
}

func (c Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Database.Driver) {
	case "mongo", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of mongo, sqlite, memory", c.Database.Driver))
	}

	positive := map[string]string{
		"flush.interval":                 c.Flush.Interval,
		"flush.max_processing_residency": c.Flush.MaxProcessingResidency,
		"session.ttl":                    c.Session.TTL,
		"session.sweep_interval":         c.Session.SweepInterval,
		"mail.sweep_interval":            c.Mail.SweepInterval,
		"cache.clean_ttl":                c.Cache.CleanTTL,
	}
	for name, value := range positive {
		d, err := utils.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if c.Flush.BatchSize <= 0 {
		errs = append(errs, errors.New("flush.batch_size must be positive"))
	}
	if c.Mail.BatchSize <= 0 {
		errs = append(errs, errors.New("mail.batch_size must be positive"))
	}
	if c.Cache.CleanCapacity <= 0 {
		errs = append(errs, errors.New("cache.clean_capacity must be positive"))
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}

	return errors.Join(errs...)
}
