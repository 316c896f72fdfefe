package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AppPort       string `yaml:"app_port"`
	StoreDriver   string `yaml:"store_driver"`
	DBDSN         string `yaml:"db_dsn"`
	JWTSecret     string `yaml:"jwt_secret"`
	JWTExpiresMin int    `yaml:"jwt_expires_min"`
	CORSOrigins   string `yaml:"cors_origins"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	NotifySinks        []string      `yaml:"notify_sinks"`
	OutboxPollInterval time.Duration `yaml:"outbox_poll_interval"`
	OutboxBatchSize    int           `yaml:"outbox_batch_size"`
	OutboxMaxAttempts  int           `yaml:"outbox_max_attempts"`

	OpTimeout       time.Duration `yaml:"op_timeout"`
	DefaultCurrency string        `yaml:"default_currency"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

func defaults() Config {
	return Config{
		AppPort:            "8080",
		StoreDriver:        DriverPostgres,
		JWTExpiresMin:      10080,
		CORSOrigins:        "http://127.0.0.1:3000, http://localhost:3000",
		RedisAddr:          "localhost:6379",
		KafkaTopic:         "escrow.events",
		NotifySinks:        []string{"inbox", "websocket"},
		OutboxPollInterval: 2 * time.Second,
		OutboxBatchSize:    50,
		OutboxMaxAttempts:  8,
		OpTimeout:          5 * time.Second,
		DefaultCurrency:    "USD",
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

// Load reads CONFIG_FILE (if set) over the defaults, then applies the environment.
// It panics on missing required keys the same way must does.
func Load() Config {
	cfg, err := load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		panic(err)
	}
	return cfg
}

func load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.AppPort = get("APP_PORT", cfg.AppPort)
	cfg.StoreDriver = strings.ToLower(get("STORE_DRIVER", cfg.StoreDriver))
	cfg.DBDSN = get("DB_DSN", cfg.DBDSN)
	cfg.JWTSecret = get("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTExpiresMin = getInt("JWT_EXPIRES_MIN", cfg.JWTExpiresMin)
	cfg.CORSOrigins = get("CORS_ORIGINS", cfg.CORSOrigins)
	cfg.RedisAddr = get("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = get("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getInt("REDIS_DB", cfg.RedisDB)
	cfg.KafkaBrokers = getList("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaTopic = get("KAFKA_TOPIC", cfg.KafkaTopic)
	cfg.NotifySinks = getList("NOTIFY_SINKS", cfg.NotifySinks)
	cfg.OutboxPollInterval = getDuration("OUTBOX_POLL_INTERVAL", cfg.OutboxPollInterval)
	cfg.OutboxBatchSize = getInt("OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	cfg.OutboxMaxAttempts = getInt("OUTBOX_MAX_ATTEMPTS", cfg.OutboxMaxAttempts)
	cfg.OpTimeout = getDuration("OP_TIMEOUT", cfg.OpTimeout)
	cfg.DefaultCurrency = strings.ToUpper(get("DEFAULT_CURRENCY", cfg.DefaultCurrency))
	cfg.LogLevel = get("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = get("LOG_FORMAT", cfg.LogFormat)

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = must("JWT_SECRET")
	}
	if cfg.StoreDriver == DriverPostgres && cfg.DBDSN == "" {
		cfg.DBDSN = must("DB_DSN")
	}
	return cfg, cfg.Validate()
}

// Validate rejects combinations that cannot start.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.OutboxBatchSize <= 0 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE must be positive")
	}
	if c.OutboxMaxAttempts <= 0 {
		return fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be positive")
	}
	if c.OutboxPollInterval <= 0 || c.OpTimeout <= 0 {
		return fmt.Errorf("OUTBOX_POLL_INTERVAL and OP_TIMEOUT must be positive")
	}
	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("DEFAULT_CURRENCY must be a 3-letter code")
	}
	for _, s := range c.NotifySinks {
		switch s {
		case "inbox", "websocket", "redis":
		case "kafka":
			if len(c.KafkaBrokers) == 0 {
				return fmt.Errorf("kafka sink enabled without KAFKA_BROKERS")
			}
		default:
			return fmt.Errorf("unknown notify sink %q", s)
		}
	}
	return nil
}

func (c Config) SinkEnabled(name string) bool {
	for _, s := range c.NotifySinks {
		if s == name {
			return true
		}
	}
	return false
}

func get(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func must(k string) string {
	v := os.Getenv(k)
	if v == "" {
		panic("missing env: " + k)
	}
	return v
}

func getInt(k string, def int) int {
	v, err := strconv.Atoi(get(k, ""))
	if err != nil {
		return def
	}
	return v
}

func getDuration(k string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(get(k, ""))
	if err != nil {
		return def
	}
	return v
}

func getList(k string, def []string) []string {
	raw := get(k, "")
	if raw == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}
