package realtime

import (
	"log/slog"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis creates a new Redis client
func NewRedis(cfg RedisConfig) *redis.Client {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	slog.Info("redis client created", "addr", cfg.Addr)
	return rdb
}

// NotificationChannel is the pub/sub channel a user's notifications go to.
func NotificationChannel(userID string) string {
	return "notifications:" + userID
}
