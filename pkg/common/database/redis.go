package database

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/synaptica-ai/ehrpipe/pkg/common/config"
	"github.com/synaptica-ai/ehrpipe/pkg/common/logger"
)

var (
	redisClient *redis.Client
	redisOnce   sync.Once
)

// RedisOptions maps process configuration onto client options.
func RedisOptions(cfg *config.Config) *redis.Options {
	return &redis.Options{
		Addr:     net.JoinHostPort(cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// NewRedisClient connects to Redis and reports whether it answered a ping.
// The client is returned either way; go-redis reconnects on demand.
func NewRedisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(RedisOptions(cfg))

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := client.Ping(ctx).Err()
	return client, err
}

func GetRedis() *redis.Client {
	redisOnce.Do(func() {
		client, err := NewRedisClient(context.Background(), config.Load())
		if err != nil {
			logger.Log.WithError(err).Error("Failed to connect to Redis")
		} else {
			logger.Log.Info("Connected to Redis")
		}
		redisClient = client
	})

	return redisClient
}

func CloseRedis() error {
	if redisClient != nil {
		return redisClient.Close()
	}
	return nil
}
