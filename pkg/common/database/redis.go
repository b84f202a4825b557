package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acceltune/platform/pkg/common/apperr"
	"github.com/acceltune/platform/pkg/common/config"
	"github.com/acceltune/platform/pkg/common/logger"
	"github.com/redis/go-redis/v9"
)

var (
	redisClient *redis.Client
	redisErr    error
	redisOnce   sync.Once
)

// GetRedis returns the process-wide client backing the state store. It
// fails when the first ping does not succeed.
func GetRedis(cfg *config.Config) (*redis.Client, error) {
	redisOnce.Do(func() {
		addr := fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort)
		redisClient = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: cfg.RedisPoolSize,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisErr = apperr.Wrap(apperr.KindStore, err, "connecting to state store at "+addr)
			return
		}
		logger.Log.WithField("addr", addr).Info("Connected to state store")
	})

	return redisClient, redisErr
}

func CloseRedis() error {
	if redisClient != nil {
		return redisClient.Close()
	}
	return nil
}
