package providers

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Redis config keys.
const (
	ConfRedisNetwork    = "redis.network"
	ConfRedisAddr       = "redis.addr"
	ConfRedisDB         = "redis.db"
	ConfRedisPassword   = "redis.password"
	ConfRedisPoolSize   = "redis.pool_size"
	ConfRedisClientName = "redis.client_name"
)

func init() {
	viper.SetDefault(ConfRedisNetwork, "tcp")
	viper.SetDefault(ConfRedisAddr, "localhost:6379")
	viper.SetDefault(ConfRedisDB, 0)
	viper.SetDefault(ConfRedisPassword, "")
	viper.SetDefault(ConfRedisPoolSize, 0) // go-redis default
	viper.SetDefault(ConfRedisClientName, "matchmaker")
}

// RedisOptions builds the client options from config.
// Every pooled connection announces the configured client name.
func RedisOptions() *redis.Options {
	opts := &redis.Options{
		Network:  viper.GetString(ConfRedisNetwork),
		Addr:     viper.GetString(ConfRedisAddr),
		DB:       viper.GetInt(ConfRedisDB),
		Password: viper.GetString(ConfRedisPassword),
		PoolSize: viper.GetInt(ConfRedisPoolSize),
	}
	if name := viper.GetString(ConfRedisClientName); name != "" {
		opts.OnConnect = func(ctx context.Context, cn *redis.Conn) error {
			return cn.ClientSetName(ctx, name).Err()
		}
	}
	return opts
}

// NewRedis connects to the Redis server holding match requests and notifications.
func NewRedis(ctx context.Context, log *zap.Logger, lc fx.Lifecycle) (*redis.Client, error) {
	redisOpts := RedisOptions()
	log.Info("Connecting to Redis",
		zap.String(ConfRedisNetwork, redisOpts.Network),
		zap.String(ConfRedisAddr, redisOpts.Addr),
		zap.Int(ConfRedisDB, redisOpts.DB),
		zap.Int(ConfRedisPoolSize, redisOpts.PoolSize))
	rd := redis.NewClient(redisOpts)
	if err := rd.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("Closing Redis client")
			err := rd.Close()
			if err != nil {
				log.Error("Failed to close Redis client", zap.Error(err))
			}
			return err
		},
	})
	return rd, nil
}
