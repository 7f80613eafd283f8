package providers

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisOptions(t *testing.T) {
	viper.Set(ConfRedisAddr, "redis.internal:6380")
	viper.Set(ConfRedisPoolSize, 32)
	defer viper.Set(ConfRedisAddr, "localhost:6379")
	defer viper.Set(ConfRedisPoolSize, 0)

	opts := RedisOptions()
	assert.Equal(t, "tcp", opts.Network)
	assert.Equal(t, "redis.internal:6380", opts.Addr)
	assert.Equal(t, 32, opts.PoolSize)
	assert.NotNil(t, opts.OnConnect, "client name not set")

	viper.Set(ConfRedisClientName, "")
	defer viper.Set(ConfRedisClientName, "matchmaker")
	assert.Nil(t, RedisOptions().OnConnect)
}

func TestMySQLConfig(t *testing.T) {
	viper.Set(ConfMySQLDSN, "matcher:secret@tcp(db:3306)/matchmaker")
	defer viper.Set(ConfMySQLDSN, "")

	cfg, err := MySQLConfig()
	require.NoError(t, err)
	assert.Equal(t, "db:3306", cfg.Addr)
	assert.Equal(t, "matchmaker", cfg.DBName)
	assert.True(t, cfg.ParseTime)
	assert.Equal(t, time.Local, cfg.Loc)

	viper.Set(ConfMySQLDSN, "not a dsn")
	_, err = MySQLConfig()
	assert.Error(t, err)
}
