package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	redis := Default()
	redis.StorageType = STORAGE_TYPE_REDIS

	noAddr := redis
	noAddr.RedisConfig.Addr = ""

	unknown := Default()
	unknown.StorageType = "dynamo"

	badPort := Default()
	badPort.HttpPort = 0

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"Default", Default(), ""},
		{"Redis", redis, ""},
		{"RedisWithoutAddr", noAddr, "needs an address"},
		{"UnknownStorage", unknown, "unknown storage type"},
		{"BadPort", badPort, "invalid http port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestRedisOptions(t *testing.T) {
	cfg := RedisConfig{Addr: "redis:6379", Password: "pw", DB: 2, PoolSize: 5, MinIdleConns: 1, IdleTimeout: time.Minute, Namespace: "plant1:"}
	opts := cfg.Options()
	assert.Equal(t, "redis:6379", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 5, opts.PoolSize)
	assert.Equal(t, 1, opts.MinIdleConns)
	assert.Equal(t, time.Minute, opts.IdleTimeout)
	assert.Equal(t, "plant1:", opts.Namespace)
}

func TestHttpAddr(t *testing.T) {
	assert.Equal(t, ":8080", Default().HttpAddr())
}
