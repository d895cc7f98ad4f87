package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/cmms-cartable/storage"
)

type StorageType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_INMEM StorageType = "memory"

type Config struct {
	StorageType           StorageType
	RedisConfig           RedisConfig
	HttpPort              int
	DefinitionsFile       string
	UsersFile             string
	LogLevel              string
	Development           bool
	PermissiveTransitions bool
	DefinitionCacheTTL    time.Duration
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	Namespace    string
}

// Default returns the configuration used when no flag, file or env var overrides it.
func Default() Config {
	return Config{
		StorageType: STORAGE_TYPE_INMEM,
		RedisConfig: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			Namespace: "cartable:",
		},
		HttpPort:           8080,
		LogLevel:           "info",
		DefinitionCacheTTL: 5 * time.Minute,
	}
}

func (c Config) Validate() error {
	switch c.StorageType {
	case STORAGE_TYPE_INMEM:
	case STORAGE_TYPE_REDIS:
		if c.RedisConfig.Addr == "" {
			return errors.New("redis storage needs an address")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.StorageType)
	}
	if c.HttpPort <= 0 || c.HttpPort > 65535 {
		return fmt.Errorf("invalid http port %d", c.HttpPort)
	}
	return nil
}

func (c Config) HttpAddr() string {
	return fmt.Sprintf(":%d", c.HttpPort)
}

func (r RedisConfig) Options() storage.RedisOptions {
	return storage.RedisOptions{
		Addr:         r.Addr,
		Password:     r.Password,
		DB:           r.DB,
		PoolSize:     r.PoolSize,
		MinIdleConns: r.MinIdleConns,
		IdleTimeout:  r.IdleTimeout,
		Namespace:    r.Namespace,
	}
}
