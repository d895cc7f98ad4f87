package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/cmms-cartable/config"
	"github.com/songzhibin97/cmms-cartable/definition"
	"github.com/songzhibin97/cmms-cartable/identity"
	"github.com/songzhibin97/cmms-cartable/logger"
	"github.com/songzhibin97/cmms-cartable/messaging"
	"github.com/songzhibin97/cmms-cartable/modules"
	"github.com/songzhibin97/cmms-cartable/storage"
	"github.com/songzhibin97/cmms-cartable/tracking"
	"github.com/songzhibin97/cmms-cartable/types"
	"github.com/songzhibin97/cmms-cartable/workflow"
)

// snowflake IDs count from a fixed epoch so they stay unique across restarts.
var idEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const machineID = 1

// defaultAdmin is the only user known when no users file is configured.
var defaultAdmin = types.User{ID: "admin", Username: "admin", FullName: "مدیر سیستم", Role: types.RoleAdmin}

type app struct {
	store     storage.Storage
	messages  *messaging.Service
	directory *identity.MemoryDirectory
	codes     tracking.Generator
	engine    *workflow.WorkflowEngine
	redis     *redis.Client
}

func newApp(cfg config.Config) (*app, error) {
	a := &app{}

	switch cfg.StorageType {
	case config.STORAGE_TYPE_REDIS:
		rs, err := storage.NewRedisStorage(cfg.RedisConfig.Options())
		if err != nil {
			return nil, err
		}
		a.store = rs
		a.redis = rs.Client()
		a.messages = messaging.NewService(rs)
		a.codes = tracking.WithFallback(tracking.NewRedisSequence(rs.Client(), cfg.RedisConfig.Namespace))
	default:
		ms := storage.NewMemoryStorage()
		a.store = ms
		a.messages = messaging.NewService(ms)
		a.codes = tracking.WithFallback(tracking.NewMemorySequence())
	}

	if cfg.UsersFile != "" {
		dir, err := identity.LoadUsersFile(cfg.UsersFile)
		if err != nil {
			a.close()
			return nil, err
		}
		a.directory = dir
	} else {
		logger.Warn("no users file configured, only the default admin can sign in", zap.String("user", defaultAdmin.ID))
		a.directory = identity.NewMemoryDirectory(defaultAdmin)
	}

	opts := []workflow.Option{
		workflow.WithDirectory(a.directory),
		workflow.WithDefinitionCacheTTL(cfg.DefinitionCacheTTL),
	}
	if cfg.PermissiveTransitions {
		logger.Warn("permissive transitions enabled, role checks are off")
		opts = append(opts, workflow.WithPermissiveTransitions())
	}
	engine, err := workflow.NewEngine(generator.NewSnowflake(idEpoch, machineID), a.store, opts...)
	if err != nil {
		a.close()
		return nil, err
	}
	a.engine = engine
	modules.Register(engine)
	messaging.NewCartableNotifier(a.messages).Subscribe(engine)
	return a, nil
}

// seed saves every definition found in path.
func (a *app) seed(ctx context.Context, path string) (int, error) {
	defs, err := definition.LoadFile(path)
	if err != nil {
		return 0, err
	}
	for _, def := range defs {
		saved, err := a.engine.SaveWorkflowDefinition(ctx, def)
		if err != nil {
			return 0, fmt.Errorf("failed to save definition %q: %w", def.ID, err)
		}
		logger.Info("definition seeded", zap.String("id", saved.ID), zap.String("module", saved.Module))
	}
	return len(defs), nil
}

func (a *app) close() {
	if a.engine != nil {
		if err := a.engine.Stop(context.Background()); err != nil {
			logger.Error("error stopping engine", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.Error("error closing redis", zap.Error(err))
		}
	}
}
