package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/songzhibin97/cmms-cartable/config"
	"github.com/songzhibin97/cmms-cartable/logger"
	"github.com/songzhibin97/cmms-cartable/rest"
)

type cli struct {
	cfg config.Config
}

func setupFlags(cmd *cobra.Command) error {
	def := config.Default()
	flags := cmd.PersistentFlags()
	flags.String("config-file", "", "Path to config file.")
	flags.String("storage-impl", string(def.StorageType), "implementation of underlying storage: memory or redis")
	flags.String("redis-addr", def.RedisConfig.Addr, "redis host:port")
	flags.String("redis-password", "", "redis password")
	flags.Int("redis-db", 0, "redis database")
	flags.Int("redis-pool-size", def.RedisConfig.PoolSize, "redis connection pool size")
	flags.Int("redis-min-idle", 0, "minimum idle redis connections")
	flags.Duration("redis-idle-timeout", 0, "close redis connections idle for longer than this")
	flags.String("namespace", def.RedisConfig.Namespace, "key prefix used in redis")
	flags.Int("http-port", def.HttpPort, "http port for rest endpoints")
	flags.String("definitions-file", "", "YAML workflow definitions loaded at startup")
	flags.String("users-file", "", "YAML user directory")
	flags.String("log-level", def.LogLevel, "log level: debug, info, warn or error")
	flags.Bool("development", false, "human readable development logging")
	flags.Bool("permissive", false, "skip role and status checks on transitions")
	flags.Duration("definition-cache-ttl", def.DefinitionCacheTTL, "how long definitions stay cached, 0 keeps them until saved")
	return viper.BindPFlags(flags)
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	configFile := viper.GetString("config-file")
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			// it's ok if config file doesn't exist
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return err
			}
		}
	}
	viper.SetEnvPrefix("CARTABLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.RedisConfig.Addr = viper.GetString("redis-addr")
	c.cfg.RedisConfig.Password = viper.GetString("redis-password")
	c.cfg.RedisConfig.DB = viper.GetInt("redis-db")
	c.cfg.RedisConfig.PoolSize = viper.GetInt("redis-pool-size")
	c.cfg.RedisConfig.MinIdleConns = viper.GetInt("redis-min-idle")
	c.cfg.RedisConfig.IdleTimeout = viper.GetDuration("redis-idle-timeout")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.DefinitionsFile = viper.GetString("definitions-file")
	c.cfg.UsersFile = viper.GetString("users-file")
	c.cfg.LogLevel = viper.GetString("log-level")
	c.cfg.Development = viper.GetBool("development")
	c.cfg.PermissiveTransitions = viper.GetBool("permissive")
	c.cfg.DefinitionCacheTTL = viper.GetDuration("definition-cache-ttl")

	if err := c.cfg.Validate(); err != nil {
		return err
	}
	return logger.Init(c.cfg.LogLevel, c.cfg.Development)
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	defer logger.Sync()

	a, err := newApp(c.cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if c.cfg.DefinitionsFile != "" {
		if _, err := a.seed(cmd.Context(), c.cfg.DefinitionsFile); err != nil {
			return err
		}
	}

	server, err := rest.NewServer(c.cfg.HttpPort, a.engine, a.messages, a.directory, a.codes)
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() {
		errc <- server.Start()
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigc:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errc:
		return err
	}
	return server.Stop()
}

func (c *cli) seed(cmd *cobra.Command, args []string) error {
	defer logger.Sync()

	path := c.cfg.DefinitionsFile
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return errors.New("no definitions file given")
	}
	if c.cfg.StorageType == config.STORAGE_TYPE_INMEM {
		logger.Warn("seeding in-memory storage, definitions are lost on exit")
	}

	a, err := newApp(c.cfg)
	if err != nil {
		return err
	}
	defer a.close()

	n, err := a.seed(cmd.Context(), path)
	if err != nil {
		return err
	}
	logger.Info("seed complete", zap.Int("definitions", n), zap.String("file", path))
	return nil
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:               "cartabled",
		Short:             "Maintenance cartable workflow server",
		PersistentPreRunE: cli.setupConfig,
		RunE:              cli.run,
		SilenceUsage:      true,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "seed [definitions.yaml]",
		Short: "Load workflow definitions into storage",
		Args:  cobra.MaximumNArgs(1),
		RunE:  cli.seed,
	})

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}
