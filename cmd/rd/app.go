package main

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/iworkr/aiva.io-sub003/internal/api"
	"github.com/iworkr/aiva.io-sub003/internal/autosend"
	"github.com/iworkr/aiva.io-sub003/internal/config"
	"github.com/iworkr/aiva.io-sub003/internal/connection"
	"github.com/iworkr/aiva.io-sub003/internal/db"
	"github.com/iworkr/aiva.io-sub003/internal/handling"
	"github.com/iworkr/aiva.io-sub003/internal/id"
	"github.com/iworkr/aiva.io-sub003/internal/logging"
	"github.com/iworkr/aiva.io-sub003/internal/policy"
	"github.com/iworkr/aiva.io-sub003/internal/review"
	"github.com/iworkr/aiva.io-sub003/internal/worker"
)

// app wires every service from one config.
type app struct {
	cfg         *config.Config
	db          *gorm.DB
	log         *zap.Logger
	redis       *redis.Client
	autosend    *autosend.Service
	review      *review.Service
	handling    *handling.Machine
	connections *connection.Service
	worker      *worker.Worker
}

func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s database: %w", cfg.Database.Driver, err)
	}

	return cfg, gormDB, nil
}

// newApp loads configuration, connects to the database and builds the
// provider registry and services.
func newApp(configPath string) (*app, error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		closeDB(gormDB)
		return nil, err
	}
	if err := id.Init(cfg.NodeID); err != nil {
		closeDB(gormDB)
		return nil, fmt.Errorf("init id node %d: %w", cfg.NodeID, err)
	}

	registry, err := buildRegistry(cfg.Providers, logger)
	if err != nil {
		closeDB(gormDB)
		return nil, err
	}

	a := &app{cfg: cfg, db: gormDB, log: logger}
	var policies policy.Store = policy.NewGormStore(gormDB)
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ttl := time.Duration(cfg.Redis.PolicyTTLSec) * time.Second
		policies = policy.NewCachedStore(policies, a.redis, ttl, logger.Named("policy"))
	}

	a.connections = connection.NewService(gormDB, registry, connection.AlertConfig{Command: cfg.Alert.Command}, logger)
	a.handling = handling.New(handling.MachineOpts{
		DB:              gormDB,
		Policies:        policies,
		Connections:     a.connections,
		ProviderTimeout: cfg.Worker.ProviderTimeout(),
		Logger:          logger,
	})
	a.autosend = autosend.NewService(autosend.ServiceOpts{
		DB:       gormDB,
		Policies: policies,
		Logger:   logger,
	})
	a.review = review.NewService(gormDB, logger)
	a.worker = worker.New(worker.Options{
		DB:              gormDB,
		Connections:     a.connections,
		Handler:         a.handling,
		Schedule:        cfg.Worker.Schedule,
		BatchLimit:      cfg.Worker.BatchLimit,
		MaxAttempts:     cfg.Worker.MaxAttempts,
		Concurrency:     cfg.Worker.Concurrency,
		ProviderTimeout: cfg.Worker.ProviderTimeout(),
		RetryBackoff:    cfg.Worker.RetryBackoff(),
		RetryBackoffMax: cfg.Worker.RetryBackoffMax(),
		StaleClaim:      cfg.Worker.StaleClaim(),
		Logger:          logger,
	})
	return a, nil
}

func (a *app) services() api.Services {
	return api.Services{
		DB:          a.db,
		AutoSend:    a.autosend,
		Review:      a.review,
		Handling:    a.handling,
		Connections: a.connections,
		Worker:      a.worker,
	}
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	closeDB(a.db)
	a.log.Sync()
}

func closeDB(gormDB *gorm.DB) {
	if sqlDB, err := gormDB.DB(); err == nil {
		sqlDB.Close()
	}
}
