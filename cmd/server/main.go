package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/gravitas-games/homestead/internal/catalog"
	"github.com/gravitas-games/homestead/internal/config"
	"github.com/gravitas-games/homestead/internal/economy"
	"github.com/gravitas-games/homestead/internal/events"
	"github.com/gravitas-games/homestead/internal/guard"
	"github.com/gravitas-games/homestead/internal/hex"
	"github.com/gravitas-games/homestead/internal/progress"
	"github.com/gravitas-games/homestead/internal/server"
	"github.com/gravitas-games/homestead/internal/store"
	"github.com/gravitas-games/homestead/internal/store/memstore"
	"github.com/gravitas-games/homestead/internal/store/pgstore"
	"github.com/gravitas-games/homestead/internal/store/redisstore"
)

func main() {
	l := logrus.New()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./configs/server.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		l.WithError(err).Fatalf("Failed to load configuration.")
	}
	if err := configureLogger(l, cfg.Logging); err != nil {
		l.WithError(err).Fatalf("Invalid logging configuration.")
	}
	l.Infof("Configuration loaded from %s.", configPath)

	if err := run(l, cfg); err != nil {
		l.WithError(err).Fatalf("Server error.")
	}
	l.Infof("Server stopped.")
}

func configureLogger(l *logrus.Logger, cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	l.SetLevel(level)
	if cfg.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return nil
}

func run(l *logrus.Logger, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cat, err := catalog.Load(cfg.Catalog)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer rdb.Close()
		l.Infof("Connected to Redis at %s.", cfg.Redis.Address)
	}

	st, err := openStore(ctx, l, cfg, rdb)
	if err != nil {
		return err
	}
	defer st.Close()

	g, err := openGuard(cfg, rdb)
	if err != nil {
		return err
	}

	sinks := progress.Fanout{}
	if cfg.Progress.Path != "" {
		ledger, err := progress.OpenSQLite(l, cfg.Progress.Path, cfg.Progress.Buffer)
		if err != nil {
			return fmt.Errorf("progress ledger: %w", err)
		}
		defer ledger.Close()
		sinks = append(sinks, ledger)
	}
	if cfg.Progress.Log {
		sinks = append(sinks, progress.NewLogSink(l))
	}

	bus := events.NewSimpleBus()
	statuses := server.NewStatusCounter(l)
	eng, err := economy.New(l, cat, st, g, cfg.Economy,
		economy.WithBus(bus),
		economy.WithProgress(sinks),
		economy.WithStatus(statuses),
		economy.WithSpawner(logSpawner{l: l}),
	)
	if err != nil {
		return err
	}

	validator, err := server.NewJWTValidator(ctx, l, cfg, rdb)
	if err != nil {
		return err
	}
	srv := server.New(l, cfg, eng, bus, validator, statuses)

	errChan := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		errChan <- srv.Start(addr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		l.Infof("Received signal %v, shutting down.", sig)
	}
	return srv.Shutdown()
}

func openStore(ctx context.Context, l logrus.FieldLogger, cfg *config.Config, rdb *redis.Client) (store.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis store requires redis.address")
		}
		return redisstore.New(l, rdb, cfg.Store.Prefix)
	case "postgres":
		pg := pgstore.Open(l, cfg.Postgres.DSN)
		if cfg.Postgres.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, fmt.Errorf("postgres migrate: %w", err)
			}
		}
		return pg, nil
	default:
		l.Warnf("Using the in-memory store; player data is lost on restart.")
		return memstore.New(), nil
	}
}

func openGuard(cfg *config.Config, rdb *redis.Client) (guard.Guard, error) {
	resultTTL := time.Duration(cfg.Guard.ResultTTLMinutes) * time.Minute
	if cfg.Guard.Backend == "redis" {
		if rdb == nil {
			return nil, fmt.Errorf("redis guard requires redis.address")
		}
		lockTTL := time.Duration(cfg.Guard.LockTTLSeconds) * time.Second
		return guard.NewRedisGuard(rdb, cfg.Guard.Prefix, lockTTL, resultTTL,
			guard.WithCodec(economy.Codec{}),
			guard.WithRedisTransient(economy.Transient),
		), nil
	}
	return guard.NewMemoryGuard(cfg.Guard.Size, resultTTL, guard.WithTransient(economy.Transient))
}

// logSpawner stands in for the world simulation, which owns actors.
type logSpawner struct {
	l logrus.FieldLogger
}

func (s logSpawner) Spawn(ctx context.Context, owner, actor string, qty int, at hex.Axial) error {
	s.l.WithFields(logrus.Fields{"player": owner, "actor": actor}).Infof("Spawning %d at %s.", qty, at)
	return nil
}
