package daemon

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/matheus3301/hostlink/internal/bus"
	"github.com/matheus3301/hostlink/internal/config"
	"github.com/matheus3301/hostlink/internal/convo"
	"github.com/matheus3301/hostlink/internal/engine"
	"github.com/matheus3301/hostlink/internal/lock"
	"github.com/matheus3301/hostlink/internal/logging"
	"github.com/matheus3301/hostlink/internal/profile"
	"github.com/matheus3301/hostlink/internal/store"
	"github.com/matheus3301/hostlink/internal/transfer"
	"github.com/matheus3301/hostlink/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	ConfigPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideStore,
			providePool,
			provideTransfers,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

// provideConfig loads ~/.hostlink/config.toml. A missing file is not an
// error: the daemon starts with no hosts and waits for configuration.
func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = profile.ConfigPath()
	}
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("no config file, starting with empty host list", zap.String("path", path))
		return &config.Config{}, nil
	}
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded", zap.String("path", path), zap.Int("hosts", len(cfg.Hosts)))
	return cfg, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.StoreDBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func providePool(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *transport.Pool {
	pool := transport.NewPool()
	for _, host := range cfg.Hosts {
		pool.Add(transport.NewClient(host, b, logger))
	}
	return pool
}

// provideTransfers wires the report fetch manager. Results are delivered as
// bus notifications so any consumer (UI bridge, tests) can pick them up.
func provideTransfers(pool *transport.Pool, b *bus.Bus, logger *zap.Logger) *transfer.Manager {
	return transfer.NewManager(pool, logger,
		func(conv convo.Key, path, content string) {
			b.Publish(bus.Event{
				Kind:      "transfer.completed",
				Timestamp: time.Now(),
				Payload:   transfer.CompletedNotice{Conv: conv, FilePath: path, Content: content},
			})
		},
		func(conv convo.Key, path, reason string) {
			b.Publish(bus.Event{
				Kind:      "transfer.failed",
				Timestamp: time.Now(),
				Payload:   transfer.FailedNotice{Conv: conv, FilePath: path, Reason: reason},
			})
		})
}

func provideEngine(cfg *config.Config, db *store.DB, pool *transport.Pool, transfers *transfer.Manager, b *bus.Bus, logger *zap.Logger) *engine.Engine {
	return engine.New(db, pool, transfers, b, engine.Options{
		StagingTimeout: cfg.StagingTimeout(),
		PersistQuiet:   cfg.PersistQuiet(),
	}, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, pool *transport.Pool, eng *engine.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Bootstrap must finish before the first inbound event.
			if err := eng.Start(context.Background()); err != nil {
				return err
			}
			pool.StartAll(context.Background())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			pool.StopAll()
			eng.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
