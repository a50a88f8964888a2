package engine

import (
	"context"
	"fmt"

	"github.com/jfcarvalho/courier/internal/bus"
	"github.com/jfcarvalho/courier/internal/capability"
	"github.com/jfcarvalho/courier/internal/config"
	"github.com/jfcarvalho/courier/internal/convo"
	"github.com/jfcarvalho/courier/internal/delivery"
	"github.com/jfcarvalho/courier/internal/expiry"
	"github.com/jfcarvalho/courier/internal/home"
	"github.com/jfcarvalho/courier/internal/lock"
	"github.com/jfcarvalho/courier/internal/logging"
	"github.com/jfcarvalho/courier/internal/notify"
	"github.com/jfcarvalho/courier/internal/queue"
	"github.com/jfcarvalho/courier/internal/resume"
	"github.com/jfcarvalho/courier/internal/session"
	"github.com/jfcarvalho/courier/internal/store"
	"github.com/jfcarvalho/courier/internal/tracker"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module for the engine, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("engine",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideKeyedLocks,
			provideGate,
			provideCapabilitySource,
			provideSessionLayer,
			provideMachine,
			provideConvoManager,
			provideTracker,
			provideExpiry,
			provideCoordinator,
			provideRegistry,
			provideNotifier,
			New,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	return config.Load(home.ConfigPath(p.Profile))
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(home.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := home.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(home.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := home.DBPath(p.Profile)
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

func provideKeyedLocks() *lock.Keyed {
	return lock.NewKeyed()
}

func provideGate(cfg *config.Config) *capability.Gate {
	return capability.NewGate(cfg)
}

func provideCapabilitySource(cfg *config.Config) (capability.Source, error) {
	switch cfg.Transport {
	case "loopback":
		return capability.AllowAll{}, nil
	default:
		return nil, fmt.Errorf("no capability source for transport %q", cfg.Transport)
	}
}

func provideSessionLayer(cfg *config.Config) (session.Layer, error) {
	switch cfg.Transport {
	case "loopback":
		return session.NewLoopback(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func provideMachine(db *store.DB, b *bus.Bus, logger *zap.Logger) *delivery.Machine {
	return delivery.NewMachine(db, b, logger)
}

func provideConvoManager(db *store.DB, layer session.Layer, b *bus.Bus, logger *zap.Logger) *convo.Manager {
	return convo.NewManager(db, layer, b, logger)
}

func provideTracker(db *store.DB, m *delivery.Machine, locks *lock.Keyed, b *bus.Bus, logger *zap.Logger) *tracker.Tracker {
	return tracker.New(db, m, locks, b, logger)
}

func provideExpiry(db *store.DB, b *bus.Bus, logger *zap.Logger) *expiry.Scheduler {
	return expiry.NewScheduler(db, b, logger)
}

func provideCoordinator(cfg *config.Config, db *store.DB, m *delivery.Machine, tr *tracker.Tracker,
	cv *convo.Manager, layer session.Layer, gate *capability.Gate, caps capability.Source,
	locks *lock.Keyed, b *bus.Bus, logger *zap.Logger) *queue.Coordinator {
	return queue.NewCoordinator(cfg, db, m, tr, cv, layer, gate, caps, locks, b, logger)
}

func provideRegistry(db *store.DB, m *delivery.Machine, coord *queue.Coordinator, logger *zap.Logger) *resume.Registry {
	return resume.NewRegistry(db, m, coord, logger)
}

func provideNotifier(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *notify.Notifier {
	return notify.New(cfg, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, e *Engine, lk *lock.Lock, cfg *config.Config,
	m *delivery.Machine, sched *expiry.Scheduler, coord *queue.Coordinator,
	reg *resume.Registry, notifier *notify.Notifier, logger *zap.Logger) {
	// The machine cancels deadlines on terminal transitions; wired here to
	// keep construction acyclic.
	m.SetCanceler(sched)

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := notifier.Start(); err != nil {
				return err
			}
			if err := coord.Start(); err != nil {
				return err
			}
			if err := sched.RearmPending(); err != nil {
				return err
			}
			if err := reg.Reoffer(); err != nil {
				return err
			}
			// Loopback has no real network; consider it online at once.
			if cfg.Transport == "loopback" {
				e.SetOnline(true)
			}
			logger.Info("engine started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			coord.Stop()
			sched.Stop()
			notifier.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
