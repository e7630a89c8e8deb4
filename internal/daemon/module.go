// Package daemon composes the chathubd process: providers, synchronization
// store, session restoration and the unix socket control API, wired together
// with fx.
package daemon

import (
	"context"

	"github.com/matheus3301/chathub/internal/bus"
	"github.com/matheus3301/chathub/internal/cache"
	"github.com/matheus3301/chathub/internal/config"
	"github.com/matheus3301/chathub/internal/credstore"
	"github.com/matheus3301/chathub/internal/hub"
	"github.com/matheus3301/chathub/internal/lock"
	"github.com/matheus3301/chathub/internal/logging"
	"github.com/matheus3301/chathub/internal/metrics"
	"github.com/matheus3301/chathub/internal/profile"
	"github.com/matheus3301/chathub/internal/provider/telegram"
	"github.com/matheus3301/chathub/internal/provider/whatsapp"
	"github.com/matheus3301/chathub/internal/restore"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideCacheDB,
			provideCache,
			provideCredStore,
			provideTelegram,
			provideWhatsApp,
			provideMetrics,
			provideStore,
			provideRestorer,
			provideControlServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		logger.Info("no usable config, writing defaults", zap.Error(err))
		cfg = config.Default()
		if err := config.Save(profile.ConfigPath(), cfg); err != nil {
			logger.Warn("could not write default config", zap.Error(err))
		}
	}
	return cfg
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideCacheDB(p Params, logger *zap.Logger) (*cache.DB, error) {
	dbPath := profile.CacheDBPath(p.Profile)
	db, err := cache.Open(dbPath)
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
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCache(db *cache.DB, cfg *config.Config) *cache.Cache {
	return cache.NewCache(db, cfg.UserID)
}

func provideCredStore(p Params, cfg *config.Config, logger *zap.Logger) *credstore.Store {
	return credstore.New(profile.CredentialsDir(p.Profile), cfg.UserID, cfg.CredentialKey, logger)
}

func provideTelegram(cfg *config.Config, creds *credstore.Store, logger *zap.Logger) *telegram.Provider {
	return telegram.New(telegram.Config{BaseURL: cfg.Telegram.BaseURL}, creds, logger)
}

func provideWhatsApp(cfg *config.Config, creds *credstore.Store, logger *zap.Logger) *whatsapp.Provider {
	return whatsapp.New(whatsapp.Config{BaseURL: cfg.WhatsApp.BaseURL, UserID: cfg.UserID}, creds, logger)
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideStore(c *cache.Cache, b *bus.Bus, m *metrics.Metrics, cfg *config.Config, tg *telegram.Provider, wa *whatsapp.Provider, logger *zap.Logger) *hub.Store {
	s := hub.NewStore(c, b, m, cfg.Filters, logger)
	s.Register(tg)
	s.Register(wa)
	return s
}

func provideRestorer(s *hub.Store, creds *credstore.Store, b *bus.Bus, logger *zap.Logger) *restore.Restorer {
	return restore.New(s, creds, b, logger)
}

func provideControlServer(p Params, s *hub.Store, tg *telegram.Provider, creds *credstore.Store, m *metrics.Metrics, logger *zap.Logger) *ControlServer {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.Profile)
	}
	return NewControlServer(s, tg, creds, m, socketPath, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *ControlServer, lk *lock.Lock, restorer *restore.Restorer, db *cache.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := srv.Start(); err != nil {
				return err
			}
			// Session restoration talks to the bridges; never block
			// daemon startup on it.
			go restorer.Run(context.Background())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil {
				logger.Warn("control server shutdown failed", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("cache close failed", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
