// Package daemon composes the sync core into the emberd process: one
// profile, one lock, one event channel, one durable mirror.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/emberapp/ember/internal/api"
	"github.com/emberapp/ember/internal/bus"
	"github.com/emberapp/ember/internal/config"
	"github.com/emberapp/ember/internal/lock"
	"github.com/emberapp/ember/internal/logging"
	"github.com/emberapp/ember/internal/match"
	"github.com/emberapp/ember/internal/media"
	"github.com/emberapp/ember/internal/rest"
	"github.com/emberapp/ember/internal/session"
	"github.com/emberapp/ember/internal/socket"
	"github.com/emberapp/ember/internal/store"
	intsync "github.com/emberapp/ember/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideProfile,
			provideStore,
			provideSocket,
			provideRest,
			provideMachine,
			providePipeline,
			provideRouter,
			provideClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(session.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideProfile(p Params, logger *zap.Logger) (*config.Profile, error) {
	path := session.ProfileConfigPath(p.ProfileName)
	prof, err := config.LoadProfile(path)
	if err != nil {
		return nil, err
	}
	logger.Info("profile loaded", zap.String("path", path), zap.String("user", prof.UserID))
	return prof, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.ProfileName)
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

func provideSocket(prof *config.Profile, b *bus.Bus, logger *zap.Logger) *socket.Manager {
	return socket.NewManager(prof.SocketURL, prof.Token, prof.ReconnectInterval(), nil, b, logger)
}

func provideRest(prof *config.Profile) *rest.Client {
	return rest.New(prof.APIURL, prof.Token)
}

func provideMachine(sock *socket.Manager, b *bus.Bus, logger *zap.Logger) *match.Machine {
	return match.NewMachine(sock, b, logger)
}

func providePipeline(prof *config.Profile, logger *zap.Logger) *media.Pipeline {
	uploader := media.NewHTTPUploader(prof.StorageURL, prof.Token)
	return media.NewPipeline(nil, uploader, prof.UploadTimeout(), logger)
}

func provideRouter(sock *socket.Manager, machine *match.Machine, rc *rest.Client, prof *config.Profile, b *bus.Bus, logger *zap.Logger) *intsync.Router {
	return intsync.NewRouter(sock, machine, rc, prof.ReconnectInterval(), b, logger)
}

func provideClient(prof *config.Profile, sock *socket.Manager, router *intsync.Router, rc *rest.Client, db *store.DB, pipeline *media.Pipeline, machine *match.Machine, b *bus.Bus, logger *zap.Logger) *api.Client {
	return api.NewClient(prof, sock, router, rc, db, pipeline, machine, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, router *intsync.Router, sock *socket.Manager, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			router.Start(runCtx)
			sock.Connect(runCtx)
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			router.Stop()
			sock.Close()
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
