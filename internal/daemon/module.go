// Package daemon composes the bluetaild process: storage, server sync,
// outbox, attachment downloads and timeline controllers, wired with fx.
package daemon

import (
	"context"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/bluetail-im/bluetail/internal/attachments"
	"github.com/bluetail-im/bluetail/internal/bus"
	"github.com/bluetail-im/bluetail/internal/lock"
	"github.com/bluetail-im/bluetail/internal/logging"
	"github.com/bluetail-im/bluetail/internal/outbox"
	"github.com/bluetail-im/bluetail/internal/remote"
	"github.com/bluetail-im/bluetail/internal/session"
	"github.com/bluetail-im/bluetail/internal/status"
	"github.com/bluetail-im/bluetail/internal/store"
	intsync "github.com/bluetail-im/bluetail/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile   string
	ServerURL string
	Password  string
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks. fx constructs lazily, so *Timelines and the
// *outbox.Queue are only built when an embedding app composes this
// module with invokes that consume them; the bare bluetaild binary runs
// sync, outbox draining and downloads without them.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideObserver,
			provideCheckpoints,
			provideSyncEngine,
			provideClient,
			provideSocket,
			provideOutboxQueue,
			provideSender,
			provideAttachmentQueue,
			NewTimelines,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.AppDBPath(p.Profile)
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

func provideObserver(db *store.DB, b *bus.Bus) *store.Observer {
	return store.NewObserver(db, b)
}

func provideCheckpoints(db *store.DB, logger *zap.Logger) *intsync.Checkpoints {
	return intsync.NewCheckpoints(db, logger)
}

func provideSyncEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, logger)
}

func provideClient(p Params, db *store.DB, engine *intsync.Engine, checkpoints *intsync.Checkpoints, logger *zap.Logger) *remote.Client {
	return remote.NewClient(p.ServerURL, p.Password, db, engine, checkpoints, logger)
}

func provideSocket(p Params, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *remote.Socket {
	return remote.NewSocket(wsURLFor(p.ServerURL), p.Password, b, machine, logger)
}

func provideOutboxQueue(db *store.DB, b *bus.Bus) *outbox.Queue {
	return outbox.NewQueue(db, b)
}

func provideSender(db *store.DB, client *remote.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client, b, logger)
}

func provideAttachmentQueue(p Params, db *store.DB, client *remote.Client, b *bus.Bus, logger *zap.Logger) *attachments.Queue {
	return attachments.NewQueue(db, client, b, session.AttachmentsDir(p.Profile), logger)
}

// wsURLFor derives the push-socket endpoint from the REST base URL.
func wsURLFor(serverURL string) string {
	ws := serverURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return strings.TrimRight(ws, "/") + "/api/v1/ws"
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, engine *intsync.Engine, socket *remote.Socket, sender *outbox.Sender, attQueue *attachments.Queue, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The engine must subscribe before the socket starts pushing.
			engine.Start(context.Background())
			socket.Start(context.Background())
			sender.Start(context.Background())
			attQueue.Start(context.Background())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			attQueue.Stop()
			sender.Stop()
			socket.Stop()
			engine.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
