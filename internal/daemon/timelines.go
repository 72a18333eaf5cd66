package daemon

import (
	"context"

	"go.uber.org/zap"

	"github.com/bluetail-im/bluetail/internal/bus"
	"github.com/bluetail-im/bluetail/internal/remote"
	"github.com/bluetail-im/bluetail/internal/status"
	"github.com/bluetail-im/bluetail/internal/store"
	"github.com/bluetail-im/bluetail/internal/timeline"
)

// storeBackend satisfies timeline.MessageStore and timeline.ScrollCache by
// combining the database with its reactive observer.
type storeBackend struct {
	*store.DB
	*store.Observer
}

// remoteAdapter narrows *remote.Client to the fetch surface a timeline
// controller needs.
type remoteAdapter struct {
	client *remote.Client
	db     *store.DB
}

func (r remoteAdapter) SyncBefore(ctx context.Context, chatGUID string, before int64, limit int) (int, error) {
	return r.client.SyncMessagesForChat(ctx, chatGUID, remote.SyncQuery{Before: before, Limit: limit})
}

func (r remoteAdapter) SyncAfter(ctx context.Context, chatGUID string, after int64, limit int) (int, error) {
	return r.client.SyncMessagesForChat(ctx, chatGUID, remote.SyncQuery{After: after, Limit: limit})
}

func (r remoteAdapter) ChatExists(ctx context.Context, chatGUID string) (bool, error) {
	chat, err := r.client.GetChat(ctx, chatGUID)
	if err != nil {
		return false, err
	}
	if chat == nil {
		return false, nil
	}
	// Refresh the local chat row while the server's answer is fresh.
	_ = r.db.UpsertChat(chat)
	return true, nil
}

// Timelines hands out timeline controllers for conversations.
type Timelines struct {
	db       *store.DB
	observer *store.Observer
	client   *remote.Client
	bus      *bus.Bus
	machine  *status.Machine
	logger   *zap.Logger
}

// NewTimelines builds the controller factory.
func NewTimelines(db *store.DB, observer *store.Observer, client *remote.Client, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Timelines {
	return &Timelines{db: db, observer: observer, client: client, bus: b, machine: machine, logger: logger}
}

// Open builds and starts a controller for one conversation. chatGUIDs
// lists every identifier of a merged conversation, primary first. The
// caller owns the controller and must Close it.
func (t *Timelines) Open(ctx context.Context, chatGUIDs []string) (*timeline.Controller, error) {
	c, err := timeline.NewController(
		timeline.Config{ChatGUIDs: chatGUIDs},
		timeline.Deps{
			Store:     storeBackend{DB: t.db, Observer: t.observer},
			Remote:    remoteAdapter{client: t.client, db: t.db},
			Scroll:    t.db,
			Bus:       t.bus,
			Connected: t.machine.IsConnected,
			Logger:    t.logger.Named("timeline"),
		},
	)
	if err != nil {
		return nil, err
	}
	c.Start(ctx)
	return c, nil
}
