package store

import (
	"context"
	"sync"

	"github.com/bluetail-im/bluetail/internal/bus"
)

// Observer turns store invalidation events on the bus into live re-queries.
// Each Observe* call owns one subscription: it queries once up front, then
// re-queries whenever a message.upserted event lands in its chat guid set.
// Delivery is latest-wins: a slow receiver only ever sees the freshest
// result set, never a backlog of stale ones.
type Observer struct {
	db  *DB
	bus *bus.Bus
}

// NewObserver creates a live-query observer over the store.
func NewObserver(db *DB, b *bus.Bus) *Observer {
	return &Observer{db: db, bus: b}
}

// ObserveRecent streams the newest `limit` messages for the merged chat
// guids, re-emitting on every relevant store change. The returned stop
// function cancels the subscription; the channel closes afterwards.
func (o *Observer) ObserveRecent(ctx context.Context, chatGUIDs []string, limit int) (<-chan []Message, func()) {
	return o.observe(ctx, chatGUIDs, func() ([]Message, error) {
		return o.db.ListRecent(chatGUIDs, limit)
	})
}

// ObserveWindow streams messages inside a fixed time window, re-emitting on
// every relevant store change.
func (o *Observer) ObserveWindow(ctx context.Context, chatGUIDs []string, startTs, endTs int64) (<-chan []Message, func()) {
	return o.observe(ctx, chatGUIDs, func() ([]Message, error) {
		return o.db.ListWindow(chatGUIDs, startTs, endTs)
	})
}

func (o *Observer) observe(ctx context.Context, chatGUIDs []string, query func() ([]Message, error)) (<-chan []Message, func()) {
	out := make(chan []Message, 1)
	events, unsub := o.bus.Subscribe("message.", 64)
	stop := make(chan struct{})

	guidSet := make(map[string]struct{}, len(chatGUIDs))
	for _, g := range chatGUIDs {
		guidSet[g] = struct{}{}
	}

	go func() {
		defer close(out)
		defer unsub()

		emit := func() {
			msgs, err := query()
			if err != nil {
				// Store read failures are transient here; the next
				// invalidation retries.
				return
			}
			// Replace a pending unread result instead of queueing.
			select {
			case out <- msgs:
			default:
				select {
				case <-out:
				default:
				}
				out <- msgs
			}
		}

		emit()
		for {
			select {
			case evt := <-events:
				change, ok := evt.Payload.(*bus.StoreChange)
				if ok {
					if _, match := guidSet[change.ChatGUID]; !match {
						continue
					}
				}
				emit()
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var stopOnce sync.Once
	return out, func() { stopOnce.Do(func() { close(stop) }) }
}
