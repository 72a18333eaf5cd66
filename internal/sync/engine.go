package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/bluetail-im/bluetail/internal/bus"
	"github.com/bluetail-im/bluetail/internal/store"
)

// Engine handles idempotent ingestion of messages into the store.
// It subscribes to "socket." events on the bus and processes them; batch
// sync results from the remote client are handed to it directly.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to inbound socket events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("socket.message.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindSocketMessageNew, bus.KindSocketMessageUpdated:
		in, ok := evt.Payload.(*store.IncomingMessage)
		if !ok {
			return
		}
		if err := e.IngestMessage(in); err != nil && e.logger != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("guid", in.Message.GUID))
		}
	}
}

// IngestMessage processes a single message into the store (idempotent).
func (e *Engine) IngestMessage(in *store.IncomingMessage) error {
	msg := &in.Message

	if !msg.IsReaction() {
		if err := e.db.UpsertChat(&store.Chat{
			GUID:           msg.ChatGUID,
			ExistsOnServer: true,
			LastMessageAt:  msg.DateCreated,
		}); err != nil {
			return fmt.Errorf("upsert chat: %w", err)
		}
	}

	if err := e.db.UpsertMessage(msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	for i := range in.Attachments {
		a := in.Attachments[i]
		if a.MessageGUID == "" {
			a.MessageGUID = msg.GUID
		}
		if a.ChatGUID == "" {
			a.ChatGUID = msg.ChatGUID
		}
		if err := e.db.UpsertAttachment(&a); err != nil {
			return fmt.Errorf("upsert attachment: %w", err)
		}
	}

	e.bus.Emit(bus.KindMessageUpserted, &bus.StoreChange{
		ChatGUID:    msg.ChatGUID,
		MessageGUID: msg.GUID,
	})

	return nil
}

// IngestBatch processes a batch of synced messages in a transaction and
// publishes a single invalidation per affected chat.
func (e *Engine) IngestBatch(batch []*store.IncomingMessage) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	chats := make(map[string]string, 1) // chat guid -> newest message guid in batch
	for _, in := range batch {
		m := &in.Message
		target := ""
		if m.AssociatedGUID != "" {
			target = store.AssociationTarget(m.AssociatedGUID)
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (guid, chat_guid, handle_id, address, text, subject,
				from_me, is_sent, is_delivered, is_read, has_error,
				thread_originator_guid, associated_guid, associated_target_guid, associated_type,
				has_attachments, date_created, date_edited, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, strftime('%s','now') * 1000)
			ON CONFLICT(guid) DO UPDATE SET
				text = excluded.text,
				subject = excluded.subject,
				is_sent = excluded.is_sent,
				is_delivered = excluded.is_delivered,
				is_read = excluded.is_read,
				has_error = excluded.has_error,
				has_attachments = excluded.has_attachments,
				date_edited = excluded.date_edited`,
			m.GUID, m.ChatGUID, m.HandleID, m.Address, m.Text, m.Subject,
			m.FromMe, m.IsSent, m.IsDelivered, m.IsRead, m.HasError,
			m.ThreadOriginatorGUID, m.AssociatedGUID, target, m.AssociatedType,
			m.HasAttachments, m.DateCreated, m.DateEdited); err != nil {
			return fmt.Errorf("upsert message in batch: %w", err)
		}

		for _, a := range in.Attachments {
			if _, err := tx.Exec(`
				INSERT INTO attachments (guid, message_guid, chat_guid, mime_type, transfer_name, local_path, total_bytes, transfer_state, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, strftime('%s','now') * 1000)
				ON CONFLICT(guid) DO UPDATE SET
					mime_type = excluded.mime_type,
					transfer_name = excluded.transfer_name,
					total_bytes = excluded.total_bytes`,
				a.GUID, m.GUID, m.ChatGUID, a.MimeType, a.TransferName, a.LocalPath, a.TotalBytes, a.TransferState); err != nil {
				return fmt.Errorf("upsert attachment in batch: %w", err)
			}
		}

		if !m.IsReaction() {
			if _, err := tx.Exec(`
				INSERT INTO chats (guid, exists_on_server, last_message_at, updated_at)
				VALUES (?, 1, ?, strftime('%s','now') * 1000)
				ON CONFLICT(guid) DO UPDATE SET
					exists_on_server = 1,
					last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
					updated_at = excluded.updated_at`,
				m.ChatGUID, m.DateCreated); err != nil {
				return fmt.Errorf("upsert chat in batch: %w", err)
			}
		}
		chats[m.ChatGUID] = m.GUID
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	for chatGUID, msgGUID := range chats {
		e.bus.Emit(bus.KindMessageUpserted, &bus.StoreChange{
			ChatGUID:    chatGUID,
			MessageGUID: msgGUID,
		})
	}

	if e.logger != nil {
		e.logger.Info("sync batch ingested", zap.Int("messages", len(batch)), zap.Int("chats", len(chats)))
	}
	return nil
}
