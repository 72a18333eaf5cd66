package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bluetail-im/bluetail/internal/bus"
	"github.com/bluetail-im/bluetail/internal/store"
)

// TextSender is the interface for submitting text messages to the server.
type TextSender interface {
	SendText(ctx context.Context, chatGUID, clientGUID, text string) (serverGUID string, err error)
}

// Queue accepts an outgoing message: it persists an outbox row and
// publishes outbox.queued so the timeline controller can show the message
// optimistically before anything touches the network.
type Queue struct {
	db  *store.DB
	bus *bus.Bus
}

// NewQueue creates a send queue.
func NewQueue(db *store.DB, b *bus.Bus) *Queue {
	return &Queue{db: db, bus: b}
}

// Send request parameters beyond the text body.
type SendOptions struct {
	Subject     string
	ReplyToGUID string
	EffectID    string
	Attachments []bus.QueuedAttachment
}

// QueueText enqueues an outgoing text message and returns the generated
// client guid identifying it until the server echo arrives.
func (q *Queue) QueueText(chatGUID, text string, opts SendOptions) (string, error) {
	clientGUID := "temp-" + uuid.New().String()
	now := time.Now().UnixMilli()
	entry := &store.OutboxEntry{
		ClientGUID:  clientGUID,
		ChatGUID:    chatGUID,
		Text:        text,
		Subject:     opts.Subject,
		ReplyToGUID: opts.ReplyToGUID,
		EffectID:    opts.EffectID,
		QueuedAt:    now,
	}
	if err := q.db.QueueOutbox(entry); err != nil {
		return "", err
	}
	q.bus.Emit(bus.KindOutboxQueued, &bus.OutboxQueued{
		ClientGUID:  clientGUID,
		ChatGUID:    chatGUID,
		Text:        text,
		Subject:     opts.Subject,
		ReplyToGUID: opts.ReplyToGUID,
		EffectID:    opts.EffectID,
		Attachments: opts.Attachments,
		QueuedAt:    now,
	})
	return clientGUID, nil
}

// Sender drains the outbox and submits messages to the server.
type Sender struct {
	db     *store.DB
	sender TextSender
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, sender TextSender, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:     db,
		sender: sender,
		bus:    b,
		logger: logger,
	}
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := s.db.MarkOutboxSending(entry.ClientGUID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_guid", entry.ClientGUID))
			continue
		}

		serverGUID, err := s.sender.SendText(ctx, entry.ChatGUID, entry.ClientGUID, entry.Text)
		if err != nil {
			s.logger.Error("failed to send message", zap.Error(err), zap.String("client_guid", entry.ClientGUID))
			_ = s.db.MarkOutboxFailed(entry.ClientGUID, err.Error())
			// Persist the failure so the thread shows the errored bubble
			// even after the optimistic entry expires.
			_ = s.db.UpsertMessage(&store.Message{
				GUID:        entry.ClientGUID,
				ChatGUID:    entry.ChatGUID,
				Text:        entry.Text,
				Subject:     entry.Subject,
				FromMe:      true,
				HasError:    true,
				DateCreated: entry.QueuedAt,
			})
			s.bus.Emit(bus.KindMessageUpserted, &bus.StoreChange{ChatGUID: entry.ChatGUID, MessageGUID: entry.ClientGUID})
			s.bus.Emit(bus.KindOutboxSendFailed, &bus.OutboxResult{
				ClientGUID: entry.ClientGUID,
				ChatGUID:   entry.ChatGUID,
				Error:      err.Error(),
			})
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientGUID, serverGUID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_guid", entry.ClientGUID))
		}

		// The confirmed record enters the store under the server guid; the
		// overlay entry for the client guid is dropped via outbox.sent.
		guid := serverGUID
		if guid == "" {
			guid = entry.ClientGUID
		}
		_ = s.db.UpsertMessage(&store.Message{
			GUID:                 guid,
			ChatGUID:             entry.ChatGUID,
			Text:                 entry.Text,
			Subject:              entry.Subject,
			ThreadOriginatorGUID: entry.ReplyToGUID,
			FromMe:               true,
			IsSent:               true,
			DateCreated:          entry.QueuedAt,
		})
		s.bus.Emit(bus.KindMessageUpserted, &bus.StoreChange{ChatGUID: entry.ChatGUID, MessageGUID: guid})

		s.logger.Info("message sent", zap.String("client_guid", entry.ClientGUID), zap.String("server_guid", serverGUID))
		s.bus.Emit(bus.KindOutboxSent, &bus.OutboxResult{
			ClientGUID: entry.ClientGUID,
			ChatGUID:   entry.ChatGUID,
			ServerGUID: serverGUID,
		})
	}
}
