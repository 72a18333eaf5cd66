package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by namespace prefix, so related kinds
// share a dotted prefix ("socket.", "message.", ...).
const (
	// KindSocketMessageNew carries a *store.IncomingMessage payload for a
	// message pushed by the server over the live socket.
	KindSocketMessageNew = "socket.message.new"
	// KindSocketMessageUpdated carries a *store.IncomingMessage payload
	// when the server pushes an edit/delivery/read change for a known
	// message.
	KindSocketMessageUpdated = "socket.message.updated"
	// KindSocketConnected / KindSocketDisconnected track push-channel health.
	KindSocketConnected    = "socket.connected"
	KindSocketDisconnected = "socket.disconnected"

	// KindMessageUpserted is published by the sync engine after a store
	// write. Payload is a *StoreChange. Store observers re-query on it.
	KindMessageUpserted = "message.upserted"

	// KindAttachmentDownloaded is published by the download queue when an
	// attachment lands on disk. Payload is an *AttachmentDone.
	KindAttachmentDownloaded = "attachment.downloaded"

	// KindOutboxQueued is published when a send is accepted into the
	// outbox, before any persistence or network. Payload is an
	// *OutboxQueued; the timeline controller turns it into an optimistic
	// entry.
	KindOutboxQueued     = "outbox.queued"
	KindOutboxSent       = "outbox.sent"
	KindOutboxSendFailed = "outbox.send_failed"

	// KindAppForegrounded signals the host app returned to foreground.
	KindAppForegrounded = "app.foregrounded"
)

// StoreChange is the payload for KindMessageUpserted.
type StoreChange struct {
	ChatGUID    string
	MessageGUID string
}

// AttachmentDone is the payload for KindAttachmentDownloaded.
type AttachmentDone struct {
	AttachmentGUID string
	MessageGUID    string
	ChatGUID       string
	LocalPath      string
}

// OutboxQueued is the payload for KindOutboxQueued.
type OutboxQueued struct {
	ClientGUID  string
	ChatGUID    string
	Text        string
	Subject     string
	ReplyToGUID string
	EffectID    string
	Attachments []QueuedAttachment
	QueuedAt    int64
}

// QueuedAttachment describes an attachment on a not-yet-sent message. The
// file has not been uploaded, so only the descriptor travels on the bus.
type QueuedAttachment struct {
	GUID         string
	MimeType     string
	TransferName string
}

// OutboxResult is the payload for KindOutboxSent and KindOutboxSendFailed.
// ServerGUID is empty on failure.
type OutboxResult struct {
	ClientGUID string
	ChatGUID   string
	ServerGUID string
	Error      string
}
