package store

// Chat represents a synced conversation thread.
type Chat struct {
	GUID           string
	Identifier     string // phone number, email, or group id
	DisplayName    string
	IsGroup        bool
	IsLocalSMS     bool // backed by the platform carrier store, not the server
	ExistsOnServer bool
	UnreadCount    int
	LastMessageAt  int64
}

// Message represents a persisted message record. Reaction messages are
// stored in the same table with AssociatedGUID pointing at their target;
// AssociatedTarget is the denormalized suffix after the last '/' of
// AssociatedGUID, kept for indexed batch lookups.
type Message struct {
	ID                   int64
	GUID                 string
	ChatGUID             string
	HandleID             int64 // 0 when from me
	Address              string
	Text                 string
	Subject              string
	FromMe               bool
	IsSent               bool
	IsDelivered          bool
	IsRead               bool
	HasError             bool
	ThreadOriginatorGUID string
	AssociatedGUID       string
	AssociatedTarget     string // suffix after the last '/' of AssociatedGUID
	AssociatedType       string // tapback code or name, empty for normal messages
	HasAttachments       bool
	DateCreated          int64 // epoch millis
	DateEdited           int64 // epoch millis, 0 if never edited
}

// IsReaction reports whether the record is a tapback rather than a message.
func (m *Message) IsReaction() bool {
	return m.AssociatedGUID != ""
}

// Attachment represents a file attached to a message.
type Attachment struct {
	GUID          string
	MessageGUID   string
	ChatGUID      string
	MimeType      string
	TransferName  string
	LocalPath     string // empty until downloaded
	TotalBytes    int64
	TransferState string // pending, downloading, done, failed
}

// Handle represents a remote sender identity.
type Handle struct {
	ID          int64
	Address     string
	Service     string // iMessage, SMS
	DisplayName string
}

// ScrollState is the per-chat session restoration checkpoint.
type ScrollState struct {
	ChatGUID     string
	ScrollIndex  int
	ScrollOffset int
	QueryWindow  int
	UpdatedAt    int64
}

// IncomingMessage is the envelope for a live-pushed or synced message plus
// its attachment metadata, as published on the bus and fed to the sync
// engine.
type IncomingMessage struct {
	Message     Message
	Attachments []Attachment
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID           int64
	ClientGUID   string
	ChatGUID     string
	Text         string
	Subject      string
	ReplyToGUID  string
	EffectID     string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ServerGUID   string
	QueuedAt     int64
}
