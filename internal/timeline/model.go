// Package timeline implements the chat timeline controller: it merges the
// persisted message store, an optimistic overlay of not-yet-confirmed
// messages, live socket pushes, and adaptive background sync into a single
// ordered list of display items for one (possibly merged) conversation.
package timeline

import "time"

// Tunables for the pagination and sync machinery.
const (
	// PageSize is the query-window growth step and the load-more fetch size.
	PageSize = 50
	// archiveWindowMs is the half-width of the archive time window.
	archiveWindowMs = int64(12 * time.Hour / time.Millisecond)
	// overlayStaleness is how long an unconfirmed optimistic entry survives.
	overlayStaleness = 30 * time.Second
	// pollInterval / socketSilence drive the adaptive poll: only poll when
	// the push channel has been quiet for socketSilence.
	pollInterval  = 2 * time.Second
	socketSilence = 5 * time.Second
	// pollPageSize / foregroundPageSize are the catch-up fetch sizes.
	pollPageSize       = 10
	foregroundPageSize = 25
	// scrollSaveDebounce spaces out scroll-position checkpoint writes.
	scrollSaveDebounce = time.Second
)

// DisplayMessage is the immutable render model derived from a store record
// plus its resolved associations. Rebuilt only when the record or one of
// its dependencies changed.
type DisplayMessage struct {
	GUID                 string
	ChatGUID             string
	Text                 string
	Subject              string
	FromMe               bool
	IsSent               bool
	IsDelivered          bool
	IsRead               bool
	HasError             bool
	DateCreated          int64
	EffectID             string
	SenderName           string
	SenderAddress        string
	ThreadOriginatorGUID string
	ReplyPreview         *ReplyPreview
	Attachments          []AttachmentView
	Reactions            []ReactionView
}

// ReplyPreview summarizes the message a reply points at. Loaded is false
// when the originator could not be resolved; the remaining fields are then
// zero.
type ReplyPreview struct {
	GUID          string
	SenderName    string
	Text          string
	HasAttachment bool
	Loaded        bool
}

// AttachmentView is the render state of one attachment. Pending entries
// have no local path yet (live-pushed messages before download).
type AttachmentView struct {
	GUID         string
	MimeType     string
	TransferName string
	LocalPath    string
	Pending      bool
}

// ReactionView is one tapback applied to a message.
type ReactionView struct {
	GUID       string
	Kind       string
	FromMe     bool
	SenderName string
}

// Item is a closed sum: either a message or a synthesized date separator.
type Item interface{ isItem() }

// MessageItem wraps a display message in the timeline.
type MessageItem struct {
	Message *DisplayMessage
}

// DateSeparator precedes the first message of each new calendar day in
// scan order. DayKey is "YYYY-MM-DD" in the display locale's calendar.
type DateSeparator struct {
	DayKey string
	Label  string
}

func (MessageItem) isItem()   {}
func (DateSeparator) isItem() {}

// ViewMode is a closed sum: the tail of the conversation with a growing
// window, or a fixed time window around a jumped-to message.
type ViewMode interface{ isViewMode() }

// RecentMode displays the newest messages under the query window.
type RecentMode struct{}

// ArchiveMode displays a symmetric time window around a target message.
type ArchiveMode struct {
	TargetGUID string
	TargetTs   int64
	WindowMs   int64
}

func (RecentMode) isViewMode()  {}
func (ArchiveMode) isViewMode() {}

// Bounds returns the inclusive [start, end] of the archive time window.
func (m ArchiveMode) Bounds() (int64, int64) {
	return m.TargetTs - m.WindowMs, m.TargetTs + m.WindowMs
}
