package timeline

import (
	"context"
	"errors"

	"github.com/bluetail-im/bluetail/internal/store"
)

// ErrPermissionDenied is returned by a CarrierImporter when the platform
// refuses access to the device SMS database. The controller treats it as
// "no more history" rather than a retryable failure.
var ErrPermissionDenied = errors.New("timeline: carrier database permission denied")

// MessageStore is the persistence surface the controller reads from.
// *store.DB together with *store.Observer satisfies it.
type MessageStore interface {
	ObserveRecent(ctx context.Context, chatGUIDs []string, limit int) (<-chan []store.Message, func())
	ObserveWindow(ctx context.Context, chatGUIDs []string, startTs, endTs int64) (<-chan []store.Message, func())
	CountForCursor(chatGUIDs []string) (int, error)
	MessageByGUID(guid string) (*store.Message, error)
	MessagesByGUIDs(guids []string) ([]store.Message, error)
	ReactionsForMessages(guids []string) ([]store.Message, error)
	AttachmentsForMessages(guids []string) ([]store.Attachment, error)
	HandlesByIDs(ids []int64) ([]store.Handle, error)
	ContactNamesByAddresses(addrs []string) (map[string]string, error)
	IsLocalSMSChat(guid string) (bool, error)
	NewestTimestamp(chatGUIDs []string) (int64, error)
	OldestTimestamp(chatGUIDs []string) (int64, error)
}

// RemoteService is the server-sync surface for server-backed chats. Both
// fetch calls ingest into the store and return how many messages arrived.
type RemoteService interface {
	SyncBefore(ctx context.Context, chatGUID string, before int64, limit int) (int, error)
	SyncAfter(ctx context.Context, chatGUID string, after int64, limit int) (int, error)
	ChatExists(ctx context.Context, chatGUID string) (bool, error)
}

// CarrierImporter pulls older messages out of the device SMS database for
// locally bridged chats. Implementations return ErrPermissionDenied when
// the platform blocks access.
type CarrierImporter interface {
	ImportMessages(ctx context.Context, chatGUID string, limit int) (int, error)
}

// ScrollCache persists per-chat scroll position and query window across
// sessions. *store.DB satisfies it.
type ScrollCache interface {
	LoadScrollState(chatGUID string) (*store.ScrollState, error)
	SaveScrollState(s *store.ScrollState) error
}
