package sync

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/bluetail-im/bluetail/internal/store"
)

// Checkpoints records per-chat sync progress in the sync_state kv table.
type Checkpoints struct {
	db     *store.DB
	logger *zap.Logger
}

// NewCheckpoints creates a checkpoint tracker.
func NewCheckpoints(db *store.DB, logger *zap.Logger) *Checkpoints {
	return &Checkpoints{db: db, logger: logger}
}

func lastSyncKey(chatGUID string) string {
	return "chat:" + chatGUID + ":last_sync"
}

// SetLastSync records the timestamp up to which a chat has been synced.
func (c *Checkpoints) SetLastSync(chatGUID string, ts int64) error {
	now := time.Now().UnixMilli()
	_, err := c.db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		lastSyncKey(chatGUID), strconv.FormatInt(ts, 10), now)
	return err
}

// LastSync returns the last synced timestamp for a chat, 0 if never synced.
func (c *Checkpoints) LastSync(chatGUID string) (int64, error) {
	var value string
	err := c.db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, lastSyncKey(chatGUID)).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	ts, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt checkpoint %q: %w", value, err)
	}
	return ts, nil
}
