package store

import (
	"database/sql"
	"time"
)

// LoadScrollState returns the persisted session-restoration checkpoint for a
// chat, or nil when none was saved.
func (db *DB) LoadScrollState(chatGUID string) (*ScrollState, error) {
	var s ScrollState
	err := db.QueryRow(`
		SELECT chat_guid, scroll_index, scroll_offset, query_window, updated_at
		FROM scroll_cache WHERE chat_guid = ?`, chatGUID).
		Scan(&s.ChatGUID, &s.ScrollIndex, &s.ScrollOffset, &s.QueryWindow, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveScrollState persists the session-restoration checkpoint for a chat.
func (db *DB) SaveScrollState(s *ScrollState) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO scroll_cache (chat_guid, scroll_index, scroll_offset, query_window, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_guid) DO UPDATE SET
			scroll_index = excluded.scroll_index,
			scroll_offset = excluded.scroll_offset,
			query_window = excluded.query_window,
			updated_at = excluded.updated_at`,
		s.ChatGUID, s.ScrollIndex, s.ScrollOffset, s.QueryWindow, now)
	return err
}
