package store

import (
	"database/sql"
	"time"
)

// UpsertChat inserts or updates a chat record.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (guid, identifier, display_name, is_group, is_local_sms, exists_on_server, unread_count, last_message_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET
			identifier = CASE WHEN excluded.identifier != '' THEN excluded.identifier ELSE chats.identifier END,
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE chats.display_name END,
			is_group = excluded.is_group,
			is_local_sms = excluded.is_local_sms,
			exists_on_server = MAX(chats.exists_on_server, excluded.exists_on_server),
			unread_count = excluded.unread_count,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		c.GUID, c.Identifier, c.DisplayName, c.IsGroup, c.IsLocalSMS, c.ExistsOnServer, c.UnreadCount, c.LastMessageAt, now)
	return err
}

// GetChat returns a single chat by guid, or nil if absent.
func (db *DB) GetChat(guid string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT guid, identifier, display_name, is_group, is_local_sms, exists_on_server, unread_count, last_message_at
		FROM chats WHERE guid = ?`, guid).
		Scan(&c.GUID, &c.Identifier, &c.DisplayName, &c.IsGroup, &c.IsLocalSMS, &c.ExistsOnServer, &c.UnreadCount, &c.LastMessageAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// IsLocalSMSChat reports whether the chat is backed by the platform's own
// carrier message store rather than the remote server.
func (db *DB) IsLocalSMSChat(guid string) (bool, error) {
	var local bool
	err := db.QueryRow(`SELECT is_local_sms FROM chats WHERE guid = ?`, guid).Scan(&local)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return local, err
}

// ListChats returns chats sorted by last message timestamp descending.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT guid, identifier, display_name, is_group, is_local_sms, exists_on_server, unread_count, last_message_at
		FROM chats
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.GUID, &c.Identifier, &c.DisplayName, &c.IsGroup, &c.IsLocalSMS, &c.ExistsOnServer, &c.UnreadCount, &c.LastMessageAt); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}
