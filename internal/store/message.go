package store

import (
	"database/sql"
	"strings"
	"time"
)

const messageColumns = `id, guid, chat_guid, handle_id, address, text, subject,
	from_me, is_sent, is_delivered, is_read, has_error,
	thread_originator_guid, associated_guid, associated_target_guid, associated_type,
	has_attachments, date_created, date_edited`

// AssociationTarget extracts the message guid a reaction points at. The
// association guid may carry a compound form ("p:0/TARGET"); only the
// suffix after the last '/' identifies the target.
func AssociationTarget(associatedGUID string) string {
	if i := strings.LastIndexByte(associatedGUID, '/'); i >= 0 {
		return associatedGUID[i+1:]
	}
	return associatedGUID
}

// UpsertMessage inserts or updates a message (idempotent on guid).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	target := ""
	if m.AssociatedGUID != "" {
		target = AssociationTarget(m.AssociatedGUID)
	}
	_, err := db.Exec(`
		INSERT INTO messages (guid, chat_guid, handle_id, address, text, subject,
			from_me, is_sent, is_delivered, is_read, has_error,
			thread_originator_guid, associated_guid, associated_target_guid, associated_type,
			has_attachments, date_created, date_edited, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET
			chat_guid = excluded.chat_guid,
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
		m.HasAttachments, m.DateCreated, m.DateEdited, now)
	return err
}

// ListRecent returns the newest non-reaction messages for the given chat
// guids (a merged conversation spans several), newest first.
func (db *DB) ListRecent(chatGUIDs []string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + messageColumns + `
		FROM messages
		WHERE chat_guid IN (` + placeholders(len(chatGUIDs)) + `) AND associated_guid = ''
		ORDER BY date_created DESC, id DESC
		LIMIT ?`
	args := append(guidArgs(chatGUIDs), limit)
	return db.queryMessages(q, args...)
}

// ListWindow returns non-reaction messages inside [startTs, endTs], newest first.
func (db *DB) ListWindow(chatGUIDs []string, startTs, endTs int64) ([]Message, error) {
	q := `SELECT ` + messageColumns + `
		FROM messages
		WHERE chat_guid IN (` + placeholders(len(chatGUIDs)) + `) AND associated_guid = ''
			AND date_created >= ? AND date_created <= ?
		ORDER BY date_created DESC, id DESC`
	args := append(guidArgs(chatGUIDs), startTs, endTs)
	return db.queryMessages(q, args...)
}

// CountForCursor returns how many non-reaction messages exist locally for
// the merged chat identifiers.
func (db *DB) CountForCursor(chatGUIDs []string) (int, error) {
	q := `SELECT COUNT(*) FROM messages
		WHERE chat_guid IN (` + placeholders(len(chatGUIDs)) + `) AND associated_guid = ''`
	var count int
	err := db.QueryRow(q, guidArgs(chatGUIDs)...).Scan(&count)
	return count, err
}

// MessageByGUID returns a single message, or nil if absent.
func (db *DB) MessageByGUID(guid string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE guid = ?`, guid)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MessagesByGUIDs returns all messages matching the given guids.
func (db *DB) MessagesByGUIDs(guids []string) ([]Message, error) {
	if len(guids) == 0 {
		return nil, nil
	}
	q := `SELECT ` + messageColumns + ` FROM messages
		WHERE guid IN (` + placeholders(len(guids)) + `)`
	return db.queryMessages(q, guidArgs(guids)...)
}

// ReactionsForMessages returns reaction records targeting any of the given
// message guids, matched on the denormalized association target.
func (db *DB) ReactionsForMessages(guids []string) ([]Message, error) {
	if len(guids) == 0 {
		return nil, nil
	}
	q := `SELECT ` + messageColumns + ` FROM messages
		WHERE associated_target_guid IN (` + placeholders(len(guids)) + `)
		ORDER BY date_created ASC`
	return db.queryMessages(q, guidArgs(guids)...)
}

// NewestTimestamp returns the most recent known message timestamp for the
// chats, or 0 when the store holds nothing for them.
func (db *DB) NewestTimestamp(chatGUIDs []string) (int64, error) {
	q := `SELECT COALESCE(MAX(date_created), 0) FROM messages
		WHERE chat_guid IN (` + placeholders(len(chatGUIDs)) + `) AND associated_guid = ''`
	var ts int64
	err := db.QueryRow(q, guidArgs(chatGUIDs)...).Scan(&ts)
	return ts, err
}

// OldestTimestamp returns the oldest known message timestamp, or 0.
func (db *DB) OldestTimestamp(chatGUIDs []string) (int64, error) {
	q := `SELECT COALESCE(MIN(date_created), 0) FROM messages
		WHERE chat_guid IN (` + placeholders(len(chatGUIDs)) + `) AND associated_guid = ''`
	var ts int64
	err := db.QueryRow(q, guidArgs(chatGUIDs)...).Scan(&ts)
	return ts, err
}

func (db *DB) queryMessages(q string, args ...any) ([]Message, error) {
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.GUID, &m.ChatGUID, &m.HandleID, &m.Address, &m.Text, &m.Subject,
		&m.FromMe, &m.IsSent, &m.IsDelivered, &m.IsRead, &m.HasError,
		&m.ThreadOriginatorGUID, &m.AssociatedGUID, &m.AssociatedTarget, &m.AssociatedType,
		&m.HasAttachments, &m.DateCreated, &m.DateEdited)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
