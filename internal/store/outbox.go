package store

import "time"

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_guid, chat_guid, text, subject, reply_to_guid, effect_id, status, queued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'queued', ?, ?)`,
		e.ClientGUID, e.ChatGUID, e.Text, e.Subject, e.ReplyToGUID, e.EffectID, e.QueuedAt, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(clientGUID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_guid = ?`, now, clientGUID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server guid.
func (db *DB) MarkOutboxSent(clientGUID, serverGUID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_guid = ?, updated_at = ? WHERE client_guid = ?`, serverGUID, now, clientGUID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientGUID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_guid = ?`, errMsg, now, clientGUID)
	return err
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_guid, chat_guid, text, subject, reply_to_guid, effect_id, status, error_message, server_guid, queued_at
		FROM outbox WHERE status = 'queued' ORDER BY queued_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientGUID, &e.ChatGUID, &e.Text, &e.Subject, &e.ReplyToGUID, &e.EffectID, &e.Status, &e.ErrorMessage, &e.ServerGUID, &e.QueuedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
