package store

import "time"

// UpsertAttachment inserts or updates an attachment record.
func (db *DB) UpsertAttachment(a *Attachment) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO attachments (guid, message_guid, chat_guid, mime_type, transfer_name, local_path, total_bytes, transfer_state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET
			mime_type = excluded.mime_type,
			transfer_name = excluded.transfer_name,
			local_path = CASE WHEN excluded.local_path != '' THEN excluded.local_path ELSE attachments.local_path END,
			total_bytes = excluded.total_bytes,
			transfer_state = excluded.transfer_state,
			updated_at = excluded.updated_at`,
		a.GUID, a.MessageGUID, a.ChatGUID, a.MimeType, a.TransferName, a.LocalPath, a.TotalBytes, a.TransferState, now)
	return err
}

// AttachmentsForMessages returns attachments owned by the given message guids.
func (db *DB) AttachmentsForMessages(guids []string) ([]Attachment, error) {
	if len(guids) == 0 {
		return nil, nil
	}
	rows, err := db.Query(`
		SELECT guid, message_guid, chat_guid, mime_type, transfer_name, local_path, total_bytes, transfer_state
		FROM attachments WHERE message_guid IN (`+placeholders(len(guids))+`)
		ORDER BY guid`, guidArgs(guids)...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var atts []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.GUID, &a.MessageGUID, &a.ChatGUID, &a.MimeType, &a.TransferName, &a.LocalPath, &a.TotalBytes, &a.TransferState); err != nil {
			return nil, err
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}

// MarkAttachmentDownloaded records the local path for a finished transfer.
func (db *DB) MarkAttachmentDownloaded(guid, localPath string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE attachments SET local_path = ?, transfer_state = 'done', updated_at = ?
		WHERE guid = ?`, localPath, now, guid)
	return err
}

// MarkAttachmentFailed records a failed transfer.
func (db *DB) MarkAttachmentFailed(guid string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE attachments SET transfer_state = 'failed', updated_at = ?
		WHERE guid = ?`, now, guid)
	return err
}
