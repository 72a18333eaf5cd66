package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertHandle inserts a handle or updates its display name, returning the
// handle row id.
func (db *DB) UpsertHandle(h *Handle) (int64, error) {
	_, err := db.Exec(`
		INSERT INTO handles (address, service, display_name)
		VALUES (?, ?, ?)
		ON CONFLICT(address, service) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE handles.display_name END`,
		h.Address, h.Service, h.DisplayName)
	if err != nil {
		return 0, err
	}
	var id int64
	err = db.QueryRow(`SELECT id FROM handles WHERE address = ? AND service = ?`, h.Address, h.Service).Scan(&id)
	return id, err
}

// HandlesByIDs returns handles for the given row ids.
func (db *DB) HandlesByIDs(ids []int64) ([]Handle, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := db.Query(`
		SELECT id, address, service, display_name
		FROM handles WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var handles []Handle
	for rows.Next() {
		var h Handle
		if err := rows.Scan(&h.ID, &h.Address, &h.Service, &h.DisplayName); err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}

// HandleByAddress returns a handle by exact address, or nil.
func (db *DB) HandleByAddress(address, service string) (*Handle, error) {
	var h Handle
	err := db.QueryRow(`SELECT id, address, service, display_name FROM handles WHERE address = ? AND service = ?`,
		address, service).Scan(&h.ID, &h.Address, &h.Service, &h.DisplayName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// UpsertContactName records a display name for a normalized address. Names
// from the contact source win over empty values but never get blanked.
func (db *DB) UpsertContactName(normalizedAddress, displayName string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO contacts (normalized_address, display_name, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(normalized_address) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE contacts.display_name END,
			updated_at = excluded.updated_at`,
		normalizedAddress, displayName, now)
	return err
}

// ContactNamesByAddresses returns display names keyed by normalized address.
func (db *DB) ContactNamesByAddresses(normalized []string) (map[string]string, error) {
	if len(normalized) == 0 {
		return map[string]string{}, nil
	}
	rows, err := db.Query(`
		SELECT normalized_address, display_name
		FROM contacts WHERE normalized_address IN (`+placeholders(len(normalized))+`)`,
		guidArgs(normalized)...)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	names := make(map[string]string, len(normalized))
	for rows.Next() {
		var addr, name string
		if err := rows.Scan(&addr, &name); err != nil {
			return nil, err
		}
		if name != "" {
			names[addr] = name
		}
	}
	return names, rows.Err()
}
