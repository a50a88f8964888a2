package store

import (
	"database/sql"
	"fmt"
	"time"
)

// PutResumeRecord stores or replaces the resume handle for a transfer.
// Records keyed only by upload token (item id not yet assigned) are matched
// by token; BindResumeItem attaches the id once the handshake completes.
func (db *DB) PutResumeRecord(r *ResumeRecord) error {
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}
	if r.ItemID != "" {
		if _, err := db.Exec(`DELETE FROM resume_records WHERE item_id = ?`, r.ItemID); err != nil {
			return fmt.Errorf("replace resume record %s: %w", r.ItemID, err)
		}
	}
	_, err := db.Exec(`
		INSERT INTO resume_records (item_id, upload_token, direction, handle, file_name, file_size, mime_type, accepted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ItemID, r.UploadToken, r.Direction, r.Handle, r.FileName, r.FileSize, r.MimeType,
		r.Accepted, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("put resume record: %w", err)
	}
	return nil
}

// GetResumeRecord returns the resume record for an item, or nil.
func (db *DB) GetResumeRecord(itemID string) (*ResumeRecord, error) {
	return db.getResume(`SELECT item_id, upload_token, direction, handle, file_name, file_size, mime_type, accepted, created_at
		FROM resume_records WHERE item_id = ?`, itemID)
}

// GetResumeRecordByToken returns the resume record for a not-yet-identified
// upload, matched by its upload token.
func (db *DB) GetResumeRecordByToken(token string) (*ResumeRecord, error) {
	return db.getResume(`SELECT item_id, upload_token, direction, handle, file_name, file_size, mime_type, accepted, created_at
		FROM resume_records WHERE upload_token = ?`, token)
}

// BindResumeItem attaches the final item id to a token-keyed upload record.
func (db *DB) BindResumeItem(token, itemID string) error {
	_, err := db.Exec(`UPDATE resume_records SET item_id = ? WHERE upload_token = ? AND item_id = ''`,
		itemID, token)
	if err != nil {
		return fmt.Errorf("bind resume item %s: %w", itemID, err)
	}
	return nil
}

// DeleteResumeRecord discards a record once its item reaches a terminal state.
func (db *DB) DeleteResumeRecord(itemID string) error {
	_, err := db.Exec(`DELETE FROM resume_records WHERE item_id = ?`, itemID)
	if err != nil {
		return fmt.Errorf("delete resume record %s: %w", itemID, err)
	}
	return nil
}

func (db *DB) getResume(query string, arg any) (*ResumeRecord, error) {
	var r ResumeRecord
	err := db.QueryRow(query, arg).
		Scan(&r.ItemID, &r.UploadToken, &r.Direction, &r.Handle, &r.FileName, &r.FileSize,
			&r.MimeType, &r.Accepted, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
