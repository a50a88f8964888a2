package store

import (
	"fmt"
	"time"
)

// FanOut creates one NOT_DELIVERED receipt per intended recipient of a
// multi-recipient item, in a single transaction.
func (db *DB) FanOut(conversationID, itemID string, recipients []string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, r := range recipients {
		if _, err := tx.Exec(`
			INSERT INTO receipts (conversation_id, recipient, item_id, status, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, recipient, item_id) DO NOTHING`,
			conversationID, r, itemID, RecipientNotDelivered, now); err != nil {
			return fmt.Errorf("fan out receipt for %q: %w", r, err)
		}
	}
	return tx.Commit()
}

// MarkReceiptDelivered upserts a recipient's record to DELIVERED, reporting
// whether a row changed. A recipient already DELIVERED or DISPLAYED is left
// alone: display is strictly ahead of delivery, and duplicates are no-ops.
// An acknowledgement arriving before any fan-out record inserts one.
func (db *DB) MarkReceiptDelivered(conversationID, recipient, itemID string, ts int64) (bool, error) {
	res, err := db.Exec(`
		INSERT INTO receipts (conversation_id, recipient, item_id, status, delivered_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, recipient, item_id) DO UPDATE SET
			status = excluded.status,
			reason = '',
			delivered_at = excluded.delivered_at,
			updated_at = excluded.updated_at
		WHERE receipts.status NOT IN (?, ?)`,
		conversationID, recipient, itemID, RecipientDelivered, ts, time.Now().UnixMilli(),
		RecipientDelivered, RecipientDisplayed)
	if err != nil {
		return false, fmt.Errorf("mark receipt delivered: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkReceiptDisplayed upserts a recipient's record to DISPLAYED. A record
// already DISPLAYED is a no-op; a zero delivered_at is filled with the same
// timestamp so delivery never trails display.
func (db *DB) MarkReceiptDisplayed(conversationID, recipient, itemID string, ts int64) (bool, error) {
	res, err := db.Exec(`
		INSERT INTO receipts (conversation_id, recipient, item_id, status, delivered_at, displayed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, recipient, item_id) DO UPDATE SET
			status = excluded.status,
			reason = '',
			delivered_at = CASE WHEN receipts.delivered_at = 0 THEN excluded.delivered_at ELSE receipts.delivered_at END,
			displayed_at = excluded.displayed_at,
			updated_at = excluded.updated_at
		WHERE receipts.status != ?`,
		conversationID, recipient, itemID, RecipientDisplayed, ts, ts, time.Now().UnixMilli(),
		RecipientDisplayed)
	if err != nil {
		return false, fmt.Errorf("mark receipt displayed: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkReceiptFailed upserts a recipient's record to FAILED with the given
// reason. Recipients that already reached DELIVERED or DISPLAYED are never
// downgraded.
func (db *DB) MarkReceiptFailed(conversationID, recipient, itemID string, reason Reason) (bool, error) {
	res, err := db.Exec(`
		INSERT INTO receipts (conversation_id, recipient, item_id, status, reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, recipient, item_id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			updated_at = excluded.updated_at
		WHERE receipts.status NOT IN (?, ?, ?)`,
		conversationID, recipient, itemID, RecipientFailed, reason, time.Now().UnixMilli(),
		RecipientDelivered, RecipientDisplayed, RecipientFailed)
	if err != nil {
		return false, fmt.Errorf("mark receipt failed: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteReceipts removes every recipient record for an item, used before a
// resend re-fans out with fresh NOT_DELIVERED records.
func (db *DB) DeleteReceipts(itemID string) error {
	_, err := db.Exec(`DELETE FROM receipts WHERE item_id = ?`, itemID)
	if err != nil {
		return fmt.Errorf("delete receipts for %s: %w", itemID, err)
	}
	return nil
}

// ListReceipts returns all recipient records for an item.
func (db *DB) ListReceipts(itemID string) ([]Receipt, error) {
	rows, err := db.Query(`
		SELECT conversation_id, recipient, item_id, status, reason, delivered_at, displayed_at
		FROM receipts WHERE item_id = ? ORDER BY recipient ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rcpts []Receipt
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.ConversationID, &r.Recipient, &r.ItemID, &r.Status, &r.Reason,
			&r.DeliveredAt, &r.DisplayedAt); err != nil {
			return nil, err
		}
		rcpts = append(rcpts, r)
	}
	return rcpts, rows.Err()
}

// AllReceiptsDelivered reports whether every recipient record for the item is
// in DELIVERED or DISPLAYED. False when the item has no records at all.
func (db *DB) AllReceiptsDelivered(itemID string) (bool, error) {
	var total, short int
	err := db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status NOT IN (?, ?) THEN 1 ELSE 0 END), 0)
		FROM receipts WHERE item_id = ?`,
		RecipientDelivered, RecipientDisplayed, itemID).Scan(&total, &short)
	if err != nil {
		return false, err
	}
	return total > 0 && short == 0, nil
}

// AllReceiptsDisplayed reports whether every recipient record for the item is
// DISPLAYED.
func (db *DB) AllReceiptsDisplayed(itemID string) (bool, error) {
	var total, short int
	err := db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status != ? THEN 1 ELSE 0 END), 0)
		FROM receipts WHERE item_id = ?`,
		RecipientDisplayed, itemID).Scan(&total, &short)
	if err != nil {
		return false, err
	}
	return total > 0 && short == 0, nil
}

// AllReceiptsFailed reports whether every recipient record for the item is
// FAILED. One failure among many never alone fails the item.
func (db *DB) AllReceiptsFailed(itemID string) (bool, error) {
	var total, ok int
	err := db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status != ? THEN 1 ELSE 0 END), 0)
		FROM receipts WHERE item_id = ?`,
		RecipientFailed, itemID).Scan(&total, &ok)
	if err != nil {
		return false, err
	}
	return total > 0 && ok == 0, nil
}
