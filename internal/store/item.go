package store

import (
	"database/sql"
	"fmt"
	"strings"
)

const itemColumns = `id, conversation_id, kind, direction, peer, body, file_name, file_size,
	mime_type, is_transfer, status, reason, created_at, sent_at, delivered_at,
	displayed_at, expires_at, expired, transferred_bytes`

// InsertItem persists a new item. The caller is responsible for setting
// StatusQueued on outgoing items; this is the only insert path.
func (db *DB) InsertItem(it *Item) error {
	_, err := db.Exec(`
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.ConversationID, it.Kind, it.Direction, it.Peer, it.Body, it.FileName,
		it.FileSize, it.MimeType, it.IsTransfer, it.Status, it.Reason, it.CreatedAt,
		it.SentAt, it.DeliveredAt, it.DisplayedAt, it.ExpiresAt, it.Expired, it.Transferred)
	if err != nil {
		return fmt.Errorf("insert item %s: %w", it.ID, err)
	}
	return nil
}

// GetItem returns an item by id, or nil if it does not exist.
func (db *DB) GetItem(id string) (*Item, error) {
	row := db.QueryRow(`SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// UpdateItemStatus moves an item from one status to another, reporting
// whether a row actually changed. The WHERE guard on the previous status
// makes racing transitions lose cleanly instead of double-firing.
func (db *DB) UpdateItemStatus(id string, from, to Status, reason Reason) (bool, error) {
	res, err := db.Exec(`UPDATE items SET status = ?, reason = ? WHERE id = ? AND status = ?`,
		to, reason, id, from)
	if err != nil {
		return false, fmt.Errorf("update item %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetItemDelivered records the delivery timestamp and promotes the item to
// DELIVERED. A no-op once the item is DELIVERED or DISPLAYED (display is
// strictly ahead of delivery, and the timestamp is set at most once) or once
// it settled in FAILED, REJECTED, or ABORTED: a late receipt must not
// resurrect a terminal item.
func (db *DB) SetItemDelivered(id string, ts int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE items SET status = ?, reason = '', delivered_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?, ?, ?) AND delivered_at = 0`,
		StatusDelivered, ts, id,
		StatusDelivered, StatusDisplayed, StatusFailed, StatusRejected, StatusAborted)
	if err != nil {
		return false, fmt.Errorf("set item %s delivered: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetItemDisplayed records the display timestamp and promotes the item to
// DISPLAYED. Display implies delivery, so a zero delivered_at is filled with
// the same timestamp, keeping delivered_at <= displayed_at. The same terminal
// guard as SetItemDelivered applies.
func (db *DB) SetItemDisplayed(id string, ts int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE items SET status = ?, reason = '',
			delivered_at = CASE WHEN delivered_at = 0 THEN ? ELSE delivered_at END,
			displayed_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?, ?) AND displayed_at = 0`,
		StatusDisplayed, ts, ts, id,
		StatusDisplayed, StatusFailed, StatusRejected, StatusAborted)
	if err != nil {
		return false, fmt.Errorf("set item %s displayed: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetItemSentTimestamps updates status together with fresh creation/sent
// timestamps and a fresh deadline, used when a resend changes the effective
// payload timestamp.
func (db *DB) SetItemSentTimestamps(id string, status Status, reason Reason, createdTs, sentTs, expiresAt int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE items SET status = ?, reason = ?, created_at = ?, sent_at = ?,
			delivered_at = 0, displayed_at = 0, expires_at = ?, expired = 0
		WHERE id = ?`,
		status, reason, createdTs, sentTs, expiresAt, id)
	if err != nil {
		return false, fmt.Errorf("set item %s sent timestamps: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetItemExpired flags an item whose delivery deadline passed before it was
// delivered or displayed. The status itself is left untouched.
func (db *DB) SetItemExpired(id string) (bool, error) {
	res, err := db.Exec(`
		UPDATE items SET expired = 1
		WHERE id = ? AND expired = 0 AND delivered_at = 0 AND displayed_at = 0`, id)
	if err != nil {
		return false, fmt.Errorf("set item %s expired: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClearExpiration resets the expired flag and deadline on the given items.
// Items already delivered or displayed are left alone.
func (db *DB) ClearExpiration(ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := db.Exec(`
		UPDATE items SET expired = 0, expires_at = 0
		WHERE id IN (`+placeholders+`) AND delivered_at = 0 AND displayed_at = 0`, args...)
	if err != nil {
		return 0, fmt.Errorf("clear expiration: %w", err)
	}
	return res.RowsAffected()
}

// SetItemProgress persists the transferred byte count for a file transfer.
func (db *DB) SetItemProgress(id string, transferred int64) error {
	_, err := db.Exec(`UPDATE items SET transferred_bytes = ? WHERE id = ?`, transferred, id)
	if err != nil {
		return fmt.Errorf("set item %s progress: %w", id, err)
	}
	return nil
}

// QueuedItems returns a conversation's outgoing items still in QUEUED state,
// in creation-timestamp order. This is the dispatch scan's work list.
func (db *DB) QueuedItems(conversationID string) ([]Item, error) {
	rows, err := db.Query(`
		SELECT `+itemColumns+` FROM items
		WHERE conversation_id = ? AND status = ? AND direction = ?
		ORDER BY created_at ASC`,
		conversationID, StatusQueued, DirectionOutgoing)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectItems(rows)
}

// FailQueuedItems marks every queued item of a conversation FAILED in bulk,
// returning the affected ids so the caller can notify for each.
func (db *DB) FailQueuedItems(conversationID string, reason Reason) ([]string, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`SELECT id FROM items WHERE conversation_id = ? AND status = ?`,
		conversationID, StatusQueued)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if _, err := tx.Exec(`UPDATE items SET status = ?, reason = ? WHERE conversation_id = ? AND status = ?`,
		StatusFailed, reason, conversationID, StatusQueued); err != nil {
		return nil, fmt.Errorf("bulk fail queued: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

// ConversationsWithQueued returns the ids of conversations holding at least
// one queued outgoing item, used to fan triggers on connectivity regain.
func (db *DB) ConversationsWithQueued() ([]string, error) {
	rows, err := db.Query(`
		SELECT DISTINCT conversation_id FROM items WHERE status = ? AND direction = ?`,
		StatusQueued, DirectionOutgoing)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InFlightTransfers returns file transfers whose last known state reflects an
// interrupted session (mid-send or system-paused), for the resume registry.
func (db *DB) InFlightTransfers() ([]Item, error) {
	rows, err := db.Query(`
		SELECT `+itemColumns+` FROM items
		WHERE is_transfer = 1 AND status IN (?, ?)
		ORDER BY created_at ASC`,
		StatusSending, StatusPaused)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectItems(rows)
}

// RequeueSendingMessages moves non-transfer items stuck in SENDING back to
// QUEUED, recovering dispatches interrupted by a crash. Returns the ids of
// the affected conversations so their scans can be retriggered.
func (db *DB) RequeueSendingMessages() ([]string, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
		SELECT DISTINCT conversation_id FROM items
		WHERE status = ? AND is_transfer = 0 AND direction = ?`,
		StatusSending, DirectionOutgoing)
	if err != nil {
		return nil, err
	}
	var convs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		convs = append(convs, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if _, err := tx.Exec(`
		UPDATE items SET status = ?
		WHERE status = ? AND is_transfer = 0 AND direction = ?`,
		StatusQueued, StatusSending, DirectionOutgoing); err != nil {
		return nil, fmt.Errorf("requeue sending messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return convs, nil
}

// SendingItems returns a conversation's outgoing items stuck in SENDING,
// used to park work when a session drops mid-dispatch.
func (db *DB) SendingItems(conversationID string) ([]Item, error) {
	rows, err := db.Query(`
		SELECT `+itemColumns+` FROM items
		WHERE conversation_id = ? AND status = ? AND direction = ?
		ORDER BY created_at ASC`,
		conversationID, StatusSending, DirectionOutgoing)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectItems(rows)
}

// PendingExpirations returns items whose deadline is armed but not yet fired:
// a non-zero deadline, not expired, and not delivered or displayed. Timers
// are rebuilt from this set at process start.
func (db *DB) PendingExpirations() ([]Item, error) {
	rows, err := db.Query(`
		SELECT `+itemColumns+` FROM items
		WHERE expires_at > 0 AND expired = 0 AND delivered_at = 0 AND displayed_at = 0
			AND status NOT IN (?, ?, ?)`,
		StatusFailed, StatusRejected, StatusAborted)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectItems(rows)
}

// ListItems returns a conversation's items using keyset pagination by
// creation timestamp, newest first.
func (db *DB) ListItems(conversationID string, beforeTs int64, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = int64(1)<<62 - 1
	}
	rows, err := db.Query(`
		SELECT `+itemColumns+` FROM items
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectItems(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (*Item, error) {
	var it Item
	err := r.Scan(&it.ID, &it.ConversationID, &it.Kind, &it.Direction, &it.Peer, &it.Body,
		&it.FileName, &it.FileSize, &it.MimeType, &it.IsTransfer, &it.Status, &it.Reason,
		&it.CreatedAt, &it.SentAt, &it.DeliveredAt, &it.DisplayedAt, &it.ExpiresAt,
		&it.Expired, &it.Transferred)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func collectItems(rows *sql.Rows) ([]Item, error) {
	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}
