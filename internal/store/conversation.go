package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertConversation inserts or updates a conversation record. Kind is set
// once at creation and never changed on conflict.
func (db *DB) UpsertConversation(c *Conversation) error {
	_, err := db.Exec(`
		INSERT INTO conversations (id, kind, state, reason, rejoin_handle, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			rejoin_handle = CASE WHEN excluded.rejoin_handle != '' THEN excluded.rejoin_handle ELSE conversations.rejoin_handle END,
			updated_at = excluded.updated_at`,
		c.ID, c.Kind, c.State, c.Reason, c.RejoinHandle, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert conversation %s: %w", c.ID, err)
	}
	return nil
}

// GetConversation returns a conversation by id, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, kind, state, reason, rejoin_handle FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Kind, &c.State, &c.Reason, &c.RejoinHandle)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetConversationState updates a conversation's state and reason, reporting
// whether a row changed.
func (db *DB) SetConversationState(id string, state ConversationState, reason Reason) (bool, error) {
	res, err := db.Exec(`
		UPDATE conversations SET state = ?, reason = ?, updated_at = ?
		WHERE id = ? AND state != ?`,
		state, reason, time.Now().UnixMilli(), id, state)
	if err != nil {
		return false, fmt.Errorf("set conversation %s state: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetRejoinHandle stores the handle a future rejoin attempt will use.
func (db *DB) SetRejoinHandle(id, handle string) error {
	_, err := db.Exec(`UPDATE conversations SET rejoin_handle = ?, updated_at = ? WHERE id = ?`,
		handle, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set rejoin handle for %s: %w", id, err)
	}
	return nil
}

// ListConversations returns all conversations, most recently updated first.
func (db *DB) ListConversations(limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, kind, state, reason, rejoin_handle
		FROM conversations ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Kind, &c.State, &c.Reason, &c.RejoinHandle); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// UpsertParticipant inserts or updates a participant's membership state.
func (db *DB) UpsertParticipant(p *Participant) error {
	_, err := db.Exec(`
		INSERT INTO participants (conversation_id, address, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, address) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at`,
		p.ConversationID, p.Address, p.State, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert participant %s/%s: %w", p.ConversationID, p.Address, err)
	}
	return nil
}

// Participants returns every participant of a conversation.
func (db *DB) Participants(conversationID string) ([]Participant, error) {
	rows, err := db.Query(`
		SELECT conversation_id, address, state FROM participants
		WHERE conversation_id = ? ORDER BY address ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var parts []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ConversationID, &p.Address, &p.State); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// ActiveRecipients returns the addresses of participants in an active state,
// the recipient set a new item fans out to.
func (db *DB) ActiveRecipients(conversationID string) ([]string, error) {
	parts, err := db.Participants(conversationID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range parts {
		if p.State.Active() {
			out = append(out, p.Address)
		}
	}
	return out, nil
}
