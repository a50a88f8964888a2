// Package convo manages conversation session lifecycle: establishing and
// re-establishing sessions, rejoin bookkeeping for group chats, and
// participant membership.
package convo

import (
	"context"
	"errors"
	"time"

	"github.com/jfcarvalho/courier/internal/bus"
	"github.com/jfcarvalho/courier/internal/session"
	"github.com/jfcarvalho/courier/internal/store"
	"go.uber.org/zap"
)

type Manager struct {
	db       *store.DB
	sessions session.Layer
	bus      *bus.Bus
	logger   *zap.Logger
}

func NewManager(db *store.DB, sessions session.Layer, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{db: db, sessions: sessions, bus: b, logger: logger}
}

// Reestablish brings a conversation's session back up. Group conversations
// with a stored rejoin handle are rejoined first to preserve history and
// membership; only if the rejoin is refused does it fall back to one fresh
// session creation. A transient fault (no network yet) leaves the queued
// items untouched for the next trigger; only a permanent restart failure
// bulk-fails them and marks the conversation FAILED, so no item waits
// forever on a dead session.
func (m *Manager) Reestablish(ctx context.Context, conv *store.Conversation) (session.Handle, error) {
	m.SetState(conv.ID, store.ConvInitiating, store.ReasonNone)

	if conv.RejoinHandle != "" {
		h, err := m.sessions.Rejoin(ctx, conv, conv.RejoinHandle)
		if err == nil {
			return h, nil
		}
		m.logger.Warn("rejoin refused, creating fresh session",
			zap.String("conversation_id", conv.ID), zap.Error(err))
	}

	h, err := m.sessions.Create(ctx, conv, session.ProtocolChat)
	if err != nil {
		if transient(err) {
			return nil, err
		}
		m.failRestart(conv.ID)
		return nil, err
	}
	return h, nil
}

func transient(err error) bool {
	return errors.Is(err, session.ErrNetworkUnavailable) ||
		errors.Is(err, session.ErrNotEstablished)
}

// Established records a successful session start: the conversation moves to
// STARTED and, for group chats, the session id is kept as the rejoin handle
// for the next restart.
func (m *Manager) Established(conv *store.Conversation, h session.Handle) {
	if conv.Kind == store.KindGroup && h.ID() != "" {
		if err := m.db.SetRejoinHandle(conv.ID, h.ID()); err != nil {
			m.logger.Warn("failed to store rejoin handle",
				zap.String("conversation_id", conv.ID), zap.Error(err))
		}
	}
	m.SetState(conv.ID, store.ConvStarted, store.ReasonNone)
}

// SetState persists a conversation state change and publishes it, only when
// a row actually changed.
func (m *Manager) SetState(conversationID string, state store.ConversationState, reason store.Reason) {
	changed, err := m.db.SetConversationState(conversationID, state, reason)
	if err != nil {
		m.logger.Error("failed to set conversation state",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	if !changed {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindConversationState,
		Timestamp: time.Now(),
		Payload: bus.ConversationChange{
			ConversationID: conversationID,
			State:          string(state),
			Reason:         string(reason),
		},
	})
}

// ApplyParticipants merges a membership snapshot from the session layer and
// publishes the resulting active set.
func (m *Manager) ApplyParticipants(conversationID string, parts []store.Participant) {
	for i := range parts {
		p := parts[i]
		p.ConversationID = conversationID
		if err := m.db.UpsertParticipant(&p); err != nil {
			m.logger.Error("failed to upsert participant",
				zap.String("conversation_id", conversationID),
				zap.String("address", p.Address), zap.Error(err))
		}
	}
	active, err := m.db.ActiveRecipients(conversationID)
	if err != nil {
		m.logger.Error("failed to load active recipients",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindConversationParticipants,
		Timestamp: time.Now(),
		Payload: bus.ConversationChange{
			ConversationID: conversationID,
			Participants:   active,
		},
	})
}

func (m *Manager) failRestart(conversationID string) {
	ids, err := m.db.FailQueuedItems(conversationID, store.ReasonSessionFailed)
	if err != nil {
		m.logger.Error("failed to bulk-fail queued items",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
	for _, id := range ids {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindItemFailed,
			Timestamp: time.Now(),
			Payload: bus.ItemChange{
				ItemID:         id,
				ConversationID: conversationID,
				Status:         string(store.StatusFailed),
				Reason:         string(store.ReasonSessionFailed),
			},
		})
	}
	m.SetState(conversationID, store.ConvFailed, store.ReasonSessionFailed)
}
