// Package engine is the caller-facing surface of the delivery engine: it
// accepts items for delivery, exposes the user-level controls (mark read,
// abort, resend), and composes the internal services into one process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jfcarvalho/courier/internal/bus"
	"github.com/jfcarvalho/courier/internal/config"
	"github.com/jfcarvalho/courier/internal/delivery"
	"github.com/jfcarvalho/courier/internal/expiry"
	"github.com/jfcarvalho/courier/internal/queue"
	"github.com/jfcarvalho/courier/internal/session"
	"github.com/jfcarvalho/courier/internal/store"
	"go.uber.org/zap"
)

// ErrNotAbortable is returned when Abort targets an item that already left
// the abortable states.
var ErrNotAbortable = errors.New("engine: item cannot be aborted in its current state")

// EnqueueRequest describes one item to deliver. An empty ConversationID
// starts a new conversation.
type EnqueueRequest struct {
	ConversationID string
	Kind           store.ConversationKind
	Peer           string   // remote party for one-to-one
	Recipients     []string // explicit recipient set; group chats default to active participants
	Body           string
	FileName       string
	FileSize       int64
	MimeType       string
	IsTransfer     bool
}

type Engine struct {
	cfg      *config.Config
	db       *store.DB
	machine  *delivery.Machine
	coord    *queue.Coordinator
	expiry   *expiry.Scheduler
	sessions session.Layer
	bus      *bus.Bus
	logger   *zap.Logger
}

func New(cfg *config.Config, db *store.DB, m *delivery.Machine, coord *queue.Coordinator,
	sched *expiry.Scheduler, sessions session.Layer, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		db:       db,
		machine:  m,
		coord:    coord,
		expiry:   sched,
		sessions: sessions,
		bus:      b,
		logger:   logger,
	}
}

// Enqueue persists an item as QUEUED and triggers dispatch. The item is
// durable before any network activity happens: a crash right after Enqueue
// returns loses nothing.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Kind == "" {
		req.Kind = store.KindOneToOne
	}
	convID := req.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}
	conv, err := e.db.GetConversation(convID)
	if err != nil {
		return "", err
	}
	if conv == nil {
		conv = &store.Conversation{ID: convID, Kind: req.Kind, State: store.ConvInitiating}
		if err := e.db.UpsertConversation(conv); err != nil {
			return "", err
		}
		for _, addr := range req.Recipients {
			if err := e.db.UpsertParticipant(&store.Participant{
				ConversationID: convID, Address: addr, State: store.PartInviteQueued,
			}); err != nil {
				return "", err
			}
		}
	}

	now := time.Now().UnixMilli()
	var expiresAt int64
	if e.cfg.DeliveryTimeoutSec > 0 {
		expiresAt = now + e.cfg.DeliveryTimeout().Milliseconds()
	}
	it := &store.Item{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Kind:           conv.Kind,
		Direction:      store.DirectionOutgoing,
		Peer:           req.Peer,
		Body:           req.Body,
		FileName:       req.FileName,
		FileSize:       req.FileSize,
		MimeType:       req.MimeType,
		IsTransfer:     req.IsTransfer,
		Status:         store.StatusQueued,
		CreatedAt:      now,
		ExpiresAt:      expiresAt,
	}
	if err := e.db.InsertItem(it); err != nil {
		return "", err
	}

	if conv.Kind != store.KindOneToOne {
		if err := e.fanOut(convID, it.ID, req.Recipients); err != nil {
			return "", err
		}
	}
	e.expiry.Arm(it.ID, expiresAt)
	e.bus.Publish(bus.Event{
		Kind:      bus.KindItemQueued,
		Timestamp: time.Now(),
		Payload: bus.ItemChange{
			ItemID:         it.ID,
			ConversationID: convID,
			Status:         string(store.StatusQueued),
			Timestamp:      now,
		},
	})
	e.coord.Trigger(convID)
	return it.ID, nil
}

// Receive persists an incoming item. The session layer calls this when
// content arrives; the engine never generates incoming items. Items whose
// sender asked for a display notification land as DISPLAY_REPORT_REQUESTED,
// the rest as plain RECEIVED; MarkRead settles either.
func (e *Engine) Receive(_ context.Context, convID string, it *store.Item, displayReportRequested bool) error {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	it.ConversationID = convID
	it.Direction = store.DirectionIncoming
	it.Status = store.StatusReceived
	if displayReportRequested {
		it.Status = store.StatusDisplayReportRequested
	}
	if it.CreatedAt == 0 {
		it.CreatedAt = time.Now().UnixMilli()
	}
	return e.db.InsertItem(it)
}

// MarkRead marks an incoming item displayed locally and best-effort emits a
// display report to the sender. The local state change never depends on the
// report reaching the wire.
func (e *Engine) MarkRead(ctx context.Context, itemID string) error {
	it, err := e.db.GetItem(itemID)
	if err != nil {
		return err
	}
	if it == nil {
		return fmt.Errorf("%w: %s", delivery.ErrNotFound, itemID)
	}
	if it.Direction != store.DirectionIncoming {
		return fmt.Errorf("engine: item %s is not incoming", itemID)
	}
	ts := time.Now().UnixMilli()
	if _, err := e.machine.SetDisplayed(itemID, ts); err != nil {
		return err
	}
	if err := e.sessions.SendDisplayReport(ctx, it.ConversationID, itemID, ts); err != nil {
		e.logger.Warn("display report not sent", zap.String("item_id", itemID), zap.Error(err))
	}
	return nil
}

// Abort cancels an item on the user's request. Queued and paused items abort
// locally; an item mid-send belongs to the session layer, so the engine tears
// the session down and the terminal state arrives through the normal callback
// path. Items that already reached the remote side cannot be aborted.
func (e *Engine) Abort(ctx context.Context, itemID string) error {
	it, err := e.db.GetItem(itemID)
	if err != nil {
		return err
	}
	if it == nil {
		return fmt.Errorf("%w: %s", delivery.ErrNotFound, itemID)
	}
	switch it.Status {
	case store.StatusQueued, store.StatusPaused:
		_, err := e.machine.SetStatus(itemID, store.StatusAborted, store.ReasonAbortedByUser)
		return err
	case store.StatusSending:
		return e.coord.Terminate(ctx, it.ConversationID, store.ReasonAbortedByUser)
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotAbortable, itemID, it.Status)
	}
}

// Resend re-enqueues a failed item as a fresh delivery attempt: new
// timestamps, a new deadline, and a clean recipient slate.
func (e *Engine) Resend(_ context.Context, itemID string) error {
	it, err := e.db.GetItem(itemID)
	if err != nil {
		return err
	}
	if it == nil {
		return fmt.Errorf("%w: %s", delivery.ErrNotFound, itemID)
	}
	if it.Kind != store.KindOneToOne {
		if err := e.db.DeleteReceipts(itemID); err != nil {
			return err
		}
		if err := e.fanOut(it.ConversationID, itemID, nil); err != nil {
			return err
		}
	}
	now := time.Now().UnixMilli()
	var expiresAt int64
	if e.cfg.DeliveryTimeoutSec > 0 {
		expiresAt = now + e.cfg.DeliveryTimeout().Milliseconds()
	}
	if err := e.machine.Resend(itemID, now, now, expiresAt); err != nil {
		return err
	}
	e.expiry.Arm(itemID, expiresAt)
	e.coord.Trigger(it.ConversationID)
	return nil
}

// ClearExpiration removes the delivery deadline from the given items,
// typically after the user acknowledged an expiration notice. Returns how
// many items actually changed.
func (e *Engine) ClearExpiration(ids []string) (int64, error) {
	n, err := e.db.ClearExpiration(ids)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		e.expiry.Cancel(id)
	}
	return n, nil
}

// SetOnline flips the engine's connectivity state; coming online rescans all
// pending work.
func (e *Engine) SetOnline(online bool) {
	e.coord.SetOnline(online)
}

func (e *Engine) fanOut(convID, itemID string, recipients []string) error {
	if len(recipients) == 0 {
		var err error
		recipients, err = e.db.ActiveRecipients(convID)
		if err != nil {
			return err
		}
	}
	if len(recipients) == 0 {
		return nil
	}
	return e.db.FanOut(convID, itemID, recipients)
}
