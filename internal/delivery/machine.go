// Package delivery implements the canonical lifecycle for a single item:
// legal states, legal transitions, and the notifications each transition
// produces. Every transition is atomic with its persistence write; nothing
// is broadcast unless a row actually changed.
package delivery

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jfcarvalho/courier/internal/bus"
	"github.com/jfcarvalho/courier/internal/store"
	"go.uber.org/zap"
)

// ErrTimestampedOnly rejects DELIVERED/DISPLAYED through the generic path;
// those states are only reachable via SetDelivered/SetDisplayed.
var ErrTimestampedOnly = errors.New("delivery: DELIVERED/DISPLAYED require the timestamped transition")

// ErrNotFound is returned for transitions on unknown items.
var ErrNotFound = errors.New("delivery: item not found")

// ErrNotResendable is returned when Resend is called on an item that has not
// terminally failed.
var ErrNotResendable = errors.New("delivery: item is not in a terminal failed state")

// validTransitions defines the legal outgoing edges per status. DELIVERED
// and DISPLAYED appear only as timestamped-transition targets; the generic
// path never reaches them. SENDING->QUEUED and PAUSED->QUEUED are the
// crash-recovery and transient-retry edges.
var validTransitions = map[store.Status][]store.Status{
	store.StatusQueued:    {store.StatusSending, store.StatusPaused, store.StatusFailed, store.StatusRejected, store.StatusAborted},
	store.StatusSending:   {store.StatusSent, store.StatusQueued, store.StatusPaused, store.StatusFailed, store.StatusRejected, store.StatusAborted},
	store.StatusPaused:    {store.StatusQueued, store.StatusSending, store.StatusFailed, store.StatusAborted},
	store.StatusSent:      {store.StatusDelivered, store.StatusDisplayed, store.StatusFailed},
	store.StatusDelivered: {store.StatusDisplayed},

	store.StatusReceived:               {store.StatusDisplayReportRequested, store.StatusDisplayed, store.StatusFailed, store.StatusAborted},
	store.StatusDisplayReportRequested: {store.StatusDisplayed},
}

// ExpirationCanceler cancels a pending delivery deadline for an item.
// Satisfied by the expiry scheduler; a nil canceler is legal in tests.
type ExpirationCanceler interface {
	Cancel(itemID string)
}

// Machine drives item status transitions against the store and publishes a
// bus event for each transition that changed a row.
type Machine struct {
	db     *store.DB
	bus    *bus.Bus
	expiry ExpirationCanceler
	logger *zap.Logger
}

// NewMachine creates a delivery state machine.
func NewMachine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Machine {
	return &Machine{db: db, bus: b, logger: logger}
}

// SetCanceler wires the expiration scheduler after construction; the
// scheduler itself depends on the store, so the two attach at engine wiring.
func (m *Machine) SetCanceler(c ExpirationCanceler) {
	m.expiry = c
}

// SetStatus performs the generic transition, returning whether a row changed.
// Callers must only emit external effects when it returns true. Setting
// DELIVERED or DISPLAYED through this path is a precondition failure.
func (m *Machine) SetStatus(itemID string, to store.Status, reason store.Reason) (bool, error) {
	if to == store.StatusDelivered || to == store.StatusDisplayed {
		return false, ErrTimestampedOnly
	}
	it, err := m.db.GetItem(itemID)
	if err != nil {
		return false, err
	}
	if it == nil {
		return false, fmt.Errorf("%w: %s", ErrNotFound, itemID)
	}
	if it.Status == to {
		return false, nil
	}
	if !slices.Contains(validTransitions[it.Status], to) {
		return false, fmt.Errorf("delivery: invalid transition %s -> %s for item %s", it.Status, to, itemID)
	}
	changed, err := m.db.UpdateItemStatus(itemID, it.Status, to, reason)
	if err != nil {
		return false, err
	}
	if !changed {
		// Lost a race with another transition; the winner already notified.
		return false, nil
	}
	if to.Terminal() {
		m.cancelExpiry(itemID)
		if err := m.db.DeleteResumeRecord(itemID); err != nil {
			m.logger.Warn("failed to drop resume record", zap.String("item_id", itemID), zap.Error(err))
		}
	}
	m.publish(kindFor(to), it.ConversationID, itemID, to, reason, 0)
	return true, nil
}

// SetDelivered records the delivery acknowledgement timestamp. A no-op once
// the item is DELIVERED or DISPLAYED; cancels any pending deadline.
func (m *Machine) SetDelivered(itemID string, ts int64) (bool, error) {
	it, err := m.db.GetItem(itemID)
	if err != nil {
		return false, err
	}
	if it == nil {
		return false, fmt.Errorf("%w: %s", ErrNotFound, itemID)
	}
	changed, err := m.db.SetItemDelivered(itemID, ts)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	m.cancelExpiry(itemID)
	m.publish(bus.KindItemDelivered, it.ConversationID, itemID, store.StatusDelivered, store.ReasonNone, ts)
	return true, nil
}

// SetDisplayed records the display acknowledgement timestamp, filling the
// delivery timestamp if it was never reported; cancels any pending deadline.
func (m *Machine) SetDisplayed(itemID string, ts int64) (bool, error) {
	it, err := m.db.GetItem(itemID)
	if err != nil {
		return false, err
	}
	if it == nil {
		return false, fmt.Errorf("%w: %s", ErrNotFound, itemID)
	}
	changed, err := m.db.SetItemDisplayed(itemID, ts)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	m.cancelExpiry(itemID)
	if err := m.db.DeleteResumeRecord(itemID); err != nil {
		m.logger.Warn("failed to drop resume record", zap.String("item_id", itemID), zap.Error(err))
	}
	m.publish(bus.KindItemDisplayed, it.ConversationID, itemID, store.StatusDisplayed, store.ReasonNone, ts)
	return true, nil
}

// Resend re-enqueues a terminally failed item with fresh timestamps and a
// fresh deadline. The delivery/display timestamps reset to zero: the resent
// payload is a new delivery attempt.
func (m *Machine) Resend(itemID string, createdTs, sentTs, expiresAt int64) error {
	it, err := m.db.GetItem(itemID)
	if err != nil {
		return err
	}
	if it == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, itemID)
	}
	switch it.Status {
	case store.StatusFailed, store.StatusRejected, store.StatusAborted:
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotResendable, itemID, it.Status)
	}
	changed, err := m.db.SetItemSentTimestamps(itemID, store.StatusQueued, store.ReasonNone, createdTs, sentTs, expiresAt)
	if err != nil {
		return err
	}
	if changed {
		m.publish(bus.KindItemQueued, it.ConversationID, itemID, store.StatusQueued, store.ReasonNone, sentTs)
	}
	return nil
}

func (m *Machine) cancelExpiry(itemID string) {
	if m.expiry != nil {
		m.expiry.Cancel(itemID)
	}
}

func (m *Machine) publish(kind, convID, itemID string, st store.Status, reason store.Reason, ts int64) {
	m.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload: bus.ItemChange{
			ItemID:         itemID,
			ConversationID: convID,
			Status:         string(st),
			Reason:         string(reason),
			Timestamp:      ts,
		},
	})
}

func kindFor(st store.Status) string {
	switch st {
	case store.StatusQueued:
		return bus.KindItemQueued
	case store.StatusSending:
		return bus.KindItemSending
	case store.StatusSent:
		return bus.KindItemSent
	case store.StatusFailed:
		return bus.KindItemFailed
	case store.StatusRejected:
		return bus.KindItemRejected
	case store.StatusAborted:
		return bus.KindItemAborted
	default:
		return "item.changed"
	}
}
