// Package tracker records per-recipient delivery and display
// acknowledgements and aggregates them into item-level status. Recipient
// records are the source of truth for multi-recipient items; one-to-one
// items skip them and hit the item directly.
package tracker

import (
	"fmt"
	"time"

	"github.com/jfcarvalho/courier/internal/bus"
	"github.com/jfcarvalho/courier/internal/delivery"
	"github.com/jfcarvalho/courier/internal/lock"
	"github.com/jfcarvalho/courier/internal/store"
	"go.uber.org/zap"
)

// Tracker applies recipient acknowledgements under the owning conversation's
// lock, so aggregation never races with dispatch on the same conversation.
type Tracker struct {
	db      *store.DB
	machine *delivery.Machine
	locks   *lock.Keyed
	bus     *bus.Bus
	logger  *zap.Logger
}

func New(db *store.DB, m *delivery.Machine, locks *lock.Keyed, b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{db: db, machine: m, locks: locks, bus: b, logger: logger}
}

// RecordDelivered applies a delivery acknowledgement from one recipient.
// Duplicates and acknowledgements for already-displayed recipients are
// no-ops. When the last outstanding recipient reaches DELIVERED the item is
// promoted to DELIVERED.
func (t *Tracker) RecordDelivered(conversationID, recipient, itemID string, ts int64) error {
	t.locks.Lock(conversationID)
	defer t.locks.Unlock(conversationID)

	it, err := t.db.GetItem(itemID)
	if err != nil {
		return err
	}
	if it == nil {
		return fmt.Errorf("%w: %s", delivery.ErrNotFound, itemID)
	}
	if it.Kind == store.KindOneToOne {
		_, err := t.machine.SetDelivered(itemID, ts)
		return err
	}

	changed, err := t.db.MarkReceiptDelivered(conversationID, recipient, itemID, ts)
	if err != nil {
		return err
	}
	if changed {
		t.publishReceipt(bus.KindReceiptDelivered, conversationID, recipient, itemID,
			store.RecipientDelivered, store.ReasonNone, ts)
	}
	all, err := t.db.AllReceiptsDelivered(itemID)
	if err != nil {
		return err
	}
	if all {
		_, err = t.machine.SetDelivered(itemID, ts)
		return err
	}
	return nil
}

// RecordDisplayed applies a display acknowledgement from one recipient.
// Display implies delivery for that recipient. When every recipient reaches
// DISPLAYED the item is promoted to DISPLAYED.
func (t *Tracker) RecordDisplayed(conversationID, recipient, itemID string, ts int64) error {
	t.locks.Lock(conversationID)
	defer t.locks.Unlock(conversationID)

	it, err := t.db.GetItem(itemID)
	if err != nil {
		return err
	}
	if it == nil {
		return fmt.Errorf("%w: %s", delivery.ErrNotFound, itemID)
	}
	if it.Kind == store.KindOneToOne {
		_, err := t.machine.SetDisplayed(itemID, ts)
		return err
	}

	changed, err := t.db.MarkReceiptDisplayed(conversationID, recipient, itemID, ts)
	if err != nil {
		return err
	}
	if changed {
		t.publishReceipt(bus.KindReceiptDisplayed, conversationID, recipient, itemID,
			store.RecipientDisplayed, store.ReasonNone, ts)
	}

	// A display also completes the delivery aggregate when this recipient
	// was the last one not yet delivered.
	allDelivered, err := t.db.AllReceiptsDelivered(itemID)
	if err != nil {
		return err
	}
	if allDelivered {
		if _, err := t.machine.SetDelivered(itemID, ts); err != nil {
			return err
		}
	}
	allDisplayed, err := t.db.AllReceiptsDisplayed(itemID)
	if err != nil {
		return err
	}
	if allDisplayed {
		_, err = t.machine.SetDisplayed(itemID, ts)
		return err
	}
	return nil
}

// RecordFailed applies a per-recipient delivery failure. The item fails only
// when every recipient has failed; a partial failure leaves the item's
// aggregate status driven by the remaining recipients.
func (t *Tracker) RecordFailed(conversationID, recipient, itemID string, reason store.Reason) error {
	t.locks.Lock(conversationID)
	defer t.locks.Unlock(conversationID)

	it, err := t.db.GetItem(itemID)
	if err != nil {
		return err
	}
	if it == nil {
		return fmt.Errorf("%w: %s", delivery.ErrNotFound, itemID)
	}
	if reason == store.ReasonNone {
		reason = store.ReasonFailedDelivery
	}
	if it.Kind == store.KindOneToOne {
		_, err := t.machine.SetStatus(itemID, store.StatusFailed, reason)
		return err
	}

	changed, err := t.db.MarkReceiptFailed(conversationID, recipient, itemID, reason)
	if err != nil {
		return err
	}
	if changed {
		t.publishReceipt(bus.KindReceiptFailed, conversationID, recipient, itemID,
			store.RecipientFailed, reason, time.Now().UnixMilli())
	}
	all, err := t.db.AllReceiptsFailed(itemID)
	if err != nil {
		return err
	}
	if all {
		_, err = t.machine.SetStatus(itemID, store.StatusFailed, reason)
		return err
	}
	return nil
}

func (t *Tracker) publishReceipt(kind, convID, recipient, itemID string, st store.RecipientStatus, reason store.Reason, ts int64) {
	t.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload: bus.ReceiptChange{
			ItemID:         itemID,
			ConversationID: convID,
			Recipient:      recipient,
			Status:         string(st),
			Reason:         string(reason),
			Timestamp:      ts,
		},
	})
}
