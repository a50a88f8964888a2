package expiry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jfcarvalho/courier/internal/bus"
	"github.com/jfcarvalho/courier/internal/store"
	"go.uber.org/zap"
)

func testScheduler(t *testing.T) (*Scheduler, *store.DB, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	logger, _ := zap.NewDevelopment()
	s := NewScheduler(db, b, logger)
	t.Cleanup(s.Stop)
	return s, db, b
}

func insertItem(t *testing.T, db *store.DB, id string, expiresAt int64) {
	t.Helper()
	if err := db.InsertItem(&store.Item{
		ID:             id,
		ConversationID: "c1",
		Kind:           store.KindOneToOne,
		Direction:      store.DirectionOutgoing,
		Status:         store.StatusSent,
		CreatedAt:      time.Now().UnixMilli(),
		ExpiresAt:      expiresAt,
	}); err != nil {
		t.Fatal(err)
	}
}

func waitEvent(t *testing.T, ch <-chan bus.Event, timeout time.Duration) *bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return &evt
	case <-time.After(timeout):
		return nil
	}
}

func TestDeadlineFiresAndPublishes(t *testing.T) {
	s, db, b := testScheduler(t)
	deadline := time.Now().Add(20 * time.Millisecond).UnixMilli()
	insertItem(t, db, "i1", deadline)
	ch, unsub := b.Subscribe(bus.KindItemExpired, 4)
	defer unsub()

	s.Arm("i1", deadline)

	evt := waitEvent(t, ch, time.Second)
	if evt == nil {
		t.Fatal("no item.expired event")
	}
	it, _ := db.GetItem("i1")
	if !it.Expired {
		t.Error("item not flagged expired")
	}
}

func TestCancelPreventsFire(t *testing.T) {
	s, db, b := testScheduler(t)
	deadline := time.Now().Add(20 * time.Millisecond).UnixMilli()
	insertItem(t, db, "i1", deadline)
	ch, unsub := b.Subscribe(bus.KindItemExpired, 4)
	defer unsub()

	s.Arm("i1", deadline)
	s.Cancel("i1")

	if evt := waitEvent(t, ch, 100*time.Millisecond); evt != nil {
		t.Fatal("cancelled deadline still fired")
	}
	it, _ := db.GetItem("i1")
	if it.Expired {
		t.Error("item flagged expired after cancel")
	}
}

func TestFireAfterDeliveryIsNoop(t *testing.T) {
	s, db, b := testScheduler(t)
	deadline := time.Now().Add(20 * time.Millisecond).UnixMilli()
	insertItem(t, db, "i1", deadline)
	if _, err := db.SetItemDelivered("i1", time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}
	ch, unsub := b.Subscribe(bus.KindItemExpired, 4)
	defer unsub()

	s.Arm("i1", deadline)

	if evt := waitEvent(t, ch, 100*time.Millisecond); evt != nil {
		t.Fatal("deadline fired on a delivered item")
	}
	it, _ := db.GetItem("i1")
	if it.Expired {
		t.Error("delivered item flagged expired")
	}
}

func TestZeroDeadlineNeverArms(t *testing.T) {
	s, db, b := testScheduler(t)
	insertItem(t, db, "i1", 0)
	ch, unsub := b.Subscribe(bus.KindItemExpired, 4)
	defer unsub()

	s.Arm("i1", 0)

	if evt := waitEvent(t, ch, 100*time.Millisecond); evt != nil {
		t.Fatal("zero deadline fired")
	}
}

func TestRearmPendingRebuildsTimers(t *testing.T) {
	s, db, b := testScheduler(t)
	insertItem(t, db, "i1", time.Now().Add(20*time.Millisecond).UnixMilli())
	insertItem(t, db, "i2", 0)
	ch, unsub := b.Subscribe(bus.KindItemExpired, 4)
	defer unsub()

	if err := s.RearmPending(); err != nil {
		t.Fatal(err)
	}

	evt := waitEvent(t, ch, time.Second)
	if evt == nil {
		t.Fatal("rearmed deadline never fired")
	}
	if evt.Payload.(bus.ItemChange).ItemID != "i1" {
		t.Errorf("expired item = %s, want i1", evt.Payload.(bus.ItemChange).ItemID)
	}
}
