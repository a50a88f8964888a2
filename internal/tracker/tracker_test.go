package tracker

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jfcarvalho/courier/internal/bus"
	"github.com/jfcarvalho/courier/internal/delivery"
	"github.com/jfcarvalho/courier/internal/lock"
	"github.com/jfcarvalho/courier/internal/store"
	"go.uber.org/zap"
)

func testTracker(t *testing.T) (*Tracker, *store.DB, *bus.Bus) {
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
	m := delivery.NewMachine(db, b, logger)
	return New(db, m, lock.NewKeyed(), b, logger), db, b
}

func insertSent(t *testing.T, db *store.DB, id string, kind store.ConversationKind) {
	t.Helper()
	if err := db.InsertItem(&store.Item{
		ID:             id,
		ConversationID: "c1",
		Kind:           kind,
		Direction:      store.DirectionOutgoing,
		Body:           "hi",
		Status:         store.StatusSent,
		CreatedAt:      time.Now().UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}
}

func drain(ch <-chan bus.Event) []bus.Event {
	var out []bus.Event
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func TestGroupItemDeliveredWhenLastRecipientAcks(t *testing.T) {
	tr, db, _ := testTracker(t)
	insertSent(t, db, "i1", store.KindGroup)
	if err := db.FanOut("c1", "i1", []string{"a", "b", "c"}); err != nil {
		t.Fatal(err)
	}

	for _, r := range []string{"a", "b"} {
		if err := tr.RecordDelivered("c1", r, "i1", 1000); err != nil {
			t.Fatal(err)
		}
	}
	it, _ := db.GetItem("i1")
	if it.Status != store.StatusSent {
		t.Fatalf("status = %s with one recipient outstanding, want SENT", it.Status)
	}

	if err := tr.RecordDelivered("c1", "c", "i1", 2000); err != nil {
		t.Fatal(err)
	}
	it, _ = db.GetItem("i1")
	if it.Status != store.StatusDelivered || it.DeliveredAt != 2000 {
		t.Errorf("item = %s delivered_at=%d, want DELIVERED at 2000", it.Status, it.DeliveredAt)
	}
}

func TestGroupItemDisplayedWhenAllRecipientsDisplay(t *testing.T) {
	tr, db, b := testTracker(t)
	insertSent(t, db, "i1", store.KindGroup)
	if err := db.FanOut("c1", "i1", []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	ch, unsub := b.Subscribe("receipt.", 16)
	defer unsub()

	if err := tr.RecordDisplayed("c1", "a", "i1", 1000); err != nil {
		t.Fatal(err)
	}
	it, _ := db.GetItem("i1")
	if it.Status != store.StatusSent {
		t.Fatalf("status = %s after one display, want SENT", it.Status)
	}

	if err := tr.RecordDisplayed("c1", "b", "i1", 2000); err != nil {
		t.Fatal(err)
	}
	it, _ = db.GetItem("i1")
	if it.Status != store.StatusDisplayed {
		t.Fatalf("status = %s, want DISPLAYED", it.Status)
	}
	if it.DeliveredAt == 0 || it.DeliveredAt > it.DisplayedAt {
		t.Errorf("delivered_at=%d displayed_at=%d, want delivered filled and not trailing", it.DeliveredAt, it.DisplayedAt)
	}

	if evts := drain(ch); len(evts) != 2 {
		t.Errorf("published %d receipt events, want 2", len(evts))
	}
}

func TestDuplicateAckPublishesOnce(t *testing.T) {
	tr, db, b := testTracker(t)
	insertSent(t, db, "i1", store.KindGroup)
	if err := db.FanOut("c1", "i1", []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	ch, unsub := b.Subscribe("receipt.delivered", 16)
	defer unsub()

	for i := 0; i < 3; i++ {
		if err := tr.RecordDelivered("c1", "a", "i1", 1000); err != nil {
			t.Fatal(err)
		}
	}
	if evts := drain(ch); len(evts) != 1 {
		t.Errorf("published %d receipt events for duplicate acks, want 1", len(evts))
	}
}

func TestOneToOneSkipsRecipientRecords(t *testing.T) {
	tr, db, _ := testTracker(t)
	insertSent(t, db, "i1", store.KindOneToOne)

	if err := tr.RecordDelivered("c1", "peer", "i1", 1000); err != nil {
		t.Fatal(err)
	}
	it, _ := db.GetItem("i1")
	if it.Status != store.StatusDelivered {
		t.Fatalf("status = %s, want DELIVERED", it.Status)
	}
	rcpts, err := db.ListReceipts("i1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rcpts) != 0 {
		t.Errorf("one-to-one item grew %d recipient records", len(rcpts))
	}
}

func TestItemFailsOnlyWhenAllRecipientsFail(t *testing.T) {
	tr, db, _ := testTracker(t)
	insertSent(t, db, "i1", store.KindGroup)
	if err := db.FanOut("c1", "i1", []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}

	if err := tr.RecordFailed("c1", "a", "i1", store.ReasonNone); err != nil {
		t.Fatal(err)
	}
	it, _ := db.GetItem("i1")
	if it.Status != store.StatusSent {
		t.Fatalf("status = %s after partial failure, want SENT", it.Status)
	}

	if err := tr.RecordFailed("c1", "b", "i1", store.ReasonNone); err != nil {
		t.Fatal(err)
	}
	it, _ = db.GetItem("i1")
	if it.Status != store.StatusFailed || it.Reason != store.ReasonFailedDelivery {
		t.Errorf("item = %s reason=%q, want FAILED/FAILED_DELIVERY", it.Status, it.Reason)
	}
}

func TestFailureNeverDowngradesDeliveredRecipient(t *testing.T) {
	tr, db, _ := testTracker(t)
	insertSent(t, db, "i1", store.KindGroup)
	if err := db.FanOut("c1", "i1", []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}

	if err := tr.RecordDelivered("c1", "a", "i1", 1000); err != nil {
		t.Fatal(err)
	}
	if err := tr.RecordFailed("c1", "a", "i1", store.ReasonNone); err != nil {
		t.Fatal(err)
	}
	if err := tr.RecordFailed("c1", "b", "i1", store.ReasonNone); err != nil {
		t.Fatal(err)
	}

	it, _ := db.GetItem("i1")
	if it.Status == store.StatusFailed {
		t.Error("item failed although one recipient had been delivered to")
	}
}
