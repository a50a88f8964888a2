package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jfcarvalho/courier/internal/bus"
	"github.com/jfcarvalho/courier/internal/capability"
	"github.com/jfcarvalho/courier/internal/config"
	"github.com/jfcarvalho/courier/internal/convo"
	"github.com/jfcarvalho/courier/internal/delivery"
	"github.com/jfcarvalho/courier/internal/expiry"
	"github.com/jfcarvalho/courier/internal/lock"
	"github.com/jfcarvalho/courier/internal/queue"
	"github.com/jfcarvalho/courier/internal/session"
	"github.com/jfcarvalho/courier/internal/store"
	"github.com/jfcarvalho/courier/internal/tracker"
	"go.uber.org/zap"
)

type env struct {
	engine *Engine
	db     *store.DB
	bus    *bus.Bus
	lb     *session.Loopback
	cfg    *config.Config
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Default()
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	locks := lock.NewKeyed()
	lb := session.NewLoopback()
	m := delivery.NewMachine(db, b, logger)
	sched := expiry.NewScheduler(db, b, logger)
	m.SetCanceler(sched)
	t.Cleanup(sched.Stop)
	tr := tracker.New(db, m, locks, b, logger)
	cv := convo.NewManager(db, lb, b, logger)
	coord := queue.NewCoordinator(cfg, db, m, tr, cv, lb, capability.NewGate(cfg),
		capability.AllowAll{}, locks, b, logger)
	if err := coord.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(coord.Stop)

	e := New(cfg, db, m, coord, sched, lb, b, logger)
	return &env{engine: e, db: db, bus: b, lb: lb, cfg: cfg}
}

func (e *env) waitStatus(t *testing.T, itemID string, want store.Status) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		it, err := e.db.GetItem(itemID)
		if err != nil {
			t.Fatal(err)
		}
		if it != nil && it.Status == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("item %s stuck at %s, want %s", itemID, it.Status, want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEnqueueIsDurableBeforeDispatch(t *testing.T) {
	e := newEnv(t)
	// Engine offline: nothing may leave the queue.
	id, err := e.engine.Enqueue(context.Background(), EnqueueRequest{
		Peer: "+5511999990000", Body: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}

	it, err := e.db.GetItem(id)
	if err != nil {
		t.Fatal(err)
	}
	if it == nil || it.Status != store.StatusQueued {
		t.Fatalf("item not durable as QUEUED: %+v", it)
	}
	conv, _ := e.db.GetConversation(it.ConversationID)
	if conv == nil || conv.Kind != store.KindOneToOne {
		t.Fatalf("conversation not created: %+v", conv)
	}
}

func TestEnqueueDeliversEndToEnd(t *testing.T) {
	e := newEnv(t)
	e.lb.EchoDisplay = true
	e.engine.SetOnline(true)

	id, err := e.engine.Enqueue(context.Background(), EnqueueRequest{
		Peer: "+5511999990000", Body: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}

	e.waitStatus(t, id, store.StatusDisplayed)
	it, _ := e.db.GetItem(id)
	if it.DeliveredAt == 0 || it.DeliveredAt > it.DisplayedAt {
		t.Errorf("delivered_at=%d displayed_at=%d", it.DeliveredAt, it.DisplayedAt)
	}
}

func TestEnqueueArmsDeliveryDeadline(t *testing.T) {
	e := newEnv(t)
	e.cfg.DeliveryTimeoutSec = 3600

	id, err := e.engine.Enqueue(context.Background(), EnqueueRequest{
		Peer: "+5511999990000", Body: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	it, _ := e.db.GetItem(id)
	if it.ExpiresAt == 0 {
		t.Error("no deadline set despite configured timeout")
	}
}

func TestEnqueueGroupFansOutReceipts(t *testing.T) {
	e := newEnv(t)
	id, err := e.engine.Enqueue(context.Background(), EnqueueRequest{
		Kind:       store.KindGroup,
		Recipients: []string{"a", "b", "c"},
		Body:       "hi all",
	})
	if err != nil {
		t.Fatal(err)
	}
	rcpts, err := e.db.ListReceipts(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(rcpts) != 3 {
		t.Fatalf("fanned out %d receipts, want 3", len(rcpts))
	}
	for _, r := range rcpts {
		if r.Status != store.RecipientNotDelivered {
			t.Errorf("recipient %s starts at %s, want NOT_DELIVERED", r.Recipient, r.Status)
		}
	}
}

func TestMarkReadDisplaysIncomingItem(t *testing.T) {
	e := newEnv(t)
	in := &store.Item{ID: "in1", Kind: store.KindOneToOne, Peer: "+5511888880000", Body: "oi"}
	if err := e.engine.Receive(context.Background(), "c1", in, false); err != nil {
		t.Fatal(err)
	}

	if err := e.engine.MarkRead(context.Background(), "in1"); err != nil {
		t.Fatal(err)
	}
	it, _ := e.db.GetItem("in1")
	if it.Status != store.StatusDisplayed || it.DisplayedAt == 0 {
		t.Errorf("item = %s displayed_at=%d", it.Status, it.DisplayedAt)
	}
}

func TestReceiveRecordsDisplayReportRequest(t *testing.T) {
	e := newEnv(t)
	in := &store.Item{ID: "in1", Kind: store.KindOneToOne, Peer: "+5511888880000", Body: "oi"}
	if err := e.engine.Receive(context.Background(), "c1", in, true); err != nil {
		t.Fatal(err)
	}

	it, _ := e.db.GetItem("in1")
	if it.Status != store.StatusDisplayReportRequested {
		t.Fatalf("item = %s, want DISPLAY_REPORT_REQUESTED", it.Status)
	}

	if err := e.engine.MarkRead(context.Background(), "in1"); err != nil {
		t.Fatal(err)
	}
	it, _ = e.db.GetItem("in1")
	if it.Status != store.StatusDisplayed || it.DisplayedAt == 0 {
		t.Errorf("item = %s displayed_at=%d, want DISPLAYED with a timestamp", it.Status, it.DisplayedAt)
	}
}

func TestMarkReadRejectsOutgoingItems(t *testing.T) {
	e := newEnv(t)
	id, err := e.engine.Enqueue(context.Background(), EnqueueRequest{
		Peer: "+5511999990000", Body: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.engine.MarkRead(context.Background(), id); err == nil {
		t.Error("MarkRead accepted an outgoing item")
	}
}

func TestAbortQueuedItem(t *testing.T) {
	e := newEnv(t)
	id, err := e.engine.Enqueue(context.Background(), EnqueueRequest{
		Peer: "+5511999990000", Body: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := e.engine.Abort(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	it, _ := e.db.GetItem(id)
	if it.Status != store.StatusAborted || it.Reason != store.ReasonAbortedByUser {
		t.Errorf("item = %s/%s, want ABORTED/ABORTED_BY_USER", it.Status, it.Reason)
	}
}

func TestAbortSendingLeavesTerminalStateToSession(t *testing.T) {
	e := newEnv(t)
	if err := e.db.UpsertConversation(&store.Conversation{
		ID: "c1", Kind: store.KindOneToOne, State: store.ConvStarted,
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.db.InsertItem(&store.Item{
		ID: "i1", ConversationID: "c1", Kind: store.KindOneToOne,
		Direction: store.DirectionOutgoing, Peer: "+5511999990000",
		Status: store.StatusSending, CreatedAt: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	if err := e.engine.Abort(context.Background(), "i1"); err != nil {
		t.Fatal(err)
	}

	// With no live session to tear down, the item stays SENDING until a
	// callback settles it; Abort itself never writes the terminal state.
	it, _ := e.db.GetItem("i1")
	if it.Status != store.StatusSending {
		t.Errorf("item = %s/%s, want SENDING pending a session callback", it.Status, it.Reason)
	}
}

func TestAbortRejectsSettledItem(t *testing.T) {
	e := newEnv(t)
	e.engine.SetOnline(true)
	id, err := e.engine.Enqueue(context.Background(), EnqueueRequest{
		Peer: "+5511999990000", Body: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	e.waitStatus(t, id, store.StatusDelivered)

	if err := e.engine.Abort(context.Background(), id); err == nil {
		t.Error("Abort accepted a delivered item")
	}
}

func TestResendFailedItemDeliversFresh(t *testing.T) {
	e := newEnv(t)
	id, err := e.engine.Enqueue(context.Background(), EnqueueRequest{
		Peer: "+5511999990000", Body: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.engine.Abort(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	e.engine.SetOnline(true)
	if err := e.engine.Resend(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	e.waitStatus(t, id, store.StatusDelivered)
	it, _ := e.db.GetItem(id)
	if it.Reason != store.ReasonNone {
		t.Errorf("reason = %q after successful resend, want empty", it.Reason)
	}
}

func TestClearExpiration(t *testing.T) {
	e := newEnv(t)
	e.cfg.DeliveryTimeoutSec = 3600
	id, err := e.engine.Enqueue(context.Background(), EnqueueRequest{
		Peer: "+5511999990000", Body: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}

	n, err := e.engine.ClearExpiration([]string{id})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("cleared %d items, want 1", n)
	}
	it, _ := e.db.GetItem(id)
	if it.ExpiresAt != 0 || it.Expired {
		t.Errorf("deadline not cleared: expires_at=%d expired=%v", it.ExpiresAt, it.Expired)
	}
}
