package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jfcarvalho/courier/internal/store"
)

// Loopback is an in-memory session layer used for standalone daemon runs and
// tests. Sessions establish immediately, sends succeed, and every recipient
// acknowledges delivery. It honors an online flag so connectivity loss can
// be simulated.
type Loopback struct {
	mu      sync.Mutex
	handler func(Event)
	online  atomic.Bool
	// Echo display receipts in addition to delivery receipts.
	EchoDisplay bool
}

// NewLoopback creates a loopback layer that starts online.
func NewLoopback() *Loopback {
	l := &Loopback{}
	l.online.Store(true)
	return l
}

// SetOnline toggles simulated connectivity.
func (l *Loopback) SetOnline(online bool) {
	l.online.Store(online)
}

type loopbackHandle struct {
	id          string
	convID      string
	established atomic.Bool
	remote      bool
}

func (h *loopbackHandle) ID() string              { return h.id }
func (h *loopbackHandle) Established() bool       { return h.established.Load() }
func (h *loopbackHandle) RemotelyInitiated() bool { return h.remote }

// RegisterHandler installs the callback sink.
func (l *Loopback) RegisterHandler(fn func(Event)) {
	l.mu.Lock()
	l.handler = fn
	l.mu.Unlock()
}

func (l *Loopback) emit(evt Event) {
	l.mu.Lock()
	fn := l.handler
	l.mu.Unlock()
	if fn != nil {
		go fn(evt)
	}
}

// Create establishes a session immediately and emits Started.
func (l *Loopback) Create(_ context.Context, conv *store.Conversation, _ Protocol) (Handle, error) {
	if !l.online.Load() {
		return nil, ErrNetworkUnavailable
	}
	h := &loopbackHandle{id: uuid.NewString(), convID: conv.ID}
	h.established.Store(true)
	l.emit(Event{Kind: EventStarted, ConversationID: conv.ID})
	return h, nil
}

// Rejoin behaves like Create when online; the handle is accepted as-is.
func (l *Loopback) Rejoin(ctx context.Context, conv *store.Conversation, _ string) (Handle, error) {
	return l.Create(ctx, conv, ProtocolChat)
}

// Accept marks a remotely initiated handle established.
func (l *Loopback) Accept(_ context.Context, h Handle) error {
	if !l.online.Load() {
		return ErrNetworkUnavailable
	}
	if lh, ok := h.(*loopbackHandle); ok {
		lh.established.Store(true)
		l.emit(Event{Kind: EventStarted, ConversationID: lh.convID})
	}
	return nil
}

// Send succeeds when online and echoes Transferred plus a delivery receipt
// per known recipient.
func (l *Loopback) Send(_ context.Context, h Handle, item *store.Item) error {
	if !l.online.Load() {
		return ErrNetworkUnavailable
	}
	if !h.Established() {
		return ErrNotEstablished
	}
	now := time.Now().UnixMilli()
	l.emit(Event{Kind: EventTransferred, ConversationID: item.ConversationID, ItemID: item.ID})
	if item.Kind == store.KindOneToOne {
		l.emit(Event{Kind: EventReceiptDelivered, ConversationID: item.ConversationID,
			ItemID: item.ID, Recipient: item.Peer, Timestamp: now})
		if l.EchoDisplay {
			l.emit(Event{Kind: EventReceiptDisplayed, ConversationID: item.ConversationID,
				ItemID: item.ID, Recipient: item.Peer, Timestamp: now + 1})
		}
	}
	return nil
}

// Resume reports progress from the stored offset and completes the transfer.
func (l *Loopback) Resume(_ context.Context, _ Handle, item *store.Item, _ *store.ResumeRecord, offset int64) error {
	if !l.online.Load() {
		return ErrNetworkUnavailable
	}
	l.emit(Event{Kind: EventProgress, ConversationID: item.ConversationID, ItemID: item.ID,
		Current: offset, Total: item.FileSize})
	l.emit(Event{Kind: EventTransferred, ConversationID: item.ConversationID, ItemID: item.ID})
	return nil
}

// SendDisplayReport succeeds when online.
func (l *Loopback) SendDisplayReport(_ context.Context, _, _ string, _ int64) error {
	if !l.online.Load() {
		return ErrNetworkUnavailable
	}
	return nil
}

// Terminate emits Aborted for the conversation.
func (l *Loopback) Terminate(_ context.Context, h Handle, reason store.Reason) error {
	if lh, ok := h.(*loopbackHandle); ok {
		lh.established.Store(false)
		l.emit(Event{Kind: EventAborted, ConversationID: lh.convID, Reason: reason})
	}
	return nil
}
