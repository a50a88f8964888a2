// Package queue drives dispatch: it scans each conversation's queued items
// in order, ensures a session exists, re-validates eligibility at send time,
// and classifies faults into retry or terminal failure. One scan runs per
// conversation at a time; a trigger arriving mid-scan coalesces into at most
// one follow-up scan.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jfcarvalho/courier/internal/bus"
	"github.com/jfcarvalho/courier/internal/capability"
	"github.com/jfcarvalho/courier/internal/config"
	"github.com/jfcarvalho/courier/internal/convo"
	"github.com/jfcarvalho/courier/internal/delivery"
	"github.com/jfcarvalho/courier/internal/lock"
	"github.com/jfcarvalho/courier/internal/session"
	"github.com/jfcarvalho/courier/internal/store"
	"github.com/jfcarvalho/courier/internal/tracker"
	"go.uber.org/zap"
)

const eventBuffer = 256

// Tracker is the acknowledgement sink receipt callbacks route to.
type Tracker interface {
	RecordDelivered(conversationID, recipient, itemID string, ts int64) error
	RecordDisplayed(conversationID, recipient, itemID string, ts int64) error
	RecordFailed(conversationID, recipient, itemID string, reason store.Reason) error
}

type Coordinator struct {
	cfg      *config.Config
	db       *store.DB
	machine  *delivery.Machine
	tracker  Tracker
	convos   *convo.Manager
	sessions session.Layer
	gate     *capability.Gate
	caps     capability.Source
	locks    *lock.Keyed
	bus      *bus.Bus
	logger   *zap.Logger

	online atomic.Bool
	events chan session.Event

	mu       sync.Mutex
	triggers map[string]chan struct{}
	handles  map[string]session.Handle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCoordinator(cfg *config.Config, db *store.DB, m *delivery.Machine, tr *tracker.Tracker,
	cv *convo.Manager, sessions session.Layer, gate *capability.Gate, caps capability.Source,
	locks *lock.Keyed, b *bus.Bus, logger *zap.Logger) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		db:       db,
		machine:  m,
		tracker:  tr,
		convos:   cv,
		sessions: sessions,
		gate:     gate,
		caps:     caps,
		locks:    locks,
		bus:      b,
		logger:   logger,
		events:   make(chan session.Event, eventBuffer),
		triggers: make(map[string]chan struct{}),
		handles:  make(map[string]session.Handle),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	sessions.RegisterHandler(c.enqueueEvent)
	return c
}

// Start launches the event loop and recovers dispatches interrupted by a
// crash: messages stuck in SENDING go back to QUEUED and their conversations
// are rescanned.
func (c *Coordinator) Start() error {
	c.wg.Add(1)
	go c.eventLoop()

	convs, err := c.db.RequeueSendingMessages()
	if err != nil {
		return err
	}
	for _, id := range convs {
		c.logger.Info("requeued interrupted dispatch", zap.String("conversation_id", id))
		c.Trigger(id)
	}
	return nil
}

// Stop halts scanning and parks in-flight transfers as PAUSED so they are
// offered for resume on the next start.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
	c.PauseInFlight()
}

// SetOnline flips connectivity. Coming online rescans every conversation
// that still holds queued work.
func (c *Coordinator) SetOnline(online bool) {
	c.online.Store(online)
	if !online {
		return
	}
	convs, err := c.db.ConversationsWithQueued()
	if err != nil {
		c.logger.Error("failed to list conversations with queued items", zap.Error(err))
		return
	}
	for _, id := range convs {
		c.Trigger(id)
	}
}

// Trigger requests a scan of one conversation. Triggers coalesce: while a
// scan runs, any number of further triggers collapse into one follow-up.
func (c *Coordinator) Trigger(conversationID string) {
	c.mu.Lock()
	ch, ok := c.triggers[conversationID]
	if !ok {
		ch = make(chan struct{}, 1)
		c.triggers[conversationID] = ch
		c.wg.Add(1)
		go c.worker(conversationID, ch)
	}
	c.mu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
	}
}

// PauseInFlight parks every transfer currently mid-send as PAUSED. Messages
// are not paused; they requeue on the next start instead.
func (c *Coordinator) PauseInFlight() {
	items, err := c.db.InFlightTransfers()
	if err != nil {
		c.logger.Error("failed to list in-flight transfers", zap.Error(err))
		return
	}
	for _, it := range items {
		if it.Status == store.StatusPaused {
			continue
		}
		if _, err := c.machine.SetStatus(it.ID, store.StatusPaused, store.ReasonAbortedBySystem); err != nil {
			c.logger.Warn("failed to pause transfer", zap.String("item_id", it.ID), zap.Error(err))
		}
	}
}

// Handle returns the live session handle for a conversation, or nil.
func (c *Coordinator) Handle(conversationID string) session.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles[conversationID]
}

// Terminate tears down a conversation's live session if one exists.
func (c *Coordinator) Terminate(ctx context.Context, conversationID string, reason store.Reason) error {
	h := c.Handle(conversationID)
	if h == nil {
		return nil
	}
	return c.sessions.Terminate(ctx, h, reason)
}

func (c *Coordinator) worker(conversationID string, trig <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-trig:
			c.scan(conversationID)
		case <-c.ctx.Done():
			return
		}
	}
}

// scan walks the conversation's queued items oldest-first under the
// conversation lock. It stops early on connectivity loss or shutdown,
// leaving the remainder queued.
func (c *Coordinator) scan(conversationID string) {
	c.locks.Lock(conversationID)
	defer c.locks.Unlock(conversationID)

	conv, err := c.db.GetConversation(conversationID)
	if err != nil || conv == nil {
		if err != nil {
			c.logger.Error("scan: load conversation", zap.String("conversation_id", conversationID), zap.Error(err))
		}
		return
	}
	items, err := c.db.QueuedItems(conversationID)
	if err != nil {
		c.logger.Error("scan: load queued items", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	if len(items) == 0 {
		return
	}

	local := capability.Full()
	for i := range items {
		it := &items[i]
		if !c.online.Load() || c.ctx.Err() != nil {
			return
		}

		// Eligibility can have changed since enqueue; re-check at send time.
		remote, err := c.caps.Lookup(c.ctx, it.Peer)
		if err != nil {
			c.logger.Warn("capability lookup failed", zap.String("peer", it.Peer), zap.Error(err))
			remote = capability.Snapshot{}
		}
		op := capability.OpSendMessage
		if it.IsTransfer {
			op = capability.OpSendTransfer
		}
		if d := c.gate.Allow(op, it.FileSize, local, remote); !d.OK {
			if _, err := c.machine.SetStatus(it.ID, store.StatusFailed, d.Reason); err != nil {
				c.logger.Error("failed to fail ineligible item", zap.String("item_id", it.ID), zap.Error(err))
			}
			continue
		}

		h, ok := c.ensureSession(conv)
		if !ok {
			return
		}
		if !c.dispatch(conv, it, h, local, remote) {
			return
		}
	}
}

// ensureSession returns an established handle for the conversation, or
// (nil, false) when the scan must stop and wait for a Started callback or a
// later trigger.
func (c *Coordinator) ensureSession(conv *store.Conversation) (session.Handle, bool) {
	h := c.Handle(conv.ID)
	if h != nil {
		if h.Established() {
			return h, true
		}
		// A remotely initiated session waiting on us is answered here; an
		// outgoing one is still handshaking and will trigger on Started.
		if h.RemotelyInitiated() {
			if err := c.sessions.Accept(c.ctx, h); err != nil {
				c.logger.Warn("accept failed", zap.String("conversation_id", conv.ID), zap.Error(err))
			}
		}
		return nil, false
	}

	var err error
	if conv.Kind == store.KindOneToOne {
		h, err = c.sessions.Create(c.ctx, conv, session.ProtocolChat)
	} else {
		h, err = c.convos.Reestablish(c.ctx, conv)
	}
	if err != nil {
		class, _, _ := classify(err)
		if class != faultTransient {
			c.logger.Error("session establishment failed",
				zap.String("conversation_id", conv.ID), zap.Error(err))
		}
		return nil, false
	}
	c.setHandle(conv.ID, h)
	if !h.Established() {
		return nil, false
	}
	c.convos.Established(conv, h)
	return h, true
}

// dispatch moves one item through SENDING into the session layer. Returns
// false when the scan should stop (transient fault leaves the item queued).
func (c *Coordinator) dispatch(conv *store.Conversation, it *store.Item, h session.Handle,
	local, remote capability.Snapshot) bool {
	changed, err := c.machine.SetStatus(it.ID, store.StatusSending, store.ReasonNone)
	if err != nil || !changed {
		if err != nil {
			c.logger.Error("failed to mark item sending", zap.String("item_id", it.ID), zap.Error(err))
		}
		return true
	}

	if it.IsTransfer {
		err = c.sendTransfer(it, h, local, remote)
	} else {
		err = c.sessions.Send(c.ctx, h, it)
	}
	if err == nil {
		return true
	}

	class, status, reason := classify(err)
	switch class {
	case faultTransient:
		if _, rerr := c.machine.SetStatus(it.ID, store.StatusQueued, store.ReasonNone); rerr != nil {
			c.logger.Error("failed to requeue after transient fault",
				zap.String("item_id", it.ID), zap.Error(rerr))
		}
		return false
	case faultUnknown:
		c.logger.Error("unclassified dispatch fault",
			zap.String("item_id", it.ID),
			zap.String("conversation_id", conv.ID),
			zap.String("kind", string(it.Kind)),
			zap.Bool("is_transfer", it.IsTransfer),
			zap.Error(err))
		fallthrough
	default:
		if _, serr := c.machine.SetStatus(it.ID, status, reason); serr != nil {
			c.logger.Error("failed to fail item", zap.String("item_id", it.ID), zap.Error(serr))
		}
		return true
	}
}

func (c *Coordinator) sendTransfer(it *store.Item, h session.Handle,
	local, remote capability.Snapshot) error {
	rec, err := c.db.GetResumeRecord(it.ID)
	if err != nil {
		return err
	}
	if rec != nil && it.Transferred > 0 {
		return c.sessions.Resume(c.ctx, h, it, rec, it.Transferred)
	}

	proto, ok := capability.SelectTransferProtocol(local, remote, c.cfg.TransferProtocol)
	if !ok {
		return errNoTransferPath
	}
	if rec == nil {
		rec = &store.ResumeRecord{
			ItemID:    it.ID,
			Direction: store.DirectionOutgoing,
			FileName:  it.FileName,
			FileSize:  it.FileSize,
			MimeType:  it.MimeType,
		}
		if proto == session.ProtocolHTTP {
			rec.UploadToken = uuid.NewString()
		} else {
			rec.Handle = h.ID()
		}
		if err := c.db.PutResumeRecord(rec); err != nil {
			return err
		}
	}
	return c.sessions.Send(c.ctx, h, it)
}

func (c *Coordinator) setHandle(conversationID string, h session.Handle) {
	c.mu.Lock()
	c.handles[conversationID] = h
	c.mu.Unlock()
}

func (c *Coordinator) dropHandle(conversationID string) {
	c.mu.Lock()
	delete(c.handles, conversationID)
	c.mu.Unlock()
}

func (c *Coordinator) enqueueEvent(evt session.Event) {
	select {
	case c.events <- evt:
	default:
		c.logger.Warn("session event dropped, buffer full",
			zap.String("kind", string(evt.Kind)),
			zap.String("conversation_id", evt.ConversationID))
	}
}

func (c *Coordinator) eventLoop() {
	defer c.wg.Done()
	for {
		select {
		case evt := <-c.events:
			c.route(evt)
		case <-c.ctx.Done():
			return
		}
	}
}

// route handles one asynchronous session callback. Receipt callbacks go to
// the tracker, which takes the conversation lock itself; route must never
// hold it.
func (c *Coordinator) route(evt session.Event) {
	switch evt.Kind {
	case session.EventStarted:
		c.onStarted(evt.ConversationID)
	case session.EventAborted:
		c.onAborted(evt.ConversationID, evt.Reason)
	case session.EventTransferred:
		if _, err := c.machine.SetStatus(evt.ItemID, store.StatusSent, store.ReasonNone); err != nil {
			c.logger.Error("failed to mark item sent", zap.String("item_id", evt.ItemID), zap.Error(err))
		}
		// Content is across; the resume handle has nothing left to resume.
		if err := c.db.DeleteResumeRecord(evt.ItemID); err != nil {
			c.logger.Warn("failed to drop resume record", zap.String("item_id", evt.ItemID), zap.Error(err))
		}
	case session.EventProgress:
		c.onProgress(evt)
	case session.EventError:
		c.onError(evt)
	case session.EventParticipants:
		c.convos.ApplyParticipants(evt.ConversationID, evt.Participants)
	case session.EventReceiptDelivered:
		if err := c.tracker.RecordDelivered(evt.ConversationID, evt.Recipient, evt.ItemID, evt.Timestamp); err != nil {
			c.logger.Error("failed to record delivery receipt", zap.String("item_id", evt.ItemID), zap.Error(err))
		}
	case session.EventReceiptDisplayed:
		if err := c.tracker.RecordDisplayed(evt.ConversationID, evt.Recipient, evt.ItemID, evt.Timestamp); err != nil {
			c.logger.Error("failed to record display receipt", zap.String("item_id", evt.ItemID), zap.Error(err))
		}
	case session.EventReceiptFailed:
		if err := c.tracker.RecordFailed(evt.ConversationID, evt.Recipient, evt.ItemID, evt.Reason); err != nil {
			c.logger.Error("failed to record delivery failure", zap.String("item_id", evt.ItemID), zap.Error(err))
		}
	case session.EventUploadIdentified:
		if err := c.db.BindResumeItem(evt.UploadToken, evt.ItemID); err != nil {
			c.logger.Error("failed to bind upload token", zap.String("item_id", evt.ItemID), zap.Error(err))
		}
	default:
		c.logger.Warn("unknown session event", zap.String("kind", string(evt.Kind)))
	}
}

func (c *Coordinator) onStarted(conversationID string) {
	conv, err := c.db.GetConversation(conversationID)
	if err != nil || conv == nil {
		return
	}
	if h := c.Handle(conversationID); h != nil {
		c.convos.Established(conv, h)
	} else {
		c.convos.SetState(conversationID, store.ConvStarted, store.ReasonNone)
	}
	c.Trigger(conversationID)
}

// onAborted handles a session teardown. A user-requested teardown aborts the
// in-flight items; a system drop parks them instead, transfers as PAUSED for
// later resume, plain messages back to QUEUED.
func (c *Coordinator) onAborted(conversationID string, reason store.Reason) {
	c.dropHandle(conversationID)

	c.locks.Lock(conversationID)
	defer c.locks.Unlock(conversationID)

	if reason == store.ReasonNone {
		reason = store.ReasonAbortedBySystem
	}
	c.convos.SetState(conversationID, store.ConvAborted, reason)

	items, err := c.db.SendingItems(conversationID)
	if err != nil {
		c.logger.Error("failed to list sending items", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	for _, it := range items {
		target := store.StatusQueued
		r := store.ReasonNone
		switch {
		case reason == store.ReasonAbortedByUser:
			target = store.StatusAborted
			r = reason
		case it.IsTransfer:
			target = store.StatusPaused
			r = store.ReasonAbortedBySystem
		}
		if _, err := c.machine.SetStatus(it.ID, target, r); err != nil {
			c.logger.Warn("failed to park interrupted item", zap.String("item_id", it.ID), zap.Error(err))
		}
	}
}

func (c *Coordinator) onProgress(evt session.Event) {
	if err := c.db.SetItemProgress(evt.ItemID, evt.Current); err != nil {
		c.logger.Warn("failed to persist transfer progress", zap.String("item_id", evt.ItemID), zap.Error(err))
		return
	}
	c.bus.Publish(bus.Event{
		Kind:      bus.KindTransferProgress,
		Timestamp: time.Now(),
		Payload: bus.Progress{
			ItemID:         evt.ItemID,
			ConversationID: evt.ConversationID,
			Current:        evt.Current,
			Total:          evt.Total,
		},
	})
}

func (c *Coordinator) onError(evt session.Event) {
	if evt.Recipient != "" {
		if err := c.tracker.RecordFailed(evt.ConversationID, evt.Recipient, evt.ItemID, evt.Reason); err != nil {
			c.logger.Error("failed to record recipient fault", zap.String("item_id", evt.ItemID), zap.Error(err))
		}
		return
	}
	reason := evt.Reason
	if reason == store.ReasonNone {
		reason = store.ReasonSessionFailed
	}
	if _, err := c.machine.SetStatus(evt.ItemID, store.StatusFailed, reason); err != nil {
		c.logger.Error("failed to fail item on session error", zap.String("item_id", evt.ItemID), zap.Error(err))
	}
}
