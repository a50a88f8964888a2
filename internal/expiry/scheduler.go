// Package expiry tracks delivery deadlines. Each armed item gets a timer;
// when it fires before a delivery or display acknowledgement arrived, the
// item is flagged expired and an event is published. The store is the
// arbiter: a timer firing after delivery is a no-op at the SQL level.
package expiry

import (
	"sync"
	"time"

	"github.com/jfcarvalho/courier/internal/bus"
	"github.com/jfcarvalho/courier/internal/store"
	"go.uber.org/zap"
)

type Scheduler struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewScheduler(db *store.DB, b *bus.Bus, logger *zap.Logger) *Scheduler {
	return &Scheduler{db: db, bus: b, logger: logger, timers: make(map[string]*time.Timer)}
}

// Arm schedules the deadline for an item. A zero deadline means the item
// never expires. A deadline already in the past fires immediately. Re-arming
// replaces any previous timer.
func (s *Scheduler) Arm(itemID string, deadlineMs int64) {
	if deadlineMs == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[itemID]; ok {
		t.Stop()
	}
	delay := time.Until(time.UnixMilli(deadlineMs))
	if delay < 0 {
		delay = 0
	}
	s.timers[itemID] = time.AfterFunc(delay, func() { s.fire(itemID) })
}

// Cancel drops the pending deadline for an item, typically because a
// delivery or display acknowledgement arrived or the item went terminal.
func (s *Scheduler) Cancel(itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[itemID]; ok {
		t.Stop()
		delete(s.timers, itemID)
	}
}

// RearmPending rebuilds timers from the store at process start, covering
// deadlines that were armed before a restart.
func (s *Scheduler) RearmPending() error {
	items, err := s.db.PendingExpirations()
	if err != nil {
		return err
	}
	for _, it := range items {
		s.Arm(it.ID, it.ExpiresAt)
	}
	if len(items) > 0 {
		s.logger.Info("rearmed delivery deadlines", zap.Int("count", len(items)))
	}
	return nil
}

// Stop cancels every timer without touching persisted state; the deadlines
// rearm on the next start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) fire(itemID string) {
	s.mu.Lock()
	delete(s.timers, itemID)
	s.mu.Unlock()

	changed, err := s.db.SetItemExpired(itemID)
	if err != nil {
		s.logger.Error("failed to expire item", zap.String("item_id", itemID), zap.Error(err))
		return
	}
	if !changed {
		return
	}
	it, err := s.db.GetItem(itemID)
	if err != nil || it == nil {
		s.logger.Warn("expired item vanished", zap.String("item_id", itemID), zap.Error(err))
		return
	}
	s.logger.Info("delivery deadline passed", zap.String("item_id", itemID))
	s.bus.Publish(bus.Event{
		Kind:      bus.KindItemExpired,
		Timestamp: time.Now(),
		Payload: bus.ItemChange{
			ItemID:         itemID,
			ConversationID: it.ConversationID,
			Status:         string(it.Status),
			Timestamp:      time.Now().UnixMilli(),
		},
	})
}
