// Package resume re-offers interrupted file transfers after a restart. A
// transfer that was mid-send or parked PAUSED goes back to QUEUED with its
// byte offset intact; the dispatch scan then continues it from that offset
// instead of restarting the content.
package resume

import (
	"github.com/jfcarvalho/courier/internal/delivery"
	"github.com/jfcarvalho/courier/internal/store"
	"go.uber.org/zap"
)

// Scanner retriggers the dispatch scan of one conversation.
type Scanner interface {
	Trigger(conversationID string)
}

type Registry struct {
	db      *store.DB
	machine *delivery.Machine
	scans   Scanner
	logger  *zap.Logger
}

func NewRegistry(db *store.DB, m *delivery.Machine, scans Scanner, logger *zap.Logger) *Registry {
	return &Registry{db: db, machine: m, scans: scans, logger: logger}
}

// Reoffer requeues every interrupted transfer and retriggers the owning
// conversations. Called once at process start, after crash recovery.
func (r *Registry) Reoffer() error {
	items, err := r.db.InFlightTransfers()
	if err != nil {
		return err
	}
	convs := make(map[string]struct{})
	for _, it := range items {
		if _, err := r.machine.SetStatus(it.ID, store.StatusQueued, store.ReasonNone); err != nil {
			r.logger.Warn("failed to requeue transfer", zap.String("item_id", it.ID), zap.Error(err))
			continue
		}
		r.logger.Info("re-offering interrupted transfer",
			zap.String("item_id", it.ID),
			zap.Int64("offset", it.Transferred),
			zap.Int64("size", it.FileSize))
		convs[it.ConversationID] = struct{}{}
	}
	for id := range convs {
		r.scans.Trigger(id)
	}
	return nil
}

// MatchToken finds the resume record for a not-yet-identified upload. The
// session layer uses this when a remote side resumes an upload by token
// before the item id round-trips.
func (r *Registry) MatchToken(token string) (*store.ResumeRecord, error) {
	return r.db.GetResumeRecordByToken(token)
}
