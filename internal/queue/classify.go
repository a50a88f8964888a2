package queue

import (
	"errors"

	"github.com/jfcarvalho/courier/internal/session"
	"github.com/jfcarvalho/courier/internal/store"
)

// errNoTransferPath means the capability intersection offers no usable
// transfer protocol for this item.
var errNoTransferPath = errors.New("queue: no transfer protocol available")

type faultClass int

const (
	// faultTransient leaves the item QUEUED for a later scan.
	faultTransient faultClass = iota
	// faultPermanent moves the item to a terminal state now.
	faultPermanent
	// faultUnknown is an unclassified error; treated as permanent so an
	// unexpected fault never spins the dispatch loop.
	faultUnknown
)

// classify maps a session-layer error to a retry decision plus the terminal
// status and reason to apply when the fault is permanent.
func classify(err error) (faultClass, store.Status, store.Reason) {
	switch {
	case errors.Is(err, session.ErrNetworkUnavailable),
		errors.Is(err, session.ErrNotEstablished):
		return faultTransient, "", store.ReasonNone
	case errors.Is(err, session.ErrRejected):
		return faultPermanent, store.StatusRejected, store.ReasonRemoteRejected
	case errors.Is(err, session.ErrTooLarge):
		return faultPermanent, store.StatusFailed, store.ReasonSizeExceeded
	case errors.Is(err, errNoTransferPath):
		return faultPermanent, store.StatusFailed, store.ReasonCapabilityMismatch
	default:
		return faultUnknown, store.StatusFailed, store.ReasonInternalFault
	}
}
