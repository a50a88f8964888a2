// Package capability decides whether an operation is currently permitted
// for a remote party and which protocol variant to use for file content.
package capability

import (
	"context"
	"time"

	"github.com/jfcarvalho/courier/internal/config"
	"github.com/jfcarvalho/courier/internal/session"
	"github.com/jfcarvalho/courier/internal/store"
)

// Snapshot is a party's last-known feature set. Known=false means the
// capability source has no usable answer, which the gate treats as
// ineligible rather than guessing.
type Snapshot struct {
	Known           bool
	FetchedAt       int64 // Unix milliseconds
	IM              bool
	FileTransfer    bool
	TransferMSRP    bool
	TransferHTTP    bool
	DeliveryReports bool
	DisplayReports  bool
	MaxFileSize     int64 // remote-advertised cap; zero = unbounded
}

// Source looks up a remote party's capability snapshot.
type Source interface {
	Lookup(ctx context.Context, address string) (Snapshot, error)
}

// Operation is what the caller wants to do.
type Operation string

const (
	OpSendMessage  Operation = "send_message"
	OpSendTransfer Operation = "send_transfer"
)

// Decision is the gate's verdict. Reason is set only on denial.
type Decision struct {
	OK     bool
	Reason store.Reason
}

var allow = Decision{OK: true}

func deny(r store.Reason) Decision { return Decision{Reason: r} }

// Gate is a pure decision function over capability snapshots and operator
// configuration.
type Gate struct {
	cfg *config.Config
	now func() time.Time
}

// NewGate creates a gate bound to the operator configuration.
func NewGate(cfg *config.Config) *Gate {
	return &Gate{cfg: cfg, now: time.Now}
}

// Allow decides whether op may proceed against the remote party right now.
// fileSize is consulted for transfers only.
func (g *Gate) Allow(op Operation, fileSize int64, local, remote Snapshot) Decision {
	if !remote.Known || g.stale(remote) {
		return deny(store.ReasonCapabilityMismatch)
	}
	switch op {
	case OpSendMessage:
		if !local.IM || !remote.IM {
			return deny(store.ReasonCapabilityMismatch)
		}
	case OpSendTransfer:
		if !local.FileTransfer || !remote.FileTransfer {
			return deny(store.ReasonCapabilityMismatch)
		}
		if g.cfg.MaxFileSize > 0 && fileSize > g.cfg.MaxFileSize {
			return deny(store.ReasonSizeExceeded)
		}
		if remote.MaxFileSize > 0 && fileSize > remote.MaxFileSize {
			return deny(store.ReasonSizeExceeded)
		}
	default:
		return deny(store.ReasonInternalFault)
	}
	return allow
}

func (g *Gate) stale(s Snapshot) bool {
	ttl := g.cfg.CapabilityTTL()
	if ttl <= 0 || s.FetchedAt == 0 {
		return false
	}
	return g.now().UnixMilli()-s.FetchedAt > ttl.Milliseconds()
}

// SelectTransferProtocol picks the file-content transport from the
// capability intersection and the operator preference. Forced preferences
// fail closed when the intersection does not support them.
func SelectTransferProtocol(local, remote Snapshot, pref config.TransferProtocol) (session.Protocol, bool) {
	msrp := local.TransferMSRP && remote.TransferMSRP
	http := local.TransferHTTP && remote.TransferHTTP
	switch pref {
	case config.TransferMSRP:
		if msrp {
			return session.ProtocolMSRP, true
		}
	case config.TransferHTTP:
		if http {
			return session.ProtocolHTTP, true
		}
	default:
		// Auto prefers the out-of-band path: it survives session drops and
		// lets large content move without holding the media session open.
		if http {
			return session.ProtocolHTTP, true
		}
		if msrp {
			return session.ProtocolMSRP, true
		}
	}
	return "", false
}

// AllowAll is a Source returning a fully capable snapshot for any address.
// It backs the loopback transport and tests.
type AllowAll struct{}

// Lookup implements Source.
func (AllowAll) Lookup(_ context.Context, _ string) (Snapshot, error) {
	return Full(), nil
}

// Full returns a snapshot with every capability enabled, stamped now.
func Full() Snapshot {
	return Snapshot{
		Known:           true,
		FetchedAt:       time.Now().UnixMilli(),
		IM:              true,
		FileTransfer:    true,
		TransferMSRP:    true,
		TransferHTTP:    true,
		DeliveryReports: true,
		DisplayReports:  true,
	}
}
