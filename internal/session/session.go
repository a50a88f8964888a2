// Package session defines the contract between the delivery engine and the
// wire-level session layer. The engine drives sessions through Layer and
// reacts to Events; it never inspects protocol bytes.
package session

import (
	"context"
	"errors"

	"github.com/jfcarvalho/courier/internal/store"
)

// Protocol selects the wire variant used for an item's content.
type Protocol string

const (
	// ProtocolChat is the plain in-session message path.
	ProtocolChat Protocol = "chat"
	// ProtocolMSRP carries file content inside the media session.
	ProtocolMSRP Protocol = "msrp"
	// ProtocolHTTP uploads file content out of band and sends a locator.
	ProtocolHTTP Protocol = "http"
)

// Errors the engine classifies for retry decisions. Transient errors leave
// the item QUEUED; the rest are permanent.
var (
	ErrNetworkUnavailable = errors.New("session: network unavailable")
	ErrNotEstablished     = errors.New("session: session not established")
	ErrRejected           = errors.New("session: remote rejected")
	ErrTooLarge           = errors.New("session: payload exceeds size limit")
)

// Handle identifies a live protocol session for one conversation.
type Handle interface {
	ID() string
	Established() bool
	RemotelyInitiated() bool
}

// EventKind discriminates asynchronous session callbacks.
type EventKind string

const (
	EventStarted          EventKind = "started"
	EventAborted          EventKind = "aborted"
	EventTransferred      EventKind = "transferred"
	EventProgress         EventKind = "progress"
	EventError            EventKind = "error"
	EventParticipants     EventKind = "participants"
	EventReceiptDelivered EventKind = "receipt_delivered"
	EventReceiptDisplayed EventKind = "receipt_displayed"
	EventReceiptFailed    EventKind = "receipt_failed"
	// EventUploadIdentified binds a pending upload token to its final item id
	// once the transfer handshake assigns one.
	EventUploadIdentified EventKind = "upload_identified"
)

// Event is an asynchronous callback from the session layer. Callbacks may
// arrive on arbitrary goroutines; the engine serializes them per
// conversation before acting.
type Event struct {
	Kind           EventKind
	ConversationID string
	ItemID         string
	UploadToken    string
	Recipient      string
	Reason         store.Reason
	Timestamp      int64 // provider-reported, Unix milliseconds
	Current        int64
	Total          int64
	Participants   []store.Participant
}

// Layer is the session-layer service contract. Implementations live outside
// the engine; the built-in loopback exists for standalone runs and tests.
type Layer interface {
	// RegisterHandler installs the callback sink. Must be called before any
	// session is created; events fired with no handler are dropped.
	RegisterHandler(func(Event))

	// Create negotiates a fresh session for a conversation.
	Create(ctx context.Context, conv *store.Conversation, proto Protocol) (Handle, error)

	// Rejoin re-attaches to a previously established group session.
	Rejoin(ctx context.Context, conv *store.Conversation, rejoinHandle string) (Handle, error)

	// Accept answers a remotely initiated session that is not yet established.
	Accept(ctx context.Context, h Handle) error

	// Send dispatches one item into an established session.
	Send(ctx context.Context, h Handle, item *store.Item) error

	// Resume continues an interrupted transfer from the given byte offset
	// using a stored resume handle instead of renegotiating.
	Resume(ctx context.Context, h Handle, item *store.Item, rec *store.ResumeRecord, offset int64) error

	// SendDisplayReport emits a display acknowledgement for an incoming item.
	SendDisplayReport(ctx context.Context, conversationID, itemID string, ts int64) error

	// Terminate tears a session down; the resulting terminal state arrives
	// through the normal callback path.
	Terminate(ctx context.Context, h Handle, reason store.Reason) error
}
