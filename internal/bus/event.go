package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the engine. Subscribers filter by namespace
// prefix, e.g. "item." receives every item lifecycle event.
const (
	KindItemQueued    = "item.queued"
	KindItemSending   = "item.sending"
	KindItemSent      = "item.sent"
	KindItemDelivered = "item.delivered"
	KindItemDisplayed = "item.displayed"
	KindItemFailed    = "item.failed"
	KindItemRejected  = "item.rejected"
	KindItemAborted   = "item.aborted"
	KindItemExpired   = "item.expired"

	KindReceiptDelivered = "receipt.delivered"
	KindReceiptDisplayed = "receipt.displayed"
	KindReceiptFailed    = "receipt.failed"

	KindTransferProgress = "transfer.progress"

	KindConversationState        = "conversation.state_changed"
	KindConversationParticipants = "conversation.participants"
)

// ItemChange is the payload for item.* events.
type ItemChange struct {
	ItemID         string
	ConversationID string
	Status         string
	Reason         string
	Timestamp      int64
}

// ReceiptChange is the payload for receipt.* events.
type ReceiptChange struct {
	ItemID         string
	ConversationID string
	Recipient      string
	Status         string
	Reason         string
	Timestamp      int64
}

// Progress is the payload for transfer.progress events.
type Progress struct {
	ItemID         string
	ConversationID string
	Current        int64
	Total          int64
}

// ConversationChange is the payload for conversation.* events.
type ConversationChange struct {
	ConversationID string
	State          string
	Reason         string
	Participants   []string
}
