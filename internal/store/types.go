package store

// Status is the delivery lifecycle status of an item.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusSending   Status = "SENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusDisplayed Status = "DISPLAYED"
	StatusFailed    Status = "FAILED"
	StatusRejected  Status = "REJECTED"
	StatusAborted   Status = "ABORTED"
	// StatusPaused marks a file transfer halted by the system (shutdown,
	// connectivity loss) that is eligible for resume.
	StatusPaused Status = "PAUSED"

	// Incoming items.
	StatusReceived               Status = "RECEIVED"
	StatusDisplayReportRequested Status = "DISPLAY_REPORT_REQUESTED"
)

// Terminal reports whether no further automatic transition occurs from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDisplayed, StatusFailed, StatusRejected, StatusAborted:
		return true
	}
	return false
}

// Reason qualifies a status with a cause code.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonCapabilityMismatch Reason = "CAPABILITY_MISMATCH"
	ReasonSizeExceeded       Reason = "SIZE_EXCEEDED"
	ReasonRemoteRejected     Reason = "REMOTE_REJECTED"
	ReasonSessionFailed      Reason = "SESSION_FAILED"
	ReasonFailedDelivery     Reason = "FAILED_DELIVERY"
	ReasonFailedDisplay      Reason = "FAILED_DISPLAY"
	ReasonAbortedByUser      Reason = "ABORTED_BY_USER"
	ReasonAbortedBySystem    Reason = "ABORTED_BY_SYSTEM"
	ReasonInternalFault      Reason = "INTERNAL_FAULT"
)

// Direction tells whether an item is outgoing, incoming, or a system event.
type Direction string

const (
	DirectionOutgoing Direction = "OUT"
	DirectionIncoming Direction = "IN"
	DirectionSystem   Direction = "SYSTEM"
)

// ConversationKind is stored explicitly on conversations and items;
// it is never inferred from id shapes.
type ConversationKind string

const (
	KindOneToOne  ConversationKind = "ONE_TO_ONE"
	KindOneToMany ConversationKind = "ONE_TO_MANY"
	KindGroup     ConversationKind = "GROUP"
)

// ConversationState is the session-level conversation lifecycle.
type ConversationState string

const (
	ConvInitiating ConversationState = "INITIATING"
	ConvInvited    ConversationState = "INVITED"
	ConvAccepting  ConversationState = "ACCEPTING"
	ConvStarted    ConversationState = "STARTED"
	ConvAborted    ConversationState = "ABORTED"
	ConvRejected   ConversationState = "REJECTED"
	ConvFailed     ConversationState = "FAILED"
)

// ParticipantState tracks each member of a group conversation.
type ParticipantState string

const (
	PartInviteQueued ParticipantState = "INVITE_QUEUED"
	PartInviting     ParticipantState = "INVITING"
	PartInvited      ParticipantState = "INVITED"
	PartConnected    ParticipantState = "CONNECTED"
	PartDisconnected ParticipantState = "DISCONNECTED"
	PartDeparted     ParticipantState = "DEPARTED"
	PartFailed       ParticipantState = "FAILED"
)

// Active reports whether a participant is included in new item fan-out.
func (p ParticipantState) Active() bool {
	switch p {
	case PartInviteQueued, PartInviting, PartInvited, PartConnected:
		return true
	}
	return false
}

// RecipientStatus is the per-recipient delivery status of a fanned-out item.
type RecipientStatus string

const (
	RecipientNotDelivered RecipientStatus = "NOT_DELIVERED"
	RecipientDelivered    RecipientStatus = "DELIVERED"
	RecipientDisplayed    RecipientStatus = "DISPLAYED"
	RecipientFailed       RecipientStatus = "FAILED"
	RecipientUnsupported  RecipientStatus = "UNSUPPORTED"
)

// Item is a message or file transfer. Timestamps are Unix milliseconds;
// zero means unset.
type Item struct {
	ID             string
	ConversationID string
	Kind           ConversationKind
	Direction      Direction
	Peer           string // remote party for one-to-one items
	Body           string
	FileName       string
	FileSize       int64
	MimeType       string
	IsTransfer     bool
	Status         Status
	Reason         Reason
	CreatedAt      int64
	SentAt         int64
	DeliveredAt    int64
	DisplayedAt    int64
	ExpiresAt      int64 // delivery deadline; zero = no expiration
	Expired        bool
	Transferred    int64 // bytes moved so far, for transfers
}

// Receipt is a per-recipient delivery record for a fanned-out item.
type Receipt struct {
	ConversationID string
	Recipient      string
	ItemID         string
	Status         RecipientStatus
	Reason         Reason
	DeliveredAt    int64
	DisplayedAt    int64
}

// Conversation is the engine's view of a chat session context.
type Conversation struct {
	ID           string
	Kind         ConversationKind
	State        ConversationState
	Reason       Reason
	RejoinHandle string // present only if a prior session may be resumed
}

// Participant is a (conversation, address) pair with its membership state.
type Participant struct {
	ConversationID string
	Address        string
	State          ParticipantState
}

// ResumeRecord lets an interrupted transfer re-attach to a new session.
type ResumeRecord struct {
	ItemID      string
	UploadToken string // lookup key before the item id is known to the sender
	Direction   Direction
	Handle      string // download locator or upload token, protocol-specific
	FileName    string
	FileSize    int64
	MimeType    string
	Accepted    bool // incoming only: user accepted the transfer
	CreatedAt   int64
}
