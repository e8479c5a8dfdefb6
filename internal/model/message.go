package model

import "time"

type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// statusRank is the single source of truth for the delivery lifecycle
// ordering. failed is not in the chain: it is terminal and reachable from any
// non-terminal state, see CanAdvanceTo.
var statusRank = map[DeliveryStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Valid reports whether s is a known delivery status.
func (s DeliveryStatus) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// CanAdvanceTo reports whether s -> target is a real transition:
// target must be strictly later in pending < sent < delivered < read,
// or target is failed and s is not terminal (read and failed are terminal).
// Anything else is a no-op for the caller, never an error.
func (s DeliveryStatus) CanAdvanceTo(target DeliveryStatus) bool {
	if target == StatusFailed {
		return s != StatusRead && s != StatusFailed
	}
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	next, ok := statusRank[target]
	if !ok {
		return false
	}
	return next > cur
}

type Message struct {
	ID             string         `json:"id"`
	ChannelID      *string        `json:"channel_id,omitempty"`
	RoomID         *string        `json:"room_id,omitempty"`
	ThreadParentID *string        `json:"thread_parent_id,omitempty"`
	SenderType     ActorType      `json:"sender_type"`
	SenderID       string         `json:"sender_id"`
	Content        string         `json:"content"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	SentAt         time.Time      `json:"sent_at"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	ReadAt         *time.Time     `json:"read_at,omitempty"`
	IsDeleted      bool           `json:"is_deleted"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Sender returns the message author as an actor reference.
func (m *Message) Sender() ActorRef {
	return ActorRef{Type: m.SenderType, ID: m.SenderID}
}

// Conversation resolves the conversation the message belongs to.
// Exactly one of ChannelID/RoomID is set (enforced on the write path).
func (m *Message) Conversation() ConversationRef {
	if m.ChannelID != nil {
		return ConversationRef{Kind: ConversationChannel, ID: *m.ChannelID}
	}
	if m.RoomID != nil {
		return ConversationRef{Kind: ConversationRoom, ID: *m.RoomID}
	}
	return ConversationRef{}
}

// ValidConversation reports whether exactly one of ChannelID/RoomID is set.
func (m *Message) ValidConversation() bool {
	return (m.ChannelID != nil) != (m.RoomID != nil)
}
