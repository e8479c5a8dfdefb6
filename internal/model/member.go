package model

import "time"

// ConversationMember is the per-member counter projection for a conversation.
// Role, Active and Muted are owned by the membership directory and pushed into
// this table; UnreadCount, LastReadAt and LastReadMessageID are owned by the
// unread counter service.
type ConversationMember struct {
	ConversationKind  ConversationKind `json:"conversation_kind"`
	ConversationID    string           `json:"conversation_id"`
	MemberType        ActorType        `json:"member_type"`
	MemberID          string           `json:"member_id"`
	Role              string           `json:"role"`
	Active            bool             `json:"active"`
	Muted             bool             `json:"muted"`
	UnreadCount       int              `json:"unread_count"`
	LastReadAt        *time.Time       `json:"last_read_at,omitempty"`
	LastReadMessageID *string          `json:"last_read_message_id,omitempty"`
	JoinedAt          time.Time        `json:"joined_at"`
}

// Member returns the member as an actor reference.
func (m *ConversationMember) Member() ActorRef {
	return ActorRef{Type: m.MemberType, ID: m.MemberID}
}

// Conversation returns the conversation the membership row belongs to.
func (m *ConversationMember) Conversation() ConversationRef {
	return ConversationRef{Kind: m.ConversationKind, ID: m.ConversationID}
}
