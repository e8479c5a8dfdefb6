package model

import "fmt"

// ActorType distinguishes human employees from platform bots. Receipts and
// counters are keyed on (type, id) so both kinds can acknowledge messages.
type ActorType string

const (
	ActorEmployee ActorType = "employee"
	ActorBot      ActorType = "bot"
)

// ActorRef identifies a message sender, reader or conversation member.
type ActorRef struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

// Key returns a stable map/routing key for the actor.
func (a ActorRef) Key() string {
	return string(a.Type) + ":" + a.ID
}

func (a ActorRef) IsZero() bool {
	return a.Type == "" && a.ID == ""
}

// ConversationKind tells channels (team-wide) and rooms (direct/group) apart.
type ConversationKind string

const (
	ConversationChannel ConversationKind = "channel"
	ConversationRoom    ConversationKind = "room"
)

func (k ConversationKind) Valid() bool {
	return k == ConversationChannel || k == ConversationRoom
}

// ConversationRef addresses a single conversation of either kind.
type ConversationRef struct {
	Kind ConversationKind `json:"kind"`
	ID   string           `json:"id"`
}

func (c ConversationRef) IsZero() bool {
	return c.Kind == "" && c.ID == ""
}

// Key returns the opaque conversation identifier used in unread-count maps
// and pub/sub topic names.
func (c ConversationRef) Key() string {
	return fmt.Sprintf("%s:%s", c.Kind, c.ID)
}
