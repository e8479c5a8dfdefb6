package tracker

import (
	"time"

	"github.com/peopledesk/internal/model"
)

type EventType string

const (
	EventNewMessage     EventType = "message:new"
	EventDeliveryStatus EventType = "message:delivery_status"
	EventMessageRead    EventType = "message:read"
	EventReadBatch      EventType = "messages:read_batch"
	EventMessageDeleted EventType = "message:deleted"
)

// Actor identifies who triggered an event, with an optional display name for
// clients that render "read by ...".
type Actor struct {
	Type model.ActorType `json:"type"`
	ID   string          `json:"id"`
	Name string          `json:"name,omitempty"`
}

// Event is the wire contract towards live subscribers. ConversationID is the
// kind-qualified opaque key (e.g. "channel:42"), matching the keys returned
// by the unread-count queries. Within one conversation events are emitted in
// commit order; across conversations there is no ordering guarantee.
type Event struct {
	Type           EventType            `json:"type"`
	ConversationID string               `json:"conversationId"`
	MessageID      string               `json:"messageId,omitempty"`
	MessageIDs     []string             `json:"messageIds,omitempty"`
	Status         model.DeliveryStatus `json:"status,omitempty"`
	Actor          Actor                `json:"actor"`
	Message        *model.Message       `json:"message,omitempty"` // message:new only
	Timestamp      time.Time            `json:"timestamp"`
}
