package tracker

import (
	"context"
	"time"

	"github.com/peopledesk/internal/model"
)

// MessageStore owns message rows and their delivery-status field. Only the
// tracker writes through it.
type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, id string) (*model.Message, error)
	// AdvanceStatus applies the status update only when target is strictly
	// later than the current status (or target is failed from a non-terminal
	// state); otherwise it is a no-op returning the unchanged row.
	AdvanceStatus(ctx context.Context, id string, target model.DeliveryStatus, at time.Time) (*model.Message, error)
	UnreadMessageIDs(ctx context.Context, conv model.ConversationRef, reader model.ActorRef) ([]string, error)
	SoftDelete(ctx context.Context, id string) error
}

// ReceiptStore owns the per-(message, reader) acknowledgement rows.
type ReceiptStore interface {
	Upsert(ctx context.Context, messageID string, reader model.ActorRef, at time.Time) (created bool, err error)
	BulkUpsert(ctx context.Context, receipts []model.ReadReceipt) (inserted int, err error)
	ListReaders(ctx context.Context, messageID string) ([]model.ReadReceipt, error)
	CountReaders(ctx context.Context, messageID string) (int, error)
	// ReadBy reports which of messageIDs already carry a receipt from reader.
	ReadBy(ctx context.Context, messageIDs []string, reader model.ActorRef) (map[string]bool, error)
}

// UnreadCounters is the incremental unread-count maintenance port.
type UnreadCounters interface {
	IncrementForAllExcept(ctx context.Context, conv model.ConversationRef, sender model.ActorRef) error
	ResetOnRead(ctx context.Context, conv model.ConversationRef, member model.ActorRef, lastMessageID string) error
	GetUnreadCounts(ctx context.Context, member model.ActorRef, convs []model.ConversationRef) (map[string]int, error)
}

// MembershipDirectory resolves conversation membership. Implemented outside
// the core (the platform's membership service feeds the projection).
type MembershipDirectory interface {
	ListActiveMembers(ctx context.Context, conv model.ConversationRef) ([]model.ActorRef, error)
}

// Broadcaster fans status-change events out to live subscribers.
// Fire-and-forget, at-least-once; implementations log their own failures and
// must never block the caller on delivery. State durability is independent of
// notification delivery.
type Broadcaster interface {
	BroadcastToChannel(channelID string, ev Event)
	BroadcastToRoom(roomID string, ev Event)
}
