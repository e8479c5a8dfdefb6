// Package tracker orchestrates message delivery state: status transitions,
// read receipts, unread counters and fan-out of status-change events. It is
// the only writer to the message and receipt stores; all mutations are either
// conditional advances or idempotent upserts, so arbitrary interleavings and
// retries are safe.
package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/peopledesk/internal/logger"
	"github.com/peopledesk/internal/model"
	"github.com/peopledesk/internal/repository"
)

// ErrNotSender is returned when an actor tries to delete a message they did
// not author.
var ErrNotSender = errors.New("not the message sender")

// ErrConversationRequired is returned when a message names neither or both of
// channel/room.
var ErrConversationRequired = errors.New("exactly one of channel_id or room_id required")

type Tracker struct {
	messages    MessageStore
	receipts    ReceiptStore
	counters    UnreadCounters
	members     MembershipDirectory
	broadcaster Broadcaster
	now         func() time.Time
}

// New wires the tracker with its dependencies. The broadcaster is injected
// here and nowhere else; there is no package-level state.
func New(messages MessageStore, receipts ReceiptStore, counters UnreadCounters, members MembershipDirectory, broadcaster Broadcaster) *Tracker {
	return &Tracker{
		messages:    messages,
		receipts:    receipts,
		counters:    counters,
		members:     members,
		broadcaster: broadcaster,
		now:         time.Now,
	}
}

// ReadResult reports the outcome of a single read acknowledgement.
type ReadResult struct {
	Message        *model.Message `json:"message,omitempty"`
	ReceiptCreated bool           `json:"receipt_created"`
}

// MessageStatus is the read-only aggregate view of one message.
type MessageStatus struct {
	MessageID   string               `json:"message_id"`
	Status      model.DeliveryStatus `json:"status"`
	SentAt      time.Time            `json:"sent_at"`
	DeliveredAt *time.Time           `json:"delivered_at,omitempty"`
	ReadAt      *time.Time           `json:"read_at,omitempty"`
	Readers     []model.ReadReceipt  `json:"readers"`
	ReadCount   int                  `json:"read_count"`
}

func (t *Tracker) emit(conv model.ConversationRef, ev Event) {
	ev.ConversationID = conv.Key()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = t.now().UTC()
	}
	switch conv.Kind {
	case model.ConversationRoom:
		t.broadcaster.BroadcastToRoom(conv.ID, ev)
	default:
		t.broadcaster.BroadcastToChannel(conv.ID, ev)
	}
}

// Send creates a message with status=sent and bumps unread counters for every
// active member except the sender. Counter maintenance is best-effort once
// the message is committed: a failed increment is logged and left to
// Recompute rather than failing the send.
func (t *Tracker) Send(ctx context.Context, m *model.Message) (*model.Message, error) {
	defer logger.DeferLogDuration("tracker.Send", time.Now())()
	if !m.ValidConversation() {
		return nil, ErrConversationRequired
	}
	now := t.now().UTC()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.DeliveryStatus = model.StatusSent
	m.SentAt = now
	m.CreatedAt = now

	if err := t.messages.Create(ctx, m); err != nil {
		return nil, err
	}

	conv := m.Conversation()
	if err := t.counters.IncrementForAllExcept(ctx, conv, m.Sender()); err != nil {
		logger.Errorf("tracker: increment unread %s msg=%s: %v", conv.Key(), m.ID, err)
	}

	t.emit(conv, Event{
		Type:      EventNewMessage,
		MessageID: m.ID,
		Actor:     Actor{Type: m.SenderType, ID: m.SenderID},
		Message:   m,
	})
	return m, nil
}

// MarkDelivered records that a recipient's device received the message. A
// missing message, a self-acknowledgement or an already-delivered status are
// all silent no-ops; only a store failure is an error.
func (t *Tracker) MarkDelivered(ctx context.Context, messageID string, recipient model.ActorRef) error {
	defer logger.DeferLogDuration("tracker.MarkDelivered", time.Now())()
	msg, err := t.messages.GetByID(ctx, messageID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if msg.IsDeleted || msg.Sender() == recipient {
		return nil
	}
	if msg.DeliveryStatus != model.StatusPending && msg.DeliveryStatus != model.StatusSent {
		return nil
	}

	updated, err := t.messages.AdvanceStatus(ctx, messageID, model.StatusDelivered, t.now().UTC())
	if err != nil {
		return err
	}
	if updated.DeliveryStatus == msg.DeliveryStatus {
		// A concurrent caller got there first.
		return nil
	}
	t.emit(msg.Conversation(), Event{
		Type:      EventDeliveryStatus,
		MessageID: messageID,
		Status:    updated.DeliveryStatus,
		Actor:     Actor{Type: recipient.Type, ID: recipient.ID},
	})
	return nil
}

// MarkAsRead upserts the reader's receipt and, on the first receipt, advances
// the message-level status to read. The status field keeps first-reader
// semantics; CheckAllRead answers the "read by everyone" question.
func (t *Tracker) MarkAsRead(ctx context.Context, messageID string, reader model.ActorRef, readerName string) (*ReadResult, error) {
	defer logger.DeferLogDuration("tracker.MarkAsRead", time.Now())()
	msg, err := t.messages.GetByID(ctx, messageID)
	if errors.Is(err, repository.ErrNotFound) {
		return &ReadResult{}, nil
	}
	if err != nil {
		return nil, err
	}
	if msg.IsDeleted || msg.Sender() == reader {
		return &ReadResult{Message: msg}, nil
	}

	now := t.now().UTC()
	created, err := t.receipts.Upsert(ctx, messageID, reader, now)
	if err != nil {
		return nil, err
	}
	if !created {
		return &ReadResult{Message: msg}, nil
	}

	updated, err := t.messages.AdvanceStatus(ctx, messageID, model.StatusRead, now)
	if err != nil {
		return nil, err
	}

	conv := msg.Conversation()
	if err := t.counters.ResetOnRead(ctx, conv, reader, messageID); err != nil {
		logger.Errorf("tracker: reset unread %s reader=%s: %v", conv.Key(), reader.Key(), err)
	}

	t.emit(conv, Event{
		Type:      EventMessageRead,
		MessageID: messageID,
		Status:    updated.DeliveryStatus,
		Actor:     Actor{Type: reader.Type, ID: reader.ID, Name: readerName},
		Timestamp: now,
	})
	return &ReadResult{Message: updated, ReceiptCreated: true}, nil
}

// MarkMultipleAsRead acknowledges a batch of messages for one reader. The
// already-acknowledged set is computed before any write, so resubmitting an
// overlapping batch neither rewrites receipts nor rebroadcasts. One batched
// event is emitted per distinct conversation touched, bounding fan-out to
// O(conversations), not O(messages). Returns the ids actually acknowledged.
func (t *Tracker) MarkMultipleAsRead(ctx context.Context, messageIDs []string, reader model.ActorRef, readerName string) ([]string, error) {
	defer logger.DeferLogDuration("tracker.MarkMultipleAsRead", time.Now())()
	if len(messageIDs) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(messageIDs))
	ids := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	already, err := t.receipts.ReadBy(ctx, ids, reader)
	if err != nil {
		return nil, err
	}

	type group struct {
		conv   model.ConversationRef
		ids    []string
		lastID string
		lastAt time.Time
	}
	now := t.now().UTC()
	var (
		order    []string
		groups   = make(map[string]*group)
		toInsert []model.ReadReceipt
		affected []string
	)
	for _, id := range ids {
		msg, err := t.messages.GetByID(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if msg.IsDeleted || msg.Sender() == reader || already[id] {
			continue
		}
		toInsert = append(toInsert, model.ReadReceipt{
			MessageID:  id,
			ReaderType: reader.Type,
			ReaderID:   reader.ID,
			ReadAt:     now,
		})
		affected = append(affected, id)

		conv := msg.Conversation()
		g, ok := groups[conv.Key()]
		if !ok {
			g = &group{conv: conv}
			groups[conv.Key()] = g
			order = append(order, conv.Key())
		}
		g.ids = append(g.ids, id)
		if g.lastID == "" || msg.CreatedAt.After(g.lastAt) {
			g.lastID = id
			g.lastAt = msg.CreatedAt
		}
	}
	if len(toInsert) == 0 {
		return nil, nil
	}

	if _, err := t.receipts.BulkUpsert(ctx, toInsert); err != nil {
		return nil, err
	}
	for _, id := range affected {
		if _, err := t.messages.AdvanceStatus(ctx, id, model.StatusRead, now); err != nil {
			return nil, err
		}
	}

	for _, key := range order {
		g := groups[key]
		if err := t.counters.ResetOnRead(ctx, g.conv, reader, g.lastID); err != nil {
			logger.Errorf("tracker: reset unread %s reader=%s: %v", g.conv.Key(), reader.Key(), err)
		}
		t.emit(g.conv, Event{
			Type:       EventReadBatch,
			MessageIDs: g.ids,
			Actor:      Actor{Type: reader.Type, ID: reader.ID, Name: readerName},
			Timestamp:  now,
		})
	}
	return affected, nil
}

// MarkConversationAsRead acknowledges everything the reader has not yet read
// in one conversation. Short-circuits without writes or broadcasts when
// nothing is unread.
func (t *Tracker) MarkConversationAsRead(ctx context.Context, conv model.ConversationRef, reader model.ActorRef, readerName string) ([]string, error) {
	defer logger.DeferLogDuration("tracker.MarkConversationAsRead", time.Now())()
	ids, err := t.messages.UnreadMessageIDs(ctx, conv, reader)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return t.MarkMultipleAsRead(ctx, ids, reader, readerName)
}

// GetMessageStatus returns the aggregate delivery view of one message.
// Unlike the mark operations it signals a missing message explicitly.
func (t *Tracker) GetMessageStatus(ctx context.Context, messageID string) (*MessageStatus, error) {
	defer logger.DeferLogDuration("tracker.GetMessageStatus", time.Now())()
	msg, err := t.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	readers, err := t.receipts.ListReaders(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return &MessageStatus{
		MessageID:   msg.ID,
		Status:      msg.DeliveryStatus,
		SentAt:      msg.SentAt,
		DeliveredAt: msg.DeliveredAt,
		ReadAt:      msg.ReadAt,
		Readers:     readers,
		ReadCount:   len(readers),
	}, nil
}

// CheckAllRead is the quorum query: true iff every active member of the
// conversation other than the sender holds a receipt for the message. It is
// deliberately distinct from the message's own status field, which records
// only "read by at least one".
func (t *Tracker) CheckAllRead(ctx context.Context, messageID string, conv model.ConversationRef) (bool, error) {
	defer logger.DeferLogDuration("tracker.CheckAllRead", time.Now())()
	msg, err := t.messages.GetByID(ctx, messageID)
	if err != nil {
		return false, err
	}
	members, err := t.members.ListActiveMembers(ctx, conv)
	if err != nil {
		return false, err
	}
	receipts, err := t.receipts.ListReaders(ctx, messageID)
	if err != nil {
		return false, err
	}
	readerSet := make(map[string]bool, len(receipts))
	for _, rc := range receipts {
		readerSet[rc.Reader().Key()] = true
	}
	sender := msg.Sender()
	for _, m := range members {
		if m == sender {
			continue
		}
		if !readerSet[m.Key()] {
			return false, nil
		}
	}
	return true, nil
}

// GetUnreadCounts returns the reader's unread counters for a mixed set of
// channels and rooms, keyed by the opaque conversation key.
func (t *Tracker) GetUnreadCounts(ctx context.Context, reader model.ActorRef, convs []model.ConversationRef) (map[string]int, error) {
	defer logger.DeferLogDuration("tracker.GetUnreadCounts", time.Now())()
	return t.counters.GetUnreadCounts(ctx, reader, convs)
}

// SoftDelete marks a message deleted on behalf of its sender. Receipts stay;
// the message stops counting toward unread totals (counters may read high
// until the next recompute).
func (t *Tracker) SoftDelete(ctx context.Context, messageID string, actor model.ActorRef) error {
	defer logger.DeferLogDuration("tracker.SoftDelete", time.Now())()
	msg, err := t.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.Sender() != actor {
		return ErrNotSender
	}
	if msg.IsDeleted {
		return nil
	}
	if err := t.messages.SoftDelete(ctx, messageID); err != nil {
		return err
	}
	t.emit(msg.Conversation(), Event{
		Type:      EventMessageDeleted,
		MessageID: messageID,
		Actor:     Actor{Type: actor.Type, ID: actor.ID},
	})
	return nil
}
