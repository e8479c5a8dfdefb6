package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/peopledesk/internal/model"
	"github.com/peopledesk/internal/repository"
)

// In-memory implementations of the tracker ports. All mutations run under a
// mutex so concurrency tests exercise real interleavings.

type memReceipts struct {
	mu   sync.Mutex
	rows map[string]map[string]model.ReadReceipt // messageID -> reader key
	seq  int
	ord  map[string]map[string]int // insertion order for stable sorting
}

func newMemReceipts() *memReceipts {
	return &memReceipts{
		rows: make(map[string]map[string]model.ReadReceipt),
		ord:  make(map[string]map[string]int),
	}
}

func (s *memReceipts) insert(rc model.ReadReceipt) bool {
	key := rc.Reader().Key()
	if _, ok := s.rows[rc.MessageID][key]; ok {
		return false
	}
	if s.rows[rc.MessageID] == nil {
		s.rows[rc.MessageID] = make(map[string]model.ReadReceipt)
		s.ord[rc.MessageID] = make(map[string]int)
	}
	s.seq++
	s.rows[rc.MessageID][key] = rc
	s.ord[rc.MessageID][key] = s.seq
	return true
}

func (s *memReceipts) Upsert(_ context.Context, messageID string, reader model.ActorRef, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(model.ReadReceipt{MessageID: messageID, ReaderType: reader.Type, ReaderID: reader.ID, ReadAt: at}), nil
}

func (s *memReceipts) BulkUpsert(_ context.Context, receipts []model.ReadReceipt) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, rc := range receipts {
		if s.insert(rc) {
			inserted++
		}
	}
	return inserted, nil
}

func (s *memReceipts) ListReaders(_ context.Context, messageID string) ([]model.ReadReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ReadReceipt, 0, len(s.rows[messageID]))
	for _, rc := range s.rows[messageID] {
		out = append(out, rc)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReadAt.Equal(out[j].ReadAt) {
			return out[i].ReadAt.Before(out[j].ReadAt)
		}
		return s.ord[messageID][out[i].Reader().Key()] < s.ord[messageID][out[j].Reader().Key()]
	})
	return out, nil
}

func (s *memReceipts) CountReaders(_ context.Context, messageID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[messageID]), nil
}

func (s *memReceipts) ReadBy(_ context.Context, messageIDs []string, reader model.ActorRef) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for _, id := range messageIDs {
		if _, ok := s.rows[id][reader.Key()]; ok {
			seen[id] = true
		}
	}
	return seen, nil
}

func (s *memReceipts) has(messageID string, reader model.ActorRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[messageID][reader.Key()]
	return ok
}

type memMessages struct {
	mu       sync.Mutex
	byID     map[string]*model.Message
	order    []string
	receipts *memReceipts
}

func newMemMessages(receipts *memReceipts) *memMessages {
	return &memMessages{byID: make(map[string]*model.Message), receipts: receipts}
}

func (s *memMessages) Create(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.byID[m.ID] = &cp
	s.order = append(s.order, m.ID)
	return nil
}

func (s *memMessages) GetByID(_ context.Context, id string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memMessages) AdvanceStatus(_ context.Context, id string, target model.DeliveryStatus, at time.Time) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if m.DeliveryStatus.CanAdvanceTo(target) {
		m.DeliveryStatus = target
		switch target {
		case model.StatusDelivered:
			if m.DeliveredAt == nil {
				t := at
				m.DeliveredAt = &t
			}
		case model.StatusRead:
			if m.ReadAt == nil {
				t := at
				m.ReadAt = &t
			}
		}
	}
	cp := *m
	return &cp, nil
}

func (s *memMessages) UnreadMessageIDs(_ context.Context, conv model.ConversationRef, reader model.ActorRef) ([]string, error) {
	s.mu.Lock()
	ids := make([]string, 0)
	for _, id := range s.order {
		m := s.byID[id]
		if m.IsDeleted || m.Conversation() != conv || m.Sender() == reader {
			continue
		}
		ids = append(ids, id)
	}
	s.mu.Unlock()

	unread := ids[:0]
	for _, id := range ids {
		if !s.receipts.has(id, reader) {
			unread = append(unread, id)
		}
	}
	return unread, nil
}

func (s *memMessages) SoftDelete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	m.IsDeleted = true
	m.Content = ""
	return nil
}

// CountUnreadFor makes memMessages usable as the counter service's recounter.
func (s *memMessages) CountUnreadFor(ctx context.Context, conv model.ConversationRef, member model.ActorRef) (int, error) {
	ids, err := s.UnreadMessageIDs(ctx, conv, member)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

type memMembers struct {
	mu   sync.Mutex
	rows map[string]*model.ConversationMember
}

func newMemMembers() *memMembers {
	return &memMembers{rows: make(map[string]*model.ConversationMember)}
}

func memberKey(conv model.ConversationRef, member model.ActorRef) string {
	return conv.Key() + "|" + member.Key()
}

func (s *memMembers) add(conv model.ConversationRef, member model.ActorRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[memberKey(conv, member)] = &model.ConversationMember{
		ConversationKind: conv.Kind,
		ConversationID:   conv.ID,
		MemberType:       member.Type,
		MemberID:         member.ID,
		Active:           true,
		JoinedAt:         time.Now().UTC(),
	}
}

func (s *memMembers) setActive(conv model.ConversationRef, member model.ActorRef, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.rows[memberKey(conv, member)]; ok {
		m.Active = active
	}
}

func (s *memMembers) IncrementUnreadExcept(_ context.Context, conv model.ConversationRef, sender model.ActorRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.rows {
		if m.Conversation() == conv && m.Active && m.Member() != sender {
			m.UnreadCount++
		}
	}
	return nil
}

func (s *memMembers) ResetUnread(_ context.Context, conv model.ConversationRef, member model.ActorRef, lastMessageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.rows[memberKey(conv, member)]; ok {
		m.UnreadCount = 0
		t := at
		m.LastReadAt = &t
		id := lastMessageID
		m.LastReadMessageID = &id
	}
	return nil
}

func (s *memMembers) SetUnread(_ context.Context, conv model.ConversationRef, member model.ActorRef, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.rows[memberKey(conv, member)]; ok {
		m.UnreadCount = count
	}
	return nil
}

func (s *memMembers) UnreadCount(_ context.Context, conv model.ConversationRef, member model.ActorRef) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.rows[memberKey(conv, member)]; ok {
		return m.UnreadCount, nil
	}
	return 0, nil
}

func (s *memMembers) ListActiveMembers(_ context.Context, conv model.ConversationRef) ([]model.ActorRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ActorRef, 0, 4)
	for _, m := range s.rows {
		if m.Conversation() == conv && m.Active {
			out = append(out, m.Member())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *memMembers) lastReadMessageID(conv model.ConversationRef, member model.ActorRef) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.rows[memberKey(conv, member)]; ok && m.LastReadMessageID != nil {
		return *m.LastReadMessageID
	}
	return ""
}

type sentEvent struct {
	kind model.ConversationKind
	id   string
	ev   Event
}

type memBroadcaster struct {
	mu     sync.Mutex
	events []sentEvent
}

func (b *memBroadcaster) BroadcastToChannel(channelID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, sentEvent{kind: model.ConversationChannel, id: channelID, ev: ev})
}

func (b *memBroadcaster) BroadcastToRoom(roomID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, sentEvent{kind: model.ConversationRoom, id: roomID, ev: ev})
}

func (b *memBroadcaster) byType(t EventType) []sentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []sentEvent
	for _, e := range b.events {
		if e.ev.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (b *memBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
