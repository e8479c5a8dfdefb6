package tracker

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/peopledesk/internal/counter"
	"github.com/peopledesk/internal/model"
)

var (
	senderS = model.ActorRef{Type: model.ActorEmployee, ID: "S"}
	readerA = model.ActorRef{Type: model.ActorEmployee, ID: "A"}
	readerB = model.ActorRef{Type: model.ActorEmployee, ID: "B"}
)

type fixture struct {
	tracker  *Tracker
	messages *memMessages
	receipts *memReceipts
	members  *memMembers
	counters *counter.Service
	bcast    *memBroadcaster
}

func newFixture() *fixture {
	receipts := newMemReceipts()
	messages := newMemMessages(receipts)
	members := newMemMembers()
	counters := counter.NewService(members, messages)
	bcast := &memBroadcaster{}
	return &fixture{
		tracker:  New(messages, receipts, counters, members, bcast),
		messages: messages,
		receipts: receipts,
		members:  members,
		counters: counters,
		bcast:    bcast,
	}
}

func channelRef(id string) model.ConversationRef {
	return model.ConversationRef{Kind: model.ConversationChannel, ID: id}
}

func roomRef(id string) model.ConversationRef {
	return model.ConversationRef{Kind: model.ConversationRoom, ID: id}
}

func (f *fixture) seedChannel(id string, members ...model.ActorRef) model.ConversationRef {
	conv := channelRef(id)
	for _, m := range members {
		f.members.add(conv, m)
	}
	return conv
}

func (f *fixture) send(t *testing.T, conv model.ConversationRef, sender model.ActorRef, content string) *model.Message {
	t.Helper()
	m := &model.Message{SenderType: sender.Type, SenderID: sender.ID, Content: content}
	if conv.Kind == model.ConversationRoom {
		id := conv.ID
		m.RoomID = &id
	} else {
		id := conv.ID
		m.ChannelID = &id
	}
	sent, err := f.tracker.Send(context.Background(), m)
	require.NoError(t, err)
	return sent
}

func (f *fixture) unread(t *testing.T, conv model.ConversationRef, member model.ActorRef) int {
	t.Helper()
	n, err := f.members.UnreadCount(context.Background(), conv, member)
	require.NoError(t, err)
	return n
}

func TestSendCreatesSentMessageAndIncrementsCounters(t *testing.T) {
	f := newFixture()
	conv := f.seedChannel("c1", senderS, readerA, readerB)

	m := f.send(t, conv, senderS, "hello")

	require.Equal(t, model.StatusSent, m.DeliveryStatus)
	require.False(t, m.SentAt.IsZero())
	require.Equal(t, 1, f.unread(t, conv, readerA))
	require.Equal(t, 1, f.unread(t, conv, readerB))
	require.Equal(t, 0, f.unread(t, conv, senderS))

	events := f.bcast.byType(EventNewMessage)
	require.Len(t, events, 1)
	require.Equal(t, conv.Key(), events[0].ev.ConversationID)
	require.Equal(t, m.ID, events[0].ev.MessageID)
}

func TestSendRejectsAmbiguousConversation(t *testing.T) {
	f := newFixture()
	c1, r1 := "c1", "r1"

	_, err := f.tracker.Send(context.Background(), &model.Message{SenderType: senderS.Type, SenderID: senderS.ID})
	require.ErrorIs(t, err, ErrConversationRequired)

	_, err = f.tracker.Send(context.Background(), &model.Message{
		SenderType: senderS.Type, SenderID: senderS.ID, ChannelID: &c1, RoomID: &r1,
	})
	require.ErrorIs(t, err, ErrConversationRequired)
}

func TestMarkDeliveredAdvancesOnce(t *testing.T) {
	f := newFixture()
	conv := f.seedChannel("c1", senderS, readerA, readerB)
	m := f.send(t, conv, senderS, "hello")

	require.NoError(t, f.tracker.MarkDelivered(context.Background(), m.ID, readerA))

	got, err := f.messages.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusDelivered, got.DeliveryStatus)
	require.NotNil(t, got.DeliveredAt)
	firstDeliveredAt := *got.DeliveredAt

	// A duplicate (or a second recipient racing in) does not move the
	// timestamp or emit again.
	require.NoError(t, f.tracker.MarkDelivered(context.Background(), m.ID, readerB))
	got, err = f.messages.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	require.Equal(t, firstDeliveredAt, *got.DeliveredAt)
	require.Len(t, f.bcast.byType(EventDeliveryStatus), 1)
}

func TestMarkDeliveredNoOps(t *testing.T) {
	f := newFixture()
	conv := f.seedChannel("c1", senderS, readerA)
	m := f.send(t, conv, senderS, "hello")

	// Unknown message and self-acknowledgement are silent.
	require.NoError(t, f.tracker.MarkDelivered(context.Background(), "missing", readerA))
	require.NoError(t, f.tracker.MarkDelivered(context.Background(), m.ID, senderS))

	got, err := f.messages.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusSent, got.DeliveryStatus)
	require.Empty(t, f.bcast.byType(EventDeliveryStatus))
}

func TestMarkAsReadCreatesReceiptAndResetsCounter(t *testing.T) {
	f := newFixture()
	conv := f.seedChannel("c1", senderS, readerA, readerB)
	m := f.send(t, conv, senderS, "hello")
	require.NoError(t, f.tracker.MarkDelivered(context.Background(), m.ID, readerA))

	res, err := f.tracker.MarkAsRead(context.Background(), m.ID, readerA, "Alice")
	require.NoError(t, err)
	require.True(t, res.ReceiptCreated)
	require.Equal(t, model.StatusRead, res.Message.DeliveryStatus)
	require.NotNil(t, res.Message.ReadAt)
	require.Equal(t, 0, f.unread(t, conv, readerA))
	require.Equal(t, 1, f.unread(t, conv, readerB))
	require.Equal(t, m.ID, f.members.lastReadMessageID(conv, readerA))

	// First reader flips the message-level flag, but quorum is still open.
	allRead, err := f.tracker.CheckAllRead(context.Background(), m.ID, conv)
	require.NoError(t, err)
	require.False(t, allRead)

	events := f.bcast.byType(EventMessageRead)
	require.Len(t, events, 1)
	require.Equal(t, "Alice", events[0].ev.Actor.Name)
}

func TestMarkAsReadIdempotent(t *testing.T) {
	f := newFixture()
	conv := f.seedChannel("c1", senderS, readerA)
	m := f.send(t, conv, senderS, "hello")

	first, err := f.tracker.MarkAsRead(context.Background(), m.ID, readerA, "Alice")
	require.NoError(t, err)
	require.True(t, first.ReceiptCreated)

	second, err := f.tracker.MarkAsRead(context.Background(), m.ID, readerA, "Alice")
	require.NoError(t, err)
	require.False(t, second.ReceiptCreated)

	n, err := f.receipts.CountReaders(context.Background(), m.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, f.bcast.byType(EventMessageRead), 1)
}

func TestMarkAsReadConcurrentDuplicates(t *testing.T) {
	f := newFixture()
	conv := f.seedChannel("c1", senderS, readerA, readerB)
	m := f.send(t, conv, senderS, "hello")
	_, err := f.tracker.MarkAsRead(context.Background(), m.ID, readerA, "Alice")
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	created := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.tracker.MarkAsRead(context.Background(), m.ID, readerB, "Bob")
			require.NoError(t, err)
			created <- res.ReceiptCreated
		}()
	}
	wg.Wait()
	close(created)

	wins := 0
	for c := range created {
		if c {
			wins++
		}
	}
	require.Equal(t, 1, wins)

	n, err := f.receipts.CountReaders(context.Background(), m.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	allRead, err := f.tracker.CheckAllRead(context.Background(), m.ID, conv)
	require.NoError(t, err)
	require.True(t, allRead)
}

func TestMarkAsReadSelfAndMissing(t *testing.T) {
	f := newFixture()
	conv := f.seedChannel("c1", senderS, readerA)
	m := f.send(t, conv, senderS, "hello")

	res, err := f.tracker.MarkAsRead(context.Background(), m.ID, senderS, "Sam")
	require.NoError(t, err)
	require.False(t, res.ReceiptCreated)
	require.False(t, f.receipts.has(m.ID, senderS))

	res, err = f.tracker.MarkAsRead(context.Background(), "missing", readerA, "Alice")
	require.NoError(t, err)
	require.False(t, res.ReceiptCreated)
	require.Nil(t, res.Message)
}

func TestMarkMultipleGroupsEventsByConversation(t *testing.T) {
	f := newFixture()
	c1 := f.seedChannel("c1", senderS, readerA)
	r1 := roomRef("r1")
	f.members.add(r1, senderS)
	f.members.add(r1, readerA)

	m1 := f.send(t, c1, senderS, "one")
	m2 := f.send(t, c1, senderS, "two")
	m3 := f.send(t, r1, senderS, "three")
	mine := f.send(t, c1, readerA, "mine")

	affected, err := f.tracker.MarkMultipleAsRead(context.Background(),
		[]string{m1.ID, m2.ID, m3.ID, mine.ID, m1.ID, "missing"}, readerA, "Alice")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{m1.ID, m2.ID, m3.ID}, affected)

	batches := f.bcast.byType(EventReadBatch)
	require.Len(t, batches, 2)
	byConv := make(map[string][]string)
	for _, b := range batches {
		byConv[b.ev.ConversationID] = b.ev.MessageIDs
	}
	require.ElementsMatch(t, []string{m1.ID, m2.ID}, byConv[c1.Key()])
	require.ElementsMatch(t, []string{m3.ID}, byConv[r1.Key()])

	require.Equal(t, 0, f.unread(t, c1, readerA))
	require.Equal(t, 0, f.unread(t, r1, readerA))

	// Resubmitting an overlapping batch writes and broadcasts nothing.
	before := f.bcast.count()
	affected, err = f.tracker.MarkMultipleAsRead(context.Background(), []string{m1.ID, m2.ID}, readerA, "Alice")
	require.NoError(t, err)
	require.Empty(t, affected)
	require.Equal(t, before, f.bcast.count())
}

func TestMarkConversationAsRead(t *testing.T) {
	f := newFixture()
	conv := f.seedChannel("c1", senderS, readerA, readerB)
	var sent []*model.Message
	for i := 0; i < 3; i++ {
		sent = append(sent, f.send(t, conv, senderS, fmt.Sprintf("msg %d", i)))
	}
	require.Equal(t, 3, f.unread(t, conv, readerB))

	affected, err := f.tracker.MarkConversationAsRead(context.Background(), conv, readerB, "Bob")
	require.NoError(t, err)
	require.Len(t, affected, 3)
	require.Equal(t, 0, f.unread(t, conv, readerB))
	for _, m := range sent {
		require.True(t, f.receipts.has(m.ID, readerB))
	}
	require.Len(t, f.bcast.byType(EventReadBatch), 1)
	require.Equal(t, sent[2].ID, f.members.lastReadMessageID(conv, readerB))

	// Nothing left unread: short-circuit, no writes, no broadcasts.
	before := f.bcast.count()
	affected, err = f.tracker.MarkConversationAsRead(context.Background(), conv, readerB, "Bob")
	require.NoError(t, err)
	require.Empty(t, affected)
	require.Equal(t, before, f.bcast.count())
}

func TestStatusNeverRegresses(t *testing.T) {
	f := newFixture()
	conv := f.seedChannel("c1", senderS, readerA, readerB)
	m := f.send(t, conv, senderS, "hello")

	_, err := f.tracker.MarkAsRead(context.Background(), m.ID, readerA, "Alice")
	require.NoError(t, err)

	// A late delivery acknowledgement must not pull read back to delivered.
	require.NoError(t, f.tracker.MarkDelivered(context.Background(), m.ID, readerB))
	got, err := f.messages.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusRead, got.DeliveryStatus)
}

func TestCheckAllReadIgnoresInactiveMembers(t *testing.T) {
	f := newFixture()
	conv := f.seedChannel("c1", senderS, readerA, readerB)
	m := f.send(t, conv, senderS, "hello")

	_, err := f.tracker.MarkAsRead(context.Background(), m.ID, readerA, "Alice")
	require.NoError(t, err)

	allRead, err := f.tracker.CheckAllRead(context.Background(), m.ID, conv)
	require.NoError(t, err)
	require.False(t, allRead)

	// B leaves the team: quorum is over the remaining active members.
	f.members.setActive(conv, readerB, false)
	allRead, err = f.tracker.CheckAllRead(context.Background(), m.ID, conv)
	require.NoError(t, err)
	require.True(t, allRead)
}

func TestGetMessageStatus(t *testing.T) {
	f := newFixture()
	conv := f.seedChannel("c1", senderS, readerA, readerB)
	m := f.send(t, conv, senderS, "hello")

	_, err := f.tracker.MarkAsRead(context.Background(), m.ID, readerA, "Alice")
	require.NoError(t, err)
	_, err = f.tracker.MarkAsRead(context.Background(), m.ID, readerB, "Bob")
	require.NoError(t, err)

	status, err := f.tracker.GetMessageStatus(context.Background(), m.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusRead, status.Status)
	require.Equal(t, 2, status.ReadCount)
	require.Len(t, status.Readers, 2)
	require.False(t, status.Readers[0].ReadAt.After(status.Readers[1].ReadAt))

	_, err = f.tracker.GetMessageStatus(context.Background(), "missing")
	require.Error(t, err)
}

func TestGetUnreadCountsMixedKinds(t *testing.T) {
	f := newFixture()
	c1 := f.seedChannel("c1", senderS, readerA)
	r1 := roomRef("r1")
	f.members.add(r1, senderS)
	f.members.add(r1, readerA)

	f.send(t, c1, senderS, "one")
	f.send(t, c1, senderS, "two")
	f.send(t, r1, senderS, "three")

	counts, err := f.tracker.GetUnreadCounts(context.Background(), readerA,
		[]model.ConversationRef{c1, r1, channelRef("empty")})
	require.NoError(t, err)
	require.Equal(t, map[string]int{
		c1.Key():                  2,
		r1.Key():                  1,
		channelRef("empty").Key(): 0,
	}, counts)
}

func TestSoftDelete(t *testing.T) {
	f := newFixture()
	conv := f.seedChannel("c1", senderS, readerA)
	m := f.send(t, conv, senderS, "hello")

	require.ErrorIs(t, f.tracker.SoftDelete(context.Background(), m.ID, readerA), ErrNotSender)
	require.NoError(t, f.tracker.SoftDelete(context.Background(), m.ID, senderS))

	got, err := f.messages.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	require.True(t, got.IsDeleted)
	require.Len(t, f.bcast.byType(EventMessageDeleted), 1)

	// Acknowledging a deleted message is a benign no-op.
	res, err := f.tracker.MarkAsRead(context.Background(), m.ID, readerA, "Alice")
	require.NoError(t, err)
	require.False(t, res.ReceiptCreated)
}

func TestEventsFollowCommitOrderWithinConversation(t *testing.T) {
	f := newFixture()
	conv := f.seedChannel("c1", senderS, readerA)

	m1 := f.send(t, conv, senderS, "one")
	require.NoError(t, f.tracker.MarkDelivered(context.Background(), m1.ID, readerA))
	_, err := f.tracker.MarkAsRead(context.Background(), m1.ID, readerA, "Alice")
	require.NoError(t, err)

	f.bcast.mu.Lock()
	defer f.bcast.mu.Unlock()
	require.Len(t, f.bcast.events, 3)
	require.Equal(t, EventNewMessage, f.bcast.events[0].ev.Type)
	require.Equal(t, EventDeliveryStatus, f.bcast.events[1].ev.Type)
	require.Equal(t, EventMessageRead, f.bcast.events[2].ev.Type)
}
