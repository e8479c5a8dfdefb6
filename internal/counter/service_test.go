package counter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/peopledesk/internal/model"
)

type fakeCounters struct {
	mu     sync.Mutex
	counts map[string]int
	marks  map[string]string // member key -> last read message id
}

func newFakeCounters() *fakeCounters {
	return &fakeCounters{counts: make(map[string]int), marks: make(map[string]string)}
}

func key(conv model.ConversationRef, member model.ActorRef) string {
	return conv.Key() + "|" + member.Key()
}

func (f *fakeCounters) IncrementUnreadExcept(_ context.Context, conv model.ConversationRef, sender model.ActorRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.counts {
		if k != key(conv, sender) {
			f.counts[k]++
		}
	}
	return nil
}

func (f *fakeCounters) ResetUnread(_ context.Context, conv model.ConversationRef, member model.ActorRef, lastMessageID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[key(conv, member)] = 0
	f.marks[key(conv, member)] = lastMessageID
	return nil
}

func (f *fakeCounters) SetUnread(_ context.Context, conv model.ConversationRef, member model.ActorRef, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[key(conv, member)] = count
	return nil
}

func (f *fakeCounters) UnreadCount(_ context.Context, conv model.ConversationRef, member model.ActorRef) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[key(conv, member)], nil
}

type fixedRecount int

func (f fixedRecount) CountUnreadFor(context.Context, model.ConversationRef, model.ActorRef) (int, error) {
	return int(f), nil
}

func TestIncrementSkipsSender(t *testing.T) {
	conv := model.ConversationRef{Kind: model.ConversationChannel, ID: "c1"}
	alice := model.ActorRef{Type: model.ActorEmployee, ID: "alice"}
	bob := model.ActorRef{Type: model.ActorEmployee, ID: "bob"}

	counters := newFakeCounters()
	counters.counts[key(conv, alice)] = 0
	counters.counts[key(conv, bob)] = 0
	svc := NewService(counters, fixedRecount(0))

	require.NoError(t, svc.IncrementForAllExcept(context.Background(), conv, alice))
	require.NoError(t, svc.IncrementForAllExcept(context.Background(), conv, alice))

	got, err := svc.GetUnreadCounts(context.Background(), bob, []model.ConversationRef{conv})
	require.NoError(t, err)
	require.Equal(t, map[string]int{"channel:c1": 2}, got)

	got, err = svc.GetUnreadCounts(context.Background(), alice, []model.ConversationRef{conv})
	require.NoError(t, err)
	require.Equal(t, map[string]int{"channel:c1": 0}, got)
}

func TestResetOnReadRecordsWatermark(t *testing.T) {
	conv := model.ConversationRef{Kind: model.ConversationRoom, ID: "r1"}
	bob := model.ActorRef{Type: model.ActorEmployee, ID: "bob"}

	counters := newFakeCounters()
	counters.counts[key(conv, bob)] = 5
	svc := NewService(counters, fixedRecount(0))

	require.NoError(t, svc.ResetOnRead(context.Background(), conv, bob, "msg-42"))

	n, err := counters.UnreadCount(context.Background(), conv, bob)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, "msg-42", counters.marks[key(conv, bob)])
}

func TestRecomputeCorrectsDrift(t *testing.T) {
	conv := model.ConversationRef{Kind: model.ConversationChannel, ID: "c1"}
	bob := model.ActorRef{Type: model.ActorEmployee, ID: "bob"}

	counters := newFakeCounters()
	counters.counts[key(conv, bob)] = 9 // drifted
	svc := NewService(counters, fixedRecount(3))

	n, err := svc.Recompute(context.Background(), conv, bob)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	stored, err := counters.UnreadCount(context.Background(), conv, bob)
	require.NoError(t, err)
	require.Equal(t, 3, stored)
}

func TestGetUnreadCountsMixedKinds(t *testing.T) {
	c1 := model.ConversationRef{Kind: model.ConversationChannel, ID: "c1"}
	r1 := model.ConversationRef{Kind: model.ConversationRoom, ID: "r1"}
	bob := model.ActorRef{Type: model.ActorEmployee, ID: "bob"}

	counters := newFakeCounters()
	counters.counts[key(c1, bob)] = 2
	counters.counts[key(r1, bob)] = 7
	svc := NewService(counters, fixedRecount(0))

	got, err := svc.GetUnreadCounts(context.Background(), bob, []model.ConversationRef{c1, r1})
	require.NoError(t, err)
	require.Equal(t, map[string]int{"channel:c1": 2, "room:r1": 7}, got)
}
