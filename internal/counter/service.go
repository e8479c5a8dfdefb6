// Package counter maintains the per-(conversation, member) unread counters.
// The counters are incremental approximations; Recompute restores exactness
// when drift is suspected.
package counter

import (
	"context"
	"time"

	"github.com/peopledesk/internal/model"
)

// MemberCounters is the slice of the membership projection the service writes.
type MemberCounters interface {
	IncrementUnreadExcept(ctx context.Context, conv model.ConversationRef, sender model.ActorRef) error
	ResetUnread(ctx context.Context, conv model.ConversationRef, member model.ActorRef, lastMessageID string, at time.Time) error
	SetUnread(ctx context.Context, conv model.ConversationRef, member model.ActorRef, count int) error
	UnreadCount(ctx context.Context, conv model.ConversationRef, member model.ActorRef) (int, error)
}

// UnreadRecounter provides the exact recount for drift correction.
type UnreadRecounter interface {
	CountUnreadFor(ctx context.Context, conv model.ConversationRef, member model.ActorRef) (int, error)
}

type Service struct {
	counters  MemberCounters
	recounter UnreadRecounter
}

func NewService(counters MemberCounters, recounter UnreadRecounter) *Service {
	return &Service{counters: counters, recounter: recounter}
}

// IncrementForAllExcept bumps the counter of every active member other than
// sender by one. Membership is resolved at call time.
func (s *Service) IncrementForAllExcept(ctx context.Context, conv model.ConversationRef, sender model.ActorRef) error {
	return s.counters.IncrementUnreadExcept(ctx, conv, sender)
}

// ResetOnRead zeroes the member's counter and records lastMessageID as the
// read watermark.
func (s *Service) ResetOnRead(ctx context.Context, conv model.ConversationRef, member model.ActorRef, lastMessageID string) error {
	return s.counters.ResetUnread(ctx, conv, member, lastMessageID, time.Now().UTC())
}

// Recompute replaces the incremental counter with an exact recount and
// returns the new value. Not for the hot path.
func (s *Service) Recompute(ctx context.Context, conv model.ConversationRef, member model.ActorRef) (int, error) {
	count, err := s.recounter.CountUnreadFor(ctx, conv, member)
	if err != nil {
		return 0, err
	}
	if err := s.counters.SetUnread(ctx, conv, member, count); err != nil {
		return 0, err
	}
	return count, nil
}

// GetUnreadCounts returns the member's counters for the given conversations,
// keyed by the opaque conversation key. Channels and rooms may be mixed in
// one call.
func (s *Service) GetUnreadCounts(ctx context.Context, member model.ActorRef, convs []model.ConversationRef) (map[string]int, error) {
	counts := make(map[string]int, len(convs))
	for _, conv := range convs {
		n, err := s.counters.UnreadCount(ctx, conv, member)
		if err != nil {
			return nil, err
		}
		counts[conv.Key()] = n
	}
	return counts, nil
}
