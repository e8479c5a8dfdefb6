package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/peopledesk/internal/logger"
	"github.com/peopledesk/internal/model"
)

// MemberRepository owns the conversation_members projection. Role/active/muted
// are pushed in by the membership directory; the unread counter fields are
// mutated only through the counter service.
type MemberRepository struct {
	pool *pgxpool.Pool
}

func NewMemberRepository(pool *pgxpool.Pool) *MemberRepository {
	return &MemberRepository{pool: pool}
}

const memberColumns = `conversation_kind, conversation_id, member_type, member_id, role, active, muted,
	        unread_count, last_read_at, last_read_message_id, joined_at`

// Upsert creates or refreshes a membership row from the directory's point of
// view. Counter fields are never touched here.
func (r *MemberRepository) Upsert(ctx context.Context, m *model.ConversationMember) error {
	defer logger.DeferLogDuration("member.Upsert", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO conversation_members (conversation_kind, conversation_id, member_type, member_id, role, active, muted, joined_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (conversation_kind, conversation_id, member_type, member_id) DO UPDATE SET
		     role = EXCLUDED.role,
		     active = EXCLUDED.active,
		     muted = EXCLUDED.muted`,
		m.ConversationKind, m.ConversationID, m.MemberType, m.MemberID, m.Role, m.Active, m.Muted, m.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("memberRepo.Upsert: %w", err)
	}
	return nil
}

func (r *MemberRepository) Get(ctx context.Context, conv model.ConversationRef, member model.ActorRef) (*model.ConversationMember, error) {
	defer logger.DeferLogDuration("member.Get", time.Now())()
	m := &model.ConversationMember{}
	err := r.pool.QueryRow(ctx,
		`SELECT `+memberColumns+`
		 FROM conversation_members
		 WHERE conversation_kind = $1 AND conversation_id = $2 AND member_type = $3 AND member_id = $4`,
		conv.Kind, conv.ID, member.Type, member.ID,
	).Scan(&m.ConversationKind, &m.ConversationID, &m.MemberType, &m.MemberID, &m.Role, &m.Active, &m.Muted,
		&m.UnreadCount, &m.LastReadAt, &m.LastReadMessageID, &m.JoinedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("memberRepo.Get: %w", err)
	}
	return m, nil
}

// ListActiveMembers resolves the active membership of a conversation as actor
// references. This is the directory view the quorum check runs against.
func (r *MemberRepository) ListActiveMembers(ctx context.Context, conv model.ConversationRef) ([]model.ActorRef, error) {
	defer logger.DeferLogDuration("member.ListActiveMembers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT member_type, member_id FROM conversation_members
		 WHERE conversation_kind = $1 AND conversation_id = $2 AND active = true
		 ORDER BY joined_at`, conv.Kind, conv.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("memberRepo.ListActiveMembers query: %w", err)
	}
	defer rows.Close()

	members := make([]model.ActorRef, 0, 8)
	for rows.Next() {
		var a model.ActorRef
		if err := rows.Scan(&a.Type, &a.ID); err != nil {
			return nil, fmt.Errorf("memberRepo.ListActiveMembers scan: %w", err)
		}
		members = append(members, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memberRepo.ListActiveMembers rows: %w", err)
	}
	return members, nil
}

// ListMembers returns full membership rows including counter and mute state
// (used by the push nudge path).
func (r *MemberRepository) ListMembers(ctx context.Context, conv model.ConversationRef) ([]model.ConversationMember, error) {
	defer logger.DeferLogDuration("member.ListMembers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+memberColumns+`
		 FROM conversation_members
		 WHERE conversation_kind = $1 AND conversation_id = $2
		 ORDER BY joined_at`, conv.Kind, conv.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("memberRepo.ListMembers query: %w", err)
	}
	defer rows.Close()

	members := make([]model.ConversationMember, 0, 8)
	for rows.Next() {
		var m model.ConversationMember
		if err := rows.Scan(&m.ConversationKind, &m.ConversationID, &m.MemberType, &m.MemberID, &m.Role, &m.Active, &m.Muted,
			&m.UnreadCount, &m.LastReadAt, &m.LastReadMessageID, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("memberRepo.ListMembers scan: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memberRepo.ListMembers rows: %w", err)
	}
	return members, nil
}

// IncrementUnreadExcept bumps unread_count for every active member of the
// conversation other than sender. Membership is whatever the projection holds
// at call time; a member joining mid-send does not receive the increment.
func (r *MemberRepository) IncrementUnreadExcept(ctx context.Context, conv model.ConversationRef, sender model.ActorRef) error {
	defer logger.DeferLogDuration("member.IncrementUnreadExcept", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE conversation_members SET unread_count = unread_count + 1
		 WHERE conversation_kind = $1 AND conversation_id = $2 AND active = true
		   AND NOT (member_type = $3 AND member_id = $4)`,
		conv.Kind, conv.ID, sender.Type, sender.ID,
	)
	if err != nil {
		return fmt.Errorf("memberRepo.IncrementUnreadExcept: %w", err)
	}
	return nil
}

// ResetUnread zeroes the member's counter and records the read watermark.
func (r *MemberRepository) ResetUnread(ctx context.Context, conv model.ConversationRef, member model.ActorRef, lastMessageID string, at time.Time) error {
	defer logger.DeferLogDuration("member.ResetUnread", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE conversation_members SET unread_count = 0, last_read_at = $5, last_read_message_id = $6
		 WHERE conversation_kind = $1 AND conversation_id = $2 AND member_type = $3 AND member_id = $4`,
		conv.Kind, conv.ID, member.Type, member.ID, at, lastMessageID,
	)
	if err != nil {
		return fmt.Errorf("memberRepo.ResetUnread: %w", err)
	}
	return nil
}

// SetUnread overwrites the counter with an exact recount (drift correction).
func (r *MemberRepository) SetUnread(ctx context.Context, conv model.ConversationRef, member model.ActorRef, count int) error {
	defer logger.DeferLogDuration("member.SetUnread", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE conversation_members SET unread_count = $5
		 WHERE conversation_kind = $1 AND conversation_id = $2 AND member_type = $3 AND member_id = $4`,
		conv.Kind, conv.ID, member.Type, member.ID, count,
	)
	if err != nil {
		return fmt.Errorf("memberRepo.SetUnread: %w", err)
	}
	return nil
}

// UnreadCount reads the member's current counter. A missing membership row
// reads as zero: non-members have nothing unread.
func (r *MemberRepository) UnreadCount(ctx context.Context, conv model.ConversationRef, member model.ActorRef) (int, error) {
	defer logger.DeferLogDuration("member.UnreadCount", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT unread_count FROM conversation_members
		 WHERE conversation_kind = $1 AND conversation_id = $2 AND member_type = $3 AND member_id = $4`,
		conv.Kind, conv.ID, member.Type, member.ID,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("memberRepo.UnreadCount: %w", err)
	}
	return count, nil
}
