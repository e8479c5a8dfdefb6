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

var ErrNotFound = errors.New("not found")

const messageColumns = `id, channel_id, room_id, thread_parent_id, sender_type, sender_id, content,
	        delivery_status, sent_at, delivered_at, read_at, is_deleted, created_at`

// convColumn maps a conversation kind to the message column holding its id.
// Only the two fixed kinds exist, so interpolating it into SQL is safe.
func convColumn(kind model.ConversationKind) string {
	if kind == model.ConversationRoom {
		return "room_id"
	}
	return "channel_id"
}

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	m := &model.Message{}
	err := row.Scan(&m.ID, &m.ChannelID, &m.RoomID, &m.ThreadParentID, &m.SenderType, &m.SenderID, &m.Content,
		&m.DeliveryStatus, &m.SentAt, &m.DeliveredAt, &m.ReadAt, &m.IsDeleted, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, channel_id, room_id, thread_parent_id, sender_type, sender_id, content,
		                       delivery_status, sent_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.ChannelID, m.RoomID, m.ThreadParentID, m.SenderType, m.SenderID, m.Content,
		m.DeliveryStatus, m.SentAt, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m, err := scanMessage(r.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// AdvanceStatus moves a message to target only when target is strictly later
// in pending < sent < delivered < read, or target is failed and the current
// status is not terminal. Otherwise it is a silent no-op returning the
// unchanged row. The conditional UPDATE makes concurrent, duplicate and
// out-of-order calls safe without explicit locking; delivered_at/read_at are
// set once, on first entry into the status.
func (r *MessageRepository) AdvanceStatus(ctx context.Context, id string, target model.DeliveryStatus, at time.Time) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.AdvanceStatus", time.Now())()
	if !target.Valid() {
		return nil, fmt.Errorf("msgRepo.AdvanceStatus: unknown status %q", target)
	}
	m, err := scanMessage(r.pool.QueryRow(ctx,
		`UPDATE messages SET
		     delivery_status = $2,
		     delivered_at = CASE WHEN $2 = 'delivered' THEN COALESCE(delivered_at, $3) ELSE delivered_at END,
		     read_at      = CASE WHEN $2 = 'read'      THEN COALESCE(read_at, $3)      ELSE read_at      END
		 WHERE id = $1
		   AND (
		     ($2 = 'failed' AND delivery_status IN ('pending', 'sent', 'delivered'))
		     OR ($2 <> 'failed' AND delivery_status <> 'failed'
		         AND CASE delivery_status WHEN 'pending' THEN 0 WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 END
		           < CASE $2::text      WHEN 'pending' THEN 0 WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 END)
		   )
		 RETURNING `+messageColumns,
		id, string(target), at,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		// Transition not allowed (or already applied by a concurrent caller):
		// the contract is a no-op returning the current row.
		return r.GetByID(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.AdvanceStatus: %w", err)
	}
	return m, nil
}

// ListConversationMessages returns messages of a conversation, newest first.
func (r *MessageRepository) ListConversationMessages(ctx context.Context, conv model.ConversationRef, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListConversationMessages", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageColumns+`
		 FROM messages
		 WHERE `+convColumn(conv.Kind)+` = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, conv.ID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListConversationMessages query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("msgRepo.ListConversationMessages scan: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListConversationMessages rows: %w", err)
	}
	return messages, nil
}

// UnreadMessageIDs returns ids of non-deleted messages in the conversation
// not authored by reader and without a receipt from reader, oldest first.
func (r *MessageRepository) UnreadMessageIDs(ctx context.Context, conv model.ConversationRef, reader model.ActorRef) ([]string, error) {
	defer logger.DeferLogDuration("msg.UnreadMessageIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT m.id FROM messages m
		 WHERE m.`+convColumn(conv.Kind)+` = $1
		   AND m.is_deleted = false
		   AND NOT (m.sender_type = $2 AND m.sender_id = $3)
		   AND NOT EXISTS (
		     SELECT 1 FROM read_receipts rr
		     WHERE rr.message_id = m.id AND rr.reader_type = $2 AND rr.reader_id = $3
		   )
		 ORDER BY m.created_at`, conv.ID, reader.Type, reader.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.UnreadMessageIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 32)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("msgRepo.UnreadMessageIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.UnreadMessageIDs rows: %w", err)
	}
	return ids, nil
}

// CountUnreadFor is the exact recount behind counter drift correction: the
// number of non-deleted messages in the conversation not authored by the
// member and not receipted by the member.
func (r *MessageRepository) CountUnreadFor(ctx context.Context, conv model.ConversationRef, member model.ActorRef) (int, error) {
	defer logger.DeferLogDuration("msg.CountUnreadFor", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages m
		 WHERE m.`+convColumn(conv.Kind)+` = $1
		   AND m.is_deleted = false
		   AND NOT (m.sender_type = $2 AND m.sender_id = $3)
		   AND NOT EXISTS (
		     SELECT 1 FROM read_receipts rr
		     WHERE rr.message_id = m.id AND rr.reader_type = $2 AND rr.reader_id = $3
		   )`, conv.ID, member.Type, member.ID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.CountUnreadFor: %w", err)
	}
	return count, nil
}

// SoftDelete marks a message as deleted and clears content. Receipt rows are
// left intact; the message stops counting toward unread totals.
func (r *MessageRepository) SoftDelete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_deleted = true, content = '' WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	return nil
}
