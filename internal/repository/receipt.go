package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/peopledesk/internal/logger"
	"github.com/peopledesk/internal/model"
)

type ReceiptRepository struct {
	pool *pgxpool.Pool
}

func NewReceiptRepository(pool *pgxpool.Pool) *ReceiptRepository {
	return &ReceiptRepository{pool: pool}
}

// Upsert inserts a receipt if the (message, reader) pair has none yet and
// reports whether a row was created. An existing row is never modified, so
// retries and concurrent duplicates collapse into one receipt.
func (r *ReceiptRepository) Upsert(ctx context.Context, messageID string, reader model.ActorRef, at time.Time) (bool, error) {
	defer logger.DeferLogDuration("receipt.Upsert", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO read_receipts (message_id, reader_type, reader_id, read_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		messageID, reader.Type, reader.ID, at,
	)
	if err != nil {
		return false, fmt.Errorf("receiptRepo.Upsert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// BulkUpsert applies the Upsert rule per receipt in one round trip and
// returns the number of rows actually inserted. Duplicate pairs within the
// batch are tolerated: the first wins, the rest are no-ops.
func (r *ReceiptRepository) BulkUpsert(ctx context.Context, receipts []model.ReadReceipt) (int, error) {
	defer logger.DeferLogDuration("receipt.BulkUpsert", time.Now())()
	if len(receipts) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, rc := range receipts {
		batch.Queue(
			`INSERT INTO read_receipts (message_id, reader_type, reader_id, read_at)
			 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
			rc.MessageID, rc.ReaderType, rc.ReaderID, rc.ReadAt,
		)
	}
	res := r.pool.SendBatch(ctx, batch)
	defer res.Close()

	inserted := 0
	for range receipts {
		tag, err := res.Exec()
		if err != nil {
			return inserted, fmt.Errorf("receiptRepo.BulkUpsert: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// ListReaders returns all receipts for a message, ascending by read_at.
func (r *ReceiptRepository) ListReaders(ctx context.Context, messageID string) ([]model.ReadReceipt, error) {
	defer logger.DeferLogDuration("receipt.ListReaders", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT message_id, reader_type, reader_id, read_at
		 FROM read_receipts
		 WHERE message_id = $1
		 ORDER BY read_at`, messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("receiptRepo.ListReaders query: %w", err)
	}
	defer rows.Close()

	receipts := make([]model.ReadReceipt, 0, 8)
	for rows.Next() {
		var rc model.ReadReceipt
		if err := rows.Scan(&rc.MessageID, &rc.ReaderType, &rc.ReaderID, &rc.ReadAt); err != nil {
			return nil, fmt.Errorf("receiptRepo.ListReaders scan: %w", err)
		}
		receipts = append(receipts, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("receiptRepo.ListReaders rows: %w", err)
	}
	return receipts, nil
}

func (r *ReceiptRepository) CountReaders(ctx context.Context, messageID string) (int, error) {
	defer logger.DeferLogDuration("receipt.CountReaders", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM read_receipts WHERE message_id = $1`, messageID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("receiptRepo.CountReaders: %w", err)
	}
	return count, nil
}

// ReadBy returns the subset of messageIDs already receipted by reader. Batch
// read paths call this before writing so an overlapping resubmission neither
// rewrites rows nor rebroadcasts.
func (r *ReceiptRepository) ReadBy(ctx context.Context, messageIDs []string, reader model.ActorRef) (map[string]bool, error) {
	defer logger.DeferLogDuration("receipt.ReadBy", time.Now())()
	if len(messageIDs) == 0 {
		return map[string]bool{}, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT message_id FROM read_receipts
		 WHERE message_id = ANY($1) AND reader_type = $2 AND reader_id = $3`,
		messageIDs, reader.Type, reader.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("receiptRepo.ReadBy query: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool, len(messageIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("receiptRepo.ReadBy scan: %w", err)
		}
		seen[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("receiptRepo.ReadBy rows: %w", err)
	}
	return seen, nil
}
