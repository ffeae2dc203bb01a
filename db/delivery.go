package db

import (
	"context"
	"time"

	"github.com/deemkeen/tusker/domain"
	"github.com/google/uuid"
)

// Delivery queue queries
const (
	sqlInsertDelivery = `INSERT INTO delivery_queue(id, inbox_uri, activity_uri, sender_uri, activity_json, attempts, last_error, next_retry_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectPending  = `SELECT id, inbox_uri, activity_uri, sender_uri, activity_json, attempts, last_error, next_retry_at, created_at FROM delivery_queue WHERE next_retry_at <= ? ORDER BY next_retry_at ASC LIMIT ?`
	sqlUpdateAttempt  = `UPDATE delivery_queue SET attempts = ?, last_error = ?, next_retry_at = ? WHERE id = ?`
	sqlClaimDelivery  = `UPDATE delivery_queue SET next_retry_at = ? WHERE id = ? AND next_retry_at <= ?`
	sqlDeleteDelivery = `DELETE FROM delivery_queue WHERE id = ?`
)

func (db *DB) EnqueueDelivery(ctx context.Context, item *domain.DeliveryQueueItem) error {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now()
	}
	if item.NextRetryAt.IsZero() {
		item.NextRetryAt = item.CreatedAt
	}
	return db.exec(ctx, sqlInsertDelivery,
		item.Id.String(),
		item.InboxURI,
		item.ActivityURI,
		item.SenderURI,
		item.ActivityJSON,
		item.Attempts,
		item.LastError,
		utc(item.NextRetryAt),
		utc(item.CreatedAt),
	)
}

// ReadPendingDeliveries returns queue items that are due at t
func (db *DB) ReadPendingDeliveries(ctx context.Context, t time.Time, limit int) ([]domain.DeliveryQueueItem, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectPending, utc(t), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var item domain.DeliveryQueueItem
		var idStr string
		err := rows.Scan(&idStr, &item.InboxURI, &item.ActivityURI, &item.SenderURI, &item.ActivityJSON,
			&item.Attempts, &item.LastError, &item.NextRetryAt, &item.CreatedAt)
		if err != nil {
			return items, err
		}
		item.Id, _ = uuid.Parse(idStr)
		items = append(items, item)
	}
	return items, rows.Err()
}

// ClaimDelivery pushes a due item's next_retry_at to until so no other
// sweeper picks it up meanwhile. It returns domain.ErrNotFound when the
// item is gone or no longer due at now.
func (db *DB) ClaimDelivery(ctx context.Context, id uuid.UUID, now, until time.Time) error {
	return db.execOne(ctx, sqlClaimDelivery, utc(until), id.String(), utc(now))
}

func (db *DB) UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, lastErr string, nextRetry time.Time) error {
	return db.execOne(ctx, sqlUpdateAttempt, attempts, lastErr, utc(nextRetry), id.String())
}

func (db *DB) DeleteDelivery(ctx context.Context, id uuid.UUID) error {
	return db.execOne(ctx, sqlDeleteDelivery, id.String())
}

func (db *DB) CountDeliveries(ctx context.Context) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_queue`).Scan(&n)
	return n, mapErr(err)
}
