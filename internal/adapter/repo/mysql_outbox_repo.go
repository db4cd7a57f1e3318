package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kstore/order-api/internal/usecase"
)

const (
	outboxPending = "PENDING"
	outboxSent    = "SENT"
)

type MySQLOutboxRepo struct {
	db    *sql.DB
	lease time.Duration
}

// NewMySQLOutboxRepo: lease is how long a claimed row stays invisible to other relays.
func NewMySQLOutboxRepo(db *sql.DB, lease time.Duration) *MySQLOutboxRepo {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &MySQLOutboxRepo{db: db, lease: lease}
}

func insertOutbox(ctx context.Context, q queryer, channel string, payload []byte) error {
	_, err := q.ExecContext(ctx, `
INSERT INTO outbox (channel,payload,status,retry_count,next_attempt_at,created_at)
VALUES (?, ?, 'PENDING', 0, NOW(), NOW())
`, channel, payload)
	return err
}

// ClaimPending picks due rows and pushes their next_attempt_at past the lease,
// so concurrent relays skip them while this one publishes.
func (r *MySQLOutboxRepo) ClaimPending(ctx context.Context, limit int) (_ []usecase.OutboxMessage, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT id, channel, payload, retry_count FROM outbox
WHERE status = ? AND next_attempt_at <= NOW()
ORDER BY id LIMIT ?
FOR UPDATE SKIP LOCKED`, outboxPending, limit)
	if err != nil {
		return nil, err
	}
	var msgs []usecase.OutboxMessage
	for rows.Next() {
		var m usecase.OutboxMessage
		if err := rows.Scan(&m.ID, &m.Channel, &m.Payload, &m.RetryCount); err != nil {
			rows.Close()
			return nil, err
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]any, 0, len(msgs)+1)
	ids = append(ids, int(r.lease.Seconds()))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(msgs)), ",")
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE outbox SET next_attempt_at = DATE_ADD(NOW(), INTERVAL ? SECOND)
WHERE id IN (%s)`, placeholders), ids...); err != nil {
		return nil, err
	}
	return msgs, tx.Commit()
}

func (r *MySQLOutboxRepo) MarkSent(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE outbox SET status = ?, sent_at = NOW(), last_error = NULL WHERE id = ?`, outboxSent, id)
	return err
}

func (r *MySQLOutboxRepo) Reschedule(ctx context.Context, id int64, next time.Time, lastErr string) error {
	if len(lastErr) > 500 {
		lastErr = lastErr[:500]
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE outbox SET retry_count = retry_count + 1, next_attempt_at = ?, last_error = ?
WHERE id = ?`, next.UTC(), lastErr, id)
	return err
}

var _ usecase.OutboxRepo = (*MySQLOutboxRepo)(nil)
