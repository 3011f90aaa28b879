package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	gwdb "github.com/r3e-network/acquiring-gateway/internal/platform/db"
	gwerrors "github.com/r3e-network/acquiring-gateway/internal/platform/errors"
)

// PostgresStore is the production Store implementation, backed by the
// webhook_deliveries table (migrations/000004).
type PostgresStore struct {
	base gwdb.BaseStore
}

func NewPostgresStore(base gwdb.BaseStore) *PostgresStore {
	return &PostgresStore{base: base}
}

type deliveryRow struct {
	ID          string          `db:"id"`
	MerchantID  string          `db:"merchant_id"`
	URL         string          `db:"url"`
	EventKind   string          `db:"event_kind"`
	Payload     json.RawMessage `db:"payload"`
	Status      string          `db:"status"`
	Attempts    int             `db:"attempts"`
	NextAttempt time.Time       `db:"next_attempt"`
	LastError   sql.NullString  `db:"last_error"`
	CreatedAt   time.Time       `db:"created_at"`
}

func (r *deliveryRow) toDelivery() *Delivery {
	return &Delivery{
		ID: r.ID, MerchantID: r.MerchantID, URL: r.URL, EventKind: r.EventKind,
		Payload: r.Payload, Status: DeliveryStatus(r.Status), Attempts: r.Attempts,
		NextAttempt: r.NextAttempt, LastError: r.LastError.String, CreatedAt: r.CreatedAt,
	}
}

const upsertDeliverySQL = `
INSERT INTO webhook_deliveries (id, merchant_id, url, event_kind, payload, status, attempts, next_attempt, last_error, created_at)
VALUES (:id, :merchant_id, :url, :event_kind, :payload, :status, :attempts, :next_attempt, :last_error, :created_at)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status, attempts = EXCLUDED.attempts,
	next_attempt = EXCLUDED.next_attempt, last_error = EXCLUDED.last_error`

// Save upserts a delivery record (used both on initial enqueue and on
// every subsequent attempt).
func (s *PostgresStore) Save(ctx context.Context, d *Delivery) error {
	row := deliveryRow{
		ID: d.ID, MerchantID: d.MerchantID, URL: d.URL, EventKind: d.EventKind,
		Payload: d.Payload, Status: string(d.Status), Attempts: d.Attempts,
		NextAttempt: d.NextAttempt, LastError: sql.NullString{String: d.LastError, Valid: d.LastError != ""},
		CreatedAt: d.CreatedAt,
	}
	stmt, err := s.base.DB.PrepareNamedContext(ctx, upsertDeliverySQL)
	if err != nil {
		return gwerrors.Internal("prepare webhook delivery upsert failed", err)
	}
	defer stmt.Close()
	if _, err := stmt.ExecContext(ctx, row); err != nil {
		return gwerrors.Internal("webhook delivery upsert failed", err)
	}
	return nil
}

// DuePending returns up to limit deliveries still PENDING whose
// next_attempt has elapsed, oldest first.
func (s *PostgresStore) DuePending(ctx context.Context, before time.Time, limit int) ([]*Delivery, error) {
	var rows []deliveryRow
	err := s.base.Querier(ctx).SelectContext(ctx, &rows,
		`SELECT * FROM webhook_deliveries WHERE status = 'PENDING' AND next_attempt <= $1 ORDER BY next_attempt ASC LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, gwerrors.Internal("list due webhook deliveries failed", err)
	}
	out := make([]*Delivery, len(rows))
	for i := range rows {
		out[i] = rows[i].toDelivery()
	}
	return out, nil
}
