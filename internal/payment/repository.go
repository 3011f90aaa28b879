package payment

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"

	gwdb "github.com/r3e-network/acquiring-gateway/internal/platform/db"
	gwerrors "github.com/r3e-network/acquiring-gateway/internal/platform/errors"
)

// Repository persists Payment aggregates and their append-only Events,
// backed by Postgres via the teacher's BaseStore/Querier-from-context
// pattern (internal/platform/db).
type Repository struct {
	base gwdb.BaseStore
}

func NewRepository(base gwdb.BaseStore) *Repository {
	return &Repository{base: base}
}

type paymentRow struct {
	ID               string          `db:"id"`
	ExternalID       sql.NullString  `db:"external_id"`
	MerchantID       string          `db:"merchant_id"`
	Amount           decimal.Decimal `db:"amount"`
	CapturedAmount   decimal.Decimal `db:"captured_amount"`
	RefundedAmount   decimal.Decimal `db:"refunded_amount"`
	Currency         string          `db:"currency"`
	Status           string          `db:"status"`
	CardTokenID      sql.NullString  `db:"card_token_id"`
	CardLastFour     sql.NullString  `db:"card_last_four"`
	CardBrand        sql.NullString  `db:"card_brand"`
	PSPName          sql.NullString  `db:"psp_name"`
	PSPTransactionID sql.NullString  `db:"psp_transaction_id"`
	FraudScore       float64         `db:"fraud_score"`
	FraudDecision    sql.NullString  `db:"fraud_decision"`
	ThreeDSStatus    sql.NullString  `db:"three_ds_status"`
	ThreeDSCAVV      sql.NullString  `db:"three_ds_cavv"`
	ThreeDSECI       sql.NullString  `db:"three_ds_eci"`
	Description      sql.NullString  `db:"description"`
	ReferenceID      sql.NullString  `db:"reference_id"`
	BillingStreet    sql.NullString  `db:"billing_street"`
	BillingCity      sql.NullString  `db:"billing_city"`
	BillingState     sql.NullString  `db:"billing_state"`
	BillingZip       sql.NullString  `db:"billing_zip"`
	BillingCountry   sql.NullString  `db:"billing_country"`
	CreatedAt        sql.NullTime    `db:"created_at"`
	AuthorizedAt     sql.NullTime    `db:"authorized_at"`
	CapturedAt       sql.NullTime    `db:"captured_at"`
}

func (r *paymentRow) toPayment() *Payment {
	p := &Payment{
		ID:               r.ID,
		ExternalID:       r.ExternalID.String,
		MerchantID:       r.MerchantID,
		Amount:           r.Amount,
		CapturedAmount:   r.CapturedAmount,
		RefundedAmount:   r.RefundedAmount,
		Currency:         r.Currency,
		Status:           Status(r.Status),
		CardTokenID:      r.CardTokenID.String,
		CardLastFour:     r.CardLastFour.String,
		CardBrand:        r.CardBrand.String,
		PSPName:          r.PSPName.String,
		PSPTransactionID: r.PSPTransactionID.String,
		FraudScore:       r.FraudScore,
		FraudDecision:    FraudDecision(r.FraudDecision.String),
		ThreeDSStatus:    ThreeDSStatus(r.ThreeDSStatus.String),
		ThreeDSCAVV:      r.ThreeDSCAVV.String,
		ThreeDSECI:       r.ThreeDSECI.String,
		Description:      r.Description.String,
		ReferenceID:      r.ReferenceID.String,
		Billing: BillingAddress{
			Street: r.BillingStreet.String, City: r.BillingCity.String,
			State: r.BillingState.String, Zip: r.BillingZip.String, Country: r.BillingCountry.String,
		},
		CreatedAt: r.CreatedAt.Time,
	}
	if r.AuthorizedAt.Valid {
		p.AuthorizedAt = &r.AuthorizedAt.Time
	}
	if r.CapturedAt.Valid {
		p.CapturedAt = &r.CapturedAt.Time
	}
	return p
}

const insertPaymentSQL = `
INSERT INTO payments (
	id, external_id, merchant_id, amount, captured_amount, refunded_amount, currency, status,
	card_token_id, card_last_four, card_brand, description, reference_id,
	billing_street, billing_city, billing_state, billing_zip, billing_country, created_at
) VALUES (
	:id, :external_id, :merchant_id, :amount, :captured_amount, :refunded_amount, :currency, :status,
	:card_token_id, :card_last_four, :card_brand, :description, :reference_id,
	:billing_street, :billing_city, :billing_state, :billing_zip, :billing_country, :created_at
)`

// Create inserts a new Payment row.
func (r *Repository) Create(ctx context.Context, p *Payment) error {
	row := fromPayment(p)
	stmt, err := r.base.DB.PrepareNamedContext(ctx, insertPaymentSQL)
	if err != nil {
		return gwerrors.Internal("prepare insert payment failed", err)
	}
	defer stmt.Close()
	if _, err := stmt.ExecContext(ctx, row); err != nil {
		return gwerrors.Internal("insert payment failed", err)
	}
	return nil
}

const updatePaymentSQL = `
UPDATE payments SET
	status = :status, captured_amount = :captured_amount, refunded_amount = :refunded_amount,
	card_token_id = :card_token_id, card_last_four = :card_last_four, card_brand = :card_brand,
	psp_name = :psp_name, psp_transaction_id = :psp_transaction_id,
	fraud_score = :fraud_score, fraud_decision = :fraud_decision,
	three_ds_status = :three_ds_status, three_ds_cavv = :three_ds_cavv, three_ds_eci = :three_ds_eci,
	authorized_at = :authorized_at, captured_at = :captured_at
WHERE id = :id`

// Update persists the current state of an existing Payment.
func (r *Repository) Update(ctx context.Context, p *Payment) error {
	row := fromPayment(p)
	stmt, err := r.base.DB.PrepareNamedContext(ctx, updatePaymentSQL)
	if err != nil {
		return gwerrors.Internal("prepare update payment failed", err)
	}
	defer stmt.Close()
	if _, err := stmt.ExecContext(ctx, row); err != nil {
		return gwerrors.Internal("update payment failed", err)
	}
	return nil
}

// Get retrieves a Payment by id.
func (r *Repository) Get(ctx context.Context, id string) (*Payment, error) {
	var row paymentRow
	err := r.base.Querier(ctx).GetContext(ctx, &row, `SELECT * FROM payments WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gwerrors.NotFound("payment", id)
	}
	if err != nil {
		return nil, gwerrors.Internal("get payment failed", err)
	}
	return row.toPayment(), nil
}

func nullStr(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func fromPayment(p *Payment) *paymentRow {
	row := &paymentRow{
		ID: p.ID, ExternalID: nullStr(p.ExternalID), MerchantID: p.MerchantID,
		Amount: p.Amount, CapturedAmount: p.CapturedAmount, RefundedAmount: p.RefundedAmount,
		Currency: p.Currency, Status: string(p.Status),
		CardTokenID: nullStr(p.CardTokenID), CardLastFour: nullStr(p.CardLastFour), CardBrand: nullStr(p.CardBrand),
		PSPName: nullStr(p.PSPName), PSPTransactionID: nullStr(p.PSPTransactionID),
		FraudScore: p.FraudScore, FraudDecision: nullStr(string(p.FraudDecision)),
		ThreeDSStatus: nullStr(string(p.ThreeDSStatus)), ThreeDSCAVV: nullStr(p.ThreeDSCAVV), ThreeDSECI: nullStr(p.ThreeDSECI),
		Description: nullStr(p.Description), ReferenceID: nullStr(p.ReferenceID),
		BillingStreet: nullStr(p.Billing.Street), BillingCity: nullStr(p.Billing.City),
		BillingState: nullStr(p.Billing.State), BillingZip: nullStr(p.Billing.Zip), BillingCountry: nullStr(p.Billing.Country),
		CreatedAt: sql.NullTime{Time: p.CreatedAt, Valid: !p.CreatedAt.IsZero()},
	}
	if p.AuthorizedAt != nil {
		row.AuthorizedAt = sql.NullTime{Time: *p.AuthorizedAt, Valid: true}
	}
	if p.CapturedAt != nil {
		row.CapturedAt = sql.NullTime{Time: *p.CapturedAt, Valid: true}
	}
	return row
}

type eventRow struct {
	ID         string          `db:"id"`
	PaymentID  string          `db:"payment_id"`
	Kind       string          `db:"kind"`
	StateAfter string          `db:"state_after"`
	Amount     decimal.Decimal `db:"amount"`
	Currency   string          `db:"currency"`
	CreatedAt  sql.NullTime    `db:"created_at"`
}

const insertEventSQL = `
INSERT INTO payment_events (id, payment_id, kind, state_after, amount, currency, created_at)
VALUES (:id, :payment_id, :kind, :state_after, :amount, :currency, :created_at)`

// AppendEvent inserts an immutable PaymentEvent row (spec section 3:
// the payment_events table is append-only — no Update/Delete method
// exists on this repository for it).
func (r *Repository) AppendEvent(ctx context.Context, e *Event) error {
	row := eventRow{
		ID: e.ID, PaymentID: e.PaymentID, Kind: string(e.Kind), StateAfter: string(e.StateAfter),
		Amount: e.Amount, Currency: e.Currency,
		CreatedAt: sql.NullTime{Time: e.CreatedAt, Valid: !e.CreatedAt.IsZero()},
	}
	stmt, err := r.base.DB.PrepareNamedContext(ctx, insertEventSQL)
	if err != nil {
		return gwerrors.Internal("prepare insert payment event failed", err)
	}
	defer stmt.Close()
	if _, err := stmt.ExecContext(ctx, row); err != nil {
		return gwerrors.Internal("insert payment event failed", err)
	}
	return nil
}

// ListByMerchant returns a merchant's payments newest-first (spec
// section 6: "GET /api/v1/payments?... with pagination").
func (r *Repository) ListByMerchant(ctx context.Context, merchantID string, limit, offset int) ([]*Payment, error) {
	var rows []paymentRow
	err := r.base.Querier(ctx).SelectContext(ctx, &rows,
		`SELECT * FROM payments WHERE merchant_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		merchantID, limit, offset)
	if err != nil {
		return nil, gwerrors.Internal("list payments failed", err)
	}
	out := make([]*Payment, len(rows))
	for i := range rows {
		out[i] = rows[i].toPayment()
	}
	return out, nil
}

// EventsFor returns the append-only event history for a payment, ordered
// by creation time.
func (r *Repository) EventsFor(ctx context.Context, paymentID string) ([]*Event, error) {
	var rows []eventRow
	err := r.base.Querier(ctx).SelectContext(ctx, &rows,
		`SELECT * FROM payment_events WHERE payment_id = $1 ORDER BY created_at ASC`, paymentID)
	if err != nil {
		return nil, gwerrors.Internal("list payment events failed", err)
	}
	out := make([]*Event, len(rows))
	for i, row := range rows {
		out[i] = &Event{
			ID: row.ID, PaymentID: row.PaymentID, Kind: EventKind(row.Kind), StateAfter: Status(row.StateAfter),
			Amount: row.Amount, Currency: row.Currency, CreatedAt: row.CreatedAt.Time,
		}
	}
	return out, nil
}
