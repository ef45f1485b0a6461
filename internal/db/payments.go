package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const paymentColumns = `id, listing_id, payer_id, amount, currency, type, provider,
	phone_number, merchant_request_id, checkout_request_id, status,
	result_description, provider_receipt, term_start, term_end, created_at, updated_at`

func scanPayment(row interface{ Scan(dest ...any) error }) (Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID, &p.ListingID, &p.PayerID, &p.Amount, &p.Currency, &p.Type,
		&p.Provider, &p.PhoneNumber, &p.MerchantRequestID, &p.CheckoutRequestID,
		&p.Status, &p.ResultDescription, &p.ProviderReceipt, &p.TermStart,
		&p.TermEnd, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

// CreatePaymentParams carries the fields required to open a payment record.
type CreatePaymentParams struct {
	ListingID   pgtype.UUID
	PayerID     pgtype.UUID
	Amount      int64
	Currency    string
	Type        PaymentType
	Provider    string
	PhoneNumber pgtype.Text
	TermStart   pgtype.Timestamptz
	TermEnd     pgtype.Timestamptz
}

const createPayment = `
INSERT INTO payments (listing_id, payer_id, amount, currency, type, provider,
	phone_number, status, term_start, term_end)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'PENDING', $8, $9)
RETURNING ` + paymentColumns

// CreatePayment inserts a new payment in the PENDING state.
func (q *Queries) CreatePayment(ctx context.Context, arg CreatePaymentParams) (Payment, error) {
	row := q.db.QueryRow(ctx, createPayment,
		arg.ListingID, arg.PayerID, arg.Amount, arg.Currency, arg.Type,
		arg.Provider, arg.PhoneNumber, arg.TermStart, arg.TermEnd,
	)
	return scanPayment(row)
}

const getPayment = `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

// GetPayment returns the payment with the given id.
func (q *Queries) GetPayment(ctx context.Context, id pgtype.UUID) (Payment, error) {
	return scanPayment(q.db.QueryRow(ctx, getPayment, id))
}

const getPaymentByCheckoutID = `SELECT ` + paymentColumns + `
FROM payments WHERE checkout_request_id = $1`

// GetPaymentByCheckoutID maps a provider checkout correlation id back to the
// local payment record.
func (q *Queries) GetPaymentByCheckoutID(ctx context.Context, checkoutRequestID string) (Payment, error) {
	return scanPayment(q.db.QueryRow(ctx, getPaymentByCheckoutID, checkoutRequestID))
}

// SetPaymentSubmittedParams records the provider correlation ids returned by a
// successful charge submission.
type SetPaymentSubmittedParams struct {
	ID                pgtype.UUID
	MerchantRequestID pgtype.Text
	CheckoutRequestID pgtype.Text
}

const setPaymentSubmitted = `
UPDATE payments
SET merchant_request_id = $2,
	checkout_request_id = $3,
	status = 'PROCESSING',
	updated_at = now()
WHERE id = $1 AND status = 'PENDING' AND checkout_request_id IS NULL`

// SetPaymentSubmitted moves a pending payment into PROCESSING and assigns its
// correlation ids. The WHERE clause makes the assignment a one-shot: a payment
// that already carries correlation ids is left untouched and zero rows are
// reported.
func (q *Queries) SetPaymentSubmitted(ctx context.Context, arg SetPaymentSubmittedParams) (int64, error) {
	tag, err := q.db.Exec(ctx, setPaymentSubmitted, arg.ID, arg.MerchantRequestID, arg.CheckoutRequestID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MarkPaymentResolvedParams carries a terminal resolution.
type MarkPaymentResolvedParams struct {
	ID                pgtype.UUID
	Status            PaymentStatus
	ResultDescription pgtype.Text
	ProviderReceipt   pgtype.Text
}

const markPaymentResolved = `
UPDATE payments
SET status = $2,
	result_description = $3,
	provider_receipt = COALESCE($4, provider_receipt),
	updated_at = now()
WHERE id = $1 AND status IN ('PENDING', 'PROCESSING')`

// MarkPaymentResolved applies a terminal status. The status guard makes
// resolution first-writer-wins: once a payment is terminal the statement
// affects zero rows, which callers treat as an idempotent no-op.
func (q *Queries) MarkPaymentResolved(ctx context.Context, arg MarkPaymentResolvedParams) (int64, error) {
	tag, err := q.db.Exec(ctx, markPaymentResolved, arg.ID, arg.Status, arg.ResultDescription, arg.ProviderReceipt)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListStaleProcessingParams bounds the stale payment sweep.
type ListStaleProcessingParams struct {
	UpdatedBefore pgtype.Timestamptz
	LimitValue    int32
}

const listStaleProcessing = `SELECT ` + paymentColumns + `
FROM payments
WHERE status = 'PROCESSING' AND updated_at < $1
ORDER BY updated_at
LIMIT $2`

// ListStaleProcessing returns payments stuck awaiting confirmation past the
// given instant.
func (q *Queries) ListStaleProcessing(ctx context.Context, arg ListStaleProcessingParams) ([]Payment, error) {
	rows, err := q.db.Query(ctx, listStaleProcessing, arg.UpdatedBefore, arg.LimitValue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// InsertPaymentEventParams appends an audit row for a status change.
type InsertPaymentEventParams struct {
	PaymentID pgtype.UUID
	Status    PaymentStatus
	Payload   []byte
}

const insertPaymentEvent = `
INSERT INTO payment_events (payment_id, status, payload)
VALUES ($1, $2, $3)`

// InsertPaymentEvent records an audit entry for the payment.
func (q *Queries) InsertPaymentEvent(ctx context.Context, arg InsertPaymentEventParams) error {
	payload := arg.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := q.db.Exec(ctx, insertPaymentEvent, arg.PaymentID, arg.Status, payload)
	return err
}
