package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/akinyi-dev/backend-gems/internal/common"
	"github.com/akinyi-dev/backend-gems/internal/db"
	"github.com/akinyi-dev/backend-gems/internal/events"
	"github.com/akinyi-dev/backend-gems/internal/obs"
)

// Store is the persistence surface the orchestrator needs. *db.Queries
// satisfies it through NewStore; tests substitute in-memory fakes.
type Store interface {
	CreatePayment(ctx context.Context, arg db.CreatePaymentParams) (db.Payment, error)
	GetPayment(ctx context.Context, id pgtype.UUID) (db.Payment, error)
	GetPaymentByCheckoutID(ctx context.Context, checkoutRequestID string) (db.Payment, error)
	SetPaymentSubmitted(ctx context.Context, arg db.SetPaymentSubmittedParams) (int64, error)
	MarkPaymentResolved(ctx context.Context, arg db.MarkPaymentResolvedParams) (int64, error)
	ListStaleProcessing(ctx context.Context, arg db.ListStaleProcessingParams) ([]db.Payment, error)
	InsertPaymentEvent(ctx context.Context, arg db.InsertPaymentEventParams) error
	GetListing(ctx context.Context, id pgtype.UUID) (db.Listing, error)
	ActivateListingTerm(ctx context.Context, arg db.ActivateListingTermParams) error
	PromoteListingTier(ctx context.Context, arg db.PromoteListingTierParams) error
	WithTx(tx pgx.Tx) Store
}

type queriesStore struct {
	q *db.Queries
}

// NewStore adapts *db.Queries to the orchestrator's Store interface.
func NewStore(q *db.Queries) Store { return queriesStore{q: q} }

func (s queriesStore) CreatePayment(ctx context.Context, arg db.CreatePaymentParams) (db.Payment, error) {
	return s.q.CreatePayment(ctx, arg)
}
func (s queriesStore) GetPayment(ctx context.Context, id pgtype.UUID) (db.Payment, error) {
	return s.q.GetPayment(ctx, id)
}
func (s queriesStore) GetPaymentByCheckoutID(ctx context.Context, checkoutRequestID string) (db.Payment, error) {
	return s.q.GetPaymentByCheckoutID(ctx, checkoutRequestID)
}
func (s queriesStore) SetPaymentSubmitted(ctx context.Context, arg db.SetPaymentSubmittedParams) (int64, error) {
	return s.q.SetPaymentSubmitted(ctx, arg)
}
func (s queriesStore) MarkPaymentResolved(ctx context.Context, arg db.MarkPaymentResolvedParams) (int64, error) {
	return s.q.MarkPaymentResolved(ctx, arg)
}
func (s queriesStore) ListStaleProcessing(ctx context.Context, arg db.ListStaleProcessingParams) ([]db.Payment, error) {
	return s.q.ListStaleProcessing(ctx, arg)
}
func (s queriesStore) InsertPaymentEvent(ctx context.Context, arg db.InsertPaymentEventParams) error {
	return s.q.InsertPaymentEvent(ctx, arg)
}
func (s queriesStore) GetListing(ctx context.Context, id pgtype.UUID) (db.Listing, error) {
	return s.q.GetListing(ctx, id)
}
func (s queriesStore) ActivateListingTerm(ctx context.Context, arg db.ActivateListingTermParams) error {
	return s.q.ActivateListingTerm(ctx, arg)
}
func (s queriesStore) PromoteListingTier(ctx context.Context, arg db.PromoteListingTierParams) error {
	return s.q.PromoteListingTier(ctx, arg)
}
func (s queriesStore) WithTx(tx pgx.Tx) Store { return queriesStore{q: s.q.WithTx(tx)} }

// Service orchestrates the payment lifecycle: record creation, provider
// charge submission, terminal resolution, and listing term activation.
type Service struct {
	Store           Store
	Pool            *pgxpool.Pool
	Providers       *Registry
	DefaultProvider string
	Currency        string
	Events          *events.Bus
	Logger          zerolog.Logger
	Now             func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// InitiateParams are the inputs to a new charge attempt.
type InitiateParams struct {
	ListingID  string
	PayerID    string
	Amount     int64
	Currency   string
	Type       db.PaymentType
	Provider   string
	Phone      string
	TermMonths int
}

// InitiateResult reports the created payment and the provider's payer-facing
// confirmation prompt, when one was issued.
type InitiateResult struct {
	Payment             db.Payment
	ConfirmationMessage string
}

// Initiate validates the request, persists a pending payment, and submits the
// charge to the provider. When the provider call fails the payment is marked
// failed with the provider's message but the record (and its id) is still
// returned alongside the error, so callers can always inspect the attempt.
func (s *Service) Initiate(ctx context.Context, p InitiateParams) (InitiateResult, error) {
	var zero InitiateResult
	if s == nil || s.Store == nil || s.Providers == nil {
		return zero, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Initiate")
	defer span.End()

	providerName := strings.ToLower(strings.TrimSpace(p.Provider))
	if providerName == "" {
		providerName = s.DefaultProvider
	}
	typeLabel := strings.ToLower(string(p.Type))
	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("payment.provider", providerName),
			attribute.String("payment.type", typeLabel),
			attribute.String("payment.initiate.result", result),
		)
		if obs.PaymentInitiateTotal != nil {
			obs.PaymentInitiateTotal.WithLabelValues(providerName, typeLabel, result).Inc()
		}
	}()

	provider, ok := s.Providers.Lookup(providerName)
	if !ok {
		return zero, common.ValidationError(fmt.Sprintf("unknown payment provider %q", providerName))
	}
	if p.Amount <= 0 {
		return zero, common.ValidationError("amount must be positive")
	}
	if p.TermMonths <= 0 {
		return zero, common.ValidationError("termMonths must be positive")
	}
	switch p.Type {
	case db.PaymentTypeNewListing, db.PaymentTypeRenewal, db.PaymentTypeUpgrade:
	default:
		return zero, common.ValidationError("invalid payment type")
	}
	// mobile money requires a payer-confirmed push, so the contact is
	// mandatory and must normalize before any provider round-trip
	phone, err := NormalizeMSISDN(p.Phone)
	if err != nil {
		return zero, common.ValidationError("a valid M-Pesa phone number is required")
	}
	listingID, err := common.ToUUID(p.ListingID)
	if err != nil {
		return zero, common.ValidationError("invalid listing id")
	}
	payerID, err := common.ToUUID(p.PayerID)
	if err != nil {
		return zero, common.ValidationError("invalid payer id")
	}
	listing, err := s.Store.GetListing(ctx, listingID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, common.NewAppError("LISTING_NOT_FOUND", "listing not found", 404, err)
		}
		return zero, err
	}

	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if currency == "" {
		currency = s.Currency
	}
	// the term window is fixed at initiation and never recomputed
	termStart := s.now()
	termEnd := termStart.AddDate(0, p.TermMonths, 0)

	payment, err := s.Store.CreatePayment(ctx, db.CreatePaymentParams{
		ListingID:   listing.ID,
		PayerID:     payerID,
		Amount:      p.Amount,
		Currency:    currency,
		Type:        p.Type,
		Provider:    providerName,
		PhoneNumber: pgtype.Text{String: phone, Valid: true},
		TermStart:   pgtype.Timestamptz{Time: termStart, Valid: true},
		TermEnd:     pgtype.Timestamptz{Time: termEnd, Valid: true},
	})
	if err != nil {
		return zero, err
	}
	_ = s.Store.InsertPaymentEvent(ctx, db.InsertPaymentEventParams{
		PaymentID: payment.ID,
		Status:    db.PaymentStatusPending,
	})

	charge, err := provider.Charge(ctx, ChargeRequest{
		Phone:       phone,
		Amount:      p.Amount,
		Reference:   common.UUIDString(payment.ID),
		Description: fmt.Sprintf("Listing %s", listing.Name),
	})
	if err != nil {
		span.RecordError(err)
		s.failAfterCharge(ctx, payment.ID, err)
		failed, loadErr := s.Store.GetPayment(ctx, payment.ID)
		if loadErr == nil {
			payment = failed
		}
		return InitiateResult{Payment: payment}, err
	}

	n, err := s.Store.SetPaymentSubmitted(ctx, db.SetPaymentSubmittedParams{
		ID:                payment.ID,
		MerchantRequestID: pgtype.Text{String: charge.MerchantRequestID, Valid: charge.MerchantRequestID != ""},
		CheckoutRequestID: pgtype.Text{String: charge.CheckoutRequestID, Valid: charge.CheckoutRequestID != ""},
	})
	if err != nil {
		return zero, err
	}
	if n == 0 {
		// a callback can beat this write when the provider resolves instantly
		s.Logger.Warn().
			Str("payment_id", common.UUIDString(payment.ID)).
			Msg("payment resolved before submission write")
	} else {
		_ = s.Store.InsertPaymentEvent(ctx, db.InsertPaymentEventParams{
			PaymentID: payment.ID,
			Status:    db.PaymentStatusProcessing,
			Payload: toJSON(map[string]string{
				"merchantRequestId": charge.MerchantRequestID,
				"checkoutRequestId": charge.CheckoutRequestID,
			}),
		})
	}

	updated, err := s.Store.GetPayment(ctx, payment.ID)
	if err != nil {
		return zero, err
	}
	result = "success"
	return InitiateResult{
		Payment:             updated,
		ConfirmationMessage: charge.ConfirmationMessage,
	}, nil
}

// failAfterCharge records a synchronous provider rejection. Best effort: the
// id is returned to the caller either way.
func (s *Service) failAfterCharge(ctx context.Context, id pgtype.UUID, cause error) {
	desc := cause.Error()
	if _, err := s.Store.MarkPaymentResolved(ctx, db.MarkPaymentResolvedParams{
		ID:                id,
		Status:            db.PaymentStatusFailed,
		ResultDescription: pgtype.Text{String: desc, Valid: true},
	}); err != nil {
		s.Logger.Error().Err(err).
			Str("payment_id", common.UUIDString(id)).
			Msg("failed to record charge rejection")
		return
	}
	_ = s.Store.InsertPaymentEvent(ctx, db.InsertPaymentEventParams{
		PaymentID: id,
		Status:    db.PaymentStatusFailed,
		Payload:   toJSON(map[string]string{"error": desc}),
	})
}

// Resolution carries a terminal outcome for a payment.
type Resolution struct {
	Outcome     db.PaymentStatus
	Receipt     string
	Description string
	Payload     []byte
}

// Resolve applies a terminal outcome exactly once. The status-guarded update
// makes concurrent callback and poll resolutions first-writer-wins: the loser
// observes zero affected rows and gets ErrAlreadyResolved, which callers
// treat as a no-op. On completion the listing term activates and, for upgrade
// payments, the tier is promoted, all inside one transaction with the status
// write. Domain events fire only after commit.
func (s *Service) Resolve(ctx context.Context, paymentID pgtype.UUID, res Resolution) error {
	if res.Outcome != db.PaymentStatusCompleted && res.Outcome != db.PaymentStatusFailed {
		return common.ValidationError("resolution outcome must be COMPLETED or FAILED")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("payment.outcome", string(res.Outcome)))

	store := s.Store
	var tx pgx.Tx
	if s.Pool != nil {
		var err error
		tx, err = s.Pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		store = s.Store.WithTx(tx)
	}

	payment, err := store.GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	n, err := store.MarkPaymentResolved(ctx, db.MarkPaymentResolvedParams{
		ID:                paymentID,
		Status:            res.Outcome,
		ResultDescription: pgtype.Text{String: res.Description, Valid: res.Description != ""},
		ProviderReceipt:   pgtype.Text{String: res.Receipt, Valid: res.Receipt != ""},
	})
	if err != nil {
		return err
	}
	if n == 0 {
		s.Logger.Info().
			Str("payment_id", common.UUIDString(paymentID)).
			Str("late_outcome", string(res.Outcome)).
			Str("applied_status", string(payment.Status)).
			Msg("duplicate resolution ignored")
		return ErrAlreadyResolved
	}
	_ = store.InsertPaymentEvent(ctx, db.InsertPaymentEventParams{
		PaymentID: paymentID,
		Status:    res.Outcome,
		Payload:   res.Payload,
	})

	if res.Outcome == db.PaymentStatusCompleted {
		if err := store.ActivateListingTerm(ctx, db.ActivateListingTermParams{
			ID:        payment.ListingID,
			TermStart: payment.TermStart,
			TermEnd:   payment.TermEnd,
		}); err != nil {
			return err
		}
		if payment.Type == db.PaymentTypeUpgrade {
			if err := store.PromoteListingTier(ctx, db.PromoteListingTierParams{
				ID:   payment.ListingID,
				Tier: db.ListingTierPremium,
			}); err != nil {
				return err
			}
		}
	}

	if tx != nil {
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}

	s.emitResolved(ctx, payment, res)
	return nil
}

// emitResolved dispatches post-commit side effects. Failures are logged and
// never affect the already-committed payment state.
func (s *Service) emitResolved(ctx context.Context, payment db.Payment, res Resolution) {
	if s.Events == nil {
		return
	}
	payload := map[string]any{
		"paymentId": common.UUIDString(payment.ID),
		"listingId": common.UUIDString(payment.ListingID),
		"payerId":   common.UUIDString(payment.PayerID),
		"amount":    payment.Amount,
		"currency":  payment.Currency,
		"type":      string(payment.Type),
	}
	switch res.Outcome {
	case db.PaymentStatusCompleted:
		payload["receipt"] = res.Receipt
		if _, err := s.Events.Emit(ctx, events.TopicPaymentCompleted, payment.ID, payload); err != nil {
			s.Logger.Warn().Err(err).Msg("payment completed event dispatch")
		}
		termPayload := map[string]any{
			"listingId": common.UUIDString(payment.ListingID),
			"termStart": payment.TermStart.Time,
			"termEnd":   payment.TermEnd.Time,
		}
		if _, err := s.Events.Emit(ctx, events.TopicListingTermActivated, payment.ListingID, termPayload); err != nil {
			s.Logger.Warn().Err(err).Msg("listing term event dispatch")
		}
	case db.PaymentStatusFailed:
		payload["description"] = res.Description
		if _, err := s.Events.Emit(ctx, events.TopicPaymentFailed, payment.ID, payload); err != nil {
			s.Logger.Warn().Err(err).Msg("payment failed event dispatch")
		}
	}
}

// ResolveFromCallback maps a parsed provider callback onto the local payment
// via its checkout correlation id and applies the outcome.
func (s *Service) ResolveFromCallback(ctx context.Context, cb CallbackResult, rawBody []byte) error {
	payment, err := s.Store.GetPaymentByCheckoutID(ctx, cb.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	res := Resolution{
		Description: cb.Description,
		Payload:     rawBody,
	}
	if cb.Succeeded() {
		res.Outcome = db.PaymentStatusCompleted
		res.Receipt = cb.Receipt
	} else {
		res.Outcome = db.PaymentStatusFailed
	}
	return s.Resolve(ctx, payment.ID, res)
}

// Get returns a payment by id.
func (s *Service) Get(ctx context.Context, paymentID pgtype.UUID) (db.Payment, error) {
	payment, err := s.Store.GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return db.Payment{}, ErrNotFound
		}
		return db.Payment{}, err
	}
	return payment, nil
}

// Reconcile converges a payment with the provider's view. A terminal local
// state is returned as-is. Otherwise the provider is queried; a terminal
// answer is applied through Resolve (racing safely with any callback) and a
// pending answer leaves the payment untouched.
func (s *Service) Reconcile(ctx context.Context, paymentID pgtype.UUID) (db.Payment, error) {
	payment, err := s.Get(ctx, paymentID)
	if err != nil {
		return db.Payment{}, err
	}
	if payment.Status.Terminal() || !payment.CheckoutRequestID.Valid {
		return payment, nil
	}

	provider, ok := s.Providers.Lookup(payment.Provider)
	if !ok {
		return payment, nil
	}
	status, err := provider.QueryStatus(ctx, payment.CheckoutRequestID.String)
	queryResult := "success"
	if err != nil {
		queryResult = "error"
	} else if status.Pending {
		queryResult = "pending"
	}
	if obs.PaymentQueryTotal != nil {
		obs.PaymentQueryTotal.WithLabelValues(payment.Provider, queryResult).Inc()
	}
	if err != nil {
		// a failed poll is not a payment failure, the callback path may
		// still resolve it
		s.Logger.Warn().Err(err).
			Str("payment_id", common.UUIDString(paymentID)).
			Msg("provider status query failed")
		return payment, nil
	}
	if status.Pending {
		return payment, nil
	}

	res := Resolution{Description: status.Description}
	if status.ResultCode == "0" {
		res.Outcome = db.PaymentStatusCompleted
	} else {
		res.Outcome = db.PaymentStatusFailed
	}
	if err := s.Resolve(ctx, paymentID, res); err != nil && !errors.Is(err, ErrAlreadyResolved) {
		return payment, err
	}
	return s.Get(ctx, paymentID)
}

// ExpireStale fails PROCESSING payments whose last update is older than
// maxAge. Run under a distributed lock by the worker. A callback that lands
// mid-sweep still wins: the guarded resolve simply reports zero rows here.
func (s *Service) ExpireStale(ctx context.Context, maxAge time.Duration, batchSize int32) (int, error) {
	cutoff := s.now().Add(-maxAge)
	stale, err := s.Store.ListStaleProcessing(ctx, db.ListStaleProcessingParams{
		UpdatedBefore: pgtype.Timestamptz{Time: cutoff, Valid: true},
		LimitValue:    batchSize,
	})
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, p := range stale {
		err := s.Resolve(ctx, p.ID, Resolution{
			Outcome:     db.PaymentStatusFailed,
			Description: "expired awaiting provider confirmation",
		})
		if errors.Is(err, ErrAlreadyResolved) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
		if obs.PaymentSweepTotal != nil {
			obs.PaymentSweepTotal.Inc()
		}
	}
	return expired, nil
}

func toJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
