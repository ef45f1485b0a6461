package payment_test

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/akinyi-dev/backend-gems/internal/common"
	"github.com/akinyi-dev/backend-gems/internal/db"
	"github.com/akinyi-dev/backend-gems/internal/payment"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newID() pgtype.UUID {
	id, err := common.ToUUID(uuid.NewString())
	if err != nil {
		panic(err)
	}
	return id
}

// fakeStore is an in-memory Store with the same guarded-update semantics as
// the SQL layer.
type fakeStore struct {
	mu       sync.Mutex
	payments map[string]*db.Payment
	listings map[string]*db.Listing
	events   []db.InsertPaymentEventParams
	now      func() time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		payments: map[string]*db.Payment{},
		listings: map[string]*db.Listing{},
		now:      func() time.Time { return testNow },
	}
}

func (s *fakeStore) addListing(l db.Listing) db.Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !l.ID.Valid {
		l.ID = newID()
	}
	if l.Tier == "" {
		l.Tier = db.ListingTierBasic
	}
	if l.Status == "" {
		l.Status = db.ListingStatusDraft
	}
	if l.Moderation == "" {
		l.Moderation = db.ModerationApproved
	}
	copied := l
	s.listings[common.UUIDString(l.ID)] = &copied
	return l
}

func (s *fakeStore) payment(id pgtype.UUID) db.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.payments[common.UUIDString(id)]
}

func (s *fakeStore) listing(id pgtype.UUID) db.Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.listings[common.UUIDString(id)]
}

func (s *fakeStore) CreatePayment(_ context.Context, arg db.CreatePaymentParams) (db.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := db.Payment{
		ID:          newID(),
		ListingID:   arg.ListingID,
		PayerID:     arg.PayerID,
		Amount:      arg.Amount,
		Currency:    arg.Currency,
		Type:        arg.Type,
		Provider:    arg.Provider,
		PhoneNumber: arg.PhoneNumber,
		Status:      db.PaymentStatusPending,
		TermStart:   arg.TermStart,
		TermEnd:     arg.TermEnd,
		CreatedAt:   pgtype.Timestamptz{Time: s.now(), Valid: true},
		UpdatedAt:   pgtype.Timestamptz{Time: s.now(), Valid: true},
	}
	s.payments[common.UUIDString(p.ID)] = &p
	return p, nil
}

func (s *fakeStore) GetPayment(_ context.Context, id pgtype.UUID) (db.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[common.UUIDString(id)]
	if !ok {
		return db.Payment{}, pgx.ErrNoRows
	}
	return *p, nil
}

func (s *fakeStore) GetPaymentByCheckoutID(_ context.Context, checkoutRequestID string) (db.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.CheckoutRequestID.Valid && p.CheckoutRequestID.String == checkoutRequestID {
			return *p, nil
		}
	}
	return db.Payment{}, pgx.ErrNoRows
}

func (s *fakeStore) SetPaymentSubmitted(_ context.Context, arg db.SetPaymentSubmittedParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[common.UUIDString(arg.ID)]
	if !ok || p.Status != db.PaymentStatusPending || p.CheckoutRequestID.Valid {
		return 0, nil
	}
	p.Status = db.PaymentStatusProcessing
	p.MerchantRequestID = arg.MerchantRequestID
	p.CheckoutRequestID = arg.CheckoutRequestID
	p.UpdatedAt = pgtype.Timestamptz{Time: s.now(), Valid: true}
	return 1, nil
}

func (s *fakeStore) MarkPaymentResolved(_ context.Context, arg db.MarkPaymentResolvedParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[common.UUIDString(arg.ID)]
	if !ok || p.Status.Terminal() {
		return 0, nil
	}
	p.Status = arg.Status
	if arg.ResultDescription.Valid {
		p.ResultDescription = arg.ResultDescription
	}
	if arg.ProviderReceipt.Valid {
		p.ProviderReceipt = arg.ProviderReceipt
	}
	p.UpdatedAt = pgtype.Timestamptz{Time: s.now(), Valid: true}
	return 1, nil
}

func (s *fakeStore) ListStaleProcessing(_ context.Context, arg db.ListStaleProcessingParams) ([]db.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Payment
	for _, p := range s.payments {
		if p.Status == db.PaymentStatusProcessing && p.UpdatedAt.Time.Before(arg.UpdatedBefore.Time) {
			out = append(out, *p)
			if int32(len(out)) >= arg.LimitValue {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) InsertPaymentEvent(_ context.Context, arg db.InsertPaymentEventParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, arg)
	return nil
}

func (s *fakeStore) GetListing(_ context.Context, id pgtype.UUID) (db.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[common.UUIDString(id)]
	if !ok {
		return db.Listing{}, pgx.ErrNoRows
	}
	return *l, nil
}

func (s *fakeStore) ActivateListingTerm(_ context.Context, arg db.ActivateListingTermParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[common.UUIDString(arg.ID)]
	if !ok {
		return pgx.ErrNoRows
	}
	l.CurrentTermStart = arg.TermStart
	l.CurrentTermEnd = arg.TermEnd
	l.Status = db.ListingStatusActive
	return nil
}

func (s *fakeStore) PromoteListingTier(_ context.Context, arg db.PromoteListingTierParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[common.UUIDString(arg.ID)]
	if !ok {
		return pgx.ErrNoRows
	}
	l.Tier = arg.Tier
	return nil
}

func (s *fakeStore) WithTx(pgx.Tx) payment.Store { return s }

// fakeProvider scripts provider behaviour per test.
type fakeProvider struct {
	mu          sync.Mutex
	name        string
	chargeFn    func(context.Context, payment.ChargeRequest) (payment.ChargeResponse, error)
	queryFn     func(context.Context, string) (payment.StatusResult, error)
	parseFn     func([]byte) (payment.CallbackResult, error)
	chargeCalls int
	queryCalls  int
}

func (f *fakeProvider) Name() string {
	if f.name != "" {
		return f.name
	}
	return "mpesa"
}

func (f *fakeProvider) Charge(ctx context.Context, req payment.ChargeRequest) (payment.ChargeResponse, error) {
	f.mu.Lock()
	f.chargeCalls++
	fn := f.chargeFn
	f.mu.Unlock()
	if fn == nil {
		return payment.ChargeResponse{
			MerchantRequestID:   "mr-1",
			CheckoutRequestID:   "ws_CO_1",
			ConfirmationMessage: "Success. Request accepted for processing",
		}, nil
	}
	return fn(ctx, req)
}

func (f *fakeProvider) QueryStatus(ctx context.Context, checkoutRequestID string) (payment.StatusResult, error) {
	f.mu.Lock()
	f.queryCalls++
	fn := f.queryFn
	f.mu.Unlock()
	if fn == nil {
		return payment.StatusResult{Pending: true}, nil
	}
	return fn(ctx, checkoutRequestID)
}

func (f *fakeProvider) ParseCallback(body []byte) (payment.CallbackResult, error) {
	if f.parseFn == nil {
		return payment.CallbackResult{}, payment.ErrMalformedCallback
	}
	return f.parseFn(body)
}

func (f *fakeProvider) charges() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chargeCalls
}

func (f *fakeProvider) queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queryCalls
}

func newTestService(store *fakeStore, provider payment.Provider) *payment.Service {
	return &payment.Service{
		Store:           store,
		Providers:       payment.NewRegistry(provider),
		DefaultProvider: "mpesa",
		Currency:        "KES",
		Logger:          zerolog.Nop(),
		Now:             func() time.Time { return testNow },
	}
}
