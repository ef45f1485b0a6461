package payment_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akinyi-dev/backend-gems/internal/common"
	"github.com/akinyi-dev/backend-gems/internal/db"
	"github.com/akinyi-dev/backend-gems/internal/payment"
)

func TestInitiateSubmitsCharge(t *testing.T) {
	store := newFakeStore()
	listing := store.addListing(db.Listing{Name: "Diani Beachfront"})
	provider := &fakeProvider{}
	svc := newTestService(store, provider)

	res, err := svc.Initiate(context.Background(), payment.InitiateParams{
		ListingID:  common.UUIDString(listing.ID),
		PayerID:    common.UUIDString(newID()),
		Amount:     1500,
		Type:       db.PaymentTypeNewListing,
		Phone:      "0712345678",
		TermMonths: 6,
	})
	require.NoError(t, err)
	require.Equal(t, 1, provider.charges())

	p := res.Payment
	require.Equal(t, db.PaymentStatusProcessing, p.Status)
	require.Equal(t, "ws_CO_1", p.CheckoutRequestID.String)
	require.Equal(t, "mr-1", p.MerchantRequestID.String)
	require.Equal(t, "254712345678", p.PhoneNumber.String)
	require.Equal(t, "KES", p.Currency)
	require.Equal(t, "Success. Request accepted for processing", res.ConfirmationMessage)

	// the purchased term is fixed at initiation
	require.Equal(t, testNow, p.TermStart.Time)
	require.Equal(t, testNow.AddDate(0, 6, 0), p.TermEnd.Time)

	// the listing is not activated until the payment completes
	require.Equal(t, db.ListingStatusDraft, store.listing(listing.ID).Status)
}

func TestInitiateValidation(t *testing.T) {
	store := newFakeStore()
	listing := store.addListing(db.Listing{Name: "Karen Gardens"})
	provider := &fakeProvider{}
	svc := newTestService(store, provider)

	base := payment.InitiateParams{
		ListingID:  common.UUIDString(listing.ID),
		PayerID:    common.UUIDString(newID()),
		Amount:     1000,
		Type:       db.PaymentTypeRenewal,
		Phone:      "0712345678",
		TermMonths: 1,
	}

	cases := []struct {
		name   string
		mutate func(*payment.InitiateParams)
	}{
		{"zero amount", func(p *payment.InitiateParams) { p.Amount = 0 }},
		{"negative amount", func(p *payment.InitiateParams) { p.Amount = -5 }},
		{"zero term", func(p *payment.InitiateParams) { p.TermMonths = 0 }},
		{"bad type", func(p *payment.InitiateParams) { p.Type = "SPONSORSHIP" }},
		{"bad phone", func(p *payment.InitiateParams) { p.Phone = "12345" }},
		{"unknown provider", func(p *payment.InitiateParams) { p.Provider = "paypal" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := base
			tc.mutate(&params)
			_, err := svc.Initiate(context.Background(), params)
			ae, ok := common.AsAppError(err)
			require.True(t, ok, "expected AppError, got %v", err)
			require.Equal(t, "VALIDATION", ae.Code)
		})
	}
	require.Zero(t, provider.charges(), "validation failures must not reach the provider")
}

func TestInitiateUnknownListing(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeProvider{})

	_, err := svc.Initiate(context.Background(), payment.InitiateParams{
		ListingID:  common.UUIDString(newID()),
		PayerID:    common.UUIDString(newID()),
		Amount:     1000,
		Type:       db.PaymentTypeNewListing,
		Phone:      "0712345678",
		TermMonths: 1,
	})
	ae, ok := common.AsAppError(err)
	require.True(t, ok)
	require.Equal(t, "LISTING_NOT_FOUND", ae.Code)
}

func TestInitiateChargeRejectedStillReturnsPayment(t *testing.T) {
	store := newFakeStore()
	listing := store.addListing(db.Listing{Name: "Naivasha Lakeside"})
	provider := &fakeProvider{
		chargeFn: func(context.Context, payment.ChargeRequest) (payment.ChargeResponse, error) {
			return payment.ChargeResponse{}, &payment.ProviderError{
				Provider: "mpesa", Op: "charge", Code: "1", Message: "Insufficient funds on the utility account",
			}
		},
	}
	svc := newTestService(store, provider)

	res, err := svc.Initiate(context.Background(), payment.InitiateParams{
		ListingID:  common.UUIDString(listing.ID),
		PayerID:    common.UUIDString(newID()),
		Amount:     1000,
		Type:       db.PaymentTypeNewListing,
		Phone:      "0712345678",
		TermMonths: 1,
	})
	require.Error(t, err)
	var perr *payment.ProviderError
	require.ErrorAs(t, err, &perr)

	// the attempt record survives the rejection so the client can inspect it
	require.True(t, res.Payment.ID.Valid)
	require.Equal(t, db.PaymentStatusFailed, res.Payment.Status)
	require.Contains(t, res.Payment.ResultDescription.String, "Insufficient funds")
}

func TestResolveCompletesOnceAndActivatesTerm(t *testing.T) {
	store := newFakeStore()
	listing := store.addListing(db.Listing{Name: "Watamu Villas"})
	svc := newTestService(store, &fakeProvider{})

	res, err := svc.Initiate(context.Background(), payment.InitiateParams{
		ListingID:  common.UUIDString(listing.ID),
		PayerID:    common.UUIDString(newID()),
		Amount:     2500,
		Type:       db.PaymentTypeNewListing,
		Phone:      "254712345678",
		TermMonths: 12,
	})
	require.NoError(t, err)
	id := res.Payment.ID

	err = svc.Resolve(context.Background(), id, payment.Resolution{
		Outcome: db.PaymentStatusCompleted,
		Receipt: "QK12XYZ789",
	})
	require.NoError(t, err)

	p := store.payment(id)
	require.Equal(t, db.PaymentStatusCompleted, p.Status)
	require.Equal(t, "QK12XYZ789", p.ProviderReceipt.String)

	l := store.listing(listing.ID)
	require.Equal(t, db.ListingStatusActive, l.Status)
	require.Equal(t, p.TermStart.Time, l.CurrentTermStart.Time)
	require.Equal(t, p.TermEnd.Time, l.CurrentTermEnd.Time)

	// a late contradictory outcome loses and changes nothing
	err = svc.Resolve(context.Background(), id, payment.Resolution{
		Outcome:     db.PaymentStatusFailed,
		Description: "Request cancelled by user",
	})
	require.ErrorIs(t, err, payment.ErrAlreadyResolved)
	require.Equal(t, db.PaymentStatusCompleted, store.payment(id).Status)
	require.Equal(t, "QK12XYZ789", store.payment(id).ProviderReceipt.String)
}

func TestResolveFailureLeavesListingUntouched(t *testing.T) {
	store := newFakeStore()
	listing := store.addListing(db.Listing{Name: "Nanyuki Cottages"})
	svc := newTestService(store, &fakeProvider{})

	res, err := svc.Initiate(context.Background(), payment.InitiateParams{
		ListingID:  common.UUIDString(listing.ID),
		PayerID:    common.UUIDString(newID()),
		Amount:     500,
		Type:       db.PaymentTypeRenewal,
		Phone:      "254712345678",
		TermMonths: 1,
	})
	require.NoError(t, err)

	err = svc.Resolve(context.Background(), res.Payment.ID, payment.Resolution{
		Outcome:     db.PaymentStatusFailed,
		Description: "Request cancelled by user",
	})
	require.NoError(t, err)

	require.Equal(t, db.PaymentStatusFailed, store.payment(res.Payment.ID).Status)
	l := store.listing(listing.ID)
	require.Equal(t, db.ListingStatusDraft, l.Status)
	require.False(t, l.CurrentTermStart.Valid)
}

func TestResolveUpgradePromotesTier(t *testing.T) {
	store := newFakeStore()
	listing := store.addListing(db.Listing{Name: "Kilifi Creek House", Tier: db.ListingTierBasic})
	svc := newTestService(store, &fakeProvider{})

	res, err := svc.Initiate(context.Background(), payment.InitiateParams{
		ListingID:  common.UUIDString(listing.ID),
		PayerID:    common.UUIDString(newID()),
		Amount:     5000,
		Type:       db.PaymentTypeUpgrade,
		Phone:      "254712345678",
		TermMonths: 3,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Resolve(context.Background(), res.Payment.ID, payment.Resolution{
		Outcome: db.PaymentStatusCompleted,
		Receipt: "QK99AAA111",
	}))
	require.Equal(t, db.ListingTierPremium, store.listing(listing.ID).Tier)
}

func TestResolveRejectsNonTerminalOutcome(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeProvider{})

	err := svc.Resolve(context.Background(), newID(), payment.Resolution{Outcome: db.PaymentStatusProcessing})
	ae, ok := common.AsAppError(err)
	require.True(t, ok)
	require.Equal(t, "VALIDATION", ae.Code)
}

func TestResolveFromCallbackMapsCheckoutID(t *testing.T) {
	store := newFakeStore()
	listing := store.addListing(db.Listing{Name: "Lamu Rooftop"})
	svc := newTestService(store, &fakeProvider{})

	res, err := svc.Initiate(context.Background(), payment.InitiateParams{
		ListingID:  common.UUIDString(listing.ID),
		PayerID:    common.UUIDString(newID()),
		Amount:     1500,
		Type:       db.PaymentTypeNewListing,
		Phone:      "254712345678",
		TermMonths: 6,
	})
	require.NoError(t, err)

	err = svc.ResolveFromCallback(context.Background(), payment.CallbackResult{
		CheckoutRequestID: "ws_CO_1",
		ResultCode:        0,
		Receipt:           "QKAB12CD34",
	}, []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, db.PaymentStatusCompleted, store.payment(res.Payment.ID).Status)

	err = svc.ResolveFromCallback(context.Background(), payment.CallbackResult{
		CheckoutRequestID: "ws_CO_unknown",
		ResultCode:        0,
		Receipt:           "QKAB12CD34",
	}, []byte(`{}`))
	require.ErrorIs(t, err, payment.ErrNotFound)
}

func TestReconcile(t *testing.T) {
	newPayment := func(t *testing.T, store *fakeStore, svc *payment.Service) db.Payment {
		t.Helper()
		listing := store.addListing(db.Listing{Name: "Malindi Dunes"})
		res, err := svc.Initiate(context.Background(), payment.InitiateParams{
			ListingID:  common.UUIDString(listing.ID),
			PayerID:    common.UUIDString(newID()),
			Amount:     1000,
			Type:       db.PaymentTypeNewListing,
			Phone:      "254712345678",
			TermMonths: 1,
		})
		require.NoError(t, err)
		return res.Payment
	}

	t.Run("pending leaves payment untouched", func(t *testing.T) {
		store := newFakeStore()
		provider := &fakeProvider{
			queryFn: func(context.Context, string) (payment.StatusResult, error) {
				return payment.StatusResult{Pending: true}, nil
			},
		}
		svc := newTestService(store, provider)
		p := newPayment(t, store, svc)

		got, err := svc.Reconcile(context.Background(), p.ID)
		require.NoError(t, err)
		require.Equal(t, db.PaymentStatusProcessing, got.Status)
	})

	t.Run("terminal answer is applied", func(t *testing.T) {
		store := newFakeStore()
		provider := &fakeProvider{
			queryFn: func(context.Context, string) (payment.StatusResult, error) {
				return payment.StatusResult{ResultCode: "0", Description: "The service request is processed successfully."}, nil
			},
		}
		svc := newTestService(store, provider)
		p := newPayment(t, store, svc)

		got, err := svc.Reconcile(context.Background(), p.ID)
		require.NoError(t, err)
		require.Equal(t, db.PaymentStatusCompleted, got.Status)
	})

	t.Run("declined answer fails the payment", func(t *testing.T) {
		store := newFakeStore()
		provider := &fakeProvider{
			queryFn: func(context.Context, string) (payment.StatusResult, error) {
				return payment.StatusResult{ResultCode: "1032", Description: "Request cancelled by user"}, nil
			},
		}
		svc := newTestService(store, provider)
		p := newPayment(t, store, svc)

		got, err := svc.Reconcile(context.Background(), p.ID)
		require.NoError(t, err)
		require.Equal(t, db.PaymentStatusFailed, got.Status)
		require.Equal(t, "Request cancelled by user", got.ResultDescription.String)
	})

	t.Run("query error is not a payment failure", func(t *testing.T) {
		store := newFakeStore()
		provider := &fakeProvider{
			queryFn: func(context.Context, string) (payment.StatusResult, error) {
				return payment.StatusResult{}, errors.New("connection reset")
			},
		}
		svc := newTestService(store, provider)
		p := newPayment(t, store, svc)

		got, err := svc.Reconcile(context.Background(), p.ID)
		require.NoError(t, err)
		require.Equal(t, db.PaymentStatusProcessing, got.Status)
	})

	t.Run("terminal payment skips the provider", func(t *testing.T) {
		store := newFakeStore()
		provider := &fakeProvider{}
		svc := newTestService(store, provider)
		p := newPayment(t, store, svc)
		require.NoError(t, svc.Resolve(context.Background(), p.ID, payment.Resolution{
			Outcome: db.PaymentStatusCompleted, Receipt: "QK1",
		}))
		queriesBefore := provider.queries()

		got, err := svc.Reconcile(context.Background(), p.ID)
		require.NoError(t, err)
		require.Equal(t, db.PaymentStatusCompleted, got.Status)
		require.Equal(t, queriesBefore, provider.queries())
	})
}

func TestExpireStale(t *testing.T) {
	store := newFakeStore()
	listing := store.addListing(db.Listing{Name: "Tsavo Gate Camp"})
	svc := newTestService(store, &fakeProvider{})

	res, err := svc.Initiate(context.Background(), payment.InitiateParams{
		ListingID:  common.UUIDString(listing.ID),
		PayerID:    common.UUIDString(newID()),
		Amount:     1000,
		Type:       db.PaymentTypeNewListing,
		Phone:      "254712345678",
		TermMonths: 1,
	})
	require.NoError(t, err)

	// age the record past the sweep horizon
	store.mu.Lock()
	stale := store.payments[common.UUIDString(res.Payment.ID)]
	stale.UpdatedAt.Time = testNow.Add(-3 * time.Hour)
	store.mu.Unlock()

	n, err := svc.ExpireStale(context.Background(), 2*time.Hour, 100)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	p := store.payment(res.Payment.ID)
	require.Equal(t, db.PaymentStatusFailed, p.Status)
	require.Equal(t, "expired awaiting provider confirmation", p.ResultDescription.String)

	// re-running finds nothing
	n, err = svc.ExpireStale(context.Background(), 2*time.Hour, 100)
	require.NoError(t, err)
	require.Zero(t, n)
}
