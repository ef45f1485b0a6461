package payment

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/akinyi-dev/backend-gems/internal/db"
	"github.com/akinyi-dev/backend-gems/internal/obs"
)

// WatchState is a phase of the client-facing reconciliation loop.
type WatchState string

const (
	WatchIdle       WatchState = "idle"
	WatchSubmitting WatchState = "submitting"
	WatchAwaiting   WatchState = "awaiting_confirmation"
	WatchSucceeded  WatchState = "succeeded"
	WatchFailed     WatchState = "failed"
)

// WatchResult is the terminal observation of one watch attempt.
type WatchResult struct {
	State    WatchState
	Payment  db.Payment
	Message  string
	TimedOut bool
}

// Ticker abstracts time.Ticker for deterministic tests.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Timer abstracts time.Timer for deterministic tests.
type Timer interface {
	C() <-chan time.Time
	Stop()
}

// Clock supplies tickers and timers. The zero value of Watcher uses the real
// clock.
type Clock interface {
	NewTicker(d time.Duration) Ticker
	NewTimer(d time.Duration) Timer
}

type realClock struct{}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop()               { r.t.Stop() }

func (realClock) NewTicker(d time.Duration) Ticker { return realTicker{t: time.NewTicker(d)} }
func (realClock) NewTimer(d time.Duration) Timer   { return realTimer{t: time.NewTimer(d)} }

const timeoutMessage = "payment confirmation timed out, no response from your phone"

// Watcher drives one payment attempt from submission to a terminal
// observation: it submits the charge, then polls local state (refreshed via
// provider queries) on a fixed cadence until resolution, timeout, or caller
// cancellation.
type Watcher struct {
	Svc          *Service
	PollInterval time.Duration
	Timeout      time.Duration
	Clock        Clock
}

func (w *Watcher) clock() Clock {
	if w.Clock != nil {
		return w.Clock
	}
	return realClock{}
}

func (w *Watcher) pollInterval() time.Duration {
	if w.PollInterval > 0 {
		return w.PollInterval
	}
	return 3 * time.Second
}

func (w *Watcher) timeout() time.Duration {
	if w.Timeout > 0 {
		return w.Timeout
	}
	return 60 * time.Second
}

// Run executes a full attempt: contact validation, charge submission, then
// the confirmation wait. Validation failures return to idle without any
// provider call. A synchronous charge rejection is terminal for the attempt
// but still carries the created payment for inspection.
func (w *Watcher) Run(ctx context.Context, p InitiateParams) (WatchResult, error) {
	if _, err := NormalizeMSISDN(p.Phone); err != nil {
		return WatchResult{
			State:   WatchIdle,
			Message: "enter a valid M-Pesa phone number",
		}, err
	}

	res, err := w.Svc.Initiate(ctx, p)
	if err != nil {
		w.countOutcome("failed")
		return WatchResult{
			State:   WatchFailed,
			Payment: res.Payment,
			Message: err.Error(),
		}, nil
	}
	out, err := w.Await(ctx, res.Payment.ID)
	if out.Message == "" {
		out.Message = res.ConfirmationMessage
	}
	return out, err
}

// Await polls the payment until it resolves or the countdown elapses. Caller
// cancellation stops the loop without touching the payment; the provider-side
// charge continues and a late callback still resolves it.
func (w *Watcher) Await(ctx context.Context, paymentID pgtype.UUID) (WatchResult, error) {
	clk := w.clock()
	ticker := clk.NewTicker(w.pollInterval())
	defer ticker.Stop()
	deadline := clk.NewTimer(w.timeout())
	defer deadline.Stop()

	// the payment may already be terminal (instant callback or a
	// synchronous failure), check once before waiting
	if out, done, err := w.observe(ctx, paymentID); done || err != nil {
		return out, err
	}

	for {
		select {
		case <-ctx.Done():
			w.countOutcome("canceled")
			return WatchResult{State: WatchAwaiting}, ctx.Err()
		case <-deadline.C():
			w.countOutcome("timeout")
			return WatchResult{
				State:    WatchFailed,
				Message:  timeoutMessage,
				TimedOut: true,
			}, nil
		case <-ticker.C():
			if out, done, err := w.observe(ctx, paymentID); done || err != nil {
				return out, err
			}
		}
	}
}

func (w *Watcher) observe(ctx context.Context, paymentID pgtype.UUID) (WatchResult, bool, error) {
	payment, err := w.Svc.Reconcile(ctx, paymentID)
	if err != nil {
		return WatchResult{State: WatchAwaiting}, false, err
	}
	switch payment.Status {
	case db.PaymentStatusCompleted:
		w.countOutcome("succeeded")
		return WatchResult{
			State:   WatchSucceeded,
			Payment: payment,
			Message: "payment received",
		}, true, nil
	case db.PaymentStatusFailed:
		w.countOutcome("failed")
		msg := "payment was declined"
		if payment.ResultDescription.Valid && payment.ResultDescription.String != "" {
			msg = payment.ResultDescription.String
		}
		return WatchResult{
			State:   WatchFailed,
			Payment: payment,
			Message: msg,
		}, true, nil
	default:
		return WatchResult{State: WatchAwaiting, Payment: payment}, false, nil
	}
}

func (w *Watcher) countOutcome(outcome string) {
	if obs.PaymentWatchTotal != nil {
		obs.PaymentWatchTotal.WithLabelValues(outcome).Inc()
	}
}
