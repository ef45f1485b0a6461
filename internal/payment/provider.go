package payment

import (
	"context"
	"strings"
	"time"
)

// ChargeRequest captures the information required to push a charge to a payer.
type ChargeRequest struct {
	Phone       string
	Amount      int64
	Reference   string
	Description string
}

// ChargeResponse is the provider's synchronous acknowledgement of a charge.
// The charge itself resolves later via callback or status query.
type ChargeResponse struct {
	MerchantRequestID   string
	CheckoutRequestID   string
	ConfirmationMessage string
}

// StatusResult is the provider's answer to a status query. Pending means the
// provider has not yet observed a terminal outcome for the charge.
type StatusResult struct {
	ResultCode  string
	Description string
	Pending     bool
}

// CallbackResult is the normalized content of a provider-pushed callback.
type CallbackResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	Description       string
	Amount            int64
	Receipt           string
	Phone             string
	TransactionTime   time.Time
}

// Succeeded reports whether the callback carries the provider's success code.
func (c CallbackResult) Succeeded() bool { return c.ResultCode == 0 }

// Provider abstracts one upstream mobile-money provider. Implementations own
// the wire protocol: credential exchange, request signing, and callback shape.
type Provider interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (ChargeResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (StatusResult, error)
	ParseCallback(body []byte) (CallbackResult, error)
}

// Registry maps provider names to adapters so the orchestrator stays
// provider-agnostic.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given adapters, keyed by Name().
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[strings.ToLower(p.Name())] = p
	}
	return r
}

// Lookup returns the adapter registered under name, case-insensitively.
func (r *Registry) Lookup(name string) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Names lists the registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
