package payment

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates an unknown payment or correlation id.
	ErrNotFound = errors.New("payment not found")
	// ErrAlreadyResolved indicates the payment was already terminal when a
	// resolution arrived. Callers treat it as confirmation, not failure.
	ErrAlreadyResolved = errors.New("payment already resolved")
	// ErrMalformedCallback indicates the provider callback body did not match
	// the expected shape.
	ErrMalformedCallback = errors.New("malformed provider callback")
	// ErrMissingCallbackMetadata indicates a success callback arrived without
	// the metadata items the provider documents as mandatory on success.
	ErrMissingCallbackMetadata = errors.New("success callback missing metadata")
)

// ProviderError wraps a failure from an upstream payment provider with enough
// context to diagnose which call failed and what the provider said.
type ProviderError struct {
	Provider string
	Op       string
	Code     string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: %s (%s)", e.Provider, e.Op, e.Message, e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Op, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }
