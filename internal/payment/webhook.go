package payment

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/akinyi-dev/backend-gems/internal/common"
	"github.com/akinyi-dev/backend-gems/internal/obs"
)

// Webhook receives provider-pushed payment results. The provider offers no
// callback signature, so replay suppression on the body hash plus strict
// shape validation is the available hardening; production deployments should
// additionally restrict the route to the provider's published source IPs.
type Webhook struct {
	Svc       *Service
	Providers *Registry
	Replay    *redis.Client
	ReplayTTL time.Duration
	Logger    zerolog.Logger
}

type callbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// Handle processes one callback. The provider retries on non-2xx responses,
// so business-level rejections (unknown id, duplicate resolution) still
// acknowledge receipt; only malformed bodies and transient store errors are
// surfaced as failures.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil || h.Providers == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	providerKey := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	provider, ok := h.Providers.Lookup(providerKey)
	if !ok {
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown provider", nil)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}

	result, err := provider.ParseCallback(body)
	if err != nil && !errors.Is(err, ErrMissingCallbackMetadata) {
		h.count(providerKey, "malformed")
		common.JSONError(w, http.StatusBadRequest, "CALLBACK_INVALID", "unrecognized callback shape", nil)
		return
	}
	if errors.Is(err, ErrMissingCallbackMetadata) {
		// resolve anyway, but flag the anomaly for operators
		h.Logger.Warn().
			Str("provider", providerKey).
			Str("checkout_request_id", result.CheckoutRequestID).
			Msg("success callback missing metadata")
	}

	if h.Replay != nil && h.ReplayTTL > 0 {
		key := fmt.Sprintf("wh:%s:%s", providerKey, common.Sha256Hex(string(body)))
		ok, err := h.Replay.SetNX(r.Context(), key, "1", h.ReplayTTL).Result()
		if err != nil {
			common.JSONError(w, http.StatusInternalServerError, "REPLAY_STORE_ERROR", err.Error(), nil)
			return
		}
		if !ok {
			h.count(providerKey, "replay")
			h.ack(w)
			return
		}
	}

	switch err := h.Svc.ResolveFromCallback(r.Context(), result, body); {
	case err == nil:
		h.count(providerKey, "resolved")
	case errors.Is(err, ErrAlreadyResolved):
		h.count(providerKey, "duplicate")
	case errors.Is(err, ErrNotFound):
		h.count(providerKey, "unknown")
		h.Logger.Warn().
			Str("provider", providerKey).
			Str("checkout_request_id", result.CheckoutRequestID).
			Msg("callback for unknown checkout request")
	default:
		h.count(providerKey, "error")
		common.JSONError(w, http.StatusInternalServerError, "CALLBACK_ERROR", err.Error(), nil)
		return
	}
	h.ack(w)
}

// ack answers in the provider's expected acknowledgement shape.
func (h Webhook) ack(w http.ResponseWriter) {
	common.JSON(w, http.StatusOK, callbackAck{ResultCode: 0, ResultDesc: "Callback received"})
}

func (h Webhook) count(provider, result string) {
	if obs.PaymentCallbackTotal != nil {
		obs.PaymentCallbackTotal.WithLabelValues(provider, result).Inc()
	}
}
