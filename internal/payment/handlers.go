package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/akinyi-dev/backend-gems/internal/common"
	"github.com/akinyi-dev/backend-gems/internal/db"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Handler exposes the payment endpoints: charge initiation, status polling,
// the blocking watch endpoint, and the combined attempt flow.
type Handler struct {
	Svc     *Service
	Watcher *Watcher
}

type initiateReq struct {
	ListingID  string `json:"listingId" validate:"required,uuid"`
	Amount     int64  `json:"amount" validate:"required,gt=0"`
	Currency   string `json:"currency,omitempty"`
	Type       string `json:"type" validate:"required"`
	Provider   string `json:"provider,omitempty"`
	Phone      string `json:"phone" validate:"required"`
	TermMonths int    `json:"termMonths" validate:"required,gte=1,lte=24"`
}

type paymentResp struct {
	PaymentID         string     `json:"paymentId"`
	Status            string     `json:"status"`
	CheckoutRequestID string     `json:"checkoutRequestId,omitempty"`
	Message           string     `json:"message,omitempty"`
	Receipt           string     `json:"receipt,omitempty"`
	TermStart         *time.Time `json:"termStart,omitempty"`
	TermEnd           *time.Time `json:"termEnd,omitempty"`
}

func toPaymentResp(p db.Payment, message string) paymentResp {
	resp := paymentResp{
		PaymentID: common.UUIDString(p.ID),
		Status:    string(p.Status),
		Message:   message,
	}
	if p.CheckoutRequestID.Valid {
		resp.CheckoutRequestID = p.CheckoutRequestID.String
	}
	if p.ProviderReceipt.Valid {
		resp.Receipt = p.ProviderReceipt.String
	}
	if message == "" && p.ResultDescription.Valid {
		resp.Message = p.ResultDescription.String
	}
	if p.TermStart.Valid {
		t := p.TermStart.Time
		resp.TermStart = &t
	}
	if p.TermEnd.Valid {
		t := p.TermEnd.Time
		resp.TermEnd = &t
	}
	return resp
}

func decodeInitiate(r *http.Request) (InitiateParams, *common.AppError) {
	var req initiateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return InitiateParams{}, common.ValidationError("invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return InitiateParams{}, common.ValidationError(validationMessage(err))
	}
	payerID, ok := common.UserID(r.Context())
	if !ok || strings.TrimSpace(payerID) == "" {
		return InitiateParams{}, common.NewAppError("UNAUTHENTICATED", "login required", http.StatusUnauthorized, nil)
	}
	return InitiateParams{
		ListingID:  strings.TrimSpace(req.ListingID),
		PayerID:    payerID,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Type:       db.PaymentType(strings.ToUpper(strings.TrimSpace(req.Type))),
		Provider:   req.Provider,
		Phone:      req.Phone,
		TermMonths: req.TermMonths,
	}, nil
}

// Initiate creates a payment and pushes the charge. On a synchronous provider
// rejection the response still carries the payment id so the attempt can be
// inspected later.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	params, appErr := decodeInitiate(r)
	if appErr != nil {
		common.JSONAppError(w, appErr)
		return
	}
	result, err := h.Svc.Initiate(r.Context(), params)
	if err != nil {
		if ae, ok := common.AsAppError(err); ok {
			common.JSONAppError(w, ae)
			return
		}
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			status = http.StatusGatewayTimeout
		}
		var details any
		if result.Payment.ID.Valid {
			details = map[string]string{"paymentId": common.UUIDString(result.Payment.ID)}
		}
		common.JSONError(w, status, "CHARGE_FAILED", err.Error(), details)
		return
	}
	common.JSON(w, http.StatusCreated, toPaymentResp(result.Payment, result.ConfirmationMessage))
}

// Status reports the payment's current state without contacting the provider.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id, appErr := paymentIDParam(r)
	if appErr != nil {
		common.JSONAppError(w, appErr)
		return
	}
	payment, err := h.Svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, toPaymentResp(payment, ""))
}

// Reconcile refreshes the payment against the provider before answering. Used
// by clients that poll for resolution.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, appErr := paymentIDParam(r)
	if appErr != nil {
		common.JSONAppError(w, appErr)
		return
	}
	payment, err := h.Svc.Reconcile(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, toPaymentResp(payment, ""))
}

type watchResp struct {
	State    string      `json:"state"`
	TimedOut bool        `json:"timedOut,omitempty"`
	Payment  paymentResp `json:"payment"`
}

// Watch blocks until the payment resolves, the countdown elapses, or the
// client disconnects. Disconnection abandons the wait but never cancels the
// charge itself.
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	if h.Watcher == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "watch unavailable", nil)
		return
	}
	id, appErr := paymentIDParam(r)
	if appErr != nil {
		common.JSONAppError(w, appErr)
		return
	}
	result, err := h.Watcher.Await(r.Context(), id)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		writeServiceError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, watchResp{
		State:    string(result.State),
		TimedOut: result.TimedOut,
		Payment:  toPaymentResp(result.Payment, result.Message),
	})
}

// Attempt runs the full flow in one request: initiate the charge, then wait
// for confirmation until resolution or timeout.
func (h *Handler) Attempt(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil || h.Watcher == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	params, appErr := decodeInitiate(r)
	if appErr != nil {
		common.JSONAppError(w, appErr)
		return
	}
	result, err := h.Watcher.Run(r.Context(), params)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if ae, ok := common.AsAppError(err); ok {
			common.JSONAppError(w, ae)
			return
		}
		common.JSONError(w, http.StatusBadRequest, "INVALID_PHONE", result.Message, nil)
		return
	}
	common.JSON(w, http.StatusOK, watchResp{
		State:    string(result.State),
		TimedOut: result.TimedOut,
		Payment:  toPaymentResp(result.Payment, result.Message),
	})
}

func paymentIDParam(r *http.Request) (pgtype.UUID, *common.AppError) {
	raw := strings.TrimSpace(chi.URLParam(r, "paymentId"))
	if raw == "" {
		return pgtype.UUID{}, common.ValidationError("paymentId is required")
	}
	id, err := common.ToUUID(raw)
	if err != nil {
		return pgtype.UUID{}, common.ValidationError("invalid paymentId")
	}
	return id, nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		field := verrs[0].Field()
		return strings.ToLower(field[:1]) + field[1:] + " failed validation on '" + verrs[0].Tag() + "'"
	}
	return "invalid request body"
}

func writeServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		common.JSONError(w, http.StatusNotFound, "PAYMENT_NOT_FOUND", "payment not found", nil)
		return
	}
	if ae, ok := common.AsAppError(err); ok {
		common.JSONAppError(w, ae)
		return
	}
	common.JSONError(w, http.StatusInternalServerError, "PAYMENT_ERROR", err.Error(), nil)
}
