package listing

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/akinyi-dev/backend-gems/internal/common"
	"github.com/akinyi-dev/backend-gems/internal/db"
)

// Handler exposes listing read and moderation endpoints.
type Handler struct {
	Svc *Service
}

// Get returns one listing.
func (h Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "listingId"))
	view, err := h.Svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, view)
}

type moderateReq struct {
	Decision string `json:"decision"`
}

// Moderate applies an admin moderation decision. Mounted behind the admin
// role middleware.
func (h Handler) Moderate(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "listingId"))
	var req moderateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	decision := db.ModerationStatus(strings.ToUpper(strings.TrimSpace(req.Decision)))
	view, err := h.Svc.Moderate(r.Context(), id, decision)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, view)
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		common.JSONError(w, http.StatusNotFound, "LISTING_NOT_FOUND", "listing not found", nil)
		return
	}
	if ae, ok := common.AsAppError(err); ok {
		common.JSONAppError(w, ae)
		return
	}
	common.JSONError(w, http.StatusInternalServerError, "LISTING_ERROR", err.Error(), nil)
}
