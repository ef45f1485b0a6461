package listing_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/akinyi-dev/backend-gems/internal/common"
	"github.com/akinyi-dev/backend-gems/internal/db"
	"github.com/akinyi-dev/backend-gems/internal/listing"
)

func newTestRouter(svc *listing.Service) http.Handler {
	h := listing.Handler{Svc: svc}
	r := chi.NewRouter()
	r.Get("/listings/{listingId}", h.Get)
	r.Post("/admin/listings/{listingId}/moderate", h.Moderate)
	return r
}

func TestHandlerGet(t *testing.T) {
	store := newFakeStore()
	l := store.add(db.Listing{Name: "Karura Forest Tours"})
	router := newTestRouter(newTestService(store, nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/listings/"+common.UUIDString(l.ID), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var view listing.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "Karura Forest Tours", view.Name)
	require.Equal(t, "PENDING", view.Moderation)
}

func TestHandlerGetNotFound(t *testing.T) {
	router := newTestRouter(newTestService(newFakeStore(), nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/listings/"+uuid.NewString(), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "LISTING_NOT_FOUND")
}

func TestHandlerGetInvalidID(t *testing.T) {
	router := newTestRouter(newTestService(newFakeStore(), nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/listings/nope", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerModerate(t *testing.T) {
	store := newFakeStore()
	eventStore := &memEventStore{}
	l := store.add(db.Listing{})
	router := newTestRouter(newTestService(store, eventStore))

	// Decision is case-insensitive on the wire.
	body := strings.NewReader(`{"decision":"approved"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/listings/"+common.UUIDString(l.ID)+"/moderate", body))
	require.Equal(t, http.StatusOK, rec.Code)

	var view listing.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "APPROVED", view.Moderation)
	require.Equal(t, db.ModerationApproved, store.get(l.ID).Moderation)
	require.Len(t, eventStore.all(), 1)
}

func TestHandlerModerateBadBody(t *testing.T) {
	store := newFakeStore()
	l := store.add(db.Listing{})
	router := newTestRouter(newTestService(store, nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/listings/"+common.UUIDString(l.ID)+"/moderate", strings.NewReader("{")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "BAD_REQUEST")
	require.Equal(t, db.ModerationPending, store.get(l.ID).Moderation)
}

func TestHandlerModerateInvalidDecision(t *testing.T) {
	store := newFakeStore()
	l := store.add(db.Listing{})
	router := newTestRouter(newTestService(store, nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/listings/"+common.UUIDString(l.ID)+"/moderate", strings.NewReader(`{"decision":"MAYBE"}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "VALIDATION")
}
