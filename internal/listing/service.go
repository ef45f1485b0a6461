package listing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/akinyi-dev/backend-gems/internal/common"
	"github.com/akinyi-dev/backend-gems/internal/db"
	"github.com/akinyi-dev/backend-gems/internal/events"
)

// ErrNotFound indicates an unknown listing id.
var ErrNotFound = errors.New("listing not found")

// Store is the subset of db.Queries the listing service needs.
type Store interface {
	GetListing(ctx context.Context, id pgtype.UUID) (db.Listing, error)
	SetListingModeration(ctx context.Context, arg db.SetListingModerationParams) error
}

// Service reads listings and applies admin moderation decisions. Term and
// tier writes are owned by the payment orchestrator; moderation is the
// independent dimension handled here.
type Service struct {
	Q      Store
	Events *events.Bus
	Logger zerolog.Logger
}

// View is the client-facing shape of a listing.
type View struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	County           string     `json:"county,omitempty"`
	Tier             string     `json:"tier"`
	Status           string     `json:"status"`
	Moderation       string     `json:"moderation"`
	CurrentTermStart *time.Time `json:"currentTermStart,omitempty"`
	CurrentTermEnd   *time.Time `json:"currentTermEnd,omitempty"`
}

func toView(l db.Listing) View {
	v := View{
		ID:         common.UUIDString(l.ID),
		Name:       l.Name,
		Tier:       string(l.Tier),
		Status:     string(l.Status),
		Moderation: string(l.Moderation),
	}
	if l.County.Valid {
		v.County = l.County.String
	}
	if l.CurrentTermStart.Valid {
		t := l.CurrentTermStart.Time
		v.CurrentTermStart = &t
	}
	if l.CurrentTermEnd.Valid {
		t := l.CurrentTermEnd.Time
		v.CurrentTermEnd = &t
	}
	return v
}

// Get returns a listing by id.
func (s *Service) Get(ctx context.Context, id string) (View, error) {
	uid, err := common.ToUUID(id)
	if err != nil {
		return View{}, common.ValidationError("invalid listing id")
	}
	l, err := s.Q.GetListing(ctx, uid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return View{}, ErrNotFound
		}
		return View{}, err
	}
	return toView(l), nil
}

// Moderate records an admin approval or rejection. Billing state is never
// touched: an approved listing still needs a completed payment to go active,
// and a paid listing can still be rejected out of public view.
func (s *Service) Moderate(ctx context.Context, id string, decision db.ModerationStatus) (View, error) {
	switch decision {
	case db.ModerationApproved, db.ModerationRejected:
	default:
		return View{}, common.ValidationError("decision must be APPROVED or REJECTED")
	}
	uid, err := common.ToUUID(id)
	if err != nil {
		return View{}, common.ValidationError("invalid listing id")
	}
	l, err := s.Q.GetListing(ctx, uid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return View{}, ErrNotFound
		}
		return View{}, err
	}
	if err := s.Q.SetListingModeration(ctx, db.SetListingModerationParams{
		ID:         uid,
		Moderation: decision,
	}); err != nil {
		return View{}, err
	}
	l.Moderation = decision

	if s.Events != nil {
		payload := map[string]any{
			"listingId":  common.UUIDString(uid),
			"ownerId":    common.UUIDString(l.OwnerID),
			"moderation": string(decision),
		}
		if _, err := s.Events.Emit(ctx, events.TopicListingModerated, uid, payload); err != nil {
			s.Logger.Warn().Err(err).Msg("listing moderation event dispatch")
		}
	}
	return toView(l), nil
}
