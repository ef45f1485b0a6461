package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const listingColumns = `id, owner_id, name, county, tier, status, moderation,
	current_term_start, current_term_end, created_at, updated_at`

func scanListing(row interface{ Scan(dest ...any) error }) (Listing, error) {
	var l Listing
	err := row.Scan(
		&l.ID, &l.OwnerID, &l.Name, &l.County, &l.Tier, &l.Status,
		&l.Moderation, &l.CurrentTermStart, &l.CurrentTermEnd,
		&l.CreatedAt, &l.UpdatedAt,
	)
	return l, err
}

const getListing = `SELECT ` + listingColumns + ` FROM listings WHERE id = $1`

// GetListing returns the listing with the given id.
func (q *Queries) GetListing(ctx context.Context, id pgtype.UUID) (Listing, error) {
	return scanListing(q.db.QueryRow(ctx, getListing, id))
}

// ActivateListingTermParams writes the paid coverage window of a listing.
type ActivateListingTermParams struct {
	ID        pgtype.UUID
	TermStart pgtype.Timestamptz
	TermEnd   pgtype.Timestamptz
}

const activateListingTerm = `
UPDATE listings
SET current_term_start = $2,
	current_term_end = $3,
	status = 'ACTIVE',
	updated_at = now()
WHERE id = $1`

// ActivateListingTerm sets the listing's term window and marks it active. Only
// term-related columns are touched; moderation and content fields are left as
// they are.
func (q *Queries) ActivateListingTerm(ctx context.Context, arg ActivateListingTermParams) error {
	_, err := q.db.Exec(ctx, activateListingTerm, arg.ID, arg.TermStart, arg.TermEnd)
	return err
}

// PromoteListingTierParams raises a listing's tier.
type PromoteListingTierParams struct {
	ID   pgtype.UUID
	Tier ListingTier
}

const promoteListingTier = `
UPDATE listings SET tier = $2, updated_at = now() WHERE id = $1`

// PromoteListingTier updates only the tier column.
func (q *Queries) PromoteListingTier(ctx context.Context, arg PromoteListingTierParams) error {
	_, err := q.db.Exec(ctx, promoteListingTier, arg.ID, arg.Tier)
	return err
}

// SetListingModerationParams records an admin moderation decision.
type SetListingModerationParams struct {
	ID         pgtype.UUID
	Moderation ModerationStatus
}

const setListingModeration = `
UPDATE listings SET moderation = $2, updated_at = now() WHERE id = $1`

// SetListingModeration updates only the moderation column.
func (q *Queries) SetListingModeration(ctx context.Context, arg SetListingModerationParams) error {
	_, err := q.db.Exec(ctx, setListingModeration, arg.ID, arg.Moderation)
	return err
}
