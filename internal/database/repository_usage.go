package database

import (
	"context"
	"fmt"
	"time"

	"github.com/contentforge/licensing-api/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// UsageRepository provides the quota mutations and append-only ledgers.
// All read-modify-write sequences here are single conditional statements so
// concurrent requests cannot over-draw a bucket.
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Quota resets

// ResetSiteQuotaIfDue resets a site's token bucket when its reset date has
// passed. The condition lives in the statement, so exactly one of any
// number of concurrent calls performs the reset. Reports whether this call
// did the reset.
func (r *UsageRepository) ResetSiteQuotaIfDue(ctx context.Context, siteID string, now, nextReset time.Time) (bool, error) {
	query := `
		UPDATE sites
		SET tokens_used = 0,
		    tokens_remaining = token_limit,
		    reset_date = $3,
		    updated_at = now()
		WHERE id = $1 AND reset_date <= $2
	`

	tag, err := r.db.Pool.Exec(ctx, query, siteID, now, nextReset)
	if err != nil {
		return false, fmt.Errorf("failed to reset site quota: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// ResetOrgQuotaIfDue resets an organization's token bucket when due
func (r *UsageRepository) ResetOrgQuotaIfDue(ctx context.Context, orgID string, now, nextReset time.Time) (bool, error) {
	query := `
		UPDATE organizations
		SET tokens_used = 0,
		    tokens_remaining = token_limit,
		    reset_date = $3,
		    updated_at = now()
		WHERE id = $1 AND reset_date <= $2
	`

	tag, err := r.db.Pool.Exec(ctx, query, orgID, now, nextReset)
	if err != nil {
		return false, fmt.Errorf("failed to reset organization quota: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// Deductions

// DeductSiteTokens adds to tokens_used and floors the remaining balance at
// zero in one atomic statement. Returns the fresh balance.
func (r *UsageRepository) DeductSiteTokens(ctx context.Context, siteID string, amount int64) (used, remaining int64, err error) {
	query := `
		UPDATE sites
		SET tokens_used = tokens_used + $2,
		    tokens_remaining = GREATEST(token_limit - (tokens_used + $2), 0),
		    updated_at = now()
		WHERE id = $1
		RETURNING tokens_used, tokens_remaining
	`

	err = r.db.Pool.QueryRow(ctx, query, siteID, amount).Scan(&used, &remaining)
	if err == pgx.ErrNoRows {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to deduct site tokens: %w", err)
	}

	return used, remaining, nil
}

// DeductOrgTokens mirrors DeductSiteTokens for an organization bucket
func (r *UsageRepository) DeductOrgTokens(ctx context.Context, orgID string, amount int64) (used, remaining int64, err error) {
	query := `
		UPDATE organizations
		SET tokens_used = tokens_used + $2,
		    tokens_remaining = GREATEST(token_limit - (tokens_used + $2), 0),
		    updated_at = now()
		WHERE id = $1
		RETURNING tokens_used, tokens_remaining
	`

	err = r.db.Pool.QueryRow(ctx, query, orgID, amount).Scan(&used, &remaining)
	if err == pgx.ErrNoRows {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to deduct organization tokens: %w", err)
	}

	return used, remaining, nil
}

// Credits

// SpendCredit decrements one credit with a floor at zero and appends the
// ledger row in the same transaction. Returns ErrNoCredits when the balance
// is already zero.
func (r *UsageRepository) SpendCredit(ctx context.Context, orgID, email string) (remaining int64, err error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE organizations
		SET credits = credits - 1, updated_at = now()
		WHERE id = $1 AND credits > 0
		RETURNING credits
	`

	err = tx.QueryRow(ctx, query, orgID).Scan(&remaining)
	if err == pgx.ErrNoRows {
		return 0, ErrNoCredits
	}
	if err != nil {
		return 0, fmt.Errorf("failed to spend credit: %w", err)
	}

	ledger := `
		INSERT INTO credit_transactions (id, email, delta)
		VALUES ($1, lower($2), -1)
	`

	if _, err := tx.Exec(ctx, ledger, uuid.New().String(), email); err != nil {
		return 0, fmt.Errorf("failed to record credit spend: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit credit spend: %w", err)
	}

	return remaining, nil
}

// ConfirmCreditPurchase applies a credit purchase exactly once per payment
// reference. The second call for a reference returns the stored transaction
// with applied=false and adds nothing to the ledger or the balance.
func (r *UsageRepository) ConfirmCreditPurchase(ctx context.Context, orgID, email, reference string, amount int64) (*models.CreditTransaction, bool, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO credit_transactions (id, email, delta, reference)
		VALUES ($1, lower($2), $3, $4)
		ON CONFLICT (reference) DO NOTHING
		RETURNING id, email, delta, reference, created_at
	`

	var txn models.CreditTransaction
	err = tx.QueryRow(ctx, insert, uuid.New().String(), email, amount, reference).Scan(
		&txn.ID, &txn.Email, &txn.Delta, &txn.Reference, &txn.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		// Reference already applied; return the prior result
		prior, err := r.getCreditTransactionByReference(ctx, tx, reference)
		if err != nil {
			return nil, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("failed to commit credit confirmation: %w", err)
		}
		return prior, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to record credit purchase: %w", err)
	}

	update := `
		UPDATE organizations
		SET credits = credits + $2, updated_at = now()
		WHERE id = $1
	`

	if _, err := tx.Exec(ctx, update, orgID, amount); err != nil {
		return nil, false, fmt.Errorf("failed to apply credit purchase: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit credit confirmation: %w", err)
	}

	return &txn, true, nil
}

func (r *UsageRepository) getCreditTransactionByReference(ctx context.Context, tx pgx.Tx, reference string) (*models.CreditTransaction, error) {
	query := `
		SELECT id, email, delta, reference, created_at
		FROM credit_transactions
		WHERE reference = $1
	`

	var txn models.CreditTransaction
	err := tx.QueryRow(ctx, query, reference).Scan(
		&txn.ID, &txn.Email, &txn.Delta, &txn.Reference, &txn.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credit transaction: %w", err)
	}

	return &txn, nil
}

// Usage log

// InsertUsageLog appends one row per generation request
func (r *UsageRepository) InsertUsageLog(ctx context.Context, entry *models.UsageLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	query := `
		INSERT INTO usage_logs (id, site_id, organization_id, user_id,
		                        site_hash, tokens_consumed, wp_user_id, wp_user_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		entry.ID, entry.SiteID, entry.OrganizationID, entry.UserID,
		entry.SiteHash, entry.TokensConsumed, entry.WPUserID, entry.WPUserName,
	).Scan(&entry.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to insert usage log: %w", err)
	}

	return nil
}
