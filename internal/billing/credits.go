package billing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/contentforge/licensing-api/internal/database"
	"github.com/contentforge/licensing-api/internal/logging"
	"github.com/contentforge/licensing-api/pkg/apierr"
	"github.com/contentforge/licensing-api/pkg/models"
)

var errNoOrganization = apierr.New("LICENSE_NOT_FOUND", http.StatusNotFound, "no organization found for this account")

// AccountStore resolves an email to its organization
type AccountStore interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetPrimaryMembership(ctx context.Context, userID string) (*models.OrganizationMember, error)
}

// CreditStore applies credit purchases idempotently
type CreditStore interface {
	ConfirmCreditPurchase(ctx context.Context, orgID, email, reference string, amount int64) (*models.CreditTransaction, bool, error)
}

// Locker serializes confirmations for the same payment reference. The
// database unique constraint is the correctness guard; the lock just stops
// concurrent webhook retries from racing to the conflict.
type Locker interface {
	AcquireLock(ctx context.Context, resource string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, resource string) error
}

// ConfirmResult is the outcome of a credit confirmation
type ConfirmResult struct {
	Transaction *models.CreditTransaction `json:"transaction"`
	Applied     bool                      `json:"applied"`
}

// Credits confirms purchases triggered by external payment webhooks
type Credits struct {
	accounts AccountStore
	store    CreditStore
	locks    Locker
	logger   *logging.Logger
}

// NewCredits creates a credits service. locks may be nil.
func NewCredits(accounts AccountStore, store CreditStore, locks Locker, logger *logging.Logger) *Credits {
	return &Credits{
		accounts: accounts,
		store:    store,
		locks:    locks,
		logger:   logger,
	}
}

// Confirm applies a credit purchase for a payment reference exactly once.
// A repeated reference returns the original transaction with Applied=false
// and changes nothing.
func (c *Credits) Confirm(ctx context.Context, email, reference string, amount int64) (*ConfirmResult, error) {
	if c.locks != nil {
		acquired, err := c.locks.AcquireLock(ctx, "credit:"+reference, 30*time.Second)
		if err != nil {
			c.logger.WithError(err).Warn("Credit confirmation lock unavailable, relying on ledger constraint")
		} else if acquired {
			defer func() {
				if err := c.locks.ReleaseLock(ctx, "credit:"+reference); err != nil {
					c.logger.WithError(err).Debug("Failed to release credit lock")
				}
			}()
		}
	}

	user, err := c.accounts.GetUserByEmail(ctx, email)
	if errors.Is(err, database.ErrNotFound) {
		return nil, errNoOrganization
	}
	if err != nil {
		return nil, err
	}

	member, err := c.accounts.GetPrimaryMembership(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, errNoOrganization
	}

	txn, applied, err := c.store.ConfirmCreditPurchase(ctx, member.OrganizationID, email, reference, amount)
	if err != nil {
		return nil, err
	}

	if applied {
		c.logger.WithOrgID(member.OrganizationID).Infof("Applied %d credits for reference %s", amount, reference)
	} else {
		c.logger.WithOrgID(member.OrganizationID).Infof("Reference %s already applied, returning prior result", reference)
	}

	return &ConfirmResult{Transaction: txn, Applied: applied}, nil
}
