// Package quota tracks token consumption against monthly buckets and
// composes the allow/deny verdict for generation requests.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/contentforge/licensing-api/internal/access"
	"github.com/contentforge/licensing-api/internal/database"
	"github.com/contentforge/licensing-api/internal/logging"
	"github.com/contentforge/licensing-api/internal/metrics"
	"github.com/contentforge/licensing-api/pkg/apierr"
	"github.com/contentforge/licensing-api/pkg/models"
)

// SpendPath is the resource a granted request will consume
type SpendPath string

const (
	SpendSubscription SpendPath = "subscription"
	SpendTokens       SpendPath = "tokens"
	SpendCredits      SpendPath = "credits"
)

// Decision is the verdict for one generation request
type Decision struct {
	Allowed      bool                 `json:"allowed"`
	Spend        SpendPath            `json:"spend,omitempty"`
	Usage        *models.UsageSnapshot `json:"usage,omitempty"`
	Subscription models.Subscription  `json:"subscription"`
}

// RecordStore is the subset of the repository the accountant reads
type RecordStore interface {
	GetSiteByID(ctx context.Context, id string) (*models.Site, error)
	GetOrganizationByID(ctx context.Context, id string) (*models.Organization, error)
}

// UsageStore provides the atomic quota mutations and ledgers
type UsageStore interface {
	ResetSiteQuotaIfDue(ctx context.Context, siteID string, now, nextReset time.Time) (bool, error)
	ResetOrgQuotaIfDue(ctx context.Context, orgID string, now, nextReset time.Time) (bool, error)
	DeductSiteTokens(ctx context.Context, siteID string, amount int64) (used, remaining int64, err error)
	DeductOrgTokens(ctx context.Context, orgID string, amount int64) (used, remaining int64, err error)
	SpendCredit(ctx context.Context, orgID, email string) (remaining int64, err error)
	InsertUsageLog(ctx context.Context, entry *models.UsageLog) error
}

// SubscriptionChecker reports the external subscription status for a user
type SubscriptionChecker interface {
	Status(ctx context.Context, email string) (models.Subscription, error)
}

// UsageCache caches usage snapshots between reads
type UsageCache interface {
	GetUsage(ctx context.Context, scope, id string) (*models.UsageSnapshot, error)
	SetUsage(ctx context.Context, scope, id string, usage *models.UsageSnapshot) error
	InvalidateUsage(ctx context.Context, scope, id string) error
}

// Publisher emits fire-and-forget events
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload interface{}) error
}

// Accountant computes and mutates quota buckets
type Accountant struct {
	records RecordStore
	usage   UsageStore
	subs    SubscriptionChecker
	cache   UsageCache
	events  Publisher
	logger  *logging.Logger
	now     func() time.Time
}

// NewAccountant creates an accountant. cache and events may be nil.
func NewAccountant(records RecordStore, usage UsageStore, subs SubscriptionChecker, cache UsageCache, events Publisher, logger *logging.Logger) *Accountant {
	return &Accountant{
		records: records,
		usage:   usage,
		subs:    subs,
		cache:   cache,
		events:  events,
		logger:  logger,
		now:     time.Now,
	}
}

// GetSiteUsage returns the site's bucket, resetting it first when the reset
// date has passed. The same call that crosses the date sees fresh values.
func (a *Accountant) GetSiteUsage(ctx context.Context, siteID string) (*models.UsageSnapshot, error) {
	now := a.now()

	if a.cache != nil {
		cached, err := a.cache.GetUsage(ctx, "site", siteID)
		if err == nil && cached != nil && cached.ResetDate.After(now) {
			return cached, nil
		}
	}

	if err := a.resetSiteIfDue(ctx, siteID, now); err != nil {
		return nil, err
	}

	site, err := a.records.GetSiteByID(ctx, siteID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apierr.ErrSiteNotFound
	}
	if err != nil {
		return nil, err
	}

	snapshot := &models.UsageSnapshot{
		Used:      site.TokensUsed,
		Limit:     site.TokenLimit,
		Remaining: site.TokensRemaining,
		Plan:      site.Plan,
		ResetDate: site.ResetDate,
	}

	if a.cache != nil {
		if err := a.cache.SetUsage(ctx, "site", siteID, snapshot); err != nil {
			a.logger.WithError(err).Debug("Failed to cache site usage")
		}
	}

	return snapshot, nil
}

// GetOrgUsage mirrors GetSiteUsage for an organization bucket
func (a *Accountant) GetOrgUsage(ctx context.Context, orgID string) (*models.UsageSnapshot, error) {
	now := a.now()

	if a.cache != nil {
		cached, err := a.cache.GetUsage(ctx, "org", orgID)
		if err == nil && cached != nil && cached.ResetDate.After(now) {
			return cached, nil
		}
	}

	if err := a.resetOrgIfDue(ctx, orgID, now); err != nil {
		return nil, err
	}

	org, err := a.records.GetOrganizationByID(ctx, orgID)
	if err != nil {
		return nil, err
	}

	snapshot := &models.UsageSnapshot{
		Used:      org.TokensUsed,
		Limit:     org.TokenLimit,
		Remaining: org.TokensRemaining,
		Plan:      org.Plan,
		ResetDate: org.ResetDate,
	}

	if a.cache != nil {
		if err := a.cache.SetUsage(ctx, "org", orgID, snapshot); err != nil {
			a.logger.WithError(err).Debug("Failed to cache org usage")
		}
	}

	return snapshot, nil
}

// GetUsage returns the bucket that applies to a resolved context: the site
// bucket when a site resolved, otherwise the organization bucket. Returns
// nil when the context carries no bucket at all.
func (a *Accountant) GetUsage(ctx context.Context, rc *access.ResolvedContext) (*models.UsageSnapshot, error) {
	switch {
	case rc.Site != nil:
		return a.GetSiteUsage(ctx, rc.Site.ID)
	case rc.Organization != nil:
		return a.GetOrgUsage(ctx, rc.Organization.ID)
	default:
		return nil, nil
	}
}

// CheckAccess produces the verdict for a resolved context. Three tiers, in
// order: active-like subscription, token bucket, credit balance. A denial
// carries the reason that distinguishes "buy credits" from "upgrade".
func (a *Accountant) CheckAccess(ctx context.Context, rc *access.ResolvedContext) (*Decision, error) {
	decision := &Decision{Subscription: models.Subscription{Status: models.SubscriptionNone}}

	if rc.User != nil && a.subs != nil {
		sub, err := a.subs.Status(ctx, rc.User.Email)
		if err != nil {
			// Billing outage must not block quota-backed access
			a.logger.WithError(err).Warn("Subscription lookup failed, falling back to quota")
		} else {
			decision.Subscription = sub
		}
	}

	usage, err := a.GetUsage(ctx, rc)
	if err != nil {
		return nil, err
	}
	decision.Usage = usage

	if decision.Subscription.IsActiveLike() {
		decision.Allowed = true
		decision.Spend = SpendSubscription
		return decision, nil
	}

	// Tokens before credits: credits are the purchased resource
	if usage != nil && usage.Remaining > 0 {
		decision.Allowed = true
		decision.Spend = SpendTokens
		return decision, nil
	}

	if rc.Organization != nil && rc.Organization.Credits > 0 {
		decision.Allowed = true
		decision.Spend = SpendCredits
		return decision, nil
	}

	switch {
	case usage != nil:
		return decision, apierr.ErrQuotaExhausted
	case decision.Subscription.Status != models.SubscriptionNone:
		return decision, apierr.ErrSubscriptionInactive
	default:
		return decision, apierr.ErrNoSubscription
	}
}

// Settle applies consumption after a successful generation call: the spend
// path chosen by CheckAccess is charged, one usage-log row is appended, and
// a fire-and-forget event goes out. Deduction happens only after success so
// failed generations are never charged.
func (a *Accountant) Settle(ctx context.Context, rc *access.ResolvedContext, decision *Decision, cost int64) error {
	switch decision.Spend {
	case SpendCredits:
		email := ""
		if rc.User != nil {
			email = rc.User.Email
		}
		_, err := a.usage.SpendCredit(ctx, rc.Organization.ID, email)
		if errors.Is(err, database.ErrNoCredits) {
			// Lost a race to the last credit; charge the token bucket instead
			if err := a.deductTokens(ctx, rc, cost); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	default:
		// Subscription-covered calls are still metered against the bucket
		if err := a.deductTokens(ctx, rc, cost); err != nil {
			return err
		}
	}

	entry := &models.UsageLog{
		SiteHash:       rc.SiteHash(),
		TokensConsumed: cost,
		WPUserID:       rc.WPUserID,
		WPUserName:     rc.WPUserName,
	}
	if rc.Site != nil {
		entry.SiteID = &rc.Site.ID
	}
	if rc.Organization != nil {
		entry.OrganizationID = &rc.Organization.ID
	}
	if rc.User != nil {
		entry.UserID = &rc.User.ID
	}

	if err := a.usage.InsertUsageLog(ctx, entry); err != nil {
		return err
	}

	if a.events != nil {
		payload := map[string]interface{}{
			"site_hash": entry.SiteHash,
			"tokens":    cost,
			"spend":     string(decision.Spend),
		}
		if err := a.events.Publish(ctx, "generation.completed", payload); err != nil {
			a.logger.WithError(err).Warn("Failed to publish usage event")
		}
	}

	return nil
}

// resetSiteIfDue runs the conditional reset and counts it when it fired
func (a *Accountant) resetSiteIfDue(ctx context.Context, siteID string, now time.Time) error {
	reset, err := a.usage.ResetSiteQuotaIfDue(ctx, siteID, now, access.NextResetDate(now))
	if err != nil {
		return err
	}
	if reset {
		metrics.QuotaResetsTotal.WithLabelValues("site").Inc()
	}
	return nil
}

func (a *Accountant) resetOrgIfDue(ctx context.Context, orgID string, now time.Time) error {
	reset, err := a.usage.ResetOrgQuotaIfDue(ctx, orgID, now, access.NextResetDate(now))
	if err != nil {
		return err
	}
	if reset {
		metrics.QuotaResetsTotal.WithLabelValues("org").Inc()
	}
	return nil
}

func (a *Accountant) deductTokens(ctx context.Context, rc *access.ResolvedContext, cost int64) error {
	now := a.now()

	switch {
	case rc.Site != nil:
		if err := a.resetSiteIfDue(ctx, rc.Site.ID, now); err != nil {
			return err
		}
		_, remaining, err := a.usage.DeductSiteTokens(ctx, rc.Site.ID, cost)
		a.logger.LogQuotaOperation("site", rc.Site.ID, cost, remaining, err)
		if err != nil {
			return err
		}
		if a.cache != nil {
			if err := a.cache.InvalidateUsage(ctx, "site", rc.Site.ID); err != nil {
				a.logger.WithError(err).Debug("Failed to invalidate site usage cache")
			}
		}
	case rc.Organization != nil:
		if err := a.resetOrgIfDue(ctx, rc.Organization.ID, now); err != nil {
			return err
		}
		_, remaining, err := a.usage.DeductOrgTokens(ctx, rc.Organization.ID, cost)
		a.logger.LogQuotaOperation("org", rc.Organization.ID, cost, remaining, err)
		if err != nil {
			return err
		}
		if a.cache != nil {
			if err := a.cache.InvalidateUsage(ctx, "org", rc.Organization.ID); err != nil {
				a.logger.WithError(err).Debug("Failed to invalidate org usage cache")
			}
		}
	}

	return nil
}
