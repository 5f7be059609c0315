// Package access resolves raw request credentials to an authenticated
// principal and its quota context. Three auth modes are tried in a fixed
// priority order: bearer token, license key, site hash.
package access

import (
	"context"
	"errors"
	"time"

	"github.com/contentforge/licensing-api/internal/database"
	"github.com/contentforge/licensing-api/internal/logging"
	"github.com/contentforge/licensing-api/pkg/apierr"
	"github.com/contentforge/licensing-api/pkg/models"
)

// AuthMethod identifies which credential resolved the request
type AuthMethod string

const (
	AuthMethodJWT        AuthMethod = "jwt"
	AuthMethodLicenseKey AuthMethod = "license-key"
	AuthMethodSiteHash   AuthMethod = "site-hash"
	AuthMethodNone       AuthMethod = "none"
)

// Credentials is the raw credential bundle extracted from a request.
// Empty fields mean the credential was absent.
type Credentials struct {
	BearerToken string
	LicenseKey  string
	SiteHash    string
	SiteURL     string
	WPUserID    string
	WPUserName  string
}

// ResolvedContext is the explicit result of credential resolution, threaded
// through subsequent handlers instead of mutating shared request state.
type ResolvedContext struct {
	Method       AuthMethod
	User         *models.User
	Organization *models.Organization
	License      *models.License
	Site         *models.Site
	WPUserID     string
	WPUserName   string
}

// SiteHash returns the site hash the request arrived with, preferring the
// resolved site row.
func (rc *ResolvedContext) SiteHash() string {
	if rc.Site != nil {
		return rc.Site.SiteHash
	}
	return ""
}

// Store is the subset of the repository the resolver reads
type Store interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetPrimaryMembership(ctx context.Context, userID string) (*models.OrganizationMember, error)
	GetOrganizationByID(ctx context.Context, id string) (*models.Organization, error)
	GetOrganizationByLicenseKey(ctx context.Context, licenseKey string) (*models.Organization, error)
	GetLicenseByKey(ctx context.Context, licenseKey string) (*models.License, error)
	GetSiteByHash(ctx context.Context, siteHash string) (*models.Site, error)
	GetOrCreateSite(ctx context.Context, siteHash, siteURL string, resetDate time.Time) (*models.Site, error)
}

// SiteCache is a read-through cache for site rows on the anonymous path.
// Lifecycle changes invalidate entries, so the TTL only bounds staleness of
// last_seen, not of license bindings.
type SiteCache interface {
	GetSite(ctx context.Context, siteHash string) (*models.Site, error)
	SetSite(ctx context.Context, site *models.Site, ttl time.Duration) error
}

const siteCacheTTL = 30 * time.Second

// Resolver resolves credentials against the store
type Resolver struct {
	store  Store
	tokens *TokenService
	cache  SiteCache
	logger *logging.Logger
	now    func() time.Time
}

// NewResolver creates a resolver
func NewResolver(store Store, tokens *TokenService, logger *logging.Logger) *Resolver {
	return &Resolver{
		store:  store,
		tokens: tokens,
		logger: logger,
		now:    time.Now,
	}
}

// WithSiteCache attaches an optional site cache
func (r *Resolver) WithSiteCache(cache SiteCache) *Resolver {
	r.cache = cache
	return r
}

// Resolve determines the authenticated principal for a credential bundle.
// A present-but-invalid bearer token is not terminal; resolution falls
// through to the license key and site hash before the final 401.
func (r *Resolver) Resolve(ctx context.Context, creds Credentials) (*ResolvedContext, error) {
	rc := &ResolvedContext{
		Method:     AuthMethodNone,
		WPUserID:   creds.WPUserID,
		WPUserName: creds.WPUserName,
	}

	if creds.BearerToken != "" {
		if ok, err := r.resolveBearer(ctx, creds, rc); err != nil {
			return nil, err
		} else if ok {
			return rc, nil
		}
		// Verification failed; try the next method
	}

	if creds.LicenseKey != "" {
		if err := r.resolveLicenseKey(ctx, creds, rc); err != nil {
			return nil, err
		}
		return rc, nil
	}

	if creds.SiteHash != "" {
		if err := r.resolveSiteHash(ctx, creds, rc); err != nil {
			return nil, err
		}
		return rc, nil
	}

	return nil, apierr.ErrMissingAuth
}

// resolveBearer verifies the token and loads the user's highest-ranked
// organization. Returns ok=false for any verification failure so the caller
// can fall through; only store failures are terminal.
func (r *Resolver) resolveBearer(ctx context.Context, creds Credentials, rc *ResolvedContext) (bool, error) {
	claims, err := r.tokens.Verify(creds.BearerToken)
	if err != nil {
		r.logger.WithError(err).Debug("Bearer token rejected, trying next auth method")
		return false, nil
	}

	user, err := r.store.GetUserByID(ctx, claims.UserID)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apierr.ErrAuth.WithCause(err)
	}

	// Outstanding tokens die when jwt_version moves
	if user.JWTVersion != claims.TokenVersion {
		r.logger.WithUserID(user.ID).Debug("Stale token version, trying next auth method")
		return false, nil
	}

	rc.Method = AuthMethodJWT
	rc.User = user

	member, err := r.store.GetPrimaryMembership(ctx, user.ID)
	if err != nil {
		return false, apierr.ErrAuth.WithCause(err)
	}
	if member != nil {
		org, err := r.store.GetOrganizationByID(ctx, member.OrganizationID)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return false, apierr.ErrAuth.WithCause(err)
		}
		rc.Organization = org
	}

	// A site hash alongside the token supplies quota context but never
	// creates a site here
	if creds.SiteHash != "" {
		site, err := r.store.GetSiteByHash(ctx, creds.SiteHash)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return false, apierr.ErrAuth.WithCause(err)
		}
		rc.Site = site
	}

	return true, nil
}

func (r *Resolver) resolveLicenseKey(ctx context.Context, creds Credentials, rc *ResolvedContext) error {
	org, err := r.store.GetOrganizationByLicenseKey(ctx, creds.LicenseKey)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return apierr.ErrAuth.WithCause(err)
	}

	if org == nil {
		lic, err := r.store.GetLicenseByKey(ctx, creds.LicenseKey)
		if errors.Is(err, database.ErrNotFound) {
			return apierr.ErrLicenseNotFound
		}
		if err != nil {
			return apierr.ErrAuth.WithCause(err)
		}
		rc.License = lic
		if lic.OrganizationID != nil {
			owner, err := r.store.GetOrganizationByID(ctx, *lic.OrganizationID)
			if err != nil && !errors.Is(err, database.ErrNotFound) {
				return apierr.ErrAuth.WithCause(err)
			}
			org = owner
		}
	}
	rc.Organization = org
	rc.Method = AuthMethodLicenseKey

	if creds.SiteHash == "" {
		return nil
	}

	site, err := r.store.GetSiteByHash(ctx, creds.SiteHash)
	if errors.Is(err, database.ErrNotFound) {
		// Not yet created; activation handles that
		return nil
	}
	if err != nil {
		return apierr.ErrAuth.WithCause(err)
	}

	if site.LicenseKey != nil && *site.LicenseKey != creds.LicenseKey {
		return apierr.ErrLicenseSiteMismatch
	}
	if site.OrganizationID != nil && org != nil && *site.OrganizationID != org.ID {
		return apierr.ErrLicenseOrgMismatch
	}

	rc.Site = site
	return nil
}

// resolveSiteHash is the anonymous path: get-or-create the site with free
// defaults, then pull in the owning license/organization for context. A
// cached site row skips the upsert entirely; quota reads re-fetch by ID, so
// the cache only serves identity.
func (r *Resolver) resolveSiteHash(ctx context.Context, creds Credentials, rc *ResolvedContext) error {
	rc.Method = AuthMethodSiteHash

	if r.cache != nil {
		site, err := r.cache.GetSite(ctx, creds.SiteHash)
		if err != nil {
			r.logger.WithError(err).Debug("Site cache read failed")
		} else if site != nil {
			rc.Site = site
			return r.loadSiteOwner(ctx, site, rc)
		}
	}

	site, err := r.store.GetOrCreateSite(ctx, creds.SiteHash, creds.SiteURL, NextResetDate(r.now()))
	if err != nil {
		return apierr.ErrAuth.WithCause(err)
	}
	rc.Site = site

	if r.cache != nil {
		if err := r.cache.SetSite(ctx, site, siteCacheTTL); err != nil {
			r.logger.WithError(err).Debug("Site cache write failed")
		}
	}

	return r.loadSiteOwner(ctx, site, rc)
}

func (r *Resolver) loadSiteOwner(ctx context.Context, site *models.Site, rc *ResolvedContext) error {
	if site.OrganizationID != nil {
		org, err := r.store.GetOrganizationByID(ctx, *site.OrganizationID)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return apierr.ErrAuth.WithCause(err)
		}
		rc.Organization = org
	} else if site.LicenseKey != nil {
		lic, err := r.store.GetLicenseByKey(ctx, *site.LicenseKey)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return apierr.ErrAuth.WithCause(err)
		}
		rc.License = lic
	}

	return nil
}

// NextResetDate returns the first day of the month after now, in UTC.
// Rolling forward from now, not from the stale reset date, means long idle
// periods cost exactly one reset.
func NextResetDate(now time.Time) time.Time {
	y, m, _ := now.UTC().Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
}
