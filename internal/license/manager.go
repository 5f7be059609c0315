// Package license manages the site activation lifecycle and license
// issuance under per-organization capacity limits.
package license

import (
	"context"
	"errors"
	"time"

	"github.com/contentforge/licensing-api/internal/access"
	"github.com/contentforge/licensing-api/internal/database"
	"github.com/contentforge/licensing-api/internal/logging"
	"github.com/contentforge/licensing-api/pkg/apierr"
	"github.com/contentforge/licensing-api/pkg/models"
	"github.com/google/uuid"
)

// Store is the subset of the repository the manager needs
type Store interface {
	GetOrganizationByLicenseKey(ctx context.Context, licenseKey string) (*models.Organization, error)
	CreateOrganization(ctx context.Context, org *models.Organization) error
	CountActiveSites(ctx context.Context, orgID string) (int, error)
	GetLicenseByKey(ctx context.Context, licenseKey string) (*models.License, error)
	GetLicenseBySiteHash(ctx context.Context, siteHash string) (*models.License, error)
	CreateLicense(ctx context.Context, lic *models.License) error
	GetSiteByID(ctx context.Context, id string) (*models.Site, error)
	GetSiteByHash(ctx context.Context, siteHash string) (*models.Site, error)
	GetOrCreateSite(ctx context.Context, siteHash, siteURL string, resetDate time.Time) (*models.Site, error)
	ActivateSite(ctx context.Context, site *models.Site) (*models.Site, error)
	DeactivateSite(ctx context.Context, siteID string) error
	BindSiteLicense(ctx context.Context, siteHash, licenseKey string) (*models.Site, error)
	GetMembership(ctx context.Context, orgID, userID string) (*models.OrganizationMember, error)
}

// Publisher emits fire-and-forget lifecycle events
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload interface{}) error
}

// SiteInvalidator drops cached site rows after a lifecycle change so the
// resolver never serves a stale binding
type SiteInvalidator interface {
	DeleteSite(ctx context.Context, siteHash string) error
}

// ActivationResult reports what an activation did
type ActivationResult struct {
	Site        *models.Site `json:"site"`
	Created     bool         `json:"created"`
	Reactivated bool         `json:"reactivated"`
}

// Manager runs the site lifecycle state machine
type Manager struct {
	store  Store
	events Publisher
	cache  SiteInvalidator
	logger *logging.Logger
	now    func() time.Time
}

// NewManager creates a manager. events may be nil.
func NewManager(store Store, events Publisher, logger *logging.Logger) *Manager {
	return &Manager{
		store:  store,
		events: events,
		logger: logger,
		now:    time.Now,
	}
}

// WithSiteCache attaches an optional cache to invalidate on lifecycle changes
func (m *Manager) WithSiteCache(cache SiteInvalidator) *Manager {
	m.cache = cache
	return m
}

func (m *Manager) invalidateSite(ctx context.Context, siteHash string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.DeleteSite(ctx, siteHash); err != nil {
		m.logger.WithError(err).Debug("Site cache invalidation failed")
	}
}

// Activate binds a site to the organization or license owning the key and
// marks it active, enforcing the active-site cap and cross-organization
// conflict rules. The final upsert is atomic on the site hash, so a rejected
// activation leaves no partial state.
func (m *Manager) Activate(ctx context.Context, licenseKey, siteHash, siteURL, installID string) (*ActivationResult, error) {
	org, err := m.store.GetOrganizationByLicenseKey(ctx, licenseKey)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	var lic *models.License
	if org == nil {
		lic, err = m.store.GetLicenseByKey(ctx, licenseKey)
		if errors.Is(err, database.ErrNotFound) {
			return nil, apierr.ErrLicenseNotFound.WithStatus(404)
		}
		if err != nil {
			return nil, err
		}
	}

	existing, err := m.store.GetSiteByHash(ctx, siteHash)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	if existing != nil {
		if existing.LicenseKey != nil && *existing.LicenseKey != licenseKey {
			return nil, apierr.ErrLicenseSiteMismatch
		}
		if org != nil && existing.OrganizationID != nil && *existing.OrganizationID != org.ID {
			return nil, apierr.ErrLicenseOrgMismatch
		}
	}

	plan := models.PlanFree
	maxSites := 1
	var tokenLimit int64 = models.GetPlanDefaults(models.PlanFree).TokenLimit
	var orgID *string

	if org != nil {
		plan = org.Plan
		maxSites = org.MaxSites
		tokenLimit = org.TokenLimit
		orgID = &org.ID

		// Cap counts active sites only; the already-owned site is exempt
		if existing == nil || !existing.BelongsTo(org.ID) || !existing.IsActive {
			count, err := m.store.CountActiveSites(ctx, org.ID)
			if err != nil {
				return nil, err
			}
			alreadyCounted := existing != nil && existing.BelongsTo(org.ID) && existing.IsActive
			if count >= maxSites && !alreadyCounted {
				return nil, apierr.ErrSiteLimitReached
			}
		}
	} else if lic != nil {
		plan = lic.Plan
		tokenLimit = lic.TokenLimit
		orgID = lic.OrganizationID
	}

	// Snapshot the pre-upsert state; the store may hand back the same row.
	wasAbsent := existing == nil
	wasInactive := existing != nil && !existing.IsActive

	key := licenseKey
	site := &models.Site{
		SiteHash:       siteHash,
		SiteURL:        siteURL,
		OrganizationID: orgID,
		LicenseKey:     &key,
		Plan:           plan,
		TokenLimit:     tokenLimit,
		ResetDate:      access.NextResetDate(m.now()),
	}

	updated, err := m.store.ActivateSite(ctx, site)
	if errors.Is(err, database.ErrConflict) {
		return nil, apierr.ErrLicenseSiteMismatch
	}
	if err != nil {
		return nil, err
	}

	result := &ActivationResult{
		Site:        updated,
		Created:     wasAbsent,
		Reactivated: wasInactive,
	}

	m.invalidateSite(ctx, siteHash)

	m.logger.LogSiteEvent(siteHash, "activated", map[string]interface{}{
		"created":     result.Created,
		"reactivated": result.Reactivated,
		"install_id":  installID,
	})
	m.publish(ctx, "site.activated", map[string]interface{}{
		"site_hash":  siteHash,
		"site_url":   siteURL,
		"created":    result.Created,
		"install_id": installID,
	})
	if result.Created {
		m.publish(ctx, "installation.recorded", map[string]interface{}{
			"site_hash":  siteHash,
			"site_url":   siteURL,
			"install_id": installID,
		})
	}

	return result, nil
}

// Deactivate marks a site inactive. The requester must hold owner or admin
// on the site's organization. Deactivating an already-inactive site
// succeeds silently.
func (m *Manager) Deactivate(ctx context.Context, siteID, requesterUserID string) error {
	site, err := m.store.GetSiteByID(ctx, siteID)
	if errors.Is(err, database.ErrNotFound) {
		return apierr.ErrSiteNotFound
	}
	if err != nil {
		return err
	}

	if site.OrganizationID == nil {
		return apierr.ErrInsufficientPermissions
	}

	member, err := m.store.GetMembership(ctx, *site.OrganizationID, requesterUserID)
	if errors.Is(err, database.ErrNotFound) {
		return apierr.ErrInsufficientPermissions
	}
	if err != nil {
		return err
	}
	if !member.Role.CanManageSites() {
		return apierr.ErrInsufficientPermissions
	}

	if err := m.store.DeactivateSite(ctx, siteID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return apierr.ErrSiteNotFound
		}
		return err
	}

	m.invalidateSite(ctx, site.SiteHash)

	m.logger.LogSiteEvent(site.SiteHash, "deactivated", map[string]interface{}{
		"requester": requesterUserID,
	})
	m.publish(ctx, "site.deactivated", map[string]interface{}{
		"site_hash": site.SiteHash,
	})

	return nil
}

// GenerateLicense creates an organization with plan-derived defaults and a
// fresh license key.
func (m *Manager) GenerateLicense(ctx context.Context, name string, plan models.Plan) (*models.Organization, error) {
	defaults := models.GetPlanDefaults(plan)

	org := &models.Organization{
		Name:            name,
		LicenseKey:      uuid.New().String(),
		Plan:            plan,
		MaxSites:        defaults.MaxSites,
		TokenLimit:      defaults.TokenLimit,
		TokensRemaining: defaults.TokenLimit,
		ResetDate:       access.NextResetDate(m.now()),
	}

	if err := m.store.CreateOrganization(ctx, org); err != nil {
		return nil, err
	}

	m.logger.WithOrgID(org.ID).Infof("Generated %s license for %q", plan, name)

	return org, nil
}

// AutoAttach lazily binds a license to a site on first contact. Without a
// key it creates a free standalone license bound 1:1 to the site; with one
// it defers to Activate. Safe to call repeatedly for the same site.
func (m *Manager) AutoAttach(ctx context.Context, licenseKey, siteHash, siteURL string) (*models.Site, error) {
	if licenseKey != "" {
		result, err := m.Activate(ctx, licenseKey, siteHash, siteURL, "")
		if err != nil {
			return nil, err
		}
		return result.Site, nil
	}

	site, err := m.store.GetOrCreateSite(ctx, siteHash, siteURL, access.NextResetDate(m.now()))
	if err != nil {
		return nil, err
	}

	// Already attached; nothing to do
	if site.LicenseKey != nil {
		return site, nil
	}

	lic, err := m.store.GetLicenseBySiteHash(ctx, siteHash)
	if errors.Is(err, database.ErrNotFound) {
		defaults := models.GetPlanDefaults(models.PlanFree)
		hash := siteHash
		lic = &models.License{
			LicenseKey:       uuid.New().String(),
			Plan:             models.PlanFree,
			Service:          "generation",
			TokenLimit:       defaults.TokenLimit,
			TokensRemaining:  defaults.TokenLimit,
			SiteHash:         &hash,
			AutoAttachStatus: models.AutoAttachCompleted,
		}
		if err := m.store.CreateLicense(ctx, lic); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	bound, err := m.store.BindSiteLicense(ctx, siteHash, lic.LicenseKey)
	if errors.Is(err, database.ErrConflict) {
		return nil, apierr.ErrLicenseSiteMismatch
	}
	if err != nil {
		return nil, err
	}

	m.invalidateSite(ctx, siteHash)

	m.logger.LogSiteEvent(siteHash, "auto_attached", map[string]interface{}{
		"license_key": lic.LicenseKey,
	})

	return bound, nil
}

func (m *Manager) publish(ctx context.Context, eventType string, payload map[string]interface{}) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, eventType, payload); err != nil {
		m.logger.WithError(err).Warn("Failed to publish lifecycle event")
	}
}
