package license

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/contentforge/licensing-api/internal/database"
	"github.com/contentforge/licensing-api/internal/logging"
	"github.com/contentforge/licensing-api/pkg/apierr"
	"github.com/contentforge/licensing-api/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore mirrors the repository's conditional-upsert semantics in memory.
type fakeStore struct {
	orgs        map[string]*models.Organization // by id
	orgsByKey   map[string]*models.Organization
	licenses    map[string]*models.License // by key
	sitesByHash map[string]*models.Site
	memberships map[string]*models.OrganizationMember // orgID+":"+userID

	nextSiteID int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orgs:        make(map[string]*models.Organization),
		orgsByKey:   make(map[string]*models.Organization),
		licenses:    make(map[string]*models.License),
		sitesByHash: make(map[string]*models.Site),
		memberships: make(map[string]*models.OrganizationMember),
	}
}

func (f *fakeStore) addOrg(org *models.Organization) {
	f.orgs[org.ID] = org
	f.orgsByKey[org.LicenseKey] = org
}

func (f *fakeStore) addMember(orgID, userID string, role models.MemberRole) {
	f.memberships[orgID+":"+userID] = &models.OrganizationMember{
		OrganizationID: orgID,
		UserID:         userID,
		Role:           role,
	}
}

func (f *fakeStore) GetOrganizationByLicenseKey(_ context.Context, key string) (*models.Organization, error) {
	if org, ok := f.orgsByKey[key]; ok {
		return org, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) CreateOrganization(_ context.Context, org *models.Organization) error {
	if org.ID == "" {
		org.ID = "org-" + org.LicenseKey[:8]
	}
	f.addOrg(org)
	return nil
}

func (f *fakeStore) CountActiveSites(_ context.Context, orgID string) (int, error) {
	count := 0
	for _, s := range f.sitesByHash {
		if s.IsActive && s.BelongsTo(orgID) {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) GetLicenseByKey(_ context.Context, key string) (*models.License, error) {
	if lic, ok := f.licenses[key]; ok {
		return lic, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) GetLicenseBySiteHash(_ context.Context, hash string) (*models.License, error) {
	for _, lic := range f.licenses {
		if lic.SiteHash != nil && *lic.SiteHash == hash {
			return lic, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) CreateLicense(_ context.Context, lic *models.License) error {
	if lic.ID == "" {
		lic.ID = "lic-" + lic.LicenseKey[:8]
	}
	f.licenses[lic.LicenseKey] = lic
	return nil
}

func (f *fakeStore) GetSiteByID(_ context.Context, id string) (*models.Site, error) {
	for _, s := range f.sitesByHash {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) GetSiteByHash(_ context.Context, hash string) (*models.Site, error) {
	if s, ok := f.sitesByHash[hash]; ok {
		return s, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) GetOrCreateSite(_ context.Context, hash, url string, resetDate time.Time) (*models.Site, error) {
	if s, ok := f.sitesByHash[hash]; ok {
		if url != "" {
			s.SiteURL = url
		}
		return s, nil
	}
	f.nextSiteID++
	defaults := models.GetPlanDefaults(models.PlanFree)
	s := &models.Site{
		ID:              fmt.Sprintf("site-%d", f.nextSiteID),
		SiteHash:        hash,
		SiteURL:         url,
		Plan:            models.PlanFree,
		TokenLimit:      defaults.TokenLimit,
		TokensRemaining: defaults.TokenLimit,
		ResetDate:       resetDate,
		IsActive:        true,
	}
	f.sitesByHash[hash] = s
	return s, nil
}

func (f *fakeStore) ActivateSite(_ context.Context, site *models.Site) (*models.Site, error) {
	if existing, ok := f.sitesByHash[site.SiteHash]; ok {
		if existing.LicenseKey != nil && site.LicenseKey != nil && *existing.LicenseKey != *site.LicenseKey {
			return nil, database.ErrConflict
		}
		existing.OrganizationID = site.OrganizationID
		existing.LicenseKey = site.LicenseKey
		existing.Plan = site.Plan
		existing.TokenLimit = site.TokenLimit
		existing.TokensRemaining = site.TokenLimit - existing.TokensUsed
		if existing.TokensRemaining < 0 {
			existing.TokensRemaining = 0
		}
		if site.SiteURL != "" {
			existing.SiteURL = site.SiteURL
		}
		existing.IsActive = true
		return existing, nil
	}

	f.nextSiteID++
	site.ID = fmt.Sprintf("site-%d", f.nextSiteID)
	site.TokensRemaining = site.TokenLimit
	site.IsActive = true
	f.sitesByHash[site.SiteHash] = site
	return site, nil
}

func (f *fakeStore) DeactivateSite(_ context.Context, siteID string) error {
	for _, s := range f.sitesByHash {
		if s.ID == siteID {
			s.IsActive = false
			return nil
		}
	}
	return database.ErrNotFound
}

func (f *fakeStore) BindSiteLicense(_ context.Context, hash, licenseKey string) (*models.Site, error) {
	s, ok := f.sitesByHash[hash]
	if !ok {
		return nil, database.ErrNotFound
	}
	if s.LicenseKey != nil && *s.LicenseKey != licenseKey {
		return nil, database.ErrConflict
	}
	s.LicenseKey = &licenseKey
	return s, nil
}

func (f *fakeStore) GetMembership(_ context.Context, orgID, userID string) (*models.OrganizationMember, error) {
	if m, ok := f.memberships[orgID+":"+userID]; ok {
		return m, nil
	}
	return nil, database.ErrNotFound
}

func newTestManager(store *fakeStore) *Manager {
	logger, _ := logging.NewDefaultLogger()
	return NewManager(store, nil, logger)
}

func proOrg(id, key string) *models.Organization {
	return &models.Organization{
		ID:         id,
		Name:       "Org " + id,
		LicenseKey: key,
		Plan:       models.PlanPro,
		MaxSites:   1,
		TokenLimit: 1000,
	}
}

func TestActivateCreatesSite(t *testing.T) {
	store := newFakeStore()
	store.addOrg(proOrg("o1", "key-1"))
	m := newTestManager(store)

	result, err := m.Activate(context.Background(), "key-1", "h1", "https://a.example", "")
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.False(t, result.Reactivated)
	require.NotNil(t, result.Site)
	assert.True(t, result.Site.IsActive)
	assert.True(t, result.Site.BelongsTo("o1"))
	assert.True(t, result.Site.BoundToLicense("key-1"))
	assert.Equal(t, models.PlanPro, result.Site.Plan)
	assert.Equal(t, int64(1000), result.Site.TokenLimit)
}

func TestActivateUnknownKey(t *testing.T) {
	m := newTestManager(newFakeStore())

	_, err := m.Activate(context.Background(), "no-such-key", "h1", "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrLicenseNotFound))
	assert.Equal(t, 404, apierr.FromError(err).Status)
}

func TestActivateSiteLimitLifecycle(t *testing.T) {
	store := newFakeStore()
	store.addOrg(proOrg("o1", "key-1"))
	store.addMember("o1", "u1", models.RoleOwner)
	m := newTestManager(store)

	// First site fills the single slot
	first, err := m.Activate(context.Background(), "key-1", "h1", "", "")
	require.NoError(t, err)

	// Second site is over the cap
	_, err = m.Activate(context.Background(), "key-1", "h2", "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrSiteLimitReached))

	// Freeing the slot lets the second site in
	require.NoError(t, m.Deactivate(context.Background(), first.Site.ID, "u1"))

	result, err := m.Activate(context.Background(), "key-1", "h2", "", "")
	require.NoError(t, err)
	assert.True(t, result.Created)
}

func TestActivateAlreadyActiveSiteIsExemptFromCap(t *testing.T) {
	store := newFakeStore()
	store.addOrg(proOrg("o1", "key-1"))
	m := newTestManager(store)

	_, err := m.Activate(context.Background(), "key-1", "h1", "", "")
	require.NoError(t, err)

	// Re-activating the site that holds the slot is a refresh, not a
	// second activation
	result, err := m.Activate(context.Background(), "key-1", "h1", "https://new.example", "")
	require.NoError(t, err)
	assert.False(t, result.Created)
	assert.False(t, result.Reactivated)
	assert.Equal(t, "https://new.example", result.Site.SiteURL)
}

func TestActivateReactivatesInactiveSite(t *testing.T) {
	store := newFakeStore()
	store.addOrg(proOrg("o1", "key-1"))
	store.addMember("o1", "u1", models.RoleAdmin)
	m := newTestManager(store)

	first, err := m.Activate(context.Background(), "key-1", "h1", "", "")
	require.NoError(t, err)
	require.NoError(t, m.Deactivate(context.Background(), first.Site.ID, "u1"))

	result, err := m.Activate(context.Background(), "key-1", "h1", "", "")
	require.NoError(t, err)
	assert.False(t, result.Created)
	assert.True(t, result.Reactivated)
	assert.True(t, result.Site.IsActive)
}

type fakeInvalidator struct {
	deleted []string
}

func (f *fakeInvalidator) DeleteSite(_ context.Context, hash string) error {
	f.deleted = append(f.deleted, hash)
	return nil
}

func TestLifecycleChangesInvalidateCachedSite(t *testing.T) {
	store := newFakeStore()
	store.addOrg(proOrg("o1", "key-1"))
	store.addMember("o1", "u1", models.RoleOwner)
	inv := &fakeInvalidator{}
	m := newTestManager(store).WithSiteCache(inv)

	first, err := m.Activate(context.Background(), "key-1", "h1", "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, inv.deleted)

	require.NoError(t, m.Deactivate(context.Background(), first.Site.ID, "u1"))
	assert.Equal(t, []string{"h1", "h1"}, inv.deleted)
}

func TestActivateRecomputesRemainingForNewLimit(t *testing.T) {
	store := newFakeStore()
	org := proOrg("o1", "key-1")
	org.Plan = models.PlanAgency
	org.MaxSites = 10
	org.TokenLimit = 10000
	store.addOrg(org)
	m := newTestManager(store)

	// Exhausted anonymous site on the free bucket
	store.sitesByHash["h1"] = &models.Site{
		ID:         "site-0",
		SiteHash:   "h1",
		Plan:       models.PlanFree,
		TokenLimit: 50,
		TokensUsed: 50,
		IsActive:   true,
	}

	result, err := m.Activate(context.Background(), "key-1", "h1", "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), result.Site.TokenLimit)
	assert.EqualValues(t, 9950, result.Site.TokensRemaining)
}

func TestActivateRejectsSiteBoundToOtherLicense(t *testing.T) {
	store := newFakeStore()
	store.addOrg(proOrg("o1", "key-1"))
	otherKey := "key-2"
	store.sitesByHash["h1"] = &models.Site{ID: "s1", SiteHash: "h1", LicenseKey: &otherKey, IsActive: true}
	m := newTestManager(store)

	_, err := m.Activate(context.Background(), "key-1", "h1", "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrLicenseSiteMismatch))
}

func TestActivateRejectsSiteClaimedByOtherOrg(t *testing.T) {
	store := newFakeStore()
	store.addOrg(proOrg("o1", "key-1"))
	otherOrg := "o2"
	key := "key-1"
	store.sitesByHash["h1"] = &models.Site{ID: "s1", SiteHash: "h1", OrganizationID: &otherOrg, LicenseKey: &key, IsActive: true}
	m := newTestManager(store)

	_, err := m.Activate(context.Background(), "key-1", "h1", "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrLicenseOrgMismatch))
}

func TestActivateStandaloneLicense(t *testing.T) {
	store := newFakeStore()
	store.licenses["key-solo"] = &models.License{
		ID:              "lic-1",
		LicenseKey:      "key-solo",
		Plan:            models.PlanFree,
		TokenLimit:      50,
		TokensRemaining: 50,
	}
	m := newTestManager(store)

	result, err := m.Activate(context.Background(), "key-solo", "h1", "", "")
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Nil(t, result.Site.OrganizationID)
	assert.True(t, result.Site.BoundToLicense("key-solo"))
	assert.Equal(t, int64(50), result.Site.TokenLimit)
}

func TestDeactivateUnknownSite(t *testing.T) {
	m := newTestManager(newFakeStore())

	err := m.Deactivate(context.Background(), "missing", "u1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrSiteNotFound))
}

func TestDeactivateRequiresManagingRole(t *testing.T) {
	store := newFakeStore()
	store.addOrg(proOrg("o1", "key-1"))
	store.addMember("o1", "u-member", models.RoleMember)
	m := newTestManager(store)

	result, err := m.Activate(context.Background(), "key-1", "h1", "", "")
	require.NoError(t, err)

	err = m.Deactivate(context.Background(), result.Site.ID, "u-member")
	assert.True(t, errors.Is(err, apierr.ErrInsufficientPermissions))

	err = m.Deactivate(context.Background(), result.Site.ID, "u-stranger")
	assert.True(t, errors.Is(err, apierr.ErrInsufficientPermissions))
}

func TestDeactivateOrganizationlessSite(t *testing.T) {
	store := newFakeStore()
	store.sitesByHash["h1"] = &models.Site{ID: "s1", SiteHash: "h1", IsActive: true}
	m := newTestManager(store)

	err := m.Deactivate(context.Background(), "s1", "u1")
	assert.True(t, errors.Is(err, apierr.ErrInsufficientPermissions))
}

func TestDeactivateIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.addOrg(proOrg("o1", "key-1"))
	store.addMember("o1", "u1", models.RoleOwner)
	m := newTestManager(store)

	result, err := m.Activate(context.Background(), "key-1", "h1", "", "")
	require.NoError(t, err)

	require.NoError(t, m.Deactivate(context.Background(), result.Site.ID, "u1"))
	require.NoError(t, m.Deactivate(context.Background(), result.Site.ID, "u1"))
	assert.False(t, store.sitesByHash["h1"].IsActive)
}

func TestGenerateLicenseDefaults(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)

	tests := []struct {
		plan       models.Plan
		maxSites   int
		tokenLimit int64
	}{
		{models.PlanFree, 1, 50},
		{models.PlanPro, 1, 1000},
		{models.PlanAgency, 10, 10000},
		{models.Plan("bogus"), 1, 50}, // unknown plans fall back to free
	}

	seen := make(map[string]bool)
	for _, tt := range tests {
		t.Run(string(tt.plan), func(t *testing.T) {
			org, err := m.GenerateLicense(context.Background(), "Acme", tt.plan)
			require.NoError(t, err)
			assert.Equal(t, tt.maxSites, org.MaxSites)
			assert.Equal(t, tt.tokenLimit, org.TokenLimit)
			assert.Equal(t, tt.tokenLimit, org.TokensRemaining)
			assert.NotEmpty(t, org.LicenseKey)
			assert.False(t, seen[org.LicenseKey], "license keys must be unique")
			seen[org.LicenseKey] = true
		})
	}
}

func TestAutoAttachCreatesFreeLicense(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)

	site, err := m.AutoAttach(context.Background(), "", "h1", "https://a.example")
	require.NoError(t, err)
	require.NotNil(t, site.LicenseKey)

	lic, err := store.GetLicenseByKey(context.Background(), *site.LicenseKey)
	require.NoError(t, err)
	assert.Equal(t, models.PlanFree, lic.Plan)
	assert.Equal(t, models.AutoAttachCompleted, lic.AutoAttachStatus)
	require.NotNil(t, lic.SiteHash)
	assert.Equal(t, "h1", *lic.SiteHash)
}

func TestAutoAttachIsIdempotent(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)

	first, err := m.AutoAttach(context.Background(), "", "h1", "")
	require.NoError(t, err)

	second, err := m.AutoAttach(context.Background(), "", "h1", "")
	require.NoError(t, err)
	assert.Equal(t, *first.LicenseKey, *second.LicenseKey)
	assert.Len(t, store.licenses, 1)
}

func TestAutoAttachWithKeyActivates(t *testing.T) {
	store := newFakeStore()
	store.addOrg(proOrg("o1", "key-1"))
	m := newTestManager(store)

	site, err := m.AutoAttach(context.Background(), "key-1", "h1", "")
	require.NoError(t, err)
	assert.True(t, site.BelongsTo("o1"))
	assert.True(t, site.IsActive)
}
