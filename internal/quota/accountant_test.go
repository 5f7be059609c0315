package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/contentforge/licensing-api/internal/access"
	"github.com/contentforge/licensing-api/internal/database"
	"github.com/contentforge/licensing-api/internal/logging"
	"github.com/contentforge/licensing-api/internal/metrics"
	"github.com/contentforge/licensing-api/pkg/apierr"
	"github.com/contentforge/licensing-api/pkg/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore backs both RecordStore and UsageStore with in-memory rows,
// mirroring the conditional-update semantics of the SQL repository.
type fakeStore struct {
	sites   map[string]*models.Site
	orgs    map[string]*models.Organization
	logs    []*models.UsageLog
	credits map[string]int64 // orgID -> balance

	creditSpends int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sites:   make(map[string]*models.Site),
		orgs:    make(map[string]*models.Organization),
		credits: make(map[string]int64),
	}
}

func (f *fakeStore) GetSiteByID(_ context.Context, id string) (*models.Site, error) {
	if s, ok := f.sites[id]; ok {
		return s, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) GetOrganizationByID(_ context.Context, id string) (*models.Organization, error) {
	if o, ok := f.orgs[id]; ok {
		return o, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) ResetSiteQuotaIfDue(_ context.Context, siteID string, now, nextReset time.Time) (bool, error) {
	s, ok := f.sites[siteID]
	if !ok {
		return false, nil
	}
	if !s.ResetDate.After(now) {
		s.TokensUsed = 0
		s.TokensRemaining = s.TokenLimit
		s.ResetDate = nextReset
		return true, nil
	}
	return false, nil
}

func (f *fakeStore) ResetOrgQuotaIfDue(_ context.Context, orgID string, now, nextReset time.Time) (bool, error) {
	o, ok := f.orgs[orgID]
	if !ok {
		return false, nil
	}
	if !o.ResetDate.After(now) {
		o.TokensUsed = 0
		o.TokensRemaining = o.TokenLimit
		o.ResetDate = nextReset
		return true, nil
	}
	return false, nil
}

func (f *fakeStore) DeductSiteTokens(_ context.Context, siteID string, amount int64) (int64, int64, error) {
	s, ok := f.sites[siteID]
	if !ok {
		return 0, 0, database.ErrNotFound
	}
	s.TokensUsed += amount
	s.TokensRemaining = s.TokenLimit - s.TokensUsed
	if s.TokensRemaining < 0 {
		s.TokensRemaining = 0
	}
	return s.TokensUsed, s.TokensRemaining, nil
}

func (f *fakeStore) DeductOrgTokens(_ context.Context, orgID string, amount int64) (int64, int64, error) {
	o, ok := f.orgs[orgID]
	if !ok {
		return 0, 0, database.ErrNotFound
	}
	o.TokensUsed += amount
	o.TokensRemaining = o.TokenLimit - o.TokensUsed
	if o.TokensRemaining < 0 {
		o.TokensRemaining = 0
	}
	return o.TokensUsed, o.TokensRemaining, nil
}

func (f *fakeStore) SpendCredit(_ context.Context, orgID, _ string) (int64, error) {
	f.creditSpends++
	bal := f.credits[orgID]
	if bal <= 0 {
		return 0, database.ErrNoCredits
	}
	f.credits[orgID] = bal - 1
	return bal - 1, nil
}

func (f *fakeStore) InsertUsageLog(_ context.Context, entry *models.UsageLog) error {
	f.logs = append(f.logs, entry)
	return nil
}

type fakeSubs struct {
	sub models.Subscription
	err error
}

func (f *fakeSubs) Status(_ context.Context, _ string) (models.Subscription, error) {
	return f.sub, f.err
}

type fakeEvents struct {
	published []string
}

func (f *fakeEvents) Publish(_ context.Context, eventType string, _ interface{}) error {
	f.published = append(f.published, eventType)
	return nil
}

func newTestAccountant(store *fakeStore, subs SubscriptionChecker, now time.Time) *Accountant {
	logger, _ := logging.NewDefaultLogger()
	a := NewAccountant(store, store, subs, nil, nil, logger)
	a.now = func() time.Time { return now }
	return a
}

func testSite(id string, used, limit int64, reset time.Time) *models.Site {
	return &models.Site{
		ID:              id,
		SiteHash:        "hash-" + id,
		Plan:            models.PlanFree,
		TokenLimit:      limit,
		TokensUsed:      used,
		TokensRemaining: limit - used,
		ResetDate:       reset,
		IsActive:        true,
	}
}

func testOrg(id string, used, limit, credits int64, reset time.Time) *models.Organization {
	return &models.Organization{
		ID:              id,
		Name:            "Org " + id,
		LicenseKey:      "key-" + id,
		Plan:            models.PlanAgency,
		MaxSites:        10,
		TokenLimit:      limit,
		TokensUsed:      used,
		TokensRemaining: limit - used,
		ResetDate:       reset,
		Credits:         credits,
	}
}

func TestGetSiteUsageResetsWhenDue(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.sites["s1"] = testSite("s1", 30, 50, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))

	a := newTestAccountant(store, nil, now)

	usage, err := a.GetSiteUsage(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Used)
	assert.Equal(t, int64(50), usage.Remaining)
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), usage.ResetDate)
}

func TestGetSiteUsageLeavesFutureResetAlone(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	reset := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.sites["s1"] = testSite("s1", 30, 50, reset)

	a := newTestAccountant(store, nil, now)

	usage, err := a.GetSiteUsage(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), usage.Used)
	assert.Equal(t, int64(20), usage.Remaining)
	assert.Equal(t, reset, usage.ResetDate)
}

func TestResetCounterTracksFiredResetsOnly(t *testing.T) {
	metrics.QuotaResetsTotal.Reset()

	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.sites["s1"] = testSite("s1", 30, 50, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))

	a := newTestAccountant(store, nil, now)

	// First read crosses the reset date
	_, err := a.GetSiteUsage(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.QuotaResetsTotal.WithLabelValues("site")))

	// Second read finds the bucket already reset
	_, err = a.GetSiteUsage(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.QuotaResetsTotal.WithLabelValues("site")))
}

func TestGetSiteUsageNotFound(t *testing.T) {
	a := newTestAccountant(newFakeStore(), nil, time.Now())

	_, err := a.GetSiteUsage(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrSiteNotFound))
}

func TestGetUsagePrefersSiteBucket(t *testing.T) {
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	reset := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.sites["s1"] = testSite("s1", 10, 50, reset)
	store.orgs["o1"] = testOrg("o1", 100, 10000, 0, reset)

	a := newTestAccountant(store, nil, now)

	rc := &access.ResolvedContext{Site: store.sites["s1"], Organization: store.orgs["o1"]}
	usage, err := a.GetUsage(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, int64(50), usage.Limit)
}

func TestCheckAccessActiveSubscription(t *testing.T) {
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	reset := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	// Bucket fully drained: subscription alone carries the request
	store.sites["s1"] = testSite("s1", 50, 50, reset)

	subs := &fakeSubs{sub: models.Subscription{Plan: models.PlanPro, Status: models.SubscriptionActive}}
	a := newTestAccountant(store, subs, now)

	rc := &access.ResolvedContext{
		User: &models.User{ID: "u1", Email: "u@example.com"},
		Site: store.sites["s1"],
	}
	decision, err := a.CheckAccess(context.Background(), rc)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, SpendSubscription, decision.Spend)
}

func TestCheckAccessTokensBeforeCredits(t *testing.T) {
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	reset := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.orgs["o1"] = testOrg("o1", 0, 10000, 5, reset)
	store.credits["o1"] = 5

	a := newTestAccountant(store, nil, now)

	rc := &access.ResolvedContext{Organization: store.orgs["o1"]}
	decision, err := a.CheckAccess(context.Background(), rc)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, SpendTokens, decision.Spend)
}

func TestCheckAccessCreditsWhenTokensExhausted(t *testing.T) {
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	reset := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.orgs["o1"] = testOrg("o1", 10000, 10000, 3, reset)
	store.credits["o1"] = 3

	a := newTestAccountant(store, nil, now)

	rc := &access.ResolvedContext{Organization: store.orgs["o1"]}
	decision, err := a.CheckAccess(context.Background(), rc)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, SpendCredits, decision.Spend)
}

func TestCheckAccessQuotaExhausted(t *testing.T) {
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	reset := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.sites["s1"] = testSite("s1", 50, 50, reset)

	a := newTestAccountant(store, nil, now)

	rc := &access.ResolvedContext{Site: store.sites["s1"]}
	decision, err := a.CheckAccess(context.Background(), rc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrQuotaExhausted))
	assert.False(t, decision.Allowed)
}

func TestCheckAccessSubscriptionInactive(t *testing.T) {
	store := newFakeStore()
	subs := &fakeSubs{sub: models.Subscription{Plan: models.PlanPro, Status: models.SubscriptionCanceled}}
	a := newTestAccountant(store, subs, time.Now())

	// No site, no organization: the only signal is the dead subscription
	rc := &access.ResolvedContext{User: &models.User{ID: "u1", Email: "u@example.com"}}
	_, err := a.CheckAccess(context.Background(), rc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrSubscriptionInactive))
}

func TestCheckAccessNoSubscription(t *testing.T) {
	a := newTestAccountant(newFakeStore(), &fakeSubs{sub: models.Subscription{Status: models.SubscriptionNone}}, time.Now())

	rc := &access.ResolvedContext{User: &models.User{ID: "u1", Email: "u@example.com"}}
	_, err := a.CheckAccess(context.Background(), rc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrNoSubscription))
}

func TestCheckAccessBillingOutageFallsBackToQuota(t *testing.T) {
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	reset := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.sites["s1"] = testSite("s1", 10, 50, reset)

	subs := &fakeSubs{err: errors.New("billing provider down")}
	a := newTestAccountant(store, subs, now)

	rc := &access.ResolvedContext{
		User: &models.User{ID: "u1", Email: "u@example.com"},
		Site: store.sites["s1"],
	}
	decision, err := a.CheckAccess(context.Background(), rc)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, SpendTokens, decision.Spend)
}

func TestSettleDeductsSiteTokens(t *testing.T) {
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	reset := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.sites["s1"] = testSite("s1", 10, 50, reset)

	events := &fakeEvents{}
	logger, _ := logging.NewDefaultLogger()
	a := NewAccountant(store, store, nil, nil, events, logger)
	a.now = func() time.Time { return now }

	rc := &access.ResolvedContext{Site: store.sites["s1"], WPUserID: "7", WPUserName: "editor"}
	err := a.Settle(context.Background(), rc, &Decision{Allowed: true, Spend: SpendTokens}, 5)
	require.NoError(t, err)

	assert.Equal(t, int64(15), store.sites["s1"].TokensUsed)
	assert.Equal(t, int64(35), store.sites["s1"].TokensRemaining)
	require.Len(t, store.logs, 1)
	assert.Equal(t, int64(5), store.logs[0].TokensConsumed)
	assert.Equal(t, "7", store.logs[0].WPUserID)
	assert.Equal(t, []string{"generation.completed"}, events.published)
}

func TestSettleSubscriptionStillMetered(t *testing.T) {
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	reset := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.sites["s1"] = testSite("s1", 0, 50, reset)

	a := newTestAccountant(store, nil, now)

	rc := &access.ResolvedContext{Site: store.sites["s1"]}
	err := a.Settle(context.Background(), rc, &Decision{Allowed: true, Spend: SpendSubscription}, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(8), store.sites["s1"].TokensUsed)
}

func TestSettleSpendsCredit(t *testing.T) {
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	reset := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.orgs["o1"] = testOrg("o1", 10000, 10000, 3, reset)
	store.credits["o1"] = 3

	a := newTestAccountant(store, nil, now)

	rc := &access.ResolvedContext{
		User:         &models.User{ID: "u1", Email: "u@example.com"},
		Organization: store.orgs["o1"],
	}
	err := a.Settle(context.Background(), rc, &Decision{Allowed: true, Spend: SpendCredits}, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), store.credits["o1"])
	// Token bucket untouched when the credit applied
	assert.Equal(t, int64(10000), store.orgs["o1"].TokensUsed)
	require.Len(t, store.logs, 1)
}

func TestSettleCreditRaceFallsBackToTokens(t *testing.T) {
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	reset := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.orgs["o1"] = testOrg("o1", 9990, 10000, 0, reset)
	// Balance hit zero between CheckAccess and Settle

	a := newTestAccountant(store, nil, now)

	rc := &access.ResolvedContext{Organization: store.orgs["o1"]}
	err := a.Settle(context.Background(), rc, &Decision{Allowed: true, Spend: SpendCredits}, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, store.creditSpends)
	assert.Equal(t, int64(9995), store.orgs["o1"].TokensUsed)
}

func TestSettleResetsBeforeDeducting(t *testing.T) {
	// Reset date already passed: deduction must land on the fresh bucket
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.sites["s1"] = testSite("s1", 48, 50, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))

	a := newTestAccountant(store, nil, now)

	rc := &access.ResolvedContext{Site: store.sites["s1"]}
	err := a.Settle(context.Background(), rc, &Decision{Allowed: true, Spend: SpendTokens}, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), store.sites["s1"].TokensUsed)
	assert.Equal(t, int64(45), store.sites["s1"].TokensRemaining)
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), store.sites["s1"].ResetDate)
}
