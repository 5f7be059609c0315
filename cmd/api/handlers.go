package main

import (
	"context"
	"net/http"
	"time"

	"github.com/contentforge/licensing-api/internal/access"
	"github.com/contentforge/licensing-api/internal/billing"
	"github.com/contentforge/licensing-api/internal/database"
	"github.com/contentforge/licensing-api/internal/generation"
	"github.com/contentforge/licensing-api/internal/license"
	"github.com/contentforge/licensing-api/internal/logging"
	"github.com/contentforge/licensing-api/internal/metrics"
	"github.com/contentforge/licensing-api/internal/middleware"
	"github.com/contentforge/licensing-api/internal/quota"
	"github.com/contentforge/licensing-api/pkg/apierr"
	"github.com/contentforge/licensing-api/pkg/models"
	"github.com/gin-gonic/gin"
)

type API struct {
	repo       *database.Repository
	resolver   *access.Resolver
	accountant *quota.Accountant
	manager    *license.Manager
	credits    *billing.Credits
	generator  generation.Generator
	logger     *logging.Logger
}

// respondError writes an error from the stable taxonomy. Infrastructure
// failures are logged with their cause but only the code leaves the server.
func (api *API) respondError(c *gin.Context, err error) {
	e := apierr.FromError(err)
	if e.Status >= http.StatusInternalServerError {
		api.logger.ErrorWithErr("Request failed", err)
	}
	c.JSON(e.Status, gin.H{"code": e.Code, "error": e.Message})
}

// Health check endpoint
func (api *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := api.repo.Health(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

// Generate endpoint: resolve the caller, gate on quota, call the external
// completion API, then settle consumption
func (api *API) generate(c *gin.Context) {
	var req struct {
		Prompt string `json:"prompt" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rc, err := api.resolver.Resolve(c.Request.Context(), middleware.GetCredentials(c))
	if err != nil {
		api.respondError(c, err)
		return
	}
	metrics.AuthResolutionsTotal.WithLabelValues(string(rc.Method)).Inc()

	decision, err := api.accountant.CheckAccess(c.Request.Context(), rc)
	if err != nil {
		e := apierr.FromError(err)
		metrics.AccessVerdictsTotal.WithLabelValues("false", e.Code).Inc()
		api.logger.LogAccessDecision(string(rc.Method), rc.SiteHash(), false, e.Code)
		api.respondError(c, err)
		return
	}
	metrics.AccessVerdictsTotal.WithLabelValues("true", string(decision.Spend)).Inc()
	api.logger.LogAccessDecision(string(rc.Method), rc.SiteHash(), true, string(decision.Spend))

	result, err := api.generator.Generate(c.Request.Context(), req.Prompt)
	if err != nil {
		api.respondError(c, err)
		return
	}

	// Consumption is charged only after a successful generation
	if err := api.accountant.Settle(c.Request.Context(), rc, decision, result.TokensUsed); err != nil {
		api.respondError(c, err)
		return
	}
	metrics.TokensConsumedTotal.WithLabelValues(string(decision.Spend)).Add(float64(result.TokensUsed))
	if decision.Spend == quota.SpendCredits {
		metrics.CreditsSpentTotal.Inc()
	}

	usage, err := api.accountant.GetUsage(c.Request.Context(), rc)
	if err != nil {
		// The generation already succeeded; a stale snapshot is acceptable
		usage = decision.Usage
	}

	c.JSON(http.StatusOK, gin.H{
		"text":        result.Text,
		"tokens_used": result.TokensUsed,
		"usage":       usage,
	})
}

// Usage snapshot endpoint for the plugin dashboard
func (api *API) getUsage(c *gin.Context) {
	rc, err := api.resolver.Resolve(c.Request.Context(), middleware.GetCredentials(c))
	if err != nil {
		api.respondError(c, err)
		return
	}

	usage, err := api.accountant.GetUsage(c.Request.Context(), rc)
	if err != nil {
		api.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"auth_method": rc.Method,
		"usage":       usage,
	})
}

// Create license endpoint
func (api *API) createLicense(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
		Plan string `json:"plan"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	plan := models.Plan(req.Plan)
	if req.Plan == "" {
		plan = models.PlanFree
	}

	org, err := api.manager.GenerateLicense(c.Request.Context(), req.Name, plan)
	if err != nil {
		api.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, org)
}

// Activate site endpoint
func (api *API) activateSite(c *gin.Context) {
	var req struct {
		LicenseKey string `json:"licenseKey"`
		SiteHash   string `json:"siteHash"`
		SiteURL    string `json:"siteUrl"`
		InstallID  string `json:"installId"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	creds := middleware.GetCredentials(c)
	if req.LicenseKey == "" {
		req.LicenseKey = creds.LicenseKey
	}
	if req.SiteHash == "" {
		req.SiteHash = creds.SiteHash
	}
	if req.SiteURL == "" {
		req.SiteURL = creds.SiteURL
	}
	if req.LicenseKey == "" || req.SiteHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "licenseKey and siteHash are required"})
		return
	}

	result, err := api.manager.Activate(c.Request.Context(), req.LicenseKey, req.SiteHash, req.SiteURL, req.InstallID)
	if err != nil {
		metrics.SiteActivationsTotal.WithLabelValues("rejected").Inc()
		api.respondError(c, err)
		return
	}

	switch {
	case result.Created:
		metrics.SiteActivationsTotal.WithLabelValues("created").Inc()
	case result.Reactivated:
		metrics.SiteActivationsTotal.WithLabelValues("reactivated").Inc()
	default:
		metrics.SiteActivationsTotal.WithLabelValues("refreshed").Inc()
	}

	c.JSON(http.StatusOK, result)
}

// Deactivate site endpoint. Requires a JWT principal with owner or admin
// role on the site's organization.
func (api *API) deactivateSite(c *gin.Context) {
	var req struct {
		SiteID string `json:"siteId" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rc, err := api.resolver.Resolve(c.Request.Context(), middleware.GetCredentials(c))
	if err != nil {
		api.respondError(c, err)
		return
	}
	if rc.User == nil {
		api.respondError(c, apierr.ErrMissingAuth.WithMessage("deactivation requires a signed-in user"))
		return
	}

	if err := api.manager.Deactivate(c.Request.Context(), req.SiteID, rc.User.ID); err != nil {
		api.respondError(c, err)
		return
	}
	metrics.SiteDeactivationsTotal.Inc()

	c.JSON(http.StatusOK, gin.H{"message": "Site deactivated", "site_id": req.SiteID})
}

// Auto-attach endpoint: lazily bind a license to a site on first contact
func (api *API) autoAttachSite(c *gin.Context) {
	var req struct {
		LicenseKey string `json:"licenseKey"`
		SiteHash   string `json:"siteHash"`
		SiteURL    string `json:"siteUrl"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	creds := middleware.GetCredentials(c)
	if req.LicenseKey == "" {
		req.LicenseKey = creds.LicenseKey
	}
	if req.SiteHash == "" {
		req.SiteHash = creds.SiteHash
	}
	if req.SiteURL == "" {
		req.SiteURL = creds.SiteURL
	}
	if req.SiteHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "siteHash is required"})
		return
	}

	site, err := api.manager.AutoAttach(c.Request.Context(), req.LicenseKey, req.SiteHash, req.SiteURL)
	if err != nil {
		api.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, site)
}

// Confirm credits endpoint: applies a payment-provider reference exactly
// once
func (api *API) confirmCredits(c *gin.Context) {
	var req struct {
		Email     string `json:"email" binding:"required"`
		Reference string `json:"reference" binding:"required"`
		Credits   int64  `json:"credits" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Credits <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "credits must be positive"})
		return
	}

	result, err := api.credits.Confirm(c.Request.Context(), req.Email, req.Reference, req.Credits)
	if err != nil {
		api.respondError(c, err)
		return
	}

	if result.Applied {
		metrics.CreditsPurchasedTotal.Add(float64(req.Credits))
	}

	status := http.StatusCreated
	if !result.Applied {
		status = http.StatusOK
	}
	c.JSON(status, result)
}
