package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/contentforge/licensing-api/internal/access"
	"github.com/gin-gonic/gin"
)

const CredentialsContextKey = "credentials"

// credentialBody is the subset of a JSON request body that may carry
// credentials. Headers always take precedence.
type credentialBody struct {
	LicenseKey string `json:"licenseKey"`
	SiteHash   string `json:"siteHash"`
	SiteURL    string `json:"siteUrl"`
}

// ExtractCredentials pulls the raw credential bundle out of the request and
// stores it on the context as one value. Resolution happens later, in the
// handler, against an explicit resolved-context value; this middleware never
// rejects a request.
func ExtractCredentials() gin.HandlerFunc {
	return func(c *gin.Context) {
		creds := access.Credentials{
			LicenseKey: c.GetHeader("X-License-Key"),
			SiteHash:   c.GetHeader("X-Site-Hash"),
			SiteURL:    c.GetHeader("X-Site-Url"),
			WPUserID:   c.GetHeader("X-Wp-User-Id"),
			WPUserName: c.GetHeader("X-Wp-User-Name"),
		}

		authHeader := c.GetHeader("Authorization")
		if parts := strings.Split(authHeader, " "); len(parts) == 2 && parts[0] == "Bearer" {
			creds.BearerToken = parts[1]
		}

		if needsBodyCredentials(creds) {
			fillFromBody(c, &creds)
		}

		c.Set(CredentialsContextKey, creds)
		c.Next()
	}
}

func needsBodyCredentials(creds access.Credentials) bool {
	return creds.LicenseKey == "" || creds.SiteHash == "" || creds.SiteURL == ""
}

// fillFromBody reads the JSON body for credential fields and restores it so
// the handler can still bind the request.
func fillFromBody(c *gin.Context, creds *access.Credentials) {
	if c.Request.Body == nil || !strings.Contains(c.GetHeader("Content-Type"), "application/json") {
		return
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(raw))

	var body credentialBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return
	}

	if creds.LicenseKey == "" {
		creds.LicenseKey = body.LicenseKey
	}
	if creds.SiteHash == "" {
		creds.SiteHash = body.SiteHash
	}
	if creds.SiteURL == "" {
		creds.SiteURL = body.SiteURL
	}
}

// GetCredentials retrieves the extracted credentials from the context
func GetCredentials(c *gin.Context) access.Credentials {
	value, exists := c.Get(CredentialsContextKey)
	if !exists {
		return access.Credentials{}
	}

	creds, ok := value.(access.Credentials)
	if !ok {
		return access.Credentials{}
	}
	return creds
}
