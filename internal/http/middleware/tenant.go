package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"lingo-gateway/internal/metrics"
	"lingo-gateway/internal/model"
	"lingo-gateway/internal/repository"

	echo "github.com/labstack/echo/v4"
)

// token expiry closer than this triggers a lazy refresh on the request path
const refreshSkew = 30 * time.Minute

// Refresher is the lifecycle manager operation the guard needs.
type Refresher interface {
	Refresh(ctx context.Context, orgID, refreshToken string) (string, error)
}

// OrgIDFromCtx extracts the authenticated tenant id set by TenantGuard.
func OrgIDFromCtx(c echo.Context) (string, bool) {
	v, ok := c.Get("orgid").(string)
	return v, ok && v != ""
}

// AccessTokenFromCtx extracts the upstream bearer token set by TenantGuard.
func AccessTokenFromCtx(c echo.Context) (string, bool) {
	v, ok := c.Get("access_token").(string)
	return v, ok && v != ""
}

// StatusFromCtx extracts the tenant's subscription status set by TenantGuard.
func StatusFromCtx(c echo.Context) model.CredentialStatus {
	if v, ok := c.Get("tenant_status").(model.CredentialStatus); ok {
		return v
	}
	return model.StatusTrial
}

// TenantGuard authenticates every tenant-scoped request. It resolves the
// tenant id from header, query or JSON body (first non-empty wins), loads the
// credential, and lazily refreshes a token that is missing an expiry or
// expires within 30 minutes. A failed refresh falls back to the stored token
// instead of rejecting the request: availability wins over strict freshness,
// and the upstream call will reject a truly dead token anyway.
func TenantGuard(creds *repository.CredentialsRepository, refresher Refresher) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			orgID := resolveOrgID(c)
			if orgID == "" {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing orgid"})
			}

			cred, err := creds.Get(c.Request().Context(), orgID)
			if err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "auth error"})
			}
			if cred == nil || cred.AccessToken == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "session expired, please login again"})
			}

			token := cred.AccessToken
			if cred.NeedsRefresh(time.Now(), refreshSkew) && cred.RefreshToken != "" {
				fresh, rerr := refresher.Refresh(c.Request().Context(), orgID, cred.RefreshToken)
				if rerr != nil {
					metrics.RefreshTotal.WithLabelValues("guard", "failed").Inc()
					c.Logger().Warnf("lazy refresh failed for orgid=%s, falling back to stored token: %v", orgID, rerr)
				} else {
					metrics.RefreshTotal.WithLabelValues("guard", "ok").Inc()
					token = fresh
				}
			}

			c.Set("orgid", orgID)
			c.Set("access_token", token)
			c.Set("tenant_status", cred.Status)
			return next(c)
		}
	}
}

// resolveOrgID checks header, then query, then a JSON body field. The body is
// restored afterwards so handlers can still bind it.
func resolveOrgID(c echo.Context) string {
	if v := strings.TrimSpace(c.Request().Header.Get("orgid")); v != "" {
		return v
	}
	if v := strings.TrimSpace(c.QueryParam("orgid")); v != "" {
		return v
	}
	return orgIDFromBody(c)
}

func orgIDFromBody(c echo.Context) string {
	req := c.Request()
	if req.Body == nil || req.ContentLength == 0 {
		return ""
	}
	if !strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		return ""
	}

	raw, err := io.ReadAll(req.Body)
	req.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return ""
	}

	var probe struct {
		OrgID string `json:"orgid"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return strings.TrimSpace(probe.OrgID)
}
