package http

import (
	"net/http"
	"time"

	"lingo-gateway/internal/http/middleware"
	"lingo-gateway/internal/repository"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// quotaHandler reports the tenant's usage against its tier ceiling.
func quotaHandler(quota *repository.QuotaLedger) echo.HandlerFunc {
	return func(c echo.Context) error {
		orgID, ok := middleware.OrgIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		q, err := quota.GetQuota(c.Request().Context(), orgID, middleware.StatusFromCtx(c))
		if err != nil {
			log.Errorf("quota lookup failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "quota lookup failed"})
		}
		return c.JSON(http.StatusOK, q)
	}
}

// trialHandler reports how much of the commercial window remains.
func trialHandler(creds *repository.CredentialsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		orgID, ok := middleware.OrgIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		cred, err := creds.Get(c.Request().Context(), orgID)
		if err != nil {
			log.Errorf("trial lookup failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "trial lookup failed"})
		}
		if cred == nil {
			return c.JSON(http.StatusOK, map[string]any{
				"days_remaining": 0,
				"expires_at":     nil,
				"status":         "not_installed",
			})
		}

		if cred.SubscriptionExpiresAt == 0 {
			return c.JSON(http.StatusOK, map[string]any{
				"days_remaining": 7,
				"expires_at":     nil,
				"status":         cred.Status,
			})
		}

		expiry := time.UnixMilli(cred.SubscriptionExpiresAt)
		days := int(time.Until(expiry).Hours()/24 + 0.999) // ceil
		if days < 0 {
			days = 0
		}
		return c.JSON(http.StatusOK, map[string]any{
			"days_remaining": days,
			"expires_at":     expiry,
			"status":         cred.Status,
		})
	}
}
