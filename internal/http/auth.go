package http

import (
	"errors"
	"net/http"
	"strings"

	"lingo-gateway/internal/token"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// loginHandler sends the tenant either to the front end (live subscription)
// or into the install flow.
func loginHandler(mgr *token.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		orgID := strings.TrimSpace(c.QueryParam("orgid"))
		url, err := mgr.LoginURL(c.Request().Context(), orgID)
		if err != nil {
			log.Errorf("login lookup failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "login failed"})
		}
		return c.Redirect(http.StatusFound, url)
	}
}

// installCallbackHandler completes the authorization-code exchange and
// redirects the tenant to the front end.
func installCallbackHandler(mgr *token.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		code := strings.TrimSpace(c.QueryParam("code"))

		res, err := mgr.Install(c.Request().Context(), code)
		if err != nil {
			if errors.Is(err, token.ErrMissingAuthCode) {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing code"})
			}
			log.Errorf("install failed: %v", err)
			return c.JSON(http.StatusBadGateway, map[string]string{"error": "install failed"})
		}

		return c.Redirect(http.StatusFound, res.RedirectURL)
	}
}
