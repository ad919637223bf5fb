package http

import (
	"errors"
	"io"
	"net/http"

	"lingo-gateway/internal/webhook"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// webhookVerifyHandler answers the upstream's GET handshake.
func webhookVerifyHandler(tracker *webhook.Tracker) echo.HandlerFunc {
	return func(c echo.Context) error {
		challenge, err := tracker.VerifyChallenge(
			c.QueryParam("hub.mode"),
			c.QueryParam("hub.challenge"),
			c.QueryParam("hub.verify_token"),
		)
		if err != nil {
			if errors.Is(err, webhook.ErrInvalidSecret) {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid webhook secret"})
			}
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "verify failed"})
		}
		return c.String(http.StatusOK, challenge)
	}
}

// webhookEventHandler ingests subscription events. It always answers 200:
// a non-2xx here makes the upstream hammer the endpoint with redeliveries.
func webhookEventHandler(tracker *webhook.Tracker, topicHeader, orgHeader string) echo.HandlerFunc {
	return func(c echo.Context) error {
		topic := c.Request().Header.Get(topicHeader)
		orgID := c.Request().Header.Get(orgHeader)

		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			log.Errorf("webhook body read failed: %v", err)
			return c.NoContent(http.StatusOK)
		}

		if err := tracker.HandleEvent(c.Request().Context(), topic, orgID, body); err != nil {
			log.Errorf("webhook event failed topic=%s orgid=%s: %v", topic, orgID, err)
		}
		return c.NoContent(http.StatusOK)
	}
}
