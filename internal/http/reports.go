package http

import (
	"net/http"
	"strconv"

	"lingo-gateway/internal/http/middleware"
	"lingo-gateway/internal/model"
	"lingo-gateway/internal/repository"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// operationReportHandler serves the tenant's dispatch history out of
// ClickHouse, newest first, optionally filtered by action.
func operationReportHandler(oplog repository.OperationLogRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		orgID, ok := middleware.OrgIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		var action model.OpAction
		if raw := c.QueryParam("action"); raw != "" {
			parsed, ok := model.ParseOpAction(raw)
			if !ok {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid action filter"})
			}
			action = parsed
		}

		limit, _ := strconv.Atoi(c.QueryParam("limit"))
		offset, _ := strconv.Atoi(c.QueryParam("offset"))

		rows, err := oplog.ListByTenant(c.Request().Context(), orgID, action, limit, offset)
		if err != nil {
			log.Errorf("operation report failed orgid=%s: %v", orgID, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "report failed"})
		}
		if rows == nil {
			rows = []model.OperationLog{}
		}
		return c.JSON(http.StatusOK, map[string]any{
			"items": rows,
			"count": len(rows),
		})
	}
}
