package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"lingo-gateway/internal/http/middleware"
	"lingo-gateway/internal/metrics"
	"lingo-gateway/internal/model"
	"lingo-gateway/internal/queue"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

type operationRequest struct {
	Action   string          `json:"action"`
	TargetID string          `json:"target_id,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
}

type batchRequest struct {
	Operations []operationRequest `json:"operations"`
}

type enqueueResponse struct {
	JobID string `json:"job_id"`
}

func toOperation(req operationRequest) (model.Operation, bool) {
	action, ok := model.ParseOpAction(req.Action)
	if !ok {
		return model.Operation{}, false
	}
	return model.Operation{Action: action, TargetID: req.TargetID, Body: req.Body}, true
}

// enqueueSingleHandler accepts one mutation and queues it for dispatch.
func enqueueSingleHandler(svc *queue.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		orgID, ok := middleware.OrgIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		var req operationRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		}
		op, ok := toOperation(req)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid action, want create/update/delete"})
		}

		id, err := svc.EnqueueSingle(c.Request().Context(), orgID, middleware.StatusFromCtx(c), op)
		if err != nil {
			return enqueueError(c, orgID, err)
		}
		return c.JSON(http.StatusAccepted, enqueueResponse{JobID: id})
	}
}

// enqueueBatchHandler accepts an ordered list of mutations as one job.
func enqueueBatchHandler(svc *queue.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		orgID, ok := middleware.OrgIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		var req batchRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		}

		ops := make([]model.Operation, 0, len(req.Operations))
		for _, r := range req.Operations {
			op, ok := toOperation(r)
			if !ok {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid action, want create/update/delete"})
			}
			ops = append(ops, op)
		}

		id, err := svc.EnqueueBatch(c.Request().Context(), orgID, middleware.StatusFromCtx(c), ops)
		if err != nil {
			if errors.Is(err, queue.ErrNoOperations) {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "batch contains no operations"})
			}
			return enqueueError(c, orgID, err)
		}
		return c.JSON(http.StatusAccepted, enqueueResponse{JobID: id})
	}
}

func enqueueError(c echo.Context, orgID string, err error) error {
	if errors.Is(err, queue.ErrQuotaExceeded) {
		metrics.QuotaDeniedTotal.Inc()
		return c.JSON(http.StatusPaymentRequired, map[string]string{
			"error": "quota exceeded, upgrade your plan",
		})
	}
	log.Errorf("enqueue failed orgid=%s: %v", orgID, err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "enqueue failed"})
}

// jobStatusHandler reports a job's state and progress.
func jobStatusHandler(svc *queue.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		st, err := svc.JobStatus(c.Request().Context(), c.Param("id"))
		if err != nil {
			log.Errorf("job status lookup failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "status lookup failed"})
		}
		if st.State == model.JobStateNotFound {
			return c.JSON(http.StatusNotFound, st)
		}
		return c.JSON(http.StatusOK, st)
	}
}
