package repository

import (
	"context"
	"strings"
	"time"

	"lingo-gateway/internal/model"

	"github.com/jmoiron/sqlx"
)

// OperationLogRepository records dispatched mutation outcomes in ClickHouse
// and serves the per-tenant report queries.
type OperationLogRepository interface {
	InsertBatch(ctx context.Context, rows []model.OperationLog) error
	ListByTenant(ctx context.Context, orgID string, action model.OpAction, limit, offset int) ([]model.OperationLog, error)
}

type operationLogRepo struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewOperationLogRepository(ch *sqlx.DB) OperationLogRepository {
	return &operationLogRepo{ch: ch}
}

func (r *operationLogRepo) InsertBatch(ctx context.Context, rows []model.OperationLog) error {
	if len(rows) == 0 {
		return nil
	}

	var sb strings.Builder
	args := make([]any, 0, len(rows)*7)

	sb.WriteString(`INSERT INTO operation_log (job_id, org_id, action, target_id, success, error, created_at) VALUES `)
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?)")
		ts := row.CreatedAt
		if ts.IsZero() {
			ts = time.Now()
		}
		args = append(args, row.JobID, row.OrgID, string(row.Action), row.TargetID, row.Success, row.Error, ts)
	}

	_, err := r.ch.ExecContext(ctx, sb.String(), args...)
	return err
}

func (r *operationLogRepo) ListByTenant(ctx context.Context, orgID string, action model.OpAction, limit, offset int) ([]model.OperationLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT job_id, org_id, action, target_id, success, error, created_at
		  FROM operation_log
		 WHERE org_id = ?`
	args := []any{orgID}

	if action.Valid() {
		query += ` AND action = ?`
		args = append(args, string(action))
	}

	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var rows []model.OperationLog
	if err := r.ch.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
