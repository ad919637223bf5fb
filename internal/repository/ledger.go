package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

// LedgerRepository journals quota charges to MySQL. Rows are idempotent on
// the idempotency key, so a retried job operation that was already billed
// inserts nothing.
type LedgerRepository interface {
	ExistsByIdem(ctx context.Context, idem string) (bool, error)
	InsertCharge(ctx context.Context, orgID string, units int64, jobID, idem string) error
	InsertReset(ctx context.Context, orgID string, idem string) error
}

type ledgerRepo struct {
	db *sqlx.DB
}

func NewLedgerRepository(db *sqlx.DB) LedgerRepository {
	return &ledgerRepo{db: db}
}

// ExistsByIdem checks if a ledger row with the given idempotency key already exists.
func (r *ledgerRepo) ExistsByIdem(ctx context.Context, idem string) (bool, error) {
	var one int
	err := r.db.QueryRowxContext(ctx,
		`SELECT 1 FROM quota_ledger WHERE idempotency_key = ? LIMIT 1`, idem,
	).Scan(&one)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *ledgerRepo) InsertCharge(ctx context.Context, orgID string, units int64, jobID, idem string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO quota_ledger (org_id, op, units, idempotency_key, job_id)
		VALUES (?, 'charge', ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id
	`, orgID, units, idem, jobID)
	return err
}

func (r *ledgerRepo) InsertReset(ctx context.Context, orgID string, idem string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO quota_ledger (org_id, op, units, idempotency_key)
		VALUES (?, 'reset', 0, ?)
		ON DUPLICATE KEY UPDATE id = id
	`, orgID, idem)
	return err
}
