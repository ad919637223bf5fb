package repository

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (LedgerRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewLedgerRepository(sqlx.NewDb(db, "mysql")), mock
}

func TestLedger_ExistsByIdem(t *testing.T) {
	repo, mock := newTestLedger(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM quota_ledger WHERE idempotency_key = ? LIMIT 1`)).
		WithArgs("charge-job1-0").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	ok, err := repo.ExistsByIdem(context.Background(), "charge-job1-0")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_ExistsByIdemMissing(t *testing.T) {
	repo, mock := newTestLedger(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM quota_ledger WHERE idempotency_key = ? LIMIT 1`)).
		WithArgs("charge-job1-0").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))

	ok, err := repo.ExistsByIdem(context.Background(), "charge-job1-0")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_InsertCharge(t *testing.T) {
	repo, mock := newTestLedger(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO quota_ledger`)).
		WithArgs("org-1", int64(1), "charge-job1-0", "job1").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.InsertCharge(context.Background(), "org-1", 1, "job1", "charge-job1-0")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_InsertChargeDuplicateIsNoop(t *testing.T) {
	repo, mock := newTestLedger(t)

	// ON DUPLICATE KEY UPDATE id = id reports zero affected rows
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO quota_ledger`)).
		WithArgs("org-1", int64(1), "charge-job1-0", "job1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.InsertCharge(context.Background(), "org-1", 1, "job1", "charge-job1-0")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_InsertReset(t *testing.T) {
	repo, mock := newTestLedger(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO quota_ledger`)).
		WithArgs("org-1", "reset-2026-09").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.InsertReset(context.Background(), "org-1", "reset-2026-09")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
