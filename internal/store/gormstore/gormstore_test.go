package gormstore

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return New(gdb), mock
}

func TestAtomicTakesAdvisoryLockAndCommits(t *testing.T) {
	s, mock := newMockStore(t)
	jobID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs(store.JobKey(jobID)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE "jobs" SET "escrow_balance"=escrow_balance \+ \$1,"total_paid"=total_paid \+ \$2`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Atomic(context.Background(), store.JobKey(jobID), func(tx store.Tx) error {
		return tx.Jobs().AdjustBalances(jobID, 50000, 0)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdjustBalancesReportsNegativeBalance(t *testing.T) {
	s, mock := newMockStore(t)
	jobID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE "jobs"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM "jobs" WHERE id = \$1`).
		WithArgs(jobID, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "escrow_balance"}).AddRow(jobID, 100))
	mock.ExpectRollback()

	err := s.Atomic(context.Background(), store.JobKey(jobID), func(tx store.Tx) error {
		return tx.Jobs().AdjustBalances(jobID, -500, 500)
	})
	assert.ErrorIs(t, err, store.ErrNegativeBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTranslatesNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT \* FROM "milestones" WHERE id = \$1`).
		WithArgs(id, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	err := s.View(context.Background(), func(tx store.Tx) error {
		_, err := tx.Milestones().Get(id)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimUsesSkipLocked(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	evID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM "outbox_events" WHERE .* FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "type", "status", "attempts"}).
			AddRow(evID, string(models.EventWorkSubmitted), string(models.OutboxPending), 0))
	mock.ExpectExec(`UPDATE "outbox_events" SET .*"status"=`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var claimed []models.OutboxEvent
	err := s.Atomic(context.Background(), store.OutboxKey, func(tx store.Tx) error {
		var err error
		claimed, err = tx.Outbox().Claim(now, now.Add(-time.Minute), 10)
		return err
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, evID, claimed[0].ID)
	assert.Equal(t, models.OutboxProcessing, claimed[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTranslate(t *testing.T) {
	assert.ErrorIs(t, translate(gorm.ErrRecordNotFound), store.ErrNotFound)
	assert.ErrorIs(t, translate(gorm.ErrDuplicatedKey), store.ErrDuplicate)
	assert.ErrorIs(t, translate(gorm.ErrCheckConstraintViolated), store.ErrNegativeBalance)
	assert.ErrorIs(t, translate(&pgconn.PgError{Code: "22001", Message: "value too long for type character varying(200)"}), store.ErrInvalidValue)
	assert.NotErrorIs(t, translate(&pgconn.PgError{Code: "40P01"}), store.ErrInvalidValue)
	assert.Nil(t, translate(nil))
}
