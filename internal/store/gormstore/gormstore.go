// Package gormstore implements store.Store on Postgres through gorm.
package gormstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/Windi-Fikriyansyah/escrowd/internal/store"
)

type Store struct {
	DB *gorm.DB
}

var _ store.Store = (*Store)(nil)

func New(db *gorm.DB) *Store {
	return &Store{DB: db}
}

// Atomic opens a transaction and takes a transaction-scoped advisory lock on key
// before running fn, so units sharing a key run one at a time.
func (s *Store) Atomic(ctx context.Context, key string, fn func(tx store.Tx) error) error {
	return s.DB.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if err := db.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", key).Error; err != nil {
			return translate(err)
		}
		return fn(&tx{db: db})
	})
}

func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	return fn(&tx{db: s.DB.WithContext(ctx)})
}

type tx struct {
	db *gorm.DB
}

func (t *tx) Jobs() store.JobRepo                   { return jobRepo{t.db} }
func (t *tx) Applications() store.ApplicationRepo   { return applicationRepo{t.db} }
func (t *tx) Milestones() store.MilestoneRepo       { return milestoneRepo{t.db} }
func (t *tx) Payments() store.PaymentRepo           { return paymentRepo{t.db} }
func (t *tx) Reviews() store.ReviewRepo             { return reviewRepo{t.db} }
func (t *tx) Outbox() store.OutboxRepo              { return outboxRepo{t.db} }
func (t *tx) Notifications() store.NotificationRepo { return notificationRepo{t.db} }
func (t *tx) Issues() store.IssueRepo               { return issueRepo{t.db} }

// SQLSTATE class 22 codes gorm does not translate itself.
const (
	pgStringTooLong = "22001"
	pgInvalidText   = "22P02"
)

// translate maps gorm errors onto the store sentinels. The DB must be opened with
// TranslateError so that unique violations surface as gorm.ErrDuplicatedKey.
func translate(err error) error {
	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return store.ErrDuplicate
	case errors.Is(err, gorm.ErrCheckConstraintViolated):
		return store.ErrNegativeBalance
	case errors.As(err, &pgErr) && (pgErr.Code == pgStringTooLong || pgErr.Code == pgInvalidText):
		return errors.Join(store.ErrInvalidValue, err)
	}
	return err
}

func first[T any](db *gorm.DB, query string, args ...any) (*T, error) {
	var v T
	if err := db.Where(query, args...).First(&v).Error; err != nil {
		return nil, translate(err)
	}
	return &v, nil
}

// affected converts a zero-row write into ErrNotFound.
func affected(res *gorm.DB) error {
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}
