// Package unit runs service operations as bounded units of work and maps storage
// failures onto the error taxonomy.
package unit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Windi-Fikriyansyah/escrowd/internal/apperr"
	"github.com/Windi-Fikriyansyah/escrowd/internal/logger"
	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store"
)

const DefaultTimeout = 5 * time.Second

type Runner struct {
	Store   store.Store
	Timeout time.Duration
	Now     func() time.Time
}

func NewRunner(s store.Store, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{Store: s, Timeout: timeout, Now: time.Now}
}

func (r *Runner) Clock() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// Atomic runs fn under key with the operation deadline applied.
func (r *Runner) Atomic(ctx context.Context, key string, fn func(tx store.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	return Storage(r.Store.Atomic(ctx, key, fn))
}

func (r *Runner) View(ctx context.Context, fn func(tx store.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	return Storage(r.Store.View(ctx, fn))
}

// Storage passes taxonomy errors through and classifies everything else. Anything
// that is not a known store outcome is treated as a transient downstream failure.
func Storage(err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	switch {
	case errors.As(err, &ae):
		return err
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound("", "record not found")
	case errors.Is(err, store.ErrDuplicate):
		return apperr.Conflict("", "record already exists")
	case errors.Is(err, store.ErrInvalidValue):
		return apperr.Validation("", "a value is too long or malformed")
	case errors.Is(err, store.ErrNegativeBalance):
		return apperr.LedgerInconsistency("balance would go negative", err)
	}
	return apperr.Downstream(err)
}

// NotFoundAs maps store.ErrNotFound to a specific not-found error and leaves other
// errors alone.
func NotFoundAs(err error, code, message string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(code, message)
	}
	return err
}

// RecordIssue writes a reconciliation issue in its own unit. It runs detached from
// the caller's cancellation and never fails the caller; a failure here is logged.
func (r *Runner) RecordIssue(ctx context.Context, issue models.ReconciliationIssue, data any) {
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			issue.Data = raw
		}
	}
	detached := context.WithoutCancel(ctx)
	err := r.Atomic(detached, store.IssueKey, func(tx store.Tx) error {
		return tx.Issues().Create(&issue)
	})
	log := logger.WithContext(ctx).With("issue_kind", issue.Kind, "detail", issue.Detail)
	if issue.JobID != nil {
		log = log.With("job_id", issue.JobID.String())
	}
	if issue.PaymentID != nil {
		log = log.With("payment_id", issue.PaymentID.String())
	}
	if err != nil {
		log.Error("failed to record reconciliation issue", "error", err)
		return
	}
	log.Warn("reconciliation issue recorded", "issue_id", issue.ID.String())
}
