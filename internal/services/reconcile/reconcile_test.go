package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Windi-Fikriyansyah/escrowd/internal/apperr"
	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/agreement"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/escrow"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/unit"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store/memstore"
)

type fixture struct {
	st       *memstore.Store
	svc      *Service
	admin    models.Actor
	employer models.Actor
	job      *models.Job
	payment  *models.Payment
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	run := unit.NewRunner(st, time.Second)
	ag := agreement.New(run, "USD")
	esc := escrow.New(run, "USD")

	employer := models.Actor{ID: uuid.New(), Role: models.RoleEmployer}
	fl := models.Actor{ID: uuid.New(), Role: models.RoleFreelancer}
	job, err := ag.CreateJob(ctx, employer, agreement.CreateJobInput{Title: "Data pipeline"})
	require.NoError(t, err)
	app, err := ag.Apply(ctx, fl, job.ID, agreement.ApplyInput{CoverLetter: "hey", ExpectedRate: 100})
	require.NoError(t, err)
	_, _, err = ag.AcceptApplication(ctx, employer, job.ID, app.ID)
	require.NoError(t, err)
	p, _, err := esc.Fund(ctx, employer, escrow.FundInput{
		JobID:          job.ID,
		Milestone:      &escrow.MilestoneSpec{Title: "ETL", Amount: 12000, DueDate: time.Now().Add(time.Hour)},
		PaymentMethod:  models.MethodBankTransfer,
		PaymentDetails: escrow.PaymentDetailsInput{AccountNumber: "123456789", BankName: "Bank"},
	})
	require.NoError(t, err)

	return &fixture{
		st:       st,
		svc:      New(run),
		admin:    models.Actor{ID: uuid.New(), Role: models.RoleAdmin},
		employer: employer,
		job:      job,
		payment:  p,
	}
}

func (f *fixture) mutate(t *testing.T, fn func(tx store.Tx) error) {
	t.Helper()
	require.NoError(t, f.st.Atomic(context.Background(), store.JobKey(f.job.ID), fn))
}

func TestCleanJobHasNoIssues(t *testing.T) {
	f := newFixture(t)
	rep, err := f.svc.ReconcileJob(context.Background(), f.admin, f.job.ID, false)
	require.NoError(t, err)
	assert.Empty(t, rep.Issues)
	assert.Equal(t, int64(12000), rep.Ledger.Held)
	assert.Equal(t, rep.Ledger.Held, rep.EscrowBalance)
}

func TestReconcileDetectsAndRepairs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mutate(t, func(tx store.Tx) error {
		if err := tx.Jobs().SetBalances(f.job.ID, 500, 40); err != nil {
			return err
		}
		job, err := tx.Jobs().Get(f.job.ID)
		if err != nil {
			return err
		}
		stale := uuid.New()
		job.FreelancerID = &stale
		return tx.Jobs().Update(job)
	})

	rep, err := f.svc.ReconcileJob(ctx, f.admin, f.job.ID, false)
	require.NoError(t, err)
	kinds := map[models.IssueKind]int{}
	for _, i := range rep.Issues {
		kinds[i.Kind]++
		assert.False(t, i.Resolved)
	}
	assert.Equal(t, map[models.IssueKind]int{models.IssueLedgerMismatch: 1, models.IssueFreelancerMismatch: 1}, kinds)

	rep, err = f.svc.ReconcileJob(ctx, f.admin, f.job.ID, true)
	require.NoError(t, err)
	for _, i := range rep.Issues {
		assert.True(t, i.Resolved)
	}

	rep, err = f.svc.ReconcileJob(ctx, f.admin, f.job.ID, false)
	require.NoError(t, err)
	assert.Empty(t, rep.Issues, "repair brings the job back in line with the ledger")
	assert.Equal(t, int64(12000), rep.EscrowBalance)
	assert.Zero(t, rep.TotalPaid)

	open := false
	issues, err := f.svc.ListIssues(ctx, f.admin, store.IssueFilter{JobID: &f.job.ID, Resolved: &open})
	require.NoError(t, err)
	assert.Len(t, issues, 2)
}

func TestReconcileMilestoneEscrowStatus(t *testing.T) {
	f := newFixture(t)
	f.mutate(t, func(tx store.Tx) error {
		m, err := tx.Milestones().Get(*f.payment.MilestoneID)
		if err != nil {
			return err
		}
		m.EscrowStatus = models.EscrowUnfunded
		return tx.Milestones().Update(m)
	})

	rep, err := f.svc.ReconcileJob(context.Background(), f.admin, f.job.ID, true)
	require.NoError(t, err)
	require.Len(t, rep.Issues, 1)
	assert.Equal(t, *f.payment.MilestoneID, *rep.Issues[0].MilestoneID)

	require.NoError(t, f.st.View(context.Background(), func(tx store.Tx) error {
		m, err := tx.Milestones().Get(*f.payment.MilestoneID)
		require.NoError(t, err)
		assert.Equal(t, models.EscrowFunded, m.EscrowStatus)
		return nil
	}))
}

func TestResolveIssue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mutate(t, func(tx store.Tx) error { return tx.Jobs().SetBalances(f.job.ID, 1, 0) })
	rep, err := f.svc.ReconcileJob(ctx, f.admin, f.job.ID, false)
	require.NoError(t, err)
	require.Len(t, rep.Issues, 1)

	_, err = f.svc.ResolveIssue(ctx, f.employer, rep.Issues[0].ID)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	issue, err := f.svc.ResolveIssue(ctx, f.admin, rep.Issues[0].ID)
	require.NoError(t, err)
	assert.True(t, issue.Resolved)
	assert.Equal(t, f.admin.ID, *issue.ResolvedBy)

	again, err := f.svc.ResolveIssue(ctx, f.admin, rep.Issues[0].ID)
	require.NoError(t, err)
	assert.Equal(t, issue.ResolvedAt, again.ResolvedAt)

	_, err = f.svc.ResolveIssue(ctx, f.admin, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestReconcileRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ReconcileJob(context.Background(), f.employer, f.job.ID, false)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
	_, err = f.svc.ListIssues(context.Background(), f.employer, store.IssueFilter{})
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
}
