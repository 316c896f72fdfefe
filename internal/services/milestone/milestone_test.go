package milestone

import (
	"context"
	"errors"
	"sync"
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

var now = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type fixture struct {
	st         *memstore.Store
	svc        *Service
	esc        *escrow.Service
	employer   models.Actor
	freelancer models.Actor
	admin      models.Actor
	job        *models.Job
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	run := unit.NewRunner(st, time.Second)
	run.Now = func() time.Time { return now }
	ag := agreement.New(run, "USD")
	esc := escrow.New(run, "USD")

	f := &fixture{
		st:         st,
		svc:        New(run, esc),
		esc:        esc,
		employer:   models.Actor{ID: uuid.New(), Role: models.RoleEmployer},
		freelancer: models.Actor{ID: uuid.New(), Role: models.RoleFreelancer},
		admin:      models.Actor{ID: uuid.New(), Role: models.RoleAdmin},
	}
	job, err := ag.CreateJob(ctx, f.employer, agreement.CreateJobInput{Title: "Landing page"})
	require.NoError(t, err)
	app, err := ag.Apply(ctx, f.freelancer, job.ID, agreement.ApplyInput{CoverLetter: "hi", ExpectedRate: 5000})
	require.NoError(t, err)
	_, f.job, err = ag.AcceptApplication(ctx, f.employer, job.ID, app.ID)
	require.NoError(t, err)
	return f
}

func (f *fixture) fund(t *testing.T, title string, amount int64) *models.Milestone {
	t.Helper()
	_, m, err := f.esc.Fund(context.Background(), f.employer, escrow.FundInput{
		JobID:         f.job.ID,
		Milestone:     &escrow.MilestoneSpec{Title: title, Amount: amount, DueDate: now.Add(48 * time.Hour)},
		PaymentMethod: models.MethodCard,
		PaymentDetails: escrow.PaymentDetailsInput{
			CardNumber: "4111111111111111", CardBrand: "visa", ExpiryMonth: 1, ExpiryYear: 2029,
		},
	})
	require.NoError(t, err)
	return m
}

func (f *fixture) submit(t *testing.T, id uuid.UUID, files ...models.SubmissionFile) *View {
	t.Helper()
	v, err := f.svc.Submit(context.Background(), f.freelancer, id, SubmitInput{Description: "first cut", Files: files})
	require.NoError(t, err)
	return v
}

func (f *fixture) approve(t *testing.T, id uuid.UUID) *ReviewResult {
	t.Helper()
	res, err := f.svc.Review(context.Background(), f.employer, id, ReviewInput{Decision: models.ReviewApproved})
	require.NoError(t, err)
	return res
}

func (f *fixture) jobState(t *testing.T) *models.Job {
	t.Helper()
	var job *models.Job
	require.NoError(t, f.st.View(context.Background(), func(tx store.Tx) error {
		var err error
		job, err = tx.Jobs().Get(f.job.ID)
		return err
	}))
	return job
}

func (f *fixture) issues(t *testing.T) []models.ReconciliationIssue {
	t.Helper()
	var out []models.ReconciliationIssue
	require.NoError(t, f.st.View(context.Background(), func(tx store.Tx) error {
		var err error
		out, err = tx.Issues().List(store.IssueFilter{JobID: &f.job.ID})
		return err
	}))
	return out
}

func code(err error) string {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

func file(name string) models.SubmissionFile {
	return models.SubmissionFile{Filename: name, OriginalName: name, Path: "/uploads/" + name, Size: 2048, MimeType: "application/octet-stream"}
}

func TestFundSubmitApproveReleases(t *testing.T) {
	f := newFixture(t)
	m := f.fund(t, "Build", 50000)
	assert.Equal(t, int64(50000), f.jobState(t).EscrowBalance)

	v := f.submit(t, m.ID, file("build.zip"))
	assert.Equal(t, models.MilestoneInProgress, v.Status)
	assert.Equal(t, models.ReviewPending, v.Submission.ReviewStatus)

	res := f.approve(t, m.ID)
	assert.Empty(t, res.ReleaseError)
	assert.Equal(t, models.MilestoneCompleted, res.Milestone.Status)
	assert.Equal(t, models.EscrowReleased, res.Milestone.EscrowStatus)
	require.NotNil(t, res.Payment)
	assert.Equal(t, models.PaymentReleased, res.Payment.Status)

	job := f.jobState(t)
	assert.Zero(t, job.EscrowBalance)
	assert.Equal(t, int64(50000), job.TotalPaid)
	assert.Equal(t, 100, job.Progress)
}

func TestPartialApprovalProgress(t *testing.T) {
	f := newFixture(t)
	first := f.fund(t, "Backend", 30000)
	f.fund(t, "Frontend", 20000)

	f.submit(t, first.ID)
	f.approve(t, first.ID)

	job := f.jobState(t)
	assert.Equal(t, 50, job.Progress)
	assert.Equal(t, int64(20000), job.EscrowBalance)
	assert.Equal(t, int64(30000), job.TotalPaid)
}

func TestRejectKeepsMilestoneInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.fund(t, "Tests", 10000)
	f.submit(t, m.ID)

	_, err := f.svc.Review(ctx, f.employer, m.ID, ReviewInput{Decision: models.ReviewRejected, Comment: "  "})
	assert.Equal(t, apperr.CodeMissingComment, code(err))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	res, err := f.svc.Review(ctx, f.employer, m.ID, ReviewInput{Decision: models.ReviewRejected, Comment: "needs tests"})
	require.NoError(t, err)
	assert.Equal(t, models.MilestoneInProgress, res.Milestone.Status)
	assert.Equal(t, models.ReviewRejected, res.Milestone.Submission.ReviewStatus)
	assert.Equal(t, "needs tests", res.Milestone.Submission.ReviewComment)
	assert.Nil(t, res.Payment)

	job := f.jobState(t)
	assert.Equal(t, int64(10000), job.EscrowBalance)
	assert.Zero(t, job.TotalPaid)

	_, err = f.svc.Review(ctx, f.employer, m.ID, ReviewInput{Decision: models.ReviewApproved})
	assert.Equal(t, apperr.CodeAlreadyReviewed, code(err), "a rejected submission needs a resubmission first")

	f.submit(t, m.ID)
	f.approve(t, m.ID)
	assert.Equal(t, int64(10000), f.jobState(t).TotalPaid)
}

func TestDeleteFundedMilestoneConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.fund(t, "Audit", 7000)

	err := f.svc.Delete(ctx, f.employer, m.ID)
	assert.Equal(t, apperr.CodeAlreadyFunded, code(err))
	assert.ErrorIs(t, err, apperr.ErrConflict)

	got, err := f.svc.Get(ctx, f.employer, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowFunded, got.EscrowStatus)
	assert.Equal(t, int64(7000), f.jobState(t).EscrowBalance)
}

func TestDeleteUnfundedRecomputesProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	done, err := f.svc.Create(ctx, f.employer, CreateInput{JobID: f.job.ID, Title: "Kickoff", DueDate: now.Add(time.Hour)})
	require.NoError(t, err)
	extra, err := f.svc.Create(ctx, f.employer, CreateInput{JobID: f.job.ID, Title: "Extra", DueDate: now.Add(time.Hour)})
	require.NoError(t, err)

	_, err = f.svc.UpdateStatus(ctx, f.freelancer, done.ID, models.MilestoneInProgress)
	require.NoError(t, err)
	_, err = f.svc.UpdateStatus(ctx, f.employer, done.ID, models.MilestoneCompleted)
	require.NoError(t, err)
	assert.Equal(t, 50, f.jobState(t).Progress)

	err = f.svc.Delete(ctx, f.freelancer, extra.ID)
	assert.Equal(t, apperr.CodeNotOwner, code(err))

	require.NoError(t, f.svc.Delete(ctx, f.employer, extra.ID))
	assert.Equal(t, 100, f.jobState(t).Progress)

	_, err = f.svc.Get(ctx, f.employer, extra.ID)
	assert.Equal(t, apperr.CodeMilestoneNotFound, code(err))
}

func TestStatusTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.fund(t, "Design", 9000)

	_, err := f.svc.UpdateStatus(ctx, f.employer, m.ID, models.MilestoneInProgress)
	assert.Equal(t, apperr.CodeInvalidTransition, code(err), "only the freelancer starts work")

	_, err = f.svc.UpdateStatus(ctx, f.freelancer, m.ID, models.MilestoneCompleted)
	assert.Equal(t, apperr.CodeInvalidTransition, code(err))

	v, err := f.svc.UpdateStatus(ctx, f.freelancer, m.ID, models.MilestoneInProgress)
	require.NoError(t, err)
	assert.Equal(t, models.MilestoneInProgress, v.Status)

	// Funded work completes only through an approved submission.
	_, err = f.svc.UpdateStatus(ctx, f.employer, m.ID, models.MilestoneCompleted)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.CodeInvalidTransition, ae.Code)
	assert.Equal(t, "in-progress", ae.Details["from"])
	assert.Equal(t, "completed", ae.Details["to"])
	assert.Equal(t, 400, ae.HTTPStatus())

	_, err = f.svc.UpdateStatus(ctx, f.employer, m.ID, models.MilestoneOverdue)
	assert.Equal(t, apperr.CodeInvalidTransition, code(err))

	stranger := models.Actor{ID: uuid.New(), Role: models.RoleFreelancer}
	_, err = f.svc.UpdateStatus(ctx, stranger, m.ID, models.MilestoneInProgress)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
}

func TestSubmitRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.fund(t, "Docs", 1000)

	_, err := f.svc.Submit(ctx, f.freelancer, m.ID, SubmitInput{Description: " "})
	assert.Equal(t, apperr.CodeMissingDescription, code(err))

	_, err = f.svc.Submit(ctx, f.employer, m.ID, SubmitInput{Description: "x"})
	assert.Equal(t, apperr.CodeNotAssignedFreelancer, code(err))

	_, err = f.svc.Submit(ctx, f.freelancer, m.ID, SubmitInput{Description: "x", Files: []models.SubmissionFile{file("run.exe")}})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	big := file("big.pdf")
	big.Size = MaxFileSize + 1
	_, err = f.svc.Submit(ctx, f.freelancer, m.ID, SubmitInput{Description: "x", Files: []models.SubmissionFile{big}})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	six := []models.SubmissionFile{file("a.pdf"), file("b.pdf"), file("c.pdf"), file("d.pdf"), file("e.pdf"), file("f.pdf")}
	_, err = f.svc.Submit(ctx, f.freelancer, m.ID, SubmitInput{Description: "x", Files: six})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	f.submit(t, m.ID, file("brief.pdf"))
	v := f.submit(t, m.ID, file("brief.pdf"), file("notes.txt"))
	assert.Len(t, v.Submission.Files, 2, "files accumulate without duplicating a retried path")
	require.NotNil(t, v.Submission.UpdatedAt)
	assert.Equal(t, f.freelancer.ID, *v.Submission.SubmittedBy)

	f.approve(t, m.ID)
	_, err = f.svc.Submit(ctx, f.freelancer, m.ID, SubmitInput{Description: "late"})
	assert.Equal(t, apperr.CodeInvalidTransition, code(err))
}

func TestReviewRequiresSubmissionAndOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.fund(t, "QA", 1000)

	_, err := f.svc.Review(ctx, f.employer, m.ID, ReviewInput{Decision: models.ReviewApproved})
	assert.Equal(t, apperr.CodeNoSubmission, code(err))

	f.submit(t, m.ID)
	_, err = f.svc.Review(ctx, f.freelancer, m.ID, ReviewInput{Decision: models.ReviewApproved})
	assert.Equal(t, apperr.CodeNotOwner, code(err))

	_, err = f.svc.Review(ctx, f.employer, m.ID, ReviewInput{Decision: "maybe"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestReleaseFailureKeepsApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.fund(t, "Deploy", 25000)
	f.submit(t, m.ID)

	f.st.FailNext("payments.update", errors.New("db connection lost"))
	res := f.approve(t, m.ID)
	assert.NotEmpty(t, res.ReleaseError)
	assert.Equal(t, models.MilestoneCompleted, res.Milestone.Status)
	assert.Equal(t, models.ReviewApproved, res.Milestone.Submission.ReviewStatus)
	assert.Equal(t, models.EscrowFunded, res.Milestone.EscrowStatus)

	job := f.jobState(t)
	assert.Equal(t, int64(25000), job.EscrowBalance)
	assert.Equal(t, 100, job.Progress)

	issues := f.issues(t)
	require.Len(t, issues, 1)
	assert.Equal(t, models.IssueReleaseFailed, issues[0].Kind)
	assert.Equal(t, m.ID, *issues[0].MilestoneID)

	_, err := f.svc.RetryRelease(ctx, f.employer, m.ID)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	p, err := f.svc.RetryRelease(ctx, f.admin, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentReleased, p.Status)

	// Approving again is safe and does not pay twice.
	again := f.approve(t, m.ID)
	assert.Empty(t, again.ReleaseError)
	job = f.jobState(t)
	assert.Zero(t, job.EscrowBalance)
	assert.Equal(t, int64(25000), job.TotalPaid)
}

func TestConcurrentApprovalsReleaseOnce(t *testing.T) {
	f := newFixture(t)
	m := f.fund(t, "Launch", 40000)
	f.submit(t, m.ID)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Review(context.Background(), f.employer, m.ID, ReviewInput{Decision: models.ReviewApproved})
		}()
	}
	wg.Wait()

	job := f.jobState(t)
	assert.Zero(t, job.EscrowBalance)
	assert.Equal(t, int64(40000), job.TotalPaid)
}

func TestListLabelsOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Create(ctx, f.employer, CreateInput{JobID: f.job.ID, Title: "Late", DueDate: now.Add(-time.Hour)})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, f.employer, CreateInput{JobID: f.job.ID, Title: "Soon", DueDate: now.Add(time.Hour)})
	require.NoError(t, err)

	list, err := f.svc.List(ctx, f.freelancer, f.job.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Late", list[0].Title)
	assert.Equal(t, models.MilestoneOverdue, list[0].DisplayStatus)
	assert.Equal(t, models.MilestonePending, list[0].Status, "overdue is never stored")
	assert.Equal(t, models.MilestonePending, list[1].DisplayStatus)

	_, err = f.svc.Create(ctx, f.employer, CreateInput{JobID: f.job.ID, Title: "Bad", Currency: "EUR", DueDate: now})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.Create(ctx, f.freelancer, CreateInput{JobID: f.job.ID, Title: "Nope", DueDate: now})
	assert.Equal(t, apperr.CodeNotOwner, code(err))
}

func TestMergeFiles(t *testing.T) {
	a, b := file("a.pdf"), file("b.pdf")
	a2 := a
	a2.Size = 99
	got := mergeFiles([]models.SubmissionFile{a, b}, []models.SubmissionFile{a2})
	assert.Equal(t, []models.SubmissionFile{a2, b}, got)
}

// submittedEvents drains the outbox and counts work_submitted events.
func (f *fixture) submittedEvents(t *testing.T) int {
	t.Helper()
	var events []models.OutboxEvent
	require.NoError(t, f.st.Atomic(context.Background(), store.OutboxKey, func(tx store.Tx) error {
		var err error
		events, err = tx.Outbox().Claim(time.Now().Add(time.Hour), time.Time{}, 1000)
		return err
	}))
	n := 0
	for _, e := range events {
		if e.Type == models.EventWorkSubmitted {
			n++
		}
	}
	return n
}

func TestRetriedSubmissionChangesNothing(t *testing.T) {
	f := newFixture(t)
	m := f.fund(t, "Report", 1000)

	first := f.submit(t, m.ID, file("report.pdf"))
	require.Equal(t, 1, f.submittedEvents(t))

	f.svc.run.Now = func() time.Time { return now.Add(time.Minute) }
	again := f.submit(t, m.ID, file("report.pdf"))
	assert.Equal(t, *first.Submission.SubmittedAt, *again.Submission.SubmittedAt)
	assert.Nil(t, again.Submission.UpdatedAt)
	assert.Len(t, again.Submission.Files, 1)
	assert.Zero(t, f.submittedEvents(t), "a retry enqueues no second notification")

	changed := f.submit(t, m.ID, file("report.pdf"), file("appendix.pdf"))
	assert.Equal(t, now.Add(time.Minute), *changed.Submission.SubmittedAt)
	assert.Len(t, changed.Submission.Files, 2)
	assert.Equal(t, 1, f.submittedEvents(t))
}

func TestResubmissionAfterRejectionClearsComment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.fund(t, "Tests", 1000)
	f.submit(t, m.ID)

	_, err := f.svc.Review(ctx, f.employer, m.ID, ReviewInput{Decision: models.ReviewRejected, Comment: "needs tests"})
	require.NoError(t, err)

	// same content as the rejected submission still counts as a new one
	v := f.submit(t, m.ID)
	assert.Equal(t, models.ReviewPending, v.Submission.ReviewStatus)
	assert.Empty(t, v.Submission.ReviewComment)
	assert.Nil(t, v.Submission.ReviewedAt)
	assert.Nil(t, v.Submission.ReviewedBy)
}
