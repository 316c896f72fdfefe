package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store/memstore"
)

type fakeSink struct {
	mu        sync.Mutex
	name      string
	failUntil int
	calls     int
	got       []models.OutboxEvent
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Deliver(_ context.Context, e models.OutboxEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return errors.New("sink down")
	}
	f.got = append(f.got, e)
	return nil
}

func enqueueOne(t *testing.T, s store.Store) (uuid.UUID, uuid.UUID) {
	t.Helper()
	recipient, jobID := uuid.New(), uuid.New()
	require.NoError(t, s.Atomic(context.Background(), store.JobKey(jobID), func(tx store.Tx) error {
		return Enqueue(tx, Event{
			Type:        models.EventPaymentReleased,
			RecipientID: recipient,
			JobID:       jobID,
			Title:       "Payment Released",
			Message:     "Payment of 500.00 USD has been released",
			Data:        map[string]any{"amount": 50000},
		}, Event{Type: models.EventWorkSubmitted}) // no recipient: skipped
	}))
	return recipient, jobID
}


func TestRelayDeliversToInboxAndSinks(t *testing.T) {
	s := memstore.New()
	recipient, jobID := enqueueOne(t, s)
	sink := &fakeSink{name: "fake"}

	r := NewRelay(s, []Sink{&InboxSink{Store: s}, sink}, RelayConfig{})
	n, err := r.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, sink.got, 1)
	assert.Equal(t, recipient, sink.got[0].RecipientID)
	assert.Equal(t, jobID, *sink.got[0].JobID)
	assert.JSONEq(t, `{"amount":50000}`, string(sink.got[0].Payload))

	require.NoError(t, s.View(context.Background(), func(tx store.Tx) error {
		inbox, err := tx.Notifications().List(recipient, true, 10)
		require.NoError(t, err)
		require.Len(t, inbox, 1)
		assert.Equal(t, "Payment Released", inbox[0].Title)
		assert.Equal(t, sink.got[0].ID, inbox[0].ID)
		return nil
	}))

	// nothing left to deliver
	n, err = r.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayRetriesWithBackoff(t *testing.T) {
	s := memstore.New()
	enqueueOne(t, s)
	sink := &fakeSink{name: "flaky", failUntil: 1}

	now := time.Now()
	r := NewRelay(s, []Sink{sink}, RelayConfig{BaseBackoff: time.Minute})
	r.now = func() time.Time { return now }

	n, err := r.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, sink.got)

	// not due yet
	n, err = r.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	now = now.Add(2 * time.Minute)
	n, err = r.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, sink.got, 1)
}

func TestRelayGivesUpAndRecordsIssue(t *testing.T) {
	s := memstore.New()
	_, jobID := enqueueOne(t, s)
	sink := &fakeSink{name: "dead", failUntil: 100}

	now := time.Now()
	r := NewRelay(s, []Sink{sink}, RelayConfig{MaxAttempts: 2, BaseBackoff: time.Second})
	r.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := r.Drain(context.Background())
		require.NoError(t, err)
		now = now.Add(time.Hour)
	}
	assert.Equal(t, 2, sink.calls)

	require.NoError(t, s.View(context.Background(), func(tx store.Tx) error {
		issues, err := tx.Issues().List(store.IssueFilter{JobID: &jobID})
		require.NoError(t, err)
		require.Len(t, issues, 1)
		assert.Equal(t, models.IssueDeliveryFailed, issues[0].Kind)
		assert.Contains(t, issues[0].Detail, "dead: sink down")
		return nil
	}))
}

func TestBackoffIsCapped(t *testing.T) {
	r := NewRelay(memstore.New(), nil, RelayConfig{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second})
	assert.Equal(t, time.Second, r.backoff(1))
	assert.Equal(t, 2*time.Second, r.backoff(2))
	assert.Equal(t, 8*time.Second, r.backoff(4))
	assert.Equal(t, 10*time.Second, r.backoff(9))
}

func TestRelayRetriesOnlyFailedSinks(t *testing.T) {
	s := memstore.New()
	enqueueOne(t, s)
	steady := &fakeSink{name: "steady"}
	flaky := &fakeSink{name: "flaky", failUntil: 1}

	now := time.Now()
	r := NewRelay(s, []Sink{steady, flaky}, RelayConfig{BaseBackoff: time.Minute})
	r.now = func() time.Time { return now }

	_, err := r.Drain(context.Background())
	require.NoError(t, err)
	assert.Len(t, steady.got, 1)
	assert.Empty(t, flaky.got)

	now = now.Add(2 * time.Minute)
	n, err := r.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, steady.calls)
	assert.Len(t, flaky.got, 1)

	// settled
	now = now.Add(time.Hour)
	n, err = r.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
