package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store"
)

type RelayConfig struct {
	// BatchSize is how many events one claim takes.
	BatchSize int

	// PollInterval is the sleep between empty polls.
	PollInterval time.Duration

	// MaxAttempts before an event is marked failed and reported.
	MaxAttempts int

	// BaseBackoff is doubled per attempt up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// ClaimTimeout is how long a claimed event may stay in processing before
	// another relay may take it over.
	ClaimTimeout time.Duration

	// MaxConcurrency bounds concurrent deliveries within one batch.
	MaxConcurrency int
}

func (c *RelayConfig) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 2 * time.Minute
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 5
	}
}

// Relay drains the outbox: claim a batch, deliver each event to every sink, then
// record the outcome so the database stays the source of truth for retries.
type Relay struct {
	store store.Store
	sinks []Sink
	cfg   RelayConfig
	now   func() time.Time
	log   *slog.Logger
}

func NewRelay(s store.Store, sinks []Sink, cfg RelayConfig) *Relay {
	cfg.defaults()
	return &Relay{store: s, sinks: sinks, cfg: cfg, now: time.Now, log: slog.Default().With("component", "outbox_relay")}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	names := make([]string, len(r.sinks))
	for i, s := range r.sinks {
		names[i] = s.Name()
	}
	r.log.Info("relay starting", "sinks", strings.Join(names, ","), "batch", r.cfg.BatchSize)
	defer r.log.Info("relay stopped")

	for {
		n, err := r.Drain(ctx)
		if err != nil && ctx.Err() == nil {
			r.log.Warn("relay batch failed", "error", err)
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// Drain claims and processes one batch, returning how many events it handled.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	now := r.now()
	var batch []models.OutboxEvent
	err := r.store.Atomic(ctx, store.OutboxKey, func(tx store.Tx) error {
		var err error
		batch, err = tx.Outbox().Claim(now, now.Add(-r.cfg.ClaimTimeout), r.cfg.BatchSize)
		return err
	})
	if err != nil || len(batch) == 0 {
		return 0, err
	}

	sem := make(chan struct{}, r.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	for i := range batch {
		sem <- struct{}{}
		wg.Add(1)
		go func(e models.OutboxEvent) {
			defer func() {
				<-sem
				wg.Done()
			}()
			r.process(ctx, e)
		}(batch[i])
	}
	wg.Wait()
	return len(batch), nil
}

func (r *Relay) process(ctx context.Context, e models.OutboxEvent) {
	var errs []error
	delivered := append([]string(nil), e.Delivered...)
	for _, s := range r.sinks {
		if e.DeliveredTo(s.Name()) {
			continue
		}
		if err := s.Deliver(ctx, e); err != nil {
			errs = append(errs, errors.New(s.Name()+": "+err.Error()))
			continue
		}
		delivered = append(delivered, s.Name())
	}

	log := r.log.With("event_id", e.ID.String(), "event_type", string(e.Type))
	// outcome writes survive shutdown so a finished delivery is not redone
	outCtx := context.WithoutCancel(ctx)

	if len(errs) == 0 {
		if err := r.mark(outCtx, func(o store.OutboxRepo) error { return o.MarkSent(e.ID, r.now()) }); err != nil {
			log.Error("mark sent failed", "error", err)
		}
		return
	}

	cause := errors.Join(errs...).Error()
	attempts := e.Attempts + 1
	if attempts >= r.cfg.MaxAttempts {
		log.Error("notification undeliverable", "attempts", attempts, "error", cause)
		if err := r.mark(outCtx, func(o store.OutboxRepo) error { return o.MarkFailed(e.ID, attempts, cause) }); err != nil {
			log.Error("mark failed failed", "error", err)
		}
		r.reportUndeliverable(outCtx, e, cause)
		return
	}

	next := r.now().Add(r.backoff(attempts))
	log.Warn("notification delivery failed, will retry", "attempts", attempts, "next_attempt_at", next, "error", cause)
	if err := r.mark(outCtx, func(o store.OutboxRepo) error { return o.MarkRetry(e.ID, attempts, next, cause, delivered) }); err != nil {
		log.Error("mark retry failed", "error", err)
	}
}

func (r *Relay) mark(ctx context.Context, fn func(store.OutboxRepo) error) error {
	return r.store.Atomic(ctx, store.OutboxKey, func(tx store.Tx) error { return fn(tx.Outbox()) })
}

func (r *Relay) backoff(attempts int) time.Duration {
	d := r.cfg.BaseBackoff
	for i := 1; i < attempts && d < r.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > r.cfg.MaxBackoff {
		d = r.cfg.MaxBackoff
	}
	return d
}

func (r *Relay) reportUndeliverable(ctx context.Context, e models.OutboxEvent, cause string) {
	data, _ := json.Marshal(map[string]any{"event_id": e.ID.String(), "recipient_id": e.RecipientID.String(), "attempts": e.Attempts + 1})
	issue := models.ReconciliationIssue{
		Kind:        models.IssueDeliveryFailed,
		JobID:       e.JobID,
		MilestoneID: e.MilestoneID,
		Detail:      "notification " + string(e.Type) + " undeliverable: " + cause,
		Data:        data,
	}
	err := r.store.Atomic(ctx, store.IssueKey, func(tx store.Tx) error {
		return tx.Issues().Create(&issue)
	})
	if err != nil {
		r.log.Error("record delivery issue failed", "event_id", e.ID.String(), "error", err)
	}
}
