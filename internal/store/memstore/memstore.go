// Package memstore is an in-process store.Store. Each unit of work stages its writes
// and commits them only when the callback returns nil.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store"
)

type Store struct {
	mu    sync.RWMutex
	locks keyLocks

	jobs          map[uuid.UUID]models.Job
	applications  map[uuid.UUID]models.Application
	milestones    map[uuid.UUID]models.Milestone
	payments      map[uuid.UUID]models.Payment
	reviews       map[uuid.UUID]models.Review
	outbox        map[uuid.UUID]models.OutboxEvent
	notifications map[uuid.UUID]models.Notification
	issues        map[uuid.UUID]models.ReconciliationIssue

	faultMu sync.Mutex
	faults  map[string]error

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		locks:         keyLocks{m: map[string]chan struct{}{}},
		jobs:          map[uuid.UUID]models.Job{},
		applications:  map[uuid.UUID]models.Application{},
		milestones:    map[uuid.UUID]models.Milestone{},
		payments:      map[uuid.UUID]models.Payment{},
		reviews:       map[uuid.UUID]models.Review{},
		outbox:        map[uuid.UUID]models.OutboxEvent{},
		notifications: map[uuid.UUID]models.Notification{},
		issues:        map[uuid.UUID]models.ReconciliationIssue{},
		faults:        map[string]error{},
		now:           time.Now,
	}
}

// FailNext makes the next call of op (for example "payments.update") return err.
func (s *Store) FailNext(op string, err error) {
	s.faultMu.Lock()
	s.faults[op] = err
	s.faultMu.Unlock()
}

func (s *Store) fault(op string) error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	err, ok := s.faults[op]
	if ok {
		delete(s.faults, op)
	}
	return err
}

func (s *Store) Atomic(ctx context.Context, key string, fn func(tx store.Tx) error) error {
	release, err := s.locks.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	t := s.begin()
	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	t.commit()
	s.mu.Unlock()
	return nil
}

func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(s.begin())
}

func (s *Store) begin() *tx {
	return &tx{
		s:             s,
		jobs:          newStaged(&s.mu, s.jobs, cloneJob),
		applications:  newStaged(&s.mu, s.applications, identity[models.Application]),
		milestones:    newStaged(&s.mu, s.milestones, cloneMilestone),
		payments:      newStaged(&s.mu, s.payments, identity[models.Payment]),
		reviews:       newStaged(&s.mu, s.reviews, identity[models.Review]),
		outbox:        newStaged(&s.mu, s.outbox, cloneOutbox),
		notifications: newStaged(&s.mu, s.notifications, identity[models.Notification]),
		issues:        newStaged(&s.mu, s.issues, cloneIssue),
	}
}

type keyLocks struct {
	mu sync.Mutex
	m  map[string]chan struct{}
}

func (k *keyLocks) acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	ch, ok := k.m[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.m[key] = ch
	}
	k.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// staged overlays uncommitted writes on a committed table.
type staged[T any] struct {
	mu    *sync.RWMutex
	base  map[uuid.UUID]T
	puts  map[uuid.UUID]T
	dels  map[uuid.UUID]struct{}
	clone func(T) T
}

func newStaged[T any](mu *sync.RWMutex, base map[uuid.UUID]T, clone func(T) T) *staged[T] {
	return &staged[T]{mu: mu, base: base, puts: map[uuid.UUID]T{}, dels: map[uuid.UUID]struct{}{}, clone: clone}
}

func (t *staged[T]) get(id uuid.UUID) (T, bool) {
	var zero T
	if _, gone := t.dels[id]; gone {
		return zero, false
	}
	if v, ok := t.puts[id]; ok {
		return t.clone(v), true
	}
	t.mu.RLock()
	v, ok := t.base[id]
	t.mu.RUnlock()
	if !ok {
		return zero, false
	}
	return t.clone(v), true
}

func (t *staged[T]) put(id uuid.UUID, v T) {
	delete(t.dels, id)
	t.puts[id] = t.clone(v)
}

func (t *staged[T]) del(id uuid.UUID) {
	delete(t.puts, id)
	t.dels[id] = struct{}{}
}

// filter returns copies of every visible row that matches keep.
func (t *staged[T]) filter(keep func(*T) bool) []T {
	var out []T
	t.mu.RLock()
	for id, v := range t.base {
		if _, gone := t.dels[id]; gone {
			continue
		}
		if _, shadowed := t.puts[id]; shadowed {
			continue
		}
		if keep(&v) {
			out = append(out, t.clone(v))
		}
	}
	t.mu.RUnlock()
	for _, v := range t.puts {
		if keep(&v) {
			out = append(out, t.clone(v))
		}
	}
	return out
}

// commit must be called with mu held for writing.
func (t *staged[T]) commit() {
	for id := range t.dels {
		delete(t.base, id)
	}
	for id, v := range t.puts {
		t.base[id] = v
	}
}

func identity[T any](v T) T { return v }

func cloneJob(j models.Job) models.Job {
	if j.FreelancerID != nil {
		id := *j.FreelancerID
		j.FreelancerID = &id
	}
	return j
}

func cloneMilestone(m models.Milestone) models.Milestone {
	if m.Submission.Files != nil {
		files := make([]models.SubmissionFile, len(m.Submission.Files))
		copy(files, m.Submission.Files)
		m.Submission.Files = files
	}
	return m
}

func cloneOutbox(e models.OutboxEvent) models.OutboxEvent {
	if e.Payload != nil {
		e.Payload = append([]byte(nil), e.Payload...)
	}
	if e.Delivered != nil {
		e.Delivered = append([]string(nil), e.Delivered...)
	}
	return e
}

func cloneIssue(i models.ReconciliationIssue) models.ReconciliationIssue {
	if i.Data != nil {
		i.Data = append([]byte(nil), i.Data...)
	}
	return i
}

func sortBy[T any](rows []T, less func(a, b *T) bool) {
	sort.SliceStable(rows, func(i, j int) bool { return less(&rows[i], &rows[j]) })
}

func limit[T any](rows []T, n int) []T {
	if n > 0 && len(rows) > n {
		return rows[:n]
	}
	return rows
}
