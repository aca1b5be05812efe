package validation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Repository persists validation requests. Requests are never deleted.
type Repository interface {
	Create(ctx context.Context, req Request) error
	Get(ctx context.Context, id string) (Request, error)
	List(ctx context.Context, filter Filter) ([]Request, error)
	// Transition applies update to the request if its status is still from.
	// Implementations must call ApplyTransition so the state machine rules
	// hold for every backend.
	Transition(ctx context.Context, id string, from Status, update func(*Request)) (Request, error)
	CountByStatus(ctx context.Context, status Status) (int, error)
}

// ApplyTransition is the compare-and-set core shared by repositories. It
// refuses to leave a terminal state, rejects illegal status changes and keeps
// CompletedAt in step with terminality.
func ApplyTransition(current Request, from Status, update func(*Request), now time.Time) (Request, error) {
	if current.Status.Terminal() {
		return current, fmt.Errorf("%w: %s is %s", ErrTerminal, current.ID, current.Status)
	}
	if current.Status != from {
		return current, fmt.Errorf("%w: %s is %s, expected %s", ErrConflict, current.ID, current.Status, from)
	}

	next := current
	next.ExpectedFields = append([]string(nil), current.ExpectedFields...)
	if update != nil {
		update(&next)
	}
	next.ID = current.ID

	if next.Status != current.Status && !current.Status.CanTransition(next.Status) {
		return current, fmt.Errorf("illegal transition %s -> %s for %s", current.Status, next.Status, current.ID)
	}
	if next.Status == StatusRunning && next.StartedAt == nil {
		next.StartedAt = timePtr(now)
	}
	if next.Status.Terminal() {
		if next.CompletedAt == nil {
			next.CompletedAt = timePtr(now)
		}
	} else {
		next.CompletedAt = nil
	}
	if next.Status != StatusFailed {
		next.DiagnosticRef = ""
	}
	return next, nil
}

func timePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}

// MemoryRepository keeps requests in process memory. It is used by the
// one-shot run command and by tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	requests map[string]Request
	now      func() time.Time
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		requests: make(map[string]Request),
		now:      time.Now,
	}
}

func (r *MemoryRepository) Create(_ context.Context, req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.requests[req.ID]; exists {
		return fmt.Errorf("validation request %s already exists", req.ID)
	}
	r.requests[req.ID] = cloneRequest(req)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.requests[id]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneRequest(req), nil
}

func (r *MemoryRepository) List(_ context.Context, filter Filter) ([]Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Request, 0, len(r.requests))
	for _, req := range r.requests {
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		out = append(out, cloneRequest(req))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (r *MemoryRepository) Transition(_ context.Context, id string, from Status, update func(*Request)) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.requests[id]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next, err := ApplyTransition(cloneRequest(current), from, update, r.now())
	if err != nil {
		return cloneRequest(current), err
	}
	r.requests[id] = next
	return cloneRequest(next), nil
}

func (r *MemoryRepository) CountByStatus(_ context.Context, status Status) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, req := range r.requests {
		if req.Status == status {
			count++
		}
	}
	return count, nil
}

func cloneRequest(req Request) Request {
	req.ExpectedFields = append([]string(nil), req.ExpectedFields...)
	if req.Verdict != nil {
		v := *req.Verdict
		req.Verdict = &v
	}
	return req
}
