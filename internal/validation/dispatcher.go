package validation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cochaviz/tavalid/internal/logging"
)

// Dispatcher turns admission denials into delayed retries. It keeps one
// pending timer per QUEUED request and nothing else, so its state can be
// rebuilt from the repository with Resume.
type Dispatcher struct {
	coord  *Coordinator
	delay  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

func NewDispatcher(coord *Coordinator, delay time.Duration, logger *slog.Logger) *Dispatcher {
	if delay <= 0 {
		delay = coord.RetryDelay()
	}
	return &Dispatcher{
		coord:   coord,
		delay:   delay,
		logger:  logging.Ensure(logger).With("component", "dispatcher"),
		pending: make(map[string]*time.Timer),
	}
}

// Enqueue tries to start id right away. On denial a retry is scheduled and
// the *AdmissionDeniedError is returned so callers can surface the busy
// signal; any other error means no retry will happen.
func (d *Dispatcher) Enqueue(ctx context.Context, id string) error {
	err := d.coord.Start(ctx, id)
	if IsDenied(err) {
		d.schedule(id)
	}
	return err
}

// Submit records a request and enqueues it. A denial is not an error here:
// the request is returned QUEUED with a retry scheduled.
func (d *Dispatcher) Submit(ctx context.Context, in SubmitRequest) (Request, error) {
	req, err := d.coord.Submit(ctx, in)
	if err != nil {
		return Request{}, err
	}
	if err := d.Enqueue(ctx, req.ID); err != nil && !IsDenied(err) {
		return req, err
	}
	return d.coord.Get(ctx, req.ID)
}

// Resume enqueues every request still QUEUED in the repository, e.g. after a
// restart.
func (d *Dispatcher) Resume(ctx context.Context) (int, error) {
	queued, err := d.coord.List(ctx, Filter{Status: StatusQueued})
	if err != nil {
		return 0, err
	}
	for _, req := range queued {
		if err := d.Enqueue(ctx, req.ID); err != nil && !IsDenied(err) {
			d.logger.Warn("failed to resume queued request", "request_id", req.ID, "error", err)
		}
	}
	return len(queued), nil
}

// Pending lists requests waiting for a retry.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close stops every pending retry.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id, timer := range d.pending {
		timer.Stop()
		delete(d.pending, id)
	}
}

func (d *Dispatcher) schedule(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if _, ok := d.pending[id]; ok {
		return
	}
	d.logger.Debug("admission denied, retry scheduled", "request_id", id, "delay", d.delay)
	d.pending[id] = time.AfterFunc(d.delay, func() { d.retry(id) })
}

func (d *Dispatcher) retry(id string) {
	d.mu.Lock()
	delete(d.pending, id)
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}

	err := d.Enqueue(context.Background(), id)
	switch {
	case err == nil:
		d.logger.Debug("queued request admitted on retry", "request_id", id)
	case IsDenied(err):
	case errors.Is(err, ErrClosed):
	default:
		d.logger.Warn("dropping queued request from retry loop", "request_id", id, "error", err)
	}
}
