package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/tavalid/internal/admission"
	"github.com/cochaviz/tavalid/internal/artifacts"
	"github.com/cochaviz/tavalid/internal/coverage"
	"github.com/cochaviz/tavalid/internal/logging"
	"github.com/cochaviz/tavalid/internal/sandbox"
)

const (
	DefaultRetryDelay = 30 * time.Second
	waitPollInterval  = 250 * time.Millisecond
)

// Bundler packages evidence of a failed request and returns its reference.
// Implementations must not panic; the coordinator still guards against it.
type Bundler interface {
	Bundle(ctx context.Context, in BundleInput) (string, error)
}

// BundleInput is whatever a failed attempt managed to capture. Any field
// may be empty.
type BundleInput struct {
	Request    Request
	Err        error
	BundlePath string
	Verdict    *Verdict
	Results    []sandbox.QueryResult
	Logs       map[string][]byte
	LogsErr    error
}

type Options struct {
	Repository Repository
	Gate       *admission.Gate
	Driver     sandbox.Driver
	Store      artifacts.Store
	// Bundler is optional; without it failures carry no diagnostic reference.
	Bundler Bundler
	// DisableLogs skips sandbox log collection for failed runs.
	DisableLogs     bool
	Policy          coverage.Policy
	Timeouts        Timeouts
	ReadyInterval   time.Duration
	IndexedInterval time.Duration
	RetryDelay      time.Duration
	// WorkDir holds per-request copies of the artifact and samples.
	WorkDir string
	Events  *Broadcaster
	Logger  *slog.Logger
}

type attempt struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Coordinator owns the QUEUED -> RUNNING -> {PASSED, FAILED} state machine.
// Each admitted request runs on its own goroutine; the gate is the only
// state shared between them.
type Coordinator struct {
	repo    Repository
	gate    *admission.Gate
	driver  sandbox.Driver
	store   artifacts.Store
	bundler Bundler
	policy  coverage.Policy
	opts    Options
	events  *Broadcaster
	logger  *slog.Logger
	newID   func() string

	baseCtx  context.Context
	shutdown context.CancelCauseFunc

	mu     sync.Mutex
	active map[string]*attempt
	closed bool
	wg     sync.WaitGroup
}

func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Repository == nil {
		return nil, errors.New("coordinator requires a repository")
	}
	if opts.Driver == nil {
		return nil, errors.New("coordinator requires a sandbox driver")
	}
	if opts.Store == nil {
		return nil, errors.New("coordinator requires an artifact store")
	}
	if opts.Gate == nil {
		opts.Gate = admission.NewGate(admission.DefaultCapacity, opts.Logger)
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Policy.Threshold <= 0 {
		opts.Policy.Threshold = coverage.DefaultThreshold
	}
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(os.TempDir(), "tavalid")
	}

	baseCtx, shutdown := context.WithCancelCause(context.Background())
	return &Coordinator{
		repo:     opts.Repository,
		gate:     opts.Gate,
		driver:   opts.Driver,
		store:    opts.Store,
		bundler:  opts.Bundler,
		policy:   opts.Policy,
		opts:     opts,
		events:   opts.Events,
		logger:   logging.Ensure(opts.Logger).With("component", "coordinator"),
		newID:    uuid.NewString,
		baseCtx:  baseCtx,
		shutdown: shutdown,
		active:   make(map[string]*attempt),
	}, nil
}

// RetryDelay is how long a denied caller should wait before retrying.
func (c *Coordinator) RetryDelay() time.Duration {
	return c.opts.RetryDelay
}

// Submit records a new QUEUED request. Re-validation passes the previous
// request's id; the previous request is left untouched.
func (c *Coordinator) Submit(ctx context.Context, in SubmitRequest) (Request, error) {
	if err := in.validate(); err != nil {
		return Request{}, err
	}
	if in.PreviousID != "" {
		if _, err := c.repo.Get(ctx, in.PreviousID); err != nil {
			return Request{}, fmt.Errorf("previous request: %w", err)
		}
	}

	req := Request{
		ID:             c.newID(),
		ArtifactRef:    in.ArtifactRef,
		SampleRef:      in.SampleRef,
		Sourcetype:     in.Sourcetype,
		ExpectedFields: append([]string(nil), in.ExpectedFields...),
		PreviousID:     in.PreviousID,
		Status:         StatusQueued,
		CreatedAt:      time.Now().UTC(),
	}
	if err := c.repo.Create(ctx, req); err != nil {
		return Request{}, fmt.Errorf("create validation request: %w", err)
	}
	c.logger.Info("validation submitted", "request_id", req.ID, "artifact", req.ArtifactRef, "previous_id", req.PreviousID)
	c.events.Publish(Event{RequestID: req.ID, Type: EventSubmitted, Status: StatusQueued})
	return req, nil
}

// Start tries to admit a QUEUED request. A full gate yields an
// *AdmissionDeniedError and leaves the request QUEUED. Starting a request
// that is already running is a no-op.
func (c *Coordinator) Start(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if _, running := c.active[id]; running {
		return nil
	}

	req, err := c.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case req.Status.Terminal():
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, req.Status)
	case req.Status != StatusQueued:
		return fmt.Errorf("%w: %s is %s", ErrConflict, id, req.Status)
	}

	ticket, ok := c.gate.TryAcquire(id)
	if !ok {
		if _, err := c.repo.Transition(ctx, id, StatusQueued, func(r *Request) { r.Attempts++ }); err != nil {
			c.logger.Warn("failed to record admission attempt", "request_id", id, "error", err)
		}
		denied := &AdmissionDeniedError{
			RequestID:  id,
			RetryAfter: c.opts.RetryDelay,
			Held:       c.gate.Held(),
			Capacity:   c.gate.Capacity(),
		}
		c.events.Publish(Event{RequestID: id, Type: EventDenied, Status: StatusQueued, ErrorKind: KindAdmissionDenied, Detail: denied.Error()})
		return denied
	}

	running, err := c.repo.Transition(ctx, id, StatusQueued, func(r *Request) {
		r.Status = StatusRunning
		r.Attempts++
	})
	if err != nil {
		c.gate.Release(id)
		return fmt.Errorf("mark %s running: %w", id, err)
	}

	attemptCtx, cancel := context.WithCancelCause(c.baseCtx)
	a := &attempt{cancel: cancel, done: make(chan struct{})}
	c.active[id] = a
	c.wg.Add(1)

	c.logger.Info("validation admitted", "request_id", id, "held", c.gate.Held(), "capacity", c.gate.Capacity(), "acquired_at", ticket.AcquiredAt)
	c.events.Publish(Event{RequestID: id, Type: EventStatus, Status: StatusRunning})
	go c.execute(attemptCtx, running, a)
	return nil
}

// Status returns the caller-visible view of a request.
func (c *Coordinator) Status(ctx context.Context, id string) (StatusView, error) {
	req, err := c.repo.Get(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	return req.View(), nil
}

func (c *Coordinator) Get(ctx context.Context, id string) (Request, error) {
	return c.repo.Get(ctx, id)
}

func (c *Coordinator) List(ctx context.Context, filter Filter) ([]Request, error) {
	return c.repo.List(ctx, filter)
}

// Cancel stops a RUNNING request. Teardown still runs and the request ends
// FAILED with kind cancelled. Cancel returns before teardown completes; use
// Wait to observe the outcome.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	c.mu.Lock()
	a, running := c.active[id]
	c.mu.Unlock()

	if running {
		c.logger.Info("cancelling validation", "request_id", id)
		a.cancel(ErrCancelled)
		return nil
	}

	req, err := c.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, req.Status)
	}
	return fmt.Errorf("%w: %s is %s", ErrNotRunning, id, req.Status)
}

// Wait blocks until the request is terminal or ctx ends.
func (c *Coordinator) Wait(ctx context.Context, id string) (Request, error) {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		c.mu.Lock()
		a, running := c.active[id]
		c.mu.Unlock()

		if running {
			select {
			case <-a.done:
			case <-ctx.Done():
				return Request{}, ctx.Err()
			}
		}

		req, err := c.repo.Get(ctx, id)
		if err != nil {
			return Request{}, err
		}
		if req.Status.Terminal() {
			return req, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return req, ctx.Err()
		}
	}
}

// Active lists the ids of requests running in this process.
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Recover finalises requests left RUNNING by a previous process. Their
// tickets are adopted so the gate reflects them, their sandboxes are
// destroyed by derived name, they are marked FAILED/interrupted, and the
// tickets are released again.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	orphans, err := c.repo.List(ctx, Filter{Status: StatusRunning})
	if err != nil {
		return 0, fmt.Errorf("list running requests: %w", err)
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(orphans))
	for _, req := range orphans {
		ids = append(ids, req.ID)
	}
	if overflow := c.gate.Adopt(ids); len(overflow) > 0 {
		c.logger.Warn("more orphaned requests than admission capacity", "overflow", overflow)
	}

	var errs []error
	for _, req := range orphans {
		logger := logging.WithRequest(c.logger, req.ID)
		if err := c.destroyOrphan(ctx, req.ID); err != nil {
			logger.Error("failed to destroy orphaned sandbox", "sandbox", sandbox.NameFor(req.ID), "leaked", true, "error", err)
		}
		_, err := c.repo.Transition(ctx, req.ID, StatusRunning, func(r *Request) {
			r.Status = StatusFailed
			r.ErrorKind = KindInterrupted
			r.ErrorDetail = "validation was interrupted by a process restart"
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("finalise %s: %w", req.ID, err))
		} else {
			logger.Warn("recovered interrupted validation")
			c.events.Publish(Event{RequestID: req.ID, Type: EventStatus, Status: StatusFailed, ErrorKind: KindInterrupted})
		}
		c.gate.Release(req.ID)
	}
	return len(orphans), errors.Join(errs...)
}

func (c *Coordinator) destroyOrphan(ctx context.Context, requestID string) error {
	if c.opts.Timeouts.Teardown > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeouts.Teardown)
		defer cancel()
	}
	return c.driver.Destroy(ctx, sandbox.HandleFor(requestID))
}

// Close refuses new work, interrupts running attempts and waits for their
// teardown. Interrupted requests end FAILED with kind interrupted.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.shutdown(ErrShutdown)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running validations: %w", ctx.Err())
	}
}

// execute runs one admitted request to a terminal state. The ticket is
// released exactly once, after the terminal status is persisted.
func (c *Coordinator) execute(ctx context.Context, req Request, a *attempt) {
	logger := logging.WithRequest(c.logger, req.ID)
	defer func() {
		c.mu.Lock()
		delete(c.active, req.ID)
		c.mu.Unlock()
		c.gate.Release(req.ID)
		close(a.done)
		c.wg.Done()
	}()
	defer a.cancel(context.Canceled)
	defer func() {
		if p := recover(); p != nil {
			logger.Error("validation panicked", "panic", p)
			c.finish(context.WithoutCancel(ctx), logger, req, nil, fmt.Errorf("internal error: %v", p), BundleInput{Request: req})
		}
	}()

	c.process(ctx, logger, req)
}

// process stages inputs, runs the sandbox, scores the result and records the
// terminal state.
func (c *Coordinator) process(ctx context.Context, logger *slog.Logger, req Request) {
	started := time.Now()
	evidence := BundleInput{Request: req}

	workDir := filepath.Join(c.opts.WorkDir, req.ID)
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn("failed to remove work directory", "path", workDir, "error", err)
		}
	}()

	bundlePath, samplePath, err := c.stageInputs(ctx, workDir, req)
	if err != nil {
		c.finish(ctx, logger, req, nil, err, evidence)
		return
	}
	evidence.BundlePath = bundlePath

	runner := NewStageRunner(c.driver, RunnerOptions{
		Timeouts:        c.opts.Timeouts,
		ReadyInterval:   c.opts.ReadyInterval,
		IndexedInterval: c.opts.IndexedInterval,
		CollectLogs:     c.bundler != nil && !c.opts.DisableLogs,
		Observer:        c.observeStage,
		Logger:          c.logger,
	})
	out, err := runner.Run(ctx, RunInput{
		RequestID:  req.ID,
		BundlePath: bundlePath,
		SamplePath: samplePath,
		Sourcetype: req.Sourcetype,
	})
	evidence.Request.Stage = out.Stage.String()
	evidence.Results = out.Results
	evidence.Logs = out.Logs
	evidence.LogsErr = out.LogsErr
	if err != nil {
		c.finish(ctx, logger, req, nil, err, evidence)
		return
	}

	battery := Interpret(out.Results, req.ExpectedFields, out.IndexedCount)
	result := coverage.Analyze(battery.Input, c.policy)
	sampleLines, lerr := sandbox.CountLines(samplePath)
	if lerr != nil {
		logger.Warn("failed to count sample lines", "error", lerr)
	}
	verdict := &Verdict{
		Passed:       result.Passed,
		Summary:      result.Summary(),
		Index:        out.Index,
		SampleLines:  sampleLines,
		Coverage:     result,
		SampleEvents: battery.SampleEvents,
		Duration:     time.Since(started).Round(time.Millisecond),
	}
	evidence.Verdict = verdict
	c.finish(ctx, logger, req, verdict, nil, evidence)
}

// stageInputs fetches the artifact and samples into workDir. Failures are
// reported as provisioning failures since no sandbox can be built without
// them.
func (c *Coordinator) stageInputs(ctx context.Context, workDir string, req Request) (string, string, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", "", classify(ctx, sandbox.StageCreating, fmt.Errorf("create work directory: %w", err))
	}
	bundlePath := filepath.Join(workDir, "bundle", artifacts.BaseName(req.ArtifactRef))
	if err := c.store.Fetch(ctx, req.ArtifactRef, bundlePath); err != nil {
		return "", "", classify(ctx, sandbox.StageCreating, fmt.Errorf("fetch artifact: %w", err))
	}
	samplePath := filepath.Join(workDir, "samples", artifacts.BaseName(req.SampleRef))
	if err := c.store.Fetch(ctx, req.SampleRef, samplePath); err != nil {
		return bundlePath, "", classify(ctx, sandbox.StageCreating, fmt.Errorf("fetch samples: %w", err))
	}
	return bundlePath, samplePath, nil
}

// finish persists the terminal state. A run without error passes or fails
// on its verdict; failures get a diagnostic bundle when one can be built.
func (c *Coordinator) finish(ctx context.Context, logger *slog.Logger, req Request, verdict *Verdict, runErr error, evidence BundleInput) {
	ctx = context.WithoutCancel(ctx)

	status := StatusFailed
	var kind ErrorKind
	var detail string
	switch {
	case runErr != nil:
		kind = KindOf(runErr)
		detail = runErr.Error()
	case verdict != nil && verdict.Passed:
		status = StatusPassed
	case verdict != nil:
		kind = KindValidationFailed
		detail = verdict.Summary
	default:
		kind = KindInternal
		detail = "validation produced no verdict"
	}

	var diagnosticRef string
	if status == StatusFailed {
		evidence.Err = runErr
		evidence.Request.ErrorKind = kind
		evidence.Request.ErrorDetail = detail
		diagnosticRef = c.bundle(ctx, logger, evidence)
	}

	final, err := c.repo.Transition(ctx, req.ID, StatusRunning, func(r *Request) {
		r.Status = status
		r.Verdict = verdict
		r.ErrorKind = kind
		r.ErrorDetail = detail
		r.DiagnosticRef = diagnosticRef
	})
	if err != nil {
		logger.Error("failed to record validation outcome", "status", string(status), "error", err)
		return
	}

	attrs := []any{"status", string(final.Status)}
	if verdict != nil {
		attrs = append(attrs, "coverage", verdict.Coverage.Ratio, "events", verdict.Coverage.IngestedCount)
	}
	if kind != "" {
		attrs = append(attrs, "error_kind", string(kind), "error", detail)
	}
	if diagnosticRef != "" {
		attrs = append(attrs, "diagnostic_ref", diagnosticRef)
	}
	logger.Info("validation finished", attrs...)
	c.events.Publish(Event{RequestID: req.ID, Type: EventStatus, Status: final.Status, ErrorKind: kind, Detail: detail})
}

// bundle never fails the caller: errors and panics degrade to "no bundle".
func (c *Coordinator) bundle(ctx context.Context, logger *slog.Logger, in BundleInput) (ref string) {
	if c.bundler == nil {
		return ""
	}
	defer func() {
		if p := recover(); p != nil {
			logger.Error("diagnostic bundling panicked", "error", &BundlingError{Err: fmt.Errorf("%v", p)})
			ref = ""
		}
	}()
	ref, err := c.bundler.Bundle(ctx, in)
	if err != nil {
		logger.Warn("diagnostic bundle unavailable", "error", err, "error_kind", string(KindOf(err)))
		return ""
	}
	return ref
}

func (c *Coordinator) observeStage(requestID string, stage sandbox.Stage) {
	if _, err := c.repo.Transition(context.Background(), requestID, StatusRunning, func(r *Request) {
		r.Stage = stage.String()
	}); err != nil {
		c.logger.Warn("failed to record stage", "request_id", requestID, "stage", stage.String(), "error", err)
	}
	c.logger.Debug("stage entered", "request_id", requestID, "stage", stage.String())
	c.events.Publish(Event{RequestID: requestID, Type: EventStage, Status: StatusRunning, Stage: stage.String()})
}
