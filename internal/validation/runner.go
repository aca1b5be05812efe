package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cochaviz/tavalid/internal/logging"
	"github.com/cochaviz/tavalid/internal/sandbox"
)

const (
	DefaultReadyInterval   = 5 * time.Second
	DefaultIndexedInterval = 5 * time.Second
)

var errLogsUnsupported = errors.New("driver cannot collect sandbox logs")

// Timeouts bounds every stage independently. Attempt caps the whole run and
// Teardown bounds log collection plus Destroy. Zero disables a bound.
type Timeouts struct {
	Create   time.Duration
	Ready    time.Duration
	Install  time.Duration
	Ingest   time.Duration
	Indexed  time.Duration
	Query    time.Duration
	Teardown time.Duration
	Attempt  time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Create:   5 * time.Minute,
		Ready:    10 * time.Minute,
		Install:  5 * time.Minute,
		Ingest:   5 * time.Minute,
		Indexed:  5 * time.Minute,
		Query:    5 * time.Minute,
		Teardown: 2 * time.Minute,
		Attempt:  35 * time.Minute,
	}
}

func (t Timeouts) forStage(stage sandbox.Stage) time.Duration {
	switch stage {
	case sandbox.StageCreating:
		return t.Create
	case sandbox.StageWaitingReady:
		return t.Ready
	case sandbox.StageInstalling:
		return t.Install
	case sandbox.StageIngesting:
		return t.Ingest
	case sandbox.StageWaitingIndexed:
		return t.Indexed
	case sandbox.StageQuerying:
		return t.Query
	default:
		return 0
	}
}

// StageObserver is told about every stage a run enters, in order.
type StageObserver func(requestID string, stage sandbox.Stage)

type RunnerOptions struct {
	Timeouts        Timeouts
	ReadyInterval   time.Duration
	IndexedInterval time.Duration
	// CollectLogs pulls sandbox logs before teardown when the run fails.
	CollectLogs bool
	Observer    StageObserver
	Logger      *slog.Logger
}

// RunInput names the local copies of the artifact and samples for one run.
type RunInput struct {
	RequestID  string
	BundlePath string
	SamplePath string
	Sourcetype string
}

// RunOutput is everything a run captured, including partial results of an
// aborted run.
type RunOutput struct {
	Handle sandbox.Handle
	Index  string
	// Stage is the furthest stage entered before DONE.
	Stage        sandbox.Stage
	IndexedCount int64
	Results      []sandbox.QueryResult
	Logs         map[string][]byte
	LogsErr      error
	TeardownErr  error
}

// StageRunner drives one sandbox through the stage sequence. The sandbox is
// destroyed exactly once on every exit path.
type StageRunner struct {
	driver sandbox.Driver
	opts   RunnerOptions
	logger *slog.Logger
}

func NewStageRunner(driver sandbox.Driver, opts RunnerOptions) *StageRunner {
	if opts.ReadyInterval <= 0 {
		opts.ReadyInterval = DefaultReadyInterval
	}
	if opts.IndexedInterval <= 0 {
		opts.IndexedInterval = DefaultIndexedInterval
	}
	return &StageRunner{
		driver: driver,
		opts:   opts,
		logger: logging.Ensure(opts.Logger).With("component", "runner"),
	}
}

// Run executes all stages. The returned error is a *StageError naming the
// stage that aborted the run.
func (r *StageRunner) Run(ctx context.Context, in RunInput) (out RunOutput, err error) {
	logger := logging.WithRequest(r.logger, in.RequestID)
	out.Index = IndexFor(in.RequestID)
	out.Handle = sandbox.HandleFor(in.RequestID)

	if r.opts.Timeouts.Attempt > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeouts.Attempt)
		defer cancel()
	}

	// Registered before Provision so that a half-created sandbox is still
	// reclaimed by its derived name.
	defer func() {
		r.teardown(ctx, logger, &out, err != nil)
	}()

	err = r.runStage(ctx, logger, &out, sandbox.StageCreating, func(sctx context.Context) error {
		handle, perr := r.driver.Provision(sctx, sandbox.ProvisionSpec{
			RequestID:  in.RequestID,
			BundlePath: in.BundlePath,
			SamplePath: in.SamplePath,
		})
		if handle.Name != "" {
			handle.RequestID = in.RequestID
			handle.Stage = out.Stage
			out.Handle = handle
		}
		return perr
	})
	if err != nil {
		return out, err
	}
	logger.Info("sandbox provisioned", "sandbox", out.Handle.Name, "endpoint", out.Handle.Endpoint)

	err = r.runStage(ctx, logger, &out, sandbox.StageWaitingReady, func(sctx context.Context) error {
		return poll(sctx, r.opts.ReadyInterval, func(pctx context.Context) (bool, error) {
			return r.driver.ProbeReady(pctx, out.Handle)
		})
	})
	if err != nil {
		return out, err
	}

	err = r.runStage(ctx, logger, &out, sandbox.StageInstalling, func(sctx context.Context) error {
		return r.driver.ExecInstall(sctx, out.Handle, in.BundlePath)
	})
	if err != nil {
		return out, err
	}

	err = r.runStage(ctx, logger, &out, sandbox.StageIngesting, func(sctx context.Context) error {
		return r.driver.ExecIngest(sctx, out.Handle, sandbox.IngestSpec{
			SamplePath: in.SamplePath,
			Index:      out.Index,
			Sourcetype: in.Sourcetype,
		})
	})
	if err != nil {
		return out, err
	}

	err = r.runStage(ctx, logger, &out, sandbox.StageWaitingIndexed, func(sctx context.Context) error {
		return r.waitIndexed(ctx, sctx, logger, &out)
	})
	if err != nil {
		return out, err
	}

	err = r.runStage(ctx, logger, &out, sandbox.StageQuerying, func(sctx context.Context) error {
		results, qerr := r.driver.RunQueries(sctx, out.Handle, Battery(out.Index))
		out.Results = results
		return qerr
	})
	return out, err
}

// runStage enters stage and runs fn under the stage's own deadline.
func (r *StageRunner) runStage(ctx context.Context, logger *slog.Logger, out *RunOutput, stage sandbox.Stage, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return classify(ctx, stage, err)
	}
	r.advance(out, stage)

	timeout := r.opts.Timeouts.forStage(stage)
	sctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := time.Now()
	if err := fn(sctx); err != nil {
		if errors.Is(sctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%s timed out after %s: %w", stage, timeout, err)
		}
		return classify(ctx, stage, err)
	}
	logger.Debug("stage complete", "stage", stage.String(), "duration", time.Since(started).Round(time.Millisecond))
	return nil
}

// waitIndexed polls the event count until two consecutive non-zero reads
// agree. Running out of time with events present is accepted; with none it
// is a failure.
func (r *StageRunner) waitIndexed(ctx, sctx context.Context, logger *slog.Logger, out *RunOutput) error {
	last := int64(-1)
	err := poll(sctx, r.opts.IndexedInterval, func(pctx context.Context) (bool, error) {
		results, err := r.driver.RunQueries(pctx, out.Handle, []sandbox.Query{countQuery(out.Index)})
		if err != nil {
			return false, err
		}
		count, err := eventCount(results)
		if err != nil {
			return false, err
		}
		settled := count > 0 && count == last
		last = count
		out.IndexedCount = count
		return settled, nil
	})
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && out.IndexedCount > 0 {
		logger.Warn("event count did not settle before the indexing deadline", "count", out.IndexedCount)
		return nil
	}
	if out.IndexedCount == 0 {
		return fmt.Errorf("no events indexed in %s: %w", out.Index, err)
	}
	return err
}

func eventCount(results []sandbox.QueryResult) (int64, error) {
	if len(results) == 0 {
		return 0, errors.New("count query returned no result")
	}
	if results[0].Err != nil {
		return 0, results[0].Err
	}
	return Interpret(results[:1], nil, 0).Input.IngestedCount, nil
}

func (r *StageRunner) advance(out *RunOutput, stage sandbox.Stage) {
	if stage != sandbox.StageCreating && !out.Stage.CanAdvance(stage) {
		r.logger.Error("refusing backwards stage transition", "from", out.Stage.String(), "to", stage.String())
		return
	}
	if stage != sandbox.StageDone {
		out.Stage = stage
	}
	out.Handle.Stage = stage
	if r.opts.Observer != nil {
		r.opts.Observer(out.Handle.RequestID, stage)
	}
}

// teardown collects logs of failed runs and destroys the sandbox on a
// context detached from cancellation. Destroy failures are reported on the
// output and logged as leaks; they never change the run's outcome.
func (r *StageRunner) teardown(ctx context.Context, logger *slog.Logger, out *RunOutput, failed bool) {
	tctx := context.WithoutCancel(ctx)
	if r.opts.Timeouts.Teardown > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(tctx, r.opts.Timeouts.Teardown)
		defer cancel()
	}

	if failed && r.opts.CollectLogs {
		if collector, ok := r.driver.(sandbox.LogCollector); ok {
			out.Logs, out.LogsErr = collector.CollectLogs(tctx, out.Handle)
			if out.LogsErr != nil {
				logger.Warn("failed to collect sandbox logs", "sandbox", out.Handle.Name, "error", out.LogsErr)
			}
		} else {
			out.LogsErr = errLogsUnsupported
		}
	}

	if err := r.driver.Destroy(tctx, out.Handle); err != nil {
		out.TeardownErr = err
		logger.Error("sandbox teardown failed", "sandbox", out.Handle.Name, "leaked", true, "error", err)
	} else {
		logger.Info("sandbox destroyed", "sandbox", out.Handle.Name)
	}
	r.advance(out, sandbox.StageDone)
}

// poll calls probe every interval until it reports done or ctx ends. The
// last probe error is carried into the returned error.
func poll(ctx context.Context, interval time.Duration, probe func(context.Context) (bool, error)) error {
	var lastErr error
	for {
		done, err := probe(ctx)
		if err == nil && done {
			return nil
		}
		if err != nil {
			lastErr = err
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			}
			return ctx.Err()
		case <-timer.C:
		}
	}
}
