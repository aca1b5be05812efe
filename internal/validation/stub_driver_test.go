package validation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cochaviz/tavalid/internal/admission"
	"github.com/cochaviz/tavalid/internal/repositories/local"
	"github.com/cochaviz/tavalid/internal/sandbox"
)

var errInjected = errors.New("injected failure")

// stubDriver is an in-memory sandbox backend. failAt injects an error at one
// stage; hold makes ExecInstall block until the request is released.
type stubDriver struct {
	mu sync.Mutex

	failAt     sandbox.Stage
	failing    bool
	readyNever bool
	hold       bool
	growing    bool
	panicAt    sandbox.Stage
	panicking  bool
	indexCount int64
	battery    map[string][]map[string]any

	gates       map[string]chan struct{}
	released    map[string]bool
	provisioned map[string]int
	destroyed   map[string]int
	live        int
	peak        int
}

func newStubDriver() *stubDriver {
	return &stubDriver{
		indexCount:  1000,
		battery:     passingBattery(),
		gates:       make(map[string]chan struct{}),
		released:    make(map[string]bool),
		provisioned: make(map[string]int),
		destroyed:   make(map[string]int),
	}
}

func (d *stubDriver) failAtStage(stage sandbox.Stage) *stubDriver {
	d.failAt = stage
	d.failing = true
	return d
}

func (d *stubDriver) fails(stage sandbox.Stage) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failing && d.failAt == stage
}

func (d *stubDriver) gate(requestID string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.gates[requestID]
	if !ok {
		ch = make(chan struct{})
		d.gates[requestID] = ch
	}
	return ch
}

// unblock lets a held request continue past INSTALLING.
func (d *stubDriver) unblock(requestID string) {
	ch := d.gate(requestID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.released[requestID] {
		d.released[requestID] = true
		close(ch)
	}
}

func (d *stubDriver) Provision(_ context.Context, spec sandbox.ProvisionSpec) (sandbox.Handle, error) {
	if d.fails(sandbox.StageCreating) {
		return sandbox.Handle{}, errInjected
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	name := sandbox.NameFor(spec.RequestID)
	d.provisioned[name]++
	d.live++
	if d.live > d.peak {
		d.peak = d.live
	}
	return sandbox.Handle{
		ID:         "stub-" + spec.RequestID,
		Name:       name,
		RequestID:  spec.RequestID,
		Endpoint:   "https://127.0.0.1:8089",
		AcquiredAt: time.Now(),
		Metadata:   map[string]any{},
	}, nil
}

func (d *stubDriver) Destroy(_ context.Context, h sandbox.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed[h.Name]++
	if d.provisioned[h.Name] > 0 && d.destroyed[h.Name] == 1 {
		d.live--
	}
	return nil
}

func (d *stubDriver) ProbeReady(context.Context, sandbox.Handle) (bool, error) {
	if d.fails(sandbox.StageWaitingReady) {
		return false, errInjected
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.readyNever, nil
}

func (d *stubDriver) ExecInstall(ctx context.Context, h sandbox.Handle, bundlePath string) error {
	if _, err := os.Stat(bundlePath); err != nil {
		return fmt.Errorf("bundle not staged: %w", err)
	}
	d.mu.Lock()
	hold := d.hold
	d.mu.Unlock()
	if hold {
		select {
		case <-d.gate(h.RequestID):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d.fails(sandbox.StageInstalling) {
		return errInjected
	}
	return nil
}

func (d *stubDriver) ExecIngest(context.Context, sandbox.Handle, sandbox.IngestSpec) error {
	if d.panicking && d.panicAt == sandbox.StageIngesting {
		panic("ingest exploded")
	}
	if d.fails(sandbox.StageIngesting) {
		return errInjected
	}
	return nil
}

func (d *stubDriver) RunQueries(_ context.Context, _ sandbox.Handle, queries []sandbox.Query) ([]sandbox.QueryResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// A single query is the indexing poll; the battery has several.
	if len(queries) == 1 {
		if d.failing && d.failAt == sandbox.StageWaitingIndexed {
			return nil, errInjected
		}
		if d.growing {
			d.indexCount++
		}
		return []sandbox.QueryResult{{
			Name: queries[0].Name,
			Rows: []map[string]any{{"count": fmt.Sprint(d.indexCount)}},
		}}, nil
	}
	if d.failing && d.failAt == sandbox.StageQuerying {
		return nil, errInjected
	}
	results := make([]sandbox.QueryResult, 0, len(queries))
	for _, q := range queries {
		results = append(results, sandbox.QueryResult{Name: q.Name, Rows: d.battery[q.Name]})
	}
	return results, nil
}

func (d *stubDriver) CollectLogs(context.Context, sandbox.Handle) (map[string][]byte, error) {
	return map[string][]byte{"splunkd.log": []byte("ERROR something broke\n")}, nil
}

func (d *stubDriver) destroyCount(requestID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed[sandbox.NameFor(requestID)]
}

func (d *stubDriver) peakLive() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peak
}

// passingBattery extracts 8 of the 10 expected fields from 1000 events.
func passingBattery() map[string][]map[string]any {
	fields := []map[string]any{{"field": "_time", "count": "1000"}, {"field": "host", "count": "1000"}}
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		fields = append(fields, map[string]any{"field": name, "count": "1000"})
	}
	return map[string][]map[string]any{
		QueryEventCount:   {{"count": "1000"}},
		QueryTimestamps:   {{"valid_times": "10", "count": "10"}},
		QueryFields:       fields,
		QuerySampleEvents: {{"_raw": "2024-01-01T00:00:00Z a=1 b=2"}},
	}
}

var expectedTen = []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}

type stubBundler struct {
	mu    sync.Mutex
	calls []BundleInput
	err   error
	panic bool
}

func (b *stubBundler) Bundle(_ context.Context, in BundleInput) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, in)
	if b.panic {
		panic("bundler exploded")
	}
	if b.err != nil {
		return "", &BundlingError{Err: b.err}
	}
	return "file:///diag/" + in.Request.ID + ".zip", nil
}

func (b *stubBundler) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTimeouts() Timeouts {
	return Timeouts{
		Create:   time.Second,
		Ready:    100 * time.Millisecond,
		Install:  5 * time.Second,
		Ingest:   time.Second,
		Indexed:  200 * time.Millisecond,
		Query:    time.Second,
		Teardown: time.Second,
	}
}

func newTestCoordinator(t *testing.T, driver sandbox.Driver, capacity int, bundler Bundler) (*Coordinator, *MemoryRepository, *admission.Gate) {
	t.Helper()
	repo := NewMemoryRepository()
	gate := admission.NewGate(capacity, discardLogger())
	opts := Options{
		Repository:      repo,
		Gate:            gate,
		Driver:          driver,
		Store:           &local.ArtifactStore{BaseDir: t.TempDir()},
		Timeouts:        testTimeouts(),
		ReadyInterval:   5 * time.Millisecond,
		IndexedInterval: 5 * time.Millisecond,
		RetryDelay:      20 * time.Millisecond,
		WorkDir:         t.TempDir(),
		Logger:          discardLogger(),
	}
	if bundler != nil {
		opts.Bundler = bundler
	}
	coord, err := NewCoordinator(opts)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Close(ctx)
	})
	return coord, repo, gate
}

// writeInputs creates a bundle and sample file and returns their paths.
func writeInputs(t *testing.T) SubmitRequest {
	t.Helper()
	dir := t.TempDir()
	bundle := filepath.Join(dir, "TA-acme.tgz")
	samples := filepath.Join(dir, "acme.log")
	if err := os.WriteFile(bundle, []byte("not really gzip"), 0o644); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	if err := os.WriteFile(samples, []byte("a=1 b=2\na=3 b=4\n"), 0o644); err != nil {
		t.Fatalf("write samples: %v", err)
	}
	return SubmitRequest{
		ArtifactRef:    bundle,
		SampleRef:      samples,
		Sourcetype:     "acme:fw",
		ExpectedFields: expectedTen,
	}
}

func waitForTerminal(t *testing.T, coord *Coordinator, id string) Request {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := coord.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s) error = %v", id, err)
	}
	return req
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
