package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cochaviz/tavalid/internal/validation"
)

type fakeEngine struct {
	mu        sync.Mutex
	views     map[string]validation.StatusView
	admitted  bool
	cancelled []string
	cancelErr error
	lastList  validation.Filter
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{views: make(map[string]validation.StatusView), admitted: true}
}

func (f *fakeEngine) put(view validation.StatusView) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.views[view.ID] = view
}

func (f *fakeEngine) Submit(_ context.Context, in validation.SubmitRequest) (SubmitResult, error) {
	if in.ArtifactRef == "" {
		return SubmitResult{}, validation.ErrInvalid
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	view := validation.StatusView{ID: "req-new", Status: validation.StatusRunning}
	res := SubmitResult{Admitted: f.admitted}
	if !f.admitted {
		view.Status = validation.StatusQueued
		res.RetryAfter = 1500 * time.Millisecond
	}
	f.views[view.ID] = view
	res.Request = view
	return res, nil
}

func (f *fakeEngine) Status(_ context.Context, id string) (validation.StatusView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	view, ok := f.views[id]
	if !ok {
		return validation.StatusView{}, validation.ErrNotFound
	}
	return view, nil
}

func (f *fakeEngine) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	if _, ok := f.views[id]; !ok {
		return validation.ErrNotFound
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeEngine) List(_ context.Context, filter validation.Filter) ([]validation.StatusView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastList = filter
	var out []validation.StatusView
	for _, v := range f.views {
		if filter.Status == "" || v.Status == filter.Status {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeEngine) cancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func newTestServer(t *testing.T, engine Engine, events *validation.Broadcaster) *Server {
	t.Helper()
	srv, err := New(Options{
		SocketPath: filepath.Join(shortTempDir(t), "d.sock"),
		Engine:     engine,
		Events:     events,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv
}

// shortTempDir keeps unix socket paths under the sun_path limit.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "tavd")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestHTTPSubmitDeniedSetsRetryAfter(t *testing.T) {
	engine := newFakeEngine()
	engine.admitted = false
	ts := httptest.NewServer(newTestServer(t, engine, nil).Handler())
	defer ts.Close()

	body, _ := json.Marshal(validation.SubmitRequest{ArtifactRef: "file:///ta.tgz", SampleRef: "file:///s.log"})
	resp, err := http.Post(ts.URL+"/v1/validations", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After = %q, want 2", got)
	}
	var res SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Admitted || res.Request.Status != validation.StatusQueued {
		t.Fatalf("result = %+v", res)
	}
}

func TestHTTPErrorStatusCodes(t *testing.T) {
	engine := newFakeEngine()
	engine.put(validation.StatusView{ID: "done", Status: validation.StatusPassed})
	ts := httptest.NewServer(newTestServer(t, engine, nil).Handler())
	defer ts.Close()

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown request", http.MethodGet, "/v1/validations/missing", "", http.StatusNotFound},
		{"missing artifact", http.MethodPost, "/v1/validations", `{"sample_ref":"file:///s.log"}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/v1/validations", `{`, http.StatusBadRequest},
		{"bad status filter", http.MethodGet, "/v1/validations?status=bogus", "", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/v1/validations?limit=-1", "", http.StatusBadRequest},
		{"known request", http.MethodGet, "/v1/validations/done", "", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(tc.method, ts.URL+tc.path, bytes.NewBufferString(tc.body))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}

	engine.cancelErr = validation.ErrTerminal
	resp, err := http.Post(ts.URL+"/v1/validations/done/cancel", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("cancel terminal status = %d", resp.StatusCode)
	}
}

func TestHTTPListPassesFilter(t *testing.T) {
	engine := newFakeEngine()
	engine.put(validation.StatusView{ID: "a", Status: validation.StatusFailed})
	engine.put(validation.StatusView{ID: "b", Status: validation.StatusRunning})
	ts := httptest.NewServer(newTestServer(t, engine, nil).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/validations?status=failed&limit=5")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var views []validation.StatusView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || views[0].ID != "a" {
		t.Fatalf("views = %+v", views)
	}
	if engine.lastList.Status != validation.StatusFailed || engine.lastList.Limit != 5 {
		t.Fatalf("filter = %+v", engine.lastList)
	}
}

func TestWatchStreamsUntilTerminal(t *testing.T) {
	engine := newFakeEngine()
	engine.put(validation.StatusView{ID: "req-1", Status: validation.StatusRunning, Stage: "installing"})
	events := validation.NewBroadcaster(nil)
	defer events.Close()
	ts := httptest.NewServer(newTestServer(t, engine, events).Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seen []validation.Event
	last, err := Watch(ctx, ts.URL, "req-1", func(ev validation.Event) {
		seen = append(seen, ev)
		if len(seen) == 1 {
			events.Publish(validation.Event{RequestID: "other", Type: validation.EventStage, Stage: "querying"})
			events.Publish(validation.Event{RequestID: "req-1", Type: validation.EventStage, Stage: "querying"})
			events.Publish(validation.Event{RequestID: "req-1", Type: validation.EventStatus, Status: validation.StatusPassed})
		}
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if last.Status != validation.StatusPassed {
		t.Fatalf("last event = %+v", last)
	}
	if len(seen) != 3 {
		t.Fatalf("seen %d events: %+v", len(seen), seen)
	}
	if seen[0].Stage != "installing" || seen[1].Stage != "querying" {
		t.Fatalf("events = %+v", seen)
	}
}

func TestWatchTerminalSnapshotCloses(t *testing.T) {
	engine := newFakeEngine()
	engine.put(validation.StatusView{ID: "req-2", Status: validation.StatusFailed, ErrorKind: validation.KindCancelled})
	ts := httptest.NewServer(newTestServer(t, engine, validation.NewBroadcaster(nil)).Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	last, err := Watch(ctx, ts.URL, "req-2", nil)
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if last.ErrorKind != validation.KindCancelled {
		t.Fatalf("last = %+v", last)
	}
}

func TestEventsURL(t *testing.T) {
	cases := map[string]string{
		"http://127.0.0.1:8780":   "ws://127.0.0.1:8780/v1/validations/abc/events",
		"https://ci.example/api/": "wss://ci.example/api/v1/validations/abc/events",
		"127.0.0.1:8780":          "ws://127.0.0.1:8780/v1/validations/abc/events",
	}
	for in, want := range cases {
		got, err := eventsURL(in, "abc")
		if err != nil {
			t.Fatalf("eventsURL(%q) error = %v", in, err)
		}
		if got != want {
			t.Fatalf("eventsURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIPCRoundTrip(t *testing.T) {
	engine := newFakeEngine()
	engine.put(validation.StatusView{ID: "done", Status: validation.StatusPassed})
	srv := newTestServer(t, engine, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Start(ctx) }()
	waitFor(t, func() bool {
		_, err := os.Stat(srv.socketPath)
		return err == nil
	})

	client := NewClient(srv.socketPath)
	res, err := client.Submit(validation.SubmitRequest{ArtifactRef: "file:///ta.tgz", SampleRef: "file:///s.log"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !res.Admitted || res.Request.ID != "req-new" {
		t.Fatalf("submit result = %+v", res)
	}

	view, err := client.Status("done")
	if err != nil || view.Status != validation.StatusPassed {
		t.Fatalf("Status() = %+v, %v", view, err)
	}

	if _, err := client.Status("missing"); err == nil || err.Error() != validation.ErrNotFound.Error() {
		t.Fatalf("Status(missing) error = %v", err)
	}

	engine.cancelErr = &validation.StageError{Kind: validation.KindCancelled, Err: validation.ErrCancelled}
	var remote *RemoteError
	if err := client.Cancel("done"); !errors.As(err, &remote) || remote.Kind != string(validation.KindCancelled) {
		t.Fatalf("Cancel() error = %v", err)
	}

	views, err := client.List(ListRequest{Status: "passed"})
	if err != nil || len(views) != 1 {
		t.Fatalf("List() = %+v, %v", views, err)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	if _, err := os.Stat(srv.socketPath); !os.IsNotExist(err) {
		t.Fatalf("socket left behind: %v", err)
	}
}

func TestDispatchRejectsUnknownCommand(t *testing.T) {
	srv := newTestServer(t, newFakeEngine(), nil)
	resp := srv.Dispatch(context.Background(), IPCRequest{Command: "reboot"})
	if resp.OK || resp.Error == "" {
		t.Fatalf("resp = %+v", resp)
	}
	resp = srv.Dispatch(context.Background(), IPCRequest{Command: CommandStatus})
	if resp.OK {
		t.Fatalf("status without id succeeded: %+v", resp)
	}
}

func TestCancelWatcherConsumesSignals(t *testing.T) {
	engine := newFakeEngine()
	engine.put(validation.StatusView{ID: "early", Status: validation.StatusRunning})
	engine.put(validation.StatusView{ID: "late", Status: validation.StatusRunning})

	signals := t.TempDir()
	dir := filepath.Join(signals, "cancel")
	if err := WriteCancelSignal(signals, "early"); err != nil {
		t.Fatal(err)
	}

	watcher, err := newCancelWatcher(dir, engine, nil)
	if err != nil {
		t.Fatalf("newCancelWatcher() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()

	waitFor(t, func() bool { return len(engine.cancelledIDs()) == 1 })
	if err := WriteCancelSignal(signals, "late"); err != nil {
		t.Fatal(err)
	}
	if err := WriteCancelSignal(signals, "unknown"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(engine.cancelledIDs()) == 2 })
	waitFor(t, func() bool {
		entries, _ := os.ReadDir(dir)
		return len(entries) == 0
	})

	got := engine.cancelledIDs()
	if got[0] != "early" || got[1] != "late" {
		t.Fatalf("cancelled = %v", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestWriteCancelSignalRejectsPaths(t *testing.T) {
	for _, id := range []string{"", "../etc", ".hidden", "a/b"} {
		if err := WriteCancelSignal(t.TempDir(), id); !errors.Is(err, validation.ErrInvalid) {
			t.Fatalf("WriteCancelSignal(%q) error = %v", id, err)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
