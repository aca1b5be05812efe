package state

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cochaviz/tavalid/internal/coverage"
	"github.com/cochaviz/tavalid/internal/validation"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "nested", "state.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db
}

func queuedRequest(id string, created time.Time) validation.Request {
	return validation.Request{
		ID:             id,
		ArtifactRef:    "file:///bundles/TA-acme.tgz",
		SampleRef:      "s3://samples/acme.log",
		Sourcetype:     "acme:fw",
		ExpectedFields: []string{"src_ip", "dest_ip"},
		Status:         validation.StatusQueued,
		CreatedAt:      created,
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	v, err := db.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if v != migrations[len(migrations)-1].version {
		t.Fatalf("schema version = %d", v)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "oracle", "x"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if _, err := Open(context.Background(), DriverPostgres, ""); err == nil {
		t.Fatal("expected error for postgres without dsn")
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: DriverPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("postgres rebind = %q", got)
	}
	my := &DB{driver: DriverMySQL}
	if got := my.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("mysql rebind = %q", got)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	repo := NewRequestRepository(openTestDB(t))
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 10, 0, 0, 123, time.UTC)

	if err := repo.Create(ctx, queuedRequest("req-1", created)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Create(ctx, queuedRequest("req-1", created)); err == nil {
		t.Fatal("duplicate Create accepted")
	}

	got, err := repo.Get(ctx, "req-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.CreatedAt.Equal(created) || got.Sourcetype != "acme:fw" || len(got.ExpectedFields) != 2 {
		t.Fatalf("Get() = %+v", got)
	}
	if got.StartedAt != nil || got.CompletedAt != nil || got.Verdict != nil {
		t.Fatalf("fresh request carries timestamps or verdict: %+v", got)
	}
	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, validation.ErrNotFound) {
		t.Fatalf("Get(missing) error = %v", err)
	}
}

func TestTransitionLifecycle(t *testing.T) {
	repo := NewRequestRepository(openTestDB(t))
	ctx := context.Background()
	if err := repo.Create(ctx, queuedRequest("req-1", time.Now())); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	running, err := repo.Transition(ctx, "req-1", validation.StatusQueued, func(r *validation.Request) {
		r.Status = validation.StatusRunning
		r.Attempts++
	})
	if err != nil {
		t.Fatalf("QUEUED -> RUNNING error = %v", err)
	}
	if running.StartedAt == nil || running.Attempts != 1 {
		t.Fatalf("running = %+v", running)
	}

	if _, err := repo.Transition(ctx, "req-1", validation.StatusQueued, nil); !errors.Is(err, validation.ErrConflict) {
		t.Fatalf("stale transition error = %v, want ErrConflict", err)
	}

	result := coverage.Analyze(coverage.Input{
		ExpectedFields:   []string{"src_ip", "dest_ip"},
		ExtractedFields:  []string{"src_ip"},
		IngestedCount:    12,
		TimestampSampled: 10,
		TimestampValid:   10,
	}, coverage.DefaultPolicy())
	failed, err := repo.Transition(ctx, "req-1", validation.StatusRunning, func(r *validation.Request) {
		r.Status = validation.StatusFailed
		r.Stage = "DONE"
		r.ErrorKind = validation.KindValidationFailed
		r.ErrorDetail = result.Summary()
		r.DiagnosticRef = "file:///debug/req-1/req-1.zip"
		r.Verdict = &validation.Verdict{Summary: result.Summary(), Coverage: result, Duration: 3 * time.Second}
	})
	if err != nil {
		t.Fatalf("RUNNING -> FAILED error = %v", err)
	}
	if failed.CompletedAt == nil {
		t.Fatal("terminal request lacks completion time")
	}

	stored, err := repo.Get(ctx, "req-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Status != validation.StatusFailed || stored.DiagnosticRef == "" || stored.ErrorKind != validation.KindValidationFailed {
		t.Fatalf("stored = %+v", stored)
	}
	if stored.Verdict == nil || stored.Verdict.Coverage.Ratio != 0.5 || stored.Verdict.Duration != 3*time.Second {
		t.Fatalf("stored verdict = %+v", stored.Verdict)
	}

	if _, err := repo.Transition(ctx, "req-1", validation.StatusFailed, func(r *validation.Request) {
		r.Status = validation.StatusPassed
	}); !errors.Is(err, validation.ErrTerminal) {
		t.Fatalf("transition out of terminal error = %v, want ErrTerminal", err)
	}
}

func TestConcurrentTransitionsHaveOneWinner(t *testing.T) {
	repo := NewRequestRepository(openTestDB(t))
	ctx := context.Background()
	if err := repo.Create(ctx, queuedRequest("req-1", time.Now())); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Transition(ctx, "req-1", validation.StatusQueued, func(r *validation.Request) {
				r.Status = validation.StatusRunning
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("winners = %d, want 1", wins)
	}
}

func TestListAndCount(t *testing.T) {
	repo := NewRequestRepository(openTestDB(t))
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		if err := repo.Create(ctx, queuedRequest(fmt.Sprintf("r%d", i), base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	for _, id := range []string{"r1", "r3"} {
		if _, err := repo.Transition(ctx, id, validation.StatusQueued, func(r *validation.Request) {
			r.Status = validation.StatusRunning
		}); err != nil {
			t.Fatalf("Transition(%s) error = %v", id, err)
		}
	}

	all, err := repo.List(ctx, validation.Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 4 || all[0].ID != "r0" || all[3].ID != "r3" {
		t.Fatalf("all = %v", ids(all))
	}
	running, _ := repo.List(ctx, validation.Filter{Status: validation.StatusRunning})
	if len(running) != 2 || running[0].ID != "r1" || running[1].ID != "r3" {
		t.Fatalf("running = %v", ids(running))
	}
	latest, _ := repo.List(ctx, validation.Filter{Limit: 2})
	if len(latest) != 2 || latest[0].ID != "r2" || latest[1].ID != "r3" {
		t.Fatalf("latest = %v", ids(latest))
	}
	if n, _ := repo.CountByStatus(ctx, validation.StatusQueued); n != 2 {
		t.Fatalf("queued count = %d", n)
	}
}

func ids(reqs []validation.Request) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.ID
	}
	return out
}
