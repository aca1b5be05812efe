package local

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cochaviz/tavalid/internal/artifacts"
)

func TestArtifactStorePutUsesKey(t *testing.T) {
	store := &ArtifactStore{BaseDir: t.TempDir()}

	src := filepath.Join(t.TempDir(), "report.zip")
	if err := os.WriteFile(src, []byte("zip-bytes"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	artifact, err := store.Put(context.Background(), "debug/req-1/req-1.zip", src, artifacts.DiagnosticArtifact, map[string]any{"request_id": "req-1"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	wantPath := filepath.Join(store.BaseDir, "debug", "req-1", "req-1.zip")
	if artifact.URI != "file://"+wantPath {
		t.Fatalf("URI = %q, want %q", artifact.URI, "file://"+wantPath)
	}
	if artifact.ContentType != "application/zip" {
		t.Fatalf("ContentType = %q", artifact.ContentType)
	}
	if artifact.Checksum == nil || !strings.HasPrefix(*artifact.Checksum, "sha256:") {
		t.Fatalf("unexpected checksum %v", artifact.Checksum)
	}

	raw, err := os.ReadFile(wantPath + ".json")
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	var stored artifacts.Artifact
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if stored.Metadata["request_id"] != "req-1" {
		t.Fatalf("metadata request_id = %v", stored.Metadata["request_id"])
	}
}

func TestArtifactStorePutWithoutKeyGeneratesName(t *testing.T) {
	store := &ArtifactStore{BaseDir: t.TempDir()}
	src := filepath.Join(t.TempDir(), "bundle.tgz")
	if err := os.WriteFile(src, []byte("tgz"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	artifact, err := store.Put(context.Background(), "", src, artifacts.BundleArtifact, nil)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !strings.HasSuffix(artifact.URI, artifact.ID+".tgz") {
		t.Fatalf("URI %q does not end with id %q", artifact.URI, artifact.ID)
	}
}

func TestArtifactStoreRejectsEscapingKey(t *testing.T) {
	store := &ArtifactStore{BaseDir: t.TempDir()}
	src := filepath.Join(t.TempDir(), "x.txt")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if _, err := store.Put(context.Background(), "../outside.txt", src, artifacts.SamplesArtifact, nil); err == nil {
		t.Fatal("expected error for key escaping the base directory")
	}
}

func TestArtifactStoreFetchAndRemove(t *testing.T) {
	store := &ArtifactStore{BaseDir: t.TempDir()}
	src := filepath.Join(t.TempDir(), "samples.log")
	if err := os.WriteFile(src, []byte("line-1\nline-2\n"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	artifact, err := store.Put(context.Background(), "samples/req/samples.log", src, artifacts.SamplesArtifact, nil)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	dest := filepath.Join(t.TempDir(), "copy", "samples.log")
	if err := store.Fetch(context.Background(), artifact.URI, dest); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil || string(data) != "line-1\nline-2\n" {
		t.Fatalf("fetched content = %q, err = %v", data, err)
	}

	if err := store.Remove(context.Background(), artifact.URI); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := store.Remove(context.Background(), artifact.URI); err != nil {
		t.Fatalf("second Remove() error = %v", err)
	}
	path, _ := pathFromFileURI(artifact.URI)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("artifact still present: %v", err)
	}
}

func TestArtifactStoreFetchBarePath(t *testing.T) {
	store := &ArtifactStore{BaseDir: t.TempDir()}
	src := filepath.Join(t.TempDir(), "bundle.tgz")
	if err := os.WriteFile(src, []byte("tgz"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	dest := filepath.Join(t.TempDir(), "bundle.tgz")
	if err := store.Fetch(context.Background(), src, dest); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
}
