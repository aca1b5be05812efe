package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cochaviz/tavalid/internal/sandbox"
)

func isolateEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))
	old := SystemConfigPath
	SystemConfigPath = filepath.Join(home, "etc", "config.yaml")
	t.Cleanup(func() { SystemConfigPath = old })
	return home
}

func TestLoadFromPathOverridesDefaults(t *testing.T) {
	home := isolateEnv(t)
	path := filepath.Join(home, "tavalid.yaml")
	content := `
admission:
  capacity: 5
timeouts:
  ready: 90s
coverage:
  threshold: 0.9
sandbox:
  driver: libvirt
  libvirt:
    base_image: /images/splunk.qcow2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath() error = %v", err)
	}
	if cfg.Admission.Capacity != 5 {
		t.Fatalf("capacity = %d", cfg.Admission.Capacity)
	}
	if cfg.Timeouts.Ready != 90*time.Second {
		t.Fatalf("ready timeout = %v", cfg.Timeouts.Ready)
	}
	if cfg.Timeouts.Attempt != 35*time.Minute {
		t.Fatalf("attempt timeout default lost: %v", cfg.Timeouts.Attempt)
	}
	if cfg.Coverage.Threshold != 0.9 || cfg.Sandbox.Driver != "libvirt" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Coverage.RequiredChecks) != 1 || cfg.Coverage.RequiredChecks[0] != "timestamp_parsing" {
		t.Fatalf("required checks = %v", cfg.Coverage.RequiredChecks)
	}
}

func TestLoadReadsEnvironmentAndDotEnv(t *testing.T) {
	home := isolateEnv(t)
	t.Setenv("TAVALID_ADMISSION_CAPACITY", "7")

	userDir := filepath.Join(home, "config", "tavalid")
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(userDir, "config.yaml"), []byte("admission:\n  capacity: 4\nstate:\n  driver: postgres\n  dsn: ${TAVALID_TEST_DSN}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	wd, _ := os.Getwd()
	if err := os.Chdir(home); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
	if err := os.WriteFile(filepath.Join(home, ".env"), []byte("TAVALID_TEST_DSN=postgres://validator@db/tavalid\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("TAVALID_TEST_DSN") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Admission.Capacity != 7 {
		t.Fatalf("capacity = %d, want env override 7", cfg.Admission.Capacity)
	}
	if cfg.State.Driver != "postgres" || cfg.State.DSN != "postgres://validator@db/tavalid" {
		t.Fatalf("state = %+v", cfg.State)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Admission.Capacity = 0
	cfg.Sandbox.Driver = "vmware"
	cfg.Storage.Backend = "s3"
	cfg.Coverage.Threshold = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"admission.capacity", "coverage.threshold", "sandbox.driver", "storage.s3.bucket"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q lacks %q", err, want)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestBuildDriverHonoursConfig(t *testing.T) {
	cfg := Default()
	cfg.Sandbox.Container.Runtime = "podman"
	cfg.Platform.Password = "s3cret"

	driver, err := BuildDriver(cfg, nil)
	if err != nil {
		t.Fatalf("BuildDriver() error = %v", err)
	}
	container, ok := driver.(*sandbox.ContainerDriver)
	if !ok {
		t.Fatalf("driver = %T", driver)
	}
	if container.Runtime != "podman" || container.Management.Password != "s3cret" {
		t.Fatalf("container driver = %+v", container)
	}

	cfg.Sandbox.Driver = "libvirt"
	cfg.Sandbox.Libvirt.VCPUs = 8
	driver, err = BuildDriver(cfg, nil)
	if err != nil {
		t.Fatalf("BuildDriver(libvirt) error = %v", err)
	}
	lv, ok := driver.(*sandbox.LibvirtDriver)
	if !ok || lv.Profile.VCPUs != 8 || lv.NetworkName != "tavalid_lab" {
		t.Fatalf("libvirt driver = %+v", driver)
	}
}

func TestBuildServiceUsesSQLiteState(t *testing.T) {
	home := isolateEnv(t)
	cfg := Default()
	cfg.State.DSN = filepath.Join(home, "state", "state.db")
	cfg.Storage.Local.Dir = filepath.Join(home, "artifacts")
	cfg.WorkDir = filepath.Join(home, "work")

	ctx := context.Background()
	svc, err := BuildService(ctx, cfg, ServiceOptions{}, nil)
	if err != nil {
		t.Fatalf("BuildService() error = %v", err)
	}
	if svc.Store.Scheme() != "file" {
		t.Fatalf("primary store scheme = %q", svc.Store.Scheme())
	}
	if _, err := os.Stat(cfg.State.DSN); err != nil {
		t.Fatalf("state database not created: %v", err)
	}
	if err := svc.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
