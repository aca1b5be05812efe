package sandbox

import (
	"context"
	"errors"
)

// ErrSandboxNotFound is returned by drivers when a sandbox no longer exists.
// Destroy treats it as success.
var ErrSandboxNotFound = errors.New("sandbox not found")

// Driver is the provisioning backend. Implementations must make Destroy
// idempotent: destroying an absent sandbox returns nil.
type Driver interface {
	Provision(ctx context.Context, spec ProvisionSpec) (Handle, error)
	Destroy(ctx context.Context, h Handle) error
	ProbeReady(ctx context.Context, h Handle) (bool, error)
	ExecInstall(ctx context.Context, h Handle, bundlePath string) error
	ExecIngest(ctx context.Context, h Handle, spec IngestSpec) error
	RunQueries(ctx context.Context, h Handle, queries []Query) ([]QueryResult, error)
}

// LogCollector is implemented by drivers that can pull platform logs out of
// a sandbox for diagnostics. Keys are file names.
type LogCollector interface {
	CollectLogs(ctx context.Context, h Handle) (map[string][]byte, error)
}
