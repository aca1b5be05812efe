package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cochaviz/tavalid/internal/logging"
)

const (
	containerStagingDir = "/tmp/tavalid"
	containerAppsDir    = "/opt/splunk/etc/apps"
	containerSplunkBin  = "/opt/splunk/bin/splunk"
	containerLogDir     = "/opt/splunk/var/log/splunk"
	managementPort      = "8089/tcp"
)

var _ Driver = (*ContainerDriver)(nil)
var _ LogCollector = (*ContainerDriver)(nil)

// ContainerDriver runs each sandbox as a container through a Docker
// compatible CLI (docker or podman).
type ContainerDriver struct {
	Runtime     string // Binary name or path, defaults to docker.
	Image       string
	PublishHost string // Host address the management port is published on.
	Scheme      string // Management scheme, defaults to https.
	ExtraEnv    map[string]string
	Management  Management
	Logger      *slog.Logger
}

// NewContainerDriver returns a driver with the stock Splunk image settings.
func NewContainerDriver(logger *slog.Logger) *ContainerDriver {
	return &ContainerDriver{
		Runtime:     "docker",
		Image:       "splunk/splunk:latest",
		PublishHost: "127.0.0.1",
		Scheme:      "https",
		Management:  DefaultManagement(),
		Logger:      logger,
	}
}

func (d *ContainerDriver) logger() *slog.Logger {
	return logging.Ensure(d.Logger).With("driver", "container")
}

func (d *ContainerDriver) Provision(ctx context.Context, spec ProvisionSpec) (Handle, error) {
	if strings.TrimSpace(spec.RequestID) == "" {
		return Handle{}, errors.New("request id is required")
	}
	if strings.TrimSpace(d.Image) == "" {
		return Handle{}, errors.New("container image is not configured")
	}

	name := NameFor(spec.RequestID)
	logger := d.logger().With("sandbox", name)

	args := []string{"run", "-d", "--name", name,
		"--label", "tavalid.request=" + spec.RequestID,
		"-e", "SPLUNK_START_ARGS=--accept-license",
		"-e", "SPLUNK_PASSWORD=" + d.Management.Password,
		"-p", publishSpec(d.PublishHost, managementPort),
	}
	for k, v := range d.ExtraEnv {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, d.Image)

	out, err := d.run(ctx, args...)
	if err != nil {
		return Handle{}, fmt.Errorf("start container %s: %w", name, err)
	}
	containerID := firstLine(out)

	handle := Handle{
		ID:         containerID,
		Name:       name,
		RequestID:  spec.RequestID,
		Stage:      StageCreating,
		AcquiredAt: time.Now().UTC(),
		Metadata: map[string]any{
			"driver":  "container",
			"runtime": d.runtime(),
			"image":   d.Image,
		},
	}

	portOut, err := d.run(ctx, "port", name, managementPort)
	if err != nil {
		return handle, fmt.Errorf("resolve management port of %s: %w", name, err)
	}
	hostPort := firstLine(portOut)
	if hostPort == "" {
		return handle, fmt.Errorf("container %s does not publish %s", name, managementPort)
	}
	handle.Endpoint = fmt.Sprintf("%s://%s", d.scheme(), strings.Replace(hostPort, "0.0.0.0", "127.0.0.1", 1))

	logger.Info("container started", "container_id", shortID(containerID), "endpoint", handle.Endpoint)
	return handle, nil
}

func (d *ContainerDriver) Destroy(ctx context.Context, h Handle) error {
	target := h.Name
	if target == "" {
		target = h.ID
	}
	if target == "" {
		return errors.New("handle does not identify a container")
	}

	if _, err := d.run(ctx, "rm", "-f", "-v", target); err != nil {
		if isNoSuchContainer(err) {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", target, err)
	}
	d.logger().Info("container removed", "sandbox", target)
	return nil
}

func (d *ContainerDriver) ProbeReady(ctx context.Context, h Handle) (bool, error) {
	return d.Management.probe(ctx, h)
}

func (d *ContainerDriver) ExecInstall(ctx context.Context, h Handle, bundlePath string) error {
	app, err := AppName(bundlePath)
	if err != nil {
		return err
	}
	if h.Metadata != nil {
		h.Metadata["app_name"] = app
	}

	staged := path.Join(containerStagingDir, "bundle.tgz")
	if _, err := d.run(ctx, "exec", "-u", "root", h.Name, "mkdir", "-p", containerStagingDir); err != nil {
		return fmt.Errorf("prepare staging dir: %w", err)
	}
	if _, err := d.run(ctx, "cp", bundlePath, h.Name+":"+staged); err != nil {
		return fmt.Errorf("copy bundle: %w", err)
	}
	if _, err := d.run(ctx, "exec", "-u", "root", h.Name, "sh", "-c",
		fmt.Sprintf("tar -xzf %s -C %s && chown -R splunk:splunk %s/%s", staged, containerAppsDir, containerAppsDir, app)); err != nil {
		return fmt.Errorf("unpack bundle: %w", err)
	}

	return d.Management.restartAndVerify(ctx, h, app, d.logger().With("sandbox", h.Name))
}

func (d *ContainerDriver) ExecIngest(ctx context.Context, h Handle, spec IngestSpec) error {
	if err := d.Management.createIndex(ctx, h, spec.Index); err != nil {
		return err
	}

	staged := path.Join(containerStagingDir, filepath.Base(spec.SamplePath))
	if _, err := d.run(ctx, "cp", spec.SamplePath, h.Name+":"+staged); err != nil {
		return fmt.Errorf("copy samples: %w", err)
	}

	args := []string{"exec", "-u", "root", h.Name, containerSplunkBin, "add", "oneshot", staged, "-index", spec.Index}
	if spec.Sourcetype != "" {
		args = append(args, "-sourcetype", spec.Sourcetype)
	}
	args = append(args, "-auth", d.Management.Username+":"+d.Management.Password)
	if _, err := d.run(ctx, args...); err != nil {
		return fmt.Errorf("oneshot ingest into %s: %w", spec.Index, err)
	}
	return nil
}

func (d *ContainerDriver) RunQueries(ctx context.Context, h Handle, queries []Query) ([]QueryResult, error) {
	return d.Management.runQueries(ctx, h, queries)
}

// CollectLogs tails the platform logs and any app-specific log files.
func (d *ContainerDriver) CollectLogs(ctx context.Context, h Handle) (map[string][]byte, error) {
	logs := map[string][]byte{}
	var errs []error

	out, err := d.run(ctx, "exec", h.Name, "tail", "-n", "500", path.Join(containerLogDir, "splunkd.log"))
	if err != nil {
		errs = append(errs, fmt.Errorf("splunkd.log: %w", err))
	} else {
		logs["splunkd.log"] = out
	}

	if app, _ := h.Metadata["app_name"].(string); app != "" {
		script := fmt.Sprintf("for f in %s/*%s*.log; do [ -f \"$f\" ] && tail -n 200 \"$f\"; done; true", containerLogDir, strings.ToLower(app))
		if out, err := d.run(ctx, "exec", h.Name, "sh", "-c", script); err != nil {
			errs = append(errs, fmt.Errorf("%s logs: %w", app, err))
		} else if len(out) > 0 {
			logs[app+".log"] = out
		}
	}

	if out, err := d.run(ctx, "logs", "--tail", "200", h.Name); err == nil {
		logs["container.log"] = out
	}

	return logs, errors.Join(errs...)
}

func (d *ContainerDriver) runtime() string {
	if strings.TrimSpace(d.Runtime) == "" {
		return "docker"
	}
	return d.Runtime
}

func (d *ContainerDriver) scheme() string {
	if d.Scheme == "" {
		return "https"
	}
	return d.Scheme
}

// CommandError carries the stderr of a failed runtime invocation.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v (stderr: %s)", strings.Join(e.Args, " "), e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (d *ContainerDriver) run(ctx context.Context, args ...string) ([]byte, error) {
	binary, err := exec.LookPath(d.runtime())
	if err != nil {
		return nil, fmt.Errorf("%s not found in PATH: %w", d.runtime(), err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), &CommandError{
			Args:   append([]string{d.runtime()}, redact(args)...),
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return stdout.Bytes(), nil
}

func isNoSuchContainer(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	msg := strings.ToLower(cmdErr.Stderr)
	return strings.Contains(msg, "no such container") || strings.Contains(msg, "no container with name")
}

func publishSpec(host, port string) string {
	containerPort := strings.TrimSuffix(port, "/tcp")
	if host == "" {
		return containerPort
	}
	return host + "::" + containerPort
}

func firstLine(out []byte) string {
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(line)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// redact hides credentials passed on the command line.
func redact(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		switch {
		case strings.HasPrefix(arg, "SPLUNK_PASSWORD="):
			out[i] = "SPLUNK_PASSWORD=***"
		case i > 0 && args[i-1] == "-auth":
			out[i] = "***"
		default:
			out[i] = arg
		}
	}
	return out
}
