package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	libvirt "libvirt.org/go/libvirt"
)

// GuestPayloadMountPath is where the payload disk is mounted inside the guest.
const GuestPayloadMountPath = "/mnt/tavalid_payload"

const (
	guestSplunkHome = "/opt/splunk"
	guestLogDir     = guestSplunkHome + "/var/log/splunk"
)

// ErrGuestCommandTimedOut is returned when a guest command outlives its context.
var ErrGuestCommandTimedOut = errors.New("guest command timed out")

var guestPollInterval = 500 * time.Millisecond

// qemuAgent is the part of *libvirt.Domain used to talk to the guest agent.
type qemuAgent interface {
	QemuAgentCommand(command string, timeout libvirt.DomainQemuAgentCommandTimeout, flags uint32) (string, error)
}

type guestCommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type guestExecRequest struct {
	Execute   string             `json:"execute"`
	Arguments guestExecArguments `json:"arguments"`
}

type guestExecArguments struct {
	Path          string   `json:"path"`
	Arg           []string `json:"arg"`
	CaptureOutput bool     `json:"capture-output"`
}

type guestExecResponse struct {
	Return struct {
		PID int `json:"pid"`
	} `json:"return"`
}

type guestExecStatusRequest struct {
	Execute   string                   `json:"execute"`
	Arguments guestExecStatusArguments `json:"arguments"`
}

type guestExecStatusArguments struct {
	PID int `json:"pid"`
}

type guestExecStatusResponse struct {
	Return guestExecStatusResult `json:"return"`
}

type guestExecStatusResult struct {
	Exited   bool   `json:"exited"`
	ExitCode int    `json:"exitcode"`
	OutData  string `json:"out-data"`
	ErrData  string `json:"err-data"`
}

func waitForGuestAgent(ctx context.Context, agent qemuAgent, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}

	request := `{"execute":"guest-info"}`
	for {
		if _, err := agent.QemuAgentCommand(request, libvirt.DOMAIN_QEMU_AGENT_COMMAND_DEFAULT, 0); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for guest agent: %w", ctx.Err())
		case <-time.After(interval):
		}
	}
}

// mountPayloadScript mounts the optical drive carrying the payload marker.
func mountPayloadScript() string {
	return fmt.Sprintf(`set -eu
mount_point='%[1]s'
if [ -f "$mount_point/%[2]s" ]; then
    echo "$mount_point"
    exit 0
fi
mkdir -p "$mount_point"
for dev in $(lsblk -nrpo NAME,TYPE 2>/dev/null | awk '$2 == "rom" { print $1 }'); do
    [ -b "$dev" ] || continue
    if mount -o ro "$dev" "$mount_point" >/dev/null 2>&1; then
        if [ -f "$mount_point/%[2]s" ]; then
            echo "$mount_point"
            exit 0
        fi
        umount "$mount_point" >/dev/null 2>&1 || true
    fi
done
echo "payload disk not found" >&2
exit 1
`, GuestPayloadMountPath, payloadMarker)
}

func installBundleScript(app string) string {
	appsDir := path.Join(guestSplunkHome, "etc", "apps")
	return fmt.Sprintf(`set -eu
tar -xzf '%s' -C '%s'
chown -R splunk:splunk '%s'
`, path.Join(GuestPayloadMountPath, payloadBundleName), appsDir, path.Join(appsDir, app))
}

func ingestCommand(spec IngestSpec, username, password string) []string {
	args := []string{
		"add", "oneshot",
		path.Join(GuestPayloadMountPath, payloadSamplesDir, payloadSampleName),
		"-index", spec.Index,
	}
	if spec.Sourcetype != "" {
		args = append(args, "-sourcetype", spec.Sourcetype)
	}
	return append(args, "-auth", username+":"+password)
}

func tailLogScript(app string) string {
	script := fmt.Sprintf("tail -n 500 '%s/splunkd.log' 2>/dev/null || true\n", guestLogDir)
	if app != "" {
		script += fmt.Sprintf("echo '----- %s -----'\nfor f in %s/*%s*.log; do [ -f \"$f\" ] && tail -n 200 \"$f\"; done; true\n",
			app, guestLogDir, strings.ToLower(app))
	}
	return script
}

func runGuestShellCommand(ctx context.Context, agent qemuAgent, script string) (guestCommandResult, error) {
	return runGuestCommand(ctx, agent, "/bin/sh", []string{"-c", script})
}

func runGuestCommand(ctx context.Context, agent qemuAgent, command string, args []string) (guestCommandResult, error) {
	if strings.TrimSpace(command) == "" {
		return guestCommandResult{}, errors.New("guest command path is required")
	}
	if args == nil {
		args = []string{}
	}

	req := guestExecRequest{
		Execute: "guest-exec",
		Arguments: guestExecArguments{
			Path:          command,
			Arg:           args,
			CaptureOutput: true,
		},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return guestCommandResult{}, fmt.Errorf("marshal guest exec request: %w", err)
	}

	resp, err := agent.QemuAgentCommand(string(payload), libvirt.DOMAIN_QEMU_AGENT_COMMAND_DEFAULT, 0)
	if err != nil {
		return guestCommandResult{}, fmt.Errorf("invoke guest exec: %w", err)
	}

	var execResp guestExecResponse
	if err := json.Unmarshal([]byte(resp), &execResp); err != nil {
		return guestCommandResult{}, fmt.Errorf("decode guest exec response: %w", err)
	}
	if execResp.Return.PID == 0 {
		return guestCommandResult{}, errors.New("guest exec returned invalid pid")
	}

	return waitForGuestCommand(ctx, agent, execResp.Return.PID)
}

func waitForGuestCommand(ctx context.Context, agent qemuAgent, pid int) (guestCommandResult, error) {
	req := guestExecStatusRequest{
		Execute: "guest-exec-status",
		Arguments: guestExecStatusArguments{
			PID: pid,
		},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return guestCommandResult{}, fmt.Errorf("marshal guest exec status request: %w", err)
	}

	for {
		resp, err := agent.QemuAgentCommand(string(payload), libvirt.DOMAIN_QEMU_AGENT_COMMAND_DEFAULT, 0)
		if err != nil {
			return guestCommandResult{}, fmt.Errorf("query guest exec status: %w", err)
		}

		var status guestExecStatusResponse
		if err := json.Unmarshal([]byte(resp), &status); err != nil {
			return guestCommandResult{}, fmt.Errorf("decode guest exec status: %w", err)
		}

		if status.Return.Exited {
			result := guestCommandResult{
				ExitCode: status.Return.ExitCode,
				Stdout:   decodeBase64(status.Return.OutData),
				Stderr:   decodeBase64(status.Return.ErrData),
			}
			if status.Return.ExitCode != 0 {
				return result, fmt.Errorf("guest command exit code %d: %s", status.Return.ExitCode, strings.TrimSpace(result.Stderr))
			}
			return result, nil
		}

		select {
		case <-ctx.Done():
			return guestCommandResult{}, fmt.Errorf("%w: %v", ErrGuestCommandTimedOut, ctx.Err())
		case <-time.After(guestPollInterval):
		}
	}
}

func decodeBase64(data string) string {
	if strings.TrimSpace(data) == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return ""
	}
	return string(decoded)
}
