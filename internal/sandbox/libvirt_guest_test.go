package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	libvirt "libvirt.org/go/libvirt"
)

type stubQemuAgentDomain struct {
	responses []guestExecStatusResponse
	commands  []string
	call      int
}

func (d *stubQemuAgentDomain) QemuAgentCommand(cmd string, _ libvirt.DomainQemuAgentCommandTimeout, _ uint32) (string, error) {
	d.commands = append(d.commands, cmd)
	if strings.Contains(cmd, `"guest-exec"`) {
		return `{"return":{"pid":42}}`, nil
	}
	if len(d.responses) == 0 {
		return "", errors.New("no responses configured")
	}
	idx := d.call
	if idx >= len(d.responses) {
		idx = len(d.responses) - 1
	}
	d.call++

	payload, err := json.Marshal(d.responses[idx])
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func fastGuestPolling(t *testing.T) {
	t.Helper()
	prev := guestPollInterval
	guestPollInterval = time.Millisecond
	t.Cleanup(func() { guestPollInterval = prev })
}

func TestWaitForGuestCommandPollsUntilExit(t *testing.T) {
	fastGuestPolling(t)

	domain := &stubQemuAgentDomain{
		responses: []guestExecStatusResponse{
			{Return: guestExecStatusResult{Exited: false}},
			{
				Return: guestExecStatusResult{
					Exited:   true,
					ExitCode: 0,
					OutData:  base64.StdEncoding.EncodeToString([]byte("ok")),
				},
			},
		},
	}

	result, err := waitForGuestCommand(context.Background(), domain, 123)
	if err != nil {
		t.Fatalf("waitForGuestCommand returned error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", result.ExitCode)
	}
	if result.Stdout != "ok" {
		t.Fatalf("expected stdout %q, got %q", "ok", result.Stdout)
	}
}

func TestWaitForGuestCommandTimesOut(t *testing.T) {
	fastGuestPolling(t)

	domain := &stubQemuAgentDomain{
		responses: []guestExecStatusResponse{
			{Return: guestExecStatusResult{Exited: false}},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := waitForGuestCommand(ctx, domain, 123)
	if !errors.Is(err, ErrGuestCommandTimedOut) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestRunGuestCommandReportsExitCode(t *testing.T) {
	fastGuestPolling(t)

	domain := &stubQemuAgentDomain{
		responses: []guestExecStatusResponse{{
			Return: guestExecStatusResult{
				Exited:   true,
				ExitCode: 2,
				ErrData:  base64.StdEncoding.EncodeToString([]byte("tar: bundle.tgz: Cannot open")),
			},
		}},
	}

	_, err := runGuestShellCommand(context.Background(), domain, installBundleScript("TA-demo"))
	if err == nil || !strings.Contains(err.Error(), "Cannot open") {
		t.Fatalf("expected exit error with stderr, got %v", err)
	}
	if !strings.Contains(domain.commands[0], `"path":"/bin/sh"`) {
		t.Fatalf("unexpected exec request %s", domain.commands[0])
	}
}

func TestIngestCommandTargetsPayloadSamples(t *testing.T) {
	t.Parallel()

	args := ingestCommand(IngestSpec{SamplePath: "/var/lib/tavalid/req/fw-2024.log", Index: "tavalid_x", Sourcetype: "cisco:asa"}, "admin", "pw")
	joined := strings.Join(args, " ")
	want := "add oneshot /mnt/tavalid_payload/samples/samples.log -index tavalid_x -sourcetype cisco:asa -auth admin:pw"
	if joined != want {
		t.Fatalf("ingestCommand() = %q, want %q", joined, want)
	}
}

func TestGuestScriptsReferencePayload(t *testing.T) {
	t.Parallel()

	if !strings.Contains(mountPayloadScript(), payloadMarker) {
		t.Fatal("mount script does not look for the payload marker")
	}
	install := installBundleScript("TA-demo")
	if !strings.Contains(install, "/mnt/tavalid_payload/bundle.tgz") || !strings.Contains(install, "/opt/splunk/etc/apps/TA-demo") {
		t.Fatalf("install script = %q", install)
	}
	if !strings.Contains(tailLogScript("TA-Demo"), "*ta-demo*.log") {
		t.Fatal("log script does not match app log files")
	}
}
