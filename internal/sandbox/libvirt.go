package sandbox

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/tavalid/internal/logging"
)

var _ Driver = (*LibvirtDriver)(nil)
var _ LogCollector = (*LibvirtDriver)(nil)

//go:embed domain.xml.tmpl
var defaultDomain string

// LibvirtDriver runs each sandbox as a transient libvirt domain booted from a
// copy-on-write overlay of a prepared platform image. Artifacts reach the
// guest on a payload ISO; commands run through the qemu guest agent.
type LibvirtDriver struct {
	ConnectionURI string
	BaseDir       string // Per-sandbox run directories live here.
	BaseImage     string // qcow2 image with the platform preinstalled.
	NetworkName   string
	Profile       LibvirtProfile
	Management    Management
	Logger        *slog.Logger
}

// NewLibvirtDriver returns a driver with the default hardware profile.
func NewLibvirtDriver(connectionURI, baseDir, baseImage string, logger *slog.Logger) *LibvirtDriver {
	return &LibvirtDriver{
		ConnectionURI: connectionURI,
		BaseDir:       baseDir,
		BaseImage:     baseImage,
		NetworkName:   DefaultNetworkName,
		Profile:       DefaultLibvirtProfile(),
		Management:    DefaultManagement(),
		Logger:        logger,
	}
}

// workspace is the on-disk state of one sandbox domain.
type workspace struct {
	Name      string
	RunDir    string
	Overlay   string
	Payload   string
	DomainXML string
	MAC       string
}

func (d *LibvirtDriver) logger() *slog.Logger {
	return logging.Ensure(d.Logger).With("driver", "libvirt")
}

func (d *LibvirtDriver) validate() error {
	if d == nil {
		return errors.New("libvirt driver is not configured")
	}
	if d.BaseDir == "" {
		return errors.New("libvirt driver BaseDir is not configured")
	}
	if d.ConnectionURI == "" {
		return errors.New("libvirt driver ConnectionURI is not configured")
	}
	if d.BaseImage == "" {
		return errors.New("libvirt driver BaseImage is not configured")
	}
	return nil
}

// prepareWorkspace creates the run directory, overlay disk, payload ISO and
// domain definition for a request without touching libvirt.
func (d *LibvirtDriver) prepareWorkspace(ctx context.Context, spec ProvisionSpec) (workspace, error) {
	if err := d.validate(); err != nil {
		return workspace{}, err
	}
	if strings.TrimSpace(spec.RequestID) == "" {
		return workspace{}, errors.New("request id is required")
	}

	name := NameFor(spec.RequestID)
	runDir, err := ensureRunDirectory(filepath.Join(d.BaseDir, name))
	if err != nil {
		return workspace{}, err
	}
	ws := workspace{Name: name, RunDir: runDir, MAC: sandboxMAC(spec.RequestID)}

	_, ws.Overlay, err = createDiskOverlay(ctx, d.BaseImage, filepath.Join(runDir, "disk-overlay.qcow2"))
	if err != nil {
		return ws, fmt.Errorf("prepare overlay disk: %w", err)
	}

	ws.Payload, err = preparePayloadDisk(runDir, spec.RequestID, spec.BundlePath, spec.SamplePath)
	if err != nil {
		return ws, err
	}

	data, err := buildDomainTemplateData(name, ws.Overlay, ws.Payload, ws.MAC, d.NetworkName, d.Profile)
	if err != nil {
		return ws, fmt.Errorf("derive domain template data: %w", err)
	}
	domainXML, err := renderDomainXML(defaultDomain, data)
	if err != nil {
		return ws, fmt.Errorf("render domain definition: %w", err)
	}

	ws.DomainXML = filepath.Join(runDir, "domain.xml")
	if err := os.WriteFile(ws.DomainXML, domainXML, 0o644); err != nil {
		return ws, fmt.Errorf("write domain definition: %w", err)
	}
	return ws, nil
}

func (d *LibvirtDriver) Provision(ctx context.Context, spec ProvisionSpec) (Handle, error) {
	ws, err := d.prepareWorkspace(ctx, spec)
	if err != nil {
		return Handle{}, err
	}

	handle := Handle{
		Name:       ws.Name,
		RequestID:  spec.RequestID,
		Stage:      StageCreating,
		AcquiredAt: time.Now().UTC(),
		Metadata: map[string]any{
			"driver":  "libvirt",
			"run_dir": ws.RunDir,
			"mac":     ws.MAC,
		},
	}
	logger := d.logger().With("sandbox", ws.Name, "run_dir", ws.RunDir)

	conn, err := libvirt.NewConnect(d.ConnectionURI)
	if err != nil {
		return handle, fmt.Errorf("open libvirt connection %s: %w", d.ConnectionURI, err)
	}
	defer conn.Close()

	network, err := conn.LookupNetworkByName(d.networkName())
	if err != nil {
		return handle, fmt.Errorf("lookup network %s: %w", d.networkName(), err)
	}
	defer network.Free()

	ip, err := (&dhcpPinner{network: network}).Pin(ws.MAC)
	if err != nil {
		return handle, err
	}
	handle.Endpoint = fmt.Sprintf("https://%s:8089", ip)
	logger.Debug("pinned sandbox address", "mac", ws.MAC, "ip", ip.String())

	domainXML, err := os.ReadFile(ws.DomainXML)
	if err != nil {
		return handle, fmt.Errorf("read domain definition: %w", err)
	}
	domain, err := conn.DomainDefineXML(string(domainXML))
	if err != nil {
		return handle, fmt.Errorf("define domain %s: %w", ws.Name, err)
	}
	defer domain.Free()

	if uuid, err := domain.GetUUIDString(); err == nil {
		handle.ID = uuid
	}
	if err := domain.Create(); err != nil {
		return handle, fmt.Errorf("start domain %s: %w", ws.Name, err)
	}

	logger.Info("domain started", "endpoint", handle.Endpoint)
	return handle, nil
}

// Destroy stops and undefines the domain, removes its DHCP pin and deletes
// the run directory. Every step tolerates state that is already gone.
func (d *LibvirtDriver) Destroy(ctx context.Context, h Handle) error {
	if err := d.validate(); err != nil {
		return err
	}
	if h.Name == "" {
		return errors.New("handle does not identify a domain")
	}
	logger := d.logger().With("sandbox", h.Name)

	conn, err := libvirt.NewConnect(d.ConnectionURI)
	if err != nil {
		return fmt.Errorf("open libvirt connection %s: %w", d.ConnectionURI, err)
	}
	defer conn.Close()

	var errs []error
	domain, err := conn.LookupDomainByName(h.Name)
	switch {
	case isLibvirtError(err, libvirt.ERR_NO_DOMAIN):
		logger.Debug("domain already gone")
	case err != nil:
		errs = append(errs, fmt.Errorf("lookup domain: %w", err))
	default:
		if err := domain.Destroy(); err != nil && !isLibvirtError(err, libvirt.ERR_OPERATION_INVALID, libvirt.ERR_NO_DOMAIN) {
			errs = append(errs, fmt.Errorf("stop domain: %w", err))
		}
		if err := domain.UndefineFlags(libvirt.DOMAIN_UNDEFINE_NVRAM); err != nil && !isLibvirtError(err, libvirt.ERR_NO_DOMAIN) {
			errs = append(errs, fmt.Errorf("undefine domain: %w", err))
		}
		domain.Free()
	}

	if network, err := conn.LookupNetworkByName(d.networkName()); err == nil {
		if err := (&dhcpPinner{network: network}).Unpin(sandboxMAC(h.RequestID)); err != nil {
			errs = append(errs, err)
		}
		network.Free()
	} else if !isLibvirtError(err, libvirt.ERR_NO_NETWORK) {
		errs = append(errs, fmt.Errorf("lookup network: %w", err))
	}

	if err := os.RemoveAll(filepath.Join(d.BaseDir, h.Name)); err != nil {
		errs = append(errs, fmt.Errorf("remove run directory: %w", err))
	}

	if len(errs) == 0 {
		logger.Info("domain destroyed")
	}
	return errors.Join(errs...)
}

func (d *LibvirtDriver) ProbeReady(ctx context.Context, h Handle) (bool, error) {
	return d.Management.probe(ctx, h)
}

func (d *LibvirtDriver) ExecInstall(ctx context.Context, h Handle, bundlePath string) error {
	app, err := AppName(bundlePath)
	if err != nil {
		return err
	}
	if h.Metadata != nil {
		h.Metadata["app_name"] = app
	}

	err = d.withGuest(ctx, h, func(agent qemuAgent) error {
		if _, err := runGuestShellCommand(ctx, agent, mountPayloadScript()); err != nil {
			return fmt.Errorf("mount payload: %w", err)
		}
		if _, err := runGuestShellCommand(ctx, agent, installBundleScript(app)); err != nil {
			return fmt.Errorf("unpack bundle: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return d.Management.restartAndVerify(ctx, h, app, d.logger().With("sandbox", h.Name))
}

func (d *LibvirtDriver) ExecIngest(ctx context.Context, h Handle, spec IngestSpec) error {
	if err := d.Management.createIndex(ctx, h, spec.Index); err != nil {
		return err
	}
	return d.withGuest(ctx, h, func(agent qemuAgent) error {
		if _, err := runGuestShellCommand(ctx, agent, mountPayloadScript()); err != nil {
			return fmt.Errorf("mount payload: %w", err)
		}
		args := ingestCommand(spec, d.Management.Username, d.Management.Password)
		if _, err := runGuestCommand(ctx, agent, guestSplunkHome+"/bin/splunk", args); err != nil {
			return fmt.Errorf("oneshot ingest into %s: %w", spec.Index, err)
		}
		return nil
	})
}

func (d *LibvirtDriver) RunQueries(ctx context.Context, h Handle, queries []Query) ([]QueryResult, error) {
	return d.Management.runQueries(ctx, h, queries)
}

func (d *LibvirtDriver) CollectLogs(ctx context.Context, h Handle) (map[string][]byte, error) {
	app, _ := h.Metadata["app_name"].(string)
	logs := map[string][]byte{}
	err := d.withGuest(ctx, h, func(agent qemuAgent) error {
		result, err := runGuestShellCommand(ctx, agent, tailLogScript(app))
		if err != nil {
			return err
		}
		logs["splunkd.log"] = []byte(result.Stdout)
		return nil
	})
	return logs, err
}

func (d *LibvirtDriver) withGuest(ctx context.Context, h Handle, fn func(agent qemuAgent) error) error {
	conn, err := libvirt.NewConnect(d.ConnectionURI)
	if err != nil {
		return fmt.Errorf("open libvirt connection %s: %w", d.ConnectionURI, err)
	}
	defer conn.Close()

	domain, err := conn.LookupDomainByName(h.Name)
	if err != nil {
		if isLibvirtError(err, libvirt.ERR_NO_DOMAIN) {
			return fmt.Errorf("%w: %s", ErrSandboxNotFound, h.Name)
		}
		return fmt.Errorf("lookup domain %s: %w", h.Name, err)
	}
	defer domain.Free()

	if err := waitForGuestAgent(ctx, domain, 5*time.Second); err != nil {
		return err
	}
	return fn(domain)
}

func (d *LibvirtDriver) networkName() string {
	if strings.TrimSpace(d.NetworkName) == "" {
		return DefaultNetworkName
	}
	return d.NetworkName
}
