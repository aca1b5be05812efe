package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/tavalid/arch"
)

// LibvirtProfile is the hardware profile of a sandbox domain.
type LibvirtProfile struct {
	Arch         arch.Architecture
	Machine      string
	VCPUs        int
	RAMMB        int
	DiskBus      string
	DiskTarget   string
	CDBus        string
	CDTarget     string
	NetworkModel string
}

// DefaultLibvirtProfile sizes a domain for a single-instance platform.
func DefaultLibvirtProfile() LibvirtProfile {
	return LibvirtProfile{
		Arch:         arch.X86_64,
		VCPUs:        2,
		RAMMB:        4096,
		DiskBus:      "virtio",
		DiskTarget:   "vda",
		CDBus:        "sata",
		CDTarget:     "sdb",
		NetworkModel: "virtio",
	}
}

type domainTemplateData struct {
	Name         string
	DomainType   string
	RAM          int
	VCPUs        int
	Arch         string
	Machine      string
	Overlay      string
	DiskTarget   string
	DiskBus      string
	Payload      string
	CDTarget     string
	CDBus        string
	Network      string
	NetworkModel string
	MAC          string
}

func ensureRunDirectory(dir string) (string, error) {
	if dir == "" {
		return "", errors.New("run directory is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve run directory %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create run directory %q: %w", abs, err)
	}
	return abs, nil
}

func createDiskOverlay(ctx context.Context, baseImagePath, overlayPath string) (string, string, error) {
	if baseImagePath == "" {
		return "", "", errors.New("base image path is empty")
	}
	if overlayPath == "" {
		return "", "", errors.New("overlay path is empty")
	}

	baseAbs, err := filepath.Abs(baseImagePath)
	if err != nil {
		return "", "", fmt.Errorf("resolve base image path %q: %w", baseImagePath, err)
	}
	if _, err := os.Stat(baseAbs); err != nil {
		return "", "", fmt.Errorf("stat base image %q: %w", baseAbs, err)
	}

	overlayAbs, err := filepath.Abs(overlayPath)
	if err != nil {
		return "", "", fmt.Errorf("resolve overlay path %q: %w", overlayPath, err)
	}
	if err := os.Remove(overlayAbs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", "", fmt.Errorf("remove existing overlay %q: %w", overlayAbs, err)
	}

	qemuImg, err := exec.LookPath("qemu-img")
	if err != nil {
		return "", "", fmt.Errorf("qemu-img not found in PATH: %w", err)
	}

	cmd := exec.CommandContext(ctx, qemuImg, "create", "-f", "qcow2", "-F", "qcow2", "-b", baseAbs, overlayAbs)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", "", fmt.Errorf("create overlay with qemu-img: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}

	return baseAbs, overlayAbs, nil
}

func renderDomainXML(templateSrc string, data domainTemplateData) ([]byte, error) {
	if templateSrc == "" {
		return nil, errors.New("domain template source is empty")
	}

	tmpl, err := template.New("domain").Parse(templateSrc)
	if err != nil {
		return nil, fmt.Errorf("parse domain template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute domain template: %w", err)
	}
	return buf.Bytes(), nil
}

func buildDomainTemplateData(name, overlayPath, payloadPath, mac, network string, profile LibvirtProfile) (domainTemplateData, error) {
	if name == "" {
		return domainTemplateData{}, errors.New("domain name is required")
	}
	if overlayPath == "" {
		return domainTemplateData{}, errors.New("overlay path is required")
	}
	if profile.RAMMB <= 0 {
		return domainTemplateData{}, errors.New("ram value is not set in the profile")
	}
	if profile.VCPUs <= 0 {
		return domainTemplateData{}, errors.New("vcpus value is not set in the profile")
	}

	defaults := DefaultLibvirtProfile()
	pick := func(value, fallback string) string {
		if strings.TrimSpace(value) == "" {
			return fallback
		}
		return value
	}

	architecture := profile.Arch
	if architecture == "" {
		architecture = defaults.Arch
	}
	if !architecture.IsValid() {
		return domainTemplateData{}, fmt.Errorf("unsupported architecture %q", architecture)
	}

	domainType := "kvm"
	if architecture.NeedsEmulation() {
		domainType = "qemu"
	}

	return domainTemplateData{
		Name:         name,
		DomainType:   domainType,
		RAM:          profile.RAMMB,
		VCPUs:        profile.VCPUs,
		Arch:         architecture.String(),
		Machine:      profile.Machine,
		Overlay:      overlayPath,
		DiskTarget:   pick(profile.DiskTarget, defaults.DiskTarget),
		DiskBus:      pick(profile.DiskBus, defaults.DiskBus),
		Payload:      payloadPath,
		CDTarget:     pick(profile.CDTarget, defaults.CDTarget),
		CDBus:        pick(profile.CDBus, defaults.CDBus),
		Network:      pick(network, DefaultNetworkName),
		NetworkModel: pick(profile.NetworkModel, defaults.NetworkModel),
		MAC:          mac,
	}, nil
}

func isLibvirtError(err error, codes ...libvirt.ErrorNumber) bool {
	var lverr libvirt.Error
	if !errors.As(err, &lverr) {
		return false
	}
	for _, code := range codes {
		if lverr.Code == code {
			return true
		}
	}
	return false
}
