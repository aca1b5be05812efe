package setup

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"text/template"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	"libvirt.org/go/libvirt"
)

// NftTemplateConfig holds values injected into the nftables template.
type NftTemplateConfig struct {
	DNSAllowlist []string
	DNSRate      string
	DNSBurst     string
}

// Config captures the parameters required to prepare the lab network.
type Config struct {
	ConnectionURI  string
	NetworkName    string
	LabBridge      string
	LabGatewayCIDR string
	VMNetworkCIDR  string
	DHCPStart      string
	DHCPEnd        string
	NftTable       string
	NftTemplate    NftTemplateConfig
}

// DefaultConfig matches the network name the libvirt driver expects.
var DefaultConfig = Config{
	ConnectionURI:  "qemu:///system",
	NetworkName:    "tavalid_lab",
	LabBridge:      "br_tavalid",
	LabGatewayCIDR: "10.13.37.1/24",
	VMNetworkCIDR:  "10.13.37.0/24",
	DHCPStart:      "10.13.37.100",
	DHCPEnd:        "10.13.37.200",
	NftTable:       "tavalid_lab",
	NftTemplate: NftTemplateConfig{
		DNSAllowlist: []string{"1.1.1.1", "8.8.8.8"},
		DNSRate:      "60/minute",
		DNSBurst:     "30 packets",
	},
}

//go:embed lab_net.nft
var labNetRules string

const networkTemplate = `<network>
  <name>{{.Name}}</name>
  <bridge name='{{.Bridge}}' stp='on' delay='0'/>
  <ip address='{{.Gateway}}' netmask='{{.Netmask}}'>
    <dhcp>
      <range start='{{.DHCPStart}}' end='{{.DHCPEnd}}'/>
    </dhcp>
  </ip>
</network>
`

func configPath() string {
	return filepath.Join(ConfigDir, "networking.json")
}

// LoadConfig reads the persisted network config, writing the defaults on
// first use.
func LoadConfig() (Config, error) {
	data, err := os.ReadFile(configPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if err := writeConfigFile(DefaultConfig); err != nil {
				return Config{}, err
			}
			return DefaultConfig, nil
		}
		return Config{}, fmt.Errorf("read persisted config: %w", err)
	}
	var persisted Config
	if err := json.Unmarshal(data, &persisted); err != nil {
		return Config{}, fmt.Errorf("decode persisted config: %w", err)
	}
	return persisted, nil
}

// SetupNetwork provisions the lab networking environment.
func SetupNetwork(ctx context.Context) error {
	if err := requireRoot(); err != nil {
		return err
	}
	if err := ensureCommands("nft"); err != nil {
		return err
	}

	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	parsed, err := parseAddresses(cfg)
	if err != nil {
		return err
	}

	if err := ensureLibvirtNetwork(parsed); err != nil {
		return err
	}
	if err := ensureLabBridge(parsed); err != nil {
		return err
	}
	if err := configureSysctls(); err != nil {
		return err
	}
	if err := programNftables(ctx, parsed); err != nil {
		return err
	}
	getLogger().Info("lab network ready", "network", cfg.NetworkName, "bridge", cfg.LabBridge, "cidr", cfg.VMNetworkCIDR)
	return nil
}

type parsedConfig struct {
	Config
	labGateway *netlink.Addr
	vmNetwork  *net.IPNet
}

type nftTemplateData struct {
	Table         string
	Bridge        string
	VMNetworkCIDR string
	DNSAllowlist  []string
	DNSRate       string
	DNSBurst      string
}

type networkTemplateData struct {
	Name      string
	Bridge    string
	Gateway   string
	Netmask   string
	DHCPStart string
	DHCPEnd   string
}

func parseAddresses(cfg Config) (parsedConfig, error) {
	labGW, err := netlink.ParseAddr(cfg.LabGatewayCIDR)
	if err != nil {
		return parsedConfig{}, fmt.Errorf("parse lab gateway: %w", err)
	}
	_, vmNet, err := net.ParseCIDR(cfg.VMNetworkCIDR)
	if err != nil {
		return parsedConfig{}, fmt.Errorf("parse VM network: %w", err)
	}
	if !vmNet.Contains(labGW.IP) {
		return parsedConfig{}, fmt.Errorf("lab gateway %s is outside %s", labGW.IP, vmNet)
	}
	for _, bound := range []string{cfg.DHCPStart, cfg.DHCPEnd} {
		ip := net.ParseIP(bound)
		if ip == nil || !vmNet.Contains(ip) {
			return parsedConfig{}, fmt.Errorf("dhcp bound %q is outside %s", bound, vmNet)
		}
	}
	return parsedConfig{Config: cfg, labGateway: labGW, vmNetwork: vmNet}, nil
}

func buildNftTemplateData(cfg parsedConfig) (nftTemplateData, error) {
	if cfg.vmNetwork == nil {
		return nftTemplateData{}, errors.New("vm network not configured")
	}
	table := cfg.NftTable
	if table == "" {
		table = DefaultConfig.NftTable
	}
	return nftTemplateData{
		Table:         table,
		Bridge:        cfg.LabBridge,
		VMNetworkCIDR: cfg.vmNetwork.String(),
		DNSAllowlist:  append([]string(nil), cfg.NftTemplate.DNSAllowlist...),
		DNSRate:       cfg.NftTemplate.DNSRate,
		DNSBurst:      cfg.NftTemplate.DNSBurst,
	}, nil
}

func renderRules(cfg parsedConfig) ([]byte, error) {
	data, err := buildNftTemplateData(cfg)
	if err != nil {
		return nil, err
	}
	tmpl, err := template.New("lab_net").Funcs(template.FuncMap{"join": strings.Join}).Parse(labNetRules)
	if err != nil {
		return nil, fmt.Errorf("parse nft template: %w", err)
	}
	var rendered bytes.Buffer
	if err := tmpl.Execute(&rendered, data); err != nil {
		return nil, fmt.Errorf("render nft template: %w", err)
	}
	return rendered.Bytes(), nil
}

func renderNetworkXML(cfg parsedConfig) (string, error) {
	mask := cfg.labGateway.Mask
	if mask == nil {
		mask = cfg.vmNetwork.Mask
	}
	data := networkTemplateData{
		Name:      cfg.NetworkName,
		Bridge:    cfg.LabBridge,
		Gateway:   cfg.labGateway.IP.String(),
		Netmask:   net.IP(mask).String(),
		DHCPStart: cfg.DHCPStart,
		DHCPEnd:   cfg.DHCPEnd,
	}
	tmpl, err := template.New("network").Parse(networkTemplate)
	if err != nil {
		return "", fmt.Errorf("parse network template: %w", err)
	}
	var out bytes.Buffer
	if err := tmpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render network template: %w", err)
	}
	return out.String(), nil
}

func requireRoot() error {
	if os.Geteuid() != 0 {
		return errors.New("run me as root")
	}
	return nil
}

func ensureCommands(names ...string) error {
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			return fmt.Errorf("%s not found: %w", name, err)
		}
	}
	return nil
}

// ensureLibvirtNetwork defines, starts and autostarts the lab network.
func ensureLibvirtNetwork(cfg parsedConfig) error {
	conn, err := libvirt.NewConnect(cfg.ConnectionURI)
	if err != nil {
		return fmt.Errorf("connect to libvirt: %w", err)
	}
	defer conn.Close()

	network, err := conn.LookupNetworkByName(cfg.NetworkName)
	if err != nil {
		var lvErr libvirt.Error
		if !errors.As(err, &lvErr) || lvErr.Code != libvirt.ERR_NO_NETWORK {
			return fmt.Errorf("lookup network %s: %w", cfg.NetworkName, err)
		}
		xmlDesc, err := renderNetworkXML(cfg)
		if err != nil {
			return err
		}
		getLogger().Info("defining libvirt network", "network", cfg.NetworkName)
		network, err = conn.NetworkDefineXML(xmlDesc)
		if err != nil {
			return fmt.Errorf("define network %s: %w", cfg.NetworkName, err)
		}
	}
	defer network.Free()

	active, err := network.IsActive()
	if err != nil {
		return fmt.Errorf("network %s state: %w", cfg.NetworkName, err)
	}
	if !active {
		if err := network.Create(); err != nil {
			return fmt.Errorf("start network %s: %w", cfg.NetworkName, err)
		}
	}
	if err := network.SetAutostart(true); err != nil {
		return fmt.Errorf("autostart network %s: %w", cfg.NetworkName, err)
	}
	return nil
}

func ensureLabBridge(cfg parsedConfig) error {
	getLogger().Info("waiting for lab bridge", "bridge", cfg.LabBridge)
	var link netlink.Link
	var err error
	for i := 0; i < 20; i++ {
		link, err = netlink.LinkByName(cfg.LabBridge)
		if err == nil {
			break
		}
		time.Sleep(250 * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("bridge %s not found: %w", cfg.LabBridge, err)
	}
	if err := ensureAddress(link, cfg.labGateway); err != nil {
		return err
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring %s up: %w", cfg.LabBridge, err)
	}
	return nil
}

func ensureAddress(link netlink.Link, addr *netlink.Addr) error {
	existing, err := netlink.AddrList(link, unix.AF_INET)
	if err != nil {
		return fmt.Errorf("list addresses: %w", err)
	}
	for _, a := range existing {
		if a.IP.Equal(addr.IP) && bytes.Equal(a.Mask, addr.Mask) {
			return nil
		}
	}
	if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("add %s to %s: %w", addr, link.Attrs().Name, err)
	}
	return nil
}

func configureSysctls() error {
	getLogger().Info("configuring sysctls")
	if err := writeSysctl("/proc/sys/net/ipv4/ip_forward", "1"); err != nil {
		return err
	}
	return writeSysctl("/proc/sys/net/ipv4/conf/all/rp_filter", "2")
}

func writeSysctl(path, value string) error {
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func programNftables(ctx context.Context, cfg parsedConfig) error {
	rendered, err := renderRules(cfg)
	if err != nil {
		return err
	}
	table := cfg.NftTable
	if table == "" {
		table = DefaultConfig.NftTable
	}

	getLogger().Info("programming nftables", "table", table)
	if _, err := commandSucceeds(ctx, "nft", "delete", "table", "inet", table); err != nil {
		return fmt.Errorf("nft delete table inet %s: %w", table, err)
	}
	if err := runCommandWithInput(ctx, "nft", rendered, "-f", "-"); err != nil {
		return fmt.Errorf("nft -f - (%s): %w", table, err)
	}
	return nil
}

func writeConfigFile(cfg Config) error {
	if err := os.MkdirAll(ConfigDir, 0o755); err != nil {
		return fmt.Errorf("make config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmpPath := configPath() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmpPath, configPath()); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

func runCommandWithInput(ctx context.Context, name string, input []byte, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = bytes.NewReader(input)
	return cmd.Run()
}

func commandSucceeds(ctx context.Context, name string, args ...string) (bool, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	return false, err
}
