package sandbox

import (
	"bytes"
	"crypto/sha1"
	"encoding/xml"
	"fmt"
	"net"
	"strings"

	libvirt "libvirt.org/go/libvirt"
)

// DefaultNetworkName is the isolated libvirt network created by `tavalid setup`.
const DefaultNetworkName = "tavalid_lab"

var (
	describeNetworkXML = func(network *libvirt.Network) (string, error) {
		return network.GetXMLDesc(0)
	}
	fetchNetworkLeases = func(network *libvirt.Network) ([]libvirt.NetworkDHCPLease, error) {
		return network.GetDHCPLeases()
	}
	updateNetworkSection = func(network *libvirt.Network, cmd libvirt.NetworkUpdateCommand, section libvirt.NetworkUpdateSection, parentIndex int, xml string, flags libvirt.NetworkUpdateFlags) error {
		return network.Update(cmd, section, parentIndex, xml, flags)
	}
)

// dhcpPin is a static MAC to address mapping on the lab network. Pinning
// lets the driver know the management endpoint before the guest boots.
type dhcpPin struct {
	MAC string
	IP  net.IP
}

type dhcpPinner struct {
	network *libvirt.Network
}

type dhcpConfig struct {
	IPv4Ranges []ipRange
	Pins       []dhcpPin
}

type ipRange struct {
	Start net.IP
	End   net.IP
}

type networkIPEntry struct {
	Address string `xml:"address,attr"`
	Netmask string `xml:"netmask,attr"`
	Prefix  string `xml:"prefix,attr"`
	Family  string `xml:"family,attr"`
	DHCP    struct {
		Ranges []struct {
			Start string `xml:"start,attr"`
			End   string `xml:"end,attr"`
		} `xml:"range"`
		Hosts []struct {
			MAC string `xml:"mac,attr"`
			IP  string `xml:"ip,attr"`
		} `xml:"host"`
	} `xml:"dhcp"`
}

// sandboxMAC derives a stable, locally administered MAC from a request id so
// the pin can be removed again after a crash.
func sandboxMAC(requestID string) string {
	sum := sha1.Sum([]byte(requestID))
	mac := []byte{0x52, 0x54, 0x00, sum[0], sum[1], sum[2]}
	mac[0] = (mac[0] | 0x02) & 0xfe
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// Pin reserves an address for mac. An existing pin for the same MAC is reused.
func (p *dhcpPinner) Pin(mac string) (net.IP, error) {
	if p == nil || p.network == nil {
		return nil, fmt.Errorf("libvirt network handle is required")
	}
	mac = strings.ToLower(strings.TrimSpace(mac))
	if mac == "" {
		return nil, fmt.Errorf("mac address is required")
	}

	xmlDesc, err := describeNetworkXML(p.network)
	if err != nil {
		return nil, fmt.Errorf("describe network: %w", err)
	}
	cfg, err := parseNetworkDHCPConfig(xmlDesc)
	if err != nil {
		return nil, err
	}
	if len(cfg.IPv4Ranges) == 0 {
		return nil, fmt.Errorf("network does not define an IPv4 DHCP range")
	}

	used := map[string]struct{}{}
	for _, pin := range cfg.Pins {
		if pin.MAC == mac {
			return pin.IP, nil
		}
		used[pin.IP.String()] = struct{}{}
	}

	leases, err := fetchNetworkLeases(p.network)
	if err != nil {
		return nil, fmt.Errorf("query DHCP leases: %w", err)
	}
	for _, lease := range leases {
		if ip := parseIPv4(lease.IPaddr); ip != nil {
			used[ip.String()] = struct{}{}
		}
	}

	ip, err := selectAvailableIP(cfg.IPv4Ranges, used)
	if err != nil {
		return nil, err
	}

	hostXML := fmt.Sprintf("<host mac='%s' ip='%s'/>", mac, ip.String())
	flags := libvirt.NETWORK_UPDATE_AFFECT_LIVE | libvirt.NETWORK_UPDATE_AFFECT_CONFIG
	if err := updateNetworkSection(p.network, libvirt.NETWORK_UPDATE_COMMAND_ADD_LAST, libvirt.NETWORK_SECTION_IP_DHCP_HOST, -1, hostXML, flags); err != nil {
		return nil, fmt.Errorf("pin DHCP lease: %w", err)
	}
	return ip, nil
}

// Unpin removes the static mapping for mac. Missing pins are not an error.
func (p *dhcpPinner) Unpin(mac string) error {
	if p == nil || p.network == nil {
		return fmt.Errorf("libvirt network handle is required")
	}
	if strings.TrimSpace(mac) == "" {
		return nil
	}
	flags := libvirt.NETWORK_UPDATE_AFFECT_LIVE | libvirt.NETWORK_UPDATE_AFFECT_CONFIG
	hostXML := fmt.Sprintf("<host mac='%s'/>", strings.ToLower(mac))
	err := updateNetworkSection(p.network, libvirt.NETWORK_UPDATE_COMMAND_DELETE, libvirt.NETWORK_SECTION_IP_DHCP_HOST, -1, hostXML, flags)
	if err != nil && !isLibvirtError(err, libvirt.ERR_INVALID_ARG, libvirt.ERR_OPERATION_INVALID, libvirt.ERR_NO_NETWORK) {
		return fmt.Errorf("remove DHCP pin for %s: %w", mac, err)
	}
	return nil
}

// Lookup returns the pinned address of mac, or nil.
func (p *dhcpPinner) Lookup(mac string) (net.IP, error) {
	xmlDesc, err := describeNetworkXML(p.network)
	if err != nil {
		return nil, fmt.Errorf("describe network: %w", err)
	}
	cfg, err := parseNetworkDHCPConfig(xmlDesc)
	if err != nil {
		return nil, err
	}
	mac = strings.ToLower(strings.TrimSpace(mac))
	for _, pin := range cfg.Pins {
		if pin.MAC == mac {
			return pin.IP, nil
		}
	}
	return nil, nil
}

func selectAvailableIP(ranges []ipRange, used map[string]struct{}) (net.IP, error) {
	for _, r := range ranges {
		if r.Start == nil || r.End == nil {
			continue
		}
		cur := append(net.IP(nil), r.Start...)
		for ; compareIPs(cur, r.End) <= 0; incrementIP(cur) {
			if _, taken := used[cur.String()]; taken {
				continue
			}
			return append(net.IP(nil), cur...), nil
		}
	}
	return nil, fmt.Errorf("no available IPv4 addresses in DHCP range")
}

func compareIPs(a, b net.IP) int {
	a4 := a.To4()
	b4 := b.To4()
	if a4 == nil || b4 == nil {
		return 0
	}
	return bytes.Compare(a4, b4)
}

func incrementIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] != 0 {
			break
		}
	}
}

func parseNetworkDHCPConfig(xmlDesc string) (dhcpConfig, error) {
	var doc struct {
		IPs []networkIPEntry `xml:"ip"`
	}
	if err := xml.Unmarshal([]byte(xmlDesc), &doc); err != nil {
		return dhcpConfig{}, fmt.Errorf("parse network xml: %w", err)
	}

	cfg := dhcpConfig{}
	for _, entry := range doc.IPs {
		if strings.EqualFold(strings.TrimSpace(entry.Family), "ipv6") || parseIPv4(entry.Address) == nil {
			continue
		}
		for _, rng := range entry.DHCP.Ranges {
			start, end := parseIPv4(rng.Start), parseIPv4(rng.End)
			if start == nil || end == nil {
				continue
			}
			if compareIPs(start, end) > 0 {
				start, end = end, start
			}
			cfg.IPv4Ranges = append(cfg.IPv4Ranges, ipRange{Start: start, End: end})
		}
		for _, h := range entry.DHCP.Hosts {
			if ip := parseIPv4(h.IP); ip != nil {
				cfg.Pins = append(cfg.Pins, dhcpPin{
					MAC: strings.ToLower(strings.TrimSpace(h.MAC)),
					IP:  ip,
				})
			}
		}
	}
	return cfg, nil
}

func parseIPv4(value string) net.IP {
	ip := net.ParseIP(strings.TrimSpace(value))
	if ip == nil {
		return nil
	}
	return ip.To4()
}
