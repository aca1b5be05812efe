package sandbox

import (
	"net"
	"strings"
	"testing"

	libvirt "libvirt.org/go/libvirt"
)

const labNetworkXML = `
<network>
  <ip family='ipv4' address='10.0.0.1' netmask='255.255.255.0'>
    <dhcp>
      <range start='10.0.0.2' end='10.0.0.4'/>
      <host mac='52:54:00:00:00:aa' ip='10.0.0.2'/>
    </dhcp>
  </ip>
  <ip family='ipv6' address='fd00::1'>
    <dhcp>
      <range start='fd00::2' end='fd00::10'/>
    </dhcp>
  </ip>
</network>`

func TestSelectAvailableIP(t *testing.T) {
	ranges := []ipRange{
		{Start: net.ParseIP("10.0.0.2").To4(), End: net.ParseIP("10.0.0.5").To4()},
	}
	used := map[string]struct{}{
		"10.0.0.2": {},
		"10.0.0.3": {},
	}
	ip, err := selectAvailableIP(ranges, used)
	if err != nil {
		t.Fatalf("selectAvailableIP unexpected error: %v", err)
	}
	if expected := "10.0.0.4"; ip.String() != expected {
		t.Fatalf("expected %s, got %s", expected, ip.String())
	}
}

func TestSelectAvailableIPExhausted(t *testing.T) {
	ranges := []ipRange{
		{Start: net.ParseIP("10.0.0.2").To4(), End: net.ParseIP("10.0.0.3").To4()},
	}
	used := map[string]struct{}{
		"10.0.0.2": {},
		"10.0.0.3": {},
	}
	if _, err := selectAvailableIP(ranges, used); err == nil {
		t.Fatal("expected error when DHCP range is exhausted")
	}
}

func TestParseNetworkDHCPConfig(t *testing.T) {
	cfg, err := parseNetworkDHCPConfig(labNetworkXML)
	if err != nil {
		t.Fatalf("parseNetworkDHCPConfig unexpected error: %v", err)
	}
	if len(cfg.IPv4Ranges) != 1 {
		t.Fatalf("expected 1 IPv4 range, got %d", len(cfg.IPv4Ranges))
	}
	if len(cfg.Pins) != 1 || cfg.Pins[0].IP.String() != "10.0.0.2" {
		t.Fatalf("unexpected pins %+v", cfg.Pins)
	}
}

func TestDHCPPinnerPinsFreeAddress(t *testing.T) {
	restore := stubNetworkOps(t, labNetworkXML, []libvirt.NetworkDHCPLease{
		{IPaddr: "10.0.0.3"},
	})
	defer restore()

	pinner := &dhcpPinner{network: &libvirt.Network{}}
	ip, err := pinner.Pin("52:54:00:00:00:BB")
	if err != nil {
		t.Fatalf("Pin unexpected error: %v", err)
	}
	if ip.String() != "10.0.0.4" {
		t.Fatalf("expected pin 10.0.0.4, got %s", ip.String())
	}
	if len(testNetworkUpdates) != 1 {
		t.Fatalf("expected one network update, got %d", len(testNetworkUpdates))
	}
	upd := testNetworkUpdates[0]
	if upd.cmd != libvirt.NETWORK_UPDATE_COMMAND_ADD_LAST || !strings.Contains(upd.xml, "52:54:00:00:00:bb") {
		t.Fatalf("unexpected update %+v", upd)
	}
}

func TestDHCPPinnerReusesExistingPin(t *testing.T) {
	restore := stubNetworkOps(t, labNetworkXML, nil)
	defer restore()

	pinner := &dhcpPinner{network: &libvirt.Network{}}
	ip, err := pinner.Pin("52:54:00:00:00:aa")
	if err != nil {
		t.Fatalf("Pin unexpected error: %v", err)
	}
	if ip.String() != "10.0.0.2" {
		t.Fatalf("expected existing pin 10.0.0.2, got %s", ip)
	}
	if len(testNetworkUpdates) != 0 {
		t.Fatalf("existing pin should not update the network: %+v", testNetworkUpdates)
	}

	found, err := pinner.Lookup("52:54:00:00:00:AA")
	if err != nil || found.String() != "10.0.0.2" {
		t.Fatalf("Lookup() = %v, %v", found, err)
	}
}

func TestDHCPPinnerUnpin(t *testing.T) {
	restore := stubNetworkOps(t, "", nil)
	defer restore()

	pinner := &dhcpPinner{network: &libvirt.Network{}}
	if err := pinner.Unpin("52:54:00:00:00:bb"); err != nil {
		t.Fatalf("Unpin unexpected error: %v", err)
	}
	if len(testNetworkUpdates) != 1 || testNetworkUpdates[0].cmd != libvirt.NETWORK_UPDATE_COMMAND_DELETE {
		t.Fatalf("expected a single delete, got %+v", testNetworkUpdates)
	}
}

func TestSandboxMACIsStableAndLocal(t *testing.T) {
	a := sandboxMAC("req-1")
	if a != sandboxMAC("req-1") {
		t.Fatal("MAC derivation is not deterministic")
	}
	if a == sandboxMAC("req-2") {
		t.Fatal("different requests share a MAC")
	}
	hw, err := net.ParseMAC(a)
	if err != nil {
		t.Fatalf("ParseMAC(%q): %v", a, err)
	}
	if hw[0]&0x02 == 0 || hw[0]&0x01 != 0 {
		t.Fatalf("MAC %s is not locally administered unicast", a)
	}
}

type fakeNetworkUpdate struct {
	cmd     libvirt.NetworkUpdateCommand
	section libvirt.NetworkUpdateSection
	xml     string
	flags   libvirt.NetworkUpdateFlags
}

var testNetworkUpdates []fakeNetworkUpdate

func stubNetworkOps(t *testing.T, xml string, leases []libvirt.NetworkDHCPLease) func() {
	t.Helper()
	testNetworkUpdates = nil

	prevDescribe := describeNetworkXML
	prevLeases := fetchNetworkLeases
	prevUpdate := updateNetworkSection

	describeNetworkXML = func(*libvirt.Network) (string, error) {
		if xml == "" {
			return "<network/>", nil
		}
		return xml, nil
	}
	fetchNetworkLeases = func(*libvirt.Network) ([]libvirt.NetworkDHCPLease, error) {
		return append([]libvirt.NetworkDHCPLease(nil), leases...), nil
	}
	updateNetworkSection = func(_ *libvirt.Network, cmd libvirt.NetworkUpdateCommand, section libvirt.NetworkUpdateSection, parentIndex int, xml string, flags libvirt.NetworkUpdateFlags) error {
		testNetworkUpdates = append(testNetworkUpdates, fakeNetworkUpdate{
			cmd:     cmd,
			section: section,
			xml:     xml,
			flags:   flags,
		})
		return nil
	}

	return func() {
		describeNetworkXML = prevDescribe
		fetchNetworkLeases = prevLeases
		updateNetworkSection = prevUpdate
		testNetworkUpdates = nil
	}
}
