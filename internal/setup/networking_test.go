package setup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func withConfigDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "config")
	old := ConfigDir
	ConfigDir = dir
	t.Cleanup(func() { ConfigDir = old })
	return dir
}

func TestLoadConfigPersistsDefaults(t *testing.T) {
	dir := withConfigDir(t)

	if err := Verify(); err == nil {
		t.Fatal("Verify() succeeded before setup")
	}
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.NetworkName != DefaultConfig.NetworkName {
		t.Fatalf("network = %q", cfg.NetworkName)
	}
	if _, err := os.Stat(filepath.Join(dir, "networking.json")); err != nil {
		t.Fatalf("defaults not persisted: %v", err)
	}
	if err := Verify(); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "networking.json"), []byte(`{"NetworkName":"custom"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.NetworkName != "custom" {
		t.Fatalf("persisted network = %q", cfg.NetworkName)
	}

	if err := ClearConfig(); err != nil {
		t.Fatalf("ClearConfig() error = %v", err)
	}
	if err := Verify(); err == nil {
		t.Fatal("Verify() succeeded after ClearConfig")
	}
}

func TestParseAddressesRejectsForeignRanges(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig
	cfg.DHCPEnd = "10.99.0.10"
	if _, err := parseAddresses(cfg); err == nil {
		t.Fatal("expected error for dhcp range outside the lab network")
	}

	cfg = DefaultConfig
	cfg.LabGatewayCIDR = "192.168.1.1/24"
	if _, err := parseAddresses(cfg); err == nil {
		t.Fatal("expected error for gateway outside the lab network")
	}
}

func TestRenderRules(t *testing.T) {
	t.Parallel()

	parsed, err := parseAddresses(DefaultConfig)
	if err != nil {
		t.Fatalf("parseAddresses() error = %v", err)
	}
	rules, err := renderRules(parsed)
	if err != nil {
		t.Fatalf("renderRules() error = %v", err)
	}
	text := string(rules)
	for _, want := range []string{
		"table inet tavalid_lab",
		"elements = { 1.1.1.1, 8.8.8.8 }",
		"ip saddr 10.13.37.0/24 counter drop",
		`iifname "br_tavalid" counter drop`,
		"limit rate 60/minute burst 30 packets",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("rules lack %q:\n%s", want, text)
		}
	}
}

func TestRenderNetworkXML(t *testing.T) {
	t.Parallel()

	parsed, err := parseAddresses(DefaultConfig)
	if err != nil {
		t.Fatalf("parseAddresses() error = %v", err)
	}
	xmlDesc, err := renderNetworkXML(parsed)
	if err != nil {
		t.Fatalf("renderNetworkXML() error = %v", err)
	}
	for _, want := range []string{
		"<name>tavalid_lab</name>",
		"<bridge name='br_tavalid'",
		"<ip address='10.13.37.1' netmask='255.255.255.0'>",
		"<range start='10.13.37.100' end='10.13.37.200'/>",
	} {
		if !strings.Contains(xmlDesc, want) {
			t.Fatalf("network xml lacks %q:\n%s", want, xmlDesc)
		}
	}
}
