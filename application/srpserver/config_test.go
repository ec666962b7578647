package srpserver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ubieda/srp-go/protocol"
)

func TestConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.toml")

	conf := NewConfig(file)
	conf.DatabasePath = "srp.db"
	if err := conf.Save(); err != nil {
		t.Fatal(err)
	}

	loaded := &Config{}
	if err := loaded.Load(file, "toml"); err != nil {
		t.Fatal(err)
	}

	if loaded.Domain != protocol.DefaultDomain {
		t.Fatal("Unexpected domain", loaded.Domain)
	}
	if mode, err := loaded.addressMode(); err != nil || mode != protocol.AddressModeUnicast {
		t.Fatal("Expect unicast address mode")
	}
	if !loaded.PortSwitch {
		t.Fatal("Expect port switch enabled")
	}
	if loaded.Leases != protocol.DefaultLeaseConfig() {
		t.Fatal("Unexpected lease config", loaded.Leases)
	}
	if loaded.DatabasePath != filepath.Join(dir, "srp.db") {
		t.Fatal("Expect the database path resolved against the config file, got", loaded.DatabasePath)
	}
}

func TestConfigRejectsUnknownAddressMode(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte("address_mode = \"broadcast\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	conf := &Config{}
	if err := conf.Load(file, "toml"); err == nil {
		t.Fatal("Expect an error for an unknown address mode")
	}
}

func TestConfigRejectsInvalidLeases(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.toml")
	raw := `
[leases]
min_lease = 100
max_lease = 50
min_key_lease = 100
max_key_lease = 200
`
	if err := os.WriteFile(file, []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	conf := &Config{}
	if err := conf.Load(file, "toml"); err == nil {
		t.Fatal("Expect an error for an invalid lease configuration")
	}
}
