package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "finitude.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadMissingFileReturnsZeroValue(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.MetricsAddr != "" || len(c.Listeners) != 0 {
		t.Errorf("Load of a missing file = %+v, want zero value", c)
	}
}

func TestLoadParsesListenersAndAddrs(t *testing.T) {
	path := writeConfig(t, `
metrics_addr: ":9200"
sniffer_addr: ":9201"
db: /var/lib/finitude/archive.db
reconnect_delay: 5s
listeners:
  thermostat: /dev/ttyUSB0
  ahu:
    path: telnet://gateway:8899
    require_ack06: false
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.MetricsAddr != ":9200" || c.SnifferAddr != ":9201" || c.DB != "/var/lib/finitude/archive.db" {
		t.Errorf("top-level fields = %+v", c)
	}
	if c.ReconnectDelay != 5*time.Second {
		t.Errorf("ReconnectDelay = %v, want 5s", c.ReconnectDelay)
	}
	if len(c.Listeners) != 2 {
		t.Fatalf("Listeners = %v, want 2 entries", c.Listeners)
	}
	tstat := c.Listeners["thermostat"]
	if tstat.Path != "/dev/ttyUSB0" || !tstat.RequireAck06OrDefault() {
		t.Errorf("thermostat listener = %+v, want bare-path shorthand with default ack06", tstat)
	}
	ahu := c.Listeners["ahu"]
	if ahu.Path != "telnet://gateway:8899" || ahu.RequireAck06OrDefault() {
		t.Errorf("ahu listener = %+v, want explicit path with require_ack06=false", ahu)
	}
}

func TestListenerRequireAck06DefaultsTrue(t *testing.T) {
	var l Listener
	if !l.RequireAck06OrDefault() {
		t.Error("a Listener with RequireAck06 unset should default to true")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "listeners: [this, is, not, a, mapping]")
	if _, err := Load(path); err == nil {
		t.Fatal("Load of malformed YAML should have failed")
	}
}
