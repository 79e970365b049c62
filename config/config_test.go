package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cocained.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `{
		"paths": {"runtime": "/var/run/cocaine", "plugins": "/usr/lib/cocaine"},
		"network": {"endpoint": "0.0.0.0:10053", "hostname": "node-1", "pool": 4},
		"services": {"node": {"type": "node::v2", "args": {}}},
		"storages": {"core": {"type": "files", "args": {}}}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Paths.Runtime != "/var/run/cocaine" {
		t.Fatalf("unexpected runtime path: %q", cfg.Paths.Runtime)
	}
	if cfg.Network.Pool != 4 {
		t.Fatalf("unexpected pool size: %d", cfg.Network.Pool)
	}
}

func TestLoadMissingEndpointFails(t *testing.T) {
	path := writeConfig(t, `{"paths": {"runtime": "/var/run/cocaine"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing network.endpoint")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/cocained.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadDefaultsPoolSize(t *testing.T) {
	path := writeConfig(t, `{
		"paths": {"runtime": "/var/run/cocaine"},
		"network": {"endpoint": "0.0.0.0:10053"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network.Pool != 1 {
		t.Fatalf("expected default pool of 1, got %d", cfg.Network.Pool)
	}
}
