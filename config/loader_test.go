package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
	"pgregory.net/rapid"
)

// testConfig is a simple struct for testing the generic loader
type testConfig struct {
	Name    string `yaml:"name"`
	Port    int    `yaml:"port"`
	Enabled bool   `yaml:"enabled"`
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoadConfig_Success(t *testing.T) {
	configPath := writeConfig(t, `name: test-service
port: 8080
enabled: true
`)

	cfg, err := LoadConfig[testConfig](configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Name != "test-service" {
		t.Errorf("expected Name 'test-service', got '%s'", cfg.Name)
	}
	if cfg.Port != 8080 {
		t.Errorf("expected Port 8080, got %d", cfg.Port)
	}
	if !cfg.Enabled {
		t.Errorf("expected Enabled true, got false")
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := LoadConfig[testConfig]("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
	if !strings.Contains(err.Error(), "read config file") {
		t.Errorf("expected error to contain 'read config file', got: %v", err)
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `name: [invalid yaml
port: not closed`)

	_, err := LoadConfig[testConfig](configPath)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
	if !strings.Contains(err.Error(), "parse config") {
		t.Errorf("expected error to contain 'parse config', got: %v", err)
	}
}

// Property: writing any config to YAML and loading it back yields the same struct.
func TestLoadConfig_RoundTrip_Property(t *testing.T) {
	dir := t.TempDir()
	rapid.Check(t, func(t *rapid.T) {
		original := testConfig{
			Name:    rapid.StringMatching(`[a-z0-9_-]{1,20}`).Draw(t, "name"),
			Port:    rapid.IntRange(0, 65535).Draw(t, "port"),
			Enabled: rapid.Bool().Draw(t, "enabled"),
		}

		yamlData, err := yaml.Marshal(&original)
		if err != nil {
			t.Fatalf("failed to marshal config: %v", err)
		}
		configPath := filepath.Join(dir, "config.yaml")
		if err := os.WriteFile(configPath, yamlData, 0644); err != nil {
			t.Fatalf("failed to write config: %v", err)
		}

		loaded, err := LoadConfig[testConfig](configPath)
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if *loaded != original {
			t.Fatalf("round trip mismatch: got %+v, want %+v", *loaded, original)
		}
	})
}

func TestLoadServerConfig(t *testing.T) {
	configPath := writeConfig(t, `listen:
  ip: 127.0.0.1
  port: 9000
tls:
  cert_file: server.crt
  key_file: server.key
area: /srv/courier
users:
  - name: alice
    password_hash: "$2a$10$abcdefghijklmnopqrstuu"
    permissions: [download, upload]
  - name: root
    password_hash: "$2a$10$abcdefghijklmnopqrstuu"
    admin: true
timeouts:
  idle_timeout: 2m
`)

	cfg, err := LoadServerConfig(configPath)
	if err != nil {
		t.Fatalf("LoadServerConfig failed: %v", err)
	}
	if cfg.TransferPort != 9001 {
		t.Errorf("expected transfer port 9001, got %d", cfg.TransferPort)
	}
	if cfg.Timeouts.Idle.Minutes() != 2 {
		t.Errorf("expected 2m idle timeout, got %v", cfg.Timeouts.Idle)
	}
	if cfg.Timeouts.Progress != DefaultProgressTimeout {
		t.Errorf("expected default progress timeout, got %v", cfg.Timeouts.Progress)
	}

	accounts := cfg.Accounts()
	if len(accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(accounts))
	}
	if len(accounts[0].Permissions) != 2 || accounts[0].Permissions[1] != "upload" {
		t.Errorf("unexpected permissions %v", accounts[0].Permissions)
	}
	if !accounts[1].Admin {
		t.Error("expected root to be admin")
	}
}

func TestLoadServerConfig_Invalid(t *testing.T) {
	configPath := writeConfig(t, `tls:
  cert_file: server.crt
  key_file: server.key
area: /srv/courier
`)

	_, err := LoadServerConfig(configPath)
	if err == nil || !strings.Contains(err.Error(), "at least one user") {
		t.Fatalf("expected missing users error, got %v", err)
	}
}

func TestLoadClientConfig_MultiServer(t *testing.T) {
	configPath := writeConfig(t, `servers:
  - name: home
    address: "home.example.com:7450"
    username: alice
    password: wonderland
  - address: "work.example.com:9000"
    transfer_port: 9100
    quic: true
    username: alice
  - address: "home.example.com:7450"
    username: bob
store: sqlite
queue_transfers: true
`)

	cfg, err := LoadClientConfig(configPath)
	if err != nil {
		t.Fatalf("LoadClientConfig failed: %v", err)
	}

	if len(cfg.Servers) != 2 {
		t.Fatalf("expected duplicates to be removed, got %d servers", len(cfg.Servers))
	}
	if cfg.Servers[1].Name != "work.example.com:9000" {
		t.Errorf("expected unnamed server to be named by address, got %q", cfg.Servers[1].Name)
	}
	if cfg.StateFile != "courier-transfers.db" {
		t.Errorf("expected sqlite state file default, got %q", cfg.StateFile)
	}
	if !filepath.IsAbs(cfg.DownloadDir) {
		t.Errorf("expected absolute download dir, got %q", cfg.DownloadDir)
	}
	if !cfg.QueueTransfers {
		t.Error("expected queue_transfers to be true")
	}

	work, err := cfg.Server("work.example.com:9000")
	if err != nil {
		t.Fatal(err)
	}
	addr, err := work.TransferAddress()
	if err != nil {
		t.Fatal(err)
	}
	if addr != "work.example.com:9100" {
		t.Errorf("expected explicit transfer port, got %s", addr)
	}
}

func TestLoadClientConfig_Invalid(t *testing.T) {
	configPath := writeConfig(t, `servers:
  - address: "no-port"
    username: alice
`)

	if _, err := LoadClientConfig(configPath); err == nil {
		t.Fatal("expected validation error for address without port")
	}
}
