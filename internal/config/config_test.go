package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Socket.Path != DefaultSocketPath {
		t.Fatalf("Socket.Path = %q, want %q", cfg.Socket.Path, DefaultSocketPath)
	}
}

func TestLoadDecodesFields(t *testing.T) {
	path := writeConfig(t, `{
		"socket": {"path": "/tmp/custom.sock"},
		"tcp": {"enabled": true, "port": 9123, "ipv6": true},
		"http": {"listen": ":9090"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Socket.Path != "/tmp/custom.sock" {
		t.Fatalf("Socket.Path = %q", cfg.Socket.Path)
	}
	if !cfg.TCP.Enabled || cfg.TCP.Port != 9123 || !cfg.TCP.IPv6 {
		t.Fatalf("unexpected TCP config: %+v", cfg.TCP)
	}
	if cfg.HTTP.Namespace != "llmerger" {
		t.Fatalf("expected default namespace to be filled in, got %q", cfg.HTTP.Namespace)
	}
}

func TestLoadMalformedJSONIsError(t *testing.T) {
	path := writeConfig(t, `{not json`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for malformed config")
	}
}

func TestLoadTCPEnabledWithoutPortIsError(t *testing.T) {
	path := writeConfig(t, `{"tcp": {"enabled": true}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for tcp.enabled without tcp.port")
	}
}

func TestLoadTLSEnabledWithoutCertIsError(t *testing.T) {
	path := writeConfig(t, `{"tcp": {"enabled": true, "port": 1, "tls": {"enabled": true}}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for tls.enabled without cert/key files")
	}
}

func TestLoadSocksEnabledWithoutHostIsError(t *testing.T) {
	path := writeConfig(t, `{"socks": {"enabled": true}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for socks.enabled without host/port")
	}
}
