// Package config loads llmerger's JSON configuration file: the Unix
// socket path, optional TCP/TLS listeners, optional outbound SOCKS5
// dialer, and the optional HTTP metrics listener.
package config

import (
	"encoding/json"
	"os"

	apperrors "github.com/manuco/llmerger/pkg/errors"
)

// DefaultSocketPath matches spec.md §6's default Unix-domain socket path.
const DefaultSocketPath = "/tmp/llmerger"

// Config is the top-level configuration document, decoded from JSON.
type Config struct {
	Socket SocketConfig `json:"socket"`
	TCP    TCPConfig    `json:"tcp"`
	HTTP   HTTPConfig   `json:"http"`
	Socks  SocksConfig  `json:"socks"`
}

// SocketConfig configures the Unix-domain listener.
type SocketConfig struct {
	Path string `json:"path"`
}

// TCPConfig configures the optional TCP/IPv4/IPv6 listener.
type TCPConfig struct {
	Enabled bool      `json:"enabled"`
	Port    int       `json:"port"`
	IPv6    bool      `json:"ipv6"`
	TLS     TLSConfig `json:"tls"`
}

// TLSConfig configures the optional PEM certificate used for TCP TLS.
type TLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

// HTTPConfig configures the optional /healthz, /status, /metrics listener.
type HTTPConfig struct {
	Listen    string `json:"listen"`
	Namespace string `json:"namespace"`
}

// SocksConfig optionally routes outbound Connect calls through a SOCKS5
// jump host; see internal/iomux.SocksConfig, which this is decoded into.
type SocksConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Default returns a Config with every field at its documented default.
func Default() Config {
	return Config{
		Socket: SocketConfig{Path: DefaultSocketPath},
		HTTP:   HTTPConfig{Namespace: "llmerger"},
	}
}

// Load reads and decodes the JSON config file at path. A missing file is
// not an error: Load returns Default() so llmerger runs out of the box
// against the default Unix socket. A present-but-malformed file is an
// error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, apperrors.Wrap(apperrors.Value, "reading config file", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, apperrors.Wrap(apperrors.Value, "parsing config file", err)
	}

	if cfg.Socket.Path == "" && !cfg.TCP.Enabled {
		cfg.Socket.Path = DefaultSocketPath
	}
	if cfg.HTTP.Listen != "" && cfg.HTTP.Namespace == "" {
		cfg.HTTP.Namespace = "llmerger"
	}
	if cfg.TCP.Enabled && cfg.TCP.Port == 0 {
		return Config{}, apperrors.New(apperrors.Value, "tcp.port is required when tcp.enabled")
	}
	if cfg.TCP.TLS.Enabled && (cfg.TCP.TLS.CertFile == "" || cfg.TCP.TLS.KeyFile == "") {
		return Config{}, apperrors.New(apperrors.Value, "tcp.tls.cert_file and tcp.tls.key_file are required when tcp.tls.enabled")
	}
	if cfg.Socks.Enabled && (cfg.Socks.Host == "" || cfg.Socks.Port == 0) {
		return Config{}, apperrors.New(apperrors.Value, "socks.host and socks.port are required when socks.enabled")
	}

	return cfg, nil
}
