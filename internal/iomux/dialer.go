package iomux

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// SocksConfig configures routing outbound Connect calls through a SOCKS5
// jump host, adapted from karoo's internal/proxysocks.Config — useful
// when the merger reaches a tempo sensor or remote controller that isn't
// directly reachable.
type SocksConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string
}

// NewDialer returns a Dialer honoring cfg, or a plain net.Dialer when
// cfg is nil or disabled.
func NewDialer(cfg *SocksConfig) (Dialer, error) {
	if cfg == nil || !cfg.Enabled {
		return &net.Dialer{Timeout: 10 * time.Second}, nil
	}
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, fmt.Errorf("iomux: socks proxy host and port are required when enabled")
	}

	authURL := &url.URL{
		Scheme: "socks5",
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
	if cfg.Username != "" {
		authURL.User = url.UserPassword(cfg.Username, cfg.Password)
	}

	d, err := proxy.FromURL(authURL, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("iomux: building socks dialer: %w", err)
	}
	return d, nil
}
