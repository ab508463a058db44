package config

import (
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Client struct {
	Servers        []ServerEndpoint `yaml:"servers"`
	TLS            ClientTLS        `yaml:"tls"`
	Quic           Quic             `yaml:"quic"`
	DownloadDir    string           `yaml:"download_dir"`
	StateFile      string           `yaml:"state_file"`
	Store          string           `yaml:"store"`           // json or sqlite
	QueueTransfers bool             `yaml:"queue_transfers"` // run one transfer at a time
	Timeouts       Timeouts         `yaml:"timeouts"`
	PingInterval   time.Duration    `yaml:"ping_interval"` // default 30s
}

// ServerEndpoint represents a single server the client may talk to
type ServerEndpoint struct {
	Name         string `yaml:"name"`
	Address      string `yaml:"address"`       // host:port of the main port
	ServerName   string `yaml:"server_name"`   // TLS server name for verification
	TransferPort int    `yaml:"transfer_port"` // 0 means the main port + 1
	QUIC         bool   `yaml:"quic"`          // run transfers over QUIC instead of TCP
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
}

// TransferAddress returns host:port of the server's transfer listener.
func (e ServerEndpoint) TransferAddress() (string, error) {
	host, portStr, err := net.SplitHostPort(e.Address)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", e.Address, err)
	}
	port := e.TransferPort
	if port == 0 {
		mainPort, err := strconv.Atoi(portStr)
		if err != nil {
			return "", fmt.Errorf("invalid port in address %q: %w", e.Address, err)
		}
		port = mainPort + 1
	}
	if err := validatePort(port); err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// GetServerName returns the TLS server name, falling back to the address host.
func (e ServerEndpoint) GetServerName() string {
	if e.ServerName != "" {
		return e.ServerName
	}
	host, _, err := net.SplitHostPort(e.Address)
	if err != nil {
		return e.Address
	}
	return host
}

type ClientTLS struct {
	// CACertFile is optional. Without it server certificates are trusted on
	// first use and pinned per transfer.
	CACertFile string `yaml:"ca_cert_file"`

	// Loaded certificates (not from YAML)
	CACertPool *x509.CertPool `yaml:"-"`
}

// LoadCertificates loads the CA certificate when one is configured
func (t *ClientTLS) LoadCertificates() error {
	if t.CACertFile == "" {
		return nil
	}
	caCertPEM, err := os.ReadFile(t.CACertFile)
	if err != nil {
		return fmt.Errorf("read CA cert: %w", err)
	}

	t.CACertPool = x509.NewCertPool()
	if !t.CACertPool.AppendCertsFromPEM(caCertPEM) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	return nil
}

const (
	MinServers = 1
	MaxServers = 10
)

// ApplyDefaults fills unset fields with their defaults.
func (c *Client) ApplyDefaults() {
	if c.DownloadDir == "" {
		c.DownloadDir = "downloads"
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if c.StateFile == "" {
		switch c.Store {
		case StoreSQLite:
			c.StateFile = "courier-transfers.db"
		default:
			c.StateFile = "courier-transfers.json"
		}
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	for i := range c.Servers {
		if c.Servers[i].Name == "" {
			c.Servers[i].Name = c.Servers[i].Address
		}
	}
	c.Timeouts.ApplyDefaults()
}

// Validate checks the configuration after ApplyDefaults.
func (c *Client) Validate() error {
	if len(c.Servers) < MinServers {
		return fmt.Errorf("at least %d server address must be provided", MinServers)
	}
	if len(c.Servers) > MaxServers {
		return fmt.Errorf("maximum %d server addresses allowed, got %d", MaxServers, len(c.Servers))
	}

	names := make(map[string]bool, len(c.Servers))
	for i, server := range c.Servers {
		if err := ValidateAddress(server.Address); err != nil {
			return fmt.Errorf("server[%d]: %w", i, err)
		}
		if _, err := server.TransferAddress(); err != nil {
			return fmt.Errorf("server[%d]: transfer port: %w", i, err)
		}
		if server.Username == "" {
			return fmt.Errorf("server[%d]: username is required", i)
		}
		if names[server.Name] {
			return fmt.Errorf("server[%d]: duplicate name %q", i, server.Name)
		}
		names[server.Name] = true
	}

	switch c.Store {
	case StoreJSON, StoreSQLite:
	default:
		return fmt.Errorf("unknown store %q, expected %s or %s", c.Store, StoreJSON, StoreSQLite)
	}
	if c.PingInterval < 0 {
		return fmt.Errorf("ping_interval must not be negative")
	}
	if err := c.Timeouts.Validate(); err != nil {
		return err
	}

	if abs, err := filepath.Abs(c.DownloadDir); err == nil {
		c.DownloadDir = abs
	}
	return nil
}

// DeduplicateServers removes servers whose address was already listed.
// It returns the deduplicated list and a boolean indicating if duplicates were found.
func (c *Client) DeduplicateServers() ([]ServerEndpoint, bool) {
	if len(c.Servers) == 0 {
		return nil, false
	}

	seen := make(map[string]bool)
	deduplicated := make([]ServerEndpoint, 0, len(c.Servers))
	hasDuplicates := false

	for _, server := range c.Servers {
		if !seen[server.Address] {
			seen[server.Address] = true
			deduplicated = append(deduplicated, server)
		} else {
			hasDuplicates = true
		}
	}

	return deduplicated, hasDuplicates
}

// Server looks up a configured server by name or address. An empty key
// selects the first one.
func (c *Client) Server(key string) (ServerEndpoint, error) {
	if len(c.Servers) == 0 {
		return ServerEndpoint{}, fmt.Errorf("no servers configured")
	}
	if key == "" {
		return c.Servers[0], nil
	}
	for _, s := range c.Servers {
		if s.Name == key || s.Address == key {
			return s, nil
		}
	}
	return ServerEndpoint{}, fmt.Errorf("server %q is not configured", key)
}
