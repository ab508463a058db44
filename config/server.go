package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Mmx233/Courier/server/auth"
)

type Server struct {
	Listen       Listen          `yaml:"listen"`
	TransferPort int             `yaml:"transfer_port"` // 0 means listen.port + 1
	Quic         ServerQuic      `yaml:"quic"`
	TLS          ServerTLS       `yaml:"tls"`
	Area         string          `yaml:"area"` // directory shared with clients
	Users        []ServerUser    `yaml:"users"`
	Timeouts     Timeouts        `yaml:"timeouts"`
	Discovery    ServerDiscovery `yaml:"discovery"`
}

type ServerQuic struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"` // 0 means the transfer port, over UDP
	Quic    `yaml:",inline"`
}

type ServerTLS struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	SessionTicketEncryptionKeyRotationInterval time.Duration `yaml:"session_ticket_encryption_key_rotation_interval"`
	SessionTicketEncryptionKeyRotationOverlap  uint8         `yaml:"session_ticket_encryption_key_rotation_overlap"`

	// Loaded certificate (not from YAML)
	Certificate tls.Certificate `yaml:"-"`
}

// LoadCertificates loads the server certificate and key.
func (t *ServerTLS) LoadCertificates() error {
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return fmt.Errorf("load server cert/key: %w", err)
	}
	t.Certificate = cert
	return nil
}

type ServerUser struct {
	Name         string   `yaml:"name"`
	PasswordHash string   `yaml:"password_hash"` // bcrypt, see `courier generate password`
	Admin        bool     `yaml:"admin"`
	Permissions  []string `yaml:"permissions"`
}

type ServerDiscovery struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"` // defaults to the host name
}

// ApplyDefaults fills unset fields with their defaults.
func (s *Server) ApplyDefaults() {
	if s.Listen.IP == "" {
		s.Listen.IP = "0.0.0.0"
	}
	if s.Listen.Port == 0 {
		s.Listen.Port = DefaultPort
	}
	if s.TransferPort == 0 {
		s.TransferPort = s.Listen.Port + 1
	}
	if s.Quic.Enabled && s.Quic.Port == 0 {
		s.Quic.Port = s.TransferPort
	}
	if s.TLS.SessionTicketEncryptionKeyRotationInterval == 0 {
		s.TLS.SessionTicketEncryptionKeyRotationInterval = DefaultSessionTicketRotationInterval
	}
	if s.TLS.SessionTicketEncryptionKeyRotationOverlap == 0 {
		s.TLS.SessionTicketEncryptionKeyRotationOverlap = DefaultSessionTicketRotationOverlap
	}
	if s.Discovery.Enabled && s.Discovery.Instance == "" {
		if host, err := os.Hostname(); err == nil {
			s.Discovery.Instance = host
		} else {
			s.Discovery.Instance = "courier"
		}
	}
	s.Timeouts.ApplyDefaults()
}

// Validate checks the configuration after ApplyDefaults.
func (s *Server) Validate() error {
	if _, err := s.Listen.GetIP(); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if err := validatePort(s.Listen.Port); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if err := validatePort(s.TransferPort); err != nil {
		return fmt.Errorf("transfer_port: %w", err)
	}
	if s.TransferPort == s.Listen.Port {
		return fmt.Errorf("transfer_port must differ from listen.port")
	}
	if s.Quic.Enabled {
		if err := validatePort(s.Quic.Port); err != nil {
			return fmt.Errorf("quic: %w", err)
		}
	}
	if s.TLS.CertFile == "" || s.TLS.KeyFile == "" {
		return fmt.Errorf("tls.cert_file and tls.key_file are required")
	}
	if s.Area == "" {
		return fmt.Errorf("area is required")
	}
	if !filepath.IsAbs(s.Area) {
		abs, err := filepath.Abs(s.Area)
		if err != nil {
			return fmt.Errorf("area: %w", err)
		}
		s.Area = abs
	}
	if len(s.Users) == 0 {
		return fmt.Errorf("at least one user must be configured")
	}
	if err := s.Timeouts.Validate(); err != nil {
		return err
	}
	return nil
}

// Accounts converts the configured users for the user database.
func (s *Server) Accounts() []auth.Account {
	accounts := make([]auth.Account, len(s.Users))
	for i, u := range s.Users {
		perms := make([]auth.Permission, len(u.Permissions))
		for j, p := range u.Permissions {
			perms[j] = auth.Permission(p)
		}
		accounts[i] = auth.Account{
			Name:         u.Name,
			PasswordHash: u.PasswordHash,
			Admin:        u.Admin,
			Permissions:  perms,
		}
	}
	return accounts
}
