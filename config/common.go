package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/Mmx233/Courier/transfer"
	"github.com/quic-go/quic-go"
)

const (
	EnvPrefix = "COURIER_"
)

type Listen struct {
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

func (l Listen) GetIP() (net.IP, error) {
	ip := net.ParseIP(l.IP)
	if ip == nil {
		return nil, fmt.Errorf("invalid ip address: %s", l.IP)
	}
	return ip, nil
}

// Addr returns the listen address for port.
func (l Listen) Addr(port int) string {
	return net.JoinHostPort(l.IP, strconv.Itoa(port))
}

type Quic struct {
	InitialStreamReceiveWindow     uint64        `yaml:"initial_stream_receive_window"`
	MaxStreamReceiveWindow         uint64        `yaml:"max_stream_receive_window"`
	InitialConnectionReceiveWindow uint64        `yaml:"initial_connection_receive_window"`
	MaxConnectionReceiveWindow     uint64        `yaml:"max_connection_receive_window"`
	KeepAlivePeriod                time.Duration `yaml:"keep_alive_period"`
	HandshakeIdleTimeout           time.Duration `yaml:"handshake_idle_timeout"`
	MaxIdleTimeout                 time.Duration `yaml:"max_idle_timeout"`
}

// GetConfig builds the quic-go configuration. Every transfer connection opens
// exactly one bidirectional stream.
func (q Quic) GetConfig() *quic.Config {
	if q.MaxIdleTimeout == 0 {
		q.MaxIdleTimeout = DefaultMaxIdleTimeout
	}
	return &quic.Config{
		InitialStreamReceiveWindow:     q.InitialStreamReceiveWindow,
		MaxStreamReceiveWindow:         q.MaxStreamReceiveWindow,
		InitialConnectionReceiveWindow: q.InitialConnectionReceiveWindow,
		MaxConnectionReceiveWindow:     q.MaxConnectionReceiveWindow,
		MaxIncomingStreams:             1,
		MaxIncomingUniStreams:          -1,
		KeepAlivePeriod:                q.KeepAlivePeriod,
		HandshakeIdleTimeout:           q.HandshakeIdleTimeout,
		MaxIdleTimeout:                 q.MaxIdleTimeout,
	}
}

// Timeouts bound how long either side waits on the other.
type Timeouts struct {
	Connect  time.Duration `yaml:"connect_timeout"`
	Idle     time.Duration `yaml:"idle_timeout"`
	Progress time.Duration `yaml:"progress_timeout"`
}

func (t *Timeouts) ApplyDefaults() {
	if t.Connect == 0 {
		t.Connect = DefaultConnectTimeout
	}
	if t.Idle == 0 {
		t.Idle = DefaultIdleTimeout
	}
	if t.Progress == 0 {
		t.Progress = DefaultProgressTimeout
	}
}

func (t Timeouts) Validate() error {
	if t.Connect < 0 || t.Idle < 0 || t.Progress < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if t.Idle > 0 && t.Idle <= transfer.HashKeepaliveInterval {
		return fmt.Errorf("idle_timeout (%v) must be longer than the hashing keepalive interval (%v)", t.Idle, transfer.HashKeepaliveInterval)
	}
	return nil
}

// Transfer converts to the timeouts used on a transfer connection.
func (t Timeouts) Transfer() transfer.Timeouts {
	return transfer.Timeouts{Idle: t.Idle, Progress: t.Progress}
}

// ValidateAddress validates that an address is in valid host:port format.
// Returns an error if the address is invalid.
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format %q: %w", addr, err)
	}

	if host == "" {
		return fmt.Errorf("host cannot be empty in address %q", addr)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port in address %q: %w", addr, err)
	}

	return validatePort(port)
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}
