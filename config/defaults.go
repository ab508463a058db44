package config

import (
	"time"
)

// Default timeout and interval values
const (
	// DefaultPort is the main (chat and control) port; transfers use the next one
	DefaultPort = 7450

	// DefaultConnectTimeout bounds dialing and the TLS handshake
	DefaultConnectTimeout = 30 * time.Second

	// DefaultIdleTimeout is how long a control frame may take to arrive
	DefaultIdleTimeout = 60 * time.Second

	// DefaultProgressTimeout is how long a single FileData chunk may stall
	DefaultProgressTimeout = 30 * time.Second

	// DefaultPingInterval is how often the client measures main connection latency
	DefaultPingInterval = 30 * time.Second

	// DefaultMaxIdleTimeout is the default QUIC connection idle timeout
	DefaultMaxIdleTimeout = 5 * time.Minute

	// DefaultSessionTicketRotationInterval is how often TLS session ticket keys rotate
	DefaultSessionTicketRotationInterval = 24 * time.Hour

	// DefaultSessionTicketRotationOverlap is how many ticket keys stay valid for resumption
	DefaultSessionTicketRotationOverlap = 3
)

// Client state backends
const (
	StoreJSON   = "json"
	StoreSQLite = "sqlite"
)

// DefaultStore is the client state backend used when none is configured
const DefaultStore = StoreJSON
