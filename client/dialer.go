package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/Mmx233/Courier/config"
	"github.com/Mmx233/Courier/tools/certgen"
	"github.com/Mmx233/Courier/transfer"
	"github.com/Mmx233/Courier/transport"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

// ErrFingerprintMismatch means the server presented a different certificate
// than the one pinned for the transfer.
var ErrFingerprintMismatch = errors.New("server certificate changed")

// Dialer opens connections to configured servers. Each server address gets
// its own TLS session cache, so a ticket sealed by one server is never
// offered to another.
type Dialer struct {
	config *config.Client
	caches sync.Map // address -> tls.ClientSessionCache
	logger zerolog.Logger
}

func NewDialer(conf *config.Client, logger zerolog.Logger) *Dialer {
	return &Dialer{
		config: conf,
		logger: logger.With().Str("com", "dialer").Logger(),
	}
}

func (d *Dialer) sessionCache(addr string) tls.ClientSessionCache {
	if cache, ok := d.caches.Load(addr); ok {
		return cache.(tls.ClientSessionCache)
	}
	actual, _ := d.caches.LoadOrStore(addr, tls.NewLRUClientSessionCache(0))
	return actual.(tls.ClientSessionCache)
}

// tlsConfig verifies the server against the configured CA when there is one.
// Without a CA the certificate is trusted on first use. A non empty pinned
// fingerprint must match either way. The observed fingerprint is stored in
// *seen.
func (d *Dialer) tlsConfig(ep config.ServerEndpoint, addr, pinned string, seen *string) *tls.Config {
	conf := &tls.Config{
		ServerName:         ep.GetServerName(),
		RootCAs:            d.config.TLS.CACertPool,
		InsecureSkipVerify: d.config.TLS.CACertPool == nil,
		NextProtos:         []string{transport.ALPN},
		ClientSessionCache: d.sessionCache(addr),
		MinVersion:         tls.VersionTLS12,
	}
	conf.VerifyConnection = func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New("server sent no certificate")
		}
		fp := certgen.Fingerprint(cs.PeerCertificates[0].Raw)
		if pinned != "" && fp != pinned {
			return fmt.Errorf("%w: pinned %s, got %s", ErrFingerprintMismatch, pinned, fp)
		}
		*seen = fp
		return nil
	}
	return conf
}

// DialMain connects to the server's main port.
func (d *Dialer) DialMain(ctx context.Context, ep config.ServerEndpoint) (*tls.Conn, string, error) {
	var fp string
	tc, err := d.dialTLS(ctx, ep.Address, d.tlsConfig(ep, ep.Address, "", &fp))
	if err != nil {
		return nil, "", err
	}
	return tc, fp, nil
}

// DialTransfer opens a transfer connection to ep, over QUIC when the endpoint
// asks for it. sig becomes the transport's stop signal. pinned is the
// fingerprint the server must present, empty on the first connect.
func (d *Dialer) DialTransfer(ctx context.Context, ep config.ServerEndpoint, pinned string, sig *transfer.Signal) (transfer.Transport, string, error) {
	addr, err := ep.TransferAddress()
	if err != nil {
		return nil, "", err
	}
	var fp string
	conf := d.tlsConfig(ep, addr, pinned, &fp)

	if !ep.QUIC {
		tc, err := d.dialTLS(ctx, addr, conf)
		if err != nil {
			return nil, "", err
		}
		// The client always reads the last message, so it closes at once.
		return transport.NewStream(tc, sig, 0), fp, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.config.Timeouts.Connect)
	defer cancel()
	conn, err := quic.DialAddr(dialCtx, addr, conf, d.config.Quic.GetConfig())
	if err != nil {
		return nil, "", fmt.Errorf("dial quic %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		_ = conn.CloseWithError(transport.CodeProtocol, "open stream")
		return nil, "", fmt.Errorf("open stream to %s: %w", addr, err)
	}
	d.logger.Debug().Str("addr", addr).Bool("resumed", conn.ConnectionState().TLS.DidResume).Msg("quic connected")
	return transport.NewQUICStream(conn, stream, sig, 0), fp, nil
}

func (d *Dialer) dialTLS(ctx context.Context, addr string, conf *tls.Config) (*tls.Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: d.config.Timeouts.Connect},
		Config:    conf,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	tc := conn.(*tls.Conn)
	d.logger.Debug().Str("addr", addr).Bool("resumed", tc.ConnectionState().DidResume).Msg("tls connected")
	return tc, nil
}
