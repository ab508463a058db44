package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/Mmx233/Courier/transfer"
	"github.com/Mmx233/Courier/transport"
	"github.com/quic-go/quic-go"
)

// listenQUIC binds the UDP port transfers may use instead of TLS over TCP.
// Callers hold s.mu.
func (s *Server) listenQUIC() error {
	ip, err := s.config.Listen.GetIP()
	if err != nil {
		return fmt.Errorf("quic: %w", err)
	}
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: s.config.Quic.Port})
	if err != nil {
		return fmt.Errorf("listen udp failed: %w", err)
	}

	tr := quic.Transport{
		Conn: udpConn,
	}
	ln, err := tr.Listen(s.tlsConf, s.config.Quic.GetConfig())
	if err != nil {
		_ = udpConn.Close()
		return fmt.Errorf("listen quic failed: %w", err)
	}
	s.udp = udpConn
	s.quicLn = ln
	return nil
}

func (s *Server) acceptQUIC(ctx context.Context, handlers *sync.WaitGroup) error {
	for {
		conn, err := s.quicLn.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept quic: %w", err)
		}

		handlers.Add(1)
		go func() {
			defer handlers.Done()
			s.handleQUIC(ctx, conn)
		}()
	}
}

// handleQUIC serves the one stream a transfer connection carries.
func (s *Server) handleQUIC(ctx context.Context, conn *quic.Conn) {
	logger := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	streamCtx, cancel := context.WithTimeout(ctx, s.config.Timeouts.Idle)
	stream, err := conn.AcceptStream(streamCtx)
	cancel()
	if err != nil {
		logger.Debug().Err(err).Msg("accept stream failed")
		_ = conn.CloseWithError(transport.CodeProtocol, "no stream")
		return
	}

	sig := transfer.NewSignal()
	s.serveTransfer(ctx, transport.NewQUICStream(conn, stream, sig, transport.DefaultLinger), sig, conn.RemoteAddr().String())
}
