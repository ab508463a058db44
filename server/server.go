package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/Mmx233/Courier/config"
	"github.com/Mmx233/Courier/discovery"
	"github.com/Mmx233/Courier/server/area"
	"github.com/Mmx233/Courier/server/auth"
	"github.com/Mmx233/Courier/server/registry"
	"github.com/Mmx233/Courier/server/tls/stek"
	"github.com/Mmx233/Courier/transfer"
	"github.com/Mmx233/Courier/transport"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Server represents the Courier server
type Server struct {
	config   *config.Server
	users    *auth.Users
	area     *area.Area
	registry *registry.Registry
	sessions *sessionSet
	rotator  *stek.Rotator
	tlsConf  *tls.Config
	logger   zerolog.Logger

	mu         sync.Mutex
	mainLn     net.Listener
	transferLn net.Listener
	quicLn     *quic.Listener
	udp        *net.UDPConn
}

// New creates a server from a loaded configuration. Ports left at zero are
// picked by the system when listening.
func New(conf *config.Server) (*Server, error) {
	logger := log.With().Str("com", "server").Logger()

	if len(conf.TLS.Certificate.Certificate) == 0 {
		if err := conf.TLS.LoadCertificates(); err != nil {
			return nil, fmt.Errorf("load certificates: %w", err)
		}
	}

	users, err := auth.NewUsers(conf.Accounts(), log.With().Str("com", "auth").Logger())
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}

	shared, err := area.New(conf.Area)
	if err != nil {
		return nil, fmt.Errorf("open area: %w", err)
	}

	s := &Server{
		config:   conf,
		users:    users,
		area:     shared,
		registry: registry.New(log.With().Str("com", "registry").Logger()),
		sessions: newSessionSet(),
		logger:   logger,
		tlsConf: &tls.Config{
			Certificates: []tls.Certificate{conf.TLS.Certificate},
			NextProtos:   []string{transport.ALPN},
			MinVersion:   tls.VersionTLS12,
		},
	}

	// Session ticket keys are shared by every listener so a transfer
	// connection can resume the session of the main connection.
	if conf.TLS.SessionTicketEncryptionKeyRotationInterval > 0 {
		overlap := conf.TLS.SessionTicketEncryptionKeyRotationOverlap
		if overlap == 0 {
			overlap = config.DefaultSessionTicketRotationOverlap
		}
		s.rotator, err = stek.New(
			conf.TLS.SessionTicketEncryptionKeyRotationInterval,
			overlap,
			log.With().Str("com", "stek").Logger(),
		)
		if err != nil {
			return nil, fmt.Errorf("initialize session ticket key rotation: %w", err)
		}
		s.rotator.Apply(s.tlsConf)
	}

	logger.Info().
		Int("users", users.Count()).
		Str("area", shared.Root()).
		Msg("server initialized")
	return s, nil
}

// Registry returns the registry of running transfers.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Users returns the user database.
func (s *Server) Users() *auth.Users {
	return s.users
}

// Listen binds the main and transfer ports, and the QUIC port when enabled.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	s.mainLn, err = tls.Listen("tcp", s.config.Listen.Addr(s.config.Listen.Port), s.tlsConf)
	if err != nil {
		return fmt.Errorf("listen main port: %w", err)
	}
	s.transferLn, err = tls.Listen("tcp", s.config.Listen.Addr(s.config.TransferPort), s.tlsConf)
	if err != nil {
		_ = s.mainLn.Close()
		return fmt.Errorf("listen transfer port: %w", err)
	}
	if s.config.Quic.Enabled {
		if err := s.listenQUIC(); err != nil {
			_ = s.mainLn.Close()
			_ = s.transferLn.Close()
			return err
		}
	}

	ev := s.logger.Info().
		Str("main_addr", s.mainLn.Addr().String()).
		Str("transfer_addr", s.transferLn.Addr().String())
	if s.quicLn != nil {
		ev = ev.Str("quic_addr", s.quicLn.Addr().String())
	}
	ev.Msg("listening")
	return nil
}

// MainAddr returns the bound main port address.
func (s *Server) MainAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mainLn.Addr()
}

// TransferAddr returns the bound transfer port address.
func (s *Server) TransferAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferLn.Addr()
}

// QUICAddr returns the bound QUIC address, or nil when QUIC is disabled.
func (s *Server) QUICAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quicLn == nil {
		return nil
	}
	return s.quicLn.Addr()
}

// Serve accepts connections until ctx is done. On shutdown every running
// transfer is terminated and its client told so.
func (s *Server) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	var handlers sync.WaitGroup

	g.Go(func() error {
		return s.acceptLoop(gctx, s.mainLn, &handlers, s.serveSession)
	})
	g.Go(func() error {
		return s.acceptLoop(gctx, s.transferLn, &handlers, func(ctx context.Context, conn *tls.Conn) {
			sig := transfer.NewSignal()
			s.serveTransfer(ctx, transport.NewStream(conn, sig, transport.DefaultLinger), sig, conn.RemoteAddr().String())
		})
	})
	if s.quicLn != nil {
		g.Go(func() error {
			return s.acceptQUIC(gctx, &handlers)
		})
	}
	if s.rotator != nil {
		g.Go(func() error {
			s.rotator.Run(gctx)
			return nil
		})
	}
	if s.config.Discovery.Enabled {
		g.Go(func() error {
			return discovery.Announce(gctx, discovery.Service{
				Instance:     s.config.Discovery.Instance,
				Port:         s.MainAddr().(*net.TCPAddr).Port,
				TransferPort: s.TransferAddr().(*net.TCPAddr).Port,
				QUIC:         s.quicLn != nil,
			}, log.With().Str("com", "discovery").Logger())
		})
	}

	// Closing the listeners is what stops the accept loops.
	g.Go(func() error {
		<-gctx.Done()
		n := s.registry.TerminateAll(transfer.ReasonShutdown)
		s.logger.Info().Int("transfers", n).Msg("server shutting down")
		s.closeListeners()
		return nil
	})

	err := g.Wait()
	handlers.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return err
}

// Start listens and serves until ctx is done.
func Start(ctx context.Context, conf *config.Server) error {
	srv, err := New(conf)
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}
	return srv.Serve(ctx)
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, handlers *sync.WaitGroup, handle func(context.Context, *tls.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn().Err(err).Msg("accept connection failed")
				continue
			}
			return fmt.Errorf("accept on %s: %w", ln.Addr(), err)
		}

		handlers.Add(1)
		go func() {
			defer handlers.Done()
			handle(ctx, conn.(*tls.Conn))
		}()
	}
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mainLn != nil {
		_ = s.mainLn.Close()
	}
	if s.transferLn != nil {
		_ = s.transferLn.Close()
	}
	if s.quicLn != nil {
		_ = s.quicLn.Close()
	}
	if s.udp != nil {
		_ = s.udp.Close()
	}
}
