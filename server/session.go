package server

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"

	"github.com/Mmx233/Courier/protocol"
	"github.com/Mmx233/Courier/server/auth"
	"github.com/Mmx233/Courier/transfer"
	"github.com/Mmx233/Courier/transport"
	"github.com/rs/zerolog"
)

// session is one logged in main port connection.
type session struct {
	user   string
	signal *transfer.Signal
}

type sessionSet struct {
	mu       sync.Mutex
	sessions map[*session]struct{}
}

func newSessionSet() *sessionSet {
	return &sessionSet{sessions: make(map[*session]struct{})}
}

func (ss *sessionSet) add(s *session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.sessions[s] = struct{}{}
}

func (ss *sessionSet) remove(s *session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.sessions, s)
}

// kick disconnects every session of user.
func (ss *sessionSet) kick(user string) int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	n := 0
	for s := range ss.sessions {
		if s.user == user && s.signal.Fire(transfer.ReasonBanned) {
			n++
		}
	}
	return n
}

// authenticate checks a Login against the user database and stores the
// identity in user on success.
func (s *Server) authenticate(logger zerolog.Logger, user *auth.User) func(protocol.Login) protocol.LoginResponse {
	return func(login protocol.Login) protocol.LoginResponse {
		u, err := s.users.Authenticate(login.Username, login.Password)
		if err != nil {
			logger.Warn().Str("user", login.Username).Err(err).Msg("login rejected")
			kind := protocol.ErrKindAuth
			if errors.Is(err, auth.ErrBanned) {
				kind = protocol.ErrKindBanned
			}
			return protocol.LoginResponse{Error: err.Error(), ErrorKind: kind}
		}
		*user = u
		return protocol.LoginResponse{
			Success:     true,
			IsAdmin:     u.Admin,
			Permissions: u.PermissionStrings(),
		}
	}
}

// serveSession runs a main port connection: login, then pings and admin
// requests until the client leaves.
func (s *Server) serveSession(ctx context.Context, tc *tls.Conn) {
	peer := tc.RemoteAddr().String()
	logger := s.logger.With().Str("peer", peer).Str("port", "main").Logger()

	sig := transfer.NewSignal()
	conn := transfer.NewConn(transport.NewStream(tc, sig, transport.DefaultLinger), s.config.Timeouts.Transfer(), sig, logger)
	defer conn.Close()
	stopShutdown := context.AfterFunc(ctx, func() { sig.Fire(transfer.ReasonShutdown) })
	defer stopShutdown()
	stopWatch := conn.Watch()
	defer stopWatch()

	var user auth.User
	if _, err := conn.Accept(nil, s.authenticate(logger, &user)); err != nil {
		logger.Debug().Err(err).Msg("session ended before login")
		return
	}
	logger = logger.With().Str("user", user.Name).Logger()

	sess := &session{user: user.Name, signal: sig}
	s.sessions.add(sess)
	defer s.sessions.remove(sess)
	// A ban issued while this login was in flight.
	if s.users.IsBanned(user.Name) {
		sig.Fire(transfer.ReasonBanned)
	}
	logger.Info().Bool("admin", user.Admin).Msg("session started")

	for {
		f, err := conn.ReceiveFrame(protocol.TypePing, protocol.TypeUserBan, protocol.TypeConnectionMonitor)
		if err != nil {
			if transfer.KindOf(err) == transfer.KindProtocol {
				_ = conn.SendError(err)
			}
			logger.Info().Err(err).Msg("session ended")
			return
		}

		switch f.Type {
		case protocol.TypePing:
			err = conn.SendID(f.ID, protocol.PingResponse{})
		case protocol.TypeUserBan:
			err = s.handleUserBan(conn, f, user, logger)
		case protocol.TypeConnectionMonitor:
			err = s.handleConnectionMonitor(conn, f, user)
		}
		if err != nil {
			logger.Info().Err(err).Msg("session ended")
			return
		}
	}
}

func (s *Server) handleUserBan(conn *transfer.Conn, f protocol.Frame, user auth.User, logger zerolog.Logger) error {
	var req protocol.UserBan
	if err := transfer.Decode(f, &req); err != nil {
		return err
	}
	reply := func(err error) error {
		if err != nil {
			return conn.SendID(f.ID, protocol.UserBanResponse{Error: err.Error()})
		}
		return conn.SendID(f.ID, protocol.UserBanResponse{Success: true})
	}

	if !user.Can(auth.PermBan) {
		return reply(errPermission(auth.PermBan))
	}
	if req.Username == user.Name {
		return reply(errSelfBan)
	}
	if _, err := s.users.Ban(req.Username); err != nil {
		return reply(err)
	}
	transfers := s.registry.BanUser(req.Username)
	sessions := s.sessions.kick(req.Username)
	logger.Warn().
		Str("banned", req.Username).
		Int("transfers", transfers).
		Int("sessions", sessions).
		Msg("user banned")
	return reply(nil)
}

func (s *Server) handleConnectionMonitor(conn *transfer.Conn, f protocol.Frame, user auth.User) error {
	if !user.Can(auth.PermConnectionMonitor) {
		return conn.SendID(f.ID, protocol.ConnectionMonitorResponse{
			Error: errPermission(auth.PermConnectionMonitor).Error(),
		})
	}
	return conn.SendID(f.ID, protocol.ConnectionMonitorResponse{
		Success:   true,
		Transfers: s.registry.ListActive(),
	})
}
