package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mmx233/Courier/config"
	"github.com/Mmx233/Courier/correlator"
	"github.com/Mmx233/Courier/protocol"
	"github.com/Mmx233/Courier/transfer"
	"github.com/Mmx233/Courier/transport"
	"github.com/rs/zerolog"
)

// ErrSessionClosed is returned to requests still waiting when the main
// connection goes away.
var ErrSessionClosed = errors.New("session closed")

// Handler receives routed responses and frames nobody asked for. Callbacks
// run on the session's reader goroutine.
type Handler interface {
	Latency(d time.Duration)
	BanResult(username string, resp protocol.UserBanResponse)
	Monitor(resp protocol.ConnectionMonitorResponse)
	Unsolicited(f protocol.Frame)
}

// NopHandler drops everything.
type NopHandler struct{}

func (NopHandler) Latency(time.Duration)                      {}
func (NopHandler) BanResult(string, protocol.UserBanResponse) {}
func (NopHandler) Monitor(protocol.ConnectionMonitorResponse) {}
func (NopHandler) Unsolicited(protocol.Frame)                 {}

// Session is the logged in main connection to a server. One goroutine reads;
// sends are serialised. Responses are matched to their requests through the
// correlation table.
type Session struct {
	conn    *transfer.Conn
	signal  *transfer.Signal
	table   *correlator.Table
	handler Handler
	login   protocol.LoginResponse

	fingerprint string
	latency     atomic.Int64

	writeMu sync.Mutex
	mu      sync.Mutex
	waiters map[protocol.MessageID]chan any
	closed  bool

	logger zerolog.Logger
}

// Connect dials the main port of ep and logs in.
func Connect(ctx context.Context, d *Dialer, conf *config.Client, ep config.ServerEndpoint, handler Handler) (*Session, error) {
	if handler == nil {
		handler = NopHandler{}
	}
	tc, fp, err := d.DialMain(ctx, ep)
	if err != nil {
		return nil, err
	}
	logger := d.logger.With().Str("com", "session").Str("server", ep.Name).Logger()

	sig := transfer.NewSignal()
	conn := transfer.NewConn(transport.NewStream(tc, sig, 0), conf.Timeouts.Transfer(), sig, logger)
	login, err := conn.Greet(nil, ep.Username, ep.Password)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	logger.Info().Bool("admin", login.IsAdmin).Strs("permissions", login.Permissions).Msg("logged in")

	return &Session{
		conn:        conn,
		signal:      sig,
		table:       correlator.New(),
		handler:     handler,
		login:       login,
		fingerprint: fp,
		waiters:     make(map[protocol.MessageID]chan any),
		logger:      logger,
	}, nil
}

// Login returns the server's answer to the login, including permissions.
func (s *Session) Login() protocol.LoginResponse { return s.login }

// Fingerprint is the SHA-256 of the server certificate.
func (s *Session) Fingerprint() string { return s.fingerprint }

// Latency is the last measured round trip, zero before the first pong.
func (s *Session) Latency() time.Duration { return time.Duration(s.latency.Load()) }

// Run reads responses and pings every interval until ctx is done or the
// connection fails.
func (s *Session) Run(ctx context.Context, interval time.Duration) error {
	stop := context.AfterFunc(ctx, func() { s.signal.Fire(transfer.ReasonCancelled) })
	defer stop()
	stopWatch := s.conn.Watch()
	defer stopWatch()

	if interval <= 0 {
		interval = config.DefaultPingInterval
	}
	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.pingLoop(pingCtx, interval)

	err := s.readLoop()
	s.shutdown()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Session) pingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.send(correlator.PingLatency(time.Now()), protocol.Ping{}); err != nil {
				s.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (s *Session) readLoop() error {
	for {
		f, err := s.conn.ReceiveAny()
		if err != nil {
			return err
		}
		s.dispatch(f)
	}
}

// dispatch routes one response by its message id. Frames that are not a
// response, or answer nothing we sent, go to the handler.
func (s *Session) dispatch(f protocol.Frame) {
	var route correlator.Route
	ok := false
	switch f.Type {
	case protocol.TypePingResponse, protocol.TypeUserBanResponse, protocol.TypeConnectionMonitorResponse, protocol.TypeError:
		route, ok = s.table.Resolve(f.ID)
	}
	if !ok {
		s.logger.Debug().Str("type", f.Type).Stringer("id", f.ID).Msg("unsolicited frame")
		s.handler.Unsolicited(f)
		return
	}

	var result any
	switch {
	case f.Type == protocol.TypeError:
		var msg protocol.ErrorMsg
		if err := transfer.Decode(f, &msg); err != nil {
			result = err
			break
		}
		result = transfer.RemoteError(msg.ErrorKind, msg.Message)
	case route.Kind == correlator.RoutePingLatency:
		rtt := time.Since(route.SentAt)
		s.latency.Store(int64(rtt))
		s.handler.Latency(rtt)
		result = rtt
	case route.Kind == correlator.RouteBanResult:
		var resp protocol.UserBanResponse
		if err := transfer.Decode(f, &resp); err != nil {
			result = err
			break
		}
		s.handler.BanResult(route.Username, resp)
		result = resp
	case route.Kind == correlator.RouteConnectionMonitor:
		var resp protocol.ConnectionMonitorResponse
		if err := transfer.Decode(f, &resp); err != nil {
			result = err
			break
		}
		s.handler.Monitor(resp)
		result = resp
	}

	s.mu.Lock()
	ch, waiting := s.waiters[f.ID]
	delete(s.waiters, f.ID)
	s.mu.Unlock()
	if waiting {
		ch <- result
	}
}

// send tracks route under a fresh id and writes msg.
func (s *Session) send(route correlator.Route, msg protocol.Message) (protocol.MessageID, error) {
	id := s.table.Track(route)
	s.writeMu.Lock()
	err := s.conn.SendID(id, msg)
	s.writeMu.Unlock()
	if err != nil {
		s.table.Forget(id)
		return id, err
	}
	return id, nil
}

// request sends msg and waits for the routed result.
func (s *Session) request(ctx context.Context, route correlator.Route, msg protocol.Message) (any, error) {
	ch := make(chan any, 1)
	id := s.table.Track(route)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.table.Forget(id)
		return nil, ErrSessionClosed
	}
	s.waiters[id] = ch
	s.mu.Unlock()
	forget := func() {
		s.mu.Lock()
		delete(s.waiters, id)
		s.mu.Unlock()
		s.table.Forget(id)
	}

	s.writeMu.Lock()
	err := s.conn.SendID(id, msg)
	s.writeMu.Unlock()
	if err != nil {
		forget()
		return nil, err
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrSessionClosed
		}
		if err, isErr := res.(error); isErr {
			return nil, err
		}
		return res, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// Ping measures one round trip.
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	res, err := s.request(ctx, correlator.PingLatency(time.Now()), protocol.Ping{})
	if err != nil {
		return 0, err
	}
	return res.(time.Duration), nil
}

// Ban asks the server to ban username and end all of its transfers.
func (s *Session) Ban(ctx context.Context, username string) error {
	res, err := s.request(ctx, correlator.BanResult(username), protocol.UserBan{Username: username})
	if err != nil {
		return err
	}
	resp := res.(protocol.UserBanResponse)
	if !resp.Success {
		return fmt.Errorf("ban %s: %s", username, resp.Error)
	}
	return nil
}

// Monitor lists the transfers active on the server.
func (s *Session) Monitor(ctx context.Context) ([]protocol.TransferInfo, error) {
	res, err := s.request(ctx, correlator.ConnectionMonitor(), protocol.ConnectionMonitor{})
	if err != nil {
		return nil, err
	}
	resp := res.(protocol.ConnectionMonitorResponse)
	if !resp.Success {
		return nil, fmt.Errorf("connection monitor: %s", resp.Error)
	}
	return resp.Transfers, nil
}

// shutdown wakes every waiter and forgets outstanding requests.
func (s *Session) shutdown() {
	s.mu.Lock()
	s.closed = true
	for id, ch := range s.waiters {
		close(ch)
		delete(s.waiters, id)
	}
	s.mu.Unlock()
	if n := len(s.table.Drain()); n > 0 {
		s.logger.Debug().Int("outstanding", n).Msg("dropped pending requests")
	}
}

// Close ends the session.
func (s *Session) Close() error {
	s.signal.Fire(transfer.ReasonCancelled)
	s.shutdown()
	return s.conn.Close()
}
