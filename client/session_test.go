package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Mmx233/Courier/correlator"
	"github.com/Mmx233/Courier/protocol"
	"github.com/Mmx233/Courier/transfer"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	NopHandler
	mu          sync.Mutex
	latencies   []time.Duration
	bans        []string
	unsolicited []protocol.Frame
}

func (h *recordingHandler) Latency(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latencies = append(h.latencies, d)
}

func (h *recordingHandler) BanResult(username string, _ protocol.UserBanResponse) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bans = append(h.bans, username)
}

func (h *recordingHandler) Unsolicited(f protocol.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsolicited = append(h.unsolicited, f)
}

// runSession logs in as username and reads responses until the test ends.
func runSession(t *testing.T, ts *testServer, username, password string, handler Handler) *Session {
	t.Helper()
	ep := ts.conf.Servers[0]
	ep.Username, ep.Password = username, password

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Connect(ctx, NewDialer(ts.conf, zerolog.Nop()), ts.conf, ep, handler)
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(runCtx, time.Hour) }()
	t.Cleanup(func() {
		stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("session did not stop")
		}
		_ = s.Close()
	})
	return s
}

func TestSession_Ping(t *testing.T) {
	ts := startServer(t, false)
	h := &recordingHandler{}
	s := runSession(t, ts, "alice", "wonderland", h)

	assert.False(t, s.Login().IsAdmin)
	assert.Len(t, s.Fingerprint(), 64)
	assert.Zero(t, s.Latency())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rtt, err := s.Ping(ctx)
	require.NoError(t, err)
	assert.Positive(t, rtt)
	assert.Equal(t, rtt, s.Latency())

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []time.Duration{rtt}, h.latencies)
}

func TestSession_AdminRequestsNeedAdmin(t *testing.T) {
	ts := startServer(t, false)
	s := runSession(t, ts, "alice", "wonderland", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.Monitor(ctx)
	require.Error(t, err)
	require.Error(t, s.Ban(ctx, "root"))
	assert.False(t, ts.srv.Users().IsBanned("root"))
}

func TestSession_MonitorAndBan(t *testing.T) {
	ts := startServer(t, false)
	h := &recordingHandler{}
	s := runSession(t, ts, "root", "toor", h)
	require.True(t, s.Login().IsAdmin)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	transfers, err := s.Monitor(ctx)
	require.NoError(t, err)
	assert.Empty(t, transfers)

	require.NoError(t, s.Ban(ctx, "alice"))
	assert.True(t, ts.srv.Users().IsBanned("alice"))
	h.mu.Lock()
	assert.Equal(t, []string{"alice"}, h.bans)
	h.mu.Unlock()

	_, err = Connect(ctx, NewDialer(ts.conf, zerolog.Nop()), ts.conf, ts.conf.Servers[0], nil)
	require.Error(t, err, "a banned user cannot log in")
}

func TestSession_RequestAfterClose(t *testing.T) {
	ts := startServer(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Connect(ctx, NewDialer(ts.conf, zerolog.Nop()), ts.conf, ts.conf.Servers[0], nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Ping(ctx)
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_DispatchUnsolicited(t *testing.T) {
	h := &recordingHandler{}
	s := &Session{
		table:   correlator.New(),
		handler: h,
		waiters: make(map[protocol.MessageID]chan any),
		logger:  zerolog.Nop(),
	}

	stray := protocol.Frame{Header: protocol.Header{Type: protocol.TypePingResponse, ID: protocol.NewMessageID()}}
	s.dispatch(stray)

	id := s.table.Track(correlator.PingLatency(time.Now().Add(-time.Millisecond)))
	ch := make(chan any, 1)
	s.waiters[id] = ch
	s.dispatch(protocol.Frame{Header: protocol.Header{Type: protocol.TypePingResponse, ID: id}})

	res := <-ch
	rtt, ok := res.(time.Duration)
	require.True(t, ok)
	assert.GreaterOrEqual(t, rtt, time.Millisecond)
	assert.Zero(t, s.table.Len())
	assert.Empty(t, s.waiters)

	// A second response with the same id finds nobody.
	s.dispatch(protocol.Frame{Header: protocol.Header{Type: protocol.TypePingResponse, ID: id}})

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.unsolicited, 2)
	assert.Equal(t, stray.ID, h.unsolicited[0].ID)
	assert.Equal(t, id, h.unsolicited[1].ID)
}

func TestSession_ReadLoopHandsOverServerFrames(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	timeouts := transfer.Timeouts{Idle: 5 * time.Second, Progress: 5 * time.Second}
	sig := transfer.NewSignal()
	h := &recordingHandler{}
	s := &Session{
		conn:    transfer.NewConn(a, timeouts, sig, zerolog.Nop()),
		signal:  sig,
		table:   correlator.New(),
		handler: h,
		waiters: make(map[protocol.MessageID]chan any),
		logger:  zerolog.Nop(),
	}
	pingID := s.table.Track(correlator.PingLatency(time.Now()))
	banID := s.table.Track(correlator.BanResult("mallory"))
	banWaiter := make(chan any, 1)
	s.waiters[banID] = banWaiter

	srv := transfer.NewConn(b, timeouts, nil, zerolog.Nop())
	go func() {
		_ = srv.Send(protocol.ErrorMsg{Message: "server is going down", ErrorKind: protocol.ErrKindShutdown})
		_ = srv.Keepalive("big.iso")
		_ = srv.Send(protocol.FileStart{Path: "stray.bin"})
		_ = srv.SendID(banID, protocol.ErrorMsg{Message: "not an admin", ErrorKind: protocol.ErrKindPermission})
		_ = srv.SendID(pingID, protocol.PingResponse{})
		_ = srv.Close()
	}()

	require.Error(t, s.readLoop(), "the loop ends when the server hangs up")

	res := <-banWaiter
	err, ok := res.(error)
	require.True(t, ok)
	var te *transfer.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, protocol.ErrKindPermission, te.RemoteKind)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.unsolicited, 2)
	assert.Equal(t, protocol.TypeError, h.unsolicited[0].Type)
	assert.Equal(t, protocol.TypeFileStart, h.unsolicited[1].Type)
	assert.Len(t, h.latencies, 1)
	assert.Zero(t, s.table.Len())
}
