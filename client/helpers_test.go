package client

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Mmx233/Courier/client/store"
	"github.com/Mmx233/Courier/config"
	"github.com/Mmx233/Courier/server"
	"github.com/Mmx233/Courier/tools/certgen"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testServer struct {
	srv  *server.Server
	area string
	conf *config.Client
}

func passwordHash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

// startServer runs a server on loopback and returns a client config pointing
// at it as user alice.
func startServer(t *testing.T, withQUIC bool) *testServer {
	t.Helper()
	cert, pool, err := certgen.Localhost()
	require.NoError(t, err)

	areaDir := t.TempDir()
	srv, err := server.New(&config.Server{
		Listen: config.Listen{IP: "127.0.0.1"},
		Quic:   config.ServerQuic{Enabled: withQUIC},
		TLS:    config.ServerTLS{Certificate: cert},
		Area:   areaDir,
		Users: []config.ServerUser{
			{Name: "alice", PasswordHash: passwordHash(t, "wonderland"), Permissions: []string{"download", "upload"}},
			{Name: "root", PasswordHash: passwordHash(t, "toor"), Admin: true},
		},
		Timeouts: config.Timeouts{Connect: 5 * time.Second, Idle: 10 * time.Second, Progress: 5 * time.Second},
	})
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	transferPort := srv.TransferAddr().(*net.TCPAddr).Port
	if withQUIC {
		transferPort = srv.QUICAddr().(*net.UDPAddr).Port
	}
	conf := &config.Client{
		Servers: []config.ServerEndpoint{{
			Name:         "test",
			Address:      srv.MainAddr().String(),
			ServerName:   "localhost",
			TransferPort: transferPort,
			QUIC:         withQUIC,
			Username:     "alice",
			Password:     "wonderland",
		}},
		TLS:         config.ClientTLS{CACertPool: pool},
		DownloadDir: t.TempDir(),
		Store:       config.StoreJSON,
		Timeouts:    config.Timeouts{Connect: 5 * time.Second, Idle: 10 * time.Second, Progress: 5 * time.Second},
	}
	return &testServer{srv: srv, area: areaDir, conf: conf}
}

func fill(t *testing.T, path string, size int, seed byte) []byte {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%253) ^ seed
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return data
}

// gateStore blocks the first save that moves a record to Transferring until
// release is called, freezing the transfer right after the server accepted it.
type gateStore struct {
	store.Store
	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
}

func newGateStore(inner store.Store) *gateStore {
	return &gateStore{Store: inner, entered: make(chan struct{}), gate: make(chan struct{})}
}

func (g *gateStore) Save(records []store.Record) error {
	for _, r := range records {
		if r.Status == store.Transferring {
			g.once.Do(func() {
				close(g.entered)
				<-g.gate
			})
			break
		}
	}
	return g.Store.Save(records)
}

func (g *gateStore) release() { close(g.gate) }

// failingStore refuses every save once limit saves went through.
type failingStore struct {
	store.Store
	mu    sync.Mutex
	saves int
	limit int
}

var errDiskFull = errors.New("disk full")

func (f *failingStore) Save(records []store.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saves >= f.limit {
		return errDiskFull
	}
	f.saves++
	return f.Store.Save(records)
}

type harness struct {
	ts       *testServer
	store    store.Store
	manager  *Manager
	executor *Executor
	cancel   context.CancelFunc
	done     chan error
}

func newHarness(t *testing.T, ts *testServer, st store.Store) *harness {
	t.Helper()
	if st == nil {
		st = store.NewJSON(filepath.Join(t.TempDir(), "transfers.json"))
	}
	m, err := NewManager(st, zerolog.Nop())
	require.NoError(t, err)
	e := NewExecutor(ts.conf, m, NewDialer(ts.conf, zerolog.Nop()), zerolog.Nop())
	return &harness{ts: ts, store: st, manager: m, executor: e}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.executor.Run(ctx) }()
	t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(10 * time.Second):
	}
	h.cancel = nil
}

// collect reads events of id until one of the terminal types arrives.
func (h *harness) collect(t *testing.T, id string) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(20 * time.Second)
	for {
		select {
		case ev := <-h.executor.Events():
			if ev.ID != id {
				continue
			}
			events = append(events, ev)
			switch ev.Type {
			case EventCompleted, EventFailed, EventPaused:
				return events
			}
		case <-timeout:
			t.Fatalf("no terminal event for %s, got %v", id, events)
		}
	}
}

func progressOf(events []Event) []uint64 {
	var out []uint64
	for _, ev := range events {
		if ev.Type == EventProgress {
			out = append(out, ev.Bytes)
		}
	}
	return out
}

func waitStatus(t *testing.T, m *Manager, id string, want store.Status) TransferRecord {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		rec, err := m.Get(id)
		require.NoError(t, err)
		if rec.Status == want {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("record %s is %s, want %s", id, rec.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
