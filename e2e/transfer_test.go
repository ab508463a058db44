package e2e

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mmx233/Courier/client"
	"github.com/Mmx233/Courier/client/store"
	"github.com/Mmx233/Courier/config"
	"github.com/Mmx233/Courier/protocol"
	"github.com/Mmx233/Courier/server"
	"github.com/Mmx233/Courier/tools/certgen"
	"github.com/Mmx233/Courier/transfer"
	"github.com/Mmx233/Courier/transport"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	fourMiB = 4 << 20
	tenMiB  = 10 << 20
)

var timeouts = config.Timeouts{Connect: 5 * time.Second, Idle: 10 * time.Second, Progress: 5 * time.Second}

type env struct {
	srv    *server.Server
	area   string
	client *config.Client
}

func hash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func setup(t *testing.T, withQUIC bool) *env {
	t.Helper()
	cert, pool, err := certgen.Localhost()
	require.NoError(t, err)

	e := &env{area: t.TempDir()}
	e.srv, err = server.New(&config.Server{
		Listen: config.Listen{IP: "127.0.0.1"},
		Quic:   config.ServerQuic{Enabled: withQUIC},
		TLS:    config.ServerTLS{Certificate: cert},
		Area:   e.area,
		Users: []config.ServerUser{
			{Name: "alice", PasswordHash: hash(t, "wonderland"), Permissions: []string{"download", "upload"}},
			{Name: "root", PasswordHash: hash(t, "toor"), Admin: true},
		},
		Timeouts: timeouts,
	})
	require.NoError(t, err)
	require.NoError(t, e.srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	transferPort := e.srv.TransferAddr().(*net.TCPAddr).Port
	if withQUIC {
		transferPort = e.srv.QUICAddr().(*net.UDPAddr).Port
	}
	e.client = &config.Client{
		Servers: []config.ServerEndpoint{{
			Name:         "e2e",
			Address:      e.srv.MainAddr().String(),
			ServerName:   "localhost",
			TransferPort: transferPort,
			QUIC:         withQUIC,
			Username:     "alice",
			Password:     "wonderland",
		}},
		TLS:         config.ClientTLS{CACertPool: pool},
		DownloadDir: t.TempDir(),
		Store:       config.StoreSQLite,
		StateFile:   filepath.Join(t.TempDir(), "transfers.db"),
		Timeouts:    timeouts,
	}
	return e
}

func writeRandom(t *testing.T, path string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	var x uint32 = 2463534242
	for i := range data {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		data[i] = byte(x)
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return data
}

// download runs one download through the client and returns its events.
func download(t *testing.T, e *env, remote string) []client.Event {
	t.Helper()
	c, err := client.New(e.client)
	require.NoError(t, err)
	defer func() { require.NoError(t, c.Close()) }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Executor().Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	rec, err := c.Executor().Submit(client.Request{Direction: transfer.Download, RemotePath: remote})
	require.NoError(t, err)

	var events []client.Event
	timeout := time.After(30 * time.Second)
	for {
		select {
		case ev := <-c.Executor().Events():
			if ev.ID != rec.ID {
				continue
			}
			events = append(events, ev)
			switch ev.Type {
			case client.EventCompleted, client.EventFailed, client.EventPaused:
				got, err := c.Manager().Get(rec.ID)
				require.NoError(t, err)
				if ev.Type == client.EventCompleted {
					assert.Equal(t, store.Completed, got.Status)
				}
				return events
			}
		case <-timeout:
			t.Fatalf("download of %s did not finish: %v", remote, events)
		}
	}
}

func progressOf(events []client.Event) []uint64 {
	var out []uint64
	for _, ev := range events {
		if ev.Type == client.EventProgress {
			out = append(out, ev.Bytes)
		}
	}
	return out
}

func TestDownload_TenMiB(t *testing.T) {
	for _, withQUIC := range []bool{false, true} {
		name := "tcp"
		if withQUIC {
			name = "quic"
		}
		t.Run(name, func(t *testing.T) {
			e := setup(t, withQUIC)
			data := writeRandom(t, filepath.Join(e.area, "movie.mkv"), tenMiB)

			events := download(t, e, "movie.mkv")
			last := events[len(events)-1]
			require.Equal(t, client.EventCompleted, last.Type, "kind=%s err=%v", last.Kind, last.Err)
			assert.EqualValues(t, tenMiB, last.Bytes)

			progress := progressOf(events)
			require.NotEmpty(t, progress)
			for i := 1; i < len(progress); i++ {
				assert.Greater(t, progress[i], progress[i-1], "progress never goes backwards")
			}
			assert.EqualValues(t, tenMiB, progress[len(progress)-1])

			got, err := os.ReadFile(filepath.Join(e.client.DownloadDir, "movie.mkv"))
			require.NoError(t, err)
			assert.Equal(t, sha256.Sum256(data), sha256.Sum256(got))
			assert.NoFileExists(t, filepath.Join(e.client.DownloadDir, "movie.mkv"+transfer.PartSuffix))
		})
	}
}

func TestDownload_ResumesFourMiBPartial(t *testing.T) {
	e := setup(t, false)
	data := writeRandom(t, filepath.Join(e.area, "movie.mkv"), tenMiB)
	part := filepath.Join(e.client.DownloadDir, "movie.mkv"+transfer.PartSuffix)
	require.NoError(t, os.WriteFile(part, data[:fourMiB], 0o644))

	events := download(t, e, "movie.mkv")
	last := events[len(events)-1]
	require.Equal(t, client.EventCompleted, last.Type, "kind=%s err=%v", last.Kind, last.Err)

	progress := progressOf(events)
	require.NotEmpty(t, progress)
	assert.EqualValues(t, fourMiB, progress[0], "the verified prefix is counted at once")

	got, err := os.ReadFile(filepath.Join(e.client.DownloadDir, "movie.mkv"))
	require.NoError(t, err)
	assert.Equal(t, sha256.Sum256(data), sha256.Sum256(got))
	assert.NoFileExists(t, part)
}

// TestBan_MidStreamOverQUIC reads part of a FileData payload, has an admin
// ban the user, and expects the connection to end with the ban code.
func TestBan_MidStreamOverQUIC(t *testing.T) {
	e := setup(t, true)
	writeRandom(t, filepath.Join(e.area, "huge.bin"), 32<<20)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	tlsConf := &tls.Config{RootCAs: e.client.TLS.CACertPool, ServerName: "localhost", NextProtos: []string{transport.ALPN}}
	qc, err := quic.DialAddr(ctx, e.srv.QUICAddr().String(), tlsConf, &quic.Config{MaxIdleTimeout: 10 * time.Second})
	require.NoError(t, err)
	stream, err := qc.OpenStreamSync(ctx)
	require.NoError(t, err)
	conn := transfer.NewConn(transport.NewQUICStream(qc, stream, nil, 0), timeouts.Transfer(), nil, zerolog.Nop())
	defer conn.Close()

	_, err = conn.Greet(transfer.NewMachine(), "alice", "wonderland")
	require.NoError(t, err)
	require.NoError(t, conn.Send(protocol.FileDownload{Path: "huge.bin"}))
	var resp protocol.FileDownloadResponse
	_, err = conn.ReceiveMessage(&resp)
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
	var start protocol.FileStart
	_, err = conn.ReceiveMessage(&start)
	require.NoError(t, err)
	require.NoError(t, conn.Send(protocol.FileStartResponse{Disposition: protocol.LocalNone}))

	_, body, err := conn.Receive(protocol.TypeFileData)
	require.NoError(t, err)
	head := make([]byte, 64<<10)
	_, err = io.ReadFull(body, head)
	require.NoError(t, err)
	require.Equal(t, 1, e.srv.Registry().Count())

	admin := e.client.Servers[0]
	admin.Username, admin.Password = "root", "toor"
	sess, err := client.Connect(ctx, client.NewDialer(e.client, zerolog.Nop()), e.client, admin, nil)
	require.NoError(t, err)
	defer sess.Close()
	sessCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = sess.Run(sessCtx, time.Hour) }()
	require.NoError(t, sess.Ban(ctx, "alice"))

	_, err = io.Copy(io.Discard, body)
	require.Error(t, err, "the payload must not complete after a ban")
	reason, ok := transport.RemoteReason(err)
	require.True(t, ok, "unexpected error %v", err)
	assert.Equal(t, transfer.ReasonBanned, reason)

	require.Eventually(t, func() bool { return e.srv.Registry().Count() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, e.srv.Users().IsBanned("alice"))
}
