package stek

import (
	"context"
	"crypto/tls"
	"io"
	"testing"
	"time"

	"github.com/Mmx233/Courier/tools/certgen"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

// TestMain ensures no goroutine leaks across all tests in this package
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNew(t *testing.T) {
	r, err := New(time.Hour, 3, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	keys := r.Keys()
	if len(keys) != 3 {
		t.Fatalf("expected 3 initial keys, got %d", len(keys))
	}
	if keys[0] == keys[1] || keys[1] == keys[2] {
		t.Error("expected distinct initial keys")
	}
}

func TestNew_InvalidParameters(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		overlap  uint8
		wantErr  bool
	}{
		{"zero interval", 0, 2, true},
		{"negative interval", -time.Hour, 2, true},
		{"zero overlap", time.Hour, 0, true},
		{"valid parameters", time.Hour, 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.interval, tt.overlap, zerolog.Nop())
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRotator_RotateKeepsOverlap(t *testing.T) {
	r, err := New(time.Hour, 3, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	before := r.Keys()

	if err := r.rotate(); err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	after := r.Keys()
	if len(after) != 3 {
		t.Fatalf("expected key count to stay at 3, got %d", len(after))
	}
	if after[1] != before[0] || after[2] != before[1] {
		t.Error("expected older keys to shift down by one")
	}
	for _, k := range before {
		if after[0] == k {
			t.Error("new key repeats an old one")
		}
	}
}

func TestRotator_RunStopsWithContext(t *testing.T) {
	r, err := New(10*time.Millisecond, 2, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	first := r.Keys()[0]

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for r.Keys()[0] == first {
		if time.Now().After(deadline) {
			t.Fatal("keys never rotated")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// resumes dials the listener with a shared session cache and reports whether
// the TLS session was resumed.
func resumes(t *testing.T, addr string, clientConf *tls.Config) bool {
	t.Helper()
	conn, err := tls.Dial("tcp", addr, clientConf)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	// Reading the server's byte also processes the session ticket.
	if _, err := io.ReadFull(conn, make([]byte, 1)); err != nil {
		t.Fatalf("read: %v", err)
	}
	return conn.ConnectionState().DidResume
}

func TestRotator_SessionResumptionAcrossRotation(t *testing.T) {
	cert, pool, err := certgen.Localhost()
	if err != nil {
		t.Fatal(err)
	}
	r, err := New(time.Hour, 2, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	serverConf := &tls.Config{Certificates: []tls.Certificate{cert}}
	r.Apply(serverConf)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverConf)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	served := make(chan struct{})
	go func() {
		defer close(served)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = conn.Write([]byte{1})
			_ = conn.Close()
		}
	}()

	clientConf := &tls.Config{
		RootCAs:            pool,
		ServerName:         "localhost",
		ClientSessionCache: tls.NewLRUClientSessionCache(4),
	}
	addr := ln.Addr().String()

	if resumes(t, addr, clientConf) {
		t.Fatal("first connection cannot resume")
	}
	if !resumes(t, addr, clientConf) {
		t.Fatal("expected resumption with an unchanged key set")
	}

	// One rotation keeps the previous key within the overlap window.
	if err := r.rotate(); err != nil {
		t.Fatal(err)
	}
	if !resumes(t, addr, clientConf) {
		t.Fatal("expected resumption after one rotation")
	}

	// Two more rotations push every key the cached ticket could use out.
	_ = r.rotate()
	_ = r.rotate()
	if resumes(t, addr, clientConf) {
		t.Fatal("expected full handshake after the ticket key expired")
	}

	_ = ln.Close()
	<-served
}
