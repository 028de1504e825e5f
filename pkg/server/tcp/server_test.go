// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// echoHandler echoes each connection until the peer or ctx closes it.
type echoHandler struct {
	served  atomic.Int32
	drained atomic.Bool
}

func (h *echoHandler) Serve(ctx context.Context, conn net.Conn) error {
	h.served.Add(1)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	_, err := io.Copy(conn, conn)
	return err
}

func (h *echoHandler) Drain() {
	h.drained.Store(true)
}

func startServer(t *testing.T, cfg Config, h ConnHandler) (string, context.CancelFunc, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	cfg.Logger = discard
	server := New(cfg, h)

	ctx, cancel := context.WithCancel(context.Background())
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Serve(ctx, ln)
	}()
	t.Cleanup(cancel)
	return ln.Addr().String(), cancel, serverErr
}

func TestTCPServer_ServeAndShutdown(t *testing.T) {
	h := &echoHandler{}
	addr, cancel, serverErr := startServer(t, Config{ShutdownTimeout: 5 * time.Second}, h)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("echo = %q, %v", buf, err)
	}
	conn.Close()

	cancel()
	select {
	case err := <-serverErr:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	if !h.drained.Load() {
		t.Error("handler was not drained")
	}
	if h.served.Load() != 1 {
		t.Errorf("served = %d, want 1", h.served.Load())
	}
}

func TestTCPServer_ShutdownTimeout(t *testing.T) {
	h := &echoHandler{}
	addr, cancel, serverErr := startServer(t, Config{ShutdownTimeout: 50 * time.Millisecond}, h)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for h.served.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-serverErr:
		if !errors.Is(err, ErrShutdownTimeout) {
			t.Errorf("Serve() error = %v, want ErrShutdownTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("connection still open after forced shutdown")
	}
}

// gateHandler holds every connection until release is closed.
type gateHandler struct {
	mu      sync.Mutex
	active  int
	peak    int
	release chan struct{}
}

func (h *gateHandler) Serve(ctx context.Context, conn net.Conn) error {
	h.mu.Lock()
	h.active++
	if h.active > h.peak {
		h.peak = h.active
	}
	h.mu.Unlock()

	<-h.release

	h.mu.Lock()
	h.active--
	h.mu.Unlock()
	return nil
}

func TestTCPServer_MaxConnections(t *testing.T) {
	h := &gateHandler{release: make(chan struct{})}
	addr, cancel, serverErr := startServer(t, Config{MaxConnections: 2, ShutdownTimeout: 5 * time.Second}, h)

	for i := 0; i < 4; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		defer conn.Close()
	}
	time.Sleep(100 * time.Millisecond)

	h.mu.Lock()
	peak := h.peak
	h.mu.Unlock()
	if peak != 2 {
		t.Errorf("peak concurrent connections = %d, want 2", peak)
	}

	close(h.release)
	cancel()
	if err := <-serverErr; err != nil {
		t.Errorf("Serve() error = %v", err)
	}
}

func TestBackoff(t *testing.T) {
	delay := time.Duration(0)
	for i := 0; i < 20; i++ {
		delay = backoff(delay)
	}
	if delay != maxAcceptDelay {
		t.Errorf("backoff() = %v, want %v", delay, maxAcceptDelay)
	}
	if got := backoff(0); got != 5*time.Millisecond {
		t.Errorf("backoff(0) = %v", got)
	}
}
