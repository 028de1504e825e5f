// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	perrors "github.com/absmach/fwdproxy/pkg/errors"
	"github.com/absmach/fwdproxy/pkg/handler"
	"github.com/absmach/fwdproxy/pkg/policy"
	"github.com/absmach/fwdproxy/pkg/pool"
	"github.com/absmach/fwdproxy/pkg/resolver"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// recorder is a handler.Handler collecting events.
type recorder struct {
	mu       sync.Mutex
	events   []string
	outcomes []handler.Outcome
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) OnConnect(ctx context.Context, hctx *handler.Context) error {
	r.add("connect")
	return nil
}

func (r *recorder) OnTransactionStart(ctx context.Context, hctx *handler.Context, req handler.Request) {
	r.add(fmt.Sprintf("start %d %s", req.Seq, req.Method))
}

func (r *recorder) OnTransactionEnd(ctx context.Context, hctx *handler.Context, req handler.Request, out handler.Outcome) {
	r.add(fmt.Sprintf("end %d %d", req.Seq, out.Status))
	r.mu.Lock()
	r.outcomes = append(r.outcomes, out)
	r.mu.Unlock()
}

func (r *recorder) OnError(ctx context.Context, hctx *handler.Context, kind string, err error) {
	r.add("error " + kind)
}

func (r *recorder) OnDisconnect(ctx context.Context, hctx *handler.Context) {
	r.add("disconnect")
}

func (r *recorder) snapshot() ([]string, []handler.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), append([]handler.Outcome(nil), r.outcomes...)
}

type harness struct {
	t      *testing.T
	sup    *Supervisor
	pool   *pool.Pool
	ln     net.Listener
	served chan error
}

// newHarness serves every connection accepted on a loopback listener with
// a Supervisor.
func newHarness(t *testing.T, config Config, opts ...Option) *harness {
	t.Helper()
	return newPoolHarness(t, config, pool.Config{DialTimeout: time.Second}, opts...)
}

func newPoolHarness(t *testing.T, config Config, poolConfig pool.Config, opts ...Option) *harness {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	p := pool.New(poolConfig)
	h := &harness{
		t:      t,
		sup:    NewSupervisor(config, p, append([]Option{WithLogger(discard)}, opts...)...),
		pool:   p,
		ln:     ln,
		served: make(chan error, 16),
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { h.served <- h.sup.Serve(context.Background(), conn) }()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		p.Close()
	})
	return h
}

func (h *harness) dial() net.Conn {
	h.t.Helper()
	conn, err := net.Dial("tcp", h.ln.Addr().String())
	if err != nil {
		h.t.Fatal(err)
	}
	h.t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func (h *harness) result() error {
	h.t.Helper()
	select {
	case err := <-h.served:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("session did not end")
		return nil
	}
}

func readResponse(t *testing.T, br *bufio.Reader, method string) (*nethttp.Response, string) {
	t.Helper()
	resp, err := nethttp.ReadResponse(br, &nethttp.Request{Method: method})
	if err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return resp, string(body)
}

func pathOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		fmt.Fprint(w, r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSession_PipelinedOrder(t *testing.T) {
	origin := pathOrigin(t)
	h := newHarness(t, Config{})
	conn := h.dial()

	var reqs strings.Builder
	for i := 1; i <= 3; i++ {
		fmt.Fprintf(&reqs, "GET %s/%d HTTP/1.1\r\nHost: ignored\r\n\r\n", origin.URL, i)
	}
	if _, err := io.WriteString(conn, reqs.String()); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(conn)
	for i := 1; i <= 3; i++ {
		resp, body := readResponse(t, br, "GET")
		if resp.StatusCode != 200 || body != fmt.Sprintf("/%d", i) {
			t.Fatalf("response %d = %d %q", i, resp.StatusCode, body)
		}
	}
	if dials := h.pool.Stats().Dials; dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
}

func TestSession_HeaderTimeout(t *testing.T) {
	origin := pathOrigin(t)
	h := newHarness(t, Config{HeaderTimeout: 50 * time.Millisecond})
	conn := h.dial()

	fmt.Fprintf(conn, "GET %s/ HTTP/1.1\r\nHost: x\r\n", origin.URL)

	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("read succeeded on a timed-out connection")
	}
	if err := h.result(); !errors.Is(err, perrors.ErrTimeout) {
		t.Errorf("Serve() error = %v, want timeout", err)
	}
	if dials := h.pool.Stats().Dials; dials != 0 {
		t.Errorf("dials = %d, want 0", dials)
	}
}

func TestSession_IdleTimeoutClosesQuietly(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: 50 * time.Millisecond})
	conn := h.dial()

	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("read succeeded on an idle connection")
	}
	if err := h.result(); err != nil {
		t.Errorf("Serve() error = %v, want nil", err)
	}
}

func TestSession_ReusesUpstream(t *testing.T) {
	origin := pathOrigin(t)
	h := newHarness(t, Config{})
	conn := h.dial()
	br := bufio.NewReader(conn)

	for i := 0; i < 2; i++ {
		fmt.Fprintf(conn, "GET %s/again HTTP/1.1\r\nHost: x\r\n\r\n", origin.URL)
		if resp, _ := readResponse(t, br, "GET"); resp.StatusCode != 200 {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	}
	stats := h.pool.Stats()
	if stats.Dials != 1 || stats.Reuses != 1 {
		t.Errorf("stats = %+v, want 1 dial and 1 reuse", stats)
	}
}

func TestSession_ConnectionCloseNotPooled(t *testing.T) {
	origin := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Connection", "close")
		fmt.Fprint(w, "bye")
	}))
	defer origin.Close()
	h := newHarness(t, Config{})

	for i := 0; i < 2; i++ {
		conn := h.dial()
		fmt.Fprintf(conn, "GET %s/ HTTP/1.1\r\nHost: x\r\n\r\n", origin.URL)
		resp, body := readResponse(t, bufio.NewReader(conn), "GET")
		if resp.StatusCode != 200 || body != "bye" {
			t.Fatalf("response = %d %q", resp.StatusCode, body)
		}
		if err := h.result(); err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	}
	stats := h.pool.Stats()
	if stats.Dials != 2 || stats.Idle != 0 {
		t.Errorf("stats = %+v, want 2 dials and no idle connection", stats)
	}
}

type denyLimiter struct{}

func (denyLimiter) Allow(string) bool { return false }

func TestSession_ErrorResponses(t *testing.T) {
	origin := pathOrigin(t)

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	unreachable := closed.Addr().String()
	closed.Close()

	deny, err := policy.NewList(policy.Rules{Deny: []string{"127.0.0.1"}})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		config  Config
		opts    []Option
		request string
		status  int
		kind    error
	}{
		{
			name:    "malformed request line",
			request: "GET\r\n\r\n",
			status:  400,
			kind:    perrors.ErrMalformedMessage,
		},
		{
			name:    "missing host",
			request: "GET / HTTP/1.1\r\n\r\n",
			status:  400,
			kind:    perrors.ErrMissingHost,
		},
		{
			name:    "header too large",
			config:  Config{MaxHeaderBytes: 256},
			request: "GET " + origin.URL + "/ HTTP/1.1\r\nX-Big: " + strings.Repeat("a", 512) + "\r\n\r\n",
			status:  431,
			kind:    perrors.ErrHeaderTooLarge,
		},
		{
			name:    "forbidden",
			opts:    []Option{WithPolicy(deny)},
			request: "GET " + origin.URL + "/ HTTP/1.1\r\nHost: x\r\n\r\n",
			status:  403,
			kind:    perrors.ErrForbidden,
		},
		{
			name:    "rate limited",
			opts:    []Option{WithLimiter(denyLimiter{})},
			request: "GET " + origin.URL + "/ HTTP/1.1\r\nHost: x\r\n\r\n",
			status:  429,
			kind:    perrors.ErrRateLimited,
		},
		{
			name:    "unreachable",
			request: "GET http://" + unreachable + "/ HTTP/1.1\r\nHost: x\r\n\r\n",
			status:  502,
			kind:    perrors.ErrUpstreamUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.config, tt.opts...)
			conn := h.dial()
			if _, err := io.WriteString(conn, tt.request); err != nil {
				t.Fatal(err)
			}

			resp, _ := readResponse(t, bufio.NewReader(conn), "GET")
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if !resp.Close {
				t.Error("error response does not close the connection")
			}
			if err := h.result(); !errors.Is(err, tt.kind) {
				t.Errorf("Serve() error = %v, want %v", err, tt.kind)
			}
		})
	}
}

// flakyOrigin answers one request per connection with a keep-alive
// response and then closes the connection anyway.
func flakyOrigin(t *testing.T) (resolver.Target, <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	closed := make(chan struct{}, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() {
					conn.Close()
					closed <- struct{}{}
				}()
				if _, err := nethttp.ReadRequest(bufio.NewReader(conn)); err != nil {
					return
				}
				io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
			}()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return resolver.Target{Scheme: "http", Host: "127.0.0.1", Port: addr.Port}, closed
}

func TestSession_RetriesStalePooledConnection(t *testing.T) {
	target, closed := flakyOrigin(t)
	rec := &recorder{}
	h := newHarness(t, Config{}, WithHandler(rec))
	conn := h.dial()
	br := bufio.NewReader(conn)

	fmt.Fprintf(conn, "GET http://%s/ HTTP/1.1\r\n\r\n", target.Addr())
	if resp, body := readResponse(t, br, "GET"); resp.StatusCode != 200 || body != "ok" {
		t.Fatalf("first response = %d %q", resp.StatusCode, body)
	}
	<-closed

	fmt.Fprintf(conn, "GET http://%s/ HTTP/1.1\r\n\r\n", target.Addr())
	if resp, body := readResponse(t, br, "GET"); resp.StatusCode != 200 || body != "ok" {
		t.Fatalf("retried response = %d %q", resp.StatusCode, body)
	}

	if dials := h.pool.Stats().Dials; dials != 2 {
		t.Errorf("dials = %d, want 2", dials)
	}
	_, outcomes := rec.snapshot()
	if len(outcomes) != 2 || outcomes[0].Retried || !outcomes[1].Retried {
		t.Errorf("outcomes = %+v, want only the second retried", outcomes)
	}
}

func TestSession_NoRetryForRequestWithBody(t *testing.T) {
	target, closed := flakyOrigin(t)
	h := newHarness(t, Config{})
	conn := h.dial()
	br := bufio.NewReader(conn)

	fmt.Fprintf(conn, "GET http://%s/ HTTP/1.1\r\n\r\n", target.Addr())
	readResponse(t, br, "GET")
	<-closed

	fmt.Fprintf(conn, "POST http://%s/ HTTP/1.1\r\nContent-Length: 2\r\n\r\nhi", target.Addr())
	resp, _ := readResponse(t, br, "POST")
	if resp.StatusCode != 502 {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	if err := h.result(); !errors.Is(err, perrors.ErrRelayInterrupted) {
		t.Errorf("Serve() error = %v, want relay interrupted", err)
	}
}

// trickleOrigin announces a long body and then sends one byte per interval
// until the connection breaks.
func trickleOrigin(t *testing.T, interval time.Duration) resolver.Target {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				if _, err := nethttp.ReadRequest(bufio.NewReader(conn)); err != nil {
					return
				}
				if _, err := io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 1000\r\n\r\n"); err != nil {
					return
				}
				for i := 0; i < 1000; i++ {
					time.Sleep(interval)
					if _, err := conn.Write([]byte("x")); err != nil {
						return
					}
				}
			}()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return resolver.Target{Scheme: "http", Host: "127.0.0.1", Port: addr.Port}
}

func TestSession_TransactionTimeoutBoundsSlowResponse(t *testing.T) {
	target := trickleOrigin(t, 20*time.Millisecond)
	h := newHarness(t, Config{TransactionTimeout: 150 * time.Millisecond})
	conn := h.dial()

	start := time.Now()
	fmt.Fprintf(conn, "GET http://%s/ HTTP/1.1\r\n\r\n", target.Addr())
	resp, err := nethttp.ReadResponse(bufio.NewReader(conn), &nethttp.Request{Method: "GET"})
	if err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want the origin's 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err == nil {
		t.Errorf("body of %d bytes read without error, want truncation", len(body))
	}

	if err := h.result(); !errors.Is(err, perrors.ErrTimeout) {
		t.Errorf("Serve() error = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("session ended after %v, want about 150ms", elapsed)
	}
}

// stallDialer never connects; it returns once the dial context is done.
type stallDialer struct{}

func (stallDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSession_TransactionTimeoutBoundsDial(t *testing.T) {
	h := newPoolHarness(t, Config{TransactionTimeout: 150 * time.Millisecond},
		pool.Config{DialTimeout: 10 * time.Second, Dialer: stallDialer{}})
	conn := h.dial()

	start := time.Now()
	fmt.Fprint(conn, "GET http://127.0.0.1:9/ HTTP/1.1\r\n\r\n")
	resp, _ := readResponse(t, bufio.NewReader(conn), "GET")
	if resp.StatusCode != nethttp.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}

	if err := h.result(); !errors.Is(err, perrors.ErrUpstreamUnreachable) {
		t.Errorf("Serve() error = %v, want upstream unreachable", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("dial gave up after %v, want about 150ms", elapsed)
	}
	if stats := h.pool.Stats(); stats.Active != 0 {
		t.Errorf("active = %d, want 0 after a failed dial", stats.Active)
	}
}

func TestSession_HandlerEvents(t *testing.T) {
	origin := pathOrigin(t)
	rec := &recorder{}
	h := newHarness(t, Config{}, WithHandler(rec))
	conn := h.dial()

	fmt.Fprintf(conn, "GET %s/a HTTP/1.1\r\n\r\n", origin.URL)
	fmt.Fprintf(conn, "GET %s/b HTTP/1.1\r\nConnection: close\r\n\r\n", origin.URL)
	br := bufio.NewReader(conn)
	readResponse(t, br, "GET")
	readResponse(t, br, "GET")
	if err := h.result(); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	events, outcomes := rec.snapshot()
	want := []string{"connect", "start 1 GET", "end 1 200", "start 2 GET", "end 2 200", "disconnect"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", events, want)
	}
	if outcomes[0].BytesIn == 0 || outcomes[0].BytesOut == 0 {
		t.Errorf("outcome = %+v, want byte counts", outcomes[0])
	}
	if !outcomes[1].Reused {
		t.Error("second transaction did not reuse the upstream connection")
	}
}

func TestSupervisor_Drain(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: time.Minute})
	conn := h.dial()

	deadline := time.Now().Add(2 * time.Second)
	for h.sup.Active() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.sup.Drain()

	if err := h.result(); err != nil {
		t.Errorf("Serve() error = %v, want nil", err)
	}
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("drained connection still open")
	}
}

func TestSession_ContextCancelClosesConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	p := pool.New(pool.Config{})
	defer p.Close()
	sup := NewSupervisor(Config{}, p, WithLogger(discard))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		done <- sup.Serve(ctx, conn)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session survived context cancellation")
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateIdle:            "idle",
		StateReadingRequest:  "reading_request",
		StateForwarding:      "forwarding",
		StateReadingResponse: "reading_response",
		StateDraining:        "draining",
		StateClosed:          "closed",
		State(42):            "unknown",
	}
	for st, want := range tests {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", st, got, want)
		}
	}
}
