// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	nethttp "net/http"
	"strconv"
	"sync/atomic"
	"time"

	perrors "github.com/absmach/fwdproxy/pkg/errors"
	"github.com/absmach/fwdproxy/pkg/handler"
	"github.com/absmach/fwdproxy/pkg/parser/http"
	"github.com/absmach/fwdproxy/pkg/pool"
	"github.com/absmach/fwdproxy/pkg/relay"
	"github.com/absmach/fwdproxy/pkg/resolver"
	"github.com/absmach/fwdproxy/pkg/stream"
	"github.com/google/uuid"
)

const (
	// errorWriteTimeout bounds the best-effort write of an error response.
	errorWriteTimeout = time.Second

	idlePoll       = time.Second
	lingerTimeout  = 250 * time.Millisecond
	lingerMaxBytes = 256 * 1024
)

// State is the position of a session in its lifecycle.
type State int32

const (
	StateIdle State = iota
	StateReadingRequest
	StateForwarding
	StateReadingResponse
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReadingRequest:
		return "reading_request"
	case StateForwarding:
		return "forwarding"
	case StateReadingResponse:
		return "reading_response"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session serves one client connection. Transactions run one after another
// on the goroutine calling Run, so responses leave in request order.
type Session struct {
	sup      *Supervisor
	conn     net.Conn
	reader   *stream.Reader
	framer   http.Framer
	engine   *relay.Engine
	hctx     *handler.Context
	clientID string
	state    atomic.Int32
	upstream atomic.Pointer[pool.Conn]
	draining atomic.Bool
}

func newSession(sup *Supervisor, conn net.Conn) *Session {
	remote := conn.RemoteAddr().String()
	clientID := remote
	if host, _, err := net.SplitHostPort(remote); err == nil {
		clientID = host
	}
	return &Session{
		sup:    sup,
		conn:   conn,
		reader: stream.NewReader(conn, sup.config.MaxHeaderBytes),
		engine: relay.New(relay.Config{
			MaxHeaderBytes:  sup.config.MaxHeaderBytes,
			BufferSize:      sup.config.BufferSize,
			ReadTimeout:     sup.config.ResponseTimeout,
			WriteTimeout:    sup.config.WriteTimeout,
			ContinueTimeout: sup.config.ContinueTimeout,
		}),
		hctx: &handler.Context{
			SessionID:  uuid.New().String(),
			RemoteAddr: remote,
		},
		clientID: clientID,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.hctx.SessionID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// drain asks an idle session to close instead of waiting for another
// request. A session in the middle of a transaction finishes it first.
func (s *Session) drain() {
	s.draining.Store(true)
	if s.State() == StateIdle {
		s.conn.SetReadDeadline(time.Now())
	}
}

// Run serves transactions until the client or origin ends persistence, an
// error occurs or ctx is canceled. Canceling ctx closes both connections.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.abort)
	defer stop()
	defer s.close(ctx)

	if err := s.sup.handler.OnConnect(ctx, s.hctx); err != nil {
		return perrors.New("connect", s.ID(), s.hctx.RemoteAddr, err)
	}

	for seq := uint64(1); ; seq++ {
		if s.draining.Load() {
			return nil
		}
		req, err := s.readRequest(seq)
		switch {
		case errors.Is(err, errIdleClose):
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.report(ctx, err)
			s.writeError(perrors.StatusCode(err))
			return perrors.New("read request", s.ID(), s.hctx.RemoteAddr, err)
		}

		keep, err := s.transact(ctx, seq, req)
		if err != nil {
			return perrors.New("transaction", s.ID(), s.hctx.RemoteAddr, err)
		}
		if !keep {
			return nil
		}
	}
}

// errIdleClose ends a session whose client went away, or stayed silent,
// between requests.
var errIdleClose = errors.New("idle connection closed")

// readRequest waits for the next request head. The idle timeout runs until
// the first byte arrives, then the header timeout bounds the whole head.
func (s *Session) readRequest(seq uint64) (*http.Message, error) {
	cfg := s.sup.config
	if s.reader.Len() == 0 {
		s.setState(StateIdle)
		if err := s.awaitRequest(deadline(cfg.IdleTimeout)); err != nil {
			return nil, err
		}
	}

	s.setState(StateReadingRequest)
	s.reader.SetDeadline(deadline(cfg.HeaderTimeout))
	for {
		req, n, err := s.framer.Request(s.reader.Buffered())
		if err == nil {
			s.reader.Consume(n)
			return req, nil
		}
		if !errors.Is(err, http.ErrIncomplete) {
			return nil, err
		}
		if _, err := s.reader.Fill(); err != nil {
			if errors.Is(err, perrors.ErrPeerClosed) && seq > 1 && onlyLineBreaks(s.reader.Buffered()) {
				return nil, errIdleClose
			}
			return nil, err
		}
	}
}

// awaitRequest waits for the first byte of a request. The wait is cut into
// slices of idlePoll so that a drain is noticed even if its wake-up is lost.
func (s *Session) awaitRequest(idleDeadline time.Time) error {
	for {
		if s.draining.Load() {
			return errIdleClose
		}
		wait := time.Now().Add(idlePoll)
		if !idleDeadline.IsZero() && idleDeadline.Before(wait) {
			wait = idleDeadline
		}
		s.reader.SetDeadline(wait)
		_, err := s.reader.Fill()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, perrors.ErrTimeout) && (idleDeadline.IsZero() || time.Now().Before(idleDeadline)):
			continue
		case errors.Is(err, perrors.ErrPeerClosed), errors.Is(err, perrors.ErrTimeout):
			return errIdleClose
		default:
			return err
		}
	}
}

func onlyLineBreaks(p []byte) bool {
	for _, b := range p {
		if b != '\r' && b != '\n' {
			return false
		}
	}
	return true
}

// transact runs one transaction and reports whether the client connection
// may carry another one.
func (s *Session) transact(ctx context.Context, seq uint64, req *http.Message) (bool, error) {
	start := time.Now()
	hreq := handler.Request{Seq: seq, Method: req.Method, URI: req.Target}
	target, err := resolver.Resolve(req)
	hreq.Target = target
	s.sup.handler.OnTransactionStart(ctx, s.hctx, hreq)

	var (
		res relay.Result
		out handler.Outcome
	)
	if err == nil {
		err = s.admit(ctx, target)
	}
	if err == nil {
		res, out, err = s.forward(ctx, req, target, start)
	}

	out.Status = res.Status
	out.BytesIn = res.BytesIn
	out.BytesOut = res.BytesOut
	out.Tunneled = res.Tunneled
	out.Err = err
	if err != nil && ctx.Err() == nil {
		s.report(ctx, err)
		if !res.ResponseStarted {
			if code := perrors.StatusCode(err); code != 0 && s.writeError(code) {
				out.Status = code
			}
		}
	}
	out.Duration = time.Since(start)
	s.sup.handler.OnTransactionEnd(ctx, s.hctx, hreq, out)

	if err != nil {
		return false, err
	}
	return res.ClientKeepAlive && !res.Tunneled, nil
}

// admit applies the rate limit and the destination policy. Both run before
// any upstream connection is attempted.
func (s *Session) admit(ctx context.Context, target resolver.Target) error {
	if s.sup.limiter != nil && !s.sup.limiter.Allow(s.clientID) {
		return perrors.Tag(perrors.ErrRateLimited, fmt.Errorf("client %s", s.clientID))
	}
	if !s.sup.policy.Allow(ctx, target) {
		return perrors.Tag(perrors.ErrForbidden, fmt.Errorf("destination %s", target))
	}
	return nil
}

// forward acquires an origin connection and relays the exchange. A pooled
// connection that fails before any response byte reaches the client is
// replaced by a fresh one once, if replaying the request is safe.
func (s *Session) forward(ctx context.Context, req *http.Message, target resolver.Target, start time.Time) (relay.Result, handler.Outcome, error) {
	var (
		out     handler.Outcome
		bytesIn int64
	)
	var txDeadline time.Time
	if s.sup.config.TransactionTimeout > 0 {
		txDeadline = start.Add(s.sup.config.TransactionTimeout)
	}

	for {
		s.setState(StateForwarding)
		res, reused, err := s.attempt(ctx, req, target, txDeadline)
		res.BytesIn += bytesIn
		out.Reused = reused
		if err == nil || !s.retryable(req, reused, out.Retried, res, err) || ctx.Err() != nil {
			return res, out, err
		}
		s.sup.logger.Debug("retrying on a fresh upstream connection",
			slog.String("session", s.ID()),
			slog.String("target", target.Addr()),
			slog.String("error", err.Error()))
		bytesIn = res.BytesIn
		out.Retried = true
	}
}

func (s *Session) attempt(ctx context.Context, req *http.Message, target resolver.Target, txDeadline time.Time) (relay.Result, bool, error) {
	acquireCtx := ctx
	if !txDeadline.IsZero() {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithDeadline(ctx, txDeadline)
		defer cancel()
	}
	conn, err := s.sup.upstreams.Acquire(acquireCtx, target)
	if err != nil {
		return relay.Result{}, false, err
	}
	s.upstream.Store(conn)

	tx := relay.Transaction{
		Request:      req,
		Client:       s.conn,
		ClientReader: s.reader,
		Upstream:     conn,
		Deadline:     txDeadline,
		RequestSent:  func() { s.setState(StateReadingResponse) },
	}
	var res relay.Result
	if req.Method == "CONNECT" {
		res, err = s.engine.Connect(ctx, tx)
	} else {
		res, err = s.engine.Exchange(ctx, tx)
	}

	s.upstream.Store(nil)
	reused := conn.Reused()
	reusable := err == nil && res.UpstreamReusable && ctx.Err() == nil
	if rerr := s.sup.upstreams.Release(conn, reusable); rerr != nil {
		s.sup.logger.Debug("failed to release upstream connection",
			slog.String("session", s.ID()),
			slog.String("error", rerr.Error()))
	}
	return res, reused, err
}

// retryable reports whether a failed attempt may be replayed. Only the
// origin side may have failed, the connection must have come from the pool,
// and the request must be idempotent with no body, so the client has lost
// nothing.
func (s *Session) retryable(req *http.Message, reused, retried bool, res relay.Result, err error) bool {
	return reused && !retried &&
		!res.ResponseStarted &&
		req.Framing == http.NoBody &&
		http.IsIdempotent(req.Method) &&
		relay.IsUpstream(err)
}

func (s *Session) report(ctx context.Context, err error) {
	kind := perrors.Kind(err)
	s.sup.handler.OnError(ctx, s.hctx, kind, err)
	s.sup.logger.Debug("transaction failed",
		slog.String("session", s.ID()),
		slog.String("kind", kind),
		slog.String("error", err.Error()))
}

// writeError sends a minimal response announcing the close of the
// connection. Failures are ignored. It reports whether the whole response
// was written.
func (s *Session) writeError(code int) bool {
	if code == 0 {
		return false
	}
	s.setState(StateDraining)
	text := nethttp.StatusText(code)
	body := strconv.Itoa(code) + " " + text + "\n"
	resp := &http.Message{
		Proto:      "HTTP/1.1",
		StatusCode: code,
		Reason:     text,
		Header: http.Header{
			{Name: "Content-Type", Value: "text/plain; charset=utf-8"},
			{Name: "Content-Length", Value: strconv.Itoa(len(body))},
			{Name: "Connection", Value: "close"},
		},
	}
	p := append(resp.AppendHead(nil), body...)

	if err := s.conn.SetWriteDeadline(time.Now().Add(errorWriteTimeout)); err != nil {
		return false
	}
	if _, err := s.conn.Write(p); err != nil {
		return false
	}
	s.lingerClose()
	return true
}

// lingerClose half-closes the client connection and briefly discards
// whatever the client is still sending.
func (s *Session) lingerClose() {
	cw, ok := s.conn.(interface{ CloseWrite() error })
	if !ok || cw.CloseWrite() != nil {
		return
	}
	s.conn.SetReadDeadline(time.Now().Add(lingerTimeout))
	io.Copy(io.Discard, io.LimitReader(s.conn, lingerMaxBytes))
}

// abort closes both connections from outside the session goroutine.
func (s *Session) abort() {
	s.conn.Close()
	if conn := s.upstream.Load(); conn != nil {
		conn.Close()
	}
}

func (s *Session) close(ctx context.Context) {
	s.setState(StateClosed)
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.sup.logger.Debug("failed to close client connection",
			slog.String("session", s.ID()),
			slog.String("error", err.Error()))
	}
	s.sup.handler.OnDisconnect(context.WithoutCancel(ctx), s.hctx)
}

func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}
