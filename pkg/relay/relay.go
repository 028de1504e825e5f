// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	perrors "github.com/absmach/fwdproxy/pkg/errors"
	"github.com/absmach/fwdproxy/pkg/parser/http"
	"github.com/absmach/fwdproxy/pkg/resolver"
	"github.com/absmach/fwdproxy/pkg/stream"
)

const (
	// DefaultBufferSize is the default size of each tunnel copy buffer.
	DefaultBufferSize = 32 * 1024

	// DefaultContinueTimeout is how long a request announcing
	// "Expect: 100-continue" waits for the origin before its body is sent anyway.
	DefaultContinueTimeout = time.Second
)

var connectEstablished = []byte("HTTP/1.1 200 Connection Established\r\n\r\n")

// Config holds relay configuration.
type Config struct {
	// MaxHeaderBytes bounds the response head and the response copy buffer.
	MaxHeaderBytes int
	// BufferSize is the size of each tunnel copy buffer.
	BufferSize int
	// ReadTimeout bounds each wait for bytes from either peer. Zero disables it.
	ReadTimeout time.Duration
	// WriteTimeout bounds each write to either peer. Zero disables it.
	WriteTimeout time.Duration
	// ContinueTimeout bounds the wait for a 100 Continue.
	ContinueTimeout time.Duration
}

// Transaction is one request/response exchange between a client and an
// origin connection.
type Transaction struct {
	// Request is the request head as received from the client.
	Request *http.Message
	// Client is the client connection.
	Client net.Conn
	// ClientReader buffers client bytes and starts at the first body byte.
	ClientReader *stream.Reader
	// Upstream is the origin connection.
	Upstream net.Conn
	// Deadline is the overall deadline of the exchange; zero means none.
	// It does not apply once a tunnel is established.
	Deadline time.Time
	// RequestSent, if set, is called once the request is fully forwarded
	// and the engine starts waiting for the final response.
	RequestSent func()
}

// Result describes a finished or failed exchange.
type Result struct {
	Status          int   // final status relayed to the client
	BytesIn         int64 // bytes written to the origin
	BytesOut        int64 // bytes written to the client
	ResponseStarted bool  // some response byte reached the client
	Tunneled        bool
	// ClientKeepAlive means the client connection may carry another request.
	ClientKeepAlive bool
	// UpstreamReusable means the origin connection may return to the pool.
	UpstreamReusable bool
}

// UpstreamError marks a failure of the origin connection. Whatever the
// cause, the client sees it as ErrRelayInterrupted, or as ErrTimeout when
// the origin was too slow.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return "upstream: " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsUpstream reports whether err was caused by the origin connection.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

func upstreamError(err error) error {
	if IsUpstream(err) {
		return err
	}
	if errors.Is(err, perrors.ErrTimeout) {
		return &UpstreamError{Err: err}
	}
	return &UpstreamError{Err: fmt.Errorf("%w: %v", perrors.ErrRelayInterrupted, err)}
}

func clientError(err error) error {
	switch {
	case errors.Is(err, perrors.ErrTimeout), errors.Is(err, perrors.ErrPeerClosed),
		errors.Is(err, perrors.ErrMalformedMessage), errors.Is(err, perrors.ErrHeaderTooLarge):
		return err
	}
	return perrors.Tag(perrors.ErrRelayInterrupted, err)
}

// Engine relays exchanges for one client connection. It reuses its
// buffers across exchanges and is not safe for concurrent use.
type Engine struct {
	config   Config
	upstream *stream.Reader
	framer   http.Framer
	head     []byte
	toOrigin []byte
	toClient []byte
}

// New creates an Engine.
func New(config Config) *Engine {
	if config.MaxHeaderBytes <= 0 {
		config.MaxHeaderBytes = stream.DefaultMax
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	if config.ContinueTimeout <= 0 {
		config.ContinueTimeout = DefaultContinueTimeout
	}
	return &Engine{
		config:   config,
		upstream: stream.NewReader(nil, config.MaxHeaderBytes),
	}
}

// Exchange forwards tx.Request and its body to the origin, then relays the
// interim and final responses back to the client. The returned Result is
// meaningful even when err is not nil.
func (e *Engine) Exchange(ctx context.Context, tx Transaction) (Result, error) {
	var res Result
	if err := ctx.Err(); err != nil {
		return res, err
	}
	e.upstream.Reset(tx.Upstream)
	e.framer.Reset()

	req := tx.Request
	e.head = resolver.OriginForm(req).AppendHead(e.head[:0])
	if err := e.writeUpstream(tx, e.head, &res); err != nil {
		return res, err
	}

	bodySent := req.Framing == http.NoBody
	if !bodySent && req.Header.HasToken("Expect", "100-continue") {
		resp, n, err := e.awaitContinue(tx, &res)
		if err != nil {
			return res, err
		}
		if resp != nil {
			return e.finish(ctx, tx, resp, n, false, &res)
		}
	}
	if !bodySent {
		err := e.copyBody(tx.ClientReader, tx.Deadline, req, clientError, func(p []byte) error {
			return e.writeUpstream(tx, p, &res)
		})
		if err != nil {
			return res, err
		}
	}

	if tx.RequestSent != nil {
		tx.RequestSent()
	}
	resp, n, err := e.finalResponse(tx, &res)
	if err != nil {
		return res, err
	}
	return e.finish(ctx, tx, resp, n, true, &res)
}

// Connect answers a CONNECT request that already has its origin connection
// and tunnels bytes until either side closes.
func (e *Engine) Connect(ctx context.Context, tx Transaction) (Result, error) {
	var res Result
	if err := ctx.Err(); err != nil {
		return res, err
	}
	e.upstream.Reset(tx.Upstream)

	if err := e.writeClient(tx, connectEstablished, &res); err != nil {
		return res, err
	}
	res.Status = 200
	return e.tunnel(ctx, tx, &res)
}

// awaitContinue waits briefly for the origin to accept the request body.
// It returns a final response if the origin answered without waiting for
// the body, and nil when the body should be sent.
func (e *Engine) awaitContinue(tx Transaction, res *Result) (*http.Message, int, error) {
	deadline := earliest(time.Now().Add(e.config.ContinueTimeout), tx.Deadline)
	for {
		resp, n, err := e.nextResponse(tx.Request.Method, deadline)
		switch {
		case errors.Is(err, perrors.ErrTimeout) && !expired(tx.Deadline):
			return nil, 0, nil
		case err != nil:
			return nil, 0, err
		case resp.StatusCode == 100:
			return nil, 0, e.relayInterim(tx, n, res)
		case resp.StatusCode >= 200 || resp.StatusCode == 101:
			return resp, n, nil
		}
		if err := e.relayInterim(tx, n, res); err != nil {
			return nil, 0, err
		}
	}
}

// finalResponse reads response heads, relaying interim ones, until a final
// head or a protocol switch is buffered.
func (e *Engine) finalResponse(tx Transaction, res *Result) (*http.Message, int, error) {
	for {
		resp, n, err := e.nextResponse(tx.Request.Method, e.readDeadline(tx.Deadline))
		if err != nil {
			return nil, 0, err
		}
		if resp.StatusCode >= 200 || resp.StatusCode == 101 {
			return resp, n, nil
		}
		if err := e.relayInterim(tx, n, res); err != nil {
			return nil, 0, err
		}
	}
}

func (e *Engine) nextResponse(method string, deadline time.Time) (*http.Message, int, error) {
	for {
		resp, n, err := e.framer.Response(e.upstream.Buffered(), method)
		if err == nil {
			return resp, n, nil
		}
		if !errors.Is(err, http.ErrIncomplete) {
			return nil, 0, upstreamError(err)
		}
		e.upstream.SetDeadline(deadline)
		if _, err := e.upstream.Fill(); err != nil {
			return nil, 0, upstreamError(err)
		}
	}
}

func (e *Engine) relayInterim(tx Transaction, n int, res *Result) error {
	if err := e.writeClient(tx, e.upstream.Buffered()[:n], res); err != nil {
		return err
	}
	e.upstream.Consume(n)
	return nil
}

// finish relays the final head of length n and the response body, then
// decides whether both connections persist.
func (e *Engine) finish(ctx context.Context, tx Transaction, resp *http.Message, n int, bodySent bool, res *Result) (Result, error) {
	req := tx.Request
	if resp.StatusCode == 101 && !req.Header.Has("Upgrade") {
		return *res, upstreamError(fmt.Errorf("%w: unsolicited protocol switch", perrors.ErrMalformedMessage))
	}

	res.Status = resp.StatusCode
	if err := e.writeClient(tx, e.upstream.Buffered()[:n], res); err != nil {
		return *res, err
	}
	e.upstream.Consume(n)

	if resp.StatusCode == 101 {
		if !bodySent {
			return *res, upstreamError(fmt.Errorf("%w: protocol switch before request body", perrors.ErrMalformedMessage))
		}
		return e.tunnel(ctx, tx, res)
	}

	err := e.copyBody(e.upstream, tx.Deadline, resp, upstreamError, func(p []byte) error {
		return e.writeClient(tx, p, res)
	})
	if err != nil {
		return *res, err
	}

	keep := bodySent && req.KeepAlive() && resp.KeepAlive() && resp.Framing != http.CloseDelimited
	res.ClientKeepAlive = keep
	res.UpstreamReusable = keep && e.upstream.Len() == 0
	return *res, nil
}

// copyBody streams the body of msg from src through write. Read failures
// are classified by readErr; write reports its own failures.
func (e *Engine) copyBody(src *stream.Reader, deadline time.Time, msg *http.Message, readErr func(error) error, write func([]byte) error) error {
	fill := func() error {
		src.SetDeadline(e.readDeadline(deadline))
		_, err := src.Fill()
		return err
	}

	switch msg.Framing {
	case http.ContentLength:
		remaining := msg.Length
		for remaining > 0 {
			if src.Len() == 0 {
				if err := fill(); err != nil {
					return readErr(err)
				}
			}
			p := src.Buffered()
			if int64(len(p)) > remaining {
				p = p[:remaining]
			}
			if err := write(p); err != nil {
				return err
			}
			src.Consume(len(p))
			remaining -= int64(len(p))
		}

	case http.Chunked:
		var dec http.ChunkedDecoder
		for !dec.Done() {
			if src.Len() == 0 {
				if err := fill(); err != nil {
					return readErr(err)
				}
			}
			p := src.Buffered()
			n, err := dec.Decode(p, nil)
			if err != nil {
				return readErr(err)
			}
			if err := write(p[:n]); err != nil {
				return err
			}
			src.Consume(n)
		}

	case http.CloseDelimited:
		for {
			if p := src.Buffered(); len(p) > 0 {
				if err := write(p); err != nil {
					return err
				}
				src.Consume(len(p))
			}
			if err := fill(); err != nil {
				if errors.Is(err, perrors.ErrPeerClosed) {
					return nil
				}
				return readErr(err)
			}
		}
	}
	return nil
}

func (e *Engine) writeUpstream(tx Transaction, p []byte, res *Result) error {
	n, err := e.write(tx.Upstream, tx.Deadline, p)
	res.BytesIn += int64(n)
	if err != nil {
		return upstreamError(err)
	}
	return nil
}

func (e *Engine) writeClient(tx Transaction, p []byte, res *Result) error {
	n, err := e.write(tx.Client, tx.Deadline, p)
	res.BytesOut += int64(n)
	if n > 0 {
		res.ResponseStarted = true
	}
	if err != nil {
		return clientError(err)
	}
	return nil
}

func (e *Engine) write(conn net.Conn, deadline time.Time, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if e.config.WriteTimeout > 0 {
		deadline = earliest(time.Now().Add(e.config.WriteTimeout), deadline)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return 0, err
	}
	n, err := conn.Write(p)
	if err != nil && isTimeout(err) {
		err = perrors.Tag(perrors.ErrTimeout, err)
	}
	return n, err
}

func (e *Engine) readDeadline(deadline time.Time) time.Time {
	if e.config.ReadTimeout > 0 {
		return earliest(time.Now().Add(e.config.ReadTimeout), deadline)
	}
	return deadline
}

// earliest returns the earlier of two deadlines where zero means none.
func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero(), a.Before(b):
		return a
	default:
		return b
	}
}

func expired(deadline time.Time) bool {
	return !deadline.IsZero() && !time.Now().Before(deadline)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
