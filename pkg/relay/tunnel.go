// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/absmach/fwdproxy/pkg/parser"
)

type closeWriter interface {
	CloseWrite() error
}

type copyResult struct {
	dir parser.Direction
	n   int64
	err error
}

// tunnel flushes bytes buffered on either side and then copies opaque
// bytes in both directions until both directions finish. A direction that
// ends half-closes its destination when the connection supports it;
// otherwise the other direction is stopped too.
func (e *Engine) tunnel(ctx context.Context, tx Transaction, res *Result) (Result, error) {
	res.Tunneled = true

	if p := e.upstream.Buffered(); len(p) > 0 {
		if err := e.writeClient(tx, p, res); err != nil {
			return *res, err
		}
		e.upstream.Consume(len(p))
	}
	if p := tx.ClientReader.Buffered(); len(p) > 0 {
		if err := e.writeUpstream(tx, p, res); err != nil {
			return *res, err
		}
		tx.ClientReader.Consume(len(p))
	}

	if err := tx.Client.SetDeadline(time.Time{}); err != nil {
		return *res, clientError(err)
	}
	if err := tx.Upstream.SetDeadline(time.Time{}); err != nil {
		return *res, upstreamError(err)
	}

	if len(e.toOrigin) != e.config.BufferSize {
		e.toOrigin = make([]byte, e.config.BufferSize)
		e.toClient = make([]byte, e.config.BufferSize)
	}

	results := make(chan copyResult, 2)
	go func() {
		n, err := io.CopyBuffer(tx.Upstream, tx.Client, e.toOrigin)
		results <- copyResult{dir: parser.Upstream, n: n, err: err}
	}()
	go func() {
		n, err := io.CopyBuffer(tx.Client, tx.Upstream, e.toClient)
		results <- copyResult{dir: parser.Downstream, n: n, err: err}
	}()

	stop := func() {
		now := time.Now()
		tx.Client.SetDeadline(now)
		tx.Upstream.SetDeadline(now)
	}

	var first error
	stopped := false
	done := ctx.Done()
	for pending := 2; pending > 0; {
		select {
		case r := <-results:
			pending--
			if r.dir == parser.Upstream {
				res.BytesIn += r.n
			} else {
				res.BytesOut += r.n
			}
			if r.err != nil && !stopped && first == nil {
				first = tunnelError(r)
			}
			if pending == 0 || stopped {
				continue
			}
			if r.err == nil && halfClose(r.dir, tx) {
				continue
			}
			stopped = true
			stop()
		case <-done:
			done = nil
			if !stopped {
				stopped = true
				stop()
			}
		}
	}

	return *res, first
}

func halfClose(dir parser.Direction, tx Transaction) bool {
	dst := tx.Upstream
	if dir == parser.Downstream {
		dst = tx.Client
	}
	cw, ok := dst.(closeWriter)
	return ok && cw.CloseWrite() == nil
}

func tunnelError(r copyResult) error {
	if errors.Is(r.err, net.ErrClosed) || errors.Is(r.err, os.ErrDeadlineExceeded) {
		return nil
	}
	// The failing side is unknown: io.Copy reports read and write errors alike.
	if r.dir == parser.Upstream {
		return clientError(r.err)
	}
	return upstreamError(r.err)
}
