// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"
	"time"

	"github.com/absmach/fwdproxy/pkg/resolver"
)

// Context contains connection metadata.
// It is passed to Handler methods to identify the session.
type Context struct {
	// SessionID is a unique identifier for this connection/session
	SessionID string

	// RemoteAddr is the client's network address
	RemoteAddr string
}

// Request describes a transaction as soon as its request head is parsed.
type Request struct {
	// Seq is the 1-based position of the transaction on its connection.
	Seq uint64
	// Method and URI are taken from the request line as received.
	Method string
	URI    string
	// Target is the resolved origin; zero if resolution failed.
	Target resolver.Target
}

// Outcome describes how a transaction ended.
type Outcome struct {
	// Status is the final status sent to the client, 0 if none was sent.
	Status int
	// BytesIn counts bytes forwarded to the origin.
	BytesIn int64
	// BytesOut counts bytes written to the client.
	BytesOut int64
	// Duration runs from the parsed request head to the end of the response.
	Duration time.Duration
	// Reused reports that a pooled origin connection served the transaction.
	Reused bool
	// Retried reports that the transaction was replayed on a fresh connection.
	Retried bool
	// Tunneled reports a CONNECT or protocol upgrade tunnel.
	Tunneled bool
	// Err is the failure that ended the transaction, if any.
	Err error
}

// Handler receives session events from the proxy.
//
// OnConnect is called before the first byte of a connection is read and may
// reject the connection by returning an error. Every other method is a
// notification for logging, metrics or auditing; it must not block, since it
// runs on the goroutine serving the connection.
type Handler interface {
	// OnConnect is called when a client connection is accepted.
	// Return an error to close the connection immediately.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnTransactionStart is called once a request head has been parsed.
	OnTransactionStart(ctx context.Context, hctx *Context, req Request)

	// OnTransactionEnd is called once per started transaction.
	OnTransactionEnd(ctx context.Context, hctx *Context, req Request, out Outcome)

	// OnError is called for every failure with its taxonomy kind.
	OnError(ctx context.Context, hctx *Context, kind string, err error)

	// OnDisconnect is called when the client connection is closed.
	OnDisconnect(ctx context.Context, hctx *Context)
}

// NoopHandler is a Handler implementation that accepts every connection
// and ignores all events.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnTransactionStart(ctx context.Context, hctx *Context, req Request) {}

func (h *NoopHandler) OnTransactionEnd(ctx context.Context, hctx *Context, req Request, out Outcome) {}

func (h *NoopHandler) OnError(ctx context.Context, hctx *Context, kind string, err error) {}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) {}

// Multi fans events out to several handlers in order.
type Multi []Handler

var _ Handler = Multi(nil)

// OnConnect calls every handler and rejects the connection if any of them does.
func (m Multi) OnConnect(ctx context.Context, hctx *Context) error {
	var errs []error
	for _, h := range m {
		if err := h.OnConnect(ctx, hctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) OnTransactionStart(ctx context.Context, hctx *Context, req Request) {
	for _, h := range m {
		h.OnTransactionStart(ctx, hctx, req)
	}
}

func (m Multi) OnTransactionEnd(ctx context.Context, hctx *Context, req Request, out Outcome) {
	for _, h := range m {
		h.OnTransactionEnd(ctx, hctx, req, out)
	}
}

func (m Multi) OnError(ctx context.Context, hctx *Context, kind string, err error) {
	for _, h := range m {
		h.OnError(ctx, hctx, kind, err)
	}
}

func (m Multi) OnDisconnect(ctx context.Context, hctx *Context) {
	for _, h := range m {
		h.OnDisconnect(ctx, hctx)
	}
}
