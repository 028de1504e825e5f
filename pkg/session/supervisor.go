// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/fwdproxy/pkg/handler"
	"github.com/absmach/fwdproxy/pkg/policy"
	"github.com/absmach/fwdproxy/pkg/pool"
	"github.com/absmach/fwdproxy/pkg/relay"
	"github.com/absmach/fwdproxy/pkg/resolver"
	"github.com/absmach/fwdproxy/pkg/stream"
)

const (
	DefaultIdleTimeout     = 60 * time.Second
	DefaultHeaderTimeout   = 10 * time.Second
	DefaultResponseTimeout = 60 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
)

// Config holds per-connection limits and timeouts.
type Config struct {
	// MaxHeaderBytes bounds a request or response head.
	MaxHeaderBytes int
	// BufferSize is the size of each tunnel copy buffer.
	BufferSize int
	// IdleTimeout bounds the wait for the first byte of the next request.
	IdleTimeout time.Duration
	// HeaderTimeout bounds the time from the first byte of a request to the
	// end of its head.
	HeaderTimeout time.Duration
	// ResponseTimeout bounds every wait for bytes while a transaction is
	// relayed, most notably the wait for the origin's response head.
	ResponseTimeout time.Duration
	// WriteTimeout bounds each write to either peer.
	WriteTimeout time.Duration
	// TransactionTimeout is the overall deadline of a transaction, connect
	// included. Zero disables it.
	TransactionTimeout time.Duration
	// ContinueTimeout bounds the wait for "100 Continue" before a request
	// body is sent anyway.
	ContinueTimeout time.Duration
}

// Upstreams hands out origin connections.
type Upstreams interface {
	Acquire(ctx context.Context, target resolver.Target) (*pool.Conn, error)
	Release(conn *pool.Conn, reusable bool) error
}

// Limiter decides whether a client may start another transaction.
type Limiter interface {
	Allow(clientID string) bool
}

// Supervisor creates and tracks the sessions of a listener. Its
// collaborators are shared by all sessions.
type Supervisor struct {
	config    Config
	upstreams Upstreams
	policy    policy.Policy
	limiter   Limiter
	handler   handler.Handler
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	draining bool
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithPolicy sets the destination policy. The default allows everything.
func WithPolicy(p policy.Policy) Option {
	return func(s *Supervisor) { s.policy = p }
}

// WithLimiter enables per-client rate limiting.
func WithLimiter(l Limiter) Option {
	return func(s *Supervisor) { s.limiter = l }
}

// WithHandler sets the event sink.
func WithHandler(h handler.Handler) Option {
	return func(s *Supervisor) { s.handler = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// NewSupervisor creates a Supervisor drawing origin connections from upstreams.
func NewSupervisor(config Config, upstreams Upstreams, opts ...Option) *Supervisor {
	if config.MaxHeaderBytes <= 0 {
		config.MaxHeaderBytes = stream.DefaultMax
	}
	if config.BufferSize <= 0 {
		config.BufferSize = relay.DefaultBufferSize
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.HeaderTimeout == 0 {
		config.HeaderTimeout = DefaultHeaderTimeout
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = DefaultResponseTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if config.ContinueTimeout == 0 {
		config.ContinueTimeout = relay.DefaultContinueTimeout
	}

	s := &Supervisor{
		config:    config,
		upstreams: upstreams,
		policy:    policy.AllowAll{},
		handler:   &handler.NoopHandler{},
		logger:    slog.Default(),
		sessions:  make(map[*Session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve runs a session on conn until it ends. It closes conn.
func (s *Supervisor) Serve(ctx context.Context, conn net.Conn) error {
	sess := newSession(s, conn)

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()

	s.logger.Debug("session started",
		slog.String("session", sess.ID()),
		slog.String("remote", conn.RemoteAddr().String()))
	err := sess.Run(ctx)
	s.logger.Debug("session closed", slog.String("session", sess.ID()))
	return err
}

// Drain makes idle sessions close now and busy ones close after their
// current transaction. Sessions started afterwards are refused.
func (s *Supervisor) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = true
	for sess := range s.sessions {
		sess.drain()
	}
}

// Active returns the number of running sessions.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
