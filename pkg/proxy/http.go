// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/fwdproxy/pkg/breaker"
	"github.com/absmach/fwdproxy/pkg/handler"
	"github.com/absmach/fwdproxy/pkg/policy"
	"github.com/absmach/fwdproxy/pkg/pool"
	"github.com/absmach/fwdproxy/pkg/ratelimit"
	"github.com/absmach/fwdproxy/pkg/server/tcp"
	"github.com/absmach/fwdproxy/pkg/session"
)

// ErrMissingAddress is returned when no listen address is configured.
var ErrMissingAddress = errors.New("missing listen address")

// HTTPConfig holds configuration for the forwarding proxy.
type HTTPConfig struct {
	// Address is the listen address (host:port).
	Address         string
	MaxConnections  int
	ShutdownTimeout time.Duration

	Session session.Config
	Pool    pool.Config

	// Breaker enables per-origin circuit breakers when not nil.
	Breaker *breaker.Config
	// OnBreakerStateChange observes breaker transitions.
	OnBreakerStateChange breaker.StateChangeFunc

	// RateLimit enables per-client limits when either rate is positive.
	RateLimit ratelimit.Config

	// Policy decides which origins may be reached; nil allows all.
	Policy policy.Policy

	Logger *slog.Logger
}

// HTTPProxy coordinates the TCP server, session supervisor and the shared
// upstream resources.
type HTTPProxy struct {
	server     *tcp.Server
	supervisor *session.Supervisor
	pool       *pool.Pool
	breakers   *breaker.Set
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
}

// NewHTTP creates a new forwarding proxy reporting to h.
func NewHTTP(cfg HTTPConfig, h handler.Handler) (*HTTPProxy, error) {
	if cfg.Address == "" {
		return nil, ErrMissingAddress
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	p := &HTTPProxy{logger: cfg.Logger}

	if cfg.Breaker != nil {
		p.breakers = breaker.New(*cfg.Breaker)
		p.breakers.OnStateChange(func(name string, from, to breaker.State) {
			cfg.Logger.Warn("Circuit breaker state changed",
				slog.String("upstream", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			if cfg.OnBreakerStateChange != nil {
				cfg.OnBreakerStateChange(name, from, to)
			}
		})
		cfg.Pool.Breaker = p.breakers
	}
	if ap, ok := cfg.Policy.(policy.AddrPolicy); ok && cfg.Pool.AllowAddr == nil {
		cfg.Pool.AllowAddr = ap.AllowAddr
	}
	p.pool = pool.New(cfg.Pool)

	opts := []session.Option{
		session.WithHandler(h),
		session.WithLogger(cfg.Logger),
	}
	if cfg.Policy != nil {
		opts = append(opts, session.WithPolicy(cfg.Policy))
	}
	if cfg.RateLimit.Rate > 0 || cfg.RateLimit.GlobalRate > 0 {
		p.limiter = ratelimit.NewLimiter(cfg.RateLimit)
		opts = append(opts, session.WithLimiter(p.limiter))
	}
	p.supervisor = session.NewSupervisor(cfg.Session, p.pool, opts...)

	p.server = tcp.New(tcp.Config{
		Address:         cfg.Address,
		MaxConnections:  cfg.MaxConnections,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          cfg.Logger,
	}, p.supervisor)

	return p, nil
}

// Listen starts the proxy and blocks until ctx is cancelled.
func (p *HTTPProxy) Listen(ctx context.Context) error {
	defer p.close()
	return p.server.Listen(ctx)
}

// Serve runs the proxy on an existing listener until ctx is cancelled.
func (p *HTTPProxy) Serve(ctx context.Context, ln net.Listener) error {
	defer p.close()
	return p.server.Serve(ctx, ln)
}

// Pool returns the upstream connection pool.
func (p *HTTPProxy) Pool() *pool.Pool {
	return p.pool
}

// Breakers returns the circuit breakers, nil when disabled.
func (p *HTTPProxy) Breakers() *breaker.Set {
	return p.breakers
}

// ActiveSessions returns the number of client connections being served.
func (p *HTTPProxy) ActiveSessions() int {
	return p.supervisor.Active()
}

func (p *HTTPProxy) close() {
	if err := p.pool.Close(); err != nil {
		p.logger.Error("error closing connection pool", slog.String("error", err.Error()))
	}
	if p.limiter != nil {
		p.limiter.Close()
	}
	p.logger.Info("HTTP proxy shutdown complete")
}
