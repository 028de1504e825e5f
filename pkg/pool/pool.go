// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pool provides connection pooling for origin server connections.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/fwdproxy/pkg/breaker"
	perrors "github.com/absmach/fwdproxy/pkg/errors"
	"github.com/absmach/fwdproxy/pkg/resolver"
)

// ErrPoolClosed is returned when the pool is closed.
var ErrPoolClosed = errors.New("connection pool is closed")

// Resolver turns a host name into connectable addresses.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Dialer opens network connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds connection pool configuration.
type Config struct {
	// MaxIdlePerHost is the maximum number of idle connections kept per target.
	// A negative value disables pooling.
	MaxIdlePerHost int
	// IdleTimeout is the maximum time a connection can be idle before being closed.
	IdleTimeout time.Duration
	// MaxConnLifetime is the maximum time a connection can be alive.
	MaxConnLifetime time.Duration
	// DialTimeout bounds name resolution plus connection establishment.
	DialTimeout time.Duration
	// Resolver defaults to net.DefaultResolver.
	Resolver Resolver
	// Dialer defaults to a net.Dialer.
	Dialer Dialer
	// Breaker, if set, guards dials per target address.
	Breaker *breaker.Set
	// AllowAddr, if set, vets every resolved address before it is dialed.
	AllowAddr func(ctx context.Context, ip net.IP, port int) bool
}

// Conn is an upstream connection owned by one borrower at a time.
type Conn struct {
	net.Conn
	target    resolver.Target
	createdAt time.Time
	idleSince time.Time
	reused    bool
}

// Target returns the origin the connection is bound to.
func (c *Conn) Target() resolver.Target {
	return c.target
}

// Reused reports whether the connection was taken from the idle list.
func (c *Conn) Reused() bool {
	return c.reused
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Dials  uint64 // acquisitions that needed a new connection
	Reuses uint64 // acquisitions served from the idle list
	Idle   int
	Active int
}

// Pool keeps idle upstream connections keyed by target.
type Pool struct {
	mu     sync.Mutex
	idle   map[resolver.Target][]*Conn
	active int
	dials  uint64
	reuses uint64
	closed bool
	done   chan struct{}
	config Config
}

// New creates a new connection pool.
func New(config Config) *Pool {
	if config.MaxIdlePerHost == 0 {
		config.MaxIdlePerHost = 10
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 90 * time.Second
	}
	if config.MaxConnLifetime == 0 {
		config.MaxConnLifetime = 30 * time.Minute
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	if config.Resolver == nil {
		config.Resolver = net.DefaultResolver
	}
	if config.Dialer == nil {
		config.Dialer = &net.Dialer{KeepAlive: 30 * time.Second}
	}

	p := &Pool{
		idle:   make(map[resolver.Target][]*Conn),
		done:   make(chan struct{}),
		config: config,
	}

	// Start idle connection cleaner
	go p.cleanIdleConnections()

	return p
}

// Acquire returns the most recently idled connection for target, or dials a
// new one. Dial failures are reported as ErrUpstreamUnreachable and are
// never retried here.
func (p *Pool) Acquire(ctx context.Context, target resolver.Target) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	now := time.Now()
	conns := p.idle[target]
	for len(conns) > 0 {
		conn := conns[len(conns)-1]
		conns = conns[:len(conns)-1]
		if p.isValid(conn, now) {
			p.setIdle(target, conns)
			conn.reused = true
			conn.idleSince = time.Time{}
			p.active++
			p.reuses++
			p.mu.Unlock()
			return conn, nil
		}
		conn.Conn.Close()
	}
	p.setIdle(target, conns)
	p.active++
	p.dials++
	p.mu.Unlock()

	raw, err := p.dial(ctx, target)
	if err != nil {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		return nil, err
	}

	return &Conn{
		Conn:      raw,
		target:    target,
		createdAt: time.Now(),
	}, nil
}

// Release hands conn back. A reusable connection is kept idle unless the
// pool is closed, the target already has enough idle connections or the
// connection outlived MaxConnLifetime; otherwise it is closed.
func (p *Pool) Release(conn *Conn, reusable bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.active--

	now := time.Now()
	if !reusable || p.closed || !p.isValid(conn, now) {
		return conn.Conn.Close()
	}
	conns := p.idle[conn.target]
	if len(conns) >= p.config.MaxIdlePerHost {
		return conn.Conn.Close()
	}
	if err := conn.Conn.SetDeadline(time.Time{}); err != nil {
		conn.Conn.Close()
		return err
	}

	conn.idleSince = now
	conn.reused = false
	p.idle[conn.target] = append(conns, conn)
	return nil
}

func (p *Pool) dial(ctx context.Context, target resolver.Target) (net.Conn, error) {
	var conn net.Conn
	dial := func() error {
		var err error
		conn, err = p.dialAddrs(ctx, target)
		return err
	}

	var err error
	if p.config.Breaker != nil {
		err = p.config.Breaker.Call(target.Addr(), dial)
	} else {
		err = dial()
	}
	switch {
	case errors.Is(err, perrors.ErrForbidden):
		return nil, err
	case err != nil:
		return nil, perrors.Tag(perrors.ErrUpstreamUnreachable, err)
	}
	return conn, nil
}

// dialAddrs resolves target and tries its addresses in order within DialTimeout.
// Addresses refused by AllowAddr are skipped.
func (p *Pool) dialAddrs(ctx context.Context, target resolver.Target) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.DialTimeout)
	defer cancel()

	addrs := []string{target.Host}
	if net.ParseIP(target.Host) == nil {
		var err error
		addrs, err = p.config.Resolver.LookupHost(ctx, target.Host)
		if err != nil {
			return nil, perrors.Wrap(err, "failed to resolve "+target.Host)
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("no addresses for %s", target.Host)
		}
	}

	if p.config.AllowAddr != nil {
		allowed := addrs[:0:0]
		for _, addr := range addrs {
			if ip := net.ParseIP(addr); ip != nil && p.config.AllowAddr(ctx, ip, target.Port) {
				allowed = append(allowed, addr)
			}
		}
		if len(allowed) == 0 {
			return nil, perrors.Tag(perrors.ErrForbidden, fmt.Errorf("every address of %s is denied", target.Host))
		}
		addrs = allowed
	}

	port := strconv.Itoa(target.Port)
	var errs []error
	for _, addr := range addrs {
		conn, err := p.config.Dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, perrors.Wrap(errors.Join(errs...), "failed to dial "+target.String())
}

func (p *Pool) setIdle(target resolver.Target, conns []*Conn) {
	if len(conns) == 0 {
		delete(p.idle, target)
		return
	}
	p.idle[target] = conns
}

// isValid checks if a connection is still valid.
func (p *Pool) isValid(conn *Conn, now time.Time) bool {
	if p.config.MaxConnLifetime > 0 && now.Sub(conn.createdAt) > p.config.MaxConnLifetime {
		return false
	}
	if !conn.idleSince.IsZero() && now.Sub(conn.idleSince) > p.config.IdleTimeout {
		return false
	}
	return true
}

// cleanIdleConnections periodically closes idle connections that have exceeded IdleTimeout.
func (p *Pool) cleanIdleConnections() {
	ticker := time.NewTicker(p.config.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case now := <-ticker.C:
			p.evict(now)
		}
	}
}

func (p *Pool) evict(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for target, conns := range p.idle {
		var kept []*Conn
		for _, conn := range conns {
			if p.isValid(conn, now) {
				kept = append(kept, conn)
				continue
			}
			conn.Conn.Close()
		}
		p.setIdle(target, kept)
	}
}

// Close closes the pool and all idle connections. Borrowed connections are
// closed when they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	close(p.done)

	for _, conns := range p.idle {
		for _, conn := range conns {
			conn.Conn.Close()
		}
	}
	p.idle = make(map[resolver.Target][]*Conn)

	return nil
}

// Stats returns pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	idle := 0
	for _, conns := range p.idle {
		idle += len(conns)
	}
	return Stats{
		Dials:  p.dials,
		Reuses: p.reuses,
		Idle:   idle,
		Active: p.active,
	}
}
