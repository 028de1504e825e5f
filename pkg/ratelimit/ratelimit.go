// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-client and global request rate limiting.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultClientTTL is how long an idle client keeps its limiter.
const DefaultClientTTL = 10 * time.Minute

// Config holds rate limiter configuration. A zero Rate disables the
// per-client limit and a zero GlobalRate disables the global one.
type Config struct {
	// Rate is the number of requests per second allowed for each client.
	Rate float64
	// Burst is the per-client bucket size.
	Burst int
	// GlobalRate is the number of requests per second allowed across all clients.
	GlobalRate float64
	// GlobalBurst is the global bucket size.
	GlobalBurst int
	// MaxClients bounds the number of tracked clients. New clients beyond
	// the bound are rejected until idle ones expire.
	MaxClients int
	// ClientTTL is how long a client limiter survives without requests.
	ClientTTL time.Duration
}

type clientEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter manages per-client rate limiters.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*clientEntry
	global  *rate.Limiter
	config  Config
	done    chan struct{}
	once    sync.Once
}

// NewLimiter creates a new rate limiter with per-client tracking.
func NewLimiter(config Config) *Limiter {
	if config.MaxClients == 0 {
		config.MaxClients = 10000
	}
	if config.ClientTTL == 0 {
		config.ClientTTL = DefaultClientTTL
	}
	if config.Rate > 0 && config.Burst <= 0 {
		config.Burst = max(1, int(config.Rate))
	}
	if config.GlobalRate > 0 && config.GlobalBurst <= 0 {
		config.GlobalBurst = max(1, int(config.GlobalRate))
	}

	l := &Limiter{
		clients: make(map[string]*clientEntry),
		config:  config,
		done:    make(chan struct{}),
	}
	if config.GlobalRate > 0 {
		l.global = rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst)
	}

	// Periodic cleanup of inactive limiters
	if config.Rate > 0 {
		go l.cleanupLoop(cleanupInterval(config.ClientTTL))
	}

	return l
}

// Allow reports whether a request from clientID may proceed now.
func (l *Limiter) Allow(clientID string) bool {
	if l.config.Rate > 0 && !l.allowClient(clientID, time.Now()) {
		return false
	}
	if l.global != nil {
		return l.global.Allow()
	}
	return true
}

func (l *Limiter) allowClient(clientID string, now time.Time) bool {
	l.mu.Lock()
	entry, ok := l.clients[clientID]
	if !ok {
		if len(l.clients) >= l.config.MaxClients {
			l.mu.Unlock()
			return false
		}
		entry = &clientEntry{limiter: rate.NewLimiter(rate.Limit(l.config.Rate), l.config.Burst)}
		l.clients[clientID] = entry
	}
	entry.lastAccess = now
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// Cleanup drops limiters of clients idle for longer than ClientTTL.
func (l *Limiter) Cleanup(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, entry := range l.clients {
		if now.Sub(entry.lastAccess) > l.config.ClientTTL {
			delete(l.clients, id)
			removed++
		}
	}
	return removed
}

func (l *Limiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			l.Cleanup(now)
		case <-l.done:
			return
		}
	}
}

func cleanupInterval(ttl time.Duration) time.Duration {
	return min(max(ttl/2, 10*time.Second), time.Minute)
}

// Stats returns the number of tracked clients.
func (l *Limiter) Stats() (clients int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Close stops the cleanup goroutine.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.done) })
}
