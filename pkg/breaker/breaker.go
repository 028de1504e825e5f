// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker provides per-upstream circuit breakers for dialing origins.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	perrors "github.com/absmach/fwdproxy/pkg/errors"
	"github.com/sony/gobreaker"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker for an upstream is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State represents the circuit breaker state.
type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failures before opening the circuit.
	MaxFailures int
	// ResetTimeout is how long to wait in Open state before transitioning to HalfOpen.
	ResetTimeout time.Duration
	// HalfOpenRequests is the number of trial calls allowed in HalfOpen.
	// That many consecutive successes close the circuit again.
	HalfOpenRequests int
	// Interval clears failure counts periodically while Closed. Zero never clears.
	Interval time.Duration
}

// StateChangeFunc is called when the breaker of an upstream changes state.
type StateChangeFunc func(name string, from, to State)

// Set lazily creates one breaker per upstream name.
type Set struct {
	mu            sync.Mutex
	config        Config
	breakers      map[string]*gobreaker.CircuitBreaker
	onStateChange StateChangeFunc
}

// New creates a set of circuit breakers sharing cfg.
func New(config Config) *Set {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.HalfOpenRequests <= 0 {
		config.HalfOpenRequests = 2
	}

	return &Set{
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// OnStateChange registers a callback for state changes of any breaker.
func (s *Set) OnStateChange(fn StateChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = fn
}

// Call executes fn if the breaker for name allows it. Context cancellation
// is not counted as a failure of the upstream.
func (s *Set) Call(name string, fn func() error) error {
	_, err := s.get(name).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, name)
	}
	return err
}

// State returns the current state of the breaker for name.
func (s *Set) State(name string) State {
	s.mu.Lock()
	cb, ok := s.breakers[name]
	s.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return cb.State()
}

// Len returns the number of upstreams with a breaker.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.breakers)
}

func (s *Set) get(name string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[name]; ok {
		return cb
	}

	maxFailures := uint32(s.config.MaxFailures)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(s.config.HalfOpenRequests),
		Interval:    s.config.Interval,
		Timeout:     s.config.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, perrors.ErrForbidden)
		},
		OnStateChange: s.notify,
	})
	s.breakers[name] = cb
	return cb
}

func (s *Set) notify(name string, from, to gobreaker.State) {
	s.mu.Lock()
	fn := s.onStateChange
	s.mu.Unlock()
	if fn != nil {
		fn(name, from, to)
	}
}
