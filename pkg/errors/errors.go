// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the error taxonomy of the forwarding proxy.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrMalformedMessage indicates a request or response that violates HTTP/1.x framing.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrHeaderTooLarge indicates the header section did not fit in the read budget.
	ErrHeaderTooLarge = errors.New("header too large")

	// ErrMissingHost indicates a request with no routable destination.
	ErrMissingHost = errors.New("missing host")

	// ErrForbidden indicates the destination was rejected by policy.
	ErrForbidden = errors.New("forbidden")

	// ErrUpstreamUnreachable indicates DNS failure, refused connection or connect timeout.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	// ErrRelayInterrupted indicates an I/O failure while copying between peers.
	ErrRelayInterrupted = errors.New("relay interrupted")

	// ErrTimeout indicates a phase deadline expired.
	ErrTimeout = errors.New("timeout")

	// ErrPeerClosed indicates the peer closed its side of the connection.
	ErrPeerClosed = errors.New("peer closed")

	// ErrRateLimited indicates the client exceeded its request rate.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// ProxyError wraps an error with session context.
type ProxyError struct {
	Op         string // Operation that failed
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New creates a new ProxyError.
func New(op, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{
		Op:         op,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Tag attaches a taxonomy sentinel to a cause so that both remain
// reachable through errors.Is.
func Tag(kind, cause error) error {
	if cause == nil {
		return kind
	}
	if errors.Is(cause, kind) {
		return cause
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

var kinds = []struct {
	err  error
	name string
}{
	{ErrMalformedMessage, "malformed_message"},
	{ErrHeaderTooLarge, "header_too_large"},
	{ErrMissingHost, "missing_host"},
	{ErrForbidden, "forbidden"},
	{ErrRateLimited, "rate_limited"},
	{ErrUpstreamUnreachable, "upstream_unreachable"},
	{ErrTimeout, "timeout"},
	{ErrPeerClosed, "peer_closed"},
	{ErrRelayInterrupted, "relay_interrupted"},
}

// Kind returns the taxonomy name of err, or "internal" for errors outside it.
// Earlier entries win when a chain carries several sentinels.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}

// StatusCode returns the status of the error response a client should see
// for err. Zero means nothing is reported and the connection is just closed.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrHeaderTooLarge):
		return http.StatusRequestHeaderFieldsTooLarge
	case errors.Is(err, ErrMalformedMessage), errors.Is(err, ErrMissingHost):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrPeerClosed):
		return 0
	case errors.Is(err, ErrUpstreamUnreachable), errors.Is(err, ErrRelayInterrupted):
		return http.StatusBadGateway
	default:
		return 0
	}
}
