// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the TCP listener of fwdproxy.
//
// # Overview
//
// The server accepts client connections and hands each one to a
// ConnHandler on its own goroutine. It knows nothing about HTTP; the proxy
// plugs the session supervisor in as the handler.
//
// # Connection Flow
//
//  1. Client connects to server
//  2. Server waits for a free slot if MaxConnections is set
//  3. Server accepts the connection
//  4. ConnHandler.Serve runs until the connection ends
//  5. The connection is closed and its slot released
//
// # Graceful Shutdown
//
// When context is canceled:
//
//  1. Server stops accepting new connections
//  2. Server calls Drain on the handler if it implements Drainer
//  3. Server waits for existing connections (with timeout)
//  4. After ShutdownTimeout, cancels the context passed to every Serve call
//  5. Returns ErrShutdownTimeout if timeout exceeded
//
// # Configuration
//
//   - Address: Server listen address (e.g., ":8080")
//   - MaxConnections: Concurrent connection limit (default: unlimited)
//   - ShutdownTimeout: Max wait time for graceful shutdown (default: 30s)
//   - Logger: Structured logger
//
// # Example
//
//	cfg := tcp.Config{
//		Address:         ":8080",
//		ShutdownTimeout: 30 * time.Second,
//	}
//
//	server := tcp.New(cfg, supervisor)
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
