// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler defines the observability sink of the forwarding proxy.
//
// # Events
//
// A session reports, in order:
//
//	OnConnect                      once, may reject the connection
//	OnTransactionStart             per parsed request head
//	OnError                        per failure, with its kind
//	OnTransactionEnd               per started transaction
//	OnDisconnect                   once
//
// Transactions on one connection are strictly sequential, so a Handler sees
// the start and end of transaction n before the start of transaction n+1.
// Errors that happen before a request head is complete (a slow or malformed
// head, a closed idle connection) produce OnError without a transaction.
//
// # Context
//
// The Context carries session metadata across all handler calls:
//   - SessionID: Unique identifier for this connection/session
//   - RemoteAddr: Client's network address
//
// # Implementation
//
// The examples/simple package logs every event with slog and pkg/metrics
// exports them to Prometheus. Use Multi to install both:
//
//	h := handler.Multi{
//		simple.New(logger),
//		metrics.NewHandler(m),
//	}
//
// Handlers are called from the goroutine that serves the connection and
// must be safe for concurrent use by many sessions.
package handler
