// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy provides the coordinator that wires the forwarding proxy
// together.
//
// # Overview
//
// HTTPProxy combines the components every deployment needs:
//  1. Server (TCP listener)
//  2. Session supervisor (per-connection HTTP/1.x relay)
//  3. Upstream pool with optional circuit breakers
//  4. Optional rate limiter and destination policy
//  5. Handler (observability)
//
// # Architecture
//
//	Application
//	     ↓
//	┌─────────────┐
//	│  HTTPProxy  │  (Coordinator)
//	└─────────────┘
//	     ↓
//	┌─────────────┐
//	│ tcp.Server  │  (Transport)
//	└─────────────┘
//	     ↓
//	┌─────────────┐     ┌──────────┐
//	│ Supervisor  │ ──→ │  Policy  │
//	│  (sessions) │ ──→ │ Limiter  │
//	└─────────────┘     └──────────┘
//	     ↓
//	┌─────────────┐     ┌──────────┐
//	│    Pool     │ ──→ │ Breakers │
//	└─────────────┘     └──────────┘
//	     ↓
//	   Origins
//
// # Configuration
//
//	HTTPConfig:
//	  - Address: Listen address
//	  - MaxConnections: Concurrent client connection limit
//	  - ShutdownTimeout: Graceful shutdown timeout
//	  - Session: Header budget and per-phase timeouts
//	  - Pool: Idle limits, dial timeout, resolver
//	  - Breaker: Per-origin circuit breaker settings (nil disables)
//	  - RateLimit: Per-client and global request rates
//	  - Policy: Destination allow/deny rules
//	  - Logger: Structured logger
//
// # Lifecycle
//
// Listen binds the address and blocks until the context is cancelled. On
// cancellation the listener closes, idle sessions end at once and busy ones
// after their current transaction, and the pool is closed once every
// session is gone or ShutdownTimeout expires.
//
// # Example
//
//	cfg := proxy.HTTPConfig{
//		Address:         ":8080",
//		ShutdownTimeout: 30 * time.Second,
//		Breaker:         &breaker.Config{MaxFailures: 5},
//		Logger:          logger,
//	}
//
//	p, err := proxy.NewHTTP(cfg, simple.New(logger))
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := p.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package proxy
