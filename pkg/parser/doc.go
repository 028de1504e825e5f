// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package parser holds what the protocol parsers of fwdproxy share.
//
// # Direction
//
// Every copy the relay performs runs in one Direction:
//   - Upstream: Client → Origin (request heads and bodies)
//   - Downstream: Origin → Client (response heads and bodies)
//
// The direction labels relay errors, byte counters and log lines so an
// interrupted copy can be attributed to the side that failed.
//
// # Protocol Parsers
//
//   - parser/http: incremental HTTP/1.x framing and chunked decoding
package parser
