// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay drives single request/response exchanges between a client
// connection and an origin connection.
//
// # Exchange
//
//  1. The request head is written upstream in origin form.
//  2. The body follows: exactly Content-Length bytes, or the raw chunked
//     bytes up to and including the trailers. Chunks are not re-encoded.
//  3. Response heads are read through the Engine's own buffer. Interim 1xx
//     responses are relayed and the Engine keeps waiting for the final one.
//  4. The final head is relayed byte for byte and the body is streamed
//     through a bounded buffer. Close-delimited bodies are copied until the
//     origin closes.
//
// A request with "Expect: 100-continue" holds its body until the origin
// answers or ContinueTimeout passes. If the origin answers with a final
// status first, the body is never sent and neither connection persists.
//
// # Persistence
//
// Both connections survive the exchange only if the request and the
// response allow keep-alive and the response framing is not
// close-delimited. The origin connection is additionally discarded if it
// sent bytes past the end of the response.
//
// # Tunnels
//
// A 101 Switching Protocols response and an accepted CONNECT request turn
// the connections into an opaque bidirectional tunnel. Bytes already
// buffered on either side are flushed first; after that the Engine copies
// until both directions finish.
//
// # Errors
//
// Failures of the origin connection are wrapped in UpstreamError and carry
// ErrRelayInterrupted, or ErrTimeout when a deadline expired. Client side
// failures keep their taxonomy kind. Result reports whether any response
// byte reached the client, which decides whether an error response can
// still be sent.
package relay
