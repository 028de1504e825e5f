// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http implements incremental HTTP/1.x message framing for fwdproxy.
//
// # Overview
//
// The framer turns bytes accumulated from a socket into a parsed message head
// and the offset at which its body begins. It never reads from the network
// itself: callers append bytes to a buffer and re-enter the Framer until it
// stops returning ErrIncomplete.
//
//	for {
//		msg, n, err := framer.Request(reader.Buffered())
//		if errors.Is(err, http.ErrIncomplete) {
//			if _, err := reader.Fill(); err != nil {
//				return err
//			}
//			continue
//		}
//		if err != nil {
//			return err
//		}
//		reader.Consume(n)
//		break
//	}
//
// # Headers
//
// Header is an ordered list of fields. Order and duplicates are kept exactly
// as received so a forwarded head is indistinguishable from the original
// except for deliberate adjustments.
//
// # Framing
//
// Every message gets a FramingMode:
//
//   - Chunked when Transfer-Encoding ends in chunked
//   - ContentLength when Content-Length is present
//   - NoBody for requests with neither, and for responses to HEAD, 1xx, 204,
//     304 and successful CONNECT
//   - CloseDelimited for other responses with neither
//
// A message carrying both Content-Length and Transfer-Encoding is rejected
// with ErrMalformedMessage, as are conflicting Content-Length values,
// obsolete line folding and bare LF line endings.
//
// # Chunked bodies
//
// ChunkedDecoder is a byte-level state machine. It can be fed any split of
// the raw body and reports how many bytes belong to the body, so the relay
// can pass chunks through untouched and stop exactly at the end of the
// terminating chunk and its trailers.
package http
