// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package stream buffers bytes read from a connection and exposes them
// through a cursor that callers advance as they consume data.
package stream

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	perrors "github.com/absmach/fwdproxy/pkg/errors"
)

// DefaultMax is the default buffer budget. It bounds the header section of
// one message and the size of every body copy.
const DefaultMax = 64 * 1024

// Conn is the part of net.Conn the reader needs.
type Conn interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Reader accumulates bytes from a Conn into a bounded buffer.
// It is not safe for concurrent use.
type Reader struct {
	conn     Conn
	buf      []byte
	start    int
	end      int
	deadline time.Time
	total    int64
}

// NewReader returns a Reader whose buffer never grows beyond max bytes.
// A non-positive max selects DefaultMax.
func NewReader(conn Conn, max int) *Reader {
	if max <= 0 {
		max = DefaultMax
	}
	return &Reader{
		conn: conn,
		buf:  make([]byte, max),
	}
}

// Reset discards all state and makes r read from conn, keeping the buffer.
func (r *Reader) Reset(conn Conn) {
	r.conn = conn
	r.start, r.end = 0, 0
	r.deadline = time.Time{}
	r.total = 0
}

// SetDeadline sets the deadline applied to every subsequent Fill.
// The zero value means no deadline.
func (r *Reader) SetDeadline(t time.Time) {
	r.deadline = t
}

// Fill appends newly available bytes to the buffer and returns how many
// were read. It fails with ErrHeaderTooLarge if the buffer is full of
// unconsumed bytes, ErrPeerClosed if the peer closed the stream, ErrTimeout
// if the deadline expired and ErrRelayInterrupted for other read errors.
func (r *Reader) Fill() (int, error) {
	if r.start > 0 {
		copy(r.buf, r.buf[r.start:r.end])
		r.end -= r.start
		r.start = 0
	}
	if r.end == len(r.buf) {
		return 0, perrors.ErrHeaderTooLarge
	}

	if err := r.conn.SetReadDeadline(r.deadline); err != nil {
		return 0, classify(err)
	}

	n, err := r.conn.Read(r.buf[r.end:])
	r.end += n
	r.total += int64(n)
	if n > 0 {
		// Data wins over a simultaneous error; the error resurfaces on the next Fill.
		return n, nil
	}

	if err == nil {
		// A zero-length read without an error is a closed peer for a stream socket.
		return 0, perrors.ErrPeerClosed
	}
	return 0, classify(err)
}

// classify maps a connection error onto the taxonomy. Deadline updates on a
// closed connection fail the same way reads do.
func classify(err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
		return perrors.Tag(perrors.ErrPeerClosed, err)
	case isTimeout(err):
		return perrors.Tag(perrors.ErrTimeout, err)
	default:
		return perrors.Tag(perrors.ErrRelayInterrupted, err)
	}
}

// Buffered returns the unconsumed bytes. The slice is valid until the next
// Fill or Consume.
func (r *Reader) Buffered() []byte {
	return r.buf[r.start:r.end]
}

// Len returns the number of unconsumed bytes.
func (r *Reader) Len() int {
	return r.end - r.start
}

// Consume discards the first n unconsumed bytes.
func (r *Reader) Consume(n int) {
	if n < 0 || n > r.end-r.start {
		panic("stream: consume out of range")
	}
	r.start += n
	if r.start == r.end {
		r.start, r.end = 0, 0
	}
}

// Total returns the number of bytes read from the connection so far.
func (r *Reader) Total() int64 {
	return r.total
}

// Cap returns the buffer budget.
func (r *Reader) Cap() int {
	return len(r.buf)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
