// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	perrors "github.com/absmach/fwdproxy/pkg/errors"
)

type scriptedConn struct {
	chunks    [][]byte
	err       error
	deadlines []time.Time
}

func (c *scriptedConn) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	if n < len(c.chunks[0]) {
		c.chunks[0] = c.chunks[0][n:]
	} else {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func (c *scriptedConn) SetReadDeadline(t time.Time) error {
	c.deadlines = append(c.deadlines, t)
	return nil
}

func TestReader_FillAndConsume(t *testing.T) {
	conn := &scriptedConn{chunks: [][]byte{[]byte("GET / HT"), []byte("TP/1.1\r\n")}}
	r := NewReader(conn, 64)

	n, err := r.Fill()
	if err != nil || n != 8 {
		t.Fatalf("Fill() = %d, %v; want 8, nil", n, err)
	}
	if _, err := r.Fill(); err != nil {
		t.Fatalf("Fill() error = %v", err)
	}
	if got := string(r.Buffered()); got != "GET / HTTP/1.1\r\n" {
		t.Errorf("Buffered() = %q", got)
	}

	r.Consume(4)
	if got := string(r.Buffered()); got != "/ HTTP/1.1\r\n" {
		t.Errorf("after Consume(4) Buffered() = %q", got)
	}
	if r.Len() != 12 {
		t.Errorf("Len() = %d, want 12", r.Len())
	}
	if r.Total() != 16 {
		t.Errorf("Total() = %d, want 16", r.Total())
	}

	r.Consume(r.Len())
	if r.Len() != 0 {
		t.Errorf("Len() after consuming everything = %d", r.Len())
	}
}

func TestReader_CompactsBeforeRead(t *testing.T) {
	conn := &scriptedConn{chunks: [][]byte{[]byte("abcdefgh"), []byte("ij")}}
	r := NewReader(conn, 8)

	if _, err := r.Fill(); err != nil {
		t.Fatalf("Fill() error = %v", err)
	}
	r.Consume(6)
	if _, err := r.Fill(); err != nil {
		t.Fatalf("Fill() after consume error = %v", err)
	}
	if got := string(r.Buffered()); got != "ghij" {
		t.Errorf("Buffered() = %q, want %q", got, "ghij")
	}
}

func TestReader_Errors(t *testing.T) {
	tests := []struct {
		name string
		conn *scriptedConn
		max  int
		want error
	}{
		{
			name: "peer closed",
			conn: &scriptedConn{},
			want: perrors.ErrPeerClosed,
		},
		{
			name: "closed socket",
			conn: &scriptedConn{err: net.ErrClosed},
			want: perrors.ErrPeerClosed,
		},
		{
			name: "deadline",
			conn: &scriptedConn{err: os.ErrDeadlineExceeded},
			want: perrors.ErrTimeout,
		},
		{
			name: "reset",
			conn: &scriptedConn{err: errors.New("connection reset by peer")},
			want: perrors.ErrRelayInterrupted,
		},
		{
			name: "buffer full",
			conn: &scriptedConn{chunks: [][]byte{[]byte("0123"), []byte("4567")}},
			max:  4,
			want: perrors.ErrHeaderTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(tt.conn, tt.max)
			var err error
			for i := 0; i < 3 && err == nil; i++ {
				_, err = r.Fill()
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Fill() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReader_AppliesDeadline(t *testing.T) {
	conn := &scriptedConn{chunks: [][]byte{[]byte("x")}}
	r := NewReader(conn, 0)
	if r.Cap() != DefaultMax {
		t.Errorf("Cap() = %d, want %d", r.Cap(), DefaultMax)
	}

	d := time.Now().Add(time.Second)
	r.SetDeadline(d)
	if _, err := r.Fill(); err != nil {
		t.Fatalf("Fill() error = %v", err)
	}
	if len(conn.deadlines) != 1 || !conn.deadlines[0].Equal(d) {
		t.Errorf("deadlines = %v, want [%v]", conn.deadlines, d)
	}
}

func TestReader_TimeoutOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	r := NewReader(server, 0)
	r.SetDeadline(time.Now().Add(20 * time.Millisecond))
	if _, err := r.Fill(); !errors.Is(err, perrors.ErrTimeout) {
		t.Errorf("Fill() error = %v, want timeout", err)
	}
}

func TestReader_PeerClosedAfterDataOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		client.Write([]byte("x"))
		client.Close()
	}()

	r := NewReader(server, 0)
	if n, err := r.Fill(); err != nil || n != 1 {
		t.Fatalf("Fill() = %d, %v; want 1, nil", n, err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := r.Fill(); !errors.Is(err, perrors.ErrPeerClosed) {
		t.Errorf("Fill() error = %v, want peer closed", err)
	}
}

func TestReader_DeadlineErrorsClassified(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "closed pipe", err: io.ErrClosedPipe, want: perrors.ErrPeerClosed},
		{name: "closed socket", err: net.ErrClosed, want: perrors.ErrPeerClosed},
		{name: "other", err: errors.New("bad file descriptor"), want: perrors.ErrRelayInterrupted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(&deadlineFailConn{err: tt.err}, 0)
			if _, err := r.Fill(); !errors.Is(err, tt.want) {
				t.Errorf("Fill() error = %v, want %v", err, tt.want)
			}
		})
	}
}

type deadlineFailConn struct {
	err error
}

func (c *deadlineFailConn) Read(p []byte) (int, error) {
	return 0, errors.New("read after failed deadline")
}

func (c *deadlineFailConn) SetReadDeadline(time.Time) error {
	return c.err
}

func TestReader_Reset(t *testing.T) {
	r := NewReader(&scriptedConn{chunks: [][]byte{[]byte("stale")}}, 16)
	if _, err := r.Fill(); err != nil {
		t.Fatalf("Fill() error = %v", err)
	}

	r.Reset(&scriptedConn{chunks: [][]byte{[]byte("fresh")}})
	if r.Len() != 0 || r.Total() != 0 {
		t.Fatalf("Reset() kept state: len %d total %d", r.Len(), r.Total())
	}
	if _, err := r.Fill(); err != nil {
		t.Fatalf("Fill() error = %v", err)
	}
	if got := string(r.Buffered()); got != "fresh" {
		t.Errorf("Buffered() = %q", got)
	}
}
