// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	perrors "github.com/absmach/fwdproxy/pkg/errors"
)

// DefaultMaxTrailer bounds the trailer section of a chunked body.
const DefaultMaxTrailer = 16 * 1024

const (
	maxSizeDigits = 15
	maxExtension  = 4096
)

type chunkState int

const (
	stSize chunkState = iota
	stExt
	stSizeLF
	stData
	stDataCR
	stDataLF
	stTrailerStart
	stTrailer
	stTrailerLF
	stFinalLF
	stDone
)

// ChunkedDecoder is a re-entrant decoder for the chunked transfer coding.
// Raw bytes can be fed in arbitrary pieces; the decoder keeps its position
// inside size lines, chunk data and trailers between calls.
type ChunkedDecoder struct {
	state     chunkState
	size      int64
	digits    int
	extLen    int
	remaining int64
	decoded   int64
	line      []byte
	trailerSz int
	trailers  Header

	// MaxTrailer bounds the trailer section; zero means DefaultMaxTrailer.
	MaxTrailer int
}

// Decode consumes chunked bytes from p. Decoded payload is passed to emit,
// which may be nil when only the body boundary matters. It returns the
// number of bytes of p that belong to the chunked body; once the body is
// complete the remaining bytes of p are left untouched for the next message.
func (d *ChunkedDecoder) Decode(p []byte, emit func([]byte)) (int, error) {
	i := 0
	for i < len(p) && d.state != stDone {
		if d.state == stData {
			n := int64(len(p) - i)
			if n > d.remaining {
				n = d.remaining
			}
			if emit != nil {
				emit(p[i : i+int(n)])
			}
			i += int(n)
			d.remaining -= n
			d.decoded += n
			if d.remaining == 0 {
				d.state = stDataCR
			}
			continue
		}

		if err := d.step(p[i]); err != nil {
			return i, err
		}
		i++
	}
	return i, nil
}

func (d *ChunkedDecoder) step(b byte) error {
	switch d.state {
	case stSize:
		if v, ok := unhex(b); ok {
			if d.digits++; d.digits > maxSizeDigits {
				return malformed("chunk size too long")
			}
			d.size = d.size<<4 | int64(v)
			return nil
		}
		if d.digits == 0 {
			return malformed("chunk size line without size")
		}
		switch b {
		case ';', ' ', '\t':
			d.state = stExt
		case '\r':
			d.state = stSizeLF
		default:
			return malformed("invalid byte %q in chunk size", b)
		}

	case stExt:
		switch b {
		case '\r':
			d.state = stSizeLF
		case '\n':
			return malformed("bare LF in chunk extension")
		default:
			if d.extLen++; d.extLen > maxExtension {
				return malformed("chunk extension too long")
			}
		}

	case stSizeLF:
		if b != '\n' {
			return malformed("chunk size line not terminated by CRLF")
		}
		if d.size == 0 {
			d.state = stTrailerStart
		} else {
			d.remaining = d.size
			d.state = stData
		}
		d.size, d.digits, d.extLen = 0, 0, 0

	case stDataCR:
		if b != '\r' {
			return malformed("chunk data not followed by CRLF")
		}
		d.state = stDataLF

	case stDataLF:
		if b != '\n' {
			return malformed("chunk data not followed by CRLF")
		}
		d.state = stSize

	case stTrailerStart:
		if b == '\r' {
			d.state = stFinalLF
			return nil
		}
		d.line = d.line[:0]
		d.state = stTrailer
		return d.trailerByte(b)

	case stTrailer:
		if b == '\r' {
			d.state = stTrailerLF
			return nil
		}
		return d.trailerByte(b)

	case stTrailerLF:
		if b != '\n' {
			return malformed("trailer line not terminated by CRLF")
		}
		f, err := parseField(d.line)
		if err != nil {
			return err
		}
		d.trailers = append(d.trailers, f)
		d.state = stTrailerStart

	case stFinalLF:
		if b != '\n' {
			return malformed("chunked body not terminated by CRLF")
		}
		d.state = stDone
	}
	return nil
}

func (d *ChunkedDecoder) trailerByte(b byte) error {
	if b == '\n' {
		return malformed("bare LF in trailer")
	}
	limit := d.MaxTrailer
	if limit <= 0 {
		limit = DefaultMaxTrailer
	}
	if d.trailerSz++; d.trailerSz > limit {
		return perrors.ErrHeaderTooLarge
	}
	d.line = append(d.line, b)
	return nil
}

// Done reports whether the terminating chunk and trailer section were seen.
func (d *ChunkedDecoder) Done() bool {
	return d.state == stDone
}

// Decoded returns the number of payload bytes decoded so far.
func (d *ChunkedDecoder) Decoded() int64 {
	return d.decoded
}

// Trailers returns the trailer fields received after the last chunk.
func (d *ChunkedDecoder) Trailers() Header {
	return d.trailers
}

func unhex(b byte) (byte, bool) {
	switch {
	case '0' <= b && b <= '9':
		return b - '0', true
	case 'a' <= b && b <= 'f':
		return b - 'a' + 10, true
	case 'A' <= b && b <= 'F':
		return b - 'A' + 10, true
	}
	return 0, false
}
