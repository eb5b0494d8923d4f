// Package ump implements the length-prefixed multiplexed container format
// that frames SABR protocol parts inside a streaming HTTP response body.
// Each part is a variable-length integer type tag, a variable-length integer
// payload size, and the payload itself. Parts arrive back to back and a
// single part may span several network reads, so the reader decodes
// incrementally: feed it chunks as they arrive and collect complete parts.
//
// The integer encoding is not protobuf varint. The count of leading one
// bits in the first byte selects the total width (1 to 5 bytes); the
// remaining low bits of the first byte hold the least significant value
// bits, with subsequent bytes supplying higher bits. The 5-byte form stores
// the value as a little-endian uint32 after the marker byte.
//
// The reader has no knowledge of part semantics or session state. It only
// frames bytes.
package ump

import (
	"fmt"
)

// maxPartSize bounds a single part payload. Anything larger is treated as a
// corrupt length prefix rather than an instruction to buffer gigabytes.
const maxPartSize = 256 << 20

// Part is one framed unit extracted from the stream.
type Part struct {
	Type uint32
	Data ChunkedData
}

// ChunkedData exposes a payload as the list of byte slices it arrived in,
// so large media payloads are not recopied just to cross the framing layer.
type ChunkedData struct {
	chunks [][]byte
	size   int
}

// NewChunkedData wraps existing slices without copying.
func NewChunkedData(chunks ...[]byte) ChunkedData {
	d := ChunkedData{}
	for _, c := range chunks {
		if len(c) == 0 {
			continue
		}
		d.chunks = append(d.chunks, c)
		d.size += len(c)
	}
	return d
}

// Chunks returns the underlying slices. Callers must not mutate them.
func (d ChunkedData) Chunks() [][]byte { return d.chunks }

// Len is the total payload size in bytes.
func (d ChunkedData) Len() int { return d.size }

// Bytes flattens the payload into a single slice. When the payload already
// occupies one chunk it is returned directly without copying.
func (d ChunkedData) Bytes() []byte {
	switch len(d.chunks) {
	case 0:
		return nil
	case 1:
		return d.chunks[0]
	}
	out := make([]byte, 0, d.size)
	for _, c := range d.chunks {
		out = append(out, c...)
	}
	return out
}

// AppendTo appends the payload to dst and returns the extended slice.
func (d ChunkedData) AppendTo(dst []byte) []byte {
	for _, c := range d.chunks {
		dst = append(dst, c...)
	}
	return dst
}

// Peek copies up to n leading bytes of the payload.
func (d ChunkedData) Peek(n int) []byte {
	if n > d.size {
		n = d.size
	}
	out := make([]byte, 0, n)
	for _, c := range d.chunks {
		if len(c) > n-len(out) {
			c = c[:n-len(out)]
		}
		out = append(out, c...)
		if len(out) == n {
			break
		}
	}
	return out
}

// Skip returns the payload with its first n bytes dropped, sharing storage
// with the original. Skipping past the end yields an empty payload.
func (d ChunkedData) Skip(n int) ChunkedData {
	var out ChunkedData
	for _, c := range d.chunks {
		if n >= len(c) {
			n -= len(c)
			continue
		}
		c = c[n:]
		n = 0
		out.chunks = append(out.chunks, c)
		out.size += len(c)
	}
	return out
}

// DecodeVarint exposes the container varint decoding for payloads that embed
// varints of their own (media parts prefix their bytes with a header id).
// It returns n == 0 when b does not hold a complete encoding.
func DecodeVarint(b []byte) (uint32, int) {
	return decodeVarint(b)
}

// Reader incrementally decodes a part stream. Zero value is ready to use.
type Reader struct {
	chunks [][]byte // unconsumed data; chunks[0] is consumed from off
	off    int
	size   int
}

// Buffered reports how many unconsumed bytes the reader is holding,
// i.e. the partial part waiting for more data.
func (r *Reader) Buffered() int { return r.size }

// Feed appends a network chunk and returns every part completed by it.
// Incomplete trailing data is retained for the next call. The chunk is
// retained by reference; callers must hand over ownership.
func (r *Reader) Feed(chunk []byte) ([]Part, error) {
	if len(chunk) > 0 {
		r.chunks = append(r.chunks, chunk)
		r.size += len(chunk)
	}

	var parts []Part
	for {
		part, ok, err := r.next()
		if err != nil {
			return parts, err
		}
		if !ok {
			return parts, nil
		}
		parts = append(parts, part)
	}
}

// next extracts one complete part, or reports that more data is needed.
func (r *Reader) next() (Part, bool, error) {
	header := r.peek(10) // two varints are at most 10 bytes

	partType, typeLen := decodeVarint(header)
	if typeLen == 0 {
		return Part{}, false, nil
	}

	partSize, sizeLen := decodeVarint(header[typeLen:])
	if sizeLen == 0 {
		return Part{}, false, nil
	}
	if partSize > maxPartSize {
		return Part{}, false, fmt.Errorf("part size %d exceeds limit (type=%d)", partSize, partType)
	}

	headerLen := typeLen + sizeLen
	if r.size < headerLen+int(partSize) {
		return Part{}, false, nil
	}

	r.discard(headerLen)
	data := r.take(int(partSize))
	return Part{Type: partType, Data: data}, true, nil
}

// peek copies up to n unconsumed bytes without advancing.
func (r *Reader) peek(n int) []byte {
	if n > r.size {
		n = r.size
	}
	out := make([]byte, 0, n)
	off := r.off
	for _, c := range r.chunks {
		c = c[off:]
		off = 0
		if len(c) > n-len(out) {
			c = c[:n-len(out)]
		}
		out = append(out, c...)
		if len(out) == n {
			break
		}
	}
	return out
}

// discard drops n bytes from the front. Caller guarantees n <= r.size.
func (r *Reader) discard(n int) {
	r.size -= n
	for n > 0 {
		avail := len(r.chunks[0]) - r.off
		if n < avail {
			r.off += n
			return
		}
		n -= avail
		r.chunks = r.chunks[1:]
		r.off = 0
	}
}

// take removes n bytes from the front as a ChunkedData referencing the
// underlying storage. Caller guarantees n <= r.size.
func (r *Reader) take(n int) ChunkedData {
	var d ChunkedData
	r.size -= n
	for n > 0 {
		c := r.chunks[0][r.off:]
		if n < len(c) {
			c = c[:n]
			r.off += n
		} else {
			r.chunks = r.chunks[1:]
			r.off = 0
		}
		n -= len(c)
		if len(c) > 0 {
			d.chunks = append(d.chunks, c)
			d.size += len(c)
		}
	}
	return d
}

// decodeVarint reads one container varint. It returns n == 0 when the input
// does not yet hold the full encoding.
func decodeVarint(b []byte) (uint32, int) {
	if len(b) == 0 {
		return 0, 0
	}

	first := b[0]
	var width int
	switch {
	case first < 0x80:
		return uint32(first), 1
	case first < 0xC0:
		width = 2
	case first < 0xE0:
		width = 3
	case first < 0xF0:
		width = 4
	default:
		width = 5
	}
	if len(b) < width {
		return 0, 0
	}

	switch width {
	case 2:
		return uint32(first&0x3F) | uint32(b[1])<<6, 2
	case 3:
		return uint32(first&0x1F) | uint32(b[1])<<5 | uint32(b[2])<<13, 3
	case 4:
		return uint32(first&0x0F) | uint32(b[1])<<4 | uint32(b[2])<<12 | uint32(b[3])<<20, 4
	default:
		return uint32(b[1]) | uint32(b[2])<<8 | uint32(b[3])<<16 | uint32(b[4])<<24, 5
	}
}
