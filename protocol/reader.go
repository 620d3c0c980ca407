// File: protocol/reader.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// FrameReader pulls exactly the bytes a frame needs from a byte stream,
// independent of the transport behind it.

package protocol

import (
	"fmt"
	"io"

	"github.com/momentics/pollws/api"
)

// ByteSource yields exactly n bytes or fails. A short stream must fail
// with an error wrapping api.ErrTruncatedFrame.
type ByteSource interface {
	Next(n int) ([]byte, error)
}

// ByteSourceFunc adapts a function to ByteSource.
type ByteSourceFunc func(n int) ([]byte, error)

// Next calls f(n).
func (f ByteSourceFunc) Next(n int) ([]byte, error) {
	return f(n)
}

// FrameReader implements ByteSource over an io.Reader.
type FrameReader struct {
	r    io.Reader
	read int64
}

// NewFrameReader wraps r. Pass a buffered reader when r is a socket.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Next reads exactly n bytes. The returned slice is owned by the caller.
func (fr *FrameReader) Next(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative read size %d", api.ErrInvalidInput, n)
	}
	buf := make([]byte, n)
	got, err := io.ReadFull(fr.r, buf)
	fr.read += int64(got)
	if err != nil {
		return buf[:got], truncated(n, got, err)
	}
	return buf, nil
}

// BytesRead returns the number of bytes consumed so far.
func (fr *FrameReader) BytesRead() int64 {
	return fr.read
}

// NewBytesSource returns a ByteSource over a fixed buffer.
func NewBytesSource(b []byte) ByteSource {
	off := 0
	return ByteSourceFunc(func(n int) ([]byte, error) {
		if n < 0 {
			return nil, fmt.Errorf("%w: negative read size %d", api.ErrInvalidInput, n)
		}
		if len(b)-off < n {
			got := b[off:]
			off = len(b)
			return got, truncated(n, len(got), io.ErrUnexpectedEOF)
		}
		out := b[off : off+n]
		off += n
		return out, nil
	})
}

func truncated(want, got int, cause error) error {
	return fmt.Errorf("%w: wanted %d bytes, got %d: %w", api.ErrTruncatedFrame, want, got, cause)
}
