// File: internal/bitcodec/bitcodec.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package bitcodec converts between unsigned integers and bit strings or
// fixed-width big-endian byte sequences. No I/O.

package bitcodec

import (
	"fmt"
	"strings"

	"github.com/momentics/pollws/api"
)

// MaxWidth is the widest byte field supported (a 64-bit value).
const MaxWidth = 8

// BitsToValue parses a string of '0'/'1' characters, most significant first.
func BitsToValue(bits string) (uint64, error) {
	if bits == "" {
		return 0, fmt.Errorf("%w: empty", api.ErrInvalidBitString)
	}
	var v uint64
	significant := 0
	for i := 0; i < len(bits); i++ {
		c := bits[i]
		if c != '0' && c != '1' {
			return 0, fmt.Errorf("%w: %q at offset %d", api.ErrInvalidBitString, c, i)
		}
		if significant > 0 || c == '1' {
			significant++
		}
		if significant > 64 {
			return 0, fmt.Errorf("%w: more than 64 significant bits", api.ErrInvalidBitString)
		}
		v = v<<1 | uint64(c-'0')
	}
	return v, nil
}

// ValueToBits renders n in binary, left-padded with zeros to padTo digits.
// A longer natural representation is never truncated.
func ValueToBits(n int64, padTo int) (string, error) {
	if n < 0 {
		return "", fmt.Errorf("%w: negative value %d", api.ErrInvalidInput, n)
	}
	if padTo < 0 {
		return "", fmt.Errorf("%w: negative width %d", api.ErrInvalidPadding, padTo)
	}
	return pad(uintBits(uint64(n)), padTo), nil
}

// BytesToBits renders b as a bit string, 8 digits per byte.
func BytesToBits(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b) * 8)
	for _, x := range b {
		sb.WriteString(pad(uintBits(uint64(x)), 8))
	}
	return sb.String()
}

// BytesToUint decodes up to 8 big-endian bytes.
func BytesToUint(b []byte) (uint64, error) {
	if len(b) > MaxWidth {
		return 0, fmt.Errorf("%w: %d bytes exceed %d", api.ErrInvalidInput, len(b), MaxWidth)
	}
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v, nil
}

// UintToBytes encodes v big-endian into exactly width bytes.
func UintToBytes(v uint64, width int) ([]byte, error) {
	return AppendUint(make([]byte, 0, max(width, 0)), v, width)
}

// AppendUint appends the big-endian width-byte encoding of v to dst.
func AppendUint(dst []byte, v uint64, width int) ([]byte, error) {
	if width < 0 || width > MaxWidth {
		return dst, fmt.Errorf("%w: width %d outside 0..%d", api.ErrInvalidPadding, width, MaxWidth)
	}
	if width < MaxWidth && v>>(8*uint(width)) != 0 {
		return dst, fmt.Errorf("%w: %d does not fit in %d bytes", api.ErrInvalidInput, v, width)
	}
	for i := width - 1; i >= 0; i-- {
		dst = append(dst, byte(v>>(8*uint(i))))
	}
	return dst, nil
}

func uintBits(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [64]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = '0' + byte(v&1)
		v >>= 1
	}
	return string(buf[i:])
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}
