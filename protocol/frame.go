// Package protocol
// Author: momentics <momentics@gmail.com>
//
// WebSocket frame encoding/decoding and masking logic (RFC 6455 section 5).
//
// Decoding never trusts the advertised payload length for allocation: the
// payload is pulled from the ByteSource in bounded chunks, so a truncated or
// hostile stream fails with api.ErrTruncatedFrame before memory is committed.

package protocol

import (
	"crypto/rand"
	"fmt"

	"github.com/momentics/pollws/api"
	"github.com/momentics/pollws/internal/bitcodec"
)

// DefaultReadChunk bounds a single payload read.
const DefaultReadChunk = 32 * 1024

// Frame represents one WebSocket frame. Payload always holds unmasked
// content; Masked and MaskKey only describe the wire representation.
type Frame struct {
	Fin           bool    // FIN bit
	Rsv           byte    // RSV1-3, right-aligned; must be 0 without extensions
	Opcode        Opcode  // Operation code
	Masked        bool    // Whether the frame is masked on the wire
	MaskKey       [4]byte // Masking key in wire order, valid iff Masked
	PayloadLength uint64  // Always len(Payload)
	Payload       []byte
}

// MaskGenerator produces masking keys.
type MaskGenerator func() [4]byte

// RandomMask returns a uniformly random 32-bit masking key.
func RandomMask() [4]byte {
	var key [4]byte
	_, _ = rand.Read(key[:])
	return key
}

// NewFrame builds a final, unmasked frame carrying payload.
func NewFrame(op Opcode, payload []byte) *Frame {
	return &Frame{
		Fin:           true,
		Opcode:        op,
		PayloadLength: uint64(len(payload)),
		Payload:       payload,
	}
}

// TextFrame builds a final text frame.
func TextFrame(message string) *Frame {
	return NewFrame(OpcodeText, []byte(message))
}

// BinaryFrame builds a final binary frame.
func BinaryFrame(data []byte) *Frame {
	return NewFrame(OpcodeBinary, data)
}

// CloseFrame builds a CLOSE frame with a raw payload (usually an echo).
func CloseFrame(payload []byte) *Frame {
	return NewFrame(OpcodeClose, payload)
}

// CloseFrameWithCode builds a CLOSE frame carrying a status code and reason.
func CloseFrameWithCode(code uint16, reason string) *Frame {
	return NewFrame(OpcodeClose, ClosePayload(code, reason))
}

// PingFrame builds a PING frame.
func PingFrame(payload []byte) *Frame {
	return NewFrame(OpcodePing, payload)
}

// PongFrame builds a PONG frame.
func PongFrame(payload []byte) *Frame {
	return NewFrame(OpcodePong, payload)
}

// Mask marks the frame as masked with key.
func (f *Frame) Mask(key [4]byte) *Frame {
	f.Masked = true
	f.MaskKey = key
	return f
}

// MaskWith masks the frame with a key from gen (RandomMask when nil).
func (f *Frame) MaskWith(gen MaskGenerator) *Frame {
	if gen == nil {
		gen = RandomMask
	}
	return f.Mask(gen())
}

// MaskValue returns the masking key as a 32-bit value.
func (f *Frame) MaskValue() uint32 {
	v, _ := bitcodec.BytesToUint(f.MaskKey[:])
	return uint32(v)
}

// Encode serializes the frame into a new buffer.
func (f *Frame) Encode() []byte {
	return f.AppendTo(make([]byte, 0, MaxFrameHeaderLen+len(f.Payload)))
}

// AppendTo appends the wire encoding of f to dst, choosing the minimal
// length field width.
func (f *Frame) AppendTo(dst []byte) []byte {
	b0 := byte(f.Opcode)&OpcodeBits | (f.Rsv&0x07)<<4
	if f.Fin {
		b0 |= FinBit
	}
	var b1 byte
	if f.Masked {
		b1 = MaskBit
	}

	n := uint64(len(f.Payload))
	switch {
	case n <= MaxControlPayloadLen:
		dst = append(dst, b0, b1|byte(n))
	case n < 1<<16:
		dst = append(dst, b0, b1|len16Marker)
		dst, _ = bitcodec.AppendUint(dst, n, 2)
	default:
		dst = append(dst, b0, b1|len64Marker)
		dst, _ = bitcodec.AppendUint(dst, n, 8)
	}

	if f.Masked {
		dst = append(dst, f.MaskKey[:]...)
	}
	start := len(dst)
	dst = append(dst, f.Payload...)
	if f.Masked {
		ApplyMask(dst[start:], f.MaskKey, 0)
	}
	return dst
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame{fin=%t op=%s len=%d masked=%t}", f.Fin, f.Opcode, f.PayloadLength, f.Masked)
}

// Decoder decodes frames with optional limits.
type Decoder struct {
	// MaxPayload rejects frames advertising a larger payload; 0 means no limit.
	MaxPayload uint64
	// ReadChunk bounds each payload read; DefaultReadChunk when 0.
	ReadChunk int
}

// Decode reads one frame from src with no payload limit.
func Decode(src ByteSource) (*Frame, error) {
	return Decoder{}.Decode(src)
}

// Decode reads one frame from src.
func (d Decoder) Decode(src ByteSource) (*Frame, error) {
	hdr, err := src.Next(2)
	if err != nil {
		return nil, fmt.Errorf("frame header: %w", err)
	}

	f := &Frame{
		Fin:    hdr[0]&FinBit != 0,
		Rsv:    (hdr[0] & RsvBits) >> 4,
		Opcode: Opcode(hdr[0] & OpcodeBits),
		Masked: hdr[1]&MaskBit != 0,
	}

	length := uint64(hdr[1] & LenBits)
	switch length {
	case len16Marker:
		length, err = readUint(src, 2)
	case len64Marker:
		length, err = readUint(src, 8)
	}
	if err != nil {
		return nil, fmt.Errorf("frame length: %w", err)
	}
	if d.MaxPayload > 0 && length > d.MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d", api.ErrFrameTooLarge, length, d.MaxPayload)
	}

	if f.Masked {
		key, err := src.Next(4)
		if err != nil {
			return nil, fmt.Errorf("frame mask key: %w", err)
		}
		copy(f.MaskKey[:], key)
	}

	payload, err := d.readPayload(src, length, f)
	if err != nil {
		return nil, fmt.Errorf("frame payload: %w", err)
	}
	f.Payload = payload
	f.PayloadLength = length
	return f, nil
}

// PeekHeader parses the frame header at the start of b without consuming
// it. ok is false until b holds the complete header.
func PeekHeader(b []byte) (header int, payload uint64, ok bool) {
	if len(b) < 2 {
		return 0, 0, false
	}
	header = 2
	payload = uint64(b[1] & LenBits)
	switch payload {
	case len16Marker:
		header += 2
	case len64Marker:
		header += 8
	}
	if b[1]&MaskBit != 0 {
		header += 4
	}
	if len(b) < header {
		return 0, 0, false
	}
	switch payload {
	case len16Marker:
		payload, _ = bitcodec.BytesToUint(b[2:4])
	case len64Marker:
		payload, _ = bitcodec.BytesToUint(b[2:10])
	}
	return header, payload, true
}

// readPayload reads length bytes in chunks, unmasking as it goes.
func (d Decoder) readPayload(src ByteSource, length uint64, f *Frame) ([]byte, error) {
	chunk := uint64(d.ReadChunk)
	if chunk == 0 {
		chunk = DefaultReadChunk
	}
	payload := make([]byte, 0, min(length, chunk))
	for remaining := length; remaining > 0; {
		n := min(remaining, chunk)
		b, err := src.Next(int(n))
		if err != nil {
			return nil, err
		}
		pos := len(payload)
		payload = append(payload, b...)
		if f.Masked {
			ApplyMask(payload[pos:], f.MaskKey, pos)
		}
		remaining -= n
	}
	return payload, nil
}

func readUint(src ByteSource, width int) (uint64, error) {
	b, err := src.Next(width)
	if err != nil {
		return 0, err
	}
	return bitcodec.BytesToUint(b)
}

// ApplyMask XORs buf in place with key, starting at key index pos%4.
// Masking and unmasking are the same operation.
func ApplyMask(buf []byte, key [4]byte, pos int) {
	for i := range buf {
		buf[i] ^= key[(pos+i)&3]
	}
}

// PeekOpcode returns the opcode of an encoded frame.
func PeekOpcode(encoded []byte) (Opcode, bool) {
	if len(encoded) == 0 {
		return 0, false
	}
	return Opcode(encoded[0] & OpcodeBits), true
}

// ClosePayload encodes a close status code followed by a UTF-8 reason.
func ClosePayload(code uint16, reason string) []byte {
	b, _ := bitcodec.UintToBytes(uint64(code), 2)
	return append(b, reason...)
}

// ParseClosePayload splits a CLOSE payload into code and reason.
// An empty payload yields CloseNoStatusRcvd.
func ParseClosePayload(payload []byte) (uint16, string, error) {
	switch len(payload) {
	case 0:
		return CloseNoStatusRcvd, "", nil
	case 1:
		return 0, "", fmt.Errorf("%w: one-byte close payload", api.ErrProtocolViolation)
	}
	code, _ := bitcodec.BytesToUint(payload[:2])
	return uint16(code), string(payload[2:]), nil
}
