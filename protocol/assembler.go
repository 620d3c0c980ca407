// File: protocol/assembler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Assembler reassembles fragmented messages. State is an explicit map keyed
// by a stable connection identifier; owners must Release a key when its
// connection goes away.

package protocol

import (
	"fmt"

	"github.com/momentics/pollws/api"
)

// Assembled is one complete logical message.
type Assembled struct {
	Opcode    Opcode // data opcode of the first fragment
	Payload   []byte
	Fragments int
}

type pending struct {
	frames []*Frame
	size   uint64
}

// Assembler buffers non-final data frames per key.
type Assembler[K comparable] struct {
	// MaxMessage caps the assembled payload size; 0 means no limit.
	MaxMessage uint64

	pending map[K]*pending
}

// NewAssembler creates an Assembler with the given message size cap.
func NewAssembler[K comparable](maxMessage uint64) *Assembler[K] {
	return &Assembler[K]{
		MaxMessage: maxMessage,
		pending:    make(map[K]*pending),
	}
}

// Push feeds one data frame. It returns the complete message once a final
// frame arrives; otherwise (nil, false, nil). Control frames must not be
// pushed. On error the buffer for key is discarded.
func (a *Assembler[K]) Push(key K, f *Frame) (*Assembled, bool, error) {
	if f.Opcode.IsControl() {
		return nil, false, fmt.Errorf("%w: control frame %s cannot be assembled", api.ErrProtocolViolation, f.Opcode)
	}
	if a.pending == nil {
		a.pending = make(map[K]*pending)
	}
	p := a.pending[key]

	if p == nil {
		if f.Fin {
			return &Assembled{Opcode: f.Opcode, Payload: f.Payload, Fragments: 1}, true, nil
		}
		if !f.Opcode.IsData() {
			return nil, false, fmt.Errorf("%w: message cannot start with %s", api.ErrProtocolViolation, f.Opcode)
		}
		p = &pending{}
		a.pending[key] = p
	} else if f.Opcode != OpcodeContinuation && f.Opcode != p.frames[0].Opcode {
		delete(a.pending, key)
		return nil, false, fmt.Errorf("%w: %s fragment inside %s message",
			api.ErrProtocolViolation, f.Opcode, p.frames[0].Opcode)
	}

	p.size += uint64(len(f.Payload))
	if a.MaxMessage > 0 && p.size > a.MaxMessage {
		delete(a.pending, key)
		return nil, false, fmt.Errorf("%w: %d > %d", api.ErrMessageTooLarge, p.size, a.MaxMessage)
	}
	p.frames = append(p.frames, f)
	if !f.Fin {
		return nil, false, nil
	}

	delete(a.pending, key)
	payload := make([]byte, 0, p.size)
	for _, fr := range p.frames {
		payload = append(payload, fr.Payload...)
	}
	return &Assembled{Opcode: p.frames[0].Opcode, Payload: payload, Fragments: len(p.frames)}, true, nil
}

// Pending returns the number of buffered fragments for key.
func (a *Assembler[K]) Pending(key K) int {
	if p := a.pending[key]; p != nil {
		return len(p.frames)
	}
	return 0
}

// Release drops any buffered fragments for key.
func (a *Assembler[K]) Release(key K) {
	delete(a.pending, key)
}

// Len returns the number of keys with a message in progress.
func (a *Assembler[K]) Len() int {
	return len(a.pending)
}
