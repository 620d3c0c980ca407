// File: server/router.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Message types and the listener router that fans decoded messages out to
// application observers.

package server

import (
	"fmt"

	"github.com/momentics/pollws/protocol"
)

// MessageType is the closed set of dispatch keys.
type MessageType int

const (
	// TypeDefault carries plain socket and HTTP payloads.
	TypeDefault MessageType = iota
	TypeText
	TypeBinary
	TypeClose
	TypePing
	TypePong
	// TypeOther covers continuation and reserved opcodes.
	TypeOther
)

func (t MessageType) String() string {
	switch t {
	case TypeDefault:
		return "default"
	case TypeText:
		return "text"
	case TypeBinary:
		return "binary"
	case TypeClose:
		return "close"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	case TypeOther:
		return "other"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// TypeOf maps a frame opcode to its message type.
func TypeOf(op protocol.Opcode) MessageType {
	switch op {
	case protocol.OpcodeText:
		return TypeText
	case protocol.OpcodeBinary:
		return TypeBinary
	case protocol.OpcodeClose:
		return TypeClose
	case protocol.OpcodePing:
		return TypePing
	case protocol.OpcodePong:
		return TypePong
	default:
		return TypeOther
	}
}

// Message is one complete unit handed to listeners.
type Message struct {
	Type      MessageType
	Opcode    protocol.Opcode // zero for plain payloads
	Payload   []byte
	Fragments int
}

// Text returns the payload as a string.
func (m *Message) Text() string { return string(m.Payload) }

func (m *Message) String() string {
	return fmt.Sprintf("message{type=%s len=%d fragments=%d}", m.Type, len(m.Payload), m.Fragments)
}

// MessageHandler is the application callback for complete data messages.
// A non-nil return is sent back to the peer.
type MessageHandler func(msg *Message, c *Conn) ([]byte, error)

// Listener observes dispatched messages. Observers run on the loop
// goroutine and may queue output on any connection or mark c for closing.
type Listener interface {
	Observe(msg *Message, c *Conn, srv *Server)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(msg *Message, c *Conn, srv *Server)

// Observe calls f.
func (f ListenerFunc) Observe(msg *Message, c *Conn, srv *Server) { f(msg, c, srv) }

// Router maps message types to listeners in registration order.
type Router struct {
	listeners map[MessageType][]Listener
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{listeners: make(map[MessageType][]Listener)}
}

// Register appends l to the listeners for t.
func (r *Router) Register(l Listener, t MessageType) {
	if r.listeners == nil {
		r.listeners = make(map[MessageType][]Listener)
	}
	r.listeners[t] = append(r.listeners[t], l)
}

// Dispatch calls every listener registered for msg.Type, in order.
// It is a no-op when none are registered.
func (r *Router) Dispatch(msg *Message, c *Conn, srv *Server) {
	for _, l := range r.listeners[msg.Type] {
		l.Observe(msg, c, srv)
	}
}

// Len returns the number of listeners for t.
func (r *Router) Len(t MessageType) int {
	return len(r.listeners[t])
}
