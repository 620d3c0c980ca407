// File: server/plain.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Plain connection strategies: raw socket pass-through and HTTP/1.x
// request accumulation. Both dispatch under TypeDefault.

package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/momentics/pollws/protocol"
)

// RawHandler hands whatever a single read returns to the listeners.
type RawHandler struct {
	// OnMessage, when set, may answer each read with raw bytes.
	OnMessage MessageHandler
	// BufferSize bounds one read; DefaultReadBufferSize when 0.
	BufferSize int
}

// Handshake has nothing to negotiate.
func (h *RawHandler) Handshake(c *Conn) error {
	c.SetStatus(StatusConnected)
	return nil
}

// Process performs one read. An empty read marks the connection closing.
func (h *RawHandler) Process(c *Conn) (*Message, error) {
	size := h.BufferSize
	if size <= 0 {
		size = DefaultReadBufferSize
	}
	buf := make([]byte, size)
	n, err := c.Read(buf)
	if n == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			c.Logger().Warn("connection closed prematurely, marking for closing", "error", err)
		} else {
			c.Logger().Debug("read no data from socket, marking for closing")
		}
		c.MarkForClosing()
		return nil, nil
	}
	return respond(c, h.OnMessage, &Message{Type: TypeDefault, Payload: buf[:n]})
}

// Close flushes and releases the socket.
func (h *RawHandler) Close(c *Conn) { closePlain(c) }

// HTTPHandler accumulates a request head up to the blank line.
type HTTPHandler struct {
	OnMessage MessageHandler
	// MaxRequestSize bounds the request head; 8 KiB when 0.
	MaxRequestSize int
}

// Handshake has nothing to negotiate.
func (h *HTTPHandler) Handshake(c *Conn) error {
	c.SetStatus(StatusConnected)
	return nil
}

// Process reads one request head once its blank line is buffered.
func (h *HTTPHandler) Process(c *Conn) (*Message, error) {
	if !h.headReady(c) {
		c.NeedMore()
		return nil, nil
	}
	raw, err := protocol.ReadHandshake(c.Reader(), h.MaxRequestSize)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrHandshakeTooLarge):
			c.Logger().Warn("request head too large", "size", len(raw))
			c.Queue(protocol.WriteResponse(http.StatusRequestHeaderFieldsTooLarge, nil))
		case len(raw) == 0 && errors.Is(err, io.EOF):
			c.Logger().Debug("read no data from socket, marking for closing")
		default:
			c.Logger().Warn("connection closed prematurely, marking for closing", "error", err)
		}
		c.MarkForClosing()
		return nil, nil
	}
	return respond(c, h.OnMessage, &Message{Type: TypeDefault, Payload: raw})
}

// Close flushes and releases the socket.
func (h *HTTPHandler) Close(c *Conn) { closePlain(c) }

// headReady reports whether a complete head is buffered, or reading on
// cannot wait: the head outgrew the limit or the buffer, or the read
// failed.
func (h *HTTPHandler) headReady(c *Conn) bool {
	limit := h.MaxRequestSize
	if limit <= 0 {
		limit = protocol.MaxHandshakeHeadersSize
	}
	for filled := false; ; filled = true {
		b := c.Peek()
		switch {
		case bytes.Contains(b, []byte("\n\r\n")), bytes.Contains(b, []byte("\n\n")):
			return true
		case len(b) > limit, len(b) >= c.Reader().Size():
			return true
		case filled:
			return false
		}
		if err := c.Fill(); err != nil {
			return !errors.Is(err, os.ErrDeadlineExceeded)
		}
	}
}

func respond(c *Conn, fn MessageHandler, msg *Message) (*Message, error) {
	if fn == nil {
		return msg, nil
	}
	resp, err := fn(msg, c)
	if err != nil {
		return nil, fmt.Errorf("message handler: %w", err)
	}
	if resp != nil {
		c.Queue(resp)
	}
	return msg, nil
}

func closePlain(c *Conn) {
	if c.IsClosed() {
		return
	}
	if _, err := c.Flush(); err != nil {
		c.Logger().Debug("final flush failed", "error", err)
	}
	_ = c.Close()
}
