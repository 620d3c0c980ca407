// File: server/websocket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// WebSocketHandler drives RFC 6455 connections: the opening handshake, one
// frame per readable tick through the fragment assembler, control frame
// replies, and the closing handshake at teardown.

package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/momentics/pollws/api"
	"github.com/momentics/pollws/protocol"
)

// closingReason is sent when the server tears a connection down.
const closingReason = "Connection closing"

// WebSocketHandler implements ConnectionHandler for WebSocket peers.
type WebSocketHandler struct {
	// OnMessage is invoked for every complete data message.
	OnMessage MessageHandler

	strict        bool
	handshakeSize int
	decoder       protocol.Decoder
	assembler     *protocol.Assembler[ConnID]
	closeTimeout  time.Duration
}

// NewWebSocketHandler builds a handler using cfg limits (DefaultConfig
// when nil).
func NewWebSocketHandler(cfg *Config, onMessage MessageHandler) *WebSocketHandler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &WebSocketHandler{
		OnMessage:     onMessage,
		strict:        cfg.StrictProtocol,
		handshakeSize: cfg.MaxHandshakeSize,
		decoder:       protocol.Decoder{MaxPayload: cfg.MaxFrameSize},
		assembler:     protocol.NewAssembler[ConnID](cfg.MaxMessageSize),
		closeTimeout:  cfg.CloseTimeout,
	}
}

// Handshake reads the opening request and answers it. The caller bounds
// the read with a deadline. A request cut short by EOF or the deadline is
// answered with 400; a reset peer gets no answer.
func (h *WebSocketHandler) Handshake(c *Conn) error {
	c.SetStatus(StatusConnecting)
	raw, err := protocol.ReadHandshake(c.Reader(), h.handshakeSize)
	switch {
	case err == nil, errors.Is(err, protocol.ErrHandshakeTooLarge):
		// an oversized request is answered with 400 by Negotiate
	case len(raw) == 0, isReset(err), errors.Is(err, net.ErrClosed):
		c.MarkForClosing()
		return fmt.Errorf("read handshake: %w", err)
	default:
		c.Logger().Debug("incomplete handshake request", "size", len(raw), "error", err)
		return h.reject(c, http.StatusBadRequest,
			fmt.Errorf("%w: incomplete request: %w", protocol.ErrMalformedRequest, err))
	}
	res := protocol.Negotiate(raw, protocol.HandshakeOptions{Strict: h.strict, MaxSize: h.handshakeSize})

	if werr := c.writeNow(res.Response); werr != nil {
		c.MarkForClosing()
		return errors.Join(res.Err, fmt.Errorf("write handshake response: %w", werr))
	}
	if res.Err != nil {
		c.MarkForClosing()
		return res.Err
	}
	c.MarkHandshook()
	c.Logger().Debug("handshake successful", "path", res.Request.Path)
	return nil
}

func (h *WebSocketHandler) reject(c *Conn, status int, cause error) error {
	c.MarkForClosing()
	err := &protocol.HandshakeError{Status: status, Err: cause}
	if werr := c.writeNow(protocol.WriteResponse(status, nil)); werr != nil {
		return errors.Join(err, fmt.Errorf("write handshake response: %w", werr))
	}
	return err
}

// Process decodes one frame and advances the message state machine.
// Nothing is read until the whole frame is buffered, so a peer that
// stalls mid-frame never blocks the loop. Decode failures and protocol
// violations are contained: the connection is marked for closing and nil
// is returned. Only OnMessage errors are reported.
func (h *WebSocketHandler) Process(c *Conn) (*Message, error) {
	if !h.frameReady(c) {
		c.NeedMore()
		return nil, nil
	}
	f, err := h.decoder.Decode(c.Frames())
	if err != nil {
		derr := api.Wrap(api.ErrCodeDecode, "decode frame", err)
		switch {
		case errors.Is(err, api.ErrFrameTooLarge):
			c.Logger().Warn("frame too large, closing", "error", derr, "code", derr.Code)
			h.fail(c, protocol.CloseMessageTooBig, "frame too large")
		case errors.Is(err, io.EOF):
			c.Logger().Debug("peer went away", "error", derr, "code", derr.Code)
			c.MarkForClosing()
		default:
			c.Logger().Warn("connection closed prematurely, marking for closing", "error", derr, "code", derr.Code)
			c.MarkForClosing()
		}
		return nil, nil
	}

	if h.strict {
		if reason := violation(f); reason != "" {
			perr := api.NewError(api.ErrCodeProtocol, reason).WithContext("frame", f.String())
			c.Logger().Warn("protocol violation", "error", perr, "code", perr.Code)
			h.fail(c, protocol.CloseProtocolError, reason)
			return nil, nil
		}
	}

	if f.Opcode.IsControl() {
		return h.control(c, f), nil
	}

	if f.Fin && h.assembler.Pending(c.ID()) == 0 {
		return h.deliver(c, &Message{Type: TypeOf(f.Opcode), Opcode: f.Opcode, Payload: f.Payload, Fragments: 1})
	}

	msg, done, err := h.assembler.Push(c.ID(), f)
	if err != nil {
		perr := api.Wrap(api.ErrCodeProtocol, "fragment rejected", err)
		c.Logger().Warn("fragment rejected", "error", perr, "code", perr.Code)
		code := uint16(protocol.CloseProtocolError)
		if errors.Is(err, api.ErrMessageTooLarge) {
			code = protocol.CloseMessageTooBig
		}
		h.fail(c, code, "invalid fragment")
		return nil, nil
	}
	if !done {
		return nil, nil
	}
	return h.deliver(c, &Message{
		Type:      TypeOf(msg.Opcode),
		Opcode:    msg.Opcode,
		Payload:   msg.Payload,
		Fragments: msg.Fragments,
	})
}

// frameReady pulls what the socket has ready into the read buffer and
// reports whether the next frame can be decoded without waiting. Frames
// that cannot fit the buffer, or whose header already exceeds the size
// limit, are left to the streaming decoder. A read error also reports
// ready so the decoder observes it.
func (h *WebSocketHandler) frameReady(c *Conn) bool {
	for filled := false; ; filled = true {
		header, payload, ok := protocol.PeekHeader(c.Peek())
		switch {
		case ok && uint64(c.Buffered()-header) >= payload:
			return true
		case ok && h.decoder.MaxPayload > 0 && payload > h.decoder.MaxPayload:
			return true
		case c.Buffered() >= c.Reader().Size():
			return true
		case filled:
			return false
		}
		if err := c.Fill(); err != nil {
			return !errors.Is(err, os.ErrDeadlineExceeded)
		}
	}
}

func (h *WebSocketHandler) control(c *Conn, f *protocol.Frame) *Message {
	msg := &Message{Type: TypeOf(f.Opcode), Opcode: f.Opcode, Payload: f.Payload, Fragments: 1}
	switch f.Opcode {
	case protocol.OpcodePing:
		c.QueueFrame(protocol.PongFrame(f.Payload))
	case protocol.OpcodeClose:
		if c.IsToBeClosed() {
			c.Logger().Debug("duplicate close ignored")
			c.markPeerClosed()
			return nil
		}
		code, reason, _ := protocol.ParseClosePayload(f.Payload)
		c.Logger().Debug("close received", "code", code, "reason", reason)
		c.MarkForClosing()
		c.markPeerClosed()
		// nothing may follow the answering CLOSE
		c.ClearQueue()
		c.QueueFrame(protocol.CloseFrame(f.Payload))
	}
	return msg
}

func (h *WebSocketHandler) deliver(c *Conn, msg *Message) (*Message, error) {
	if h.OnMessage == nil {
		return msg, nil
	}
	resp, err := h.OnMessage(msg, c)
	if err != nil {
		return nil, fmt.Errorf("message handler: %w", err)
	}
	if resp != nil {
		op := msg.Opcode
		if !op.IsData() {
			op = protocol.OpcodeText
		}
		c.QueueFrame(protocol.NewFrame(op, resp))
	}
	return msg, nil
}

func (h *WebSocketHandler) fail(c *Conn, code uint16, reason string) {
	h.assembler.Release(c.ID())
	c.QueueFrame(protocol.CloseFrameWithCode(code, reason))
	c.MarkForClosing()
}

// Close performs the closing handshake when the connection was upgraded
// and the peer has not closed yet, then releases the socket.
func (h *WebSocketHandler) Close(c *Conn) {
	defer h.assembler.Release(c.ID())
	if c.IsClosed() {
		return
	}
	if !c.IsHandshook() || c.PeerClosed() {
		if _, err := c.Flush(); err != nil {
			c.Logger().Debug("final flush failed", "error", err)
		}
		_ = c.Close()
		return
	}

	if op, ok := protocol.PeekOpcode(c.LastQueued()); !ok || op != protocol.OpcodeClose {
		c.QueueFrame(protocol.CloseFrameWithCode(protocol.CloseNormalClosure, closingReason))
	}
	if _, err := c.Flush(); err != nil {
		c.Logger().Debug("close frame not delivered", "error", err)
		_ = c.Close()
		return
	}
	h.awaitClose(c)
	_ = c.Close()
}

// awaitClose reads one frame within the close timeout, expecting CLOSE.
// A zero timeout skips the wait.
func (h *WebSocketHandler) awaitClose(c *Conn) {
	if h.closeTimeout <= 0 {
		return
	}
	_ = c.SetReadDeadline(h.closeTimeout)
	f, err := h.decoder.Decode(c.Frames())
	switch {
	case err != nil:
		c.Logger().Warn("no close answer from peer", "error", err)
	case f.Opcode != protocol.OpcodeClose:
		c.Logger().Warn("expected close answer from peer", "got", f.Opcode)
	default:
		c.Logger().Debug("close handshake complete")
	}
}

// violation returns a reason when f breaks a client-side framing rule.
func violation(f *protocol.Frame) string {
	switch {
	case !f.Masked:
		return "unmasked client frame"
	case f.Rsv != 0:
		return "reserved bits set"
	case !f.Opcode.IsControl() && !f.Opcode.IsData() && f.Opcode != protocol.OpcodeContinuation:
		return "reserved opcode"
	case f.Opcode.IsControl() && f.Opcode != protocol.OpcodeClose &&
		f.Opcode != protocol.OpcodePing && f.Opcode != protocol.OpcodePong:
		return "reserved opcode"
	case f.Opcode.IsControl() && (!f.Fin || len(f.Payload) > protocol.MaxControlPayloadLen):
		return "malformed control frame"
	}
	return ""
}
