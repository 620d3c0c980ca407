// File: protocol/handshake.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Opening handshake: parses the client's HTTP upgrade request straight from
// the bytes read off the socket, computes Sec-WebSocket-Accept and renders
// the 101/400/500 response. No net/http request machinery is involved.

package protocol

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/momentics/pollws/api"
)

const (
	WebSocketGUID            = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	MaxHandshakeHeadersSize  = 8192
	HeaderConnection         = "Connection"
	HeaderUpgrade            = "Upgrade"
	HeaderSecWebSocketKey    = "Sec-WebSocket-Key"
	HeaderSecWebSocketVer    = "Sec-WebSocket-Version"
	HeaderSecWebSocketAccept = "Sec-WebSocket-Accept"
	RequiredWebSocketVersion = "13"
)

var (
	ErrMalformedRequest      = errors.New("malformed handshake request")
	ErrInvalidUpgradeHeaders = errors.New("invalid WebSocket upgrade headers")
	ErrMissingWebSocketKey   = errors.New("missing Sec-WebSocket-Key header")
	ErrBadWebSocketVersion   = errors.New("unsupported WebSocket version; only '13' is supported")
	ErrHandshakeTooLarge     = errors.New("handshake headers too large")
)

// HandshakeError carries the HTTP status sent back to the peer.
type HandshakeError struct {
	Status int
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("%v (%d): %v", api.ErrHandshakeRejected, e.Status, e.Err)
}

// Unwrap lets errors.Is match both api.ErrHandshakeRejected and the cause.
func (e *HandshakeError) Unwrap() []error {
	return []error{api.ErrHandshakeRejected, e.Err}
}

// HandshakeRequest is the parsed opening request.
type HandshakeRequest struct {
	Method string
	Path   string
	Proto  string
	Header map[string]string // canonical header name -> value
}

// Get returns a header value, matching the name case-insensitively.
func (r *HandshakeRequest) Get(name string) string {
	return r.Header[textproto.CanonicalMIMEHeaderKey(name)]
}

// HandshakeOptions tunes validation.
type HandshakeOptions struct {
	// Strict additionally requires Upgrade, Connection and version 13.
	Strict bool
	// MaxSize bounds the raw request; MaxHandshakeHeadersSize when 0.
	MaxSize int
}

// HandshakeResult is the outcome of Negotiate.
type HandshakeResult struct {
	Status   int
	Accept   string
	Request  *HandshakeRequest
	Response []byte
	Err      error // nil iff Status is 101
}

// AcceptKey computes the Sec-WebSocket-Accept value from the client's key
// (RFC 6455 section 1.3).
func AcceptKey(clientKey string) string {
	hash := sha1.Sum([]byte(clientKey + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(hash[:])
}

// ParseHandshake parses a raw request: the request line split on single
// spaces into method, path and version; header lines split on "\r\n" and
// then on the first ": ".
func ParseHandshake(raw []byte) (*HandshakeRequest, error) {
	lines := strings.Split(string(raw), "\r\n")
	parts := strings.Split(lines[0], " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformedRequest, lines[0])
	}
	req := &HandshakeRequest{
		Method: parts[0],
		Path:   parts[1],
		Proto:  parts[2],
		Header: make(map[string]string, len(lines)),
	}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		if name == "" || strings.ContainsAny(name, " \t") {
			return nil, fmt.Errorf("%w: header line %q", ErrMalformedRequest, line)
		}
		req.Header[textproto.CanonicalMIMEHeaderKey(name)] = strings.TrimSpace(value)
	}
	return req, nil
}

// Negotiate turns a raw opening request into the response to send.
// Malformed input or a missing key yields 400; any unexpected failure 500.
func Negotiate(raw []byte, opts HandshakeOptions) (res *HandshakeResult) {
	defer func() {
		if r := recover(); r != nil {
			res = reject(http.StatusInternalServerError, fmt.Errorf("unexpected: %v", r))
		}
	}()

	limit := opts.MaxSize
	if limit <= 0 {
		limit = MaxHandshakeHeadersSize
	}
	if len(raw) > limit {
		return reject(http.StatusBadRequest, ErrHandshakeTooLarge)
	}
	req, err := ParseHandshake(raw)
	if err != nil {
		return reject(http.StatusBadRequest, err)
	}
	if opts.Strict {
		if err := validateUpgrade(req); err != nil {
			res = reject(http.StatusBadRequest, err)
			res.Request = req
			return res
		}
	}
	key := req.Get(HeaderSecWebSocketKey)
	if key == "" {
		res = reject(http.StatusBadRequest, ErrMissingWebSocketKey)
		res.Request = req
		return res
	}

	accept := AcceptKey(key)
	return &HandshakeResult{
		Status:  http.StatusSwitchingProtocols,
		Accept:  accept,
		Request: req,
		Response: WriteResponse(http.StatusSwitchingProtocols, [][2]string{
			{HeaderUpgrade, "websocket"},
			{HeaderConnection, "Upgrade"},
			{HeaderSecWebSocketAccept, accept},
		}),
	}
}

func reject(status int, err error) *HandshakeResult {
	return &HandshakeResult{
		Status:   status,
		Response: WriteResponse(status, nil),
		Err:      &HandshakeError{Status: status, Err: err},
	}
}

func validateUpgrade(req *HandshakeRequest) error {
	if req.Method != http.MethodGet {
		return fmt.Errorf("%w: method %s", ErrInvalidUpgradeHeaders, req.Method)
	}
	if !containsToken(req.Get(HeaderConnection), "upgrade") ||
		!containsToken(req.Get(HeaderUpgrade), "websocket") {
		return ErrInvalidUpgradeHeaders
	}
	if req.Get(HeaderSecWebSocketVer) != RequiredWebSocketVersion {
		return ErrBadWebSocketVersion
	}
	return nil
}

// containsToken checks if a comma-separated header value contains token (case-insensitive).
func containsToken(headerValue, token string) bool {
	for _, p := range strings.Split(headerValue, ",") {
		if strings.EqualFold(strings.TrimSpace(p), token) {
			return true
		}
	}
	return false
}

// WriteResponse renders an HTTP/1.1 status line, headers in order, and the
// terminating blank line.
func WriteResponse(status int, headers [][2]string) []byte {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 ")
	b.WriteString(strconv.Itoa(status))
	b.WriteByte(' ')
	b.WriteString(http.StatusText(status))
	b.WriteString("\r\n")
	for _, h := range headers {
		b.WriteString(h[0])
		b.WriteString(": ")
		b.WriteString(h[1])
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// ReadHandshake reads a request through its terminating blank line.
// Requests longer than limit bytes fail with ErrHandshakeTooLarge.
func ReadHandshake(r *bufio.Reader, limit int) ([]byte, error) {
	if limit <= 0 {
		limit = MaxHandshakeHeadersSize
	}
	var raw []byte
	for {
		line, err := r.ReadSlice('\n')
		raw = append(raw, line...)
		if len(raw) > limit {
			return raw, ErrHandshakeTooLarge
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return raw, err
		}
		if string(line) == "\r\n" || string(line) == "\n" {
			return raw, nil
		}
	}
}
