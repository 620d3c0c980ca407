// File: server/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server configuration: defaults, validation and YAML loading.

package server

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/momentics/pollws/api"
	"github.com/momentics/pollws/control"
	"github.com/momentics/pollws/protocol"
)

// Config holds all server-side configuration parameters.
type Config struct {
	ListenAddr string `yaml:"listen_addr"` // TCP bind address, e.g. "127.0.0.1:9000"
	Network    string `yaml:"network"`     // "tcp", "tcp4" or "tcp6"

	// PollTimeout bounds the single readiness wait per loop tick and with
	// it the latency of Stop.
	PollTimeout      time.Duration `yaml:"poll_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // read deadline for the opening request
	ReadTimeout      time.Duration `yaml:"read_timeout"`      // deadline for one unit of work; 0 disables
	WriteTimeout     time.Duration `yaml:"write_timeout"`     // deadline per queued buffer; 0 disables
	CloseTimeout     time.Duration `yaml:"close_timeout"`     // wait for the peer's answering CLOSE

	MaxHandshakeSize int    `yaml:"max_handshake_size"` // bytes; also bounds plain HTTP requests
	MaxFrameSize     uint64 `yaml:"max_frame_size"`     // 0 means unlimited
	MaxMessageSize   uint64 `yaml:"max_message_size"`   // assembled message cap; 0 means unlimited
	MaxAcceptPerTick int    `yaml:"max_accept_per_tick"`

	// StrictProtocol rejects unmasked client frames, reserved bits and
	// opcodes, and malformed control frames with CLOSE 1002.
	StrictProtocol bool `yaml:"strict_protocol"`
	// FailStop stops the whole server on an unexpected per-connection
	// fault instead of closing only that connection.
	FailStop bool `yaml:"fail_stop"`

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:       "127.0.0.1:9000",
		Network:          "tcp4",
		PollTimeout:      100 * time.Millisecond,
		HandshakeTimeout: 5 * time.Second,
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		CloseTimeout:     time.Second,
		MaxHandshakeSize: protocol.MaxHandshakeHeadersSize,
		MaxFrameSize:     16 << 20,
		MaxMessageSize:   64 << 20,
		MaxAcceptPerTick: 128,
		LogLevel:         "info",
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{api.ErrInvalidInput}, args...)...))
	}
	if c.ListenAddr == "" {
		bad("listen_addr is empty")
	}
	switch c.Network {
	case "tcp", "tcp4", "tcp6":
	default:
		bad("network %q is not a TCP network", c.Network)
	}
	if c.PollTimeout <= 0 {
		bad("poll_timeout must be positive, got %s", c.PollTimeout)
	}
	for name, d := range map[string]time.Duration{
		"handshake_timeout": c.HandshakeTimeout,
		"read_timeout":      c.ReadTimeout,
		"write_timeout":     c.WriteTimeout,
		"close_timeout":     c.CloseTimeout,
	} {
		if d < 0 {
			bad("%s must not be negative, got %s", name, d)
		}
	}
	if c.MaxHandshakeSize < 0 {
		bad("max_handshake_size must not be negative")
	}
	if c.MaxAcceptPerTick < 0 {
		bad("max_accept_per_tick must not be negative")
	}
	if _, err := control.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseConfig decodes YAML over DefaultConfig, so omitted keys keep their
// defaults, and validates the result. A frame cap above the message cap
// is lowered to it.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if cfg.MaxMessageSize > 0 && (cfg.MaxFrameSize == 0 || cfg.MaxFrameSize > cfg.MaxMessageSize) {
		cfg.MaxFrameSize = cfg.MaxMessageSize
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}
