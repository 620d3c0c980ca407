//go:build !unix

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for platforms without a supported readiness API.

package reactor

import (
	"fmt"

	"github.com/momentics/pollws/api"
)

func newPoller() (Poller, error) {
	return nil, fmt.Errorf("reactor: %w on this platform", api.ErrNotSupported)
}
