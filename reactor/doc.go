// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the readiness primitive behind the server loop:
// one bounded wait across many file descriptors, backed by epoll on Linux
// and poll(2) on the other unix platforms.
package reactor
