// Package errs declares the named error kinds the core distinguishes on,
// per the error handling design. Everything else is a plain wrapped error.
package errs

import "errors"

var (
	// ErrConfigInvalid marks a fatal parsing or semantic error in the config file.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrBindFailure marks a fatal failure to bind the HTTP or HTTPS listener.
	ErrBindFailure = errors.New("bind failure")

	// ErrStartFailed means a backend did not become healthy within start_timeout.
	ErrStartFailed = errors.New("backend start failed")

	// ErrStopFailed means a backend did not become unreachable within stop_timeout.
	// Not surfaced to clients; logged and recorded via the sink only.
	ErrStopFailed = errors.New("backend stop failed")

	// ErrUpstreamUnavailable means no host is configured for the Host header,
	// or the upstream connection failed. Does not tear down the backend.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrInvalidHostHeader means the request lacks a parseable host.
	ErrInvalidHostHeader = errors.New("invalid host header")
)
