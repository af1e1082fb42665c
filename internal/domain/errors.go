// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "errors"

var (
	// ErrUnsupportedEnvironment means no viable port source exists on this host.
	ErrUnsupportedEnvironment = errors.New("unsupported environment")
	// ErrTransientNetwork covers timeouts, refused connections and retry exhaustion.
	ErrTransientNetwork = errors.New("transient network failure")
	// ErrAuth means qBittorrent rejected the configured credentials.
	ErrAuth = errors.New("qbittorrent authentication failed")
	// ErrVerificationMismatch means the read-back listen port differs from the applied one.
	ErrVerificationMismatch = errors.New("listen port verification mismatch")
	// ErrInvalidPortFile means the forwarded port file did not hold a port in 1..65535.
	ErrInvalidPortFile = errors.New("invalid forwarded port file")
	// ErrConfig marks invalid or missing configuration.
	ErrConfig = errors.New("invalid configuration")
)

// ExitCode is the process exit status reported by the CLI.
type ExitCode int

const (
	ExitSuccess     ExitCode = 0
	ExitTransient   ExitCode = 1
	ExitConfig      ExitCode = 2
	ExitUnsupported ExitCode = 3
)

// ClassifyError maps an error chain to the exit code the CLI should return.
func ClassifyError(err error) ExitCode {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, ErrConfig):
		return ExitConfig
	case errors.Is(err, ErrUnsupportedEnvironment):
		return ExitUnsupported
	default:
		return ExitTransient
	}
}
