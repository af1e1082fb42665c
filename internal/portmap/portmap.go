// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package portmap negotiates forwarded ports with the gateway over PCP or NAT-PMP.
package portmap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/autobrr/qb-port-sync/internal/domain"
)

// GatewayPort is where both PCP and NAT-PMP servers listen.
const GatewayPort = 5351

var (
	// ErrProtocolUnsupported means the gateway answered but refuses this protocol or request.
	// Retrying the same backend is pointless.
	ErrProtocolUnsupported = errors.New("gateway does not support this request")
	// ErrNoGateway means no gateway address is configured or discoverable.
	ErrNoGateway = errors.New("no gateway address")
)

// MapRequest asks for a single-protocol mapping.
type MapRequest struct {
	Transport    domain.Transport
	InternalPort uint16
	// ExternalPort is only a suggestion, the gateway may grant another.
	ExternalPort uint16
	Lifetime     time.Duration
}

// Grant is what the gateway answered.
type Grant struct {
	ExternalPort uint16
	// Lifetime zero means the gateway did not report one.
	Lifetime time.Duration
}

// Backend speaks one negotiation protocol. Map and Unmap perform exactly one exchange
// bounded by ctx, retries are the Negotiator's business.
type Backend interface {
	Name() domain.Strategy
	Map(ctx context.Context, gateway net.IP, req MapRequest) (Grant, error)
	Unmap(ctx context.Context, gateway net.IP, transport domain.Transport, internalPort uint16) error
}

// BackendOptions configure the built-in backends.
type BackendOptions struct {
	// Port overrides GatewayPort, used by tests.
	Port int
}

// NewBackends returns every backend compiled into this binary.
func NewBackends(opts BackendOptions) []Backend {
	var backends []Backend
	if b := newPCPBackend(opts); b != nil {
		backends = append(backends, b)
	}
	if b := newNATPMPBackend(opts); b != nil {
		backends = append(backends, b)
	}
	return backends
}

func protocolName(t domain.Transport) string {
	if t == domain.TransportUDP {
		return "udp"
	}
	return "tcp"
}

func unrecoverable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolUnsupported, fmt.Sprintf(format, args...))
}
