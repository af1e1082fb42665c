// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build !nonatpmp

package portmap

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"

	"github.com/autobrr/qb-port-sync/internal/domain"
)

// NATPMPCompiled is false in binaries built with the nonatpmp tag.
const NATPMPCompiled = true

type natpmpClient interface {
	AddPortMapping(protocol string, internalPort, requestedExternalPort int, lifetime int) (*natpmp.AddPortMappingResult, error)
}

// NATPMP maps ports with RFC 6886 requests.
type NATPMP struct {
	newClient func(gateway net.IP, timeout time.Duration) natpmpClient
}

func newNATPMPBackend(opts BackendOptions) Backend {
	if opts.Port != 0 && opts.Port != GatewayPort {
		// go-nat-pmp always talks to 5351.
		return nil
	}
	return &NATPMP{
		newClient: func(gateway net.IP, timeout time.Duration) natpmpClient {
			return natpmp.NewClientWithTimeout(gateway, timeout)
		},
	}
}

func (b *NATPMP) Name() domain.Strategy {
	return domain.StrategyNATPMP
}

func (b *NATPMP) Map(ctx context.Context, gateway net.IP, req MapRequest) (Grant, error) {
	lifetime := int(req.Lifetime / time.Second)
	if lifetime <= 0 {
		return Grant{}, fmt.Errorf("natpmp: lifetime must be positive")
	}

	res, err := b.call(ctx, gateway, protocolName(req.Transport), int(req.InternalPort), int(req.ExternalPort), lifetime)
	if err != nil {
		return Grant{}, err
	}
	if res.MappedExternalPort == 0 {
		return Grant{}, fmt.Errorf("natpmp: gateway granted port 0")
	}

	return Grant{
		ExternalPort: res.MappedExternalPort,
		Lifetime:     time.Duration(res.PortMappingLifetimeInSeconds) * time.Second,
	}, nil
}

// Unmap sends a zero lifetime request, which RFC 6886 defines as deletion.
func (b *NATPMP) Unmap(ctx context.Context, gateway net.IP, transport domain.Transport, internalPort uint16) error {
	_, err := b.call(ctx, gateway, protocolName(transport), int(internalPort), 0, 0)
	return err
}

type natpmpResult struct {
	res *natpmp.AddPortMappingResult
	err error
}

// call runs the blocking library call and gives up when ctx ends. The abandoned
// goroutine exits on its own once the client timeout elapses.
func (b *NATPMP) call(ctx context.Context, gateway net.IP, protocol string, internal, external, lifetime int) (*natpmp.AddPortMappingResult, error) {
	timeout := defaultAttemptTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return nil, ctx.Err()
	}

	client := b.newClient(gateway, timeout)
	done := make(chan natpmpResult, 1)
	go func() {
		res, err := client.AddPortMapping(protocol, internal, external, lifetime)
		done <- natpmpResult{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("natpmp %s: %w", protocol, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, classifyNATPMPError(protocol, r.err)
		}
		return r.res, nil
	}
}

// classifyNATPMPError marks answers that will not change on retry.
// Result codes: 1 unsupported version, 2 not authorized, 5 unsupported opcode.
func classifyNATPMPError(protocol string, err error) error {
	msg := err.Error()

	var code int
	if _, scanErr := fmt.Sscanf(msg, "Non-zero result code %d", &code); scanErr == nil {
		switch code {
		case 1, 2, 5:
			return unrecoverable("natpmp %s: result code %d", protocol, code)
		}
		return fmt.Errorf("natpmp %s: result code %d", protocol, code)
	}
	if strings.HasPrefix(msg, "unknown protocol version") {
		return unrecoverable("natpmp %s: %s", protocol, msg)
	}

	return fmt.Errorf("natpmp %s: %w", protocol, err)
}
