// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package portmap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qb-port-sync/internal/domain"
)

const (
	defaultAttempts       = 3
	defaultBaseDelay      = 1 * time.Second
	defaultMaxDelay       = 8 * time.Second
	defaultAttemptTimeout = 2 * time.Second
	releaseTimeout        = 3 * time.Second
)

// RetryPolicy bounds the attempts made against a single backend.
type RetryPolicy struct {
	Attempts       uint
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       defaultAttempts,
		BaseDelay:      defaultBaseDelay,
		MaxDelay:       defaultMaxDelay,
		AttemptTimeout: defaultAttemptTimeout,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.Attempts == 0 {
		p.Attempts = d.Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	return p
}

type NegotiatorConfig struct {
	Backends []Backend
	Policy   RetryPolicy
	Gateway  domain.GatewayConfig
}

// Params describe one negotiation.
type Params struct {
	// Chain is the ordered list of backends to try.
	Chain        []domain.Strategy
	InternalPort uint16
	// PreferredExternalPort is suggested to the gateway, usually the current mapping's port.
	PreferredExternalPort uint16
	Transport             domain.Transport
	Lifetime              time.Duration
	// Prefer moves a backend to the front of Chain, normally the one that produced the current mapping.
	Prefer domain.Strategy
}

// Negotiator tries each backend's full retry sequence before falling back to the next.
// It is not safe for concurrent use.
type Negotiator struct {
	backends map[domain.Strategy]Backend
	policy   RetryPolicy
	gateway  domain.GatewayConfig
	discover func() (net.IP, error)
	now      func() time.Time

	lastGateway net.IP
}

func NewNegotiator(cfg NegotiatorConfig) *Negotiator {
	backends := make(map[domain.Strategy]Backend, len(cfg.Backends))
	for _, b := range cfg.Backends {
		backends[b.Name()] = b
	}

	return &Negotiator{
		backends: backends,
		policy:   cfg.Policy.normalize(),
		gateway:  cfg.Gateway,
		discover: DiscoverGateway,
		now:      time.Now,
	}
}

// Obtain returns the first mapping any backend in the chain grants.
func (n *Negotiator) Obtain(ctx context.Context, p Params) (domain.PortMapping, error) {
	chain := orderChain(p.Chain, p.Prefer)
	if len(chain) == 0 {
		return domain.PortMapping{}, fmt.Errorf("%w: no negotiation backend configured", domain.ErrUnsupportedEnvironment)
	}

	gateway, err := n.resolveGateway()
	if err != nil {
		return domain.PortMapping{}, err
	}
	n.lastGateway = gateway

	var failures []string
	allUnsupported := true

	for _, name := range chain {
		backend, ok := n.backends[name]
		if !ok {
			failures = append(failures, fmt.Sprintf("%s: not compiled in", name))
			continue
		}

		mapping, err := n.negotiate(ctx, backend, gateway, p)
		if err == nil {
			return mapping, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.PortMapping{}, ctxErr
		}

		if !errors.Is(err, ErrProtocolUnsupported) {
			allUnsupported = false
		}
		failures = append(failures, fmt.Sprintf("%s: %v", name, err))
		log.Warn().Err(err).Str("backend", name.String()).Str("gateway", gateway.String()).Msg("Port mapping backend failed")
	}

	summary := strings.Join(failures, "; ")
	if len(chain) > 1 || allUnsupported {
		return domain.PortMapping{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedEnvironment, summary)
	}
	return domain.PortMapping{}, fmt.Errorf("%w: %s", domain.ErrTransientNetwork, summary)
}

func (n *Negotiator) negotiate(ctx context.Context, backend Backend, gateway net.IP, p Params) (domain.PortMapping, error) {
	var mapping domain.PortMapping

	err := retry.Do(
		func() error {
			m, err := n.mapAll(ctx, backend, gateway, p)
			if err != nil {
				if errors.Is(err, ErrProtocolUnsupported) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			mapping = m
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(n.policy.Attempts),
		retry.Delay(n.policy.BaseDelay),
		retry.MaxDelay(n.policy.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			log.Debug().Err(err).Uint("attempt", attempt+1).Str("backend", backend.Name().String()).Msg("Port mapping attempt failed")
		}),
	)
	if err != nil {
		return domain.PortMapping{}, err
	}

	return mapping, nil
}

// mapAll requests every transport once. With BOTH a single success is enough:
// the TCP port wins when both map, and the shorter lifetime is kept.
func (n *Negotiator) mapAll(ctx context.Context, backend Backend, gateway net.IP, p Params) (domain.PortMapping, error) {
	var (
		granted  *Grant
		failures []error
	)

	for _, transport := range p.Transport.Split() {
		attemptCtx, cancel := context.WithTimeout(ctx, n.policy.AttemptTimeout)
		grant, err := backend.Map(attemptCtx, gateway, MapRequest{
			Transport:    transport,
			InternalPort: p.InternalPort,
			ExternalPort: p.PreferredExternalPort,
			Lifetime:     p.Lifetime,
		})
		cancel()

		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", transport, err))
			continue
		}

		log.Debug().
			Str("backend", backend.Name().String()).
			Str("transport", string(transport)).
			Uint16("internal", p.InternalPort).
			Uint16("external", grant.ExternalPort).
			Dur("lifetime", grant.Lifetime).
			Msg("Gateway granted mapping")

		if granted == nil {
			g := grant
			granted = &g
			continue
		}
		if grant.Lifetime > 0 && (granted.Lifetime == 0 || grant.Lifetime < granted.Lifetime) {
			granted.Lifetime = grant.Lifetime
		}
	}

	if granted == nil {
		return domain.PortMapping{}, errors.Join(failures...)
	}
	if len(failures) > 0 {
		log.Warn().Err(errors.Join(failures...)).Str("backend", backend.Name().String()).Msg("Only part of the requested transports were mapped")
	}

	return domain.NewPortMapping(int(granted.ExternalPort), int(p.InternalPort), p.Transport, granted.Lifetime, backend.Name(), n.now())
}

// Release deletes a negotiated mapping. File mappings are ignored.
func (n *Negotiator) Release(ctx context.Context, mapping domain.PortMapping) error {
	if !mapping.Source.Negotiated() {
		return nil
	}
	backend, ok := n.backends[mapping.Source]
	if !ok {
		return fmt.Errorf("backend %s not available", mapping.Source)
	}

	gateway := n.lastGateway
	if gateway == nil {
		var err error
		if gateway, err = n.resolveGateway(); err != nil {
			return err
		}
	}

	var errs []error
	for _, transport := range mapping.Transport.Split() {
		releaseCtx, cancel := context.WithTimeout(ctx, releaseTimeout)
		err := backend.Unmap(releaseCtx, gateway, transport, mapping.InternalPort)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", transport, err))
		}
	}

	return errors.Join(errs...)
}

func (n *Negotiator) resolveGateway() (net.IP, error) {
	if addr := strings.TrimSpace(n.gateway.Address); addr != "" {
		ip := net.ParseIP(addr)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("%w: gateway %q is not an IPv4 address", domain.ErrConfig, addr)
		}
		return ip.To4(), nil
	}

	if !n.gateway.Autodiscover {
		return nil, fmt.Errorf("%w: %w: autodiscovery disabled", domain.ErrConfig, ErrNoGateway)
	}

	ip, err := n.discover()
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %v", domain.ErrUnsupportedEnvironment, ErrNoGateway, err)
	}
	return ip, nil
}

func orderChain(chain []domain.Strategy, prefer domain.Strategy) []domain.Strategy {
	ordered := make([]domain.Strategy, 0, len(chain))
	for _, s := range chain {
		if s == prefer {
			ordered = append(ordered, s)
		}
	}
	for _, s := range chain {
		if s != prefer {
			ordered = append(ordered, s)
		}
	}
	return ordered
}
