// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package strategy decides where the forwarded port comes from.
package strategy

import (
	"fmt"

	"github.com/autobrr/qb-port-sync/internal/domain"
	"github.com/autobrr/qb-port-sync/internal/portmap"
	"github.com/autobrr/qb-port-sync/internal/watch"
)

// Capabilities lists the negotiation backends compiled into the binary.
type Capabilities struct {
	PCP    bool
	NATPMP bool
}

// Compiled reports the backends selected by the nopcp and nonatpmp build tags.
func Compiled() Capabilities {
	return Capabilities{
		PCP:    portmap.PCPCompiled,
		NATPMP: portmap.NATPMPCompiled,
	}
}

// Environment is what the host looks like right now.
type Environment struct {
	ForwardedPortPath string
	FileReadable      bool
	FileDirExists     bool
}

// Probe inspects the forwarded port path.
func Probe(path string) Environment {
	return Environment{
		ForwardedPortPath: path,
		FileReadable:      watch.Readable(path),
		FileDirExists:     watch.DirExists(path),
	}
}

// Plan is the resolved source plus the ordered negotiation chain.
type Plan struct {
	Configured domain.Strategy
	Source     domain.Strategy
	Chain      []domain.Strategy
}

// Negotiated reports whether the plan talks to the gateway.
func (p Plan) Negotiated() bool {
	return p.Source.Negotiated()
}

// Resolve picks the port source. Explicit choices fail fast when they cannot work,
// auto walks file, PCP, NAT-PMP in that order.
func Resolve(configured domain.Strategy, caps Capabilities, env Environment) (Plan, error) {
	switch configured {
	case domain.StrategyFile:
		if env.ForwardedPortPath == "" {
			return Plan{}, fmt.Errorf("%w: strategy file needs forwardedPort.path on this platform", domain.ErrUnsupportedEnvironment)
		}
		if !env.FileDirExists {
			return Plan{}, fmt.Errorf("%w: directory of %s does not exist", domain.ErrUnsupportedEnvironment, env.ForwardedPortPath)
		}
		return Plan{Configured: configured, Source: domain.StrategyFile}, nil

	case domain.StrategyPCP:
		if !caps.PCP {
			return Plan{}, fmt.Errorf("%w: PCP support was not compiled in", domain.ErrUnsupportedEnvironment)
		}
		return Plan{Configured: configured, Source: domain.StrategyPCP, Chain: []domain.Strategy{domain.StrategyPCP}}, nil

	case domain.StrategyNATPMP:
		if !caps.NATPMP {
			return Plan{}, fmt.Errorf("%w: NAT-PMP support was not compiled in", domain.ErrUnsupportedEnvironment)
		}
		return Plan{Configured: configured, Source: domain.StrategyNATPMP, Chain: []domain.Strategy{domain.StrategyNATPMP}}, nil

	case domain.StrategyAuto:
		if env.FileReadable {
			return Plan{Configured: configured, Source: domain.StrategyFile}, nil
		}
		plan, ok := negotiated(caps)
		if !ok {
			return Plan{}, fmt.Errorf("%w: no forwarded port file and no negotiation backend compiled in", domain.ErrUnsupportedEnvironment)
		}
		return plan, nil

	default:
		return Plan{}, fmt.Errorf("%w: unknown strategy %q", domain.ErrConfig, configured)
	}
}

// Downgrade moves an auto plan from the file source to negotiation. It never
// upgrades back, and explicit plans are never changed.
func Downgrade(plan Plan, caps Capabilities) (Plan, bool) {
	if plan.Configured != domain.StrategyAuto || plan.Source != domain.StrategyFile {
		return plan, false
	}
	next, ok := negotiated(caps)
	if !ok {
		return plan, false
	}
	return next, true
}

func negotiated(caps Capabilities) (Plan, bool) {
	var chain []domain.Strategy
	if caps.PCP {
		chain = append(chain, domain.StrategyPCP)
	}
	if caps.NATPMP {
		chain = append(chain, domain.StrategyNATPMP)
	}
	if len(chain) == 0 {
		return Plan{}, false
	}
	return Plan{Configured: domain.StrategyAuto, Source: chain[0], Chain: chain}, true
}
