// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Strategy selects where the forwarded port comes from.
type Strategy string

const (
	StrategyFile   Strategy = "file"
	StrategyPCP    Strategy = "pcp"
	StrategyNATPMP Strategy = "natpmp"
	StrategyAuto   Strategy = "auto"
)

func (s Strategy) String() string {
	return string(s)
}

// Negotiated reports whether the strategy talks to the gateway.
func (s Strategy) Negotiated() bool {
	return s == StrategyPCP || s == StrategyNATPMP
}

// ParseStrategy accepts the names used in config files and on the command line.
func ParseStrategy(value string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "auto":
		return StrategyAuto, nil
	case "file":
		return StrategyFile, nil
	case "pcp":
		return StrategyPCP, nil
	case "natpmp", "nat-pmp":
		return StrategyNATPMP, nil
	default:
		return "", fmt.Errorf("%w: unknown strategy %q", ErrConfig, value)
	}
}

// Transport is the protocol a mapping covers.
type Transport string

const (
	TransportTCP  Transport = "TCP"
	TransportUDP  Transport = "UDP"
	TransportBoth Transport = "BOTH"
)

// ParseTransport is case-insensitive and defaults to TCP.
func ParseTransport(value string) (Transport, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "", "TCP":
		return TransportTCP, nil
	case "UDP":
		return TransportUDP, nil
	case "BOTH":
		return TransportBoth, nil
	default:
		return "", fmt.Errorf("%w: unknown protocol %q", ErrConfig, value)
	}
}

// Split expands BOTH into its single-protocol parts.
func (t Transport) Split() []Transport {
	if t == TransportBoth {
		return []Transport{TransportTCP, TransportUDP}
	}
	return []Transport{t}
}

// PortMapping is one granted or observed port. A renewal yields a new value.
type PortMapping struct {
	ExternalPort uint16
	InternalPort uint16
	Transport    Transport
	// Lifetime is zero when the source grants no lease.
	Lifetime   time.Duration
	ObtainedAt time.Time
	Source     Strategy
}

// NewPortMapping validates ports and lifetime.
func NewPortMapping(external, internal int, transport Transport, lifetime time.Duration, source Strategy, now time.Time) (PortMapping, error) {
	if external < 1 || external > 65535 {
		return PortMapping{}, fmt.Errorf("external port %d out of range", external)
	}
	if internal < 1 || internal > 65535 {
		return PortMapping{}, fmt.Errorf("internal port %d out of range", internal)
	}
	if lifetime < 0 {
		return PortMapping{}, fmt.Errorf("negative lifetime %s", lifetime)
	}

	return PortMapping{
		ExternalPort: uint16(external),
		InternalPort: uint16(internal),
		Transport:    transport,
		Lifetime:     lifetime,
		ObtainedAt:   now,
		Source:       source,
	}, nil
}

// HasLease reports whether the mapping expires and needs renewal.
func (m PortMapping) HasLease() bool {
	return m.Lifetime > 0
}

// ExpiresAt is zero when the mapping has no lease.
func (m PortMapping) ExpiresAt() time.Time {
	if !m.HasLease() {
		return time.Time{}
	}
	return m.ObtainedAt.Add(m.Lifetime)
}

// Remapped reports whether the gateway granted a different port than requested.
func (m PortMapping) Remapped() bool {
	return m.ExternalPort != m.InternalPort
}

func (m PortMapping) String() string {
	if m.HasLease() {
		return fmt.Sprintf("%s %d->%d ttl=%ds", m.Transport, m.ExternalPort, m.InternalPort, int(m.Lifetime.Seconds()))
	}
	return fmt.Sprintf("%s %d->%d", m.Transport, m.ExternalPort, m.InternalPort)
}

// GatewayConfig says where negotiation requests go.
type GatewayConfig struct {
	Address      string
	Autodiscover bool
}

// SyncResult is the outcome of a single sync cycle.
type SyncResult struct {
	Strategy     Strategy `json:"strategy"`
	DetectedPort *uint16  `json:"detected_port,omitempty"`
	Applied      bool     `json:"applied"`
	Verified     bool     `json:"verified"`
	Note         string   `json:"note"`
	Error        string   `json:"error,omitempty"`
}

// SetPort records the detected port.
func (r *SyncResult) SetPort(port uint16) {
	r.DetectedPort = &port
}

// AddNote appends to the note, separated by "; ".
func (r *SyncResult) AddNote(note string) {
	if note == "" {
		return
	}
	if r.Note == "" {
		r.Note = note
		return
	}
	r.Note += "; " + note
}

// Line renders the result as a single JSON line without trailing newline.
func (r SyncResult) Line() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
