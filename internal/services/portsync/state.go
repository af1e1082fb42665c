// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package portsync

// State is the daemon's position in the sync cycle.
type State int32

const (
	StateIdle State = iota
	StateNegotiating
	StateApplying
	StateVerifying
	StateSteady
	StateDegraded
)

var stateNames = map[State]string{
	StateIdle:        "idle",
	StateNegotiating: "negotiating",
	StateApplying:    "applying",
	StateVerifying:   "verifying",
	StateSteady:      "steady",
	StateDegraded:    "degraded",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// States lists every state, used to export one gauge per state.
func States() []State {
	return []State{StateIdle, StateNegotiating, StateApplying, StateVerifying, StateSteady, StateDegraded}
}

// Negotiating goes straight to Verifying when the port did not change.
var transitions = map[State][]State{
	StateIdle:        {StateNegotiating},
	StateNegotiating: {StateApplying, StateVerifying, StateDegraded},
	StateApplying:    {StateVerifying, StateDegraded},
	StateVerifying:   {StateSteady, StateDegraded},
	StateSteady:      {StateNegotiating},
	StateDegraded:    {StateNegotiating},
}

// CanTransition reports whether to is a legal successor of s.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Healthy is true once a port has been applied and verified.
func (s State) Healthy() bool {
	return s == StateSteady
}
