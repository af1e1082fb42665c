// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package portsync

import (
	"time"

	"github.com/autobrr/qb-port-sync/internal/domain"
)

// MinRenewDelay keeps short leases from turning into a busy loop.
const MinRenewDelay = 10 * time.Second

const defaultRefreshInterval = 300 * time.Second

// Scheduler decides when the next cycle runs.
type Scheduler struct {
	// Fallback applies when the mapping has no lease and after failed cycles.
	Fallback time.Duration
}

func NewScheduler(fallback time.Duration) Scheduler {
	if fallback <= 0 {
		fallback = defaultRefreshInterval
	}
	return Scheduler{Fallback: fallback}
}

// NextDelay renews leased mappings at half their lifetime, never sooner than MinRenewDelay.
func (s Scheduler) NextDelay(mapping *domain.PortMapping) time.Duration {
	if mapping == nil || !mapping.HasLease() {
		return s.Fallback
	}
	return max(mapping.Lifetime/2, MinRenewDelay)
}

// Timer is the daemon's single renewal deadline. Reset may be called whether
// or not the previous deadline fired and was received.
type Timer struct {
	t *time.Timer
}

// NewTimer starts a timer that fires after d.
func NewTimer(d time.Duration) *Timer {
	return &Timer{t: time.NewTimer(d)}
}

// C delivers the deadline.
func (t *Timer) C() <-chan time.Time {
	return t.t.C
}

// Reset drops any pending deadline and schedules a new one d from now.
func (t *Timer) Reset(d time.Duration) {
	if !t.t.Stop() {
		select {
		case <-t.t.C:
		default:
		}
	}
	t.t.Reset(d)
}

// Stop releases the timer. A stopped timer never fires.
func (t *Timer) Stop() {
	t.t.Stop()
}
