// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package portmap

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qb-port-sync/internal/domain"
)

type mapResult struct {
	grant Grant
	err   error
}

type fakeBackend struct {
	name domain.Strategy

	mu       sync.Mutex
	results  map[domain.Transport][]mapResult
	fallback mapResult
	calls    []MapRequest
	unmapped []domain.Transport
	gateway  net.IP
}

func newFakeBackend(name domain.Strategy, fallback mapResult) *fakeBackend {
	return &fakeBackend{name: name, fallback: fallback, results: map[domain.Transport][]mapResult{}}
}

func (f *fakeBackend) Name() domain.Strategy { return f.name }

func (f *fakeBackend) Map(_ context.Context, gateway net.IP, req MapRequest) (Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, req)
	f.gateway = gateway

	if queued := f.results[req.Transport]; len(queued) > 0 {
		f.results[req.Transport] = queued[1:]
		return queued[0].grant, queued[0].err
	}
	return f.fallback.grant, f.fallback.err
}

func (f *fakeBackend) Unmap(_ context.Context, _ net.IP, transport domain.Transport, _ uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmapped = append(f.unmapped, transport)
	return nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, AttemptTimeout: 100 * time.Millisecond}
}

func newTestNegotiator(backends ...Backend) *Negotiator {
	n := NewNegotiator(NegotiatorConfig{
		Backends: backends,
		Policy:   fastPolicy(),
		Gateway:  domain.GatewayConfig{Address: "10.2.0.1"},
	})
	n.now = func() time.Time { return time.Unix(1700000000, 0) }
	return n
}

func params(chain ...domain.Strategy) Params {
	return Params{
		Chain:                 chain,
		InternalPort:          51820,
		PreferredExternalPort: 51820,
		Transport:             domain.TransportTCP,
		Lifetime:              time.Hour,
	}
}

var errTimeout = errors.New("i/o timeout")

func TestObtainFallsBackAfterFullRetrySequence(t *testing.T) {
	pcp := newFakeBackend(domain.StrategyPCP, mapResult{err: errTimeout})
	natpmp := newFakeBackend(domain.StrategyNATPMP, mapResult{grant: Grant{ExternalPort: 51820, Lifetime: 600 * time.Second}})

	n := newTestNegotiator(pcp, natpmp)
	m, err := n.Obtain(context.Background(), params(domain.StrategyPCP, domain.StrategyNATPMP))
	require.NoError(t, err)

	assert.Equal(t, 3, pcp.callCount(), "preferred backend runs its full retry sequence")
	assert.Equal(t, 1, natpmp.callCount())
	assert.Equal(t, domain.StrategyNATPMP, m.Source)
	assert.Equal(t, uint16(51820), m.ExternalPort)
	assert.Equal(t, 600*time.Second, m.Lifetime)
	assert.Equal(t, net.ParseIP("10.2.0.1").To4(), natpmp.gateway)
}

func TestObtainAllBackendsFail(t *testing.T) {
	pcp := newFakeBackend(domain.StrategyPCP, mapResult{err: errTimeout})
	natpmp := newFakeBackend(domain.StrategyNATPMP, mapResult{err: errTimeout})

	n := newTestNegotiator(pcp, natpmp)
	_, err := n.Obtain(context.Background(), params(domain.StrategyPCP, domain.StrategyNATPMP))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnsupportedEnvironment)

	assert.Equal(t, 3, pcp.callCount())
	assert.Equal(t, 3, natpmp.callCount(), "fallback gets exactly one full sequence")
}

func TestObtainSingleBackendTransient(t *testing.T) {
	natpmp := newFakeBackend(domain.StrategyNATPMP, mapResult{err: errTimeout})

	n := newTestNegotiator(natpmp)
	_, err := n.Obtain(context.Background(), params(domain.StrategyNATPMP))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransientNetwork)
	assert.Equal(t, 3, natpmp.callCount())
}

func TestObtainUnrecoverableSkipsRetries(t *testing.T) {
	pcp := newFakeBackend(domain.StrategyPCP, mapResult{err: unrecoverable("gateway only speaks NAT-PMP")})
	natpmp := newFakeBackend(domain.StrategyNATPMP, mapResult{grant: Grant{ExternalPort: 40000, Lifetime: time.Minute}})

	n := newTestNegotiator(pcp, natpmp)
	m, err := n.Obtain(context.Background(), params(domain.StrategyPCP, domain.StrategyNATPMP))
	require.NoError(t, err)
	assert.Equal(t, 1, pcp.callCount())
	assert.Equal(t, uint16(40000), m.ExternalPort)

	single := newTestNegotiator(newFakeBackend(domain.StrategyPCP, mapResult{err: unrecoverable("UNSUPP_VERSION")}))
	_, err = single.Obtain(context.Background(), params(domain.StrategyPCP))
	assert.ErrorIs(t, err, domain.ErrUnsupportedEnvironment)
}

func TestObtainRecoversWithinRetries(t *testing.T) {
	natpmp := newFakeBackend(domain.StrategyNATPMP, mapResult{grant: Grant{ExternalPort: 41000, Lifetime: time.Minute}})
	natpmp.results[domain.TransportTCP] = []mapResult{{err: errTimeout}}

	n := newTestNegotiator(natpmp)
	m, err := n.Obtain(context.Background(), params(domain.StrategyNATPMP))
	require.NoError(t, err)
	assert.Equal(t, 2, natpmp.callCount())
	assert.Equal(t, uint16(41000), m.ExternalPort)
}

func TestObtainPreferReordersChain(t *testing.T) {
	pcp := newFakeBackend(domain.StrategyPCP, mapResult{grant: Grant{ExternalPort: 1111, Lifetime: time.Minute}})
	natpmp := newFakeBackend(domain.StrategyNATPMP, mapResult{grant: Grant{ExternalPort: 2222, Lifetime: time.Minute}})

	n := newTestNegotiator(pcp, natpmp)
	p := params(domain.StrategyPCP, domain.StrategyNATPMP)
	p.Prefer = domain.StrategyNATPMP

	m, err := n.Obtain(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyNATPMP, m.Source)
	assert.Equal(t, 0, pcp.callCount())
}

func TestObtainRemappedPort(t *testing.T) {
	natpmp := newFakeBackend(domain.StrategyNATPMP, mapResult{grant: Grant{ExternalPort: 51821, Lifetime: 600 * time.Second}})

	n := newTestNegotiator(natpmp)
	m, err := n.Obtain(context.Background(), params(domain.StrategyNATPMP))
	require.NoError(t, err)
	assert.Equal(t, uint16(51821), m.ExternalPort)
	assert.Equal(t, uint16(51820), m.InternalPort)
	assert.True(t, m.Remapped())
}

func TestObtainBothTransports(t *testing.T) {
	tests := []struct {
		name         string
		tcp          mapResult
		udp          mapResult
		wantErr      bool
		wantPort     uint16
		wantLifetime time.Duration
	}{
		{
			name:         "both_succeed_tcp_port_wins",
			tcp:          mapResult{grant: Grant{ExternalPort: 50000, Lifetime: 600 * time.Second}},
			udp:          mapResult{grant: Grant{ExternalPort: 50001, Lifetime: 300 * time.Second}},
			wantPort:     50000,
			wantLifetime: 300 * time.Second,
		},
		{
			name:         "udp_only",
			tcp:          mapResult{err: errTimeout},
			udp:          mapResult{grant: Grant{ExternalPort: 50001, Lifetime: 300 * time.Second}},
			wantPort:     50001,
			wantLifetime: 300 * time.Second,
		},
		{
			name:         "lifetime_unknown_on_one",
			tcp:          mapResult{grant: Grant{ExternalPort: 50000}},
			udp:          mapResult{grant: Grant{ExternalPort: 50000, Lifetime: 120 * time.Second}},
			wantPort:     50000,
			wantLifetime: 120 * time.Second,
		},
		{
			name:    "neither",
			tcp:     mapResult{err: errTimeout},
			udp:     mapResult{err: errTimeout},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBackend(domain.StrategyNATPMP, mapResult{err: errTimeout})
			b.results[domain.TransportTCP] = []mapResult{tt.tcp}
			b.results[domain.TransportUDP] = []mapResult{tt.udp}

			n := newTestNegotiator(b)
			p := params(domain.StrategyNATPMP)
			p.Transport = domain.TransportBoth

			m, err := n.Obtain(context.Background(), p)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrTransientNetwork)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPort, m.ExternalPort)
			assert.Equal(t, tt.wantLifetime, m.Lifetime)
			assert.Equal(t, domain.TransportBoth, m.Transport)
		})
	}
}

func TestObtainGatewayResolution(t *testing.T) {
	backend := newFakeBackend(domain.StrategyNATPMP, mapResult{grant: Grant{ExternalPort: 1, Lifetime: time.Minute}})

	t.Run("autodiscover", func(t *testing.T) {
		n := NewNegotiator(NegotiatorConfig{Backends: []Backend{backend}, Policy: fastPolicy(), Gateway: domain.GatewayConfig{Autodiscover: true}})
		n.discover = func() (net.IP, error) { return net.ParseIP("10.8.0.1").To4(), nil }

		_, err := n.Obtain(context.Background(), params(domain.StrategyNATPMP))
		require.NoError(t, err)
		assert.Equal(t, net.ParseIP("10.8.0.1").To4(), backend.gateway)
	})

	t.Run("discovery_fails", func(t *testing.T) {
		n := NewNegotiator(NegotiatorConfig{Backends: []Backend{backend}, Policy: fastPolicy(), Gateway: domain.GatewayConfig{Autodiscover: true}})
		n.discover = func() (net.IP, error) { return nil, errors.New("no default route") }

		_, err := n.Obtain(context.Background(), params(domain.StrategyNATPMP))
		assert.ErrorIs(t, err, ErrNoGateway)
		assert.ErrorIs(t, err, domain.ErrUnsupportedEnvironment)
	})

	t.Run("disabled_without_address", func(t *testing.T) {
		n := NewNegotiator(NegotiatorConfig{Backends: []Backend{backend}, Policy: fastPolicy()})

		_, err := n.Obtain(context.Background(), params(domain.StrategyNATPMP))
		assert.ErrorIs(t, err, domain.ErrConfig)
	})
}

func TestObtainEmptyChain(t *testing.T) {
	n := newTestNegotiator()
	_, err := n.Obtain(context.Background(), params())
	assert.ErrorIs(t, err, domain.ErrUnsupportedEnvironment)
}

func TestObtainCancelled(t *testing.T) {
	natpmp := newFakeBackend(domain.StrategyNATPMP, mapResult{err: errTimeout})
	n := NewNegotiator(NegotiatorConfig{
		Backends: []Backend{natpmp},
		Policy:   RetryPolicy{Attempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour, AttemptTimeout: time.Second},
		Gateway:  domain.GatewayConfig{Address: "10.2.0.1"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	_, err := n.Obtain(ctx, params(domain.StrategyNATPMP))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRelease(t *testing.T) {
	natpmp := newFakeBackend(domain.StrategyNATPMP, mapResult{grant: Grant{ExternalPort: 50000, Lifetime: time.Minute}})
	n := newTestNegotiator(natpmp)

	p := params(domain.StrategyNATPMP)
	p.Transport = domain.TransportBoth
	m, err := n.Obtain(context.Background(), p)
	require.NoError(t, err)

	require.NoError(t, n.Release(context.Background(), m))
	assert.Equal(t, []domain.Transport{domain.TransportTCP, domain.TransportUDP}, natpmp.unmapped)

	fileMapping := domain.PortMapping{ExternalPort: 1, InternalPort: 1, Source: domain.StrategyFile}
	assert.NoError(t, n.Release(context.Background(), fileMapping))
}

func TestOrderChain(t *testing.T) {
	chain := []domain.Strategy{domain.StrategyPCP, domain.StrategyNATPMP}
	assert.Equal(t, chain, orderChain(chain, ""))
	assert.Equal(t, chain, orderChain(chain, domain.StrategyPCP))
	assert.Equal(t, []domain.Strategy{domain.StrategyNATPMP, domain.StrategyPCP}, orderChain(chain, domain.StrategyNATPMP))
	assert.Equal(t, chain, orderChain(chain, domain.StrategyFile))
}
