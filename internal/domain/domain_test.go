// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{in: "", want: StrategyAuto},
		{in: "AUTO", want: StrategyAuto},
		{in: "file", want: StrategyFile},
		{in: " pcp ", want: StrategyPCP},
		{in: "nat-pmp", want: StrategyNATPMP},
		{in: "natpmp", want: StrategyNATPMP},
		{in: "upnp", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStrategy(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTransport(t *testing.T) {
	got, err := ParseTransport("both")
	require.NoError(t, err)
	assert.Equal(t, TransportBoth, got)
	assert.Equal(t, []Transport{TransportTCP, TransportUDP}, got.Split())

	got, err = ParseTransport("")
	require.NoError(t, err)
	assert.Equal(t, TransportTCP, got)

	_, err = ParseTransport("sctp")
	assert.ErrorIs(t, err, ErrConfig)
}

func TestNewPortMapping(t *testing.T) {
	now := time.Unix(1700000000, 0)

	m, err := NewPortMapping(51821, 51820, TransportTCP, 600*time.Second, StrategyNATPMP, now)
	require.NoError(t, err)
	assert.True(t, m.HasLease())
	assert.True(t, m.Remapped())
	assert.Equal(t, now.Add(10*time.Minute), m.ExpiresAt())
	assert.Equal(t, "TCP 51821->51820 ttl=600s", m.String())

	m, err = NewPortMapping(40000, 40000, TransportBoth, 0, StrategyFile, now)
	require.NoError(t, err)
	assert.False(t, m.HasLease())
	assert.True(t, m.ExpiresAt().IsZero())

	_, err = NewPortMapping(0, 1, TransportTCP, 0, StrategyFile, now)
	assert.Error(t, err)
	_, err = NewPortMapping(1, 65536, TransportTCP, 0, StrategyFile, now)
	assert.Error(t, err)
	_, err = NewPortMapping(1, 1, TransportTCP, -time.Second, StrategyFile, now)
	assert.Error(t, err)
}

func TestSyncResultLine(t *testing.T) {
	r := SyncResult{Strategy: StrategyNATPMP, Applied: true, Verified: true}
	r.SetPort(51820)
	r.AddNote("ttl=600s")

	line, err := r.Line()
	require.NoError(t, err)
	assert.JSONEq(t, `{"strategy":"natpmp","detected_port":51820,"applied":true,"verified":true,"note":"ttl=600s"}`, line)

	empty := SyncResult{Strategy: StrategyAuto, Error: "boom"}
	empty.AddNote("a")
	empty.AddNote("")
	empty.AddNote("b")

	line, err = empty.Line()
	require.NoError(t, err)
	assert.JSONEq(t, `{"strategy":"auto","applied":false,"verified":false,"note":"a; b","error":"boom"}`, line)
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, ExitSuccess, ClassifyError(nil))
	assert.Equal(t, ExitConfig, ClassifyError(fmt.Errorf("load: %w", ErrConfig)))
	assert.Equal(t, ExitUnsupported, ClassifyError(fmt.Errorf("resolve: %w", ErrUnsupportedEnvironment)))
	assert.Equal(t, ExitTransient, ClassifyError(ErrAuth))
	assert.Equal(t, ExitTransient, ClassifyError(errors.New("anything else")))
}
