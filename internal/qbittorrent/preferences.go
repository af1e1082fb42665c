// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qb-port-sync/internal/domain"
)

// Preferences holds the subset of app/preferences this tool reads.
type Preferences struct {
	ListenPort              int    `json:"listen_port"`
	RandomPort              bool   `json:"random_port"`
	Upnp                    bool   `json:"upnp"`
	CurrentNetworkInterface string `json:"current_network_interface"`
}

// NetworkInterface is one entry of app/networkInterfaceList.
type NetworkInterface struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ApplyResult describes what Apply changed.
type ApplyResult struct {
	// Written is false when every preference already matched.
	Written bool
	// BindingUnavailable is set when the requested interface could not be selected.
	BindingUnavailable bool
	Changed            []string
}

type VerifyStatus int

const (
	Verified VerifyStatus = iota
	Mismatch
	BindingUnavailable
)

func (s VerifyStatus) String() string {
	switch s {
	case Verified:
		return "verified"
	case Mismatch:
		return "mismatch"
	case BindingUnavailable:
		return "binding_unavailable"
	default:
		return "unknown"
	}
}

// Verification is the read-back state after applying.
type Verification struct {
	Status     VerifyStatus
	ActualPort int
	RandomPort bool
	Upnp       bool
	Interface  string
}

// Preferences reads the current preferences.
func (c *Client) Preferences(ctx context.Context, sess Session) (Session, Preferences, error) {
	var prefs Preferences
	sess, err := c.getJSON(ctx, sess, "/api/v2/app/preferences", &prefs)
	return sess, prefs, err
}

// NetworkInterfaces lists the interfaces qBittorrent can bind to.
func (c *Client) NetworkInterfaces(ctx context.Context, sess Session) (Session, []NetworkInterface, error) {
	if sess.WebAPIVersion != nil && sess.WebAPIVersion.LessThan(networkInterfaceListMinVersion) {
		return sess, nil, fmt.Errorf("networkInterfaceList needs WebAPI %s, have %s", networkInterfaceListMinVersion, sess.WebAPIVersion)
	}

	var ifaces []NetworkInterface
	sess, err := c.getJSON(ctx, sess, "/api/v2/app/networkInterfaceList", &ifaces)
	return sess, ifaces, err
}

// Apply sets the listening port from mapping, disables random port and UPnP, and
// selects bindInterface when given. Only keys that differ are written.
func (c *Client) Apply(ctx context.Context, sess Session, mapping domain.PortMapping, bindInterface string) (Session, ApplyResult, error) {
	var result ApplyResult

	sess, prefs, err := c.Preferences(ctx, sess)
	if err != nil {
		return sess, result, err
	}

	changes := map[string]any{}
	if prefs.ListenPort != int(mapping.ExternalPort) {
		changes["listen_port"] = int(mapping.ExternalPort)
	}
	if prefs.RandomPort {
		changes["random_port"] = false
	}
	if prefs.Upnp {
		changes["upnp"] = false
	}

	if bindInterface != "" {
		var value string
		var found bool
		sess, value, found, err = c.resolveInterface(ctx, sess, bindInterface)
		switch {
		case errors.Is(err, domain.ErrAuth):
			return sess, result, err
		case err != nil:
			log.Warn().Err(err).Str("interface", bindInterface).Msg("Could not list qBittorrent network interfaces")
			result.BindingUnavailable = true
		case !found:
			log.Warn().Str("interface", bindInterface).Msg("qBittorrent does not know the requested network interface")
			result.BindingUnavailable = true
		case prefs.CurrentNetworkInterface != value:
			changes["current_network_interface"] = value
		}
	}

	if len(changes) == 0 {
		log.Debug().Int("port", prefs.ListenPort).Msg("qBittorrent preferences already current")
		return sess, result, nil
	}

	payload, err := json.Marshal(changes)
	if err != nil {
		return sess, result, errors.Wrap(err, "encode preferences")
	}

	form := url.Values{}
	form.Set("json", string(payload))

	sess, _, err = c.call(ctx, sess, http.MethodPost, "/api/v2/app/setPreferences", form)
	if err != nil {
		return sess, result, err
	}

	for key := range changes {
		result.Changed = append(result.Changed, key)
	}
	slices.Sort(result.Changed)
	result.Written = true

	log.Info().
		Uint16("port", mapping.ExternalPort).
		Int("previousPort", prefs.ListenPort).
		Strs("changed", result.Changed).
		Msg("Applied qBittorrent preferences")

	return sess, result, nil
}

// Verify re-reads preferences and compares them to what was applied.
func (c *Client) Verify(ctx context.Context, sess Session, expectedPort uint16, bindInterface string) (Session, Verification, error) {
	sess, prefs, err := c.Preferences(ctx, sess)
	if err != nil {
		return sess, Verification{}, err
	}

	v := Verification{
		Status:     Verified,
		ActualPort: prefs.ListenPort,
		RandomPort: prefs.RandomPort,
		Upnp:       prefs.Upnp,
		Interface:  prefs.CurrentNetworkInterface,
	}

	if prefs.ListenPort != int(expectedPort) {
		v.Status = Mismatch
		return sess, v, nil
	}

	if bindInterface != "" && prefs.CurrentNetworkInterface != bindInterface {
		var value string
		var found bool
		sess, value, found, err = c.resolveInterface(ctx, sess, bindInterface)
		if errors.Is(err, domain.ErrAuth) {
			return sess, Verification{}, err
		}
		if err != nil || !found || value != prefs.CurrentNetworkInterface {
			v.Status = BindingUnavailable
		}
	}

	return sess, v, nil
}

// resolveInterface matches want against interface names and values.
func (c *Client) resolveInterface(ctx context.Context, sess Session, want string) (Session, string, bool, error) {
	sess, ifaces, err := c.NetworkInterfaces(ctx, sess)
	if err != nil {
		return sess, "", false, err
	}

	for _, iface := range ifaces {
		if iface.Value == want || strings.EqualFold(iface.Name, want) {
			return sess, iface.Value, true, nil
		}
	}
	return sess, "", false, nil
}
