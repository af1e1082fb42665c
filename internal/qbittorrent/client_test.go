// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qb-port-sync/internal/buildinfo"
	"github.com/autobrr/qb-port-sync/internal/domain"
)

type fakeQbit struct {
	mu sync.Mutex

	username   string
	password   string
	version    string
	cookieName string
	sid        string
	prefs      Preferences
	ifaces     []NetworkInterface
	// pinnedPort makes setPreferences ignore listen_port.
	pinnedPort bool
	// expireNext answers that many preference requests with 403 and drops the session.
	expireNext int
	// rejectSession answers every preference request with 403.
	rejectSession bool
	banned        bool

	logins   int
	sets     int
	lastSet  map[string]any
	requests []*http.Request
}

func newFakeQbit() *fakeQbit {
	return &fakeQbit{
		username:   "admin",
		password:   "adminadmin",
		version:    "2.11.2",
		cookieName: "SID",
		prefs:      Preferences{ListenPort: 6881, RandomPort: true, Upnp: true},
	}
}

func (f *fakeQbit) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, r.Clone(context.Background()))

	if r.URL.Path == "/api/v2/auth/login" {
		f.logins++
		if f.banned {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = r.ParseForm()
		if r.PostForm.Get("username") != f.username || r.PostForm.Get("password") != f.password {
			fmt.Fprint(w, "Fails.")
			return
		}
		f.sid = fmt.Sprintf("session-%d", f.logins)
		http.SetCookie(w, &http.Cookie{Name: f.cookieName, Value: f.sid, Path: "/"})
		fmt.Fprint(w, "Ok.")
		return
	}

	ck, err := r.Cookie(f.cookieName)
	if err != nil || ck.Value != f.sid || f.sid == "" {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/v2/app/") && r.URL.Path != "/api/v2/app/webapiVersion" {
		if f.rejectSession {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if f.expireNext > 0 {
			f.expireNext--
			f.sid = ""
			w.WriteHeader(http.StatusForbidden)
			return
		}
	}

	switch r.URL.Path {
	case "/api/v2/app/webapiVersion":
		fmt.Fprint(w, f.version)
	case "/api/v2/app/preferences":
		_ = json.NewEncoder(w).Encode(f.prefs)
	case "/api/v2/app/networkInterfaceList":
		_ = json.NewEncoder(w).Encode(f.ifaces)
	case "/api/v2/app/setPreferences":
		_ = r.ParseForm()
		var changes map[string]any
		if err := json.Unmarshal([]byte(r.PostForm.Get("json")), &changes); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.sets++
		f.lastSet = changes
		if v, ok := changes["listen_port"].(float64); ok && !f.pinnedPort {
			f.prefs.ListenPort = int(v)
		}
		if v, ok := changes["random_port"].(bool); ok {
			f.prefs.RandomPort = v
		}
		if v, ok := changes["upnp"].(bool); ok {
			f.prefs.Upnp = v
		}
		if v, ok := changes["current_network_interface"].(string); ok {
			f.prefs.CurrentNetworkInterface = v
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeQbit) snapshot() (logins, sets int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins, f.sets
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:       baseURL,
		Username:      "admin",
		Password:      "adminadmin",
		Timeout:       2 * time.Second,
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func mapping(port uint16) domain.PortMapping {
	return domain.PortMapping{ExternalPort: port, InternalPort: port, Transport: domain.TransportBoth, Source: domain.StrategyFile}
}

func TestAuthenticate(t *testing.T) {
	fake := newFakeQbit()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/")
	sess, err := c.Authenticate(context.Background())
	require.NoError(t, err)

	assert.True(t, sess.Established())
	require.NotNil(t, sess.Cookie)
	assert.Equal(t, "SID", sess.Cookie.Name)
	require.NotNil(t, sess.WebAPIVersion)
	assert.Equal(t, "2.11.2", sess.WebAPIVersion.String())
	assert.Equal(t, srv.URL, sess.BaseURL)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	for _, r := range fake.requests {
		assert.Equal(t, srv.URL, r.Header.Get("Referer"))
		assert.Equal(t, srv.URL, r.Header.Get("Origin"))
		assert.Equal(t, buildinfo.UserAgent, r.Header.Get("User-Agent"))
	}
}

func TestAuthenticateFailures(t *testing.T) {
	t.Run("bad_credentials", func(t *testing.T) {
		fake := newFakeQbit()
		fake.password = "other"
		srv := httptest.NewServer(fake)
		defer srv.Close()

		_, err := newTestClient(t, srv.URL).Authenticate(context.Background())
		assert.ErrorIs(t, err, domain.ErrAuth)
	})

	t.Run("banned", func(t *testing.T) {
		fake := newFakeQbit()
		fake.banned = true
		srv := httptest.NewServer(fake)
		defer srv.Close()

		_, err := newTestClient(t, srv.URL).Authenticate(context.Background())
		assert.ErrorIs(t, err, domain.ErrAuth)
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(newFakeQbit())
		url := srv.URL
		srv.Close()

		_, err := newTestClient(t, url).Authenticate(context.Background())
		assert.ErrorIs(t, err, domain.ErrTransientNetwork)
	})
}

func TestQbtSIDCookieVariant(t *testing.T) {
	fake := newFakeQbit()
	fake.cookieName = "QBT_SID_8080"
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	sess, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sess.Cookie)
	assert.Equal(t, "QBT_SID_8080", sess.Cookie.Name)

	_, prefs, err := c.Preferences(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, 6881, prefs.ListenPort)
}

func TestApplyAndVerify(t *testing.T) {
	fake := newFakeQbit()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	sess, res, err := c.Apply(ctx, Session{}, mapping(51820), "")
	require.NoError(t, err)
	assert.True(t, res.Written)
	assert.Equal(t, []string{"listen_port", "random_port", "upnp"}, res.Changed)

	fake.mu.Lock()
	assert.Equal(t, map[string]any{"listen_port": float64(51820), "random_port": false, "upnp": false}, fake.lastSet)
	fake.mu.Unlock()

	sess, v, err := c.Verify(ctx, sess, 51820, "")
	require.NoError(t, err)
	assert.Equal(t, Verified, v.Status)
	assert.Equal(t, 51820, v.ActualPort)
	assert.False(t, v.RandomPort)
	assert.False(t, v.Upnp)

	_, setsBefore := fake.snapshot()
	sess, res, err = c.Apply(ctx, sess, mapping(51820), "")
	require.NoError(t, err)
	assert.False(t, res.Written, "no write when already current")
	_, setsAfter := fake.snapshot()
	assert.Equal(t, setsBefore, setsAfter)

	_, v, err = c.Verify(ctx, sess, 51820, "")
	require.NoError(t, err)
	assert.Equal(t, Verified, v.Status)

	logins, _ := fake.snapshot()
	assert.Equal(t, 1, logins, "session is reused")
}

func TestVerifyMismatch(t *testing.T) {
	fake := newFakeQbit()
	fake.pinnedPort = true
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	sess, _, err := c.Apply(context.Background(), Session{}, mapping(51820), "")
	require.NoError(t, err)

	_, v, err := c.Verify(context.Background(), sess, 51820, "")
	require.NoError(t, err)
	assert.Equal(t, Mismatch, v.Status)
	assert.Equal(t, 6881, v.ActualPort)
}

func TestSessionExpiryReauthenticatesOnce(t *testing.T) {
	fake := newFakeQbit()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	sess, err := c.Authenticate(context.Background())
	require.NoError(t, err)

	fake.mu.Lock()
	fake.expireNext = 1
	fake.mu.Unlock()

	next, _, err := c.Apply(context.Background(), sess, mapping(40000), "")
	require.NoError(t, err)
	assert.NotEqual(t, sess.Cookie.Value, next.Cookie.Value)

	logins, sets := fake.snapshot()
	assert.Equal(t, 2, logins)
	assert.Equal(t, 1, sets)
}

func TestPersistentForbiddenIsAuthError(t *testing.T) {
	fake := newFakeQbit()
	fake.rejectSession = true
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	sess, err := c.Authenticate(context.Background())
	require.NoError(t, err)

	_, _, err = c.Apply(context.Background(), sess, mapping(40000), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuth)

	logins, sets := fake.snapshot()
	assert.Equal(t, 2, logins, "exactly one re-authentication")
	assert.Zero(t, sets)
}

func TestInterfaceBinding(t *testing.T) {
	tests := []struct {
		name        string
		version     string
		ifaces      []NetworkInterface
		want        string
		wantWritten string
		unavailable bool
		status      VerifyStatus
	}{
		{
			name:        "by_name",
			version:     "2.9.3",
			ifaces:      []NetworkInterface{{Name: "eth0", Value: "eth0"}, {Name: "wg0", Value: "wg0"}},
			want:        "wg0",
			wantWritten: "wg0",
			status:      Verified,
		},
		{
			name:        "by_value",
			version:     "2.9.3",
			ifaces:      []NetworkInterface{{Name: "ProtonVPN", Value: "{5A1C}"}},
			want:        "{5A1C}",
			wantWritten: "{5A1C}",
			status:      Verified,
		},
		{
			name:        "unknown_interface",
			version:     "2.9.3",
			ifaces:      []NetworkInterface{{Name: "eth0", Value: "eth0"}},
			want:        "tun9",
			unavailable: true,
			status:      BindingUnavailable,
		},
		{
			name:        "old_webapi",
			version:     "2.2.0",
			ifaces:      []NetworkInterface{{Name: "wg0", Value: "wg0"}},
			want:        "wg0",
			unavailable: true,
			status:      BindingUnavailable,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeQbit()
			fake.version = tt.version
			fake.ifaces = tt.ifaces
			srv := httptest.NewServer(fake)
			defer srv.Close()

			c := newTestClient(t, srv.URL)
			sess, res, err := c.Apply(context.Background(), Session{}, mapping(50000), tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.unavailable, res.BindingUnavailable)

			fake.mu.Lock()
			assert.Equal(t, tt.wantWritten, fake.prefs.CurrentNetworkInterface)
			fake.mu.Unlock()

			_, v, err := c.Verify(context.Background(), sess, 50000, tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.status, v.Status)
		})
	}
}

func TestBaseURLWithPath(t *testing.T) {
	fake := newFakeQbit()
	mux := http.NewServeMux()
	mux.Handle("/qbittorrent/", http.StripPrefix("/qbittorrent", fake))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/qbittorrent/")
	_, _, err := c.Apply(context.Background(), Session{}, mapping(45000), "")
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.NotEmpty(t, fake.requests)
	assert.Equal(t, srv.URL+"/qbittorrent", fake.requests[0].Header.Get("Referer"))
	assert.Equal(t, srv.URL, fake.requests[0].Header.Get("Origin"))
	assert.Equal(t, 45000, fake.prefs.ListenPort)
}

func TestNewClientRejectsInvalidURL(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "localhost:8080"})
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestSessionCookie(t *testing.T) {
	assert.Nil(t, sessionCookie(nil))
	assert.Nil(t, sessionCookie([]*http.Cookie{{Name: "other", Value: "x"}}))
	ck := sessionCookie([]*http.Cookie{{Name: "other"}, {Name: "QBT_SID_443", Value: "abc"}})
	require.NotNil(t, ck)
	assert.Equal(t, "abc", ck.Value)
}
