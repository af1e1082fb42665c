// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package qbittorrent applies and verifies the listening port through the qBittorrent Web API.
package qbittorrent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qb-port-sync/internal/buildinfo"
	"github.com/autobrr/qb-port-sync/internal/domain"
)

var networkInterfaceListMinVersion = semver.MustParse("2.3.0")

const (
	defaultTimeout       = 15 * time.Second
	defaultRetryAttempts = 3
	defaultRetryDelay    = 500 * time.Millisecond
	maxBodySize          = 4 << 20
)

// errSessionExpired is returned by a request that was answered with 403.
var errSessionExpired = errors.New("session expired")

type Config struct {
	BaseURL       string
	Username      string
	Password      string
	Timeout       time.Duration
	TLSSkipVerify bool

	// RetryAttempts and RetryDelay bound transport-level retries of a single request.
	RetryAttempts uint
	RetryDelay    time.Duration
}

// Session is an authenticated Web API session. The zero value is not established.
type Session struct {
	Cookie        *http.Cookie
	BaseURL       string
	EstablishedAt time.Time
	WebAPIVersion *semver.Version
}

// Established reports whether Authenticate produced this session.
func (s Session) Established() bool {
	return !s.EstablishedAt.IsZero()
}

// Client talks to one qBittorrent instance. Every request carries Referer and
// Origin headers matching the base URL so CSRF protection accepts it.
type Client struct {
	cfg     Config
	baseURL *url.URL
	origin  string
	http    *http.Client
	now     func() time.Time
}

func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid qBittorrent base URL %q", domain.ErrConfig, cfg.BaseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- opt-in for self-signed WebUI certificates
	}

	return &Client{
		cfg:     cfg,
		baseURL: u,
		origin:  u.Scheme + "://" + u.Host,
		http:    &http.Client{Timeout: cfg.Timeout, Transport: transport},
		now:     time.Now,
	}, nil
}

// Authenticate logs in and returns a fresh session.
func (c *Client) Authenticate(ctx context.Context) (Session, error) {
	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)

	resp, body, err := c.do(ctx, nil, http.MethodPost, "/api/v2/auth/login", form)
	if err != nil {
		return Session{}, err
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return Session{}, fmt.Errorf("%w: too many failed attempts, qBittorrent banned this client", domain.ErrAuth)
	case resp.StatusCode != http.StatusOK:
		return Session{}, fmt.Errorf("%w: login returned %s", domain.ErrTransientNetwork, resp.Status)
	case strings.TrimSpace(string(body)) != "Ok.":
		return Session{}, fmt.Errorf("%w: credentials rejected", domain.ErrAuth)
	}

	sess := Session{
		Cookie:        sessionCookie(resp.Cookies()),
		BaseURL:       c.baseURL.String(),
		EstablishedAt: c.now(),
	}

	if version, err := c.webAPIVersion(ctx, sess); err != nil {
		log.Debug().Err(err).Msg("Could not read qBittorrent WebAPI version")
	} else {
		sess.WebAPIVersion = version
	}

	log.Debug().
		Str("baseUrl", sess.BaseURL).
		Bool("cookie", sess.Cookie != nil).
		Str("webAPIVersion", versionString(sess.WebAPIVersion)).
		Msg("Authenticated with qBittorrent")

	return sess, nil
}

func (c *Client) webAPIVersion(ctx context.Context, sess Session) (*semver.Version, error) {
	resp, body, err := c.do(ctx, &sess, http.MethodGet, "/api/v2/app/webapiVersion", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webapiVersion returned %s", resp.Status)
	}
	return semver.NewVersion(strings.TrimSpace(string(body)))
}

// sessionCookie picks SID or the QBT_SID_<port> variant newer releases use.
func sessionCookie(cookies []*http.Cookie) *http.Cookie {
	for _, ck := range cookies {
		if ck.Name == "SID" || strings.HasPrefix(ck.Name, "QBT_SID_") {
			return &http.Cookie{Name: ck.Name, Value: ck.Value}
		}
	}
	return nil
}

// call performs an authenticated request. A 403 means the session expired:
// the client logs in again once and repeats the request once.
func (c *Client) call(ctx context.Context, sess Session, method, path string, form url.Values) (Session, []byte, error) {
	if !sess.Established() {
		fresh, err := c.Authenticate(ctx)
		if err != nil {
			return Session{}, nil, err
		}
		sess = fresh
	}

	body, err := c.callOnce(ctx, sess, method, path, form)
	if !errors.Is(err, errSessionExpired) {
		return sess, body, err
	}

	log.Debug().Str("path", path).Msg("qBittorrent session expired, re-authenticating")

	fresh, err := c.Authenticate(ctx)
	if err != nil {
		return Session{}, nil, err
	}

	body, err = c.callOnce(ctx, fresh, method, path, form)
	if errors.Is(err, errSessionExpired) {
		return Session{}, nil, fmt.Errorf("%w: %s rejected right after login", domain.ErrAuth, path)
	}
	return fresh, body, err
}

func (c *Client) callOnce(ctx context.Context, sess Session, method, path string, form url.Values) ([]byte, error) {
	resp, body, err := c.do(ctx, &sess, method, path, form)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return nil, errSessionExpired
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s not supported by this qBittorrent version", path)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s returned %s", domain.ErrTransientNetwork, path, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%s returned %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}

	return body, nil
}

// do sends one request, retrying transport failures with backoff.
func (c *Client) do(ctx context.Context, sess *Session, method, path string, form url.Values) (*http.Response, []byte, error) {
	var (
		resp *http.Response
		body []byte
	)

	err := retry.Do(
		func() error {
			req, err := c.newRequest(ctx, sess, method, path, form)
			if err != nil {
				return retry.Unrecoverable(err)
			}

			r, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer r.Body.Close()

			b, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
			if err != nil {
				return err
			}

			resp, body = r, b
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.cfg.RetryAttempts),
		retry.Delay(c.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Err(err).Uint("attempt", n+1).Str("path", path).Msg("qBittorrent request failed, retrying")
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil, fmt.Errorf("%w: %s %s: %v", domain.ErrTransientNetwork, method, path, err)
		}
		return nil, nil, errors.Wrapf(err, "%s %s", method, path)
	}

	return resp, body, nil
}

func (c *Client) newRequest(ctx context.Context, sess *Session, method, path string, form url.Values) (*http.Request, error) {
	endpoint := c.baseURL.String() + path

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}

	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Referer", c.baseURL.String())
	req.Header.Set("Origin", c.origin)
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	if sess != nil && sess.Cookie != nil {
		req.AddCookie(sess.Cookie)
	}

	return req, nil
}

func (c *Client) getJSON(ctx context.Context, sess Session, path string, v any) (Session, error) {
	sess, body, err := c.call(ctx, sess, http.MethodGet, path, nil)
	if err != nil {
		return sess, err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return sess, errors.Wrapf(err, "decode %s", path)
	}
	return sess, nil
}

func versionString(v *semver.Version) string {
	if v == nil {
		return "unknown"
	}
	return v.String()
}
