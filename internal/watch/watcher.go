// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package watch turns a forwarded port file into a stream of port mappings.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qb-port-sync/internal/domain"
)

// ErrSourceUnavailable means the watched file or its directory went away.
var ErrSourceUnavailable = fmt.Errorf("forwarded port file unavailable: %w", domain.ErrUnsupportedEnvironment)

const (
	DefaultDebounce      = 250 * time.Millisecond
	defaultSetupAttempts = 5
	defaultSetupDelay    = 200 * time.Millisecond
	defaultSetupMaxDelay = 3 * time.Second
)

type Config struct {
	Path     string
	Debounce time.Duration
	// SetupAttempts bounds how often establishing the watch is retried.
	SetupAttempts uint
	SetupDelay    time.Duration
}

// Watcher observes the parent directory of Path so atomic replaces are seen.
// Rapid rewrites within Debounce collapse into one read of the final content.
type Watcher struct {
	cfg      Config
	target   string
	mappings chan domain.PortMapping
	errs     chan error
	ready    chan struct{}
	now      func() time.Time
}

func New(cfg Config) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.SetupAttempts == 0 {
		cfg.SetupAttempts = defaultSetupAttempts
	}
	if cfg.SetupDelay <= 0 {
		cfg.SetupDelay = defaultSetupDelay
	}

	return &Watcher{
		cfg:      cfg,
		target:   filepath.Clean(cfg.Path),
		mappings: make(chan domain.PortMapping, 1),
		errs:     make(chan error, 1),
		ready:    make(chan struct{}),
		now:      time.Now,
	}
}

// Mappings yields one value per settled file change with valid content.
func (w *Watcher) Mappings() <-chan domain.PortMapping {
	return w.mappings
}

// Errors yields ErrInvalidPortFile, ErrSourceUnavailable and watcher errors. None of them stop Run.
func (w *Watcher) Errors() <-chan error {
	return w.errs
}

// Ready is closed once the directory watch is established.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run blocks until ctx is cancelled or the watched directory disappears.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.target)

	var fsw *fsnotify.Watcher
	err := retry.Do(
		func() error {
			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return err
			}
			if err := watcher.Add(dir); err != nil {
				watcher.Close()
				return err
			}
			fsw = watcher
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(w.cfg.SetupAttempts),
		retry.Delay(w.cfg.SetupDelay),
		retry.MaxDelay(defaultSetupMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Err(err).Uint("attempt", n+1).Str("dir", dir).Msg("Retrying forwarded port watch setup")
		}),
	)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("watch %s: %w: %v", dir, domain.ErrUnsupportedEnvironment, err)
	}
	defer fsw.Close()

	close(w.ready)
	log.Debug().Str("path", w.target).Dur("debounce", w.cfg.Debounce).Msg("Watching forwarded port file")

	if _, err := os.Stat(w.target); err == nil {
		w.read(ctx)
	}

	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return ErrSourceUnavailable
			}
			name := filepath.Clean(ev.Name)
			if name == filepath.Clean(dir) && (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
				log.Warn().Str("dir", dir).Msg("Forwarded port directory removed")
				return ErrSourceUnavailable
			}
			if name != w.target || ev.Op == fsnotify.Chmod {
				continue
			}
			log.Trace().Str("op", ev.Op.String()).Msg("Forwarded port file event")

			if debounce == nil {
				debounce = time.NewTimer(w.cfg.Debounce)
			} else {
				debounce.Reset(w.cfg.Debounce)
			}
			fire = debounce.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return ErrSourceUnavailable
			}
			w.sendErr(ctx, fmt.Errorf("watch %s: %w", dir, err))

		case <-fire:
			fire = nil
			w.read(ctx)
		}
	}
}

func (w *Watcher) read(ctx context.Context) {
	mapping, err := ReadOnce(w.target, w.now())
	if err != nil {
		w.sendErr(ctx, err)
		return
	}

	log.Debug().Uint16("port", mapping.ExternalPort).Msg("Forwarded port file settled")

	select {
	case w.mappings <- mapping:
	case <-ctx.Done():
	}
}

func (w *Watcher) sendErr(ctx context.Context, err error) {
	select {
	case w.errs <- err:
	case <-ctx.Done():
	}
}

// ReadOnce reads path and returns the mapping it describes.
func ReadOnce(path string, now time.Time) (domain.PortMapping, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.PortMapping{}, fmt.Errorf("%s: %w", path, ErrSourceUnavailable)
		}
		return domain.PortMapping{}, fmt.Errorf("read %s: %w", path, err)
	}

	port, err := ParsePort(string(content))
	if err != nil {
		return domain.PortMapping{}, err
	}

	return domain.NewPortMapping(int(port), int(port), domain.TransportBoth, 0, domain.StrategyFile, now)
}

// ParsePort accepts a decimal port in 1..65535 surrounded by optional whitespace.
func ParsePort(content string) (uint16, error) {
	value := strings.TrimSpace(content)
	if value == "" {
		return 0, fmt.Errorf("%w: empty", domain.ErrInvalidPortFile)
	}

	port, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", domain.ErrInvalidPortFile, value)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: %d out of range", domain.ErrInvalidPortFile, port)
	}

	return uint16(port), nil
}

// Readable reports whether path currently holds something we can open.
func Readable(path string) bool {
	if path == "" {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// DirExists reports whether the parent directory of path exists.
func DirExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(filepath.Dir(path))
	return err == nil && info.IsDir()
}
