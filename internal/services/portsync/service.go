// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package portsync keeps qBittorrent's listening port equal to the forwarded port.
package portsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/qb-port-sync/internal/domain"
	"github.com/autobrr/qb-port-sync/internal/portmap"
	"github.com/autobrr/qb-port-sync/internal/qbittorrent"
	"github.com/autobrr/qb-port-sync/internal/strategy"
	"github.com/autobrr/qb-port-sync/internal/watch"
)

// Config controls the sync service behaviour.
type Config struct {
	Strategy     domain.Strategy
	Capabilities strategy.Capabilities

	ForwardedPortPath string
	Debounce          time.Duration
	// FileWait bounds how long a one-shot run waits for the file to appear.
	FileWait time.Duration

	InternalPort  uint16
	Transport     domain.Transport
	Lifetime      time.Duration
	BindInterface string
	ReleaseOnExit bool

	// RefreshInterval is the fallback cadence for unleased mappings and failed cycles.
	RefreshInterval time.Duration
	// ApplyTimeout bounds one apply+verify pass, which survives cancellation.
	ApplyTimeout time.Duration
	// ReleaseTimeout bounds the mapping release on shutdown.
	ReleaseTimeout time.Duration
}

// DefaultConfig returns the default sync configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:        domain.StrategyAuto,
		Capabilities:    strategy.Compiled(),
		Debounce:        watch.DefaultDebounce,
		FileWait:        30 * time.Second,
		Transport:       domain.TransportTCP,
		Lifetime:        time.Hour,
		RefreshInterval: defaultRefreshInterval,
		ApplyTimeout:    30 * time.Second,
		ReleaseTimeout:  5 * time.Second,
	}
}

// PortClient applies and verifies the port in qBittorrent.
type PortClient interface {
	Authenticate(ctx context.Context) (qbittorrent.Session, error)
	Apply(ctx context.Context, sess qbittorrent.Session, mapping domain.PortMapping, bindInterface string) (qbittorrent.Session, qbittorrent.ApplyResult, error)
	Verify(ctx context.Context, sess qbittorrent.Session, expectedPort uint16, bindInterface string) (qbittorrent.Session, qbittorrent.Verification, error)
}

// Negotiator obtains and releases gateway mappings.
type Negotiator interface {
	Obtain(ctx context.Context, p portmap.Params) (domain.PortMapping, error)
	Release(ctx context.Context, mapping domain.PortMapping) error
}

// FileSource yields mappings from the forwarded port file.
type FileSource interface {
	Run(ctx context.Context) error
	Mappings() <-chan domain.PortMapping
	Errors() <-chan error
}

// Reporter publishes state and cycle outcomes. Implementations must be goroutine-safe.
type Reporter interface {
	SetState(state State)
	RecordResult(result domain.SyncResult, at time.Time)
}

type nopReporter struct{}

func (nopReporter) SetState(State)                          {}
func (nopReporter) RecordResult(domain.SyncResult, time.Time) {}

// Service runs sync cycles. Everything except State is owned by the goroutine
// calling RunOnce or Run.
type Service struct {
	cfg        Config
	client     PortClient
	negotiator Negotiator
	reporter   Reporter
	scheduler  Scheduler

	now        func() time.Time
	probe      func(path string) strategy.Environment
	readFile   func(path string, now time.Time) (domain.PortMapping, error)
	newWatcher func(path string, debounce time.Duration) FileSource

	state   atomic.Int32
	session qbittorrent.Session
	current *domain.PortMapping
	plan    strategy.Plan

	watchCancel context.CancelFunc
	watchDone   chan error
	watchWG     sync.WaitGroup
	mappings    <-chan domain.PortMapping
	watchErrs   <-chan error
}

// NewService creates a sync service. reporter may be nil.
func NewService(cfg Config, client PortClient, negotiator Negotiator, reporter Reporter) *Service {
	defaults := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = defaults.Strategy
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaults.Debounce
	}
	if cfg.FileWait < 0 {
		cfg.FileWait = 0
	}
	if cfg.Transport == "" {
		cfg.Transport = defaults.Transport
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = defaults.Lifetime
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaults.RefreshInterval
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = defaults.ApplyTimeout
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = defaults.ReleaseTimeout
	}
	if reporter == nil {
		reporter = nopReporter{}
	}

	return &Service{
		cfg:        cfg,
		client:     client,
		negotiator: negotiator,
		reporter:   reporter,
		scheduler:  NewScheduler(cfg.RefreshInterval),
		now:        time.Now,
		probe:      strategy.Probe,
		readFile:   watch.ReadOnce,
		newWatcher: func(path string, debounce time.Duration) FileSource {
			return watch.New(watch.Config{Path: path, Debounce: debounce})
		},
	}
}

// State returns the current daemon state.
func (s *Service) State() State {
	return State(s.state.Load())
}

func (s *Service) setState(to State) {
	from := s.State()
	if from == to {
		return
	}
	if !from.CanTransition(to) {
		log.Error().Str("from", from.String()).Str("to", to.String()).Msg("portsync: illegal state transition")
	}
	s.state.Store(int32(to))
	s.reporter.SetState(to)
	log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("portsync: state changed")
}

// RunOnce performs a single cycle and returns its result. The returned error
// is also recorded in the result. A read-back mismatch is not an error: the
// result carries Verified=false and the mismatch note.
func (s *Service) RunOnce(ctx context.Context) (domain.SyncResult, error) {
	result := domain.SyncResult{Strategy: s.cfg.Strategy}

	fail := func(err error) (domain.SyncResult, error) {
		result.Error = err.Error()
		s.setState(StateDegraded)
		s.reporter.RecordResult(result, s.now())
		return result, err
	}

	s.setState(StateNegotiating)

	plan, err := strategy.Resolve(s.cfg.Strategy, s.cfg.Capabilities, s.probe(s.cfg.ForwardedPortPath))
	if err != nil {
		return fail(err)
	}
	s.plan = plan
	result.Strategy = plan.Source

	var mapping domain.PortMapping
	if plan.Negotiated() {
		mapping, err = s.negotiator.Obtain(ctx, s.params())
	} else {
		mapping, err = s.waitForFile(ctx)
	}
	if err != nil {
		return fail(err)
	}

	result.Strategy = mapping.Source
	result.SetPort(mapping.ExternalPort)
	addMappingNotes(&result, mapping, nil)

	if err := s.applyAndVerify(ctx, mapping, &result, true); err != nil {
		if !errors.Is(err, domain.ErrVerificationMismatch) {
			return fail(err)
		}
		// reported in the result, not fatal
		log.Warn().Err(err).Msg("portsync: listen port not verified")
		s.setState(StateDegraded)
		s.reporter.RecordResult(result, s.now())
		return result, nil
	}

	s.current = &mapping
	s.setState(StateSteady)
	s.reporter.RecordResult(result, s.now())
	return result, nil
}

// waitForFile reads the forwarded port file, waiting up to FileWait for it to appear.
func (s *Service) waitForFile(ctx context.Context) (domain.PortMapping, error) {
	mapping, err := s.readFile(s.cfg.ForwardedPortPath, s.now())
	if err == nil || !errors.Is(err, watch.ErrSourceUnavailable) || s.cfg.FileWait <= 0 {
		return mapping, err
	}

	log.Info().Str("path", s.cfg.ForwardedPortPath).Dur("wait", s.cfg.FileWait).Msg("Waiting for forwarded port file")

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.FileWait)
	defer cancel()

	src := s.newWatcher(s.cfg.ForwardedPortPath, s.cfg.Debounce)
	done := make(chan error, 1)
	go func() {
		done <- src.Run(waitCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	for {
		select {
		case m := <-src.Mappings():
			return m, nil
		case werr := <-src.Errors():
			if errors.Is(werr, domain.ErrInvalidPortFile) {
				return domain.PortMapping{}, werr
			}
			log.Debug().Err(werr).Msg("Forwarded port file not ready")
		case werr := <-done:
			done <- werr
			if werr != nil {
				return domain.PortMapping{}, werr
			}
			return domain.PortMapping{}, err
		case <-waitCtx.Done():
			if ctxErr := ctx.Err(); ctxErr != nil {
				return domain.PortMapping{}, ctxErr
			}
			return domain.PortMapping{}, fmt.Errorf("no forwarded port after %s: %w", s.cfg.FileWait, err)
		}
	}
}

// Run is the daemon loop. It returns nil on cancellation and an error only
// for configuration problems that cannot heal.
func (s *Service) Run(ctx context.Context) error {
	s.state.Store(int32(StateIdle))
	s.reporter.SetState(StateIdle)

	timer := NewTimer(0)
	defer timer.Stop()
	defer s.shutdown(ctx)

	resolved := false

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("portsync: stopping")
			return nil

		case m := <-s.mappings:
			s.cycle(ctx, timer, func(context.Context) (domain.PortMapping, error) { return m, nil })

		case err := <-s.watchErrs:
			s.handleSourceError(timer, err)

		case err := <-s.watchDone:
			s.stopWatcher()
			if err == nil {
				err = watch.ErrSourceUnavailable
			}
			s.handleSourceError(timer, err)

		case <-timer.C():
			// a file event that became ready together with the timer goes first
			select {
			case m := <-s.mappings:
				s.cycle(ctx, timer, func(context.Context) (domain.PortMapping, error) { return m, nil })
				continue
			default:
			}

			if !resolved {
				if err := s.resolve(ctx); err != nil {
					if errors.Is(err, domain.ErrConfig) {
						return err
					}
					log.Error().Err(err).Dur("retryIn", s.scheduler.Fallback).Msg("portsync: no usable port source")
					s.degrade(timer, err)
					continue
				}
				resolved = true
				if !s.plan.Negotiated() {
					// the watcher emits the initial mapping
					timer.Reset(s.scheduler.Fallback)
					continue
				}
			}

			s.tick(ctx, timer)
		}
	}
}

func (s *Service) resolve(ctx context.Context) error {
	plan, err := strategy.Resolve(s.cfg.Strategy, s.cfg.Capabilities, s.probe(s.cfg.ForwardedPortPath))
	if err != nil {
		return err
	}
	s.plan = plan

	log.Info().
		Str("configured", plan.Configured.String()).
		Str("source", plan.Source.String()).
		Interface("chain", plan.Chain).
		Msg("portsync: port source selected")

	if !plan.Negotiated() {
		s.startWatcher(ctx)
	}
	return nil
}

// tick handles the renewal timer: renegotiate, or re-read the file as a polling fallback.
func (s *Service) tick(ctx context.Context, timer *Timer) {
	if s.plan.Negotiated() {
		s.cycle(ctx, timer, func(ctx context.Context) (domain.PortMapping, error) {
			return s.negotiator.Obtain(ctx, s.params())
		})
		return
	}

	if s.watchDone == nil {
		s.startWatcher(ctx)
	}

	mapping, err := s.readFile(s.cfg.ForwardedPortPath, s.now())
	if err != nil {
		s.handleSourceError(timer, err)
		return
	}
	s.cycle(ctx, timer, func(context.Context) (domain.PortMapping, error) { return mapping, nil })
}

func (s *Service) handleSourceError(timer *Timer, err error) {
	if errors.Is(err, domain.ErrInvalidPortFile) {
		log.Warn().Err(err).Msg("portsync: ignoring invalid forwarded port file")
		timer.Reset(s.scheduler.NextDelay(s.current))
		return
	}

	if next, ok := strategy.Downgrade(s.plan, s.cfg.Capabilities); ok {
		log.Warn().Err(err).Str("source", next.Source.String()).Msg("portsync: forwarded port file unavailable, switching to negotiation")
		s.stopWatcher()
		s.plan = next
		s.current = nil
		timer.Reset(0)
		return
	}

	log.Error().Err(err).Msg("portsync: port source unavailable")
	s.degrade(timer, err)
}

// cycle obtains a mapping and pushes it to qBittorrent, then schedules the next run.
func (s *Service) cycle(ctx context.Context, timer *Timer, obtain func(context.Context) (domain.PortMapping, error)) {
	s.setState(StateNegotiating)

	result := domain.SyncResult{Strategy: s.plan.Source}

	mapping, err := obtain(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Msg("portsync: could not obtain port mapping")
		result.Error = err.Error()
		s.reporter.RecordResult(result, s.now())
		s.degrade(timer, err)
		return
	}

	result.Strategy = mapping.Source
	result.SetPort(mapping.ExternalPort)
	addMappingNotes(&result, mapping, s.current)

	unchanged := s.current != nil && s.current.ExternalPort == mapping.ExternalPort && s.session.Established()

	if err := s.applyAndVerify(ctx, mapping, &result, !unchanged); err != nil {
		s.current = nil
		result.Error = err.Error()
		s.reporter.RecordResult(result, s.now())
		log.Error().Err(err).Uint16("port", mapping.ExternalPort).Msg("portsync: sync failed")
		s.degrade(timer, err)
		return
	}

	s.current = &mapping
	s.setState(StateSteady)
	s.reporter.RecordResult(result, s.now())

	delay := s.scheduler.NextDelay(s.current)
	timer.Reset(delay)

	ev := log.Info().
		Str("mapping", mapping.String()).
		Str("note", result.Note).
		Dur("next", delay)
	if mapping.HasLease() {
		ev = ev.Time("expires", mapping.ExpiresAt())
	}
	ev.Msg("portsync: port in sync")
}

// applyAndVerify writes the port and reads it back. It ignores ctx cancellation
// and is bounded by ApplyTimeout instead.
func (s *Service) applyAndVerify(ctx context.Context, mapping domain.PortMapping, result *domain.SyncResult, apply bool) error {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ApplyTimeout)
	defer cancel()

	if !s.session.Established() {
		sess, err := s.client.Authenticate(opCtx)
		if err != nil {
			s.session = qbittorrent.Session{}
			return err
		}
		s.session = sess
	}

	if apply {
		s.setState(StateApplying)

		sess, applied, err := s.client.Apply(opCtx, s.session, mapping, s.cfg.BindInterface)
		s.session = sess
		if err != nil {
			s.dropSessionOnAuth(err)
			return err
		}
		result.Applied = true
		if applied.BindingUnavailable {
			result.AddNote(fmt.Sprintf("interface %s unavailable", s.cfg.BindInterface))
		}
	} else {
		result.Applied = true
	}

	s.setState(StateVerifying)

	sess, v, err := s.client.Verify(opCtx, s.session, mapping.ExternalPort, s.cfg.BindInterface)
	s.session = sess
	if err != nil {
		s.dropSessionOnAuth(err)
		return err
	}

	switch v.Status {
	case qbittorrent.Mismatch:
		result.AddNote(fmt.Sprintf("port mismatch: expected %d, qBittorrent reports %d", mapping.ExternalPort, v.ActualPort))
		return fmt.Errorf("%w: expected %d, qBittorrent reports %d", domain.ErrVerificationMismatch, mapping.ExternalPort, v.ActualPort)
	case qbittorrent.BindingUnavailable:
		note := fmt.Sprintf("interface %s unavailable", s.cfg.BindInterface)
		if !strings.Contains(result.Note, note) {
			result.AddNote(note)
		}
		log.Warn().Str("interface", s.cfg.BindInterface).Str("actual", v.Interface).Msg("portsync: requested interface is not bound")
	}

	result.Verified = true
	if v.RandomPort {
		result.AddNote("random_port still enabled")
	}
	if v.Upnp {
		result.AddNote("upnp still enabled")
	}
	return nil
}

func (s *Service) dropSessionOnAuth(err error) {
	if errors.Is(err, domain.ErrAuth) {
		s.session = qbittorrent.Session{}
	}
}

func (s *Service) degrade(timer *Timer, err error) {
	if s.State() == StateIdle || s.State() == StateSteady {
		s.setState(StateNegotiating)
	}
	s.setState(StateDegraded)
	timer.Reset(s.scheduler.Fallback)
	log.Debug().Err(err).Dur("retryIn", s.scheduler.Fallback).Msg("portsync: degraded")
}

func (s *Service) params() portmap.Params {
	p := portmap.Params{
		Chain:                 s.plan.Chain,
		InternalPort:          s.cfg.InternalPort,
		PreferredExternalPort: s.cfg.InternalPort,
		Transport:             s.cfg.Transport,
		Lifetime:              s.cfg.Lifetime,
	}
	if s.current != nil && s.current.Source.Negotiated() {
		p.PreferredExternalPort = s.current.ExternalPort
		p.Prefer = s.current.Source
	}
	return p
}

func (s *Service) startWatcher(ctx context.Context) {
	watchCtx, cancel := context.WithCancel(ctx)
	src := s.newWatcher(s.cfg.ForwardedPortPath, s.cfg.Debounce)

	done := make(chan error, 1)
	s.watchCancel = cancel
	s.watchDone = done
	s.mappings = src.Mappings()
	s.watchErrs = src.Errors()

	s.watchWG.Add(1)
	go func() {
		defer s.watchWG.Done()
		done <- src.Run(watchCtx)
	}()
}

func (s *Service) stopWatcher() {
	if s.watchCancel == nil {
		return
	}
	s.watchCancel()
	s.watchWG.Wait()

	s.watchCancel = nil
	s.watchDone = nil
	s.mappings = nil
	s.watchErrs = nil
}

func (s *Service) shutdown(ctx context.Context) {
	s.stopWatcher()

	if !s.cfg.ReleaseOnExit || s.current == nil || !s.current.Source.Negotiated() {
		return
	}

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ReleaseTimeout)
	defer cancel()

	if err := s.negotiator.Release(releaseCtx, *s.current); err != nil {
		log.Warn().Err(err).Str("mapping", s.current.String()).Msg("portsync: could not release port mapping")
		return
	}
	log.Info().Str("mapping", s.current.String()).Msg("portsync: released port mapping")
}

// addMappingNotes records the lease and any difference from the requested or previous port.
func addMappingNotes(result *domain.SyncResult, mapping domain.PortMapping, previous *domain.PortMapping) {
	if mapping.HasLease() {
		result.AddNote(fmt.Sprintf("ttl=%ds", int(mapping.Lifetime.Seconds())))
	}
	if mapping.Source.Negotiated() && mapping.Remapped() {
		result.AddNote(fmt.Sprintf("port mismatch: requested %d, granted %d", mapping.InternalPort, mapping.ExternalPort))
	}
	if previous != nil && previous.ExternalPort != mapping.ExternalPort {
		result.AddNote(fmt.Sprintf("port changed %d -> %d", previous.ExternalPort, mapping.ExternalPort))
	}
}
