// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qb-port-sync/internal/api/handlers"
	"github.com/autobrr/qb-port-sync/internal/config"
	"github.com/autobrr/qb-port-sync/internal/metrics"
)

type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	config  *config.AppConfig
	version string
	metrics *metrics.Metrics
}

type Dependencies struct {
	Config  *config.AppConfig
	Version string
	Metrics *metrics.Metrics
}

func NewServer(deps *Dependencies) *Server {
	s := Server{
		server: &http.Server{
			ReadHeaderTimeout: time.Second * 15,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger:  log.Logger.With().Str("module", "api").Logger(),
		config:  deps.Config,
		version: deps.Version,
		metrics: deps.Metrics,
	}

	return &s
}

func (s *Server) ListenAndServe() error {
	return s.open(nil)
}

// ListenAndServeReady behaves like ListenAndServe but signals once the listener is active.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	return s.open(ready)
}

func (s *Server) open(ready chan<- struct{}) error {
	addr := net.JoinHostPort(s.config.Config.MetricsHost, fmt.Sprint(s.config.Config.MetricsPort))

	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(addr, proto, ready)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", addr).Str("proto", proto).Msgf("Failed to start metrics server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string, ready chan<- struct{}) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Msgf("Starting metrics server - Scrape: http://%s/metrics", host)

	s.server.Handler = s.Handler()

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(cors.New(cors.Options{
		AllowedMethods:  []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowOriginFunc: func(origin string) bool { return true },
		MaxAge:          300,
	}).Handler)
	r.Use(hlog.NewHandler(s.logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("HTTP request")
	}))

	var source handlers.HealthSource
	if s.metrics != nil {
		source = s.metrics
	}
	healthHandler := handlers.NewHealthHandler(source)
	versionHandler := handlers.NewVersionHandler(s.version)

	r.Get("/healthz", healthHandler.Check)

	r.Group(func(r chi.Router) {
		// JSON routes only, /metrics is compressed by promhttp
		compressor, err := httpcompression.DefaultAdapter(
			httpcompression.MinSize(1024),
			httpcompression.GzipCompressionLevel(2),
			httpcompression.Prefer(httpcompression.PreferServer),
		)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to create HTTP compression adapter")
		} else {
			r.Use(compressor)
		}

		r.Get("/status", healthHandler.Status)
		r.Get("/version", versionHandler.Get)
	})

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{
			ErrorLog: &promLogger{logger: s.logger},
		}))
	}

	return r
}

// promLogger adapts zerolog to promhttp's error logger.
type promLogger struct {
	logger zerolog.Logger
}

func (l *promLogger) Println(v ...any) {
	l.logger.Error().Msg(fmt.Sprint(v...))
}
