// Copyright Kilo Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package mainlib wires the gateway together and runs it. It is split from
// package main so tests can drive the whole process in-process.
package mainlib

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kilo-project/kilo-gateway/internal/admission"
	"github.com/kilo-project/kilo-gateway/internal/gwconfig"
	"github.com/kilo-project/kilo-gateway/internal/gwhttp"
	"github.com/kilo-project/kilo-gateway/internal/gwmetrics"
	"github.com/kilo-project/kilo-gateway/internal/health"
	"github.com/kilo-project/kilo-gateway/internal/proxy"
	"github.com/kilo-project/kilo-gateway/internal/router"
	"github.com/kilo-project/kilo-gateway/internal/tokenstore"
	"github.com/kilo-project/kilo-gateway/internal/version"
)

// Sentinel errors the CLI maps to process exit codes.
var (
	// ErrConfiguration marks an invalid configuration (exit code 1).
	ErrConfiguration = errors.New("configuration error")
	// ErrTokenStore marks a token store open failure (exit code 2).
	ErrTokenStore = errors.New("token store error")
)

// Options are the run parameters parsed by the CLI.
type Options struct {
	// ConfigPath is the optional YAML route file.
	ConfigPath string
	// Debug enables debug logging.
	Debug bool
	// ListenerReady, when non-nil, receives the bound listener address once
	// the gateway is accepting connections. Used by tests.
	ListenerReady chan<- string
}

// Run starts the gateway and blocks until ctx is cancelled or startup
// fails. A cancelled context is a clean shutdown, not an error.
func Run(ctx context.Context, opts Options, stderr io.Writer) (err error) {
	defer func() {
		if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}()

	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	l := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := gwconfig.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	table, err := router.NewTable(cfg.Routes)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	cfg.CheckDNS(l)

	store, err := tokenstore.Open(cfg.TokenStorePath, l)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTokenStore, err)
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	m := gwmetrics.New(registry)
	adm := admission.New(store, l.With("component", "admission"), m)
	engine := proxy.New(table, adm, m, l.With("component", "proxy"), proxy.Options{
		BufferThreshold:    cfg.BufferThreshold,
		RequestDeadline:    cfg.RequestDeadline,
		ConnectTimeout:     cfg.ConnectTimeout,
		MaxAttempts:        cfg.MaxAttempts,
		BackendConcurrency: cfg.BackendConcurrency,
		BackendQueue:       int64(cfg.BackendQueue),
	})
	defer engine.CloseIdleConnections()
	agg := health.New(table, m, l.With("component", "health"), cfg.ProbeInterval, cfg.ProbeTimeout)
	agg.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", agg.HandleHealth)
	mux.HandleFunc("/status", agg.HandleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/admin", adm)
	mux.Handle("/admin/", adm)
	mux.Handle("/", engine)

	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("%w: failed to listen on %s: %w", ErrConfiguration, cfg.ListenAddr, err)
	}

	server := &http.Server{
		Handler:           recoverer(l, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			l.Error("failed to shut down gateway server gracefully", slog.String("error", err.Error()))
			_ = server.Close()
		}
	}()

	for _, r := range table.Routes() {
		l.Info("route configured",
			slog.String("service", r.Name),
			slog.String("backend", r.BaseURL.String()),
			slog.Bool("protected", r.Protected))
	}
	l.Info("kilo gateway is ready",
		slog.String("version", version.Parse()),
		slog.String("address", lis.Addr().String()),
		slog.String("token_store", cfg.TokenStorePath))
	if opts.ListenerReady != nil {
		opts.ListenerReady <- lis.Addr().String()
	}
	return server.Serve(lis)
}

// recoverer isolates handler panics: the stack is logged, the caller gets a
// 500 if headers are still unsent, and the process keeps serving.
func recoverer(l *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil || rec == http.ErrAbortHandler {
				return
			}
			l.Error("handler panic",
				slog.Any("panic", rec),
				slog.String("path", r.URL.Path),
				slog.String("stack", string(debug.Stack())))
			gwhttp.Error(w, http.StatusInternalServerError, "internal", nil)
		}()
		next.ServeHTTP(w, r)
	})
}
