// Copyright Kilo Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package health serves the liveness endpoint and aggregates backend
// reachability.
//
// /health answers 200 unconditionally: it reports that the gateway itself
// can answer, nothing more. /status reports the last probe result per
// backend; an unreachable backend never turns /status non-200.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kilo-project/kilo-gateway/internal/gwhttp"
	"github.com/kilo-project/kilo-gateway/internal/gwmetrics"
	"github.com/kilo-project/kilo-gateway/internal/router"
	"github.com/kilo-project/kilo-gateway/internal/version"
)

// BackendStatus is the last probe outcome for one backend.
type BackendStatus struct {
	Service       string    `json:"service"`
	Protected     bool      `json:"protected"`
	Reachable     bool      `json:"reachable"`
	LatencyMS     int64     `json:"latency_ms"`
	LastCheckedAt time.Time `json:"last_checked_at"`
	Error         string    `json:"error,omitempty"`
}

// Aggregator owns the probe loop and the /health and /status handlers.
type Aggregator struct {
	l        *slog.Logger
	table    *router.Table
	metrics  *gwmetrics.Metrics
	client   *http.Client
	interval time.Duration

	mu       sync.RWMutex
	statuses map[string]BackendStatus
}

// New creates the aggregator. timeout bounds each individual probe.
func New(table *router.Table, m *gwmetrics.Metrics, l *slog.Logger, interval, timeout time.Duration) *Aggregator {
	return &Aggregator{
		l:        l,
		table:    table,
		metrics:  m,
		client:   &http.Client{Timeout: timeout, Transport: &http.Transport{}},
		interval: interval,
		statuses: make(map[string]BackendStatus),
	}
}

// Start launches the prober, which probes every backend once and then keeps
// probing on the interval until ctx is cancelled. Start itself returns
// immediately: the first pass must not hold up the listener when backends
// time out instead of refusing. The loop is the only writer of the status
// map.
func (a *Aggregator) Start(ctx context.Context) {
	go func() {
		a.probeAll(ctx)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				a.l.Info("stopping backend prober")
				a.client.CloseIdleConnections()
				return
			case <-ticker.C:
				a.probeAll(ctx)
			}
		}
	}()
}

func (a *Aggregator) probeAll(ctx context.Context) {
	for _, route := range a.table.Routes() {
		st := a.probeOne(ctx, route)
		a.mu.Lock()
		a.statuses[route.Name] = st
		a.mu.Unlock()

		v := 0.0
		if !st.Reachable {
			v = 1.0
			a.l.Debug("backend unreachable",
				slog.String("service", route.Name),
				slog.String("error", st.Error))
		}
		a.metrics.ProbeUnreachable.WithLabelValues(route.Name).Set(v)
	}
}

// probeOne hits the backend's own /status endpoint. Any 2xx-4xx answer
// proves the backend is up; only transport failures and 5xx count as
// unreachable.
func (a *Aggregator) probeOne(ctx context.Context, route *router.ServiceRoute) BackendStatus {
	st := BackendStatus{
		Service:       route.Name,
		Protected:     route.Protected,
		LastCheckedAt: time.Now().UTC(),
	}
	u := *route.BaseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	start := time.Now()
	resp, err := a.client.Do(req)
	st.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		st.Error = err.Error()
		return st
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		st.Error = resp.Status
		return st
	}
	st.Reachable = true
	return st
}

// HandleHealth is the liveness probe: 200 as long as the process answers.
func (a *Aggregator) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	gwhttp.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStatus reports the gateway version and the last probe result per
// backend, in route name order.
func (a *Aggregator) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	routes := a.table.Routes()
	services := make([]BackendStatus, 0, len(routes))
	a.mu.RLock()
	for _, route := range routes {
		if st, ok := a.statuses[route.Name]; ok {
			services = append(services, st)
		} else {
			services = append(services, BackendStatus{Service: route.Name, Protected: route.Protected})
		}
	}
	a.mu.RUnlock()
	gwhttp.JSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  version.Parse(),
		"services": services,
	})
}
