// Copyright Kilo Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/kilo-project/kilo-gateway/internal/gwconfig"
	"github.com/kilo-project/kilo-gateway/internal/gwmetrics"
	"github.com/kilo-project/kilo-gateway/internal/router"
)

func newAggregator(t *testing.T, routes []gwconfig.Route) *Aggregator {
	t.Helper()
	table, err := router.NewTable(routes)
	require.NoError(t, err)
	return New(table, gwmetrics.New(prometheus.NewRegistry()), slog.Default(), time.Minute, time.Second)
}

type statusResponse struct {
	Status   string          `json:"status"`
	Version  string          `json:"version"`
	Services []BackendStatus `json:"services"`
}

func getStatus(t *testing.T, a *Aggregator) statusResponse {
	t.Helper()
	w := httptest.NewRecorder()
	a.HandleStatus(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var out statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// Liveness never depends on backend reachability: every backend here is
// down and /health still answers 200.
func TestHealthInsensitiveToBackends(t *testing.T) {
	a := newAggregator(t, []gwconfig.Route{{Name: "meds", BaseURL: "http://127.0.0.1:1"}})
	a.probeAll(t.Context())

	w := httptest.NewRecorder()
	a.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestStatusReportsProbeResults(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/status", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	a := newAggregator(t, []gwconfig.Route{
		{Name: "down", BaseURL: "http://127.0.0.1:1"},
		{Name: "up", BaseURL: up.URL, Protected: true},
	})
	a.probeAll(t.Context())

	out := getStatus(t, a)
	require.Equal(t, "ok", out.Status)
	require.NotEmpty(t, out.Version)
	require.Len(t, out.Services, 2)

	down, upSt := out.Services[0], out.Services[1]
	require.Equal(t, "down", down.Service)
	require.False(t, down.Reachable)
	require.NotEmpty(t, down.Error)
	require.False(t, down.LastCheckedAt.IsZero())

	require.Equal(t, "up", upSt.Service)
	require.True(t, upSt.Reachable)
	require.True(t, upSt.Protected)
	require.Empty(t, upSt.Error)
}

// A backend that answers at all is up, even with a 4xx; only transport
// failures and 5xx count as unreachable.
func TestProbeStatusCodes(t *testing.T) {
	code := http.StatusNotFound
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))
	defer backend.Close()

	a := newAggregator(t, []gwconfig.Route{{Name: "svc", BaseURL: backend.URL}})

	a.probeAll(t.Context())
	require.True(t, getStatus(t, a).Services[0].Reachable)

	code = http.StatusInternalServerError
	a.probeAll(t.Context())
	st := getStatus(t, a).Services[0]
	require.False(t, st.Reachable)
	require.Contains(t, st.Error, "500")
}

func TestStatusBeforeFirstProbe(t *testing.T) {
	a := newAggregator(t, []gwconfig.Route{{Name: "meds", BaseURL: "http://127.0.0.1:1"}})
	out := getStatus(t, a)
	require.Len(t, out.Services, 1)
	require.Equal(t, "meds", out.Services[0].Service)
	require.False(t, out.Services[0].Reachable)
}

func TestProbePreservesBasePath(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	a := newAggregator(t, []gwconfig.Route{{Name: "svc", BaseURL: backend.URL + "/api"}})
	a.probeAll(t.Context())
	require.Equal(t, "/api/status", gotPath)
	require.True(t, getStatus(t, a).Services[0].Reachable)
}

// Start must return before the first probe pass completes, so a backend that
// swallows packets cannot hold up the listener.
func TestStartReturnsBeforeFirstProbe(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer backend.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel() // unblocks the in-flight probe so backend.Close can finish

	table, err := router.NewTable([]gwconfig.Route{{Name: "svc", BaseURL: backend.URL}})
	require.NoError(t, err)
	a := New(table, gwmetrics.New(prometheus.NewRegistry()), slog.Default(), time.Minute, 30*time.Second)

	start := time.Now()
	a.Start(ctx)
	require.Less(t, time.Since(start), time.Second)
}

func TestProberLoopStops(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	table, err := router.NewTable([]gwconfig.Route{{Name: "svc", BaseURL: backend.URL}})
	require.NoError(t, err)
	a := New(table, gwmetrics.New(prometheus.NewRegistry()), slog.Default(), 10*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(t.Context())
	a.Start(ctx)
	require.Eventually(t, func() bool { return getStatus(t, a).Services[0].Reachable }, time.Second, 5*time.Millisecond)
	cancel()
}
