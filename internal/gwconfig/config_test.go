// Copyright Kilo Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gwconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), c); diff != "" {
		t.Errorf("unexpected config (-want +got):\n%s", diff)
	}
}

func TestLoadRouteFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
routes:
  - name: meds
    baseURL: http://meds:8001
  - name: library
    baseURL: http://library:8006
    protected: true
`), 0o600))

	c, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, []Route{
		{Name: "meds", BaseURL: "http://meds:8001"},
		{Name: "library", BaseURL: "http://library:8006", Protected: true},
	}, c.Routes)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_LISTEN_ADDR", ":9000")
	t.Setenv("GATEWAY_REQUEST_DEADLINE_SECS", "15")
	t.Setenv("GATEWAY_BUFFER_THRESHOLD_BYTES", "4096")
	t.Setenv("GATEWAY_BACKEND_AI_BRAIN_URL", "http://ai-brain:8005")
	t.Setenv("GATEWAY_BACKEND_MEDS_URL", "http://meds:8001")
	t.Setenv("GATEWAY_PROTECTED_MEDS", "true")

	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":9000", c.ListenAddr)
	require.Equal(t, 15*time.Second, c.RequestDeadline)
	require.Equal(t, int64(4096), c.BufferThreshold)

	byName := map[string]Route{}
	for _, r := range c.Routes {
		byName[r.Name] = r
	}
	require.Equal(t, Route{Name: "ai_brain", BaseURL: "http://ai-brain:8005"}, byName["ai_brain"])
	require.Equal(t, Route{Name: "meds", BaseURL: "http://meds:8001", Protected: true}, byName["meds"])
}

func TestLoadEnvOverridesFileRoute(t *testing.T) {
	p := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(p, []byte("routes:\n  - name: meds\n    baseURL: http://old:1\n"), 0o600))
	t.Setenv("GATEWAY_BACKEND_MEDS_URL", "http://new:2")

	c, err := Load(p)
	require.NoError(t, err)
	require.Len(t, c.Routes, 1)
	require.Equal(t, "http://new:2", c.Routes[0].BaseURL)
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		routes []Route
		errMsg string
	}{
		{
			name:   "reserved name",
			routes: []Route{{Name: "admin", BaseURL: "http://x:1"}},
			errMsg: "reserved gateway path",
		},
		{
			name:   "uppercase name",
			routes: []Route{{Name: "Meds", BaseURL: "http://x:1"}},
			errMsg: "must be lowercase",
		},
		{
			name: "duplicate",
			routes: []Route{
				{Name: "meds", BaseURL: "http://x:1"},
				{Name: "meds", BaseURL: "http://y:1"},
			},
			errMsg: "duplicate service name",
		},
		{
			name:   "bad scheme",
			routes: []Route{{Name: "meds", BaseURL: "ftp://x:1"}},
			errMsg: "must be http(s)",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			c.Routes = tc.routes
			err := c.validate()
			require.ErrorContains(t, err, tc.errMsg)
		})
	}
}

// A protected flag must take effect even when it appears before the URL
// variable that creates the route; os.Environ ordering is not guaranteed.
func TestMergeEnvRoutesOrderIndependent(t *testing.T) {
	c := Default()
	c.mergeEnvRoutes([]string{
		"GATEWAY_PROTECTED_LIBRARY=true",
		"GATEWAY_BACKEND_LIBRARY_URL=http://library:8006",
	})
	require.Equal(t, []Route{
		{Name: "library", BaseURL: "http://library:8006", Protected: true},
	}, c.Routes)
}

func TestValidateNegativeSizes(t *testing.T) {
	c := Default()
	c.BackendQueue = -1
	c.BufferThreshold = -1
	err := c.validate()
	require.ErrorContains(t, err, "backend queue must be >= 0")
	require.ErrorContains(t, err, "buffer threshold must be >= 0")
}

func TestValidateDurations(t *testing.T) {
	c := Default()
	c.ProbeInterval = 0
	require.ErrorContains(t, c.validate(), "GATEWAY_PROBE_INTERVAL_SECS must be positive")
}

func TestLoadBadEnvValues(t *testing.T) {
	t.Setenv("GATEWAY_REQUEST_DEADLINE_SECS", "soon")
	t.Setenv("GATEWAY_MAX_ATTEMPTS", "many")
	_, err := Load("")
	require.ErrorContains(t, err, "GATEWAY_REQUEST_DEADLINE_SECS")
	require.ErrorContains(t, err, "GATEWAY_MAX_ATTEMPTS")
}
