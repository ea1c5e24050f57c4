// Copyright Kilo Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package mainlib

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/kilo-project/kilo-gateway/internal/gwconfig"
)

// Healthcheck performs an HTTP GET against the running gateway's /health
// endpoint. Docker HEALTHCHECK uses it: exit 0 when healthy, 1 otherwise.
// The listen address comes from the same environment the server reads.
func Healthcheck(ctx context.Context, stdout io.Writer) error {
	cfg, err := gwconfig.Load("")
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	host, port, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", cfg.ListenAddr, err)
	}
	if host == "" {
		host = "localhost"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/health", net.JoinHostPort(host, port)), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to gateway: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d, body: %s", resp.StatusCode, string(body))
	}
	_, _ = fmt.Fprintf(stdout, "%s", body)
	return nil
}
