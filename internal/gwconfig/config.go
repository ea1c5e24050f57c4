// Copyright Kilo Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package gwconfig loads the gateway configuration from the environment and
// an optional YAML route file.
//
// Precedence is flags > environment > file > defaults. The configuration is
// decoupled from the serving code so it can be tested and iterated without a
// running gateway.
package gwconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envListenAddr      = "GATEWAY_LISTEN_ADDR"
	envTokenStorePath  = "GATEWAY_TOKEN_STORE_PATH"
	envProbeInterval   = "GATEWAY_PROBE_INTERVAL_SECS"
	envProbeTimeout    = "GATEWAY_PROBE_TIMEOUT_SECS"
	envRequestDeadline = "GATEWAY_REQUEST_DEADLINE_SECS"
	envConnectTimeout  = "GATEWAY_CONNECT_TIMEOUT_SECS"
	envBufferThreshold = "GATEWAY_BUFFER_THRESHOLD_BYTES"
	envMaxAttempts     = "GATEWAY_MAX_ATTEMPTS"
	envConcurrency     = "GATEWAY_BACKEND_CONCURRENCY"
	envQueue           = "GATEWAY_BACKEND_QUEUE"

	backendEnvPrefix   = "GATEWAY_BACKEND_"
	backendEnvSuffix   = "_URL"
	protectedEnvPrefix = "GATEWAY_PROTECTED_"
)

// reservedNames are path prefixes handled by the gateway itself and therefore
// unavailable as service names.
var reservedNames = map[string]struct{}{
	"admin":   {},
	"health":  {},
	"status":  {},
	"metrics": {},
}

var serviceNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Route is one immutable service mapping entry, known at startup.
type Route struct {
	// Name is the first path segment that selects this route.
	Name string `yaml:"name"`
	// BaseURL is the scheme://host[:port] of the backend.
	BaseURL string `yaml:"baseURL"`
	// Protected marks routes that require a valid admin token.
	Protected bool `yaml:"protected"`
}

// Config is the full runtime configuration of the gateway process.
type Config struct {
	ListenAddr         string
	TokenStorePath     string
	ProbeInterval      time.Duration
	ProbeTimeout       time.Duration
	RequestDeadline    time.Duration
	ConnectTimeout     time.Duration
	BufferThreshold    int64
	MaxAttempts        int
	BackendConcurrency int64
	BackendQueue       int
	Routes             []Route
}

// routeFile is the YAML shape of the optional route configuration file.
type routeFile struct {
	Routes []Route `yaml:"routes"`
}

// Default returns the configuration with all defaults applied and no routes.
func Default() *Config {
	return &Config{
		ListenAddr:         ":8000",
		TokenStorePath:     "./gateway.state",
		ProbeInterval:      30 * time.Second,
		ProbeTimeout:       2 * time.Second,
		RequestDeadline:    120 * time.Second,
		ConnectTimeout:     5 * time.Second,
		BufferThreshold:    1 << 20,
		MaxAttempts:        3,
		BackendConcurrency: 64,
		BackendQueue:       128,
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and the process environment, in increasing precedence.
func Load(path string) (*Config, error) {
	c := Default()
	var errs []error

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read route file: %w", err)
		}
		var rf routeFile
		if err := yaml.Unmarshal(raw, &rf); err != nil {
			return nil, fmt.Errorf("failed to parse route file %s: %w", path, err)
		}
		c.Routes = rf.Routes
	}

	if v := os.Getenv(envListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(envTokenStorePath); v != "" {
		c.TokenStorePath = v
	}
	errs = append(errs,
		envSeconds(envProbeInterval, &c.ProbeInterval),
		envSeconds(envProbeTimeout, &c.ProbeTimeout),
		envSeconds(envRequestDeadline, &c.RequestDeadline),
		envSeconds(envConnectTimeout, &c.ConnectTimeout),
		envInt64(envBufferThreshold, &c.BufferThreshold),
		envInt(envMaxAttempts, &c.MaxAttempts),
		envInt64(envConcurrency, &c.BackendConcurrency),
		envInt(envQueue, &c.BackendQueue),
	)

	c.mergeEnvRoutes(os.Environ())

	if err := c.validate(); err != nil {
		errs = append(errs, err)
	}
	return c, errors.Join(errs...)
}

// mergeEnvRoutes folds GATEWAY_BACKEND_<NAME>_URL and
// GATEWAY_PROTECTED_<NAME> variables into the route table. Environment
// entries override file entries of the same name. URL variables are applied
// before protected flags: os.Environ gives no ordering guarantee, and a
// protected flag must stick to a route its URL variable is about to create.
func (c *Config) mergeEnvRoutes(environ []string) {
	byName := make(map[string]int, len(c.Routes))
	for i, r := range c.Routes {
		byName[r.Name] = i
	}
	protected := make(map[string]bool)
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || v == "" {
			continue
		}
		switch {
		case strings.HasPrefix(k, backendEnvPrefix) && strings.HasSuffix(k, backendEnvSuffix):
			name := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(k, backendEnvPrefix), backendEnvSuffix))
			if name == "" {
				continue
			}
			if i, ok := byName[name]; ok {
				c.Routes[i].BaseURL = v
			} else {
				byName[name] = len(c.Routes)
				c.Routes = append(c.Routes, Route{Name: name, BaseURL: v})
			}
		case strings.HasPrefix(k, protectedEnvPrefix):
			protected[strings.ToLower(strings.TrimPrefix(k, protectedEnvPrefix))] = v == "true" || v == "1"
		}
	}
	for name, p := range protected {
		if i, ok := byName[name]; ok {
			c.Routes[i].Protected = p
		}
	}
}

func (c *Config) validate() error {
	var errs []error
	seen := make(map[string]struct{}, len(c.Routes))
	for _, r := range c.Routes {
		if !serviceNameRe.MatchString(r.Name) {
			errs = append(errs, fmt.Errorf("invalid service name %q: must be lowercase [a-z0-9_]", r.Name))
			continue
		}
		if _, ok := reservedNames[r.Name]; ok {
			errs = append(errs, fmt.Errorf("service name %q collides with a reserved gateway path", r.Name))
		}
		if _, ok := seen[r.Name]; ok {
			errs = append(errs, fmt.Errorf("duplicate service name %q", r.Name))
		}
		seen[r.Name] = struct{}{}
		u, err := url.Parse(r.BaseURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("service %q: invalid base URL: %w", r.Name, err))
			continue
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("service %q: base URL %q must be http(s)://host[:port]", r.Name, r.BaseURL))
		}
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be >= 1, got %d", c.MaxAttempts))
	}
	if c.BackendConcurrency < 1 {
		errs = append(errs, fmt.Errorf("backend concurrency must be >= 1, got %d", c.BackendConcurrency))
	}
	if c.BackendQueue < 0 {
		errs = append(errs, fmt.Errorf("backend queue must be >= 0, got %d", c.BackendQueue))
	}
	if c.BufferThreshold < 0 {
		errs = append(errs, fmt.Errorf("buffer threshold must be >= 0, got %d", c.BufferThreshold))
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{envProbeInterval, c.ProbeInterval},
		{envProbeTimeout, c.ProbeTimeout},
		{envRequestDeadline, c.RequestDeadline},
		{envConnectTimeout, c.ConnectTimeout},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	return errors.Join(errs...)
}

// CheckDNS resolves each backend host once and logs failures. Resolution is
// best-effort at startup: an unresolvable backend is not a fatal error, it
// will simply show as unreachable in /status.
func (c *Config) CheckDNS(l *slog.Logger) {
	for _, r := range c.Routes {
		u, err := url.Parse(r.BaseURL)
		if err != nil {
			continue
		}
		host := u.Hostname()
		if net.ParseIP(host) != nil {
			continue
		}
		if _, err := net.LookupHost(host); err != nil {
			l.Warn("backend host does not resolve",
				slog.String("service", r.Name),
				slog.String("host", host),
				slog.String("error", err.Error()))
		}
	}
}

func envSeconds(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fmt.Errorf("%s: expected non-negative integer seconds, got %q", key, v)
	}
	*dst = time.Duration(n) * time.Second
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: expected integer, got %q", key, v)
	}
	*dst = n
	return nil
}

func envInt64(key string, dst *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: expected integer, got %q", key, v)
	}
	*dst = n
	return nil
}
