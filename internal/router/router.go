// Copyright Kilo Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package router maps the first path segment of an inbound request to a
// configured backend service.
//
// The table is built once at startup and is immutable afterwards, so lookups
// need no locking.
package router

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/kilo-project/kilo-gateway/internal/gwconfig"
)

// ServiceRoute is one resolved routing entry.
type ServiceRoute struct {
	// Name is the service identifier, e.g. "meds" or "ai_brain".
	Name string
	// BaseURL is the parsed backend base URL.
	BaseURL *url.URL
	// Protected routes require a valid admin token.
	Protected bool
}

// Table resolves service names to routes.
type Table struct {
	routes map[string]*ServiceRoute
}

// NewTable parses and indexes the configured routes.
func NewTable(routes []gwconfig.Route) (*Table, error) {
	t := &Table{routes: make(map[string]*ServiceRoute, len(routes))}
	for _, r := range routes {
		u, err := url.Parse(r.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", r.Name, err)
		}
		t.routes[r.Name] = &ServiceRoute{
			Name:      r.Name,
			BaseURL:   u,
			Protected: r.Protected,
		}
	}
	return t, nil
}

// Resolve splits the request path into its service segment and remaining
// tail and looks the service up. The tail keeps its leading slash; "/meds"
// and "/meds/" both resolve with an empty tail. Matching is case-sensitive.
func (t *Table) Resolve(path string) (route *ServiceRoute, tail string, name string, ok bool) {
	p := strings.TrimPrefix(path, "/")
	name, rest, found := strings.Cut(p, "/")
	if name == "" {
		return nil, "", "", false
	}
	route, ok = t.routes[name]
	if !ok {
		return nil, "", name, false
	}
	if found && rest != "" {
		tail = "/" + rest
	}
	return route, tail, name, true
}

// Lookup returns the route for an exact service name.
func (t *Table) Lookup(name string) (*ServiceRoute, bool) {
	r, ok := t.routes[name]
	return r, ok
}

// Routes returns all routes sorted by name, for /status and startup logging.
func (t *Table) Routes() []*ServiceRoute {
	out := make([]*ServiceRoute, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
