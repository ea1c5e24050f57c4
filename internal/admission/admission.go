// Copyright Kilo Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package admission validates admin tokens and serves the /admin endpoints.
//
// The bootstrap rule: while the store holds zero active tokens, the first
// POST /admin/tokens needs no authentication. From then on every admin
// endpoint and every protected route requires a valid X-Admin-Token header.
package admission

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/kilo-project/kilo-gateway/internal/gwhttp"
	"github.com/kilo-project/kilo-gateway/internal/gwmetrics"
	"github.com/kilo-project/kilo-gateway/internal/tokenstore"
)

// TokenHeader carries the admin bearer token. It is consumed at the gateway
// and never forwarded to backends.
const TokenHeader = "X-Admin-Token"

const (
	// hashScheme tags stored records so a future scheme can coexist with
	// old ones. Only bcrypt records are written or validated today.
	hashScheme = "bcrypt"
	bcryptCost = 12
	// tokenBytes is the entropy of a plaintext token: 256 bits, rendered
	// as unpadded URL-safe base64.
	tokenBytes = 32
)

// Admission owns token issuance, revocation and validation.
type Admission struct {
	store   *tokenstore.Store
	l       *slog.Logger
	metrics *gwmetrics.Metrics
}

// New creates the admission controller and logs the active hash scheme.
func New(store *tokenstore.Store, l *slog.Logger, m *gwmetrics.Metrics) *Admission {
	l.Info("admin token hashing scheme",
		slog.String("scheme", hashScheme),
		slog.Int("cost", bcryptCost))
	return &Admission{store: store, l: l, metrics: m}
}

// newPlaintextToken mints a random 256-bit token.
func newPlaintextToken() (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Validate checks the plaintext token against every non-revoked record.
// bcrypt stores a per-record salt, so each candidate record needs its own
// constant-time verification; there is no hash-once shortcut.
func (a *Admission) Validate(ctx context.Context, plaintext string) (bool, error) {
	if plaintext == "" {
		return false, nil
	}
	active, err := a.store.Active(ctx)
	if err != nil {
		return false, err
	}
	for _, rec := range active {
		if rec.Scheme != hashScheme {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(rec.Hash), []byte(plaintext)) == nil {
			return true, nil
		}
	}
	return false, nil
}

// Admit is the check run before protected dispatch. It writes the rejection
// response itself and reports whether the request may proceed.
func (a *Admission) Admit(w http.ResponseWriter, r *http.Request) bool {
	token := r.Header.Get(TokenHeader)
	if token == "" {
		a.reject(w, r, "missing_token")
		return false
	}
	ok, err := a.Validate(r.Context(), token)
	if err != nil {
		a.metrics.AuthFailuresTotal.WithLabelValues("store_error").Inc()
		a.l.Error("token validation failed", slog.String("error", err.Error()))
		gwhttp.Error(w, http.StatusInternalServerError, "internal", nil)
		return false
	}
	if !ok {
		a.reject(w, r, "invalid_token")
		return false
	}
	return true
}

func (a *Admission) reject(w http.ResponseWriter, r *http.Request, reason string) {
	a.metrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
	a.l.Warn("request rejected",
		slog.String("path", r.URL.Path),
		slog.String("remote", r.RemoteAddr),
		slog.String("reason", reason))
	gwhttp.Error(w, http.StatusForbidden, "forbidden", nil)
}

// Middleware guards protected proxy routes.
func (a *Admission) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Admit(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServeHTTP routes the /admin surface. Method dispatch happens here rather
// than in mux patterns so every miss gets the JSON error shape.
func (a *Admission) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/admin")
	switch {
	case tail == "/tokens" || tail == "/tokens/":
		switch r.Method {
		case http.MethodPost:
			a.handleCreate(w, r)
		case http.MethodGet:
			a.handleList(w, r)
		default:
			gwhttp.Error(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		}
	case strings.HasPrefix(tail, "/tokens/") && strings.HasSuffix(tail, "/revoke"):
		if r.Method != http.MethodPost {
			gwhttp.Error(w, http.StatusMethodNotAllowed, "method not allowed", nil)
			return
		}
		a.handleRevoke(w, r, strings.TrimSuffix(strings.TrimPrefix(tail, "/tokens/"), "/revoke"))
	case tail == "/validate":
		if r.Method != http.MethodPost {
			gwhttp.Error(w, http.StatusMethodNotAllowed, "method not allowed", nil)
			return
		}
		if !a.Admit(w, r) {
			return
		}
		gwhttp.JSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		gwhttp.Error(w, http.StatusNotFound, "not found", nil)
	}
}

// handleCreate mints a token. Authentication is skipped only while the store
// has zero active tokens, so a fresh deployment can bootstrap itself.
func (a *Admission) handleCreate(w http.ResponseWriter, r *http.Request) {
	active, err := a.store.CountActive(r.Context())
	if err != nil {
		a.internalError(w, "failed to count tokens", err)
		return
	}
	if active > 0 && !a.Admit(w, r) {
		return
	}

	plaintext, err := newPlaintextToken()
	if err != nil {
		a.internalError(w, "failed to mint token", err)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcryptCost)
	if err != nil {
		a.internalError(w, "failed to hash token", err)
		return
	}
	rec, err := a.store.Append(r.Context(), hashScheme, string(hash))
	if err != nil {
		a.internalError(w, "failed to persist token", err)
		return
	}
	a.l.Info("admin token created", slog.Int64("id", rec.ID), slog.Bool("bootstrap", active == 0))
	// The plaintext leaves the process exactly once, here.
	gwhttp.JSON(w, http.StatusCreated, map[string]any{"id": rec.ID, "token": plaintext})
}

func (a *Admission) handleList(w http.ResponseWriter, r *http.Request) {
	if !a.Admit(w, r) {
		return
	}
	records, err := a.store.List(r.Context())
	if err != nil {
		a.internalError(w, "failed to list tokens", err)
		return
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		entry := map[string]any{"id": rec.ID, "created_at": rec.CreatedAt}
		if rec.RevokedAt != nil {
			entry["revoked_at"] = rec.RevokedAt
		} else {
			entry["revoked_at"] = nil
		}
		out = append(out, entry)
	}
	gwhttp.JSON(w, http.StatusOK, out)
}

func (a *Admission) handleRevoke(w http.ResponseWriter, r *http.Request, rawID string) {
	if !a.Admit(w, r) {
		return
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		gwhttp.Error(w, http.StatusBadRequest, "invalid token id", nil)
		return
	}
	rec, err := a.store.RevokeByID(r.Context(), id)
	switch {
	case errors.Is(err, tokenstore.ErrNotFound):
		gwhttp.Error(w, http.StatusNotFound, "token not found", map[string]any{"id": id})
	case err != nil:
		a.internalError(w, "failed to revoke token", err)
	default:
		a.l.Info("admin token revoked", slog.Int64("id", id))
		gwhttp.JSON(w, http.StatusOK, map[string]any{"id": rec.ID, "revoked_at": rec.RevokedAt})
	}
}

func (a *Admission) internalError(w http.ResponseWriter, msg string, err error) {
	a.l.Error(msg, slog.String("error", err.Error()))
	gwhttp.Error(w, http.StatusInternalServerError, "internal", nil)
}
