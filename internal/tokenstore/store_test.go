// Copyright Kilo Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package tokenstore

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "gateway.state")
	s, err := Open(p, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, p
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	s, _ := openTemp(t)
	ctx := t.Context()

	r1, err := s.Append(ctx, "bcrypt", "hash-1")
	require.NoError(t, err)
	r2, err := s.Append(ctx, "bcrypt", "hash-2")
	require.NoError(t, err)
	require.Equal(t, int64(1), r1.ID)
	require.Equal(t, int64(2), r2.ID)
	require.False(t, r1.CreatedAt.IsZero())

	n, err := s.CountActive(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestRevoke(t *testing.T) {
	s, _ := openTemp(t)
	ctx := t.Context()

	r, err := s.Append(ctx, "bcrypt", "hash-1")
	require.NoError(t, err)

	revoked, err := s.RevokeByID(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, revoked.RevokedAt)

	// Idempotent: same revocation time comes back.
	again, err := s.RevokeByID(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, revoked.RevokedAt, again.RevokedAt)

	_, err = s.RevokeByID(ctx, 42)
	require.ErrorIs(t, err, ErrNotFound)

	n, err := s.CountActive(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPersistsAcrossReopen(t *testing.T) {
	s, p := openTemp(t)
	ctx := t.Context()

	_, err := s.Append(ctx, "bcrypt", "hash-1")
	require.NoError(t, err)
	r2, err := s.Append(ctx, "bcrypt", "hash-2")
	require.NoError(t, err)
	_, err = s.RevokeByID(ctx, r2.ID)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(p, slog.Default())
	require.NoError(t, err)
	defer s2.Close()

	all, err := s2.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Nil(t, all[0].RevokedAt)
	require.NotNil(t, all[1].RevokedAt)

	// IDs are never reused, even after revocation and restart.
	r3, err := s2.Append(ctx, "bcrypt", "hash-3")
	require.NoError(t, err)
	require.Equal(t, int64(3), r3.ID)
}

func TestToleratesTornTrailingLine(t *testing.T) {
	s, p := openTemp(t)
	_, err := s.Append(t.Context(), "bcrypt", "hash-1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	f, err := os.OpenFile(p, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"op":"token","id":2,"sch`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := Open(p, slog.Default())
	require.NoError(t, err)
	defer s2.Close()

	all, err := s2.List(t.Context())
	require.NoError(t, err)
	require.Len(t, all, 1)

	// The torn bytes were reclaimed: a fresh append starts on a clean line
	// and the log still replays after another restart.
	r2, err := s2.Append(t.Context(), "bcrypt", "hash-2")
	require.NoError(t, err)
	require.Equal(t, int64(2), r2.ID)
	require.NoError(t, s2.Close())

	s3, err := Open(p, slog.Default())
	require.NoError(t, err)
	defer s3.Close()
	all, err = s3.List(t.Context())
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestRejectsCorruptMiddleLine(t *testing.T) {
	p := filepath.Join(t.TempDir(), "gateway.state")
	require.NoError(t, os.WriteFile(p, []byte("garbage\n{\"op\":\"token\",\"id\":1}\n"), 0o600))
	_, err := Open(p, slog.Default())
	require.ErrorContains(t, err, "corrupt token store")
}

func TestRejectsNewerSchema(t *testing.T) {
	p := filepath.Join(t.TempDir(), "gateway.state")
	require.NoError(t, os.WriteFile(p, []byte(`{"op":"schema","schema_version":99}`+"\n"), 0o600))
	_, err := Open(p, slog.Default())
	require.ErrorContains(t, err, "schema version")
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	s, _ := openTemp(t)
	require.NoError(t, s.Close())

	_, err := s.Append(t.Context(), "bcrypt", "h")
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.List(t.Context())
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.RevokeByID(t.Context(), 1)
	require.ErrorIs(t, err, ErrClosed)
}
