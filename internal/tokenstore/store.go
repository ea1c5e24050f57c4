// Copyright Kilo Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package tokenstore persists admin token records across restarts.
//
// The store is a flat append-only log of JSON lines. Every mutation appends
// one entry and fsyncs before returning, so a record acknowledged to a
// caller survives a crash. Records are never deleted: revocation appends a
// tombstone entry and the full history remains as an audit trail.
package tokenstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// SchemaVersion gates future migrations of the log format.
const SchemaVersion = 1

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("token not found")
	// ErrClosed is returned for operations issued after Close.
	ErrClosed = errors.New("token store is closed")
)

// Record is one admin token. The plaintext token is never stored, only the
// salted one-way hash.
type Record struct {
	ID        int64      `json:"id"`
	Scheme    string     `json:"scheme"`
	Hash      string     `json:"hash"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the token has been permanently invalidated.
func (r *Record) Revoked() bool { return r.RevokedAt != nil }

// entry is one line of the log.
type entry struct {
	Op            string     `json:"op"`
	SchemaVersion int        `json:"schema_version,omitempty"`
	ID            int64      `json:"id,omitempty"`
	Scheme        string     `json:"scheme,omitempty"`
	Hash          string     `json:"hash,omitempty"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

const (
	opSchema = "schema"
	opToken  = "token"
	opRevoke = "revoke"
)

// Store is the process-exclusive token store. Writes are serialised; reads
// may run concurrently.
type Store struct {
	mu     sync.RWMutex
	f      *os.File
	byID   map[int64]*Record
	nextID int64
	closed bool
}

// Open opens or creates the store file at path and replays the log into
// memory. A torn trailing line from an interrupted write is tolerated and
// logged; anything else malformed is an error.
func Open(path string, l *slog.Logger) (*Store, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open token store: %w", err)
	}
	s := &Store{f: f, byID: make(map[int64]*Record), nextID: 1}
	if err := s.replay(l); err != nil {
		_ = f.Close()
		return nil, err
	}
	if st, err := f.Stat(); err == nil && st.Size() == 0 {
		if err := s.appendEntry(entry{Op: opSchema, SchemaVersion: SchemaVersion}); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) replay(l *slog.Logger) error {
	data, err := io.ReadAll(s.f)
	if err != nil {
		return fmt.Errorf("failed to read token store: %w", err)
	}
	var off int64
	for line := 1; len(data) > 0; line++ {
		nl := bytes.IndexByte(data, '\n')
		raw, advance := data, len(data)
		if nl >= 0 {
			raw, advance = data[:nl], nl+1
		}
		if len(raw) == 0 {
			data = data[advance:]
			off += int64(advance)
			continue
		}
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			// A line without its trailing newline is a tear: the process died
			// mid-append before the fsync, so the operation was never
			// acknowledged. Drop it and reclaim the bytes so the next append
			// starts on a clean line.
			if nl < 0 {
				l.Warn("dropping torn trailing entry in token store", slog.Int("line", line))
				if err := s.f.Truncate(off); err != nil {
					return fmt.Errorf("failed to truncate torn token store entry: %w", err)
				}
				return nil
			}
			return fmt.Errorf("corrupt token store at line %d: %w", line, err)
		}
		switch e.Op {
		case opSchema:
			if e.SchemaVersion > SchemaVersion {
				return fmt.Errorf("token store schema version %d is newer than supported %d", e.SchemaVersion, SchemaVersion)
			}
		case opToken:
			rec := &Record{ID: e.ID, Scheme: e.Scheme, Hash: e.Hash}
			if e.CreatedAt != nil {
				rec.CreatedAt = *e.CreatedAt
			}
			s.byID[e.ID] = rec
			if e.ID >= s.nextID {
				s.nextID = e.ID + 1
			}
		case opRevoke:
			if rec, ok := s.byID[e.ID]; ok && rec.RevokedAt == nil {
				rec.RevokedAt = e.RevokedAt
			}
		default:
			return fmt.Errorf("corrupt token store at line %d: unknown op %q", line, e.Op)
		}
		data = data[advance:]
		off += int64(advance)
	}
	return nil
}

// appendEntry writes one line and fsyncs. Callers hold the write lock.
func (s *Store) appendEntry(e entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := s.f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("failed to append to token store: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync token store: %w", err)
	}
	return nil
}

// Append durably records a new token hash and returns the assigned record.
// IDs are monotonically assigned and never reused.
func (s *Store) Append(ctx context.Context, scheme, hash string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, ErrClosed
	}
	now := time.Now().UTC()
	rec := &Record{ID: s.nextID, Scheme: scheme, Hash: hash, CreatedAt: now}
	if err := s.appendEntry(entry{Op: opToken, ID: rec.ID, Scheme: scheme, Hash: hash, CreatedAt: &now}); err != nil {
		return Record{}, err
	}
	s.byID[rec.ID] = rec
	s.nextID++
	return *rec, nil
}

// RevokeByID durably marks the token revoked. Revoking an already revoked
// token is an idempotent no-op returning the original revocation time.
func (s *Store) RevokeByID(ctx context.Context, id int64) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, ErrClosed
	}
	rec, ok := s.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.RevokedAt != nil {
		return *rec, nil
	}
	now := time.Now().UTC()
	if err := s.appendEntry(entry{Op: opRevoke, ID: id, RevokedAt: &now}); err != nil {
		return Record{}, err
	}
	rec.RevokedAt = &now
	return *rec, nil
}

// List returns copies of all records ordered by id.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]Record, 0, len(s.byID))
	for id := int64(1); id < s.nextID; id++ {
		if rec, ok := s.byID[id]; ok {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// Active returns copies of all non-revoked records ordered by id.
func (s *Store) Active(ctx context.Context) ([]Record, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if !rec.Revoked() {
			out = append(out, rec)
		}
	}
	return out, nil
}

// CountActive returns the number of non-revoked tokens.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, rec := range s.byID {
		if !rec.Revoked() {
			n++
		}
	}
	return n, nil
}

// Close flushes and closes the store. Later operations fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}
