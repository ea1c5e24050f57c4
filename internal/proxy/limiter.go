// Copyright Kilo Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package proxy

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// errSaturated means the backend's concurrency cap and its wait queue are
// both full; the request fails fast with 503.
var errSaturated = errors.New("backend saturated")

// backendLimiter caps concurrent upstream requests to one backend and
// bounds how many requests may wait for a slot.
type backendLimiter struct {
	sem        *semaphore.Weighted
	queued     atomic.Int64
	queueLimit int64
}

func newBackendLimiter(concurrency, queueLimit int64) *backendLimiter {
	return &backendLimiter{
		sem:        semaphore.NewWeighted(concurrency),
		queueLimit: queueLimit,
	}
}

// acquire takes a slot, waiting in the bounded queue if the cap is reached.
// It returns errSaturated when the queue is full, or the context error if
// the caller goes away or the deadline fires while queued.
func (b *backendLimiter) acquire(ctx context.Context) error {
	if b.sem.TryAcquire(1) {
		return nil
	}
	if b.queued.Add(1) > b.queueLimit {
		b.queued.Add(-1)
		return errSaturated
	}
	defer b.queued.Add(-1)
	return b.sem.Acquire(ctx, 1)
}

func (b *backendLimiter) release() { b.sem.Release(1) }

// depth reports how many requests are currently queued.
func (b *backendLimiter) depth() int64 { return b.queued.Load() }
