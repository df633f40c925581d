// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package pool bounds the number of connections a data node may hand out at
// once, and keeps count of how many are checked out.
package pool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/featurebasedb/persist/errors"
	"golang.org/x/sync/semaphore"
)

const (
	ErrPoolTimeout errors.Code = "PoolTimeout"
	ErrPoolClosed  errors.Code = "PoolClosed"
)

// DefaultSize is used when a pool is created with a non-positive size.
const DefaultSize = 8

// Pool is a counting semaphore with a bounded acquisition wait.
type Pool struct {
	sem    *semaphore.Weighted
	size   int64
	wait   time.Duration
	inUse  int64
	closed int32
}

// New returns a pool allowing size concurrent checkouts. A positive wait
// bounds how long Acquire blocks; zero means wait for as long as ctx allows.
func New(size int, wait time.Duration) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{
		sem:  semaphore.NewWeighted(int64(size)),
		size: int64(size),
		wait: wait,
	}
}

// Acquire checks out one slot, blocking until one is free, the pool's wait
// elapses, or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	if atomic.LoadInt32(&p.closed) == 1 {
		return errors.New(ErrPoolClosed, "pool is closed")
	}
	if p.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.wait)
		defer cancel()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errors.WrapCode(err, ErrPoolTimeout, "timed out waiting for a pooled connection")
		}
		return errors.Wrap(err, "acquiring pooled connection")
	}
	atomic.AddInt64(&p.inUse, 1)
	return nil
}

// TryAcquire checks out one slot without blocking.
func (p *Pool) TryAcquire() bool {
	if atomic.LoadInt32(&p.closed) == 1 || !p.sem.TryAcquire(1) {
		return false
	}
	atomic.AddInt64(&p.inUse, 1)
	return true
}

// Release returns a slot. Releasing more slots than were acquired panics.
func (p *Pool) Release() {
	if atomic.AddInt64(&p.inUse, -1) < 0 {
		panic("pool: release without acquire")
	}
	p.sem.Release(1)
}

// InUse reports the number of slots currently checked out.
func (p *Pool) InUse() int {
	return int(atomic.LoadInt64(&p.inUse))
}

// Size reports the pool capacity.
func (p *Pool) Size() int {
	return int(p.size)
}

// Close makes further Acquire calls fail. Outstanding slots may still be
// released.
func (p *Pool) Close() {
	atomic.StoreInt32(&p.closed, 1)
}
