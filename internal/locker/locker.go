// Package locker implements per-fingerprint mutual exclusion so
// concurrent requests for the same meta-tile coalesce onto a single
// build instead of duplicating work.
//
// The in-process shard table is the sharding scheme brawer-miniwfs
// uses for its own TileCache (shard = hash(key) & (N-1), one
// sync.Mutex per shard); this package composes the same idea with
// golang.org/x/sync/singleflight.Group per shard so the *result* of a
// build, not just mutual exclusion around it, is shared across callers
// waiting on the same fingerprint.
package locker

import (
	"context"
	"hash/fnv"

	"golang.org/x/sync/singleflight"

	"tileproxy/internal/errs"
)

const numShards = 256

// Locker coalesces concurrent builds for the same fingerprint within
// one process.
type Locker struct {
	shards [numShards]singleflight.Group
}

func New() *Locker {
	return &Locker{}
}

func shardFor(fingerprint string) int {
	h := fnv.New32a()
	h.Write([]byte(fingerprint))
	return int(h.Sum32() % numShards)
}

// Do runs fn under the shard for fingerprint; if another goroutine is
// already running fn for the same fingerprint, this call blocks and
// receives that goroutine's result instead of calling fn itself,
// coalescing neighboring misses into a single upstream request.
func (l *Locker) Do(fingerprint string, fn func() (any, error)) (any, error, bool) {
	return l.shards[shardFor(fingerprint)].Do(fingerprint, fn)
}

// DoCtx is Do with context cancellation: if ctx is done before fn
// completes, DoCtx returns ctx.Err() immediately but leaves fn running
// to completion for any other waiters (singleflight semantics).
func (l *Locker) DoCtx(ctx context.Context, fingerprint string, fn func() (any, error)) (any, error) {
	type result struct {
		v   any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err, _ := l.Do(fingerprint, fn)
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

// errLockTimeout is returned by FileLock.Acquire on deadline; kept as
// a named constructor so callers get the same *errs.LockTimeout type
// the in-process path never needs (singleflight has no timeout
// concept of its own -- callers wrap Do/DoCtx in their own deadline).
func errLockTimeout(fingerprint string) error {
	return &errs.LockTimeout{Fingerprint: fingerprint}
}
