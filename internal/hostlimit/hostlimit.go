// Package hostlimit bounds concurrent requests per upstream host. A
// Registry hands out one semaphore.Weighted per host, cached in an LRU
// so a process talking to many distinct upstream hosts over its
// lifetime doesn't grow the map without bound.
package hostlimit

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"
)

// Registry hands out a per-host semaphore.Weighted, capped at maxHosts
// distinct hosts tracked at once.
type Registry struct {
	limit int64
	cache *lru.Cache[string, *semaphore.Weighted]
}

// New builds a Registry that allows perHost concurrent in-flight
// requests to any one host, tracking at most maxHosts hosts at a time.
func New(perHost int64, maxHosts int) *Registry {
	if perHost <= 0 {
		perHost = 8
	}
	if maxHosts <= 0 {
		maxHosts = 256
	}
	c, _ := lru.New[string, *semaphore.Weighted](maxHosts)
	return &Registry{limit: perHost, cache: c}
}

// Acquire blocks until host has a free slot or ctx is cancelled.
// The returned release func must be called exactly once.
func (r *Registry) Acquire(ctx context.Context, host string) (release func(), err error) {
	sem, ok := r.cache.Get(host)
	if !ok {
		sem = semaphore.NewWeighted(r.limit)
		r.cache.Add(host, sem)
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}
