package sampler

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/opengeospatial/ets-wfs20/internal/core/observability"
	"github.com/opengeospatial/ets-wfs20/internal/logger"
)

const memoShards = 16

// run holds the facts derived from one acquisition. Acquiring again replaces
// it wholesale.
type run struct {
	id     string
	group  singleflight.Group
	shards [memoShards]memoShard
}

type memoShard struct {
	mu sync.RWMutex
	m  map[string]any
}

func newRun() *run {
	r := &run{id: logger.NewID()}
	for i := range r.shards {
		r.shards[i].m = make(map[string]any)
	}
	return r
}

func (r *run) shard(key string) *memoShard {
	return &r.shards[xxhash.Sum64String(key)%memoShards]
}

func (sh *memoShard) get(key string) (any, bool) {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.m[key]
	return v, ok
}

// remember returns the memoized value for key, computing it once. Concurrent
// callers for the same key share one computation. Errors are not memoized.
func remember[T any](r *run, cache, key string, compute func() (T, error)) (T, error) {
	sh := r.shard(key)
	if v, ok := sh.get(key); ok {
		observability.IncMemoHit(cache)
		return v.(T), nil
	}
	observability.IncMemoMiss(cache)

	v, err, _ := r.group.Do(key, func() (any, error) {
		if v, ok := sh.get(key); ok {
			return v, nil
		}
		res, err := compute()
		if err != nil {
			return nil, err
		}
		sh.mu.Lock()
		sh.m[key] = res
		sh.mu.Unlock()
		return res, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
