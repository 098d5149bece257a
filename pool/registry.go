package pool

import "sync"

// Registry shares pools between clients. Each key maps to one pool that
// stays alive while at least one client holds a reference to it.
type Registry[K comparable, C Conn] struct {
	mu    sync.Mutex
	pools map[K]*entry[C]
}

type entry[C Conn] struct {
	pool *Pool[C]
	refs int
}

// NewRegistry returns an empty registry.
func NewRegistry[K comparable, C Conn]() *Registry[K, C] {
	return &Registry[K, C]{pools: make(map[K]*entry[C])}
}

// Acquire returns the pool registered under key, calling create to build
// it on first use, and takes a reference to it.
func (r *Registry[K, C]) Acquire(key K, create func() *Pool[C]) *Pool[C] {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pools[key]
	if !ok {
		e = &entry[C]{pool: create()}
		r.pools[key] = e
	}
	e.refs++
	return e.pool
}

// Release drops a reference to the pool under key. The last reference
// removes the pool and shuts it down; Release then reports true.
func (r *Registry[K, C]) Release(key K) bool {
	r.mu.Lock()
	e, ok := r.pools[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return false
	}
	delete(r.pools, key)
	r.mu.Unlock()

	e.pool.Shutdown()
	return true
}

// Refs returns the number of references held on key.
func (r *Registry[K, C]) Refs(key K) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.pools[key]; ok {
		return e.refs
	}
	return 0
}

// Len returns the number of live pools.
func (r *Registry[K, C]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}
