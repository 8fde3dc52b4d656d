package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/embedvm/ffi"
)

// handle is a server-side reference to a rooted bridge handle.
type handle struct {
	id       string
	bridge   ffi.Handle
	lastUsed time.Time
}

// HandleStore maps opaque string IDs to bridge handles. The store only
// keeps the books: freeing the underlying bridge handle is the caller's job
// and must happen on the worker that owns the bridge.
type HandleStore struct {
	mu      sync.Mutex
	handles map[string]*handle
}

// NewHandleStore creates an empty handle store.
func NewHandleStore() *HandleStore {
	return &HandleStore{handles: make(map[string]*handle)}
}

// Create registers a bridge handle and returns its opaque ID.
func (s *HandleStore) Create(h ffi.Handle) string {
	id := "h-" + uuid.New().String()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[id] = &handle{id: id, bridge: h, lastUsed: time.Now()}
	return id
}

// Lookup returns the bridge handle behind id and refreshes its TTL.
func (s *HandleStore) Lookup(id string) (ffi.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]
	if !ok {
		return 0, false
	}
	h.lastUsed = time.Now()
	return h.bridge, true
}

// Take removes id and returns its bridge handle for the caller to free.
func (s *HandleStore) Take(id string) (ffi.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]
	if !ok {
		return 0, false
	}
	delete(s.handles, id)
	return h.bridge, true
}

// Len returns the number of live server handles.
func (s *HandleStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Expire removes every handle not used within ttl and returns the bridge
// handles to free.
func (s *HandleStore) Expire(ttl time.Duration) []ffi.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	var out []ffi.Handle
	for id, h := range s.handles {
		if h.lastUsed.Before(cutoff) {
			out = append(out, h.bridge)
			delete(s.handles, id)
		}
	}
	return out
}

// Drain removes every handle and returns the bridge handles to free.
func (s *HandleStore) Drain() []ffi.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ffi.Handle, 0, len(s.handles))
	for id, h := range s.handles {
		out = append(out, h.bridge)
		delete(s.handles, id)
	}
	return out
}

// StartSweeper runs periodic TTL sweeps in the background, handing expired
// bridge handles to release. Returns a stop function.
func (s *HandleStore) StartSweeper(interval, ttl time.Duration, release func([]ffi.Handle)) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				if expired := s.Expire(ttl); len(expired) > 0 {
					log.Debug("handles expired", "count", len(expired))
					release(expired)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
