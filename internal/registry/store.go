package registry

import "sync"

// store is a map guarded by its own lock so that unrelated maps of the
// registry never contend.
type store[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]V
}

func newStore[K comparable, V any]() *store[K, V] {
	return &store[K, V]{m: make(map[K]V)}
}

func (s *store[K, V]) get(k K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[k]
	return v, ok
}

func (s *store[K, V]) put(k K, v V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[k] = v
}

// putIfAbsent stores v unless k is present and reports whether it stored.
func (s *store[K, V]) putIfAbsent(k K, v V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[k]; ok {
		return false
	}
	s.m[k] = v
	return true
}

// take removes k and returns its value. Only one caller observes ok=true
// for a given stored value.
func (s *store[K, V]) take(k K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[k]
	if ok {
		delete(s.m, k)
	}
	return v, ok
}

// removeIf deletes k only while it still maps to a value matching pred.
func (s *store[K, V]) removeIf(k K, pred func(V) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[k]
	if !ok || !pred(v) {
		return false
	}
	delete(s.m, k)
	return true
}

func (s *store[K, V]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func (s *store[K, V]) keys() []K {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]K, 0, len(s.m))
	for k := range s.m {
		out = append(out, k)
	}
	return out
}
