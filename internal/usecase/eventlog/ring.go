package eventlog

import "sync"

// ring is a thread-safe bounded buffer that drops the oldest entries once
// capacity is exceeded.
type ring[T any] struct {
	mu      sync.Mutex
	data    []T
	max     int
	written int64 // total entries ever appended (including dropped)
}

func newRing[T any](max int) *ring[T] {
	if max < 1 {
		max = 1
	}
	return &ring[T]{data: make([]T, 0, min(max, 256)), max: max}
}

func (r *ring[T]) append(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data = append(r.data, v)
	r.written++
	if len(r.data) > r.max {
		// Copy so the backing array does not grow without bound.
		kept := make([]T, r.max, cap(r.data))
		copy(kept, r.data[len(r.data)-r.max:])
		r.data = kept
	}
}

// last returns up to n of the newest entries, oldest first. n <= 0 returns all.
func (r *ring[T]) last(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.data) {
		n = len(r.data)
	}
	out := make([]T, n)
	copy(out, r.data[len(r.data)-n:])
	return out
}

// since returns entries whose sequence number is >= seq. Sequence numbers
// count every entry ever appended; dropped entries are skipped.
func (r *ring[T]) since(seq int64) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := r.written - int64(len(r.data))
	local := seq - dropped
	if local < 0 {
		local = 0
	}
	if local >= int64(len(r.data)) {
		return nil
	}
	out := make([]T, int64(len(r.data))-local)
	copy(out, r.data[local:])
	return out
}

func (r *ring[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}

func (r *ring[T]) total() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}
