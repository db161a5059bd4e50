package buffer

// Ring keeps the most recent entries up to a fixed capacity. It is not safe
// for concurrent use; callers guard it with their own lock.
type Ring[T any] struct {
	entries []T
	start   int
	count   int
}

func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = 1
	}
	return &Ring[T]{
		entries: make([]T, size),
	}
}

func (r *Ring[T]) Add(entry T) {
	if r == nil || len(r.entries) == 0 {
		return
	}

	if r.count < len(r.entries) {
		r.entries[r.index(r.count)] = entry
		r.count++
		return
	}

	r.entries[r.start] = entry
	r.start = (r.start + 1) % len(r.entries)
}

func (r *Ring[T]) Len() int {
	if r == nil {
		return 0
	}
	return r.count
}

func (r *Ring[T]) Cap() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// List returns every retained entry, oldest first.
func (r *Ring[T]) List() []T {
	return r.Last(0)
}

// Last returns up to n of the newest entries, oldest first. n <= 0 means all.
func (r *Ring[T]) Last(n int) []T {
	if r == nil || r.count == 0 {
		return nil
	}
	if n <= 0 || n > r.count {
		n = r.count
	}

	out := make([]T, 0, n)
	for i := r.count - n; i < r.count; i++ {
		out = append(out, r.entries[r.index(i)])
	}
	return out
}

// Reset drops all entries and keeps the capacity.
func (r *Ring[T]) Reset() {
	if r == nil {
		return
	}
	var zero T
	for i := range r.entries {
		r.entries[i] = zero
	}
	r.start = 0
	r.count = 0
}

func (r *Ring[T]) index(offset int) int {
	return (r.start + offset) % len(r.entries)
}
