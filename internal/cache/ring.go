package cache

// Ring is a fixed-capacity FIFO buffer. When full, Push overwrites the
// oldest entry. Ring is not safe for concurrent use.
type Ring[T any] struct {
	buf  []T
	head int // index of the oldest entry
	size int
}

// NewRing creates a ring holding at most capacity entries
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, returning the evicted entry if the ring was full
func (r *Ring[T]) Push(v T) (evicted T, ok bool) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = v
		r.size++
		return evicted, false
	}
	evicted = r.buf[r.head]
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	return evicted, true
}

func (r *Ring[T]) Len() int { return r.size }

func (r *Ring[T]) Cap() int { return len(r.buf) }

// at returns a pointer to the i-th oldest entry
func (r *Ring[T]) at(i int) *T {
	return &r.buf[(r.head+i)%len(r.buf)]
}

// Ascend calls fn from oldest to newest until fn returns false
func (r *Ring[T]) Ascend(fn func(v *T) bool) {
	for i := 0; i < r.size; i++ {
		if !fn(r.at(i)) {
			return
		}
	}
}

// Descend calls fn from newest to oldest until fn returns false
func (r *Ring[T]) Descend(fn func(v *T) bool) {
	for i := r.size - 1; i >= 0; i-- {
		if !fn(r.at(i)) {
			return
		}
	}
}

// Slice copies the entries out, oldest first
func (r *Ring[T]) Slice() []T {
	out := make([]T, 0, r.size)
	r.Ascend(func(v *T) bool {
		out = append(out, *v)
		return true
	})
	return out
}
