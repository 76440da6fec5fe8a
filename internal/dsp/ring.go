// Package dsp provides the fixed-capacity windows and small signal helpers
// used by the attitude and step-detection filters.
package dsp

// Ring is a fixed-capacity FIFO window. Pushing onto a full ring evicts the
// oldest element. The zero value is unusable; use NewRing.
type Ring[T any] struct {
	buf   []T
	start int
	n     int
}

// NewRing returns an empty ring holding at most capacity elements.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

func (r *Ring[T]) Push(v T) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *Ring[T]) Len() int { return r.n }
func (r *Ring[T]) Cap() int { return len(r.buf) }
func (r *Ring[T]) Full() bool { return r.n == len(r.buf) }

// At returns the i-th element, oldest first. It panics when i is out of range,
// like a slice index.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.n {
		panic("dsp: ring index out of range")
	}
	return r.buf[(r.start+i)%len(r.buf)]
}

// Last returns the newest element; ok is false when empty.
func (r *Ring[T]) Last() (v T, ok bool) {
	if r.n == 0 {
		return v, false
	}
	return r.At(r.n - 1), true
}

// Values copies the contents, oldest first.
func (r *Ring[T]) Values() []T {
	out := make([]T, r.n)
	for i := range out {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Tail copies the newest k elements (or fewer), oldest first.
func (r *Ring[T]) Tail(k int) []T {
	if k > r.n {
		k = r.n
	}
	if k <= 0 {
		return nil
	}
	out := make([]T, k)
	off := r.n - k
	for i := range out {
		out[i] = r.buf[(r.start+off+i)%len(r.buf)]
	}
	return out
}

// DropWhile removes elements from the oldest end while drop reports true.
func (r *Ring[T]) DropWhile(drop func(T) bool) {
	var zero T
	for r.n > 0 && drop(r.buf[r.start]) {
		r.buf[r.start] = zero
		r.start = (r.start + 1) % len(r.buf)
		r.n--
	}
}

func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.start, r.n = 0, 0
}
