package ledger

// ring is a fixed-capacity FIFO; pushing into a full ring evicts the oldest item.
type ring[T any] struct {
	buf   []T
	head  int // index of the oldest item
	count int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

// push appends v and returns the evicted item, if any.
func (r *ring[T]) push(v T) (evicted T, ok bool) {
	if r.count == len(r.buf) {
		evicted = r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return evicted, true
	}
	r.buf[(r.head+r.count)%len(r.buf)] = v
	r.count++
	return evicted, false
}

func (r *ring[T]) len() int { return r.count }

// last returns up to n of the newest items, oldest first. n <= 0 returns all.
func (r *ring[T]) last(n int) []T {
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]T, n)
	start := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.head+start+i)%len(r.buf)]
	}
	return out
}
