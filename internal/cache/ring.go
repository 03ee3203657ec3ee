package cache

import "github.com/quantfabric/datacore/internal/model"

// barRing is a fixed-capacity ring of closed bars, overwriting the
// oldest entry when full.
type barRing struct {
	buf   []model.Bar
	head  int // next write position
	count int
}

func newBarRing(capacity int) *barRing {
	return &barRing{buf: make([]model.Bar, capacity)}
}

func (r *barRing) push(bar model.Bar) {
	r.buf[r.head] = bar
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// latest returns up to n bars, newest first. n <= 0 returns all.
func (r *barRing) latest(n int) []model.Bar {
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]model.Bar, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.head - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
