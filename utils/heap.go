package utils

import "golang.org/x/exp/constraints"

// Heap is a binary min-heap over ordered values.
type Heap[T constraints.Ordered] struct {
	buf []T
}

func (h *Heap[T]) Len() int {
	return len(h.buf)
}

// Push adds x in O(log n).
func (h *Heap[T]) Push(x T) {
	h.buf = append(h.buf, x)
	h.up(len(h.buf) - 1)
}

// Peek returns the minimum without removing it.
func (h *Heap[T]) Peek() (min T, ok bool) {
	if len(h.buf) == 0 {
		return
	}
	return h.buf[0], true
}

// Pop removes and returns the minimum. Pop on an empty heap panics.
func (h *Heap[T]) Pop() (min T) {
	n := len(h.buf) - 1
	min = h.buf[0]
	h.buf[0] = h.buf[n]
	h.buf = h.buf[:n]
	if n > 0 {
		h.down(0)
	}
	return
}

// Delete removes the first element equal to x, reporting whether one was found.
func (h *Heap[T]) Delete(x T) bool {
	for i, v := range h.buf {
		if v != x {
			continue
		}
		n := len(h.buf) - 1
		h.buf[i] = h.buf[n]
		h.buf = h.buf[:n]
		if i < n {
			if !h.down(i) {
				h.up(i)
			}
		}
		return true
	}
	return false
}

func (h *Heap[T]) up(j int) {
	for j > 0 {
		i := (j - 1) / 2
		if !(h.buf[j] < h.buf[i]) {
			break
		}
		h.buf[i], h.buf[j] = h.buf[j], h.buf[i]
		j = i
	}
}

func (h *Heap[T]) down(i0 int) bool {
	i, n := i0, len(h.buf)
	for {
		l := 2*i + 1
		if l >= n || l < 0 {
			break
		}
		j := l
		if r := l + 1; r < n && h.buf[r] < h.buf[l] {
			j = r
		}
		if !(h.buf[j] < h.buf[i]) {
			break
		}
		h.buf[i], h.buf[j] = h.buf[j], h.buf[i]
		i = j
	}
	return i > i0
}
