package utils

import "golang.org/x/exp/constraints"

// Heap is a plain min-heap keyed by K, carrying an arbitrary payload.
type Heap[K constraints.Ordered, V any] struct {
	keys []K
	vals []V
}

func (h *Heap[K, V]) Len() int {
	return len(h.keys)
}

func (h *Heap[K, V]) Push(key K, val V) {
	h.keys = append(h.keys, key)
	h.vals = append(h.vals, val)
	h.up(h.Len() - 1)
}

// Pop removes and returns the entry with the minimum key.
func (h *Heap[K, V]) Pop() (key K, val V) {
	key, val = h.keys[0], h.vals[0]
	n := h.Len() - 1
	h.swap(0, n)
	h.keys = h.keys[:n]
	h.vals = h.vals[:n]
	h.down(0, n)
	return
}

// Peek returns the minimum entry without removing it.
func (h *Heap[K, V]) Peek() (key K, val V, ok bool) {
	if h.Len() == 0 {
		return
	}
	return h.keys[0], h.vals[0], true
}

func (h *Heap[K, V]) swap(i, j int) {
	h.keys[i], h.keys[j] = h.keys[j], h.keys[i]
	h.vals[i], h.vals[j] = h.vals[j], h.vals[i]
}

func (h *Heap[K, V]) up(j int) {
	for j > 0 {
		i := (j - 1) / 2
		if h.keys[i] <= h.keys[j] {
			break
		}
		h.swap(i, j)
		j = i
	}
}

func (h *Heap[K, V]) down(i, n int) {
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		least := l
		if r := l + 1; r < n && h.keys[r] < h.keys[l] {
			least = r
		}
		if h.keys[i] <= h.keys[least] {
			return
		}
		h.swap(i, least)
		i = least
	}
}
