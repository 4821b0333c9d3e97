package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamFanout(t *testing.T) {
	s := NewStream[int](4)
	a := s.Subscribe()
	b := s.Subscribe()

	s.Publish(1)
	s.Publish(2)

	assert.Equal(t, 1, <-a.C())
	assert.Equal(t, 2, <-a.C())
	assert.Equal(t, 1, <-b.C())
	assert.Equal(t, 2, <-b.C())

	s.Close()
	_, open := <-a.C()
	assert.False(t, open)
	assert.ErrorIs(t, a.Err(), ErrStreamClosed)
}

func TestStreamOverflowDetaches(t *testing.T) {
	s := NewStream[int](2)
	slow := s.Subscribe()
	fast := s.Subscribe()

	s.Publish(1)
	s.Publish(2)
	// keep fast drained, leave slow's queue full
	assert.Equal(t, 1, <-fast.C())
	assert.Equal(t, 2, <-fast.C())

	// the third publish finds slow full and detaches it
	s.Publish(3)
	got := []int{<-slow.C(), <-slow.C()}
	assert.Equal(t, []int{1, 2}, got)
	_, open := <-slow.C()
	assert.False(t, open)
	assert.ErrorIs(t, slow.Err(), ErrStreamOverflow)

	// fast keeps receiving
	s.Publish(4)
	assert.Equal(t, 3, <-fast.C())
	assert.Equal(t, 4, <-fast.C())
	s.Close()
}

func TestStreamSubscribeAfterClose(t *testing.T) {
	s := NewStream[string](1)
	s.Close()
	sub := s.Subscribe()
	_, open := <-sub.C()
	require.False(t, open)
	assert.ErrorIs(t, sub.Err(), ErrStreamClosed)
}

func TestHeapOrdering(t *testing.T) {
	h := &Heap[int64, string]{}
	h.Push(5, "five")
	h.Push(1, "one")
	h.Push(3, "three")
	h.Push(2, "two")
	h.Push(4, "four")

	key, val, ok := h.Peek()
	require.True(t, ok)
	assert.Equal(t, int64(1), key)
	assert.Equal(t, "one", val)

	var order []string
	for h.Len() > 0 {
		_, v := h.Pop()
		order = append(order, v)
	}
	assert.Equal(t, []string{"one", "two", "three", "four", "five"}, order)

	_, _, ok = h.Peek()
	assert.False(t, ok)
}
