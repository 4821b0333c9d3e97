package utils

import (
	"errors"
	"sync"
)

var ErrStreamClosed = errors.New("[tabula] stream is closed")
var ErrStreamOverflow = errors.New("[tabula] stream subscriber overflowed")

// Stream fans published values out to any number of subscribers, each with
// its own bounded queue. A subscriber that stops draining overflows and is
// detached; publishers never block on a slow consumer.
type Stream[T any] struct {
	limit int

	lock   sync.Mutex
	closed bool
	subs   map[*Sub[T]]struct{}
}

type Sub[T any] struct {
	stream *Stream[T]
	ch     chan T
	once   sync.Once
	err    error
}

func NewStream[T any](limit int) *Stream[T] {
	if limit <= 0 {
		limit = 1
	}
	return &Stream[T]{
		limit: limit,
		subs:  make(map[*Sub[T]]struct{}),
	}
}

func (s *Stream[T]) Subscribe() *Sub[T] {
	s.lock.Lock()
	defer s.lock.Unlock()
	sub := &Sub[T]{stream: s, ch: make(chan T, s.limit)}
	if s.closed {
		sub.err = ErrStreamClosed
		close(sub.ch)
		return sub
	}
	s.subs[sub] = struct{}{}
	return sub
}

// Publish delivers v to every live subscriber. Subscribers whose queue is
// full are dropped with ErrStreamOverflow.
func (s *Stream[T]) Publish(v T) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return
	}
	for sub := range s.subs {
		select {
		case sub.ch <- v:
		default:
			delete(s.subs, sub)
			sub.drop(ErrStreamOverflow)
		}
	}
}

func (s *Stream[T]) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for sub := range s.subs {
		delete(s.subs, sub)
		sub.drop(ErrStreamClosed)
	}
}

func (sub *Sub[T]) drop(err error) {
	sub.once.Do(func() {
		sub.err = err
		close(sub.ch)
	})
}

// C is the receive channel; it is closed when the subscription ends, after
// which Err reports why.
func (sub *Sub[T]) C() <-chan T {
	return sub.ch
}

func (sub *Sub[T]) Err() error {
	sub.stream.lock.Lock()
	defer sub.stream.lock.Unlock()
	return sub.err
}

func (sub *Sub[T]) Close() {
	sub.stream.lock.Lock()
	delete(sub.stream.subs, sub)
	sub.stream.lock.Unlock()
	sub.drop(ErrStreamClosed)
}
