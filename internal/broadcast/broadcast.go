package broadcast

import "sync"

// Set fans values out to subscribers. Send never blocks: a subscriber whose
// buffer is full misses the value and is expected to catch up from a durable
// source.
type Set[T any] struct {
	lock sync.RWMutex
	set  map[chan T]struct{}
	buf  int
}

func NewSet[T any](buf int) *Set[T] {
	return &Set[T]{set: make(map[chan T]struct{}), buf: buf}
}

func (cs *Set[T]) Subscribe() Chan[T] {
	cs.lock.Lock()
	defer cs.lock.Unlock()

	ch := make(chan T, cs.buf)
	cs.set[ch] = struct{}{}
	return Chan[T]{
		inner: ch,
		cs:    cs,
	}
}

// Send returns the number of subscribers that missed val.
func (cs *Set[T]) Send(val T) (dropped int) {
	cs.lock.RLock()
	defer cs.lock.RUnlock()

	for ch := range cs.set {
		select {
		case ch <- val:
		default:
			dropped++
		}
	}
	return
}

func (cs *Set[T]) Len() int {
	cs.lock.RLock()
	defer cs.lock.RUnlock()

	return len(cs.set)
}

func (cs *Set[T]) CloseAll() {
	cs.lock.Lock()
	defer cs.lock.Unlock()

	for ch := range cs.set {
		close(ch)
	}

	clear(cs.set)
}

// remove reports whether ch was still subscribed.
func (cs *Set[T]) remove(ch chan T) bool {
	cs.lock.Lock()
	defer cs.lock.Unlock()

	if _, ok := cs.set[ch]; !ok {
		return false
	}
	delete(cs.set, ch)
	return true
}

type Chan[T any] struct {
	inner chan T
	cs    *Set[T]
}

func (ch Chan[T]) Receiver() <-chan T {
	return ch.inner
}

func (ch Chan[T]) Close() {
	// Once removed from the set, nothing else sends on inner. If CloseAll got
	// there first, inner is already closed.
	if ch.cs.remove(ch.inner) {
		close(ch.inner)
	}
}
