package sublist

import (
	"sync"
)

// Entry is the handle returned by Add. It is only meaningful to the
// Dispatcher that created it.
type Entry[T any] struct {
	fn      func(T)
	removed bool
}

// Dispatcher is an ordered list of subscriber callbacks for one event kind.
// Notify calls subscribers in registration order, outside the lock, so a
// subscriber may add or remove entries (including itself) while being
// notified. A removed entry is not called again even by a Notify already in
// progress.
type Dispatcher[T any] struct {
	mu   sync.Mutex
	list []*Entry[T]
}

func NewDispatcher[T any]() *Dispatcher[T] {
	d := &Dispatcher[T]{}
	d.list = make([]*Entry[T], 0, 4)
	return d
}

func (d *Dispatcher[T]) Add(fn func(T)) *Entry[T] {
	e := &Entry[T]{fn: fn}
	d.mu.Lock()
	d.list = append(d.list, e)
	d.mu.Unlock()
	return e
}

// Remove reports whether e was registered.
func (d *Dispatcher[T]) Remove(e *Entry[T]) bool {
	if e == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, x := range d.list {
		if x == e {
			e.removed = true
			// fresh slice so a snapshot held by Notify stays intact
			n := make([]*Entry[T], 0, len(d.list)-1)
			n = append(n, d.list[:i]...)
			d.list = append(n, d.list[i+1:]...)
			return true
		}
	}
	return false
}

func (d *Dispatcher[T]) Notify(v T) {
	d.mu.Lock()
	snapshot := d.list
	d.mu.Unlock()
	for _, e := range snapshot {
		d.mu.Lock()
		removed := e.removed
		d.mu.Unlock()
		if removed {
			continue
		}
		e.fn(v)
	}
}

func (d *Dispatcher[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.list)
}

// Clear removes every subscriber.
func (d *Dispatcher[T]) Clear() {
	d.mu.Lock()
	for _, e := range d.list {
		e.removed = true
	}
	d.list = make([]*Entry[T], 0, 4)
	d.mu.Unlock()
}
