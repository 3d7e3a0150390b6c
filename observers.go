package sse

import "sync"

// observers is a registry of notification callbacks. Callbacks are invoked
// synchronously in registration order.
type observers[T any] struct {
	mu     sync.Mutex
	nextID int
	fns    []observer[T]
}

type observer[T any] struct {
	id int
	fn func(T)
}

// add registers fn and returns a function that removes it again.
func (o *observers[T]) add(fn func(T)) (cancel func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.nextID++
	id := o.nextID
	o.fns = append(o.fns, observer[T]{id: id, fn: fn})

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i := range o.fns {
			if o.fns[i].id == id {
				o.fns = append(o.fns[:i:i], o.fns[i+1:]...)
				return
			}
		}
	}
}

// emit calls every registered callback with v. The registry is not locked
// while callbacks run, so callbacks may add or cancel observers.
func (o *observers[T]) emit(v T) {
	o.mu.Lock()
	fns := make([]observer[T], len(o.fns))
	copy(fns, o.fns)
	o.mu.Unlock()

	for _, obs := range fns {
		obs.fn(v)
	}
}
