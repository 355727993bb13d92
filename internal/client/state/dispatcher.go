package state

import (
	"reflect"
	"sync"
)

// Dispatcher routes actions to the reducers registered for their
// concrete type. Dispatch is serialized so reducers observe a
// consistent ordering of actions.
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[reflect.Type][]func(action any)
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[reflect.Type][]func(action any))}
}

// Handle registers fn for actions of type A.
func Handle[A any](d *Dispatcher, fn func(A)) {
	t := reflect.TypeOf((*A)(nil)).Elem()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = append(d.handlers[t], func(action any) { fn(action.(A)) })
}

// Dispatch delivers the action to every handler of its type. Actions
// with no handler are ignored.
func (d *Dispatcher) Dispatch(action any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, fn := range d.handlers[reflect.TypeOf(action)] {
		fn(action)
	}
}
