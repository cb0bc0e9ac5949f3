package inspect

import (
	"sync"
	"weak"

	lua "github.com/yuin/gopher-lua"
)

// identity is the weak key of a reference value. Exactly one field is set.
type identity struct {
	table  weak.Pointer[lua.LTable]
	udata  weak.Pointer[lua.LUserData]
	fn     weak.Pointer[lua.LFunction]
	thread weak.Pointer[lua.LState]
}

func identityOf(v lua.LValue) (identity, bool) {
	switch lv := v.(type) {
	case *lua.LTable:
		return identity{table: weak.Make(lv)}, true
	case *lua.LUserData:
		return identity{udata: weak.Make(lv)}, true
	case *lua.LFunction:
		return identity{fn: weak.Make(lv)}, true
	case *lua.LState:
		return identity{thread: weak.Make(lv)}, true
	}
	return identity{}, false
}

// value returns the referenced value, or nil once it has been collected.
func (id identity) value() lua.LValue {
	switch {
	case id.table != (weak.Pointer[lua.LTable]{}):
		if p := id.table.Value(); p != nil {
			return p
		}
	case id.udata != (weak.Pointer[lua.LUserData]{}):
		if p := id.udata.Value(); p != nil {
			return p
		}
	case id.fn != (weak.Pointer[lua.LFunction]{}):
		if p := id.fn.Value(); p != nil {
			return p
		}
	case id.thread != (weak.Pointer[lua.LState]{}):
		if p := id.thread.Value(); p != nil {
			return p
		}
	}
	return nil
}

// Registry maps reference values to small integer handles without keeping
// the values alive. Handles are assigned from 1 in registration order and
// never reused.
type Registry struct {
	mu      sync.Mutex
	next    int
	handles map[identity]int
	values  map[int]identity
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		next:    1,
		handles: make(map[identity]int),
		values:  make(map[int]identity),
	}
}

// Handle returns the handle of v, registering it if needed. Values that are
// not tables, userdata, functions or threads get 0.
func (r *Registry) Handle(v lua.LValue) int {
	id, ok := identityOf(v)
	if !ok {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[id]; ok {
		return h
	}
	h := r.next
	r.next++
	r.handles[id] = h
	r.values[h] = id
	return h
}

// Lookup returns the value behind handle. It reports false for unknown
// handles and for values that have been collected.
func (r *Registry) Lookup(handle int) (lua.LValue, bool) {
	r.mu.Lock()
	id, ok := r.values[handle]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	v := id.value()
	if v == nil {
		return nil, false
	}
	return v, true
}

// Len returns the number of registered entries, collected or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

// Prune drops the entries whose values have been collected and returns how
// many were removed. Hosts call it at interpreter collection points.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for h, id := range r.values {
		if id.value() == nil {
			delete(r.values, h)
			delete(r.handles, id)
			removed++
		}
	}
	return removed
}
