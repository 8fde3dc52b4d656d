package ffi

import "github.com/chazu/embedvm/vm"

// Handle is an opaque id for a guest value held by the host. The zero
// Handle is the absent value.
type Handle uint32

// NoHandle is the absent value.
const NoHandle Handle = 0

// handleEntry is one arena slot. A rooted entry owns exactly one heap root
// registration, released by Free.
type handleEntry struct {
	value  vm.Value
	root   vm.RootID
	rooted bool
}

// handleArena maps ids to guest values. Ids are never reused while live,
// so a freed id is detected instead of aliasing a newer value.
type handleArena struct {
	entries map[Handle]*handleEntry
	next    Handle
}

func newHandleArena() handleArena {
	return handleArena{entries: make(map[Handle]*handleEntry)}
}

func (a *handleArena) insert(e *handleEntry) Handle {
	for {
		a.next++
		if a.next == NoHandle {
			continue
		}
		if _, taken := a.entries[a.next]; !taken {
			break
		}
	}
	a.entries[a.next] = e
	return a.next
}

func (a *handleArena) get(h Handle) (*handleEntry, bool) {
	e, ok := a.entries[h]
	return e, ok
}

func (a *handleArena) remove(h Handle) { delete(a.entries, h) }

func (a *handleArena) len() int { return len(a.entries) }

// ---------------------------------------------------------------------------
// Bridge handle operations
// ---------------------------------------------------------------------------

// own wraps x in a new handle. References get their own root so the value
// stays alive until the handle is freed.
func (b *Bridge) own(x vm.Value) Handle {
	e := &handleEntry{value: x}
	if x.IsRef() {
		e.root = b.vm.Heap.AddRoot(x)
		e.rooted = true
	}
	return b.handles.insert(e)
}

// borrow wraps x without a root. The caller guarantees x is kept alive by
// something else for as long as the handle is used.
func (b *Bridge) borrow(x vm.Value) Handle {
	return b.handles.insert(&handleEntry{value: x})
}

// release drops a handle the bridge created for its own use.
func (b *Bridge) release(h Handle) {
	if e, ok := b.handles.get(h); ok {
		if e.rooted {
			b.vm.Heap.RemoveRoot(e.root)
		}
		b.handles.remove(h)
	}
}

// lookup returns the value behind h.
func (b *Bridge) lookup(op string, h Handle) (vm.Value, error) {
	if h == NoHandle {
		return vm.Null, b.fail(newError(NullArgument, op).detail("handle is nil").build())
	}
	e, ok := b.handles.get(h)
	if !ok {
		return vm.Null, b.fail(newError(InvalidArgument, op).detail("unknown or freed handle %d", h).build())
	}
	return e.value, nil
}

// Free releases h and, if it is rooted, its root registration. Freeing an
// unknown or already freed handle is INVALID_ARGUMENT.
func (b *Bridge) Free(h Handle) error {
	if h == NoHandle {
		return b.fail(newError(NullArgument, "free").detail("handle is nil").build())
	}
	e, ok := b.handles.get(h)
	if !ok {
		return b.fail(newError(InvalidArgument, "free").detail("unknown or freed handle %d", h).build())
	}
	if e.rooted {
		b.vm.Heap.RemoveRoot(e.root)
	}
	b.handles.remove(h)
	return nil
}

// Root promotes a borrowed handle to a rooted one. Rooting a rooted handle
// or a non-reference value is a no-op.
func (b *Bridge) Root(h Handle) error {
	if _, err := b.lookup("root", h); err != nil {
		return err
	}
	e, _ := b.handles.get(h)
	if e.rooted || !e.value.IsRef() {
		return nil
	}
	if !b.vm.Heap.Valid(e.value) {
		return b.fail(newError(InvalidArgument, "root").detail("handle %d refers to a collected value", h).build())
	}
	e.root = b.vm.Heap.AddRoot(e.value)
	e.rooted = true
	return nil
}

// IsRooted reports whether h owns a root registration.
func (b *Bridge) IsRooted(h Handle) bool {
	e, ok := b.handles.get(h)
	return ok && e.rooted
}

// Value returns the raw guest value behind h.
func (b *Bridge) Value(h Handle) (vm.Value, bool) {
	e, ok := b.handles.get(h)
	if !ok {
		return vm.Null, false
	}
	return e.value, true
}

// Wrap returns a new rooted handle for a raw guest value.
func (b *Bridge) Wrap(x vm.Value) Handle { return b.own(x) }
