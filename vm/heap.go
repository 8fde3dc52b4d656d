package vm

import (
	"errors"
	"time"
)

// ErrOutOfMemory is returned when an allocation would exceed the heap's cell
// limit even after a full collection.
var ErrOutOfMemory = errors.New("vm: out of memory")

// DefaultGCThreshold is the number of allocations between collections.
const DefaultGCThreshold = 4096

// RootID identifies an explicit root registration. Zero is never issued.
type RootID uint64

// GCStats holds statistics from a single collection.
type GCStats struct {
	Marked    int
	Swept     int
	Live      int
	Duration  time.Duration
	Timestamp time.Time
}

type heapSlot struct {
	c      cell
	gen    uint16
	marked bool
}

// Heap is the guest's garbage-collected cell arena.
//
// Cells are addressed by index; a slot's generation is bumped every time it
// is freed so stale references fail lookups instead of aliasing new cells.
// Collection is stop-the-world mark/sweep and only runs inside Alloc, so the
// set of roots is always known: explicit roots, open scratch scopes and
// whatever the tracer (the interpreter stack and class singletons) reports.
type Heap struct {
	slots []heapSlot
	free  []uint32
	live  int

	roots    map[RootID]Value
	nextRoot RootID

	scratch []Value

	// Threshold is the number of allocations that triggers a collection.
	Threshold int
	// MaxCells bounds the number of live cells. Zero means unbounded.
	MaxCells int

	sinceGC     int
	collections uint64
	lastStats   GCStats
	tracer      func(mark func(Value))
}

// NewHeap creates an empty heap.
func NewHeap() *Heap {
	return &Heap{
		roots:     make(map[RootID]Value),
		Threshold: DefaultGCThreshold,
	}
}

// SetTracer installs the function that reports runtime roots during marking.
func (h *Heap) SetTracer(fn func(mark func(Value))) { h.tracer = fn }

// Alloc stores c in a fresh slot and returns a reference to it.
func (h *Heap) Alloc(c cell) (Value, error) {
	h.sinceGC++
	if h.Threshold > 0 && h.sinceGC >= h.Threshold {
		h.Collect()
	}
	if h.MaxCells > 0 && h.live >= h.MaxCells {
		h.Collect()
		if h.live >= h.MaxCells {
			return Null, ErrOutOfMemory
		}
	}

	var idx uint32
	if n := len(h.free); n > 0 {
		idx = h.free[n-1]
		h.free = h.free[:n-1]
	} else {
		idx = uint32(len(h.slots))
		h.slots = append(h.slots, heapSlot{})
	}
	s := &h.slots[idx]
	s.c = c
	s.marked = false
	h.live++
	return FromRef(Ref{Index: idx, Gen: s.gen}), nil
}

// Get returns the cell referenced by v. It reports false for non-references
// and for references to collected cells.
func (h *Heap) Get(v Value) (cell, bool) {
	if !v.IsRef() {
		return nil, false
	}
	r := v.Ref()
	if int(r.Index) >= len(h.slots) {
		return nil, false
	}
	s := &h.slots[r.Index]
	if s.c == nil || s.gen != r.Gen {
		return nil, false
	}
	return s.c, true
}

// Valid reports whether v is a non-reference or a live reference.
func (h *Heap) Valid(v Value) bool {
	if !v.IsRef() {
		return true
	}
	_, ok := h.Get(v)
	return ok
}

// ---------------------------------------------------------------------------
// Roots
// ---------------------------------------------------------------------------

// AddRoot registers v as a root until RemoveRoot is called with the returned
// id. Registering the same value twice yields two independent roots.
func (h *Heap) AddRoot(v Value) RootID {
	h.nextRoot++
	h.roots[h.nextRoot] = v
	return h.nextRoot
}

// RemoveRoot drops a root registration. It reports false if id was unknown.
func (h *Heap) RemoveRoot(id RootID) bool {
	if _, ok := h.roots[id]; !ok {
		return false
	}
	delete(h.roots, id)
	return true
}

// RootCount returns the number of explicit root registrations.
func (h *Heap) RootCount() int { return len(h.roots) }

// EnterScope opens a scratch scope and returns its mark. Values passed to
// Protect stay alive until LeaveScope is called with that mark.
func (h *Heap) EnterScope() int { return len(h.scratch) }

// Protect keeps v alive until the enclosing scratch scope is left.
func (h *Heap) Protect(v Value) {
	if v.IsRef() {
		h.scratch = append(h.scratch, v)
	}
}

// LeaveScope drops every value protected since mark.
func (h *Heap) LeaveScope(mark int) {
	if mark < len(h.scratch) {
		clear(h.scratch[mark:])
		h.scratch = h.scratch[:mark]
	}
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

// Collect runs a full mark/sweep collection.
func (h *Heap) Collect() GCStats {
	start := time.Now()
	stats := GCStats{Timestamp: start}

	var work []Value
	mark := func(v Value) {
		if !v.IsRef() {
			return
		}
		r := v.Ref()
		if int(r.Index) >= len(h.slots) {
			return
		}
		s := &h.slots[r.Index]
		if s.c == nil || s.gen != r.Gen || s.marked {
			return
		}
		s.marked = true
		stats.Marked++
		work = append(work, v)
	}

	for _, v := range h.roots {
		mark(v)
	}
	for _, v := range h.scratch {
		mark(v)
	}
	if h.tracer != nil {
		h.tracer(mark)
	}
	for len(work) > 0 {
		v := work[len(work)-1]
		work = work[:len(work)-1]
		h.slots[v.Ref().Index].c.trace(mark)
	}

	for i := range h.slots {
		s := &h.slots[i]
		if s.c == nil {
			continue
		}
		if s.marked {
			s.marked = false
			continue
		}
		s.c = nil
		s.gen++
		h.free = append(h.free, uint32(i))
		h.live--
		stats.Swept++
	}

	h.sinceGC = 0
	h.collections++
	stats.Live = h.live
	stats.Duration = time.Since(start)
	h.lastStats = stats
	return stats
}

// Live returns the number of live cells.
func (h *Heap) Live() int { return h.live }

// Collections returns the number of collections run so far.
func (h *Heap) Collections() uint64 { return h.collections }

// LastStats returns statistics from the most recent collection.
func (h *Heap) LastStats() GCStats { return h.lastStats }
