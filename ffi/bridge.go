// Package ffi bridges host code and the embedded guest runtime: it boxes
// host primitives into guest values, resolves classes and members by hashed
// name, invokes guest callables under the trapping calling convention,
// caches resolved call sites and turns host functions into guest closures.
//
// A Bridge is not safe for concurrent use. Hosts that call into the guest
// from several goroutines run the bridge under a Worker.
package ffi

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/embedvm/vm"
)

var log = commonlog.GetLogger("embedvm.ffi")

// Bridge is the host-side context for one guest VM. Every table the bridge
// needs (handles, callbacks, exception state) lives here; nothing is
// process-global.
type Bridge struct {
	ID string

	vm      *vm.VM
	handles handleArena

	cbMu         sync.Mutex
	callbacks    []*callbackEntry
	maxCallbacks int

	exc     exceptionState
	lastErr error

	// lookups counts hashed name resolutions; cached calls never bump it.
	lookups uint64
}

// New creates a bridge over v. The VM may be empty: a module can be loaded
// and initialized later through Load and Init.
func New(v *vm.VM, opts ...Option) (*Bridge, error) {
	if v == nil {
		return nil, newError(NullArgument, "new").detail("vm is nil").build()
	}
	b := &Bridge{
		ID:           uuid.New().String(),
		vm:           v,
		maxCallbacks: DefaultMaxCallbacks,
		handles:      newHandleArena(),
	}
	for _, opt := range opts {
		opt(b)
	}
	log.Debug("bridge created", "bridge", b.ID, "vm", v.ID, "maxCallbacks", b.maxCallbacks)
	return b, nil
}

// VM returns the underlying guest runtime.
func (b *Bridge) VM() *vm.VM { return b.vm }

// ---------------------------------------------------------------------------
// Lifecycle passthroughs
// ---------------------------------------------------------------------------

// Load makes m the current module without running its initializer.
func (b *Bridge) Load(m *vm.Module) error {
	if err := b.vm.Load(m); err != nil {
		return b.fail(newError(InvalidArgument, "load").cause(err).build())
	}
	return nil
}

// Init runs the module initializer, materialising every class singleton.
func (b *Bridge) Init() error {
	if err := b.vm.Init(); err != nil {
		var ex *vm.Exception
		if errors.As(err, &ex) {
			b.recordException(ex)
			return b.fail(newError(ExceptionThrown, "init").detail("%s", ex.Message).cause(ex).build())
		}
		return b.fail(b.vmError("init", err))
	}
	return nil
}

// Reload swaps in a new module. Class handles and call-site caches
// resolved before the reload become stale and are rejected on use.
// Registered callbacks survive: their closures do not belong to a module.
func (b *Bridge) Reload(m *vm.Module) error {
	if err := b.vm.Reload(m); err != nil {
		var ex *vm.Exception
		if errors.As(err, &ex) {
			b.recordException(ex)
			return b.fail(newError(ExceptionThrown, "reload").detail("%s", ex.Message).cause(ex).build())
		}
		return b.fail(b.vmError("reload", err))
	}
	log.Info("module reloaded", "bridge", b.ID, "generation", b.vm.Generation())
	return nil
}

// Stats is a snapshot of bridge and heap bookkeeping.
type Stats struct {
	Handles     int
	Roots       int
	Callbacks   int
	LiveCells   int
	Collections uint64
	Lookups     uint64
	Generation  uint64
}

// Stats returns current counters.
func (b *Bridge) Stats() Stats {
	b.cbMu.Lock()
	ncb := len(b.callbacks)
	b.cbMu.Unlock()
	return Stats{
		Handles:     b.handles.len(),
		Roots:       b.vm.Heap.RootCount(),
		Callbacks:   ncb,
		LiveCells:   b.vm.Heap.Live(),
		Collections: b.vm.Heap.Collections(),
		Lookups:     b.lookups,
		Generation:  b.vm.Generation(),
	}
}

// Collect forces a full garbage collection.
func (b *Bridge) Collect() vm.GCStats {
	return b.vm.Heap.Collect()
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// enter opens a heap scratch scope for the duration of one bridge
// operation. Values marshalled for the call are protected in it so an
// allocation-triggered collection cannot reclaim them.
func (b *Bridge) enter() func() {
	mark := b.vm.Heap.EnterScope()
	return func() { b.vm.Heap.LeaveScope(mark) }
}

func (b *Bridge) protect(x vm.Value) { b.vm.Heap.Protect(x) }

// fail records err as the last error and returns it.
func (b *Bridge) fail(err *Error) error {
	b.lastErr = err
	log.Debug("bridge error", "bridge", b.ID, "op", err.Op, "code", err.Code.String(), "detail", err.Detail)
	return err
}

// requireModule reports NOT_INITIALIZED when no module is loaded.
func (b *Bridge) requireModule(op string) (*vm.Module, error) {
	m := b.vm.Module()
	if m == nil {
		return nil, b.fail(newError(NotInitialized, op).detail("no module loaded").build())
	}
	return m, nil
}

// vmError maps runtime errors onto the taxonomy.
func (b *Bridge) vmError(op string, err error) *Error {
	switch {
	case errors.Is(err, vm.ErrOutOfMemory):
		return newError(OutOfMemory, op).cause(err).build()
	case errors.Is(err, vm.ErrNoModule), errors.Is(err, vm.ErrNotInitialized):
		return newError(NotInitialized, op).cause(err).build()
	}
	return newError(InvalidArgument, op).cause(err).build()
}
