package vm

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("embedvm.vm")

// DefaultMaxDepth bounds guest call nesting.
const DefaultMaxDepth = 1000

// ---------------------------------------------------------------------------
// VM: the embedded guest runtime
// ---------------------------------------------------------------------------

// VM owns a guest heap, the loaded module and the interpreter state.
//
// A VM is not safe for concurrent use. Hosts that need to reach it from
// several goroutines funnel calls through a single owner goroutine.
type VM struct {
	ID    string
	Heap  *Heap
	Names *NameTable

	// MaxDepth bounds guest call nesting; exceeding it throws.
	MaxDepth int

	module      *Module
	generation  uint64
	initialized bool

	// Interpreter state
	stack  []Value
	sp     int
	frames []*frame
}

// Option configures a VM.
type Option func(*VM)

// WithGCThreshold sets the number of allocations between collections.
func WithGCThreshold(n int) Option {
	return func(v *VM) { v.Heap.Threshold = n }
}

// WithMaxCells bounds the number of live heap cells.
func WithMaxCells(n int) Option {
	return func(v *VM) { v.Heap.MaxCells = n }
}

// WithMaxDepth bounds guest call nesting. Non-positive values keep the
// default.
func WithMaxDepth(n int) Option {
	return func(v *VM) {
		if n > 0 {
			v.MaxDepth = n
		}
	}
}

// NewVM creates a VM with an empty heap and no module.
func NewVM(opts ...Option) *VM {
	v := &VM{
		ID:       uuid.New().String(),
		Heap:     NewHeap(),
		Names:    NewNameTable(),
		MaxDepth: DefaultMaxDepth,
		stack:    make([]Value, 0, 256),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.Heap.SetTracer(v.traceRoots)
	return v
}

// traceRoots reports the interpreter stack and the class singletons.
func (v *VM) traceRoots(mark func(Value)) {
	for _, x := range v.stack[:v.sp] {
		mark(x)
	}
	if v.module == nil {
		return
	}
	for _, t := range v.module.Types.All() {
		if t.Statics != nil {
			mark(t.Statics.Global)
		}
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Load links m and makes it the current module. The module is not
// initialized: class singletons stay null until Init runs.
func (v *VM) Load(m *Module) error {
	if m == nil {
		return ErrNoModule
	}
	if err := m.Link(); err != nil {
		return err
	}
	for _, t := range m.Types.All() {
		v.Names.Intern(t.Name)
		for _, f := range t.Fields {
			v.Names.Intern(f.Name)
		}
		for _, p := range t.Protos {
			v.Names.Intern(p.Name)
		}
	}
	v.module = m
	v.generation++
	v.initialized = false
	log.Debug("module loaded", "vm", v.ID, "types", m.Types.Len(), "functions", len(m.Functions), "generation", v.generation)
	return nil
}

// Init materialises every class singleton, binds static methods into it and
// runs the module initializer.
func (v *VM) Init() error {
	if v.module == nil {
		return ErrNoModule
	}
	for _, cls := range v.module.Classes() {
		st := cls.Statics
		g, err := v.NewObject(st)
		if err != nil {
			return err
		}
		st.Global = g
		obj, _ := v.Heap.Object(g)
		for _, f := range st.Fields {
			if f.Binding == nil {
				continue
			}
			cl, err := v.NewClosure(f.Binding, nil)
			if err != nil {
				return err
			}
			obj.Slots[f.Slot] = cl
		}
	}
	v.initialized = true
	if entry := v.module.Entry; entry != nil {
		if _, ex := v.CallFunctionSafe(entry, nil); ex != nil {
			v.initialized = false
			return fmt.Errorf("vm: initializer threw: %w", ex)
		}
	}
	log.Info("module initialized", "vm", v.ID, "classes", len(v.module.Classes()))
	return nil
}

// Reload swaps in a new module. If the previous module was initialized the
// new one is initialized too. The generation counter always advances, which
// invalidates anything resolved against the old module.
func (v *VM) Reload(m *Module) error {
	wasInit := v.initialized
	if err := v.Load(m); err != nil {
		return err
	}
	if wasInit {
		return v.Init()
	}
	return nil
}

// Module returns the current module, or nil.
func (v *VM) Module() *Module { return v.module }

// Generation returns the module generation, bumped by every Load.
func (v *VM) Generation() uint64 { return v.generation }

// Initialized reports whether Init completed for the current module.
func (v *VM) Initialized() bool { return v.initialized }

// Depth returns the current guest call depth.
func (v *VM) Depth() int { return len(v.frames) }

// ---------------------------------------------------------------------------
// Allocation helpers
// ---------------------------------------------------------------------------

// ZeroValue returns the initial value of a slot of kind k.
func ZeroValue(k Kind) Value {
	switch k {
	case KindI32, KindI64:
		return FromInt(0)
	case KindF32, KindF64:
		return FromFloat64(0)
	case KindBool:
		return False
	}
	return Null
}

// NewObject allocates an instance of t with zeroed slots.
func (v *VM) NewObject(t *Type) (Value, error) {
	if t.Kind != KindObj {
		return Null, fmt.Errorf("vm: %s is not an object type", t.Name)
	}
	if err := t.Finalize(); err != nil {
		return Null, err
	}
	slots := make([]Value, t.numSlots)
	for cur := t; cur != nil; cur = cur.Super {
		for _, f := range cur.Fields {
			slots[f.Slot] = ZeroValue(f.Type.Kind)
		}
	}
	return v.Heap.Alloc(&Object{Type: t, Slots: slots})
}

// NewClosure allocates a closure over fn carrying host context env.
func (v *VM) NewClosure(fn *Function, env any) (Value, error) {
	return v.Heap.Alloc(&Closure{Fun: fn, Env: env})
}

// BindClosure allocates a closure over fn with bound as its first argument.
func (v *VM) BindClosure(fn *Function, bound Value) (Value, error) {
	return v.Heap.Alloc(&Closure{Fun: fn, Bound: bound, HasBound: true})
}

// TypeOf returns the runtime object type of x, or nil for non-objects.
func (v *VM) TypeOf(x Value) *Type {
	if o, ok := v.Heap.Object(x); ok {
		return o.Type
	}
	return nil
}
