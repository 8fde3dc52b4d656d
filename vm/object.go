package vm

// ---------------------------------------------------------------------------
// Heap cells
// ---------------------------------------------------------------------------

// cell is anything the heap can hold. trace reports every Value the cell
// keeps alive.
type cell interface {
	trace(mark func(Value))
}

// Object is an instance of an object type. Slots are laid out as computed by
// Type.Finalize: inherited fields first.
type Object struct {
	Type  *Type
	Slots []Value
}

func (o *Object) trace(mark func(Value)) {
	for _, v := range o.Slots {
		mark(v)
	}
}

// Get returns the value of slot i.
func (o *Object) Get(i int) Value { return o.Slots[i] }

// Set stores v into slot i.
func (o *Object) Set(i int, v Value) { o.Slots[i] = v }

// Bytes is a raw byte buffer. Guest strings keep their UTF-16LE code units in
// a Bytes cell; the raw string-boxing path of the bridge produces a bare
// Bytes cell without the String object around it.
type Bytes struct {
	Data []byte
}

func (b *Bytes) trace(func(Value)) {}

// NativeFunc is the signature of a host function callable from guest code.
// env is the context carried by the closure (nil for direct calls).
type NativeFunc func(vm *VM, env any, args []Value) Value

// Closure pairs a function with an optional bound first argument and, for
// native functions, a host context.
type Closure struct {
	Fun      *Function
	Bound    Value
	HasBound bool
	Env      any
}

func (c *Closure) trace(mark func(Value)) {
	if c.HasBound {
		mark(c.Bound)
	}
}

// Arity returns the number of arguments a caller must supply.
func (c *Closure) Arity() int {
	n := c.Fun.Type.Arity()
	if c.HasBound {
		n--
	}
	return n
}

// ---------------------------------------------------------------------------
// Typed views
// ---------------------------------------------------------------------------

// Object returns the Object referenced by v, if any.
func (h *Heap) Object(v Value) (*Object, bool) {
	c, ok := h.Get(v)
	if !ok {
		return nil, false
	}
	o, ok := c.(*Object)
	return o, ok
}

// Bytes returns the Bytes cell referenced by v, if any.
func (h *Heap) Bytes(v Value) (*Bytes, bool) {
	c, ok := h.Get(v)
	if !ok {
		return nil, false
	}
	b, ok := c.(*Bytes)
	return b, ok
}

// Closure returns the Closure referenced by v, if any.
func (h *Heap) Closure(v Value) (*Closure, bool) {
	c, ok := h.Get(v)
	if !ok {
		return nil, false
	}
	cl, ok := c.(*Closure)
	return cl, ok
}
