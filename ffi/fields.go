package ffi

import (
	"github.com/chazu/embedvm/vm"
)

// ---------------------------------------------------------------------------
// Static fields
// ---------------------------------------------------------------------------

// staticSlot resolves class.field to the singleton object and member.
func (b *Bridge) staticSlot(op, class, field string) (*vm.Object, *MemberLookup, error) {
	c, err := b.resolveClass(op, class)
	if err != nil {
		return nil, nil, err
	}
	ml, err := b.resolveStatic(op, c, field)
	if err != nil {
		return nil, nil, err
	}
	obj, ok := b.vm.Heap.Object(c.t.Statics.Global)
	if !ok {
		return nil, nil, b.fail(newError(NotInitialized, op).detail("class %s has no singleton", class).build())
	}
	return obj, ml, nil
}

func (b *Bridge) getStatic(op, class, field string) (vm.Value, *MemberLookup, error) {
	obj, ml, err := b.staticSlot(op, class, field)
	if err != nil {
		return vm.Null, nil, err
	}
	return obj.Get(ml.Slot), ml, nil
}

func (b *Bridge) setStatic(op, class, field string, x vm.Value) error {
	obj, ml, err := b.staticSlot(op, class, field)
	if err != nil {
		return err
	}
	cv, err := b.marshal(op, ml.Type(), x)
	if err != nil {
		return err
	}
	obj.Set(ml.Slot, cv)
	return nil
}

// GetStaticField reads a static field. The result is a new owned handle;
// reference values are rooted and Free releases the root.
func (b *Bridge) GetStaticField(class, field string) (Handle, error) {
	x, _, err := b.getStatic("get_static_field", class, field)
	if err != nil {
		return NoHandle, err
	}
	return b.own(x), nil
}

// SetStaticField stores val into a static field, coercing it to the
// field's declared kind.
func (b *Bridge) SetStaticField(class, field string, val Handle) error {
	defer b.enter()()
	x, err := b.argValue("set_static_field", val)
	if err != nil {
		return err
	}
	b.protect(x)
	return b.setStatic("set_static_field", class, field, x)
}

// ---------------------------------------------------------------------------
// Instance fields
// ---------------------------------------------------------------------------

// instance resolves h to a guest object.
func (b *Bridge) instance(op string, h Handle) (vm.Value, *vm.Object, error) {
	x, err := b.lookup(op, h)
	if err != nil {
		return vm.Null, nil, err
	}
	if x == vm.Null {
		return x, nil, b.fail(newError(NullArgument, op).detail("instance is null").build())
	}
	obj, ok := b.vm.Heap.Object(x)
	if !ok {
		if x.IsRef() && !b.vm.Heap.Valid(x) {
			return x, nil, b.fail(newError(InvalidArgument, op).detail("handle %d refers to a collected value", h).build())
		}
		return x, nil, b.fail(newError(TypeMismatch, op).detail("%s is not an object", b.vm.ToString(x)).build())
	}
	return x, obj, nil
}

func (b *Bridge) fieldSlot(op string, h Handle, field string) (*vm.Object, *MemberLookup, error) {
	_, obj, err := b.instance(op, h)
	if err != nil {
		return nil, nil, err
	}
	ml, err := b.resolveOn(op, nil, obj.Type, field)
	if err != nil {
		return nil, nil, err
	}
	if ml.IsMethod {
		return nil, nil, b.fail(newError(MemberNotFound, op).detail("%s.%s is a method, not a field", obj.Type.Name, field).build())
	}
	return obj, ml, nil
}

func (b *Bridge) getField(op string, h Handle, field string) (vm.Value, *MemberLookup, error) {
	obj, ml, err := b.fieldSlot(op, h, field)
	if err != nil {
		return vm.Null, nil, err
	}
	return obj.Get(ml.Slot), ml, nil
}

func (b *Bridge) setField(op string, h Handle, field string, x vm.Value) error {
	obj, ml, err := b.fieldSlot(op, h, field)
	if err != nil {
		return err
	}
	cv, err := b.marshal(op, ml.Type(), x)
	if err != nil {
		return err
	}
	obj.Set(ml.Slot, cv)
	return nil
}

// GetField reads an instance field, inherited fields included. The result
// is a new owned handle; reference values are rooted and Free releases the
// root.
func (b *Bridge) GetField(obj Handle, field string) (Handle, error) {
	x, _, err := b.getField("get_field", obj, field)
	if err != nil {
		return NoHandle, err
	}
	return b.own(x), nil
}

// SetField stores val into an instance field.
func (b *Bridge) SetField(obj Handle, field string, val Handle) error {
	defer b.enter()()
	x, err := b.argValue("set_field", val)
	if err != nil {
		return err
	}
	b.protect(x)
	return b.setField("set_field", obj, field, x)
}

// ---------------------------------------------------------------------------
// Construction and introspection
// ---------------------------------------------------------------------------

// New allocates an instance of class and runs its "new" constructor with
// args. The result is a rooted handle.
func (b *Bridge) New(class string, args ...Handle) (Handle, error) {
	const op = "new"
	b.clearException()
	defer b.enter()()
	c, err := b.resolveClass(op, class)
	if err != nil {
		return NoHandle, err
	}
	if !b.vm.Initialized() {
		return NoHandle, b.fail(newError(NotInitialized, op).detail("module is not initialized").build())
	}

	var ctor *vm.Function
	if m := c.t.Lookup(vm.Hash("new")); m != nil && m.Kind == vm.MemberMethod && m.Name == "new" {
		ctor = c.t.Method(m.Proto)
	}
	var params []*vm.Type
	if ctor != nil {
		params = ctor.Type.Args[1:]
	}
	vals, err := b.marshalArgs(op, params, args)
	if err != nil {
		return NoHandle, err
	}

	obj, err := b.vm.NewObject(c.t)
	if err != nil {
		return NoHandle, b.fail(b.vmError(op, err))
	}
	b.protect(obj)
	if ctor != nil {
		_, ex := b.vm.CallFunctionSafe(ctor, append([]vm.Value{obj}, vals...))
		if ex != nil {
			return NoHandle, b.thrown(op, ex)
		}
	}
	log.Debug("instance created", "class", class, "args", len(args))
	return b.own(obj), nil
}

// IsInstanceOf reports whether h holds an instance of class or one of its
// subclasses. Unknown classes and non-objects report false.
func (b *Bridge) IsInstanceOf(h Handle, class string) bool {
	x, ok := b.Value(h)
	if !ok {
		return false
	}
	t := b.vm.TypeOf(x)
	if t == nil {
		return false
	}
	c, err := b.resolveClass("is_instance_of", class)
	if err != nil {
		return false
	}
	return t.IsSubtypeOf(c.t)
}

// MemberInfo describes one member for enumeration.
type MemberInfo struct {
	Name   string
	Kind   vm.Kind
	Owner  string
	Static bool
	Arity  int
}

// Fields lists the instance and static data fields of class.
func (b *Bridge) Fields(class string) ([]MemberInfo, error) {
	return b.members("fields", class, false)
}

// Methods lists the instance and static methods of class.
func (b *Bridge) Methods(class string) ([]MemberInfo, error) {
	return b.members("methods", class, true)
}

func (b *Bridge) members(op, class string, methods bool) ([]MemberInfo, error) {
	c, err := b.resolveClass(op, class)
	if err != nil {
		return nil, err
	}
	var out []MemberInfo
	for _, m := range c.t.Members() {
		if (m.Kind == vm.MemberMethod) != methods {
			continue
		}
		mi := MemberInfo{Name: m.Name, Owner: m.Owner.Name}
		if m.Kind == vm.MemberMethod {
			mi.Kind = vm.KindFun
			if fn := m.Proto.Function; fn != nil {
				mi.Arity = fn.Arity() - 1
			}
		} else if m.Type != nil {
			mi.Kind = m.Type.Kind
		}
		out = append(out, mi)
	}
	if st := c.t.Statics; st != nil {
		for _, f := range st.Fields {
			isMethod := f.Binding != nil
			if isMethod != methods {
				continue
			}
			mi := MemberInfo{Name: f.Name, Owner: c.t.Name, Static: true}
			if f.Type != nil {
				mi.Kind = f.Type.Kind
			}
			if isMethod {
				mi.Arity = f.Binding.Arity()
			}
			out = append(out, mi)
		}
	}
	return out, nil
}

// Classes lists the names of every class in the loaded module.
func (b *Bridge) Classes() ([]string, error) {
	m, err := b.requireModule("classes")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, t := range m.Classes() {
		out = append(out, t.Name)
	}
	return out, nil
}
