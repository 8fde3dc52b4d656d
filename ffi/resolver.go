package ffi

import (
	"github.com/chazu/embedvm/vm"
)

// ---------------------------------------------------------------------------
// Class and member resolution
// ---------------------------------------------------------------------------

// Class is a resolved guest class. It stays valid until the module is
// reloaded.
type Class struct {
	t   *vm.Type
	gen uint64
}

// Name returns the class name.
func (c *Class) Name() string { return c.t.Name }

// Type returns the underlying type descriptor.
func (c *Class) Type() *vm.Type { return c.t }

// Super returns the superclass name, or "".
func (c *Class) Super() string {
	if c.t.Super == nil {
		return ""
	}
	return c.t.Super.Name
}

// MemberLookup is the result of resolving a member name against a class.
// Kind is the declared kind that selects the typed accessor.
type MemberLookup struct {
	Class    *Class
	Name     string
	Hash     int32
	Slot     int
	Kind     vm.Kind
	IsMethod bool
	Static   bool

	member *vm.Member
}

// Type returns the member's declared type.
func (ml *MemberLookup) Type() *vm.Type { return ml.member.Type }

// Owner returns the name of the class that declares the member.
func (ml *MemberLookup) Owner() string {
	o := ml.member.Owner
	if o.Owner != nil {
		return o.Owner.Name
	}
	return o.Name
}

// ResolveClass looks a class up by name through the type table's hash
// index.
func (b *Bridge) ResolveClass(name string) (*Class, error) {
	return b.resolveClass("resolve_class", name)
}

func (b *Bridge) resolveClass(op, name string) (*Class, error) {
	if name == "" {
		return nil, b.fail(newError(NullArgument, op).detail("class name is empty").build())
	}
	m, err := b.requireModule(op)
	if err != nil {
		return nil, err
	}
	b.lookups++
	t := m.Types.LookupHash(vm.Hash(name), name)
	if t == nil || t.Kind != vm.KindObj || t.Owner != nil {
		return nil, b.fail(newError(TypeNotFound, op).detail("class %s not found", name).build())
	}
	return &Class{t: t, gen: b.vm.Generation()}, nil
}

// checkClass rejects nil and stale class handles.
func (b *Bridge) checkClass(op string, c *Class) error {
	if c == nil {
		return b.fail(newError(NullArgument, op).detail("class is nil").build())
	}
	if c.gen != b.vm.Generation() {
		return b.fail(newError(InvalidArgument, op).detail("class %s is stale after reload", c.t.Name).build())
	}
	return nil
}

// ResolveStatic resolves a static field or static method of c. The class
// singleton must have been materialised by the module initializer.
func (b *Bridge) ResolveStatic(c *Class, member string) (*MemberLookup, error) {
	return b.resolveStatic("resolve_static", c, member)
}

func (b *Bridge) resolveStatic(op string, c *Class, member string) (*MemberLookup, error) {
	if err := b.checkClass(op, c); err != nil {
		return nil, err
	}
	if member == "" {
		return nil, b.fail(newError(NullArgument, op).detail("member name is empty").build())
	}
	st := c.t.Statics
	if st == nil {
		return nil, b.fail(newError(MemberNotFound, op).detail("%s has no static members", c.t.Name).build())
	}
	if !b.vm.Initialized() || st.Global == vm.Null {
		return nil, b.fail(newError(NotInitialized, op).detail("class %s is not initialized", c.t.Name).build())
	}
	b.lookups++
	m := st.Lookup(vm.Hash(member))
	if m == nil || m.Name != member {
		return nil, b.fail(newError(MemberNotFound, op).detail("%s has no static member %s", c.t.Name, member).build())
	}
	return newLookup(c, m, true), nil
}

// ResolveInstance resolves an instance field or method of c, including
// members inherited from its supertypes.
func (b *Bridge) ResolveInstance(c *Class, member string) (*MemberLookup, error) {
	return b.resolveInstance("resolve_instance", c, member)
}

func (b *Bridge) resolveInstance(op string, c *Class, member string) (*MemberLookup, error) {
	if err := b.checkClass(op, c); err != nil {
		return nil, err
	}
	return b.resolveOn(op, c, c.t, member)
}

// resolveOn looks member up in t's flattened member index.
func (b *Bridge) resolveOn(op string, c *Class, t *vm.Type, member string) (*MemberLookup, error) {
	if member == "" {
		return nil, b.fail(newError(NullArgument, op).detail("member name is empty").build())
	}
	b.lookups++
	m := t.Lookup(vm.Hash(member))
	if m == nil || m.Name != member {
		return nil, b.fail(newError(MemberNotFound, op).detail("%s has no member %s", t.Name, member).build())
	}
	if c == nil {
		c = &Class{t: t, gen: b.vm.Generation()}
	}
	return newLookup(c, m, false), nil
}

func newLookup(c *Class, m *vm.Member, static bool) *MemberLookup {
	ml := &MemberLookup{
		Class:    c,
		Name:     m.Name,
		Hash:     m.Hash,
		Slot:     m.Slot,
		IsMethod: m.Kind == vm.MemberMethod,
		Static:   static,
		member:   m,
	}
	if m.Type != nil {
		ml.Kind = m.Type.Kind
	}
	if ml.IsMethod {
		ml.Kind = vm.KindFun
	}
	return ml
}

// ---------------------------------------------------------------------------
// Store-side kind switch
// ---------------------------------------------------------------------------

// marshal converts a host-supplied value to the representation required by
// a slot or parameter of type t. Raw byte strings are re-tagged into
// String objects when t expects a string or a dynamic value; numbers are
// coerced to the declared width. Callers must hold a scratch scope.
func (b *Bridge) marshal(op string, t *vm.Type, x vm.Value) (vm.Value, error) {
	if t != nil && t.Kind == vm.KindVoid {
		return vm.Null, b.fail(newError(TypeMismatch, op).detail("cannot pass a value as void").build())
	}
	if t != nil && b.vm.IsRawString(x) && (t.Kind == vm.KindDyn || t == anyObject || vm.IsStringType(t)) {
		s, err := b.vm.WrapBytes(x)
		if err != nil {
			return vm.Null, b.fail(b.vmError(op, err))
		}
		b.protect(s)
		x = s
	}
	var cv vm.Value
	var ok bool
	if t == anyObject {
		cv, ok = coerceCallback(b.vm, t, x)
	} else {
		cv, ok = b.vm.Coerce(t, x)
	}
	if !ok {
		return vm.Null, b.fail(newError(TypeMismatch, op).detail("%s is not assignable to %s", b.vm.ToString(x), typeName(t)).build())
	}
	return cv, nil
}

// marshalArgs resolves and converts each argument handle against params.
func (b *Bridge) marshalArgs(op string, params []*vm.Type, args []Handle) ([]vm.Value, error) {
	if len(args) != len(params) {
		return nil, b.fail(newError(InvalidArgument, op).detail("expected %d arguments, got %d", len(params), len(args)).build())
	}
	out := make([]vm.Value, len(args))
	for i, h := range args {
		x, err := b.argValue(op, h)
		if err != nil {
			return nil, err
		}
		b.protect(x)
		if out[i], err = b.marshal(op, params[i], x); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// argValue resolves an argument handle. NoHandle passes the guest null.
func (b *Bridge) argValue(op string, h Handle) (vm.Value, error) {
	if h == NoHandle {
		return vm.Null, nil
	}
	return b.lookup(op, h)
}

func typeName(t *vm.Type) string {
	if t == nil {
		return "dynamic"
	}
	if t.Kind == vm.KindObj {
		return t.Name
	}
	return t.Kind.String()
}
