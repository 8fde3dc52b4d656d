package vm

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Kind: declared storage kind of a field, argument or return value
// ---------------------------------------------------------------------------

// Kind is the declared kind of a slot. It decides how values are coerced
// when they are stored and which accessor the bridge uses.
type Kind uint8

const (
	KindVoid Kind = iota
	KindI32
	KindI64
	KindF32
	KindF64
	KindBool
	KindBytes
	KindDyn
	KindFun
	KindObj
)

var kindNames = [...]string{
	KindVoid:  "void",
	KindI32:   "i32",
	KindI64:   "i64",
	KindF32:   "f32",
	KindF64:   "f64",
	KindBool:  "bool",
	KindBytes: "bytes",
	KindDyn:   "dyn",
	KindFun:   "fun",
	KindObj:   "obj",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// IsPointer reports whether slots of this kind hold references (or null).
func (k Kind) IsPointer() bool {
	return k == KindBytes || k == KindDyn || k == KindFun || k == KindObj
}

// Primitive type descriptors shared by every module.
var (
	TVoid  = &Type{Kind: KindVoid, Name: "Void"}
	TI32   = &Type{Kind: KindI32, Name: "Int"}
	TI64   = &Type{Kind: KindI64, Name: "I64"}
	TF32   = &Type{Kind: KindF32, Name: "Single"}
	TF64   = &Type{Kind: KindF64, Name: "Float"}
	TBool  = &Type{Kind: KindBool, Name: "Bool"}
	TBytes = &Type{Kind: KindBytes, Name: "Bytes"}
	TDyn   = &Type{Kind: KindDyn, Name: "Dynamic"}
)

// PrimitiveType returns the shared descriptor for a non-object kind.
func PrimitiveType(k Kind) *Type {
	switch k {
	case KindVoid:
		return TVoid
	case KindI32:
		return TI32
	case KindI64:
		return TI64
	case KindF32:
		return TF32
	case KindF64:
		return TF64
	case KindBool:
		return TBool
	case KindBytes:
		return TBytes
	case KindDyn:
		return TDyn
	}
	return nil
}

// ---------------------------------------------------------------------------
// Type: guest type descriptor
// ---------------------------------------------------------------------------

// FunType is the signature of a callable.
type FunType struct {
	Args []*Type
	Ret  *Type
}

// Arity returns the number of declared arguments.
func (ft *FunType) Arity() int { return len(ft.Args) }

// Field is a declared data slot. On a statics type a field may instead be a
// binding: its slot is filled with a closure over Binding when the class
// singleton is materialised.
type Field struct {
	Name    string
	Hash    int32
	Type    *Type
	Slot    int
	Binding *Function
}

// Proto is an instance method. Index is its position in the vtable; an
// override in a subclass reuses the index of the method it overrides.
type Proto struct {
	Name     string
	Hash     int32
	Function *Function
	Index    int
}

// MemberKind distinguishes data members from methods.
type MemberKind uint8

const (
	MemberField MemberKind = iota
	MemberMethod
)

// Member is the result of resolving a hashed name against a type.
type Member struct {
	Name  string
	Hash  int32
	Kind  MemberKind
	Owner *Type  // type that declared the member
	Type  *Type  // declared field type, or the method's function type
	Slot  int    // object slot for fields
	Proto *Proto // method descriptor for MemberMethod
}

// Type describes a guest type. Object types carry their fields, methods, the
// statics type holding class-level members, and a hashed member index built
// by Finalize.
type Type struct {
	Kind   Kind
	Name   string
	Hash   int32
	Index  int
	Super  *Type
	Fields []*Field
	Protos []*Proto
	Fun    *FunType

	// Statics is the "$Name" type whose singleton holds static fields and
	// static method closures. Owner points back from the statics type.
	Statics *Type
	Owner   *Type

	// Global is the materialised singleton of a statics type. It is Null
	// until the module initializer has run.
	Global Value

	members   map[int32]*Member
	vtable    []*Function
	numSlots  int
	finalized bool
}

// NumSlots returns the number of object slots, including inherited ones.
func (t *Type) NumSlots() int { return t.numSlots }

// IsObj reports whether t is an object type.
func (t *Type) IsObj() bool { return t.Kind == KindObj }

// Lookup resolves a hashed member name against the flattened member index,
// which already includes the supertype chain.
func (t *Type) Lookup(hash int32) *Member {
	return t.members[hash]
}

// Members returns every resolvable member, own and inherited.
func (t *Type) Members() []*Member {
	out := make([]*Member, 0, len(t.members))
	for cur := t; cur != nil; cur = cur.Super {
		for _, f := range cur.Fields {
			if m := t.members[f.Hash]; m != nil && m.Owner == cur && m.Kind == MemberField {
				out = append(out, m)
			}
		}
		for _, p := range cur.Protos {
			if m := t.members[p.Hash]; m != nil && m.Owner == cur && m.Kind == MemberMethod {
				out = append(out, m)
			}
		}
	}
	return out
}

// Method returns the implementation selected by virtual dispatch for p on a
// receiver of type t.
func (t *Type) Method(p *Proto) *Function {
	if p.Index < 0 || p.Index >= len(t.vtable) {
		return nil
	}
	return t.vtable[p.Index]
}

// IsSubtypeOf returns true if t is other or inherits from it.
func (t *Type) IsSubtypeOf(other *Type) bool {
	for cur := t; cur != nil; cur = cur.Super {
		if cur == other {
			return true
		}
	}
	return false
}

// Finalize assigns slots, builds the vtable and the hashed member index.
// Supertypes are finalized first. Calling it again is a no-op.
func (t *Type) Finalize() error {
	if t.finalized || t.Kind != KindObj {
		return nil
	}
	if t.Super != nil {
		if t.Super.IsSubtypeOf(t) {
			return fmt.Errorf("vm: inheritance cycle at %s", t.Name)
		}
		if err := t.Super.Finalize(); err != nil {
			return err
		}
	}

	t.members = make(map[int32]*Member)
	offset := 0
	if t.Super != nil {
		for h, m := range t.Super.members {
			t.members[h] = m
		}
		t.vtable = append([]*Function(nil), t.Super.vtable...)
		offset = t.Super.numSlots
	}

	for i, f := range t.Fields {
		if f.Hash == 0 {
			f.Hash = Hash(f.Name)
		}
		if prev, ok := t.members[f.Hash]; ok && prev.Owner == t {
			return fmt.Errorf("vm: duplicate member %s.%s", t.Name, f.Name)
		}
		f.Slot = offset + i
		t.members[f.Hash] = &Member{
			Name: f.Name, Hash: f.Hash, Kind: MemberField,
			Owner: t, Type: f.Type, Slot: f.Slot,
		}
	}
	t.numSlots = offset + len(t.Fields)

	for _, p := range t.Protos {
		if p.Hash == 0 {
			p.Hash = Hash(p.Name)
		}
		p.Index = -1
		if prev, ok := t.members[p.Hash]; ok {
			if prev.Owner == t {
				return fmt.Errorf("vm: duplicate member %s.%s", t.Name, p.Name)
			}
			if prev.Kind == MemberMethod {
				p.Index = prev.Proto.Index
			}
		}
		if p.Index < 0 {
			p.Index = len(t.vtable)
			t.vtable = append(t.vtable, nil)
		}
		t.vtable[p.Index] = p.Function
		var ft *Type
		if p.Function != nil {
			ft = &Type{Kind: KindFun, Name: p.Name, Fun: p.Function.Type}
		}
		t.members[p.Hash] = &Member{
			Name: p.Name, Hash: p.Hash, Kind: MemberMethod,
			Owner: t, Type: ft, Proto: p,
		}
	}

	t.finalized = true
	if t.Statics != nil {
		return t.Statics.Finalize()
	}
	return nil
}

// ---------------------------------------------------------------------------
// TypeTable: name/hash indexed registry of a module's types
// ---------------------------------------------------------------------------

// TypeTable maps type names and name hashes to type descriptors.
type TypeTable struct {
	mu     sync.RWMutex
	types  []*Type
	byHash map[int32][]*Type
	byName map[string]*Type
}

// NewTypeTable creates an empty table.
func NewTypeTable() *TypeTable {
	return &TypeTable{
		byHash: make(map[int32][]*Type),
		byName: make(map[string]*Type),
	}
}

// Add registers t. Names must be unique.
func (tt *TypeTable) Add(t *Type) error {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if _, ok := tt.byName[t.Name]; ok {
		return fmt.Errorf("vm: duplicate type %s", t.Name)
	}
	if t.Hash == 0 {
		t.Hash = Hash(t.Name)
	}
	t.Index = len(tt.types)
	tt.types = append(tt.types, t)
	tt.byName[t.Name] = t
	tt.byHash[t.Hash] = append(tt.byHash[t.Hash], t)
	return nil
}

// Lookup finds a type by name through its hash. Colliding hashes are
// disambiguated by comparing names.
func (tt *TypeTable) Lookup(name string) *Type {
	return tt.LookupHash(Hash(name), name)
}

// LookupHash finds a type by precomputed hash and name.
func (tt *TypeTable) LookupHash(hash int32, name string) *Type {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	for _, t := range tt.byHash[hash] {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// At returns the type with the given index.
func (tt *TypeTable) At(i int) *Type {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	if i < 0 || i >= len(tt.types) {
		return nil
	}
	return tt.types[i]
}

// All returns every registered type in registration order.
func (tt *TypeTable) All() []*Type {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	return append([]*Type(nil), tt.types...)
}

// Len returns the number of registered types.
func (tt *TypeTable) Len() int {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	return len(tt.types)
}
