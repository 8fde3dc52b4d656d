package vm

import (
	"errors"
	"fmt"
)

// StringTypeName is the name of the builtin string class.
const StringTypeName = "String"

// Slots of a String object.
const (
	stringSlotBytes  = 0
	stringSlotLength = 1
)

var (
	// ErrNoModule is returned when an operation needs a loaded module.
	ErrNoModule = errors.New("vm: no module loaded")
	// ErrNotInitialized is returned when class singletons are used before
	// the module initializer ran.
	ErrNotInitialized = errors.New("vm: module not initialized")
	// ErrInvalidCode is returned when bytecode fails verification.
	ErrInvalidCode = errors.New("vm: invalid bytecode")
)

// Module is a linked unit of guest code: its types, functions, string
// constants and the optional initializer run by VM.Init.
type Module struct {
	Types      *TypeTable
	Functions  []*Function
	Strings    []string
	Entry      *Function
	StringType *Type

	linked bool
}

// NewModule creates an empty module holding only the builtin String class.
func NewModule() *Module {
	m := &Module{Types: NewTypeTable()}
	m.StringType = &Type{
		Kind: KindObj,
		Name: StringTypeName,
		Fields: []*Field{
			{Name: "bytes", Type: TBytes},
			{Name: "length", Type: TI32},
		},
	}
	if err := m.Types.Add(m.StringType); err != nil {
		panic(err)
	}
	return m
}

// Class returns the object type with the given name, or nil.
func (m *Module) Class(name string) *Type {
	t := m.Types.Lookup(name)
	if t == nil || t.Kind != KindObj {
		return nil
	}
	return t
}

// Classes returns every user class (object types that own a statics type).
func (m *Module) Classes() []*Type {
	var out []*Type
	for _, t := range m.Types.All() {
		if t.Kind == KindObj && t.Statics != nil {
			out = append(out, t)
		}
	}
	return out
}

// AddFunction appends fn and assigns its index.
func (m *Module) AddFunction(fn *Function) *Function {
	fn.Index = len(m.Functions)
	m.Functions = append(m.Functions, fn)
	return fn
}

// Link finalizes every type and verifies all bytecode. It is idempotent.
func (m *Module) Link() error {
	if m.linked {
		return nil
	}
	for _, t := range m.Types.All() {
		if err := t.Finalize(); err != nil {
			return err
		}
	}
	for _, fn := range m.Functions {
		if fn.Native != nil {
			continue
		}
		if err := m.verify(fn); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidCode, fn.QualifiedName(), err)
		}
	}
	if m.Entry != nil && m.Entry.Arity() != 0 {
		return fmt.Errorf("vm: initializer %s takes arguments", m.Entry.QualifiedName())
	}
	m.linked = true
	return nil
}

// verify walks fn's code checking operand bounds, indices and jump targets.
func (m *Module) verify(fn *Function) error {
	code := fn.Code
	nlocals := fn.Arity() + fn.NumLocals
	if nlocals > 256 {
		return fmt.Errorf("too many locals (%d)", nlocals)
	}
	starts := make(map[int]bool)
	var targets []int
	r := NewBytecodeReader(code)
	for r.HasMore() {
		pos := r.Position()
		starts[pos] = true
		op := r.ReadOpcode()
		if !op.Valid() {
			return fmt.Errorf("unknown opcode 0x%02x at %d", byte(op), pos)
		}
		if r.Remaining() < op.OperandBytes() {
			return fmt.Errorf("truncated %s at %d", op, pos)
		}
		switch op {
		case OpPushLocal, OpStoreLocal:
			if i := int(r.ReadByte()); i >= nlocals {
				return fmt.Errorf("local %d out of range at %d", i, pos)
			}
		case OpPushString:
			if i := int(r.ReadUint16()); i >= len(m.Strings) {
				return fmt.Errorf("string #%d out of range at %d", i, pos)
			}
		case OpPushGlobal:
			if err := m.checkClass(int(r.ReadUint16())); err != nil {
				return fmt.Errorf("%v at %d", err, pos)
			}
		case OpGetStatic, OpSetStatic, OpCallStatic:
			if err := m.checkClass(int(r.ReadUint16())); err != nil {
				return fmt.Errorf("%v at %d", err, pos)
			}
			r.Skip(op.OperandBytes() - 2)
		case OpNew:
			if t := m.Types.At(int(r.ReadUint16())); t == nil || t.Kind != KindObj {
				return fmt.Errorf("bad type for NEW at %d", pos)
			}
			r.Skip(1)
		case OpCall:
			if i := int(r.ReadUint16()); i >= len(m.Functions) {
				return fmt.Errorf("function #%d out of range at %d", i, pos)
			}
			r.Skip(1)
		case OpJump, OpJumpTrue, OpJumpFalse, OpJumpNull, OpTry:
			off := int(r.ReadInt16())
			targets = append(targets, r.Position()+off)
		default:
			r.Skip(op.OperandBytes())
		}
	}
	for _, t := range targets {
		if t != len(code) && !starts[t] {
			return fmt.Errorf("jump target %d is not an instruction boundary", t)
		}
	}
	return nil
}

func (m *Module) checkClass(i int) error {
	t := m.Types.At(i)
	if t == nil || t.Statics == nil {
		return fmt.Errorf("type #%d is not a class", i)
	}
	return nil
}
