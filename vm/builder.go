package vm

import "fmt"

// ---------------------------------------------------------------------------
// Builder: programmatic module construction
// ---------------------------------------------------------------------------

// Builder assembles a Module from Go code. Errors are sticky: the first one
// is reported by Build.
type Builder struct {
	m       *Module
	strings map[string]uint16
	funcs   []*FuncBuilder
	err     error
}

// NewBuilder creates a builder for a fresh module.
func NewBuilder() *Builder {
	return &Builder{m: NewModule(), strings: make(map[string]uint16)}
}

func (b *Builder) fail(format string, args ...any) {
	if b.err == nil {
		b.err = fmt.Errorf(format, args...)
	}
}

// StringType returns the module's builtin String class.
func (b *Builder) StringType() *Type { return b.m.StringType }

// Class declares a class. super may be nil.
func (b *Builder) Class(name string, super *ClassBuilder) *ClassBuilder {
	t := &Type{Kind: KindObj, Name: name}
	if super != nil {
		t.Super = super.t
	}
	st := &Type{Kind: KindObj, Name: "$" + name, Owner: t, Global: Null}
	t.Statics = st
	if err := b.m.Types.Add(t); err != nil {
		b.fail("%v", err)
	}
	if err := b.m.Types.Add(st); err != nil {
		b.fail("%v", err)
	}
	return &ClassBuilder{b: b, t: t}
}

// FunTypeOf builds a function type descriptor for use as a field type.
func FunTypeOf(args []*Type, ret *Type) *Type {
	return &Type{Kind: KindFun, Name: "Function", Fun: &FunType{Args: args, Ret: ret}}
}

// Function declares a free function.
func (b *Builder) Function(name string, args []*Type, ret *Type) *FuncBuilder {
	return b.newFunc(name, nil, args, ret)
}

// Native declares a free function implemented by the host.
func (b *Builder) Native(name string, args []*Type, ret *Type, fn NativeFunc) *Function {
	return b.m.AddFunction(&Function{Name: name, Type: &FunType{Args: args, Ret: ret}, Native: fn})
}

// Entry returns the builder for the module initializer, creating it on
// first use.
func (b *Builder) Entry() *FuncBuilder {
	if b.m.Entry != nil {
		for _, fb := range b.funcs {
			if fb.fn == b.m.Entry {
				return fb
			}
		}
	}
	fb := b.newFunc("__init__", nil, nil, TVoid)
	b.m.Entry = fb.fn
	return fb
}

func (b *Builder) newFunc(name string, owner *Type, args []*Type, ret *Type) *FuncBuilder {
	if ret == nil {
		ret = TVoid
	}
	fn := b.m.AddFunction(&Function{Name: name, Owner: owner, Type: &FunType{Args: args, Ret: ret}})
	fb := &FuncBuilder{b: b, fn: fn, code: NewBytecodeBuilder()}
	b.funcs = append(b.funcs, fb)
	return fb
}

func (b *Builder) intern(s string) uint16 {
	if i, ok := b.strings[s]; ok {
		return i
	}
	if len(b.m.Strings) > 0xFFFF {
		b.fail("too many string constants")
		return 0
	}
	i := uint16(len(b.m.Strings))
	b.m.Strings = append(b.m.Strings, s)
	b.strings[s] = i
	return i
}

// Build finishes every function body and links the module.
func (b *Builder) Build() (*Module, error) {
	if b.err != nil {
		return nil, b.err
	}
	for _, fb := range b.funcs {
		for _, l := range fb.labels {
			if l.Unresolved() {
				return nil, fmt.Errorf("vm: unresolved label in %s", fb.fn.QualifiedName())
			}
		}
		fb.fn.Code = fb.code.Bytes()
	}
	if err := b.m.Link(); err != nil {
		return nil, err
	}
	return b.m, nil
}

// MustBuild is Build for tests and fixtures; it panics on error.
func (b *Builder) MustBuild() *Module {
	m, err := b.Build()
	if err != nil {
		panic(err)
	}
	return m
}

// ---------------------------------------------------------------------------
// ClassBuilder
// ---------------------------------------------------------------------------

// ClassBuilder declares the members of one class.
type ClassBuilder struct {
	b *Builder
	t *Type
}

// Type returns the class's type descriptor.
func (c *ClassBuilder) Type() *Type { return c.t }

// Field declares an instance field.
func (c *ClassBuilder) Field(name string, t *Type) *ClassBuilder {
	c.t.Fields = append(c.t.Fields, &Field{Name: name, Hash: Hash(name), Type: t})
	return c
}

// Static declares a static field.
func (c *ClassBuilder) Static(name string, t *Type) *ClassBuilder {
	st := c.t.Statics
	st.Fields = append(st.Fields, &Field{Name: name, Hash: Hash(name), Type: t})
	return c
}

// Method declares an instance method. The receiver is local 0 and the
// declared arguments follow it.
func (c *ClassBuilder) Method(name string, args []*Type, ret *Type) *FuncBuilder {
	full := append([]*Type{c.t}, args...)
	fb := c.b.newFunc(name, c.t, full, ret)
	c.t.Protos = append(c.t.Protos, &Proto{Name: name, Hash: Hash(name), Function: fb.fn})
	return fb
}

// Constructor declares the "new" method run by NEW and by the bridge's
// constructor call.
func (c *ClassBuilder) Constructor(args []*Type) *FuncBuilder {
	return c.Method("new", args, TVoid)
}

// StaticMethod declares a class-level function. Its closure is stored in
// the class singleton when the module is initialized.
func (c *ClassBuilder) StaticMethod(name string, args []*Type, ret *Type) *FuncBuilder {
	fb := c.b.newFunc(name, c.t, args, ret)
	c.bindStatic(name, fb.fn)
	return fb
}

// StaticNative declares a class-level function implemented by the host.
func (c *ClassBuilder) StaticNative(name string, args []*Type, ret *Type, fn NativeFunc) *Function {
	if ret == nil {
		ret = TVoid
	}
	f := c.b.m.AddFunction(&Function{Name: name, Owner: c.t, Type: &FunType{Args: args, Ret: ret}, Native: fn})
	c.bindStatic(name, f)
	return f
}

func (c *ClassBuilder) bindStatic(name string, fn *Function) {
	st := c.t.Statics
	st.Fields = append(st.Fields, &Field{
		Name:    name,
		Hash:    Hash(name),
		Type:    &Type{Kind: KindFun, Name: name, Fun: fn.Type},
		Binding: fn,
	})
}

// ---------------------------------------------------------------------------
// FuncBuilder: chainable bytecode assembler
// ---------------------------------------------------------------------------

// FuncBuilder emits the body of one function.
type FuncBuilder struct {
	b      *Builder
	fn     *Function
	code   *BytecodeBuilder
	labels []*Label
}

// Function returns the function being built.
func (f *FuncBuilder) Function() *Function { return f.fn }

// Locals reserves n extra locals after the arguments.
func (f *FuncBuilder) Locals(n int) *FuncBuilder {
	f.fn.NumLocals = n
	return f
}

func (f *FuncBuilder) op(op Opcode) *FuncBuilder {
	f.code.Emit(op)
	return f
}

func (f *FuncBuilder) Null() *FuncBuilder  { return f.op(OpPushNull) }
func (f *FuncBuilder) True() *FuncBuilder  { return f.op(OpPushTrue) }
func (f *FuncBuilder) False() *FuncBuilder { return f.op(OpPushFalse) }
func (f *FuncBuilder) Pop() *FuncBuilder   { return f.op(OpPOP) }
func (f *FuncBuilder) Dup() *FuncBuilder   { return f.op(OpDUP) }

// Int pushes an integer literal.
func (f *FuncBuilder) Int(n int32) *FuncBuilder {
	f.code.EmitInt32(OpPushInt32, n)
	return f
}

// Float pushes a float literal.
func (f *FuncBuilder) Float(x float64) *FuncBuilder {
	f.code.EmitFloat64(OpPushFloat, x)
	return f
}

// Str pushes a string literal.
func (f *FuncBuilder) Str(s string) *FuncBuilder {
	f.code.EmitUint16(OpPushString, f.b.intern(s))
	return f
}

// Load pushes argument/local i.
func (f *FuncBuilder) Load(i int) *FuncBuilder {
	f.code.EmitByte(OpPushLocal, byte(i))
	return f
}

// Store pops into argument/local i.
func (f *FuncBuilder) Store(i int) *FuncBuilder {
	f.code.EmitByte(OpStoreLocal, byte(i))
	return f
}

// GetField replaces the object on top of the stack with its field.
func (f *FuncBuilder) GetField(name string) *FuncBuilder {
	f.code.EmitInt32(OpGetField, Hash(name))
	return f
}

// SetField pops a value and an object and stores the field.
func (f *FuncBuilder) SetField(name string) *FuncBuilder {
	f.code.EmitInt32(OpSetField, Hash(name))
	return f
}

func (f *FuncBuilder) classIndex(c *ClassBuilder) uint16 {
	if c.t.Index > 0xFFFF {
		f.b.fail("type index out of range")
	}
	return uint16(c.t.Index)
}

// Global pushes the singleton of class c.
func (f *FuncBuilder) Global(c *ClassBuilder) *FuncBuilder {
	f.code.EmitUint16(OpPushGlobal, f.classIndex(c))
	return f
}

// GetStatic pushes a static field of class c.
func (f *FuncBuilder) GetStatic(c *ClassBuilder, name string) *FuncBuilder {
	f.code.EmitMember(OpGetStatic, f.classIndex(c), Hash(name))
	return f
}

// SetStatic pops into a static field of class c.
func (f *FuncBuilder) SetStatic(c *ClassBuilder, name string) *FuncBuilder {
	f.code.EmitMember(OpSetStatic, f.classIndex(c), Hash(name))
	return f
}

// Call calls fn with the top argc values.
func (f *FuncBuilder) Call(fn *Function, argc int) *FuncBuilder {
	f.code.EmitCall(OpCall, uint16(fn.Index), uint8(argc))
	return f
}

// CallMethod calls a method on the receiver below the top argc values.
func (f *FuncBuilder) CallMethod(name string, argc int) *FuncBuilder {
	f.code.EmitCallMethod(Hash(name), uint8(argc))
	return f
}

// CallStatic calls a static member of class c.
func (f *FuncBuilder) CallStatic(c *ClassBuilder, name string, argc int) *FuncBuilder {
	f.code.EmitCallStatic(f.classIndex(c), Hash(name), uint8(argc))
	return f
}

// CallClosure calls the closure below the top argc values.
func (f *FuncBuilder) CallClosure(argc int) *FuncBuilder {
	f.code.EmitByte(OpCallClosure, byte(argc))
	return f
}

// New allocates an instance of c, running its constructor with the top
// argc values.
func (f *FuncBuilder) New(c *ClassBuilder, argc int) *FuncBuilder {
	f.code.EmitCall(OpNew, f.classIndex(c), uint8(argc))
	return f
}

func (f *FuncBuilder) Add() *FuncBuilder      { return f.op(OpAdd) }
func (f *FuncBuilder) Sub() *FuncBuilder      { return f.op(OpSub) }
func (f *FuncBuilder) Mul() *FuncBuilder      { return f.op(OpMul) }
func (f *FuncBuilder) Div() *FuncBuilder      { return f.op(OpDiv) }
func (f *FuncBuilder) Mod() *FuncBuilder      { return f.op(OpMod) }
func (f *FuncBuilder) Lt() *FuncBuilder       { return f.op(OpLT) }
func (f *FuncBuilder) Gt() *FuncBuilder       { return f.op(OpGT) }
func (f *FuncBuilder) Le() *FuncBuilder       { return f.op(OpLE) }
func (f *FuncBuilder) Ge() *FuncBuilder       { return f.op(OpGE) }
func (f *FuncBuilder) Eq() *FuncBuilder       { return f.op(OpEQ) }
func (f *FuncBuilder) Ne() *FuncBuilder       { return f.op(OpNE) }
func (f *FuncBuilder) Neg() *FuncBuilder      { return f.op(OpNeg) }
func (f *FuncBuilder) Not() *FuncBuilder      { return f.op(OpNot) }
func (f *FuncBuilder) ToString() *FuncBuilder { return f.op(OpToString) }
func (f *FuncBuilder) Concat() *FuncBuilder   { return f.op(OpConcat) }

// Label creates a jump target.
func (f *FuncBuilder) Label() *Label {
	l := f.code.NewLabel()
	f.labels = append(f.labels, l)
	return l
}

// Mark binds l to the current position.
func (f *FuncBuilder) Mark(l *Label) *FuncBuilder {
	if l.resolved {
		f.b.fail("label marked twice in %s", f.fn.QualifiedName())
		return f
	}
	f.code.Mark(l)
	return f
}

func (f *FuncBuilder) Jump(l *Label) *FuncBuilder {
	f.code.EmitJump(OpJump, l)
	return f
}

func (f *FuncBuilder) JumpIfTrue(l *Label) *FuncBuilder {
	f.code.EmitJump(OpJumpTrue, l)
	return f
}

func (f *FuncBuilder) JumpIfFalse(l *Label) *FuncBuilder {
	f.code.EmitJump(OpJumpFalse, l)
	return f
}

func (f *FuncBuilder) JumpIfNull(l *Label) *FuncBuilder {
	f.code.EmitJump(OpJumpNull, l)
	return f
}

// Try installs a handler at l. When a value is thrown before the matching
// EndTry, the stack is reset, the thrown value pushed, and execution
// continues at l.
func (f *FuncBuilder) Try(l *Label) *FuncBuilder {
	f.code.EmitJump(OpTry, l)
	return f
}

func (f *FuncBuilder) EndTry() *FuncBuilder     { return f.op(OpEndTry) }
func (f *FuncBuilder) Throw() *FuncBuilder      { return f.op(OpThrow) }
func (f *FuncBuilder) Return() *FuncBuilder     { return f.op(OpReturnTop) }
func (f *FuncBuilder) ReturnNull() *FuncBuilder { return f.op(OpReturnNull) }
