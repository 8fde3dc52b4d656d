package vm

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Call frames
// ---------------------------------------------------------------------------

// frame is one activation of a bytecode function. Locals (arguments first)
// live at stack[base:base+arity+NumLocals]; the operand stack follows.
type frame struct {
	fn    *Function
	ip    int
	base  int
	depth int
	traps []trapHandler
}

// trapHandler is an installed try block.
type trapHandler struct {
	handler int
	sp      int
}

// ---------------------------------------------------------------------------
// Stack operations
// ---------------------------------------------------------------------------

func (v *VM) push(x Value) {
	if v.sp == len(v.stack) {
		v.stack = append(v.stack, x)
	} else {
		v.stack[v.sp] = x
	}
	v.sp++
}

func (v *VM) pop() Value {
	v.sp--
	return v.stack[v.sp]
}

func (v *VM) top() Value {
	return v.stack[v.sp-1]
}

// removeAt deletes the stack entry at pos, shifting later entries down.
func (v *VM) removeAt(pos int) Value {
	x := v.stack[pos]
	copy(v.stack[pos:v.sp-1], v.stack[pos+1:v.sp])
	v.sp--
	return x
}

// insertAt inserts x at pos, shifting later entries up.
func (v *VM) insertAt(pos int, x Value) {
	v.push(Null)
	copy(v.stack[pos+1:v.sp], v.stack[pos:v.sp-1])
	v.stack[pos] = x
}

// ---------------------------------------------------------------------------
// Invocation
// ---------------------------------------------------------------------------

// callValue calls the closure fn with the top argc stack values as
// arguments. The arguments are consumed.
func (v *VM) callValue(fn Value, argc int) Value {
	cl, ok := v.Heap.Closure(fn)
	if !ok {
		v.sp -= argc
		if fn == Null {
			v.ThrowString("Null function call")
		}
		v.Throwf("%s is not a function", v.ToString(fn))
	}
	if cl.HasBound {
		v.insertAt(v.sp-argc, cl.Bound)
		argc++
	}
	return v.invoke(cl.Fun, cl.Env, argc)
}

// invoke runs fn with the top argc stack values as arguments and consumes
// them.
func (v *VM) invoke(fn *Function, env any, argc int) Value {
	base := v.sp - argc
	if argc != fn.Arity() {
		v.sp = base
		v.Throwf("%s expects %d arguments, got %d", fn.QualifiedName(), fn.Arity(), argc)
	}
	if len(v.frames) >= v.MaxDepth {
		v.sp = base
		v.ThrowString("Stack overflow")
	}

	if fn.Native != nil {
		args := make([]Value, argc)
		copy(args, v.stack[base:v.sp])
		r := fn.Native(v, env, args)
		v.sp = base
		return r
	}

	for i := 0; i < fn.NumLocals; i++ {
		v.push(Null)
	}
	f := &frame{fn: fn, base: base, depth: len(v.frames)}
	v.frames = append(v.frames, f)
	return v.execute(f)
}

// execute runs f to completion, dispatching guest throws to the frame's
// try handlers. An unhandled throw unwinds the frame and propagates.
func (v *VM) execute(f *frame) Value {
	for {
		result, ex := v.runFrame(f)
		if ex == nil {
			v.frames[f.depth] = nil
			v.frames = v.frames[:f.depth]
			v.sp = f.base
			return result
		}
		if n := len(f.traps); n > 0 {
			h := f.traps[n-1]
			f.traps = f.traps[:n-1]
			clear(v.frames[f.depth+1:])
			v.frames = v.frames[:f.depth+1]
			v.sp = h.sp
			v.push(ex.Value)
			f.ip = h.handler
			continue
		}
		clear(v.frames[f.depth:])
		v.frames = v.frames[:f.depth]
		v.sp = f.base
		panic(ex)
	}
}

// runFrame runs the dispatch loop and converts a guest throw into a return
// value. Other panics keep unwinding.
func (v *VM) runFrame(f *frame) (result Value, ex *Exception) {
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(*Exception)
			if !ok {
				panic(r)
			}
			ex = e
		}
	}()
	return v.run(f), nil
}

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

func (v *VM) run(f *frame) Value {
	code := f.fn.Code
	mod := v.module

	for f.ip < len(code) {
		op := Opcode(code[f.ip])
		f.ip++

		switch op {
		case OpNOP:

		case OpPOP:
			v.sp--

		case OpDUP:
			v.push(v.top())

		case OpPushNull:
			v.push(Null)
		case OpPushTrue:
			v.push(True)
		case OpPushFalse:
			v.push(False)

		case OpPushInt32:
			n := int32(binary.LittleEndian.Uint32(code[f.ip:]))
			f.ip += 4
			v.push(FromInt(int64(n)))

		case OpPushFloat:
			bits := binary.LittleEndian.Uint64(code[f.ip:])
			f.ip += 8
			v.push(FromFloat64(math.Float64frombits(bits)))

		case OpPushString:
			idx := binary.LittleEndian.Uint16(code[f.ip:])
			f.ip += 2
			s, err := v.NewString(mod.Strings[idx])
			if err != nil {
				v.ThrowString(err.Error())
			}
			v.push(s)

		case OpPushLocal:
			i := int(code[f.ip])
			f.ip++
			v.push(v.stack[f.base+i])

		case OpStoreLocal:
			i := int(code[f.ip])
			f.ip++
			v.stack[f.base+i] = v.pop()

		case OpPushGlobal:
			idx := binary.LittleEndian.Uint16(code[f.ip:])
			f.ip += 2
			v.push(v.classGlobal(mod.Types.At(int(idx))))

		case OpGetField:
			hash := int32(binary.LittleEndian.Uint32(code[f.ip:]))
			f.ip += 4
			r := v.getField(v.top(), hash)
			v.stack[v.sp-1] = r

		case OpSetField:
			hash := int32(binary.LittleEndian.Uint32(code[f.ip:]))
			f.ip += 4
			val := v.pop()
			obj := v.pop()
			v.setField(obj, hash, val)

		case OpGetStatic:
			idx := binary.LittleEndian.Uint16(code[f.ip:])
			hash := int32(binary.LittleEndian.Uint32(code[f.ip+2:]))
			f.ip += 6
			g := v.classGlobal(mod.Types.At(int(idx)))
			v.push(v.getField(g, hash))

		case OpSetStatic:
			idx := binary.LittleEndian.Uint16(code[f.ip:])
			hash := int32(binary.LittleEndian.Uint32(code[f.ip+2:]))
			f.ip += 6
			g := v.classGlobal(mod.Types.At(int(idx)))
			v.setField(g, hash, v.pop())

		case OpCall:
			idx := binary.LittleEndian.Uint16(code[f.ip:])
			argc := int(code[f.ip+2])
			f.ip += 3
			r := v.invoke(mod.Functions[idx], nil, argc)
			v.push(r)

		case OpCallMethod:
			hash := int32(binary.LittleEndian.Uint32(code[f.ip:]))
			argc := int(code[f.ip+4])
			f.ip += 5
			v.push(v.callMethod(hash, argc))

		case OpCallStatic:
			idx := binary.LittleEndian.Uint16(code[f.ip:])
			hash := int32(binary.LittleEndian.Uint32(code[f.ip+2:]))
			argc := int(code[f.ip+6])
			f.ip += 7
			g := v.classGlobal(mod.Types.At(int(idx)))
			fn := v.getField(g, hash)
			v.push(v.callValue(fn, argc))

		case OpCallClosure:
			argc := int(code[f.ip])
			f.ip++
			fn := v.removeAt(v.sp - argc - 1)
			v.push(v.callValue(fn, argc))

		case OpNew:
			idx := binary.LittleEndian.Uint16(code[f.ip:])
			argc := int(code[f.ip+2])
			f.ip += 3
			v.push(v.construct(mod.Types.At(int(idx)), argc))

		case OpAdd, OpSub, OpMul, OpDiv, OpMod:
			r := v.arith(op, v.stack[v.sp-2], v.stack[v.sp-1])
			v.sp -= 2
			v.push(r)

		case OpLT, OpGT, OpLE, OpGE:
			b := v.pop()
			a := v.pop()
			v.push(FromBool(v.compare(op, a, b)))

		case OpEQ:
			b := v.pop()
			a := v.pop()
			v.push(FromBool(v.Equals(a, b)))

		case OpNE:
			b := v.pop()
			a := v.pop()
			v.push(FromBool(!v.Equals(a, b)))

		case OpNeg:
			a := v.pop()
			switch {
			case a.IsInt():
				v.push(intResult(-a.Int(), -float64(a.Int())))
			case a.IsFloat():
				v.push(FromFloat64(-a.Float64()))
			default:
				v.ThrowString("Invalid operand for negation")
			}

		case OpNot:
			v.push(FromBool(!v.pop().Truthy()))

		case OpToString:
			s := v.ToString(v.top())
			r, err := v.NewString(s)
			if err != nil {
				v.ThrowString(err.Error())
			}
			v.stack[v.sp-1] = r

		case OpConcat:
			r := v.concat(v.stack[v.sp-2], v.stack[v.sp-1])
			v.sp -= 2
			v.push(r)

		case OpJump, OpJumpTrue, OpJumpFalse, OpJumpNull:
			off := int(int16(binary.LittleEndian.Uint16(code[f.ip:])))
			f.ip += 2
			taken := true
			switch op {
			case OpJumpTrue:
				taken = v.pop().Truthy()
			case OpJumpFalse:
				taken = !v.pop().Truthy()
			case OpJumpNull:
				taken = v.pop() == Null
			}
			if taken {
				f.ip += off
			}

		case OpTry:
			off := int(int16(binary.LittleEndian.Uint16(code[f.ip:])))
			f.ip += 2
			f.traps = append(f.traps, trapHandler{handler: f.ip + off, sp: v.sp})

		case OpEndTry:
			if n := len(f.traps); n > 0 {
				f.traps = f.traps[:n-1]
			}

		case OpThrow:
			v.Throw(v.pop())

		case OpReturnTop:
			return v.pop()

		case OpReturnNull:
			return Null

		default:
			v.Throwf("invalid opcode %s", op)
		}
	}
	return Null
}

// ---------------------------------------------------------------------------
// Member access
// ---------------------------------------------------------------------------

// classGlobal returns the singleton of class t, throwing if the module has
// not been initialized.
func (v *VM) classGlobal(t *Type) Value {
	g := t.Statics.Global
	if g == Null {
		v.Throwf("Class %s is not initialized", t.Name)
	}
	return g
}

func (v *VM) fieldName(hash int32) string {
	if n := v.Names.Name(hash); n != "" {
		return n
	}
	return "#" + strconv.Itoa(int(hash))
}

func (v *VM) objectFor(x Value, hash int32) *Object {
	o, ok := v.Heap.Object(x)
	if !ok {
		if x == Null {
			v.Throwf("Null access .%s", v.fieldName(hash))
		}
		v.Throwf("Invalid field access .%s on %s", v.fieldName(hash), v.ToString(x))
	}
	return o
}

// getField reads a field, or a method closure bound to the receiver.
func (v *VM) getField(x Value, hash int32) Value {
	o := v.objectFor(x, hash)
	m := o.Type.Lookup(hash)
	if m == nil {
		v.Throwf("%s has no field %s", o.Type.Name, v.fieldName(hash))
	}
	if m.Kind == MemberMethod {
		fn := o.Type.Method(m.Proto)
		cl, err := v.BindClosure(fn, x)
		if err != nil {
			v.ThrowString(err.Error())
		}
		return cl
	}
	return o.Slots[m.Slot]
}

func (v *VM) setField(x Value, hash int32, val Value) {
	o := v.objectFor(x, hash)
	m := o.Type.Lookup(hash)
	if m == nil || m.Kind != MemberField {
		v.Throwf("%s has no field %s", o.Type.Name, v.fieldName(hash))
	}
	cv, ok := v.Coerce(m.Type, val)
	if !ok {
		v.Throwf("Invalid value %s for %s.%s (%s)", v.ToString(val), o.Type.Name, m.Name, m.Type.Kind)
	}
	o.Slots[m.Slot] = cv
}

// callMethod dispatches a method call on the receiver below the top argc
// values. Closure-valued fields are called directly; methods go through
// the receiver's vtable with the receiver as argument 0.
func (v *VM) callMethod(hash int32, argc int) Value {
	recvPos := v.sp - argc - 1
	recv := v.stack[recvPos]
	o := v.objectFor(recv, hash)
	m := o.Type.Lookup(hash)
	if m == nil {
		v.sp = recvPos
		v.Throwf("%s has no method %s", o.Type.Name, v.fieldName(hash))
	}
	if m.Kind == MemberField {
		v.removeAt(recvPos)
		return v.callValue(o.Slots[m.Slot], argc)
	}
	fn := o.Type.Method(m.Proto)
	if fn == nil {
		v.sp = recvPos
		v.Throwf("%s.%s is abstract", o.Type.Name, m.Name)
	}
	return v.invoke(fn, nil, argc+1)
}

var newHash = Hash("new")

// construct allocates an instance of t and runs its constructor with the top
// argc values.
func (v *VM) construct(t *Type, argc int) Value {
	obj, err := v.NewObject(t)
	if err != nil {
		v.sp -= argc
		v.ThrowString(err.Error())
	}
	m := t.Lookup(newHash)
	if m == nil || m.Kind != MemberMethod {
		if argc != 0 {
			v.sp -= argc
			v.Throwf("%s has no constructor taking %d arguments", t.Name, argc)
		}
		return obj
	}
	v.insertAt(v.sp-argc, obj)
	v.invoke(t.Method(m.Proto), nil, argc+1)
	return obj
}

// Coerce converts val to the representation required by a slot of type t.
// It reports false if val cannot be stored there.
func (v *VM) Coerce(t *Type, val Value) (Value, bool) {
	if t == nil {
		return val, true
	}
	switch t.Kind {
	case KindI32:
		switch {
		case val.IsInt():
			return FromInt(int64(int32(val.Int()))), true
		case val.IsFloat():
			return FromInt(int64(int32(truncFloat(val.Float64())))), true
		}
		return val, false
	case KindI64:
		switch {
		case val.IsInt():
			return val, true
		case val.IsFloat():
			return TryFromInt(truncFloat(val.Float64()))
		}
		return val, false
	case KindF32:
		if f, ok := val.AsFloat(); ok {
			return FromFloat64(float64(float32(f))), true
		}
		return val, false
	case KindF64:
		if f, ok := val.AsFloat(); ok {
			return FromFloat64(f), true
		}
		return val, false
	case KindBool:
		return val, val.IsBool()
	case KindBytes:
		_, ok := v.Heap.Bytes(val)
		return val, ok || val == Null
	case KindFun:
		_, ok := v.Heap.Closure(val)
		return val, ok || val == Null
	case KindObj:
		if val == Null {
			return val, true
		}
		o, ok := v.Heap.Object(val)
		return val, ok && (o.Type.IsSubtypeOf(t) || (IsStringType(t) && IsStringType(o.Type)))
	case KindVoid:
		return Null, true
	}
	return val, true
}

func truncFloat(f float64) int64 {
	if math.IsNaN(f) {
		return 0
	}
	return int64(math.Trunc(f))
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

// intResult boxes n if it fits, otherwise falls back to the float result.
func intResult(n int64, f float64) Value {
	if r, ok := TryFromInt(n); ok {
		return r
	}
	return FromFloat64(f)
}

func (v *VM) isText(x Value) bool {
	return v.IsString(x) || v.IsRawString(x)
}

func (v *VM) arith(op Opcode, a, b Value) Value {
	if op == OpAdd && (v.isText(a) || v.isText(b)) {
		return v.concat(a, b)
	}
	if a.IsInt() && b.IsInt() {
		x, y := a.Int(), b.Int()
		switch op {
		case OpAdd:
			return intResult(x+y, float64(x)+float64(y))
		case OpSub:
			return intResult(x-y, float64(x)-float64(y))
		case OpMul:
			if x != 0 && (x*y)/x != y {
				return FromFloat64(float64(x) * float64(y))
			}
			return intResult(x*y, float64(x)*float64(y))
		case OpDiv:
			return FromFloat64(float64(x) / float64(y))
		case OpMod:
			if y == 0 {
				v.ThrowString("Division by zero")
			}
			return FromInt(x % y)
		}
	}
	x, ok1 := a.AsFloat()
	y, ok2 := b.AsFloat()
	if !ok1 || !ok2 {
		v.Throwf("Invalid operands for %s: %s, %s", op, v.ToString(a), v.ToString(b))
	}
	switch op {
	case OpAdd:
		return FromFloat64(x + y)
	case OpSub:
		return FromFloat64(x - y)
	case OpMul:
		return FromFloat64(x * y)
	case OpDiv:
		return FromFloat64(x / y)
	default:
		return FromFloat64(math.Mod(x, y))
	}
}

func (v *VM) compare(op Opcode, a, b Value) bool {
	var c int
	if x, ok := a.AsFloat(); ok {
		y, ok := b.AsFloat()
		if !ok {
			v.Throwf("Cannot compare %s and %s", v.ToString(a), v.ToString(b))
		}
		if x != x || y != y {
			return false
		}
		switch {
		case x < y:
			c = -1
		case x > y:
			c = 1
		}
	} else {
		sa, ok1 := v.GoString(a)
		sb, ok2 := v.GoString(b)
		if !ok1 || !ok2 {
			v.Throwf("Cannot compare %s and %s", v.ToString(a), v.ToString(b))
		}
		c = strings.Compare(sa, sb)
	}
	switch op {
	case OpLT:
		return c < 0
	case OpGT:
		return c > 0
	case OpLE:
		return c <= 0
	default:
		return c >= 0
	}
}

// Equals compares two guest values: numbers by value, strings by content,
// everything else by identity.
func (v *VM) Equals(a, b Value) bool {
	if a == b {
		return !a.IsFloat() || a.Float64() == a.Float64()
	}
	if x, ok := a.AsFloat(); ok {
		y, ok := b.AsFloat()
		return ok && x == y
	}
	if v.isText(a) && v.isText(b) {
		sa, _ := v.GoString(a)
		sb, _ := v.GoString(b)
		return sa == sb
	}
	return false
}

func (v *VM) concat(a, b Value) Value {
	r, err := v.NewString(v.ToString(a) + v.ToString(b))
	if err != nil {
		v.ThrowString(err.Error())
	}
	return r
}
