package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

// StackFrame is one entry of a captured guest stack.
type StackFrame struct {
	Function *Function
	IP       int
}

// String renders the frame by function name, falling back to the function's
// index and instruction offset when it has no name.
func (sf StackFrame) String() string {
	if sf.Function == nil {
		return fmt.Sprintf("?@%d", sf.IP)
	}
	if sf.Function.Name == "" {
		return fmt.Sprintf("fun#%d@%d", sf.Function.Index, sf.IP)
	}
	return fmt.Sprintf("%s@%d", sf.Function.QualifiedName(), sf.IP)
}

// Exception is a guest throw. Inside the interpreter it travels as a Go
// panic value; CallSafe turns it back into a return value and fills in
// Message using the guest's own string conversion.
type Exception struct {
	Value   Value
	Message string
	Stack   []StackFrame
}

// Error implements error.
func (e *Exception) Error() string {
	if e.Message == "" {
		return "guest exception"
	}
	return e.Message
}

// StackTrace renders the captured stack, innermost frame first.
func (e *Exception) StackTrace() string {
	lines := make([]string, len(e.Stack))
	for i, f := range e.Stack {
		lines[i] = f.String()
	}
	return strings.Join(lines, "\n")
}

// captureStack snapshots the active frames, innermost first.
func (v *VM) captureStack() []StackFrame {
	out := make([]StackFrame, 0, len(v.frames))
	for i := len(v.frames) - 1; i >= 0; i-- {
		f := v.frames[i]
		out = append(out, StackFrame{Function: f.fn, IP: f.ip})
	}
	return out
}

// Throw raises x as a guest exception. It does not return.
func (v *VM) Throw(x Value) {
	panic(&Exception{Value: x, Stack: v.captureStack()})
}

// ThrowString raises a String exception with the given message.
func (v *VM) ThrowString(msg string) {
	s, err := v.NewString(msg)
	if err != nil {
		panic(&Exception{Value: Null, Message: msg, Stack: v.captureStack()})
	}
	v.Throw(s)
}

// Throwf raises a formatted String exception.
func (v *VM) Throwf(format string, args ...any) {
	v.ThrowString(fmt.Sprintf(format, args...))
}

// ---------------------------------------------------------------------------
// Trapping calls
// ---------------------------------------------------------------------------

// CallSafe invokes closure fn with args and traps any guest exception. On a
// throw the interpreter state is restored to what it was on entry and the
// exception is returned with its message resolved.
//
// Host panics that escape native functions are trapped the same way, with
// a null exception value.
func (v *VM) CallSafe(fn Value, args []Value) (result Value, ex *Exception) {
	return v.trap(func() Value {
		base := v.sp
		for _, a := range args {
			v.push(a)
		}
		r := v.callValue(fn, len(args))
		v.sp = base
		return r
	})
}

// CallFunctionSafe invokes fn directly with args and traps guest
// exceptions.
func (v *VM) CallFunctionSafe(fn *Function, args []Value) (Value, *Exception) {
	return v.trap(func() Value {
		base := v.sp
		for _, a := range args {
			v.push(a)
		}
		r := v.invoke(fn, nil, len(args))
		v.sp = base
		return r
	})
}

func (v *VM) trap(body func() Value) (result Value, ex *Exception) {
	sp, depth := v.sp, len(v.frames)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		v.sp = sp
		clear(v.frames[depth:])
		v.frames = v.frames[:depth]
		e, ok := r.(*Exception)
		if !ok {
			e = &Exception{Value: Null, Message: fmt.Sprintf("host panic: %v", r)}
		}
		if e.Message == "" {
			mark := v.Heap.EnterScope()
			v.Heap.Protect(e.Value)
			e.Message = v.ToString(e.Value)
			v.Heap.LeaveScope(mark)
		}
		result, ex = Null, e
	}()
	return body(), nil
}
