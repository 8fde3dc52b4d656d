package ffi

import (
	"github.com/chazu/embedvm/vm"
)

// ---------------------------------------------------------------------------
// Call dispatch
// ---------------------------------------------------------------------------

// CallStatic calls a static method of class with args. On success the
// result, guest null included, is returned as a new handle owned by the
// caller. Reference results are rooted: Free releases the root. A guest
// throw is EXCEPTION_THROWN; a missing class or method is TYPE_NOT_FOUND
// or MEMBER_NOT_FOUND. Any previously recorded exception is cleared first,
// whether or not the call reaches the guest.
func (b *Bridge) CallStatic(class, method string, args ...Handle) (Handle, error) {
	b.clearException()
	defer b.enter()()
	r, err := b.callStatic("call_static", class, method, args)
	if err != nil {
		return NoHandle, err
	}
	return b.own(r), nil
}

// CallMethod calls method on the object behind obj. Closure-valued fields
// are called as they are; methods dispatch through the receiver's vtable
// with the receiver as the first argument. The result handle is owned and
// rooted like CallStatic's.
func (b *Bridge) CallMethod(obj Handle, method string, args ...Handle) (Handle, error) {
	b.clearException()
	defer b.enter()()
	r, err := b.callMethod("call_method", obj, method, args)
	if err != nil {
		return NoHandle, err
	}
	return b.own(r), nil
}

// Invoke calls the closure behind fn with args. The result handle is owned
// and rooted like CallStatic's.
func (b *Bridge) Invoke(fn Handle, args ...Handle) (Handle, error) {
	const op = "invoke"
	b.clearException()
	defer b.enter()()
	x, err := b.lookup(op, fn)
	if err != nil {
		return NoHandle, err
	}
	b.protect(x)
	r, err := b.callClosure(op, x, args)
	if err != nil {
		return NoHandle, err
	}
	return b.own(r), nil
}

// staticCallable resolves class.method to the closure stored in the class
// singleton.
func (b *Bridge) staticCallable(op, class, method string) (vm.Value, error) {
	x, ml, err := b.getStatic(op, class, method)
	if err != nil {
		return vm.Null, err
	}
	if _, ok := b.vm.Heap.Closure(x); !ok {
		if x == vm.Null && ml.Kind == vm.KindFun {
			return vm.Null, b.fail(newError(NullArgument, op).detail("%s.%s is null", class, method).build())
		}
		return vm.Null, b.fail(newError(TypeMismatch, op).detail("%s.%s is not callable", class, method).build())
	}
	return x, nil
}

func (b *Bridge) callStatic(op, class, method string, args []Handle) (vm.Value, error) {
	fn, err := b.staticCallable(op, class, method)
	if err != nil {
		return vm.Null, err
	}
	return b.callClosure(op, fn, args)
}

// callClosure marshals args against the closure's parameters and invokes
// it under the trapping convention. Callers must hold a scratch scope.
func (b *Bridge) callClosure(op string, fn vm.Value, args []Handle) (vm.Value, error) {
	cl, ok := b.vm.Heap.Closure(fn)
	if !ok {
		return vm.Null, b.fail(newError(TypeMismatch, op).detail("%s is not a function", b.vm.ToString(fn)).build())
	}
	params := cl.Fun.Type.Args
	if cl.HasBound {
		params = params[1:]
	}
	vals, err := b.marshalArgs(op, params, args)
	if err != nil {
		return vm.Null, err
	}
	return b.trap(op, func() (vm.Value, *vm.Exception) {
		return b.vm.CallSafe(fn, vals)
	})
}

func (b *Bridge) callMethod(op string, obj Handle, method string, args []Handle) (vm.Value, error) {
	recv, o, err := b.instance(op, obj)
	if err != nil {
		return vm.Null, err
	}
	b.protect(recv)
	ml, err := b.resolveOn(op, nil, o.Type, method)
	if err != nil {
		return vm.Null, err
	}
	if !ml.IsMethod {
		return b.callClosure(op, o.Get(ml.Slot), args)
	}
	fn := o.Type.Method(ml.member.Proto)
	if fn == nil {
		return vm.Null, b.fail(newError(MemberNotFound, op).detail("%s.%s has no implementation", o.Type.Name, method).build())
	}
	return b.callVirtual(op, fn, recv, args)
}

// callVirtual invokes a vtable entry with recv prefixed to the arguments.
func (b *Bridge) callVirtual(op string, fn *vm.Function, recv vm.Value, args []Handle) (vm.Value, error) {
	vals, err := b.marshalArgs(op, fn.Type.Args[1:], args)
	if err != nil {
		return vm.Null, err
	}
	full := make([]vm.Value, 0, len(vals)+1)
	full = append(full, recv)
	full = append(full, vals...)
	return b.trap(op, func() (vm.Value, *vm.Exception) {
		return b.vm.CallFunctionSafe(fn, full)
	})
}

// trap runs call, records a thrown exception and protects the result so
// it survives until the caller wraps it.
func (b *Bridge) trap(op string, call func() (vm.Value, *vm.Exception)) (vm.Value, error) {
	b.clearException()
	r, ex := call()
	if ex != nil {
		return vm.Null, b.thrown(op, ex)
	}
	b.protect(r)
	return r, nil
}
