package ffi

import (
	"errors"
	"fmt"

	"github.com/chazu/embedvm/vm"
)

const (
	// DefaultMaxCallbacks is the default capacity of the callback table.
	DefaultMaxCallbacks = 64
	// MaxCallbackArgs bounds the arity of a registered callback.
	MaxCallbackArgs = 16
	// maxCallbackName bounds callback names, in bytes.
	maxCallbackName = 64
)

// CallbackFunc is a host function callable from guest code. args are
// borrowed handles valid only for the duration of the call. The returned
// handle, if any, is consumed by the bridge; NoHandle returns guest null.
// A non-nil error is raised in the guest as an exception.
type CallbackFunc func(b *Bridge, args []Handle) (Handle, error)

// callbackEntry is one registered host function and its guest closure.
type callbackEntry struct {
	name    string
	fn      CallbackFunc
	arity   int
	typed   bool
	args    []*vm.Type
	ret     *vm.Type
	closure vm.Value
	root    vm.RootID
}

// guestThrow is an error whose message is raised verbatim in the guest.
type guestThrow struct{ msg string }

func (g *guestThrow) Error() string { return g.msg }

// Throw returns an error that a CallbackFunc can return to raise msg as a
// guest exception.
func Throw(msg string) error { return &guestThrow{msg: msg} }

// RegisterCallback wraps fn in a guest closure taking arity dynamic
// arguments and returning a dynamic value. The closure is rooted until
// UnregisterCallback. On failure the table is left unchanged.
func (b *Bridge) RegisterCallback(name string, fn CallbackFunc, arity int) error {
	if arity < 0 || arity > MaxCallbackArgs {
		return b.fail(newError(InvalidArgument, "register_callback").detail("arity %d outside 0..%d", arity, MaxCallbackArgs).build())
	}
	args := make([]*vm.Type, arity)
	for i := range args {
		args[i] = vm.TDyn
	}
	return b.register("register_callback", &callbackEntry{
		name: name, fn: fn, arity: arity, args: args, ret: vm.TDyn,
	})
}

// RegisterCallbackTyped is RegisterCallback with concrete parameter and
// return kinds. Arguments are coerced to their declared kinds before fn
// sees them and the result is coerced to ret. KindObj accepts any object,
// strings included; KindVoid as ret discards the result.
func (b *Bridge) RegisterCallbackTyped(name string, fn CallbackFunc, argKinds []vm.Kind, ret vm.Kind) error {
	const op = "register_callback_typed"
	if len(argKinds) > MaxCallbackArgs {
		return b.fail(newError(InvalidArgument, op).detail("arity %d outside 0..%d", len(argKinds), MaxCallbackArgs).build())
	}
	args := make([]*vm.Type, len(argKinds))
	for i, k := range argKinds {
		if k == vm.KindVoid {
			return b.fail(newError(InvalidArgument, op).detail("argument %d cannot be void", i).build())
		}
		args[i] = kindType(k)
	}
	return b.register(op, &callbackEntry{
		name: name, fn: fn, arity: len(argKinds), typed: true, args: args, ret: kindType(ret),
	})
}

// anyObject stands for "any object" in typed callback signatures.
var anyObject = &vm.Type{Kind: vm.KindObj, Name: "Object"}

func kindType(k vm.Kind) *vm.Type {
	switch k {
	case vm.KindObj:
		return anyObject
	case vm.KindFun:
		return vm.FunTypeOf(nil, vm.TDyn)
	}
	if t := vm.PrimitiveType(k); t != nil {
		return t
	}
	return vm.TDyn
}

func (b *Bridge) register(op string, e *callbackEntry) error {
	if e.name == "" {
		return b.fail(newError(NullArgument, op).detail("callback name is empty").build())
	}
	if len(e.name) > maxCallbackName {
		return b.fail(newError(InvalidArgument, op).detail("callback name longer than %d bytes", maxCallbackName).build())
	}
	if e.fn == nil {
		return b.fail(newError(NullArgument, op).detail("callback %s has no function", e.name).build())
	}

	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	for _, c := range b.callbacks {
		if c.name == e.name {
			return b.fail(newError(InvalidArgument, op).detail("callback %s already registered", e.name).build())
		}
	}
	if len(b.callbacks) >= b.maxCallbacks {
		return b.fail(newError(InvalidArgument, op).detail("callback table full (%d entries)", b.maxCallbacks).build())
	}

	fn := &vm.Function{
		Index:  -1,
		Name:   e.name,
		Type:   &vm.FunType{Args: e.args, Ret: e.ret},
		Native: b.dispatchCallback,
	}
	cl, err := b.vm.NewClosure(fn, e)
	if err != nil {
		return b.fail(b.vmError(op, err))
	}
	e.closure = cl
	e.root = b.vm.Heap.AddRoot(cl)
	b.callbacks = append(b.callbacks, e)
	log.Debug("callback registered", "bridge", b.ID, "name", e.name, "arity", e.arity, "typed", e.typed)
	return nil
}

// Callback returns a borrowed handle to the closure registered as name.
// The closure is already rooted; the handle may be freed but must not be
// rooted by the caller.
func (b *Bridge) Callback(name string) (Handle, error) {
	b.cbMu.Lock()
	e := b.findCallback(name)
	b.cbMu.Unlock()
	if e == nil {
		return NoHandle, b.fail(newError(InvalidArgument, "get_callback").detail("no callback named %q", name).build())
	}
	return b.borrow(e.closure), nil
}

// UnregisterCallback drops the callback's root and removes it from the
// table. Guest code still holding the closure keeps it alive; calling it
// after removal still reaches fn.
func (b *Bridge) UnregisterCallback(name string) error {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	for i, e := range b.callbacks {
		if e.name == name {
			b.vm.Heap.RemoveRoot(e.root)
			b.callbacks = append(b.callbacks[:i], b.callbacks[i+1:]...)
			log.Debug("callback unregistered", "bridge", b.ID, "name", name)
			return nil
		}
	}
	return b.fail(newError(InvalidArgument, "unregister_callback").detail("no callback named %q", name).build())
}

// CallbackNames lists registered callbacks in registration order.
func (b *Bridge) CallbackNames() []string {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	out := make([]string, len(b.callbacks))
	for i, e := range b.callbacks {
		out[i] = e.name
	}
	return out
}

func (b *Bridge) findCallback(name string) *callbackEntry {
	for _, e := range b.callbacks {
		if e.name == name {
			return e
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// dispatchCallback is the single native entry point behind every callback
// closure. It turns the guest's argument values into borrowed handles,
// calls the host function and unwraps its result. The interpreter keeps
// the arguments on its stack for the duration of the call.
func (b *Bridge) dispatchCallback(v *vm.VM, env any, args []vm.Value) vm.Value {
	e := env.(*callbackEntry)
	mark := v.Heap.EnterScope()
	defer v.Heap.LeaveScope(mark)

	if e.typed {
		for i, x := range args {
			cx, ok := coerceCallback(v, e.args[i], x)
			if !ok {
				v.Throwf("%s: argument %d must be %s, got %s", e.name, i, typeName(e.args[i]), v.ToString(x))
			}
			v.Heap.Protect(cx)
			args[i] = cx
		}
	}

	hs := make([]Handle, len(args))
	for i, x := range args {
		hs[i] = b.borrow(x)
	}
	out := vm.Null
	err := func() error {
		defer func() {
			for _, h := range hs {
				b.release(h)
			}
		}()
		ret, err := e.fn(b, hs)
		if ret == NoHandle {
			return err
		}
		x, ok := b.Value(ret)
		b.release(ret)
		if !ok {
			if err == nil {
				err = fmt.Errorf("%s returned an invalid handle", e.name)
			}
			return err
		}
		v.Heap.Protect(x)
		out = x
		return err
	}()
	if err != nil {
		var g *guestThrow
		if errors.As(err, &g) {
			v.ThrowString(g.msg)
		}
		v.ThrowString(err.Error())
	}

	if e.typed {
		if e.ret.Kind == vm.KindVoid {
			return vm.Null
		}
		cx, ok := coerceCallback(v, e.ret, out)
		if !ok {
			v.Throwf("%s: result must be %s, got %s", e.name, typeName(e.ret), v.ToString(out))
		}
		return cx
	}
	if v.IsRawString(out) {
		if s, err := v.WrapBytes(out); err == nil {
			return s
		}
	}
	return out
}

func coerceCallback(v *vm.VM, t *vm.Type, x vm.Value) (vm.Value, bool) {
	if t == anyObject {
		if x == vm.Null {
			return x, true
		}
		if v.IsRawString(x) {
			s, err := v.WrapBytes(x)
			return s, err == nil
		}
		_, ok := v.Heap.Object(x)
		return x, ok
	}
	return v.Coerce(t, x)
}
