package ffi

import (
	"github.com/chazu/embedvm/vm"
)

// ---------------------------------------------------------------------------
// Call-site caches
// ---------------------------------------------------------------------------

// CachedCall is a pre-resolved static method. Calling it does no hashing
// and no table lookup. It holds its own root on the closure and is stale
// once the module is reloaded.
type CachedCall struct {
	Name   string
	fn     vm.Value
	root   vm.RootID
	params []*vm.Type
	gen    uint64
	freed  bool
}

// Arity returns the number of arguments the cached callee expects.
func (cc *CachedCall) Arity() int { return len(cc.params) }

// CacheStatic resolves class.method once and returns a reusable call site.
// It fails with the same codes as CallStatic.
func (b *Bridge) CacheStatic(class, method string) (*CachedCall, error) {
	const op = "cache_static"
	fn, err := b.staticCallable(op, class, method)
	if err != nil {
		return nil, err
	}
	cl, _ := b.vm.Heap.Closure(fn)
	params := cl.Fun.Type.Args
	if cl.HasBound {
		params = params[1:]
	}
	cc := &CachedCall{
		Name:   class + "." + method,
		fn:     fn,
		root:   b.vm.Heap.AddRoot(fn),
		params: append([]*vm.Type(nil), params...),
		gen:    b.vm.Generation(),
	}
	log.Debug("call site cached", "bridge", b.ID, "target", cc.Name, "arity", len(params))
	return cc, nil
}

func (b *Bridge) checkCached(op string, cc *CachedCall) error {
	switch {
	case cc == nil:
		return b.fail(newError(NullArgument, op).detail("cached call is nil").build())
	case cc.freed:
		return b.fail(newError(InvalidArgument, op).detail("cached call %s was freed", cc.Name).build())
	case cc.gen != b.vm.Generation():
		return b.fail(newError(InvalidArgument, op).detail("cached call %s is stale after reload", cc.Name).build())
	}
	return nil
}

// CallCached invokes a cached static method with args. The result handle
// is owned and rooted like CallStatic's.
func (b *Bridge) CallCached(cc *CachedCall, args ...Handle) (Handle, error) {
	b.clearException()
	r, err := b.callCached(cc, args)
	if err != nil {
		return NoHandle, err
	}
	return b.own(r), nil
}

func (b *Bridge) callCached(cc *CachedCall, args []Handle) (vm.Value, error) {
	const op = "call_cached"
	if err := b.checkCached(op, cc); err != nil {
		return vm.Null, err
	}
	defer b.enter()()
	vals, err := b.marshalArgs(op, cc.params, args)
	if err != nil {
		return vm.Null, err
	}
	return b.trap(op, func() (vm.Value, *vm.Exception) {
		return b.vm.CallSafe(cc.fn, vals)
	})
}

// FreeCached releases the cache's root. Freeing twice is INVALID_ARGUMENT.
func (b *Bridge) FreeCached(cc *CachedCall) error {
	const op = "free_cached"
	if cc == nil {
		return b.fail(newError(NullArgument, op).detail("cached call is nil").build())
	}
	if cc.freed {
		return b.fail(newError(InvalidArgument, op).detail("cached call %s was freed", cc.Name).build())
	}
	b.vm.Heap.RemoveRoot(cc.root)
	cc.freed = true
	cc.fn = vm.Null
	return nil
}

// CachedMethod is a pre-resolved instance method. Calls select the
// implementation from the receiver's vtable by index.
type CachedMethod struct {
	Name   string
	owner  *vm.Type
	proto  *vm.Proto
	params []*vm.Type
	gen    uint64
	freed  bool
}

// Arity returns the number of arguments, receiver excluded.
func (cm *CachedMethod) Arity() int { return len(cm.params) }

// CacheMethod resolves class.method once for use on any instance of class
// or its subclasses.
func (b *Bridge) CacheMethod(class, method string) (*CachedMethod, error) {
	const op = "cache_method"
	c, err := b.resolveClass(op, class)
	if err != nil {
		return nil, err
	}
	ml, err := b.resolveInstance(op, c, method)
	if err != nil {
		return nil, err
	}
	if !ml.IsMethod {
		return nil, b.fail(newError(TypeMismatch, op).detail("%s.%s is a field", class, method).build())
	}
	p := ml.member.Proto
	var params []*vm.Type
	if fn := c.t.Method(p); fn != nil {
		params = append(params, fn.Type.Args[1:]...)
	}
	return &CachedMethod{
		Name:   class + "." + method,
		owner:  c.t,
		proto:  p,
		params: params,
		gen:    b.vm.Generation(),
	}, nil
}

// CallCachedMethod invokes a cached method on the object behind obj.
func (b *Bridge) CallCachedMethod(cm *CachedMethod, obj Handle, args ...Handle) (Handle, error) {
	const op = "call_cached_method"
	b.clearException()
	switch {
	case cm == nil:
		return NoHandle, b.fail(newError(NullArgument, op).detail("cached method is nil").build())
	case cm.freed:
		return NoHandle, b.fail(newError(InvalidArgument, op).detail("cached method %s was freed", cm.Name).build())
	case cm.gen != b.vm.Generation():
		return NoHandle, b.fail(newError(InvalidArgument, op).detail("cached method %s is stale after reload", cm.Name).build())
	}
	defer b.enter()()
	recv, o, err := b.instance(op, obj)
	if err != nil {
		return NoHandle, err
	}
	if !o.Type.IsSubtypeOf(cm.owner) {
		return NoHandle, b.fail(newError(TypeMismatch, op).detail("%s is not a %s", o.Type.Name, cm.owner.Name).build())
	}
	fn := o.Type.Method(cm.proto)
	if fn == nil {
		return NoHandle, b.fail(newError(MemberNotFound, op).detail("%s has no implementation", cm.Name).build())
	}
	b.protect(recv)
	r, err := b.callVirtual(op, fn, recv, args)
	if err != nil {
		return NoHandle, err
	}
	return b.own(r), nil
}

// FreeCachedMethod invalidates cm. Freeing twice is INVALID_ARGUMENT.
func (b *Bridge) FreeCachedMethod(cm *CachedMethod) error {
	const op = "free_cached_method"
	if cm == nil {
		return b.fail(newError(NullArgument, op).detail("cached method is nil").build())
	}
	if cm.freed {
		return b.fail(newError(InvalidArgument, op).detail("cached method %s was freed", cm.Name).build())
	}
	cm.freed = true
	return nil
}
