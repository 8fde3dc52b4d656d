// Package main builds libembedvm - the C ABI over the host bridge.
// This is built with -buildmode=c-shared.
package main

/*
#include <stdlib.h>
#include <stdint.h>

typedef uint32_t EVMHandle;

// Member kinds for EVM_RegisterCallbackTyped.
enum {
    EVM_KIND_VOID, EVM_KIND_I32, EVM_KIND_I64, EVM_KIND_F32, EVM_KIND_F64,
    EVM_KIND_BOOL, EVM_KIND_BYTES, EVM_KIND_DYN, EVM_KIND_FUN, EVM_KIND_OBJ
};

// Call results for EVM_TryCallStatic and EVM_TryCallMethod.
enum { EVM_CALL_OK, EVM_CALL_EXCEPTION, EVM_CALL_ERROR };

// EVMCallback is a host function callable from guest code. args are
// borrowed for the duration of the call. Store a handle in *out to return
// it (0 returns null); a non-zero result raises a guest exception.
typedef int (*EVMCallback)(int64_t ctx, void* user, const EVMHandle* args, int numArgs, EVMHandle* out);

// cgo can't call function pointers directly.
static int call_callback(EVMCallback fn, int64_t ctx, void* user, const EVMHandle* args, int numArgs, EVMHandle* out) {
    return fn(ctx, user, args, numArgs, out);
}
*/
import "C"
import (
	"unsafe"

	"github.com/chazu/embedvm/ffi"
)

func main() {}

// ============================================================================
// Conversion helpers
// ============================================================================

func handlesFromC(args *C.EVMHandle, n C.int) []ffi.Handle {
	if args == nil || n <= 0 {
		return nil
	}
	src := unsafe.Slice(args, int(n))
	out := make([]ffi.Handle, len(src))
	for i, h := range src {
		out[i] = ffi.Handle(h)
	}
	return out
}

func intsFromC(p *C.int, n C.int) []int {
	if p == nil || n <= 0 {
		return nil
	}
	src := unsafe.Slice(p, int(n))
	out := make([]int, len(src))
	for i, v := range src {
		out[i] = int(v)
	}
	return out
}

func cBool(v bool) C.int {
	if v {
		return 1
	}
	return 0
}

func goString(s *C.char) string {
	if s == nil {
		return ""
	}
	return C.GoString(s)
}

// cString returns a malloc'd copy of s for the caller to release with
// EVM_FreeString. Empty strings return NULL.
func cString(s string) *C.char {
	if s == "" {
		return nil
	}
	return C.CString(s)
}

// withBridge resolves ctx and runs fn, flattening the error to a code.
func withBridge(ctx C.int64_t, fn func(*ffi.Bridge) error) C.int {
	b, ok := contexts.get(int64(ctx))
	if !ok {
		return C.int(code(ffi.ErrInvalidArgument))
	}
	return C.int(code(fn(b)))
}

// produce runs fn and stores the resulting handle in *out.
func produce(ctx C.int64_t, out *C.EVMHandle, fn func(*ffi.Bridge) (ffi.Handle, error)) C.int {
	if out == nil {
		return C.int(ffi.NullArgument)
	}
	return withBridge(ctx, func(b *ffi.Bridge) error {
		h, err := fn(b)
		*out = C.EVMHandle(h)
		return err
	})
}

// store runs fn and writes its result to *out.
func store[T any](ctx C.int64_t, out *T, fn func(*ffi.Bridge) (T, error)) C.int {
	if out == nil {
		return C.int(ffi.NullArgument)
	}
	return withBridge(ctx, func(b *ffi.Bridge) error {
		v, err := fn(b)
		*out = v
		return err
	})
}

// ============================================================================
// Lifecycle
// ============================================================================

// EVM_Open loads embedvm.toml found from dir (NULL or "" for defaults),
// optionally overriding the module path. Returns a context id, or a
// negated error code; EVM_OpenError describes the failure.
//
//export EVM_Open
func EVM_Open(dir, module *C.char) C.int64_t {
	return C.int64_t(contexts.open(goString(dir), goString(module)))
}

//export EVM_OpenError
func EVM_OpenError() *C.char {
	if err := contexts.openError(); err != nil {
		return cString(err.Error())
	}
	return nil
}

//export EVM_Init
func EVM_Init(ctx C.int64_t) C.int {
	return withBridge(ctx, func(b *ffi.Bridge) error { return b.Init() })
}

//export EVM_Reload
func EVM_Reload(ctx C.int64_t, path *C.char) C.int {
	return withBridge(ctx, func(b *ffi.Bridge) error {
		mod, err := ffi.LoadImage(goString(path))
		if err != nil {
			return err
		}
		return b.Reload(mod)
	})
}

//export EVM_Close
func EVM_Close(ctx C.int64_t) C.int {
	if !contexts.close(int64(ctx)) {
		return C.int(ffi.InvalidArgument)
	}
	return C.int(ffi.OK)
}

//export EVM_Collect
func EVM_Collect(ctx C.int64_t) C.int {
	return withBridge(ctx, func(b *ffi.Bridge) error {
		b.Collect()
		return nil
	})
}

// ============================================================================
// Boxing
// ============================================================================

//export EVM_BoxInt
func EVM_BoxInt(ctx C.int64_t, n C.int64_t, out *C.EVMHandle) C.int {
	return produce(ctx, out, func(b *ffi.Bridge) (ffi.Handle, error) { return b.BoxInt(int64(n)) })
}

//export EVM_BoxFloat
func EVM_BoxFloat(ctx C.int64_t, f C.double, out *C.EVMHandle) C.int {
	return produce(ctx, out, func(b *ffi.Bridge) (ffi.Handle, error) { return b.BoxFloat(float64(f)), nil })
}

//export EVM_BoxBool
func EVM_BoxBool(ctx C.int64_t, v C.int, out *C.EVMHandle) C.int {
	return produce(ctx, out, func(b *ffi.Bridge) (ffi.Handle, error) { return b.BoxBool(v != 0), nil })
}

//export EVM_BoxNull
func EVM_BoxNull(ctx C.int64_t, out *C.EVMHandle) C.int {
	return produce(ctx, out, func(b *ffi.Bridge) (ffi.Handle, error) { return b.BoxNull(), nil })
}

//export EVM_BoxString
func EVM_BoxString(ctx C.int64_t, s *C.char, out *C.EVMHandle) C.int {
	if s == nil {
		return C.int(ffi.NullArgument)
	}
	str := C.GoString(s)
	return produce(ctx, out, func(b *ffi.Bridge) (ffi.Handle, error) { return b.BoxString(str) })
}

//export EVM_AsInt
func EVM_AsInt(ctx C.int64_t, h C.EVMHandle, fallback C.int64_t) C.int64_t {
	if b, ok := contexts.get(int64(ctx)); ok {
		return C.int64_t(b.AsInt(ffi.Handle(h), int64(fallback)))
	}
	return fallback
}

//export EVM_AsFloat
func EVM_AsFloat(ctx C.int64_t, h C.EVMHandle, fallback C.double) C.double {
	if b, ok := contexts.get(int64(ctx)); ok {
		return C.double(b.AsFloat(ffi.Handle(h), float64(fallback)))
	}
	return fallback
}

//export EVM_AsBool
func EVM_AsBool(ctx C.int64_t, h C.EVMHandle, fallback C.int) C.int {
	if b, ok := contexts.get(int64(ctx)); ok {
		if b.AsBool(ffi.Handle(h), fallback != 0) {
			return 1
		}
		return 0
	}
	return fallback
}

// EVM_AsString returns a malloc'd copy of the string behind h, or NULL.
//
//export EVM_AsString
func EVM_AsString(ctx C.int64_t, h C.EVMHandle) *C.char {
	b, ok := contexts.get(int64(ctx))
	if !ok {
		return nil
	}
	if b.KindOf(ffi.Handle(h)) != ffi.KindString {
		return nil
	}
	return C.CString(b.AsString(ffi.Handle(h), ""))
}

//export EVM_KindOf
func EVM_KindOf(ctx C.int64_t, h C.EVMHandle) C.int {
	if b, ok := contexts.get(int64(ctx)); ok {
		return C.int(b.KindOf(ffi.Handle(h)))
	}
	return C.int(ffi.KindInvalid)
}

//export EVM_Free
func EVM_Free(ctx C.int64_t, h C.EVMHandle) C.int {
	return withBridge(ctx, func(b *ffi.Bridge) error { return b.Free(ffi.Handle(h)) })
}

//export EVM_Root
func EVM_Root(ctx C.int64_t, h C.EVMHandle) C.int {
	return withBridge(ctx, func(b *ffi.Bridge) error { return b.Root(ffi.Handle(h)) })
}

//export EVM_FreeString
func EVM_FreeString(s *C.char) {
	C.free(unsafe.Pointer(s))
}

// ============================================================================
// Calls
// ============================================================================

//export EVM_CallStatic
func EVM_CallStatic(ctx C.int64_t, class, method *C.char, args *C.EVMHandle, numArgs C.int, out *C.EVMHandle) C.int {
	cls, meth, hs := goString(class), goString(method), handlesFromC(args, numArgs)
	return produce(ctx, out, func(b *ffi.Bridge) (ffi.Handle, error) { return b.CallStatic(cls, meth, hs...) })
}

//export EVM_CallMethod
func EVM_CallMethod(ctx C.int64_t, obj C.EVMHandle, method *C.char, args *C.EVMHandle, numArgs C.int, out *C.EVMHandle) C.int {
	meth, hs := goString(method), handlesFromC(args, numArgs)
	return produce(ctx, out, func(b *ffi.Bridge) (ffi.Handle, error) { return b.CallMethod(ffi.Handle(obj), meth, hs...) })
}

//export EVM_Invoke
func EVM_Invoke(ctx C.int64_t, fn C.EVMHandle, args *C.EVMHandle, numArgs C.int, out *C.EVMHandle) C.int {
	hs := handlesFromC(args, numArgs)
	return produce(ctx, out, func(b *ffi.Bridge) (ffi.Handle, error) { return b.Invoke(ffi.Handle(fn), hs...) })
}

//export EVM_New
func EVM_New(ctx C.int64_t, class *C.char, args *C.EVMHandle, numArgs C.int, out *C.EVMHandle) C.int {
	cls, hs := goString(class), handlesFromC(args, numArgs)
	return produce(ctx, out, func(b *ffi.Bridge) (ffi.Handle, error) { return b.New(cls, hs...) })
}

// EVM_TryCallStatic is EVM_CallStatic returning EVM_CALL_OK,
// EVM_CALL_EXCEPTION or EVM_CALL_ERROR. *code, if not NULL, receives the
// error code.
//
//export EVM_TryCallStatic
func EVM_TryCallStatic(ctx C.int64_t, class, method *C.char, args *C.EVMHandle, numArgs C.int, out *C.EVMHandle, errCode *C.int) C.int {
	c := EVM_CallStatic(ctx, class, method, args, numArgs, out)
	return tryResult(c, errCode)
}

//export EVM_TryCallMethod
func EVM_TryCallMethod(ctx C.int64_t, obj C.EVMHandle, method *C.char, args *C.EVMHandle, numArgs C.int, out *C.EVMHandle, errCode *C.int) C.int {
	c := EVM_CallMethod(ctx, obj, method, args, numArgs, out)
	return tryResult(c, errCode)
}

func tryResult(c C.int, errCode *C.int) C.int {
	if errCode != nil {
		*errCode = c
	}
	switch ffi.Code(c) {
	case ffi.OK:
		return C.int(ffi.CallOK)
	case ffi.ExceptionThrown:
		return C.int(ffi.CallException)
	}
	return C.int(ffi.CallError)
}

// ============================================================================
// Cached call sites
// ============================================================================

// EVM_CacheStatic resolves class.method once and stores a call site id in
// *out for EVM_CallCached.
//
//export EVM_CacheStatic
func EVM_CacheStatic(ctx C.int64_t, class, method *C.char, out *C.int64_t) C.int {
	if out == nil {
		return C.int(ffi.NullArgument)
	}
	cls, meth := goString(class), goString(method)
	return withBridge(ctx, func(b *ffi.Bridge) error {
		id, err := sites.cacheStatic(int64(ctx), b, cls, meth)
		*out = C.int64_t(id)
		return err
	})
}

//export EVM_CallCached
func EVM_CallCached(ctx C.int64_t, siteID C.int64_t, args *C.EVMHandle, numArgs C.int, out *C.EVMHandle) C.int {
	hs := handlesFromC(args, numArgs)
	return produce(ctx, out, func(b *ffi.Bridge) (ffi.Handle, error) {
		return sites.callStatic(int64(ctx), b, int64(siteID), hs)
	})
}

// EVM_CacheMethod resolves an instance method once for use on any
// instance of class or its subclasses.
//
//export EVM_CacheMethod
func EVM_CacheMethod(ctx C.int64_t, class, method *C.char, out *C.int64_t) C.int {
	if out == nil {
		return C.int(ffi.NullArgument)
	}
	cls, meth := goString(class), goString(method)
	return withBridge(ctx, func(b *ffi.Bridge) error {
		id, err := sites.cacheMethod(int64(ctx), b, cls, meth)
		*out = C.int64_t(id)
		return err
	})
}

//export EVM_CallCachedMethod
func EVM_CallCachedMethod(ctx C.int64_t, siteID C.int64_t, obj C.EVMHandle, args *C.EVMHandle, numArgs C.int, out *C.EVMHandle) C.int {
	hs := handlesFromC(args, numArgs)
	return produce(ctx, out, func(b *ffi.Bridge) (ffi.Handle, error) {
		return sites.callMethod(int64(ctx), b, int64(siteID), ffi.Handle(obj), hs)
	})
}

// EVM_FreeCached releases a call site from EVM_CacheStatic or
// EVM_CacheMethod.
//
//export EVM_FreeCached
func EVM_FreeCached(ctx C.int64_t, siteID C.int64_t) C.int {
	return withBridge(ctx, func(b *ffi.Bridge) error { return sites.free(int64(ctx), b, int64(siteID)) })
}

// ============================================================================
// Types
// ============================================================================

// EVM_ResolveClass returns OK when class exists in the loaded module.
//
//export EVM_ResolveClass
func EVM_ResolveClass(ctx C.int64_t, class *C.char) C.int {
	cls := goString(class)
	return withBridge(ctx, func(b *ffi.Bridge) error {
		_, err := b.ResolveClass(cls)
		return err
	})
}

//export EVM_IsInstanceOf
func EVM_IsInstanceOf(ctx C.int64_t, h C.EVMHandle, class *C.char) C.int {
	if b, ok := contexts.get(int64(ctx)); ok {
		return cBool(b.IsInstanceOf(ffi.Handle(h), goString(class)))
	}
	return 0
}

// EVM_ClassName returns a malloc'd copy of the class name of h, or NULL.
//
//export EVM_ClassName
func EVM_ClassName(ctx C.int64_t, h C.EVMHandle) *C.char {
	if b, ok := contexts.get(int64(ctx)); ok {
		return cString(b.ClassName(ffi.Handle(h)))
	}
	return nil
}

// ============================================================================
// Fields
// ============================================================================

//export EVM_GetStaticField
func EVM_GetStaticField(ctx C.int64_t, class, field *C.char, out *C.EVMHandle) C.int {
	cls, fld := goString(class), goString(field)
	return produce(ctx, out, func(b *ffi.Bridge) (ffi.Handle, error) { return b.GetStaticField(cls, fld) })
}

//export EVM_SetStaticField
func EVM_SetStaticField(ctx C.int64_t, class, field *C.char, val C.EVMHandle) C.int {
	cls, fld := goString(class), goString(field)
	return withBridge(ctx, func(b *ffi.Bridge) error { return b.SetStaticField(cls, fld, ffi.Handle(val)) })
}

//export EVM_GetField
func EVM_GetField(ctx C.int64_t, obj C.EVMHandle, field *C.char, out *C.EVMHandle) C.int {
	fld := goString(field)
	return produce(ctx, out, func(b *ffi.Bridge) (ffi.Handle, error) { return b.GetField(ffi.Handle(obj), fld) })
}

//export EVM_SetField
func EVM_SetField(ctx C.int64_t, obj C.EVMHandle, field *C.char, val C.EVMHandle) C.int {
	fld := goString(field)
	return withBridge(ctx, func(b *ffi.Bridge) error { return b.SetField(ffi.Handle(obj), fld, ffi.Handle(val)) })
}

// ============================================================================
// Typed adapters
// ============================================================================

// The typed adapters skip boxing: results are written to *out and the
// return value is an error code. String results are malloc'd copies for
// EVM_FreeString.

//export EVM_GetIntField
func EVM_GetIntField(ctx C.int64_t, obj C.EVMHandle, field *C.char, out *C.int64_t) C.int {
	fld := goString(field)
	return store(ctx, out, func(b *ffi.Bridge) (C.int64_t, error) {
		v, err := b.GetIntField(ffi.Handle(obj), fld)
		return C.int64_t(v), err
	})
}

//export EVM_SetIntField
func EVM_SetIntField(ctx C.int64_t, obj C.EVMHandle, field *C.char, v C.int64_t) C.int {
	fld := goString(field)
	return withBridge(ctx, func(b *ffi.Bridge) error { return b.SetIntField(ffi.Handle(obj), fld, int64(v)) })
}

//export EVM_GetStaticInt
func EVM_GetStaticInt(ctx C.int64_t, class, field *C.char, out *C.int64_t) C.int {
	cls, fld := goString(class), goString(field)
	return store(ctx, out, func(b *ffi.Bridge) (C.int64_t, error) {
		v, err := b.GetStaticInt(cls, fld)
		return C.int64_t(v), err
	})
}

//export EVM_SetStaticInt
func EVM_SetStaticInt(ctx C.int64_t, class, field *C.char, v C.int64_t) C.int {
	cls, fld := goString(class), goString(field)
	return withBridge(ctx, func(b *ffi.Bridge) error { return b.SetStaticInt(cls, fld, int64(v)) })
}

//export EVM_CallStaticInt
func EVM_CallStaticInt(ctx C.int64_t, class, method *C.char, args *C.EVMHandle, numArgs C.int, out *C.int64_t) C.int {
	cls, meth, hs := goString(class), goString(method), handlesFromC(args, numArgs)
	return store(ctx, out, func(b *ffi.Bridge) (C.int64_t, error) {
		v, err := b.CallStaticInt(cls, meth, hs...)
		return C.int64_t(v), err
	})
}

//export EVM_CallMethodInt
func EVM_CallMethodInt(ctx C.int64_t, obj C.EVMHandle, method *C.char, args *C.EVMHandle, numArgs C.int, out *C.int64_t) C.int {
	meth, hs := goString(method), handlesFromC(args, numArgs)
	return store(ctx, out, func(b *ffi.Bridge) (C.int64_t, error) {
		v, err := b.CallMethodInt(ffi.Handle(obj), meth, hs...)
		return C.int64_t(v), err
	})
}

//export EVM_GetFloatField
func EVM_GetFloatField(ctx C.int64_t, obj C.EVMHandle, field *C.char, out *C.double) C.int {
	fld := goString(field)
	return store(ctx, out, func(b *ffi.Bridge) (C.double, error) {
		v, err := b.GetFloatField(ffi.Handle(obj), fld)
		return C.double(v), err
	})
}

//export EVM_SetFloatField
func EVM_SetFloatField(ctx C.int64_t, obj C.EVMHandle, field *C.char, v C.double) C.int {
	fld := goString(field)
	return withBridge(ctx, func(b *ffi.Bridge) error { return b.SetFloatField(ffi.Handle(obj), fld, float64(v)) })
}

//export EVM_GetStaticFloat
func EVM_GetStaticFloat(ctx C.int64_t, class, field *C.char, out *C.double) C.int {
	cls, fld := goString(class), goString(field)
	return store(ctx, out, func(b *ffi.Bridge) (C.double, error) {
		v, err := b.GetStaticFloat(cls, fld)
		return C.double(v), err
	})
}

//export EVM_SetStaticFloat
func EVM_SetStaticFloat(ctx C.int64_t, class, field *C.char, v C.double) C.int {
	cls, fld := goString(class), goString(field)
	return withBridge(ctx, func(b *ffi.Bridge) error { return b.SetStaticFloat(cls, fld, float64(v)) })
}

//export EVM_CallStaticFloat
func EVM_CallStaticFloat(ctx C.int64_t, class, method *C.char, args *C.EVMHandle, numArgs C.int, out *C.double) C.int {
	cls, meth, hs := goString(class), goString(method), handlesFromC(args, numArgs)
	return store(ctx, out, func(b *ffi.Bridge) (C.double, error) {
		v, err := b.CallStaticFloat(cls, meth, hs...)
		return C.double(v), err
	})
}

//export EVM_CallMethodFloat
func EVM_CallMethodFloat(ctx C.int64_t, obj C.EVMHandle, method *C.char, args *C.EVMHandle, numArgs C.int, out *C.double) C.int {
	meth, hs := goString(method), handlesFromC(args, numArgs)
	return store(ctx, out, func(b *ffi.Bridge) (C.double, error) {
		v, err := b.CallMethodFloat(ffi.Handle(obj), meth, hs...)
		return C.double(v), err
	})
}

//export EVM_GetBoolField
func EVM_GetBoolField(ctx C.int64_t, obj C.EVMHandle, field *C.char, out *C.int) C.int {
	fld := goString(field)
	return store(ctx, out, func(b *ffi.Bridge) (C.int, error) {
		v, err := b.GetBoolField(ffi.Handle(obj), fld)
		return cBool(v), err
	})
}

//export EVM_SetBoolField
func EVM_SetBoolField(ctx C.int64_t, obj C.EVMHandle, field *C.char, v C.int) C.int {
	fld := goString(field)
	return withBridge(ctx, func(b *ffi.Bridge) error { return b.SetBoolField(ffi.Handle(obj), fld, v != 0) })
}

//export EVM_GetStaticBool
func EVM_GetStaticBool(ctx C.int64_t, class, field *C.char, out *C.int) C.int {
	cls, fld := goString(class), goString(field)
	return store(ctx, out, func(b *ffi.Bridge) (C.int, error) {
		v, err := b.GetStaticBool(cls, fld)
		return cBool(v), err
	})
}

//export EVM_SetStaticBool
func EVM_SetStaticBool(ctx C.int64_t, class, field *C.char, v C.int) C.int {
	cls, fld := goString(class), goString(field)
	return withBridge(ctx, func(b *ffi.Bridge) error { return b.SetStaticBool(cls, fld, v != 0) })
}

//export EVM_CallStaticBool
func EVM_CallStaticBool(ctx C.int64_t, class, method *C.char, args *C.EVMHandle, numArgs C.int, out *C.int) C.int {
	cls, meth, hs := goString(class), goString(method), handlesFromC(args, numArgs)
	return store(ctx, out, func(b *ffi.Bridge) (C.int, error) {
		v, err := b.CallStaticBool(cls, meth, hs...)
		return cBool(v), err
	})
}

//export EVM_CallMethodBool
func EVM_CallMethodBool(ctx C.int64_t, obj C.EVMHandle, method *C.char, args *C.EVMHandle, numArgs C.int, out *C.int) C.int {
	meth, hs := goString(method), handlesFromC(args, numArgs)
	return store(ctx, out, func(b *ffi.Bridge) (C.int, error) {
		v, err := b.CallMethodBool(ffi.Handle(obj), meth, hs...)
		return cBool(v), err
	})
}

//export EVM_GetStringField
func EVM_GetStringField(ctx C.int64_t, obj C.EVMHandle, field *C.char, out **C.char) C.int {
	fld := goString(field)
	return store(ctx, out, func(b *ffi.Bridge) (*C.char, error) {
		return cStringResult(b.GetStringField(ffi.Handle(obj), fld))
	})
}

//export EVM_SetStringField
func EVM_SetStringField(ctx C.int64_t, obj C.EVMHandle, field, v *C.char) C.int {
	if v == nil {
		return C.int(ffi.NullArgument)
	}
	fld, str := goString(field), C.GoString(v)
	return withBridge(ctx, func(b *ffi.Bridge) error { return b.SetStringField(ffi.Handle(obj), fld, str) })
}

//export EVM_GetStaticString
func EVM_GetStaticString(ctx C.int64_t, class, field *C.char, out **C.char) C.int {
	cls, fld := goString(class), goString(field)
	return store(ctx, out, func(b *ffi.Bridge) (*C.char, error) {
		return cStringResult(b.GetStaticString(cls, fld))
	})
}

//export EVM_SetStaticString
func EVM_SetStaticString(ctx C.int64_t, class, field, v *C.char) C.int {
	if v == nil {
		return C.int(ffi.NullArgument)
	}
	cls, fld, str := goString(class), goString(field), C.GoString(v)
	return withBridge(ctx, func(b *ffi.Bridge) error { return b.SetStaticString(cls, fld, str) })
}

//export EVM_CallStaticString
func EVM_CallStaticString(ctx C.int64_t, class, method *C.char, args *C.EVMHandle, numArgs C.int, out **C.char) C.int {
	cls, meth, hs := goString(class), goString(method), handlesFromC(args, numArgs)
	return store(ctx, out, func(b *ffi.Bridge) (*C.char, error) {
		return cStringResult(b.CallStaticString(cls, meth, hs...))
	})
}

//export EVM_CallMethodString
func EVM_CallMethodString(ctx C.int64_t, obj C.EVMHandle, method *C.char, args *C.EVMHandle, numArgs C.int, out **C.char) C.int {
	meth, hs := goString(method), handlesFromC(args, numArgs)
	return store(ctx, out, func(b *ffi.Bridge) (*C.char, error) {
		return cStringResult(b.CallMethodString(ffi.Handle(obj), meth, hs...))
	})
}

// cStringResult copies a successful string result to C memory. The empty
// string is returned as "" rather than NULL.
func cStringResult(s string, err error) (*C.char, error) {
	if err != nil {
		return nil, err
	}
	return C.CString(s), nil
}

// ============================================================================
// Callbacks
// ============================================================================

// EVM_RegisterCallback exposes fn to guest code under name. user is passed
// back verbatim on every call.
//
//export EVM_RegisterCallback
func EVM_RegisterCallback(ctx C.int64_t, name *C.char, fn C.EVMCallback, user unsafe.Pointer, arity C.int) C.int {
	if fn == nil {
		return C.int(ffi.NullArgument)
	}
	n := goString(name)
	cb := hostCallback(n, cInvoker(ctx, fn, user))
	return withBridge(ctx, func(b *ffi.Bridge) error { return b.RegisterCallback(n, cb, int(arity)) })
}

// EVM_RegisterCallbackTyped is EVM_RegisterCallback with declared
// argument and return kinds (EVM_KIND_*). Arguments are coerced before fn
// sees them and the result is coerced to ret.
//
//export EVM_RegisterCallbackTyped
func EVM_RegisterCallbackTyped(ctx C.int64_t, name *C.char, fn C.EVMCallback, user unsafe.Pointer, argKinds *C.int, numArgs C.int, ret C.int) C.int {
	if fn == nil {
		return C.int(ffi.NullArgument)
	}
	ks, err := kinds(intsFromC(argKinds, numArgs))
	if err != nil {
		return C.int(code(err))
	}
	rk, err := kind(int(ret))
	if err != nil {
		return C.int(code(err))
	}
	n := goString(name)
	cb := hostCallback(n, cInvoker(ctx, fn, user))
	return withBridge(ctx, func(b *ffi.Bridge) error { return b.RegisterCallbackTyped(n, cb, ks, rk) })
}

// cInvoker calls a C callback with the guest arguments.
func cInvoker(ctx C.int64_t, fn C.EVMCallback, user unsafe.Pointer) func(*ffi.Bridge, []ffi.Handle) callbackResult {
	return func(b *ffi.Bridge, args []ffi.Handle) callbackResult {
		cArgs := make([]C.EVMHandle, len(args))
		for i, h := range args {
			cArgs[i] = C.EVMHandle(h)
		}
		var argsPtr *C.EVMHandle
		if len(cArgs) > 0 {
			argsPtr = &cArgs[0]
		}
		var out C.EVMHandle
		status := C.call_callback(fn, ctx, user, argsPtr, C.int(len(args)), &out)
		return callbackResult{out: ffi.Handle(out), status: int(status)}
	}
}

//export EVM_UnregisterCallback
func EVM_UnregisterCallback(ctx C.int64_t, name *C.char) C.int {
	n := goString(name)
	return withBridge(ctx, func(b *ffi.Bridge) error { return b.UnregisterCallback(n) })
}

//export EVM_Callback
func EVM_Callback(ctx C.int64_t, name *C.char, out *C.EVMHandle) C.int {
	n := goString(name)
	return produce(ctx, out, func(b *ffi.Bridge) (ffi.Handle, error) { return b.Callback(n) })
}

// ============================================================================
// Exceptions and errors
// ============================================================================

//export EVM_ExceptionMessage
func EVM_ExceptionMessage(ctx C.int64_t) *C.char {
	if b, ok := contexts.get(int64(ctx)); ok {
		return cString(b.ExceptionMessage())
	}
	return nil
}

//export EVM_ExceptionStack
func EVM_ExceptionStack(ctx C.int64_t) *C.char {
	if b, ok := contexts.get(int64(ctx)); ok {
		return cString(b.ExceptionStack())
	}
	return nil
}

//export EVM_HasException
func EVM_HasException(ctx C.int64_t) C.int {
	if b, ok := contexts.get(int64(ctx)); ok {
		return cBool(b.HasException())
	}
	return 0
}

//export EVM_ClearException
func EVM_ClearException(ctx C.int64_t) C.int {
	return withBridge(ctx, func(b *ffi.Bridge) error {
		b.ClearException()
		return nil
	})
}

// EVM_ExceptionValue stores a new rooted handle for the thrown guest value
// in *out, or 0 when no exception is recorded.
//
//export EVM_ExceptionValue
func EVM_ExceptionValue(ctx C.int64_t, out *C.EVMHandle) C.int {
	return produce(ctx, out, func(b *ffi.Bridge) (ffi.Handle, error) { return b.ExceptionValue(), nil })
}

//export EVM_LastError
func EVM_LastError(ctx C.int64_t) *C.char {
	b, ok := contexts.get(int64(ctx))
	if !ok {
		return cString(errUnknownContext(int64(ctx)).Error())
	}
	if err := b.LastError(); err != nil {
		return cString(err.Error())
	}
	return nil
}
