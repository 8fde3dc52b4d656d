package ffi

import (
	"github.com/chazu/embedvm/vm"
)

// ---------------------------------------------------------------------------
// Typed accessors
// ---------------------------------------------------------------------------

// The adapters below read and write primitive values directly, without an
// intermediate handle. Unlike the As* unboxers they report TYPE_MISMATCH
// instead of returning a fallback.

type loader[T any] func(b *Bridge, op string, x vm.Value) (T, error)

func loadInt(b *Bridge, op string, x vm.Value) (int64, error) {
	if n, ok := valueInt(x); ok {
		return n, nil
	}
	return 0, b.mismatch(op, "int", x)
}

func loadFloat(b *Bridge, op string, x vm.Value) (float64, error) {
	if f, ok := x.AsFloat(); ok {
		return f, nil
	}
	return 0, b.mismatch(op, "float", x)
}

func loadBool(b *Bridge, op string, x vm.Value) (bool, error) {
	if v, ok := valueBool(x); ok {
		return v, nil
	}
	return false, b.mismatch(op, "bool", x)
}

func loadString(b *Bridge, op string, x vm.Value) (string, error) {
	if s, ok := b.vm.GoString(x); ok {
		return s, nil
	}
	return "", b.mismatch(op, "string", x)
}

func (b *Bridge) mismatch(op, want string, x vm.Value) error {
	return b.fail(newError(TypeMismatch, op).detail("expected %s, got %s", want, b.kindOfValue(x)).build())
}

func (b *Bridge) storeInt(op string, n int64) (vm.Value, error) {
	x, ok := vm.TryFromInt(n)
	if !ok {
		return vm.Null, b.fail(newError(InvalidArgument, op).detail("%d does not fit in a guest integer", n).build())
	}
	return x, nil
}

func (b *Bridge) storeString(op string, s string) (vm.Value, error) {
	x, err := b.vm.NewRawString(s)
	if err != nil {
		return vm.Null, b.fail(b.vmError(op, err))
	}
	b.protect(x)
	return x, nil
}

func fieldAs[T any](b *Bridge, op string, obj Handle, field string, load loader[T]) (T, error) {
	x, _, err := b.getField(op, obj, field)
	if err != nil {
		var zero T
		return zero, err
	}
	return load(b, op, x)
}

func staticAs[T any](b *Bridge, op, class, field string, load loader[T]) (T, error) {
	x, _, err := b.getStatic(op, class, field)
	if err != nil {
		var zero T
		return zero, err
	}
	return load(b, op, x)
}

func callStaticAs[T any](b *Bridge, op, class, method string, args []Handle, load loader[T]) (T, error) {
	b.clearException()
	defer b.enter()()
	x, err := b.callStatic(op, class, method, args)
	if err != nil {
		var zero T
		return zero, err
	}
	return load(b, op, x)
}

func callMethodAs[T any](b *Bridge, op string, obj Handle, method string, args []Handle, load loader[T]) (T, error) {
	b.clearException()
	defer b.enter()()
	x, err := b.callMethod(op, obj, method, args)
	if err != nil {
		var zero T
		return zero, err
	}
	return load(b, op, x)
}

// ---------------------------------------------------------------------------
// Int
// ---------------------------------------------------------------------------

func (b *Bridge) GetIntField(obj Handle, field string) (int64, error) {
	return fieldAs(b, "get_field_int", obj, field, loadInt)
}

func (b *Bridge) SetIntField(obj Handle, field string, n int64) error {
	x, err := b.storeInt("set_field_int", n)
	if err != nil {
		return err
	}
	return b.setField("set_field_int", obj, field, x)
}

func (b *Bridge) GetStaticInt(class, field string) (int64, error) {
	return staticAs(b, "get_static_int", class, field, loadInt)
}

func (b *Bridge) SetStaticInt(class, field string, n int64) error {
	x, err := b.storeInt("set_static_int", n)
	if err != nil {
		return err
	}
	return b.setStatic("set_static_int", class, field, x)
}

func (b *Bridge) CallStaticInt(class, method string, args ...Handle) (int64, error) {
	return callStaticAs(b, "call_static_int", class, method, args, loadInt)
}

func (b *Bridge) CallMethodInt(obj Handle, method string, args ...Handle) (int64, error) {
	return callMethodAs(b, "call_method_int", obj, method, args, loadInt)
}

// ---------------------------------------------------------------------------
// Float
// ---------------------------------------------------------------------------

func (b *Bridge) GetFloatField(obj Handle, field string) (float64, error) {
	return fieldAs(b, "get_field_float", obj, field, loadFloat)
}

func (b *Bridge) SetFloatField(obj Handle, field string, f float64) error {
	return b.setField("set_field_float", obj, field, vm.FromFloat64(f))
}

func (b *Bridge) GetStaticFloat(class, field string) (float64, error) {
	return staticAs(b, "get_static_float", class, field, loadFloat)
}

func (b *Bridge) SetStaticFloat(class, field string, f float64) error {
	return b.setStatic("set_static_float", class, field, vm.FromFloat64(f))
}

func (b *Bridge) CallStaticFloat(class, method string, args ...Handle) (float64, error) {
	return callStaticAs(b, "call_static_float", class, method, args, loadFloat)
}

func (b *Bridge) CallMethodFloat(obj Handle, method string, args ...Handle) (float64, error) {
	return callMethodAs(b, "call_method_float", obj, method, args, loadFloat)
}

// ---------------------------------------------------------------------------
// Bool
// ---------------------------------------------------------------------------

func (b *Bridge) GetBoolField(obj Handle, field string) (bool, error) {
	return fieldAs(b, "get_field_bool", obj, field, loadBool)
}

func (b *Bridge) SetBoolField(obj Handle, field string, v bool) error {
	return b.setField("set_field_bool", obj, field, vm.FromBool(v))
}

func (b *Bridge) GetStaticBool(class, field string) (bool, error) {
	return staticAs(b, "get_static_bool", class, field, loadBool)
}

func (b *Bridge) SetStaticBool(class, field string, v bool) error {
	return b.setStatic("set_static_bool", class, field, vm.FromBool(v))
}

func (b *Bridge) CallStaticBool(class, method string, args ...Handle) (bool, error) {
	return callStaticAs(b, "call_static_bool", class, method, args, loadBool)
}

func (b *Bridge) CallMethodBool(obj Handle, method string, args ...Handle) (bool, error) {
	return callMethodAs(b, "call_method_bool", obj, method, args, loadBool)
}

// ---------------------------------------------------------------------------
// String
// ---------------------------------------------------------------------------

func (b *Bridge) GetStringField(obj Handle, field string) (string, error) {
	return fieldAs(b, "get_field_string", obj, field, loadString)
}

func (b *Bridge) SetStringField(obj Handle, field string, s string) error {
	defer b.enter()()
	x, err := b.storeString("set_field_string", s)
	if err != nil {
		return err
	}
	return b.setField("set_field_string", obj, field, x)
}

func (b *Bridge) GetStaticString(class, field string) (string, error) {
	return staticAs(b, "get_static_string", class, field, loadString)
}

func (b *Bridge) SetStaticString(class, field string, s string) error {
	defer b.enter()()
	x, err := b.storeString("set_static_string", s)
	if err != nil {
		return err
	}
	return b.setStatic("set_static_string", class, field, x)
}

func (b *Bridge) CallStaticString(class, method string, args ...Handle) (string, error) {
	return callStaticAs(b, "call_static_string", class, method, args, loadString)
}

func (b *Bridge) CallMethodString(obj Handle, method string, args ...Handle) (string, error) {
	return callMethodAs(b, "call_method_string", obj, method, args, loadString)
}
