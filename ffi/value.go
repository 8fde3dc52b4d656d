package ffi

import (
	"math"

	"github.com/chazu/embedvm/vm"
)

// ---------------------------------------------------------------------------
// Boxing
// ---------------------------------------------------------------------------

// BoxInt boxes n. Guest integers are 48-bit; values outside that range are
// INVALID_ARGUMENT.
func (b *Bridge) BoxInt(n int64) (Handle, error) {
	x, ok := vm.TryFromInt(n)
	if !ok {
		return NoHandle, b.fail(newError(InvalidArgument, "box_int").detail("%d does not fit in a guest integer", n).build())
	}
	return b.own(x), nil
}

// BoxFloat boxes f.
func (b *Bridge) BoxFloat(f float64) Handle { return b.own(vm.FromFloat64(f)) }

// BoxBool boxes v.
func (b *Bridge) BoxBool(v bool) Handle { return b.own(vm.FromBool(v)) }

// BoxNull returns a handle holding the guest null.
func (b *Bridge) BoxNull() Handle { return b.own(vm.Null) }

// BoxString converts s to the guest's UTF-16LE encoding and boxes it as a
// raw byte string. Call paths re-tag it into a String object when the
// callee declares a string parameter.
func (b *Bridge) BoxString(s string) (Handle, error) {
	x, err := b.vm.NewRawString(s)
	if err != nil {
		return NoHandle, b.fail(b.vmError("box_string", err))
	}
	return b.own(x), nil
}

// ---------------------------------------------------------------------------
// Unboxing
// ---------------------------------------------------------------------------

// AsInt unboxes h as an integer. Floats truncate toward zero and booleans
// map to 0/1. Anything else, including a freed handle, yields fallback.
func (b *Bridge) AsInt(h Handle, fallback int64) int64 {
	x, ok := b.Value(h)
	if !ok {
		return fallback
	}
	if n, ok := valueInt(x); ok {
		return n
	}
	return fallback
}

// AsFloat unboxes h as a float. Integers widen.
func (b *Bridge) AsFloat(h Handle, fallback float64) float64 {
	x, ok := b.Value(h)
	if !ok {
		return fallback
	}
	if f, ok := x.AsFloat(); ok {
		return f
	}
	return fallback
}

// AsBool unboxes h as a boolean. Numbers are true when nonzero.
func (b *Bridge) AsBool(h Handle, fallback bool) bool {
	x, ok := b.Value(h)
	if !ok {
		return fallback
	}
	if v, ok := valueBool(x); ok {
		return v
	}
	return fallback
}

// AsString unboxes h as text. Both String objects and raw byte strings
// qualify.
func (b *Bridge) AsString(h Handle, fallback string) string {
	x, ok := b.Value(h)
	if !ok {
		return fallback
	}
	if s, ok := b.vm.GoString(x); ok {
		return s
	}
	return fallback
}

// IsNull reports whether h is absent, freed or holds the guest null.
func (b *Bridge) IsNull(h Handle) bool {
	x, ok := b.Value(h)
	return !ok || x == vm.Null
}

func valueInt(x vm.Value) (int64, bool) {
	switch {
	case x.IsInt():
		return x.Int(), true
	case x.IsFloat():
		f := x.Float64()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return int64(math.Trunc(f)), true
	case x.IsBool():
		if x.Bool() {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func valueBool(x vm.Value) (bool, bool) {
	switch {
	case x.IsBool():
		return x.Bool(), true
	case x.IsInt():
		return x.Int() != 0, true
	case x.IsFloat():
		return x.Float64() != 0, true
	}
	return false, false
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// ValueKind classifies what a handle holds.
type ValueKind uint8

const (
	KindInvalid ValueKind = iota
	KindNull
	KindInt
	KindFloat
	KindBool
	KindString
	KindObject
	KindFunction
	KindBytes
)

var valueKindNames = [...]string{
	KindInvalid:  "invalid",
	KindNull:     "null",
	KindInt:      "int",
	KindFloat:    "float",
	KindBool:     "bool",
	KindString:   "string",
	KindObject:   "object",
	KindFunction: "function",
	KindBytes:    "bytes",
}

func (k ValueKind) String() string {
	if int(k) < len(valueKindNames) {
		return valueKindNames[k]
	}
	return "invalid"
}

// KindOf classifies the value behind h. Freed handles and references to
// collected cells are KindInvalid. Raw byte strings report KindString.
func (b *Bridge) KindOf(h Handle) ValueKind {
	x, ok := b.Value(h)
	if !ok {
		return KindInvalid
	}
	return b.kindOfValue(x)
}

func (b *Bridge) kindOfValue(x vm.Value) ValueKind {
	switch {
	case x == vm.Null:
		return KindNull
	case x.IsBool():
		return KindBool
	case x.IsInt():
		return KindInt
	case x.IsFloat():
		return KindFloat
	}
	if b.vm.IsString(x) {
		return KindString
	}
	if bs, ok := b.vm.Heap.Bytes(x); ok {
		if _, err := vm.DecodeUTF16(bs.Data); err == nil && len(bs.Data)%2 == 0 {
			return KindString
		}
		return KindBytes
	}
	if _, ok := b.vm.Heap.Object(x); ok {
		return KindObject
	}
	if _, ok := b.vm.Heap.Closure(x); ok {
		return KindFunction
	}
	return KindInvalid
}

// ClassName returns the class of the object behind h, or "".
func (b *Bridge) ClassName(h Handle) string {
	x, ok := b.Value(h)
	if !ok {
		return ""
	}
	t := b.vm.TypeOf(x)
	if t == nil {
		return ""
	}
	return t.Name
}

// Describe renders the value behind h with the guest's own string
// conversion.
func (b *Bridge) Describe(h Handle) string {
	x, ok := b.Value(h)
	if !ok {
		return "<invalid>"
	}
	defer b.enter()()
	return b.vm.ToString(x)
}
