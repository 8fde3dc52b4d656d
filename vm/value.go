package vm

import (
	"math"
)

// Value is a guest value using NaN-boxing.
//
// All values are 64-bit IEEE 754 doubles. Non-float values live in the quiet
// NaN space and are distinguished by tag bits.
//
// Encoding scheme:
//   - Float: native IEEE 754 double (anything that is not one of our NaNs)
//   - Int: quiet NaN + tagInt + 48-bit signed payload
//   - Ref: quiet NaN + tagRef + 16-bit generation + 32-bit heap index
//   - Special: quiet NaN + tagSpecial + special id (null/true/false)
//
// Heap references are arena indices, never Go pointers, so a Value can be
// copied into host memory without pinning anything.
type Value uint64

// NaN-boxing constants
const (
	// Quiet NaN prefix: exponent all 1s, quiet bit set, sign bit 0
	nanBits uint64 = 0x7FF8000000000000

	// Tag mask: 3 bits within the NaN mantissa space
	tagMask uint64 = 0x0007000000000000

	// Payload mask: 48 bits
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	tagRef     uint64 = 0x0001000000000000 // heap cell reference
	tagInt     uint64 = 0x0002000000000000 // 48-bit signed integer
	tagSpecial uint64 = 0x0003000000000000 // null, true, false

	intSignBit    uint64 = 0x0000800000000000
	intSignExtend uint64 = 0xFFFF000000000000
)

const (
	specialNull  uint64 = 0
	specialTrue  uint64 = 1
	specialFalse uint64 = 2
)

// Pre-defined special values
const (
	Null  Value = Value(nanBits | tagSpecial | specialNull)
	True  Value = Value(nanBits | tagSpecial | specialTrue)
	False Value = Value(nanBits | tagSpecial | specialFalse)
)

// Int range (48-bit signed)
const (
	MaxInt int64 = (1 << 47) - 1
	MinInt int64 = -(1 << 47)
)

// Ref identifies a heap cell. The generation changes every time the slot is
// reused, so a Ref to a collected cell never aliases a newer one.
type Ref struct {
	Index uint32
	Gen   uint16
}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsFloat returns true if v holds a float64. Infinities and untagged NaNs
// count as floats.
func (v Value) IsFloat() bool {
	bits := uint64(v)
	if (bits & 0x7FF0000000000000) != 0x7FF0000000000000 {
		return true
	}
	if bits&0x000FFFFFFFFFFFFF == 0 {
		return true
	}
	if (bits & nanBits) != nanBits {
		return true
	}
	return bits&tagMask == 0
}

// IsInt returns true if v holds a 48-bit integer.
func (v Value) IsInt() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagInt)
}

// IsRef returns true if v references a heap cell.
func (v Value) IsRef() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagRef)
}

// IsNull returns true if v is the guest null.
func (v Value) IsNull() bool { return v == Null }

// IsBool returns true if v is true or false.
func (v Value) IsBool() bool { return v == True || v == False }

// IsNumber returns true for ints and floats.
func (v Value) IsNumber() bool { return v.IsInt() || v.IsFloat() }

// Truthy reports whether v counts as true in a guest condition.
// Only null and false are falsy.
func (v Value) Truthy() bool { return v != Null && v != False }

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// FromFloat64 boxes a float. A NaN input is canonicalised so it cannot be
// mistaken for a tagged value.
func FromFloat64(f float64) Value {
	if f != f {
		return Value(0x7FF8000000000000)
	}
	return Value(math.Float64bits(f))
}

// FromInt boxes an integer. It panics if n does not fit in 48 bits.
func FromInt(n int64) Value {
	v, ok := TryFromInt(n)
	if !ok {
		panic("vm.FromInt: value out of 48-bit range")
	}
	return v
}

// TryFromInt boxes an integer, reporting false if it does not fit.
func TryFromInt(n int64) (Value, bool) {
	if n < MinInt || n > MaxInt {
		return Null, false
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask)), true
}

// FromBool returns True or False.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// FromRef boxes a heap reference.
func FromRef(r Ref) Value {
	return Value(nanBits | tagRef | uint64(r.Gen)<<32 | uint64(r.Index))
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Float64 returns the float payload. Callers must check IsFloat.
func (v Value) Float64() float64 {
	return math.Float64frombits(uint64(v))
}

// Int returns the integer payload, sign-extended. Callers must check IsInt.
func (v Value) Int() int64 {
	p := uint64(v) & payloadMask
	if p&intSignBit != 0 {
		p |= intSignExtend
	}
	return int64(p)
}

// Ref returns the heap reference. Callers must check IsRef.
func (v Value) Ref() Ref {
	p := uint64(v) & payloadMask
	return Ref{Index: uint32(p), Gen: uint16(p >> 32)}
}

// Bool returns true only for True.
func (v Value) Bool() bool { return v == True }

// AsFloat returns a numeric value as float64.
func (v Value) AsFloat() (float64, bool) {
	switch {
	case v.IsInt():
		return float64(v.Int()), true
	case v.IsFloat():
		return v.Float64(), true
	}
	return 0, false
}
