package vm

import (
	"fmt"
	"math"
	"strconv"

	"golang.org/x/text/encoding/unicode"
)

// ---------------------------------------------------------------------------
// Guest strings
// ---------------------------------------------------------------------------

// Guest strings are UTF-16LE code units held in a Bytes cell, wrapped by a
// String object that records the length in code units.

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// EncodeUTF16 converts host UTF-8 text to guest UTF-16LE bytes.
func EncodeUTF16(s string) ([]byte, error) {
	return utf16le.NewEncoder().Bytes([]byte(s))
}

// DecodeUTF16 converts guest UTF-16LE bytes back to UTF-8.
func DecodeUTF16(b []byte) (string, error) {
	out, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// NewBytes allocates a raw Bytes cell.
func (v *VM) NewBytes(data []byte) (Value, error) {
	return v.Heap.Alloc(&Bytes{Data: data})
}

// NewRawString allocates a Bytes cell holding s as UTF-16LE. This is the raw
// representation; NewString wraps it in a String object.
func (v *VM) NewRawString(s string) (Value, error) {
	data, err := EncodeUTF16(s)
	if err != nil {
		return Null, err
	}
	return v.NewBytes(data)
}

// NewString allocates a String object for s.
func (v *VM) NewString(s string) (Value, error) {
	mark := v.Heap.EnterScope()
	defer v.Heap.LeaveScope(mark)
	raw, err := v.NewRawString(s)
	if err != nil {
		return Null, err
	}
	v.Heap.Protect(raw)
	return v.WrapBytes(raw)
}

// WrapBytes wraps an existing Bytes cell in a String object sharing its
// data.
func (v *VM) WrapBytes(raw Value) (Value, error) {
	b, ok := v.Heap.Bytes(raw)
	if !ok {
		return Null, fmt.Errorf("vm: value is not bytes")
	}
	if v.module == nil {
		return Null, ErrNoModule
	}
	st := v.module.StringType
	if err := st.Finalize(); err != nil {
		return Null, err
	}
	slots := make([]Value, st.numSlots)
	slots[stringSlotBytes] = raw
	slots[stringSlotLength] = FromInt(int64(len(b.Data) / 2))
	return v.Heap.Alloc(&Object{Type: st, Slots: slots})
}

// IsStringType reports whether t is a String class (of any module
// generation).
func IsStringType(t *Type) bool {
	return t != nil && t.Kind == KindObj && t.Name == StringTypeName && t.Super == nil
}

// IsString reports whether x is a String object.
func (v *VM) IsString(x Value) bool {
	o, ok := v.Heap.Object(x)
	return ok && IsStringType(o.Type)
}

// IsRawString reports whether x is a bare Bytes cell.
func (v *VM) IsRawString(x Value) bool {
	_, ok := v.Heap.Bytes(x)
	return ok
}

// GoString returns the text of a String object or a raw Bytes cell.
func (v *VM) GoString(x Value) (string, bool) {
	c, ok := v.Heap.Get(x)
	if !ok {
		return "", false
	}
	switch c := c.(type) {
	case *Bytes:
		s, err := DecodeUTF16(c.Data)
		return s, err == nil
	case *Object:
		if !IsStringType(c.Type) || len(c.Slots) <= stringSlotLength {
			return "", false
		}
		b, ok := v.Heap.Bytes(c.Slots[stringSlotBytes])
		if !ok {
			return "", false
		}
		n := int(c.Slots[stringSlotLength].Int()) * 2
		if n > len(b.Data) || n < 0 {
			n = len(b.Data)
		}
		s, err := DecodeUTF16(b.Data[:n])
		return s, err == nil
	}
	return "", false
}

// ---------------------------------------------------------------------------
// String conversion
// ---------------------------------------------------------------------------

// FormatFloat renders a float the way guest code prints it: integral values
// without a fractional part.
func FormatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == math.Trunc(f) && math.Abs(f) < 1e15:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

var toStringHash = Hash("toString")

// ToString converts any guest value to text. Objects whose class defines a
// toString method are converted by calling it; a throwing toString falls
// back to the class name.
func (v *VM) ToString(x Value) string {
	switch {
	case x == Null:
		return "null"
	case x == True:
		return "true"
	case x == False:
		return "false"
	case x.IsInt():
		return strconv.FormatInt(x.Int(), 10)
	case x.IsFloat():
		return FormatFloat(x.Float64())
	}

	c, ok := v.Heap.Get(x)
	if !ok {
		return "<collected>"
	}
	switch c := c.(type) {
	case *Bytes:
		s, _ := v.GoString(x)
		return s
	case *Closure:
		return "#fun"
	case *Object:
		if IsStringType(c.Type) {
			s, _ := v.GoString(x)
			return s
		}
		if m := c.Type.Lookup(toStringHash); m != nil && m.Kind == MemberMethod {
			if fn := c.Type.Method(m.Proto); fn != nil && fn.Arity() == 1 {
				r, ex := v.CallFunctionSafe(fn, []Value{x})
				if ex == nil {
					if s, ok := v.GoString(r); ok {
						return s
					}
				}
			}
		}
		if c.Type.Owner != nil {
			return c.Type.Owner.Name
		}
		return c.Type.Name
	}
	return "<unknown>"
}
