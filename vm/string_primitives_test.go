package vm

import (
	"math"
	"testing"
)

func TestUTF16RoundTrip(t *testing.T) {
	for _, s := range []string{"", "a", "héllo", "日本語", "🎉 party", "mixed ü 😀 end"} {
		enc, err := EncodeUTF16(s)
		if err != nil {
			t.Fatalf("EncodeUTF16(%q): %v", s, err)
		}
		if len(enc)%2 != 0 {
			t.Errorf("EncodeUTF16(%q) has odd length %d", s, len(enc))
		}
		got, err := DecodeUTF16(enc)
		if err != nil || got != s {
			t.Errorf("DecodeUTF16(EncodeUTF16(%q)) = %q, %v", s, got, err)
		}
	}
	enc, _ := EncodeUTF16("A")
	if len(enc) != 2 || enc[0] != 'A' || enc[1] != 0 {
		t.Errorf("EncodeUTF16(A) = %v, want little-endian code unit", enc)
	}
}

func TestStrings(t *testing.T) {
	v, _ := evalOK(t, func(_ *ClassBuilder, f *FuncBuilder) { f.ReturnNull() })

	s, err := v.NewString("😀x")
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsString(s) || v.IsRawString(s) {
		t.Error("NewString did not produce a String object")
	}
	o, _ := v.Heap.Object(s)
	if o.Slots[stringSlotLength] != FromInt(3) {
		t.Errorf("length = %s, want 3 code units", v.ToString(o.Slots[stringSlotLength]))
	}

	raw, _ := v.NewRawString("raw")
	if !v.IsRawString(raw) || v.IsString(raw) {
		t.Error("NewRawString did not produce a bare Bytes cell")
	}
	wrapped, err := v.WrapBytes(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got := goString(t, v, wrapped); got != "raw" {
		t.Errorf("WrapBytes = %q", got)
	}
	wo, _ := v.Heap.Object(wrapped)
	if wo.Slots[stringSlotBytes] != raw {
		t.Error("WrapBytes copied the buffer instead of sharing it")
	}
	if _, err := v.WrapBytes(FromInt(1)); err == nil {
		t.Error("WrapBytes accepted an int")
	}
	if _, err := NewVM().WrapBytes(raw); err == nil {
		t.Error("WrapBytes without a module succeeded")
	}

	if _, ok := v.GoString(FromInt(1)); ok {
		t.Error("GoString accepted an int")
	}
	obj, _ := v.NewObject(v.Module().Class("T"))
	if _, ok := v.GoString(obj); ok {
		t.Error("GoString accepted a non-string object")
	}
	if !IsStringType(v.Module().StringType) || IsStringType(v.Module().Class("T")) || IsStringType(nil) {
		t.Error("IsStringType")
	}
}

func TestFormatFloat(t *testing.T) {
	tests := []struct {
		f    float64
		want string
	}{
		{3, "3"},
		{-0.5, "-0.5"},
		{1e21, "1e+21"},
		{math.NaN(), "NaN"},
		{math.Inf(1), "Infinity"},
		{math.Inf(-1), "-Infinity"},
	}
	for _, tt := range tests {
		if got := FormatFloat(tt.f); got != tt.want {
			t.Errorf("FormatFloat(%v) = %q, want %q", tt.f, got, tt.want)
		}
	}
}

func TestToString(t *testing.T) {
	v, _ := evalOK(t, func(c *ClassBuilder, f *FuncBuilder) {
		c.Field("name", TDyn)
		c.Method("toString", nil, TDyn).Str("T<").Load(0).GetField("name").Add().Str(">").Add().Return()
		f.ReturnNull()
	})
	obj, _ := v.NewObject(v.Module().Class("T"))
	o, _ := v.Heap.Object(obj)
	o.Slots[0], _ = v.NewString("x")
	cl, _ := v.NewClosure(v.Module().Functions[0], nil)
	raw, _ := v.NewRawString("bare")

	tests := []struct {
		x    Value
		want string
	}{
		{Null, "null"},
		{True, "true"},
		{False, "false"},
		{FromInt(-12), "-12"},
		{FromFloat64(2.5), "2.5"},
		{raw, "bare"},
		{cl, "#fun"},
		{obj, "T<x>"},
		{v.Module().Class("T").Statics.Global, "T"},
		{FromRef(Ref{Index: 9999}), "<collected>"},
	}
	for _, tt := range tests {
		if got := v.ToString(tt.x); got != tt.want {
			t.Errorf("ToString = %q, want %q", got, tt.want)
		}
	}
}
