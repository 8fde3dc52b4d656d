package vm

import "testing"

// eval builds a module whose class T has a static method main (no
// arguments, returning Dynamic) with the body emitted by body, initializes it
// in a fresh VM and calls main.
func eval(t *testing.T, body func(c *ClassBuilder, f *FuncBuilder), opts ...Option) (*VM, Value, *Exception) {
	t.Helper()
	b := NewBuilder()
	c := b.Class("T", nil)
	f := c.StaticMethod("main", nil, TDyn)
	body(c, f)
	m, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	v := NewVM(opts...)
	if err := v.Load(m); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := v.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	r, ex := v.CallFunctionSafe(f.Function(), nil)
	return v, r, ex
}

// evalOK is eval for bodies that must not throw.
func evalOK(t *testing.T, body func(c *ClassBuilder, f *FuncBuilder)) (*VM, Value) {
	t.Helper()
	v, r, ex := eval(t, body)
	if ex != nil {
		t.Fatalf("unexpected exception: %s\n%s", ex.Message, ex.StackTrace())
	}
	return v, r
}

// evalThrows is eval for bodies that must throw; it returns the message.
func evalThrows(t *testing.T, body func(c *ClassBuilder, f *FuncBuilder)) string {
	t.Helper()
	v, _, ex := eval(t, body)
	if ex == nil {
		t.Fatal("expected an exception")
	}
	if v.Depth() != 0 {
		t.Errorf("Depth = %d after exception", v.Depth())
	}
	return ex.Message
}

func goString(t *testing.T, v *VM, x Value) string {
	t.Helper()
	s, ok := v.GoString(x)
	if !ok {
		t.Fatalf("%s is not a string", v.ToString(x))
	}
	return s
}
