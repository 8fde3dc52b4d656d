package ffi

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/chazu/embedvm/vm"
)

// setCallback stores the callback registered as name into a Game static.
func setCallback(t *testing.T, b *Bridge, name, field string) {
	t.Helper()
	h := must(t)(b.Callback(name))
	defer b.Free(h)
	if err := b.SetStaticField("Game", field, h); err != nil {
		t.Fatalf("SetStaticField(%s): %v", field, err)
	}
}

func TestCallbackScenario(t *testing.T) {
	b := testBridge(t)

	var score int64
	var damage []string
	err := b.RegisterCallback("on_scored", func(b *Bridge, args []Handle) (Handle, error) {
		score += b.AsInt(args[0], 0)
		return NoHandle, nil
	}, 1)
	if err != nil {
		t.Fatal(err)
	}
	err = b.RegisterCallback("on_damaged", func(b *Bridge, args []Handle) (Handle, error) {
		damage = append(damage, fmt.Sprintf("%d from %s", b.AsInt(args[0], -1), b.AsString(args[1], "?")))
		return NoHandle, nil
	}, 2)
	if err != nil {
		t.Fatal(err)
	}
	err = b.RegisterCallback("on_stats", func(b *Bridge, args []Handle) (Handle, error) {
		return b.BoxString(fmt.Sprintf("score=%d", score))
	}, 0)
	if err != nil {
		t.Fatal(err)
	}

	setCallback(t, b, "on_scored", "onScored")
	setCallback(t, b, "on_damaged", "onDamaged")
	setCallback(t, b, "on_stats", "onStats")

	base := b.Stats().Handles
	r, err := b.CallStatic("Game", "play")
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	defer b.Free(r)

	if score != 10 {
		t.Errorf("score = %d, want 10", score)
	}
	if len(damage) != 1 || damage[0] != "2 from spike" {
		t.Errorf("damage = %v, want [2 from spike]", damage)
	}
	if got := b.AsString(r, ""); got != "score=10" {
		t.Errorf("play() = %q, want score=10", got)
	}
	if !b.VM().IsString(mustValue(t, b, r)) {
		t.Error("untyped callback string result was not wrapped in a String object")
	}
	if got := b.Stats().Handles; got != base+1 {
		t.Errorf("handles after play = %d, want %d (callback handles leaked)", got, base+1)
	}
}

func mustValue(t *testing.T, b *Bridge, h Handle) vm.Value {
	t.Helper()
	x, ok := b.Value(h)
	if !ok {
		t.Fatalf("handle %d is not live", h)
	}
	return x
}

func TestCallbackArgumentFidelity(t *testing.T) {
	b := testBridge(t)
	for _, n := range callArities {
		t.Run(fmt.Sprintf("arity%d", n), func(t *testing.T) {
			name := fmt.Sprintf("cb%d", n)
			var seen []int64
			err := b.RegisterCallback(name, func(b *Bridge, args []Handle) (Handle, error) {
				seen = seen[:0]
				var sum int64
				for _, a := range args {
					v := b.AsInt(a, -1)
					seen = append(seen, v)
					sum += v
				}
				return b.BoxInt(sum)
			}, n)
			if err != nil {
				t.Fatal(err)
			}
			cb := must(t)(b.Callback(name))
			r, err := b.CallStatic("Game", fmt.Sprintf("call%d", n), cb)
			if err != nil {
				t.Fatalf("call%d: %v", n, err)
			}
			if len(seen) != n {
				t.Fatalf("callback saw %d args, want %d", len(seen), n)
			}
			for i, v := range seen {
				if v != int64(i+1) {
					t.Errorf("arg %d = %d, want %d", i, v, i+1)
				}
			}
			if got, want := b.AsInt(r, -1), int64(n*(n+1)/2); got != want {
				t.Errorf("result = %d, want %d", got, want)
			}
			b.Free(r)
			b.Free(cb)
		})
	}
}

func TestCallbackReturnsArgument(t *testing.T) {
	b := testBridge(t)
	err := b.RegisterCallback("identity", func(b *Bridge, args []Handle) (Handle, error) {
		return args[0], nil
	}, 1)
	if err != nil {
		t.Fatal(err)
	}
	cb := must(t)(b.Callback("identity"))
	defer b.Free(cb)
	r, err := b.CallStatic("Game", "call1", cb)
	if err != nil {
		t.Fatalf("call1: %v", err)
	}
	if got := b.AsInt(r, -1); got != 1 {
		t.Errorf("result = %d, want 1", got)
	}
}

func TestCallbackInvokeFromHost(t *testing.T) {
	b := testBridge(t)
	req := must(t)
	err := b.RegisterCallback("concat", func(b *Bridge, args []Handle) (Handle, error) {
		return b.BoxString(b.AsString(args[0], "") + "/" + b.AsString(args[1], ""))
	}, 2)
	if err != nil {
		t.Fatal(err)
	}
	cb := req(b.Callback("concat"))
	x := req(b.BoxString("left"))
	y := req(b.BoxString("right"))
	r, err := b.Invoke(cb, x, y)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := b.AsString(r, ""); got != "left/right" {
		t.Errorf("Invoke = %q, want left/right", got)
	}

	_, err = b.Invoke(cb, x)
	wantCode(t, err, InvalidArgument)
}

func TestCallbackErrorsBecomeGuestExceptions(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"throw", Throw("host says no"), "host says no"},
		{"plain", errors.New("disk on fire"), "disk on fire"},
		{"wrapped", fmt.Errorf("load: %w", Throw("inner")), "inner"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testBridge(t)
			err := b.RegisterCallback("bad", func(*Bridge, []Handle) (Handle, error) {
				return NoHandle, tt.err
			}, 0)
			if err != nil {
				t.Fatal(err)
			}
			cb := must(t)(b.Callback("bad"))
			_, res, err := b.TryCallStatic("Game", "call0", cb)
			if res != CallException {
				t.Fatalf("result = %s, want EXCEPTION (err %v)", res, err)
			}
			wantCode(t, err, ExceptionThrown)
			if got := b.ExceptionMessage(); got != tt.want {
				t.Errorf("ExceptionMessage = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCallbackReturningFreedHandle(t *testing.T) {
	b := testBridge(t)
	err := b.RegisterCallback("stale", func(b *Bridge, _ []Handle) (Handle, error) {
		h, err := b.BoxString("gone")
		if err != nil {
			return NoHandle, err
		}
		b.Free(h)
		return h, nil
	}, 0)
	if err != nil {
		t.Fatal(err)
	}
	cb := must(t)(b.Callback("stale"))
	_, err = b.CallStatic("Game", "call0", cb)
	wantCode(t, err, ExceptionThrown)
	if !strings.Contains(b.ExceptionMessage(), "invalid handle") {
		t.Errorf("ExceptionMessage = %q", b.ExceptionMessage())
	}
}

func TestRegisterCallbackValidation(t *testing.T) {
	noop := func(*Bridge, []Handle) (Handle, error) { return NoHandle, nil }
	b := newBridge(t, buildGame(t), WithMaxCallbacks(2))

	if err := b.RegisterCallback("one", noop, 0); err != nil {
		t.Fatal(err)
	}
	wantCode(t, b.RegisterCallback("one", noop, 1), InvalidArgument)
	wantCode(t, b.RegisterCallback("", noop, 0), NullArgument)
	wantCode(t, b.RegisterCallback("nil", nil, 0), NullArgument)
	wantCode(t, b.RegisterCallback(strings.Repeat("n", maxCallbackName+1), noop, 0), InvalidArgument)
	wantCode(t, b.RegisterCallback("wide", noop, MaxCallbackArgs+1), InvalidArgument)
	wantCode(t, b.RegisterCallback("neg", noop, -1), InvalidArgument)

	if err := b.RegisterCallback(strings.Repeat("n", maxCallbackName), noop, MaxCallbackArgs); err != nil {
		t.Fatalf("register at limits: %v", err)
	}
	roots := b.VM().Heap.RootCount()
	wantCode(t, b.RegisterCallback("three", noop, 0), InvalidArgument)
	if got := b.VM().Heap.RootCount(); got != roots {
		t.Errorf("roots after failed register = %d, want %d", got, roots)
	}
	if names := b.CallbackNames(); len(names) != 2 || names[0] != "one" {
		t.Errorf("CallbackNames = %v", names)
	}
	if got := b.Stats().Callbacks; got != 2 {
		t.Errorf("Stats().Callbacks = %d, want 2", got)
	}
}

func TestUnregisterCallback(t *testing.T) {
	b := testBridge(t)
	calls := 0
	fn := func(*Bridge, []Handle) (Handle, error) {
		calls++
		return NoHandle, nil
	}
	base := b.VM().Heap.RootCount()
	if err := b.RegisterCallback("tick", fn, 0); err != nil {
		t.Fatal(err)
	}
	if got := b.VM().Heap.RootCount(); got != base+1 {
		t.Fatalf("roots after register = %d, want %d", got, base+1)
	}
	setCallback(t, b, "tick", "onStats")

	if err := b.UnregisterCallback("tick"); err != nil {
		t.Fatalf("UnregisterCallback: %v", err)
	}
	if got := b.VM().Heap.RootCount(); got != base {
		t.Fatalf("roots after unregister = %d, want %d", got, base)
	}
	_, err := b.Callback("tick")
	wantCode(t, err, InvalidArgument)
	wantCode(t, b.UnregisterCallback("tick"), InvalidArgument)

	// The guest still holds the closure in Game.onStats.
	b.Collect()
	cb := must(t)(b.GetStaticField("Game", "onStats"))
	if _, err := b.Invoke(cb); err != nil {
		t.Fatalf("Invoke after unregister: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	if err := b.RegisterCallback("tick", fn, 0); err != nil {
		t.Errorf("re-register after unregister: %v", err)
	}
}

func TestTypedCallback(t *testing.T) {
	b := testBridge(t)
	req := must(t)

	var gotName string
	err := b.RegisterCallbackTyped("scale", func(b *Bridge, args []Handle) (Handle, error) {
		if b.KindOf(args[0]) != KindInt {
			return NoHandle, Throw("first argument is not an int")
		}
		gotName = b.AsString(args[1], "")
		return b.BoxInt(b.AsInt(args[0], 0) * 2)
	}, []vm.Kind{vm.KindI32, vm.KindObj}, vm.KindF64)
	if err != nil {
		t.Fatal(err)
	}
	cb := req(b.Callback("scale"))

	f := b.BoxFloat(4.8)
	s := req(b.BoxString("raw"))
	r, err := b.Invoke(cb, f, s)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if b.KindOf(r) != KindFloat {
		t.Errorf("result kind = %s, want float", b.KindOf(r))
	}
	if got := b.AsFloat(r, 0); got != 8 {
		t.Errorf("result = %g, want 8", got)
	}
	if gotName != "raw" {
		t.Errorf("object argument = %q, want raw", gotName)
	}

	_, err = b.Invoke(cb, b.BoxBool(true), s)
	wantCode(t, err, TypeMismatch)

	p := newPlayer(t, b, "ann", 3)
	if _, err := b.Invoke(cb, req(b.BoxInt(1)), p); err != nil {
		t.Errorf("Invoke with object argument: %v", err)
	}
}

func TestTypedCallbackVoidResult(t *testing.T) {
	b := testBridge(t)
	err := b.RegisterCallbackTyped("sink", func(b *Bridge, args []Handle) (Handle, error) {
		return b.BoxString("ignored")
	}, []vm.Kind{vm.KindDyn}, vm.KindVoid)
	if err != nil {
		t.Fatal(err)
	}
	cb := must(t)(b.Callback("sink"))
	r, err := b.CallStatic("Game", "call1", cb)
	if err != nil {
		t.Fatalf("call1: %v", err)
	}
	if !b.IsNull(r) {
		t.Errorf("void callback returned %s", b.Describe(r))
	}

	wantCode(t, b.RegisterCallbackTyped("voidarg", func(*Bridge, []Handle) (Handle, error) {
		return NoHandle, nil
	}, []vm.Kind{vm.KindVoid}, vm.KindDyn), InvalidArgument)
}

func TestTypedCallbackBadResult(t *testing.T) {
	b := testBridge(t)
	err := b.RegisterCallbackTyped("liar", func(b *Bridge, _ []Handle) (Handle, error) {
		return b.BoxString("not a bool")
	}, nil, vm.KindBool)
	if err != nil {
		t.Fatal(err)
	}
	cb := must(t)(b.Callback("liar"))
	_, err = b.CallStatic("Game", "call0", cb)
	wantCode(t, err, ExceptionThrown)
	if !strings.Contains(b.ExceptionMessage(), "liar: result must be bool") {
		t.Errorf("ExceptionMessage = %q", b.ExceptionMessage())
	}
}

func TestCallbacksSurviveReload(t *testing.T) {
	b := testBridge(t)
	err := b.RegisterCallback("stats", func(b *Bridge, _ []Handle) (Handle, error) {
		return b.BoxString("fresh")
	}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Reload(buildGame(t)); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	setCallback(t, b, "stats", "onStats")
	cb := must(t)(b.GetStaticField("Game", "onStats"))
	r, err := b.Invoke(cb)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := b.AsString(r, ""); got != "fresh" {
		t.Errorf("result = %q, want fresh", got)
	}
}
