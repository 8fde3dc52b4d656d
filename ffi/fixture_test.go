package ffi

import (
	"errors"
	"fmt"
	"testing"

	"github.com/chazu/embedvm/vm"
)

// callArities are the arities exercised by the Game.callN helpers.
var callArities = []int{0, 1, 2, 3, 4, 5, 16}

// buildGame assembles the module shared by the bridge tests:
//
//	class Player { name: String, hp: Int, speed: Float, alive: Bool, tag: Dynamic, big: I64 }
//	class Boss extends Player { rage: Int }
//	class Game { static score, title, ratio, debug, onScored, onDamaged, onStats, ... }
func buildGame(t testing.TB) *vm.Module {
	t.Helper()
	b := vm.NewBuilder()
	str := b.StringType()

	player := b.Class("Player", nil)
	player.Field("name", str).
		Field("hp", vm.TI32).
		Field("speed", vm.TF64).
		Field("alive", vm.TBool).
		Field("tag", vm.TDyn).
		Field("big", vm.TI64).
		Field("hook", vm.FunTypeOf([]*vm.Type{vm.TDyn}, vm.TDyn))

	player.Constructor([]*vm.Type{str, vm.TI32}).
		Load(0).Load(1).SetField("name").
		Load(0).Load(2).SetField("hp").
		Load(0).True().SetField("alive").
		ReturnNull()
	player.Method("damage", []*vm.Type{vm.TI32}, vm.TI32).
		Load(0).Load(0).GetField("hp").Load(1).Sub().SetField("hp").
		Load(0).GetField("hp").Return()
	player.Method("describe", nil, str).
		Load(0).GetField("name").Str(":").Add().Load(0).GetField("hp").Add().Return()
	player.Method("fail", nil, vm.TVoid).
		Str("player failed").Throw()
	player.Method("toString", nil, str).
		Str("Player(").Load(0).GetField("name").Add().Str(")").Add().Return()

	boss := b.Class("Boss", player)
	boss.Field("rage", vm.TI32)
	boss.Method("describe", nil, str).
		Str("Boss ").Load(0).GetField("name").Add().Return()

	game := b.Class("Game", nil)
	game.Static("score", vm.TI32).
		Static("title", str).
		Static("ratio", vm.TF64).
		Static("debug", vm.TBool).
		Static("blob", vm.TBytes).
		Static("onScored", vm.FunTypeOf([]*vm.Type{vm.TDyn}, vm.TDyn)).
		Static("onDamaged", vm.FunTypeOf([]*vm.Type{vm.TDyn, vm.TDyn}, vm.TDyn)).
		Static("onStats", vm.FunTypeOf(nil, vm.TDyn))

	game.StaticMethod("add", []*vm.Type{vm.TI32, vm.TI32}, vm.TI32).
		Load(0).Load(1).Add().Return()
	game.StaticMethod("half", []*vm.Type{vm.TF64}, vm.TF64).
		Load(0).Float(2).Div().Return()
	game.StaticMethod("not", []*vm.Type{vm.TBool}, vm.TBool).
		Load(0).Not().Return()
	game.StaticMethod("greet", []*vm.Type{str}, str).
		Str("hello ").Load(0).Add().Return()
	game.StaticMethod("echo", []*vm.Type{vm.TDyn}, vm.TDyn).
		Load(0).Return()
	game.StaticMethod("nothing", nil, vm.TDyn).
		Null().Return()
	game.StaticMethod("throwing", nil, vm.TVoid).
		Str("kaboom").Throw()
	game.StaticMethod("bump", nil, vm.TI32).
		GetStatic(game, "score").Int(1).Add().SetStatic(game, "score").
		GetStatic(game, "score").Return()
	game.StaticMethod("play", nil, vm.TDyn).
		Int(10).CallStatic(game, "onScored", 1).Pop().
		Int(2).Str("spike").CallStatic(game, "onDamaged", 2).Pop().
		CallStatic(game, "onStats", 0).Return()

	catcher := game.StaticMethod("catchIt", nil, vm.TDyn)
	handler := catcher.Label()
	catcher.Try(handler).
		CallStatic(game, "throwing", 0).Pop().
		EndTry().
		Str("not thrown").Return().
		Mark(handler).
		Return()

	for _, n := range callArities {
		fb := game.StaticMethod(fmt.Sprintf("call%d", n), []*vm.Type{vm.FunTypeOf(nil, vm.TDyn)}, vm.TDyn)
		fb.Load(0)
		for i := 1; i <= n; i++ {
			fb.Int(int32(i))
		}
		fb.CallClosure(n).Return()
	}

	b.Entry().
		Str("arena").SetStatic(game, "title").
		Float(0.5).SetStatic(game, "ratio").
		ReturnNull()

	m, err := b.Build()
	if err != nil {
		t.Fatalf("build game module: %v", err)
	}
	return m
}

// buildWide assembles a module whose Wide class has n static fields plus a
// static ping method.
func buildWide(t testing.TB, n int) *vm.Module {
	t.Helper()
	b := vm.NewBuilder()
	wide := b.Class("Wide", nil)
	for i := 0; i < n; i++ {
		wide.Static(fmt.Sprintf("f%d", i), vm.TI32)
	}
	wide.StaticMethod("ping", []*vm.Type{vm.TI32}, vm.TI32).
		Load(0).Int(1).Add().Return()
	m, err := b.Build()
	if err != nil {
		t.Fatalf("build wide module: %v", err)
	}
	return m
}

// newBridge returns an initialized bridge over mod.
func newBridge(t testing.TB, mod *vm.Module, opts ...Option) *Bridge {
	t.Helper()
	b, err := New(vm.NewVM(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Load(mod); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := b.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return b
}

func testBridge(t testing.TB) *Bridge {
	t.Helper()
	return newBridge(t, buildGame(t))
}

// testBridgeUninitialized returns a bridge with the game module loaded but
// its initializer not yet run.
func testBridgeUninitialized(t testing.TB) *Bridge {
	t.Helper()
	b, err := New(vm.NewVM())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Load(buildGame(t)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return b
}

func vmWithoutModule() *vm.VM { return vm.NewVM() }

// must returns a helper that unwraps a (Handle, error) pair, failing t on
// error: h := must(t)(b.BoxString("x")).
func must(t testing.TB) func(Handle, error) Handle {
	return func(h Handle, err error) Handle {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return h
	}
}

// wantCode asserts err carries code.
func wantCode(t testing.TB, err error, code Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("got nil error, want %s", code)
	}
	if got := CodeOf(err); got != code {
		t.Fatalf("got code %s (%v), want %s", got, err, code)
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("error %T is not *ffi.Error", err)
	}
}

// newPlayer constructs a Player through the bridge.
func newPlayer(t testing.TB, b *Bridge, name string, hp int64) Handle {
	t.Helper()
	req := must(t)
	n := req(b.BoxString(name))
	defer b.Free(n)
	h := req(b.BoxInt(hp))
	defer b.Free(h)
	return req(b.New("Player", n, h))
}
