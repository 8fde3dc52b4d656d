package ffi

import (
	"errors"
	"strings"
	"testing"

	"github.com/chazu/embedvm/vm"
)

func TestCallResultClassification(t *testing.T) {
	b := testBridge(t)
	req := must(t)
	x := req(b.BoxInt(2))
	y := req(b.BoxInt(3))

	tests := []struct {
		name   string
		class  string
		method string
		args   []Handle
		want   CallResult
		code   Code
	}{
		{"ok", "Game", "add", []Handle{x, y}, CallOK, OK},
		{"throws", "Game", "throwing", nil, CallException, ExceptionThrown},
		{"unknown class", "Nope", "add", nil, CallError, TypeNotFound},
		{"unknown method", "Game", "nope", nil, CallError, MemberNotFound},
		{"bad arity", "Game", "add", []Handle{x}, CallError, InvalidArgument},
		{"static field", "Game", "score", nil, CallError, TypeMismatch},
		{"null callback", "Game", "onStats", nil, CallError, NullArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, res, err := b.TryCallStatic(tt.class, tt.method, tt.args...)
			if res != tt.want {
				t.Fatalf("result = %s, want %s (err %v)", res, tt.want, err)
			}
			if got := CodeOf(err); got != tt.code {
				t.Fatalf("code = %s, want %s", got, tt.code)
			}
			if res == CallOK {
				if got := b.AsInt(h, 0); got != 5 {
					t.Errorf("add = %d, want 5", got)
				}
				if b.HasException() {
					t.Error("exception recorded after successful call")
				}
			} else if h != NoHandle {
				t.Errorf("failed call returned handle %d", h)
			}
		})
	}
}

func TestExceptionMessageAndStack(t *testing.T) {
	b := testBridge(t)
	_, err := b.CallStatic("Game", "throwing")
	wantCode(t, err, ExceptionThrown)

	if !b.HasException() {
		t.Fatal("HasException = false after throw")
	}
	if got := b.ExceptionMessage(); got != "kaboom" {
		t.Errorf("ExceptionMessage = %q, want kaboom", got)
	}
	if !strings.Contains(b.ExceptionStack(), "Game.throwing") {
		t.Errorf("ExceptionStack = %q, want it to name Game.throwing", b.ExceptionStack())
	}
	ex := b.Exception()
	if ex == nil {
		t.Fatal("Exception() = nil")
	}
	var vex *vm.Exception
	if !errors.As(err, &vex) || vex != ex {
		t.Error("error does not wrap the recorded *vm.Exception")
	}
	if !errors.Is(err, ErrExceptionThrown) {
		t.Error("errors.Is(err, ErrExceptionThrown) = false")
	}

	b.ClearException()
	if b.HasException() || b.ExceptionMessage() != "" || b.ExceptionStack() != "" || b.Exception() != nil {
		t.Error("ClearException left state behind")
	}
}

func TestExceptionFromInstanceMethod(t *testing.T) {
	b := testBridge(t)
	p := newPlayer(t, b, "ann", 1)
	_, res, err := b.TryCallMethod(p, "fail")
	if res != CallException {
		t.Fatalf("result = %s, want EXCEPTION (%v)", res, err)
	}
	if got := b.ExceptionMessage(); got != "player failed" {
		t.Errorf("ExceptionMessage = %q", got)
	}
	if !strings.Contains(b.ExceptionStack(), "Player.fail") {
		t.Errorf("ExceptionStack = %q", b.ExceptionStack())
	}
}

func TestExceptionClearedByNextCall(t *testing.T) {
	b := testBridge(t)
	if _, err := b.CallStatic("Game", "throwing"); err == nil {
		t.Fatal("expected throw")
	}
	if _, err := b.CallStatic("Game", "nothing"); err != nil {
		t.Fatalf("nothing: %v", err)
	}
	if b.HasException() {
		t.Error("exception survived a successful call")
	}
}

func TestExceptionClearedByFailedCall(t *testing.T) {
	b := testBridge(t)
	player := newPlayer(t, b, "ann", 10)
	freed := must(t)(b.BoxInt(1))
	if err := b.Free(freed); err != nil {
		t.Fatal(err)
	}
	cc, err := b.CacheStatic("Game", "add")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.FreeCached(cc); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		call func() error
	}{
		{"missing static", func() error { _, _, err := b.TryCallStatic("Game", "nope"); return err }},
		{"missing class", func() error { _, err := b.CallStatic("Nope", "add"); return err }},
		{"missing method", func() error { _, err := b.CallMethod(player, "nope"); return err }},
		{"bad arity", func() error { _, err := b.CallMethod(player, "damage"); return err }},
		{"freed closure", func() error { _, err := b.Invoke(freed); return err }},
		{"freed cache", func() error { _, err := b.CallCached(cc); return err }},
		{"missing constructor class", func() error { _, err := b.New("Nope"); return err }},
		{"typed adapter", func() error { _, err := b.CallStaticInt("Game", "nope"); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.CallStatic("Game", "throwing"); CodeOf(err) != ExceptionThrown {
				t.Fatalf("throwing = %v", err)
			}
			if err := tt.call(); err == nil || CodeOf(err) == ExceptionThrown {
				t.Fatalf("call error = %v, want a non-exception failure", err)
			}
			if b.HasException() {
				t.Errorf("stale exception %q after a failed call", b.ExceptionMessage())
			}
			if b.ExceptionMessage() != "" || b.Exception() != nil {
				t.Error("exception details survived a failed call")
			}
		})
	}
}

func TestExceptionValueIsRooted(t *testing.T) {
	b := testBridge(t)
	base := b.VM().Heap.RootCount()
	if _, err := b.CallStatic("Game", "throwing"); err == nil {
		t.Fatal("expected throw")
	}
	if got := b.VM().Heap.RootCount(); got != base+1 {
		t.Fatalf("roots while exception recorded = %d, want %d", got, base+1)
	}
	b.Collect()

	h := b.ExceptionValue()
	if got := b.AsString(h, ""); got != "kaboom" {
		t.Errorf("thrown value after collection = %q, want kaboom", got)
	}
	if err := b.Free(h); err != nil {
		t.Fatal(err)
	}

	b.ClearException()
	if got := b.VM().Heap.RootCount(); got != base {
		t.Errorf("roots after ClearException = %d, want %d", got, base)
	}
	if b.ExceptionValue() != NoHandle {
		t.Error("ExceptionValue after clear should be NoHandle")
	}
}

func TestGuestCatchesThrow(t *testing.T) {
	b := testBridge(t)
	r, res, err := b.TryCallStatic("Game", "catchIt")
	if res != CallOK {
		t.Fatalf("result = %s, want OK (%v)", res, err)
	}
	if got := b.AsString(r, ""); got != "kaboom" {
		t.Errorf("catchIt = %q, want kaboom", got)
	}
	if b.HasException() {
		t.Error("caught exception leaked to the host")
	}
	if d := b.VM().Depth(); d != 0 {
		t.Errorf("call depth after catch = %d, want 0", d)
	}
}

func TestExceptionTruncation(t *testing.T) {
	b := testBridge(t)
	long := strings.Repeat("é", maxExceptionMessage)
	err := b.RegisterCallback("loud", func(*Bridge, []Handle) (Handle, error) {
		return NoHandle, Throw(long)
	}, 0)
	if err != nil {
		t.Fatal(err)
	}
	cb := must(t)(b.Callback("loud"))
	_, err = b.CallStatic("Game", "call0", cb)
	wantCode(t, err, ExceptionThrown)

	msg := b.ExceptionMessage()
	if len(msg) > maxExceptionMessage {
		t.Errorf("message length = %d, want <= %d", len(msg), maxExceptionMessage)
	}
	if !strings.HasPrefix(long, msg) || msg == "" {
		t.Error("message is not a prefix of the thrown text")
	}
	if strings.ContainsRune(msg, '�') {
		t.Error("truncation split a rune")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"héllo", 2, "h"},
		{"héllo", 3, "hé"},
		{"", 0, ""},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestLastError(t *testing.T) {
	b := testBridge(t)
	if b.LastError() != nil {
		t.Fatalf("fresh bridge LastError = %v", b.LastError())
	}
	_, err := b.ResolveClass("Missing")
	if b.LastError() != err {
		t.Errorf("LastError = %v, want %v", b.LastError(), err)
	}
	if !errors.Is(b.LastError(), ErrTypeNotFound) {
		t.Errorf("LastError is not TYPE_NOT_FOUND: %v", b.LastError())
	}
}

func TestInitializerThrow(t *testing.T) {
	vb := vm.NewBuilder()
	vb.Class("Broken", nil)
	vb.Entry().Str("init failed").Throw()
	mod := vb.MustBuild()

	b, err := New(vm.NewVM())
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Load(mod); err != nil {
		t.Fatal(err)
	}
	err = b.Init()
	wantCode(t, err, ExceptionThrown)
	if got := b.ExceptionMessage(); got != "init failed" {
		t.Errorf("ExceptionMessage = %q", got)
	}
	if b.VM().Initialized() {
		t.Error("VM reports initialized after a throwing initializer")
	}
}
