package ffi

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/embedvm/manifest"
	"github.com/chazu/embedvm/vm"
)

func writeImage(t *testing.T, dir string, mod *vm.Module) string {
	t.Helper()
	data, err := vm.EncodeModule(mod)
	if err != nil {
		t.Fatalf("EncodeModule: %v", err)
	}
	path := filepath.Join(dir, "game.evm")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenFromManifest(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, buildGame(t))
	toml := `
[vm]
module = "game.evm"
gc-threshold = 16
max-depth = 64

[bridge]
max-callbacks = 1
`
	if err := os.WriteFile(filepath.Join(dir, manifest.FileName), []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := manifest.Load(dir)
	if err != nil {
		t.Fatalf("manifest.Load: %v", err)
	}

	b, err := Open(m)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if b.VM().Initialized() {
		t.Fatal("Open ran the initializer")
	}
	if b.VM().Heap.Threshold != 16 || b.VM().MaxDepth != 64 {
		t.Errorf("vm options not applied: threshold %d depth %d", b.VM().Heap.Threshold, b.VM().MaxDepth)
	}
	if err := b.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got, err := b.GetStaticString("Game", "title"); err != nil || got != "arena" {
		t.Errorf("title = %q, %v", got, err)
	}

	noop := func(*Bridge, []Handle) (Handle, error) { return NoHandle, nil }
	if err := b.RegisterCallback("a", noop, 0); err != nil {
		t.Fatal(err)
	}
	wantCode(t, b.RegisterCallback("b", noop, 0), InvalidArgument)

	// The collection threshold is low enough for the scenario to collect
	// repeatedly while host handles stay valid.
	s := must(t)(b.BoxString("pinned"))
	for i := 0; i < 50; i++ {
		if _, err := b.CallStaticString("Game", "greet", s); err != nil {
			t.Fatal(err)
		}
	}
	if b.Stats().Collections == 0 {
		t.Error("no collection ran")
	}
	if got := b.AsString(s, ""); got != "pinned" {
		t.Errorf("pinned string = %q after collections", got)
	}
}

func TestOpenWithoutModule(t *testing.T) {
	b, err := Open(manifest.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if b.VM().Module() != nil {
		t.Error("module loaded without one configured")
	}
}

func TestLoadImageErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadImage(filepath.Join(dir, "missing.evm")); err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadImage(missing) = %v", err)
	}
	bad := filepath.Join(dir, "bad.evm")
	if err := os.WriteFile(bad, []byte("not cbor"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadImage(bad); err == nil || !strings.Contains(err.Error(), "cannot decode") {
		t.Errorf("LoadImage(bad) = %v", err)
	}
}

func TestOutOfMemory(t *testing.T) {
	b, err := New(vm.NewVM(vm.WithMaxCells(64)))
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Load(buildGame(t)); err != nil {
		t.Fatal(err)
	}
	if err := b.Init(); err != nil {
		t.Fatal(err)
	}
	var last error
	for i := 0; i < 100; i++ {
		if _, err := b.BoxString(fmt.Sprint(i)); err != nil {
			last = err
			break
		}
	}
	wantCode(t, last, OutOfMemory)
	if !errors.Is(last, vm.ErrOutOfMemory) {
		t.Errorf("error does not wrap vm.ErrOutOfMemory: %v", last)
	}
}

func TestErrorFormatting(t *testing.T) {
	err := newError(MemberNotFound, "call_static").detail("Game has no member %s", "x").build()
	if got := err.Error(); got != "ffi call_static: MEMBER_NOT_FOUND: Game has no member x" {
		t.Errorf("Error() = %q", got)
	}
	wrapped := newError(OutOfMemory, "box_string").cause(vm.ErrOutOfMemory).build()
	if !strings.Contains(wrapped.Error(), "(caused by: vm: out of memory)") {
		t.Errorf("Error() = %q", wrapped.Error())
	}
	if !errors.Is(err, ErrMemberNotFound) || errors.Is(err, ErrTypeNotFound) {
		t.Error("errors.Is does not compare codes")
	}
	if CodeOf(nil) != OK || CodeOf(errors.New("x")) != InvalidArgument {
		t.Error("CodeOf fallbacks")
	}
	if CodeOf(fmt.Errorf("outer: %w", err)) != MemberNotFound {
		t.Error("CodeOf does not unwrap")
	}
	if Code(99).String() != "CODE(99)" {
		t.Errorf("Code(99) = %s", Code(99))
	}
}
