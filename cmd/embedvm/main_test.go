package main

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/embedvm/ffi"
	"github.com/chazu/embedvm/server"
	"github.com/chazu/embedvm/vm"
)

func testModule(t *testing.T) *vm.Module {
	t.Helper()
	b := vm.NewBuilder()
	str := b.StringType()

	calc := b.Class("Calc", nil)
	calc.Static("label", str)
	calc.StaticMethod("add", []*vm.Type{vm.TI32, vm.TI32}, vm.TI32).
		Load(0).Load(1).Add().Return()
	calc.StaticMethod("greet", []*vm.Type{str}, str).
		Str("hello ").Load(0).Add().Return()
	calc.StaticMethod("getLabel", nil, str).
		GetStatic(calc, "label").Return()
	calc.StaticMethod("fail", nil, vm.TVoid).
		Str("boom").Throw()

	sub := b.Class("Sub", calc)
	sub.Field("n", vm.TI32)

	b.Entry().Str("ready").SetStatic(calc, "label").ReturnNull()

	m, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// writeProject writes a module image and an embedvm.toml naming it.
func writeProject(t *testing.T, manifestExtra string) string {
	t.Helper()
	dir := t.TempDir()
	data, err := vm.EncodeModule(testModule(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "calc.evm"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	toml := "[vm]\nmodule = \"calc.evm\"\n" + manifestExtra
	if err := os.WriteFile(filepath.Join(dir, "embedvm.toml"), []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func runCLI(args ...string) (code int, stdout, stderr string) {
	var out, errOut bytes.Buffer
	code = run(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestCallCommand(t *testing.T) {
	dir := writeProject(t, "")
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"Calc.add", "2", "3"}, "5\n"},
		{[]string{"Calc.greet", "world"}, "hello world\n"},
		{[]string{"Calc.greet", `"42"`}, "hello 42\n"},
		{[]string{"Calc.getLabel"}, "ready\n"},
	}
	for _, tt := range tests {
		code, out, errOut := runCLI(append([]string{"-C", dir, "call"}, tt.args...)...)
		if code != 0 || out != tt.want {
			t.Errorf("call %v = %d %q (stderr %q), want %q", tt.args, code, out, errOut, tt.want)
		}
	}
}

func TestCallCommandWorkerMode(t *testing.T) {
	dir := writeProject(t, "[bridge]\nmode = \"worker\"\n")
	code, out, errOut := runCLI("-C", dir, "call", "Calc.add", "40", "2")
	if code != 0 || out != "42\n" {
		t.Errorf("call = %d %q (stderr %q)", code, out, errOut)
	}
}

func TestCallCommandErrors(t *testing.T) {
	dir := writeProject(t, "")

	code, _, errOut := runCLI("-C", dir, "call", "Calc.fail")
	if code != 1 || !strings.Contains(errOut, "Exception: boom") || !strings.Contains(errOut, "Calc.fail@") {
		t.Errorf("fail = %d, stderr %q", code, errOut)
	}

	code, _, errOut = runCLI("-C", dir, "call", "Calc.nope")
	if code != 1 || !strings.Contains(errOut, "MEMBER_NOT_FOUND") {
		t.Errorf("nope = %d, stderr %q", code, errOut)
	}

	code, _, _ = runCLI("-C", dir, "call", "add")
	if code != 2 {
		t.Errorf("bad target exit = %d", code)
	}

	code, _, errOut = runCLI("-C", t.TempDir(), "call", "Calc.add")
	if code != 1 || !strings.Contains(errOut, "no module image") {
		t.Errorf("no module = %d, stderr %q", code, errOut)
	}

	code, _, _ = runCLI("-C", dir, "frobnicate")
	if code != 2 {
		t.Errorf("unknown command exit = %d", code)
	}
	code, _, _ = runCLI()
	if code != 2 {
		t.Errorf("no command exit = %d", code)
	}
}

func TestModuleOverride(t *testing.T) {
	dir := writeProject(t, "")
	code, out, errOut := runCLI("-C", t.TempDir(), "-m", filepath.Join(dir, "calc.evm"), "call", "Calc.add", "1", "1")
	if code != 0 || out != "2\n" {
		t.Errorf("call with -m = %d %q (stderr %q)", code, out, errOut)
	}
}

func TestRunCommand(t *testing.T) {
	dir := writeProject(t, "")
	code, out, errOut := runCLI("-C", dir, "run")
	if code != 0 {
		t.Fatalf("run exited %d: %s", code, errOut)
	}
	if !strings.HasPrefix(out, "classes=2 ") {
		t.Errorf("run output = %q", out)
	}
}

func TestTypesCommand(t *testing.T) {
	dir := writeProject(t, "")
	code, out, errOut := runCLI("-C", dir, "types")
	if code != 0 {
		t.Fatalf("types exit %d: %s", code, errOut)
	}
	for _, want := range []string{
		"class Calc\n",
		"  static label: obj\n",
		"  static add/2\n",
		"class Sub extends Calc\n",
		"  n: i32\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("types output missing %q:\n%s", want, out)
		}
	}
}

func TestDisasmCommand(t *testing.T) {
	dir := writeProject(t, "")
	code, out, errOut := runCLI("-C", dir, "disasm")
	if code != 0 {
		t.Fatalf("disasm exit %d: %s", code, errOut)
	}
	for _, want := range []string{"Calc.add (arity 2", "PUSH_LOCAL", "RETURN"} {
		if !strings.Contains(out, want) {
			t.Errorf("disasm output missing %q:\n%s", want, out)
		}
	}
}

func TestRemoteCommand(t *testing.T) {
	b, err := ffi.New(vm.NewVM())
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Load(testModule(t)); err != nil {
		t.Fatal(err)
	}
	if err := b.Init(); err != nil {
		t.Fatal(err)
	}
	srv := server.New(b)
	ts := httptest.NewServer(srv.Handler())
	defer func() {
		ts.Close()
		srv.Stop()
	}()

	code, out, errOut := runCLI("remote", "-url", ts.URL, "call", "Calc.add", "20", "22")
	if code != 0 || out != "42\n" {
		t.Errorf("remote call = %d %q (stderr %q)", code, out, errOut)
	}

	code, _, errOut = runCLI("remote", "-url", ts.URL, "call", "Calc.fail")
	if code != 1 || !strings.Contains(errOut, "Exception: boom") {
		t.Errorf("remote fail = %d, stderr %q", code, errOut)
	}

	code, out, errOut = runCLI("remote", "-url", ts.URL, "types")
	if code != 0 || !strings.Contains(out, "class Sub extends Calc") {
		t.Errorf("remote types = %d %q (stderr %q)", code, out, errOut)
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want server.Value
	}{
		{"null", server.NullValue()},
		{"true", server.BoolValue(true)},
		{"false", server.BoolValue(false)},
		{"-7", server.IntValue(-7)},
		{"2.5", server.FloatValue(2.5)},
		{"1e3", server.FloatValue(1000)},
		{"abc", server.StringValue("abc")},
		{`"true"`, server.StringValue("true")},
		{`""`, server.StringValue("")},
	}
	for _, tt := range tests {
		if got := parseValue(tt.in); got != tt.want {
			t.Errorf("parseValue(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   server.Value
		want string
	}{
		{server.NullValue(), "null"},
		{server.IntValue(3), "3"},
		{server.FloatValue(0.5), "0.5"},
		{server.BoolValue(true), "true"},
		{server.StringValue("x"), "x"},
		{server.Value{Kind: "object", Handle: "h-1", Display: "Sub"}, "Sub [h-1]"},
	}
	for _, tt := range tests {
		if got := formatValue(tt.in); got != tt.want {
			t.Errorf("formatValue(%+v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
