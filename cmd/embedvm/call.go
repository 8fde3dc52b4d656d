package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/embedvm/ffi"
	"github.com/chazu/embedvm/manifest"
	"github.com/chazu/embedvm/server"
	"github.com/chazu/embedvm/vm"
)

// openBridge opens the configured module and, when init is set, runs its
// initializer.
func openBridge(m *manifest.Manifest, init bool) (*ffi.Bridge, error) {
	if m.ModulePath() == "" {
		return nil, fmt.Errorf("no module image: set vm.module in %s or pass -m", manifest.FileName)
	}
	b, err := ffi.Open(m)
	if err != nil {
		return nil, err
	}
	if init {
		if err := b.Init(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// splitTarget splits "Class.method".
func splitTarget(s string) (class, method string, err error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return "", "", fmt.Errorf("expected Class.method, got %q", s)
	}
	return s[:i], s[i+1:], nil
}

// parseValue reads a command-line literal. Quoted text is always a string.
func parseValue(s string) server.Value {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return server.StringValue(s[1 : len(s)-1])
	}
	switch s {
	case "null":
		return server.NullValue()
	case "true":
		return server.BoolValue(true)
	case "false":
		return server.BoolValue(false)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return server.IntValue(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return server.FloatValue(f)
	}
	return server.StringValue(s)
}

// boxValue boxes a parsed literal into a bridge handle.
func boxValue(b *ffi.Bridge, v server.Value) (ffi.Handle, error) {
	switch v.Kind {
	case "int":
		return b.BoxInt(v.Int)
	case "float":
		return b.BoxFloat(v.Float), nil
	case "bool":
		return b.BoxBool(v.Bool), nil
	case "string":
		return b.BoxString(v.String)
	}
	return b.BoxNull(), nil
}

// handleRunCommand processes `embedvm run`: it runs the module initializer
// and reports the resulting heap state.
func handleRunCommand(g *globals, m *manifest.Manifest) int {
	b, err := openBridge(m, true)
	if ffi.Classify(err) == ffi.CallException {
		fmt.Fprintf(g.stderr, "Exception: %s\n%s\n", b.ExceptionMessage(), b.ExceptionStack())
		return 1
	}
	if err != nil {
		fmt.Fprintf(g.stderr, "Error: %v\n", err)
		return 1
	}
	classes, _ := b.Classes()
	st := b.Stats()
	fmt.Fprintf(g.stdout, "classes=%d live=%d collections=%d generation=%d\n",
		len(classes), st.LiveCells, st.Collections, st.Generation)
	return 0
}

// handleCallCommand processes `embedvm call Class.method args...`.
func handleCallCommand(g *globals, m *manifest.Manifest, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(g.stderr, "Error: call requires Class.method")
		return 2
	}
	class, method, err := splitTarget(args[0])
	if err != nil {
		fmt.Fprintf(g.stderr, "Error: %v\n", err)
		return 2
	}
	b, err := openBridge(m, true)
	if err != nil {
		fmt.Fprintf(g.stderr, "Error: %v\n", err)
		return 1
	}

	call := func(b *ffi.Bridge) (any, error) {
		handles := make([]ffi.Handle, 0, len(args)-1)
		defer func() {
			for _, h := range handles {
				_ = b.Free(h)
			}
		}()
		for _, a := range args[1:] {
			h, err := boxValue(b, parseValue(a))
			if err != nil {
				return nil, err
			}
			handles = append(handles, h)
		}
		h, err := b.CallStatic(class, method, handles...)
		if err != nil {
			return nil, err
		}
		defer b.Free(h)
		return b.Describe(h), nil
	}

	var out any
	if m.Bridge.Mode == manifest.ModeWorker {
		w := ffi.NewWorker(b, m.Bridge.WorkerQueue)
		out, err = w.Do(call)
		w.Stop()
	} else {
		out, err = call(b)
	}

	if ffi.Classify(err) == ffi.CallException {
		fmt.Fprintf(g.stderr, "Exception: %s\n%s\n", b.ExceptionMessage(), b.ExceptionStack())
		return 1
	}
	if err != nil {
		fmt.Fprintf(g.stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(g.stdout, out)
	return 0
}

// handleTypesCommand processes `embedvm types`.
func handleTypesCommand(g *globals, m *manifest.Manifest) int {
	b, err := openBridge(m, true)
	if err != nil {
		fmt.Fprintf(g.stderr, "Error: %v\n", err)
		return 1
	}
	classes, err := b.Classes()
	if err != nil {
		fmt.Fprintf(g.stderr, "Error: %v\n", err)
		return 1
	}
	for _, name := range classes {
		c, _ := b.ResolveClass(name)
		fields, _ := b.Fields(name)
		methods, _ := b.Methods(name)
		info := server.ClassInfo{Name: name, Super: c.Super()}
		for _, f := range fields {
			info.Fields = append(info.Fields, server.MemberInfo{Name: f.Name, Kind: f.Kind.String(), Owner: f.Owner, Static: f.Static})
		}
		for _, mi := range methods {
			info.Methods = append(info.Methods, server.MemberInfo{Name: mi.Name, Kind: mi.Kind.String(), Owner: mi.Owner, Static: mi.Static, Arity: mi.Arity})
		}
		printClass(g, info)
	}
	return 0
}

func printClass(g *globals, c server.ClassInfo) {
	if c.Super != "" {
		fmt.Fprintf(g.stdout, "class %s extends %s\n", c.Name, c.Super)
	} else {
		fmt.Fprintf(g.stdout, "class %s\n", c.Name)
	}
	for _, f := range c.Fields {
		fmt.Fprintf(g.stdout, "  %s%s: %s\n", staticPrefix(f.Static), f.Name, f.Kind)
	}
	for _, mi := range c.Methods {
		fmt.Fprintf(g.stdout, "  %s%s/%d\n", staticPrefix(mi.Static), mi.Name, mi.Arity)
	}
}

func staticPrefix(static bool) string {
	if static {
		return "static "
	}
	return ""
}

// handleDisasmCommand processes `embedvm disasm`.
func handleDisasmCommand(g *globals, m *manifest.Manifest) int {
	path := m.ModulePath()
	if path == "" {
		fmt.Fprintln(g.stderr, "Error: no module image")
		return 1
	}
	mod, err := ffi.LoadImage(path)
	if err != nil {
		fmt.Fprintf(g.stderr, "Error: %v\n", err)
		return 1
	}
	for _, fn := range mod.Functions {
		if fn.IsNative() {
			continue
		}
		fmt.Fprintf(g.stdout, "%s (arity %d, locals %d):\n", fn.QualifiedName(), fn.Arity(), fn.NumLocals)
		fmt.Fprint(g.stdout, vm.Disassemble(fn.Code))
	}
	return 0
}
