// embedvm CLI - loads a guest module image and calls into it from the host
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/embedvm/manifest"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// globals holds the flags shared by every subcommand.
type globals struct {
	dir       string
	module    string
	verbosity int
	stdout    io.Writer
	stderr    io.Writer
}

func run(args []string, stdout, stderr io.Writer) int {
	g := &globals{stdout: stdout, stderr: stderr}
	fs := flag.NewFlagSet("embedvm", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&g.dir, "C", ".", "Directory to search for embedvm.toml")
	fs.StringVar(&g.module, "m", "", "Module image (overrides vm.module)")
	fs.IntVar(&g.verbosity, "v", -1, "Log verbosity (overrides log.verbosity)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: embedvm [options] <command> [args...]\n\n")
		fmt.Fprintf(stderr, "Commands:\n")
		fmt.Fprintf(stderr, "  run                           Initialize the module and print heap statistics\n")
		fmt.Fprintf(stderr, "  call Class.method [args...]   Initialize the module and call a static method\n")
		fmt.Fprintf(stderr, "  types                         List classes and their members\n")
		fmt.Fprintf(stderr, "  disasm                        Disassemble every bytecode function\n")
		fmt.Fprintf(stderr, "  serve [-addr host:port]       Serve the bridge over Connect\n")
		fmt.Fprintf(stderr, "  remote [-url URL] <call|types> ...  Talk to a running server\n")
		fmt.Fprintf(stderr, "\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nArguments are parsed as null, true, false, integers, floats, or strings.\n")
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if cmd == "remote" {
		// Remote commands need no local module.
		configureLogging(g.verbosity)
		return handleRemoteCommand(g, rest)
	}

	m, err := g.manifest()
	if err != nil {
		fmt.Fprintf(stderr, "Error loading manifest: %v\n", err)
		return 1
	}
	verbosity := m.Log.Verbosity
	if g.verbosity >= 0 {
		verbosity = g.verbosity
	}
	configureLogging(verbosity)

	switch cmd {
	case "run":
		return handleRunCommand(g, m)
	case "call":
		return handleCallCommand(g, m, rest)
	case "types":
		return handleTypesCommand(g, m)
	case "disasm":
		return handleDisasmCommand(g, m)
	case "serve":
		return handleServeCommand(g, m, rest)
	}
	fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
	fs.Usage()
	return 2
}

// manifest finds embedvm.toml from -C upward, falling back to defaults,
// and applies the -m override.
func (g *globals) manifest() (*manifest.Manifest, error) {
	m, err := manifest.FindAndLoad(g.dir)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = manifest.Default()
	}
	if g.module != "" {
		m.VM.Module = g.module
	}
	return m, nil
}

func configureLogging(verbosity int) {
	if verbosity < 0 {
		verbosity = 0
	}
	commonlog.Configure(verbosity, nil)
}
