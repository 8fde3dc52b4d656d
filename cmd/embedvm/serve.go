package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/chazu/embedvm/manifest"
	"github.com/chazu/embedvm/server"
	"github.com/chazu/embedvm/vm"
)

// handleServeCommand processes `embedvm serve`.
// Usage:
//
//	embedvm serve                  # listen on server.addr
//	embedvm serve -addr :9000      # custom address
func handleServeCommand(g *globals, m *manifest.Manifest, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(g.stderr)
	addr := fs.String("addr", m.Server.Addr, "Listen address")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	opts, err := server.FromManifest(m)
	if err != nil {
		fmt.Fprintf(g.stderr, "Error: %v\n", err)
		return 1
	}
	b, err := openBridge(m, true)
	if err != nil {
		fmt.Fprintf(g.stderr, "Error: %v\n", err)
		return 1
	}

	srv := server.New(b, opts...)
	defer srv.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	fmt.Fprintf(g.stdout, "Serving %s on %s\n", m.ModulePath(), *addr)
	if err := srv.ListenAndServe(ctx, *addr); err != nil {
		fmt.Fprintf(g.stderr, "Server error: %v\n", err)
		return 1
	}
	return 0
}

// handleRemoteCommand processes `embedvm remote [-url URL] <call|types> ...`.
func handleRemoteCommand(g *globals, args []string) int {
	fs := flag.NewFlagSet("remote", flag.ContinueOnError)
	fs.SetOutput(g.stderr)
	url := fs.String("url", "http://localhost:7071", "Server base URL")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(g.stderr, "Error: remote requires call or types")
		return 2
	}

	client := server.NewClient(http.DefaultClient, *url)
	ctx := context.Background()

	switch fs.Arg(0) {
	case "types":
		resp, err := client.Types(ctx)
		if err != nil {
			fmt.Fprintf(g.stderr, "Error: %v\n", err)
			return 1
		}
		for _, c := range resp.Classes {
			printClass(g, c)
		}
		return 0

	case "call":
		rest := fs.Args()[1:]
		if len(rest) == 0 {
			fmt.Fprintln(g.stderr, "Error: remote call requires Class.method")
			return 2
		}
		class, method, err := splitTarget(rest[0])
		if err != nil {
			fmt.Fprintf(g.stderr, "Error: %v\n", err)
			return 2
		}
		req := &server.CallRequest{Class: class, Method: method}
		for _, a := range rest[1:] {
			req.Args = append(req.Args, parseValue(a))
		}
		resp, err := client.Call(ctx, req)
		if err != nil {
			fmt.Fprintf(g.stderr, "Error: %v\n", err)
			return 1
		}
		if resp.Exception != nil {
			fmt.Fprintf(g.stderr, "Exception: %s\n%s\n", resp.Exception.Message, resp.Exception.Stack)
			return 1
		}
		fmt.Fprintln(g.stdout, formatValue(resp.Result))
		return 0
	}
	fmt.Fprintf(g.stderr, "Unknown remote command: %s\n", fs.Arg(0))
	return 2
}

// formatValue renders a wire value the way Describe renders a local one.
func formatValue(v server.Value) string {
	if v.Handle != "" {
		return fmt.Sprintf("%s [%s]", v.Display, v.Handle)
	}
	switch v.Kind {
	case "int":
		return strconv.FormatInt(v.Int, 10)
	case "float":
		return vm.FormatFloat(v.Float)
	case "bool":
		return strconv.FormatBool(v.Bool)
	case "string":
		return v.String
	}
	return "null"
}
