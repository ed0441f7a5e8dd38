package main

// lsp-trace opens one file on a language server and prints what the server
// reports about it: diagnostics, the symbol tree, and the hover text at
// every symbol. For debugging a server before wiring it into the bridge.

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sanjit/lsp-bridge/internal/backend"
	"github.com/sanjit/lsp-bridge/internal/jsonrpc"
	"github.com/sanjit/lsp-bridge/internal/session"
)

func main() {
	if len(os.Args) < 4 || os.Args[2] != "--" {
		fmt.Fprintf(os.Stderr, "Usage: lsp-trace <file> -- <server command> [args...]\n")
		os.Exit(1)
	}
	file := os.Args[1]
	serverArgv := os.Args[3:]

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()
	if os.Getenv("LSP_TRACE_DEBUG") != "" {
		log = log.Level(zerolog.TraceLevel)
	}

	var proc *backend.Process
	start := func(context.Context) (*jsonrpc.Client, error) {
		p, err := backend.Start(backend.Spec{Command: serverArgv[0], Args: serverArgv[1:]}, log,
			jsonrpc.WithRejectUnhandledRequests(),
			jsonrpc.WithProtocolErrorHandler(func(err error) {
				fmt.Printf("!! protocol error: %v\n", err)
			}))
		if err != nil {
			return nil, err
		}
		proc = p
		return p.Client, nil
	}

	ctx := context.Background()
	sm := session.NewManager(start, session.Options{Timeout: 30 * time.Second, Logger: log})
	if err := sm.OpenDoc(ctx, file); err != nil {
		log.Fatal().Err(err).Msg("open")
	}
	defer func() {
		if err := sm.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("shutdown")
		}
		if proc != nil {
			proc.Stop(ctx, 3*time.Second)
		}
	}()

	fmt.Printf("=== Capabilities ===\n%s\n\n", sm.Capabilities())

	diags, fresh, err := sm.WaitDiagnostics(ctx, file, 5*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("diagnostics")
	}
	if !fresh {
		fmt.Println("(no diagnostics published within 5s)")
	}
	var sb strings.Builder
	session.FormatDiagnostics(&sb, diags)
	fmt.Println(sb.String())

	symbols, err := sm.DocumentSymbols(ctx, file)
	if err != nil {
		fmt.Printf("documentSymbol failed: %v\n", err)
		return
	}
	fmt.Printf("=== Symbols ===\n%s\n", session.FormatSymbols(symbols))

	step := 0
	walk(symbols, func(s session.Symbol) {
		step++
		text, err := sm.Hover(ctx, file, s.Range.Start.Line, s.Range.Start.Character)
		fmt.Printf("=== Hover %d: %s (L%d:%d) ===\n", step, s.Name, s.Range.Start.Line+1, s.Range.Start.Character)
		switch {
		case err != nil:
			fmt.Printf("error: %v\n\n", err)
		case text == "":
			fmt.Print("(nothing)\n\n")
		default:
			fmt.Printf("%s\n\n", text)
		}
	})
	fmt.Printf("--- Done: %d symbols ---\n", step)
}

func walk(symbols []session.Symbol, fn func(session.Symbol)) {
	for _, s := range symbols {
		fn(s)
		walk(s.Children, fn)
	}
}
