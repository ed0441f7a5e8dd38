package main

// tools.go — MCP tool registration wiring each tool name to its handler.

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sanjit/lsp-bridge/internal/session"
)

// Tool argument types.

type fileArg struct {
	File string `json:"file" jsonschema:"path to the source file"`
}

type positionArg struct {
	File string `json:"file" jsonschema:"path to the source file"`
	Line int    `json:"line" jsonschema:"0-indexed line number"`
	Col  int    `json:"col" jsonschema:"0-indexed column number"`
}

type diagnosticsArg struct {
	File   string `json:"file" jsonschema:"path to the source file"`
	WaitMs int    `json:"wait_ms,omitempty" jsonschema:"wait up to this many milliseconds for a fresh publish before answering from the cache"`
}

type rawArg struct {
	Method string         `json:"method" jsonschema:"LSP method name, e.g. workspace/symbol"`
	Params map[string]any `json:"params,omitempty" jsonschema:"JSON params object passed through unchanged"`
}

func (a rawArg) rawParams() (json.RawMessage, error) {
	if a.Params == nil {
		return nil, nil
	}
	return json.Marshal(a.Params)
}

// registerTools registers all MCP tools on the server.
func registerTools(server *mcp.Server, sm *session.Manager) {
	// Documents.
	mcp.AddTool(server, &mcp.Tool{
		Name:        "lsp_open",
		Description: "Open a file on the language server. Must be called before any other operation on the file.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args fileArg) (*mcp.CallToolResult, any, error) {
		if err := sm.OpenDoc(ctx, args.File); err != nil {
			return session.ErrResult(err), nil, nil
		}
		return session.TextResult("Opened " + args.File), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "lsp_sync",
		Description: "Re-read a file from disk after editing it and send the new text to the language server.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args fileArg) (*mcp.CallToolResult, any, error) {
		if err := sm.SyncDoc(ctx, args.File); err != nil {
			return session.ErrResult(err), nil, nil
		}
		return session.TextResult("Synced " + args.File), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "lsp_close",
		Description: "Close a file and release its resources on the language server.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args fileArg) (*mcp.CallToolResult, any, error) {
		if err := sm.CloseDoc(ctx, args.File); err != nil {
			return session.ErrResult(err), nil, nil
		}
		return session.TextResult("Closed " + args.File), nil, nil
	})

	// Queries.
	mcp.AddTool(server, &mcp.Tool{
		Name:        "lsp_hover",
		Description: "Show hover information (type, signature, documentation) at a position.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args positionArg) (*mcp.CallToolResult, any, error) {
		text, err := sm.Hover(ctx, args.File, args.Line, args.Col)
		if err != nil {
			return session.ErrResult(err), nil, nil
		}
		if text == "" {
			text = "No hover information."
		}
		return session.TextResult(text), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "lsp_symbols",
		Description: "List the symbols (classes, methods, fields) declared in a file, with their line ranges.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args fileArg) (*mcp.CallToolResult, any, error) {
		symbols, err := sm.DocumentSymbols(ctx, args.File)
		if err != nil {
			return session.ErrResult(err), nil, nil
		}
		return session.TextResult(session.FormatSymbols(symbols)), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "lsp_definition",
		Description: "Find where the symbol at a position is defined.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args positionArg) (*mcp.CallToolResult, any, error) {
		locs, err := sm.Definition(ctx, args.File, args.Line, args.Col)
		if err != nil {
			return session.ErrResult(err), nil, nil
		}
		return session.TextResult(session.FormatLocations(locs)), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "lsp_diagnostics",
		Description: "Show the errors and warnings the language server reported for a file.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args diagnosticsArg) (*mcp.CallToolResult, any, error) {
		var diags []session.Diagnostic
		var err error
		if args.WaitMs > 0 {
			diags, _, err = sm.WaitDiagnostics(ctx, args.File, time.Duration(args.WaitMs)*time.Millisecond)
		} else {
			diags, err = sm.Diagnostics(args.File)
		}
		if err != nil {
			return session.ErrResult(err), nil, nil
		}
		var sb strings.Builder
		session.FormatDiagnostics(&sb, diags)
		return session.TextResult(sb.String()), nil, nil
	})

	// Pass-through.
	mcp.AddTool(server, &mcp.Tool{
		Name:        "lsp_request",
		Description: "Send an arbitrary LSP request and return its raw JSON result. For methods without a dedicated tool.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args rawArg) (*mcp.CallToolResult, any, error) {
		params, err := args.rawParams()
		if err != nil {
			return session.ErrResult(err), nil, nil
		}
		result, err := sm.Request(ctx, args.Method, params)
		if err != nil {
			return session.ErrResult(fmt.Errorf("%s: %w", args.Method, err)), nil, nil
		}
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		return session.TextResult(string(result)), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "lsp_notify",
		Description: "Send an arbitrary LSP notification. Nothing is returned by the server.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args rawArg) (*mcp.CallToolResult, any, error) {
		params, err := args.rawParams()
		if err != nil {
			return session.ErrResult(err), nil, nil
		}
		if err := sm.Notify(ctx, args.Method, params); err != nil {
			return session.ErrResult(fmt.Errorf("%s: %w", args.Method, err)), nil, nil
		}
		return session.TextResult("Sent " + args.Method), nil, nil
	})
}
