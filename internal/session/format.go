package session

// format.go — rendering hover contents, symbols, locations, and diagnostics
// to text, and wrapping text as MCP tool results.

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tidwall/gjson"

	"github.com/sanjit/lsp-bridge/internal/jsonrpc"
)

// RenderHover renders a hover result. Contents may be a plain string, a
// MarkupContent, a MarkedString, or an array of MarkedStrings.
func RenderHover(raw json.RawMessage) string {
	res := gjson.ParseBytes(raw)
	if !res.IsObject() {
		return ""
	}
	return strings.TrimSpace(renderMarked(res.Get("contents")))
}

func renderMarked(c gjson.Result) string {
	switch {
	case c.Type == gjson.String:
		return c.String()
	case c.IsArray():
		var parts []string
		for _, item := range c.Array() {
			if text := renderMarked(item); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n\n")
	case c.IsObject():
		value := c.Get("value").String()
		if lang := c.Get("language").String(); lang != "" {
			return "```" + lang + "\n" + value + "\n```"
		}
		return value
	}
	return ""
}

var symbolKinds = [...]string{
	1: "File", 2: "Module", 3: "Namespace", 4: "Package", 5: "Class",
	6: "Method", 7: "Property", 8: "Field", 9: "Constructor", 10: "Enum",
	11: "Interface", 12: "Function", 13: "Variable", 14: "Constant", 15: "String",
	16: "Number", 17: "Boolean", 18: "Array", 19: "Object", 20: "Key",
	21: "Null", 22: "EnumMember", 23: "Struct", 24: "Event", 25: "Operator",
	26: "TypeParameter",
}

// SymbolKindName returns the LSP name of a SymbolKind.
func SymbolKindName(kind int) string {
	if kind > 0 && kind < len(symbolKinds) {
		return symbolKinds[kind]
	}
	return fmt.Sprintf("Kind(%d)", kind)
}

// FormatSymbols renders a symbol tree, one symbol per line, indented by
// depth. Lines are 1-based.
func FormatSymbols(symbols []Symbol) string {
	if len(symbols) == 0 {
		return "No symbols."
	}
	var sb strings.Builder
	writeSymbols(&sb, symbols, 0)
	return sb.String()
}

func writeSymbols(sb *strings.Builder, symbols []Symbol, depth int) {
	for _, s := range symbols {
		sb.WriteString(strings.Repeat("  ", depth))
		fmt.Fprintf(sb, "%s %s", SymbolKindName(s.Kind), s.Name)
		if s.Detail != "" {
			fmt.Fprintf(sb, " %s", s.Detail)
		}
		if s.Container != "" {
			fmt.Fprintf(sb, " (in %s)", s.Container)
		}
		fmt.Fprintf(sb, " [L%d", s.Range.Start.Line+1)
		if s.Range.End.Line != s.Range.Start.Line {
			fmt.Fprintf(sb, "-%d", s.Range.End.Line+1)
		}
		sb.WriteString("]\n")
		writeSymbols(sb, s.Children, depth+1)
	}
}

// FormatLocations renders definition results as uri:line:col, 1-based.
func FormatLocations(locs []Location) string {
	if len(locs) == 0 {
		return "No definition found."
	}
	var sb strings.Builder
	for _, l := range locs {
		fmt.Fprintf(&sb, "%s:%d:%d\n", l.URI, l.Range.Start.Line+1, l.Range.Start.Character+1)
	}
	return sb.String()
}

// SeverityName returns the lowercase name of a diagnostic severity. A
// missing severity is reported as an error, as clients are told to do.
func SeverityName(severity int) string {
	switch severity {
	case SeverityWarning:
		return "warning"
	case SeverityInformation:
		return "info"
	case SeverityHint:
		return "hint"
	default:
		return "error"
	}
}

// FormatDiagnostics appends a diagnostics section to sb.
func FormatDiagnostics(sb *strings.Builder, diags []Diagnostic) {
	if len(diags) == 0 {
		sb.WriteString("No diagnostics.\n")
		return
	}
	fmt.Fprintf(sb, "=== Diagnostics: %d ===\n", len(diags))
	for _, d := range diags {
		fmt.Fprintf(sb, "[%s] line %d:%d-%d:%d: %s",
			SeverityName(d.Severity),
			d.Range.Start.Line+1, d.Range.Start.Character,
			d.Range.End.Line+1, d.Range.End.Character,
			d.Message)
		if d.Source != "" {
			fmt.Fprintf(sb, " (%s)", d.Source)
		}
		sb.WriteString("\n")
	}
}

// TextResult wraps a string in an MCP CallToolResult.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// ErrResult wraps an error in an MCP CallToolResult. Transport failures
// are marked so the caller knows the server itself is unavailable.
func ErrResult(err error) *mcp.CallToolResult {
	text := err.Error()
	if jsonrpc.IsTransport(err) {
		text = "language server unavailable: " + text
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}
