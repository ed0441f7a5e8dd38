package session

// requests.go — document queries: hover, symbols, definition, diagnostics,
// and raw pass-through requests.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/sanjit/lsp-bridge/internal/jsonrpc"
)

// docClient returns the client and state for an open document.
func (m *Manager) docClient(ctx context.Context, path string) (*jsonrpc.Client, *DocState, error) {
	doc, err := m.GetDoc(path)
	if err != nil {
		return nil, nil, err
	}
	client, err := m.Client(ctx)
	if err != nil {
		return nil, nil, err
	}
	return client, doc, nil
}

func positionParams(doc *DocState, line, col int) map[string]any {
	return map[string]any{
		"textDocument": map[string]any{"uri": doc.URI},
		"position":     map[string]any{"line": line, "character": col},
	}
}

// Hover returns the rendered hover text at a 0-based position, or "" when
// the server has nothing there. An application error from the server (for
// instance, no hover support) also yields "".
func (m *Manager) Hover(ctx context.Context, path string, line, col int) (string, error) {
	client, doc, err := m.docClient(ctx, path)
	if err != nil {
		return "", err
	}
	result, err := client.Request(ctx, "textDocument/hover", positionParams(doc, line, col), m.opts.Timeout)
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			m.log.Debug().Err(err).Str("uri", doc.URI).Msg("hover unavailable")
			return "", nil
		}
		return "", err
	}
	return RenderHover(result), nil
}

// DocumentSymbols returns the symbols of a document as a tree. A flat
// SymbolInformation answer comes back as a single level.
func (m *Manager) DocumentSymbols(ctx context.Context, path string) ([]Symbol, error) {
	client, doc, err := m.docClient(ctx, path)
	if err != nil {
		return nil, err
	}
	params := map[string]any{"textDocument": map[string]any{"uri": doc.URI}}
	result, err := client.Request(ctx, "textDocument/documentSymbol", params, m.opts.Timeout)
	if err != nil {
		return nil, err
	}
	return ParseSymbols(result)
}

// ParseSymbols decodes a documentSymbol result in either of its forms.
func ParseSymbols(raw json.RawMessage) ([]Symbol, error) {
	res := gjson.ParseBytes(raw)
	if res.Type == gjson.Null || !res.Exists() {
		return nil, nil
	}
	if !res.IsArray() {
		return nil, fmt.Errorf("documentSymbol: expected array, got %s", res.Type)
	}

	if res.Get("0.location").Exists() {
		var flat []symbolInformation
		if err := json.Unmarshal(raw, &flat); err != nil {
			return nil, fmt.Errorf("parse documentSymbol: %w", err)
		}
		symbols := make([]Symbol, 0, len(flat))
		for _, s := range flat {
			symbols = append(symbols, Symbol{
				Name:      s.Name,
				Kind:      s.Kind,
				Range:     s.Location.Range,
				Container: s.ContainerName,
			})
		}
		return symbols, nil
	}

	var tree []documentSymbol
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("parse documentSymbol: %w", err)
	}
	symbols := make([]Symbol, 0, len(tree))
	for _, s := range tree {
		symbols = append(symbols, s.symbol())
	}
	return symbols, nil
}

// Definition returns the definition locations of the symbol at a 0-based
// position.
func (m *Manager) Definition(ctx context.Context, path string, line, col int) ([]Location, error) {
	client, doc, err := m.docClient(ctx, path)
	if err != nil {
		return nil, err
	}
	result, err := client.Request(ctx, "textDocument/definition", positionParams(doc, line, col), m.opts.Timeout)
	if err != nil {
		return nil, err
	}
	return ParseLocations(result), nil
}

// ParseLocations decodes Location, Location[], LocationLink[] or null.
// LocationLinks are reduced to their target selection range.
func ParseLocations(raw json.RawMessage) []Location {
	res := gjson.ParseBytes(raw)
	var items []gjson.Result
	switch {
	case res.IsArray():
		items = res.Array()
	case res.IsObject():
		items = []gjson.Result{res}
	default:
		return nil
	}

	locs := make([]Location, 0, len(items))
	for _, item := range items {
		if target := item.Get("targetUri"); target.Exists() {
			r := item.Get("targetSelectionRange")
			if !r.Exists() {
				r = item.Get("targetRange")
			}
			locs = append(locs, Location{URI: target.String(), Range: parseRange(r)})
			continue
		}
		locs = append(locs, Location{URI: item.Get("uri").String(), Range: parseRange(item.Get("range"))})
	}
	return locs
}

func parseRange(r gjson.Result) Range {
	return Range{
		Start: Position{Line: int(r.Get("start.line").Int()), Character: int(r.Get("start.character").Int())},
		End:   Position{Line: int(r.Get("end.line").Int()), Character: int(r.Get("end.character").Int())},
	}
}

// Diagnostics returns the last diagnostics published for an open document.
func (m *Manager) Diagnostics(path string) ([]Diagnostic, error) {
	doc, err := m.GetDoc(path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Diagnostic(nil), doc.Diagnostics...), nil
}

// WaitDiagnostics waits up to timeout for the next publish for path and
// reports whether one arrived. Without one it returns the cached list.
func (m *Manager) WaitDiagnostics(ctx context.Context, path string, timeout time.Duration) ([]Diagnostic, bool, error) {
	doc, err := m.GetDoc(path)
	if err != nil {
		return nil, false, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case diags := <-doc.DiagnosticCh:
		return diags, true, nil
	case <-timer.C:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	diags, err := m.Diagnostics(path)
	return diags, false, err
}

// DrainDiagnostics discards publishes queued for doc, so a following
// WaitDiagnostics only sees fresh ones.
func DrainDiagnostics(doc *DocState) {
	for {
		select {
		case <-doc.DiagnosticCh:
		default:
			return
		}
	}
}

// Request sends an arbitrary request with raw JSON params and returns the
// raw result.
func (m *Manager) Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	client, err := m.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Request(ctx, method, params, m.opts.Timeout)
}

// Notify sends an arbitrary notification with raw JSON params.
func (m *Manager) Notify(ctx context.Context, method string, params json.RawMessage) error {
	client, err := m.Client(ctx)
	if err != nil {
		return err
	}
	return client.Notify(method, params)
}
