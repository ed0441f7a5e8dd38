package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanjit/lsp-bridge/internal/jsonrpc"
	"github.com/sanjit/lsp-bridge/internal/lsptest"
)

// fakeBackend starts a fresh in-process server on every start call.
type fakeBackend struct {
	mu      sync.Mutex
	servers []*lsptest.Server
	clients []*jsonrpc.Client
	setup   func(*lsptest.Server)
}

func (f *fakeBackend) start(context.Context) (*jsonrpc.Client, error) {
	srv, conn := lsptest.Pipe()
	if f.setup != nil {
		f.setup(srv)
	}
	client := jsonrpc.NewClient(conn.Reader, conn.Writer, conn.Closer)
	client.Start()
	f.mu.Lock()
	f.servers = append(f.servers, srv)
	f.clients = append(f.clients, client)
	f.mu.Unlock()
	return client, nil
}

func (f *fakeBackend) server(i int) *lsptest.Server {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.servers[i]
}

func (f *fakeBackend) client(i int) *jsonrpc.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[i]
}

func newTestManager(t *testing.T, setup func(*lsptest.Server)) (*Manager, *fakeBackend) {
	t.Helper()
	fb := &fakeBackend{setup: setup}
	m := NewManager(fb.start, Options{
		RootURI:    "file:///workspace",
		LanguageID: "groovy",
		Timeout:    2 * time.Second,
	})
	t.Cleanup(func() {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		for _, c := range fb.clients {
			c.Close()
		}
	})
	return m, fb
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// expect returns the next message the server received for method.
func expect(t *testing.T, srv *lsptest.Server, method string) *jsonrpc.Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-srv.Received():
			if msg.Method == method {
				return msg
			}
		case <-timeout:
			t.Fatalf("server never received %s", method)
			return nil
		}
	}
}

func TestOpenSyncClose(t *testing.T) {
	m, fb := newTestManager(t, nil)
	ctx := context.Background()
	path := writeFile(t, "Greeter.groovy", "class Greeter {}\n")

	require.NoError(t, m.OpenDoc(ctx, path))
	srv := fb.server(0)

	init := expect(t, srv, "initialize")
	assert.Equal(t, jsonrpc.KindRequest, init.Kind)
	assert.JSONEq(t, `"file:///workspace"`, mustGet(t, init.Params, "rootUri"))
	expect(t, srv, "initialized")

	open := expect(t, srv, "textDocument/didOpen")
	assert.JSONEq(t, `{"textDocument":{"uri":"`+FileURI(path)+`","languageId":"groovy","version":1,"text":"class Greeter {}\n"}}`, string(open.Params))
	assert.JSONEq(t, `{"hoverProvider":true}`, string(m.Capabilities()))

	err := m.OpenDoc(ctx, path)
	assert.ErrorContains(t, err, "already open")

	require.NoError(t, os.WriteFile(path, []byte("class Greeter { def hi() {} }\n"), 0o644))
	require.NoError(t, m.SyncDoc(ctx, path))
	change := expect(t, srv, "textDocument/didChange")
	assert.JSONEq(t, `{"textDocument":{"uri":"`+FileURI(path)+`","version":2},"contentChanges":[{"text":"class Greeter { def hi() {} }\n"}]}`, string(change.Params))

	doc, err := m.GetDoc(path)
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Version)

	require.NoError(t, m.CloseDoc(ctx, path))
	closeMsg := expect(t, srv, "textDocument/didClose")
	assert.JSONEq(t, `{"textDocument":{"uri":"`+FileURI(path)+`"}}`, string(closeMsg.Params))

	_, err = m.GetDoc(path)
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.ErrorIs(t, m.SyncDoc(ctx, path), ErrNotOpen)
	assert.ErrorIs(t, m.CloseDoc(ctx, path), ErrNotOpen)
}

func mustGet(t *testing.T, raw json.RawMessage, key string) string {
	t.Helper()
	var obj map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &obj))
	return string(obj[key])
}

func TestOpenMissingFile(t *testing.T) {
	m, _ := newTestManager(t, nil)
	err := m.OpenDoc(context.Background(), filepath.Join(t.TempDir(), "missing.groovy"))
	assert.ErrorContains(t, err, "read file")
	assert.Empty(t, m.Docs)
}

func TestStartFailure(t *testing.T) {
	m := NewManager(func(context.Context) (*jsonrpc.Client, error) {
		return nil, errors.New("java: not found")
	}, Options{})
	err := m.OpenDoc(context.Background(), writeFile(t, "a.groovy", ""))
	assert.ErrorContains(t, err, "start language server: java: not found")
}

func TestInitializeFailure(t *testing.T) {
	m, fb := newTestManager(t, func(srv *lsptest.Server) {
		srv.Handle("initialize", func(json.RawMessage) (any, error) {
			return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "workspace broken")
		})
	})
	_, err := m.Client(context.Background())
	require.Error(t, err)
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "workspace broken", rpcErr.Message)
	assert.True(t, fb.client(0).IsClosed())
}

func TestDiagnostics(t *testing.T) {
	m, fb := newTestManager(t, nil)
	ctx := context.Background()
	path := writeFile(t, "a.groovy", "def x = \n")
	require.NoError(t, m.OpenDoc(ctx, path))

	require.NoError(t, fb.server(0).Notify("textDocument/publishDiagnostics", map[string]any{
		"uri": FileURI(path),
		"diagnostics": []map[string]any{{
			"range":    map[string]any{"start": map[string]int{"line": 0, "character": 8}, "end": map[string]int{"line": 0, "character": 9}},
			"severity": 1,
			"message":  "unexpected end of input",
		}},
	}))

	diags, fresh, err := m.WaitDiagnostics(ctx, path, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, fresh)
	require.Len(t, diags, 1)
	assert.Equal(t, "unexpected end of input", diags[0].Message)
	assert.Equal(t, Position{Line: 0, Character: 8}, diags[0].Range.Start)

	cached, err := m.Diagnostics(path)
	require.NoError(t, err)
	assert.Equal(t, diags, cached)

	diags, fresh, err = m.WaitDiagnostics(ctx, path, 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, cached, diags)

	// Publishes for documents that are not open are ignored.
	require.NoError(t, fb.server(0).Notify("textDocument/publishDiagnostics", map[string]any{
		"uri": "file:///elsewhere.groovy", "diagnostics": []any{},
	}))
}

func publish(t *testing.T, srv *lsptest.Server, path, message string) {
	t.Helper()
	require.NoError(t, srv.Notify("textDocument/publishDiagnostics", map[string]any{
		"uri": FileURI(path),
		"diagnostics": []map[string]any{{
			"range":   map[string]any{"start": map[string]int{"line": 0, "character": 0}, "end": map[string]int{"line": 0, "character": 1}},
			"message": message,
		}},
	}))
}

func TestSyncDiscardsQueuedDiagnostics(t *testing.T) {
	m, fb := newTestManager(t, nil)
	ctx := context.Background()
	path := writeFile(t, "a.groovy", "def x = \n")
	require.NoError(t, m.OpenDoc(ctx, path))
	doc, err := m.GetDoc(path)
	require.NoError(t, err)

	publish(t, fb.server(0), path, "old error")
	require.Eventually(t, func() bool { return len(doc.DiagnosticCh) == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("def x = 1\n"), 0o644))
	require.NoError(t, m.SyncDoc(ctx, path))

	diags, fresh, err := m.WaitDiagnostics(ctx, path, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, fresh)
	require.Len(t, diags, 1)
	assert.Equal(t, "old error", diags[0].Message)

	publish(t, fb.server(0), path, "new error")
	diags, fresh, err = m.WaitDiagnostics(ctx, path, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, fresh)
	require.Len(t, diags, 1)
	assert.Equal(t, "new error", diags[0].Message)
}

func TestLogMessageForwarded(t *testing.T) {
	logs := &syncBuffer{}
	fb := &fakeBackend{}
	m := NewManager(fb.start, Options{Logger: zerolog.New(logs), Timeout: 2 * time.Second})
	_, err := m.Client(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { fb.client(0).Close() })

	require.NoError(t, fb.server(0).Notify("window/logMessage", map[string]any{"type": 2, "message": "classpath incomplete"}))
	assert.Eventually(t, func() bool {
		out := logs.String()
		return strings.Contains(out, `"level":"warn"`) && strings.Contains(out, "classpath incomplete")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHover(t *testing.T) {
	var got json.RawMessage
	m, _ := newTestManager(t, func(srv *lsptest.Server) {
		srv.Handle("textDocument/hover", func(params json.RawMessage) (any, error) {
			got = params
			return map[string]any{"contents": map[string]string{"kind": "markdown", "value": "def greet(String name)"}}, nil
		})
	})
	ctx := context.Background()
	path := writeFile(t, "a.groovy", "greet('x')\n")
	require.NoError(t, m.OpenDoc(ctx, path))

	text, err := m.Hover(ctx, path, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, "def greet(String name)", text)
	assert.JSONEq(t, `{"textDocument":{"uri":"`+FileURI(path)+`"},"position":{"line":0,"character":2}}`, string(got))

	_, err = m.Hover(ctx, "other.groovy", 0, 0)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestHoverApplicationErrorIsEmpty(t *testing.T) {
	// The fake server answers unknown methods with MethodNotFound.
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	path := writeFile(t, "a.groovy", "x\n")
	require.NoError(t, m.OpenDoc(ctx, path))

	text, err := m.Hover(ctx, path, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestHoverTimeout(t *testing.T) {
	fb := &fakeBackend{setup: func(srv *lsptest.Server) {
		srv.Handle("textDocument/hover", func(json.RawMessage) (any, error) { return nil, lsptest.NoReply })
	}}
	m := NewManager(fb.start, Options{Timeout: 50 * time.Millisecond})
	ctx := context.Background()
	path := writeFile(t, "a.groovy", "x\n")
	require.NoError(t, m.OpenDoc(ctx, path))
	t.Cleanup(func() { fb.client(0).Close() })

	_, err := m.Hover(ctx, path, 0, 0)
	assert.ErrorIs(t, err, jsonrpc.ErrTimeout)
}

func TestDocumentSymbolsAndDefinition(t *testing.T) {
	m, _ := newTestManager(t, func(srv *lsptest.Server) {
		srv.Handle("textDocument/documentSymbol", func(json.RawMessage) (any, error) {
			return json.RawMessage(`[{"name":"Greeter","kind":5,"range":{"start":{"line":0,"character":0},"end":{"line":3,"character":1}},"selectionRange":{"start":{"line":0,"character":6},"end":{"line":0,"character":13}},"children":[{"name":"greet","kind":6,"range":{"start":{"line":1,"character":2},"end":{"line":2,"character":3}},"selectionRange":{"start":{"line":1,"character":6},"end":{"line":1,"character":11}}}]}]`), nil
		})
		srv.Handle("textDocument/definition", func(json.RawMessage) (any, error) {
			return json.RawMessage(`{"uri":"file:///workspace/Greeter.groovy","range":{"start":{"line":1,"character":6},"end":{"line":1,"character":11}}}`), nil
		})
	})
	ctx := context.Background()
	path := writeFile(t, "Greeter.groovy", "class Greeter {\n  def greet() {\n  }\n}\n")
	require.NoError(t, m.OpenDoc(ctx, path))

	symbols, err := m.DocumentSymbols(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "Class Greeter [L1-4]\n  Method greet [L2-3]\n", FormatSymbols(symbols))

	locs, err := m.Definition(ctx, path, 1, 7)
	require.NoError(t, err)
	assert.Equal(t, []Location{{URI: "file:///workspace/Greeter.groovy", Range: Range{Start: Position{1, 6}, End: Position{1, 11}}}}, locs)
}

func TestRawRequestAndNotify(t *testing.T) {
	m, fb := newTestManager(t, func(srv *lsptest.Server) {
		srv.Handle("groovy/classpath", func(params json.RawMessage) (any, error) {
			return map[string]any{"echo": params}, nil
		})
	})
	ctx := context.Background()

	result, err := m.Request(ctx, "groovy/classpath", json.RawMessage(`{"module":"app"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":{"module":"app"}}`, string(result))

	_, err = m.Request(ctx, "no/such", nil)
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(jsonrpc.CodeMethodNotFound), rpcErr.Code)

	require.NoError(t, m.Notify(ctx, "workspace/didChangeConfiguration", json.RawMessage(`{"settings":{}}`)))
	msg := expect(t, fb.server(0), "workspace/didChangeConfiguration")
	assert.JSONEq(t, `{"settings":{}}`, string(msg.Params))
}

func TestWorkspaceConfigurationAnswered(t *testing.T) {
	m, fb := newTestManager(t, nil)
	_, err := m.Client(context.Background())
	require.NoError(t, err)
	srv := fb.server(0)

	req, err := jsonrpc.NewRequest(0, "workspace/configuration", map[string]any{
		"items": []map[string]string{{"section": "groovy"}, {"section": "java"}},
	})
	require.NoError(t, err)
	req.ID = jsonrpc.StringID("cfg-1")
	require.NoError(t, srv.Send(req))

	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-srv.Received():
			if msg.Kind != jsonrpc.KindResponse {
				continue
			}
			assert.Equal(t, jsonrpc.StringID("cfg-1"), msg.ID)
			assert.JSONEq(t, `[null,null]`, string(msg.Result))
			return
		case <-timeout:
			t.Fatal("no response to workspace/configuration")
		}
	}
}

func TestRestartReopensDocuments(t *testing.T) {
	m, fb := newTestManager(t, func(srv *lsptest.Server) {
		srv.Handle("textDocument/hover", func(json.RawMessage) (any, error) {
			return map[string]any{"contents": "restarted"}, nil
		})
	})
	ctx := context.Background()
	path := writeFile(t, "a.groovy", "x\n")
	require.NoError(t, m.OpenDoc(ctx, path))

	// Simulate the server dying.
	require.NoError(t, fb.client(0).Close())

	text, err := m.Hover(ctx, path, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "restarted", text)

	srv := fb.server(1)
	expect(t, srv, "initialize")
	open := expect(t, srv, "textDocument/didOpen")
	assert.Contains(t, string(open.Params), FileURI(path))
}

func TestShutdown(t *testing.T) {
	m, fb := newTestManager(t, nil)
	ctx := context.Background()
	require.NoError(t, m.Shutdown(ctx), "no server yet")

	_, err := m.Client(ctx)
	require.NoError(t, err)
	srv := fb.server(0)

	require.NoError(t, m.Shutdown(ctx))
	expect(t, srv, "shutdown")
	expect(t, srv, "exit")
	assert.True(t, fb.client(0).IsClosed())

	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server still running after exit")
	}
	require.NoError(t, m.Shutdown(ctx))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
