package session

// state.go — language server lifecycle, per-document state, and
// notification dispatch.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sanjit/lsp-bridge/internal/jsonrpc"
)

// DefaultTimeout bounds every request when Options.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// ErrNotOpen is returned for operations on a document that was never opened.
var ErrNotOpen = errors.New("document not open")

// Starter launches a language server and returns a started client bound to
// its stdio.
type Starter func(ctx context.Context) (*jsonrpc.Client, error)

// Options configures a Manager.
type Options struct {
	RootURI    string        // workspace root; defaults to the working directory
	LanguageID string        // languageId sent in didOpen
	Timeout    time.Duration // per-request timeout
	Logger     zerolog.Logger
}

// DocState tracks one open document.
type DocState struct {
	URI         string
	Path        string
	Version     int
	Content     string
	LanguageID  string
	Diagnostics []Diagnostic

	// DiagnosticCh bridges publishDiagnostics to callers waiting for the
	// next publish.
	DiagnosticCh chan []Diagnostic
}

// Manager owns the language server session and the documents opened on it.
// The server is started lazily by the first operation that needs it, and
// restarted on the next operation after it dies.
type Manager struct {
	start Starter
	opts  Options
	log   zerolog.Logger

	// clientMu serializes starting the server and document operations, so
	// didOpen/didChange/didClose reach the server in call order.
	clientMu     sync.Mutex
	client       *jsonrpc.Client
	capabilities json.RawMessage

	// mu guards Docs. Notification handlers take it on the read goroutine,
	// so it is never held across a request.
	mu   sync.Mutex
	Docs map[string]*DocState // keyed by URI
}

// NewManager returns a manager that calls start when it first needs a server.
func NewManager(start Starter, opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.LanguageID == "" {
		opts.LanguageID = "plaintext"
	}
	if opts.RootURI == "" {
		cwd, _ := os.Getwd()
		opts.RootURI = FileURI(cwd)
	}
	return &Manager{
		start: start,
		opts:  opts,
		log:   opts.Logger,
		Docs:  make(map[string]*DocState),
	}
}

// FileURI returns the file:// URI of path, made absolute.
func FileURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + filepath.ToSlash(abs)
}

// Client returns a running, initialized client, starting the server first
// if there is none or the previous one has closed.
func (m *Manager) Client(ctx context.Context) (*jsonrpc.Client, error) {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()
	return m.ensureClient(ctx)
}

func (m *Manager) ensureClient(ctx context.Context) (*jsonrpc.Client, error) {
	if m.client != nil && !m.client.IsClosed() {
		return m.client, nil
	}
	restart := m.client != nil
	if restart {
		m.log.Warn().AnErr("cause", m.client.Err()).Msg("language server gone, restarting")
	}

	client, err := m.start(ctx)
	if err != nil {
		return nil, fmt.Errorf("start language server: %w", err)
	}
	client.OnNotification("textDocument/publishDiagnostics", m.handleDiagnostics)
	client.OnNotification("window/logMessage", m.handleLogMessage)
	client.OnNotification("window/showMessage", m.handleLogMessage)
	// Servers ask for configuration and progress tokens; answering keeps
	// them from waiting on us.
	client.OnRequest("workspace/configuration", func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Items []json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "%v", err)
		}
		return make([]any, len(p.Items)), nil
	})
	client.OnRequest("window/workDoneProgress/create", func(context.Context, json.RawMessage) (any, error) {
		return nil, nil
	})

	caps, err := initialize(ctx, client, m.opts.RootURI, m.opts.Timeout)
	if err != nil {
		client.Close()
		return nil, err
	}
	m.client = client
	m.capabilities = caps

	if restart {
		m.reopenDocs()
	}
	return client, nil
}

// initialize performs the initialize handshake and returns the server
// capabilities.
func initialize(ctx context.Context, client *jsonrpc.Client, rootURI string, timeout time.Duration) (json.RawMessage, error) {
	params := map[string]any{
		"processId": os.Getpid(),
		"rootUri":   rootURI,
		"capabilities": map[string]any{
			"textDocument": map[string]any{
				"hover":              map[string]any{"contentFormat": []string{"markdown", "plaintext"}},
				"documentSymbol":     map[string]any{"hierarchicalDocumentSymbolSupport": true},
				"definition":         map[string]any{"linkSupport": true},
				"publishDiagnostics": map[string]any{},
			},
		},
		"workspaceFolders": []map[string]any{{"uri": rootURI, "name": filepath.Base(rootURI)}},
	}
	var result struct {
		Capabilities json.RawMessage `json:"capabilities"`
	}
	if err := client.Call(ctx, "initialize", params, timeout, &result); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if err := client.Notify("initialized", map[string]any{}); err != nil {
		return nil, fmt.Errorf("initialized: %w", err)
	}
	return result.Capabilities, nil
}

// Capabilities returns the server capabilities from the last initialize, or
// nil before the server has started.
func (m *Manager) Capabilities() json.RawMessage {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()
	return m.capabilities
}

// reopenDocs replays didOpen for every tracked document on a fresh server.
// Called with clientMu held.
func (m *Manager) reopenDocs() {
	m.mu.Lock()
	docs := make([]*DocState, 0, len(m.Docs))
	for _, doc := range m.Docs {
		doc.Diagnostics = nil
		docs = append(docs, doc)
	}
	m.mu.Unlock()
	for _, doc := range docs {
		DrainDiagnostics(doc)
		if err := m.client.Notify("textDocument/didOpen", didOpenParams(doc)); err != nil {
			m.log.Warn().Err(err).Str("uri", doc.URI).Msg("reopen document")
		}
	}
}

func didOpenParams(doc *DocState) map[string]any {
	return map[string]any{
		"textDocument": map[string]any{
			"uri":        doc.URI,
			"languageId": doc.LanguageID,
			"version":    doc.Version,
			"text":       doc.Content,
		},
	}
}

// OpenDoc reads path and opens it on the server.
func (m *Manager) OpenDoc(ctx context.Context, path string) error {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()

	client, err := m.ensureClient(ctx)
	if err != nil {
		return err
	}

	uri := FileURI(path)
	m.mu.Lock()
	_, exists := m.Docs[uri]
	m.mu.Unlock()
	if exists {
		return fmt.Errorf("document already open: %s", path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	doc := &DocState{
		URI:          uri,
		Path:         path,
		Version:      1,
		Content:      string(content),
		LanguageID:   m.opts.LanguageID,
		DiagnosticCh: make(chan []Diagnostic, 16),
	}
	m.mu.Lock()
	m.Docs[uri] = doc
	m.mu.Unlock()

	if err := client.Notify("textDocument/didOpen", didOpenParams(doc)); err != nil {
		m.mu.Lock()
		delete(m.Docs, uri)
		m.mu.Unlock()
		return err
	}
	m.log.Debug().Str("uri", uri).Int("bytes", len(content)).Msg("opened document")
	return nil
}

// SyncDoc re-reads path from disk and sends its full text as a new version.
func (m *Manager) SyncDoc(ctx context.Context, path string) error {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()

	client, err := m.ensureClient(ctx)
	if err != nil {
		return err
	}
	doc, err := m.GetDoc(path)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	m.mu.Lock()
	doc.Version++
	doc.Content = string(content)
	params := map[string]any{
		"textDocument": map[string]any{
			"uri":     doc.URI,
			"version": doc.Version,
		},
		"contentChanges": []map[string]any{
			{"text": doc.Content},
		},
	}
	m.mu.Unlock()
	// Publishes still queued describe the previous version.
	DrainDiagnostics(doc)
	return client.Notify("textDocument/didChange", params)
}

// CloseDoc closes path on the server and forgets it.
func (m *Manager) CloseDoc(ctx context.Context, path string) error {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()

	doc, err := m.GetDoc(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.Docs, doc.URI)
	m.mu.Unlock()

	if m.client == nil || m.client.IsClosed() {
		return nil
	}
	return m.client.Notify("textDocument/didClose", map[string]any{
		"textDocument": map[string]any{"uri": doc.URI},
	})
}

// GetDoc returns the state of an open document.
func (m *Manager) GetDoc(path string) (*DocState, error) {
	uri := FileURI(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.Docs[uri]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotOpen, path)
	}
	return doc, nil
}

// handleDiagnostics caches published diagnostics and wakes waiters.
func (m *Manager) handleDiagnostics(params json.RawMessage) {
	var p struct {
		URI         string       `json:"uri"`
		Diagnostics []Diagnostic `json:"diagnostics"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		m.log.Warn().Err(err).Msg("parse publishDiagnostics")
		return
	}

	m.mu.Lock()
	doc, ok := m.Docs[p.URI]
	if ok {
		doc.Diagnostics = p.Diagnostics
	}
	m.mu.Unlock()

	if !ok {
		m.log.Debug().Str("uri", p.URI).Int("count", len(p.Diagnostics)).Msg("diagnostics for unopened document")
		return
	}
	select {
	case doc.DiagnosticCh <- p.Diagnostics:
	default:
	}
}

// handleLogMessage forwards window/logMessage and window/showMessage to the
// logger at the matching level.
func (m *Manager) handleLogMessage(params json.RawMessage) {
	var p struct {
		Type    int    `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		m.log.Warn().Err(err).Msg("parse logMessage")
		return
	}
	level := zerolog.DebugLevel
	switch p.Type {
	case 1:
		level = zerolog.ErrorLevel
	case 2:
		level = zerolog.WarnLevel
	case 3:
		level = zerolog.InfoLevel
	}
	m.log.WithLevel(level).Str("source", "server").Msg(p.Message)
}

// Shutdown asks the server to shut down, sends exit, and closes the client.
// It is a no-op when no server is running.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()

	client := m.client
	m.client = nil
	if client == nil || client.IsClosed() {
		return nil
	}
	_, err := client.Request(ctx, "shutdown", nil, m.opts.Timeout)
	if err == nil {
		err = client.Notify("exit", nil)
	}
	return errors.Join(err, client.Close())
}
