package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanjit/lsp-bridge/internal/backend"
	"github.com/sanjit/lsp-bridge/internal/jsonrpc"
)

// These tests talk to a real language server, named by
// LSP_BRIDGE_TEST_SERVER, e.g.
//
//	LSP_BRIDGE_TEST_SERVER="java -jar groovy-language-server-all.jar"
func realServer(t *testing.T) *Manager {
	t.Helper()
	argv := strings.Fields(os.Getenv("LSP_BRIDGE_TEST_SERVER"))
	if len(argv) == 0 {
		t.Skip("LSP_BRIDGE_TEST_SERVER not set")
	}
	var proc *backend.Process
	m := NewManager(func(context.Context) (*jsonrpc.Client, error) {
		p, err := backend.Start(backend.Spec{Command: argv[0], Args: argv[1:]}, zerolog.Nop())
		if err != nil {
			return nil, err
		}
		proc = p
		return p.Client, nil
	}, Options{
		RootURI:    FileURI(filepath.Join("..", "..", "testdata")),
		LanguageID: "groovy",
		Timeout:    30 * time.Second,
	})
	t.Cleanup(func() {
		ctx := context.Background()
		assert.NoError(t, m.Shutdown(ctx))
		if proc != nil {
			proc.Stop(ctx, 5*time.Second)
		}
	})
	return m
}

func TestRealServerSession(t *testing.T) {
	m := realServer(t)
	ctx := context.Background()
	path, err := filepath.Abs(filepath.Join("..", "..", "testdata", "Greeter.groovy"))
	require.NoError(t, err)

	require.NoError(t, m.OpenDoc(ctx, path))
	assert.NotEmpty(t, m.Capabilities())

	symbols, err := m.DocumentSymbols(ctx, path)
	require.NoError(t, err)
	assert.Contains(t, FormatSymbols(symbols), "Greeter")

	// Line 3 is "String greet(String name) {".
	_, err = m.Hover(ctx, path, 3, 12)
	require.NoError(t, err)

	require.NoError(t, m.CloseDoc(ctx, path))
}
