package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanjit/lsp-bridge/internal/jsonrpc"
	"github.com/sanjit/lsp-bridge/internal/lsptest"
)

// TestHelperProcess is not a real test: it is the language server that the
// other tests spawn, re-running the test binary.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("LSP_BRIDGE_HELPER") != "1" {
		t.Skip("helper process")
	}
	fmt.Fprintln(os.Stderr, "helper: listening on stdio")
	srv := lsptest.NewServer(os.Stdin, os.Stdout)
	srv.Handle("echo", func(params json.RawMessage) (any, error) {
		return params, nil
	})
	srv.Handle("crash", func(json.RawMessage) (any, error) {
		os.Exit(3)
		return nil, nil
	})
	srv.Handle("hang", func(json.RawMessage) (any, error) {
		return nil, lsptest.NoReply
	})
	srv.Serve()
	os.Exit(0)
}

func helperSpec() Spec {
	return Spec{
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$"},
		Env:     []string{"LSP_BRIDGE_HELPER=1"},
	}
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

func TestProcessRequestAndExit(t *testing.T) {
	logs := &syncBuffer{}
	p, err := Start(helperSpec(), zerolog.New(logs).Level(zerolog.DebugLevel))
	require.NoError(t, err)
	t.Cleanup(func() { p.Kill() })

	ctx := context.Background()
	result, err := p.Client.Request(ctx, "echo", map[string]string{"hello": "world"}, 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"world"}`, string(result))

	require.NoError(t, p.Client.Notify("exit", nil))
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.NoError(t, p.Wait())
	assert.True(t, p.Client.IsClosed())
	assert.Contains(t, logs.String(), "helper: listening on stdio")
	assert.Contains(t, logs.String(), `"stream":"stderr"`)
}

func TestProcessExitRejectsPending(t *testing.T) {
	p, err := Start(helperSpec(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { p.Kill() })

	ctx := context.Background()
	hung := p.Client.Go("hang", nil, time.Minute)
	_, err = p.Client.Request(ctx, "crash", nil, 5*time.Second)
	require.ErrorIs(t, err, jsonrpc.ErrClosed)

	_, err = hung.Wait(ctx)
	assert.ErrorIs(t, err, jsonrpc.ErrClosed)

	var exitErr interface{ ExitCode() int }
	require.ErrorAs(t, p.Wait(), &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())
}

func TestProcessStopAfterClose(t *testing.T) {
	p, err := Start(helperSpec(), zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, p.Client.Close())
	// Closing stdin ends the helper's read loop, so it exits on its own.
	require.NoError(t, p.Stop(context.Background(), 5*time.Second))

	_, err = p.Client.Request(context.Background(), "echo", nil, time.Second)
	assert.ErrorIs(t, err, jsonrpc.ErrClosed)
}

func TestProcessStopKillsStuckServer(t *testing.T) {
	p, err := Start(helperSpec(), zerolog.Nop())
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Stop(context.Background(), 50*time.Millisecond))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, p.Client.IsClosed())
}

func TestStartErrors(t *testing.T) {
	_, err := Start(Spec{}, zerolog.Nop())
	assert.Error(t, err)

	_, err = Start(Spec{Command: "/nonexistent/language-server"}, zerolog.Nop())
	assert.Error(t, err)
}
