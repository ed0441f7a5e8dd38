package main

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sanjit/lsp-bridge/internal/backend"
	"github.com/sanjit/lsp-bridge/internal/config"
	"github.com/sanjit/lsp-bridge/internal/jsonrpc"
)

// stopGrace is how long a server gets to exit after shutdown before it is
// killed.
const stopGrace = 3 * time.Second

// launcher starts backend processes for the session manager and stops
// whatever is still running at exit.
type launcher struct {
	cfg  config.Backend
	opts []jsonrpc.Option
	log  zerolog.Logger

	mu    sync.Mutex
	procs []*backend.Process
}

func newLauncher(cfg config.Backend, opts []jsonrpc.Option, log zerolog.Logger) *launcher {
	return &launcher{cfg: cfg, opts: opts, log: log}
}

func (l *launcher) start(context.Context) (*jsonrpc.Client, error) {
	p, err := backend.Start(backend.Spec{
		Command: l.cfg.Command,
		Args:    l.cfg.Argv(),
		Env:     l.cfg.Env,
		Dir:     l.cfg.Dir,
	}, l.log, l.opts...)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	// Drop processes that already exited.
	live := l.procs[:0]
	for _, old := range l.procs {
		select {
		case <-old.Done():
		default:
			live = append(live, old)
		}
	}
	l.procs = append(live, p)
	l.mu.Unlock()
	return p.Client, nil
}

func (l *launcher) stop(ctx context.Context) {
	l.mu.Lock()
	procs := l.procs
	l.procs = nil
	l.mu.Unlock()
	for _, p := range procs {
		if err := p.Stop(ctx, stopGrace); err != nil {
			l.log.Warn().Err(err).Msg("stop language server")
		}
	}
}
