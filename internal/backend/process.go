// Package backend launches a language server process and binds its stdio
// to a jsonrpc.Client.
package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sanjit/lsp-bridge/internal/jsonrpc"
)

// Spec describes the process to run.
type Spec struct {
	Command string
	Args    []string
	Env     []string // appended to the inherited environment when non-empty
	Dir     string
}

// Process is a running language server.
type Process struct {
	Client *jsonrpc.Client

	cmd  *exec.Cmd
	log  zerolog.Logger
	done chan struct{}

	mu      sync.Mutex
	waitErr error
}

// Start spawns the server and starts reading its stdout. Stderr is an
// out-of-band channel: each line goes to the logger and is never parsed
// as protocol data. When the process exits the client is closed, which
// rejects every pending request.
func Start(spec Spec, log zerolog.Logger, opts ...jsonrpc.Option) (*Process, error) {
	if spec.Command == "" {
		return nil, errors.New("backend: no command")
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), spec.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	log = log.With().Str("backend", spec.Command).Int("pid", cmd.Process.Pid).Logger()
	log.Info().Strs("args", spec.Args).Msg("language server started")

	opts = append([]jsonrpc.Option{jsonrpc.WithLogger(log)}, opts...)
	p := &Process{
		Client: jsonrpc.NewClient(stdout, stdin, stdin, opts...),
		cmd:    cmd,
		log:    log,
		done:   make(chan struct{}),
	}
	p.Client.Start()

	var g errgroup.Group
	g.Go(func() error { return p.drainStderr(stderr) })
	g.Go(func() error {
		<-p.Client.Done()
		return nil
	})
	go func() {
		stderrErr := g.Wait()
		err := cmd.Wait()
		if err == nil {
			err = stderrErr
		}
		p.Client.Close()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		if err != nil {
			log.Warn().Err(err).Msg("language server exited")
		} else {
			log.Info().Msg("language server exited")
		}
		close(p.done)
	}()
	return p, nil
}

func (p *Process) drainStderr(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.log.Debug().Str("stream", "stderr").Msg(scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("read stderr: %w", err)
	}
	return nil
}

// Done is closed after the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process exits and returns its exit error.
func (p *Process) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Kill terminates the process immediately.
func (p *Process) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Stop waits up to grace for the process to exit on its own, then kills it.
func (p *Process) Stop(ctx context.Context, grace time.Duration) error {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return p.Wait()
	case <-ctx.Done():
	case <-timer.C:
	}
	p.log.Warn().Dur("grace", grace).Msg("language server did not exit, killing")
	if err := p.Kill(); err != nil {
		return err
	}
	<-p.done
	return nil
}
