package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// processStopTimeout is how long Close waits for the child to exit after
// its input is closed before killing it.
const processStopTimeout = 5 * time.Second

// Process is an executor running as a child process. Requests are written
// to its standard input and responses read from its standard output. Its
// standard error (structured logs) is passed through.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	closeOnce sync.Once
	closeErr  error
	exited    chan struct{}
	waitErr   error
}

// Spawn starts path with args as an executor child process.
func Spawn(ctx context.Context, path string, args ...string) (*Process, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// An os.Pipe rather than StdoutPipe: Wait must not close the read end
	// while the dispatcher may still be draining it.
	stdout, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = w

	if err := cmd.Start(); err != nil {
		stdout.Close()
		w.Close()
		return nil, fmt.Errorf("start executor %s: %w", path, err)
	}
	w.Close()

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		exited: make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

func (p *Process) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *Process) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Pid returns the child's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Exited is closed when the child process has exited.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Close closes the child's input and waits for it to exit, killing it if
// it does not stop within a few seconds.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()

		select {
		case <-p.exited:
		case <-time.After(processStopTimeout):
			_ = p.cmd.Process.Kill()
			<-p.exited
		}

		_ = p.stdout.Close()

		var exitErr *exec.ExitError
		if p.waitErr != nil && !errors.As(p.waitErr, &exitErr) {
			p.closeErr = fmt.Errorf("wait executor: %w", p.waitErr)
		}
	})
	return p.closeErr
}
