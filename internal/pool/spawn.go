package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

var ErrCommandRequired = errors.New("pool: command required")

// Process is one running worker: its request input, its response output,
// and its lifetime.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Wait blocks until the process exits. It is called once, after Stdout
	// has been read to EOF or abandoned.
	Wait() error
	Kill() error
}

// Spawner starts the worker for pool slot index.
type Spawner interface {
	Spawn(ctx context.Context, index int) (Process, error)
}

// ExecSpawner starts workers as local processes with piped stdin/stdout and
// inherited stderr.
type ExecSpawner struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
}

// NewExecSpawner builds an ExecSpawner from the pool spawn configuration.
func NewExecSpawner(cfg Config) ExecSpawner {
	return ExecSpawner{
		Command: cfg.Command,
		Args:    append([]string(nil), cfg.Args...),
		Env:     append([]string(nil), cfg.Env...),
		Dir:     cfg.Dir,
	}
}

func (s ExecSpawner) Spawn(ctx context.Context, index int) (Process, error) {
	if strings.TrimSpace(s.Command) == "" {
		return nil, ErrCommandRequired
	}
	cmd := exec.CommandContext(ctx, s.Command, s.Args...)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return nil, fmt.Errorf("pool: start worker %d: %w", index, execErr)
		}
		return nil, err
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("pool: worker exit code=%d: %w", exitErr.ExitCode(), err)
	}
	return err
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
