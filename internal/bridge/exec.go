package bridge

import (
	"context"
	"io"
	"os/exec"
)

// commandHandle abstracts exec.Cmd so tests can substitute a fake process
type commandHandle interface {
	SetDir(dir string)
	StdoutPipe() (io.ReadCloser, error)
	StderrPipe() (io.ReadCloser, error)
	Start() error
	Wait() error
	Kill() error
}

// newCommand is replaced in tests
var newCommand = func(ctx context.Context, binary string, args ...string) commandHandle {
	return &execCommand{cmd: exec.CommandContext(ctx, binary, args...)}
}

type execCommand struct {
	cmd *exec.Cmd
}

func (e *execCommand) SetDir(dir string)                  { e.cmd.Dir = dir }
func (e *execCommand) StdoutPipe() (io.ReadCloser, error) { return e.cmd.StdoutPipe() }
func (e *execCommand) StderrPipe() (io.ReadCloser, error) { return e.cmd.StderrPipe() }
func (e *execCommand) Start() error                       { return e.cmd.Start() }
func (e *execCommand) Wait() error                        { return e.cmd.Wait() }

func (e *execCommand) Kill() error {
	if e.cmd.Process == nil {
		return ErrProcessNotFound
	}
	return e.cmd.Process.Kill()
}
