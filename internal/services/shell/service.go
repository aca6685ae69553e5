// Package shell runs external commands, optionally elevated through su.
package shell

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"

	"github.com/kballard/go-shellquote"
)

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
	ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
	Start(name string, args ...string) error
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct {
	// SuCommand wraps every command as `<su> -c '<command>'` when set.
	SuCommand string
}

// NewExecutor returns an executor elevated through suCommand, or a plain one when it is empty.
func NewExecutor(suCommand string) *DefaultExecutor {
	return &DefaultExecutor{SuCommand: suCommand}
}

// Wrap returns the program and arguments actually executed for a command.
func (e *DefaultExecutor) Wrap(name string, args ...string) (string, []string) {
	if e.SuCommand == "" {
		return name, args
	}
	return e.SuCommand, []string{"-c", shellquote.Join(append([]string{name}, args...)...)}
}

// Execute runs a command and returns its output.
func (e *DefaultExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	prog, argv := e.Wrap(name, args...)
	cmd := exec.CommandContext(ctx, prog, argv...)
	return cmd.CombinedOutput()
}

// ExecuteWithEnv runs a command with additional environment variables.
func (e *DefaultExecutor) ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	prog, argv := e.Wrap(name, args...)
	cmd := exec.CommandContext(ctx, prog, argv...)
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

// Start launches a detached command in its own session and does not wait for it.
func (e *DefaultExecutor) Start(name string, args ...string) error {
	prog, argv := e.Wrap(name, args...)
	cmd := exec.Command(prog, argv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// ExitCode extracts the exit status from an Execute error, or -1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
