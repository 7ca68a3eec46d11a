// Package subprocess executes external site-management commands without a
// shell, with a timeout, full stream capture and secret redaction.
package subprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/RendaniSinyage/rokct/internal/logging"
)

// DefaultTimeout applies when a Command carries no timeout.
const DefaultTimeout = 5 * time.Minute

var (
	// ErrCommandNotFound is returned when the executable cannot be resolved.
	ErrCommandNotFound = errors.New("command not found")
	// ErrTimeout is returned when the command exceeded its timeout.
	ErrTimeout = errors.New("command timed out")
)

// Command describes one invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
	// Secrets are masked in logs and error text. They may appear in Args.
	Secrets []string
}

// Result is the outcome of a command that started.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// ExitError reports a non-zero exit.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if tail := lastLine(e.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

// Runner runs commands. Callers depend on the interface so tests can script
// outcomes.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	lookPath func(string) (string, error)
}

// NewExecRunner returns a Runner backed by os/exec.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{lookPath: exec.LookPath}
}

// Run executes cmd and waits for it. A non-nil Result is returned whenever the
// process started, including on non-zero exit and timeout.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	display := redact(cmd.String(), cmd.Secrets)

	path, err := r.lookPath(cmd.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, cmd.Name)
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(runCtx, path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = cmd.Env
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	log.Debug().Str("component", "subprocess").Str("command", display).Str("dir", cmd.Dir).Msg("Running command")

	start := time.Now()
	runErr := c.Run()
	res := &Result{
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if c.ProcessState != nil {
		res.ExitCode = c.ProcessState.ExitCode()
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		log.Warn().Str("component", "subprocess").Str("command", display).Dur("timeout", timeout).Msg("Command timed out")
		return res, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, display)
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			log.Warn().
				Str("component", "subprocess").
				Str("command", display).
				Int("exit_code", res.ExitCode).
				Str("stderr", redact(lastLine(res.Stderr), cmd.Secrets)).
				Msg("Command failed")
			return res, &ExitError{Command: display, ExitCode: res.ExitCode, Stderr: redact(res.Stderr, cmd.Secrets)}
		}
		return res, fmt.Errorf("run %s: %w", display, runErr)
	}

	log.Debug().Str("component", "subprocess").Str("command", display).Dur("duration", res.Duration).Msg("Command finished")
	return res, nil
}

// String renders the command line for display. It is never passed to a shell.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

func redact(s string, secrets []string) string {
	return logging.Redact(s, secrets...)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
