package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// maxOutput caps how much child output is kept for error reports.
const maxOutput = 8 * 1024

// Error reports a child process that could not start or exited non-zero.
type Error struct {
	Name   string
	Output string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ExitCode returns the child's exit status, or -1 when it never ran to completion.
func (e *Error) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Command describes one child process invocation.
type Command struct {
	Argv  []string
	Stdin io.Reader
	// Env is appended to the inherited environment.
	Env []string
}

// Run executes cmd and waits for it. The exit status is the only success signal; combined
// output is captured for diagnostics.
func Run(ctx context.Context, cmd Command) (string, error) {
	if len(cmd.Argv) == 0 || cmd.Argv[0] == "" {
		return "", errors.New("proc: empty command")
	}
	c := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Stdin = cmd.Stdin
	if len(cmd.Env) > 0 {
		c.Env = append(c.Environ(), cmd.Env...)
	}
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	err := c.Run()
	output := truncate(out.String())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return output, &Error{Name: cmd.Argv[0], Output: output, Err: err}
	}
	return output, nil
}

// Split breaks a command line on whitespace. Quoting is not supported.
func Split(line string) []string {
	return strings.Fields(line)
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxOutput {
		return s
	}
	return s[:maxOutput] + "..."
}
