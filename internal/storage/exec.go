package storage

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// Execer runs external filesystem maintenance tools. mkfs and fsck
// have no in-kernel equivalent, so these remain subprocesses.
type Execer interface {
	// Run executes the named tool and returns its combined output.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// RealExecer runs tools via os/exec.
type RealExecer struct{}

var _ Execer = RealExecer{}

func (RealExecer) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, &exitCoder{name: name, code: exitErr.ExitCode()}
	}
	return out, err
}

// exitCoder carries a tool's exit code so callers can distinguish
// benign statuses (e2fsck's corrected-errors exit 1) from failures.
type exitCoder struct {
	name string
	code int
}

func (e *exitCoder) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.name, e.code)
}

// Code returns the tool's exit status.
func (e *exitCoder) Code() int { return e.code }

// FakeExecer records invocations and returns canned results in tests.
type FakeExecer struct {
	// Calls records each invocation as name followed by its args.
	Calls [][]string

	// Results maps tool name to the error its next runs return. A nil
	// entry (or no entry) succeeds.
	Results map[string]error

	// Output maps tool name to canned combined output.
	Output map[string][]byte
}

var _ Execer = (*FakeExecer)(nil)

func (f *FakeExecer) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.Calls = append(f.Calls, append([]string{name}, args...))
	return f.Output[name], f.Results[name]
}

// ExitError builds an error equivalent to a tool exiting with code,
// for wiring into FakeExecer.Results.
func ExitError(name string, code int) error {
	return &exitCoder{name: name, code: code}
}
