package core

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/armon/circbuf"
)

// DefaultOutputLimit caps captured stdout/stderr per run or step. Exceeding
// the cap is not an error; the capture is clamped and marked.
const DefaultOutputLimit = 1 << 20 // 1 MiB

// TruncationSuffix terminates a clamped capture.
const TruncationSuffix = "…[truncated]"

// ExecResult carries the outcome of a completed command. A non-zero
// ExitCode is not an error at this layer; classification is the engine's
// responsibility.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Executor runs argv on a target server within a hard wall-clock timeout.
// Implementations return *TimeoutError when the deadline expires and
// *TransportError for dial/spawn/IO failures. They never retry.
type Executor interface {
	Execute(ctx context.Context, srv *Server, argv []string, timeout time.Duration) (*ExecResult, error)
}

// ShellCommand wraps a substituted user command so shell-style pipelines
// work on every target.
func ShellCommand(command string) []string {
	return []string{"sh", "-c", command}
}

func newCaptureBuffer(limit int64) *circbuf.Buffer {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	// circbuf.NewBuffer only errors on non-positive sizes
	buf, _ := circbuf.NewBuffer(limit)
	return buf
}

// clampedString returns the buffer contents, marked with TruncationSuffix
// when the stream outgrew the capture limit. The returned string never
// exceeds the limit.
func clampedString(buf *circbuf.Buffer, limit int64) string {
	s := buf.String()
	if buf.TotalWritten() <= limit {
		return s
	}
	cut := int(limit) - len(TruncationSuffix)
	if cut < 0 {
		cut = 0
	}
	if cut > len(s) {
		cut = len(s)
	}
	return s[:cut] + TruncationSuffix
}

// LocalExecutor invokes the host OS directly.
type LocalExecutor struct {
	// OutputLimit caps captured stdout/stderr; zero means DefaultOutputLimit.
	OutputLimit int64
	// Environment entries are appended to the inherited environment.
	Environment []string
}

func NewLocalExecutor(outputLimit int64) *LocalExecutor {
	return &LocalExecutor{OutputLimit: outputLimit}
}

func (e *LocalExecutor) Execute(ctx context.Context, _ *Server, argv []string, timeout time.Duration) (*ExecResult, error) {
	if len(argv) == 0 {
		return nil, &TransportError{Op: "local spawn", Err: ErrEmptyCommand}
	}

	limit := e.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	outBuf := newCaptureBuffer(limit)
	errBuf := newCaptureBuffer(limit)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Stdout = outBuf
	cmd.Stderr = errBuf
	cmd.Env = append(os.Environ(), e.Environment...)

	err := cmd.Run()

	result := &ExecResult{
		Stdout: clampedString(outBuf, limit),
		Stderr: clampedString(errBuf, limit),
	}

	if err == nil {
		return result, nil
	}

	// Context expiry kills the process and surfaces as an ExitError, so the
	// context state is checked before the error type.
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return nil, &TimeoutError{Timeout: timeout}
	case errors.Is(runCtx.Err(), context.Canceled):
		return nil, &CancelledError{Reason: "command terminated"}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}

	return nil, &TransportError{Op: "local spawn", Err: err}
}
