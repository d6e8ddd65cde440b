// Package runner executes external programs with streamed output.
//
// The signing pipeline shells out to the archive and code-signing utilities;
// runner owns the plumbing: combined stdout/stderr capture, incremental
// streaming to a caller-supplied sink, and context-driven termination.
package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Result holds the outcome of a completed process.
type Result struct {
	ExitCode int
	Output   []byte // combined stdout and stderr, in arrival order
}

// Options configures a single invocation.
type Options struct {
	Dir  string    // working directory; empty means inherit
	Env  []string  // extra KEY=VALUE entries appended to the inherited environment
	Sink io.Writer // receives output incrementally as the process produces it; may be nil
}

// Run starts the program and waits for it to exit, draining both output
// pipes while waiting so that a process producing large output cannot
// deadlock against a full pipe. A non-zero exit status is reported through
// Result, not as an error; errors are reserved for spawn failures and
// context cancellation.
func Run(ctx context.Context, opts Options, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	var buf bytes.Buffer
	out := io.Writer(&buf)
	if opts.Sink != nil {
		out = io.MultiWriter(&buf, opts.Sink)
	}
	// stdout and stderr are written from separate goroutines inside os/exec;
	// the lock keeps chunks from interleaving mid-write.
	w := &syncWriter{w: out}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		return Result{}, err
	}

	err := cmd.Wait()
	res := Result{ExitCode: 0, Output: buf.Bytes()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Preserve the cancellation cause so callers can tell an
			// aborted run from a tool failure.
			if ctx.Err() != nil {
				return Result{ExitCode: exitErr.ExitCode(), Output: buf.Bytes()}, ctx.Err()
			}
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return Result{Output: buf.Bytes()}, err
	}
	return res, nil
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
