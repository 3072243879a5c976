// Copyright The lpbuild Authors
// SPDX-License-Identifier: Apache-2.0

// Package runner wraps the execution of delegated external tools (patch, make,
// the diff compiler, the linker and the module assembler). All child process
// output is captured and teed into the run log so that failures can be
// diagnosed after the fact.
package runner // import "github.com/lpbuild/lpbuild/internal/runner"

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// Cmd describes one external tool invocation.
type Cmd struct {
	// Path is the executable to run, resolved via $PATH if not absolute.
	Path string
	// Args are the arguments, not including the executable name.
	Args []string
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Env entries are appended to the inherited environment.
	Env []string
	// Stdin, if set, is fed to the child process.
	Stdin io.Reader
}

// Result is the observed outcome of a finished invocation.
type Result struct {
	// ExitCode of the process. Valid also when the process failed.
	ExitCode int
	// CoreDumped is set when the process was killed by a signal and the
	// kernel reported a core dump.
	CoreDumped bool
	// Output is the interleaved stdout and stderr of the process.
	Output []byte
}

// Runner executes external commands. The single implementation used in
// production is returned by New; tests substitute fakes so that no real
// compilation ever happens in a test run.
type Runner interface {
	// Run executes cmd and waits for it to exit. A non-zero exit status is
	// not an error: it is reported through Result.ExitCode so that callers
	// can classify tool-specific exit codes. Run returns an error only when
	// the process could not be started or was aborted by ctx.
	Run(ctx context.Context, cmd Cmd) (Result, error)
}

type execRunner struct {
	mu      sync.Mutex
	logSink io.Writer
}

// New returns a Runner that executes commands via os/exec and copies all
// child output to logSink in addition to returning it.
func New(logSink io.Writer) Runner {
	if logSink == nil {
		logSink = io.Discard
	}
	return &execRunner{logSink: logSink}
}

func (r *execRunner) Run(ctx context.Context, cmd Cmd) (Result, error) {
	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Stdin = cmd.Stdin
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return Result{}, err
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return Result{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintf(r.logSink, "+ %s %v (dir=%s)\n", cmd.Path, cmd.Args, cmd.Dir)

	if err = c.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	var buf bytes.Buffer
	sink := &lockedWriter{w: io.MultiWriter(&buf, r.logSink)}

	var g errgroup.Group
	g.Go(func() error {
		_, cerr := io.Copy(sink, stdout)
		return cerr
	})
	g.Go(func() error {
		_, cerr := io.Copy(sink, stderr)
		return cerr
	})
	copyErr := g.Wait()

	res := Result{Output: buf.Bytes()}
	err = c.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, err
		}
		res.ExitCode = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			res.CoreDumped = ws.CoreDump()
		}
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if copyErr != nil {
		return res, copyErr
	}
	return res, nil
}

// lockedWriter serializes the stdout and stderr pump goroutines onto one
// underlying writer chain.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
