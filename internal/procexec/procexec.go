// Package procexec runs the external media tools (yt-dlp, ffprobe, ffmpeg, chromium).
package procexec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Result is the captured outcome of one process.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner abstracts process execution so stages can be tested without the real binaries.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
	// RunLines behaves like Run and also calls onLine for every stdout line as it arrives.
	RunLines(ctx context.Context, onLine func(line string), name string, args ...string) (Result, error)
}

// IsNotInstalled reports whether err means the binary could not be found.
func IsNotInstalled(err error) bool {
	return errors.Is(err, exec.ErrNotFound)
}

// ErrTimeout marks a call that was stopped by its own time limit rather than by its caller.
var ErrTimeout = errors.New("process timed out")

// IsTimeout reports whether err came from a call that exceeded its limit.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// Limit runs call under a deadline of d; d <= 0 means no limit. When the deadline ends the
// call while ctx is still live, the returned error wraps ErrTimeout.
func Limit(ctx context.Context, d time.Duration, call func(ctx context.Context) (Result, error)) (Result, error) {
	if d <= 0 {
		return call(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	res, err := call(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("%w after %s: %w", ErrTimeout, d, err)
	}
	return res, err
}

// ExecRunner executes commands via os/exec.
type ExecRunner struct{}

// Run executes one command and captures stdout, stderr, and the exit code.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	return ExecRunner{}.RunLines(ctx, nil, name, args...)
}

// RunLines executes one command, streaming stdout lines to onLine.
func (ExecRunner) RunLines(ctx context.Context, onLine func(line string), name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stderr = &stderr

	var (
		pw *io.PipeWriter
		wg sync.WaitGroup
	)
	if onLine == nil {
		cmd.Stdout = &stdout
	} else {
		var pr *io.PipeReader
		pr, pw = io.Pipe()
		cmd.Stdout = io.MultiWriter(&stdout, pw)
		wg.Add(1)
		go func() {
			defer wg.Done()
			scanLines(pr, onLine)
		}()
	}

	err := cmd.Run()
	if pw != nil {
		_ = pw.Close()
		wg.Wait()
	}

	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

func scanLines(r *io.PipeReader, onLine func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		onLine(sc.Text())
	}
	// Keep draining so the writer never blocks if a line overflowed the buffer.
	_, _ = io.Copy(io.Discard, r)
}

// Call records one invocation seen by Fake.
type Call struct {
	Name string
	Args []string
}

// Line returns the invocation as a single space-joined string.
func (c Call) Line() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Fake is a scripted Runner for tests. Handle decides the outcome of each call; a nil
// Handle succeeds with empty output.
type Fake struct {
	Handle func(name string, args []string, onLine func(string)) (Result, error)
	// Hang makes every call block until its context ends, like a stuck process.
	Hang bool

	mu    sync.Mutex
	calls []Call
}

// Run implements Runner.
func (f *Fake) Run(ctx context.Context, name string, args ...string) (Result, error) {
	return f.RunLines(ctx, nil, name, args...)
}

// RunLines implements Runner.
func (f *Fake) RunLines(ctx context.Context, onLine func(string), name string, args ...string) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Name: name, Args: append([]string(nil), args...)})
	f.mu.Unlock()

	if f.Hang {
		<-ctx.Done()
	}
	if err := ctx.Err(); err != nil {
		return Result{ExitCode: -1}, err
	}
	if f.Handle == nil {
		return Result{}, nil
	}
	if onLine == nil {
		onLine = func(string) {}
	}
	return f.Handle(name, args, onLine)
}

// Calls returns a copy of the recorded invocations.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Names returns the binary name of every recorded invocation.
func (f *Fake) Names() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Name
	}
	return out
}
