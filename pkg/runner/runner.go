package runner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/mouradhm/content-dbsync/pkg/logger"
)

var log = logger.Get("Runner")

var (
	// Matches the bar the mongo tools print while working, e.g.
	// "[######..................]  db.shows  101/400  (25.2%)".
	progressPattern = regexp.MustCompile(`\[[#.]{2,}\][^\r\n]*`)
	credentials     = regexp.MustCompile(`(mongodb(?:\+srv)?://[^:/@\s]+:)[^@\s]+@`)
)

const waitDelay = 5 * time.Second

// Command is a single invocation of an external tool.
type Command struct {
	Path string
	Args []string
}

// String renders the command for logs, with any connection string
// passwords masked.
func (c Command) String() string {
	parts := append([]string{c.Path}, c.Args...)
	return credentials.ReplaceAllString(strings.Join(parts, " "), "${1}****@")
}

// Output is what a finished command wrote, and how long it took.
type Output struct {
	Stdout  string
	Stderr  string
	Elapsed time.Duration
}

// ProcessTimeout is returned when a command does not exit within its
// allotted time. The process has been killed by the time it is returned.
type ProcessTimeout struct {
	Command string
	Timeout time.Duration
	Output  *Output
}

func (e *ProcessTimeout) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Command, e.Timeout)
}

// ProcessError is returned when a command exits with a non-zero code.
type ProcessError struct {
	Command  string
	ExitCode int
	Output   *Output
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if e.Output != nil {
		if stderr := strings.TrimSpace(e.Output.Stderr); stderr != "" {
			msg += ": " + lastLine(stderr)
		}
	}

	return msg
}

// ProgressFunc receives each progress indicator as soon as the tool
// prints it. It may be called from several goroutines at once.
type ProgressFunc func(cmd Command, progress string)

// Runner starts external processes and waits for them, streaming their
// progress output to the log as it arrives.
type Runner struct {
	onProgress ProgressFunc
}

func New() *Runner {
	return &Runner{onProgress: logProgress}
}

// WithProgress returns a runner which hands progress lines to fn
// instead of the log.
func (r *Runner) WithProgress(fn ProgressFunc) *Runner {
	return &Runner{onProgress: fn}
}

func logProgress(cmd Command, progress string) {
	log.Emit(logger.INFO, "%s %s", cmd.Path, progress)
}

// Run executes cmd and waits for it to exit or for timeout to elapse.
// Cancelling ctx kills the process too; the context error is returned
// in that case.
func (r *Runner) Run(ctx context.Context, cmd Command, timeout time.Duration) (*Output, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := newStreamWriter(cmd, r.onProgress)
	stderr := newStreamWriter(cmd, r.onProgress)

	proc := exec.CommandContext(runCtx, cmd.Path, cmd.Args...)
	proc.Stdout = stdout
	proc.Stderr = stderr
	proc.WaitDelay = waitDelay

	log.Emit(logger.DEBUG, "Running %s (timeout %s)", cmd, timeout)
	start := time.Now()
	err := proc.Run()
	stdout.flush()
	stderr.flush()

	out := &Output{
		Stdout:  stdout.buf.String(),
		Stderr:  stderr.buf.String(),
		Elapsed: time.Since(start),
	}

	if err == nil {
		log.Emit(logger.DEBUG, "%s finished in %s", cmd.Path, out.Elapsed.Round(time.Millisecond))
		return out, nil
	}

	if ctx.Err() != nil {
		return out, errors.Wrapf(ctx.Err(), "%s interrupted", cmd.Path)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return out, &ProcessTimeout{Command: cmd.String(), Timeout: timeout, Output: out}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, &ProcessError{Command: cmd.String(), ExitCode: exitErr.ExitCode(), Output: out}
	}

	return out, errors.Wrapf(err, "failed to run %s", cmd.Path)
}

// streamWriter captures everything written to it while splitting it
// into lines, so progress indicators reach the log before the process
// has exited.
type streamWriter struct {
	cmd        Command
	onProgress ProgressFunc
	buf        bytes.Buffer
	pending    []byte
}

func newStreamWriter(cmd Command, onProgress ProgressFunc) *streamWriter {
	return &streamWriter{cmd: cmd, onProgress: onProgress}
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)

	for _, b := range p {
		if b == '\n' || b == '\r' {
			w.emit()
			continue
		}
		w.pending = append(w.pending, b)
	}

	return len(p), nil
}

func (w *streamWriter) flush() {
	w.emit()
}

func (w *streamWriter) emit() {
	if len(w.pending) == 0 {
		return
	}

	line := string(w.pending)
	w.pending = w.pending[:0]

	if w.onProgress == nil {
		return
	}
	if match := progressPattern.FindString(line); match != "" {
		w.onProgress(w.cmd, strings.TrimSpace(match))
	}
}

func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
