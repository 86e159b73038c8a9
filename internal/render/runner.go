package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"render-queue/internal/domain"
)

const (
	// NoExitCode marks results of processes that never ran or were killed.
	NoExitCode = -1

	// DefaultProbeTimeout bounds version queries and other quick probes.
	DefaultProbeTimeout = 5 * time.Second

	maxMessageLen = 2000
)

// Result is the raw outcome of one external process.
type Result struct {
	Command  string
	Args     []string
	Stdout   []byte
	Stderr   string
	ExitCode int
	Started  time.Time
	Stopped  time.Time
	// Err is nil on exit code 0, a SPAWN error when the process could not
	// start and a RUNTIME error otherwise.
	Err error
}

// Success reports whether the process exited with code 0.
func (r Result) Success() bool {
	return r.Err == nil
}

// Runner executes engine processes and captures their output.
type Runner struct {
	logger       *slog.Logger
	probeTimeout time.Duration
	command      func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithProbeTimeout overrides DefaultProbeTimeout.
func WithProbeTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.probeTimeout = d
		}
	}
}

// NewRunner creates a runner logging engine stderr to logger.
func NewRunner(logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		logger:       logger,
		probeTimeout: DefaultProbeTimeout,
		command:      exec.CommandContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Launch starts d on its own goroutine and returns a channel that yields
// exactly one Result and is then closed. No timeout is imposed: renders may
// run for hours.
func (r *Runner) Launch(d Descriptor) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		ch <- r.execute(context.Background(), d.Executable, d.Args)
	}()
	return ch
}

// Run executes d synchronously, bounded only by ctx.
func (r *Runner) Run(ctx context.Context, d Descriptor) Result {
	return r.execute(ctx, d.Executable, d.Args)
}

// Probe runs a short command under the probe timeout.
func (r *Runner) Probe(ctx context.Context, name string, args ...string) Result {
	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()
	return r.execute(ctx, name, args)
}

func (r *Runner) execute(ctx context.Context, name string, args []string) Result {
	result := Result{
		Command:  name,
		Args:     append([]string(nil), args...),
		ExitCode: NoExitCode,
	}

	var stdout bytes.Buffer
	stderr := &lineWriter{
		emit: func(line string) {
			r.logger.DebugContext(ctx, "engine stderr", slog.String("command", name), slog.String("line", line))
		},
	}

	cmd := r.command(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		result.Stopped = time.Now().UTC()
		result.Err = &domain.Error{
			Kind:    domain.KindSpawn,
			Message: fmt.Sprintf("cannot start %s: %v", name, err),
			Err:     err,
		}
		return result
	}

	waitErr := cmd.Wait()
	stderr.flush()
	result.Stopped = time.Now().UTC()
	result.Stdout = stdout.Bytes()
	result.Stderr = stderr.buf.String()
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if waitErr == nil {
		return result
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		result.Err = &domain.Error{
			Kind:    domain.KindRuntime,
			Message: fmt.Sprintf("%s did not finish: %v", name, ctxErr),
			Err:     errors.Join(ctxErr, waitErr),
		}
		return result
	}

	result.Err = &domain.Error{
		Kind:    domain.KindRuntime,
		Message: failureMessage(result.Stderr, result.ExitCode),
		Err:     waitErr,
	}
	return result
}

// failureMessage keeps the tail of stderr, where engines print the error.
func failureMessage(stderr string, exitCode int) string {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		return fmt.Sprintf("exit status %d", exitCode)
	}
	if len(msg) > maxMessageLen {
		msg = "..." + msg[len(msg)-maxMessageLen:]
	}
	return fmt.Sprintf("exit status %d: %s", exitCode, msg)
}

// lineWriter buffers stderr and emits each complete line.
// os/exec writes to it from a single goroutine.
type lineWriter struct {
	buf     bytes.Buffer
	partial []byte
	emit    func(line string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emitLine(w.partial[:i])
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.partial) > 0 {
		w.emitLine(w.partial)
		w.partial = nil
	}
}

func (w *lineWriter) emitLine(line []byte) {
	text := strings.TrimRight(string(line), "\r")
	if text != "" && w.emit != nil {
		w.emit(text)
	}
}
