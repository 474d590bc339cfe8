// Package executor runs one child process per input record.
//
// Executor is a thin wrapper around os/exec:
//   - starts the process with stdin, stdout and stderr piped
//   - writes the record to stdin and closes it
//   - waits for the process and captures stdout and stderr
//
// Only failures of the process machinery itself (spawn, stdin write, wait) are
// returned as errors. A non-zero exit code, or no exit code at all because the
// process was killed by a signal, is part of the Output.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/CZERTAINLY/iter/internal/log"

	"github.com/google/uuid"
)

// Command is the template every record is executed with.
type Command struct {
	Path    string
	Args    []string
	Env     []string // nil inherits the environment of iter
	Timeout time.Duration
}

// String returns the command line text recorded with a batch.
func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode *int // nil if terminated by a signal
	Started  time.Time
	Stopped  time.Time
}

// Success reports whether the process exited with code 0.
func (o Output) Success() bool {
	return o.ExitCode != nil && *o.ExitCode == 0
}

const waitDelay = 5 * time.Second

type Executor struct {
	cmd Command
}

func New(cmd Command) *Executor {
	return &Executor{cmd: cmd}
}

func (e *Executor) Command() Command {
	return e.cmd
}

// Run executes the command with record on its standard input. It blocks until
// the process ends, ctx is canceled or the command timeout expires. The two
// latter kill the process and the Output has a nil ExitCode.
//
// The returned error is always an *Error.
func (e *Executor) Run(ctx context.Context, record string) (Output, error) {
	ctx = log.ContextAttrs(ctx, slog.String("run_id", uuid.NewString()))

	if e.cmd.Timeout == 0 {
		slog.DebugContext(ctx, "command has no timeout", "path", e.cmd.Path)
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cmd.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.cmd.Path, e.cmd.Args...)
	cmd.Env = e.cmd.Env
	if e.cmd.Timeout > 0 {
		// children of a killed process may keep the output pipes open
		cmd.WaitDelay = waitDelay
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Output{}, &Error{Op: OpSpawn, Err: err}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	out := Output{Started: time.Now().UTC()}
	if err := cmd.Start(); err != nil {
		return Output{}, &Error{Op: OpSpawn, Err: err}
	}

	_, err = io.WriteString(stdin, record)
	if cerr := stdin.Close(); err == nil {
		err = cerr
	}
	if err != nil && !brokenPipe(err) {
		// the process is running, reap it before reporting
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return Output{}, &Error{Op: OpWriteStdin, Err: err}
	}

	err = cmd.Wait()
	out.Stopped = time.Now().UTC()
	if cmd.ProcessState == nil {
		return Output{}, &Error{Op: OpWait, Err: err}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, ctx.Err()) {
		// the process has ended, but collecting its output failed
		return Output{}, &Error{Op: OpWait, Err: err}
	}

	if code := cmd.ProcessState.ExitCode(); code >= 0 {
		out.ExitCode = &code
	}
	out.Stdout = stdout.Bytes()
	out.Stderr = stderr.Bytes()
	if out.Stdout == nil {
		out.Stdout = []byte{}
	}
	if out.Stderr == nil {
		out.Stderr = []byte{}
	}

	slog.DebugContext(ctx, "process finished",
		"path", e.cmd.Path,
		"exit_code", cmd.ProcessState.ExitCode(),
		"duration", out.Stopped.Sub(out.Started),
	)
	return out, nil
}

// brokenPipe reports a child which exited without consuming its stdin. This is
// not a failure, os/exec ignores the same error for copied stdin.
func brokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE)
}

// String is used by tests and logs.
func (o Output) String() string {
	code := "nil"
	if o.ExitCode != nil {
		code = fmt.Sprint(*o.ExitCode)
	}
	return fmt.Sprintf("exit_code: %s, stdout: %q, stderr: %q", code, o.Stdout, o.Stderr)
}
