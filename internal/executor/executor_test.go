package executor_test

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/iter/internal/executor"
	"github.com/stretchr/testify/require"
)

func lookPath(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("skipped, binary %s not available: %v", name, err)
	}
	return path
}

func TestRun(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")

	type then struct {
		stdout   string
		stderr   string
		exitCode int
	}
	var testCases = []struct {
		scenario string
		given    string
		input    string
		then     then
	}{
		{"echo", "echo stdout", "a", then{"stdout\n", "", 0}},
		{"cat stdin", "cat", "hello\nworld", then{"hello\nworld", "", 0}},
		{"stderr", "echo err 1>&2", "", then{"", "err\n", 0}},
		{"non zero exit", "cat; exit 3", "x", then{"x", "", 3}},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			exe := executor.New(executor.Command{Path: sh, Args: []string{"-c", tt.given}})
			out, err := exe.Run(t.Context(), tt.input)
			require.NoError(t, err)
			require.Equal(t, tt.then.stdout, string(out.Stdout))
			require.Equal(t, tt.then.stderr, string(out.Stderr))
			require.NotNil(t, out.ExitCode)
			require.Equal(t, tt.then.exitCode, *out.ExitCode)
			require.Equal(t, tt.then.exitCode == 0, out.Success())
			require.False(t, out.Stopped.Before(out.Started))
		})
	}
}

func TestRunSpawnError(t *testing.T) {
	t.Parallel()

	exe := executor.New(executor.Command{Path: "iter-does-not-exist"})
	out, err := exe.Run(t.Context(), "a")
	require.Error(t, err)
	require.ErrorIs(t, err, executor.ErrSpawn)
	require.NotErrorIs(t, err, executor.ErrWait)
	require.Nil(t, out.ExitCode)
	require.Nil(t, out.Stdout)

	var execErr *executor.Error
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, executor.OpSpawn, execErr.Op)

	var osErr *exec.Error
	require.ErrorAs(t, err, &osErr)
	require.Equal(t, "iter-does-not-exist", osErr.Name)
	require.True(t, strings.HasPrefix(err.Error(), "failed to create child process: "))
}

func TestRunIgnoresUnreadStdin(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")

	// larger than a pipe buffer, the child exits without reading it
	big := strings.Repeat("x", 1<<20)
	exe := executor.New(executor.Command{Path: sh, Args: []string{"-c", "exit 0"}})
	out, err := exe.Run(t.Context(), big)
	require.NoError(t, err)
	require.True(t, out.Success())
}

func TestRunSignaled(t *testing.T) {
	t.Parallel()
	sleep := lookPath(t, "sleep")

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		exe := executor.New(executor.Command{
			Path:    sleep,
			Args:    []string{"10"},
			Timeout: 100 * time.Millisecond,
		})
		start := time.Now()
		out, err := exe.Run(t.Context(), "")
		require.NoError(t, err)
		require.Nil(t, out.ExitCode)
		require.False(t, out.Success())
		require.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("canceled", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
		t.Cleanup(cancel)
		exe := executor.New(executor.Command{Path: sleep, Args: []string{"10"}})
		out, err := exe.Run(ctx, "")
		require.NoError(t, err)
		require.Nil(t, out.ExitCode)
	})
}

func TestRunWaitsForOutput(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")

	// the background child keeps stdout open past the exit of sh
	exe := executor.New(executor.Command{Path: sh, Args: []string{"-c", "sleep 6 & echo hi"}})
	out, err := exe.Run(t.Context(), "x")
	require.NoError(t, err)
	require.NotNil(t, out.ExitCode)
	require.Equal(t, 0, *out.ExitCode)
	require.Equal(t, "hi\n", string(out.Stdout))
}

func TestRunConcurrent(t *testing.T) {
	t.Parallel()
	cat := lookPath(t, "cat")

	exe := executor.New(executor.Command{Path: cat})
	errs := make(chan error, 16)
	for i := range 16 {
		go func() {
			input := strings.Repeat("y", i+1)
			out, err := exe.Run(t.Context(), input)
			if err == nil && string(out.Stdout) != input {
				err = errors.New("unexpected stdout " + string(out.Stdout))
			}
			errs <- err
		}()
	}
	for range 16 {
		require.NoError(t, <-errs)
	}
}

func TestError(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    executor.Op
		then     error
		str      string
	}{
		{"spawn", executor.OpSpawn, executor.ErrSpawn, "spawn"},
		{"write", executor.OpWriteStdin, executor.ErrWriteStdin, "write_stdin"},
		{"wait", executor.OpWait, executor.ErrWait, "wait"},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			cause := errors.New("boom")
			err := &executor.Error{Op: tt.given, Err: cause}
			require.ErrorIs(t, err, tt.then)
			require.ErrorIs(t, err, cause)
			require.Equal(t, tt.then.Error()+": boom", err.Error())
			require.Equal(t, tt.str, tt.given.String())
		})
	}
}

func TestCommandString(t *testing.T) {
	t.Parallel()
	cmd := executor.Command{Path: "echo", Args: []string{"-n", "a b"}}
	require.Equal(t, "echo -n a b", cmd.String())
	require.Equal(t, "echo", executor.Command{Path: "echo"}.String())
}
