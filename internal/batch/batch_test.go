package batch_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/iter/internal/batch"
	"github.com/CZERTAINLY/iter/internal/executor"
	"github.com/CZERTAINLY/iter/internal/metrics"
	"github.com/CZERTAINLY/iter/internal/render"
	"github.com/CZERTAINLY/iter/internal/rowsource"
	"github.com/CZERTAINLY/iter/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "batch.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, st.Close())
	})
	return st
}

func lookPath(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("skipped, binary %s not available: %v", name, err)
	}
	return path
}

func fixed(unix int64) batch.Clock {
	return func() time.Time {
		return time.Unix(unix, 0)
	}
}

func ptr[T any](v T) *T {
	return &v
}

// runnerFunc adapts a function to batch.Runner.
type runnerFunc func(ctx context.Context, record string) (executor.Output, error)

func (f runnerFunc) Run(ctx context.Context, record string) (executor.Output, error) {
	return f(ctx, record)
}

func exitWith(code int) runnerFunc {
	return func(_ context.Context, record string) (executor.Output, error) {
		return executor.Output{Stdout: []byte(record), Stderr: []byte{}, ExitCode: ptr(code)}, nil
	}
}

func newBatch(t *testing.T, st *store.Store, exe batch.Runner, opts ...batch.Option) *batch.Batch {
	t.Helper()
	cmd := executor.Command{Path: "test", Args: []string{"-x"}}
	b, err := batch.New(t.Context(), st, fixed(1_700_000_000), cmd, exe, opts...)
	require.NoError(t, err)
	return b
}

func TestNew(t *testing.T) {
	t.Parallel()
	st := open(t)
	ctx := t.Context()

	cmd := executor.Command{Path: "/bin/echo", Args: []string{"hello", "world"}}
	b1, err := batch.New(ctx, st, fixed(1_700_000_000), cmd, executor.New(cmd))
	require.NoError(t, err)
	require.Equal(t, int64(1_700_000_000), b1.ID())

	// the same clock reading never reuses an id
	b2, err := batch.New(ctx, st, fixed(1_700_000_000), cmd, executor.New(cmd))
	require.NoError(t, err)
	require.Equal(t, b1.ID()+1, b2.ID())

	got, err := st.GetBatch(ctx, b1.ID())
	require.NoError(t, err)
	require.Equal(t, "/bin/echo hello world", got.Arguments)

	// metadata is recorded once
	err = b1.Record(ctx, "other")
	require.ErrorIs(t, err, store.ErrBatchExists)
}

func TestRecord(t *testing.T) {
	t.Parallel()
	st := open(t)
	ctx := t.Context()

	b := batch.WithID(st, 42, exitWith(0))
	require.Equal(t, int64(42), b.ID())
	require.NoError(t, b.Record(ctx, "cat"))
	require.ErrorIs(t, b.Record(ctx, "cat"), store.ErrBatchExists)

	got, err := st.GetBatch(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, "cat", got.Arguments)
}

func TestAttach(t *testing.T) {
	t.Parallel()
	st := open(t)
	ctx := t.Context()

	_, err := batch.Attach(ctx, st, 42, exitWith(0))
	require.ErrorIs(t, err, store.ErrNotFound)
	require.True(t, batch.IsNotFound(err))

	require.NoError(t, st.InsertBatch(ctx, 42, "cat"))
	b, err := batch.Attach(ctx, st, 42, exitWith(0))
	require.NoError(t, err)
	require.NoError(t, b.Run(ctx, "a"))

	// attaching leaves the metadata alone
	got, err := st.GetBatch(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, "cat", got.Arguments)
	n, err := st.CountResults(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestEcho(t *testing.T) {
	t.Parallel()
	echo := lookPath(t, "echo")
	st := open(t)
	ctx := t.Context()

	cmd := executor.Command{Path: echo}
	b, err := batch.New(ctx, st, fixed(1_700_000_000), cmd, executor.New(cmd))
	require.NoError(t, err)

	stats, err := b.RunAll(ctx, rowsource.Slice([]string{"a", "b", "c"}))
	require.NoError(t, err)
	require.Equal(t, batch.Stats{Rows: 3, Success: 3}, stats)

	results, err := st.Results(ctx, b.ID())
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, input := range []string{"a", "b", "c"} {
		r := results[i]
		require.Equal(t, input, r.Input)
		require.Equal(t, ptr(0), r.ExitCode)
		require.NotNil(t, r.Stdout)
		require.NotNil(t, r.Stderr)
		require.Nil(t, r.Error)
	}
}

func TestMissingExecutable(t *testing.T) {
	t.Parallel()
	st := open(t)
	ctx := t.Context()

	cmd := executor.Command{Path: filepath.Join(t.TempDir(), "iter-does-not-exist")}
	b, err := batch.New(ctx, st, fixed(1_700_000_000), cmd, executor.New(cmd))
	require.NoError(t, err)

	require.NoError(t, b.Run(ctx, "a"))

	results, err := st.Results(ctx, b.ID())
	require.NoError(t, err)
	require.Len(t, results, 1)
	r := results[0]
	require.True(t, r.Failed())
	require.NotNil(t, r.Error)
	require.Contains(t, *r.Error, "failed to create child process")
	require.Nil(t, r.Stdout)
	require.Nil(t, r.Stderr)
	require.Nil(t, r.ExitCode)
}

func TestRunOutcomes(t *testing.T) {
	t.Parallel()
	st := open(t)
	ctx := t.Context()
	m := metrics.New()

	outcomes := map[string]runnerFunc{
		"ok":     exitWith(0),
		"exit 2": exitWith(2),
		"signal": func(context.Context, string) (executor.Output, error) {
			return executor.Output{Stdout: []byte{}, Stderr: []byte{}}, nil
		},
		"wait": func(context.Context, string) (executor.Output, error) {
			return executor.Output{}, &executor.Error{Op: executor.OpWait, Err: errors.New("no child processes")}
		},
	}
	exe := runnerFunc(func(ctx context.Context, record string) (executor.Output, error) {
		return outcomes[record](ctx, record)
	})
	b := newBatch(t, st, exe, batch.WithMetrics(m))

	stats, err := b.RunAll(ctx, rowsource.Slice([]string{"ok", "exit 2", "signal", "wait"}))
	require.NoError(t, err)
	require.Equal(t, batch.Stats{Rows: 4, Success: 1, NonZero: 2, Failures: 1}, stats)

	results, err := st.Results(ctx, b.ID())
	require.NoError(t, err)
	require.Len(t, results, 4)
	require.Equal(t, ptr(2), results[1].ExitCode)
	require.Nil(t, results[2].ExitCode)
	require.False(t, results[2].Failed())
	require.Equal(t, ptr("failed to wait for output: no child processes"), results[3].Error)

	require.Equal(t, 1.0, testutil.ToFloat64(m.Results.WithLabelValues(metrics.OutcomeSuccess)))
	require.Equal(t, 2.0, testutil.ToFloat64(m.Results.WithLabelValues(metrics.OutcomeNonZero)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Results.WithLabelValues(metrics.OutcomeFailure)))
}

func TestRunAllOrder(t *testing.T) {
	t.Parallel()
	cat := lookPath(t, "cat")
	st := open(t)
	ctx := t.Context()

	cmd := executor.Command{Path: cat}
	b, err := batch.New(ctx, st, fixed(1_700_000_000), cmd, executor.New(cmd))
	require.NoError(t, err)

	input := make([]string, 20)
	for i := range input {
		input[i] = fmt.Sprintf("r%02d", i)
	}
	_, err = b.RunAll(ctx, rowsource.Slice(input))
	require.NoError(t, err)

	results, err := st.Results(ctx, b.ID())
	require.NoError(t, err)
	require.Len(t, results, len(input))
	for i, r := range results {
		require.Equal(t, input[i], r.Input)
		require.Equal(t, ptr(input[i]), r.Stdout)
	}
}

func TestRunAllRowError(t *testing.T) {
	t.Parallel()
	st := open(t)
	ctx := t.Context()
	b := newBatch(t, st, exitWith(0))

	boom := errors.New("boom")
	rows := func(yield func(string, error) bool) {
		if !yield("a", nil) {
			return
		}
		yield("", boom)
	}
	stats, err := b.RunAll(ctx, rows)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, stats.Rows)

	n, err := st.CountResults(ctx, b.ID())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestRunAllPersistError(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "batch.db")
	st, err := store.Open(t.Context(), path)
	require.NoError(t, err)
	ctx := t.Context()

	var calls atomic.Int32
	exe := runnerFunc(func(ctx context.Context, record string) (executor.Output, error) {
		if calls.Add(1) == 3 {
			require.NoError(t, st.Close())
		}
		return exitWith(0)(ctx, record)
	})
	b := newBatch(t, st, exe)

	stats, err := b.RunAll(ctx, rowsource.Slice([]string{"a", "b", "c", "d"}))
	require.Error(t, err)
	require.Equal(t, 3, stats.Rows)
	require.Equal(t, int32(3), calls.Load())

	// rows stored before the failure stay committed
	st, err = store.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	results, err := st.Results(ctx, b.ID())
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "a", results[0].Input)
	require.Equal(t, "b", results[1].Input)
}

func TestRunPersistErrorMetrics(t *testing.T) {
	t.Parallel()
	st, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "batch.db"))
	require.NoError(t, err)
	m := metrics.New()

	failing := runnerFunc(func(context.Context, string) (executor.Output, error) {
		return executor.Output{}, &executor.Error{Op: executor.OpSpawn, Err: errors.New("boom")}
	})
	ok := newBatch(t, st, exitWith(0), batch.WithMetrics(m))
	failed := batch.WithID(st, ok.ID(), failing, batch.WithMetrics(m))
	require.NoError(t, st.Close())

	require.Error(t, ok.Run(t.Context(), "a"))
	require.Error(t, failed.Run(t.Context(), "b"))

	// outcomes which were not stored are not counted as results
	require.Zero(t, testutil.ToFloat64(m.Results.WithLabelValues(metrics.OutcomeSuccess)))
	require.Zero(t, testutil.ToFloat64(m.Results.WithLabelValues(metrics.OutcomeFailure)))
	require.Equal(t, 2.0, testutil.ToFloat64(m.PersistErrors))
}

func TestRunAllCanceled(t *testing.T) {
	t.Parallel()
	st := open(t)
	b := newBatch(t, st, exitWith(0))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	stats, err := b.RunAll(ctx, rowsource.Slice([]string{"a", "b"}))
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, stats.Rows)
}

func TestRunConcurrent(t *testing.T) {
	t.Parallel()
	st := open(t)
	ctx := t.Context()
	b := newBatch(t, st, exitWith(0))

	const callers, each = 8, 20
	var wg sync.WaitGroup
	errs := make(chan error, callers*each)
	for c := range callers {
		wg.Go(func() {
			for i := range each {
				errs <- b.Run(ctx, fmt.Sprintf("%d-%d", c, i))
			}
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	results, err := st.Results(ctx, b.ID())
	require.NoError(t, err)
	require.Len(t, results, callers*each)
	seen := make(map[string]int)
	for _, r := range results {
		seen[r.Input]++
	}
	require.Len(t, seen, callers*each)
}

func TestClearShow(t *testing.T) {
	t.Parallel()
	st := open(t)
	ctx := t.Context()

	b := batch.WithID(st, 42, exitWith(0))
	require.NoError(t, b.Record(ctx, "cat"))
	for i := range 5 {
		require.NoError(t, b.Run(ctx, fmt.Sprint(i)))
	}

	var first, second bytes.Buffer
	require.NoError(t, batch.Show(ctx, st, 42, &first, "text"))
	require.NoError(t, batch.Show(ctx, st, 42, &second, "text"))
	require.Equal(t, first.String(), second.String())
	require.Contains(t, first.String(), "batch: 42,")
	require.Contains(t, first.String(), "results: 5")

	removed, err := batch.Clear(ctx, st, 42)
	require.NoError(t, err)
	require.Equal(t, int64(5), removed)

	err = batch.Show(ctx, st, 42, &bytes.Buffer{}, "text")
	require.ErrorIs(t, err, store.ErrNotFound)
	n, err := st.CountResults(ctx, 42)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = batch.Clear(ctx, st, 42)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestExport(t *testing.T) {
	t.Parallel()
	st := open(t)
	ctx := t.Context()

	b := batch.WithID(st, 7, exitWith(0))
	require.NoError(t, b.Record(ctx, "cat"))
	require.NoError(t, b.Run(ctx, "a"))

	var buf bytes.Buffer
	require.NoError(t, batch.Export(ctx, st, 7, render.NewWriterSink(&buf), render.FormatCSV))
	require.Contains(t, buf.String(), "batch_id,input,stdout,stderr,exit_code,error\n7,a,a,,0,\n")

	dir := t.TempDir()
	sink, err := render.NewDirSink(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	require.NoError(t, batch.Export(ctx, st, 7, sink, render.FormatJSON))
	matches, err := filepath.Glob(filepath.Join(dir, "iter-7-*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	err = batch.Export(ctx, st, 8, sink, render.FormatJSON)
	require.ErrorIs(t, err, store.ErrNotFound)
}
