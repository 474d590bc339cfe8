// Package batch records the outcome of command executions under one batch id.
package batch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/iter/internal/executor"
	"github.com/CZERTAINLY/iter/internal/log"
	"github.com/CZERTAINLY/iter/internal/metrics"
	"github.com/CZERTAINLY/iter/internal/store"
)

// Clock returns the current time, new batch ids are derived from it.
type Clock func() time.Time

// Runner executes one record. *executor.Executor is the production Runner.
type Runner interface {
	Run(ctx context.Context, record string) (executor.Output, error)
}

type Option func(*Batch)

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Batch) {
		b.metrics = m
	}
}

// Batch is safe for concurrent use.
type Batch struct {
	st      *store.Store
	id      int64
	exe     Runner
	metrics *metrics.Metrics
}

// Stats summarizes the records processed by RunAll.
type Stats struct {
	Rows     int // records read from the source
	Success  int // exit code 0
	NonZero  int // other exit code or killed by a signal
	Failures int // process could not be run
}

// New creates a new batch and records the command line of cmd with it.
func New(ctx context.Context, st *store.Store, clock Clock, cmd executor.Command, exe Runner, opts ...Option) (*Batch, error) {
	if clock == nil {
		clock = time.Now
	}
	b, err := st.CreateBatch(ctx, clock(), cmd.String())
	if err != nil {
		return nil, fmt.Errorf("creating batch: %w", err)
	}
	slog.DebugContext(ctx, "batch created", "batch_id", b.ID, "arguments", b.Arguments)
	return newBatch(st, b.ID, exe, opts), nil
}

// Attach returns the existing batch id. It fails with store.ErrNotFound if
// the batch does not exist, the batch metadata is never written again.
func Attach(ctx context.Context, st *store.Store, id int64, exe Runner, opts ...Option) (*Batch, error) {
	if _, err := st.GetBatch(ctx, id); err != nil {
		return nil, err
	}
	return newBatch(st, id, exe, opts), nil
}

// WithID returns a batch with a caller chosen id, which Record must persist
// before the first Run.
func WithID(st *store.Store, id int64, exe Runner, opts ...Option) *Batch {
	return newBatch(st, id, exe, opts)
}

func newBatch(st *store.Store, id int64, exe Runner, opts []Option) *Batch {
	b := &Batch{st: st, id: id, exe: exe}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Batch) ID() int64 {
	return b.id
}

// Record persists the command line text of the batch. It can succeed only
// once per id, the next call returns store.ErrBatchExists.
func (b *Batch) Record(ctx context.Context, text string) error {
	return b.st.InsertBatch(ctx, b.id, text)
}

// Run executes record and stores the outcome. A record which could not be
// executed is stored as a failure and Run returns nil. Only a failure to
// store the outcome is returned.
func (b *Batch) Run(ctx context.Context, record string) error {
	_, err := b.run(ctx, record)
	return err
}

func (b *Batch) run(ctx context.Context, record string) (string, error) {
	ctx = log.ContextAttrs(ctx, slog.Int64("batch_id", b.id))

	out, err := b.exe.Run(ctx, record)
	// the outcome is known, store it even if ctx has just been canceled
	pctx := context.WithoutCancel(ctx)
	if err != nil {
		slog.WarnContext(ctx, "execution failed", "input", record, "error", err)
		if perr := b.st.InsertFailure(pctx, b.id, record, err.Error()); perr != nil {
			b.metrics.PersistError()
			return metrics.OutcomeFailure, fmt.Errorf("batch %d: storing failure: %w", b.id, perr)
		}
		b.metrics.Result(metrics.OutcomeFailure, 0)
		return metrics.OutcomeFailure, nil
	}

	outcome := metrics.OutcomeSuccess
	if !out.Success() {
		outcome = metrics.OutcomeNonZero
	}
	if perr := b.st.InsertSuccess(pctx, b.id, record, out.Stdout, out.Stderr, out.ExitCode); perr != nil {
		b.metrics.PersistError()
		return outcome, fmt.Errorf("batch %d: storing result: %w", b.id, perr)
	}
	b.metrics.Result(outcome, out.Stopped.Sub(out.Started))
	return outcome, nil
}

// RunAll runs every record of rows one after another, so results are stored
// in the order of rows. The first error of rows or of storing a result stops
// processing, results stored so far are kept.
func (b *Batch) RunAll(ctx context.Context, rows iter.Seq2[string, error]) (Stats, error) {
	var stats Stats
	for row, err := range rows {
		if err != nil {
			return stats, fmt.Errorf("reading rows: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Rows++
		outcome, err := b.run(ctx, row)
		switch outcome {
		case metrics.OutcomeSuccess:
			stats.Success++
		case metrics.OutcomeNonZero:
			stats.NonZero++
		case metrics.OutcomeFailure:
			stats.Failures++
		}
		if err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// IsNotFound reports whether err means a missing batch.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
