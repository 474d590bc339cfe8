// Package dispatch feeds lines of a stream to a fixed pool of workers.
//
// One producer reads lines and pushes them to a bounded relay. When the relay
// is full the producer blocks, so reading never runs more than the relay
// capacity ahead of the workers. Workers race for lines, the order in which
// lines are handled is not defined. Every line read is handled exactly once.
package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/CZERTAINLY/iter/internal/log"
	"github.com/CZERTAINLY/iter/internal/metrics"
	"github.com/CZERTAINLY/iter/internal/rowsource"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultWorkers = 4
	DefaultRelay   = 4
)

// Handler processes one line. An error is logged and counted, it does not
// stop the dispatcher.
type Handler func(ctx context.Context, line string) error

type Option func(*Dispatcher)

// WithWorkers sets the number of workers, values below one are ignored.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithRelay sets the relay capacity, values below one are ignored.
func WithRelay(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.relay = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

type Dispatcher struct {
	handler Handler
	workers int
	relay   int
	metrics *metrics.Metrics
}

type Stats struct {
	Read    int64
	Handled int64
	Failed  int64
}

func New(handler Handler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handler: handler,
		workers: DefaultWorkers,
		relay:   DefaultRelay,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do reads r until EOF and returns once every line read has been handled.
//
// A canceled ctx stops reading. Lines already read are still handled, with a
// context which is not canceled, and Do returns the ctx error. A read error
// is returned the same way.
func (d *Dispatcher) Do(ctx context.Context, r io.Reader) (Stats, error) {
	var (
		read    atomic.Int64
		handled atomic.Int64
		failed  atomic.Int64
	)
	relay := make(chan string, d.relay)

	var g errgroup.Group
	g.Go(func() error {
		defer close(relay)
		br := bufio.NewReader(r)
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			line, err := rowsource.ReadLine(br)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				if cerr := ctx.Err(); cerr != nil {
					return cerr
				}
				return fmt.Errorf("reading input: %w", err)
			}
			read.Add(1)
			d.metrics.LineRead()

			select {
			case relay <- line:
				d.metrics.SetRelayDepth(len(relay))
			case <-ctx.Done():
				// the line has been read, hand it over anyway
				relay <- line
				return ctx.Err()
			}
		}
	})

	for n := range d.workers {
		g.Go(func() error {
			wctx := log.ContextAttrs(context.WithoutCancel(ctx), slog.Int("worker", n))
			for line := range relay {
				d.metrics.SetRelayDepth(len(relay))
				d.metrics.WorkerBusy(1)
				err := d.handler(wctx, line)
				d.metrics.WorkerBusy(-1)
				if err != nil {
					failed.Add(1)
					slog.ErrorContext(wctx, "handling line failed", "line", line, "error", err)
					continue
				}
				handled.Add(1)
			}
			slog.DebugContext(wctx, "worker done")
			return nil
		})
	}

	err := g.Wait()
	return Stats{
		Read:    read.Load(),
		Handled: handled.Load(),
		Failed:  failed.Load(),
	}, err
}
