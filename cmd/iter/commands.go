package main

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"runtime/debug"
	"text/tabwriter"
	"time"

	"github.com/CZERTAINLY/iter/internal/batch"
	"github.com/CZERTAINLY/iter/internal/dispatch"
	"github.com/CZERTAINLY/iter/internal/executor"
	"github.com/CZERTAINLY/iter/internal/log"
	"github.com/CZERTAINLY/iter/internal/metrics"
	"github.com/CZERTAINLY/iter/internal/model"
	"github.com/CZERTAINLY/iter/internal/render"
	"github.com/CZERTAINLY/iter/internal/rowsource"
	"github.com/CZERTAINLY/iter/internal/store"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func (a *app) newCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new <program> [args...]",
		Short: "Creates a new batch and prints its id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore(ctx, st)

			command, err := a.command(cmd, args)
			if err != nil {
				return err
			}
			b, err := batch.New(ctx, st, a.clock, command, executor.New(command))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.stdout, b.ID())
			return err
		},
	}
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func (a *app) runCmd() *cobra.Command {
	var (
		table   string
		source  string
		file    string
		batchID int64
	)
	cmd := &cobra.Command{
		Use:   "run (--table <table> --source <db> | --file <path>) [--batch <id>] <program> [args...]",
		Short: "Runs program for every row of a table or every line of a file, one after another",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if (table == "") == (file == "") {
				return errors.New("exactly one of --table or --file is required")
			}
			if table != "" && source == "" {
				return errors.New("--table requires --source")
			}

			command, err := a.command(cmd, args)
			if err != nil {
				return err
			}

			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore(ctx, st)

			rows, closeRows, err := a.openRows(ctx, table, source, file)
			if err != nil {
				return err
			}
			defer closeRows()

			exe := executor.New(command)
			var b *batch.Batch
			if cmd.Flags().Changed("batch") {
				b, err = batch.Attach(ctx, st, batchID, exe)
				if batch.IsNotFound(err) {
					b = batch.WithID(st, batchID, exe)
					err = b.Record(ctx, command.String())
				}
			} else {
				b, err = batch.New(ctx, st, a.clock, command, exe)
			}
			if err != nil {
				return err
			}
			ctx = log.ContextAttrs(ctx, slog.Int64("batch_id", b.ID()))

			stats, err := b.RunAll(ctx, rows)
			_, _ = fmt.Fprintf(a.stdout, "batch %d: rows %d, success %d, nonzero %d, failures %d\n",
				b.ID(), stats.Rows, stats.Success, stats.NonZero, stats.Failures)
			if err != nil {
				return fmt.Errorf("batch %d: %w", b.ID(), err)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&table, "table", "", "table whose rows are the input records, every row as one CSV line")
	f.StringVar(&source, "source", "", "SQLite database holding --table")
	f.StringVar(&file, "file", "", "file whose lines are the input records, - for stdin")
	f.Int64Var(&batchID, "batch", 0, "append to batch id, created if it does not exist")
	a.timeoutFlag(cmd)
	f.SetInterspersed(false)
	return cmd
}

func (a *app) openRows(ctx context.Context, table, source, file string) (iter.Seq2[string, error], func(), error) {
	if table != "" {
		db, err := rowsource.OpenDB(ctx, source)
		if err != nil {
			return nil, nil, err
		}
		return rowsource.Table(ctx, db, table), func() { _ = db.Close() }, nil
	}
	if file == "-" {
		return rowsource.Lines(a.stdin), func() {}, nil
	}
	f, err := os.Open(file)
	if err != nil {
		return nil, nil, fmt.Errorf("opening input file: %w", err)
	}
	return rowsource.Lines(f), func() { _ = f.Close() }, nil
}

func (a *app) monitorCmd() *cobra.Command {
	var create bool
	cmd := &cobra.Command{
		Use:   "monitor (--new | <id>) <program> [args...]",
		Short: "Runs program for every line of standard input with a pool of workers",
		Long: `Runs program for every line of standard input with a pool of workers.

Results are stored as workers finish, so their order does not follow the input.
Without --new the batch <id> must exist.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			id := int64(-1)
			if !create {
				var err error
				if id, err = parseID(args[0]); err != nil {
					return err
				}
				args = args[1:]
				if len(args) == 0 {
					return errors.New("missing program")
				}
			}

			settings, err := a.monitorSettings()
			if err != nil {
				return err
			}
			command, err := a.command(cmd, args)
			if err != nil {
				return err
			}

			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore(ctx, st)

			m := metrics.New()
			exe := executor.New(command)
			var b *batch.Batch
			if create {
				b, err = batch.New(ctx, st, a.clock, command, exe, batch.WithMetrics(m))
			} else {
				b, err = batch.Attach(ctx, st, id, exe, batch.WithMetrics(m))
			}
			if err != nil {
				return err
			}
			ctx = log.ContextAttrs(ctx, slog.Int64("batch_id", b.ID()))
			if create {
				_, _ = fmt.Fprintln(a.stdout, b.ID())
			}

			return a.monitor(ctx, b, m, settings)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&create, "new", false, "create a new batch and print its id")
	f.Int("workers", model.DefaultWorkers, "number of workers")
	f.Int("relay", model.DefaultRelay, "number of lines read ahead of the workers")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")
	a.bind(f.Lookup("workers"), f.Lookup("relay"), f.Lookup("metrics-addr"))
	a.timeoutFlag(cmd)
	f.SetInterspersed(false)
	return cmd
}

type monitorSettings struct {
	workers int
	relay   int
	addr    string
}

// monitorSettings resolves the monitor flags and ITER_* variables over the
// config. Flags and variables get the bounds the config schema enforces.
func (a *app) monitorSettings() (monitorSettings, error) {
	s := monitorSettings{
		workers: a.config.Workers(),
		relay:   a.config.Relay(),
		addr:    a.config.MetricsAddr(),
	}
	if a.v.IsSet("workers") {
		s.workers = a.v.GetInt("workers")
		if s.workers < 1 || s.workers > model.MaxWorkers {
			return s, fmt.Errorf("invalid --workers %d: must be between 1 and %d", s.workers, model.MaxWorkers)
		}
	}
	if a.v.IsSet("relay") {
		s.relay = a.v.GetInt("relay")
		if s.relay < 1 || s.relay > model.MaxRelay {
			return s, fmt.Errorf("invalid --relay %d: must be between 1 and %d", s.relay, model.MaxRelay)
		}
	}
	if a.v.IsSet("metrics-addr") {
		s.addr = a.v.GetString("metrics-addr")
	}
	return s, nil
}

func (a *app) monitor(ctx context.Context, b *batch.Batch, m *metrics.Metrics, s monitorSettings) error {
	workers, relay, addr := s.workers, s.relay, s.addr

	// unblock the read of stdin on a signal
	stop := context.AfterFunc(ctx, func() {
		if c, ok := a.stdin.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	})
	defer stop()

	mctx, cancel := context.WithCancel(ctx)
	var g errgroup.Group
	if addr != "" {
		g.Go(func() error {
			return m.Serve(mctx, addr)
		})
	}

	d := dispatch.New(b.Run,
		dispatch.WithWorkers(workers),
		dispatch.WithRelay(relay),
		dispatch.WithMetrics(m),
	)
	slog.InfoContext(ctx, "monitor started", "workers", workers, "relay", relay)
	stats, err := d.Do(ctx, a.stdin)
	cancel()
	if merr := g.Wait(); merr != nil {
		slog.ErrorContext(ctx, "serving metrics failed", "error", merr)
	}

	_, _ = fmt.Fprintf(a.stdout, "batch %d: read %d, handled %d, failed %d\n",
		b.ID(), stats.Read, stats.Handled, stats.Failed)
	if errors.Is(err, context.Canceled) {
		slog.InfoContext(ctx, "monitor interrupted")
		return nil
	}
	return err
}

func (a *app) clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <id>",
		Short: "Deletes a batch with all its results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore(ctx, st)

			removed, err := batch.Clear(ctx, st, id)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(a.stdout, "batch %d: cleared, %d results removed\n", id, removed)
			return err
		},
	}
}

func (a *app) showCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Prints a batch and its results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			f, err := render.ParseFormat(format)
			if err != nil {
				return err
			}
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore(ctx, st)

			return batch.Show(ctx, st, id, a.stdout, f)
		},
	}
	cmd.Flags().StringVar(&format, "format", string(render.FormatText), "output format: text, json, yaml or csv")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var (
		format string
		dir    string
	)
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Exports a batch and its results to standard output or a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			f, err := render.ParseFormat(format)
			if err != nil {
				return err
			}
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore(ctx, st)

			if dir == "" {
				return batch.Export(ctx, st, id, render.NewWriterSink(a.stdout), f)
			}
			sink, err := render.NewDirSink(dir)
			if err != nil {
				return err
			}
			defer func() {
				_ = sink.Close()
			}()
			return batch.Export(ctx, st, id, sink, f)
		},
	}
	cmd.Flags().StringVar(&format, "format", string(render.FormatCSV), "output format: text, json, yaml or csv")
	cmd.Flags().StringVar(&dir, "dir", "", "directory to store the export in, standard output if empty")
	return cmd
}

func (a *app) lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "Lists all batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore(ctx, st)

			list, err := st.ListBatches(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tCREATED\tRESULTS\tSUCCESS\tFAILED\tARGUMENTS")
			for _, b := range list {
				_, _ = fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%s\n",
					b.ID, b.Created().Format(time.RFC3339), b.Results, b.Successes(), b.Failures, b.Arguments)
			}
			return tw.Flush()
		},
	}
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "version provide version of an iter",
		Run: func(cmd *cobra.Command, args []string) {
			w := a.stdout
			info, ok := debug.ReadBuildInfo()
			if !ok {
				_, _ = fmt.Fprintln(w, "iter: version info not available")
				return
			}

			if a.configPath != "" {
				_, _ = fmt.Fprintf(w, "config: %s\n", a.configPath)
			}
			_, _ = fmt.Fprintf(w, "iter:   %s\n", info.Main.Version)
			_, _ = fmt.Fprintf(w, "go:     %s\n", info.GoVersion)
			for _, s := range info.Settings {
				switch s.Key {
				case "vcs.revision":
					_, _ = fmt.Fprintf(w, "commit: %s\n", s.Value)
				case "vcs.time":
					_, _ = fmt.Fprintf(w, "date:   %s\n", s.Value)
				case "vcs.modified":
					_, _ = fmt.Fprintf(w, "dirty:  %s\n", s.Value)
				}
			}
		},
	}
}

// timeoutFlag adds --timeout, overriding command.timeout of the config.
func (a *app) timeoutFlag(cmd *cobra.Command) {
	cmd.Flags().String("timeout", "", "kill a command running longer than this, e.g. 30s (default no timeout)")
}

// command builds the executed command from args and the config.
func (a *app) command(cmd *cobra.Command, args []string) (executor.Command, error) {
	var timeout string
	if f := cmd.Flags().Lookup("timeout"); f != nil && f.Changed {
		timeout = f.Value.String()
	} else if a.v.IsSet("timeout") {
		timeout = a.v.GetString("timeout")
	}
	if timeout != "" {
		if a.config.Command == nil {
			a.config.Command = &model.Command{}
		}
		a.config.Command.Timeout = ptr(timeout)
	}
	d, err := a.config.Timeout()
	if err != nil {
		return executor.Command{}, err
	}
	return executor.Command{
		Path:    args[0],
		Args:    args[1:],
		Env:     a.config.Env(),
		Timeout: d,
	}, nil
}

func closeStore(ctx context.Context, st *store.Store) {
	if err := st.Close(); err != nil {
		slog.WarnContext(ctx, "closing database failed", "path", st.Path(), "error", err)
	}
}
