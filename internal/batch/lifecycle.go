package batch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/CZERTAINLY/iter/internal/render"
	"github.com/CZERTAINLY/iter/internal/store"
)

// Clear deletes batch id with all its results and returns the number of
// results removed.
func Clear(ctx context.Context, st *store.Store, id int64) (int64, error) {
	removed, err := st.Delete(ctx, id)
	if err != nil {
		return 0, err
	}
	slog.InfoContext(ctx, "batch cleared", "batch_id", id, "results", removed)
	return removed, nil
}

// Show writes the header of batch id followed by its results in storage order.
func Show(ctx context.Context, st *store.Store, id int64, w io.Writer, format render.Format) error {
	b, err := st.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	n, err := st.CountResults(ctx, id)
	if err != nil {
		return err
	}
	if err := render.Write(w, format, render.NewHeader(b, n), st.ResultsSeq(ctx, id)); err != nil {
		return fmt.Errorf("batch %d: rendering: %w", id, err)
	}
	return nil
}

// Export renders batch id like Show and hands it to sink.
func Export(ctx context.Context, st *store.Store, id int64, sink render.Sink, format render.Format) error {
	var buf bytes.Buffer
	if err := Show(ctx, st, id, &buf, format); err != nil {
		return err
	}
	return sink.Save(ctx, id, format, buf.Bytes())
}
