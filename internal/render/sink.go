package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// Sink receives a rendered batch.
type Sink interface {
	Save(ctx context.Context, id int64, f Format, raw []byte) error
}

type WriterSink struct {
	w io.Writer
}

func NewWriterSink(w io.Writer) WriterSink {
	return WriterSink{w: w}
}

func (s WriterSink) Save(_ context.Context, _ int64, _ Format, raw []byte) error {
	if s.w == nil {
		s.w = os.Stdout
	}
	_, err := s.w.Write(raw)
	return err
}

// DirSink stores every export as a new file inside a directory. Paths never
// escape the directory.
type DirSink struct {
	root *os.Root
	now  func() time.Time
}

func NewDirSink(path string) (*DirSink, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &DirSink{root: root, now: time.Now}, nil
}

// FileName returns the name of an export of batch id created at t.
func FileName(id int64, f Format, t time.Time) string {
	return fmt.Sprintf("iter-%d-%s.%s", id, t.UTC().Format("2006-01-02-15-04-05"), f.Ext())
}

func (s *DirSink) Save(ctx context.Context, id int64, format Format, raw []byte) error {
	if s.root == nil {
		return errors.New("sink already closed")
	}

	path := FileName(id, format, s.now())
	f, err := s.root.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating export: %w", err)
	}
	_, err = f.Write(raw)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving export: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing export: %w", err)
	}
	slog.InfoContext(ctx, "export saved", "dir", s.root.Name(), "path", path)
	return nil
}

func (s *DirSink) Close() error {
	if s.root == nil {
		return errors.New("sink already closed")
	}
	err := s.root.Close()
	s.root = nil
	return err
}
