// Package render writes a batch and its results in a human or machine
// readable format.
//
// Results written by a monitor session are stored in completion order, not in
// input order. Every format says so in its header.
package render

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"time"

	"github.com/CZERTAINLY/iter/internal/store"

	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatCSV  Format = "csv"
)

// Ordering is the data contract of the result order.
const Ordering = "storage order; rows written by a monitor session are unordered"

var ErrUnknownFormat = errors.New("unknown format")

func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case "":
		return FormatText, nil
	case FormatText, FormatJSON, FormatYAML, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("%w %q: possible values (text,json,yaml,csv)", ErrUnknownFormat, s)
	}
}

// Ext returns the file extension of the format.
func (f Format) Ext() string {
	if f == FormatText {
		return "txt"
	}
	return string(f)
}

type Header struct {
	ID        int64     `json:"id" yaml:"id"`
	Arguments string    `json:"arguments" yaml:"arguments"`
	Created   time.Time `json:"created" yaml:"created"`
	Results   int64     `json:"results" yaml:"results"`
	Ordering  string    `json:"ordering" yaml:"ordering"`
}

func NewHeader(b store.Batch, results int64) Header {
	return Header{
		ID:        b.ID,
		Arguments: b.Arguments,
		Created:   b.Created(),
		Results:   results,
		Ordering:  Ordering,
	}
}

// Row is the exported shape of a store.Result.
type Row struct {
	Input    string  `json:"input" yaml:"input"`
	Stdout   *string `json:"stdout" yaml:"stdout"`
	Stderr   *string `json:"stderr" yaml:"stderr"`
	ExitCode *int    `json:"exit_code" yaml:"exit_code"`
	Error    *string `json:"error" yaml:"error"`
}

func rowOf(r store.Result) Row {
	return Row{
		Input:    r.Input,
		Stdout:   r.Stdout,
		Stderr:   r.Stderr,
		ExitCode: r.ExitCode,
		Error:    r.Error,
	}
}

type document struct {
	Batch   Header `json:"batch" yaml:"batch"`
	Results []Row  `json:"results" yaml:"results"`
}

// Write renders the header followed by every result of results.
func Write(w io.Writer, f Format, h Header, results iter.Seq2[store.Result, error]) error {
	switch f {
	case FormatText, "":
		return writeText(w, h, results)
	case FormatCSV:
		return writeCSV(w, h, results)
	case FormatJSON, FormatYAML:
		doc := document{Batch: h, Results: []Row{}}
		for r, err := range results {
			if err != nil {
				return err
			}
			doc.Results = append(doc.Results, rowOf(r))
		}
		if f == FormatJSON {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(doc)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("%w %q", ErrUnknownFormat, string(f))
	}
}

func writeText(w io.Writer, h Header, results iter.Seq2[store.Result, error]) error {
	_, err := fmt.Fprintf(w, "batch: %d, created: %s, arguments: %q, results: %d (%s)\n",
		h.ID, h.Created.Format(time.RFC3339), h.Arguments, h.Results, h.Ordering)
	if err != nil {
		return err
	}
	for r, err := range results {
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, r.String()); err != nil {
			return err
		}
	}
	return nil
}

var csvColumns = []string{"batch_id", "input", "stdout", "stderr", "exit_code", "error"}

func writeCSV(w io.Writer, h Header, results iter.Seq2[store.Result, error]) error {
	_, err := fmt.Fprintf(w, "# batch: %d, created: %s, arguments: %q, results: %d (%s)\n",
		h.ID, h.Created.Format(time.RFC3339), h.Arguments, h.Results, h.Ordering)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(csvColumns); err != nil {
		return err
	}
	for r, err := range results {
		if err != nil {
			return err
		}
		var exitCode string
		if r.ExitCode != nil {
			exitCode = strconv.Itoa(*r.ExitCode)
		}
		record := []string{
			strconv.FormatInt(r.BatchID, 10),
			r.Input,
			str(r.Stdout),
			str(r.Stderr),
			exitCode,
			str(r.Error),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
