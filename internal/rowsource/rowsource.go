// Package rowsource provides the input records of batch mode.
//
// Every source is a single pass iter.Seq2[string, error]. An error ends the
// sequence.
package rowsource

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidTable = errors.New("invalid table name")

// Table yields every row of table in db as one CSV line, values in column order.
// NULL becomes an empty field.
func Table(ctx context.Context, db *sql.DB, table string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if strings.TrimSpace(table) == "" {
			yield("", ErrInvalidTable)
			return
		}
		rows, err := db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(table))
		if err != nil {
			yield("", fmt.Errorf("selecting from %s: %w", table, err))
			return
		}
		defer func() {
			_ = rows.Close()
		}()

		cols, err := rows.Columns()
		if err != nil {
			yield("", fmt.Errorf("reading columns of %s: %w", table, err))
			return
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}

		for rows.Next() {
			if err := rows.Scan(ptrs...); err != nil {
				yield("", fmt.Errorf("scanning row of %s: %w", table, err))
				return
			}
			line, err := csvLine(values)
			if !yield(line, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield("", fmt.Errorf("iterating %s: %w", table, err))
		}
	}
}

// Lines yields the lines of r without their line endings. A last line
// without a newline is yielded too.
func Lines(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		br := bufio.NewReader(r)
		for {
			line, err := ReadLine(br)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(line, err) || err != nil {
				return
			}
		}
	}
}

// Slice yields rows, it's handy for callers holding rows in memory.
func Slice(rows []string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, row := range rows {
			if !yield(row, nil) {
				return
			}
		}
	}
}

// ReadLine reads one line of any length and strips "\n" or "\r\n".
// It returns io.EOF only if there is nothing left to read.
func ReadLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	switch {
	case err == nil:
	case errors.Is(err, io.EOF) && line != "":
		err = nil
	default:
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

func csvLine(values []any) (string, error) {
	fields := make([]string, len(values))
	for i, v := range values {
		fields[i] = format(v)
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(fields); err != nil {
		return "", err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
