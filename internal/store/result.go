package store

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strings"
)

// Result is one RESULT row. Either Error is set, or Stdout and Stderr are.
type Result struct {
	Seq      int64 // rowid, storage order
	BatchID  int64
	Input    string
	Stdout   *string
	Stderr   *string
	ExitCode *int
	Error    *string
}

func (r Result) Failed() bool {
	return r.Error != nil
}

func (r Result) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "input: %q", r.Input)
	if r.Error != nil {
		fmt.Fprintf(&sb, ", error: %q", *r.Error)
		return sb.String()
	}
	if r.ExitCode != nil {
		fmt.Fprintf(&sb, ", exit_code: %d", *r.ExitCode)
	} else {
		sb.WriteString(", exit_code: nil")
	}
	fmt.Fprintf(&sb, ", stdout: %q, stderr: %q", deref(r.Stdout), deref(r.Stderr))
	return sb.String()
}

// InsertSuccess records a finished process. exitCode is nil for a process
// terminated by a signal.
func (s *Store) InsertSuccess(ctx context.Context, batchID int64, input string, stdout, stderr []byte, exitCode *int) error {
	var code sql.NullInt64
	if exitCode != nil {
		code = sql.NullInt64{Int64: int64(*exitCode), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO RESULT (batch_id, input, stdout, stderr, exit_code, error) VALUES (?,?,?,?,?,NULL);`,
		batchID, input, string(stdout), string(stderr), code,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return nil
}

// InsertFailure records an invocation which could not be completed.
func (s *Store) InsertFailure(ctx context.Context, batchID int64, input, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO RESULT (batch_id, input, stdout, stderr, exit_code, error) VALUES (?,?,NULL,NULL,NULL,?);`,
		batchID, input, message,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return nil
}

func (s *Store) CountResults(ctx context.Context, batchID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM RESULT WHERE batch_id=?`, batchID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("executing sql query failed: %w", err)
	}
	return n, nil
}

// Results returns all results of a batch in storage order.
func (s *Store) Results(ctx context.Context, batchID int64) ([]Result, error) {
	var ret []Result
	for r, err := range s.ResultsSeq(ctx, batchID) {
		if err != nil {
			return nil, err
		}
		ret = append(ret, r)
	}
	return ret, nil
}

// ResultsSeq iterates the results of a batch in storage order. An error ends
// the iteration. The connection is held until the iteration ends, so no other
// statement may run on the store from inside the loop.
func (s *Store) ResultsSeq(ctx context.Context, batchID int64) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT rowid, batch_id, input, stdout, stderr, exit_code, error
			FROM RESULT WHERE batch_id=? ORDER BY rowid`, batchID)
		if err != nil {
			yield(Result{}, fmt.Errorf("executing sql query failed: %w", err))
			return
		}
		defer func() {
			_ = rows.Close()
		}()

		for rows.Next() {
			var (
				r        Result
				exitCode sql.NullInt64
			)
			err := rows.Scan(&r.Seq, &r.BatchID, &r.Input, &r.Stdout, &r.Stderr, &exitCode, &r.Error)
			if err != nil {
				yield(Result{}, fmt.Errorf("scanning result: %w", err))
				return
			}
			if exitCode.Valid {
				code := int(exitCode.Int64)
				r.ExitCode = &code
			}
			if !yield(r, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Result{}, fmt.Errorf("iterating results: %w", err))
		}
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
