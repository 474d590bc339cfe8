package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Batch struct {
	ID        int64
	Arguments string
}

// Created returns the creation time encoded in the batch id.
func (b Batch) Created() time.Time {
	return time.Unix(b.ID, 0).UTC()
}

type BatchSummary struct {
	Batch
	Results  int64
	Failures int64
}

func (s BatchSummary) Successes() int64 {
	return s.Results - s.Failures
}

// CreateBatch inserts a new batch. Its id is the Unix time of now, or one more
// than the newest existing id if that is not in the past, so ids never collide.
func (s *Store) CreateBatch(ctx context.Context, now time.Time, arguments string) (Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Batch{}, err
	}
	defer s.rollback(ctx, tx, 0)

	var newest sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM BATCH`).Scan(&newest)
	if err != nil {
		return Batch{}, fmt.Errorf("executing sql query failed: %w", err)
	}

	id := now.Unix()
	if newest.Valid && newest.Int64 >= id {
		id = newest.Int64 + 1
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO BATCH (timestamp, arguments) VALUES (?,?);`, id, arguments,
	)
	if err != nil {
		return Batch{}, fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Batch{}, fmt.Errorf("committing transaction failed: %w", err)
	}
	return Batch{ID: id, Arguments: arguments}, nil
}

// InsertBatch inserts a batch with a caller provided id.
// Returns ErrBatchExists if the id is already used.
func (s *Store) InsertBatch(ctx context.Context, id int64, arguments string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer s.rollback(ctx, tx, id)

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM BATCH WHERE timestamp=?`, id).Scan(&one)
	switch {
	case err == nil:
		return fmt.Errorf("batch %d: %w", id, ErrBatchExists)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO BATCH (timestamp, arguments) VALUES (?,?);`, id, arguments,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// GetBatch returns the batch identified by id or ErrNotFound.
func (s *Store) GetBatch(ctx context.Context, id int64) (Batch, error) {
	b := Batch{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT arguments FROM BATCH WHERE timestamp=?`, id,
	).Scan(&b.Arguments)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Batch{}, fmt.Errorf("batch %d: %w", id, ErrNotFound)
	case err != nil:
		return Batch{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return b, nil
}

// ListBatches returns all batches, oldest first, with their result counters.
func (s *Store) ListBatches(ctx context.Context) ([]BatchSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.timestamp, b.arguments,
			COUNT(r.batch_id),
			COALESCE(SUM(CASE WHEN r.error IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM BATCH b LEFT JOIN RESULT r ON r.batch_id = b.timestamp
		GROUP BY b.timestamp, b.arguments
		ORDER BY b.timestamp`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []BatchSummary
	for rows.Next() {
		var b BatchSummary
		if err := rows.Scan(&b.ID, &b.Arguments, &b.Results, &b.Failures); err != nil {
			return nil, fmt.Errorf("scanning batch: %w", err)
		}
		ret = append(ret, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating batches: %w", err)
	}
	return ret, nil
}

// Delete removes the batch and all its results in one transaction and returns
// the number of results removed. Returns ErrNotFound if the batch does not
// exist, in which case nothing is deleted.
func (s *Store) Delete(ctx context.Context, id int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer s.rollback(ctx, tx, id)

	result, err := tx.ExecContext(ctx, `DELETE FROM BATCH WHERE timestamp=?`, id)
	if err != nil {
		return 0, fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return 0, fmt.Errorf("batch %d: %w", id, ErrNotFound)
	}

	result, err = tx.ExecContext(ctx, `DELETE FROM RESULT WHERE batch_id=?`, id)
	if err != nil {
		return 0, fmt.Errorf("executing sql delete failed: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fetching affected rows failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction failed: %w", err)
	}
	return removed, nil
}
