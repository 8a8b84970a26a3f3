package ledger

import (
	"context"
	"database/sql"
)

// Counters live in their own table and are exposed only through increment
// operations; callers never read-modify-write them.

const commissionCounter = "commission_accrued"

func nextCounter(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `INSERT INTO counters(name,value) VALUES (?,1)
ON CONFLICT(name) DO UPDATE SET value=value+1`, name); err != nil {
		return 0, err
	}
	var value int64
	err := tx.QueryRowContext(ctx, `SELECT value FROM counters WHERE name=?`, name).Scan(&value)
	return value, err
}

// NextJobSequence increments and returns the job sequence for an origin
// domain. Sequences are per-domain so ids stay unique without central
// coordination.
func (s Store) NextJobSequence(ctx context.Context, tx *sql.Tx, originDomain string) (int64, error) {
	return nextCounter(ctx, tx, "job_seq:"+originDomain)
}

// NextApplicationSequence increments and returns the 1-based application
// sequence scoped to a job.
func (s Store) NextApplicationSequence(ctx context.Context, tx *sql.Tx, jobID string) (int64, error) {
	return nextCounter(ctx, tx, "app_seq:"+jobID)
}

// AddCommission accrues platform commission. The increment is a single
// statement so concurrent releases across jobs never lose an update.
func (s Store) AddCommission(ctx context.Context, tx *sql.Tx, amount int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO counters(name,value) VALUES (?,?)
ON CONFLICT(name) DO UPDATE SET value=value+excluded.value`, commissionCounter, amount)
	return err
}

// CommissionAccrued returns the lifetime commission total.
func (s Store) CommissionAccrued(ctx context.Context) (int64, error) {
	var value int64
	err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(value,0) FROM counters WHERE name=?`, commissionCounter).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return value, err
}
