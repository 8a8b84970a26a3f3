package ledger

import (
	"context"
	"database/sql"
	"time"

	"jobline/internal/domain"
)

const transferColumns = `id,COALESCE(job_id,''),COALESCE(milestone,0),recipient,gross,commission,net,dest_domain,COALESCE(dest_address,''),dispatch_id,status,COALESCE(reason,''),created_at,updated_at`

func scanTransfer(row rowScanner) (domain.Transfer, error) {
	var t domain.Transfer
	var dispatchID sql.NullString
	err := row.Scan(&t.ID, &t.JobID, &t.Milestone, &t.Recipient, &t.Gross, &t.Commission, &t.Net,
		&t.DestDomain, &t.DestAddress, &dispatchID, &t.Status, &t.Reason, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if dispatchID.Valid {
		t.DispatchID = &dispatchID.String
	}
	return t, err
}

// InsertTransfer records a settlement dispatch inside the release
// transaction, before the dispatch itself is attempted.
func (s Store) InsertTransfer(ctx context.Context, tx *sql.Tx, t domain.Transfer) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO transfers(id,job_id,milestone,recipient,gross,commission,net,dest_domain,dest_address,dispatch_id,status,reason,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, nullable(t.JobID), nullableInt(t.Milestone), t.Recipient, t.Gross, t.Commission, t.Net,
		t.DestDomain, nullable(t.DestAddress), t.DispatchID, t.Status, nullable(t.Reason), t.CreatedAt, t.UpdatedAt)
	return err
}

// MarkTransfer updates dispatch outcome after the release transaction has
// committed, so it writes directly rather than through a caller transaction.
func (s Store) MarkTransfer(ctx context.Context, id, status string, dispatchID *string, reason string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE transfers SET status=?,dispatch_id=?,reason=?,updated_at=? WHERE id=?`,
		status, dispatchID, nullable(reason), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s Store) GetTransfer(ctx context.Context, id string) (domain.Transfer, error) {
	return scanTransfer(s.DB.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id=?`, id))
}

func (s Store) ListTransfers(ctx context.Context, status string) ([]domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var transfers []domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
