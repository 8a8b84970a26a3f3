// Package ledger is the durable store for job, application, milestone and
// transfer records. It carries no business rules: callers validate state
// before writing, the store only guarantees atomic per-record updates.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"jobline/internal/domain"
)

type Store struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const jobColumns = `id,creator,COALESCE(detail_ref,''),status,milestones_json,COALESCE(final_milestones_json,''),current_milestone,current_locked_amount,total_paid,selected_applicant,origin_domain,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var milestones, finalMilestones string
	var selected sql.NullString
	err := row.Scan(&j.ID, &j.Creator, &j.DetailRef, &j.Status, &milestones, &finalMilestones,
		&j.CurrentMilestone, &j.CurrentLockedAmount, &j.TotalPaid, &selected, &j.OriginDomain, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if err := json.Unmarshal([]byte(milestones), &j.Milestones); err != nil {
		return j, fmt.Errorf("decode milestones for job %s: %w", j.ID, err)
	}
	if finalMilestones != "" {
		if err := json.Unmarshal([]byte(finalMilestones), &j.FinalMilestones); err != nil {
			return j, fmt.Errorf("decode final milestones for job %s: %w", j.ID, err)
		}
	}
	if selected.Valid {
		j.SelectedApplicant = &selected.String
	}
	return j, nil
}

func (s Store) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return scanJob(s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

// GetJobTx reads a job inside the caller's transaction so a read-modify-write
// sequence observes its own writes.
func (s Store) GetJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	return scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

func (s Store) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	milestones, err := json.Marshal(j.Milestones)
	if err != nil {
		return fmt.Errorf("encode milestones: %w", err)
	}
	finalMilestones, err := encodeOptionalMilestones(j.FinalMilestones)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO jobs(id,creator,detail_ref,status,milestones_json,final_milestones_json,current_milestone,current_locked_amount,total_paid,selected_applicant,origin_domain,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Creator, nullable(j.DetailRef), j.Status, string(milestones), finalMilestones,
		j.CurrentMilestone, j.CurrentLockedAmount, j.TotalPaid, j.SelectedApplicant, j.OriginDomain, j.CreatedAt, j.UpdatedAt)
	return err
}

// UpdateJob rewrites the mutable job fields wholly; a job row is never
// partially observed.
func (s Store) UpdateJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	finalMilestones, err := encodeOptionalMilestones(j.FinalMilestones)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?,final_milestones_json=?,current_milestone=?,current_locked_amount=?,total_paid=?,selected_applicant=?,updated_at=? WHERE id=?`,
		j.Status, finalMilestones, j.CurrentMilestone, j.CurrentLockedAmount, j.TotalPaid, j.SelectedApplicant, j.UpdatedAt, j.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s Store) ListJobs(ctx context.Context, status string) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
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
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s Store) InsertApplication(ctx context.Context, tx *sql.Tx, a domain.Application) error {
	milestones, err := json.Marshal(a.Milestones)
	if err != nil {
		return fmt.Errorf("encode proposed milestones: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO applications(job_id,application_id,applicant,proposal_ref,milestones_json,settle_domain,settle_address,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		a.JobID, a.ApplicationID, a.Applicant, nullable(a.ProposalRef), string(milestones), a.SettleDomain, nullable(a.SettleAddress), a.CreatedAt)
	return err
}

func scanApplication(row rowScanner) (domain.Application, error) {
	var a domain.Application
	var milestones string
	err := row.Scan(&a.JobID, &a.ApplicationID, &a.Applicant, &a.ProposalRef, &milestones, &a.SettleDomain, &a.SettleAddress, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(milestones), &a.Milestones); err != nil {
		return a, fmt.Errorf("decode milestones for application %s/%d: %w", a.JobID, a.ApplicationID, err)
	}
	return a, nil
}

const applicationColumns = `job_id,application_id,applicant,COALESCE(proposal_ref,''),milestones_json,settle_domain,COALESCE(settle_address,''),created_at`

func (s Store) GetApplication(ctx context.Context, jobID string, applicationID int) (domain.Application, error) {
	return scanApplication(s.DB.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE job_id=? AND application_id=?`, jobID, applicationID))
}

func (s Store) GetApplicationTx(ctx context.Context, tx *sql.Tx, jobID string, applicationID int) (domain.Application, error) {
	return scanApplication(tx.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE job_id=? AND application_id=?`, jobID, applicationID))
}

// HasApplied reports whether an applicant already has an application on file
// for the job. At most one application per (job, applicant) is allowed.
func (s Store) HasApplied(ctx context.Context, tx *sql.Tx, jobID, applicant string) (bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT 1 FROM applications WHERE job_id=? AND applicant=? LIMIT 1`, jobID, applicant)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

// GetApplicationByApplicant returns the applicant's application on a job,
// used to resolve their preferred settlement destination.
func (s Store) GetApplicationByApplicant(ctx context.Context, tx *sql.Tx, jobID, applicant string) (domain.Application, error) {
	return scanApplication(tx.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE job_id=? AND applicant=?`, jobID, applicant))
}

func (s Store) ListApplications(ctx context.Context, jobID string) ([]domain.Application, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE job_id=? ORDER BY application_id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var apps []domain.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// AppendSubmission adds a work submission with the next per-job sequence.
func (s Store) AppendSubmission(ctx context.Context, tx *sql.Tx, sub domain.Submission) (int, error) {
	var seq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM submissions WHERE job_id=?`, sub.JobID).Scan(&seq); err != nil {
		return 0, err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO submissions(job_id,seq,applicant,work_ref,created_at) VALUES (?,?,?,?,?)`,
		sub.JobID, seq, sub.Applicant, sub.WorkRef, sub.CreatedAt)
	return seq, err
}

func (s Store) ListSubmissions(ctx context.Context, jobID string) ([]domain.Submission, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT job_id,seq,applicant,work_ref,created_at FROM submissions WHERE job_id=? ORDER BY seq`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []domain.Submission
	for rows.Next() {
		var sub domain.Submission
		if err := rows.Scan(&sub.JobID, &sub.Seq, &sub.Applicant, &sub.WorkRef, &sub.CreatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func encodeOptionalMilestones(ms []domain.Milestone) (any, error) {
	if len(ms) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(ms)
	if err != nil {
		return nil, fmt.Errorf("encode milestones: %w", err)
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// EventsAfter returns audit events with id greater than cursor, optionally
// filtered by job.
func (s Store) EventsAfter(ctx context.Context, limit int, cursor int64, jobID string) ([]domain.Event, error) {
	clauses := []string{"id > ?"}
	args := []any{cursor}
	if jobID != "" {
		clauses = append(clauses, "job_id=?")
		args = append(args, jobID)
	}
	query := `SELECT id,ts,type,COALESCE(job_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.JobID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s Store) LatestEventID(ctx context.Context, jobID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if jobID != "" {
		query += ` WHERE job_id=?`
		args = append(args, jobID)
	}
	var id int64
	err := s.DB.QueryRowContext(ctx, query, args...).Scan(&id)
	return id, err
}
