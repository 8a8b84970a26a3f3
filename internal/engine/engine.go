// Package engine is the authoritative state machine for jobs, applications
// and milestone payments. All operations on one job are serialized; the
// ledger commits before any settlement dispatch goes out.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"jobline/internal/commission"
	"jobline/internal/config"
	"jobline/internal/domain"
	"jobline/internal/events"
	"jobline/internal/ledger"
	"jobline/internal/metrics"
	"jobline/internal/settlement"
)

type Engine struct {
	DB         *sql.DB
	Ledger     ledger.Store
	Events     events.Writer
	Config     *config.Config
	Fees       commission.Calculator
	Settlement settlement.Network
	Rewards    settlement.Rewards
	Metrics    *metrics.Collector
	Now        func() time.Time

	locks *jobLocks
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	return &Engine{
		DB:     db,
		Ledger: ledger.Store{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Fees: commission.Calculator{
			RateBasisPoints: cfg.Commission.RateBasisPoints,
			Minimum:         cfg.Commission.Minimum,
		},
		Settlement: settlement.LogNetwork{},
		Rewards:    settlement.LogRewards{},
		Now:        time.Now,
		locks:      newJobLocks(),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// reject makes a failed operation observable: an audit event in its own
// transaction (the operation's transaction rolled back) plus a metric.
func (e *Engine) reject(ctx context.Context, op, jobID, actorID string, cause error) error {
	reason := rejectReason(cause)
	e.Metrics.RecordRejected(reason)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("engine: record rejection for %s: %v", op, err)
		return cause
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "op.rejected", jobID, "operation", op, actorID, events.EventPayload{
		"reason": reason,
		"error":  cause.Error(),
	}); err != nil {
		log.Printf("engine: record rejection for %s: %v", op, err)
		return cause
	}
	if err := tx.Commit(); err != nil {
		log.Printf("engine: record rejection for %s: %v", op, err)
	}
	return cause
}

func validMilestones(ms []domain.Milestone) bool {
	if len(ms) == 0 {
		return false
	}
	for _, m := range ms {
		if m.Amount <= 0 || m.DescriptionRef == "" {
			return false
		}
	}
	return true
}

func copyMilestones(ms []domain.Milestone) []domain.Milestone {
	out := make([]domain.Milestone, len(ms))
	copy(out, ms)
	return out
}

// PostJob creates a job in open state. The id is qualified by the origin
// domain so ids stay globally unique without coordination.
func (e *Engine) PostJob(ctx context.Context, creator, detailRef string, milestones []domain.Milestone, originDomain string) (domain.Job, error) {
	if creator == "" {
		return domain.Job{}, fmt.Errorf("creator is required")
	}
	if !validMilestones(milestones) {
		return domain.Job{}, e.reject(ctx, "post_job", "", creator, ErrInvalidMilestones)
	}
	if originDomain == "" {
		originDomain = e.Config.Platform.Domain
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	seq, err := e.Ledger.NextJobSequence(ctx, tx, originDomain)
	if err != nil {
		return domain.Job{}, err
	}
	now := e.nowStr()
	j := domain.Job{
		ID:           fmt.Sprintf("%s-%d", originDomain, seq),
		Creator:      creator,
		DetailRef:    detailRef,
		Status:       domain.JobStatusOpen,
		Milestones:   copyMilestones(milestones),
		OriginDomain: originDomain,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Ledger.InsertJob(ctx, tx, j); err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "job.posted", j.ID, "job", j.ID, creator, events.EventPayload{
		"milestones": len(j.Milestones),
		"total":      domain.MilestoneTotal(j.Milestones),
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	e.Metrics.RecordAccepted()
	return j, nil
}

// StartDirectContract creates a job already in progress for a pre-agreed
// taker, with a synthesized application (id 1) and the first milestone
// locked. The only path that creates and starts a job in one operation.
func (e *Engine) StartDirectContract(ctx context.Context, creator, taker, detailRef string, milestones []domain.Milestone, settleDomain, settleAddress, originDomain string) (domain.Job, error) {
	if creator == "" || taker == "" {
		return domain.Job{}, fmt.Errorf("creator and taker are required")
	}
	if !validMilestones(milestones) {
		return domain.Job{}, e.reject(ctx, "start_direct_contract", "", creator, ErrInvalidMilestones)
	}
	if originDomain == "" {
		originDomain = e.Config.Platform.Domain
	}
	if settleDomain == "" {
		settleDomain = originDomain
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	seq, err := e.Ledger.NextJobSequence(ctx, tx, originDomain)
	if err != nil {
		return domain.Job{}, err
	}
	now := e.nowStr()
	final := copyMilestones(milestones)
	j := domain.Job{
		ID:                  fmt.Sprintf("%s-%d", originDomain, seq),
		Creator:             creator,
		DetailRef:           detailRef,
		Status:              domain.JobStatusInProgress,
		Milestones:          copyMilestones(milestones),
		FinalMilestones:     final,
		CurrentMilestone:    1,
		CurrentLockedAmount: final[0].Amount,
		SelectedApplicant:   &taker,
		OriginDomain:        originDomain,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := e.Ledger.InsertJob(ctx, tx, j); err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	appSeq, err := e.Ledger.NextApplicationSequence(ctx, tx, j.ID)
	if err != nil {
		return domain.Job{}, err
	}
	app := domain.Application{
		JobID:         j.ID,
		ApplicationID: int(appSeq),
		Applicant:     taker,
		Milestones:    copyMilestones(milestones),
		SettleDomain:  settleDomain,
		SettleAddress: settleAddress,
		CreatedAt:     now,
	}
	if err := e.Ledger.InsertApplication(ctx, tx, app); err != nil {
		return domain.Job{}, fmt.Errorf("insert application: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "job.posted", j.ID, "job", j.ID, creator, events.EventPayload{
		"direct":     true,
		"milestones": len(final),
		"total":      domain.MilestoneTotal(final),
	}); err != nil {
		return domain.Job{}, err
	}
	if err := e.Events.Append(ctx, tx, "job.started", j.ID, "job", j.ID, creator, events.EventPayload{
		"applicant":     taker,
		"locked_amount": j.CurrentLockedAmount,
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	e.Metrics.RecordAccepted()
	return j, nil
}

// ApplyToJob appends an application with the next per-job sequence id.
// A duplicate apply from the same applicant is rejected, never reapplied.
func (e *Engine) ApplyToJob(ctx context.Context, applicant, jobID, proposalRef string, proposed []domain.Milestone, settleDomain, settleAddress string) (domain.Application, error) {
	if applicant == "" {
		return domain.Application{}, fmt.Errorf("applicant is required")
	}
	unlock := e.locks.acquire(jobID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()

	j, err := e.Ledger.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Application{}, err
	}
	if j.Status != domain.JobStatusOpen {
		return domain.Application{}, e.reject(ctx, "apply_to_job", jobID, applicant, ErrJobNotOpen)
	}
	applied, err := e.Ledger.HasApplied(ctx, tx, jobID, applicant)
	if err != nil {
		return domain.Application{}, err
	}
	if applied {
		return domain.Application{}, e.reject(ctx, "apply_to_job", jobID, applicant, ErrDuplicateApplication)
	}
	if len(proposed) == 0 {
		proposed = j.Milestones
	}
	if !validMilestones(proposed) {
		return domain.Application{}, e.reject(ctx, "apply_to_job", jobID, applicant, ErrInvalidMilestones)
	}
	if settleDomain == "" {
		settleDomain = j.OriginDomain
	}
	seq, err := e.Ledger.NextApplicationSequence(ctx, tx, jobID)
	if err != nil {
		return domain.Application{}, err
	}
	app := domain.Application{
		JobID:         jobID,
		ApplicationID: int(seq),
		Applicant:     applicant,
		ProposalRef:   proposalRef,
		Milestones:    copyMilestones(proposed),
		SettleDomain:  settleDomain,
		SettleAddress: settleAddress,
		CreatedAt:     e.nowStr(),
	}
	if err := e.Ledger.InsertApplication(ctx, tx, app); err != nil {
		return domain.Application{}, fmt.Errorf("insert application: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "job.applied", jobID, "application", fmt.Sprintf("%s/%d", jobID, app.ApplicationID), applicant, events.EventPayload{
		"application_id": app.ApplicationID,
		"settle_domain":  settleDomain,
	}); err != nil {
		return domain.Application{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Application{}, err
	}
	e.Metrics.RecordAccepted()
	return app, nil
}

// StartJob selects one application, freezes the milestone plan and locks the
// first milestone amount. Selection is immutable once set.
func (e *Engine) StartJob(ctx context.Context, creator, jobID string, applicationID int, useApplicantMilestones bool) (domain.Job, error) {
	unlock := e.locks.acquire(jobID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Ledger.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.Creator != creator {
		return domain.Job{}, e.reject(ctx, "start_job", jobID, creator, ErrNotCreator)
	}
	if j.Status != domain.JobStatusOpen {
		return domain.Job{}, e.reject(ctx, "start_job", jobID, creator, ErrJobNotOpen)
	}
	app, err := e.Ledger.GetApplicationTx(ctx, tx, jobID, applicationID)
	if err != nil {
		return domain.Job{}, err
	}
	final := copyMilestones(j.Milestones)
	if useApplicantMilestones {
		final = copyMilestones(app.Milestones)
	}
	j.SelectedApplicant = &app.Applicant
	j.FinalMilestones = final
	j.Status = domain.JobStatusInProgress
	j.CurrentMilestone = 1
	j.CurrentLockedAmount = final[0].Amount
	j.UpdatedAt = e.nowStr()
	if err := e.Ledger.UpdateJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	if err := e.Events.Append(ctx, tx, "job.started", jobID, "job", jobID, creator, events.EventPayload{
		"applicant":            app.Applicant,
		"application_id":       applicationID,
		"applicant_milestones": useApplicantMilestones,
		"locked_amount":        j.CurrentLockedAmount,
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	e.Metrics.RecordAccepted()
	return j, nil
}

// SubmitWork appends a work submission reference. It signals readiness for
// review and changes neither status nor the milestone pointer.
func (e *Engine) SubmitWork(ctx context.Context, applicant, jobID, workRef string) (domain.Submission, error) {
	if workRef == "" {
		return domain.Submission{}, fmt.Errorf("work_ref is required")
	}
	unlock := e.locks.acquire(jobID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()

	j, err := e.Ledger.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Submission{}, err
	}
	if j.Status != domain.JobStatusInProgress {
		return domain.Submission{}, e.reject(ctx, "submit_work", jobID, applicant, ErrJobNotInProgress)
	}
	if j.SelectedApplicant == nil || *j.SelectedApplicant != applicant {
		return domain.Submission{}, e.reject(ctx, "submit_work", jobID, applicant, ErrNotSelectedApplicant)
	}
	sub := domain.Submission{
		JobID:     jobID,
		Applicant: applicant,
		WorkRef:   workRef,
		CreatedAt: e.nowStr(),
	}
	seq, err := e.Ledger.AppendSubmission(ctx, tx, sub)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("append submission: %w", err)
	}
	sub.Seq = seq
	if err := e.Events.Append(ctx, tx, "work.submitted", jobID, "submission", fmt.Sprintf("%s/%d", jobID, seq), applicant, events.EventPayload{
		"work_ref":  workRef,
		"milestone": j.CurrentMilestone,
	}); err != nil {
		return domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}
	e.Metrics.RecordAccepted()
	return sub, nil
}

// CancelJob terminates an open job before anything is locked. In-progress
// jobs cannot be cancelled; disputes end them instead.
func (e *Engine) CancelJob(ctx context.Context, creator, jobID string) (domain.Job, error) {
	unlock := e.locks.acquire(jobID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Ledger.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.Creator != creator {
		return domain.Job{}, e.reject(ctx, "cancel_job", jobID, creator, ErrNotCreator)
	}
	if j.Status != domain.JobStatusOpen {
		return domain.Job{}, e.reject(ctx, "cancel_job", jobID, creator, ErrJobNotOpen)
	}
	j.Status = domain.JobStatusCancelled
	j.UpdatedAt = e.nowStr()
	if err := e.Ledger.UpdateJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	if err := e.Events.Append(ctx, tx, "job.cancelled", jobID, "job", jobID, creator, events.EventPayload{}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	e.Metrics.RecordAccepted()
	return j, nil
}
