package engine

import (
	"context"
	"log"

	"github.com/google/uuid"

	"jobline/internal/domain"
	"jobline/internal/events"
)

// ReleaseDisputedFunds forces a payout outside the milestone flow once the
// dispute process has determined winner and amount. Only the configured
// arbiter identity may call it. The milestone pointer is untouched; the job,
// when traceable, ends completed so its payment history survives.
//
// When the job giver wins, nothing is dispatched: the escrowed funds are
// conceptually returned by leaving them un-disbursed.
func (e *Engine) ReleaseDisputedFunds(ctx context.Context, caller, jobID, recipient string, gross int64, destDomain, destAddress string) (domain.Transfer, error) {
	if e.Config.Dispute.ArbiterID == "" || caller != e.Config.Dispute.ArbiterID {
		log.Printf("engine: unauthorized dispute payout attempt by %q", caller)
		return domain.Transfer{}, e.reject(ctx, "release_disputed_funds", jobID, caller, ErrNotArbiter)
	}

	var unlock func()
	if jobID != "" {
		unlock = e.locks.acquire(jobID)
		defer unlock()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transfer{}, err
	}
	defer tx.Rollback()

	var job domain.Job
	traceable := false
	if jobID != "" {
		job, err = e.Ledger.GetJobTx(ctx, tx, jobID)
		if err != nil {
			return domain.Transfer{}, err
		}
		traceable = true
	}

	creatorWins := traceable && recipient == job.Creator
	now := e.nowStr()

	var transfer domain.Transfer
	if !creatorWins {
		net, fee := e.Fees.Net(gross)
		if err := e.Ledger.AddCommission(ctx, tx, fee); err != nil {
			return domain.Transfer{}, err
		}
		transfer = domain.Transfer{
			ID:          uuid.New().String(),
			JobID:       jobID,
			Recipient:   recipient,
			Gross:       gross,
			Commission:  fee,
			Net:         net,
			DestDomain:  destDomain,
			DestAddress: destAddress,
			Status:      domain.TransferPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.Ledger.InsertTransfer(ctx, tx, transfer); err != nil {
			return domain.Transfer{}, err
		}
		if traceable {
			job.TotalPaid += net
		}
	}
	if traceable {
		job.Status = domain.JobStatusCompleted
		job.CurrentLockedAmount = 0
		job.UpdatedAt = now
		if err := e.Ledger.UpdateJob(ctx, tx, job); err != nil {
			return domain.Transfer{}, err
		}
	}
	payload := events.EventPayload{
		"recipient":    recipient,
		"gross":        gross,
		"creator_wins": creatorWins,
	}
	if transfer.ID != "" {
		payload["transfer_id"] = transfer.ID
		payload["net"] = transfer.Net
		payload["commission"] = transfer.Commission
	}
	if err := e.Events.Append(ctx, tx, "dispute.released", jobID, "dispute", jobID, caller, payload); err != nil {
		return domain.Transfer{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transfer{}, err
	}
	e.Metrics.RecordAccepted()

	if creatorWins {
		return domain.Transfer{}, nil
	}
	e.Metrics.RecordRelease(transfer.Net, transfer.Commission)
	transfer = e.dispatch(ctx, transfer)
	if traceable {
		e.notifyRewards(ctx, job.Creator, recipient, transfer.Net)
	}
	return transfer, nil
}
