package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"jobline/internal/domain"
	"jobline/internal/events"
	"jobline/internal/ledger"
)

// ReleasePayment pays out the active milestone. The gross amount must equal
// the milestone amount exactly; no partial or over-release exists. The
// ledger mutation commits before settlement is dispatched, so a dispatch
// failure never rolls back a committed release.
func (e *Engine) ReleasePayment(ctx context.Context, creator, jobID string, gross int64, destDomain, destAddress string) (domain.Job, domain.Transfer, error) {
	return e.release(ctx, creator, jobID, &gross, destDomain, destAddress, false)
}

// ReleaseAndLockNext releases the active milestone and, when a next
// milestone exists, locks its amount and leaves the pointer on it. Locking
// is bookkeeping only; fund custody lives at the settlement boundary.
func (e *Engine) ReleaseAndLockNext(ctx context.Context, creator, jobID string) (domain.Job, domain.Transfer, error) {
	return e.release(ctx, creator, jobID, nil, "", "", true)
}

func (e *Engine) release(ctx context.Context, creator, jobID string, gross *int64, destDomain, destAddress string, lockNext bool) (domain.Job, domain.Transfer, error) {
	op := "release_payment"
	if lockNext {
		op = "release_and_lock_next"
	}
	unlock := e.locks.acquire(jobID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, domain.Transfer{}, err
	}
	defer tx.Rollback()

	j, err := e.Ledger.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, domain.Transfer{}, err
	}
	if j.Status != domain.JobStatusInProgress {
		return domain.Job{}, domain.Transfer{}, e.reject(ctx, op, jobID, creator, ErrJobNotInProgress)
	}
	if j.Creator != creator {
		return domain.Job{}, domain.Transfer{}, e.reject(ctx, op, jobID, creator, ErrNotCreator)
	}
	active, ok := j.ActiveMilestone()
	if !ok {
		return domain.Job{}, domain.Transfer{}, e.reject(ctx, op, jobID, creator, ErrMilestoneAmountMismatch)
	}
	amount := active.Amount
	if gross != nil && *gross != amount {
		return domain.Job{}, domain.Transfer{}, e.reject(ctx, op, jobID, creator, ErrMilestoneAmountMismatch)
	}

	recipient := *j.SelectedApplicant
	if destDomain == "" || destAddress == "" {
		app, err := e.Ledger.GetApplicationByApplicant(ctx, tx, jobID, recipient)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return domain.Job{}, domain.Transfer{}, err
		}
		if err == nil {
			if destDomain == "" {
				destDomain = app.SettleDomain
			}
			if destAddress == "" {
				destAddress = app.SettleAddress
			}
		}
	}
	if destDomain == "" {
		destDomain = j.OriginDomain
	}

	net, fee := e.Fees.Net(amount)
	if err := e.Ledger.AddCommission(ctx, tx, fee); err != nil {
		return domain.Job{}, domain.Transfer{}, fmt.Errorf("accrue commission: %w", err)
	}

	now := e.nowStr()
	transfer := domain.Transfer{
		ID:          uuid.New().String(),
		JobID:       jobID,
		Milestone:   j.CurrentMilestone,
		Recipient:   recipient,
		Gross:       amount,
		Commission:  fee,
		Net:         net,
		DestDomain:  destDomain,
		DestAddress: destAddress,
		Status:      domain.TransferPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Ledger.InsertTransfer(ctx, tx, transfer); err != nil {
		return domain.Job{}, domain.Transfer{}, fmt.Errorf("insert transfer: %w", err)
	}

	released := j.CurrentMilestone
	j.TotalPaid += net
	j.CurrentLockedAmount = 0
	j.CurrentMilestone++
	if j.CurrentMilestone > len(j.FinalMilestones) {
		j.Status = domain.JobStatusCompleted
	} else if lockNext {
		j.CurrentLockedAmount = j.FinalMilestones[j.CurrentMilestone-1].Amount
	}
	j.UpdatedAt = now
	if err := e.Ledger.UpdateJob(ctx, tx, j); err != nil {
		return domain.Job{}, domain.Transfer{}, err
	}
	if err := e.Events.Append(ctx, tx, "payment.released", jobID, "transfer", transfer.ID, creator, events.EventPayload{
		"milestone":   released,
		"gross":       amount,
		"commission":  fee,
		"net":         net,
		"recipient":   recipient,
		"dest_domain": destDomain,
		"locked_next": j.CurrentLockedAmount,
		"status":      j.Status,
	}); err != nil {
		return domain.Job{}, domain.Transfer{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, domain.Transfer{}, err
	}
	e.Metrics.RecordAccepted()
	e.Metrics.RecordRelease(net, fee)

	transfer = e.dispatch(ctx, transfer)
	e.notifyRewards(ctx, creator, recipient, net)
	return j, transfer, nil
}

// dispatch hands a committed transfer to the settlement network and records
// the outcome. Failures are reported for reconciliation, never propagated as
// operation failures.
func (e *Engine) dispatch(ctx context.Context, t domain.Transfer) domain.Transfer {
	dispatchID, err := e.Settlement.InitiateTransfer(ctx, t.Net, t.DestDomain, t.DestAddress)
	if err != nil {
		e.Metrics.RecordDispatchFailure()
		log.Printf("engine: settlement dispatch %s failed: %v", t.ID, err)
		t.Status = domain.TransferFailed
		t.Reason = err.Error()
		if markErr := e.Ledger.MarkTransfer(ctx, t.ID, domain.TransferFailed, nil, err.Error()); markErr != nil {
			log.Printf("engine: mark transfer %s failed: %v", t.ID, markErr)
		}
		e.appendEvent(ctx, "payment.dispatch_failed", t.JobID, "transfer", t.ID, t.Recipient, events.EventPayload{
			"error": err.Error(),
			"net":   t.Net,
		})
		return t
	}
	t.Status = domain.TransferDispatched
	t.DispatchID = &dispatchID
	if markErr := e.Ledger.MarkTransfer(ctx, t.ID, domain.TransferDispatched, &dispatchID, ""); markErr != nil {
		log.Printf("engine: mark transfer %s dispatched: %v", t.ID, markErr)
	}
	log.Printf("engine: settlement dispatch %s accepted as %s", t.ID, dispatchID)
	return t
}

func (e *Engine) notifyRewards(ctx context.Context, payer, recipient string, net int64) {
	if err := e.Rewards.NotifyPayment(ctx, payer, recipient, net); err != nil {
		log.Printf("engine: reward notification failed: %v", err)
	}
}

// appendEvent writes an audit event outside any caller transaction.
func (e *Engine) appendEvent(ctx context.Context, evtType, jobID, entityKind, entityID, actorID string, payload events.EventPayload) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("engine: append %s event: %v", evtType, err)
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, jobID, entityKind, entityID, actorID, payload); err != nil {
		log.Printf("engine: append %s event: %v", evtType, err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("engine: append %s event: %v", evtType, err)
	}
}

// RedispatchFailed retries settlement dispatch for transfers left pending or
// failed. Amounts come from the stored rows; nothing is re-derived or
// re-validated.
func (e *Engine) RedispatchFailed(ctx context.Context) (retried, failed int, err error) {
	for _, status := range []string{domain.TransferFailed, domain.TransferPending} {
		transfers, err := e.Ledger.ListTransfers(ctx, status)
		if err != nil {
			return retried, failed, err
		}
		for _, t := range transfers {
			retried++
			if out := e.dispatch(ctx, t); out.Status != domain.TransferDispatched {
				failed++
			}
		}
	}
	return retried, failed, nil
}
