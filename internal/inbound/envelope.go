// Package inbound decodes operation envelopes delivered by the message
// transport. The payload is decoded exactly once at this boundary into a
// typed operation; opaque bytes never reach business logic.
package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"jobline/internal/domain"
	"jobline/internal/engine"
)

var ErrUnknownOperation = errors.New("unknown operation")

// Operation names accepted on the wire.
const (
	OpPostJob             = "post_job"
	OpStartDirectContract = "start_direct_contract"
	OpApplyToJob          = "apply_to_job"
	OpStartJob            = "start_job"
	OpSubmitWork          = "submit_work"
	OpReleasePayment      = "release_payment"
	OpReleaseAndLockNext  = "release_and_lock_next"
)

// Envelope is the transport-level frame. Actor identity is asserted by the
// transport; SourceDomain names the front-end domain the operation came from.
type Envelope struct {
	Function     string          `json:"function"`
	SourceDomain string          `json:"source_domain"`
	Actor        string          `json:"actor,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

type PostJob struct {
	DetailRef  string             `json:"detail_ref"`
	Milestones []domain.Milestone `json:"milestones"`
}

type StartDirectContract struct {
	Taker         string             `json:"taker"`
	DetailRef     string             `json:"detail_ref"`
	Milestones    []domain.Milestone `json:"milestones"`
	SettleDomain  string             `json:"settle_domain"`
	SettleAddress string             `json:"settle_address"`
}

type ApplyToJob struct {
	JobID         string             `json:"job_id"`
	ProposalRef   string             `json:"proposal_ref"`
	Milestones    []domain.Milestone `json:"milestones"`
	SettleDomain  string             `json:"settle_domain"`
	SettleAddress string             `json:"settle_address"`
}

type StartJob struct {
	JobID                  string `json:"job_id"`
	ApplicationID          int    `json:"application_id"`
	UseApplicantMilestones bool   `json:"use_applicant_milestones"`
}

type SubmitWork struct {
	JobID   string `json:"job_id"`
	WorkRef string `json:"work_ref"`
}

type ReleasePayment struct {
	JobID       string `json:"job_id"`
	Gross       int64  `json:"gross"`
	DestDomain  string `json:"dest_domain"`
	DestAddress string `json:"dest_address"`
}

type ReleaseAndLockNext struct {
	JobID string `json:"job_id"`
}

// Dispatcher routes decoded operations into the engine.
type Dispatcher struct {
	Engine *engine.Engine
}

// Handle decodes and executes one envelope. An unknown function is rejected
// with ErrUnknownOperation, never silently dropped.
func (d Dispatcher) Handle(ctx context.Context, env Envelope) (any, error) {
	if env.Actor == "" {
		return nil, fmt.Errorf("envelope actor is required")
	}
	switch env.Function {
	case OpPostJob:
		var op PostJob
		if err := decode(env.Payload, &op); err != nil {
			return nil, err
		}
		return d.Engine.PostJob(ctx, env.Actor, op.DetailRef, op.Milestones, env.SourceDomain)
	case OpStartDirectContract:
		var op StartDirectContract
		if err := decode(env.Payload, &op); err != nil {
			return nil, err
		}
		return d.Engine.StartDirectContract(ctx, env.Actor, op.Taker, op.DetailRef, op.Milestones, op.SettleDomain, op.SettleAddress, env.SourceDomain)
	case OpApplyToJob:
		var op ApplyToJob
		if err := decode(env.Payload, &op); err != nil {
			return nil, err
		}
		return d.Engine.ApplyToJob(ctx, env.Actor, op.JobID, op.ProposalRef, op.Milestones, op.SettleDomain, op.SettleAddress)
	case OpStartJob:
		var op StartJob
		if err := decode(env.Payload, &op); err != nil {
			return nil, err
		}
		return d.Engine.StartJob(ctx, env.Actor, op.JobID, op.ApplicationID, op.UseApplicantMilestones)
	case OpSubmitWork:
		var op SubmitWork
		if err := decode(env.Payload, &op); err != nil {
			return nil, err
		}
		return d.Engine.SubmitWork(ctx, env.Actor, op.JobID, op.WorkRef)
	case OpReleasePayment:
		var op ReleasePayment
		if err := decode(env.Payload, &op); err != nil {
			return nil, err
		}
		job, transfer, err := d.Engine.ReleasePayment(ctx, env.Actor, op.JobID, op.Gross, op.DestDomain, op.DestAddress)
		if err != nil {
			return nil, err
		}
		return ReleaseResult{Job: job, Transfer: transfer}, nil
	case OpReleaseAndLockNext:
		var op ReleaseAndLockNext
		if err := decode(env.Payload, &op); err != nil {
			return nil, err
		}
		job, transfer, err := d.Engine.ReleaseAndLockNext(ctx, env.Actor, op.JobID)
		if err != nil {
			return nil, err
		}
		return ReleaseResult{Job: job, Transfer: transfer}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, env.Function)
	}
}

// ReleaseResult pairs the mutated job with the transfer audit row.
type ReleaseResult struct {
	Job      domain.Job      `json:"job"`
	Transfer domain.Transfer `json:"transfer"`
}

func decode(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return fmt.Errorf("payload is required")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
