package server

import (
	"jobline/internal/domain"
)

// Request payloads

type MilestoneRequest struct {
	DescriptionRef string `json:"description_ref"`
	Amount         int64  `json:"amount" minimum:"1"`
}

type PostJobRequest struct {
	DetailRef  string             `json:"detail_ref,omitempty"`
	Milestones []MilestoneRequest `json:"milestones"`
}

type DirectContractRequest struct {
	Taker         string             `json:"taker"`
	DetailRef     string             `json:"detail_ref,omitempty"`
	Milestones    []MilestoneRequest `json:"milestones"`
	SettleDomain  string             `json:"settle_domain,omitempty"`
	SettleAddress string             `json:"settle_address,omitempty"`
}

type ApplyRequest struct {
	ProposalRef   string             `json:"proposal_ref,omitempty"`
	Milestones    []MilestoneRequest `json:"milestones,omitempty"`
	SettleDomain  string             `json:"settle_domain,omitempty"`
	SettleAddress string             `json:"settle_address,omitempty"`
}

type StartJobRequest struct {
	ApplicationID          int  `json:"application_id" minimum:"1"`
	UseApplicantMilestones bool `json:"use_applicant_milestones,omitempty"`
}

type SubmitWorkRequest struct {
	WorkRef string `json:"work_ref"`
}

type ReleaseRequest struct {
	Gross       int64  `json:"gross" minimum:"1"`
	DestDomain  string `json:"dest_domain,omitempty"`
	DestAddress string `json:"dest_address,omitempty"`
}

type DisputePayoutRequest struct {
	JobID       string `json:"job_id,omitempty"`
	Recipient   string `json:"recipient"`
	Gross       int64  `json:"gross" minimum:"1"`
	DestDomain  string `json:"dest_domain"`
	DestAddress string `json:"dest_address,omitempty"`
}

// Response payloads

type ReleaseResponse struct {
	Job      domain.Job      `json:"job"`
	Transfer domain.Transfer `json:"transfer"`
}

type RedispatchResponse struct {
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
}

type CommissionResponse struct {
	RateBasisPoints int64 `json:"rate_bps"`
	Minimum         int64 `json:"minimum"`
	Accrued         int64 `json:"accrued"`
}

// Conversion helpers

func toMilestones(in []MilestoneRequest) []domain.Milestone {
	out := make([]domain.Milestone, len(in))
	for i, m := range in {
		out[i] = domain.Milestone{DescriptionRef: m.DescriptionRef, Amount: m.Amount}
	}
	return out
}
