package domain

// Job statuses. Transitions are monotone: open -> in_progress -> completed,
// with cancelled reachable only from open before anything is locked.
const (
	JobStatusOpen       = "open"
	JobStatusInProgress = "in_progress"
	JobStatusCompleted  = "completed"
	JobStatusCancelled  = "cancelled"
)

// Transfer dispatch statuses. A transfer row is committed as pending before
// the dispatch is attempted, so a crash between commit and dispatch leaves a
// pending row that redispatch can pick up.
const (
	TransferPending    = "pending"
	TransferDispatched = "dispatched"
	TransferFailed     = "failed"
)

// Milestone is a unit of work with a fixed payment amount in stablecoin
// base units. Amounts never change after the job starts.
type Milestone struct {
	DescriptionRef string `json:"description_ref"`
	Amount         int64  `json:"amount"`
}

type Job struct {
	ID                  string      `json:"id"`
	Creator             string      `json:"creator"`
	DetailRef           string      `json:"detail_ref"`
	Status              string      `json:"status" enum:"open,in_progress,completed,cancelled"`
	Milestones          []Milestone `json:"milestones"`
	FinalMilestones     []Milestone `json:"final_milestones,omitempty"`
	CurrentMilestone    int         `json:"current_milestone"`
	CurrentLockedAmount int64       `json:"current_locked_amount"`
	TotalPaid           int64       `json:"total_paid"`
	SelectedApplicant   *string     `json:"selected_applicant,omitempty"`
	OriginDomain        string      `json:"origin_domain"`
	CreatedAt           string      `json:"created_at" format:"date-time"`
	UpdatedAt           string      `json:"updated_at" format:"date-time"`
}

// ActiveMilestone returns the milestone the 1-based pointer addresses,
// or false when the pointer is before start or past the end.
func (j Job) ActiveMilestone() (Milestone, bool) {
	if j.CurrentMilestone < 1 || j.CurrentMilestone > len(j.FinalMilestones) {
		return Milestone{}, false
	}
	return j.FinalMilestones[j.CurrentMilestone-1], true
}

type Application struct {
	JobID         string      `json:"job_id"`
	ApplicationID int         `json:"application_id"`
	Applicant     string      `json:"applicant"`
	ProposalRef   string      `json:"proposal_ref"`
	Milestones    []Milestone `json:"milestones"`
	SettleDomain  string      `json:"settle_domain"`
	SettleAddress string      `json:"settle_address,omitempty"`
	CreatedAt     string      `json:"created_at" format:"date-time"`
}

type Submission struct {
	JobID     string `json:"job_id"`
	Seq       int    `json:"seq"`
	Applicant string `json:"applicant"`
	WorkRef   string `json:"work_ref"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Transfer is the audit record of one settlement dispatch. The ledger row is
// committed before the dispatch is attempted, so a failed dispatch can be
// retried from the row alone without re-deriving amounts.
type Transfer struct {
	ID          string  `json:"id"`
	JobID       string  `json:"job_id,omitempty"`
	Milestone   int     `json:"milestone,omitempty"`
	Recipient   string  `json:"recipient"`
	Gross       int64   `json:"gross"`
	Commission  int64   `json:"commission"`
	Net         int64   `json:"net"`
	DestDomain  string  `json:"dest_domain"`
	DestAddress string  `json:"dest_address,omitempty"`
	DispatchID  *string `json:"dispatch_id,omitempty"`
	Status      string  `json:"status" enum:"pending,dispatched,failed"`
	Reason      string  `json:"reason,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	JobID      string `json:"job_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// MilestoneTotal sums milestone amounts.
func MilestoneTotal(ms []Milestone) int64 {
	var total int64
	for _, m := range ms {
		total += m.Amount
	}
	return total
}
