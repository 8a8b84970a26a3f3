package engine

import "errors"

// Precondition and validation errors. None of these leave any state behind:
// a rejected operation mutates nothing and is safe for the caller to retry
// after re-reading state.
var (
	ErrInvalidMilestones       = errors.New("milestone list is empty or malformed")
	ErrJobNotOpen              = errors.New("job is not open")
	ErrJobNotInProgress        = errors.New("job is not in progress")
	ErrDuplicateApplication    = errors.New("applicant already applied to this job")
	ErrNotCreator              = errors.New("caller is not the job creator")
	ErrNotSelectedApplicant    = errors.New("caller is not the selected applicant")
	ErrMilestoneAmountMismatch = errors.New("amount does not match the active milestone")
	ErrNotArbiter              = errors.New("caller is not the dispute arbiter")
)

// rejectReason maps a sentinel to the label used in audit events and the
// rejected-operations metric.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidMilestones):
		return "invalid_milestones"
	case errors.Is(err, ErrJobNotOpen):
		return "job_not_open"
	case errors.Is(err, ErrJobNotInProgress):
		return "job_not_in_progress"
	case errors.Is(err, ErrDuplicateApplication):
		return "duplicate_application"
	case errors.Is(err, ErrNotCreator):
		return "not_creator"
	case errors.Is(err, ErrNotSelectedApplicant):
		return "not_selected_applicant"
	case errors.Is(err, ErrMilestoneAmountMismatch):
		return "milestone_amount_mismatch"
	case errors.Is(err, ErrNotArbiter):
		return "not_arbiter"
	default:
		return "error"
	}
}
