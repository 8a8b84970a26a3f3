package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/inbound"
	"jobline/internal/ledger"
)

// Config for the HTTP API handler.
type Config struct {
	Engine         *engine.Engine
	BasePath       string
	Auth           AuthConfig
	MetricsHandler http.Handler
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"milestone_amount_mismatch"`
	Message string         `json:"message" example:"amount does not match the active milestone"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Jobline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Ledger))
	if cfg.MetricsHandler != nil {
		router.Handle("/metrics", cfg.MetricsHandler)
	}
	hcfg := huma.DefaultConfig("Jobline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerOpenAPI(router, api, basePath)
	registerHealth(group)
	registerJobs(group, cfg.Engine)
	registerApplications(group, cfg.Engine)
	registerSubmissions(group, cfg.Engine)
	registerReleases(group, cfg.Engine)
	registerDisputes(group, cfg.Engine)
	registerOps(group, cfg.Engine)
	registerTransfers(group, cfg.Engine)
	registerCommission(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine and store errors onto the error envelope.
// Precondition errors are conflicts, amount mismatches are unprocessable,
// identity failures are forbidden.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, engine.ErrInvalidMilestones):
		return newAPIError(http.StatusBadRequest, "invalid_milestones", err.Error(), nil)
	case errors.Is(err, engine.ErrJobNotOpen):
		return newAPIError(http.StatusConflict, "job_not_open", err.Error(), nil)
	case errors.Is(err, engine.ErrJobNotInProgress):
		return newAPIError(http.StatusConflict, "job_not_in_progress", err.Error(), nil)
	case errors.Is(err, engine.ErrDuplicateApplication):
		return newAPIError(http.StatusConflict, "duplicate_application", err.Error(), nil)
	case errors.Is(err, engine.ErrMilestoneAmountMismatch):
		return newAPIError(http.StatusUnprocessableEntity, "milestone_amount_mismatch", err.Error(), nil)
	case errors.Is(err, engine.ErrNotCreator):
		return newAPIError(http.StatusForbidden, "not_creator", err.Error(), nil)
	case errors.Is(err, engine.ErrNotSelectedApplicant):
		return newAPIError(http.StatusForbidden, "not_selected_applicant", err.Error(), nil)
	case errors.Is(err, engine.ErrNotArbiter):
		return newAPIError(http.StatusForbidden, "not_arbiter", err.Error(), nil)
	case errors.Is(err, inbound.ErrUnknownOperation):
		return newAPIError(http.StatusBadRequest, "unknown_operation", err.Error(), nil)
	case errors.Is(err, ledger.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	if strings.Contains(msg, "required") || strings.Contains(msg, "decode payload") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

// JobPath binds the job_id path parameter shared by the per-job endpoints.
// It must stay exported so the embedded field is visible to request binding.
type JobPath struct {
	JobID string `path:"job_id"`
}

func registerJobs(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "post-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Post a job with escrowed milestones",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body PostJobRequest `json:"body"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.PostJob(ctx, actor, input.Body.DetailRef, toMilestones(input.Body.Milestones), "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-direct-contract",
		Method:        http.MethodPost,
		Path:          "/jobs/direct",
		Summary:       "Create and start a pre-agreed job in one step",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body DirectContractRequest `json:"body"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.StartDirectContract(ctx, actor, input.Body.Taker, input.Body.DetailRef,
			toMilestones(input.Body.Milestones), input.Body.SettleDomain, input.Body.SettleAddress, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Fetch a job",
	}, func(ctx context.Context, input *JobPath) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		j, err := e.Ledger.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"open,in_progress,completed,cancelled,"`
	}) (*struct {
		Body []domain.Job `json:"body"`
	}, error) {
		jobs, err := e.Ledger.ListJobs(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Job `json:"body"`
		}{Body: jobs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/start",
		Summary:     "Select an applicant and lock the first milestone",
	}, func(ctx context.Context, input *struct {
		JobPath
		Body StartJobRequest `json:"body"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.StartJob(ctx, actor, input.JobID, input.Body.ApplicationID, input.Body.UseApplicantMilestones)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/cancel",
		Summary:     "Cancel an open job",
	}, func(ctx context.Context, input *JobPath) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.CancelJob(ctx, actor, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})
}

func registerApplications(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "apply-to-job",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/applications",
		Summary:       "Apply to an open job",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		JobPath
		Body ApplyRequest `json:"body"`
	}) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		app, err := e.ApplyToJob(ctx, actor, input.JobID, input.Body.ProposalRef,
			toMilestones(input.Body.Milestones), input.Body.SettleDomain, input.Body.SettleAddress)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: app}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-applications",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/applications",
		Summary:     "List applications for a job",
	}, func(ctx context.Context, input *JobPath) (*struct {
		Body []domain.Application `json:"body"`
	}, error) {
		apps, err := e.Ledger.ListApplications(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Application `json:"body"`
		}{Body: apps}, nil
	})
}

func registerSubmissions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-work",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/submissions",
		Summary:       "Submit work for review",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		JobPath
		Body SubmitWorkRequest `json:"body"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sub, err := e.SubmitWork(ctx, actor, input.JobID, input.Body.WorkRef)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: sub}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-submissions",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/submissions",
		Summary:     "List work submissions",
	}, func(ctx context.Context, input *JobPath) (*struct {
		Body []domain.Submission `json:"body"`
	}, error) {
		subs, err := e.Ledger.ListSubmissions(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Submission `json:"body"`
		}{Body: subs}, nil
	})
}

func registerReleases(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "release-payment",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/release",
		Summary:     "Release the active milestone payment",
	}, func(ctx context.Context, input *struct {
		JobPath
		Body ReleaseRequest `json:"body"`
	}) (*struct {
		Body ReleaseResponse `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, transfer, err := e.ReleasePayment(ctx, actor, input.JobID, input.Body.Gross, input.Body.DestDomain, input.Body.DestAddress)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReleaseResponse `json:"body"`
		}{Body: ReleaseResponse{Job: j, Transfer: transfer}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-and-lock-next",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/release-next",
		Summary:     "Release the active milestone and lock the next",
	}, func(ctx context.Context, input *JobPath) (*struct {
		Body ReleaseResponse `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, transfer, err := e.ReleaseAndLockNext(ctx, actor, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReleaseResponse `json:"body"`
		}{Body: ReleaseResponse{Job: j, Transfer: transfer}}, nil
	})
}

func registerDisputes(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dispute-payout",
		Method:      http.MethodPost,
		Path:        "/disputes/payout",
		Summary:     "Force a payout decided by the dispute process",
	}, func(ctx context.Context, input *struct {
		Body DisputePayoutRequest `json:"body"`
	}) (*struct {
		Body domain.Transfer `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		transfer, err := e.ReleaseDisputedFunds(ctx, actor, input.Body.JobID, input.Body.Recipient,
			input.Body.Gross, input.Body.DestDomain, input.Body.DestAddress)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Transfer `json:"body"`
		}{Body: transfer}, nil
	})
}

func registerOps(api huma.API, e *engine.Engine) {
	dispatcher := inbound.Dispatcher{Engine: e}
	huma.Register(api, huma.Operation{
		OperationID: "handle-operation",
		Method:      http.MethodPost,
		Path:        "/ops",
		Summary:     "Handle an inbound cross-domain operation envelope",
	}, func(ctx context.Context, input *struct {
		Body inbound.Envelope `json:"body"`
	}) (*struct {
		Body any `json:"body"`
	}, error) {
		env := input.Body
		if env.Actor == "" {
			// Authenticated transports may omit the envelope actor.
			if actor, authErr := actorIDFromContext(ctx); authErr == nil {
				env.Actor = actor
			}
		}
		result, err := dispatcher.Handle(ctx, env)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body any `json:"body"`
		}{Body: result}, nil
	})
}

func registerTransfers(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-transfers",
		Method:      http.MethodGet,
		Path:        "/transfers",
		Summary:     "List settlement transfers",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,dispatched,failed,"`
	}) (*struct {
		Body []domain.Transfer `json:"body"`
	}, error) {
		transfers, err := e.Ledger.ListTransfers(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Transfer `json:"body"`
		}{Body: transfers}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "redispatch-transfers",
		Method:      http.MethodPost,
		Path:        "/transfers/redispatch",
		Summary:     "Retry settlement dispatch for pending or failed transfers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RedispatchResponse `json:"body"`
	}, error) {
		retried, failed, err := e.RedispatchFailed(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RedispatchResponse `json:"body"`
		}{Body: RedispatchResponse{Retried: retried, Failed: failed}}, nil
	})
}

func registerCommission(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-commission",
		Method:      http.MethodGet,
		Path:        "/commission",
		Summary:     "Platform commission configuration and accrued total",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CommissionResponse `json:"body"`
	}, error) {
		accrued, err := e.Ledger.CommissionAccrued(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommissionResponse `json:"body"`
		}{Body: CommissionResponse{
			RateBasisPoints: e.Fees.RateBasisPoints,
			Minimum:         e.Fees.Minimum,
			Accrued:         accrued,
		}}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the audit event log",
	}, func(ctx context.Context, input *struct {
		After int64  `query:"after" minimum:"0"`
		Limit int    `query:"limit" minimum:"0" maximum:"1000"`
		JobID string `query:"job_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = 100
		}
		evts, err := e.Ledger.EventsAfter(ctx, limit, input.After, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})
}
