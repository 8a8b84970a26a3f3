package joblinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Jobline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Milestone is one step of a job's payment plan.
type Milestone struct {
	DescriptionRef string `json:"description_ref"`
	Amount         int64  `json:"amount"`
}

// Job represents the API job model.
type Job struct {
	ID                  string      `json:"id"`
	Creator             string      `json:"creator"`
	DetailRef           string      `json:"detail_ref,omitempty"`
	Status              string      `json:"status"`
	Milestones          []Milestone `json:"milestones"`
	FinalMilestones     []Milestone `json:"final_milestones,omitempty"`
	CurrentMilestone    int         `json:"current_milestone"`
	CurrentLockedAmount int64       `json:"current_locked_amount"`
	TotalPaid           int64       `json:"total_paid"`
	SelectedApplicant   *string     `json:"selected_applicant,omitempty"`
	OriginDomain        string      `json:"origin_domain"`
	CreatedAt           string      `json:"created_at"`
	UpdatedAt           string      `json:"updated_at"`
}

// Application represents one applicant's bid on a job.
type Application struct {
	JobID         string      `json:"job_id"`
	ApplicationID int         `json:"application_id"`
	Applicant     string      `json:"applicant"`
	ProposalRef   string      `json:"proposal_ref,omitempty"`
	Milestones    []Milestone `json:"milestones"`
	SettleDomain  string      `json:"settle_domain"`
	SettleAddress string      `json:"settle_address,omitempty"`
	CreatedAt     string      `json:"created_at"`
}

// Transfer represents a settlement transfer row.
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
	Status      string  `json:"status"`
}

// ReleaseResult pairs the mutated job with its transfer.
type ReleaseResult struct {
	Job      Job      `json:"job"`
	Transfer Transfer `json:"transfer"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	JobID      string         `json:"job_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PostJob posts a job with an escrowed milestone plan.
func (c *Client) PostJob(ctx context.Context, detailRef string, milestones []Milestone) (Job, error) {
	body := map[string]any{
		"detail_ref": detailRef,
		"milestones": milestones,
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, "v0/jobs", body, &resp)
	return resp, err
}

// StartDirectContract creates and starts a pre-agreed job in one step.
func (c *Client) StartDirectContract(ctx context.Context, taker, detailRef string, milestones []Milestone, settleDomain, settleAddress string) (Job, error) {
	body := map[string]any{
		"taker":          taker,
		"detail_ref":     detailRef,
		"milestones":     milestones,
		"settle_domain":  settleDomain,
		"settle_address": settleAddress,
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, "v0/jobs/direct", body, &resp)
	return resp, err
}

// GetJob fetches one job.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, c.jobPath(jobID, ""), nil, &resp)
	return resp, err
}

// ListJobs lists jobs, optionally filtered by status.
func (c *Client) ListJobs(ctx context.Context, status string) ([]Job, error) {
	endpoint := "v0/jobs"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Job
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Apply applies to an open job.
func (c *Client) Apply(ctx context.Context, jobID, proposalRef string, milestones []Milestone, settleDomain, settleAddress string) (Application, error) {
	body := map[string]any{
		"proposal_ref":   proposalRef,
		"milestones":     milestones,
		"settle_domain":  settleDomain,
		"settle_address": settleAddress,
	}
	var resp Application
	err := c.do(ctx, http.MethodPost, c.jobPath(jobID, "applications"), body, &resp)
	return resp, err
}

// StartJob selects an application and locks the first milestone.
func (c *Client) StartJob(ctx context.Context, jobID string, applicationID int, useApplicantMilestones bool) (Job, error) {
	body := map[string]any{
		"application_id":           applicationID,
		"use_applicant_milestones": useApplicantMilestones,
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(jobID, "start"), body, &resp)
	return resp, err
}

// SubmitWork submits a work reference for review.
func (c *Client) SubmitWork(ctx context.Context, jobID, workRef string) error {
	body := map[string]any{"work_ref": workRef}
	return c.do(ctx, http.MethodPost, c.jobPath(jobID, "submissions"), body, nil)
}

// Release releases the active milestone payment.
func (c *Client) Release(ctx context.Context, jobID string, gross int64, destDomain, destAddress string) (ReleaseResult, error) {
	body := map[string]any{
		"gross":        gross,
		"dest_domain":  destDomain,
		"dest_address": destAddress,
	}
	var resp ReleaseResult
	err := c.do(ctx, http.MethodPost, c.jobPath(jobID, "release"), body, &resp)
	return resp, err
}

// ReleaseAndLockNext releases the active milestone and locks the next.
func (c *Client) ReleaseAndLockNext(ctx context.Context, jobID string) (ReleaseResult, error) {
	var resp ReleaseResult
	err := c.do(ctx, http.MethodPost, c.jobPath(jobID, "release-next"), nil, &resp)
	return resp, err
}

// CancelJob cancels an open job.
func (c *Client) CancelJob(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(jobID, "cancel"), nil, &resp)
	return resp, err
}

// Events returns audit events after the given id.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v0/events?after=%d", after)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transfers lists settlement transfers, optionally filtered by status.
func (c *Client) Transfers(ctx context.Context, status string) ([]Transfer, error) {
	endpoint := "v0/transfers"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Transfer
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	reqURL := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) jobPath(jobID, p string) string {
	base := fmt.Sprintf("v0/jobs/%s", url.PathEscape(jobID))
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
