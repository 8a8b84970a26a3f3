package inbound_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"jobline/internal/config"
	"jobline/internal/db"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/inbound"
	"jobline/internal/migrate"
	"jobline/internal/settlement"
)

func newDispatcher(t *testing.T) (inbound.Dispatcher, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("test-platform"))
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Settlement = settlement.LogNetwork{}
	eng.Rewards = settlement.LogRewards{}
	return inbound.Dispatcher{Engine: eng}, context.Background()
}

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestHandleRoutesPostJob(t *testing.T) {
	d, ctx := newDispatcher(t)
	result, err := d.Handle(ctx, inbound.Envelope{
		Function:     inbound.OpPostJob,
		SourceDomain: "chainx",
		Actor:        "alice",
		Payload: mustPayload(t, inbound.PostJob{
			DetailRef:  "ref:detail",
			Milestones: []domain.Milestone{{DescriptionRef: "design", Amount: 100}},
		}),
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	job, ok := result.(domain.Job)
	if !ok {
		t.Fatalf("result type %T, want domain.Job", result)
	}
	if job.ID != "chainx-1" || job.OriginDomain != "chainx" {
		t.Fatalf("job = %+v, want id chainx-1 from source domain", job)
	}
}

func TestHandleFullFlowThroughEnvelopes(t *testing.T) {
	d, ctx := newDispatcher(t)
	plan := []domain.Milestone{{DescriptionRef: "fix", Amount: 100}}

	res, err := d.Handle(ctx, inbound.Envelope{
		Function: inbound.OpPostJob, SourceDomain: "chainx", Actor: "alice",
		Payload: mustPayload(t, inbound.PostJob{Milestones: plan}),
	})
	if err != nil {
		t.Fatal(err)
	}
	jobID := res.(domain.Job).ID

	if _, err := d.Handle(ctx, inbound.Envelope{
		Function: inbound.OpApplyToJob, SourceDomain: "chainy", Actor: "bob",
		Payload: mustPayload(t, inbound.ApplyToJob{JobID: jobID, SettleDomain: "chainy", SettleAddress: "0xbob"}),
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := d.Handle(ctx, inbound.Envelope{
		Function: inbound.OpStartJob, SourceDomain: "chainx", Actor: "alice",
		Payload: mustPayload(t, inbound.StartJob{JobID: jobID, ApplicationID: 1}),
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := d.Handle(ctx, inbound.Envelope{
		Function: inbound.OpSubmitWork, SourceDomain: "chainy", Actor: "bob",
		Payload: mustPayload(t, inbound.SubmitWork{JobID: jobID, WorkRef: "ref:work"}),
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	res, err = d.Handle(ctx, inbound.Envelope{
		Function: inbound.OpReleasePayment, SourceDomain: "chainx", Actor: "alice",
		Payload: mustPayload(t, inbound.ReleasePayment{JobID: jobID, Gross: 100}),
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	out, ok := res.(inbound.ReleaseResult)
	if !ok {
		t.Fatalf("release result type %T", res)
	}
	if out.Job.Status != domain.JobStatusCompleted || out.Transfer.Net != 99 {
		t.Fatalf("release result: status=%s net=%d", out.Job.Status, out.Transfer.Net)
	}
	if out.Transfer.DestDomain != "chainy" {
		t.Fatalf("payout should settle on the applicant's domain, got %s", out.Transfer.DestDomain)
	}
}

func TestHandleUnknownOperation(t *testing.T) {
	d, ctx := newDispatcher(t)
	_, err := d.Handle(ctx, inbound.Envelope{
		Function: "explode_job",
		Actor:    "alice",
		Payload:  json.RawMessage(`{}`),
	})
	if !errors.Is(err, inbound.ErrUnknownOperation) {
		t.Fatalf("got %v, want ErrUnknownOperation", err)
	}
}

func TestHandleRequiresActor(t *testing.T) {
	d, ctx := newDispatcher(t)
	_, err := d.Handle(ctx, inbound.Envelope{
		Function: inbound.OpPostJob,
		Payload:  json.RawMessage(`{}`),
	})
	if err == nil {
		t.Fatal("expected error for missing actor")
	}
}

func TestHandleRequiresPayload(t *testing.T) {
	d, ctx := newDispatcher(t)
	_, err := d.Handle(ctx, inbound.Envelope{
		Function: inbound.OpPostJob,
		Actor:    "alice",
	})
	if err == nil {
		t.Fatal("expected error for missing payload")
	}
}
