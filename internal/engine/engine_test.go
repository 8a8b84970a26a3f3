package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"jobline/internal/config"
	"jobline/internal/db"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/migrate"
)

type stubCall struct {
	Net         int64
	DestDomain  string
	DestAddress string
}

type stubNetwork struct {
	fail  bool
	calls []stubCall
}

func (s *stubNetwork) InitiateTransfer(_ context.Context, net int64, destDomain, destAddress string) (string, error) {
	if s.fail {
		return "", errors.New("network down")
	}
	s.calls = append(s.calls, stubCall{Net: net, DestDomain: destDomain, DestAddress: destAddress})
	return fmt.Sprintf("disp-%d", len(s.calls)), nil
}

type stubRewards struct {
	notices int
}

func (s *stubRewards) NotifyPayment(_ context.Context, _, _ string, _ int64) error {
	s.notices++
	return nil
}

type testEnv struct {
	Engine  *engine.Engine
	Network *stubNetwork
	Rewards *stubRewards
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test-platform")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	network := &stubNetwork{}
	rewards := &stubRewards{}
	eng.Settlement = network
	eng.Rewards = rewards
	return testEnv{Engine: eng, Network: network, Rewards: rewards, Ctx: context.Background()}
}

func twoMilestones() []domain.Milestone {
	return []domain.Milestone{
		{DescriptionRef: "design", Amount: 100},
		{DescriptionRef: "build", Amount: 200},
	}
}

func TestPostJobValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.PostJob(env.Ctx, "alice", "", nil, ""); !errors.Is(err, engine.ErrInvalidMilestones) {
		t.Fatalf("empty plan: got %v, want ErrInvalidMilestones", err)
	}
	bad := []domain.Milestone{{DescriptionRef: "design", Amount: 0}}
	if _, err := env.Engine.PostJob(env.Ctx, "alice", "", bad, ""); !errors.Is(err, engine.ErrInvalidMilestones) {
		t.Fatalf("zero amount: got %v, want ErrInvalidMilestones", err)
	}
}

func TestJobIDsQualifiedByOriginDomain(t *testing.T) {
	env := newTestEnv(t)
	j1, err := env.Engine.PostJob(env.Ctx, "alice", "", twoMilestones(), "")
	if err != nil {
		t.Fatal(err)
	}
	if j1.ID != "hub-1" {
		t.Fatalf("first job id = %q, want hub-1", j1.ID)
	}
	j2, err := env.Engine.PostJob(env.Ctx, "alice", "", twoMilestones(), "chainx")
	if err != nil {
		t.Fatal(err)
	}
	if j2.ID != "chainx-1" {
		t.Fatalf("cross-domain job id = %q, want chainx-1", j2.ID)
	}
	j3, err := env.Engine.PostJob(env.Ctx, "alice", "", twoMilestones(), "")
	if err != nil {
		t.Fatal(err)
	}
	if j3.ID != "hub-2" {
		t.Fatalf("second local job id = %q, want hub-2", j3.ID)
	}
}

func TestJobLifecycle(t *testing.T) {
	env := newTestEnv(t)
	j, err := env.Engine.PostJob(env.Ctx, "alice", "ref:detail", twoMilestones(), "")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if j.Status != domain.JobStatusOpen || j.CurrentMilestone != 0 {
		t.Fatalf("posted job: status=%s pointer=%d", j.Status, j.CurrentMilestone)
	}

	app, err := env.Engine.ApplyToJob(env.Ctx, "bob", j.ID, "ref:proposal", nil, "chainx", "0xbob")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if app.ApplicationID != 1 {
		t.Fatalf("application id = %d, want 1", app.ApplicationID)
	}
	if len(app.Milestones) != 2 {
		t.Fatalf("empty proposal should default to the job plan, got %d milestones", len(app.Milestones))
	}

	j, err = env.Engine.StartJob(env.Ctx, "alice", j.ID, 1, false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if j.Status != domain.JobStatusInProgress || j.CurrentMilestone != 1 || j.CurrentLockedAmount != 100 {
		t.Fatalf("started job: status=%s pointer=%d locked=%d", j.Status, j.CurrentMilestone, j.CurrentLockedAmount)
	}
	if j.SelectedApplicant == nil || *j.SelectedApplicant != "bob" {
		t.Fatalf("selected applicant = %v, want bob", j.SelectedApplicant)
	}

	sub, err := env.Engine.SubmitWork(env.Ctx, "bob", j.ID, "ref:work-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.Seq != 1 {
		t.Fatalf("submission seq = %d, want 1", sub.Seq)
	}

	// 1% commission with minimum 1: gross 100 -> fee 1, net 99.
	j, transfer, err := env.Engine.ReleasePayment(env.Ctx, "alice", j.ID, 100, "", "")
	if err != nil {
		t.Fatalf("release 1: %v", err)
	}
	if transfer.Gross != 100 || transfer.Commission != 1 || transfer.Net != 99 {
		t.Fatalf("transfer 1: gross=%d fee=%d net=%d", transfer.Gross, transfer.Commission, transfer.Net)
	}
	if transfer.Status != domain.TransferDispatched || transfer.DispatchID == nil {
		t.Fatalf("transfer 1 not dispatched: %+v", transfer)
	}
	if transfer.DestDomain != "chainx" || transfer.DestAddress != "0xbob" {
		t.Fatalf("destination should default to the application: %s/%s", transfer.DestDomain, transfer.DestAddress)
	}
	if j.CurrentMilestone != 2 || j.CurrentLockedAmount != 0 || j.TotalPaid != 99 {
		t.Fatalf("after release 1: pointer=%d locked=%d paid=%d", j.CurrentMilestone, j.CurrentLockedAmount, j.TotalPaid)
	}
	if j.Status != domain.JobStatusInProgress {
		t.Fatalf("job completed early: %s", j.Status)
	}

	j, transfer, err = env.Engine.ReleasePayment(env.Ctx, "alice", j.ID, 200, "", "")
	if err != nil {
		t.Fatalf("release 2: %v", err)
	}
	if transfer.Net != 198 || transfer.Commission != 2 {
		t.Fatalf("transfer 2: fee=%d net=%d", transfer.Commission, transfer.Net)
	}
	if j.Status != domain.JobStatusCompleted || j.TotalPaid != 297 {
		t.Fatalf("final job: status=%s paid=%d", j.Status, j.TotalPaid)
	}

	accrued, err := env.Engine.Ledger.CommissionAccrued(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if accrued != 3 {
		t.Fatalf("commission accrued = %d, want 3", accrued)
	}
	if len(env.Network.calls) != 2 {
		t.Fatalf("settlement dispatches = %d, want 2", len(env.Network.calls))
	}
	if env.Rewards.notices != 2 {
		t.Fatalf("reward notices = %d, want 2", env.Rewards.notices)
	}
}

func TestReleaseAndLockNext(t *testing.T) {
	env := newTestEnv(t)
	j, _ := env.Engine.PostJob(env.Ctx, "alice", "", twoMilestones(), "")
	_, _ = env.Engine.ApplyToJob(env.Ctx, "bob", j.ID, "", nil, "chainx", "0xbob")
	j, _ = env.Engine.StartJob(env.Ctx, "alice", j.ID, 1, false)

	j, _, err := env.Engine.ReleaseAndLockNext(env.Ctx, "alice", j.ID)
	if err != nil {
		t.Fatalf("release-next: %v", err)
	}
	if j.CurrentMilestone != 2 || j.CurrentLockedAmount != 200 {
		t.Fatalf("after release-next: pointer=%d locked=%d", j.CurrentMilestone, j.CurrentLockedAmount)
	}
	j, _, err = env.Engine.ReleaseAndLockNext(env.Ctx, "alice", j.ID)
	if err != nil {
		t.Fatalf("final release-next: %v", err)
	}
	if j.Status != domain.JobStatusCompleted || j.CurrentLockedAmount != 0 {
		t.Fatalf("final job: status=%s locked=%d", j.Status, j.CurrentLockedAmount)
	}
}

func TestReleaseRejections(t *testing.T) {
	env := newTestEnv(t)
	j, _ := env.Engine.PostJob(env.Ctx, "alice", "", twoMilestones(), "")

	if _, _, err := env.Engine.ReleasePayment(env.Ctx, "alice", j.ID, 100, "", ""); !errors.Is(err, engine.ErrJobNotInProgress) {
		t.Fatalf("release on open job: got %v, want ErrJobNotInProgress", err)
	}

	_, _ = env.Engine.ApplyToJob(env.Ctx, "bob", j.ID, "", nil, "chainx", "0xbob")
	_, _ = env.Engine.StartJob(env.Ctx, "alice", j.ID, 1, false)

	if _, _, err := env.Engine.ReleasePayment(env.Ctx, "mallory", j.ID, 100, "", ""); !errors.Is(err, engine.ErrNotCreator) {
		t.Fatalf("release by stranger: got %v, want ErrNotCreator", err)
	}
	if _, _, err := env.Engine.ReleasePayment(env.Ctx, "alice", j.ID, 150, "", ""); !errors.Is(err, engine.ErrMilestoneAmountMismatch) {
		t.Fatalf("wrong amount: got %v, want ErrMilestoneAmountMismatch", err)
	}

	// A rejected release leaves the job untouched and dispatches nothing.
	got, err := env.Engine.Ledger.GetJob(env.Ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentMilestone != 1 || got.CurrentLockedAmount != 100 || got.TotalPaid != 0 {
		t.Fatalf("job mutated by rejected release: %+v", got)
	}
	if len(env.Network.calls) != 0 {
		t.Fatalf("dispatches after rejections = %d, want 0", len(env.Network.calls))
	}
}

func TestDuplicateApplicationRejected(t *testing.T) {
	env := newTestEnv(t)
	j, _ := env.Engine.PostJob(env.Ctx, "alice", "", twoMilestones(), "")
	if _, err := env.Engine.ApplyToJob(env.Ctx, "bob", j.ID, "", nil, "", ""); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if _, err := env.Engine.ApplyToJob(env.Ctx, "bob", j.ID, "better offer", nil, "", ""); !errors.Is(err, engine.ErrDuplicateApplication) {
		t.Fatalf("second apply: got %v, want ErrDuplicateApplication", err)
	}
}

func TestApplyToStartedJobRejected(t *testing.T) {
	env := newTestEnv(t)
	j, _ := env.Engine.PostJob(env.Ctx, "alice", "", twoMilestones(), "")
	_, _ = env.Engine.ApplyToJob(env.Ctx, "bob", j.ID, "", nil, "", "")
	_, _ = env.Engine.StartJob(env.Ctx, "alice", j.ID, 1, false)
	if _, err := env.Engine.ApplyToJob(env.Ctx, "carol", j.ID, "", nil, "", ""); !errors.Is(err, engine.ErrJobNotOpen) {
		t.Fatalf("apply after start: got %v, want ErrJobNotOpen", err)
	}
}

func TestStartJobWithApplicantMilestones(t *testing.T) {
	env := newTestEnv(t)
	j, _ := env.Engine.PostJob(env.Ctx, "alice", "", twoMilestones(), "")
	counter := []domain.Milestone{
		{DescriptionRef: "all-at-once", Amount: 250},
	}
	_, err := env.Engine.ApplyToJob(env.Ctx, "bob", j.ID, "ref:counter", counter, "", "")
	if err != nil {
		t.Fatal(err)
	}
	j, err = env.Engine.StartJob(env.Ctx, "alice", j.ID, 1, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(j.FinalMilestones) != 1 || j.CurrentLockedAmount != 250 {
		t.Fatalf("applicant plan not adopted: %+v locked=%d", j.FinalMilestones, j.CurrentLockedAmount)
	}
}

func TestSubmitWorkGating(t *testing.T) {
	env := newTestEnv(t)
	j, _ := env.Engine.PostJob(env.Ctx, "alice", "", twoMilestones(), "")
	if _, err := env.Engine.SubmitWork(env.Ctx, "bob", j.ID, "ref:w"); !errors.Is(err, engine.ErrJobNotInProgress) {
		t.Fatalf("submit on open job: got %v, want ErrJobNotInProgress", err)
	}
	_, _ = env.Engine.ApplyToJob(env.Ctx, "bob", j.ID, "", nil, "", "")
	_, _ = env.Engine.StartJob(env.Ctx, "alice", j.ID, 1, false)
	if _, err := env.Engine.SubmitWork(env.Ctx, "carol", j.ID, "ref:w"); !errors.Is(err, engine.ErrNotSelectedApplicant) {
		t.Fatalf("submit by stranger: got %v, want ErrNotSelectedApplicant", err)
	}
	if _, err := env.Engine.SubmitWork(env.Ctx, "bob", j.ID, "ref:w"); err != nil {
		t.Fatalf("submit by selected applicant: %v", err)
	}
}

func TestCancelRules(t *testing.T) {
	env := newTestEnv(t)
	j, _ := env.Engine.PostJob(env.Ctx, "alice", "", twoMilestones(), "")
	if _, err := env.Engine.CancelJob(env.Ctx, "mallory", j.ID); !errors.Is(err, engine.ErrNotCreator) {
		t.Fatalf("cancel by stranger: got %v, want ErrNotCreator", err)
	}
	j2, _ := env.Engine.PostJob(env.Ctx, "alice", "", twoMilestones(), "")
	_, _ = env.Engine.ApplyToJob(env.Ctx, "bob", j2.ID, "", nil, "", "")
	_, _ = env.Engine.StartJob(env.Ctx, "alice", j2.ID, 1, false)
	if _, err := env.Engine.CancelJob(env.Ctx, "alice", j2.ID); !errors.Is(err, engine.ErrJobNotOpen) {
		t.Fatalf("cancel started job: got %v, want ErrJobNotOpen", err)
	}
	j, err := env.Engine.CancelJob(env.Ctx, "alice", j.ID)
	if err != nil {
		t.Fatalf("cancel open job: %v", err)
	}
	if j.Status != domain.JobStatusCancelled {
		t.Fatalf("status = %s, want cancelled", j.Status)
	}
}

func TestDirectContract(t *testing.T) {
	env := newTestEnv(t)
	plan := []domain.Milestone{{DescriptionRef: "fix", Amount: 50}}
	j, err := env.Engine.StartDirectContract(env.Ctx, "alice", "bob", "ref:detail", plan, "chainx", "0xbob", "")
	if err != nil {
		t.Fatalf("direct: %v", err)
	}
	if j.Status != domain.JobStatusInProgress || j.CurrentMilestone != 1 || j.CurrentLockedAmount != 50 {
		t.Fatalf("direct job: status=%s pointer=%d locked=%d", j.Status, j.CurrentMilestone, j.CurrentLockedAmount)
	}
	if j.SelectedApplicant == nil || *j.SelectedApplicant != "bob" {
		t.Fatalf("selected applicant = %v, want bob", j.SelectedApplicant)
	}
	apps, err := env.Engine.Ledger.ListApplications(env.Ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(apps) != 1 || apps[0].ApplicationID != 1 || apps[0].Applicant != "bob" {
		t.Fatalf("synthesized application: %+v", apps)
	}

	// gross 50 -> fee 1 (minimum), net 49
	j, transfer, err := env.Engine.ReleasePayment(env.Ctx, "alice", j.ID, 50, "", "")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if transfer.Net != 49 || j.Status != domain.JobStatusCompleted || j.TotalPaid != 49 {
		t.Fatalf("direct payout: net=%d status=%s paid=%d", transfer.Net, j.Status, j.TotalPaid)
	}
}

func TestDisputePayout(t *testing.T) {
	env := newTestEnv(t)
	j, _ := env.Engine.PostJob(env.Ctx, "alice", "", twoMilestones(), "")
	_, _ = env.Engine.ApplyToJob(env.Ctx, "bob", j.ID, "", nil, "chainx", "0xbob")
	_, _ = env.Engine.StartJob(env.Ctx, "alice", j.ID, 1, false)

	if _, err := env.Engine.ReleaseDisputedFunds(env.Ctx, "mallory", j.ID, "bob", 100, "chainx", "0xbob"); !errors.Is(err, engine.ErrNotArbiter) {
		t.Fatalf("payout by stranger: got %v, want ErrNotArbiter", err)
	}

	// Default config arbiter identity.
	transfer, err := env.Engine.ReleaseDisputedFunds(env.Ctx, "dispute-oracle", j.ID, "bob", 100, "chainx", "0xbob")
	if err != nil {
		t.Fatalf("arbiter payout: %v", err)
	}
	if transfer.Net != 99 || transfer.Commission != 1 {
		t.Fatalf("dispute transfer: fee=%d net=%d", transfer.Commission, transfer.Net)
	}
	if transfer.Status != domain.TransferDispatched {
		t.Fatalf("dispute transfer not dispatched: %+v", transfer)
	}
	got, _ := env.Engine.Ledger.GetJob(env.Ctx, j.ID)
	if got.Status != domain.JobStatusCompleted || got.CurrentLockedAmount != 0 || got.TotalPaid != 99 {
		t.Fatalf("disputed job: status=%s locked=%d paid=%d", got.Status, got.CurrentLockedAmount, got.TotalPaid)
	}
}

func TestDisputeCreatorWinsDispatchesNothing(t *testing.T) {
	env := newTestEnv(t)
	j, _ := env.Engine.PostJob(env.Ctx, "alice", "", twoMilestones(), "")
	_, _ = env.Engine.ApplyToJob(env.Ctx, "bob", j.ID, "", nil, "", "")
	_, _ = env.Engine.StartJob(env.Ctx, "alice", j.ID, 1, false)

	transfer, err := env.Engine.ReleaseDisputedFunds(env.Ctx, "dispute-oracle", j.ID, "alice", 100, "hub", "")
	if err != nil {
		t.Fatalf("creator-wins payout: %v", err)
	}
	if transfer.ID != "" {
		t.Fatalf("creator win should produce no transfer, got %+v", transfer)
	}
	if len(env.Network.calls) != 0 {
		t.Fatalf("dispatches = %d, want 0", len(env.Network.calls))
	}
	got, _ := env.Engine.Ledger.GetJob(env.Ctx, j.ID)
	if got.Status != domain.JobStatusCompleted || got.TotalPaid != 0 {
		t.Fatalf("job after creator win: status=%s paid=%d", got.Status, got.TotalPaid)
	}
}

func TestDispatchFailureDoesNotFailRelease(t *testing.T) {
	env := newTestEnv(t)
	j, _ := env.Engine.PostJob(env.Ctx, "alice", "", twoMilestones(), "")
	_, _ = env.Engine.ApplyToJob(env.Ctx, "bob", j.ID, "", nil, "chainx", "0xbob")
	_, _ = env.Engine.StartJob(env.Ctx, "alice", j.ID, 1, false)

	env.Network.fail = true
	j, transfer, err := env.Engine.ReleasePayment(env.Ctx, "alice", j.ID, 100, "", "")
	if err != nil {
		t.Fatalf("release with broken network must still commit: %v", err)
	}
	if transfer.Status != domain.TransferFailed || transfer.Reason == "" {
		t.Fatalf("transfer should be marked failed: %+v", transfer)
	}
	if j.CurrentMilestone != 2 || j.TotalPaid != 99 {
		t.Fatalf("ledger must advance despite dispatch failure: pointer=%d paid=%d", j.CurrentMilestone, j.TotalPaid)
	}

	env.Network.fail = false
	retried, failed, err := env.Engine.RedispatchFailed(env.Ctx)
	if err != nil {
		t.Fatalf("redispatch: %v", err)
	}
	if retried != 1 || failed != 0 {
		t.Fatalf("redispatch: retried=%d failed=%d", retried, failed)
	}
	stored, err := env.Engine.Ledger.GetTransfer(env.Ctx, transfer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.TransferDispatched || stored.DispatchID == nil {
		t.Fatalf("transfer after redispatch: %+v", stored)
	}
}

func TestRejectedOperationsLeaveAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	j, _ := env.Engine.PostJob(env.Ctx, "alice", "", twoMilestones(), "")
	_, _ = env.Engine.ApplyToJob(env.Ctx, "bob", j.ID, "", nil, "", "")
	_, err := env.Engine.ApplyToJob(env.Ctx, "bob", j.ID, "", nil, "", "")
	if !errors.Is(err, engine.ErrDuplicateApplication) {
		t.Fatalf("got %v, want ErrDuplicateApplication", err)
	}
	evts, err := env.Engine.Ledger.EventsAfter(env.Ctx, 50, 0, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range evts {
		if e.Type == "op.rejected" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no op.rejected event recorded, got %+v", evts)
	}
}
