package engine_test

import (
	"errors"
	"strings"
	"testing"

	"pharmaline/internal/domain"
	"pharmaline/internal/engine"
)

// failedCompression drives a tablet batch up to the compression checkpoint
// and fails it, returning the quarantine that opens.
func failedCompression(t *testing.T, env testEnv, machines map[string]domain.Machine, batchID string) domain.QuarantineBatch {
	t.Helper()
	runPhase(t, env, batchID, "raw_material_release", "")
	runPhase(t, env, batchID, "material_dispensing", "")
	runPhase(t, env, batchID, "granulation", machines["granulation"].ID)
	runPhase(t, env, batchID, "blending", machines["blending"].ID)
	runPhase(t, env, batchID, "compression", machines["compression"].ID)
	if _, err := env.Engine.EvaluateQC(env.Ctx, engine.QCDecisionOptions{
		BatchID: batchID, PhaseName: "compression", Approved: false,
		Reason: "hardness out of range", ActorID: "tester",
	}); err != nil {
		t.Fatalf("qc fail: %v", err)
	}
	q, err := env.Engine.Repo.OpenQuarantine(env.Ctx, batchID)
	if err != nil {
		t.Fatalf("open quarantine: %v", err)
	}
	return q
}

func TestQCFailOpensQuarantine(t *testing.T) {
	env := newTestEnv(t)
	machines := seedMachines(t, env)
	p := seedTablet(t, env)
	b := approvedBatch(t, env, p.ID, "0012025")
	q := failedCompression(t, env, machines, b.ID)

	if q.Status != domain.QuarantineOpen {
		t.Fatalf("quarantine status %s", q.Status)
	}
	if q.PhaseName != "compression" || q.RollbackTo != 5 {
		t.Fatalf("quarantine %+v", q)
	}
	if st := phaseStatus(t, env, b.ID, "compression").Status; st != domain.PhaseFailed {
		t.Fatalf("compression %s", st)
	}
	// A second decision on the failed phase is refused.
	_, err := env.Engine.EvaluateQC(env.Ctx, engine.QCDecisionOptions{
		BatchID: b.ID, PhaseName: "compression", Approved: true, ActorID: "tester",
	})
	if err == nil {
		t.Fatalf("second qc decision allowed")
	}
}

func TestSampleHandoffOrder(t *testing.T) {
	env := newTestEnv(t)
	machines := seedMachines(t, env)
	p := seedTablet(t, env)
	b := approvedBatch(t, env, p.ID, "0012025")
	q := failedCompression(t, env, machines, b.ID)

	// Sampling before a request is out of order.
	_, err := env.Engine.RecordSampling(env.Ctx, engine.SampleOptions{QuarantineID: q.ID, ActorID: "tester"})
	var soe engine.StageOrderError
	if !errors.As(err, &soe) {
		t.Fatalf("sampling before request: %v", err)
	}

	// So is a test result before receipt.
	_, err = env.Engine.RecordTestResult(env.Ctx, engine.SampleOptions{QuarantineID: q.ID, Approved: true, ActorID: "tester"})
	if !errors.As(err, &soe) {
		t.Fatalf("result before receipt: %v", err)
	}

	s, err := env.Engine.RequestSample(env.Ctx, engine.SampleOptions{QuarantineID: q.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("request sample: %v", err)
	}
	if s.SampleNumber != 1 || s.QCStatus != domain.SamplePending {
		t.Fatalf("sample %+v", s)
	}
	if _, err := env.Engine.RecordSampling(env.Ctx, engine.SampleOptions{QuarantineID: q.ID, ActorID: "tester"}); err != nil {
		t.Fatalf("record sampling: %v", err)
	}
	if _, err := env.Engine.RecordReceipt(env.Ctx, engine.SampleOptions{QuarantineID: q.ID, ActorID: "tester"}); err != nil {
		t.Fatalf("record receipt: %v", err)
	}
	s, err = env.Engine.RecordTestResult(env.Ctx, engine.SampleOptions{
		QuarantineID: q.ID, Approved: true,
		Results: `{"hardness":"within limits"}`, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("record result: %v", err)
	}
	if s.QCStatus != domain.SampleApproved || s.DecidedBy == nil {
		t.Fatalf("decided sample %+v", s)
	}
}

func approveSample(t *testing.T, env testEnv, quarantineID string, verdict bool) {
	t.Helper()
	for _, step := range []func() error{
		func() error {
			_, err := env.Engine.RequestSample(env.Ctx, engine.SampleOptions{QuarantineID: quarantineID, ActorID: "tester"})
			return err
		},
		func() error {
			_, err := env.Engine.RecordSampling(env.Ctx, engine.SampleOptions{QuarantineID: quarantineID, ActorID: "tester"})
			return err
		},
		func() error {
			_, err := env.Engine.RecordReceipt(env.Ctx, engine.SampleOptions{QuarantineID: quarantineID, ActorID: "tester"})
			return err
		},
		func() error {
			_, err := env.Engine.RecordTestResult(env.Ctx, engine.SampleOptions{QuarantineID: quarantineID, Approved: verdict, ActorID: "tester"})
			return err
		},
	} {
		if err := step(); err != nil {
			t.Fatalf("sample step: %v", err)
		}
	}
}

func TestReleaseRollsBackFailedPhase(t *testing.T) {
	env := newTestEnv(t)
	machines := seedMachines(t, env)
	p := seedTablet(t, env)
	b := approvedBatch(t, env, p.ID, "0012025")
	q := failedCompression(t, env, machines, b.ID)

	// Release before any sample is decided.
	_, err := env.Engine.ReleaseQuarantine(env.Ctx, engine.ReleaseOptions{QuarantineID: q.ID, ActorID: "tester"})
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("release without sampling: %v", err)
	}

	// First sample fails, second passes.
	approveSample(t, env, q.ID, false)
	_, err = env.Engine.ReleaseQuarantine(env.Ctx, engine.ReleaseOptions{QuarantineID: q.ID, ActorID: "tester"})
	var pe engine.PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("release on failed sample: %v", err)
	}
	approveSample(t, env, q.ID, true)

	released, err := env.Engine.ReleaseQuarantine(env.Ctx, engine.ReleaseOptions{
		QuarantineID: q.ID, Reason: "retest passed", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != domain.QuarantineReleased || released.ReleasedBy == nil {
		t.Fatalf("released %+v", released)
	}

	// The failed attempt stays as history, a fresh attempt resumes.
	ex := phaseStatus(t, env, b.ID, "compression")
	if ex.Status != domain.PhasePending || ex.Attempt != 2 {
		t.Fatalf("retry execution %+v", ex)
	}
	if ex.QCApproved != nil {
		t.Fatalf("retry carries old verdict")
	}
	history, err := env.Engine.PhaseHistory(env.Ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	rolledBack := false
	for _, h := range history {
		if h.PhaseName == "compression" && h.Attempt == 1 && h.Status == domain.PhaseRolledBack {
			rolledBack = true
		}
	}
	if !rolledBack {
		t.Fatalf("first attempt not rolled back")
	}

	// The batch can now run to completion.
	runPhase(t, env, b.ID, "compression", machines["compression"].ID)
	if _, err := env.Engine.EvaluateQC(env.Ctx, engine.QCDecisionOptions{
		BatchID: b.ID, PhaseName: "compression", Approved: true, ActorID: "tester",
	}); err != nil {
		t.Fatalf("retry qc: %v", err)
	}
	runPhase(t, env, b.ID, "sorting", "")
	runPhase(t, env, b.ID, "packaging_material_release", "")
	runPhase(t, env, b.ID, "blister_packing", machines["blister_packing"].ID)
	runPhase(t, env, b.ID, "secondary_packaging", "")
	runPhase(t, env, b.ID, "final_qa", "")
	runPhase(t, env, b.ID, "finished_goods_store", "")
	got, err := env.Engine.Repo.GetBatch(env.Ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.BatchCompleted {
		t.Fatalf("batch status %s", got.Status)
	}
}

func TestDeviationQuarantinesBatch(t *testing.T) {
	env := newTestEnv(t)
	machines := seedMachines(t, env)
	p := seedTablet(t, env)
	b := approvedBatch(t, env, p.ID, "0012025")
	runPhase(t, env, b.ID, "raw_material_release", "")
	runPhase(t, env, b.ID, "material_dispensing", "")
	runPhase(t, env, b.ID, "granulation", machines["granulation"].ID)

	// A reason is mandatory.
	_, err := env.Engine.FlagDeviation(env.Ctx, engine.DeviationOptions{
		BatchID: b.ID, PhaseName: "blending", ActorID: "tester",
	})
	var pe engine.PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("deviation without reason: %v", err)
	}

	q, err := env.Engine.FlagDeviation(env.Ctx, engine.DeviationOptions{
		BatchID: b.ID, PhaseName: "blending",
		Reason: "foreign particles in blender", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("flag deviation: %v", err)
	}
	if q.Status != domain.QuarantineOpen || q.PhaseName != "blending" {
		t.Fatalf("quarantine %+v", q)
	}
	if st := phaseStatus(t, env, b.ID, "blending").Status; st != domain.PhaseFailed {
		t.Fatalf("blending %s", st)
	}

	// Only one quarantine can be open per batch.
	_, err = env.Engine.FlagDeviation(env.Ctx, engine.DeviationOptions{
		BatchID: b.ID, PhaseName: "blending",
		Reason: "same incident", ActorID: "tester",
	})
	var dup engine.DuplicateQuarantineError
	if !errors.As(err, &dup) {
		t.Fatalf("second deviation: %v", err)
	}
	if dup.QuarantineID != q.ID {
		t.Fatalf("duplicate points at %s, want %s", dup.QuarantineID, q.ID)
	}

	// Starting any phase is blocked while the quarantine is open.
	_, err = env.Engine.StartPhase(env.Ctx, engine.PhaseStartOptions{
		BatchID: b.ID, PhaseName: "blending", MachineID: machines["blending"].ID, ActorID: "tester",
	})
	if !errors.As(err, &pe) {
		t.Fatalf("start under quarantine: %v", err)
	}
	if !strings.Contains(pe.Detail, "quarantined") {
		t.Fatalf("detail %q", pe.Detail)
	}

	// Release resumes the flagged phase on a fresh attempt.
	approveSample(t, env, q.ID, true)
	if _, err := env.Engine.ReleaseQuarantine(env.Ctx, engine.ReleaseOptions{
		QuarantineID: q.ID, Reason: "investigation closed", ActorID: "tester",
	}); err != nil {
		t.Fatalf("release: %v", err)
	}
	ex := phaseStatus(t, env, b.ID, "blending")
	if ex.Status != domain.PhasePending || ex.Attempt != 2 {
		t.Fatalf("retry execution %+v", ex)
	}
	runPhase(t, env, b.ID, "blending", machines["blending"].ID)
}

func TestSampleLimit(t *testing.T) {
	env := newTestEnv(t)
	machines := seedMachines(t, env)
	p := seedTablet(t, env)
	b := approvedBatch(t, env, p.ID, "0012025")
	q := failedCompression(t, env, machines, b.ID)

	approveSample(t, env, q.ID, false)
	approveSample(t, env, q.ID, false)

	_, err := env.Engine.RequestSample(env.Ctx, engine.SampleOptions{QuarantineID: q.ID, ActorID: "tester"})
	var sle engine.SampleLimitError
	if !errors.As(err, &sle) {
		t.Fatalf("expected sample limit, got %v", err)
	}
	if sle.Limit != 2 {
		t.Fatalf("limit %d", sle.Limit)
	}
}

func TestLifecycleEventNames(t *testing.T) {
	env := newTestEnv(t)
	machines := seedMachines(t, env)
	p := seedTablet(t, env)
	b := approvedBatch(t, env, p.ID, "0012025")
	q := failedCompression(t, env, machines, b.ID)
	approveSample(t, env, q.ID, true)
	if _, err := env.Engine.ReleaseQuarantine(env.Ctx, engine.ReleaseOptions{
		QuarantineID: q.ID, Reason: "retest passed", ActorID: "tester",
	}); err != nil {
		t.Fatalf("release: %v", err)
	}

	evts, err := env.Engine.Repo.ListEvents(env.Ctx, b.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, e := range evts {
		seen[e.Type] = true
	}
	for _, want := range []string{
		"batch.created", "batch.submitted", "batch.approved", "batch.production_started",
		"phase.started", "phase.completed", "phase.failed",
		"batch.quarantined", "batch.released",
	} {
		if !seen[want] {
			t.Fatalf("event %s not recorded, got %v", want, seen)
		}
	}
}

func TestRejectQuarantineBlocksBatch(t *testing.T) {
	env := newTestEnv(t)
	machines := seedMachines(t, env)
	p := seedTablet(t, env)
	b := approvedBatch(t, env, p.ID, "0012025")
	q := failedCompression(t, env, machines, b.ID)

	if _, err := env.Engine.RejectQuarantine(env.Ctx, engine.ReleaseOptions{QuarantineID: q.ID, ActorID: "tester"}); err == nil {
		t.Fatalf("reject without reason allowed")
	}
	rejected, err := env.Engine.RejectQuarantine(env.Ctx, engine.ReleaseOptions{
		QuarantineID: q.ID, Reason: "contamination confirmed", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.QuarantineRejected {
		t.Fatalf("status %s", rejected.Status)
	}

	// No rollback happened: compression stays failed, downstream stays gated.
	if st := phaseStatus(t, env, b.ID, "compression").Status; st != domain.PhaseFailed {
		t.Fatalf("compression %s", st)
	}
	var pe engine.PreconditionError
	_, err = env.Engine.StartPhase(env.Ctx, engine.PhaseStartOptions{
		BatchID: b.ID, PhaseName: "sorting", ActorID: "tester",
	})
	if !errors.As(err, &pe) {
		t.Fatalf("sorting after reject: %v", err)
	}

	// Cancelling is the only exit.
	cancelled, err := env.Engine.CancelBatch(env.Ctx, b.ID, "tester", "batch scrapped after failed retest", "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.BatchCancelled {
		t.Fatalf("status %s", cancelled.Status)
	}
}
