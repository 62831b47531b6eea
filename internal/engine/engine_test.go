package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pharmaline/internal/config"
	"pharmaline/internal/db"
	"pharmaline/internal/domain"
	"pharmaline/internal/engine"
	"pharmaline/internal/engine/auth"
	"pharmaline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
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
	cfg := config.Default("plant-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	now := eng.Now().UTC().Format(time.RFC3339)
	if err := eng.Repo.EnsureActor(ctx, "tester", "Tester", now); err != nil {
		t.Fatalf("ensure actor: %v", err)
	}
	if err := eng.Repo.AssignRole(ctx, "tester", auth.RoleAdmin); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func seedTablet(t *testing.T, env testEnv) domain.Product {
	t.Helper()
	p, err := env.Engine.CreateProduct(env.Ctx, engine.ProductCreateOptions{
		Name:       "Paracetamol 500mg",
		Type:       domain.ProductTablet,
		TabletType: domain.TabletNormal,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	return p
}

func seedMachines(t *testing.T, env testEnv) map[string]domain.Machine {
	t.Helper()
	machines := map[string]domain.Machine{}
	for _, mt := range []string{"granulation", "blending", "compression", "blister_packing"} {
		m, err := env.Engine.CreateMachine(env.Ctx, engine.MachineCreateOptions{Name: mt + "-1", MachineType: mt})
		if err != nil {
			t.Fatalf("create machine %s: %v", mt, err)
		}
		machines[mt] = m
	}
	return machines
}

func approvedBatch(t *testing.T, env testEnv, productID, number string) domain.Batch {
	t.Helper()
	b, err := env.Engine.CreateBatch(env.Ctx, engine.BatchCreateOptions{
		BatchNumber: number,
		ProductID:   productID,
		BatchSize:   100,
		SizeUnit:    "kg",
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if _, err := env.Engine.SubmitBatch(env.Ctx, b.ID, "tester", ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	b, err = env.Engine.ApproveBatch(env.Ctx, b.ID, "tester", "")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return b
}

func runPhase(t *testing.T, env testEnv, batchID, phase, machineID string) {
	t.Helper()
	if _, err := env.Engine.StartPhase(env.Ctx, engine.PhaseStartOptions{
		BatchID: batchID, PhaseName: phase, MachineID: machineID, ActorID: "tester",
	}); err != nil {
		t.Fatalf("start %s: %v", phase, err)
	}
	if _, err := env.Engine.CompletePhase(env.Ctx, engine.PhaseCompleteOptions{
		BatchID: batchID, PhaseName: phase, ActorID: "tester",
	}); err != nil {
		t.Fatalf("complete %s: %v", phase, err)
	}
}

func phaseStatus(t *testing.T, env testEnv, batchID, phase string) domain.PhaseExecution {
	t.Helper()
	detail, err := env.Engine.GetBatchDetail(env.Ctx, batchID)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	for _, ph := range detail.Phases {
		if ph.PhaseName == phase {
			return ph.PhaseExecution
		}
	}
	t.Fatalf("phase %s not in plan", phase)
	return domain.PhaseExecution{}
}

func TestBatchNumberValidation(t *testing.T) {
	env := newTestEnv(t)
	p := seedTablet(t, env)
	for _, bad := range []string{"12025", "AAA2025", "00120256", ""} {
		_, err := env.Engine.CreateBatch(env.Ctx, engine.BatchCreateOptions{
			BatchNumber: bad, ProductID: p.ID, BatchSize: 10, ActorID: "tester",
		})
		var pe engine.PreconditionError
		if !errors.As(err, &pe) {
			t.Fatalf("number %q: expected precondition error, got %v", bad, err)
		}
	}
	if _, err := env.Engine.CreateBatch(env.Ctx, engine.BatchCreateOptions{
		BatchNumber: "0012025", ProductID: p.ID, BatchSize: 10, ActorID: "tester",
	}); err != nil {
		t.Fatalf("valid number rejected: %v", err)
	}
	// Second batch cannot reuse the number.
	_, err := env.Engine.CreateBatch(env.Ctx, engine.BatchCreateOptions{
		BatchNumber: "0012025", ProductID: p.ID, BatchSize: 10, ActorID: "tester",
	})
	var pe engine.PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("duplicate number: expected precondition error, got %v", err)
	}
}

func TestBatchLifecycleTransitions(t *testing.T) {
	env := newTestEnv(t)
	p := seedTablet(t, env)
	b, err := env.Engine.CreateBatch(env.Ctx, engine.BatchCreateOptions{
		BatchNumber: "0012025", ProductID: p.ID, BatchSize: 100, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if b.Status != domain.BatchDraft {
		t.Fatalf("new batch status %s", b.Status)
	}

	// Approving a draft skips review.
	_, err = env.Engine.ApproveBatch(env.Ctx, b.ID, "tester", "")
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	if _, err := env.Engine.SubmitBatch(env.Ctx, b.ID, "tester", ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	b, err = env.Engine.ApproveBatch(env.Ctx, b.ID, "tester", "")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if b.Status != domain.BatchApproved || b.ApprovedBy == nil {
		t.Fatalf("approved batch %+v", b)
	}

	// Approval materializes the plan: first phase pending, rest not ready.
	detail, err := env.Engine.GetBatchDetail(env.Ctx, b.ID)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if len(detail.Phases) != 11 {
		t.Fatalf("expected 11 phases for uncoated normal tablet, got %d", len(detail.Phases))
	}
	if detail.Phases[0].Status != domain.PhasePending {
		t.Fatalf("first phase %s", detail.Phases[0].Status)
	}
	for _, ph := range detail.Phases[1:] {
		if ph.Status != domain.PhaseNotReady {
			t.Fatalf("phase %s seeded as %s", ph.PhaseName, ph.Status)
		}
	}

	// Signatures recorded per transition.
	if len(detail.Signatures) != 2 {
		t.Fatalf("expected submit+approve signatures, got %d", len(detail.Signatures))
	}
}

func TestBatchRejectRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	p := seedTablet(t, env)
	b, _ := env.Engine.CreateBatch(env.Ctx, engine.BatchCreateOptions{
		BatchNumber: "0012025", ProductID: p.ID, BatchSize: 100, ActorID: "tester",
	})
	if _, err := env.Engine.SubmitBatch(env.Ctx, b.ID, "tester", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RejectBatch(env.Ctx, b.ID, "tester", "", ""); err == nil {
		t.Fatalf("reject without reason allowed")
	}
	rejected, err := env.Engine.RejectBatch(env.Ctx, b.ID, "tester", "missing raw material certificates", "")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.BatchRejected {
		t.Fatalf("status %s", rejected.Status)
	}
	// Terminal: no further transitions.
	if _, err := env.Engine.SubmitBatch(env.Ctx, b.ID, "tester", ""); err == nil {
		t.Fatalf("submit after reject allowed")
	}
}

func TestPhaseOrderingGate(t *testing.T) {
	env := newTestEnv(t)
	p := seedTablet(t, env)
	machines := seedMachines(t, env)
	b := approvedBatch(t, env, p.ID, "0012025")

	// Downstream phase cannot jump the queue.
	_, err := env.Engine.StartPhase(env.Ctx, engine.PhaseStartOptions{
		BatchID: b.ID, PhaseName: "granulation", MachineID: machines["granulation"].ID, ActorID: "tester",
	})
	var pe engine.PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("expected precondition error, got %v", err)
	}

	ex, err := env.Engine.StartPhase(env.Ctx, engine.PhaseStartOptions{
		BatchID: b.ID, PhaseName: "raw_material_release", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("start first phase: %v", err)
	}
	if ex.Status != domain.PhaseInProgress {
		t.Fatalf("status %s", ex.Status)
	}

	// First start moves the batch into production.
	got, err := env.Engine.Repo.GetBatch(env.Ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.BatchInProduction {
		t.Fatalf("batch status %s", got.Status)
	}

	if _, err := env.Engine.CompletePhase(env.Ctx, engine.PhaseCompleteOptions{
		BatchID: b.ID, PhaseName: "raw_material_release", ActorID: "tester",
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if st := phaseStatus(t, env, b.ID, "material_dispensing").Status; st != domain.PhasePending {
		t.Fatalf("next phase %s", st)
	}
}

func TestMachineChecks(t *testing.T) {
	env := newTestEnv(t)
	p := seedTablet(t, env)
	machines := seedMachines(t, env)
	b := approvedBatch(t, env, p.ID, "0012025")
	runPhase(t, env, b.ID, "raw_material_release", "")
	runPhase(t, env, b.ID, "material_dispensing", "")

	// Machine-bound phase refuses to start bare.
	_, err := env.Engine.StartPhase(env.Ctx, engine.PhaseStartOptions{
		BatchID: b.ID, PhaseName: "granulation", ActorID: "tester",
	})
	var pe engine.PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("no machine: %v", err)
	}

	// Wrong machine type.
	_, err = env.Engine.StartPhase(env.Ctx, engine.PhaseStartOptions{
		BatchID: b.ID, PhaseName: "granulation", MachineID: machines["blending"].ID, ActorID: "tester",
	})
	if !errors.As(err, &pe) {
		t.Fatalf("wrong type: %v", err)
	}

	// Inactive machine.
	if err := env.Engine.Repo.SetMachineActive(env.Ctx, machines["granulation"].ID, false); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.StartPhase(env.Ctx, engine.PhaseStartOptions{
		BatchID: b.ID, PhaseName: "granulation", MachineID: machines["granulation"].ID, ActorID: "tester",
	})
	if !errors.As(err, &pe) {
		t.Fatalf("inactive machine: %v", err)
	}
	if err := env.Engine.Repo.SetMachineActive(env.Ctx, machines["granulation"].ID, true); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.StartPhase(env.Ctx, engine.PhaseStartOptions{
		BatchID: b.ID, PhaseName: "granulation", MachineID: machines["granulation"].ID, ActorID: "tester",
	}); err != nil {
		t.Fatalf("start with machine: %v", err)
	}

	// The busy machine cannot serve a second batch.
	b2 := approvedBatch(t, env, p.ID, "0022025")
	runPhase(t, env, b2.ID, "raw_material_release", "")
	runPhase(t, env, b2.ID, "material_dispensing", "")
	_, err = env.Engine.StartPhase(env.Ctx, engine.PhaseStartOptions{
		BatchID: b2.ID, PhaseName: "granulation", MachineID: machines["granulation"].ID, ActorID: "tester",
	})
	if !errors.As(err, &pe) {
		t.Fatalf("busy machine: %v", err)
	}
}

func TestIntervalRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	p := seedTablet(t, env)
	machines := seedMachines(t, env)
	b := approvedBatch(t, env, p.ID, "0012025")
	runPhase(t, env, b.ID, "raw_material_release", "")
	runPhase(t, env, b.ID, "material_dispensing", "")
	if _, err := env.Engine.StartPhase(env.Ctx, engine.PhaseStartOptions{
		BatchID: b.ID, PhaseName: "granulation", MachineID: machines["granulation"].ID, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}

	// Open breakdown, completion blocked until it is closed.
	if _, err := env.Engine.RecordBreakdown(env.Ctx, engine.IntervalOptions{
		BatchID: b.ID, PhaseName: "granulation",
		Start: "2025-03-01T09:00:00Z", Reason: "belt jam",
		ActorID: "tester",
	}); err != nil {
		t.Fatalf("open breakdown: %v", err)
	}
	_, err := env.Engine.CompletePhase(env.Ctx, engine.PhaseCompleteOptions{
		BatchID: b.ID, PhaseName: "granulation", ActorID: "tester",
	})
	var pe engine.PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("complete with open breakdown: %v", err)
	}

	// End before start is rejected.
	_, err = env.Engine.RecordBreakdown(env.Ctx, engine.IntervalOptions{
		BatchID: b.ID, PhaseName: "granulation", End: "2025-03-01T08:30:00Z", ActorID: "tester",
	})
	if !errors.As(err, &pe) {
		t.Fatalf("end before start: %v", err)
	}

	ex, err := env.Engine.RecordBreakdown(env.Ctx, engine.IntervalOptions{
		BatchID: b.ID, PhaseName: "granulation", End: "2025-03-01T10:30:00Z", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("close breakdown: %v", err)
	}
	hours, err := ex.Breakdown.Hours()
	if err != nil || hours != 1.5 {
		t.Fatalf("breakdown hours %v %v", hours, err)
	}

	// A closed interval cannot be reopened.
	_, err = env.Engine.RecordBreakdown(env.Ctx, engine.IntervalOptions{
		BatchID: b.ID, PhaseName: "granulation", Start: "2025-03-01T11:00:00Z", ActorID: "tester",
	})
	var ade engine.AlreadyDecidedError
	if !errors.As(err, &ade) {
		t.Fatalf("reopen closed interval: %v", err)
	}

	if _, err := env.Engine.CompletePhase(env.Ctx, engine.PhaseCompleteOptions{
		BatchID: b.ID, PhaseName: "granulation", ActorID: "tester",
	}); err != nil {
		t.Fatalf("complete after closing: %v", err)
	}
}

func TestTimingStatus(t *testing.T) {
	env := newTestEnv(t)
	p := seedTablet(t, env)
	b := approvedBatch(t, env, p.ID, "0012025")
	if _, err := env.Engine.StartPhase(env.Ctx, engine.PhaseStartOptions{
		BatchID: b.ID, PhaseName: "raw_material_release", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	ex := phaseStatus(t, env, b.ID, "raw_material_release")

	// Non-machine phase expectation defaults to 2h, warning at 80%.
	base := env.Engine.Now()
	cases := []struct {
		elapsed time.Duration
		state   string
	}{
		{30 * time.Minute, "ok"},
		{100 * time.Minute, "warning"},
		{3 * time.Hour, "overrun"},
	}
	for _, tc := range cases {
		env.Engine.Now = func() time.Time { return base.Add(tc.elapsed) }
		ts := env.Engine.TimingFor(ex)
		if ts == nil || ts.State != tc.state {
			t.Fatalf("elapsed %v: got %+v, want state %s", tc.elapsed, ts, tc.state)
		}
		if ts.ExpectedHours != 2.0 {
			t.Fatalf("expected hours %v", ts.ExpectedHours)
		}
	}
}

func TestIdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	p := seedTablet(t, env)
	opts := engine.BatchCreateOptions{
		BatchNumber: "0012025", ProductID: p.ID, BatchSize: 100,
		ActorID: "tester", OperationID: "op-create-1",
	}
	first, err := env.Engine.CreateBatch(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// A retried create must not mint a second batch.
	opts.BatchNumber = "0022025"
	replay, err := env.Engine.CreateBatch(env.Ctx, opts)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.ID != first.ID || replay.BatchNumber != "0012025" {
		t.Fatalf("replay returned %+v", replay)
	}

	if _, err := env.Engine.SubmitBatch(env.Ctx, first.ID, "tester", "op-submit-1"); err != nil {
		t.Fatal(err)
	}
	again, err := env.Engine.SubmitBatch(env.Ctx, first.ID, "tester", "op-submit-1")
	if err != nil {
		t.Fatalf("submit replay: %v", err)
	}
	if again.Status != domain.BatchSubmitted {
		t.Fatalf("replay status %s", again.Status)
	}
	// Only one submit event was written.
	evts, err := env.Engine.Repo.ListEvents(env.Ctx, first.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	submits := 0
	for _, e := range evts {
		if e.Type == "batch.submitted" {
			submits++
		}
	}
	if submits != 1 {
		t.Fatalf("submit events %d", submits)
	}
}

func TestConcurrentStartSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	p := seedTablet(t, env)
	b := approvedBatch(t, env, p.ID, "0012025")

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.StartPhase(env.Ctx, engine.PhaseStartOptions{
				BatchID: b.ID, PhaseName: "raw_material_release", ActorID: "tester",
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var pe engine.PreconditionError
		if !errors.As(err, &pe) {
			t.Fatalf("loser got %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("%d winners", wins)
	}
}

func TestRBACForbidden(t *testing.T) {
	env := newTestEnv(t)
	p := seedTablet(t, env)
	now := env.Engine.Now().UTC().Format(time.RFC3339)
	if err := env.Engine.Repo.EnsureActor(env.Ctx, "lab-tech", "", now); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.AssignRole(env.Ctx, "lab-tech", auth.RoleProduction); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CreateBatch(env.Ctx, engine.BatchCreateOptions{
		BatchNumber: "0012025", ProductID: p.ID, BatchSize: 10, ActorID: "lab-tech",
	})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if fe.Role != auth.RoleQA {
		t.Fatalf("missing role %s", fe.Role)
	}
}

func TestFullRunCompletesBatch(t *testing.T) {
	env := newTestEnv(t)
	machines := seedMachines(t, env)
	p := seedTablet(t, env)
	b := approvedBatch(t, env, p.ID, "0012025")

	runPhase(t, env, b.ID, "raw_material_release", "")
	runPhase(t, env, b.ID, "material_dispensing", "")
	runPhase(t, env, b.ID, "granulation", machines["granulation"].ID)
	runPhase(t, env, b.ID, "blending", machines["blending"].ID)
	runPhase(t, env, b.ID, "compression", machines["compression"].ID)

	// Compression parks on its checkpoint; sorting stays gated.
	if st := phaseStatus(t, env, b.ID, "sorting").Status; st != domain.PhaseNotReady {
		t.Fatalf("sorting %s before checkpoint", st)
	}
	if _, err := env.Engine.EvaluateQC(env.Ctx, engine.QCDecisionOptions{
		BatchID: b.ID, PhaseName: "compression", Approved: true, ActorID: "tester",
	}); err != nil {
		t.Fatalf("qc approve: %v", err)
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
	if got.Status != domain.BatchCompleted || got.CompletedAt == nil {
		t.Fatalf("batch %+v", got)
	}

	// Completion is signed.
	signatures, err := env.Engine.Repo.ListSignatures(env.Ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, s := range signatures {
		if s.Meaning == "batch.completed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("completion signature missing")
	}
}
