package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pharmaline/internal/config"
	"pharmaline/internal/domain"
	"pharmaline/internal/engine/auth"
	"pharmaline/internal/events"
	"pharmaline/internal/repo"
)

// openQuarantineTx places the batch under quarantine after a failed
// checkpoint. Only one quarantine may be open per batch.
func (e Engine) openQuarantineTx(ctx context.Context, tx *sql.Tx, b domain.Batch, ex domain.PhaseExecution, reason, actorID string) (domain.QuarantineBatch, error) {
	if q, err := e.Repo.OpenQuarantine(ctx, b.ID); err == nil {
		return domain.QuarantineBatch{}, DuplicateQuarantineError{BatchID: b.ID, QuarantineID: q.ID}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.QuarantineBatch{}, err
	}
	rollback, err := e.rollbackPosition(ctx, b.ID, ex)
	if err != nil {
		return domain.QuarantineBatch{}, err
	}
	q := domain.QuarantineBatch{
		ID:               uuid.NewString(),
		BatchID:          b.ID,
		PhaseExecutionID: ex.ID,
		PhaseName:        ex.PhaseName,
		Status:           domain.QuarantineOpen,
		Reason:           reason,
		RollbackTo:       rollback,
		QuarantinedAt:    e.nowRFC3339(),
	}
	if err := e.Repo.InsertQuarantineTx(ctx, tx, q); err != nil {
		return domain.QuarantineBatch{}, fmt.Errorf("insert quarantine: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "batch.quarantined", b.ID, ex.PhaseName, actorID, events.EventPayload{
		"quarantine_id": q.ID,
		"reason":        reason,
	}); err != nil {
		return domain.QuarantineBatch{}, err
	}
	return q, nil
}

// DeviationOptions are parameters for flagging a deviation on an active phase.
type DeviationOptions struct {
	BatchID     string
	PhaseName   string
	Reason      string
	ActorID     string
	OperationID string
}

// FlagDeviation quarantines a batch outside the QC gates. The named
// execution is failed with the deviation reason and a quarantine opens
// at its position; release resolves it like a failed checkpoint.
func (e Engine) FlagDeviation(ctx context.Context, opts DeviationOptions) (domain.QuarantineBatch, error) {
	if opts.Reason == "" {
		return domain.QuarantineBatch{}, PreconditionError{Detail: "deviation reason is required"}
	}
	unlock := e.lockBatch(opts.BatchID)
	defer unlock()

	b, err := e.Repo.GetBatch(ctx, opts.BatchID)
	if err != nil {
		return domain.QuarantineBatch{}, err
	}
	if b.Status != domain.BatchInProduction {
		return domain.QuarantineBatch{}, PreconditionError{Detail: fmt.Sprintf("batch %s is %s, deviations apply during production", b.BatchNumber, b.Status)}
	}
	ex, err := e.currentExecution(ctx, opts.BatchID, opts.PhaseName)
	if err != nil {
		return domain.QuarantineBatch{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QuarantineBatch{}, err
	}
	defer tx.Rollback()
	defer e.Events.Discard(tx)

	if err := e.recordOperation(ctx, tx, opts.OperationID, b.ID, "quarantine.deviation"); err != nil {
		if errors.Is(err, repo.ErrDuplicateOperation) {
			return e.Repo.OpenQuarantine(ctx, b.ID)
		}
		return domain.QuarantineBatch{}, err
	}
	if err := e.Auth.RequireRole(ctx, tx, opts.ActorID, auth.RoleQA); err != nil {
		return domain.QuarantineBatch{}, err
	}
	if open, err := e.Repo.OpenQuarantine(ctx, b.ID); err == nil {
		return domain.QuarantineBatch{}, DuplicateQuarantineError{BatchID: b.ID, QuarantineID: open.ID}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.QuarantineBatch{}, err
	}
	if ex.Status != domain.PhaseInProgress && ex.Status != domain.PhasePending {
		return domain.QuarantineBatch{}, PreconditionError{Detail: fmt.Sprintf("phase %s is %s, a deviation needs an active phase", ex.PhaseName, ex.Status)}
	}

	ex.Status = domain.PhaseFailed
	ex.RejectionReason = opts.Reason
	if err := e.Repo.UpdateExecutionTx(ctx, tx, ex); err != nil {
		return domain.QuarantineBatch{}, err
	}
	if err := e.Events.Append(ctx, tx, "phase.failed", b.ID, ex.PhaseName, opts.ActorID, events.EventPayload{
		"attempt":   ex.Attempt,
		"reason":    opts.Reason,
		"deviation": true,
	}); err != nil {
		return domain.QuarantineBatch{}, err
	}
	q, err := e.openQuarantineTx(ctx, tx, b, ex, opts.Reason, opts.ActorID)
	if err != nil {
		return domain.QuarantineBatch{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QuarantineBatch{}, err
	}
	e.Events.Flush(tx)
	if e.Metrics != nil {
		e.Metrics.PhasesFailed.WithLabelValues(ex.PhaseName).Inc()
		e.Metrics.QuarantinesOpened.Inc()
	}
	return q, nil
}

// rollbackPosition finds where release resumes production: the failed
// phase itself unless its plan entry names an earlier phase.
func (e Engine) rollbackPosition(ctx context.Context, batchID string, ex domain.PhaseExecution) (int, error) {
	plan, err := e.Repo.GetPlan(ctx, batchID)
	if err != nil {
		return 0, err
	}
	target := ""
	for _, def := range plan {
		if def.Name == ex.PhaseName {
			target = def.RollbackTo
		}
	}
	if target == "" {
		return ex.Position, nil
	}
	for _, def := range plan {
		if def.Name == target && def.Position < ex.Position {
			return def.Position, nil
		}
	}
	return ex.Position, nil
}

// SampleOptions are parameters for the quarantine sampling steps.
type SampleOptions struct {
	QuarantineID string
	Results      string
	Approved     bool
	Comments     string
	ActorID      string
	OperationID  string
}

func (e Engine) sampleLimit() int {
	if e.Config != nil && e.Config.Quarantine.SampleLimit > 0 {
		return e.Config.Quarantine.SampleLimit
	}
	return 2
}

// RequestSample opens the next numbered sample on a quarantine.
func (e Engine) RequestSample(ctx context.Context, opts SampleOptions) (domain.SampleRequest, error) {
	q, err := e.Repo.GetQuarantine(ctx, opts.QuarantineID)
	if err != nil {
		return domain.SampleRequest{}, err
	}
	unlock := e.lockBatch(q.BatchID)
	defer unlock()
	if q, err = e.Repo.GetQuarantine(ctx, opts.QuarantineID); err != nil {
		return domain.SampleRequest{}, err
	}
	if err := ensureQuarantineTransition(q.Status, domain.QuarantineSampleRequested); err != nil {
		return domain.SampleRequest{}, StageOrderError{Stage: domain.QuarantineSampleRequested, Status: q.Status}
	}
	if q.SampleCount >= e.sampleLimit() {
		return domain.SampleRequest{}, SampleLimitError{QuarantineID: q.ID, Limit: e.sampleLimit()}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SampleRequest{}, err
	}
	defer tx.Rollback()
	defer e.Events.Discard(tx)

	if err := e.recordOperation(ctx, tx, opts.OperationID, q.BatchID, "quarantine.sample_request"); err != nil {
		if errors.Is(err, repo.ErrDuplicateOperation) {
			return e.Repo.LatestSample(ctx, q.ID)
		}
		return domain.SampleRequest{}, err
	}
	if err := e.Auth.RequireRole(ctx, tx, opts.ActorID, auth.RoleQuarantine); err != nil {
		return domain.SampleRequest{}, err
	}

	s := domain.SampleRequest{
		ID:           uuid.NewString(),
		QuarantineID: q.ID,
		SampleNumber: q.SampleCount + 1,
		RequestedBy:  opts.ActorID,
		RequestedAt:  e.nowRFC3339(),
		QCStatus:     domain.SamplePending,
	}
	if err := e.Repo.InsertSampleTx(ctx, tx, s); err != nil {
		return domain.SampleRequest{}, fmt.Errorf("insert sample: %w", err)
	}
	q.Status = domain.QuarantineSampleRequested
	q.SampleCount = s.SampleNumber
	if err := e.Repo.UpdateQuarantineTx(ctx, tx, q); err != nil {
		return domain.SampleRequest{}, err
	}
	if err := e.Events.Append(ctx, tx, "quarantine.sample_requested", q.BatchID, q.PhaseName, opts.ActorID, events.EventPayload{
		"quarantine_id": q.ID,
		"sample_number": s.SampleNumber,
	}); err != nil {
		return domain.SampleRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SampleRequest{}, err
	}
	e.Events.Flush(tx)
	return s, nil
}

// sampleStep advances the open sample through one hand-off.
func (e Engine) sampleStep(ctx context.Context, opts SampleOptions, toStatus, role, command string, apply func(*domain.SampleRequest, string)) (domain.SampleRequest, error) {
	q, err := e.Repo.GetQuarantine(ctx, opts.QuarantineID)
	if err != nil {
		return domain.SampleRequest{}, err
	}
	unlock := e.lockBatch(q.BatchID)
	defer unlock()
	if q, err = e.Repo.GetQuarantine(ctx, opts.QuarantineID); err != nil {
		return domain.SampleRequest{}, err
	}
	if err := ensureQuarantineTransition(q.Status, toStatus); err != nil {
		return domain.SampleRequest{}, StageOrderError{Stage: toStatus, Status: q.Status}
	}
	s, err := e.Repo.LatestSample(ctx, q.ID)
	if err != nil {
		return domain.SampleRequest{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SampleRequest{}, err
	}
	defer tx.Rollback()
	defer e.Events.Discard(tx)

	if err := e.recordOperation(ctx, tx, opts.OperationID, q.BatchID, command); err != nil {
		if errors.Is(err, repo.ErrDuplicateOperation) {
			return e.Repo.LatestSample(ctx, q.ID)
		}
		return domain.SampleRequest{}, err
	}
	if err := e.Auth.RequireRole(ctx, tx, opts.ActorID, role); err != nil {
		return domain.SampleRequest{}, err
	}

	now := e.nowRFC3339()
	apply(&s, now)
	if err := e.Repo.UpdateSampleTx(ctx, tx, s); err != nil {
		return domain.SampleRequest{}, err
	}
	q.Status = toStatus
	if err := e.Repo.UpdateQuarantineTx(ctx, tx, q); err != nil {
		return domain.SampleRequest{}, err
	}
	if err := e.Events.Append(ctx, tx, command, q.BatchID, q.PhaseName, opts.ActorID, events.EventPayload{
		"quarantine_id": q.ID,
		"sample_number": s.SampleNumber,
	}); err != nil {
		return domain.SampleRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SampleRequest{}, err
	}
	e.Events.Flush(tx)
	return s, nil
}

// RecordSampling marks the sample as drawn by quality assurance.
func (e Engine) RecordSampling(ctx context.Context, opts SampleOptions) (domain.SampleRequest, error) {
	return e.sampleStep(ctx, opts, domain.QuarantineSampleInQA, auth.RoleQA, "quarantine.sampled",
		func(s *domain.SampleRequest, now string) {
			s.SampledBy = &opts.ActorID
			s.SampledAt = &now
		})
}

// RecordReceipt marks the sample as received by quality control.
func (e Engine) RecordReceipt(ctx context.Context, opts SampleOptions) (domain.SampleRequest, error) {
	return e.sampleStep(ctx, opts, domain.QuarantineSampleInQC, auth.RoleQC, "quarantine.sample_received",
		func(s *domain.SampleRequest, now string) {
			s.ReceivedBy = &opts.ActorID
			s.ReceivedAt = &now
		})
}

// RecordTestResult records the laboratory verdict on the sample in testing.
func (e Engine) RecordTestResult(ctx context.Context, opts SampleOptions) (domain.SampleRequest, error) {
	to := domain.QuarantineSampleApproved
	verdict := domain.SampleApproved
	if !opts.Approved {
		to = domain.QuarantineSampleFailed
		verdict = domain.SampleFailed
	}
	s, err := e.sampleStep(ctx, opts, to, auth.RoleQC, "quarantine.sample_decided",
		func(s *domain.SampleRequest, now string) {
			s.DecidedBy = &opts.ActorID
			s.DecidedAt = &now
			s.QCStatus = verdict
			if opts.Results != "" {
				s.ResultsJSON = &opts.Results
			}
			if opts.Comments != "" {
				s.Comments = opts.Comments
			}
		})
	if err != nil {
		return domain.SampleRequest{}, err
	}
	return s, nil
}

// ReleaseOptions are parameters for releasing or rejecting a quarantine.
type ReleaseOptions struct {
	QuarantineID string
	Reason       string
	ActorID      string
	OperationID  string
}

// ReleaseQuarantine closes a quarantine whose samples satisfy the release
// policy and rolls the failed phase back into a fresh pending attempt.
func (e Engine) ReleaseQuarantine(ctx context.Context, opts ReleaseOptions) (domain.QuarantineBatch, error) {
	q, err := e.Repo.GetQuarantine(ctx, opts.QuarantineID)
	if err != nil {
		return domain.QuarantineBatch{}, err
	}
	unlock := e.lockBatch(q.BatchID)
	defer unlock()
	if q, err = e.Repo.GetQuarantine(ctx, opts.QuarantineID); err != nil {
		return domain.QuarantineBatch{}, err
	}
	if err := ensureQuarantineTransition(q.Status, domain.QuarantineReleased); err != nil {
		return domain.QuarantineBatch{}, err
	}
	if err := e.checkReleasePolicy(ctx, q); err != nil {
		return domain.QuarantineBatch{}, err
	}
	executions, err := e.Repo.CurrentExecutions(ctx, q.BatchID)
	if err != nil {
		return domain.QuarantineBatch{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QuarantineBatch{}, err
	}
	defer tx.Rollback()
	defer e.Events.Discard(tx)

	if err := e.recordOperation(ctx, tx, opts.OperationID, q.BatchID, "quarantine.release"); err != nil {
		if errors.Is(err, repo.ErrDuplicateOperation) {
			return e.Repo.GetQuarantine(ctx, q.ID)
		}
		return domain.QuarantineBatch{}, err
	}
	if err := e.Auth.RequireRole(ctx, tx, opts.ActorID, auth.RoleQuarantine); err != nil {
		return domain.QuarantineBatch{}, err
	}

	// Roll back from the quarantined position: failed attempts are kept as
	// rolled_back history, a fresh attempt resumes at the rollback point.
	for _, ex := range executions {
		if ex.Position < q.RollbackTo {
			continue
		}
		if ex.Status == domain.PhaseNotReady {
			continue
		}
		retry := domain.PhaseExecution{
			ID:          uuid.NewString(),
			BatchID:     ex.BatchID,
			Position:    ex.Position,
			Attempt:     ex.Attempt + 1,
			PhaseName:   ex.PhaseName,
			Status:      domain.PhaseNotReady,
			QCRequired:  ex.QCRequired,
			MachineType: ex.MachineType,
		}
		if ex.Position == q.RollbackTo {
			retry.Status = domain.PhasePending
		}
		ex.Status = domain.PhaseRolledBack
		if err := e.Repo.UpdateExecutionTx(ctx, tx, ex); err != nil {
			return domain.QuarantineBatch{}, err
		}
		if err := e.Repo.InsertExecutionTx(ctx, tx, retry); err != nil {
			return domain.QuarantineBatch{}, fmt.Errorf("reseed phase %s: %w", retry.PhaseName, err)
		}
	}

	now := e.nowRFC3339()
	q.Status = domain.QuarantineReleased
	q.ReleasedAt = &now
	q.ReleasedBy = &opts.ActorID
	if err := e.Repo.UpdateQuarantineTx(ctx, tx, q); err != nil {
		return domain.QuarantineBatch{}, err
	}
	if err := e.signTx(ctx, tx, q.BatchID, opts.ActorID, "batch.released", opts.Reason); err != nil {
		return domain.QuarantineBatch{}, err
	}
	if err := e.Events.Append(ctx, tx, "batch.released", q.BatchID, q.PhaseName, opts.ActorID, events.EventPayload{
		"quarantine_id": q.ID,
		"rollback_to":   q.RollbackTo,
	}); err != nil {
		return domain.QuarantineBatch{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QuarantineBatch{}, err
	}
	e.Events.Flush(tx)
	if e.Metrics != nil {
		e.Metrics.QuarantineReleased.Inc()
		if opened, err := time.Parse(time.RFC3339, q.QuarantinedAt); err == nil {
			e.Metrics.QuarantineHours.Observe(e.now().UTC().Sub(opened).Hours())
		}
	}
	return q, nil
}

// checkReleasePolicy verifies sample verdicts allow release.
func (e Engine) checkReleasePolicy(ctx context.Context, q domain.QuarantineBatch) error {
	samples, err := e.Repo.ListSamples(ctx, q.ID)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return PreconditionError{Detail: fmt.Sprintf("quarantine %s has no decided sample", q.ID)}
	}
	policy := config.ReleaseLatestSample
	if e.Config != nil && e.Config.Quarantine.ReleasePolicy != "" {
		policy = e.Config.Quarantine.ReleasePolicy
	}
	if policy == config.ReleaseAllSamples {
		for _, s := range samples {
			if s.QCStatus != domain.SampleApproved {
				return PreconditionError{Detail: fmt.Sprintf("sample %d is %s, all samples must be approved", s.SampleNumber, s.QCStatus)}
			}
		}
		return nil
	}
	latest := samples[len(samples)-1]
	if latest.QCStatus != domain.SampleApproved {
		return PreconditionError{Detail: fmt.Sprintf("latest sample %d is %s, not approved", latest.SampleNumber, latest.QCStatus)}
	}
	return nil
}

// RejectQuarantine ends sampling without releasing the batch. The batch
// stays blocked until it is cancelled explicitly.
func (e Engine) RejectQuarantine(ctx context.Context, opts ReleaseOptions) (domain.QuarantineBatch, error) {
	q, err := e.Repo.GetQuarantine(ctx, opts.QuarantineID)
	if err != nil {
		return domain.QuarantineBatch{}, err
	}
	unlock := e.lockBatch(q.BatchID)
	defer unlock()
	if q, err = e.Repo.GetQuarantine(ctx, opts.QuarantineID); err != nil {
		return domain.QuarantineBatch{}, err
	}
	if err := ensureQuarantineTransition(q.Status, domain.QuarantineRejected); err != nil {
		return domain.QuarantineBatch{}, err
	}
	if opts.Reason == "" {
		return domain.QuarantineBatch{}, PreconditionError{Detail: "rejection reason is required"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QuarantineBatch{}, err
	}
	defer tx.Rollback()
	defer e.Events.Discard(tx)

	if err := e.recordOperation(ctx, tx, opts.OperationID, q.BatchID, "quarantine.reject"); err != nil {
		if errors.Is(err, repo.ErrDuplicateOperation) {
			return e.Repo.GetQuarantine(ctx, q.ID)
		}
		return domain.QuarantineBatch{}, err
	}
	if err := e.Auth.RequireRole(ctx, tx, opts.ActorID, auth.RoleQA); err != nil {
		return domain.QuarantineBatch{}, err
	}

	q.Status = domain.QuarantineRejected
	if err := e.Repo.UpdateQuarantineTx(ctx, tx, q); err != nil {
		return domain.QuarantineBatch{}, err
	}
	if err := e.signTx(ctx, tx, q.BatchID, opts.ActorID, "quarantine.rejected", opts.Reason); err != nil {
		return domain.QuarantineBatch{}, err
	}
	if err := e.Events.Append(ctx, tx, "quarantine.rejected", q.BatchID, q.PhaseName, opts.ActorID, events.EventPayload{
		"quarantine_id": q.ID,
		"reason":        opts.Reason,
	}); err != nil {
		return domain.QuarantineBatch{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QuarantineBatch{}, err
	}
	e.Events.Flush(tx)
	return q, nil
}
