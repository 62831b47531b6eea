package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pharmaline/internal/domain"
	"pharmaline/internal/engine/auth"
	"pharmaline/internal/events"
	"pharmaline/internal/repo"
)

// currentExecution finds the latest attempt of a named phase in a batch plan.
func (e Engine) currentExecution(ctx context.Context, batchID, phaseName string) (domain.PhaseExecution, error) {
	executions, err := e.Repo.CurrentExecutions(ctx, batchID)
	if err != nil {
		return domain.PhaseExecution{}, err
	}
	for _, ex := range executions {
		if ex.PhaseName == phaseName {
			return ex, nil
		}
	}
	return domain.PhaseExecution{}, fmt.Errorf("phase %s: %w", phaseName, repo.ErrNotFound)
}

// PhaseStartOptions are parameters for starting a phase execution.
type PhaseStartOptions struct {
	BatchID     string
	PhaseName   string
	MachineID   string
	ActorID     string
	OperationID string
}

func (e Engine) StartPhase(ctx context.Context, opts PhaseStartOptions) (domain.PhaseExecution, error) {
	unlock := e.lockBatch(opts.BatchID)
	defer unlock()

	b, err := e.Repo.GetBatch(ctx, opts.BatchID)
	if err != nil {
		return domain.PhaseExecution{}, err
	}
	if b.Status != domain.BatchApproved && b.Status != domain.BatchInProduction {
		return domain.PhaseExecution{}, PreconditionError{Detail: fmt.Sprintf("batch %s is %s, production not allowed", b.BatchNumber, b.Status)}
	}
	if q, err := e.Repo.OpenQuarantine(ctx, opts.BatchID); err == nil {
		return domain.PhaseExecution{}, PreconditionError{Detail: fmt.Sprintf("batch %s is quarantined (%s), resolve it first", b.BatchNumber, q.ID)}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.PhaseExecution{}, err
	}
	ex, err := e.currentExecution(ctx, opts.BatchID, opts.PhaseName)
	if err != nil {
		return domain.PhaseExecution{}, err
	}
	if ex.Status != domain.PhasePending {
		return domain.PhaseExecution{}, PreconditionError{Detail: fmt.Sprintf("phase %s is %s, not ready to start", ex.PhaseName, ex.Status)}
	}
	if ex.MachineType != "" {
		if opts.MachineID == "" {
			return domain.PhaseExecution{}, PreconditionError{Detail: fmt.Sprintf("phase %s requires a %s machine", ex.PhaseName, ex.MachineType)}
		}
		m, err := e.Repo.GetMachine(ctx, opts.MachineID)
		if err != nil {
			return domain.PhaseExecution{}, fmt.Errorf("machine %s: %w", opts.MachineID, err)
		}
		if !m.Active {
			return domain.PhaseExecution{}, PreconditionError{Detail: fmt.Sprintf("machine %s is inactive", m.Name)}
		}
		if m.MachineType != ex.MachineType {
			return domain.PhaseExecution{}, PreconditionError{Detail: fmt.Sprintf("machine %s is a %s, phase %s needs %s", m.Name, m.MachineType, ex.PhaseName, ex.MachineType)}
		}
		busy, err := e.Repo.MachineBusy(ctx, m.ID)
		if err != nil {
			return domain.PhaseExecution{}, err
		}
		if busy {
			return domain.PhaseExecution{}, PreconditionError{Detail: fmt.Sprintf("machine %s is already running another phase", m.Name)}
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PhaseExecution{}, err
	}
	defer tx.Rollback()
	defer e.Events.Discard(tx)

	if err := e.recordOperation(ctx, tx, opts.OperationID, b.ID, "phase.start"); err != nil {
		if errors.Is(err, repo.ErrDuplicateOperation) {
			return e.currentExecution(ctx, opts.BatchID, opts.PhaseName)
		}
		return domain.PhaseExecution{}, err
	}
	if err := e.Auth.RequireRole(ctx, tx, opts.ActorID, auth.PhaseRole(ex.PhaseName)); err != nil {
		return domain.PhaseExecution{}, err
	}

	now := e.nowRFC3339()
	ex.Status = domain.PhaseInProgress
	ex.StartedBy = &opts.ActorID
	ex.StartedAt = &now
	if opts.MachineID != "" {
		ex.MachineID = &opts.MachineID
	}
	if err := e.Repo.UpdateExecutionTx(ctx, tx, ex); err != nil {
		return domain.PhaseExecution{}, err
	}
	if b.Status == domain.BatchApproved {
		b.Status = domain.BatchInProduction
		if err := e.Repo.UpdateBatchTx(ctx, tx, b); err != nil {
			return domain.PhaseExecution{}, err
		}
		if err := e.Events.Append(ctx, tx, "batch.production_started", b.ID, "", opts.ActorID, events.EventPayload{}); err != nil {
			return domain.PhaseExecution{}, err
		}
	}
	payload := events.EventPayload{"attempt": ex.Attempt}
	if opts.MachineID != "" {
		payload["machine_id"] = opts.MachineID
	}
	if err := e.Events.Append(ctx, tx, "phase.started", b.ID, ex.PhaseName, opts.ActorID, payload); err != nil {
		return domain.PhaseExecution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PhaseExecution{}, err
	}
	e.Events.Flush(tx)
	if e.Metrics != nil {
		e.Metrics.PhasesStarted.WithLabelValues(ex.PhaseName).Inc()
	}
	return ex, nil
}

// PhaseCompleteOptions are parameters for finishing a phase execution.
type PhaseCompleteOptions struct {
	BatchID     string
	PhaseName   string
	ProcessData string
	Comments    string
	ActorID     string
	OperationID string
}

// CompletePhase closes an in-progress execution. Phases followed by a
// quality checkpoint stay parked until EvaluateQC decides; otherwise the
// next phase becomes pending, and the batch completes after the last one.
func (e Engine) CompletePhase(ctx context.Context, opts PhaseCompleteOptions) (domain.PhaseExecution, error) {
	unlock := e.lockBatch(opts.BatchID)
	defer unlock()

	b, err := e.Repo.GetBatch(ctx, opts.BatchID)
	if err != nil {
		return domain.PhaseExecution{}, err
	}
	ex, err := e.currentExecution(ctx, opts.BatchID, opts.PhaseName)
	if err != nil {
		return domain.PhaseExecution{}, err
	}
	if ex.Status != domain.PhaseInProgress {
		return domain.PhaseExecution{}, InvalidTransitionError{Entity: "phase", From: ex.Status, To: domain.PhaseCompleted}
	}
	if ex.Breakdown != nil && ex.Breakdown.End == "" {
		return domain.PhaseExecution{}, PreconditionError{Detail: fmt.Sprintf("phase %s has an open breakdown interval", ex.PhaseName)}
	}
	if ex.Changeover != nil && ex.Changeover.End == "" {
		return domain.PhaseExecution{}, PreconditionError{Detail: fmt.Sprintf("phase %s has an open changeover interval", ex.PhaseName)}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PhaseExecution{}, err
	}
	defer tx.Rollback()
	defer e.Events.Discard(tx)

	if err := e.recordOperation(ctx, tx, opts.OperationID, b.ID, "phase.complete"); err != nil {
		if errors.Is(err, repo.ErrDuplicateOperation) {
			return e.currentExecution(ctx, opts.BatchID, opts.PhaseName)
		}
		return domain.PhaseExecution{}, err
	}
	if err := e.Auth.RequireRole(ctx, tx, opts.ActorID, auth.PhaseRole(ex.PhaseName)); err != nil {
		return domain.PhaseExecution{}, err
	}

	now := e.nowRFC3339()
	ex.Status = domain.PhaseCompleted
	ex.CompletedBy = &opts.ActorID
	ex.CompletedAt = &now
	if opts.ProcessData != "" {
		ex.ProcessDataJSON = &opts.ProcessData
	}
	if opts.Comments != "" {
		ex.Comments = opts.Comments
	}
	if err := e.Repo.UpdateExecutionTx(ctx, tx, ex); err != nil {
		return domain.PhaseExecution{}, err
	}
	if err := e.Events.Append(ctx, tx, "phase.completed", b.ID, ex.PhaseName, opts.ActorID, events.EventPayload{"attempt": ex.Attempt}); err != nil {
		return domain.PhaseExecution{}, err
	}
	if !ex.QCRequired {
		if err := e.advanceTx(ctx, tx, &b, ex, opts.ActorID); err != nil {
			return domain.PhaseExecution{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.PhaseExecution{}, err
	}
	e.Events.Flush(tx)
	if e.Metrics != nil {
		e.Metrics.PhasesCompleted.WithLabelValues(ex.PhaseName).Inc()
		if b.Status == domain.BatchCompleted {
			e.Metrics.BatchesCompleted.Inc()
		}
	}
	return ex, nil
}

// advanceTx makes the next planned phase pending, or completes the batch
// when ex was the last one. An open quarantine blocks completion.
func (e Engine) advanceTx(ctx context.Context, tx *sql.Tx, b *domain.Batch, ex domain.PhaseExecution, actorID string) error {
	executions, err := e.Repo.CurrentExecutions(ctx, b.ID)
	if err != nil {
		return err
	}
	for _, next := range executions {
		if next.Position <= ex.Position {
			continue
		}
		if next.Status != domain.PhaseNotReady {
			return PreconditionError{Detail: fmt.Sprintf("phase %s is %s, cannot become pending", next.PhaseName, next.Status)}
		}
		next.Status = domain.PhasePending
		if err := e.Repo.UpdateExecutionTx(ctx, tx, next); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "phase.ready", b.ID, next.PhaseName, actorID, events.EventPayload{})
	}

	// Last phase done: close out the batch.
	if q, err := e.Repo.OpenQuarantine(ctx, b.ID); err == nil {
		return OpenQuarantineError{BatchID: b.ID, QuarantineID: q.ID}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err := ensureBatchTransition(b.Status, domain.BatchCompleted); err != nil {
		return err
	}
	now := e.nowRFC3339()
	b.Status = domain.BatchCompleted
	b.CompletedAt = &now
	if err := e.Repo.UpdateBatchTx(ctx, tx, *b); err != nil {
		return err
	}
	if err := e.signTx(ctx, tx, b.ID, actorID, "batch.completed", "all phases completed"); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "batch.completed", b.ID, "", actorID, events.EventPayload{})
}

// QCDecisionOptions are parameters for deciding a quality checkpoint.
type QCDecisionOptions struct {
	BatchID     string
	PhaseName   string
	Approved    bool
	Reason      string
	ActorID     string
	OperationID string
}

// EvaluateQC decides the checkpoint parked on a completed phase. Approval
// advances the workflow; failure marks the phase failed and opens a
// quarantine for the batch.
func (e Engine) EvaluateQC(ctx context.Context, opts QCDecisionOptions) (domain.PhaseExecution, error) {
	unlock := e.lockBatch(opts.BatchID)
	defer unlock()

	b, err := e.Repo.GetBatch(ctx, opts.BatchID)
	if err != nil {
		return domain.PhaseExecution{}, err
	}
	ex, err := e.currentExecution(ctx, opts.BatchID, opts.PhaseName)
	if err != nil {
		return domain.PhaseExecution{}, err
	}
	if !ex.QCRequired {
		return domain.PhaseExecution{}, PreconditionError{Detail: fmt.Sprintf("phase %s has no quality checkpoint", ex.PhaseName)}
	}
	if ex.QCApproved != nil {
		return domain.PhaseExecution{}, AlreadyDecidedError{Subject: fmt.Sprintf("checkpoint on phase %s", ex.PhaseName)}
	}
	if ex.Status != domain.PhaseCompleted {
		return domain.PhaseExecution{}, PreconditionError{Detail: fmt.Sprintf("phase %s is %s, checkpoint needs a completed phase", ex.PhaseName, ex.Status)}
	}
	if !opts.Approved && opts.Reason == "" {
		return domain.PhaseExecution{}, PreconditionError{Detail: "failure reason is required"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PhaseExecution{}, err
	}
	defer tx.Rollback()
	defer e.Events.Discard(tx)

	if err := e.recordOperation(ctx, tx, opts.OperationID, b.ID, "phase.qc"); err != nil {
		if errors.Is(err, repo.ErrDuplicateOperation) {
			return e.currentExecution(ctx, opts.BatchID, opts.PhaseName)
		}
		return domain.PhaseExecution{}, err
	}
	if err := e.Auth.RequireRole(ctx, tx, opts.ActorID, auth.RoleQC); err != nil {
		return domain.PhaseExecution{}, err
	}

	now := e.nowRFC3339()
	approved := opts.Approved
	ex.QCApproved = &approved
	ex.QCApprovedBy = &opts.ActorID
	ex.QCApprovedAt = &now
	if approved {
		if err := e.Repo.UpdateExecutionTx(ctx, tx, ex); err != nil {
			return domain.PhaseExecution{}, err
		}
		if err := e.Events.Append(ctx, tx, "qc.approved", b.ID, ex.PhaseName, opts.ActorID, events.EventPayload{"attempt": ex.Attempt}); err != nil {
			return domain.PhaseExecution{}, err
		}
		if err := e.advanceTx(ctx, tx, &b, ex, opts.ActorID); err != nil {
			return domain.PhaseExecution{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.PhaseExecution{}, err
		}
		e.Events.Flush(tx)
		return ex, nil
	}

	ex.Status = domain.PhaseFailed
	ex.RejectionReason = opts.Reason
	if err := e.Repo.UpdateExecutionTx(ctx, tx, ex); err != nil {
		return domain.PhaseExecution{}, err
	}
	if err := e.Events.Append(ctx, tx, "phase.failed", b.ID, ex.PhaseName, opts.ActorID, events.EventPayload{
		"attempt": ex.Attempt,
		"reason":  opts.Reason,
	}); err != nil {
		return domain.PhaseExecution{}, err
	}
	if _, err := e.openQuarantineTx(ctx, tx, b, ex, opts.Reason, opts.ActorID); err != nil {
		return domain.PhaseExecution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PhaseExecution{}, err
	}
	e.Events.Flush(tx)
	if e.Metrics != nil {
		e.Metrics.PhasesFailed.WithLabelValues(ex.PhaseName).Inc()
		e.Metrics.QuarantinesOpened.Inc()
	}
	return ex, nil
}

// IntervalOptions are parameters for recording a breakdown or changeover.
type IntervalOptions struct {
	BatchID     string
	PhaseName   string
	Start       string
	End         string
	Reason      string
	ActorID     string
	OperationID string
}

func (e Engine) RecordBreakdown(ctx context.Context, opts IntervalOptions) (domain.PhaseExecution, error) {
	return e.recordInterval(ctx, opts, "breakdown")
}

func (e Engine) RecordChangeover(ctx context.Context, opts IntervalOptions) (domain.PhaseExecution, error) {
	return e.recordInterval(ctx, opts, "changeover")
}

func (e Engine) recordInterval(ctx context.Context, opts IntervalOptions, kind string) (domain.PhaseExecution, error) {
	unlock := e.lockBatch(opts.BatchID)
	defer unlock()

	ex, err := e.currentExecution(ctx, opts.BatchID, opts.PhaseName)
	if err != nil {
		return domain.PhaseExecution{}, err
	}
	if ex.Status != domain.PhaseInProgress {
		return domain.PhaseExecution{}, PreconditionError{Detail: fmt.Sprintf("phase %s is %s, intervals need an in-progress phase", ex.PhaseName, ex.Status)}
	}
	iv := ex.Breakdown
	if kind == "changeover" {
		iv = ex.Changeover
	}
	switch {
	case iv == nil:
		if opts.Start == "" {
			return domain.PhaseExecution{}, PreconditionError{Detail: kind + " start is required"}
		}
		iv = &domain.Interval{Start: opts.Start, End: opts.End, Reason: opts.Reason}
	case iv.End == "":
		if opts.End == "" {
			return domain.PhaseExecution{}, PreconditionError{Detail: kind + " already open, end is required"}
		}
		iv.End = opts.End
		if opts.Reason != "" {
			iv.Reason = opts.Reason
		}
	default:
		return domain.PhaseExecution{}, AlreadyDecidedError{Subject: kind + " interval on phase " + ex.PhaseName}
	}
	if iv.End != "" {
		start, err := time.Parse(time.RFC3339, iv.Start)
		if err != nil {
			return domain.PhaseExecution{}, PreconditionError{Detail: kind + " start: " + err.Error()}
		}
		end, err := time.Parse(time.RFC3339, iv.End)
		if err != nil {
			return domain.PhaseExecution{}, PreconditionError{Detail: kind + " end: " + err.Error()}
		}
		if !end.After(start) {
			return domain.PhaseExecution{}, PreconditionError{Detail: kind + " end must be after start"}
		}
	}
	if kind == "changeover" {
		ex.Changeover = iv
	} else {
		ex.Breakdown = iv
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PhaseExecution{}, err
	}
	defer tx.Rollback()
	defer e.Events.Discard(tx)

	if err := e.recordOperation(ctx, tx, opts.OperationID, opts.BatchID, "phase."+kind); err != nil {
		if errors.Is(err, repo.ErrDuplicateOperation) {
			return e.currentExecution(ctx, opts.BatchID, opts.PhaseName)
		}
		return domain.PhaseExecution{}, err
	}
	if err := e.Auth.RequireRole(ctx, tx, opts.ActorID, auth.PhaseRole(ex.PhaseName)); err != nil {
		return domain.PhaseExecution{}, err
	}
	if err := e.Repo.UpdateExecutionTx(ctx, tx, ex); err != nil {
		return domain.PhaseExecution{}, err
	}
	payload := events.EventPayload{"start": iv.Start}
	if iv.End != "" {
		payload["end"] = iv.End
	}
	if iv.Reason != "" {
		payload["reason"] = iv.Reason
	}
	if err := e.Events.Append(ctx, tx, "phase."+kind, opts.BatchID, ex.PhaseName, opts.ActorID, payload); err != nil {
		return domain.PhaseExecution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PhaseExecution{}, err
	}
	e.Events.Flush(tx)
	return ex, nil
}
