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
	"pharmaline/internal/metrics"
	"pharmaline/internal/repo"
	"pharmaline/internal/workflow"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Auth    auth.Service
	Events  events.Writer
	Config  *config.Config
	Metrics *metrics.Metrics
	Now     func() time.Time

	locks *batchLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Auth:   auth.Service{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		locks:  newBatchLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// lockBatch serializes mutating commands on one batch.
func (e Engine) lockBatch(batchID string) func() {
	if e.locks == nil {
		return func() {}
	}
	return e.locks.lock(batchID)
}

func ensureBatchTransition(from, to string) error {
	allowed := map[string][]string{
		domain.BatchDraft:        {domain.BatchSubmitted, domain.BatchCancelled},
		domain.BatchSubmitted:    {domain.BatchApproved, domain.BatchRejected, domain.BatchCancelled},
		domain.BatchApproved:     {domain.BatchInProduction, domain.BatchCancelled},
		domain.BatchInProduction: {domain.BatchCompleted, domain.BatchCancelled},
	}
	for _, next := range allowed[from] {
		if next == to {
			return nil
		}
	}
	return InvalidTransitionError{Entity: "batch", From: from, To: to}
}

func (e Engine) signTx(ctx context.Context, tx *sql.Tx, batchID, signer, meaning, reason string) error {
	return e.Repo.InsertSignatureTx(ctx, tx, domain.SignatureEvent{
		ID:      uuid.NewString(),
		BatchID: batchID,
		Signer:  signer,
		Meaning: meaning,
		Reason:  reason,
		TS:      e.nowRFC3339(),
	})
}

// recordOperation notes the client operation id inside tx.
// ErrDuplicateOperation from it means the command already applied.
func (e Engine) recordOperation(ctx context.Context, tx *sql.Tx, opID, batchID, command string) error {
	return e.Repo.RecordOperationTx(ctx, tx, opID, batchID, command, e.nowRFC3339())
}

// BatchCreateOptions are parameters for opening a batch manufacturing record.
type BatchCreateOptions struct {
	ID          string
	BatchNumber string
	ProductID   string
	BatchSize   float64
	SizeUnit    string
	ActorID     string
	OperationID string
}

func (e Engine) CreateBatch(ctx context.Context, opts BatchCreateOptions) (domain.Batch, error) {
	if opts.BatchNumber == "" {
		return domain.Batch{}, PreconditionError{Detail: "batch_number is required"}
	}
	if err := domain.ValidateBatchNumber(opts.BatchNumber); err != nil {
		return domain.Batch{}, PreconditionError{Detail: err.Error()}
	}
	if opts.BatchSize <= 0 {
		return domain.Batch{}, PreconditionError{Detail: "batch_size must be positive"}
	}
	product, err := e.Repo.GetProduct(ctx, opts.ProductID)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("product %s: %w", opts.ProductID, err)
	}
	if _, err := e.Repo.GetBatchByNumber(ctx, opts.BatchNumber); err == nil {
		return domain.Batch{}, PreconditionError{Detail: fmt.Sprintf("batch number %s already in use", opts.BatchNumber)}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Batch{}, err
	}

	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	b := domain.Batch{
		ID:            opts.ID,
		BatchNumber:   opts.BatchNumber,
		ProductID:     product.ID,
		BatchSize:     opts.BatchSize,
		BatchSizeUnit: opts.SizeUnit,
		Status:        domain.BatchDraft,
		CreatedBy:     opts.ActorID,
		CreatedAt:     e.nowRFC3339(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Batch{}, err
	}
	defer tx.Rollback()
	defer e.Events.Discard(tx)

	if err := e.recordOperation(ctx, tx, opts.OperationID, b.ID, "batch.create"); err != nil {
		if errors.Is(err, repo.ErrDuplicateOperation) {
			return e.replayBatch(ctx, opts.OperationID)
		}
		return domain.Batch{}, err
	}
	if err := e.Auth.RequireRole(ctx, tx, opts.ActorID, auth.RoleQA); err != nil {
		return domain.Batch{}, err
	}
	if err := e.Repo.InsertBatchTx(ctx, tx, b); err != nil {
		return domain.Batch{}, fmt.Errorf("insert batch: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "batch.created", b.ID, "", opts.ActorID, events.EventPayload{
		"batch_number": b.BatchNumber,
		"product_id":   b.ProductID,
	}); err != nil {
		return domain.Batch{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Batch{}, err
	}
	e.Events.Flush(tx)
	if e.Metrics != nil {
		e.Metrics.BatchesCreated.Inc()
	}
	return b, nil
}

// replayBatch resolves an already applied operation id to the batch it touched.
func (e Engine) replayBatch(ctx context.Context, opID string) (domain.Batch, error) {
	batchID, err := e.Repo.GetOperationBatch(ctx, opID)
	if err != nil {
		return domain.Batch{}, err
	}
	return e.Repo.GetBatch(ctx, batchID)
}

// transitionBatch applies one lifecycle transition with signature and event.
func (e Engine) transitionBatch(ctx context.Context, batchID, to, actorID, role, reason, command, meaning string, opID string) (domain.Batch, error) {
	unlock := e.lockBatch(batchID)
	defer unlock()

	b, err := e.Repo.GetBatch(ctx, batchID)
	if err != nil {
		return domain.Batch{}, err
	}
	if err := ensureBatchTransition(b.Status, to); err != nil {
		return domain.Batch{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Batch{}, err
	}
	defer tx.Rollback()
	defer e.Events.Discard(tx)

	if err := e.recordOperation(ctx, tx, opID, b.ID, command); err != nil {
		if errors.Is(err, repo.ErrDuplicateOperation) {
			return e.replayBatch(ctx, opID)
		}
		return domain.Batch{}, err
	}
	if err := e.Auth.RequireRole(ctx, tx, actorID, role); err != nil {
		return domain.Batch{}, err
	}

	from := b.Status
	b.Status = to
	now := e.nowRFC3339()
	switch to {
	case domain.BatchApproved:
		b.ApprovedBy = &actorID
		b.ApprovedAt = &now
		if err := e.materializePlanTx(ctx, tx, b); err != nil {
			return domain.Batch{}, err
		}
	case domain.BatchCompleted:
		b.CompletedAt = &now
	}
	if err := e.Repo.UpdateBatchTx(ctx, tx, b); err != nil {
		return domain.Batch{}, err
	}
	if err := e.signTx(ctx, tx, b.ID, actorID, meaning, reason); err != nil {
		return domain.Batch{}, err
	}
	payload := events.EventPayload{"from": from, "to": to}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := e.Events.Append(ctx, tx, command, b.ID, "", actorID, payload); err != nil {
		return domain.Batch{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Batch{}, err
	}
	e.Events.Flush(tx)
	return b, nil
}

func (e Engine) SubmitBatch(ctx context.Context, batchID, actorID, opID string) (domain.Batch, error) {
	return e.transitionBatch(ctx, batchID, domain.BatchSubmitted, actorID, auth.RoleQA, "", "batch.submitted", "submitted for regulatory review", opID)
}

func (e Engine) ApproveBatch(ctx context.Context, batchID, actorID, opID string) (domain.Batch, error) {
	return e.transitionBatch(ctx, batchID, domain.BatchApproved, actorID, auth.RoleRegulatory, "", "batch.approved", "batch manufacturing record approved", opID)
}

func (e Engine) RejectBatch(ctx context.Context, batchID, actorID, reason, opID string) (domain.Batch, error) {
	if reason == "" {
		return domain.Batch{}, PreconditionError{Detail: "rejection reason is required"}
	}
	return e.transitionBatch(ctx, batchID, domain.BatchRejected, actorID, auth.RoleRegulatory, reason, "batch.rejected", "batch manufacturing record rejected", opID)
}

func (e Engine) CancelBatch(ctx context.Context, batchID, actorID, reason, opID string) (domain.Batch, error) {
	if reason == "" {
		return domain.Batch{}, PreconditionError{Detail: "cancellation reason is required"}
	}
	return e.transitionBatch(ctx, batchID, domain.BatchCancelled, actorID, auth.RoleQA, reason, "batch.cancelled", "batch cancelled", opID)
}

// materializePlanTx resolves the product workflow and seeds one execution
// per phase: the first pending, the rest not ready.
func (e Engine) materializePlanTx(ctx context.Context, tx *sql.Tx, b domain.Batch) error {
	product, err := e.Repo.GetProduct(ctx, b.ProductID)
	if err != nil {
		return err
	}
	plan, err := workflow.Resolve(product)
	if err != nil {
		return err
	}
	if err := e.Repo.InsertPlanTx(ctx, tx, b.ID, plan); err != nil {
		return err
	}
	for _, def := range plan {
		status := domain.PhaseNotReady
		if def.Position == 1 {
			status = domain.PhasePending
		}
		ex := domain.PhaseExecution{
			ID:          uuid.NewString(),
			BatchID:     b.ID,
			Position:    def.Position,
			Attempt:     1,
			PhaseName:   def.Name,
			Status:      status,
			QCRequired:  def.QCRequired,
			MachineType: def.MachineType,
		}
		if err := e.Repo.InsertExecutionTx(ctx, tx, ex); err != nil {
			return fmt.Errorf("seed phase %s: %w", def.Name, err)
		}
	}
	return nil
}

func ensureQuarantineTransition(from, to string) error {
	allowed := map[string][]string{
		domain.QuarantineOpen:            {domain.QuarantineSampleRequested, domain.QuarantineRejected},
		domain.QuarantineSampleRequested: {domain.QuarantineSampleInQA},
		domain.QuarantineSampleInQA:      {domain.QuarantineSampleInQC},
		domain.QuarantineSampleInQC:      {domain.QuarantineSampleApproved, domain.QuarantineSampleFailed},
		domain.QuarantineSampleApproved:  {domain.QuarantineReleased},
		domain.QuarantineSampleFailed:    {domain.QuarantineSampleRequested, domain.QuarantineReleased, domain.QuarantineRejected},
	}
	for _, next := range allowed[from] {
		if next == to {
			return nil
		}
	}
	return InvalidTransitionError{Entity: "quarantine", From: from, To: to}
}
