package engine

import (
	"context"
	"errors"
	"time"

	"pharmaline/internal/domain"
	"pharmaline/internal/repo"
)

// PhaseView pairs a phase execution with its advisory timing status.
type PhaseView struct {
	domain.PhaseExecution
	Timing *domain.TimingStatus `json:"timing,omitempty"`
}

// BatchDetail is the full read model of one batch.
type BatchDetail struct {
	Batch       domain.Batch             `json:"batch"`
	Product     domain.Product           `json:"product"`
	Phases      []PhaseView              `json:"phases"`
	Quarantines []domain.QuarantineBatch `json:"quarantines,omitempty"`
	Signatures  []domain.SignatureEvent  `json:"signatures,omitempty"`
}

func (e Engine) GetBatchDetail(ctx context.Context, batchID string) (BatchDetail, error) {
	b, err := e.Repo.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if byNumber, err2 := e.Repo.GetBatchByNumber(ctx, batchID); err2 == nil {
				b = byNumber
			} else {
				return BatchDetail{}, err
			}
		} else {
			return BatchDetail{}, err
		}
	}
	product, err := e.Repo.GetProduct(ctx, b.ProductID)
	if err != nil {
		return BatchDetail{}, err
	}
	executions, err := e.Repo.CurrentExecutions(ctx, b.ID)
	if err != nil {
		return BatchDetail{}, err
	}
	quarantines, err := e.Repo.ListQuarantines(ctx, b.ID)
	if err != nil {
		return BatchDetail{}, err
	}
	signatures, err := e.Repo.ListSignatures(ctx, b.ID)
	if err != nil {
		return BatchDetail{}, err
	}
	detail := BatchDetail{
		Batch:       b,
		Product:     product,
		Quarantines: quarantines,
		Signatures:  signatures,
	}
	for _, ex := range executions {
		detail.Phases = append(detail.Phases, PhaseView{
			PhaseExecution: ex,
			Timing:         e.TimingFor(ex),
		})
	}
	return detail, nil
}

// PhaseHistory returns every attempt of every phase, oldest first.
func (e Engine) PhaseHistory(ctx context.Context, batchID string) ([]domain.PhaseExecution, error) {
	return e.Repo.ListExecutions(ctx, batchID)
}

// TimingFor computes the advisory timing state of a started phase.
// Timing never blocks a command; it only informs dashboards.
func (e Engine) TimingFor(ex domain.PhaseExecution) *domain.TimingStatus {
	if ex.StartedAt == nil || e.Config == nil {
		return nil
	}
	started, err := time.Parse(time.RFC3339, *ex.StartedAt)
	if err != nil {
		return nil
	}
	end := e.now().UTC()
	if ex.CompletedAt != nil {
		if completed, err := time.Parse(time.RFC3339, *ex.CompletedAt); err == nil {
			end = completed
		}
	}
	elapsed := end.Sub(started).Hours()
	// Downtime inside the phase does not count against the expectation.
	if ex.Breakdown != nil {
		if h, err := ex.Breakdown.Hours(); err == nil {
			elapsed -= h
		}
	}
	if ex.Changeover != nil {
		if h, err := ex.Changeover.Hours(); err == nil {
			elapsed -= h
		}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	expected := e.Config.ExpectedHours(ex.PhaseName, ex.MachineType != "")
	ts := &domain.TimingStatus{
		ExpectedHours:    expected,
		ElapsedHours:     elapsed,
		WarningThreshold: e.Config.Timing.WarningThresholdPercent,
		State:            "ok",
	}
	if expected <= 0 {
		return ts
	}
	warnAt := expected * (1 - ts.WarningThreshold/100)
	switch {
	case elapsed > expected:
		ts.State = "overrun"
	case elapsed >= warnAt:
		ts.State = "warning"
	}
	return ts
}
