package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"pharmaline/internal/domain"
	"pharmaline/internal/engine"
	"pharmaline/internal/engine/auth"
	"pharmaline/internal/repo"
	"pharmaline/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"precondition_failed"`
	Message string         `json:"message" example:"phase compression is not_ready, not ready to start"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Pharmaline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	if cfg.Engine.Metrics != nil {
		router.Handle("/metrics", cfg.Engine.Metrics.Handler())
	}
	if cfg.Engine.Events.Bus != nil {
		router.Get(basePath+"/stream", streamHandler(cfg.Engine.Events.Bus))
	}
	hcfg := huma.DefaultConfig("Pharmaline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerProducts(group, cfg.Engine)
	registerBatches(group, cfg.Engine)
	registerPhases(group, cfg.Engine)
	registerQuarantines(group, cfg.Engine)
	registerMachines(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)

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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var forbidden auth.ForbiddenError
	if errors.As(err, &forbidden) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": forbidden.Role})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var transition engine.InvalidTransitionError
	if errors.As(err, &transition) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"entity": transition.Entity, "from": transition.From, "to": transition.To,
		})
	}
	var order engine.StageOrderError
	if errors.As(err, &order) {
		return newAPIError(http.StatusConflict, "stage_order", err.Error(), map[string]any{
			"stage": order.Stage, "status": order.Status,
		})
	}
	var decided engine.AlreadyDecidedError
	if errors.As(err, &decided) {
		return newAPIError(http.StatusConflict, "already_decided", err.Error(), nil)
	}
	var dupQ engine.DuplicateQuarantineError
	if errors.As(err, &dupQ) {
		return newAPIError(http.StatusConflict, "duplicate_quarantine", err.Error(), map[string]any{"quarantine_id": dupQ.QuarantineID})
	}
	var limit engine.SampleLimitError
	if errors.As(err, &limit) {
		return newAPIError(http.StatusUnprocessableEntity, "sample_limit", err.Error(), map[string]any{"limit": limit.Limit})
	}
	var openQ engine.OpenQuarantineError
	if errors.As(err, &openQ) {
		return newAPIError(http.StatusUnprocessableEntity, "open_quarantine", err.Error(), map[string]any{"quarantine_id": openQ.QuarantineID})
	}
	var precondition engine.PreconditionError
	if errors.As(err, &precondition) {
		return newAPIError(http.StatusUnprocessableEntity, "precondition_failed", err.Error(), nil)
	}
	var configuration workflow.ConfigurationError
	if errors.As(err, &configuration) {
		return newAPIError(http.StatusUnprocessableEntity, "configuration_error", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Plant status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		counts, err := e.Repo.CountBatchesByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		body := map[string]any{"batch_counts": counts}
		if e.Config != nil {
			body["plant_id"] = e.Config.Plant.ID
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})
}

func registerProducts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-product",
		Method:        http.MethodPost,
		Path:          "/products",
		Summary:       "Register product",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProductRequest `json:"body"`
	}) (*struct {
		Body domain.Product `json:"body"`
	}, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		p, err := e.CreateProduct(ctx, engine.ProductCreateOptions{
			ID:         input.Body.ID,
			Name:       input.Body.Name,
			Type:       input.Body.Type,
			TabletType: input.Body.TabletType,
			Coated:     input.Body.Coated,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Product `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-products",
		Method:      http.MethodGet,
		Path:        "/products",
		Summary:     "List products",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Product `json:"body"`
	}, error) {
		products, err := e.Repo.ListProducts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Product `json:"body"`
		}{Body: products}, nil
	})
}

type BatchPath struct {
	BatchID string `path:"batch_id"`
}

func registerBatches(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-batch",
		Method:        http.MethodPost,
		Path:          "/batches",
		Summary:       "Open a batch manufacturing record",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateBatchRequest `json:"body"`
	}) (*struct {
		Body domain.Batch `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.CreateBatch(ctx, engine.BatchCreateOptions{
			ID:          input.Body.ID,
			BatchNumber: input.Body.BatchNumber,
			ProductID:   input.Body.ProductID,
			BatchSize:   input.Body.BatchSize,
			SizeUnit:    input.Body.SizeUnit,
			ActorID:     actorID,
			OperationID: input.Body.OperationID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Batch `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-batches",
		Method:      http.MethodGet,
		Path:        "/batches",
		Summary:     "List batches",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body []domain.Batch `json:"body"`
	}, error) {
		batches, err := e.Repo.ListBatches(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Batch `json:"body"`
		}{Body: batches}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-batch",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_id}",
		Summary:     "Batch detail with phases and timing",
	}, func(ctx context.Context, input *BatchPath) (*struct {
		Body engine.BatchDetail `json:"body"`
	}, error) {
		detail, err := e.GetBatchDetail(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.BatchDetail `json:"body"`
		}{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "batch-history",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_id}/history",
		Summary:     "All phase execution attempts",
	}, func(ctx context.Context, input *BatchPath) (*struct {
		Body []domain.PhaseExecution `json:"body"`
	}, error) {
		history, err := e.PhaseHistory(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PhaseExecution `json:"body"`
		}{Body: history}, nil
	})

	transitions := []struct {
		op, pathSuffix, summary string
		call                    func(ctx context.Context, batchID, actorID string, body ReasonRequest) (domain.Batch, error)
	}{
		{"submit-batch", "submit", "Submit record for review",
			func(ctx context.Context, batchID, actorID string, body ReasonRequest) (domain.Batch, error) {
				return e.SubmitBatch(ctx, batchID, actorID, body.OperationID)
			}},
		{"approve-batch", "approve", "Approve record and materialize the phase plan",
			func(ctx context.Context, batchID, actorID string, body ReasonRequest) (domain.Batch, error) {
				return e.ApproveBatch(ctx, batchID, actorID, body.OperationID)
			}},
		{"reject-batch", "reject", "Reject record",
			func(ctx context.Context, batchID, actorID string, body ReasonRequest) (domain.Batch, error) {
				return e.RejectBatch(ctx, batchID, actorID, body.Reason, body.OperationID)
			}},
		{"cancel-batch", "cancel", "Cancel batch",
			func(ctx context.Context, batchID, actorID string, body ReasonRequest) (domain.Batch, error) {
				return e.CancelBatch(ctx, batchID, actorID, body.Reason, body.OperationID)
			}},
	}
	for _, t := range transitions {
		call := t.call
		huma.Register(api, huma.Operation{
			OperationID: t.op,
			Method:      http.MethodPost,
			Path:        "/batches/{batch_id}/" + t.pathSuffix,
			Summary:     t.summary,
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *struct {
			BatchPath
			Body ReasonRequest `json:"body"`
		}) (*struct {
			Body domain.Batch `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			b, err := call(ctx, input.BatchID, actorID, input.Body)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Batch `json:"body"`
			}{Body: b}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "batch-signatures",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_id}/signatures",
		Summary:     "Signature trail",
	}, func(ctx context.Context, input *BatchPath) (*struct {
		Body []domain.SignatureEvent `json:"body"`
	}, error) {
		signatures, err := e.Repo.ListSignatures(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.SignatureEvent `json:"body"`
		}{Body: signatures}, nil
	})
}

type PhasePath struct {
	BatchID   string `path:"batch_id"`
	PhaseName string `path:"phase_name"`
}

func registerPhases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "start-phase",
		Method:      http.MethodPost,
		Path:        "/batches/{batch_id}/phases/{phase_name}/start",
		Summary:     "Start a pending phase",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PhasePath
		Body StartPhaseRequest `json:"body"`
	}) (*struct {
		Body domain.PhaseExecution `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ex, err := e.StartPhase(ctx, engine.PhaseStartOptions{
			BatchID:     input.BatchID,
			PhaseName:   input.PhaseName,
			MachineID:   input.Body.MachineID,
			ActorID:     actorID,
			OperationID: input.Body.OperationID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PhaseExecution `json:"body"`
		}{Body: ex}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-phase",
		Method:      http.MethodPost,
		Path:        "/batches/{batch_id}/phases/{phase_name}/complete",
		Summary:     "Complete an in-progress phase",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PhasePath
		Body CompletePhaseRequest `json:"body"`
	}) (*struct {
		Body domain.PhaseExecution `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ex, err := e.CompletePhase(ctx, engine.PhaseCompleteOptions{
			BatchID:     input.BatchID,
			PhaseName:   input.PhaseName,
			ProcessData: string(input.Body.ProcessData),
			Comments:    input.Body.Comments,
			ActorID:     actorID,
			OperationID: input.Body.OperationID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PhaseExecution `json:"body"`
		}{Body: ex}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-qc",
		Method:      http.MethodPost,
		Path:        "/batches/{batch_id}/phases/{phase_name}/qc",
		Summary:     "Decide the quality checkpoint on a completed phase",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PhasePath
		Body QCDecisionRequest `json:"body"`
	}) (*struct {
		Body domain.PhaseExecution `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ex, err := e.EvaluateQC(ctx, engine.QCDecisionOptions{
			BatchID:     input.BatchID,
			PhaseName:   input.PhaseName,
			Approved:    input.Body.Approved,
			Reason:      input.Body.Reason,
			ActorID:     actorID,
			OperationID: input.Body.OperationID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PhaseExecution `json:"body"`
		}{Body: ex}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "flag-deviation",
		Method:        http.MethodPost,
		Path:          "/batches/{batch_id}/phases/{phase_name}/deviation",
		Summary:       "Flag a deviation and quarantine the batch",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		PhasePath
		Body ReasonRequest `json:"body"`
	}) (*struct {
		Body domain.QuarantineBatch `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q, err := e.FlagDeviation(ctx, engine.DeviationOptions{
			BatchID:     input.BatchID,
			PhaseName:   input.PhaseName,
			Reason:      input.Body.Reason,
			ActorID:     actorID,
			OperationID: input.Body.OperationID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.QuarantineBatch `json:"body"`
		}{Body: q}, nil
	})

	intervals := []struct {
		op, pathSuffix, summary string
		call                    func(ctx context.Context, opts engine.IntervalOptions) (domain.PhaseExecution, error)
	}{
		{"record-breakdown", "breakdown", "Record a machine breakdown interval", e.RecordBreakdown},
		{"record-changeover", "changeover", "Record a changeover interval", e.RecordChangeover},
	}
	for _, t := range intervals {
		call := t.call
		huma.Register(api, huma.Operation{
			OperationID: t.op,
			Method:      http.MethodPost,
			Path:        "/batches/{batch_id}/phases/{phase_name}/" + t.pathSuffix,
			Summary:     t.summary,
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *struct {
			PhasePath
			Body IntervalRequest `json:"body"`
		}) (*struct {
			Body domain.PhaseExecution `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			ex, err := call(ctx, engine.IntervalOptions{
				BatchID:     input.BatchID,
				PhaseName:   input.PhaseName,
				Start:       input.Body.Start,
				End:         input.Body.End,
				Reason:      input.Body.Reason,
				ActorID:     actorID,
				OperationID: input.Body.OperationID,
			})
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.PhaseExecution `json:"body"`
			}{Body: ex}, nil
		})
	}
}

type QuarantinePath struct {
	QuarantineID string `path:"quarantine_id"`
}

// QuarantineDetail pairs a quarantine with its samples.
type QuarantineDetail struct {
	Quarantine domain.QuarantineBatch `json:"quarantine"`
	Samples    []domain.SampleRequest `json:"samples,omitempty"`
}

func registerQuarantines(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-quarantines",
		Method:      http.MethodGet,
		Path:        "/quarantines",
		Summary:     "List quarantines",
	}, func(ctx context.Context, input *struct {
		BatchID string `query:"batch_id"`
	}) (*struct {
		Body []domain.QuarantineBatch `json:"body"`
	}, error) {
		quarantines, err := e.Repo.ListQuarantines(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.QuarantineBatch `json:"body"`
		}{Body: quarantines}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-quarantine",
		Method:      http.MethodGet,
		Path:        "/quarantines/{quarantine_id}",
		Summary:     "Quarantine detail with samples",
	}, func(ctx context.Context, input *QuarantinePath) (*struct {
		Body QuarantineDetail `json:"body"`
	}, error) {
		q, err := e.Repo.GetQuarantine(ctx, input.QuarantineID)
		if err != nil {
			return nil, handleError(err)
		}
		samples, err := e.Repo.ListSamples(ctx, q.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuarantineDetail `json:"body"`
		}{Body: QuarantineDetail{Quarantine: q, Samples: samples}}, nil
	})

	sampleSteps := []struct {
		op, pathSuffix, summary string
		call                    func(ctx context.Context, opts engine.SampleOptions) (domain.SampleRequest, error)
	}{
		{"request-sample", "samples", "Request the next sample", e.RequestSample},
		{"record-sampling", "sampled", "Record sample drawn by QA", e.RecordSampling},
		{"record-receipt", "received", "Record sample received by QC", e.RecordReceipt},
	}
	for _, t := range sampleSteps {
		call := t.call
		huma.Register(api, huma.Operation{
			OperationID:   t.op,
			Method:        http.MethodPost,
			Path:          "/quarantines/{quarantine_id}/" + t.pathSuffix,
			Summary:       t.summary,
			DefaultStatus: http.StatusOK,
			Errors:        mutationErrors,
		}, func(ctx context.Context, input *struct {
			QuarantinePath
			Body ReasonRequest `json:"body"`
		}) (*struct {
			Body domain.SampleRequest `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			s, err := call(ctx, engine.SampleOptions{
				QuarantineID: input.QuarantineID,
				ActorID:      actorID,
				OperationID:  input.Body.OperationID,
			})
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.SampleRequest `json:"body"`
			}{Body: s}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "decide-sample",
		Method:      http.MethodPost,
		Path:        "/quarantines/{quarantine_id}/decision",
		Summary:     "Record the laboratory verdict on the current sample",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		QuarantinePath
		Body SampleDecisionRequest `json:"body"`
	}) (*struct {
		Body domain.SampleRequest `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.RecordTestResult(ctx, engine.SampleOptions{
			QuarantineID: input.QuarantineID,
			Approved:     input.Body.Approved,
			Results:      string(input.Body.Results),
			Comments:     input.Body.Comments,
			ActorID:      actorID,
			OperationID:  input.Body.OperationID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SampleRequest `json:"body"`
		}{Body: s}, nil
	})

	resolutions := []struct {
		op, pathSuffix, summary string
		call                    func(ctx context.Context, opts engine.ReleaseOptions) (domain.QuarantineBatch, error)
	}{
		{"release-quarantine", "release", "Release the quarantine and roll the workflow back", e.ReleaseQuarantine},
		{"reject-quarantine", "reject", "Reject the quarantine, leaving the batch blocked", e.RejectQuarantine},
	}
	for _, t := range resolutions {
		call := t.call
		huma.Register(api, huma.Operation{
			OperationID: t.op,
			Method:      http.MethodPost,
			Path:        "/quarantines/{quarantine_id}/" + t.pathSuffix,
			Summary:     t.summary,
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *struct {
			QuarantinePath
			Body ReasonRequest `json:"body"`
		}) (*struct {
			Body domain.QuarantineBatch `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			q, err := call(ctx, engine.ReleaseOptions{
				QuarantineID: input.QuarantineID,
				Reason:       input.Body.Reason,
				ActorID:      actorID,
				OperationID:  input.Body.OperationID,
			})
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.QuarantineBatch `json:"body"`
			}{Body: q}, nil
		})
	}
}

func registerMachines(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-machine",
		Method:        http.MethodPost,
		Path:          "/machines",
		Summary:       "Register machine",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateMachineRequest `json:"body"`
	}) (*struct {
		Body domain.Machine `json:"body"`
	}, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		m, err := e.CreateMachine(ctx, engine.MachineCreateOptions{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			MachineType: input.Body.MachineType,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Machine `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-machines",
		Method:      http.MethodGet,
		Path:        "/machines",
		Summary:     "List machines",
	}, func(ctx context.Context, input *struct {
		MachineType string `query:"machine_type"`
	}) (*struct {
		Body []domain.Machine `json:"body"`
	}, error) {
		machines, err := e.Repo.ListMachines(ctx, input.MachineType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Machine `json:"body"`
		}{Body: machines}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit event log, newest first",
	}, func(ctx context.Context, input *struct {
		BatchID string `query:"batch_id"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		evts, err := e.Repo.ListEvents(ctx, input.BatchID, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "assign-role",
		Method:        http.MethodPost,
		Path:          "/rbac/roles",
		Summary:       "Assign a role to an actor",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body AssignRoleRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Auth.RequireRole(ctx, tx, actorID, auth.RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		tx.Rollback()
		if err := e.Repo.EnsureActor(ctx, input.Body.ActorID, "", e.Now().UTC().Format(time.RFC3339)); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.AssignRole(ctx, input.Body.ActorID, input.Body.Role); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"actor_id": input.Body.ActorID, "role": input.Body.Role}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "actor-roles",
		Method:      http.MethodGet,
		Path:        "/rbac/actors/{actor_id}/roles",
		Summary:     "Roles of an actor",
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
	}) (*struct {
		Body []string `json:"body"`
	}, error) {
		roles, err := e.Repo.ActorRoles(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: roles}, nil
	})
}
