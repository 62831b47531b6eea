package server

import "encoding/json"

// Request bodies. Every mutating request carries an optional client
// operation id for replay-safe retries.

type CreateProductRequest struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	Type       string `json:"type" enum:"ointment,tablet,capsule"`
	TabletType string `json:"tablet_type,omitempty" enum:"normal,tablet_2"`
	Coated     bool   `json:"coated,omitempty"`
}

type CreateBatchRequest struct {
	ID          string  `json:"id,omitempty"`
	BatchNumber string  `json:"batch_number" example:"0012025"`
	ProductID   string  `json:"product_id"`
	BatchSize   float64 `json:"batch_size"`
	SizeUnit    string  `json:"batch_size_unit,omitempty" example:"kg"`
	OperationID string  `json:"operation_id,omitempty"`
}

type ReasonRequest struct {
	Reason      string `json:"reason,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
}

type StartPhaseRequest struct {
	MachineID   string `json:"machine_id,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
}

type CompletePhaseRequest struct {
	ProcessData json.RawMessage `json:"process_data,omitempty"`
	Comments    string          `json:"comments,omitempty"`
	OperationID string          `json:"operation_id,omitempty"`
}

type QCDecisionRequest struct {
	Approved    bool   `json:"approved"`
	Reason      string `json:"reason,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
}

type IntervalRequest struct {
	Start       string `json:"start,omitempty" format:"date-time"`
	End         string `json:"end,omitempty" format:"date-time"`
	Reason      string `json:"reason,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
}

type SampleDecisionRequest struct {
	Approved    bool            `json:"approved"`
	Results     json.RawMessage `json:"results,omitempty"`
	Comments    string          `json:"comments,omitempty"`
	OperationID string          `json:"operation_id,omitempty"`
}

type CreateMachineRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	MachineType string `json:"machine_type"`
}

type AssignRoleRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}
