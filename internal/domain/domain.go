package domain

import "time"

// Product types.
const (
	ProductOintment = "ointment"
	ProductTablet   = "tablet"
	ProductCapsule  = "capsule"
)

// Tablet sub-types.
const (
	TabletNormal = "normal"
	TabletType2  = "tablet_2"
)

// Batch statuses.
const (
	BatchDraft        = "draft"
	BatchSubmitted    = "submitted"
	BatchApproved     = "approved"
	BatchRejected     = "rejected"
	BatchInProduction = "in_production"
	BatchCompleted    = "completed"
	BatchCancelled    = "cancelled"
)

// Phase execution statuses.
const (
	PhaseNotReady   = "not_ready"
	PhasePending    = "pending"
	PhaseInProgress = "in_progress"
	PhaseCompleted  = "completed"
	PhaseFailed     = "failed"
	PhaseRolledBack = "rolled_back"
	PhaseSkipped    = "skipped"
)

// Quarantine statuses.
const (
	QuarantineOpen            = "quarantined"
	QuarantineSampleRequested = "sample_requested"
	QuarantineSampleInQA      = "sample_in_qa"
	QuarantineSampleInQC      = "sample_in_qc"
	QuarantineSampleApproved  = "sample_approved"
	QuarantineSampleFailed    = "sample_failed"
	QuarantineReleased        = "released"
	QuarantineRejected        = "rejected"
)

// Sample QC statuses.
const (
	SamplePending  = "pending"
	SampleApproved = "approved"
	SampleFailed   = "failed"
)

type Product struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type" enum:"ointment,tablet,capsule"`
	TabletType string `json:"tablet_type,omitempty" enum:"normal,tablet_2"`
	Coated     bool   `json:"coated"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// Batch is one Batch Manufacturing Record (BMR): a single production run.
type Batch struct {
	ID            string  `json:"id"`
	BatchNumber   string  `json:"batch_number"`
	ProductID     string  `json:"product_id"`
	BatchSize     float64 `json:"batch_size"`
	BatchSizeUnit string  `json:"batch_size_unit,omitempty"`
	Status        string  `json:"status" enum:"draft,submitted,approved,rejected,in_production,completed,cancelled"`
	CreatedBy     string  `json:"created_by"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	ApprovedBy    *string `json:"approved_by,omitempty"`
	ApprovedAt    *string `json:"approved_at,omitempty" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
}

// PhaseDefinition is one entry of a resolved workflow template. A batch's
// plan is a fully materialized ordered slice of these, fixed at approval.
type PhaseDefinition struct {
	Position    int    `json:"position"`
	Name        string `json:"name"`
	MachineType string `json:"machine_type,omitempty"`
	Condition   string `json:"condition,omitempty"`
	QCRequired  bool   `json:"qc_required"`
	RollbackTo  string `json:"rollback_to,omitempty"`
}

// Interval is a recorded downtime window (breakdown or changeover).
// Duration is derived from Start/End on read, never stored.
type Interval struct {
	Start  string `json:"start" format:"date-time"`
	End    string `json:"end" format:"date-time"`
	Reason string `json:"reason,omitempty"`
}

// Hours returns the interval duration; an open interval is an error.
func (iv Interval) Hours() (float64, error) {
	start, err := time.Parse(time.RFC3339, iv.Start)
	if err != nil {
		return 0, err
	}
	end, err := time.Parse(time.RFC3339, iv.End)
	if err != nil {
		return 0, err
	}
	return end.Sub(start).Hours(), nil
}

type PhaseExecution struct {
	ID          string `json:"id"`
	BatchID     string `json:"batch_id"`
	Position    int    `json:"position"`
	Attempt     int    `json:"attempt"`
	PhaseName   string `json:"phase_name"`
	Status      string `json:"status" enum:"not_ready,pending,in_progress,completed,failed,rolled_back,skipped"`
	QCRequired  bool   `json:"qc_required"`
	MachineType string `json:"machine_type,omitempty"`

	StartedBy   *string `json:"started_by,omitempty"`
	StartedAt   *string `json:"started_at,omitempty" format:"date-time"`
	CompletedBy *string `json:"completed_by,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`

	MachineID  *string   `json:"machine_id,omitempty"`
	Breakdown  *Interval `json:"breakdown,omitempty"`
	Changeover *Interval `json:"changeover,omitempty"`

	QCApproved      *bool   `json:"qc_approved,omitempty"`
	QCApprovedBy    *string `json:"qc_approved_by,omitempty"`
	QCApprovedAt    *string `json:"qc_approved_at,omitempty" format:"date-time"`
	RejectionReason string  `json:"rejection_reason,omitempty"`

	ProcessDataJSON *string `json:"process_data_json,omitempty"`
	Comments        string  `json:"comments,omitempty"`
}

type QuarantineBatch struct {
	ID               string  `json:"id"`
	BatchID          string  `json:"batch_id"`
	PhaseExecutionID string  `json:"phase_execution_id"`
	PhaseName        string  `json:"phase_name"`
	Status           string  `json:"status" enum:"quarantined,sample_requested,sample_in_qa,sample_in_qc,sample_approved,sample_failed,released,rejected"`
	Reason           string  `json:"reason,omitempty"`
	RollbackTo       int     `json:"rollback_to"`
	SampleCount      int     `json:"sample_count"`
	QuarantinedAt    string  `json:"quarantined_at" format:"date-time"`
	ReleasedAt       *string `json:"released_at,omitempty" format:"date-time"`
	ReleasedBy       *string `json:"released_by,omitempty"`
}

type SampleRequest struct {
	ID           string  `json:"id"`
	QuarantineID string  `json:"quarantine_id"`
	SampleNumber int     `json:"sample_number"`
	RequestedBy  string  `json:"requested_by"`
	RequestedAt  string  `json:"requested_at" format:"date-time"`
	SampledBy    *string `json:"sampled_by,omitempty"`
	SampledAt    *string `json:"sampled_at,omitempty" format:"date-time"`
	ReceivedBy   *string `json:"received_by,omitempty"`
	ReceivedAt   *string `json:"received_at,omitempty" format:"date-time"`
	DecidedBy    *string `json:"decided_by,omitempty"`
	DecidedAt    *string `json:"decided_at,omitempty" format:"date-time"`
	ResultsJSON  *string `json:"results_json,omitempty"`
	QCStatus     string  `json:"qc_status" enum:"pending,approved,failed"`
	Comments     string  `json:"comments,omitempty"`
}

// SignatureEvent is one electronic signature. Rows are append-only.
type SignatureEvent struct {
	ID      string `json:"id"`
	BatchID string `json:"batch_id"`
	Signer  string `json:"signer"`
	Meaning string `json:"meaning"`
	Reason  string `json:"reason,omitempty"`
	TS      string `json:"ts" format:"date-time"`
}

type Machine struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MachineType string `json:"machine_type"`
	Active      bool   `json:"active"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	BatchID   string `json:"batch_id,omitempty"`
	PhaseName string `json:"phase_name,omitempty"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TimingStatus is the advisory deadline view computed on read.
type TimingStatus struct {
	ExpectedHours    float64 `json:"expected_hours"`
	ElapsedHours     float64 `json:"elapsed_hours"`
	WarningThreshold float64 `json:"warning_threshold_percent"`
	State            string  `json:"state" enum:"ok,warning,overrun"`
}
