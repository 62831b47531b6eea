package engine

import "fmt"

// PreconditionError rejects a command whose prerequisites do not hold.
type PreconditionError struct {
	Detail string
}

func (e PreconditionError) Error() string {
	return e.Detail
}

// InvalidTransitionError rejects a status change the lifecycle does not allow.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// StageOrderError rejects a sampling stage recorded out of sequence.
type StageOrderError struct {
	Stage  string
	Status string
}

func (e StageOrderError) Error() string {
	return fmt.Sprintf("cannot record %s while quarantine is %s", e.Stage, e.Status)
}

// AlreadyDecidedError rejects a second decision on the same checkpoint.
type AlreadyDecidedError struct {
	Subject string
}

func (e AlreadyDecidedError) Error() string {
	return fmt.Sprintf("%s already decided", e.Subject)
}

// DuplicateQuarantineError rejects opening a second quarantine while one is open.
type DuplicateQuarantineError struct {
	BatchID      string
	QuarantineID string
}

func (e DuplicateQuarantineError) Error() string {
	return fmt.Sprintf("batch %s already has open quarantine %s", e.BatchID, e.QuarantineID)
}

// SampleLimitError rejects a sample request past the configured limit.
type SampleLimitError struct {
	QuarantineID string
	Limit        int
}

func (e SampleLimitError) Error() string {
	return fmt.Sprintf("quarantine %s reached sample limit %d", e.QuarantineID, e.Limit)
}

// OpenQuarantineError blocks batch completion while a quarantine is unresolved.
type OpenQuarantineError struct {
	BatchID      string
	QuarantineID string
}

func (e OpenQuarantineError) Error() string {
	return fmt.Sprintf("batch %s blocked by open quarantine %s", e.BatchID, e.QuarantineID)
}
