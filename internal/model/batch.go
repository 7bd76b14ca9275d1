package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// BatchState is the per-batch lifecycle entry stored on the Job
type BatchState struct {
	State  WorkUnitState `bson:"state" json:"state"`
	Issues []Issue       `bson:"issues" json:"issues"`
}

// PatientBatch is a bounded subset of a job's patients processed as one claimable unit
type PatientBatch struct {
	ID         string   `bson:"batch_id" json:"batchId"`
	PatientIDs []string `bson:"patient_ids" json:"patientIds"`
}

// BatchSelection pairs a job with one of its batches as extraction input
type BatchSelection struct {
	Job   *Job
	Batch PatientBatch
}

// BatchState looks the state up on the owning job so the two never drift apart
func (s BatchSelection) BatchState() (BatchState, bool) {
	return s.Job.BatchState(s.Batch.ID)
}

// PatientBundle is the extraction output of one batch
type PatientBundle struct {
	// Resources grouped by patient id
	Patients map[string][]json.RawMessage `bson:"-" json:"patients"`
	// CoreReferences are "Type/id" references to non-patient resources found in the batch
	CoreReferences []string `bson:"core_references" json:"coreReferences"`
}

// CoreBundle is the non-patient-specific state aggregated across all batches
type CoreBundle struct {
	References []string          `bson:"references" json:"references"`
	Resources  []json.RawMessage `bson:"-" json:"resources,omitempty"`
}

// BatchResult is the outcome of one batch execution
type BatchResult struct {
	JobID   string
	BatchID string
	State   WorkUnitState
	Bundle  *PatientBundle
	Issues  []Issue
}

// CoreResult is the outcome of the core aggregation
type CoreResult struct {
	JobID  string
	Status WorkUnitStatus
	Bundle *CoreBundle
	Issues []Issue
}

// SplitIntoBatches is a generic function that divides a slice of items
// into batches of the specified size
func SplitIntoBatches[T any](items []T, batchSize int) [][]T {
	if batchSize <= 0 {
		return nil
	}

	if len(items) == 0 {
		return [][]T{}
	}

	batches := make([][]T, 0, (len(items)+batchSize-1)/batchSize)
	for i := 0; i < len(items); i += batchSize {
		end := i + batchSize
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[i:end])
	}

	return batches
}

// DefaultBatchSize is used when a job does not set one
const DefaultBatchSize = 100

// NewPatientBatches cuts a resolved cohort into batches with fresh ids
func NewPatientBatches(patientIDs []string, batchSize int) []PatientBatch {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	chunks := SplitIntoBatches(patientIDs, batchSize)
	batches := make([]PatientBatch, 0, len(chunks))
	for _, chunk := range chunks {
		batches = append(batches, PatientBatch{
			ID:         uuid.NewString(),
			PatientIDs: append([]string(nil), chunk...),
		})
	}
	return batches
}
