package orchestrator

import (
	"context"

	"torch/internal/model"
)

// Persistence is the sole owner and mutator of job, batch and core state.
// WorkUnits never change state themselves; every transition goes through here.
type Persistence interface {
	// TryStartBatch atomically moves a batch from INIT to IN_PROGRESS. Exactly
	// one concurrent caller per (jobID, batchID) observes true.
	TryStartBatch(ctx context.Context, jobID, batchID string) (bool, error)

	// GetJob returns ErrJobNotFound when the job does not exist
	GetJob(ctx context.Context, jobID string) (*model.Job, error)

	LoadBatch(ctx context.Context, jobID, batchID string) (model.PatientBatch, error)

	OnBatchProcessingSuccess(ctx context.Context, result model.BatchResult) error
	OnBatchError(ctx context.Context, jobID, batchID string, issues []model.Issue, cause error) error

	OnCohortSuccess(ctx context.Context, jobID string, patientIDs []string) error
	OnCohortError(ctx context.Context, jobID string, issues []model.Issue, cause error) error

	LoadCoreInfo(ctx context.Context, jobID string) (model.CoreBundle, error)
	OnCoreSuccess(ctx context.Context, result model.CoreResult) error
	OnCoreError(ctx context.Context, jobID string, issues []model.Issue, cause error) error
}

// ExtractionService fetches and filters the resources of a batch or of the core
type ExtractionService interface {
	ProcessBatch(ctx context.Context, selection model.BatchSelection) (model.BatchResult, error)
	ProcessCore(ctx context.Context, job *model.Job, core model.CoreBundle) (model.CoreResult, error)
}

// CohortQuery resolves a structured cohort definition into patient ids
type CohortQuery interface {
	RunCohortQuery(ctx context.Context, cohortDefinition string) ([]string, error)
}

// CohortQueryFunc adapts a function to CohortQuery
type CohortQueryFunc func(ctx context.Context, cohortDefinition string) ([]string, error)

func (f CohortQueryFunc) RunCohortQuery(ctx context.Context, cohortDefinition string) ([]string, error) {
	return f(ctx, cohortDefinition)
}
