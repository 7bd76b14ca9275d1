package orchestrator

import (
	"context"
	"fmt"

	"torch/internal/model"
)

// CohortWorkUnit resolves the patient ids of a job. An explicit patient list
// on the job wins; otherwise the cohort definition is evaluated.
type CohortWorkUnit struct {
	job *model.Job
}

func NewCohortWorkUnit(job *model.Job) *CohortWorkUnit {
	return &CohortWorkUnit{job: job}
}

func (u *CohortWorkUnit) Kind() Kind    { return KindCohort }
func (u *CohortWorkUnit) JobID() string { return u.job.JobID() }
func (u *CohortWorkUnit) workUnit()     {}

func (u *CohortWorkUnit) Execute(ctx context.Context, wc WorkContext) <-chan struct{} {
	return execute(ctx, KindCohort, wc, func(ctx context.Context) string {
		return u.run(ctx, wc)
	}, func(ctx context.Context, err error) {
		u.fail(ctx, wc, err)
	})
}

func (u *CohortWorkUnit) run(ctx context.Context, wc WorkContext) string {
	logger := unitLogger(KindCohort, u.JobID())

	patientIDs, err := u.resolve(ctx, wc)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to resolve cohort")
		u.fail(ctx, wc, err)
		return OutcomeError
	}

	err = wc.Pool.Do(ctx, func(ctx context.Context) error {
		return wc.Persistence.OnCohortSuccess(ctx, u.JobID(), patientIDs)
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to persist cohort")
		u.fail(ctx, wc, err)
		return OutcomePersistError
	}

	logger.Info().Int("patients", len(patientIDs)).Msg("Cohort resolved")
	return OutcomeSuccess
}

func (u *CohortWorkUnit) resolve(ctx context.Context, wc WorkContext) ([]string, error) {
	if ids := u.job.Parameters.PatientIDs; len(ids) > 0 {
		return append([]string(nil), ids...), nil
	}

	ids, err := wc.Cohort.RunCohortQuery(ctx, u.job.Parameters.CohortDefinition)
	if err != nil {
		return nil, fmt.Errorf("run cohort query: %w", err)
	}
	return ids, nil
}

func (u *CohortWorkUnit) fail(ctx context.Context, wc WorkContext, cause error) {
	err := wc.Pool.Do(ctx, func(ctx context.Context) error {
		return wc.Persistence.OnCohortError(ctx, u.JobID(), noIssues(), cause)
	})
	if err != nil {
		logger := unitLogger(KindCohort, u.JobID())
		logger.Error().Err(err).Msg("Failed to record cohort error")
	}
}
