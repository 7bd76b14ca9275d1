package orchestrator

import (
	"context"
	"fmt"

	"torch/internal/model"
)

// CoreWorkUnit resolves the shared resources referenced by all batches once
// every batch is done
type CoreWorkUnit struct {
	job *model.Job
}

func NewCoreWorkUnit(job *model.Job) *CoreWorkUnit {
	return &CoreWorkUnit{job: job}
}

func (u *CoreWorkUnit) Kind() Kind    { return KindCore }
func (u *CoreWorkUnit) JobID() string { return u.job.JobID() }
func (u *CoreWorkUnit) workUnit()     {}

func (u *CoreWorkUnit) Execute(ctx context.Context, wc WorkContext) <-chan struct{} {
	return execute(ctx, KindCore, wc, func(ctx context.Context) string {
		return u.run(ctx, wc)
	}, func(ctx context.Context, err error) {
		u.fail(ctx, wc, err)
	})
}

func (u *CoreWorkUnit) run(ctx context.Context, wc WorkContext) string {
	logger := unitLogger(KindCore, u.JobID())

	core, err := Call(ctx, wc.Pool, func(ctx context.Context) (model.CoreBundle, error) {
		return wc.Persistence.LoadCoreInfo(ctx, u.JobID())
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load core info")
		u.fail(ctx, wc, fmt.Errorf("load core info: %w", err))
		return OutcomeError
	}

	result, err := wc.Extraction.ProcessCore(ctx, u.job, core)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to process core")
		u.fail(ctx, wc, err)
		return OutcomeError
	}

	err = wc.Pool.Do(ctx, func(ctx context.Context) error {
		return wc.Persistence.OnCoreSuccess(ctx, result)
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to persist core result")
		u.fail(ctx, wc, err)
		return OutcomePersistError
	}

	logger.Info().Int("references", len(core.References)).Msg("Core processed")
	return OutcomeSuccess
}

func (u *CoreWorkUnit) fail(ctx context.Context, wc WorkContext, cause error) {
	err := wc.Pool.Do(ctx, func(ctx context.Context) error {
		return wc.Persistence.OnCoreError(ctx, u.JobID(), noIssues(), cause)
	})
	if err != nil {
		logger := unitLogger(KindCore, u.JobID())
		logger.Error().Err(err).Msg("Failed to record core error")
	}
}
