package orchestrator

import (
	"context"
	"fmt"

	"torch/internal/model"
)

// BatchWorkUnit extracts the data of one patient batch. It only runs after
// winning the INIT to IN_PROGRESS claim on the batch.
type BatchWorkUnit struct {
	job     *model.Job
	batchID string
}

func NewBatchWorkUnit(job *model.Job, batchID string) *BatchWorkUnit {
	return &BatchWorkUnit{job: job, batchID: batchID}
}

func (u *BatchWorkUnit) Kind() Kind      { return KindBatch }
func (u *BatchWorkUnit) JobID() string   { return u.job.JobID() }
func (u *BatchWorkUnit) BatchID() string { return u.batchID }
func (u *BatchWorkUnit) workUnit()       {}

func (u *BatchWorkUnit) Execute(ctx context.Context, wc WorkContext) <-chan struct{} {
	return execute(ctx, KindBatch, wc, func(ctx context.Context) string {
		return u.run(ctx, wc)
	}, func(ctx context.Context, err error) {
		u.fail(ctx, wc, err)
	})
}

func (u *BatchWorkUnit) run(ctx context.Context, wc WorkContext) string {
	logger := unitLogger(KindBatch, u.JobID()).With().Str("batchId", u.batchID).Logger()

	claimed, err := Call(ctx, wc.Pool, func(ctx context.Context) (bool, error) {
		return wc.Persistence.TryStartBatch(ctx, u.JobID(), u.batchID)
	})
	if err != nil {
		// not ours, so nothing to record on the batch
		logger.Error().Err(err).Msg("Failed to claim batch")
		return OutcomeError
	}
	if !claimed {
		logger.Debug().Msg("Batch already claimed")
		return OutcomeNotClaimed
	}

	selection, err := u.load(ctx, wc)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load batch")
		u.fail(ctx, wc, err)
		return OutcomeError
	}

	result, err := wc.Extraction.ProcessBatch(ctx, selection)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to process batch")
		u.fail(ctx, wc, err)
		return OutcomeError
	}

	err = wc.Pool.Do(ctx, func(ctx context.Context) error {
		return wc.Persistence.OnBatchProcessingSuccess(ctx, result)
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to persist batch result")
		u.fail(ctx, wc, err)
		return OutcomePersistError
	}

	logger.Info().Str("status", string(result.State.Status)).Msg("Batch processed")
	return OutcomeSuccess
}

// load reads the current job and the batch members after the claim
func (u *BatchWorkUnit) load(ctx context.Context, wc WorkContext) (model.BatchSelection, error) {
	job, err := Call(ctx, wc.Pool, func(ctx context.Context) (*model.Job, error) {
		return wc.Persistence.GetJob(ctx, u.JobID())
	})
	if err != nil {
		return model.BatchSelection{}, fmt.Errorf("get job %s: %w", u.JobID(), err)
	}

	batch, err := Call(ctx, wc.Pool, func(ctx context.Context) (model.PatientBatch, error) {
		return wc.Persistence.LoadBatch(ctx, u.JobID(), u.batchID)
	})
	if err != nil {
		return model.BatchSelection{}, fmt.Errorf("load batch %s: %w", u.batchID, err)
	}

	return model.BatchSelection{Job: job, Batch: batch}, nil
}

func (u *BatchWorkUnit) fail(ctx context.Context, wc WorkContext, cause error) {
	err := wc.Pool.Do(ctx, func(ctx context.Context) error {
		return wc.Persistence.OnBatchError(ctx, u.JobID(), u.batchID, noIssues(), cause)
	})
	if err != nil {
		logger := unitLogger(KindBatch, u.JobID())
		logger.Error().Err(err).Str("batchId", u.batchID).Msg("Failed to record batch error")
	}
}
