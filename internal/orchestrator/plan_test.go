package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"torch/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finished() model.WorkUnitState {
	return model.NewWorkUnitState().StartNow().FinishNow(model.WorkUnitFinished)
}

func TestPlan(t *testing.T) {
	t.Run("new job plans the cohort", func(t *testing.T) {
		job := model.NewJob(model.JobParameters{})

		units := Plan(job)

		require.Len(t, units, 1)
		assert.Equal(t, KindCohort, units[0].Kind())
	})

	t.Run("cohort in progress plans nothing", func(t *testing.T) {
		job := model.NewJob(model.JobParameters{})
		job.CohortState = job.CohortState.StartNow()

		assert.Empty(t, Plan(job))
	})

	t.Run("batches in INIT are planned in id order", func(t *testing.T) {
		job := model.NewJob(model.JobParameters{})
		job.CohortState = finished()
		job.Batches["b2"] = model.BatchState{State: model.NewWorkUnitState()}
		job.Batches["b1"] = model.BatchState{State: model.NewWorkUnitState()}
		job.Batches["b3"] = model.BatchState{State: model.NewWorkUnitState().StartNow()}

		units := Plan(job)

		require.Len(t, units, 2)
		assert.Equal(t, "b1", units[0].(*BatchWorkUnit).BatchID())
		assert.Equal(t, "b2", units[1].(*BatchWorkUnit).BatchID())
	})

	t.Run("core waits for every batch", func(t *testing.T) {
		job := model.NewJob(model.JobParameters{})
		job.CohortState = finished()
		job.Batches["b1"] = model.BatchState{State: finished()}
		job.Batches["b2"] = model.BatchState{State: model.NewWorkUnitState().MarkTempFailed()}

		assert.Empty(t, Plan(job))

		job.Batches["b2"] = model.BatchState{State: model.NewWorkUnitState().MarkFailed()}
		units := Plan(job)

		require.Len(t, units, 1)
		assert.Equal(t, KindCore, units[0].Kind())
	})

	t.Run("empty cohort goes straight to core", func(t *testing.T) {
		job := model.NewJob(model.JobParameters{})
		job.CohortState = finished()

		units := Plan(job)

		require.Len(t, units, 1)
		assert.Equal(t, KindCore, units[0].Kind())
	})

	t.Run("finished job plans nothing", func(t *testing.T) {
		job := model.NewJob(model.JobParameters{})
		job.CohortState = finished()
		job.CoreState = finished()

		assert.Empty(t, Plan(job))
	})
}

func TestRequeuedOnlyReturnsRestampedUnits(t *testing.T) {
	since := time.Now().UTC()
	queued := model.WorkUnitState{Status: model.WorkUnitInit, StartedAt: since.Add(-time.Second)}
	restamped := model.WorkUnitState{Status: model.WorkUnitInit, StartedAt: since, Retry: 1}

	job := model.NewJob(model.JobParameters{})
	job.CohortState = queued
	assert.Empty(t, Requeued(job, since), "cohort queued before the sweep")

	job.CohortState = restamped
	require.Len(t, Requeued(job, since), 1)

	job.CohortState = finished()
	job.Batches["b1"] = model.BatchState{State: queued}
	job.Batches["b2"] = model.BatchState{State: restamped}
	units := Requeued(job, since)
	require.Len(t, units, 1)
	assert.Equal(t, "b2", units[0].(*BatchWorkUnit).BatchID())

	job.Batches["b1"] = model.BatchState{State: finished()}
	job.Batches["b2"] = model.BatchState{State: finished()}
	job.CoreState = queued
	assert.Empty(t, Requeued(job, since))
	job.CoreState = restamped
	units = Requeued(job, since)
	require.Len(t, units, 1)
	assert.Equal(t, KindCore, units[0].Kind())
}

func TestBlockingPoolBoundsConcurrency(t *testing.T) {
	pool := NewBlockingPool(2)
	var (
		mu      sync.Mutex
		current int
		peak    int
		wg      sync.WaitGroup
	)
	release := make(chan struct{})

	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Do(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				current++
				if current > peak {
					peak = current
				}
				mu.Unlock()

				<-release

				mu.Lock()
				current--
				mu.Unlock()
				return nil
			})
		}()
	}

	close(release)
	wg.Wait()

	assert.LessOrEqual(t, peak, 2)
}

func TestBlockingPoolRecoversPanic(t *testing.T) {
	pool := NewBlockingPool(1)

	err := pool.Do(context.Background(), func(ctx context.Context) error {
		panic("boom")
	})
	assert.ErrorContains(t, err, "boom")

	value, err := Call(context.Background(), pool, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestBlockingPoolHonoursCancelledContext(t *testing.T) {
	pool := NewBlockingPool(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pool.Do(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegistryTracksAndCancels(t *testing.T) {
	registry := NewUnitRegistry()
	job := model.NewJob(model.JobParameters{})
	other := model.NewJob(model.JobParameters{})

	ctx, done := registry.Track(context.Background(), NewBatchWorkUnit(job, "b1"))
	otherCtx, otherDone := registry.Track(context.Background(), NewCohortWorkUnit(other))
	defer otherDone()

	assert.Len(t, registry.Active(), 2)

	done()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.Equal(t, []string{Describe(NewCohortWorkUnit(other))}, registry.Active())

	registry.CancelAll()
	assert.ErrorIs(t, otherCtx.Err(), context.Canceled)
}

func TestRegistryKeepsDuplicateDeliveriesApart(t *testing.T) {
	registry := NewUnitRegistry()
	job := model.NewJob(model.JobParameters{})
	unit := NewBatchWorkUnit(job, "b1")

	_, loserDone := registry.Track(context.Background(), unit)
	winnerCtx, winnerDone := registry.Track(context.Background(), unit)
	defer winnerDone()

	assert.Equal(t, []string{Describe(unit), Describe(unit)}, registry.Active())

	loserDone()
	assert.Equal(t, []string{Describe(unit)}, registry.Active())
	assert.NoError(t, winnerCtx.Err())

	registry.CancelAll()
	assert.ErrorIs(t, winnerCtx.Err(), context.Canceled)
}
