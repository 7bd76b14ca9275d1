package orchestrator

import (
	"sort"
	"time"

	"torch/internal/model"
)

// Plan returns the work units that can run for the job in its current state.
// The cohort comes first, batches only after the cohort finished and the core
// only once every batch is done. Units in flight or waiting for the sweep are
// not planned again.
func Plan(job *model.Job) []WorkUnit {
	switch job.CohortState.Status {
	case model.WorkUnitInit:
		return []WorkUnit{NewCohortWorkUnit(job)}
	case model.WorkUnitFinished, model.WorkUnitSkipped:
	default:
		return nil
	}

	if !job.AllBatchesDone() {
		ids := make([]string, 0, len(job.Batches))
		for id, batch := range job.Batches {
			if batch.State.Status == model.WorkUnitInit {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)

		units := make([]WorkUnit, 0, len(ids))
		for _, id := range ids {
			units = append(units, NewBatchWorkUnit(job, id))
		}
		return units
	}

	if job.CoreState.Status == model.WorkUnitInit {
		return []WorkUnit{NewCoreWorkUnit(job)}
	}
	return nil
}

// Requeued returns the planned units stamped INIT at or after since, i.e. the
// units a sweep starting at since rerolled or requeued. Units queued earlier
// still have their message in flight.
func Requeued(job *model.Job, since time.Time) []WorkUnit {
	var units []WorkUnit
	for _, unit := range Plan(job) {
		if !unitState(job, unit).StartedAt.Before(since) {
			units = append(units, unit)
		}
	}
	return units
}

func unitState(job *model.Job, unit WorkUnit) model.WorkUnitState {
	switch u := unit.(type) {
	case *BatchWorkUnit:
		return job.Batches[u.BatchID()].State
	case *CoreWorkUnit:
		return job.CoreState
	default:
		return job.CohortState
	}
}
