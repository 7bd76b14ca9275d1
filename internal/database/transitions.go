package database

import (
	"fmt"
	"time"

	"torch/internal/failure"
	"torch/internal/model"
	"torch/internal/orchestrator"
)

// The functions below are the only place unit states change. Both stores load a
// job, apply one of them and write the job back atomically. They return false
// when the transition does not apply, e.g. a duplicate delivery.

func failureIssue(msg string, cause error, outcome model.FailureOutcome) model.Issue {
	severity := model.SeverityWarning
	if outcome.Exhausted {
		severity = model.SeverityError
	}
	return model.NewIssue(severity, msg, failure.RootCauseMessage(cause))
}

// stampCoreQueued restamps the core when the last batch completes, so its age
// counts from the moment it became runnable
func stampCoreQueued(job *model.Job) {
	if job.CoreState.Status == model.WorkUnitInit && job.AllBatchesDone() {
		job.CoreState = job.CoreState.RequeueNow()
	}
}

func applyCohortSuccess(job *model.Job, batches []model.PatientBatch) bool {
	if job.CohortState.Status.IsDone() {
		return false
	}

	job.CohortState = job.CohortState.FinishNow(model.WorkUnitFinished)
	if job.Batches == nil {
		job.Batches = make(map[string]model.BatchState, len(batches))
	}
	for _, batch := range batches {
		job.Batches[batch.ID] = model.BatchState{State: model.NewWorkUnitState(), Issues: []model.Issue{}}
	}
	stampCoreQueued(job)
	return true
}

func applyCohortError(job *model.Job, issues []model.Issue, cause error) bool {
	if job.CohortState.Status.IsDone() {
		return false
	}

	outcome := job.CohortState.Fail(failure.IsRetryable(cause))
	job.CohortState = outcome.State
	job.Issues = model.MergeIssues(job.Issues, model.MergeIssues(issues, []model.Issue{
		failureIssue("Cohort resolution failed", cause, outcome),
	}))
	return true
}

func applyBatchSuccess(job *model.Job, result model.BatchResult, location string) (bool, error) {
	current, ok := job.Batches[result.BatchID]
	if !ok {
		return false, fmt.Errorf("%w: %s", orchestrator.ErrBatchNotFound, result.BatchID)
	}
	if current.State.Status.IsDone() {
		return false, nil
	}

	state := result.State
	if !state.Status.IsDone() {
		state = current.State.FinishNow(model.WorkUnitFinished)
	}

	job.Batches[result.BatchID] = model.BatchState{
		State:  state,
		Issues: model.MergeIssues(current.Issues, result.Issues),
	}
	if location != "" {
		job.Outputs = append(job.Outputs, location)
	}
	stampCoreQueued(job)
	return true, nil
}

func applyBatchError(job *model.Job, batchID string, issues []model.Issue, cause error) (bool, error) {
	current, ok := job.Batches[batchID]
	if !ok {
		return false, fmt.Errorf("%w: %s", orchestrator.ErrBatchNotFound, batchID)
	}
	if current.State.Status.IsDone() {
		return false, nil
	}

	outcome := current.State.Fail(failure.IsRetryable(cause))
	job.Batches[batchID] = model.BatchState{
		State: outcome.State,
		Issues: model.MergeIssues(current.Issues, model.MergeIssues(issues, []model.Issue{
			failureIssue("Batch processing failed", cause, outcome),
		})),
	}
	stampCoreQueued(job)
	return true, nil
}

func applyCoreSuccess(job *model.Job, result model.CoreResult, location string) bool {
	if job.CoreState.Status.IsDone() {
		return false
	}

	status := result.Status
	if !status.IsDone() {
		status = model.WorkUnitFinished
	}

	if status == model.WorkUnitSkipped {
		job.CoreState = job.CoreState.Skip()
	} else {
		job.CoreState = job.CoreState.FinishNow(status)
	}
	job.Issues = model.MergeIssues(job.Issues, result.Issues)
	if location != "" {
		job.Outputs = append(job.Outputs, location)
	}
	return true
}

func applyCoreError(job *model.Job, issues []model.Issue, cause error) bool {
	if job.CoreState.Status.IsDone() {
		return false
	}

	outcome := job.CoreState.Fail(failure.IsRetryable(cause))
	job.CoreState = outcome.State
	job.Issues = model.MergeIssues(job.Issues, model.MergeIssues(issues, []model.Issue{
		failureIssue("Core processing failed", cause, outcome),
	}))
	return true
}

// rerollState returns the state a sweep moves the unit to. A claim older than
// staleBefore counts as a crashed worker and consumes a retry like a transient
// failure does. A runnable INIT unit older than staleBefore is requeued.
func rerollState(state model.WorkUnitState, staleBefore time.Time, runnable bool) (model.WorkUnitState, bool) {
	switch state.Status {
	case model.WorkUnitTempFailed:
		return state.RerollFromTempFailed(), true
	case model.WorkUnitInProgress:
		if state.StartedAt.Before(staleBefore) {
			return state.MarkTempFailed().RerollFromTempFailed(), true
		}
	case model.WorkUnitInit:
		if runnable && state.StartedAt.Before(staleBefore) {
			return state.RequeueNow(), true
		}
	}
	return state, false
}

func applyReroll(job *model.Job, staleBefore time.Time) bool {
	changed := false
	exhausted := func(unit string, next model.WorkUnitState) {
		if next.Status == model.WorkUnitFailed {
			job.Issues = append(job.Issues, model.NewIssue(model.SeverityError,
				fmt.Sprintf("%s gave up after %d retries", unit, model.MaxRetries), ""))
		}
	}

	if next, ok := rerollState(job.CohortState, staleBefore, true); ok {
		exhausted("Cohort resolution", next)
		job.CohortState = next
		changed = true
	}

	cohortDone := job.CohortState.Status == model.WorkUnitFinished || job.CohortState.Status == model.WorkUnitSkipped
	for id, batch := range job.Batches {
		next, ok := rerollState(batch.State, staleBefore, cohortDone)
		if !ok {
			continue
		}
		if next.Status == model.WorkUnitFailed {
			batch.Issues = append(batch.Issues, model.NewIssue(model.SeverityError,
				fmt.Sprintf("Batch gave up after %d retries", model.MaxRetries), ""))
		}
		batch.State = next
		job.Batches[id] = batch
		changed = true
	}

	if next, ok := rerollState(job.CoreState, staleBefore, cohortDone && job.AllBatchesDone()); ok {
		exhausted("Core processing", next)
		job.CoreState = next
		changed = true
	}

	return changed
}

// coreReferences returns the distinct references in first-seen order
func coreReferences(lists ...[]string) []string {
	seen := make(map[string]struct{})
	refs := []string{}
	for _, list := range lists {
		for _, ref := range list {
			if _, ok := seen[ref]; ok {
				continue
			}
			seen[ref] = struct{}{}
			refs = append(refs, ref)
		}
	}
	return refs
}
