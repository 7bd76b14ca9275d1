package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeIssuesPreservesOrder(t *testing.T) {
	a := []Issue{NewIssue(SeverityError, "a1", ""), NewIssue(SeverityWarning, "a2", "")}
	b := []Issue{NewIssue(SeverityInformation, "b1", "")}

	merged := MergeIssues(a, b)

	require.Len(t, merged, 3)
	assert.Equal(t, []string{"a1", "a2", "b1"}, []string{merged[0].Msg, merged[1].Msg, merged[2].Msg})

	merged[0].Msg = "changed"
	assert.Equal(t, "a1", a[0].Msg, "merge must not alias its inputs")
}

func TestMergeIssuesEmpty(t *testing.T) {
	assert.Empty(t, MergeIssues(nil, nil))
}

func TestBatchSelectionReadsStateFromJob(t *testing.T) {
	job := NewJob(JobParameters{BatchSize: 10})
	job.Batches["b1"] = BatchState{State: NewWorkUnitState()}
	selection := BatchSelection{Job: job, Batch: PatientBatch{ID: "b1"}}

	job.Batches["b1"] = BatchState{State: job.Batches["b1"].State.StartNow()}

	state, ok := selection.BatchState()
	require.True(t, ok)
	assert.Equal(t, WorkUnitInProgress, state.State.Status)

	_, ok = BatchSelection{Job: job, Batch: PatientBatch{ID: "missing"}}.BatchState()
	assert.False(t, ok)
}

func TestDeriveStatus(t *testing.T) {
	finished := NewWorkUnitState().FinishNow(WorkUnitFinished)

	tests := []struct {
		name  string
		setup func(*Job)
		want  JobStatus
	}{
		{"fresh job", func(j *Job) {}, JobPending},
		{"cohort running", func(j *Job) { j.CohortState = j.CohortState.StartNow() }, JobRunningGetCohort},
		{"cohort failed", func(j *Job) { j.CohortState = j.CohortState.MarkFailed() }, JobFailed},
		{"batches running", func(j *Job) {
			j.CohortState = finished
			j.Batches["b1"] = BatchState{State: finished}
			j.Batches["b2"] = BatchState{State: NewWorkUnitState()}
		}, JobRunningProcessBatch},
		{"core pending", func(j *Job) {
			j.CohortState = finished
			j.Batches["b1"] = BatchState{State: NewWorkUnitState().MarkFailed()}
		}, JobRunningProcessCore},
		{"empty cohort goes to core", func(j *Job) { j.CohortState = finished }, JobRunningProcessCore},
		{"core finished", func(j *Job) {
			j.CohortState = finished
			j.CoreState = finished
		}, JobCompleted},
		{"core failed", func(j *Job) {
			j.CohortState = finished
			j.CoreState = j.CoreState.MarkFailed()
		}, JobFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewJob(JobParameters{})
			tt.setup(job)
			assert.Equal(t, tt.want, job.DeriveStatus())
		})
	}
}

func TestTouchStampsCompletion(t *testing.T) {
	job := NewJob(JobParameters{})
	job.CohortState = job.CohortState.FinishNow(WorkUnitFinished)
	job.CoreState = job.CoreState.FinishNow(WorkUnitFinished)

	job.Touch()

	assert.Equal(t, JobCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
}

func TestCloneIsDeep(t *testing.T) {
	job := NewJob(JobParameters{PatientIDs: []string{"P1"}})
	job.Batches["b1"] = BatchState{State: NewWorkUnitState(), Issues: []Issue{NewIssue(SeverityError, "x", "")}}

	clone := job.Clone()
	clone.Parameters.PatientIDs[0] = "P2"
	clone.Batches["b1"].Issues[0].Msg = "y"
	clone.Batches["b2"] = BatchState{}

	assert.Equal(t, "P1", job.Parameters.PatientIDs[0])
	assert.Equal(t, "x", job.Batches["b1"].Issues[0].Msg)
	assert.Len(t, job.Batches, 1)
}

func TestSplitIntoBatches(t *testing.T) {
	assert.Nil(t, SplitIntoBatches([]int{1, 2}, 0))
	assert.Equal(t, [][]int{}, SplitIntoBatches([]int{}, 2))
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, SplitIntoBatches([]int{1, 2, 3, 4, 5}, 2))
}

func TestNewPatientBatches(t *testing.T) {
	batches := NewPatientBatches([]string{"P1", "P2", "P3"}, 2)

	require.Len(t, batches, 2)
	assert.Equal(t, []string{"P1", "P2"}, batches[0].PatientIDs)
	assert.Equal(t, []string{"P3"}, batches[1].PatientIDs)
	assert.NotEqual(t, batches[0].ID, batches[1].ID)
}
