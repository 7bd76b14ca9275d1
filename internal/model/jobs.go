package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// JobStatus represents the overall state of an extraction job
type JobStatus string

const (
	JobPending             JobStatus = "PENDING"
	JobRunningGetCohort    JobStatus = "RUNNING_GET_COHORT"
	JobRunningProcessBatch JobStatus = "RUNNING_PROCESS_BATCH"
	JobRunningProcessCore  JobStatus = "RUNNING_PROCESS_CORE"
	JobCompleted           JobStatus = "COMPLETED"
	JobFailed              JobStatus = "FAILED"
)

// AttributeGroup selects one resource type (optionally narrowed by FHIR search
// parameters) to extract. Core groups hold resources that belong to no patient.
type AttributeGroup struct {
	ID           string `bson:"id" json:"id"`
	ResourceType string `bson:"resource_type" json:"resourceType" binding:"required"`
	SearchParams string `bson:"search_params,omitempty" json:"searchParams,omitempty"`
	Core         bool   `bson:"core" json:"core"`
}

// JobParameters are fixed when the job is accepted
type JobParameters struct {
	// CohortDefinition is the raw structured cohort query, forwarded as-is
	CohortDefinition string           `bson:"cohort_definition" json:"cohortDefinition"`
	PatientIDs       []string         `bson:"patient_ids,omitempty" json:"patientIds,omitempty"`
	AttributeGroups  []AttributeGroup `bson:"attribute_groups" json:"attributeGroups"`
	ConsentCodes     []string         `bson:"consent_codes,omitempty" json:"consentCodes,omitempty"`
	BatchSize        int              `bson:"batch_size" json:"batchSize"`
}

// ApplyConsent reports whether batch extraction has to filter by consent windows
func (p JobParameters) ApplyConsent() bool {
	return len(p.ConsentCodes) > 0
}

// Job represents one accepted extraction request
type Job struct {
	ID          primitive.ObjectID    `bson:"_id,omitempty" json:"id"`
	Status      JobStatus             `bson:"status" json:"status"`
	Parameters  JobParameters         `bson:"parameters" json:"parameters"`
	CohortState WorkUnitState         `bson:"cohort_state" json:"cohortState"`
	Batches     map[string]BatchState `bson:"batches" json:"batches"`
	CoreState   WorkUnitState         `bson:"core_state" json:"coreState"`
	Issues      []Issue               `bson:"issues" json:"issues"`
	CreatedAt   time.Time             `bson:"created_at" json:"createdAt"`
	UpdatedAt   time.Time             `bson:"updated_at" json:"updatedAt"`
	CompletedAt *time.Time            `bson:"completed_at,omitempty" json:"completedAt,omitempty"`
	// Outputs lists the stored bundle locations
	Outputs []string `bson:"outputs" json:"outputs"`
	// Version is bumped by every persisted transition
	Version int64 `bson:"version" json:"-"`
}

// NewJob creates a job in PENDING with every unit in INIT
func NewJob(params JobParameters) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          primitive.NewObjectID(),
		Status:      JobPending,
		Parameters:  params,
		CohortState: NewWorkUnitState(),
		Batches:     map[string]BatchState{},
		CoreState:   NewWorkUnitState(),
		Issues:      []Issue{},
		Outputs:     []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// JobID returns the hex form used by every persistence call
func (j *Job) JobID() string {
	return j.ID.Hex()
}

func (j *Job) BatchState(batchID string) (BatchState, bool) {
	state, ok := j.Batches[batchID]
	return state, ok
}

// AllBatchesDone is true once every batch reached a terminal status. A job whose
// cohort resolved to nobody has no batches and is trivially done.
func (j *Job) AllBatchesDone() bool {
	for _, batch := range j.Batches {
		if !batch.State.Status.IsDone() {
			return false
		}
	}
	return true
}

// Progress returns the number of batches in a terminal status and the total
func (j *Job) Progress() (done, total int) {
	for _, batch := range j.Batches {
		if batch.State.Status.IsDone() {
			done++
		}
	}
	return done, len(j.Batches)
}

// DeriveStatus computes the job status from the unit states. Failed batches do
// not fail the job; their issues are reported alongside the result.
func (j *Job) DeriveStatus() JobStatus {
	switch {
	case j.CohortState.Status == WorkUnitFailed:
		return JobFailed
	case j.CohortState.Status == WorkUnitInit && len(j.Batches) == 0:
		return JobPending
	case !j.CohortState.Status.IsDone():
		return JobRunningGetCohort
	case !j.AllBatchesDone():
		return JobRunningProcessBatch
	case j.CoreState.Status == WorkUnitFailed:
		return JobFailed
	case j.CoreState.Status == WorkUnitFinished || j.CoreState.Status == WorkUnitSkipped:
		return JobCompleted
	default:
		return JobRunningProcessCore
	}
}

// Touch refreshes the derived status and the bookkeeping timestamps
func (j *Job) Touch() {
	now := time.Now().UTC()
	j.Status = j.DeriveStatus()
	j.UpdatedAt = now
	if (j.Status == JobCompleted || j.Status == JobFailed) && j.CompletedAt == nil {
		j.CompletedAt = &now
	}
}

// Clone returns a deep copy that shares no maps or slices with the original
func (j *Job) Clone() *Job {
	clone := *j
	clone.Parameters.PatientIDs = append([]string(nil), j.Parameters.PatientIDs...)
	clone.Parameters.AttributeGroups = append([]AttributeGroup(nil), j.Parameters.AttributeGroups...)
	clone.Parameters.ConsentCodes = append([]string(nil), j.Parameters.ConsentCodes...)
	clone.Issues = append([]Issue(nil), j.Issues...)
	clone.Outputs = append([]string(nil), j.Outputs...)
	clone.Batches = make(map[string]BatchState, len(j.Batches))
	for id, batch := range j.Batches {
		batch.Issues = append([]Issue(nil), batch.Issues...)
		clone.Batches[id] = batch
	}
	return &clone
}
