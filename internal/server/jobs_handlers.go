package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"torch/internal/controller"
	"torch/internal/model"
	"torch/internal/orchestrator"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ExtractRequest is the body of $extract-data
type ExtractRequest struct {
	// CohortDefinition is the structured cohort query, forwarded unchanged
	CohortDefinition json.RawMessage        `json:"cohortDefinition"`
	PatientIDs       []string               `json:"patientIds"`
	AttributeGroups  []model.AttributeGroup `json:"attributeGroups" binding:"required,min=1,dive"`
	ConsentCodes     []string               `json:"consentCodes"`
	BatchSize        int                    `json:"batchSize" binding:"gte=0"`
}

func (r ExtractRequest) parameters() model.JobParameters {
	params := model.JobParameters{
		PatientIDs:      r.PatientIDs,
		AttributeGroups: r.AttributeGroups,
		ConsentCodes:    r.ConsentCodes,
		BatchSize:       r.BatchSize,
	}
	if len(r.CohortDefinition) > 0 && string(r.CohortDefinition) != "null" {
		params.CohortDefinition = string(r.CohortDefinition)
	}
	return params
}

// Progress counts finished batches
type Progress struct {
	Batches int `json:"batches"`
	Done    int `json:"done"`
}

// StatusResponse reports a job with its unit states
type StatusResponse struct {
	ID          string                      `json:"id"`
	Status      model.JobStatus             `json:"status"`
	CreatedAt   string                      `json:"createdAt"`
	UpdatedAt   string                      `json:"updatedAt"`
	CompletedAt string                      `json:"completedAt,omitempty"`
	Cohort      model.WorkUnitState         `json:"cohort"`
	Core        model.WorkUnitState         `json:"core"`
	Batches     map[string]model.BatchState `json:"batches"`
	Progress    Progress                    `json:"progress"`
	Issues      []model.Issue               `json:"issues"`
	Output      []string                    `json:"output"`
}

func statusLocation(jobID string) string {
	return "/fhir/__status/" + jobID
}

// ExtractDataHandler accepts a job and answers 202 with its status location
func (s *Server) ExtractDataHandler(c *gin.Context) {
	var req ExtractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.jc.CreateJob(c.Request.Context(), req.parameters())
	if err != nil {
		if errors.Is(err, controller.ErrInvalidJob) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Msg("Failed to create job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job: " + err.Error()})
		return
	}

	c.Header("Content-Location", statusLocation(job.JobID()))
	c.JSON(http.StatusAccepted, gin.H{"id": job.JobID(), "status": job.Status})
}

// JobStatusHandler answers 202 while the job runs, 200 when it completed and
// 500 when it failed
func (s *Server) JobStatusHandler(c *gin.Context) {
	job, err := s.jc.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job: " + err.Error()})
		return
	}

	response := convertJobToResponse(job)
	switch job.Status {
	case model.JobCompleted:
		c.JSON(http.StatusOK, response)
	case model.JobFailed:
		c.JSON(http.StatusInternalServerError, response)
	default:
		c.Header("X-Progress", string(job.Status))
		c.JSON(http.StatusAccepted, response)
	}
}

// ListJobsHandler lists jobs newest first, optionally filtered by status
func (s *Server) ListJobsHandler(c *gin.Context) {
	limit, offset := getPaginationParams(c)

	status := model.JobStatus(c.Query("status"))
	if status != "" && !isValidJobStatus(status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid job status"})
		return
	}

	jobs, err := s.jc.ListJobs(c.Request.Context(), status, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs: " + err.Error()})
		return
	}

	response := make([]StatusResponse, 0, len(jobs))
	for _, job := range jobs {
		response = append(response, convertJobToResponse(job))
	}

	c.JSON(http.StatusOK, response)
}

func convertJobToResponse(job *model.Job) StatusResponse {
	response := StatusResponse{
		ID:        job.JobID(),
		Status:    job.Status,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.Format(time.RFC3339),
		Cohort:    job.CohortState,
		Core:      job.CoreState,
		Batches:   job.Batches,
		Issues:    job.Issues,
		Output:    job.Outputs,
	}
	if job.CompletedAt != nil {
		response.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	if response.Batches == nil {
		response.Batches = map[string]model.BatchState{}
	}
	if response.Issues == nil {
		response.Issues = []model.Issue{}
	}
	if response.Output == nil {
		response.Output = []string{}
	}

	response.Progress.Done, response.Progress.Batches = job.Progress()
	return response
}

// getPaginationParams extracts pagination parameters from request
func getPaginationParams(c *gin.Context) (int, int) {
	limit := 20
	offset := 0

	if limitStr := c.Query("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		if parsedOffset, err := strconv.Atoi(offsetStr); err == nil && parsedOffset >= 0 {
			offset = parsedOffset
		}
	}

	return limit, offset
}

func isValidJobStatus(status model.JobStatus) bool {
	validStatuses := []model.JobStatus{
		model.JobPending,
		model.JobRunningGetCohort,
		model.JobRunningProcessBatch,
		model.JobRunningProcessCore,
		model.JobCompleted,
		model.JobFailed,
	}

	for _, s := range validStatuses {
		if status == s {
			return true
		}
	}
	return false
}
