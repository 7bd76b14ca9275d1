package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"torch/internal/config"
	"torch/internal/controller"
	"torch/internal/database"
	"torch/internal/model"
	"torch/internal/orchestrator"
	"torch/internal/rabbitmq"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	handler http.Handler
	db      database.Database
	jc      controller.JobController
}

func newTestServer(t *testing.T, extra map[string]controller.HealthCheck) testServer {
	t.Helper()

	cfg := config.Config{}
	cfg.ApplyDefaults()

	db := database.NewMemory(nil)
	rabbit := rabbitmq.NewLocalClient()
	require.NoError(t, rabbit.DeclareTopology(cfg.RabbitMQ.ExchangeName, cfg.RabbitMQ.QueueName))

	jc := controller.NewJobController(db, rabbit, cfg.RabbitMQ, cfg.Jobs, orchestrator.WorkContext{
		Persistence: db,
		Pool:        orchestrator.NewBlockingPool(1),
	}, orchestrator.NewUnitRegistry(), nil)
	sc := controller.NewServer(db, nil, rabbit, extra)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("torch_jobs_created_total 0\n"))
	})

	s := Server{sc: sc, jc: jc, metrics: metrics, config: cfg}
	return testServer{handler: s.RegisterRoutes(), db: db, jc: jc}
}

func (ts testServer) do(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestExtractDataAcceptsJob(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/fhir/$extract-data", []byte(`{
		"cohortDefinition": {"version": "http://to_be_decided.com/draft-1/schema#"},
		"attributeGroups": [{"resourceType": "Observation", "searchParams": "code=718-7"}],
		"consentCodes": ["MDAT"]
	}`))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var body struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "/fhir/__status/"+body.ID, rec.Header().Get("Content-Location"))
	assert.Equal(t, string(model.JobPending), body.Status)

	job, err := ts.db.GetJob(context.Background(), body.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version": "http://to_be_decided.com/draft-1/schema#"}`, job.Parameters.CohortDefinition)
	assert.Equal(t, []string{"MDAT"}, job.Parameters.ConsentCodes)
	assert.Equal(t, 100, job.Parameters.BatchSize)
}

func TestExtractDataRejectsInvalidRequests(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{`},
		{"no attribute groups", `{"patientIds": ["P1"]}`},
		{"group without resource type", `{"patientIds": ["P1"], "attributeGroups": [{"id": "g"}]}`},
		{"no cohort", `{"attributeGroups": [{"resourceType": "Condition"}]}`},
		{"null cohort", `{"cohortDefinition": null, "attributeGroups": [{"resourceType": "Condition"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/fhir/$extract-data", []byte(tt.body))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestJobStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	job, err := ts.jc.CreateJob(ctx, model.JobParameters{
		PatientIDs:      []string{"P1", "P2"},
		AttributeGroups: []model.AttributeGroup{{ResourceType: "Patient"}},
	})
	require.NoError(t, err)

	rec := ts.do(http.MethodGet, "/fhir/__status/"+job.JobID(), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, string(model.JobPending), rec.Header().Get("X-Progress"))

	require.NoError(t, ts.db.OnCohortSuccess(ctx, job.JobID(), []string{"P1", "P2"}))

	current, err := ts.db.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	for id := range current.Batches {
		claimed, err := ts.db.TryStartBatch(ctx, job.JobID(), id)
		require.NoError(t, err)
		require.True(t, claimed)
		require.NoError(t, ts.db.OnBatchProcessingSuccess(ctx, model.BatchResult{JobID: job.JobID(), BatchID: id}))
	}
	require.NoError(t, ts.db.OnCoreSuccess(ctx, model.CoreResult{JobID: job.JobID(), Status: model.WorkUnitSkipped}))

	rec = ts.do(http.MethodGet, "/fhir/__status/"+job.JobID(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, model.JobCompleted, status.Status)
	assert.Equal(t, Progress{Batches: 1, Done: 1}, status.Progress)
	assert.NotEmpty(t, status.CompletedAt)
}

func TestJobStatusUnknown(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/fhir/__status/000000000000000000000000", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobs(t *testing.T) {
	ts := newTestServer(t, nil)
	for i := 0; i < 3; i++ {
		_, err := ts.jc.CreateJob(context.Background(), model.JobParameters{
			PatientIDs:      []string{"P1"},
			AttributeGroups: []model.AttributeGroup{{ResourceType: "Patient"}},
		})
		require.NoError(t, err)
	}

	rec := ts.do(http.MethodGet, "/fhir/__status?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 2)

	rec = ts.do(http.MethodGet, "/fhir/__status?status=BOGUS", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"checks":{"database":true,"rabbitmq":true},"activeUnits":[]}`, rec.Body.String())

	failing := newTestServer(t, map[string]controller.HealthCheck{
		"fhir": func(ctx context.Context) error { return errors.New("connection refused") },
	})
	rec = failing.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"fhir":false`)
}

func TestMetricsAndOnline(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "torch_jobs_created_total")

	rec = ts.do(http.MethodGet, "/online", nil)
	assert.Equal(t, "Online", rec.Body.String())
}
