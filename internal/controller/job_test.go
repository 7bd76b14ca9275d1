package controller

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"torch/internal/config"
	"torch/internal/database"
	"torch/internal/model"
	"torch/internal/orchestrator"
	"torch/internal/rabbitmq"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExtraction struct {
	mu      sync.Mutex
	batches int
	err     error
}

func (s *stubExtraction) ProcessBatch(ctx context.Context, selection model.BatchSelection) (model.BatchResult, error) {
	s.mu.Lock()
	s.batches++
	s.mu.Unlock()
	if s.err != nil {
		return model.BatchResult{}, s.err
	}
	return model.BatchResult{
		JobID:   selection.Job.JobID(),
		BatchID: selection.Batch.ID,
		Bundle:  &model.PatientBundle{CoreReferences: []string{"Medication/m1"}},
	}, nil
}

func (s *stubExtraction) ProcessCore(ctx context.Context, job *model.Job, core model.CoreBundle) (model.CoreResult, error) {
	return model.CoreResult{JobID: job.JobID(), Status: model.WorkUnitFinished, Bundle: &core}, nil
}

// recordingClient captures published messages instead of delivering them
type recordingClient struct {
	mu       sync.Mutex
	messages []rabbitmq.WorkUnitMessage
	err      error
}

func (r *recordingClient) Close() error                                 { return nil }
func (r *recordingClient) DeclareTopology(exchange, queue string) error { return nil }
func (r *recordingClient) Health() error                                { return nil }

func (r *recordingClient) Consume(queueName string, consumerTag string) (<-chan amqp.Delivery, error) {
	return nil, errors.New("not supported")
}

func (r *recordingClient) Publish(ctx context.Context, exchange, routingKey string, body []byte, headers amqp.Table) error {
	if r.err != nil {
		return r.err
	}
	msg, err := rabbitmq.DecodeWorkUnitMessage(body)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	return nil
}

func (r *recordingClient) take() []rabbitmq.WorkUnitMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.messages
	r.messages = nil
	return out
}

type countingMetrics struct {
	mu        sync.Mutex
	published map[string]int
	created   int
	sweeps    int
	active    int
}

func (m *countingMetrics) RecordPublish(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.published == nil {
		m.published = map[string]int{}
	}
	m.published[kind]++
}

func (m *countingMetrics) RecordJobCreated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
}

func (m *countingMetrics) RecordSweep(active int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps++
	m.active = active
}

var testRabbit = config.RabbitMQConfig{ExchangeName: "torch", QueueName: "torch.test"}

func newTestController(client rabbitmq.Client, extraction orchestrator.ExtractionService, metrics JobMetrics) (JobController, database.Database) {
	db := database.NewMemory(nil)
	work := orchestrator.WorkContext{
		Persistence: db,
		Extraction:  extraction,
		Cohort: orchestrator.CohortQueryFunc(func(ctx context.Context, def string) ([]string, error) {
			return []string{"P1", "P2", "P3"}, nil
		}),
		Pool: orchestrator.NewBlockingPool(2),
	}
	jobs := config.JobsConfig{BatchSize: 2, Workers: 2, StaleAfter: 60}
	return NewJobController(db, client, testRabbit, jobs, work, orchestrator.NewUnitRegistry(), metrics), db
}

var observations = []model.AttributeGroup{{ResourceType: "Observation"}}

func TestCreateJobValidates(t *testing.T) {
	controller, _ := newTestController(&recordingClient{}, &stubExtraction{}, nil)

	tests := []struct {
		name   string
		params model.JobParameters
	}{
		{"no cohort", model.JobParameters{AttributeGroups: observations}},
		{"no groups", model.JobParameters{PatientIDs: []string{"P1"}}},
		{"group without type", model.JobParameters{PatientIDs: []string{"P1"}, AttributeGroups: []model.AttributeGroup{{ID: "x"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := controller.CreateJob(context.Background(), tt.params)
			assert.ErrorIs(t, err, ErrInvalidJob)
		})
	}
}

func TestCreateJobPublishesCohort(t *testing.T) {
	client := &recordingClient{}
	metrics := &countingMetrics{}
	controller, db := newTestController(client, &stubExtraction{}, metrics)

	job, err := controller.CreateJob(context.Background(), model.JobParameters{
		CohortDefinition: `{"version":"1"}`,
		AttributeGroups:  observations,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, job.Parameters.BatchSize, "batch size falls back to the configured one")
	assert.NotEmpty(t, job.Parameters.AttributeGroups[0].ID)
	assert.Equal(t, []rabbitmq.WorkUnitMessage{{Kind: "cohort", JobID: job.JobID()}}, client.take())
	assert.Equal(t, 1, metrics.created)
	assert.Equal(t, 1, metrics.published["cohort"])

	stored, err := db.GetJob(context.Background(), job.JobID())
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, stored.Status)
}

func TestCreateJobSurvivesPublishFailure(t *testing.T) {
	client := &recordingClient{err: amqp.ErrClosed}
	controller, db := newTestController(client, &stubExtraction{}, nil)

	job, err := controller.CreateJob(context.Background(), model.JobParameters{PatientIDs: []string{"P1"}, AttributeGroups: observations})
	require.NoError(t, err)

	_, err = db.GetJob(context.Background(), job.JobID())
	assert.NoError(t, err)
}

func TestHandleMessageWalksThePhases(t *testing.T) {
	ctx := context.Background()
	client := &recordingClient{}
	extraction := &stubExtraction{}
	controller, db := newTestController(client, extraction, nil)

	job, err := controller.CreateJob(ctx, model.JobParameters{CohortDefinition: "{}", AttributeGroups: observations})
	require.NoError(t, err)

	cohort := client.take()
	require.Len(t, cohort, 1)
	require.NoError(t, controller.HandleMessage(ctx, cohort[0]))

	batches := client.take()
	require.Len(t, batches, 2, "three patients in batches of two")
	for _, msg := range batches {
		assert.Equal(t, "batch", msg.Kind)
		assert.NotEmpty(t, msg.BatchID)
	}

	require.NoError(t, controller.HandleMessage(ctx, batches[0]))
	assert.Empty(t, client.take(), "core waits for every batch")

	// duplicate delivery of a finished batch
	require.NoError(t, controller.HandleMessage(ctx, batches[0]))
	assert.Equal(t, 1, extraction.batches)

	require.NoError(t, controller.HandleMessage(ctx, batches[1]))
	core := client.take()
	require.Equal(t, []rabbitmq.WorkUnitMessage{{Kind: "core", JobID: job.JobID()}}, core)

	require.NoError(t, controller.HandleMessage(ctx, core[0]))
	assert.Empty(t, client.take())

	done, err := db.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, done.Status)
	assert.Equal(t, model.WorkUnitFinished, done.CoreState.Status)
}

func TestHandleMessageIgnoresUnknownJob(t *testing.T) {
	controller, _ := newTestController(&recordingClient{}, &stubExtraction{}, nil)

	err := controller.HandleMessage(context.Background(), rabbitmq.WorkUnitMessage{Kind: "cohort", JobID: "000000000000000000000000"})
	assert.NoError(t, err)
}

func TestSweepRepublishesTempFailedBatches(t *testing.T) {
	ctx := context.Background()
	client := &recordingClient{}
	extraction := &stubExtraction{err: io.ErrUnexpectedEOF}
	metrics := &countingMetrics{}
	controller, db := newTestController(client, extraction, metrics)

	job, err := controller.CreateJob(ctx, model.JobParameters{PatientIDs: []string{"P1"}, AttributeGroups: observations})
	require.NoError(t, err)
	require.NoError(t, controller.HandleMessage(ctx, client.take()[0]))

	batch := client.take()
	require.Len(t, batch, 1)
	require.NoError(t, controller.HandleMessage(ctx, batch[0]))

	failed, err := db.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	state, _ := failed.BatchState(batch[0].BatchID)
	assert.Equal(t, model.WorkUnitTempFailed, state.State.Status)
	assert.Empty(t, client.take())

	published, err := controller.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, published)
	assert.Equal(t, batch, client.take())
	assert.Equal(t, 1, metrics.sweeps)
	assert.Equal(t, 1, metrics.active)

	rerolled, err := db.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	state, _ = rerolled.BatchState(batch[0].BatchID)
	assert.Equal(t, model.WorkUnitInit, state.State.Status)
	assert.Equal(t, 1, state.State.Retry)

	published, err = controller.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, published, "the rerolled batch is queued already")
	assert.Empty(t, client.take())
}

func TestSweepLeavesQueuedUnitsAlone(t *testing.T) {
	ctx := context.Background()
	client := &recordingClient{}
	controller, _ := newTestController(client, &stubExtraction{}, nil)

	_, err := controller.CreateJob(ctx, model.JobParameters{CohortDefinition: "{}", AttributeGroups: observations})
	require.NoError(t, err)
	cohort := client.take()
	require.Len(t, cohort, 1)

	published, err := controller.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, published, "cohort message still in flight")

	require.NoError(t, controller.HandleMessage(ctx, cohort[0]))
	require.Len(t, client.take(), 2)

	for i := 0; i < 2; i++ {
		published, err := controller.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, published, "sweep %d", i)
	}
	assert.Empty(t, client.take())
}

func TestProcessJobsOverLocalQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := rabbitmq.NewLocalClient()
	controller, db := newTestController(client, &stubExtraction{}, nil)
	require.NoError(t, controller.ProcessJobs(ctx))

	job, err := controller.CreateJob(ctx, model.JobParameters{
		PatientIDs:      []string{"P1", "P2", "P3", "P4", "P5"},
		AttributeGroups: observations,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current, err := db.GetJob(ctx, job.JobID())
		return err == nil && current.Status == model.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	controller.StopProcessing()
	assert.Empty(t, controller.ActiveUnits())
}
