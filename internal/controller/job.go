package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"torch/internal/config"
	"torch/internal/database"
	"torch/internal/model"
	"torch/internal/orchestrator"
	"torch/internal/rabbitmq"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

var ErrInvalidJob = errors.New("invalid job")

// JobMetrics is the part of metrics.Collector the dispatcher reports to
type JobMetrics interface {
	RecordPublish(kind string)
	RecordJobCreated()
	RecordSweep(active int)
}

// JobController accepts jobs and dispatches their work units
type JobController interface {
	// CreateJob persists a new job and enqueues its cohort unit
	CreateJob(ctx context.Context, params model.JobParameters) (*model.Job, error)

	GetJob(ctx context.Context, jobID string) (*model.Job, error)

	ListJobs(ctx context.Context, status model.JobStatus, limit, offset int) ([]*model.Job, error)

	// ProcessJobs starts consuming work unit messages
	ProcessJobs(ctx context.Context) error

	// HandleMessage runs one work unit and enqueues whatever became runnable
	HandleMessage(ctx context.Context, msg rabbitmq.WorkUnitMessage) error

	// Sweep rerolls stale units and re-enqueues the units it rerolled or
	// requeued. It returns the number of published messages.
	Sweep(ctx context.Context) (int, error)

	ActiveUnits() []string

	// StopProcessing stops the consumer and waits for running units
	StopProcessing()
}

type jobController struct {
	db           database.Database
	rabbitClient rabbitmq.Client
	rabbitConfig config.RabbitMQConfig
	jobsConfig   config.JobsConfig
	work         orchestrator.WorkContext
	registry     orchestrator.UnitRegistry
	metrics      JobMetrics
	workers      *semaphore.Weighted
	consumerTag  string
	shutdown     chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// NewJobController creates the dispatcher. metrics may be nil.
func NewJobController(db database.Database, rabbitClient rabbitmq.Client, rabbitConfig config.RabbitMQConfig,
	jobsConfig config.JobsConfig, work orchestrator.WorkContext, registry orchestrator.UnitRegistry, metrics JobMetrics) JobController {
	workers := jobsConfig.Workers
	if workers <= 0 {
		workers = 1
	}
	if work.Persistence == nil {
		work.Persistence = db
	}
	return &jobController{
		db:           db,
		rabbitClient: rabbitClient,
		rabbitConfig: rabbitConfig,
		jobsConfig:   jobsConfig,
		work:         work,
		registry:     registry,
		metrics:      metrics,
		workers:      semaphore.NewWeighted(int64(workers)),
		shutdown:     make(chan struct{}),
	}
}

func (c *jobController) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return c.db.GetJob(ctx, jobID)
}

func (c *jobController) ListJobs(ctx context.Context, status model.JobStatus, limit, offset int) ([]*model.Job, error) {
	return c.db.ListJobs(ctx, status, limit, offset)
}

func (c *jobController) ActiveUnits() []string {
	return c.registry.Active()
}

func (c *jobController) CreateJob(ctx context.Context, params model.JobParameters) (*model.Job, error) {
	if params.CohortDefinition == "" && len(params.PatientIDs) == 0 {
		return nil, fmt.Errorf("%w: either a cohort definition or patient ids are required", ErrInvalidJob)
	}
	if len(params.AttributeGroups) == 0 {
		return nil, fmt.Errorf("%w: at least one attribute group is required", ErrInvalidJob)
	}
	for i, group := range params.AttributeGroups {
		if group.ResourceType == "" {
			return nil, fmt.Errorf("%w: attribute group %d has no resource type", ErrInvalidJob, i)
		}
		if group.ID == "" {
			params.AttributeGroups[i].ID = uuid.NewString()
		}
	}
	if params.BatchSize <= 0 {
		params.BatchSize = c.jobsConfig.BatchSize
	}
	if len(params.ConsentCodes) == 0 && len(c.jobsConfig.ConsentCodes) > 0 {
		params.ConsentCodes = append([]string(nil), c.jobsConfig.ConsentCodes...)
	}

	job := model.NewJob(params)
	if err := c.db.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if c.metrics != nil {
		c.metrics.RecordJobCreated()
	}

	// a failed publish is recovered by the next sweep, the cohort stays INIT
	if err := c.publish(ctx, orchestrator.NewCohortWorkUnit(job)); err != nil {
		log.Warn().Err(err).Str("jobId", job.JobID()).Msg("Failed to enqueue cohort, leaving it to the sweep")
	}

	log.Info().
		Str("jobId", job.JobID()).
		Int("attributeGroups", len(params.AttributeGroups)).
		Bool("consent", params.ApplyConsent()).
		Msg("Job created and enqueued")

	return job, nil
}

// publish enqueues one unit; the job state itself stays in the database
func (c *jobController) publish(ctx context.Context, unit orchestrator.WorkUnit) error {
	msg := rabbitmq.WorkUnitMessage{Kind: string(unit.Kind()), JobID: unit.JobID()}
	if batch, ok := unit.(*orchestrator.BatchWorkUnit); ok {
		msg.BatchID = batch.BatchID()
	}

	body, err := msg.Encode()
	if err != nil {
		return err
	}

	err = c.rabbitClient.Publish(ctx, c.rabbitConfig.ExchangeName, c.rabbitConfig.QueueName, body, msg.Headers())
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", orchestrator.Describe(unit), err)
	}
	if c.metrics != nil {
		c.metrics.RecordPublish(msg.Kind)
	}
	return nil
}

func (c *jobController) publishAll(ctx context.Context, units []orchestrator.WorkUnit) (int, error) {
	published := 0
	var errs []error
	for _, unit := range units {
		if err := c.publish(ctx, unit); err != nil {
			errs = append(errs, err)
			continue
		}
		published++
	}
	return published, errors.Join(errs...)
}

// unitFor rebuilds the unit a message names, if it is still runnable
func unitFor(job *model.Job, msg rabbitmq.WorkUnitMessage) (orchestrator.WorkUnit, bool) {
	var want string
	switch orchestrator.Kind(msg.Kind) {
	case orchestrator.KindCohort:
		want = orchestrator.Describe(orchestrator.NewCohortWorkUnit(job))
	case orchestrator.KindBatch:
		want = orchestrator.Describe(orchestrator.NewBatchWorkUnit(job, msg.BatchID))
	case orchestrator.KindCore:
		want = orchestrator.Describe(orchestrator.NewCoreWorkUnit(job))
	default:
		return nil, false
	}

	for _, unit := range orchestrator.Plan(job) {
		if orchestrator.Describe(unit) == want {
			return unit, true
		}
	}
	return nil, false
}

// followUps picks what to enqueue after a unit of the given kind finished.
// Batch units only ever release the core; their siblings are already queued.
func followUps(kind orchestrator.Kind, job *model.Job) []orchestrator.WorkUnit {
	planned := orchestrator.Plan(job)
	switch kind {
	case orchestrator.KindCohort:
		return planned
	case orchestrator.KindBatch:
		var next []orchestrator.WorkUnit
		for _, unit := range planned {
			if unit.Kind() == orchestrator.KindCore {
				next = append(next, unit)
			}
		}
		return next
	default:
		return nil
	}
}

func (c *jobController) HandleMessage(ctx context.Context, msg rabbitmq.WorkUnitMessage) error {
	logger := log.With().
		Str("jobId", msg.JobID).
		Str("kind", msg.Kind).
		Str("batchId", msg.BatchID).
		Logger()

	job, err := c.db.GetJob(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrJobNotFound) {
			logger.Warn().Msg("Dropping message for unknown job")
			return nil
		}
		return fmt.Errorf("load job: %w", err)
	}

	unit, ok := unitFor(job, msg)
	if !ok {
		logger.Debug().Str("status", string(job.Status)).Msg("Unit not runnable, skipping")
		return nil
	}

	unitCtx, done := c.registry.Track(ctx, unit)
	start := time.Now()
	orchestrator.Run(unitCtx, unit, c.work)
	done()

	logger.Debug().Dur("duration", time.Since(start)).Msg("Work unit completed")

	job, err = c.db.GetJob(ctx, msg.JobID)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}
	if _, err := c.publishAll(ctx, followUps(unit.Kind(), job)); err != nil {
		return err
	}
	return nil
}

func (c *jobController) Sweep(ctx context.Context) (int, error) {
	// stored timestamps keep millisecond precision
	start := time.Now().UTC().Truncate(time.Millisecond)
	jobs, err := c.db.RerollStale(ctx, c.jobsConfig.StaleTimeout())
	if err != nil {
		return 0, fmt.Errorf("reroll stale units: %w", err)
	}

	published := 0
	var errs []error
	for _, job := range jobs {
		n, err := c.publishAll(ctx, orchestrator.Requeued(job, start))
		published += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	if c.metrics != nil {
		c.metrics.RecordSweep(len(jobs))
	}

	log.Info().
		Int("activeJobs", len(jobs)).
		Int("published", published).
		Msg("Sweep finished")

	return published, errors.Join(errs...)
}

func (c *jobController) ProcessJobs(ctx context.Context) error {
	queueName := c.rabbitConfig.QueueName

	if err := c.rabbitClient.DeclareTopology(c.rabbitConfig.ExchangeName, queueName); err != nil {
		return fmt.Errorf("failed to declare topology: %w", err)
	}

	c.consumerTag = fmt.Sprintf("torch-consumer-%s", uuid.NewString())
	c.startConsumer(ctx, queueName, c.consumerTag)

	log.Info().Str("queue", queueName).Msg("Work unit processing started")
	return nil
}

func (c *jobController) StopProcessing() {
	c.stopOnce.Do(func() {
		close(c.shutdown)
		c.registry.CancelAll()
	})
	c.wg.Wait()
	log.Info().Msg("Work unit processing stopped")
}

// startConsumer runs the consume loop, reconnecting when the delivery channel closes
func (c *jobController) startConsumer(ctx context.Context, queueName, consumerTag string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		log.Info().
			Str("queue", queueName).
			Str("consumerTag", consumerTag).
			Msg("Starting work unit consumer")

		for {
			if c.stopped(ctx) {
				return
			}

			deliveries, err := c.rabbitClient.Consume(queueName, consumerTag)
			if err != nil {
				log.Error().
					Err(err).
					Str("queue", queueName).
					Str("consumerTag", consumerTag).
					Msg("Failed to consume from queue")
				if !c.sleep(ctx, 5*time.Second) {
					return
				}
				continue
			}

			if !c.drain(ctx, deliveries) {
				return
			}

			log.Warn().
				Str("queue", queueName).
				Str("consumerTag", consumerTag).
				Msg("Consumer channel closed, reconnecting...")
			if !c.sleep(ctx, 5*time.Second) {
				return
			}
		}
	}()
}

// drain dispatches deliveries until the channel closes (true) or the
// controller stops (false)
func (c *jobController) drain(ctx context.Context, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-c.shutdown:
			return false
		case delivery, ok := <-deliveries:
			if !ok {
				return true
			}
			if err := c.workers.Acquire(ctx, 1); err != nil {
				delivery.Nack(false, true)
				return false
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				defer c.workers.Release(1)
				c.processDelivery(ctx, delivery)
			}()
		}
	}
}

// processDelivery always acks: outcomes live in the job, and the sweep
// re-enqueues anything lost
func (c *jobController) processDelivery(ctx context.Context, delivery amqp.Delivery) {
	msg, err := rabbitmq.DecodeWorkUnitMessage(delivery.Body)
	if err != nil {
		log.Error().Err(err).Msg("Malformed work unit message, rejecting")
		delivery.Nack(false, false)
		return
	}

	if err := c.HandleMessage(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("jobId", msg.JobID).
			Str("kind", msg.Kind).
			Msg("Work unit message handling failed")
	}

	delivery.Ack(false)
}

func (c *jobController) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-c.shutdown:
		return true
	default:
		return false
	}
}

func (c *jobController) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-c.shutdown:
		return false
	}
}
