package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"torch/internal/model"
	"torch/internal/orchestrator"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const maxUpdateAttempts = 10

var errConcurrentUpdate = errors.New("job modified concurrently")

// JobDatabase defines job-related database operations
type JobDatabase interface {
	// Create a new job
	CreateJob(ctx context.Context, job *model.Job) error

	// List jobs, newest first. An empty status lists every job.
	ListJobs(ctx context.Context, status model.JobStatus, limit, offset int) ([]*model.Job, error)

	// RerollStale moves stale and temporarily failed units back to INIT and
	// returns every job that is still active afterwards
	RerollStale(ctx context.Context, staleAfter time.Duration) ([]*model.Job, error)
}

type batchDocument struct {
	ID             string   `bson:"_id"`
	JobID          string   `bson:"job_id"`
	PatientIDs     []string `bson:"patient_ids"`
	CoreReferences []string `bson:"core_references"`
}

func jobObjectID(jobID string) (primitive.ObjectID, error) {
	objectID, err := primitive.ObjectIDFromHex(jobID)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: %s", orchestrator.ErrJobNotFound, jobID)
	}
	return objectID, nil
}

// CreateJob creates a new job in the database
func (m *mongoDB) CreateJob(ctx context.Context, job *model.Job) error {
	// Ensure the job has a valid ID
	if job.ID.IsZero() {
		job.ID = primitive.NewObjectID()
	}

	now := time.Now().UTC()
	job.CreatedAt = now
	job.Version = 0
	job.Touch()

	_, err := m.jobsCol.InsertOne(ctx, job)
	if err != nil {
		log.Error().Err(err).Str("jobId", job.JobID()).Msg("Failed to create job")
		return err
	}

	log.Debug().Str("jobId", job.JobID()).Msg("Created new job")
	return nil
}

// GetJob retrieves a job by its ID
func (m *mongoDB) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	objectID, err := jobObjectID(jobID)
	if err != nil {
		return nil, err
	}

	var job model.Job
	err = m.jobsCol.FindOne(ctx, bson.M{"_id": objectID}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", orchestrator.ErrJobNotFound, jobID)
		}
		log.Error().Err(err).Str("jobId", jobID).Msg("Failed to get job")
		return nil, err
	}

	return &job, nil
}

// ListJobs retrieves jobs, optionally filtered by status
func (m *mongoDB) ListJobs(ctx context.Context, status model.JobStatus, limit, offset int) ([]*model.Job, error) {
	opts := options.Find().
		SetLimit(int64(limit)).
		SetSkip(int64(offset)).
		SetSort(bson.M{"created_at": -1})

	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}

	cursor, err := m.jobsCol.Find(ctx, filter, opts)
	if err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("Failed to list jobs")
		return nil, err
	}
	defer cursor.Close(ctx)

	var jobs []*model.Job
	if err := cursor.All(ctx, &jobs); err != nil {
		log.Error().Err(err).Msg("Failed to decode jobs")
		return nil, err
	}

	return jobs, nil
}

// mutate applies a transition with optimistic locking on the job version. A
// lost race reloads the job and applies the transition again.
func (m *mongoDB) mutate(ctx context.Context, jobID string, apply func(job *model.Job) (bool, error)) (*model.Job, bool, error) {
	objectID, err := jobObjectID(jobID)
	if err != nil {
		return nil, false, err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		job, err := m.GetJob(ctx, jobID)
		if err != nil {
			return nil, false, err
		}

		changed, err := apply(job)
		if err != nil || !changed {
			return job, false, err
		}

		version := job.Version
		job.Version++
		job.Touch()

		result, err := m.jobsCol.ReplaceOne(ctx, bson.M{"_id": objectID, "version": version}, job)
		if err != nil {
			log.Error().Err(err).Str("jobId", jobID).Msg("Failed to update job")
			return nil, false, err
		}
		if result.MatchedCount == 1 {
			log.Debug().Str("jobId", jobID).Str("status", string(job.Status)).Msg("Updated job")
			return job, true, nil
		}

		log.Debug().Str("jobId", jobID).Int("attempt", attempt+1).Msg("Job changed concurrently, retrying")
	}

	return nil, false, fmt.Errorf("%w: %s after %d attempts", errConcurrentUpdate, jobID, maxUpdateAttempts)
}

// TryStartBatch claims a batch with a single conditional update on its status
func (m *mongoDB) TryStartBatch(ctx context.Context, jobID, batchID string) (bool, error) {
	objectID, err := jobObjectID(jobID)
	if err != nil {
		return false, err
	}
	if batchID == "" || strings.ContainsAny(batchID, ".$") {
		return false, fmt.Errorf("%w: %q", orchestrator.ErrBatchNotFound, batchID)
	}

	field := "batches." + batchID + ".state"
	now := time.Now().UTC()

	result, err := m.jobsCol.UpdateOne(ctx,
		bson.M{
			"_id":             objectID,
			field + ".status": model.WorkUnitInit,
		},
		bson.M{
			"$set": bson.M{
				field + ".status":     model.WorkUnitInProgress,
				field + ".started_at": now,
				"status":              model.JobRunningProcessBatch,
				"updated_at":          now,
			},
			"$inc": bson.M{"version": 1},
		},
	)
	if err != nil {
		log.Error().Err(err).Str("jobId", jobID).Str("batchId", batchID).Msg("Failed to claim batch")
		return false, err
	}

	return result.ModifiedCount == 1, nil
}

// LoadBatch reads the patient ids of a batch
func (m *mongoDB) LoadBatch(ctx context.Context, jobID, batchID string) (model.PatientBatch, error) {
	var doc batchDocument
	err := m.batchesCol.FindOne(ctx, bson.M{"_id": batchID, "job_id": jobID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.PatientBatch{}, fmt.Errorf("%w: %s", orchestrator.ErrBatchNotFound, batchID)
		}
		log.Error().Err(err).Str("jobId", jobID).Str("batchId", batchID).Msg("Failed to load batch")
		return model.PatientBatch{}, err
	}

	return model.PatientBatch{ID: doc.ID, PatientIDs: doc.PatientIDs}, nil
}

// OnCohortSuccess stores the batches of the resolved cohort. The batch documents
// are written first so a claimed batch can always be loaded.
func (m *mongoDB) OnCohortSuccess(ctx context.Context, jobID string, patientIDs []string) error {
	job, err := m.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	batches := model.NewPatientBatches(patientIDs, job.Parameters.BatchSize)
	docs := make([]interface{}, 0, len(batches))
	ids := make([]string, 0, len(batches))
	for _, batch := range batches {
		docs = append(docs, batchDocument{
			ID:             batch.ID,
			JobID:          jobID,
			PatientIDs:     batch.PatientIDs,
			CoreReferences: []string{},
		})
		ids = append(ids, batch.ID)
	}

	if len(docs) > 0 {
		if _, err := m.batchesCol.InsertMany(ctx, docs); err != nil {
			log.Error().Err(err).Str("jobId", jobID).Int("batches", len(docs)).Msg("Failed to insert batches")
			return fmt.Errorf("insert batches: %w", err)
		}
	}

	_, changed, err := m.mutate(ctx, jobID, func(job *model.Job) (bool, error) {
		return applyCohortSuccess(job, batches), nil
	})
	if (err != nil || !changed) && len(ids) > 0 {
		if _, delErr := m.batchesCol.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); delErr != nil {
			log.Warn().Err(delErr).Str("jobId", jobID).Msg("Failed to remove orphaned batches")
		}
	}
	if err != nil {
		return err
	}

	log.Info().
		Str("jobId", jobID).
		Int("patients", len(patientIDs)).
		Int("batches", len(batches)).
		Bool("applied", changed).
		Msg("Cohort stored")
	return nil
}

func (m *mongoDB) OnCohortError(ctx context.Context, jobID string, issues []model.Issue, cause error) error {
	_, _, err := m.mutate(ctx, jobID, func(job *model.Job) (bool, error) {
		return applyCohortError(job, issues, cause), nil
	})
	return err
}

func (m *mongoDB) OnBatchProcessingSuccess(ctx context.Context, result model.BatchResult) error {
	location, err := storeBatchBundle(ctx, m.bundles, result)
	if err != nil {
		return err
	}

	if result.Bundle != nil {
		_, err := m.batchesCol.UpdateOne(ctx,
			bson.M{"_id": result.BatchID, "job_id": result.JobID},
			bson.M{"$set": bson.M{"core_references": coreReferences(result.Bundle.CoreReferences)}},
		)
		if err != nil {
			log.Error().Err(err).Str("jobId", result.JobID).Str("batchId", result.BatchID).Msg("Failed to store core references")
			return fmt.Errorf("store core references: %w", err)
		}
	}

	_, _, err = m.mutate(ctx, result.JobID, func(job *model.Job) (bool, error) {
		return applyBatchSuccess(job, result, location)
	})
	return err
}

func (m *mongoDB) OnBatchError(ctx context.Context, jobID, batchID string, issues []model.Issue, cause error) error {
	_, _, err := m.mutate(ctx, jobID, func(job *model.Job) (bool, error) {
		return applyBatchError(job, batchID, issues, cause)
	})
	return err
}

// LoadCoreInfo collects the distinct core references of every batch of the job
func (m *mongoDB) LoadCoreInfo(ctx context.Context, jobID string) (model.CoreBundle, error) {
	if _, err := m.GetJob(ctx, jobID); err != nil {
		return model.CoreBundle{}, err
	}

	values, err := m.batchesCol.Distinct(ctx, "core_references", bson.M{"job_id": jobID})
	if err != nil {
		log.Error().Err(err).Str("jobId", jobID).Msg("Failed to load core references")
		return model.CoreBundle{}, err
	}

	refs := make([]string, 0, len(values))
	for _, value := range values {
		if ref, ok := value.(string); ok {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)

	return model.CoreBundle{References: refs}, nil
}

func (m *mongoDB) OnCoreSuccess(ctx context.Context, result model.CoreResult) error {
	location, err := storeCoreBundle(ctx, m.bundles, result)
	if err != nil {
		return err
	}

	_, _, err = m.mutate(ctx, result.JobID, func(job *model.Job) (bool, error) {
		return applyCoreSuccess(job, result, location), nil
	})
	return err
}

func (m *mongoDB) OnCoreError(ctx context.Context, jobID string, issues []model.Issue, cause error) error {
	_, _, err := m.mutate(ctx, jobID, func(job *model.Job) (bool, error) {
		return applyCoreError(job, issues, cause), nil
	})
	return err
}

func (m *mongoDB) RerollStale(ctx context.Context, staleAfter time.Duration) ([]*model.Job, error) {
	active, err := m.jobsCol.Find(ctx, bson.M{
		"status": bson.M{"$nin": []model.JobStatus{model.JobCompleted, model.JobFailed}},
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to list active jobs")
		return nil, err
	}
	defer active.Close(ctx)

	var candidates []*model.Job
	if err := active.All(ctx, &candidates); err != nil {
		log.Error().Err(err).Msg("Failed to decode jobs")
		return nil, err
	}

	staleBefore := time.Now().UTC().Add(-staleAfter)
	jobs := make([]*model.Job, 0, len(candidates))

	for _, candidate := range candidates {
		job, changed, err := m.mutate(ctx, candidate.JobID(), func(job *model.Job) (bool, error) {
			return applyReroll(job, staleBefore), nil
		})
		if err != nil {
			log.Warn().Err(err).Str("jobId", candidate.JobID()).Msg("Failed to reroll job")
			continue
		}
		if changed {
			log.Info().Str("jobId", job.JobID()).Str("status", string(job.Status)).Msg("Rerolled stale work units")
		}
		if job.Status != model.JobCompleted && job.Status != model.JobFailed {
			jobs = append(jobs, job)
		}
	}

	return jobs, nil
}

func storeBatchBundle(ctx context.Context, store BundleStore, result model.BatchResult) (string, error) {
	if store == nil || result.Bundle == nil {
		return "", nil
	}

	location, err := store.PutBatchBundle(ctx, result.JobID, result.BatchID, result.Bundle)
	if err != nil {
		return "", fmt.Errorf("store batch bundle: %w", err)
	}
	return location, nil
}

func storeCoreBundle(ctx context.Context, store BundleStore, result model.CoreResult) (string, error) {
	if store == nil || result.Bundle == nil {
		return "", nil
	}

	location, err := store.PutCoreBundle(ctx, result.JobID, result.Bundle)
	if err != nil {
		return "", fmt.Errorf("store core bundle: %w", err)
	}
	return location, nil
}
