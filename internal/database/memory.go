package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"torch/internal/model"
	"torch/internal/orchestrator"

	"github.com/rs/zerolog/log"
)

type memoryBatch struct {
	batch          model.PatientBatch
	coreReferences []string
}

// memoryDB keeps everything in process. It backs env=local and the tests; every
// operation holds the lock for its whole read-modify-write.
type memoryDB struct {
	mu      sync.Mutex
	jobs    map[string]*model.Job
	batches map[string]map[string]*memoryBatch

	bundles BundleStore
}

// NewMemory creates an in-process Database. bundles may be nil.
func NewMemory(bundles BundleStore) Database {
	return &memoryDB{
		jobs:    make(map[string]*model.Job),
		batches: make(map[string]map[string]*memoryBatch),
		bundles: bundles,
	}
}

func (m *memoryDB) Health() error {
	return nil
}

func (m *memoryDB) CreateJob(ctx context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.ID.IsZero() {
		return fmt.Errorf("job without id")
	}
	if _, exists := m.jobs[job.JobID()]; exists {
		return fmt.Errorf("job %s already exists", job.JobID())
	}

	job.CreatedAt = time.Now().UTC()
	job.Version = 0
	job.Touch()
	m.jobs[job.JobID()] = job.Clone()
	m.batches[job.JobID()] = make(map[string]*memoryBatch)

	return nil
}

func (m *memoryDB) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrJobNotFound, jobID)
	}
	return job.Clone(), nil
}

func (m *memoryDB) ListJobs(ctx context.Context, status model.JobStatus, limit, offset int) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]*model.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if status == "" || job.Status == status {
			jobs = append(jobs, job.Clone())
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if offset >= len(jobs) {
		return []*model.Job{}, nil
	}
	jobs = jobs[offset:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// mutateLocked applies a transition to the stored job; m.mu must be held
func (m *memoryDB) mutateLocked(jobID string, apply func(job *model.Job) (bool, error)) (*model.Job, bool, error) {
	stored, ok := m.jobs[jobID]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", orchestrator.ErrJobNotFound, jobID)
	}

	job := stored.Clone()
	changed, err := apply(job)
	if err != nil || !changed {
		return stored.Clone(), false, err
	}

	job.Version++
	job.Touch()
	m.jobs[jobID] = job

	return job.Clone(), true, nil
}

func (m *memoryDB) mutate(jobID string, apply func(job *model.Job) (bool, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, _, err := m.mutateLocked(jobID, apply)
	return err
}

func (m *memoryDB) TryStartBatch(ctx context.Context, jobID, batchID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("%w: %s", orchestrator.ErrJobNotFound, jobID)
	}

	batch, ok := job.Batches[batchID]
	if !ok || batch.State.Status != model.WorkUnitInit {
		return false, nil
	}

	batch.State = batch.State.ClaimNow()
	job.Batches[batchID] = batch
	job.Version++
	job.Touch()

	return true, nil
}

func (m *memoryDB) LoadBatch(ctx context.Context, jobID, batchID string) (model.PatientBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.batches[jobID][batchID]
	if !ok {
		return model.PatientBatch{}, fmt.Errorf("%w: %s", orchestrator.ErrBatchNotFound, batchID)
	}

	return model.PatientBatch{
		ID:         stored.batch.ID,
		PatientIDs: append([]string(nil), stored.batch.PatientIDs...),
	}, nil
}

func (m *memoryDB) OnCohortSuccess(ctx context.Context, jobID string, patientIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", orchestrator.ErrJobNotFound, jobID)
	}

	batches := model.NewPatientBatches(patientIDs, job.Parameters.BatchSize)
	_, changed, err := m.mutateLocked(jobID, func(job *model.Job) (bool, error) {
		return applyCohortSuccess(job, batches), nil
	})
	if err != nil || !changed {
		return err
	}

	for _, batch := range batches {
		m.batches[jobID][batch.ID] = &memoryBatch{batch: batch, coreReferences: []string{}}
	}

	log.Debug().Str("jobId", jobID).Int("batches", len(batches)).Msg("Cohort stored")
	return nil
}

func (m *memoryDB) OnCohortError(ctx context.Context, jobID string, issues []model.Issue, cause error) error {
	return m.mutate(jobID, func(job *model.Job) (bool, error) {
		return applyCohortError(job, issues, cause), nil
	})
}

func (m *memoryDB) OnBatchProcessingSuccess(ctx context.Context, result model.BatchResult) error {
	location, err := storeBatchBundle(ctx, m.bundles, result)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, changed, err := m.mutateLocked(result.JobID, func(job *model.Job) (bool, error) {
		return applyBatchSuccess(job, result, location)
	})
	if err != nil || !changed {
		return err
	}

	if stored, ok := m.batches[result.JobID][result.BatchID]; ok && result.Bundle != nil {
		stored.coreReferences = coreReferences(result.Bundle.CoreReferences)
	}
	return nil
}

func (m *memoryDB) OnBatchError(ctx context.Context, jobID, batchID string, issues []model.Issue, cause error) error {
	return m.mutate(jobID, func(job *model.Job) (bool, error) {
		return applyBatchError(job, batchID, issues, cause)
	})
}

func (m *memoryDB) LoadCoreInfo(ctx context.Context, jobID string) (model.CoreBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return model.CoreBundle{}, fmt.Errorf("%w: %s", orchestrator.ErrJobNotFound, jobID)
	}

	lists := make([][]string, 0, len(m.batches[jobID]))
	for _, stored := range m.batches[jobID] {
		lists = append(lists, stored.coreReferences)
	}
	refs := coreReferences(lists...)
	sort.Strings(refs)

	return model.CoreBundle{References: refs}, nil
}

func (m *memoryDB) OnCoreSuccess(ctx context.Context, result model.CoreResult) error {
	location, err := storeCoreBundle(ctx, m.bundles, result)
	if err != nil {
		return err
	}

	return m.mutate(result.JobID, func(job *model.Job) (bool, error) {
		return applyCoreSuccess(job, result, location), nil
	})
}

func (m *memoryDB) OnCoreError(ctx context.Context, jobID string, issues []model.Issue, cause error) error {
	return m.mutate(jobID, func(job *model.Job) (bool, error) {
		return applyCoreError(job, issues, cause), nil
	})
}

func (m *memoryDB) RerollStale(ctx context.Context, staleAfter time.Duration) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	staleBefore := time.Now().UTC().Add(-staleAfter)
	jobs := []*model.Job{}

	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if status := m.jobs[id].Status; status == model.JobCompleted || status == model.JobFailed {
			continue
		}

		job, changed, err := m.mutateLocked(id, func(job *model.Job) (bool, error) {
			return applyReroll(job, staleBefore), nil
		})
		if err != nil {
			return nil, err
		}
		if changed {
			log.Info().Str("jobId", id).Str("status", string(job.Status)).Msg("Rerolled stale work units")
		}
		if job.Status != model.JobCompleted && job.Status != model.JobFailed {
			jobs = append(jobs, job)
		}
	}

	return jobs, nil
}
