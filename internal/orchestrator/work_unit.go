// Package orchestrator drives the three phases of an extraction job: cohort
// resolution, per-batch extraction and core aggregation. It holds no durable
// state; every transition is handed to the Persistence port.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"torch/internal/model"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrBatchNotFound = errors.New("batch not found")
)

// Kind names the pipeline phase of a work unit
type Kind string

const (
	KindCohort Kind = "cohort"
	KindBatch  Kind = "batch"
	KindCore   Kind = "core"
)

// Outcomes reported to the Recorder
const (
	OutcomeSuccess      = "success"
	OutcomeError        = "error"
	OutcomeNotClaimed   = "not_claimed"
	OutcomePersistError = "persist_error"
)

// Recorder receives execution statistics; metrics.Collector implements it
type Recorder interface {
	ObserveWorkUnit(kind string, outcome string, duration time.Duration)
}

// WorkContext bundles the collaborators a work unit needs
type WorkContext struct {
	Persistence Persistence
	Extraction  ExtractionService
	Cohort      CohortQuery
	Pool        *BlockingPool
	Recorder    Recorder
}

// WorkUnit is one executable phase of a job. The set of implementations is
// closed: CohortWorkUnit, BatchWorkUnit and CoreWorkUnit.
//
// Execute never fails. The returned channel is closed once the unit is done,
// whatever the domain outcome; failures end up in the persisted state.
type WorkUnit interface {
	Kind() Kind
	JobID() string
	Execute(ctx context.Context, wc WorkContext) <-chan struct{}

	workUnit()
}

// Run executes the unit and waits for it to complete
func Run(ctx context.Context, unit WorkUnit, wc WorkContext) {
	<-unit.Execute(ctx, wc)
}

// execute runs body on its own goroutine and turns a panic into onPanic
func execute(ctx context.Context, kind Kind, wc WorkContext, body func(ctx context.Context) string, onPanic func(ctx context.Context, err error)) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)
		start := time.Now()
		outcome := OutcomeError

		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic in %s work unit: %v", kind, r)
				log.Error().Err(err).Str("kind", string(kind)).Msg("Work unit panicked")
				onPanic(ctx, err)
			}
			if wc.Recorder != nil {
				wc.Recorder.ObserveWorkUnit(string(kind), outcome, time.Since(start))
			}
		}()

		outcome = body(ctx)
	}()

	return done
}

func unitLogger(kind Kind, jobID string) zerolog.Logger {
	return log.With().
		Str("kind", string(kind)).
		Str("jobId", jobID).
		Logger()
}

// Describe renders a unit for logs and queue messages
func Describe(unit WorkUnit) string {
	switch u := unit.(type) {
	case *CohortWorkUnit:
		return "cohort/" + u.JobID()
	case *BatchWorkUnit:
		return "batch/" + u.JobID() + "/" + u.BatchID()
	case *CoreWorkUnit:
		return "core/" + u.JobID()
	default:
		panic(fmt.Sprintf("unknown work unit %T", unit))
	}
}

func noIssues() []model.Issue {
	return []model.Issue{}
}
