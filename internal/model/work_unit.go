package model

import (
	"time"
)

// MaxRetries bounds how often a temporarily failed unit is rerolled before it is
// marked FAILED for good.
const MaxRetries = 5

// WorkUnitStatus represents the lifecycle state of one unit of work
type WorkUnitStatus string

const (
	WorkUnitInit       WorkUnitStatus = "INIT"
	WorkUnitInProgress WorkUnitStatus = "IN_PROGRESS"
	WorkUnitSkipped    WorkUnitStatus = "SKIPPED"
	WorkUnitFinished   WorkUnitStatus = "FINISHED"
	WorkUnitFailed     WorkUnitStatus = "FAILED"
	WorkUnitTempFailed WorkUnitStatus = "TEMP_FAILED"
)

// IsDone reports whether the status is terminal
func (s WorkUnitStatus) IsDone() bool {
	switch s {
	case WorkUnitFinished, WorkUnitSkipped, WorkUnitFailed:
		return true
	default:
		return false
	}
}

// ShouldRerollToInit covers both stale claims left behind by a crashed worker and
// transient failures waiting for their retry.
func (s WorkUnitStatus) ShouldRerollToInit() bool {
	return s == WorkUnitInProgress || s == WorkUnitTempFailed
}

// WorkUnitState tracks status, timing and retries of a cohort, batch or core unit.
// All methods return a new value; the receiver is never modified.
type WorkUnitState struct {
	Status     WorkUnitStatus `bson:"status" json:"status"`
	StartedAt  time.Time      `bson:"started_at" json:"startedAt"`
	FinishedAt *time.Time     `bson:"finished_at,omitempty" json:"finishedAt,omitempty"`
	Retry      int            `bson:"retry" json:"retry"`
}

// FailureOutcome is the state after a failure and whether retries are used up
type FailureOutcome struct {
	State     WorkUnitState
	Exhausted bool
}

// NewWorkUnitState returns a fresh INIT state
func NewWorkUnitState() WorkUnitState {
	return WorkUnitState{}.InitNow()
}

func (s WorkUnitState) InitNow() WorkUnitState {
	return WorkUnitState{Status: WorkUnitInit, StartedAt: time.Now().UTC()}
}

func (s WorkUnitState) StartNow() WorkUnitState {
	return WorkUnitState{Status: WorkUnitInProgress, StartedAt: time.Now().UTC()}
}

// ClaimNow moves the unit to IN_PROGRESS like StartNow but keeps the retry
// counter, so a rerolled unit still runs into MaxRetries
func (s WorkUnitState) ClaimNow() WorkUnitState {
	return WorkUnitState{Status: WorkUnitInProgress, StartedAt: time.Now().UTC(), Retry: s.Retry}
}

// RequeueNow restamps an INIT unit whose queue message is presumed lost. The
// retry counter is kept; a lost message is not a failure.
func (s WorkUnitState) RequeueNow() WorkUnitState {
	return WorkUnitState{Status: WorkUnitInit, StartedAt: time.Now().UTC(), Retry: s.Retry}
}

// FinishNow sets an explicit status, stamps the finish time and resets the retry counter
func (s WorkUnitState) FinishNow(status WorkUnitStatus) WorkUnitState {
	now := time.Now().UTC()
	return WorkUnitState{Status: status, StartedAt: s.StartedAt, FinishedAt: &now}
}

func (s WorkUnitState) MarkFailed() WorkUnitState {
	s.Status = WorkUnitFailed
	return s
}

func (s WorkUnitState) MarkTempFailed() WorkUnitState {
	s.Status = WorkUnitTempFailed
	return s
}

// IncrementRetry bumps the retry counter, escalating to FAILED once the bound is reached
func (s WorkUnitState) IncrementRetry() WorkUnitState {
	if s.Retry+1 >= MaxRetries {
		return s.MarkFailed()
	}
	s.Retry++
	return s
}

// RerollFromTempFailed moves a TEMP_FAILED unit back to INIT with one more retry
// consumed. Any other status is returned unchanged.
func (s WorkUnitState) RerollFromTempFailed() WorkUnitState {
	if s.Status != WorkUnitTempFailed {
		return s
	}

	next := s.IncrementRetry()
	if next.Status == WorkUnitFailed {
		return next
	}

	return WorkUnitState{Status: WorkUnitInit, StartedAt: time.Now().UTC(), Retry: next.Retry}
}

func (s WorkUnitState) Skip() WorkUnitState {
	now := time.Now().UTC()
	return WorkUnitState{Status: WorkUnitSkipped, StartedAt: s.StartedAt, FinishedAt: &now}
}

// OnFailure marks the unit FAILED for terminal errors and TEMP_FAILED otherwise
func (s WorkUnitState) OnFailure(retryable bool) WorkUnitState {
	if !retryable {
		return s.MarkFailed()
	}
	return s.MarkTempFailed()
}

// Fail applies OnFailure and reports whether no retry will follow. A TEMP_FAILED
// unit on its last retry counts as exhausted because the next reroll escalates it.
func (s WorkUnitState) Fail(retryable bool) FailureOutcome {
	next := s.OnFailure(retryable)
	exhausted := next.Status == WorkUnitFailed ||
		(next.Status == WorkUnitTempFailed && next.Retry+1 >= MaxRetries)

	return FailureOutcome{State: next, Exhausted: exhausted}
}
