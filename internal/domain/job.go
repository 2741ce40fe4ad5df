package domain

import (
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
	Retrying   Status = "retrying"
	Dead       Status = "dead"
)

// Priority and retry bounds accepted on enqueue.
const (
	MinPriority   = -100
	MaxPriority   = 100
	MaxRetryLimit = 100
)

func (s Status) Valid() bool {
	switch s {
	case Pending, Processing, Completed, Failed, Retrying, Dead:
		return true
	}
	return false
}

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool { return s == Completed || s == Dead }

// transitions lists the allowed moves of the job state machine.
var transitions = map[Status][]Status{
	Pending:    {Processing},
	Processing: {Completed, Pending, Dead},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Job struct {
	ID            string         `json:"id"`
	JobType       string         `json:"job_type"`
	Payload       map[string]any `json:"payload"`
	Status        Status         `json:"status"`
	Priority      int            `json:"priority"`
	CorrelationID *string        `json:"correlation_id,omitempty"`
	MaxRetries    int            `json:"max_retries"`
	RetryCount    int            `json:"retry_count"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	ScheduledAt   *time.Time     `json:"scheduled_at,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	LockedAt      *time.Time     `json:"locked_at,omitempty"`
	LockedBy      *string        `json:"locked_by,omitempty"`
}

// NewID returns a time-ordered id. Lexical order of ids matches creation order,
// which every backend relies on as the last FIFO tie-break.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Eligible reports whether a pending job may be dequeued at now for the type filter.
func (j *Job) Eligible(now time.Time, types []string) bool {
	if j.Status != Pending {
		return false
	}
	if j.ScheduledAt != nil && j.ScheduledAt.After(now) {
		return false
	}
	return MatchesType(j.JobType, types)
}

// MatchesType reports whether jobType passes an optional filter. An empty filter matches all.
func MatchesType(jobType string, types []string) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == jobType {
			return true
		}
	}
	return false
}

// Lease moves a pending job to processing on behalf of workerID.
func (j *Job) Lease(now time.Time, workerID string) {
	j.Status = Processing
	j.StartedAt = &now
	j.LockedAt = &now
	j.LockedBy = &workerID
	j.UpdatedAt = now
}

// Unlock returns a processing job to pending without consuming a retry.
func (j *Job) Unlock(now time.Time) {
	j.Status = Pending
	j.StartedAt = nil
	j.LockedAt = nil
	j.LockedBy = nil
	j.UpdatedAt = now
}

// Finish marks a processing job completed.
func (j *Job) Finish(now time.Time, result map[string]any) {
	j.Status = Completed
	j.Result = result
	j.CompletedAt = &now
	j.LockedAt = nil
	j.LockedBy = nil
	j.UpdatedAt = now
}

// RecordFailure bumps the retry counter and either schedules the next attempt
// delay from now or dead-letters the job once the budget is spent.
func (j *Job) RecordFailure(now time.Time, errMsg, errType string, delay func(attempt int) time.Duration) *FailedJobInfo {
	j.RetryCount++
	j.ErrorMessage = &errMsg
	j.LockedAt = nil
	j.LockedBy = nil
	j.UpdatedAt = now

	info := &FailedJobInfo{
		JobID:        j.ID,
		Attempt:      j.RetryCount,
		ErrorMessage: errMsg,
		ErrorType:    errType,
		FailedAt:     now,
	}
	if j.RetryCount < j.MaxRetries {
		next := now.Add(delay(j.RetryCount - 1))
		j.Status = Pending
		j.ScheduledAt = &next
		info.WillRetry = true
		info.NextRetryAt = &next
		return info
	}

	j.RetryCount = j.MaxRetries
	j.Status = Dead
	j.CompletedAt = &now
	return info
}

// Apply merges an update into the job. Leaving processing clears the lease;
// going back to pending also forgets the start time, as Unlock does.
func (j *Job) Apply(u JobUpdate, now time.Time) error {
	if u.Status != nil {
		if !u.Status.Valid() {
			return errors.Wrapf(ErrInvalidTransition, "unknown status %q", *u.Status)
		}
		if *u.Status == Processing && j.Status != Processing {
			return errors.Wrap(ErrInvalidTransition, "leases are only granted by dequeue")
		}
		switch {
		case j.Status == Processing && *u.Status == Pending:
			j.Unlock(now)
		case *u.Status != Processing:
			j.LockedAt = nil
			j.LockedBy = nil
		}
		j.Status = *u.Status
	}
	if u.ErrorMessage != nil {
		msg := *u.ErrorMessage
		j.ErrorMessage = &msg
	}
	if u.Result != nil {
		j.Result = maps.Clone(u.Result)
	}
	if u.Metadata != nil {
		j.Metadata = maps.Clone(u.Metadata)
	}
	j.UpdatedAt = now
	return nil
}

// Clone returns a copy that shares no mutable state with j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload = maps.Clone(j.Payload)
	c.Result = maps.Clone(j.Result)
	c.Metadata = maps.Clone(j.Metadata)
	c.CorrelationID = cloneString(j.CorrelationID)
	c.ErrorMessage = cloneString(j.ErrorMessage)
	c.LockedBy = cloneString(j.LockedBy)
	c.ScheduledAt = cloneTime(j.ScheduledAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.LockedAt = cloneTime(j.LockedAt)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
