package domain

import (
	"maps"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// JobCreate is the enqueue input.
type JobCreate struct {
	JobType  string         `json:"job_type"`
	Payload  map[string]any `json:"payload,omitempty"`
	Priority int            `json:"priority,omitempty"`
	// MaxRetries nil means the backend's retry policy default.
	MaxRetries    *int           `json:"max_retries,omitempty"`
	CorrelationID *string        `json:"correlation_id,omitempty"`
	ScheduledAt   *time.Time     `json:"scheduled_at,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func (c JobCreate) Validate() error {
	if strings.TrimSpace(c.JobType) == "" {
		return errors.Wrap(ErrInvalidJob, "job_type is required")
	}
	if c.Priority < MinPriority || c.Priority > MaxPriority {
		return errors.Wrapf(ErrInvalidJob, "priority %d out of range [%d, %d]", c.Priority, MinPriority, MaxPriority)
	}
	if c.MaxRetries != nil && (*c.MaxRetries < 0 || *c.MaxRetries > MaxRetryLimit) {
		return errors.Wrapf(ErrInvalidJob, "max_retries %d out of range [0, %d]", *c.MaxRetries, MaxRetryLimit)
	}
	if c.CorrelationID != nil && *c.CorrelationID == "" {
		return errors.Wrap(ErrInvalidJob, "correlation_id must not be empty")
	}
	return nil
}

// NewJob builds the pending job an enqueue of c creates at now.
func NewJob(c JobCreate, now time.Time, defaultMaxRetries int) *Job {
	maxRetries := defaultMaxRetries
	if c.MaxRetries != nil {
		maxRetries = *c.MaxRetries
	}
	payload := maps.Clone(c.Payload)
	if payload == nil {
		payload = map[string]any{}
	}
	return &Job{
		ID:            NewID(),
		JobType:       c.JobType,
		Payload:       payload,
		Status:        Pending,
		Priority:      c.Priority,
		CorrelationID: cloneString(c.CorrelationID),
		MaxRetries:    maxRetries,
		Metadata:      maps.Clone(c.Metadata),
		CreatedAt:     now,
		UpdatedAt:     now,
		ScheduledAt:   cloneTime(c.ScheduledAt),
	}
}

// CheckBatch validates every item and rejects correlation ids repeated inside the batch.
func CheckBatch(items []JobCreate) error {
	seen := make(map[string]struct{}, len(items))
	for i, c := range items {
		if err := c.Validate(); err != nil {
			return errors.Wrapf(err, "batch item %d", i)
		}
		if c.CorrelationID == nil {
			continue
		}
		if _, dup := seen[*c.CorrelationID]; dup {
			return &ConflictError{CorrelationID: *c.CorrelationID}
		}
		seen[*c.CorrelationID] = struct{}{}
	}
	return nil
}

// JobUpdate carries the fields UpdateJob may change. Nil fields are left alone.
type JobUpdate struct {
	Status       *Status        `json:"status,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type DequeueOptions struct {
	// JobTypes restricts the candidates; empty accepts every type.
	JobTypes []string `json:"job_types,omitempty"`
	// WorkerID names the lease holder; empty uses the backend's own identity.
	WorkerID string `json:"worker_id,omitempty"`
}

type ListFilter struct {
	Status  *Status
	JobType string
	Limit   int
	Offset  int
}

// DefaultListLimit applies when a ListFilter carries no limit.
const DefaultListLimit = 100

// Normalize fills defaults and clamps negatives.
func (f ListFilter) Normalize() ListFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Matches reports whether j passes the status and type filters.
func (f ListFilter) Matches(j *Job) bool {
	if f.Status != nil && j.Status != *f.Status {
		return false
	}
	return f.JobType == "" || j.JobType == f.JobType
}

// FailedJobInfo describes the outcome of a Fail call.
type FailedJobInfo struct {
	JobID        string     `json:"job_id"`
	Attempt      int        `json:"attempt"`
	ErrorMessage string     `json:"error_message"`
	ErrorType    string     `json:"error_type,omitempty"`
	FailedAt     time.Time  `json:"failed_at"`
	WillRetry    bool       `json:"will_retry"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
}

// Stats aggregates queue state. Zero durations mean no data.
type Stats struct {
	Total             int           `json:"total_jobs"`
	Pending           int           `json:"pending_jobs"`
	Processing        int           `json:"processing_jobs"`
	Completed         int           `json:"completed_jobs"`
	Failed            int           `json:"failed_jobs"`
	Retrying          int           `json:"retrying_jobs"`
	Dead              int           `json:"dead_jobs"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
	OldestPendingAge  time.Duration `json:"oldest_pending_age"`
}

// Add counts one job with status s.
func (s *Stats) Add(status Status) { s.AddN(status, 1) }

func (s *Stats) AddN(status Status, n int) {
	s.Total += n
	switch status {
	case Pending:
		s.Pending += n
	case Processing:
		s.Processing += n
	case Completed:
		s.Completed += n
	case Failed:
		s.Failed += n
	case Retrying:
		s.Retrying += n
	case Dead:
		s.Dead += n
	}
}

// StatsAccumulator folds jobs into Stats the way the scanning backends need it.
type StatsAccumulator struct {
	Now   time.Time
	stats Stats
	sum   time.Duration
	n     int
}

func (a *StatsAccumulator) Observe(j *Job) {
	a.stats.Add(j.Status)
	if j.Status == Completed && j.StartedAt != nil && j.CompletedAt != nil {
		a.sum += j.CompletedAt.Sub(*j.StartedAt)
		a.n++
	}
	if j.Status == Pending {
		if age := a.Now.Sub(j.CreatedAt); age > a.stats.OldestPendingAge {
			a.stats.OldestPendingAge = age
		}
	}
}

func (a *StatsAccumulator) Stats() *Stats {
	s := a.stats
	if a.n > 0 {
		s.AvgProcessingTime = a.sum / time.Duration(a.n)
	}
	return &s
}
