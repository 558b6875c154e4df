// Package domain holds the value types shared across the production
// pipeline: jobs, photos, cached assets, listing locks and template
// definitions. None of these types carry behavior beyond small invariant
// helpers — persistence and orchestration live in jobrepo and pipeline.
package domain

import (
	"sync"
	"time"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ErrorDetails is the structured error payload written into Job.Metadata
// when a job fails.
type ErrorDetails struct {
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Stack     string         `json:"stack,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Inputs    map[string]any `json:"inputs,omitempty"`
}

// ProcessedTemplate records one successfully rendered template output.
type ProcessedTemplate struct {
	Key     string `json:"key"`
	BlobURL string `json:"blobUrl"`
}

// Metadata is the free-form record attached to a Job. Concrete fields used by
// the pipeline are pulled out as named fields; anything else goes in Extra.
type Metadata struct {
	CurrentStage        string               `json:"currentStage,omitempty"`
	CurrentSubStage      string              `json:"currentSubStage,omitempty"`
	LastUpdated          time.Time           `json:"lastUpdated,omitempty"`
	IsRegeneration       bool                `json:"isRegeneration,omitempty"`
	RegenerationContext  *RegenerationContext `json:"regenerationContext,omitempty"`
	ErrorDetails         *ErrorDetails        `json:"errorDetails,omitempty"`
	ProcessedTemplates   []ProcessedTemplate  `json:"processedTemplates,omitempty"`
	StageTimings         map[string]time.Duration `json:"stageTimings,omitempty"`
	Priority             int                 `json:"priority,omitempty"`
	Extra                map[string]any      `json:"extra,omitempty"`
}

// Job is the identity for one production request.
type Job struct {
	ID              string
	ListingID       string
	UserID          string
	TemplateDefault string
	Status          JobStatus
	Progress        int
	InputFiles      []string
	OutputFile      string
	Metadata        Metadata
	Error           *ErrorDetails
	StartedAt       time.Time
	CompletedAt     *time.Time
}

// JobExecution is the per-Execute-call scratch state the pipeline
// orchestrator threads through a single run: it embeds the Job identity
// plus the bookkeeping that only matters while that run is in flight and
// is never itself persisted verbatim (stage timings are flushed into
// Metadata.StageTimings as they complete; BatchSize/Input are pure
// in-memory scratch). Mirrors the teacher's JobInfo, which plays the same
// role for a stream-transcode run.
type JobExecution struct {
	Job

	mu           sync.Mutex
	stageStart   map[string]time.Time
	BatchSize    int
	CurrentAttempt map[string]int
}

// NewJobExecution seeds a JobExecution for job with the default batch size.
func NewJobExecution(job Job, defaultBatchSize int) *JobExecution {
	return &JobExecution{
		Job:            job,
		stageStart:     make(map[string]time.Time),
		BatchSize:      defaultBatchSize,
		CurrentAttempt: make(map[string]int),
	}
}

// StartStage records the wall-clock start of stage, used by FinishStage to
// compute the duration written into Metadata.StageTimings.
func (e *JobExecution) StartStage(stage string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stageStart[stage] = time.Now()
}

// FinishStage returns the duration since StartStage(stage) and records it
// onto the embedded Metadata.StageTimings. A stage finished without a
// matching StartStage records a zero duration rather than panicking.
func (e *JobExecution) FinishStage(stage string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	start, ok := e.stageStart[stage]
	var d time.Duration
	if ok {
		d = time.Since(start)
	}
	if e.Metadata.StageTimings == nil {
		e.Metadata.StageTimings = make(map[string]time.Duration)
	}
	e.Metadata.StageTimings[stage] = d
	return d
}

// SetBatchSize updates the in-flight batch size under lock, used by the
// memory-adaptive batching logic to halve/restore it between batches.
func (e *JobExecution) SetBatchSize(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.BatchSize = n
}

// GetBatchSize reads the in-flight batch size under lock.
func (e *JobExecution) GetBatchSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.BatchSize
}

// ClampProgress keeps Progress within [0,100].
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
