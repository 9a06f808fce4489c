package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the lifecycle milestone an Event reports.
type Stage string

// Supported progress stages.
const (
	StageJobStart    Stage = "JOB_START"
	StageJobDone     Stage = "JOB_DONE"
	StageJobError    Stage = "JOB_ERROR"
	StageTaskStart   Stage = "TASK_START"
	StageTaskDone    Stage = "TASK_DONE"
	StageTaskError   Stage = "TASK_ERROR"
	StageSourceDone  Stage = "SOURCE_DONE"
	StageSourceError Stage = "SOURCE_ERROR"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Status classes tracked for task completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is one lifecycle milestone.
type Event struct {
	TS       time.Time
	Stage    Stage
	JobID    string
	TaskID   string
	TenantID string
	SourceID string
	// Site is the host a task fetched; it labels fetch metrics.
	Site        string
	URL         string
	StatusClass StatusClass
	// Chunks is the number of chunks committed for a source.
	Chunks int
	Dur    time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate checks that the identifiers a stage needs are present.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError:
		if e.JobID == "" {
			return errors.New("job events require job id")
		}
	case StageTaskStart, StageTaskDone, StageTaskError:
		if e.JobID == "" || e.TaskID == "" {
			return errors.New("task events require job and task id")
		}
	case StageSourceDone, StageSourceError:
		if e.SourceID == "" {
			return errors.New("source events require source id")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}

// Nop discards events. Components default to it when no hub is wired.
type Nop struct{}

// Emit drops evt.
func (Nop) Emit(Event) {}
