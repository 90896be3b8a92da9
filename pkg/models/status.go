// Package models contains shared data models used across the promptbatch codebase.
package models

// JobStatus is the lifecycle state of a Job. Transitions are validated against
// the allowed-transition table below; illegal transitions are rejected, never
// silently applied.
type JobStatus string

const (
	JobPendingValidation   JobStatus = "pending_validation"
	JobValidating          JobStatus = "validating"
	JobValidated           JobStatus = "validated"
	JobValidationFailed    JobStatus = "validation_failed"
	JobSubmitted           JobStatus = "submitted"
	JobInsufficientCredits JobStatus = "insufficient_credits"
	JobProcessing          JobStatus = "processing"
	JobPendingOutput       JobStatus = "pending_output"
	JobGeneratingOutput    JobStatus = "generating_output"
	JobCompleted           JobStatus = "completed"
	JobCompletedWithErrors JobStatus = "completed_with_errors"
	JobFailed              JobStatus = "failed"
	JobCancelled           JobStatus = "cancelled"
)

// jobTransitions is the forward edge set of the job state machine.
// Cancellation and forced failure are handled by Terminal(), not listed here.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPendingValidation: {JobValidating},
	JobValidating:        {JobValidated, JobValidationFailed},
	JobValidated:         {JobSubmitted, JobInsufficientCredits},
	JobSubmitted:         {JobProcessing},
	JobProcessing:        {JobPendingOutput},
	JobPendingOutput:     {JobGeneratingOutput},
	JobGeneratingOutput:  {JobCompleted, JobCompletedWithErrors, JobFailed},
}

// Terminal reports whether the status accepts no further transitions.
// A terminal job discards late-arriving task completions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobCompletedWithErrors, JobFailed,
		JobInsufficientCredits, JobCancelled, JobValidationFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> next is a legal job transition.
// Any non-terminal state may move to cancelled; any in-flight state may be
// forced to failed on unrecoverable internal error.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == JobCancelled || next == JobFailed {
		return true
	}
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TaskStatus is the lifecycle state of a JobTask. The observed sequence for a
// task is always a subsequence of submitted -> processing -> {completed|failed}.
type TaskStatus string

const (
	TaskSubmitted  TaskStatus = "submitted"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether the task reached a final status.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// CanTransitionTo reports whether s -> next is a legal task transition.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskSubmitted:
		return next == TaskProcessing
	case TaskProcessing:
		return next == TaskCompleted || next == TaskFailed
	}
	return false
}
