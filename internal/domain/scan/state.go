package scan

import "fmt"

// JobState is the scheduler-side lifecycle state of a scan job.
type JobState string

const (
	JobCreated      JobState = "CREATED"
	JobReadyToStart JobState = "READY_TO_START"
	JobQueued       JobState = "QUEUED"
	JobRunning      JobState = "RUNNING"
	JobSuspended    JobState = "SUSPENDED"
	JobDone         JobState = "DONE"
	JobFailed       JobState = "FAILED"
	JobCanceled     JobState = "CANCELED"
)

// ExecutionState is the delegated-tier state of one product execution.
type ExecutionState string

const (
	ExecutionCreated  ExecutionState = "CREATED"
	ExecutionQueued   ExecutionState = "QUEUED"
	ExecutionRunning  ExecutionState = "RUNNING"
	ExecutionDone     ExecutionState = "DONE"
	ExecutionFailed   ExecutionState = "FAILED"
	ExecutionCanceled ExecutionState = "CANCELED"
)

func (s JobState) IsTerminal() bool {
	switch s {
	case JobDone, JobFailed, JobCanceled:
		return true
	}
	return false
}

func (s ExecutionState) IsTerminal() bool {
	switch s {
	case ExecutionDone, ExecutionFailed, ExecutionCanceled:
		return true
	}
	return false
}

var jobTransitions = map[JobState][]JobState{
	JobCreated:      {JobReadyToStart},
	JobReadyToStart: {JobQueued},
	JobQueued:       {JobRunning, JobSuspended},
	JobRunning:      {JobDone, JobFailed, JobSuspended},
	JobSuspended:    {JobQueued},
}

// CanTransition reports whether from -> to is a valid forward step.
// Re-applying the exact terminal state a job already has is allowed as a
// no-op, and CANCELED is reachable from every non-terminal state.
func CanTransition(from, to JobState) bool {
	if from.IsTerminal() {
		return from == to
	}
	if to == JobCanceled {
		return true
	}
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition turns an invalid step into an error callers can report.
func ValidateTransition(from, to JobState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
