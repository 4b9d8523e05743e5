package model

// JobStatus represents the lifecycle state of a download job
type JobStatus string

const (
	// StatusQueued means the job is waiting for a worker slot
	StatusQueued JobStatus = "QUEUED"

	// StatusStarting means the job was created and preview collection is running
	StatusStarting JobStatus = "STARTING"

	// StatusRunning means a worker is driving the engine for this job
	StatusRunning JobStatus = "RUNNING"

	// StatusRetrying means a retry was requested and the job is restarting
	StatusRetrying JobStatus = "RETRYING"

	// StatusPausing means a pause was requested but the worker has not yet observed it
	StatusPausing JobStatus = "PAUSING"

	// StatusPaused means the worker stopped at a safe point and partial files were kept
	StatusPaused JobStatus = "PAUSED"

	// StatusCancelling means a cancel was requested but the worker has not yet observed it
	StatusCancelling JobStatus = "CANCELLING"

	// StatusCancelled means the job was cancelled by the user
	StatusCancelled JobStatus = "CANCELLED"

	// StatusFailed means the engine reported an unrecoverable error
	StatusFailed JobStatus = "FAILED"

	// StatusCompleted means every selected entry finished successfully
	StatusCompleted JobStatus = "COMPLETED"

	// StatusCompletedWithErrors means the run finished but some entries failed
	// or error-level log lines were recorded
	StatusCompletedWithErrors JobStatus = "COMPLETED_WITH_ERRORS"
)

// String returns the string representation of JobStatus
func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal returns true when no further progress will occur without an
// explicit retry or resume command
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCancelled, StatusFailed, StatusCompleted, StatusCompletedWithErrors:
		return true
	}
	return false
}

// IsActive returns true while a worker may still be attached to the job
func (s JobStatus) IsActive() bool {
	switch s {
	case StatusQueued, StatusStarting, StatusRunning, StatusRetrying, StatusPausing, StatusCancelling:
		return true
	}
	return false
}

// CanPause returns true if a pause command is meaningful in this state
func (s JobStatus) CanPause() bool {
	switch s {
	case StatusRunning, StatusStarting, StatusQueued, StatusRetrying:
		return true
	}
	return false
}

// CanResume returns true if a resume command is meaningful in this state
func (s JobStatus) CanResume() bool {
	return s == StatusPaused || s == StatusFailed
}

// CanRetry returns true if a full retry is meaningful in this state
func (s JobStatus) CanRetry() bool {
	return s.IsTerminal()
}

// NormalizeAfterCrash maps a status loaded from disk at boot to the state a
// restarted process can honestly claim. In-flight states collapse to the
// nearest settled one because the worker that owned them is gone.
func (s JobStatus) NormalizeAfterCrash() JobStatus {
	switch s {
	case StatusRunning, StatusRetrying:
		return StatusFailed
	case StatusPausing:
		return StatusPaused
	case StatusCancelling:
		return StatusCancelled
	case StatusQueued, StatusStarting:
		return StatusStarting
	}
	return s
}
