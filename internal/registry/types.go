package registry

import (
	"time"

	"github.com/chomusuke-mk/vidra/internal/docval"
	"github.com/chomusuke-mk/vidra/internal/model"
)

// Command result reasons returned to the transport layer
const (
	ReasonNotFound         = "not_found"
	ReasonInvalidState     = "invalid_state"
	ReasonJobActive        = "job_active"
	ReasonEntriesNotFailed = "entries_not_failed"
	ReasonInvalidInput     = "invalid_input"
)

// Result is the small status/reason payload every command returns. Commands
// never panic or throw; an ineligible state is reported here.
type Result struct {
	OK     bool            `json:"ok"`
	Reason string          `json:"reason,omitempty"`
	Status model.JobStatus `json:"status,omitempty"`
	JobID  string          `json:"job_id,omitempty"`
}

func okResult(jobID string, status model.JobStatus) Result {
	return Result{OK: true, Status: status, JobID: jobID}
}

func failResult(jobID, reason string, status model.JobStatus) Result {
	return Result{OK: false, Reason: reason, Status: status, JobID: jobID}
}

func notFoundResult(jobID string) Result {
	return Result{OK: false, Reason: ReasonNotFound, JobID: jobID}
}

// CreateRequest describes a new job submission
type CreateRequest struct {
	URLs    []string   `json:"urls"`
	Options docval.Doc `json:"options,omitempty"`
	Owner   string     `json:"owner,omitempty"`
}

// ListFilter narrows a job listing
type ListFilter struct {
	Status model.JobStatus
	Owner  string
}

// JobView is the copy-safe external projection of a job. Internal
// collections are never exposed by reference.
type JobView struct {
	ID    string   `json:"id"`
	Owner string   `json:"owner,omitempty"`
	URLs  []string `json:"urls"`

	Status     model.JobStatus `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
	LastError  string          `json:"last_error,omitempty"`

	Progress docval.Doc `json:"progress,omitempty"`

	Completed    []int                      `json:"completed,omitempty"`
	Failed       []int                      `json:"failed,omitempty"`
	PendingRetry []int                      `json:"pending_retry,omitempty"`
	Removed      []int                      `json:"removed,omitempty"`
	Selected     []int                      `json:"selected,omitempty"`
	HasSelection bool                       `json:"has_selection,omitempty"`
	EntryErrors  []model.PlaylistEntryError `json:"entry_errors,omitempty"`
	TotalItems   int                        `json:"total_items,omitempty"`

	OutputFile        string `json:"output_file,omitempty"`
	SelectionRequired bool   `json:"selection_required,omitempty"`

	OptionsVersion int64 `json:"options_version"`
	LogsVersion    int64 `json:"logs_version"`
	EntriesVersion int64 `json:"entries_version"`
}

// PlaylistSnapshot is the full playlist view of one job
type PlaylistSnapshot struct {
	JobID          string                     `json:"job_id"`
	Entries        []docval.Doc               `json:"entries"`
	EntriesVersion int64                      `json:"entries_version"`
	Completed      []int                      `json:"completed"`
	Failed         []int                      `json:"failed"`
	PendingRetry   []int                      `json:"pending_retry"`
	Removed        []int                      `json:"removed"`
	Selected       []int                      `json:"selected,omitempty"`
	HasSelection   bool                       `json:"has_selection"`
	EntryErrors    []model.PlaylistEntryError `json:"entry_errors,omitempty"`
	TotalItems     int                        `json:"total_items"`
	ActiveIndex    int                        `json:"active_index,omitempty"`
}

// EntriesPage is one page of playlist entries
type EntriesPage struct {
	JobID   string       `json:"job_id"`
	Entries []docval.Doc `json:"entries"`
	Offset  int          `json:"offset"`
	Total   int          `json:"total"`
	Version int64        `json:"version"`
}
