package model

import (
	"time"

	"github.com/chomusuke-mk/vidra/internal/docval"
)

// PersistedState is the serializable projection of a Job loaded at boot.
// The large externally versioned payloads (full options, logs, playlist
// entries) are referenced by version id rather than embedded.
type PersistedState struct {
	ID    string   `json:"id"`
	Owner string   `json:"owner,omitempty"`
	URLs  []string `json:"urls"`

	Status     JobStatus `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`

	Progress docval.Doc `json:"progress,omitempty"`

	Completed    []int                `json:"completed,omitempty"`
	Failed       []int                `json:"failed,omitempty"`
	PendingRetry []int                `json:"pending_retry,omitempty"`
	Removed      []int                `json:"removed,omitempty"`
	Selected     []int                `json:"selected,omitempty"`
	HasSelection bool                 `json:"has_selection,omitempty"`
	EntryErrors  []PlaylistEntryError `json:"entry_errors,omitempty"`
	TotalHint    int                  `json:"total_hint,omitempty"`

	GeneratedFiles []string `json:"generated_files,omitempty"`
	PartialFiles   []string `json:"partial_files,omitempty"`
	OutputFile     string   `json:"output_file,omitempty"`

	SelectionRequired bool `json:"selection_required,omitempty"`
	SelectionPending  bool `json:"selection_pending,omitempty"`

	OptionsVersion int64 `json:"options_version"`
	LogsVersion    int64 `json:"logs_version"`
	EntriesVersion int64 `json:"entries_version"`

	SavedAt time.Time `json:"saved_at"`
}

// ToPersisted builds the on-disk projection of the job. Caller holds the
// registry lock.
func (j *Job) ToPersisted() *PersistedState {
	return &PersistedState{
		ID:                j.ID,
		Owner:             j.Owner,
		URLs:              append([]string(nil), j.URLs...),
		Status:            j.Status,
		CreatedAt:         j.CreatedAt,
		StartedAt:         j.StartedAt,
		FinishedAt:        j.FinishedAt,
		LastError:         j.LastError,
		Progress:          j.Progress.Clone(),
		Completed:         j.Completed.Values(),
		Failed:            j.Failed.Values(),
		PendingRetry:      j.PendingRetry.Values(),
		Removed:           j.Removed.Values(),
		Selected:          j.Selected.Values(),
		HasSelection:      j.Selected != nil,
		EntryErrors:       j.EntryErrorList(),
		TotalHint:         j.TotalHint,
		GeneratedFiles:    append([]string(nil), j.GeneratedFiles...),
		PartialFiles:      append([]string(nil), j.PartialFiles...),
		OutputFile:        j.OutputFile,
		SelectionRequired: j.SelectionRequired,
		SelectionPending:  j.SelectionRequired && !j.SelectionReady.Released(),
		OptionsVersion:    j.OptionsVersion,
		LogsVersion:       j.LogsVersion,
		EntriesVersion:    j.EntriesVersion,
		SavedAt:           time.Now(),
	}
}

// JobFromPersisted rebuilds a Job from its on-disk projection, normalizing
// the status for a fresh process: in-flight states collapse to settled ones
// and a job that was still waiting on a selection restarts in STARTING.
func JobFromPersisted(ps *PersistedState) *Job {
	j := &Job{
		ID:                ps.ID,
		Owner:             ps.Owner,
		URLs:              append([]string(nil), ps.URLs...),
		Options:           docval.Doc{},
		Metadata:          docval.Doc{},
		Status:            ps.Status.NormalizeAfterCrash(),
		CreatedAt:         ps.CreatedAt,
		StartedAt:         ps.StartedAt,
		FinishedAt:        ps.FinishedAt,
		LastError:         ps.LastError,
		Progress:          ps.Progress.Clone(),
		Completed:         NewIndexSet(ps.Completed...),
		Failed:            NewIndexSet(ps.Failed...),
		PendingRetry:      NewIndexSet(ps.PendingRetry...),
		Removed:           NewIndexSet(ps.Removed...),
		EntryErrors:       make(map[int]*PlaylistEntryError, len(ps.EntryErrors)),
		TotalHint:         ps.TotalHint,
		GeneratedFiles:    append([]string(nil), ps.GeneratedFiles...),
		PartialFiles:      append([]string(nil), ps.PartialFiles...),
		OutputFile:        ps.OutputFile,
		SelectionRequired: ps.SelectionRequired,
		OptionsVersion:    ps.OptionsVersion,
		LogsVersion:       ps.LogsVersion,
		EntriesVersion:    ps.EntriesVersion,
		PreviewReady:      NewReleasedGate(),
		SelectionReady:    NewReleasedGate(),
		Logs:              NewLogRing(DefaultLogCapacity),
	}
	if j.Progress == nil {
		j.Progress = ProgressSnapshot{}
	}
	if ps.HasSelection {
		j.Selected = NewIndexSet(ps.Selected...)
	}
	for i := range ps.EntryErrors {
		e := ps.EntryErrors[i]
		j.EntryErrors[e.Index] = &e
	}
	if ps.SelectionPending {
		j.Status = StatusStarting
		j.SelectionReady.Rearm()
	} else if j.Status == StatusStarting {
		// A job interrupted before its worker ran has no held gate to act
		// on after restore; park it as FAILED so retry can relaunch it.
		j.Status = StatusFailed
		if j.LastError == "" {
			j.LastError = "interrupted before download started"
		}
	}
	return j
}
