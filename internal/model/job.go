package model

import (
	"time"

	"github.com/chomusuke-mk/vidra/internal/docval"
)

// Job is the aggregate root for one download: identity, engine options,
// status, progress, playlist tracking and control signals. Every mutable
// field is guarded by the registry lock; only the gates synchronize
// themselves, because workers block on them with the lock released.
type Job struct {
	ID    string
	Owner string
	URLs  []string

	// Options is the opaque option blob passed through to the engine.
	// Metadata holds the preview and playlist sub-documents.
	Options  docval.Doc
	Metadata docval.Doc

	Status     JobStatus
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	LastError  string

	Progress ProgressSnapshot

	// Playlist tracking. Selected nil means "all entries".
	Completed     IndexSet
	Failed        IndexSet
	PendingRetry  IndexSet
	Removed       IndexSet
	Selected      IndexSet
	EntryErrors   map[int]*PlaylistEntryError
	TotalHint     int
	ActiveIndex   int // 0 = no entry active (indices are 1-based)
	ActiveEntryID string

	// File tracking
	GeneratedFiles []string
	PartialFiles   []string
	OutputFile     string

	// Control signals
	CancelRequested   bool
	PauseRequested    bool
	SelectionRequired bool
	PreviewReady      *Gate
	SelectionReady    *Gate

	// Version counters for the externally stored documents
	OptionsVersion int64
	LogsVersion    int64
	EntriesVersion int64

	Logs *LogRing

	// WorkerAlive is true while a worker owns this job. RunSeq increments on
	// every worker spawn so a superseded worker can detect it was replaced.
	WorkerAlive bool
	RunSeq      uint64
}

// NewJob creates a job in STARTING state with armed control gates
func NewJob(id string, urls []string, options docval.Doc, owner string) *Job {
	now := time.Now()
	return &Job{
		ID:             id,
		Owner:          owner,
		URLs:           urls,
		Options:        options.Clone(),
		Metadata:       docval.Doc{},
		Status:         StatusStarting,
		CreatedAt:      now,
		Progress:       ProgressSnapshot{},
		Completed:      NewIndexSet(),
		Failed:         NewIndexSet(),
		PendingRetry:   NewIndexSet(),
		Removed:        NewIndexSet(),
		EntryErrors:    make(map[int]*PlaylistEntryError),
		PreviewReady:   NewGate(),
		SelectionReady: NewReleasedGate(),
		Logs:           NewLogRing(DefaultLogCapacity),
	}
}

// ResetForRetry clears run state ahead of a full retry: playlist tracking,
// progress, error records and control flags. Options, metadata and the
// preview result are kept.
func (j *Job) ResetForRetry() {
	j.Completed = NewIndexSet()
	j.Failed = NewIndexSet()
	j.PendingRetry = NewIndexSet()
	j.EntryErrors = make(map[int]*PlaylistEntryError)
	j.Progress = ProgressSnapshot{}
	j.LastError = ""
	j.ActiveIndex = 0
	j.ActiveEntryID = ""
	j.GeneratedFiles = nil
	j.PartialFiles = nil
	j.OutputFile = ""
	j.CancelRequested = false
	j.PauseRequested = false
	j.StartedAt = time.Time{}
	j.FinishedAt = time.Time{}
	j.Logs.ResetErrorCount()
}

// EffectiveSelection returns the set of indices a run operates on: the
// stored selection minus removed entries, or nil when everything is in scope
func (j *Job) EffectiveSelection() IndexSet {
	if j.Selected == nil {
		if j.Removed.Len() == 0 {
			return nil
		}
		if j.TotalHint <= 0 {
			return nil
		}
		s := NewIndexSet()
		for i := 1; i <= j.TotalHint; i++ {
			if !j.Removed.Has(i) {
				s.Add(i)
			}
		}
		return s
	}
	s := j.Selected.Clone()
	for i := range j.Removed {
		s.Remove(i)
	}
	return s
}

// RecordEntryError stores or replaces the failure record for an index
func (j *Job) RecordEntryError(index int, entryID, url, message, lastStatus string, at time.Time) {
	j.EntryErrors[index] = &PlaylistEntryError{
		Index:      index,
		EntryID:    entryID,
		URL:        url,
		Message:    message,
		RecordedAt: at,
		LastStatus: lastStatus,
	}
}

// ClearEntryError removes the failure record for an index, if any
func (j *Job) ClearEntryError(index int) {
	delete(j.EntryErrors, index)
}

// HasArtifacts reports whether the job has produced any files on disk
func (j *Job) HasArtifacts() bool {
	return len(j.GeneratedFiles) > 0 || len(j.PartialFiles) > 0 || j.OutputFile != ""
}

// EntryErrorList returns the entry error records ordered by index
func (j *Job) EntryErrorList() []PlaylistEntryError {
	indices := make(IndexSet, len(j.EntryErrors))
	for i := range j.EntryErrors {
		indices.Add(i)
	}
	out := make([]PlaylistEntryError, 0, len(j.EntryErrors))
	for _, i := range indices.Values() {
		out = append(out, *j.EntryErrors[i])
	}
	return out
}
