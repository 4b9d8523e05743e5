package registry

import (
	"errors"
	"time"

	"github.com/chomusuke-mk/vidra/internal/docval"
	"github.com/chomusuke-mk/vidra/internal/events"
	"github.com/chomusuke-mk/vidra/internal/model"
	"github.com/chomusuke-mk/vidra/internal/playlist"
	"github.com/chomusuke-mk/vidra/internal/store"
)

// Cancel requests cancellation of a job. Already terminal jobs are a
// no-op reported with their current status. A job with a live worker moves
// to CANCELLING and the worker finishes the transition; without one the
// transition is immediate, and a job that never produced files is removed
// entirely.
func (r *Registry) Cancel(id string) Result {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return notFoundResult(id)
	}
	if job.Status.IsTerminal() {
		status := job.Status
		r.mu.Unlock()
		return okResult(id, status)
	}

	var evs []events.Event
	autoDelete := false
	if job.WorkerAlive {
		job.CancelRequested = true
		job.PauseRequested = false
		job.Status = model.StatusCancelling
		r.cancelPreviewLocked(id)
	} else {
		// Queued, paused or failed with no worker; nothing is running, so
		// settle immediately.
		job.CancelRequested = false
		job.PauseRequested = false
		job.Status = model.StatusCancelled
		job.FinishedAt = now()
		r.cancelPreviewLocked(id)
		if !job.HasArtifacts() {
			autoDelete = true
		}
	}
	if !autoDelete {
		r.persistStateLocked(job, true)
	}
	evs = append(evs, r.snapshotEventLocked(job), r.overviewEventLocked(job))
	status := job.Status
	r.mu.Unlock()

	r.publish(evs)
	if autoDelete {
		r.Delete(id)
	}
	r.updateStatusCounts()
	return okResult(id, status)
}

// CancelMany cancels a batch of jobs
func (r *Registry) CancelMany(ids []string) map[string]Result {
	out := make(map[string]Result, len(ids))
	for _, id := range ids {
		out[id] = r.Cancel(id)
	}
	return out
}

// CancelAll cancels every non-terminal job, optionally scoped to one owner
func (r *Registry) CancelAll(owner string) map[string]Result {
	r.mu.Lock()
	var ids []string
	for id, job := range r.jobs {
		if owner != "" && job.Owner != owner {
			continue
		}
		if !job.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()
	return r.CancelMany(ids)
}

// Pause requests a pause. Only pausable states accept it; the worker
// completes the PAUSING to PAUSED transition at its next safe point.
func (r *Registry) Pause(id string) Result {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return notFoundResult(id)
	}
	if !job.Status.CanPause() {
		status := job.Status
		r.mu.Unlock()
		return failResult(id, ReasonInvalidState, status)
	}

	job.PauseRequested = true
	job.Status = model.StatusPausing
	if !job.WorkerAlive {
		// No worker to observe the flag; settle immediately
		job.PauseRequested = false
		job.Status = model.StatusPaused
	}
	r.persistStateLocked(job, true)
	evs := []events.Event{r.snapshotEventLocked(job), r.overviewEventLocked(job)}
	status := job.Status
	r.mu.Unlock()

	r.publish(evs)
	r.updateStatusCounts()
	return okResult(id, status)
}

// Resume re-queues a paused or failed job. The next run skips already
// completed entries.
func (r *Registry) Resume(id string) Result {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return notFoundResult(id)
	}
	if !job.Status.CanResume() {
		status := job.Status
		r.mu.Unlock()
		return failResult(id, ReasonInvalidState, status)
	}

	job.Status = model.StatusQueued
	job.CancelRequested = false
	job.PauseRequested = false
	job.LastError = ""
	job.FinishedAt = time.Time{}
	r.persistStateLocked(job, true)
	evs := []events.Event{r.snapshotEventLocked(job), r.overviewEventLocked(job)}
	r.spawnWorkerLocked(job)
	status := job.Status
	r.mu.Unlock()

	r.publish(evs)
	r.updateStatusCounts()
	return okResult(id, status)
}

// Retry restarts a terminal job from scratch: tracking state is cleared and
// previously produced files are removed
func (r *Registry) Retry(id string) Result {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return notFoundResult(id)
	}
	if !job.Status.CanRetry() {
		status := job.Status
		r.mu.Unlock()
		return failResult(id, ReasonInvalidState, status)
	}

	files := append(append([]string(nil), job.GeneratedFiles...), job.PartialFiles...)
	job.ResetForRetry()
	job.Status = model.StatusQueued
	r.persistStateLocked(job, true)
	evs := []events.Event{r.snapshotEventLocked(job), r.overviewEventLocked(job)}
	r.spawnWorkerLocked(job)
	status := job.Status
	r.mu.Unlock()

	purgeFiles(files, r.log)
	r.publish(evs)
	r.updateStatusCounts()
	return okResult(id, status)
}

// RetryEntries retries specific failed playlist entries. All named indices
// must currently be failed; otherwise nothing changes.
func (r *Registry) RetryEntries(id string, indices []int) Result {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return notFoundResult(id)
	}
	if job.WorkerAlive {
		status := job.Status
		r.mu.Unlock()
		return failResult(id, ReasonJobActive, status)
	}
	if err := playlist.MarkPendingRetry(job, indices); err != nil {
		status := job.Status
		r.mu.Unlock()
		if errors.Is(err, playlist.ErrEntriesNotFailed) {
			return failResult(id, ReasonEntriesNotFailed, status)
		}
		return failResult(id, ReasonInvalidInput, status)
	}

	job.Status = model.StatusQueued
	job.CancelRequested = false
	job.PauseRequested = false
	job.LastError = ""
	job.FinishedAt = time.Time{}
	r.persistStateLocked(job, true)
	evs := []events.Event{r.snapshotEventLocked(job), r.playlistEventLocked(job)}
	r.spawnWorkerLocked(job)
	status := job.Status
	r.mu.Unlock()

	r.publish(evs)
	r.updateStatusCounts()
	return okResult(id, status)
}

// RetryEntriesByID retries failed playlist entries named by entry id
func (r *Registry) RetryEntriesByID(id string, entryIDs []string) Result {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return notFoundResult(id)
	}
	indices := playlist.IndicesForEntryIDs(job, entryIDs)
	r.mu.Unlock()
	if len(indices) == 0 {
		return failResult(id, ReasonInvalidInput, "")
	}
	return r.RetryEntries(id, indices)
}

// DeleteEntries removes playlist entries from a job's scope by index.
// Removal is a scope operation, not a file operation; already produced
// files stay on disk.
func (r *Registry) DeleteEntries(id string, indices []int) Result {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return notFoundResult(id)
	}
	if len(indices) == 0 {
		status := job.Status
		r.mu.Unlock()
		return failResult(id, ReasonInvalidInput, status)
	}
	playlist.RemoveEntries(job, indices)
	r.persistStateLocked(job, true)
	r.persistEntriesLocked(job)
	evs := []events.Event{r.playlistEventLocked(job)}
	status := job.Status
	r.mu.Unlock()

	r.publish(evs)
	return okResult(id, status)
}

// DeleteEntriesByID removes playlist entries by entry id. Unknown ids are
// skipped; a request resolving to nothing is rejected.
func (r *Registry) DeleteEntriesByID(id string, entryIDs []string) Result {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return notFoundResult(id)
	}
	indices := playlist.IndicesForEntryIDs(job, entryIDs)
	r.mu.Unlock()
	if len(indices) == 0 {
		return failResult(id, ReasonInvalidInput, "")
	}
	return r.DeleteEntries(id, indices)
}

// ApplySelection narrows a pending playlist job to a subset of entries and
// releases the worker waiting on it. If the worker already exited (for
// example after a restart), a new one is queued.
func (r *Registry) ApplySelection(id string, indices []int) Result {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return notFoundResult(id)
	}
	if job.Status.IsTerminal() {
		status := job.Status
		r.mu.Unlock()
		return failResult(id, ReasonInvalidState, status)
	}
	if err := playlist.ApplySelection(job, indices); err != nil {
		status := job.Status
		r.mu.Unlock()
		return failResult(id, ReasonInvalidInput, status)
	}

	if !job.WorkerAlive {
		job.Status = model.StatusQueued
		r.spawnWorkerLocked(job)
	}
	r.persistStateLocked(job, true)
	r.persistEntriesLocked(job)
	evs := []events.Event{r.snapshotEventLocked(job), r.playlistEventLocked(job)}
	status := job.Status
	r.mu.Unlock()

	r.publish(evs)
	r.updateStatusCounts()
	return okResult(id, status)
}

// GetPlaylist returns the full playlist view of one job
func (r *Registry) GetPlaylist(id string) (PlaylistSnapshot, Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return PlaylistSnapshot{}, notFoundResult(id)
	}
	return playlistSnapshotLocked(job), okResult(id, job.Status)
}

// GetEntries returns one page of playlist entries
func (r *Registry) GetEntries(id string, offset, limit int) (EntriesPage, Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return EntriesPage{}, notFoundResult(id)
	}
	all := entryDocsLocked(job)
	if offset < 0 {
		offset = 0
	}
	if offset > len(all) {
		offset = len(all)
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	page := make([]docval.Doc, 0, end-offset)
	for _, e := range all[offset:end] {
		page = append(page, e.Clone())
	}
	return EntriesPage{
		JobID:   id,
		Entries: page,
		Offset:  offset,
		Total:   len(all),
		Version: job.EntriesVersion,
	}, okResult(id, job.Status)
}

// GetOptions returns the job's option document and its version
func (r *Registry) GetOptions(id string) (docval.Doc, int64, Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, 0, notFoundResult(id)
	}
	return job.Options.Clone(), job.OptionsVersion, okResult(id, job.Status)
}

// OptionsDelta answers "anything newer than version X?" for the options
// document with either a noop or the full document
func (r *Registry) OptionsDelta(id string, sinceVersion int64) (store.Delta, Result) {
	return r.delta(id, sinceVersion, r.store.OptionsSince)
}

// LogsDelta answers "anything newer than version X?" for the log document
func (r *Registry) LogsDelta(id string, sinceVersion int64) (store.Delta, Result) {
	return r.delta(id, sinceVersion, r.store.LogsSince)
}

// EntriesDelta answers "anything newer than version X?" for the playlist
// entries document
func (r *Registry) EntriesDelta(id string, sinceVersion int64) (store.Delta, Result) {
	return r.delta(id, sinceVersion, r.store.EntriesSince)
}

func (r *Registry) delta(id string, sinceVersion int64, since func(string, int64) (store.Delta, error)) (store.Delta, Result) {
	r.mu.Lock()
	_, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return store.Delta{}, notFoundResult(id)
	}
	if r.store == nil {
		return store.Delta{}, failResult(id, ReasonInvalidState, "")
	}
	d, err := since(id, sinceVersion)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Delta{}, notFoundResult(id)
		}
		r.log.Error("delta read failed", "job_id", id, "error", err)
		return store.Delta{}, failResult(id, ReasonInvalidState, "")
	}
	return d, okResult(id, "")
}

// GetLogs returns the in-memory log ring of one job
func (r *Registry) GetLogs(id string) ([]model.LogEntry, Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, notFoundResult(id)
	}
	return job.Logs.Snapshot(), okResult(id, job.Status)
}

// playlistSnapshotLocked builds the full playlist view; caller holds the
// lock
func playlistSnapshotLocked(job *model.Job) PlaylistSnapshot {
	all := entryDocsLocked(job)
	entries := make([]docval.Doc, 0, len(all))
	for _, e := range all {
		entries = append(entries, e.Clone())
	}
	return PlaylistSnapshot{
		JobID:          job.ID,
		Entries:        entries,
		EntriesVersion: job.EntriesVersion,
		Completed:      job.Completed.Values(),
		Failed:         job.Failed.Values(),
		PendingRetry:   job.PendingRetry.Values(),
		Removed:        job.Removed.Values(),
		Selected:       job.Selected.Values(),
		HasSelection:   job.Selected != nil,
		EntryErrors:    job.EntryErrorList(),
		TotalItems:     playlist.TotalItems(job),
		ActiveIndex:    job.ActiveIndex,
	}
}

// playlistEventLocked builds a playlist_progress event; caller holds the
// lock
func (r *Registry) playlistEventLocked(job *model.Job) events.Event {
	return events.Event{
		Type:  events.TypePlaylistProgress,
		JobID: job.ID,
		Payload: docval.Doc{
			"completed":     job.Completed.Values(),
			"failed":        job.Failed.Values(),
			"pending_retry": job.PendingRetry.Values(),
			"removed":       job.Removed.Values(),
			"total_items":   playlist.TotalItems(job),
		},
	}
}
