// Package playlist maintains the per-entry bookkeeping of a playlist job:
// which indices completed, failed, await a retry or were removed, which
// entry is active, and how to resume a partially finished run. All functions
// operate on the job under the registry lock.
package playlist

import (
	"errors"
	"strings"
	"time"

	"github.com/chomusuke-mk/vidra/internal/docval"
	"github.com/chomusuke-mk/vidra/internal/model"
)

// ErrEmptySelection is returned when a selection contains no valid indices
var ErrEmptySelection = errors.New("playlist: selection is empty")

// ErrEntriesNotFailed is returned when an entry retry names indices that are
// not currently failed
var ErrEntriesNotFailed = errors.New("playlist: entries are not in a failed state")

// Update describes what one progress observation changed, so the registry
// can emit the matching events after releasing its lock
type Update struct {
	NewlyCompleted []int
	NewlyFailed    []int
	Reopened       []int
}

// Changed reports whether the observation moved any entry
func (u Update) Changed() bool {
	return len(u.NewlyCompleted) > 0 || len(u.NewlyFailed) > 0 || len(u.Reopened) > 0
}

// Observe reconciles one merged progress snapshot against the job's entry
// sets. prev is the snapshot before the merge; merged is the new one.
func Observe(job *model.Job, prev, merged model.ProgressSnapshot, now time.Time) Update {
	var update Update

	enforceSelection(job)

	newIndex := activeIndexOf(merged)
	newEntryID, _ := merged.FirstString(model.PKPlaylistEntryID, model.PKEntryID, model.PKVideoID)

	// An index switch without an explicit completion signal settles the
	// prior entry first.
	if job.ActiveIndex != 0 && newIndex != 0 && newIndex != job.ActiveIndex {
		prevStatus, _ := prev.String(model.PKStatus)
		update = settleEntry(job, job.ActiveIndex, prevStatus, now, update)
		job.ActiveIndex = 0
		job.ActiveEntryID = ""
	}

	if newIndex != 0 && newIndex != job.ActiveIndex {
		if job.Completed.Has(newIndex) || job.Failed.Has(newIndex) {
			// The entry re-entered the active position after being settled:
			// the user asked for a re-download, so its old outcome is void.
			job.Completed.Remove(newIndex)
			job.Failed.Remove(newIndex)
			job.ClearEntryError(newIndex)
			update.Reopened = append(update.Reopened, newIndex)
		}
		job.ActiveIndex = newIndex
		job.ActiveEntryID = newEntryID
	} else if newIndex != 0 && newEntryID != "" {
		job.ActiveEntryID = newEntryID
	}

	// Explicit completion of the active entry.
	stage, _ := merged.String(model.PKStage)
	status, _ := merged.String(model.PKStatus)
	if strings.ToUpper(stage) == model.StageCompleted && !model.IsFailureStatus(status) && job.ActiveIndex != 0 {
		if markCompleted(job, job.ActiveIndex) {
			update.NewlyCompleted = append(update.NewlyCompleted, job.ActiveIndex)
		}
		// No entry is active between items.
		job.ActiveIndex = 0
		job.ActiveEntryID = ""
	}

	ApplyTotals(job, merged)
	return update
}

// Settle closes out the active entry at the end of a run using the last
// observed hook status. With an explicit completion already processed the
// active index is zero and this is a no-op.
func Settle(job *model.Job, lastStatus string, now time.Time) Update {
	var update Update
	if job.ActiveIndex == 0 {
		return update
	}
	update = settleEntry(job, job.ActiveIndex, lastStatus, now, update)
	job.ActiveIndex = 0
	job.ActiveEntryID = ""
	return update
}

// settleEntry decides the outcome of an entry the engine moved past without
// an explicit completion signal. A failure-classified status marks it
// failed; anything else is treated as an implicit completion: the engine
// moved on, so assume success. This inference is best effort: an entry the
// engine skipped over a merely-logged error is indistinguishable from one it
// finished silently. It is kept in this one function so a tighter engine
// contract can replace it.
func settleEntry(job *model.Job, index int, status string, now time.Time, update Update) Update {
	if model.IsFailureStatus(status) {
		entryID, url := EntryInfo(job, index)
		if entryID == "" {
			entryID = job.ActiveEntryID
		}
		message := job.Progress.StringOr(model.PKMessage, "entry failed")
		if markFailed(job, index, entryID, url, message, status, now) {
			update.NewlyFailed = append(update.NewlyFailed, index)
		}
		return update
	}
	if markCompleted(job, index) {
		update.NewlyCompleted = append(update.NewlyCompleted, index)
	}
	return update
}

// markCompleted moves an index into the completed set, returning true the
// first time it lands there
func markCompleted(job *model.Job, index int) bool {
	if !isInScope(job, index) {
		return false
	}
	already := job.Completed.Has(index)
	job.Completed.Add(index)
	job.Failed.Remove(index)
	job.PendingRetry.Remove(index)
	job.ClearEntryError(index)
	return !already
}

// markFailed moves an index into the failed set, recording its error
func markFailed(job *model.Job, index int, entryID, url, message, lastStatus string, now time.Time) bool {
	if !isInScope(job, index) {
		return false
	}
	already := job.Failed.Has(index)
	job.Failed.Add(index)
	job.Completed.Remove(index)
	job.PendingRetry.Remove(index)
	job.RecordEntryError(index, entryID, url, message, lastStatus, now)
	return !already
}

// isInScope reports whether an index may be tracked: inside the selection if
// one exists, and not removed
func isInScope(job *model.Job, index int) bool {
	if job.Removed.Has(index) {
		return false
	}
	if job.Selected != nil && !job.Selected.Has(index) {
		return false
	}
	return true
}

// enforceSelection intersects every tracking set with the selection so stale
// indices from before the selection never count
func enforceSelection(job *model.Job) {
	if job.Selected == nil {
		return
	}
	job.Completed.RetainOnly(job.Selected)
	job.Failed.RetainOnly(job.Selected)
	job.PendingRetry.RetainOnly(job.Selected)
	job.Removed.RetainOnly(job.Selected)
	for index := range job.EntryErrors {
		if !job.Selected.Has(index) {
			delete(job.EntryErrors, index)
		}
	}
}

// ApplyTotals recomputes the playlist progress figures into the snapshot
func ApplyTotals(job *model.Job, snap model.ProgressSnapshot) {
	total := TotalItems(job)
	completed := job.Completed.Len()

	snap[model.PKPlaylistTotalItems] = float64(total)
	snap[model.PKPlaylistCompletedItems] = float64(completed)
	pending := total - completed
	if pending < 0 {
		pending = 0
	}
	snap[model.PKPlaylistPendingItems] = float64(pending)
	if total > 0 {
		snap[model.PKPlaylistPercent] = model.ClampPercent(float64(completed) / float64(total) * 100)
	} else {
		snap[model.PKPlaylistPercent] = 0.0
	}
	if job.ActiveIndex != 0 {
		snap[model.PKPlaylistIndex] = float64(job.ActiveIndex)
		if job.ActiveEntryID != "" {
			snap[model.PKPlaylistEntryID] = job.ActiveEntryID
		}
	}
}

// TotalItems returns the number of entries the run operates on: the
// effective selection size when one can be computed, otherwise the best
// available hint
func TotalItems(job *model.Job) int {
	if s := job.EffectiveSelection(); s != nil {
		return s.Len()
	}
	total := job.TotalHint - job.Removed.Len()
	if total < 0 {
		total = 0
	}
	return total
}

// activeIndexOf extracts the playlist index from a snapshot
func activeIndexOf(snap model.ProgressSnapshot) int {
	if idx, ok := snap.Int(model.PKPlaylistIndex); ok && idx > 0 {
		return int(idx)
	}
	return 0
}

// EntryInfo looks up the entry id and url of an index in the playlist
// metadata
func EntryInfo(job *model.Job, index int) (entryID, url string) {
	playlistMeta, ok := job.Metadata.Sub(model.MKPlaylist)
	if !ok {
		return "", ""
	}
	entries, ok := playlistMeta.Slice(model.MKEntries)
	if !ok {
		return "", ""
	}
	for _, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		doc := docval.Doc(entry)
		if idx, ok := doc.Int(model.EKIndex); ok && int(idx) == index {
			return doc.StringOr(model.EKID, ""), doc.StringOr(model.EKURL, "")
		}
	}
	return "", ""
}

// ApplySelection stores a new selection subset, reconciles the tracking sets
// and releases the selection gate. The caller re-queues the job if no worker
// is alive.
func ApplySelection(job *model.Job, indices []int) error {
	selected := model.NewIndexSet()
	for _, i := range indices {
		if i > 0 {
			selected.Add(i)
		}
	}
	if selected.Len() == 0 {
		return ErrEmptySelection
	}
	job.Selected = selected
	job.SelectionRequired = false
	enforceSelection(job)
	job.TotalHint = bestCountHint(job)
	job.SelectionReady.Release()
	return nil
}

// bestCountHint recomputes the entry count hint from metadata after a
// selection or preview change
func bestCountHint(job *model.Job) int {
	playlistMeta, ok := job.Metadata.Sub(model.MKPlaylist)
	if !ok {
		return job.TotalHint
	}
	if count, ok := playlistMeta.Int(model.MKCount); ok && count > 0 {
		return int(count)
	}
	if received, ok := playlistMeta.Int(model.MKReceived); ok && received > 0 {
		return int(received)
	}
	return job.TotalHint
}

// MarkPendingRetry moves previously failed indices into the pending-retry
// set. Indices that are not currently failed reject the whole command.
func MarkPendingRetry(job *model.Job, indices []int) error {
	for _, i := range indices {
		if !job.Failed.Has(i) {
			return ErrEntriesNotFailed
		}
	}
	for _, i := range indices {
		job.Failed.Remove(i)
		job.PendingRetry.Add(i)
	}
	return nil
}

// RemoveEntries marks indices as removed and clears them from every other
// tracking set and error record
func RemoveEntries(job *model.Job, indices []int) {
	for _, i := range indices {
		if job.Selected != nil && !job.Selected.Has(i) {
			continue
		}
		job.Removed.Add(i)
		job.Completed.Remove(i)
		job.Failed.Remove(i)
		job.PendingRetry.Remove(i)
		job.ClearEntryError(i)
	}
}

// IndicesForEntryIDs resolves entry ids to playlist indices via the
// playlist metadata; unknown ids are skipped
func IndicesForEntryIDs(job *model.Job, entryIDs []string) []int {
	playlistMeta, ok := job.Metadata.Sub(model.MKPlaylist)
	if !ok {
		return nil
	}
	entries, ok := playlistMeta.Slice(model.MKEntries)
	if !ok {
		return nil
	}
	wanted := make(map[string]struct{}, len(entryIDs))
	for _, id := range entryIDs {
		wanted[id] = struct{}{}
	}
	var out []int
	for _, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		doc := docval.Doc(entry)
		id := doc.StringOr(model.EKID, "")
		if _, hit := wanted[id]; !hit {
			continue
		}
		if idx, ok := doc.Int(model.EKIndex); ok && idx > 0 {
			out = append(out, int(idx))
		}
	}
	return out
}
