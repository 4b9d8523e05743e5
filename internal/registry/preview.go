package registry

import (
	"context"

	"github.com/chomusuke-mk/vidra/internal/docval"
	"github.com/chomusuke-mk/vidra/internal/engine"
	"github.com/chomusuke-mk/vidra/internal/events"
	"github.com/chomusuke-mk/vidra/internal/model"
)

// entriesPersistBatch is how many discovered entries accumulate before the
// entries document is rewritten mid-preview
const entriesPersistBatch = 25

// spawnPreviewLocked starts the metadata preview goroutine; caller holds
// the lock
func (r *Registry) spawnPreviewLocked(job *model.Job) {
	if r.closed || r.eng == nil {
		job.PreviewReady.Release()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.previewCancels[job.ID] = cancel
	r.wg.Add(1)
	go r.runPreview(ctx, job)
}

// cancelPreviewLocked aborts a running preview, if any; caller holds the
// lock
func (r *Registry) cancelPreviewLocked(id string) {
	if cancel, ok := r.previewCancels[id]; ok {
		cancel()
		delete(r.previewCancels, id)
	}
}

// runPreview performs the metadata-only enumeration for a job. Entries are
// folded into the playlist sub-document as they arrive; when enough of them
// show up without an explicit entry selection in the options, the job is
// held for one and the selection gate re-arms. The preview gate is always
// released at the end, success or not, so the worker never deadlocks.
func (r *Registry) runPreview(ctx context.Context, job *model.Job) {
	defer r.wg.Done()
	r.metrics.PreviewStarted()
	defer r.metrics.PreviewStopped()

	r.mu.Lock()
	urls := append([]string(nil), job.URLs...)
	options := job.Options.Clone()
	r.mu.Unlock()

	sinceFlush := 0
	onEntry := func(entry docval.Doc) {
		r.mu.Lock()
		if _, ok := r.jobs[job.ID]; !ok {
			// Job was deleted mid-preview; never write its documents back.
			r.mu.Unlock()
			return
		}
		received := appendEntryLocked(job, entry)
		if received > job.TotalHint {
			job.TotalHint = received
		}
		holdNow := received > 1 && !job.SelectionRequired && selectionPossibleLocked(job)
		if holdNow {
			job.SelectionRequired = true
			job.SelectionReady.Rearm()
		}
		sinceFlush++
		flush := sinceFlush >= entriesPersistBatch
		if flush {
			sinceFlush = 0
			r.persistEntriesLocked(job)
		}
		if holdNow {
			r.persistStateLocked(job, true)
		}
		ev := events.Event{
			Type:    events.TypeEntryDiscovered,
			JobID:   job.ID,
			Payload: entry.Clone(),
		}
		r.mu.Unlock()
		r.events.Publish(ev)
	}

	meta, err := r.eng.ExtractMetadata(ctx, urls, options, onEntry)

	r.mu.Lock()
	r.cancelPreviewLocked(job.ID)
	if _, ok := r.jobs[job.ID]; !ok {
		job.PreviewReady.Release()
		r.mu.Unlock()
		return
	}
	payload := docval.Doc{}
	if err != nil {
		job.Logs.Append(model.LogLevelWarning, "metadata preview failed: "+err.Error(), now())
		payload["error"] = err.Error()
	} else if meta != nil {
		job.Metadata[model.MKPreview] = map[string]any{
			model.MKTitle:      meta.Title,
			model.MKExtractor:  meta.Extractor,
			model.MKIsPlaylist: meta.IsPlaylist,
			model.MKCount:      meta.EntryCount,
		}
		setPlaylistCountLocked(job, meta.EntryCount)
		if meta.EntryCount > job.TotalHint {
			job.TotalHint = meta.EntryCount
		}
		if meta.EntryCount > 1 && !job.SelectionRequired && selectionPossibleLocked(job) {
			job.SelectionRequired = true
			job.SelectionReady.Rearm()
		}
		payload["count"] = meta.EntryCount
		payload["is_playlist"] = meta.IsPlaylist
		payload["title"] = meta.Title
	}
	payload["selection_required"] = job.SelectionRequired
	job.PreviewReady.Release()
	r.persistEntriesLocked(job)
	r.persistStateLocked(job, true)
	ev := events.Event{
		Type:    events.TypeEnumerationEnded,
		JobID:   job.ID,
		Payload: payload,
	}
	r.mu.Unlock()
	r.events.Publish(ev)
}

// appendEntryLocked stores one discovered entry in the playlist
// sub-document and returns the received count; caller holds the lock
func appendEntryLocked(job *model.Job, entry docval.Doc) int {
	playlistMeta, ok := job.Metadata.Sub(model.MKPlaylist)
	if !ok {
		playlistMeta = docval.Doc{}
		job.Metadata[model.MKPlaylist] = map[string]any(playlistMeta)
	}
	list, _ := playlistMeta.Slice(model.MKEntries)
	list = append(list, map[string]any(entry.Clone()))
	playlistMeta[model.MKEntries] = list
	playlistMeta[model.MKReceived] = len(list)
	return len(list)
}

// setPlaylistCountLocked records the authoritative entry count; caller
// holds the lock
func setPlaylistCountLocked(job *model.Job, count int) {
	playlistMeta, ok := job.Metadata.Sub(model.MKPlaylist)
	if !ok {
		playlistMeta = docval.Doc{}
		job.Metadata[model.MKPlaylist] = map[string]any(playlistMeta)
	}
	if count > 0 {
		playlistMeta[model.MKCount] = count
	}
}

// selectionPossibleLocked reports whether the job should be held for an
// explicit entry selection: a multi-entry source, no selection yet, and no
// entry range already pinned in the options
func selectionPossibleLocked(job *model.Job) bool {
	if job.Selected != nil {
		return false
	}
	if job.Options.Has(engine.OptPlaylistItems) {
		return false
	}
	if noPlaylist, ok := job.Options.Bool(engine.OptNoPlaylist); ok && noPlaylist {
		return false
	}
	return true
}
