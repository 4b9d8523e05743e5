package registry

import (
	"context"
	"time"

	"github.com/chomusuke-mk/vidra/internal/docval"
	"github.com/chomusuke-mk/vidra/internal/engine"
	"github.com/chomusuke-mk/vidra/internal/events"
	"github.com/chomusuke-mk/vidra/internal/model"
	"github.com/chomusuke-mk/vidra/internal/playlist"
	"github.com/chomusuke-mk/vidra/internal/progress"
)

// gatePollInterval bounds how long a waiting worker can miss a cancel or
// pause flag raised while it blocks on a gate
const gatePollInterval = 200 * time.Millisecond

// statusFinished is the engine's per-file success status
const statusFinished = "finished"

// spawnWorkerLocked starts a worker goroutine for the job; caller holds the
// lock. A bumped run sequence lets any previous worker detect it was
// replaced and exit without touching the job.
func (r *Registry) spawnWorkerLocked(job *model.Job) {
	if r.closed {
		return
	}
	job.WorkerAlive = true
	job.RunSeq++
	seq := job.RunSeq
	r.wg.Add(1)
	go r.runWorker(job, seq)
}

type gateWait int

const (
	waitProceed gateWait = iota
	waitStop
)

// runWorker drives one engine run for a job: wait for the preview and
// selection gates, run the download with hooks attached, then settle the
// final status
func (r *Registry) runWorker(job *model.Job, seq uint64) {
	defer r.wg.Done()
	r.metrics.WorkerStarted()
	defer r.metrics.WorkerStopped()

	if r.waitGate(job, seq, job.PreviewReady) == waitStop {
		return
	}
	if r.waitGate(job, seq, job.SelectionReady) == waitStop {
		return
	}

	r.mu.Lock()
	if job.RunSeq != seq {
		r.mu.Unlock()
		return
	}
	job.Status = model.StatusRunning
	if job.StartedAt.IsZero() {
		job.StartedAt = now()
	}
	urls := append([]string(nil), job.URLs...)
	options := r.runOptionsLocked(job)
	startedAt := job.StartedAt
	r.persistStateLocked(job, true)
	evs := []events.Event{r.snapshotEventLocked(job), r.overviewEventLocked(job)}
	r.mu.Unlock()
	r.publish(evs)
	r.updateStatusCounts()

	acc := progress.New(job.ID)
	hooks := engine.Hooks{
		Progress: func(payload docval.Doc) {
			r.onProgress(job, seq, acc, startedAt, payload)
		},
		PostProcessor: func(payload docval.Doc) {
			r.onProgress(job, seq, acc, startedAt, payload)
		},
		Completion: func(message string) {
			r.onLog(job, seq, model.LogLevelInfo, message)
		},
		Logger: func(level, message string) {
			r.onLog(job, seq, level, message)
		},
	}
	cancelled := func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return job.RunSeq != seq || job.CancelRequested || job.PauseRequested
	}

	result, err := r.eng.Download(context.Background(), urls, options, hooks, cancelled)
	r.finalize(job, seq, result, err)
}

// waitGate blocks until the gate is released, polling the control flags so
// a cancel or pause raised mid-wait is not missed. Returns waitStop when
// the worker should exit.
func (r *Registry) waitGate(job *model.Job, seq uint64, gate *model.Gate) gateWait {
	for {
		released := false
		select {
		case <-gate.Done():
			released = true
		case <-time.After(gatePollInterval):
		}

		r.mu.Lock()
		if job.RunSeq != seq {
			r.mu.Unlock()
			return waitStop
		}
		if job.CancelRequested || job.PauseRequested {
			r.mu.Unlock()
			r.finalize(job, seq, nil, nil)
			return waitStop
		}
		r.mu.Unlock()
		if released {
			return waitProceed
		}
	}
}

// runOptionsLocked builds the option document for one run; caller holds the
// lock. A retry run narrows scope to the pending entries, an ordinary run
// skips everything already completed.
func (r *Registry) runOptionsLocked(job *model.Job) docval.Doc {
	options := job.Options.Clone()
	if options == nil {
		options = docval.Doc{}
	}
	var spec string
	if job.PendingRetry.Len() > 0 {
		spec = playlist.RetrySpec(job)
	} else {
		spec = playlist.ResumeSpec(job)
	}
	if spec != "" {
		options[engine.OptPlaylistItems] = spec
	}
	if len(job.PartialFiles) > 0 {
		// Never clobber a resumable partial file
		options[engine.OptForceOverwrites] = false
	}
	return options
}

// onProgress folds one raw hook payload into the job under the lock, then
// publishes the derived events outside it
func (r *Registry) onProgress(job *model.Job, seq uint64, acc *progress.Accumulator, startedAt time.Time, payload docval.Doc) {
	r.mu.Lock()
	if job.RunSeq != seq || job.CancelRequested {
		r.mu.Unlock()
		return
	}

	prev := job.Progress
	merged := acc.Apply(prev, payload, startedAt, time.Time{})
	job.Progress = merged
	update := playlist.Observe(job, prev, merged, now())
	if len(update.Reopened) > 0 {
		// A reopened entry starts over; rebuild its snapshot without the
		// finished pass's offsets and percent floor.
		acc.Forget(acc.EntryKey(payload))
		merged = acc.Apply(prev, payload, startedAt, time.Time{})
		job.Progress = merged
		playlist.ApplyTotals(job, merged)
	}

	if tmp, ok := merged.String(model.PKTmpFilename); ok && tmp != "" {
		addUnique(&job.PartialFiles, tmp)
	}
	if status, ok := payload.String(model.PKStatus); ok && status == statusFinished {
		if name, ok := merged.String(model.PKFilename); ok && name != "" {
			addUnique(&job.GeneratedFiles, name)
			removeString(&job.PartialFiles, name)
		}
	}

	r.persistStateLocked(job, false)

	evs := []events.Event{{
		Type:    events.TypeProgress,
		JobID:   job.ID,
		Payload: merged.Clone(),
	}}
	if update.Changed() {
		evs = append(evs, r.playlistEventLocked(job))
		evs = append(evs, entryEvents(job.ID, update)...)
	}
	evs = append(evs, r.overviewEventLocked(job))
	r.mu.Unlock()

	r.metrics.ProgressEvent()
	r.publish(evs)
}

// onLog appends one engine log line to the job's ring and broadcasts it
func (r *Registry) onLog(job *model.Job, seq uint64, level, message string) {
	if message == "" {
		return
	}
	at := now()
	r.mu.Lock()
	if job.RunSeq != seq {
		r.mu.Unlock()
		return
	}
	job.Logs.Append(level, message, at)
	r.mu.Unlock()

	r.events.Publish(events.Event{
		Type:  events.TypeLog,
		JobID: job.ID,
		At:    at,
		Payload: docval.Doc{
			"level":   level,
			"message": message,
		},
	})
}

// finalize settles the job after the engine returns (or after a gate wait
// was interrupted). The control flags decide the outcome before the error
// text does.
func (r *Registry) finalize(job *model.Job, seq uint64, result *engine.DownloadResult, err error) {
	r.mu.Lock()
	if job.RunSeq != seq {
		r.mu.Unlock()
		return
	}
	job.WorkerAlive = false

	outcome, message := engine.Classify(job.CancelRequested, job.PauseRequested, err)
	lastStatus, _ := job.Progress.String(model.PKStatus)

	var update playlist.Update
	switch outcome {
	case engine.OutcomeCompleted:
		update = playlist.Settle(job, lastStatus, now())
	case engine.OutcomeFailed:
		if !model.IsFailureStatus(lastStatus) {
			lastStatus = "error"
		}
		update = playlist.Settle(job, lastStatus, now())
	}

	if result != nil {
		for _, path := range result.Outputs {
			addUnique(&job.GeneratedFiles, path)
			removeString(&job.PartialFiles, path)
		}
		if len(result.Outputs) == 1 && playlist.TotalItems(job) <= 1 {
			job.OutputFile = result.Outputs[0]
		}
	}

	// Partial files are deleted on cancel and failure, kept on pause (they
	// make the resume cheap) and on success.
	var partialsToDelete []string
	switch outcome {
	case engine.OutcomeCompleted:
		job.PendingRetry = model.NewIndexSet()
		if job.Failed.Len() > 0 || job.Logs.ErrorCount() > 0 {
			job.Status = model.StatusCompletedWithErrors
		} else {
			job.Status = model.StatusCompleted
		}
		job.FinishedAt = now()
	case engine.OutcomeCancelled:
		job.Status = model.StatusCancelled
		job.FinishedAt = now()
		partialsToDelete = job.PartialFiles
		job.PartialFiles = nil
	case engine.OutcomePaused:
		job.Status = model.StatusPaused
	case engine.OutcomeFailed:
		job.Status = model.StatusFailed
		job.LastError = message
		job.FinishedAt = now()
		partialsToDelete = job.PartialFiles
		job.PartialFiles = nil
	}
	job.CancelRequested = false
	job.PauseRequested = false

	r.persistLogsLocked(job)
	r.persistEntriesLocked(job)
	r.persistStateLocked(job, true)

	evs := []events.Event{r.snapshotEventLocked(job), r.overviewEventLocked(job)}
	if update.Changed() {
		evs = append(evs, r.playlistEventLocked(job))
		evs = append(evs, entryEvents(job.ID, update)...)
	}
	autoDelete := outcome == engine.OutcomeCancelled && !job.HasArtifacts()
	id := job.ID
	r.mu.Unlock()

	purgeFiles(partialsToDelete, r.log)
	r.metrics.RunFinished(outcome.String())
	r.publish(evs)
	if autoDelete {
		r.Delete(id)
	}
	r.updateStatusCounts()
	r.log.Info("run finished", "job_id", id, "outcome", outcome.String())
}

// entryEvents turns one tracker update into entry_progress events
func entryEvents(jobID string, update playlist.Update) []events.Event {
	var out []events.Event
	add := func(kind string, indices []int) {
		for _, idx := range indices {
			out = append(out, events.Event{
				Type:  events.TypeEntryProgress,
				JobID: jobID,
				Payload: docval.Doc{
					"index": idx,
					"state": kind,
				},
			})
		}
	}
	add("completed", update.NewlyCompleted)
	add("failed", update.NewlyFailed)
	add("reopened", update.Reopened)
	return out
}
