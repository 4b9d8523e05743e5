// Package registry composes the orchestration layer: a thread-safe map of
// jobs behind one coarse lock, the command surface exposed to the transport
// layer, and the worker and preview goroutines that drive the engine.
//
// Locking model: every mutable field reachable from a Job is touched only
// while holding the registry mutex. Critical sections stay short and never
// span an engine call or an outbound event send; events are built from
// snapshots under the lock and published after it is released.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chomusuke-mk/vidra/internal/docval"
	"github.com/chomusuke-mk/vidra/internal/engine"
	"github.com/chomusuke-mk/vidra/internal/events"
	"github.com/chomusuke-mk/vidra/internal/metrics"
	"github.com/chomusuke-mk/vidra/internal/model"
	"github.com/chomusuke-mk/vidra/internal/playlist"
	"github.com/chomusuke-mk/vidra/internal/store"
)

// Options wires a Registry's collaborators
type Options struct {
	Engine  engine.Engine
	Store   *store.Store
	Events  *events.Broadcaster
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// Registry owns every job
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*model.Job

	eng     engine.Engine
	store   *store.Store
	async   *store.AsyncWriter
	events  *events.Broadcaster
	metrics *metrics.Metrics
	log     *slog.Logger

	previewCancels map[string]context.CancelFunc

	wg     sync.WaitGroup
	closed bool
}

// New creates a registry
func New(opts Options) *Registry {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	ev := opts.Events
	if ev == nil {
		ev = events.New(log)
	}
	r := &Registry{
		jobs:           make(map[string]*model.Job),
		eng:            opts.Engine,
		store:          opts.Store,
		events:         ev,
		metrics:        opts.Metrics,
		log:            log.With("component", "registry"),
		previewCancels: make(map[string]context.CancelFunc),
	}
	if opts.Store != nil {
		r.async = store.NewAsyncWriter(opts.Store, log)
	}
	return r
}

// Events returns the broadcaster external subscribers attach to
func (r *Registry) Events() *events.Broadcaster {
	return r.events
}

// Create builds a job, persists it, and starts its preview collector and
// worker
func (r *Registry) Create(req CreateRequest) (JobView, Result) {
	if len(req.URLs) == 0 {
		return JobView{}, failResult("", ReasonInvalidInput, "")
	}

	job := model.NewJob(uuid.NewString(), req.URLs, req.Options, req.Owner)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return JobView{}, failResult("", ReasonInvalidState, "")
	}
	r.jobs[job.ID] = job
	r.persistOptionsLocked(job)
	r.persistStateLocked(job, true)
	view := viewLocked(job)
	evs := []events.Event{r.snapshotEventLocked(job)}
	r.spawnPreviewLocked(job)
	r.spawnWorkerLocked(job)
	r.mu.Unlock()

	r.metrics.JobCreated()
	r.publish(evs)
	r.updateStatusCounts()
	return view, okResult(job.ID, view.Status)
}

// Get returns a copy-safe view of one job
func (r *Registry) Get(id string) (JobView, Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return JobView{}, notFoundResult(id)
	}
	return viewLocked(job), okResult(id, job.Status)
}

// List returns views of every job matching the filter, newest first
func (r *Registry) List(filter ListFilter) []JobView {
	r.mu.Lock()
	views := make([]JobView, 0, len(r.jobs))
	for _, job := range r.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Owner != "" && job.Owner != filter.Owner {
			continue
		}
		views = append(views, viewLocked(job))
	}
	r.mu.Unlock()

	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].ID < views[j].ID
		}
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	return views
}

// Delete removes a terminal job, its persisted documents and its files.
// Active jobs must be cancelled first.
func (r *Registry) Delete(id string) Result {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return notFoundResult(id)
	}
	if !job.Status.IsTerminal() {
		status := job.Status
		r.mu.Unlock()
		return failResult(id, ReasonJobActive, status)
	}
	files := append(append([]string(nil), job.GeneratedFiles...), job.PartialFiles...)
	delete(r.jobs, id)
	r.cancelPreviewLocked(id)
	r.mu.Unlock()

	purgeFiles(files, r.log)
	if r.store != nil {
		if err := r.store.DeleteJob(id); err != nil {
			r.metrics.PersistError()
			r.log.Error("delete persisted job failed", "job_id", id, "error", err)
		}
	}
	r.updateStatusCounts()
	return okResult(id, "")
}

// AttachRestored registers jobs rebuilt from disk at boot. No workers are
// spawned; paused and failed jobs wait for an explicit resume or retry.
func (r *Registry) AttachRestored(jobs []*model.Job) {
	evs := make([]events.Event, 0, len(jobs))
	r.mu.Lock()
	for _, job := range jobs {
		r.jobs[job.ID] = job
		evs = append(evs, r.snapshotEventLocked(job))
	}
	r.mu.Unlock()
	r.publish(evs)
	r.updateStatusCounts()
}

// Shutdown asks running workers to pause, waits for them within the
// context deadline, and flushes pending writes
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	for _, job := range r.jobs {
		if job.WorkerAlive && job.Status.CanPause() {
			job.PauseRequested = true
			job.Status = model.StatusPausing
		}
	}
	for _, cancel := range r.previewCancels {
		cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn("shutdown deadline reached with workers still running")
	}

	if r.async != nil {
		r.async.Close()
	}
	r.events.Close()
}

// viewLocked builds a copy-safe projection; caller holds the lock
func viewLocked(job *model.Job) JobView {
	return JobView{
		ID:                job.ID,
		Owner:             job.Owner,
		URLs:              append([]string(nil), job.URLs...),
		Status:            job.Status,
		CreatedAt:         job.CreatedAt,
		StartedAt:         job.StartedAt,
		FinishedAt:        job.FinishedAt,
		LastError:         job.LastError,
		Progress:          job.Progress.Clone(),
		Completed:         job.Completed.Values(),
		Failed:            job.Failed.Values(),
		PendingRetry:      job.PendingRetry.Values(),
		Removed:           job.Removed.Values(),
		Selected:          job.Selected.Values(),
		HasSelection:      job.Selected != nil,
		EntryErrors:       job.EntryErrorList(),
		TotalItems:        playlist.TotalItems(job),
		OutputFile:        job.OutputFile,
		SelectionRequired: job.SelectionRequired,
		OptionsVersion:    job.OptionsVersion,
		LogsVersion:       job.LogsVersion,
		EntriesVersion:    job.EntriesVersion,
	}
}

// persistStateLocked writes the state snapshot; synchronously for
// status-affecting mutations, via the async writer for progress ticks.
// Caller holds the lock. Failures are logged, never propagated.
func (r *Registry) persistStateLocked(job *model.Job, sync bool) {
	if r.store == nil {
		return
	}
	ps := job.ToPersisted()
	if sync {
		if r.async != nil {
			r.async.Discard(job.ID)
		}
		if err := r.store.SaveState(job.ID, ps); err != nil {
			r.metrics.PersistError()
			r.log.Error("state write failed", "job_id", job.ID, "error", err)
		}
		return
	}
	r.async.Enqueue(job.ID, ps)
}

// persistOptionsLocked writes the options document; caller holds the lock
func (r *Registry) persistOptionsLocked(job *model.Job) {
	if r.store == nil {
		return
	}
	version, err := r.store.SaveOptions(job.ID, job.OptionsVersion, job.Options)
	if err != nil {
		r.metrics.PersistError()
		r.log.Error("options write failed", "job_id", job.ID, "error", err)
		return
	}
	job.OptionsVersion = version
}

// persistLogsLocked writes the log document; caller holds the lock
func (r *Registry) persistLogsLocked(job *model.Job) {
	if r.store == nil {
		return
	}
	version, err := r.store.SaveLogs(job.ID, job.LogsVersion, job.Logs.Snapshot())
	if err != nil {
		r.metrics.PersistError()
		r.log.Error("logs write failed", "job_id", job.ID, "error", err)
		return
	}
	job.LogsVersion = version
}

// persistEntriesLocked writes the playlist entries document; caller holds
// the lock
func (r *Registry) persistEntriesLocked(job *model.Job) {
	if r.store == nil {
		return
	}
	version, err := r.store.SaveEntries(job.ID, job.EntriesVersion, entryDocsLocked(job))
	if err != nil {
		r.metrics.PersistError()
		r.log.Error("entries write failed", "job_id", job.ID, "error", err)
		return
	}
	job.EntriesVersion = version
}

// entryDocsLocked extracts the playlist entry documents from job metadata
func entryDocsLocked(job *model.Job) []docval.Doc {
	playlistMeta, ok := job.Metadata.Sub(model.MKPlaylist)
	if !ok {
		return nil
	}
	raw, ok := playlistMeta.Slice(model.MKEntries)
	if !ok {
		return nil
	}
	out := make([]docval.Doc, 0, len(raw))
	for _, e := range raw {
		if m, ok := e.(map[string]any); ok {
			out = append(out, docval.Doc(m))
		}
	}
	return out
}

// snapshotEventLocked builds a snapshot event; caller holds the lock
func (r *Registry) snapshotEventLocked(job *model.Job) events.Event {
	view := viewLocked(job)
	return events.Event{
		Type:  events.TypeSnapshot,
		JobID: job.ID,
		Payload: docval.Doc{
			"status":             string(view.Status),
			"last_error":         view.LastError,
			"selection_required": view.SelectionRequired,
			"progress":           map[string]any(view.Progress),
		},
	}
}

// overviewEventLocked builds the cheap list-screen event; caller holds the
// lock
func (r *Registry) overviewEventLocked(job *model.Job) events.Event {
	payload := docval.Doc{
		"status": string(job.Status),
	}
	if pct, ok := job.Progress.Float(model.PKPercent); ok {
		payload["percent"] = pct
	}
	if name, ok := job.Progress.FirstString(model.PKFilename, model.PKTmpFilename); ok {
		payload["filename"] = name
	}
	return events.Event{Type: events.TypeOverview, JobID: job.ID, Payload: payload}
}

// publish sends events after the lock is released
func (r *Registry) publish(evs []events.Event) {
	for _, ev := range evs {
		r.events.Publish(ev)
	}
}

// updateStatusCounts refreshes the per-status gauges
func (r *Registry) updateStatusCounts() {
	if r.metrics == nil {
		return
	}
	counts := make(map[string]int)
	r.mu.Lock()
	for _, job := range r.jobs {
		counts[string(job.Status)]++
	}
	r.mu.Unlock()
	r.metrics.SetStatusCounts(counts)
}

// now is indirected for tests
var now = time.Now
