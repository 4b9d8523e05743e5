package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chomusuke-mk/vidra/internal/docval"
	"github.com/chomusuke-mk/vidra/internal/engine"
	"github.com/chomusuke-mk/vidra/internal/events"
	"github.com/chomusuke-mk/vidra/internal/model"
	"github.com/chomusuke-mk/vidra/internal/store"
)

// fakeEngine is a scripted engine double. Each Download call invokes the
// current script with the hooks, so tests can drive progress payloads and
// observe the cancel polling.
type fakeEngine struct {
	mu sync.Mutex

	meta        *engine.MetadataResult
	metaEntries []docval.Doc
	metaErr     error

	script    func(call int, options docval.Doc, hooks engine.Hooks, cancelled func() bool) (*engine.DownloadResult, error)
	calls     int
	lastOpts  docval.Doc
	downloads int
}

func (f *fakeEngine) ExtractMetadata(ctx context.Context, urls []string, options docval.Doc, onEntry func(entry docval.Doc)) (*engine.MetadataResult, error) {
	f.mu.Lock()
	entries := f.metaEntries
	meta := f.meta
	err := f.metaErr
	f.mu.Unlock()
	for _, e := range entries {
		onEntry(e)
	}
	if err != nil {
		return nil, err
	}
	if meta == nil {
		meta = &engine.MetadataResult{EntryCount: 1}
	}
	return meta, nil
}

func (f *fakeEngine) Download(ctx context.Context, urls []string, options docval.Doc, hooks engine.Hooks, cancelled func() bool) (*engine.DownloadResult, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.lastOpts = options.Clone()
	script := f.script
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.downloads++
		f.mu.Unlock()
	}()
	if script == nil {
		return &engine.DownloadResult{}, nil
	}
	return script(call, options, hooks, cancelled)
}

func (f *fakeEngine) downloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads
}

func (f *fakeEngine) lastOptions() docval.Doc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOpts.Clone()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, eng engine.Engine) *Registry {
	t.Helper()
	log := testLogger()
	st, err := store.New(t.TempDir(), log)
	require.NoError(t, err)
	r := New(Options{Engine: eng, Store: st, Log: log})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})
	return r
}

func waitStatus(t *testing.T, r *Registry, id string, want model.JobStatus) JobView {
	t.Helper()
	var view JobView
	require.Eventually(t, func() bool {
		v, res := r.Get(id)
		if !res.OK {
			return false
		}
		view = v
		return v.Status == want
	}, 5*time.Second, 20*time.Millisecond, "job never reached %s", want)
	return view
}

func progressPayload(index int, entryID string, downloaded, total float64, status string) docval.Doc {
	return docval.Doc{
		model.PKStatus:          status,
		model.PKDownloadedBytes: downloaded,
		model.PKTotalBytes:      total,
		model.PKPlaylistIndex:   float64(index),
		model.PKEntryID:         entryID,
		model.PKContextID:       entryID + "-f0",
	}
}

func TestSingleVideoCompletes(t *testing.T) {
	eng := &fakeEngine{
		meta: &engine.MetadataResult{EntryCount: 1, Title: "clip"},
		script: func(call int, options docval.Doc, hooks engine.Hooks, cancelled func() bool) (*engine.DownloadResult, error) {
			hooks.Progress(docval.Doc{
				model.PKStatus:          "downloading",
				model.PKDownloadedBytes: 512.0,
				model.PKTotalBytes:      1024.0,
				model.PKFilename:        "clip.mp4",
			})
			hooks.Progress(docval.Doc{
				model.PKStatus:          statusFinished,
				model.PKDownloadedBytes: 1024.0,
				model.PKTotalBytes:      1024.0,
				model.PKFilename:        "clip.mp4",
			})
			return &engine.DownloadResult{Outputs: []string{"clip.mp4"}}, nil
		},
	}
	r := newTestRegistry(t, eng)

	view, res := r.Create(CreateRequest{URLs: []string{"https://example.com/v"}})
	require.True(t, res.OK)

	view = waitStatus(t, r, view.ID, model.StatusCompleted)
	assert.Equal(t, "clip.mp4", view.OutputFile)
	assert.Empty(t, view.LastError)
	assert.False(t, view.SelectionRequired)

	pct, ok := docval.Doc(view.Progress).Float(model.PKPercent)
	require.True(t, ok)
	assert.InDelta(t, 100.0, pct, 0.01)
}

func TestCreateRejectsEmptyURLs(t *testing.T) {
	r := newTestRegistry(t, &fakeEngine{})
	_, res := r.Create(CreateRequest{})
	assert.False(t, res.OK)
	assert.Equal(t, ReasonInvalidInput, res.Reason)
}

func TestPlaylistEntryFailureCompletesWithErrors(t *testing.T) {
	eng := &fakeEngine{
		meta: &engine.MetadataResult{EntryCount: 3, IsPlaylist: true},
		script: func(call int, options docval.Doc, hooks engine.Hooks, cancelled func() bool) (*engine.DownloadResult, error) {
			hooks.Progress(progressPayload(1, "a1", 100, 100, statusFinished))
			hooks.Progress(progressPayload(2, "a2", 10, 100, "downloading"))
			hooks.Progress(progressPayload(2, "a2", 10, 100, "error"))
			hooks.Progress(progressPayload(3, "a3", 100, 100, statusFinished))
			return &engine.DownloadResult{}, nil
		},
	}
	r := newTestRegistry(t, eng)

	// Pinning the entry range skips the interactive selection hold
	view, res := r.Create(CreateRequest{
		URLs:    []string{"https://example.com/list"},
		Options: docval.Doc{engine.OptPlaylistItems: "1-3"},
	})
	require.True(t, res.OK)

	view = waitStatus(t, r, view.ID, model.StatusCompletedWithErrors)
	assert.Equal(t, []int{1, 3}, view.Completed)
	assert.Equal(t, []int{2}, view.Failed)
	require.Len(t, view.EntryErrors, 1)
	assert.Equal(t, 2, view.EntryErrors[0].Index)
}

func TestSelectionHoldReleasedByApplySelection(t *testing.T) {
	eng := &fakeEngine{
		meta: &engine.MetadataResult{EntryCount: 3, IsPlaylist: true},
		metaEntries: []docval.Doc{
			{model.EKIndex: 1.0, model.EKID: "a1"},
			{model.EKIndex: 2.0, model.EKID: "a2"},
			{model.EKIndex: 3.0, model.EKID: "a3"},
		},
		script: func(call int, options docval.Doc, hooks engine.Hooks, cancelled func() bool) (*engine.DownloadResult, error) {
			hooks.Progress(progressPayload(1, "a1", 100, 100, statusFinished))
			hooks.Progress(progressPayload(3, "a3", 100, 100, statusFinished))
			return &engine.DownloadResult{}, nil
		},
	}
	r := newTestRegistry(t, eng)

	view, res := r.Create(CreateRequest{URLs: []string{"https://example.com/list"}})
	require.True(t, res.OK)
	id := view.ID

	require.Eventually(t, func() bool {
		v, _ := r.Get(id)
		return v.SelectionRequired
	}, 5*time.Second, 20*time.Millisecond)

	// The worker must not start the engine while the hold is pending
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, eng.downloadCount())

	res = r.ApplySelection(id, []int{1, 3})
	require.True(t, res.OK)

	view = waitStatus(t, r, id, model.StatusCompleted)
	assert.Equal(t, []int{1, 3}, view.Selected)
	assert.True(t, view.HasSelection)
	assert.Equal(t, []int{1, 3}, view.Completed)

	opts := eng.lastOptions()
	spec, _ := opts.String(engine.OptPlaylistItems)
	assert.Equal(t, "1,3", spec)
}

func TestApplySelectionRejectsEmpty(t *testing.T) {
	eng := &fakeEngine{meta: &engine.MetadataResult{EntryCount: 1}}
	eng.script = func(call int, options docval.Doc, hooks engine.Hooks, cancelled func() bool) (*engine.DownloadResult, error) {
		for !cancelled() {
			time.Sleep(10 * time.Millisecond)
		}
		return nil, errors.New("interrupted")
	}
	r := newTestRegistry(t, eng)
	view, _ := r.Create(CreateRequest{URLs: []string{"u"}})
	waitStatus(t, r, view.ID, model.StatusRunning)

	res := r.ApplySelection(view.ID, nil)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonInvalidInput, res.Reason)
}

func TestPauseAndResume(t *testing.T) {
	eng := &fakeEngine{
		meta: &engine.MetadataResult{EntryCount: 1},
	}
	eng.script = func(call int, options docval.Doc, hooks engine.Hooks, cancelled func() bool) (*engine.DownloadResult, error) {
		if call == 1 {
			hooks.Progress(docval.Doc{
				model.PKStatus:          "downloading",
				model.PKDownloadedBytes: 100.0,
				model.PKTotalBytes:      1000.0,
			})
			for !cancelled() {
				time.Sleep(10 * time.Millisecond)
			}
			return nil, errors.New("interrupted")
		}
		hooks.Progress(docval.Doc{
			model.PKStatus:          statusFinished,
			model.PKDownloadedBytes: 1000.0,
			model.PKTotalBytes:      1000.0,
			model.PKFilename:        "out.mp4",
		})
		return &engine.DownloadResult{Outputs: []string{"out.mp4"}}, nil
	}
	r := newTestRegistry(t, eng)

	view, res := r.Create(CreateRequest{URLs: []string{"u"}})
	require.True(t, res.OK)
	id := view.ID

	waitStatus(t, r, id, model.StatusRunning)
	res = r.Pause(id)
	require.True(t, res.OK)
	waitStatus(t, r, id, model.StatusPaused)

	res = r.Resume(id)
	require.True(t, res.OK)
	view = waitStatus(t, r, id, model.StatusCompleted)
	assert.Equal(t, "out.mp4", view.OutputFile)
	assert.Equal(t, 2, eng.downloadCount())
}

func TestCancelRunningJob(t *testing.T) {
	eng := &fakeEngine{meta: &engine.MetadataResult{EntryCount: 1}}
	eng.script = func(call int, options docval.Doc, hooks engine.Hooks, cancelled func() bool) (*engine.DownloadResult, error) {
		for !cancelled() {
			time.Sleep(10 * time.Millisecond)
		}
		return nil, errors.New("interrupted by user")
	}
	r := newTestRegistry(t, eng)

	view, _ := r.Create(CreateRequest{URLs: []string{"u"}})
	id := view.ID
	waitStatus(t, r, id, model.StatusRunning)

	res := r.Cancel(id)
	require.True(t, res.OK)
	assert.Equal(t, model.StatusCancelling, res.Status)

	// A cancelled job without artifacts is removed outright
	require.Eventually(t, func() bool {
		_, res := r.Get(id)
		return !res.OK && res.Reason == ReasonNotFound
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCancelTerminalJobIsNoop(t *testing.T) {
	eng := &fakeEngine{meta: &engine.MetadataResult{EntryCount: 1}}
	eng.script = func(call int, options docval.Doc, hooks engine.Hooks, cancelled func() bool) (*engine.DownloadResult, error) {
		return &engine.DownloadResult{Outputs: []string{"v.mp4"}}, nil
	}
	r := newTestRegistry(t, eng)

	view, _ := r.Create(CreateRequest{URLs: []string{"u"}})
	waitStatus(t, r, view.ID, model.StatusCompleted)

	res := r.Cancel(view.ID)
	assert.True(t, res.OK)
	assert.Equal(t, model.StatusCompleted, res.Status)
}

func TestCommandsOnUnknownJob(t *testing.T) {
	r := newTestRegistry(t, &fakeEngine{})
	for name, res := range map[string]Result{
		"cancel": r.Cancel("nope"),
		"pause":  r.Pause("nope"),
		"resume": r.Resume("nope"),
		"retry":  r.Retry("nope"),
		"delete": r.Delete("nope"),
	} {
		assert.False(t, res.OK, name)
		assert.Equal(t, ReasonNotFound, res.Reason, name)
	}
}

func TestPauseInvalidState(t *testing.T) {
	eng := &fakeEngine{meta: &engine.MetadataResult{EntryCount: 1}}
	r := newTestRegistry(t, eng)

	view, _ := r.Create(CreateRequest{URLs: []string{"u"}})
	waitStatus(t, r, view.ID, model.StatusCompleted)

	res := r.Pause(view.ID)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonInvalidState, res.Reason)
	assert.Equal(t, model.StatusCompleted, res.Status)
}

func TestDeleteActiveJobRefused(t *testing.T) {
	eng := &fakeEngine{meta: &engine.MetadataResult{EntryCount: 1}}
	eng.script = func(call int, options docval.Doc, hooks engine.Hooks, cancelled func() bool) (*engine.DownloadResult, error) {
		for !cancelled() {
			time.Sleep(10 * time.Millisecond)
		}
		return nil, context.Canceled
	}
	r := newTestRegistry(t, eng)

	view, _ := r.Create(CreateRequest{URLs: []string{"u"}})
	waitStatus(t, r, view.ID, model.StatusRunning)

	res := r.Delete(view.ID)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonJobActive, res.Reason)

	r.Cancel(view.ID)
}

func TestRetryAfterFailure(t *testing.T) {
	eng := &fakeEngine{meta: &engine.MetadataResult{EntryCount: 1}}
	eng.script = func(call int, options docval.Doc, hooks engine.Hooks, cancelled func() bool) (*engine.DownloadResult, error) {
		if call == 1 {
			return nil, errors.New("HTTP Error 403: Forbidden")
		}
		return &engine.DownloadResult{Outputs: []string{"v.mp4"}}, nil
	}
	r := newTestRegistry(t, eng)

	view, _ := r.Create(CreateRequest{URLs: []string{"u"}})
	id := view.ID
	view = waitStatus(t, r, id, model.StatusFailed)
	assert.Contains(t, view.LastError, "403")

	res := r.Retry(id)
	require.True(t, res.OK)
	view = waitStatus(t, r, id, model.StatusCompleted)
	assert.Empty(t, view.LastError)
	assert.Equal(t, "v.mp4", view.OutputFile)
}

func TestRetryEntries(t *testing.T) {
	eng := &fakeEngine{meta: &engine.MetadataResult{EntryCount: 3, IsPlaylist: true}}
	eng.script = func(call int, options docval.Doc, hooks engine.Hooks, cancelled func() bool) (*engine.DownloadResult, error) {
		if call == 1 {
			hooks.Progress(progressPayload(1, "a1", 100, 100, statusFinished))
			hooks.Progress(progressPayload(2, "a2", 50, 100, "error"))
			hooks.Progress(progressPayload(3, "a3", 100, 100, statusFinished))
			return &engine.DownloadResult{}, nil
		}
		hooks.Progress(progressPayload(2, "a2", 100, 100, statusFinished))
		return &engine.DownloadResult{}, nil
	}
	r := newTestRegistry(t, eng)

	view, _ := r.Create(CreateRequest{
		URLs:    []string{"https://example.com/list"},
		Options: docval.Doc{engine.OptPlaylistItems: "1-3"},
	})
	id := view.ID
	view = waitStatus(t, r, id, model.StatusCompletedWithErrors)
	require.Equal(t, []int{2}, view.Failed)

	// Only failed entries may be retried
	res := r.RetryEntries(id, []int{1})
	assert.False(t, res.OK)
	assert.Equal(t, ReasonEntriesNotFailed, res.Reason)

	res = r.RetryEntries(id, []int{2})
	require.True(t, res.OK)
	view = waitStatus(t, r, id, model.StatusCompleted)
	assert.Equal(t, []int{1, 2, 3}, view.Completed)
	assert.Empty(t, view.Failed)

	spec, _ := eng.lastOptions().String(engine.OptPlaylistItems)
	assert.Equal(t, "2", spec)
}

func TestDeleteEntriesNarrowsScope(t *testing.T) {
	eng := &fakeEngine{
		meta: &engine.MetadataResult{EntryCount: 3, IsPlaylist: true},
		metaEntries: []docval.Doc{
			{model.EKIndex: 1.0, model.EKID: "a1"},
			{model.EKIndex: 2.0, model.EKID: "a2"},
			{model.EKIndex: 3.0, model.EKID: "a3"},
		},
	}
	eng.script = func(call int, options docval.Doc, hooks engine.Hooks, cancelled func() bool) (*engine.DownloadResult, error) {
		hooks.Progress(progressPayload(1, "a1", 100, 100, statusFinished))
		hooks.Progress(progressPayload(3, "a3", 100, 100, statusFinished))
		return &engine.DownloadResult{}, nil
	}
	r := newTestRegistry(t, eng)

	view, _ := r.Create(CreateRequest{URLs: []string{"https://example.com/list"}})
	id := view.ID
	require.Eventually(t, func() bool {
		v, _ := r.Get(id)
		return v.SelectionRequired
	}, 5*time.Second, 20*time.Millisecond)

	res := r.DeleteEntriesByID(id, []string{"a2"})
	require.True(t, res.OK)

	res = r.ApplySelection(id, []int{1, 2, 3})
	require.True(t, res.OK)

	view = waitStatus(t, r, id, model.StatusCompleted)
	assert.Equal(t, []int{2}, view.Removed)
	assert.Equal(t, []int{1, 3}, view.Completed)
}

func TestListFiltering(t *testing.T) {
	eng := &fakeEngine{meta: &engine.MetadataResult{EntryCount: 1}}
	r := newTestRegistry(t, eng)

	a, _ := r.Create(CreateRequest{URLs: []string{"u1"}, Owner: "alice"})
	b, _ := r.Create(CreateRequest{URLs: []string{"u2"}, Owner: "bob"})
	waitStatus(t, r, a.ID, model.StatusCompleted)
	waitStatus(t, r, b.ID, model.StatusCompleted)

	all := r.List(ListFilter{})
	assert.Len(t, all, 2)

	alice := r.List(ListFilter{Owner: "alice"})
	require.Len(t, alice, 1)
	assert.Equal(t, a.ID, alice[0].ID)

	none := r.List(ListFilter{Status: model.StatusRunning})
	assert.Empty(t, none)
}

func TestOptionsSnapshotAndDelta(t *testing.T) {
	eng := &fakeEngine{meta: &engine.MetadataResult{EntryCount: 1}}
	r := newTestRegistry(t, eng)

	view, _ := r.Create(CreateRequest{
		URLs:    []string{"u"},
		Options: docval.Doc{engine.OptFormat: "bestaudio"},
	})
	waitStatus(t, r, view.ID, model.StatusCompleted)

	opts, version, res := r.GetOptions(view.ID)
	require.True(t, res.OK)
	assert.Greater(t, version, int64(0))
	format, _ := opts.String(engine.OptFormat)
	assert.Equal(t, "bestaudio", format)

	d, res := r.OptionsDelta(view.ID, version)
	require.True(t, res.OK)
	assert.Equal(t, store.DeltaNoop, d.Type)

	d, res = r.OptionsDelta(view.ID, 0)
	require.True(t, res.OK)
	assert.Equal(t, store.DeltaFull, d.Type)
	assert.NotEmpty(t, d.Payload)

	_, res = r.OptionsDelta("nope", 0)
	assert.Equal(t, ReasonNotFound, res.Reason)
}

func TestEventsEmittedThroughLifecycle(t *testing.T) {
	eng := &fakeEngine{meta: &engine.MetadataResult{EntryCount: 1}}
	eng.script = func(call int, options docval.Doc, hooks engine.Hooks, cancelled func() bool) (*engine.DownloadResult, error) {
		hooks.Progress(docval.Doc{
			model.PKStatus:          statusFinished,
			model.PKDownloadedBytes: 10.0,
			model.PKTotalBytes:      10.0,
		})
		return &engine.DownloadResult{}, nil
	}
	r := newTestRegistry(t, eng)
	sub := r.Events().Subscribe(0)
	defer r.Events().Unsubscribe(sub)

	view, _ := r.Create(CreateRequest{URLs: []string{"u"}})
	waitStatus(t, r, view.ID, model.StatusCompleted)

	seen := make(map[events.Type]bool)
	deadline := time.After(5 * time.Second)
	for !(seen[events.TypeSnapshot] && seen[events.TypeProgress] && seen[events.TypeEnumerationEnded]) {
		select {
		case ev := <-sub.C():
			seen[ev.Type] = true
		case <-deadline:
			t.Fatalf("missing event types, saw %v", seen)
		}
	}
}

func TestRestoredJobResumes(t *testing.T) {
	log := testLogger()
	dir := t.TempDir()

	st, err := store.New(dir, log)
	require.NoError(t, err)

	blocker := &fakeEngine{meta: &engine.MetadataResult{EntryCount: 1}}
	blocker.script = func(call int, options docval.Doc, hooks engine.Hooks, cancelled func() bool) (*engine.DownloadResult, error) {
		hooks.Progress(docval.Doc{
			model.PKStatus:          "downloading",
			model.PKDownloadedBytes: 100.0,
			model.PKTotalBytes:      1000.0,
		})
		for !cancelled() {
			time.Sleep(10 * time.Millisecond)
		}
		return nil, errors.New("interrupted")
	}
	r1 := New(Options{Engine: blocker, Store: st, Log: log})

	view, _ := r1.Create(CreateRequest{URLs: []string{"u"}})
	id := view.ID
	waitStatus(t, r1, id, model.StatusRunning)

	// Simulated crash-and-restart: shutdown pauses the worker
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	r1.Shutdown(ctx)
	cancel()

	st2, err := store.New(dir, log)
	require.NoError(t, err)
	jobs, err := st2.RestoreJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	finisher := &fakeEngine{meta: &engine.MetadataResult{EntryCount: 1}}
	finisher.script = func(call int, options docval.Doc, hooks engine.Hooks, cancelled func() bool) (*engine.DownloadResult, error) {
		return &engine.DownloadResult{Outputs: []string{"v.mp4"}}, nil
	}
	r2 := New(Options{Engine: finisher, Store: st2, Log: log})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r2.Shutdown(ctx)
	})
	r2.AttachRestored(jobs)

	view, res := r2.Get(id)
	require.True(t, res.OK)
	assert.Equal(t, model.StatusPaused, view.Status)

	res = r2.Resume(id)
	require.True(t, res.OK)
	view = waitStatus(t, r2, id, model.StatusCompleted)
	assert.Equal(t, "v.mp4", view.OutputFile)
}

// stallMetaEngine blocks metadata extraction until released, ignoring the
// context so the call outlives any cancellation of the job it serves.
type stallMetaEngine struct {
	release chan struct{}
}

func (e *stallMetaEngine) ExtractMetadata(ctx context.Context, urls []string, options docval.Doc, onEntry func(entry docval.Doc)) (*engine.MetadataResult, error) {
	<-e.release
	if onEntry != nil {
		onEntry(docval.Doc{model.EKIndex: 1.0, model.EKID: "late", model.EKTitle: "late entry"})
	}
	return &engine.MetadataResult{EntryCount: 1, Title: "late entry"}, nil
}

func (e *stallMetaEngine) Download(ctx context.Context, urls []string, options docval.Doc, hooks engine.Hooks, cancelled func() bool) (*engine.DownloadResult, error) {
	return &engine.DownloadResult{}, nil
}

func TestLatePreviewDoesNotResurrectDeletedJob(t *testing.T) {
	eng := &stallMetaEngine{release: make(chan struct{})}
	log := testLogger()
	dir := t.TempDir()
	st, err := store.New(dir, log)
	require.NoError(t, err)
	r := New(Options{Engine: eng, Store: st, Log: log})

	view, res := r.Create(CreateRequest{URLs: []string{"https://example.com/list"}})
	require.True(t, res.OK)
	id := view.ID

	// Cancel while the metadata call is still stuck; the artifact-less job
	// is removed entirely.
	res = r.Cancel(id)
	require.True(t, res.OK)
	require.Eventually(t, func() bool {
		_, res := r.Get(id)
		return res.Reason == ReasonNotFound
	}, 5*time.Second, 20*time.Millisecond, "cancelled job was never removed")

	// Let the stuck metadata call finish, then drain all goroutines.
	close(eng.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.Shutdown(ctx)

	// The late return must not have written the job's documents back.
	ids, err := st.JobIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
	_, err = st.LoadState(id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReopenedEntryReportsFreshPercent(t *testing.T) {
	eng := &fakeEngine{
		meta: &engine.MetadataResult{EntryCount: 2, IsPlaylist: true},
	}
	eng.script = func(call int, options docval.Doc, hooks engine.Hooks, cancelled func() bool) (*engine.DownloadResult, error) {
		// Entry 1 finishes, entry 2 begins, then the engine re-downloads
		// entry 1 from scratch.
		hooks.Progress(progressPayload(1, "a1", 1000, 1000, statusFinished))
		hooks.Progress(progressPayload(2, "a2", 100, 1000, "downloading"))
		hooks.Progress(progressPayload(1, "a1", 300, 1000, "downloading"))
		for !cancelled() {
			time.Sleep(10 * time.Millisecond)
		}
		return nil, errors.New("interrupted")
	}
	r := newTestRegistry(t, eng)

	view, res := r.Create(CreateRequest{
		URLs:    []string{"https://example.com/list"},
		Options: docval.Doc{engine.OptPlaylistItems: "1-2"},
	})
	require.True(t, res.OK)
	id := view.ID

	waitStatus(t, r, id, model.StatusRunning)
	require.Eventually(t, func() bool {
		v, res := r.Get(id)
		if !res.OK {
			return false
		}
		pct, _ := v.Progress.Float(model.PKPercent)
		return pct == 30.0
	}, 5*time.Second, 20*time.Millisecond, "re-downloaded entry must report its new pass's percent")

	res = r.Pause(id)
	require.True(t, res.OK)
	view = waitStatus(t, r, id, model.StatusPaused)

	assert.NotContains(t, view.Completed, 1, "a reopened entry is no longer completed")
	pct, _ := view.Progress.Float(model.PKPercent)
	assert.Equal(t, 30.0, pct)
}
