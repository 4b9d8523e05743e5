package store

import (
	"log/slog"
	"sync"

	"github.com/chomusuke-mk/vidra/internal/model"
)

// AsyncWriter persists state snapshots off the caller's thread. Snapshots
// for the same job coalesce last-writer-wins, so a burst of progress ticks
// costs at most one disk write; a crash loses only the newest unwritten
// tick, never a status transition (those are written synchronously by the
// registry).
type AsyncWriter struct {
	store *Store
	log   *slog.Logger

	mu      sync.Mutex
	pending map[string]*model.PersistedState
	order   []string
	gens    map[string]uint64
	closed  bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewAsyncWriter creates a writer and starts its single drain goroutine
func NewAsyncWriter(store *Store, log *slog.Logger) *AsyncWriter {
	if log == nil {
		log = slog.Default()
	}
	w := &AsyncWriter{
		store:   store,
		log:     log.With("component", "store-async"),
		pending: make(map[string]*model.PersistedState),
		gens:    make(map[string]uint64),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Enqueue schedules a snapshot write, replacing any unwritten snapshot for
// the same job
func (w *AsyncWriter) Enqueue(jobID string, ps *model.PersistedState) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if _, queued := w.pending[jobID]; !queued {
		w.order = append(w.order, jobID)
	}
	w.pending[jobID] = ps
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Discard drops the unwritten snapshot for a job, if any, and invalidates
// one the drain loop may have already dequeued. Callers that are about to
// write synchronously use it so a stale async snapshot cannot land after
// the newer write.
func (w *AsyncWriter) Discard(jobID string) {
	w.mu.Lock()
	w.gens[jobID]++
	if _, queued := w.pending[jobID]; queued {
		delete(w.pending, jobID)
		for i, id := range w.order {
			if id == jobID {
				w.order = append(w.order[:i], w.order[i+1:]...)
				break
			}
		}
	}
	w.mu.Unlock()
}

// Close flushes pending snapshots and stops the drain goroutine
func (w *AsyncWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
}

func (w *AsyncWriter) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.wake:
			w.drain()
		case <-w.done:
			w.drain()
			return
		}
	}
}

func (w *AsyncWriter) drain() {
	for {
		w.mu.Lock()
		if len(w.order) == 0 {
			w.mu.Unlock()
			return
		}
		jobID := w.order[0]
		w.order = w.order[1:]
		ps := w.pending[jobID]
		delete(w.pending, jobID)
		gen := w.gens[jobID]
		w.mu.Unlock()

		// The snapshot is written through the guarded save so a Discard
		// racing with this dequeue still suppresses it.
		err := w.store.SaveStateIf(jobID, ps, func() bool {
			w.mu.Lock()
			defer w.mu.Unlock()
			return w.gens[jobID] == gen
		})
		if err != nil {
			w.log.Error("async state write failed", "job_id", jobID, "error", err)
		}
	}
}
