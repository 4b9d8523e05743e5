// Package store implements the crash-safe persistence layer: four versioned
// JSON documents per job (state snapshot, options, logs, playlist entries),
// written via temp-file-then-atomic-rename, restored at boot with crash
// status normalization. Durability is best effort; a failed write leaves the
// previous on-disk version intact and is logged, never propagated.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chomusuke-mk/vidra/internal/docval"
	"github.com/chomusuke-mk/vidra/internal/model"
)

// Document file names inside a job directory
const (
	StateFile   = "state.json"
	OptionsFile = "options.json"
	LogsFile    = "logs.json"
	EntriesFile = "entries.json"
)

// Directory and file permissions
const (
	DirPermissions  = 0o755
	FilePermissions = 0o644
)

// Delta types returned for since-version reads
const (
	DeltaNoop = "noop"
	DeltaFull = "full"
)

// ErrNotFound is returned when a job has no persisted document of the
// requested kind
var ErrNotFound = errors.New("store: document not found")

// Delta is the answer to a "what changed since version V" read
type Delta struct {
	Type    string          `json:"type"`
	Version int64           `json:"version"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// envelope wraps every persisted document with its version integer
type envelope struct {
	Version int64           `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// Store persists job documents under root/jobs/<id>/. All methods are safe
// for concurrent use; writes to the same job are serialized by a per-job
// mutex so a rename never races another writer of the same file.
type Store struct {
	root string
	log  *slog.Logger

	mu   sync.Mutex
	jobs map[string]*sync.Mutex
}

// New creates a store rooted at dir, creating the directory tree as needed
func New(dir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(dir, "jobs"), DirPermissions); err != nil {
		return nil, fmt.Errorf("create store root %s: %w", dir, err)
	}
	return &Store{
		root: dir,
		log:  log.With("component", "store"),
		jobs: make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the store's root directory
func (s *Store) Root() string {
	return s.root
}

func (s *Store) jobDir(jobID string) string {
	return filepath.Join(s.root, "jobs", jobID)
}

func (s *Store) jobLock(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.jobs[jobID]
	if !ok {
		l = &sync.Mutex{}
		s.jobs[jobID] = l
	}
	return l
}

// NextVersion produces a strictly increasing millisecond-timestamp version.
// Two writes inside the same millisecond still get distinct versions.
func NextVersion(prev int64) int64 {
	v := time.Now().UnixMilli()
	if v <= prev {
		v = prev + 1
	}
	return v
}

// SaveState writes the job's state snapshot document
func (s *Store) SaveState(jobID string, ps *model.PersistedState) error {
	payload, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("marshal state for %s: %w", jobID, err)
	}
	return s.writeDocument(jobID, StateFile, envelope{Version: NextVersion(0), Payload: payload})
}

// SaveStateIf writes the state document only if current still reports true
// once the job's file lock is held. The check and the write happen under
// the same lock, so a concurrent SaveState cannot slip in between them.
func (s *Store) SaveStateIf(jobID string, ps *model.PersistedState, current func() bool) error {
	payload, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("marshal state for %s: %w", jobID, err)
	}
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()
	if current != nil && !current() {
		return nil
	}
	return s.writeDocumentLocked(jobID, StateFile, envelope{Version: NextVersion(0), Payload: payload})
}

// SaveOptions writes the options document and returns its new version
func (s *Store) SaveOptions(jobID string, prevVersion int64, options docval.Doc) (int64, error) {
	return s.saveVersioned(jobID, OptionsFile, prevVersion, options)
}

// SaveLogs writes the log document (most recent entries first in, oldest
// first on disk) and returns its new version
func (s *Store) SaveLogs(jobID string, prevVersion int64, entries []model.LogEntry) (int64, error) {
	return s.saveVersioned(jobID, LogsFile, prevVersion, entries)
}

// SaveEntries writes the playlist entries document and returns its new version
func (s *Store) SaveEntries(jobID string, prevVersion int64, entries []docval.Doc) (int64, error) {
	return s.saveVersioned(jobID, EntriesFile, prevVersion, entries)
}

func (s *Store) saveVersioned(jobID, file string, prevVersion int64, payload any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return prevVersion, fmt.Errorf("marshal %s for %s: %w", file, jobID, err)
	}
	version := NextVersion(prevVersion)
	if err := s.writeDocument(jobID, file, envelope{Version: version, Payload: data}); err != nil {
		return prevVersion, err
	}
	return version, nil
}

// writeDocument writes an envelope via temp file and atomic rename. The
// rename is skipped on any earlier failure, so a crash or full disk leaves
// the previous document version readable.
func (s *Store) writeDocument(jobID, file string, env envelope) error {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()
	return s.writeDocumentLocked(jobID, file, env)
}

func (s *Store) writeDocumentLocked(jobID, file string, env envelope) error {
	dir := s.jobDir(jobID)
	if err := os.MkdirAll(dir, DirPermissions); err != nil {
		return fmt.Errorf("create job directory %s: %w", dir, err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope for %s/%s: %w", jobID, file, err)
	}

	tmp, err := os.CreateTemp(dir, ".vidra-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s/%s: %w", jobID, file, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s/%s: %w", jobID, file, err)
	}
	if err := tmp.Chmod(FilePermissions); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file for %s/%s: %w", jobID, file, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s/%s: %w", jobID, file, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, file)); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s/%s: %w", jobID, file, err)
	}
	return nil
}

func (s *Store) readDocument(jobID, file string) (envelope, error) {
	var env envelope
	data, err := os.ReadFile(filepath.Join(s.jobDir(jobID), file))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return env, ErrNotFound
		}
		return env, fmt.Errorf("read %s/%s: %w", jobID, file, err)
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("parse %s/%s: %w", jobID, file, err)
	}
	return env, nil
}

// LoadState reads the job's persisted state snapshot
func (s *Store) LoadState(jobID string) (*model.PersistedState, error) {
	env, err := s.readDocument(jobID, StateFile)
	if err != nil {
		return nil, err
	}
	var ps model.PersistedState
	if err := json.Unmarshal(env.Payload, &ps); err != nil {
		return nil, fmt.Errorf("parse state payload for %s: %w", jobID, err)
	}
	return &ps, nil
}

// LoadOptions reads the options document and its version
func (s *Store) LoadOptions(jobID string) (docval.Doc, int64, error) {
	env, err := s.readDocument(jobID, OptionsFile)
	if err != nil {
		return nil, 0, err
	}
	var d docval.Doc
	if err := json.Unmarshal(env.Payload, &d); err != nil {
		return nil, 0, fmt.Errorf("parse options payload for %s: %w", jobID, err)
	}
	return d, env.Version, nil
}

// LoadLogs reads the log document and its version
func (s *Store) LoadLogs(jobID string) ([]model.LogEntry, int64, error) {
	env, err := s.readDocument(jobID, LogsFile)
	if err != nil {
		return nil, 0, err
	}
	var entries []model.LogEntry
	if err := json.Unmarshal(env.Payload, &entries); err != nil {
		return nil, 0, fmt.Errorf("parse logs payload for %s: %w", jobID, err)
	}
	return entries, env.Version, nil
}

// LoadEntries reads the playlist entries document and its version
func (s *Store) LoadEntries(jobID string) ([]docval.Doc, int64, error) {
	env, err := s.readDocument(jobID, EntriesFile)
	if err != nil {
		return nil, 0, err
	}
	var entries []docval.Doc
	if err := json.Unmarshal(env.Payload, &entries); err != nil {
		return nil, 0, fmt.Errorf("parse entries payload for %s: %w", jobID, err)
	}
	return entries, env.Version, nil
}

// Since answers a "what changed since version V" read for one of the
// versioned documents: noop with no payload body when V is current, a full
// payload with the current version otherwise.
func (s *Store) Since(jobID, file string, sinceVersion int64) (Delta, error) {
	env, err := s.readDocument(jobID, file)
	if err != nil {
		return Delta{}, err
	}
	if env.Version == sinceVersion {
		return Delta{Type: DeltaNoop, Version: env.Version}, nil
	}
	return Delta{Type: DeltaFull, Version: env.Version, Payload: env.Payload}, nil
}

// OptionsSince answers a since-version read of the options document
func (s *Store) OptionsSince(jobID string, sinceVersion int64) (Delta, error) {
	return s.Since(jobID, OptionsFile, sinceVersion)
}

// LogsSince answers a since-version read of the logs document
func (s *Store) LogsSince(jobID string, sinceVersion int64) (Delta, error) {
	return s.Since(jobID, LogsFile, sinceVersion)
}

// EntriesSince answers a since-version read of the playlist entries document
func (s *Store) EntriesSince(jobID string, sinceVersion int64) (Delta, error) {
	return s.Since(jobID, EntriesFile, sinceVersion)
}

// DeleteJob removes every persisted document for the job
func (s *Store) DeleteJob(jobID string) error {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()
	if err := os.RemoveAll(s.jobDir(jobID)); err != nil {
		return fmt.Errorf("delete job directory for %s: %w", jobID, err)
	}
	s.mu.Lock()
	delete(s.jobs, jobID)
	s.mu.Unlock()
	return nil
}

// JobIDs lists the ids of every job with a persisted directory
func (s *Store) JobIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "jobs"))
	if err != nil {
		return nil, fmt.Errorf("read jobs directory: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
