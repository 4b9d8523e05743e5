package store

import (
	"errors"

	"github.com/chomusuke-mk/vidra/internal/docval"
	"github.com/chomusuke-mk/vidra/internal/model"
)

// RestoreJobs rebuilds every persisted job at boot. Statuses are normalized
// for a fresh process by the model layer. A job directory with an unreadable
// state snapshot is skipped with a log line rather than failing the boot;
// missing secondary documents (options, logs, entries) degrade to empty.
func (s *Store) RestoreJobs() ([]*model.Job, error) {
	ids, err := s.JobIDs()
	if err != nil {
		return nil, err
	}

	jobs := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		ps, err := s.LoadState(id)
		if err != nil {
			s.log.Error("skipping unreadable job state", "job_id", id, "error", err)
			continue
		}
		job := model.JobFromPersisted(ps)

		if options, version, err := s.LoadOptions(id); err == nil {
			job.Options = options
			job.OptionsVersion = version
		} else if !errors.Is(err, ErrNotFound) {
			s.log.Warn("options document unreadable", "job_id", id, "error", err)
		}

		if logs, version, err := s.LoadLogs(id); err == nil {
			job.Logs.Restore(logs)
			job.LogsVersion = version
		} else if !errors.Is(err, ErrNotFound) {
			s.log.Warn("logs document unreadable", "job_id", id, "error", err)
		}

		if entries, version, err := s.LoadEntries(id); err == nil {
			restorePlaylistMetadata(job, entries)
			job.EntriesVersion = version
		} else if !errors.Is(err, ErrNotFound) {
			s.log.Warn("entries document unreadable", "job_id", id, "error", err)
		}

		jobs = append(jobs, job)
	}
	return jobs, nil
}

// restorePlaylistMetadata rebuilds the playlist sub-document from the
// persisted entries array
func restorePlaylistMetadata(job *model.Job, entries []docval.Doc) {
	list := make([]any, 0, len(entries))
	for _, e := range entries {
		list = append(list, map[string]any(e))
	}
	playlist, ok := job.Metadata.Sub(model.MKPlaylist)
	if !ok {
		playlist = docval.Doc{}
		job.Metadata[model.MKPlaylist] = map[string]any(playlist)
	}
	playlist[model.MKEntries] = list
	playlist[model.MKReceived] = len(list)
	if !playlist.Has(model.MKCount) {
		playlist[model.MKCount] = len(list)
	}
	if job.TotalHint == 0 {
		job.TotalHint = len(list)
	}
}
