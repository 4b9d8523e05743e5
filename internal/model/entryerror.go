package model

import "time"

// PlaylistEntryError records the most recent failure of one playlist entry.
// There is at most one record per currently-failed index; repeated failures
// replace the record in place, and success or explicit deletion removes it.
type PlaylistEntryError struct {
	Index      int       `json:"index"`
	EntryID    string    `json:"entry_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Message    string    `json:"message"`
	RecordedAt time.Time `json:"recorded_at"`
	LastStatus string    `json:"last_status,omitempty"`
}
