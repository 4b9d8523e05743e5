package model

import (
	"strings"

	"github.com/chomusuke-mk/vidra/internal/docval"
)

// ProgressSnapshot is the canonical progress document for a job. It is a
// dynamic document rather than a fixed struct because its shape follows the
// engine's hook payloads: the engine adds and renames fields freely, and the
// merge rules (explicit null deletes a key, absent keys are preserved) only
// make sense on a key/value document.
type ProgressSnapshot = docval.Doc

// Well-known progress snapshot keys. Raw hook payloads use the same names
// where the engine provides them; the accumulator fills in the derived ones.
const (
	PKStatus          = "status"
	PKStage           = "stage"
	PKStageName       = "stage_name"
	PKStagePercent    = "stage_percent"
	PKPercent         = "percent"
	PKDownloadedBytes = "downloaded_bytes"
	PKTotalBytes      = "total_bytes"
	PKRemainingBytes  = "remaining_bytes"
	PKSpeed           = "speed"
	PKETA             = "eta"
	PKElapsed         = "elapsed"
	PKFilename        = "filename"
	PKTmpFilename     = "tmpfilename"
	PKCurrentItem     = "current_item"
	PKTotalItems      = "total_items"
	PKMessage         = "message"
	PKContextID       = "ctx_id"
	PKEntryID         = "entry_id"
	PKVideoID         = "video_id"

	PKPlaylistIndex          = "playlist_index"
	PKPlaylistEntryID        = "playlist_entry_id"
	PKPlaylistCount          = "playlist_count"
	PKPlaylistTotalItems     = "playlist_total_items"
	PKPlaylistCompletedItems = "playlist_completed_items"
	PKPlaylistPendingItems   = "playlist_pending_items"
	PKPlaylistPercent        = "playlist_percent"
)

// Stage values the orchestration layer recognizes. The engine may report
// others; only StageCompleted carries meaning here.
const (
	StageCompleted = "COMPLETED"
)

// Hook status values treated as a failure of the entry they belong to.
// Matching is case-insensitive.
var FailureStatuses = []string{"error", "failed", "aborted"}

// IsFailureStatus reports whether a hook payload status counts as a failure
func IsFailureStatus(status string) bool {
	for _, f := range FailureStatuses {
		if strings.EqualFold(status, f) {
			return true
		}
	}
	return false
}

// ClampPercent bounds a percentage to the valid [0, 100] range
func ClampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
