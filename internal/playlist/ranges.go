package playlist

import (
	"strconv"
	"strings"

	"github.com/chomusuke-mk/vidra/internal/model"
)

// ResumePoint returns the index a resumed run should start from: the
// current in-progress index when it is still in scope and unfinished,
// otherwise the smallest in-scope index not yet completed. Zero means
// nothing is left to do.
func ResumePoint(job *model.Job) int {
	if job.ActiveIndex != 0 && isInScope(job, job.ActiveIndex) && !job.Completed.Has(job.ActiveIndex) {
		return job.ActiveIndex
	}
	if job.Selected != nil {
		for _, i := range job.Selected.Values() {
			if !job.Completed.Has(i) && !job.Removed.Has(i) {
				return i
			}
		}
		return 0
	}
	limit := job.TotalHint
	if limit <= 0 {
		// Unknown total: scan past the highest settled index.
		for _, i := range job.Completed.Values() {
			if limit < i {
				limit = i
			}
		}
		limit++
	}
	for i := 1; i <= limit; i++ {
		if !job.Completed.Has(i) && !job.Removed.Has(i) {
			return i
		}
	}
	return 0
}

// ResumeSpec computes the engine-facing range expression for resuming a
// partially finished run. An empty string means no restriction is needed.
// Indices below the resume point are never emitted.
func ResumeSpec(job *model.Job) string {
	resume := ResumePoint(job)
	if resume == 0 {
		return ""
	}

	if job.Selected == nil {
		if job.TotalHint <= 0 {
			if resume <= 1 {
				return ""
			}
			return strconv.Itoa(resume) + "-"
		}
		var indices []int
		for i := resume; i <= job.TotalHint; i++ {
			if !job.Completed.Has(i) && !job.Removed.Has(i) {
				indices = append(indices, i)
			}
		}
		if len(indices) == 0 {
			return ""
		}
		// A fresh job with nothing settled needs no restriction.
		if resume <= 1 && len(indices) == job.TotalHint {
			return ""
		}
		return FormatRanges(indices)
	}

	var indices []int
	for _, i := range job.Selected.Values() {
		if i < resume || job.Completed.Has(i) || job.Removed.Has(i) {
			continue
		}
		indices = append(indices, i)
	}
	return FormatRanges(indices)
}

// RetrySpec computes the range expression for a pending-retry run. Empty
// when no entries are pending.
func RetrySpec(job *model.Job) string {
	var indices []int
	for _, i := range job.PendingRetry.Values() {
		if !job.Removed.Has(i) {
			indices = append(indices, i)
		}
	}
	return FormatRanges(indices)
}

// FormatRanges renders ascending indices as an engine range expression,
// merging adjacent and overlapping indices: [4,6] -> "4,6",
// [1,2,3,5] -> "1-3,5".
func FormatRanges(indices []int) string {
	if len(indices) == 0 {
		return ""
	}
	var parts []string
	start := indices[0]
	end := indices[0]
	flush := func() {
		if start == end {
			parts = append(parts, strconv.Itoa(start))
		} else {
			parts = append(parts, strconv.Itoa(start)+"-"+strconv.Itoa(end))
		}
	}
	for _, i := range indices[1:] {
		if i <= end+1 {
			if i > end {
				end = i
			}
			continue
		}
		flush()
		start, end = i, i
	}
	flush()
	return strings.Join(parts, ",")
}
