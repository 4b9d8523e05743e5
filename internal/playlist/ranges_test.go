package playlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chomusuke-mk/vidra/internal/model"
)

func TestFormatRanges(t *testing.T) {
	tests := []struct {
		name     string
		indices  []int
		expected string
	}{
		{"empty", nil, ""},
		{"single", []int{4}, "4"},
		{"disjoint singles", []int{4, 6}, "4,6"},
		{"adjacent merge", []int{1, 2, 3, 5}, "1-3,5"},
		{"overlap merge", []int{1, 2, 2, 3}, "1-3"},
		{"mixed", []int{1, 3, 4, 5, 9}, "1,3-5,9"},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, FormatRanges(test.indices), test.name)
	}
}

func TestResumeSpec_SelectionSkipsCompleted(t *testing.T) {
	job := newPlaylistJob(t, 6)
	require.NoError(t, ApplySelection(job, []int{2, 4, 6}))
	job.Completed.Add(2)

	spec := ResumeSpec(job)

	assert.Equal(t, "4,6", spec, "completed entry 2 never reappears in the resume spec")
}

func TestResumeSpec_PrefersActiveIndex(t *testing.T) {
	job := newPlaylistJob(t, 5)
	require.NoError(t, ApplySelection(job, []int{2, 3, 4}))
	job.Completed.Add(2)
	job.ActiveIndex = 3

	assert.Equal(t, 3, ResumePoint(job))
	assert.Equal(t, "3-4", ResumeSpec(job))
}

func TestResumeSpec_NoSelection(t *testing.T) {
	job := newPlaylistJob(t, 5)

	// Fresh job: no restriction needed.
	assert.Equal(t, "", ResumeSpec(job))

	// Entries 1-2 done: resume from 3 onward.
	job.Completed = model.NewIndexSet(1, 2)
	assert.Equal(t, "3-5", ResumeSpec(job))

	// A gap after the resume point is carved out.
	job.Completed = model.NewIndexSet(1, 3)
	assert.Equal(t, "2,4-5", ResumeSpec(job))
}

func TestResumeSpec_UnknownTotal(t *testing.T) {
	job := model.NewJob("job-1", []string{"u"}, nil, "")
	job.Completed = model.NewIndexSet(1, 2)

	assert.Equal(t, "3-", ResumeSpec(job), "unknown total yields an open-ended range")
}

func TestResumeSpec_NothingLeft(t *testing.T) {
	job := newPlaylistJob(t, 2)
	require.NoError(t, ApplySelection(job, []int{1, 2}))
	job.Completed = model.NewIndexSet(1, 2)

	assert.Equal(t, 0, ResumePoint(job))
	assert.Equal(t, "", ResumeSpec(job))
}

func TestRetrySpec(t *testing.T) {
	job := newPlaylistJob(t, 6)
	job.PendingRetry = model.NewIndexSet(2, 3, 5)
	job.Removed.Add(5)

	assert.Equal(t, "2-3", RetrySpec(job))
}
