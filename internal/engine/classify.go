package engine

import (
	"context"
	"errors"
	"strings"
)

// Outcome is the terminal classification of one engine run
type Outcome int

const (
	// OutcomeCompleted means the engine finished without error
	OutcomeCompleted Outcome = iota

	// OutcomeCancelled means a cancel signal ended the run
	OutcomeCancelled

	// OutcomePaused means a pause signal ended the run
	OutcomePaused

	// OutcomeFailed means the engine reported an unrecoverable error
	OutcomeFailed
)

// String returns a human readable outcome name
func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomePaused:
		return "paused"
	default:
		return "failed"
	}
}

// Error message phrases that smuggle a cancel or pause signal through the
// engine's generic error channel. Matching is best effort and
// case-insensitive; the explicit signals are always consulted first.
var (
	cancelPhrases = []string{"cancelled", "canceled", "interrupted by user", "keyboardinterrupt"}
	pausePhrases  = []string{"paused by user", "download paused"}
)

// Classify determines the terminal outcome of a run. The cancellation and
// pause signals win over everything; then structured error info; then a
// textual match against known phrases. Anything unclassified is a failure
// carrying the raw message.
func Classify(cancelRequested, pauseRequested bool, err error) (Outcome, string) {
	if cancelRequested {
		return OutcomeCancelled, ""
	}
	if pauseRequested {
		return OutcomePaused, ""
	}
	if err == nil {
		return OutcomeCompleted, ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return OutcomeCancelled, ""
	}

	message := err.Error()
	lower := strings.ToLower(message)
	for _, phrase := range cancelPhrases {
		if strings.Contains(lower, phrase) {
			return OutcomeCancelled, ""
		}
	}
	for _, phrase := range pausePhrases {
		if strings.Contains(lower, phrase) {
			return OutcomePaused, ""
		}
	}
	return OutcomeFailed, message
}
