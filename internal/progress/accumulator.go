// Package progress normalizes raw engine hook payloads into the job's
// canonical progress snapshot. Its main job is reconciling byte counters
// across the engine's transfer contexts (separate video/audio fragments of
// one logical entry) so downloaded and total bytes never spuriously reset
// when the engine switches streams.
package progress

import (
	"math"
	"strconv"
	"time"

	"github.com/chomusuke-mk/vidra/internal/docval"
	"github.com/chomusuke-mk/vidra/internal/model"
)

// Context key resolution order: explicit context id, final filename, temp
// filename, playlist entry id, playlist index, job id fallback.
var contextKeyFields = []string{
	model.PKContextID,
	model.PKFilename,
	model.PKTmpFilename,
	model.PKPlaylistEntryID,
}

// Entry key resolution order: entry id, alternate entry id field, playlist
// index, filename, context key, job id fallback.
var entryKeyFields = []string{
	model.PKEntryID,
	model.PKVideoID,
}

// Snapshot keys dropped when the stage changes, unless the incoming payload
// explicitly supplies them
var stageScopedKeys = []string{
	model.PKStagePercent,
	model.PKStageName,
	model.PKMessage,
	model.PKCurrentItem,
	model.PKTotalItems,
}

// record is the accumulator state for one logical sub-download
type record struct {
	currentContext   string
	lastDownloaded   float64 // adjusted, last seen in currentContext
	lastTotal        float64 // adjusted, last seen in currentContext
	offsetDownloaded float64
	offsetTotal      float64
	seenContexts     map[string]struct{}
	maxPercent       float64
	hasPercent       bool
}

// Accumulator reconciles raw hook payloads for one job. It is not safe for
// concurrent use on its own; the registry applies payloads under its lock.
type Accumulator struct {
	jobID   string
	records map[string]*record
}

// New creates an accumulator for one job run
func New(jobID string) *Accumulator {
	return &Accumulator{
		jobID:   jobID,
		records: make(map[string]*record),
	}
}

// Reset drops all per-entry accumulator state ahead of a new run
func (a *Accumulator) Reset() {
	a.records = make(map[string]*record)
}

// Forget drops the accumulated state of one entry. Used when an entry is
// downloaded again in the same run, so the fresh transfer starts without
// the finished pass's offsets and percent floor.
func (a *Accumulator) Forget(entryKey string) {
	delete(a.records, entryKey)
}

// ContextKey resolves which transfer context a payload belongs to
func (a *Accumulator) ContextKey(raw docval.Doc) string {
	if key, ok := raw.FirstString(contextKeyFields...); ok {
		return key
	}
	if idx, ok := raw.Int(model.PKPlaylistIndex); ok && idx > 0 {
		return "index:" + strconv.FormatInt(idx, 10)
	}
	return a.jobID
}

// EntryKey resolves which logical sub-download a payload belongs to
func (a *Accumulator) EntryKey(raw docval.Doc) string {
	if key, ok := raw.FirstString(entryKeyFields...); ok {
		return key
	}
	if idx, ok := raw.Int(model.PKPlaylistIndex); ok && idx > 0 {
		return "index:" + strconv.FormatInt(idx, 10)
	}
	if name, ok := raw.String(model.PKFilename); ok && name != "" {
		return name
	}
	if key, ok := raw.FirstString(contextKeyFields...); ok {
		return key
	}
	return a.jobID
}

// Apply normalizes a raw hook payload and merges it over the previous
// snapshot, returning the new snapshot. Neither input is mutated.
func (a *Accumulator) Apply(prev model.ProgressSnapshot, raw docval.Doc, startedAt, finishedAt time.Time) model.ProgressSnapshot {
	adjusted := a.adjust(raw)

	merged := docval.Merge(prev, adjusted)

	prevStage, _ := prev.String(model.PKStage)
	newStage, _ := merged.String(model.PKStage)
	if newStage != prevStage {
		for _, key := range stageScopedKeys {
			if !raw.Has(key) {
				delete(merged, key)
			}
		}
	}

	mergeElapsed(prev, raw, merged, startedAt, finishedAt)
	return merged
}

// adjust applies offset folding to the payload's byte counters and derives
// remaining bytes and percent
func (a *Accumulator) adjust(raw docval.Doc) docval.Doc {
	out := raw.Clone()
	if out == nil {
		out = docval.Doc{}
	}

	entryKey := a.EntryKey(raw)
	contextKey := a.ContextKey(raw)

	rec, ok := a.records[entryKey]
	if !ok {
		rec = &record{seenContexts: make(map[string]struct{})}
		a.records[entryKey] = rec
	}

	if rec.currentContext != "" && contextKey != rec.currentContext {
		if _, seen := rec.seenContexts[contextKey]; !seen {
			rec.fold()
		}
	}
	rec.currentContext = contextKey

	rawDownloaded, hasDownloaded := raw.Float(model.PKDownloadedBytes)
	rawTotal, hasTotal := raw.Float(model.PKTotalBytes)

	var downloaded, total float64
	var haveAdjusted, haveTotal bool
	if hasDownloaded {
		downloaded = rawDownloaded + rec.offsetDownloaded
		rec.lastDownloaded = downloaded
		out[model.PKDownloadedBytes] = downloaded
		haveAdjusted = true
	}
	switch {
	case hasTotal:
		total = rawTotal + rec.offsetTotal
		rec.lastTotal = total
		out[model.PKTotalBytes] = total
		haveTotal = true
	case rec.offsetTotal > 0:
		// No total in this context yet; the folded offset is the best
		// provisional estimate.
		total = rec.offsetTotal
		out[model.PKTotalBytes] = total
		haveTotal = true
	}

	if haveAdjusted && haveTotal {
		out[model.PKRemainingBytes] = math.Max(total-downloaded, 0)
	}
	if haveAdjusted && haveTotal && total > 0 {
		pct := model.ClampPercent(round2(downloaded / total * 100))
		// Context folding can briefly inflate the denominator ahead of the
		// numerator; within one entry the reported percent never regresses.
		if rec.hasPercent && pct < rec.maxPercent {
			pct = rec.maxPercent
		}
		rec.maxPercent = pct
		rec.hasPercent = true
		out[model.PKPercent] = pct
	}

	return out
}

// fold absorbs the ending context's contribution into the running offsets.
// The total delta is floored by the downloaded delta so the denominator can
// never fall below what was already transferred.
func (r *record) fold() {
	deltaDownloaded := math.Max(r.lastDownloaded-r.offsetDownloaded, 0)
	deltaTotal := math.Max(r.lastTotal-r.offsetTotal, 0)
	if deltaTotal < deltaDownloaded {
		deltaTotal = deltaDownloaded
	}
	r.offsetDownloaded += deltaDownloaded
	r.offsetTotal += deltaTotal
	r.seenContexts[r.currentContext] = struct{}{}
}

// mergeElapsed enforces elapsed monotonicity: the merged value is the
// maximum of the previous value, the incoming value, and the wall-clock
// elapsed derived from the job timestamps
func mergeElapsed(prev, raw docval.Doc, merged docval.Doc, startedAt, finishedAt time.Time) {
	best, hasBest := prev.Float(model.PKElapsed)
	if v, ok := raw.Float(model.PKElapsed); ok && (!hasBest || v > best) {
		best = v
		hasBest = true
	}
	if !startedAt.IsZero() {
		end := time.Now()
		if !finishedAt.IsZero() {
			end = finishedAt
		}
		if wall := end.Sub(startedAt).Seconds(); wall > 0 && (!hasBest || wall > best) {
			best = wall
			hasBest = true
		}
	}
	if hasBest {
		merged[model.PKElapsed] = best
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
