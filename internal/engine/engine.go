// Package engine defines the contract with the external media
// extraction/download engine and provides the yt-dlp backed implementation.
// The orchestration layer treats the engine as a black box: it is invoked
// with urls, an opaque option document and a set of hook callbacks, and
// everything it reports flows back through free-form key/value payloads.
package engine

import (
	"context"

	"github.com/chomusuke-mk/vidra/internal/docval"
)

// Hooks are the callbacks the engine invokes while it works. All payloads
// are free-form documents; consumers must be defensive against missing or
// renamed fields.
type Hooks struct {
	// Progress receives transfer progress payloads
	Progress func(payload docval.Doc)

	// PostProcessor receives post-processing stage payloads
	PostProcessor func(payload docval.Doc)

	// Completion receives the engine's final message for one url
	Completion func(message string)

	// Logger receives engine log lines
	Logger func(level, message string)
}

// MetadataResult summarizes a metadata-only extraction
type MetadataResult struct {
	IsPlaylist bool
	EntryCount int
	Extractor  string
	Title      string
}

// DownloadResult reports what a download run produced
type DownloadResult struct {
	// Outputs are the final file paths the engine reported
	Outputs []string
}

// Engine is the external collaborator performing actual extraction and
// download work. The cancelled check is polled at the engine's safe points
// in addition to context cancellation.
type Engine interface {
	// ExtractMetadata performs a lightweight metadata-only call. Entries may
	// be yielded lazily through onEntry as they are discovered.
	ExtractMetadata(ctx context.Context, urls []string, options docval.Doc, onEntry func(entry docval.Doc)) (*MetadataResult, error)

	// Download performs the actual transfer, reporting through hooks
	Download(ctx context.Context, urls []string, options docval.Doc, hooks Hooks, cancelled func() bool) (*DownloadResult, error)
}
