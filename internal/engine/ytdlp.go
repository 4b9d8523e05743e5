package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/chomusuke-mk/vidra/internal/docval"
	"github.com/chomusuke-mk/vidra/internal/model"
)

// Progress hook pacing
const (
	DefaultProgressInterval = 500 * time.Millisecond
	cancelPollInterval      = 100 * time.Millisecond
)

// YTDLP drives the yt-dlp binary through the go-ytdlp client
type YTDLP struct {
	downloadDir      string
	progressInterval time.Duration
	log              *slog.Logger
}

// NewYTDLP creates an adapter writing into downloadDir
func NewYTDLP(downloadDir string, log *slog.Logger) *YTDLP {
	if log == nil {
		log = slog.Default()
	}
	return &YTDLP{
		downloadDir:      downloadDir,
		progressInterval: DefaultProgressInterval,
		log:              log.With("component", "engine"),
	}
}

// SetProgressInterval overrides how often progress hooks fire
func (y *YTDLP) SetProgressInterval(interval time.Duration) {
	y.progressInterval = interval
}

// build configures a yt-dlp command from the option document
func (y *YTDLP) build(options docval.Doc) *ytdlp.Command {
	dl := ytdlp.New()

	if options.Has(OptRestrictFilenames) {
		if restrict, _ := options.Bool(OptRestrictFilenames); restrict {
			dl = dl.RestrictFilenames()
		}
	} else {
		dl = dl.RestrictFilenames()
	}

	dir := options.StringOr(OptDownloadDir, y.downloadDir)
	template := options.StringOr(OptOutputTemplate, DefaultOutputTemplate)
	dl = dl.Output(dir + "/" + template)

	if format, ok := options.String(OptFormat); ok && format != "" {
		dl = dl.Format(format)
	}
	if items, ok := options.String(OptPlaylistItems); ok && items != "" {
		dl = dl.PlaylistItems(items)
	}
	if noPlaylist, _ := options.Bool(OptNoPlaylist); noPlaylist {
		dl = dl.NoPlaylist()
	}
	if overwrite, _ := options.Bool(OptForceOverwrites); overwrite {
		dl = dl.ForceOverwrites()
	}
	return dl
}

// ExtractMetadata runs a metadata-only pass and yields one entry document
// per discovered item
func (y *YTDLP) ExtractMetadata(ctx context.Context, urls []string, options docval.Doc, onEntry func(entry docval.Doc)) (*MetadataResult, error) {
	dl := y.build(options).SkipDownload().FlatPlaylist().DumpJSON()

	result, err := dl.Run(ctx, urls...)
	if err != nil {
		return nil, fmt.Errorf("metadata extraction: %w", err)
	}

	infos, err := result.GetExtractedInfo()
	if err != nil {
		return nil, fmt.Errorf("parse extracted info: %w", err)
	}

	meta := &MetadataResult{EntryCount: len(infos), IsPlaylist: len(infos) > 1}
	for i, info := range infos {
		entry := docval.Doc{model.EKIndex: float64(i + 1)}
		if info.ID != "" {
			entry[model.EKID] = info.ID
		}
		if info.Title != nil {
			entry[model.EKTitle] = *info.Title
		}
		if info.URL != nil {
			entry[model.EKURL] = *info.URL
		}
		if info.Extractor != nil && meta.Extractor == "" {
			meta.Extractor = *info.Extractor
		}
		if i == 0 && info.Title != nil {
			meta.Title = *info.Title
		}
		if onEntry != nil {
			onEntry(entry)
		}
	}
	return meta, nil
}

// Download runs the engine, translating its progress updates into hook
// payloads. The cancelled check is polled alongside context cancellation,
// mirroring how stop requests are observed at safe points.
func (y *YTDLP) Download(ctx context.Context, urls []string, options docval.Doc, hooks Hooks, cancelled func() bool) (*DownloadResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cancelled != nil {
		go func() {
			for {
				if cancelled() {
					cancel()
					return
				}
				select {
				case <-runCtx.Done():
					return
				case <-time.After(cancelPollInterval):
				}
			}
		}()
	}

	dl := y.build(options)
	dl = dl.ProgressFunc(y.progressInterval, func(update ytdlp.ProgressUpdate) {
		if hooks.Progress != nil {
			hooks.Progress(payloadFromUpdate(update))
		}
	})

	result, err := dl.Run(runCtx, urls...)

	if result != nil && hooks.Logger != nil {
		feedLogs(hooks.Logger, result.Stderr)
	}

	if err != nil {
		return nil, fmt.Errorf("engine run: %w", err)
	}

	out := &DownloadResult{}
	if infos, infoErr := result.GetExtractedInfo(); infoErr == nil {
		for _, info := range infos {
			if info.Filename != nil && *info.Filename != "" {
				out.Outputs = append(out.Outputs, *info.Filename)
			}
		}
	}
	if hooks.Completion != nil {
		hooks.Completion("download finished")
	}
	return out, nil
}

// payloadFromUpdate converts a client progress update into the free-form
// hook payload shape the accumulator expects
func payloadFromUpdate(update ytdlp.ProgressUpdate) docval.Doc {
	payload := docval.Doc{
		model.PKStatus: strings.ToLower(string(update.Status)),
		model.PKStage:  stageForStatus(string(update.Status)),
	}
	if update.DownloadedBytes > 0 {
		payload[model.PKDownloadedBytes] = float64(update.DownloadedBytes)
	}
	if update.TotalBytes > 0 {
		payload[model.PKTotalBytes] = float64(update.TotalBytes)
	}
	if update.Filename != "" {
		payload[model.PKFilename] = update.Filename
	}
	if eta := update.ETA(); eta > 0 {
		payload[model.PKETA] = eta.Seconds()
	}
	if !update.Started.IsZero() {
		payload[model.PKElapsed] = time.Since(update.Started).Seconds()
	}
	if update.Info != nil {
		if update.Info.Title != nil && *update.Info.Title != "" {
			payload[model.EKTitle] = *update.Info.Title
		}
		if update.Info.ID != "" {
			payload[model.PKVideoID] = update.Info.ID
		}
		if update.Info.PlaylistIndex != nil && *update.Info.PlaylistIndex > 0 {
			payload[model.PKPlaylistIndex] = float64(*update.Info.PlaylistIndex)
		}
	}
	return payload
}

// stageForStatus maps the engine's transfer status to the coarse stage
// names the tracker understands
func stageForStatus(status string) string {
	switch strings.ToLower(status) {
	case "finished":
		return model.StageCompleted
	case "post_processing", "postprocessing", "started":
		return "POSTPROCESSING"
	default:
		return "DOWNLOADING"
	}
}

// feedLogs forwards engine stderr lines to the logger hook, classifying the
// level from the line prefix
func feedLogs(logger func(level, message string), stderr string) {
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		level := model.LogLevelInfo
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "error"):
			level = model.LogLevelError
		case strings.HasPrefix(lower, "warning"):
			level = model.LogLevelWarning
		}
		logger(level, line)
	}
}
