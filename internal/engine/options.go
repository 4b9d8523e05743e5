package engine

// Option document keys the orchestration layer reads or injects. Everything
// else in the options blob passes through untouched.
const (
	OptFormat            = "format"
	OptOutputTemplate    = "output_template"
	OptDownloadDir       = "download_dir"
	OptPlaylistItems     = "playlist_items"
	OptNoPlaylist        = "no_playlist"
	OptForceOverwrites   = "force_overwrites"
	OptRestrictFilenames = "restrict_filenames"
)

// DefaultOutputTemplate mirrors the engine's own default naming
const DefaultOutputTemplate = "%(title)s.%(ext)s"
