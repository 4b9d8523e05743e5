package model

// Keys of the metadata document's sub-objects
const (
	MKPreview  = "preview"
	MKPlaylist = "playlist"
)

// Keys inside the playlist sub-document
const (
	MKEntries    = "entries"
	MKCount      = "count"
	MKReceived   = "received"
	MKIsPlaylist = "is_playlist"
	MKExtractor  = "extractor"
	MKTitle      = "title"
)

// Keys of a single playlist entry document
const (
	EKIndex    = "index"
	EKID       = "id"
	EKURL      = "url"
	EKTitle    = "title"
	EKDuration = "duration"
)
