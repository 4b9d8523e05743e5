package registry

import (
	"log/slog"
	"os"
	"strings"
)

// Partial file suffixes the engine leaves behind for resumable transfers
var partialSuffixes = []string{".part", ".ytdl"}

// IsPartial reports whether a path looks like an in-flight engine artifact
func IsPartial(path string) bool {
	for _, suffix := range partialSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// purgeFiles best-effort deletes files from disk. A path that is already
// gone is not an error.
func purgeFiles(paths []string, log *slog.Logger) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn("file removal failed", "path", path, "error", err)
		}
		// The engine's resume ledger sits next to the partial file
		if IsPartial(path) {
			continue
		}
		for _, suffix := range partialSuffixes {
			if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
				log.Warn("file removal failed", "path", path + suffix, "error", err)
			}
		}
	}
}

// addUnique appends a value unless it is already present
func addUnique(list *[]string, value string) {
	for _, v := range *list {
		if v == value {
			return
		}
	}
	*list = append(*list, value)
}

// removeString removes every occurrence of a value
func removeString(list *[]string, value string) {
	out := (*list)[:0]
	for _, v := range *list {
		if v != value {
			out = append(out, v)
		}
	}
	*list = out
}
