package storage

import (
	"net/url"
	"path/filepath"
	"strings"
)

// filesystem-reserved characters replaced in cache file names
var reservedChars = strings.NewReplacer(
	"<", "_",
	">", "_",
	":", "_",
	"\"", "_",
	"|", "_",
	"?", "_",
	"*", "_",
)

// ObjectKey derives the bucket key for a resource identifier: the URL path
// with query and fragment dropped and the leading slash stripped. A bare
// path (no scheme) is accepted as-is.
func ObjectKey(identifier string) string {
	path := identifier
	if parsed, err := url.Parse(identifier); err == nil && parsed.Path != "" {
		path = parsed.Path
	}
	return strings.TrimPrefix(path, "/")
}

// CacheFilePath computes the canonical local cache file for a resource
// identifier, rooted at cacheDir. Reserved characters are each replaced
// with "_" so the key always maps onto a valid file name.
func CacheFilePath(cacheDir, identifier string) string {
	key := reservedChars.Replace(ObjectKey(identifier))
	return filepath.Join(cacheDir, filepath.FromSlash(key))
}
