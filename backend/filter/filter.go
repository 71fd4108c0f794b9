package filter

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultMaxAge is how old a report may be before it is ignored
const DefaultMaxAge = 12 * time.Hour

// Filter decides whether a file in the watch directory is a report to process.
// Name matching is case-insensitive on both prefix and extension.
type Filter struct {
	prefix    string
	extension string
	maxAge    time.Duration
	stat      func(string) (os.FileInfo, error)
}

// New creates a filter for names like "<prefix>*<extension>"
func New(prefix, extension string, maxAge time.Duration) *Filter {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if extension != "" && !strings.HasPrefix(extension, ".") {
		extension = "." + extension
	}
	return &Filter{
		prefix:    strings.ToLower(prefix),
		extension: strings.ToLower(extension),
		maxAge:    maxAge,
		stat:      os.Stat,
	}
}

// MatchesName reports whether fileName has the configured prefix and extension
func (f *Filter) MatchesName(fileName string) bool {
	name := strings.ToLower(filepath.Base(fileName))
	if !strings.HasPrefix(name, f.prefix) || !strings.HasSuffix(name, f.extension) {
		return false
	}
	// prefix and extension must not overlap
	return len(name) >= len(f.prefix)+len(f.extension)
}

// FreshEnough reports whether a file last modified at modTime is within the max age at now.
// Timestamps slightly in the future (clock skew on network shares) count as fresh.
func (f *Filter) FreshEnough(modTime, now time.Time) bool {
	return now.Sub(modTime) <= f.maxAge
}

// AcceptsInfo is the stat-free form of Accepts
func (f *Filter) AcceptsInfo(fileName string, info os.FileInfo, now time.Time) bool {
	if info == nil || !info.Mode().IsRegular() {
		return false
	}
	return f.MatchesName(fileName) && f.FreshEnough(info.ModTime(), now)
}

// Accepts reports whether the file at filePath is a processing candidate at now.
// A file that cannot be stat'ed is not accepted.
func (f *Filter) Accepts(fileName, filePath string, now time.Time) bool {
	if !f.MatchesName(fileName) {
		return false
	}
	info, err := f.stat(filePath)
	if err != nil {
		return false
	}
	return f.AcceptsInfo(fileName, info, now)
}

// MaxAge returns the configured maximum age
func (f *Filter) MaxAge() time.Duration {
	return f.maxAge
}
