package scanner

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
)

// Sink receives the paths found by a scan
type Sink interface {
	Submit(path string) bool
}

// Scanner submits files that arrived while the process was not running
type Scanner struct {
	dir   string
	sink  Sink
	match func(name string) bool
}

// New creates a scanner for dir. match pre-selects names; nil submits every file.
func New(dir string, sink Sink, match func(name string) bool) *Scanner {
	return &Scanner{dir: dir, sink: sink, match: match}
}

// ScanResult represents the result of a scan operation
type ScanResult struct {
	FilesScanned int
	Submitted    int
	FilesSkipped int
}

// Scan walks the top level of the directory, oldest file first, and submits
// each regular file. Admission rules are left to the sink.
func (s *Scanner) Scan() (*ScanResult, error) {
	absDir, err := filepath.Abs(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", s.dir, err)
	}

	entries, err := os.ReadDir(absDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", absDir, err)
	}

	type candidate struct {
		path    string
		modTime int64
	}
	var candidates []candidate
	result := &ScanResult{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		result.FilesScanned++

		if s.match != nil && !s.match(entry.Name()) {
			result.FilesSkipped++
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() {
			result.FilesSkipped++
			continue
		}
		candidates = append(candidates, candidate{
			path:    filepath.Join(absDir, entry.Name()),
			modTime: info.ModTime().UnixNano(),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].modTime < candidates[j].modTime
	})
	for _, c := range candidates {
		if !s.sink.Submit(c.path) {
			break
		}
		result.Submitted++
	}

	log.Printf("[Scanner] Startup scan of %s: %d file(s), %d submitted", absDir, result.FilesScanned, result.Submitted)
	return result, nil
}
