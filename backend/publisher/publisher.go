// Package publisher writes finished workbooks into the synchronized output
// directory. Content is staged in a hidden temp file next to its destination and
// renamed into place, so a sync agent never sees a partially written file.
package publisher

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrPublish is wrapped by every publish failure
var ErrPublish = errors.New("publish failed")

const (
	namePrefix = "Processed_"
	nameLayout = "20060102_150405"
	nameExt    = ".xlsx"

	tempPrefix = ".~reportflow-"
	tempSuffix = ".tmp"
)

// FileName returns the output name for a processing time and disambiguator.
// seq 1 yields Processed_YYYYMMDD_HHMMSS.xlsx, higher values append _<seq>.
func FileName(at time.Time, seq int) string {
	stamp := at.Format(nameLayout)
	if seq <= 1 {
		return namePrefix + stamp + nameExt
	}
	return fmt.Sprintf("%s%s_%d%s", namePrefix, stamp, seq, nameExt)
}

// Publisher owns the output directory. Name reservation is serialized so two
// workers finishing in the same second never pick the same final name.
type Publisher struct {
	dir string

	mu       sync.Mutex
	reserved map[string]bool
}

// New creates a publisher for dir, which must already exist
func New(dir string) (*Publisher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("output directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("output directory %s is not a directory", dir)
	}
	return &Publisher{dir: dir, reserved: make(map[string]bool)}, nil
}

// Dir returns the output directory
func (p *Publisher) Dir() string {
	return p.dir
}

// CleanStale removes temp files left behind by an interrupted run
func (p *Publisher) CleanStale() (int, error) {
	matches, err := filepath.Glob(filepath.Join(p.dir, tempPrefix+"*"+tempSuffix))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			log.Printf("[Publisher] Warning: failed to remove stale temp file %s: %v", m, err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Reserve picks a free final name for at and holds it until Commit or Release.
// The reservation survives in memory only; callers that persist the path before
// renaming can detect a completed publish after a crash.
func (p *Publisher) Reserve(at time.Time) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for seq := 1; ; seq++ {
		name := FileName(at, seq)
		if p.reserved[name] {
			continue
		}
		_, err := os.Lstat(filepath.Join(p.dir, name))
		if err == nil {
			continue
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("%w: check %s: %v", ErrPublish, name, err)
		}
		p.reserved[name] = true
		return filepath.Join(p.dir, name), nil
	}
}

// Release drops a reservation without publishing
func (p *Publisher) Release(finalPath string) {
	p.mu.Lock()
	delete(p.reserved, filepath.Base(finalPath))
	p.mu.Unlock()
}

// Commit stages write's output in a temp file and renames it to finalPath, which
// must come from Reserve. The reservation is released whatever the outcome.
func (p *Publisher) Commit(finalPath string, write func(io.Writer) error) error {
	defer p.Release(finalPath)

	tmp, err := os.CreateTemp(p.dir, tempPrefix+"*"+tempSuffix)
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrPublish, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if err := write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s: %v", ErrPublish, filepath.Base(finalPath), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync: %v", ErrPublish, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrPublish, err)
	}

	if _, err := os.Lstat(finalPath); err == nil {
		return fmt.Errorf("%w: %s already exists", ErrPublish, filepath.Base(finalPath))
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("%w: rename to %s: %v", ErrPublish, filepath.Base(finalPath), err)
	}
	committed = true
	return nil
}

// Publish reserves a name for at and commits write's output under it
func (p *Publisher) Publish(at time.Time, write func(io.Writer) error) (string, error) {
	finalPath, err := p.Reserve(at)
	if err != nil {
		return "", err
	}
	if err := p.Commit(finalPath, write); err != nil {
		return "", err
	}
	return finalPath, nil
}

// IsTempFile reports whether name is one of the publisher's staging files
func IsTempFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, tempPrefix) && strings.HasSuffix(base, tempSuffix)
}
