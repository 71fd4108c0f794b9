package stability

import (
	"context"
	"errors"
	"os"
	"time"
)

// ErrTimedOut is returned when a file keeps changing past the timeout
var ErrTimedOut = errors.New("file did not stabilize before timeout")

// Settings controls a single stability wait
type Settings struct {
	PollInterval time.Duration
	QuietPeriod  time.Duration
	Timeout      time.Duration
}

// DefaultSettings mirrors the defaults of the config package
func DefaultSettings() Settings {
	return Settings{
		PollInterval: time.Second,
		QuietPeriod:  5 * time.Second,
		Timeout:      2 * time.Minute,
	}
}

// Observation is one size/mtime sample of a file
type Observation struct {
	Size    int64
	ModTime time.Time
}

func (o Observation) same(other Observation) bool {
	return o.Size == other.Size && o.ModTime.Equal(other.ModTime)
}

// Result is the outcome of WaitUntilStable
type Result struct {
	Stable bool
	Last   Observation // last successful sample, zero if none
	Polls  int
}

// Detector polls files until their size and modification time stop changing
type Detector struct {
	stat func(string) (os.FileInfo, error)
}

// New creates a detector that reads the real filesystem
func New() *Detector {
	return &Detector{stat: os.Stat}
}

// WaitUntilStable polls path every PollInterval. The file is stable once two consecutive
// samples are identical, non-empty, and the unchanged streak spans at least QuietPeriod.
// Stat errors (not yet visible, locked) count as "not yet stable". On timeout the result
// is returned together with ErrTimedOut; on cancellation with ctx.Err().
func (d *Detector) WaitUntilStable(ctx context.Context, path string, s Settings) (Result, error) {
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultSettings().PollInterval
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultSettings().Timeout
	}

	deadline := time.NewTimer(s.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	var (
		result Result
		prev   Observation
		have   bool
		since  time.Time
	)

	for {
		result.Polls++
		now := time.Now()
		info, err := d.stat(path)
		switch {
		case err != nil || !info.Mode().IsRegular():
			have = false
		default:
			cur := Observation{Size: info.Size(), ModTime: info.ModTime()}
			result.Last = cur
			if have && cur.same(prev) && cur.Size > 0 {
				if now.Sub(since) >= s.QuietPeriod {
					result.Stable = true
					return result, nil
				}
			} else {
				prev = cur
				have = true
				since = now
			}
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-deadline.C:
			return result, ErrTimedOut
		case <-ticker.C:
		}
	}
}
