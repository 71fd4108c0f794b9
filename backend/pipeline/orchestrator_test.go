package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andi/reportflow/backend/converter"
	"github.com/andi/reportflow/backend/database"
	"github.com/andi/reportflow/backend/filter"
	"github.com/andi/reportflow/backend/models"
	"github.com/andi/reportflow/backend/publisher"
	"github.com/andi/reportflow/backend/stability"
	"github.com/andi/reportflow/backend/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

var outputName = regexp.MustCompile(`^Processed_\d{8}_\d{6}(_\d+)?\.xlsx$`)

type recorder struct {
	mu     sync.Mutex
	events []models.ProcessingRecord
}

func (r *recorder) RecordChanged(rec models.ProcessingRecord) {
	r.mu.Lock()
	r.events = append(r.events, rec)
	r.mu.Unlock()
}

func (r *recorder) count(path string, state models.RecordState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.SourcePath == path && e.State == state {
			n++
		}
	}
	return n
}

func (r *recorder) last(path string) (models.ProcessingRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].SourcePath == path {
			return r.events[i], true
		}
	}
	return models.ProcessingRecord{}, false
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type converterFunc func(ctx context.Context, legacyPath, workDir string) (string, error)

func (f converterFunc) Convert(ctx context.Context, legacyPath, workDir string) (string, error) {
	return f(ctx, legacyPath, workDir)
}

type harness struct {
	o        *Orchestrator
	watchDir string
	outDir   string
	clock    *clock
	events   *recorder
	seq      int
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		watchDir: t.TempDir(),
		outDir:   t.TempDir(),
		clock:    &clock{now: time.Now()},
		events:   &recorder{},
	}

	pub, err := publisher.New(h.outDir)
	require.NoError(t, err)

	opts := Options{
		Filter:    filter.New("ETSA-TSA-", ".xls", 12*time.Hour),
		Converter: converter.NewGate(&converter.Sniffing{}),
		Publisher: pub,
		Stability: stability.Settings{
			PollInterval: 5 * time.Millisecond,
			QuietPeriod:  10 * time.Millisecond,
			Timeout:      2 * time.Second,
		},
		StabilityAttempts: 2,
		RetryBackoff:      5 * time.Millisecond,
		Transform:         transform.Options{Column: 2, StartRow: 19},
		MaxWorkers:        2,
		PublishAttempts:   2,
		PublishBackoff:    time.Millisecond,
		Now:               h.clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}

	o, err := New(opts)
	require.NoError(t, err)
	o.SetNotifier(h.events)
	o.Start()
	t.Cleanup(func() { o.Shutdown(5 * time.Second) })
	h.o = o
	return h
}

// writeReport writes the vendor layout as OOXML content behind an .xls name
func (h *harness) writeReport(t *testing.T, name string, age time.Duration) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetCellStr(sheet, "B18", "Document"))
	require.NoError(t, f.SetCellStr(sheet, "B19", "Report A"))
	require.NoError(t, f.SetCellHyperLink(sheet, "B19", "https://x/1", "External"))
	require.NoError(t, f.SetCellStr(sheet, "B20", "Report B"))
	require.NoError(t, f.SetCellStr(sheet, "B21", "Report C ### https://x/3"))

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	path := filepath.Join(h.watchDir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func (h *harness) waitTerminal(t *testing.T, path string) models.ProcessingRecord {
	t.Helper()
	var rec models.ProcessingRecord
	require.Eventually(t, func() bool {
		var ok bool
		rec, ok = h.o.Lookup(path)
		return ok && rec.Terminal()
	}, 10*time.Second, 5*time.Millisecond, "record for %s never finished", filepath.Base(path))
	return rec
}

// barrier pushes a fresh file through the queue; everything submitted earlier
// has been admitted or dismissed once it completes
func (h *harness) barrier(t *testing.T) {
	t.Helper()
	h.seq++
	path := h.writeReport(t, fmt.Sprintf("ETSA-TSA-barrier-%d.xls", h.seq), time.Hour)
	require.True(t, h.o.Submit(path))
	h.waitTerminal(t, path)
}

func (h *harness) outputs(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.outDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestPipeline_EndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	path := h.writeReport(t, "ETSA-TSA-2024.xls", 2*time.Hour)

	require.True(t, h.o.Submit(path))
	rec := h.waitTerminal(t, path)

	require.Equal(t, models.StateDone, rec.State, rec.ErrorMessage)
	assert.Equal(t, 1, rec.RowsChanged)
	assert.Equal(t, 1, rec.Attempts)
	require.NotNil(t, rec.CompletedAt)

	outs := h.outputs(t)
	require.Len(t, outs, 1)
	assert.Regexp(t, outputName, outs[0])
	assert.Equal(t, filepath.Join(h.outDir, outs[0]), rec.OutputPath)

	f, err := excelize.OpenFile(rec.OutputPath)
	require.NoError(t, err)
	defer f.Close()
	sheet := f.GetSheetName(0)
	for axis, want := range map[string]string{
		"B19": "Report A ### https://x/1",
		"B20": "Report B",
		"B21": "Report C ### https://x/3",
	} {
		got, err := f.GetCellValue(sheet, axis)
		require.NoError(t, err)
		assert.Equal(t, want, got, axis)
	}

	for _, s := range []models.RecordState{
		models.StateDiscovered, models.StateStabilizing, models.StateStable,
		models.StateConverting, models.StateTransforming, models.StatePublishing, models.StateDone,
	} {
		assert.GreaterOrEqual(t, h.events.count(path, s), 1, "missing transition to %s", s)
	}

	src, err := os.Stat(path)
	require.NoError(t, err, "source file is left in place")
	assert.Greater(t, src.Size(), int64(0))
}

func TestPipeline_AtMostOnceUnderConcurrentEvents(t *testing.T) {
	h := newHarness(t, nil)
	path := h.writeReport(t, "ETSA-TSA-dup.xls", time.Hour)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.o.Submit(path)
		}()
	}
	wg.Wait()

	rec := h.waitTerminal(t, path)
	require.Equal(t, models.StateDone, rec.State)
	h.barrier(t)

	assert.Equal(t, 1, h.events.count(path, models.StateDiscovered))
	assert.Equal(t, 1, h.events.count(path, models.StateDone))
	assert.Len(t, h.outputs(t), 2, "one output for the file plus one for the barrier")
}

func TestPipeline_Rejections(t *testing.T) {
	h := newHarness(t, nil)
	random := h.writeReport(t, "random-file.xls", time.Hour)
	old := h.writeReport(t, "ETSA-TSA-old.xls", 13*time.Hour)
	missing := filepath.Join(h.watchDir, "ETSA-TSA-gone.xls")

	for _, p := range []string{random, old, missing, h.watchDir} {
		require.True(t, h.o.Submit(p))
	}
	h.barrier(t)

	for _, p := range []string{random, old, missing} {
		_, ok := h.o.Lookup(p)
		assert.False(t, ok, "%s must not be processed", filepath.Base(p))
		assert.Zero(t, h.events.count(p, models.StateDiscovered))
	}
	assert.Len(t, h.outputs(t), 1)
}

func TestPipeline_CaseInsensitiveNames(t *testing.T) {
	h := newHarness(t, nil)
	path := h.writeReport(t, "etsa-tsa-lower.XLS", time.Hour)

	require.True(t, h.o.Submit(path))
	rec := h.waitTerminal(t, path)
	assert.Equal(t, models.StateDone, rec.State)
}

func TestPipeline_ReprocessingGuard(t *testing.T) {
	h := newHarness(t, nil)
	path := h.writeReport(t, "ETSA-TSA-guard.xls", 2*time.Hour)

	require.True(t, h.o.Submit(path))
	first := h.waitTerminal(t, path)
	require.Equal(t, models.StateDone, first.State)

	// same mtime: ignored
	require.True(t, h.o.Submit(path))
	h.barrier(t)
	assert.Equal(t, 1, h.events.count(path, models.StateDiscovered))

	// corrected file re-delivered under the same name
	newer := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, newer, newer))
	require.True(t, h.o.Submit(path))
	require.Eventually(t, func() bool {
		return h.events.count(path, models.StateDone) == 2
	}, 10*time.Second, 5*time.Millisecond)

	second, ok := h.o.Lookup(path)
	require.True(t, ok)
	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.OutputPath, second.OutputPath)
}

func TestPipeline_GuardSurvivesRestartAndEviction(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := database.NewRecordRepo(db)

	h := newHarness(t, func(o *Options) {
		o.Store = repo
		o.Retention = time.Minute
	})
	path := h.writeReport(t, "ETSA-TSA-persist.xls", time.Hour)
	require.True(t, h.o.Submit(path))
	require.Equal(t, models.StateDone, h.waitTerminal(t, path).State)

	stored, err := repo.Latest(path)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.StateDone, stored.State)
	assert.NotEmpty(t, stored.OutputPath)

	h.clock.Advance(2 * time.Minute)
	assert.GreaterOrEqual(t, h.o.Evict(), 1)
	_, ok := h.o.Lookup(path)
	require.False(t, ok, "evicted from memory")

	require.True(t, h.o.Submit(path))
	h.barrier(t)
	assert.Equal(t, 1, h.events.count(path, models.StateDiscovered), "history in the store blocks reprocessing")

	require.NoError(t, h.o.Shutdown(time.Second))

	// a fresh process sharing the store
	restarted := newHarness(t, func(o *Options) { o.Store = repo })
	require.True(t, restarted.o.Submit(path))
	restarted.barrier(t)
	assert.Zero(t, restarted.events.count(path, models.StateDiscovered))
}

// waitState waits until path has been reported in state at least once
func (h *harness) waitState(t *testing.T, path string, state models.RecordState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.events.count(path, state) > 0
	}, 10*time.Second, 2*time.Millisecond, "%s never reached %s", filepath.Base(path), state)
}

func TestPipeline_GuardUsesSettledModTime(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := database.NewRecordRepo(db)

	slowSettle := func(o *Options) {
		o.Store = repo
		o.Stability.QuietPeriod = 500 * time.Millisecond
	}
	h := newHarness(t, slowSettle)
	path := h.writeReport(t, "ETSA-TSA-download.xls", time.Hour)
	require.True(t, h.o.Submit(path))

	// the download is still being written when the record starts stabilizing
	h.waitState(t, path, models.StateStabilizing)
	moved := time.Now().Add(-30 * time.Minute)
	require.NoError(t, os.Chtimes(path, moved, moved))
	info, err := os.Stat(path)
	require.NoError(t, err)
	settled := info.ModTime()

	rec := h.waitTerminal(t, path)
	require.Equal(t, models.StateDone, rec.State)
	assert.True(t, rec.SourceModTime.Equal(modTimeKey(settled)), "got %v", rec.SourceModTime)

	stored, err := repo.Latest(path)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.SourceModTime.Equal(modTimeKey(settled)), "got %v", stored.SourceModTime)

	// the untouched file is delivered again
	require.True(t, h.o.Submit(path))
	h.barrier(t)
	assert.Equal(t, 1, h.events.count(path, models.StateDiscovered))
	assert.Len(t, h.outputs(t), 2, "one report plus the barrier")

	require.NoError(t, h.o.Shutdown(5*time.Second))

	// and again by a fresh process sharing the store
	restarted := newHarness(t, func(o *Options) { o.Store = repo })
	require.True(t, restarted.o.Submit(path))
	restarted.barrier(t)
	assert.Zero(t, restarted.events.count(path, models.StateDiscovered))
}

func TestPipeline_RetryOfIneligibleFileIsDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	path := h.writeReport(t, "ETSA-TSA-aged.xls", time.Hour)
	info, err := os.Stat(path)
	require.NoError(t, err)
	original := info.ModTime()

	require.True(t, h.o.Submit(path))
	require.Equal(t, models.StateDone, h.waitTerminal(t, path).State)

	// too old by the time the retry is admitted
	stale := time.Now().Add(-13 * time.Hour)
	require.NoError(t, os.Chtimes(path, stale, stale))
	require.NoError(t, h.o.Retry(path))
	h.barrier(t)
	assert.Equal(t, 1, h.events.count(path, models.StateDiscovered))

	// back to the already-published version: the guard applies again
	require.NoError(t, os.Chtimes(path, original, original))
	require.True(t, h.o.Submit(path))
	h.barrier(t)
	assert.Equal(t, 1, h.events.count(path, models.StateDiscovered))
}

func TestPipeline_FailureKinds(t *testing.T) {
	t.Run("conversion error", func(t *testing.T) {
		h := newHarness(t, func(o *Options) {
			o.Converter = converterFunc(func(ctx context.Context, legacyPath, workDir string) (string, error) {
				return "", fmt.Errorf("%w: engine exited with code 1", converter.ErrConversion)
			})
		})
		path := h.writeReport(t, "ETSA-TSA-conv.xls", time.Hour)
		require.True(t, h.o.Submit(path))

		rec := h.waitTerminal(t, path)
		assert.Equal(t, models.StateFailed, rec.State)
		assert.Equal(t, models.FailureConversion, rec.FailureKind)
		assert.Contains(t, rec.ErrorMessage, "code 1")
		assert.Empty(t, h.outputs(t))
	})

	t.Run("transform error", func(t *testing.T) {
		h := newHarness(t, func(o *Options) {
			o.Transform = transform.Options{Sheet: "Missing", Column: 2, StartRow: 19}
		})
		path := h.writeReport(t, "ETSA-TSA-sheet.xls", time.Hour)
		require.True(t, h.o.Submit(path))

		rec := h.waitTerminal(t, path)
		assert.Equal(t, models.FailureTransform, rec.FailureKind)
		assert.Empty(t, h.outputs(t))
	})

	t.Run("unstable", func(t *testing.T) {
		h := newHarness(t, func(o *Options) {
			o.Stability.Timeout = 30 * time.Millisecond
		})
		path := filepath.Join(h.watchDir, "ETSA-TSA-empty.xls")
		require.NoError(t, os.WriteFile(path, nil, 0o644))
		require.True(t, h.o.Submit(path))

		rec := h.waitTerminal(t, path)
		assert.Equal(t, models.FailureUnstable, rec.FailureKind)
		assert.Equal(t, 2, rec.Attempts)
	})

	t.Run("publish error", func(t *testing.T) {
		h := newHarness(t, nil)
		require.NoError(t, os.RemoveAll(h.outDir))
		path := h.writeReport(t, "ETSA-TSA-pub.xls", time.Hour)
		require.True(t, h.o.Submit(path))

		rec := h.waitTerminal(t, path)
		assert.Equal(t, models.FailurePublish, rec.FailureKind)
		assert.Empty(t, rec.OutputPath)
	})

	t.Run("one failure does not stop others", func(t *testing.T) {
		h := newHarness(t, func(o *Options) {
			o.Converter = converterFunc(func(ctx context.Context, legacyPath, workDir string) (string, error) {
				if filepath.Base(legacyPath) == "ETSA-TSA-bad.xls" {
					return "", converter.ErrUnavailable
				}
				return (&converter.Sniffing{}).Convert(ctx, legacyPath, workDir)
			})
		})
		bad := h.writeReport(t, "ETSA-TSA-bad.xls", time.Hour)
		good := h.writeReport(t, "ETSA-TSA-good.xls", time.Hour)
		require.True(t, h.o.Submit(bad))
		require.True(t, h.o.Submit(good))

		assert.Equal(t, models.StateFailed, h.waitTerminal(t, bad).State)
		assert.Equal(t, models.StateDone, h.waitTerminal(t, good).State)
	})
}

func TestPipeline_RetryAfterFailure(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(o *Options) {
		o.Converter = converterFunc(func(ctx context.Context, legacyPath, workDir string) (string, error) {
			if calls.Add(1) == 1 {
				return "", converter.ErrUnavailable
			}
			return (&converter.Sniffing{}).Convert(ctx, legacyPath, workDir)
		})
	})
	path := h.writeReport(t, "ETSA-TSA-retry.xls", time.Hour)
	require.True(t, h.o.Submit(path))
	require.Equal(t, models.StateFailed, h.waitTerminal(t, path).State)

	require.NoError(t, h.o.Retry(path))
	require.Eventually(t, func() bool {
		return h.events.count(path, models.StateDone) == 1
	}, 10*time.Second, 5*time.Millisecond)
	assert.Len(t, h.outputs(t), 1)
}

func TestPipeline_ShutdownAbortsAfterGrace(t *testing.T) {
	entered := make(chan struct{})
	h := newHarness(t, func(o *Options) {
		o.Converter = converterFunc(func(ctx context.Context, legacyPath, workDir string) (string, error) {
			close(entered)
			<-ctx.Done()
			return "", ctx.Err()
		})
	})
	path := h.writeReport(t, "ETSA-TSA-slow.xls", time.Hour)
	require.True(t, h.o.Submit(path))

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("conversion never started")
	}

	err := h.o.Shutdown(20 * time.Millisecond)
	require.Error(t, err)

	last, ok := h.events.last(path)
	require.True(t, ok)
	assert.Equal(t, models.StateFailed, last.State)
	assert.Equal(t, models.FailureCancelled, last.FailureKind)
	assert.True(t, last.SourceModTime.IsZero(), "aborted files are picked up again on the next run")
	assert.Empty(t, h.outputs(t))

	assert.False(t, h.o.Submit(path), "no admission after shutdown")
	assert.ErrorIs(t, h.o.Retry(path), ErrStopped)
}

func TestPipeline_CancelInFlight(t *testing.T) {
	entered := make(chan struct{})
	h := newHarness(t, func(o *Options) {
		o.Converter = converterFunc(func(ctx context.Context, legacyPath, workDir string) (string, error) {
			close(entered)
			<-ctx.Done()
			return "", ctx.Err()
		})
	})
	path := h.writeReport(t, "ETSA-TSA-cancel.xls", time.Hour)
	require.True(t, h.o.Submit(path))
	<-entered

	assert.ErrorIs(t, h.o.Retry(path), ErrActive)
	require.True(t, h.o.Cancel(path))
	rec := h.waitTerminal(t, path)
	assert.Equal(t, models.FailureCancelled, rec.FailureKind)
	assert.False(t, rec.SourceModTime.IsZero(), "operator cancellation keeps the guard")
	require.Eventually(t, func() bool { return !h.o.Cancel(path) }, time.Second, 5*time.Millisecond)
}

func TestPipeline_ConversionsAreSerialized(t *testing.T) {
	var running, peak atomic.Int32
	inner := converterFunc(func(ctx context.Context, legacyPath, workDir string) (string, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return (&converter.Sniffing{}).Convert(ctx, legacyPath, workDir)
	})
	h := newHarness(t, func(o *Options) {
		o.Converter = converter.NewGate(inner)
		o.MaxWorkers = 4
	})

	var paths []string
	for i := 0; i < 4; i++ {
		p := h.writeReport(t, fmt.Sprintf("ETSA-TSA-par-%d.xls", i), time.Hour)
		paths = append(paths, p)
		require.True(t, h.o.Submit(p))
	}
	for _, p := range paths {
		assert.Equal(t, models.StateDone, h.waitTerminal(t, p).State)
	}
	assert.Equal(t, int32(1), peak.Load())

	outs := h.outputs(t)
	assert.Len(t, outs, 4, "same-second completions get distinct names")
	for _, name := range outs {
		assert.Regexp(t, outputName, name)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestProcessingError(t *testing.T) {
	err := &ProcessingError{Kind: models.FailureConversion, Path: "/w/ETSA-TSA-1.xls", Err: converter.ErrUnavailable}
	assert.ErrorIs(t, err, converter.ErrUnavailable)
	assert.Equal(t, "ETSA-TSA-1.xls: conversion_error: conversion engine unavailable", err.Error())
	assert.False(t, err.Retryable())

	assert.Equal(t, models.FailureUnstable, classify(stability.ErrTimedOut))
	assert.Equal(t, models.FailureTransform, classify(&transform.Error{Msg: "x"}))
	assert.Equal(t, models.FailurePublish, classify(fmt.Errorf("%w: rename", publisher.ErrPublish)))
	assert.Equal(t, models.FailureCancelled, classify(context.Canceled))
	assert.Equal(t, models.FailureNone, classify(errors.New("other")))
}
