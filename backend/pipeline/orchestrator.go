// Package pipeline turns watch-directory events into published reports. A single
// dispatcher admits paths from a bounded queue, and each admitted file is then
// driven through its states by its own goroutine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/andi/reportflow/backend/converter"
	"github.com/andi/reportflow/backend/filter"
	"github.com/andi/reportflow/backend/models"
	"github.com/andi/reportflow/backend/publisher"
	"github.com/andi/reportflow/backend/stability"
	"github.com/andi/reportflow/backend/transform"
	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

// Store persists records across restarts. *database.RecordRepo satisfies it.
type Store interface {
	Save(record *models.ProcessingRecord) error
	Latest(sourcePath string) (*models.ProcessingRecord, error)
}

// Notifier is told about every record transition
type Notifier interface {
	RecordChanged(record models.ProcessingRecord)
}

// Options configures an Orchestrator. Filter, Converter and Publisher are required.
type Options struct {
	Filter      *filter.Filter
	Converter   converter.Converter
	Publisher   *publisher.Publisher
	Transformer *transform.Transformer
	Store       Store

	Stability         stability.Settings
	StabilityAttempts int
	RetryBackoff      time.Duration

	Transform transform.Options

	MaxWorkers      int
	QueueSize       int
	Retention       time.Duration
	PublishAttempts int
	PublishBackoff  time.Duration

	// Now is the clock used for admission, naming and eviction
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Transformer == nil {
		o.Transformer = transform.New(nil)
	}
	if o.Stability == (stability.Settings{}) {
		o.Stability = stability.DefaultSettings()
	}
	if o.StabilityAttempts <= 0 {
		o.StabilityAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 10 * time.Second
	}
	if o.Transform.Column == 0 {
		o.Transform.Column = 2
	}
	if o.Transform.StartRow == 0 {
		o.Transform.StartRow = 19
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 2
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.PublishAttempts <= 0 {
		o.PublishAttempts = 3
	}
	if o.PublishBackoff <= 0 {
		o.PublishBackoff = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Stats summarises the orchestrator for the status surface
type Stats struct {
	PoolSize   int            `json:"pool_size"`
	Busy       int            `json:"busy"`
	Active     int            `json:"active"`
	Tracked    int            `json:"tracked"`
	QueueDepth int            `json:"queue_depth"`
	Workers    []WorkerStatus `json:"workers"`
}

// Orchestrator owns the record registry and runs the per-file state machine
type Orchestrator struct {
	opts     Options
	detector *stability.Detector
	pool     *WorkerPool
	registry *Registry
	queue    chan string

	// work is cancelled when the shutdown grace period runs out
	work       context.Context
	cancelWork context.CancelFunc
	wg         sync.WaitGroup

	stopChan     chan struct{}
	dispatchDone chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
	forced  map[string]bool
	cancels map[string]context.CancelFunc

	notifyMu sync.RWMutex
	notifier Notifier
}

// New creates an orchestrator. Call Start before submitting paths.
func New(opts Options) (*Orchestrator, error) {
	if opts.Filter == nil {
		return nil, errors.New("pipeline: filter is required")
	}
	if opts.Converter == nil {
		return nil, errors.New("pipeline: converter is required")
	}
	if opts.Publisher == nil {
		return nil, errors.New("pipeline: publisher is required")
	}
	opts.applyDefaults()

	work, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:         opts,
		detector:     stability.New(),
		pool:         NewWorkerPool(opts.MaxWorkers),
		registry:     NewRegistry(),
		queue:        make(chan string, opts.QueueSize),
		work:         work,
		cancelWork:   cancel,
		stopChan:     make(chan struct{}),
		dispatchDone: make(chan struct{}),
		forced:       make(map[string]bool),
		cancels:      make(map[string]context.CancelFunc),
	}, nil
}

// SetNotifier sets the transition listener
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.notifyMu.Lock()
	o.notifier = n
	o.notifyMu.Unlock()
}

// Start launches the dispatcher and the eviction janitor
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	log.Printf("[Pipeline] Starting with %d worker(s), queue size %d", o.opts.MaxWorkers, o.opts.QueueSize)
	go o.dispatch()
}

// Submit queues a path for admission. It blocks while the queue is full and
// returns false once shutdown has begun.
func (o *Orchestrator) Submit(path string) bool {
	select {
	case <-o.stopChan:
		return false
	default:
	}

	select {
	case o.queue <- path:
		return true
	case <-o.stopChan:
		return false
	}
}

func (o *Orchestrator) dispatch() {
	defer close(o.dispatchDone)

	janitor := time.NewTicker(janitorInterval(o.opts.Retention))
	defer janitor.Stop()

	for {
		select {
		case <-o.stopChan:
			return
		case path := <-o.queue:
			o.admit(path)
		case <-janitor.C:
			o.Evict()
		}
	}
}

func janitorInterval(retention time.Duration) time.Duration {
	interval := retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > 10*time.Minute {
		interval = 10 * time.Minute
	}
	return interval
}

// admit applies the filter and the reprocessing guard, then starts the record
func (o *Orchestrator) admit(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	// a pending retry is consumed even if the file no longer qualifies
	o.mu.Lock()
	forced := o.forced[abs]
	delete(o.forced, abs)
	o.mu.Unlock()

	name := filepath.Base(abs)
	if !o.opts.Filter.MatchesName(name) || publisher.IsTempFile(name) {
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		return
	}
	now := o.opts.Now()
	if !o.opts.Filter.AcceptsInfo(name, info, now) {
		log.Printf("[Pipeline] Skipping %s: older than %v", name, o.opts.Filter.MaxAge())
		return
	}
	modTime := modTimeKey(info.ModTime())

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}

	if prev, ok := o.registry.Get(abs); ok {
		if !prev.Terminal() {
			return
		}
		if !forced && !modTime.After(prev.SourceModTime) {
			return
		}
	} else if o.opts.Store != nil && !forced {
		prev, err := o.opts.Store.Latest(abs)
		if err != nil {
			log.Printf("[Pipeline] Warning: cannot check history for %s, skipping: %v", name, err)
			return
		}
		if prev != nil && !modTime.After(prev.SourceModTime) {
			return
		}
	}

	rec := &models.ProcessingRecord{
		ID:            uuid.New().String(),
		SourcePath:    abs,
		FileName:      name,
		State:         models.StateDiscovered,
		LastSize:      info.Size(),
		LastModTime:   info.ModTime(),
		SourceModTime: modTime,
		DiscoveredAt:  now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	o.registry.Put(rec)
	snapshot := *rec
	o.persist(&snapshot)
	o.publishChange(snapshot)
	log.Printf("[Pipeline] Discovered %s", name)

	ctx, cancel := context.WithCancel(o.work)
	o.cancels[abs] = cancel
	o.wg.Add(1)
	go o.process(ctx, abs)
}

// modTimeKey drops precision the database may not keep
func modTimeKey(t time.Time) time.Time {
	return t.Truncate(time.Millisecond)
}

// process drives one record from Stabilizing to a terminal state
func (o *Orchestrator) process(ctx context.Context, path string) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		if cancel, ok := o.cancels[path]; ok {
			cancel()
			delete(o.cancels, path)
		}
		o.mu.Unlock()
	}()

	if err := o.run(ctx, path); err != nil {
		o.fail(ctx, path, err)
	}
}

func (o *Orchestrator) run(ctx context.Context, path string) error {
	if err := o.stabilize(ctx, path); err != nil {
		return err
	}
	o.transition(path, func(r *models.ProcessingRecord) { r.State = models.StateStable })

	worker, err := o.pool.Acquire(ctx, path)
	if err != nil {
		return err
	}
	defer o.pool.Release(worker)
	prefix := fmt.Sprintf("[Worker-%d]", worker.ID())

	workDir, err := os.MkdirTemp("", "reportflow-*")
	if err != nil {
		return &ProcessingError{Kind: models.FailureConversion, Path: path, Err: err}
	}
	defer os.RemoveAll(workDir)

	o.transition(path, func(r *models.ProcessingRecord) { r.State = models.StateConverting })
	log.Printf("%s Converting %s", prefix, filepath.Base(path))
	modern, err := o.opts.Converter.Convert(ctx, path, workDir)
	if err != nil {
		return err
	}

	o.transition(path, func(r *models.ProcessingRecord) { r.State = models.StateTransforming })
	f, err := excelize.OpenFile(modern)
	if err != nil {
		return &transform.Error{Msg: "open converted workbook", Err: err}
	}
	defer f.Close()

	res, err := o.opts.Transformer.Transform(f, o.opts.Transform)
	if err != nil {
		return err
	}
	log.Printf("%s Transformed %s: %d row(s), %d changed", prefix, filepath.Base(path), res.Rows, res.Changed)

	finalPath, err := o.publish(ctx, path, func(w io.Writer) error { return f.Write(w) })
	if err != nil {
		return err
	}

	completed := o.opts.Now()
	o.transition(path, func(r *models.ProcessingRecord) {
		r.State = models.StateDone
		r.RowsChanged = res.Changed
		r.OutputPath = finalPath
		r.CompletedAt = &completed
	})
	log.Printf("%s Published %s -> %s", prefix, filepath.Base(path), filepath.Base(finalPath))
	return nil
}

// stabilize waits for the file to settle, retrying timeouts with exponential backoff
func (o *Orchestrator) stabilize(ctx context.Context, path string) error {
	for attempt := 1; ; attempt++ {
		o.transition(path, func(r *models.ProcessingRecord) {
			r.State = models.StateStabilizing
			r.Attempts = attempt
		})

		res, err := o.detector.WaitUntilStable(ctx, path, o.opts.Stability)
		if res.Polls > 0 && !res.Last.ModTime.IsZero() {
			o.registry.Update(path, func(r *models.ProcessingRecord) {
				r.LastSize = res.Last.Size
				r.LastModTime = res.Last.ModTime
				if err == nil {
					// the guard keys on the settled mtime
					r.SourceModTime = modTimeKey(res.Last.ModTime)
				}
			})
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, stability.ErrTimedOut) || attempt >= o.opts.StabilityAttempts {
			return err
		}

		backoff := o.opts.RetryBackoff << (attempt - 1)
		log.Printf("[Pipeline] %s not stable (attempt %d/%d), retrying in %v", filepath.Base(path), attempt, o.opts.StabilityAttempts, backoff)
		if err := sleep(ctx, backoff); err != nil {
			return err
		}
	}
}

// publish reserves an output name, records it, then commits. The reserved path is
// persisted before the rename so a crash in between is recognised on restart.
func (o *Orchestrator) publish(ctx context.Context, path string, write func(io.Writer) error) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= o.opts.PublishAttempts; attempt++ {
		finalPath, err := o.opts.Publisher.Reserve(o.opts.Now())
		if err == nil {
			o.transition(path, func(r *models.ProcessingRecord) {
				r.State = models.StatePublishing
				r.OutputPath = finalPath
			})
			if err = o.opts.Publisher.Commit(finalPath, write); err == nil {
				return finalPath, nil
			}
			o.registry.Update(path, func(r *models.ProcessingRecord) { r.OutputPath = "" })
		}
		lastErr = err

		if attempt < o.opts.PublishAttempts {
			log.Printf("[Pipeline] Publishing %s failed (attempt %d/%d): %v", filepath.Base(path), attempt, o.opts.PublishAttempts, err)
			if err := sleep(ctx, o.opts.PublishBackoff<<(attempt-1)); err != nil {
				return "", err
			}
		}
	}
	return "", lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fail moves the record to Failed. Files aborted by shutdown forget their source
// mtime so the next run picks them up again.
func (o *Orchestrator) fail(ctx context.Context, path string, err error) {
	kind := classify(err)
	var existing *ProcessingError
	if errors.As(err, &existing) {
		kind = existing.Kind
		err = existing.Err
	}
	if ctx.Err() != nil {
		kind = models.FailureCancelled
	}
	if kind == "" {
		kind = models.FailureConversion
	}
	perr := &ProcessingError{Kind: kind, Path: path, Err: err}
	interrupted := kind == models.FailureCancelled && o.work.Err() != nil

	completed := o.opts.Now()
	o.transition(path, func(r *models.ProcessingRecord) {
		r.State = models.StateFailed
		r.FailureKind = kind
		r.ErrorMessage = perr.Err.Error()
		r.CompletedAt = &completed
		if interrupted {
			r.SourceModTime = time.Time{}
		}
		if r.OutputPath != "" {
			if _, statErr := os.Lstat(r.OutputPath); statErr != nil {
				r.OutputPath = ""
			}
		}
	})
	log.Printf("[Pipeline] Failed %v", perr)
}

// transition mutates the record, persists it and notifies listeners
func (o *Orchestrator) transition(path string, fn func(r *models.ProcessingRecord)) {
	snapshot, ok := o.registry.Update(path, fn)
	if !ok {
		return
	}
	o.persist(&snapshot)
	o.publishChange(snapshot)
}

func (o *Orchestrator) persist(rec *models.ProcessingRecord) {
	if o.opts.Store == nil {
		return
	}
	if err := o.opts.Store.Save(rec); err != nil {
		log.Printf("[Pipeline] Warning: failed to persist record for %s: %v", rec.FileName, err)
	}
}

func (o *Orchestrator) publishChange(rec models.ProcessingRecord) {
	o.notifyMu.RLock()
	n := o.notifier
	o.notifyMu.RUnlock()
	if n != nil {
		n.RecordChanged(rec)
	}
}

// Cancel aborts the in-flight processing of path
func (o *Orchestrator) Cancel(path string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.cancels[path]
	if !ok {
		return false
	}
	log.Printf("[Pipeline] Cancelling %s", filepath.Base(path))
	cancel()
	return true
}

// Retry forgets the outcome for path and queues it again, bypassing the
// reprocessing guard once.
func (o *Orchestrator) Retry(path string) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrStopped
	}
	if rec, ok := o.registry.Get(path); ok && !rec.Terminal() {
		o.mu.Unlock()
		return ErrActive
	}
	o.forced[path] = true
	o.mu.Unlock()

	if !o.Submit(path) {
		return ErrStopped
	}
	return nil
}

// Lookup returns a copy of the in-memory record for path
func (o *Orchestrator) Lookup(path string) (models.ProcessingRecord, bool) {
	return o.registry.Get(path)
}

// Records returns copies of all tracked records
func (o *Orchestrator) Records() []models.ProcessingRecord {
	return o.registry.Snapshot()
}

// Evict drops terminal records older than the retention window. Published output
// and persisted history are unaffected.
func (o *Orchestrator) Evict() int {
	n := o.registry.EvictCompleted(o.opts.Now().Add(-o.opts.Retention))
	if n > 0 {
		log.Printf("[Pipeline] Evicted %d completed record(s)", n)
	}
	return n
}

// Stats returns a snapshot of the pipeline's load
func (o *Orchestrator) Stats() Stats {
	return Stats{
		PoolSize:   o.pool.Size(),
		Busy:       o.pool.BusyCount(),
		Active:     o.registry.ActiveCount(),
		Tracked:    o.registry.Len(),
		QueueDepth: len(o.queue),
		Workers:    o.pool.Status(),
	}
}

// Shutdown stops admission and waits up to grace for in-flight files. After the
// grace period their contexts are cancelled and Shutdown waits for them to unwind.
// Queued paths that were never admitted are dropped.
func (o *Orchestrator) Shutdown(grace time.Duration) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	started := o.started
	o.mu.Unlock()

	log.Println("[Pipeline] Stopping...")
	close(o.stopChan)
	if started {
		<-o.dispatchDone
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(grace):
		log.Printf("[Pipeline] Grace period of %v elapsed, aborting in-flight files", grace)
		o.cancelWork()
		<-done
		err = fmt.Errorf("pipeline: in-flight files aborted after %v", grace)
	}

	o.cancelWork()
	o.pool.Close()
	o.registry.Clear()
	log.Println("[Pipeline] Stopped")
	return err
}
