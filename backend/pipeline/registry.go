package pipeline

import (
	"sort"
	"sync"
	"time"

	"github.com/andi/reportflow/backend/models"
)

// Registry is the in-memory set of ProcessingRecords, keyed by source path.
// Callers only ever see copies; mutation goes through Update.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*models.ProcessingRecord
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*models.ProcessingRecord)}
}

// Put stores rec under its source path, replacing any previous record
func (r *Registry) Put(rec *models.ProcessingRecord) {
	r.mu.Lock()
	r.records[rec.SourcePath] = rec
	r.mu.Unlock()
}

// Get returns a copy of the record for path
func (r *Registry) Get(path string) (models.ProcessingRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[path]
	if !ok {
		return models.ProcessingRecord{}, false
	}
	return *rec, true
}

// Update applies fn to the stored record and returns a copy of the result
func (r *Registry) Update(path string, fn func(rec *models.ProcessingRecord)) (models.ProcessingRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[path]
	if !ok {
		return models.ProcessingRecord{}, false
	}
	fn(rec)
	return *rec, true
}

// Remove forgets the record for path
func (r *Registry) Remove(path string) {
	r.mu.Lock()
	delete(r.records, path)
	r.mu.Unlock()
}

// Snapshot returns copies of every record, most recently discovered first
func (r *Registry) Snapshot() []models.ProcessingRecord {
	r.mu.RLock()
	out := make([]models.ProcessingRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].DiscoveredAt.After(out[j].DiscoveredAt)
	})
	return out
}

// ActiveCount returns the number of non-terminal records
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.records {
		if !rec.Terminal() {
			n++
		}
	}
	return n
}

// Len returns the number of tracked records
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// EvictCompleted removes terminal records completed before cutoff
func (r *Registry) EvictCompleted(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for path, rec := range r.records {
		if rec.Terminal() && rec.CompletedAt != nil && rec.CompletedAt.Before(cutoff) {
			delete(r.records, path)
			n++
		}
	}
	return n
}

// Clear drops every record
func (r *Registry) Clear() {
	r.mu.Lock()
	r.records = make(map[string]*models.ProcessingRecord)
	r.mu.Unlock()
}
