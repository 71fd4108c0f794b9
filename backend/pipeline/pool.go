package pipeline

import (
	"context"
	"errors"
	"log"
	"sync"
)

// ErrPoolClosed is returned by Acquire after Close
var ErrPoolClosed = errors.New("worker pool is closed")

// Worker is one processing slot of the pool
type Worker struct {
	id int

	mu      sync.Mutex
	current string
}

// ID returns the worker's 1-based id
func (w *Worker) ID() int {
	return w.id
}

func (w *Worker) setCurrent(path string) {
	w.mu.Lock()
	w.current = path
	w.mu.Unlock()
}

func (w *Worker) status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerStatus{ID: w.id, Busy: w.current != "", CurrentFile: w.current}
}

// WorkerPool caps how many stable files are converted, transformed and published at once
type WorkerPool struct {
	workers   []*Worker
	available chan *Worker
	mu        sync.Mutex
	closed    bool
}

// NewWorkerPool creates a pool of size workers
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 2
	}

	pool := &WorkerPool{
		workers:   make([]*Worker, size),
		available: make(chan *Worker, size),
	}
	for i := 0; i < size; i++ {
		w := &Worker{id: i + 1}
		pool.workers[i] = w
		pool.available <- w
	}

	log.Printf("[Pipeline] Worker pool created with %d workers", size)
	return pool
}

// Acquire gets an available worker, blocking until one is free or ctx is done
func (p *WorkerPool) Acquire(ctx context.Context, path string) (*Worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case w := <-p.available:
		w.setCurrent(path)
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a worker to the pool
func (p *WorkerPool) Release(w *Worker) {
	w.setCurrent("")
	p.available <- w
}

// Size returns the total number of workers
func (p *WorkerPool) Size() int {
	return len(p.workers)
}

// BusyCount returns the number of workers currently processing a file
func (p *WorkerPool) BusyCount() int {
	return p.Size() - len(p.available)
}

// Status returns the state of every worker
func (p *WorkerPool) Status() []WorkerStatus {
	statuses := make([]WorkerStatus, len(p.workers))
	for i, w := range p.workers {
		statuses[i] = w.status()
	}
	return statuses
}

// Close rejects further Acquire calls. Workers already out are still released.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	log.Println("[Pipeline] Worker pool closed")
}

// WorkerStatus represents the status of a worker
type WorkerStatus struct {
	ID          int    `json:"id"`
	Busy        bool   `json:"busy"`
	CurrentFile string `json:"current_file,omitempty"`
}
