// Package api provides the HTTP surface for submitting and inspecting
// profiling runs.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"sync"
	"time"

	"github.com/wsi-profiles/profiler/internal/config"
	"github.com/wsi-profiles/profiler/internal/pipeline"
	"github.com/wsi-profiles/profiler/internal/runstore"
)

// RunManagerConfig contains configuration for the run manager.
type RunManagerConfig struct {
	MaxConcurrent int    // max concurrent profiling runs (default 1)
	SQLitePath    string // path to SQLite database
	RetentionDays int    // days to keep finished runs (default 7)
	CleanupPeriod time.Duration
}

// RunManager queues profiling runs and persists their state and results.
type RunManager struct {
	cfg      RunManagerConfig
	store    *runstore.Store
	queue    chan string // run IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor performs the actual profiling run and persists the profile.
	// It returns the in-memory result for overlay rendering.
	Executor func(ctx context.Context, store *runstore.Store, run *runstore.Run) (*pipeline.Result, error)

	lastMu     sync.Mutex
	lastResult *pipeline.Result
	lastRunID  string
}

// NewRunManager creates a run manager with SQLite persistence.
func NewRunManager(cfg RunManagerConfig) (*RunManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}

	store, err := runstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	rm := &RunManager{
		cfg:     cfg,
		store:   store,
		queue:   make(chan string, 100),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
	return rm, nil
}

// Store returns the underlying store for direct access.
func (rm *RunManager) Store() *runstore.Store {
	return rm.store
}

// Start starts the worker goroutines and cleanup ticker, after recovering
// from a previous shutdown.
func (rm *RunManager) Start() {
	if err := rm.store.MarkRunningAsFailed("server restarted"); err != nil {
		log.Printf("[RunManager] failed to mark running runs as failed: %v", err)
	}

	for i := 0; i < rm.cfg.MaxConcurrent; i++ {
		rm.wg.Add(1)
		go rm.worker()
	}

	go rm.cleaner()
}

// Stop stops all workers gracefully.
func (rm *RunManager) Stop() {
	rm.stopOnce.Do(func() {
		close(rm.stopCh)
		close(rm.queue)
		rm.wg.Wait()
		rm.store.Close()
	})
}

func (rm *RunManager) worker() {
	defer rm.wg.Done()
	for runID := range rm.queue {
		rm.execute(runID)
	}
}

func (rm *RunManager) execute(runID string) {
	ctx, cancel := context.WithCancel(context.Background())

	rm.mu.Lock()
	rm.running[runID] = cancel
	rm.mu.Unlock()

	defer func() {
		rm.mu.Lock()
		delete(rm.running, runID)
		rm.mu.Unlock()
	}()

	run, err := rm.store.GetRun(runID)
	if err != nil || run == nil {
		log.Printf("[RunManager] run %s not found: %v", runID, err)
		return
	}
	if run.Status == runstore.RunStatusCancelled {
		return
	}

	if err := rm.store.UpdateRunStarted(runID); err != nil {
		log.Printf("[RunManager] failed to mark run %s started: %v", runID, err)
		return
	}

	var result *pipeline.Result
	var execErr error
	if rm.Executor != nil {
		result, execErr = rm.Executor(ctx, rm.store, run)
	}

	switch {
	case ctx.Err() == context.Canceled:
		rm.store.UpdateRunStatus(runID, runstore.RunStatusCancelled, "cancelled by user")
	case execErr != nil:
		rm.store.UpdateRunStatus(runID, runstore.RunStatusFailed, execErr.Error())
	default:
		rm.store.UpdateRunStatus(runID, runstore.RunStatusCompleted, "")
		rm.lastMu.Lock()
		rm.lastResult = result
		rm.lastRunID = runID
		rm.lastMu.Unlock()
	}
}

func (rm *RunManager) cleaner() {
	ticker := time.NewTicker(rm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-rm.stopCh:
			return
		case <-ticker.C:
			rm.cleanup()
		}
	}
}

func (rm *RunManager) cleanup() {
	deleted, err := rm.store.DeleteExpiredRuns(rm.cfg.RetentionDays)
	if err != nil {
		log.Printf("[RunManager] cleanup error: %v", err)
	} else if deleted > 0 {
		log.Printf("[RunManager] cleaned up %d expired runs", deleted)
	}
}

// Submit creates a new run with the given configuration snapshot and
// enqueues it for execution.
func (rm *RunManager) Submit(slide string, cfg *config.Config) (*runstore.Run, error) {
	run := &runstore.Run{
		ID:        generateRunID(),
		Slide:     slide,
		Status:    runstore.RunStatusQueued,
		Config:    cfg,
		CreatedAt: time.Now(),
	}

	if err := rm.store.CreateRun(run); err != nil {
		return nil, err
	}

	select {
	case rm.queue <- run.ID:
	default:
		rm.store.UpdateRunStatus(run.ID, runstore.RunStatusFailed, "run queue is full; try again later")
	}

	return run, nil
}

// Get returns a run by ID, or nil if unknown.
func (rm *RunManager) Get(id string) *runstore.Run {
	run, err := rm.store.GetRun(id)
	if err != nil {
		log.Printf("[RunManager] error getting run %s: %v", id, err)
		return nil
	}
	return run
}

// Cancel attempts to cancel a queued or running run.
func (rm *RunManager) Cancel(id string) bool {
	rm.mu.Lock()
	cancel, ok := rm.running[id]
	rm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	run, err := rm.store.GetRun(id)
	if err != nil || run == nil {
		return false
	}
	if run.Status == runstore.RunStatusQueued {
		rm.store.UpdateRunStatus(id, runstore.RunStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// Delete deletes a run and its persisted profile.
func (rm *RunManager) Delete(id string) error {
	return rm.store.DeleteRun(id)
}

// LastResult returns the most recent completed in-memory result and its run
// ID, for overlay rendering. Nil until a run completes in this process.
func (rm *RunManager) LastResult() (string, *pipeline.Result) {
	rm.lastMu.Lock()
	defer rm.lastMu.Unlock()
	return rm.lastRunID, rm.lastResult
}

func generateRunID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
