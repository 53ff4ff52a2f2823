package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mailtriage/models"
	"mailtriage/utils"
)

const (
	TriggerAPI      = "api"
	TriggerSchedule = "schedule"
)

// ErrStopped is returned by Dispatch once the worker is shutting down.
var ErrStopped = errors.New("auto-process worker stopped")

type BatchRunner interface {
	ProcessBatch(ctx context.Context, maxResults int) ([]models.ProcessingResult, error)
}

type RunStore interface {
	CreateRun(ctx context.Context, run *models.AutoProcessRun) error
	UpdateRun(ctx context.Context, run *models.AutoProcessRun) error
}

// AutoProcessWorker runs auto-process batches in the background. Runs
// inherit the worker's context, so they outlive the request that queued
// them and stop when the process shuts down.
type AutoProcessWorker struct {
	baseCtx    context.Context
	runner     BatchRunner
	runs       RunStore
	hub        *ProgressHub
	interval   time.Duration
	maxResults int
	logger     *logrus.Entry

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewAutoProcessWorker builds a worker. hub may be nil. An interval of zero
// disables scheduled runs.
func NewAutoProcessWorker(baseCtx context.Context, runner BatchRunner, runs RunStore, hub *ProgressHub, interval time.Duration, maxResults int, logger *logrus.Entry) *AutoProcessWorker {
	return &AutoProcessWorker{
		baseCtx:    baseCtx,
		runner:     runner,
		runs:       runs,
		hub:        hub,
		interval:   interval,
		maxResults: maxResults,
		logger:     logger,
	}
}

// Dispatch records a queued run and starts it. It returns as soon as the
// run is stored.
func (w *AutoProcessWorker) Dispatch(ctx context.Context, maxResults int, trigger string) (*models.AutoProcessRun, error) {
	if maxResults <= 0 {
		maxResults = w.maxResults
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.baseCtx.Err() != nil {
		return nil, ErrStopped
	}

	run := &models.AutoProcessRun{
		Status:     models.RunQueued,
		Trigger:    trigger,
		MaxResults: maxResults,
	}
	if err := w.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("queueing auto-process run: %w", err)
	}

	background := *run
	w.wg.Add(1)
	go w.execute(&background)

	return run, nil
}

func (w *AutoProcessWorker) execute(run *models.AutoProcessRun) {
	defer w.wg.Done()
	log := w.logger.WithFields(logrus.Fields{"run_id": run.ID, "trigger": run.Trigger})

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("auto-process run panicked: %v", r)
			utils.LogError("AUTO_PROCESS_PANIC", err, map[string]interface{}{"run_id": run.ID})
			w.finish(run, models.RunFailed, err.Error())
		}
	}()

	now := time.Now()
	run.Status = models.RunRunning
	run.StartedAt = &now
	w.save(run, log)

	results, err := w.runner.ProcessBatch(w.baseCtx, run.MaxResults)
	if err != nil {
		log.WithError(err).Error("auto-process run failed")
		w.finish(run, models.RunFailed, err.Error())
		return
	}

	run.Processed = len(results)
	for _, r := range results {
		if r.State == models.StateFailed {
			run.Failed++
		}
		if r.TaskID != nil && !r.Duplicate {
			run.TasksCreated++
		}
	}
	w.finish(run, models.RunCompleted, "")

	utils.LogEvent("AUTO_PROCESS_COMPLETED", map[string]interface{}{
		"run_id":        run.ID,
		"processed":     run.Processed,
		"tasks_created": run.TasksCreated,
		"failed":        run.Failed,
	})
}

func (w *AutoProcessWorker) finish(run *models.AutoProcessRun, status models.RunStatus, reason string) {
	now := time.Now()
	run.Status = status
	run.Error = reason
	run.CompletedAt = &now
	w.save(run, w.logger.WithField("run_id", run.ID))
}

// save persists the run on a fresh context: the run must be recorded even
// while the worker is shutting down.
func (w *AutoProcessWorker) save(run *models.AutoProcessRun, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.runs.UpdateRun(ctx, run); err != nil {
		log.WithError(err).Error("failed to update auto-process run")
	}
	if w.hub != nil {
		w.hub.PublishRun(*run)
	}
}

// Start dispatches a batch every interval until ctx is done. It returns
// immediately when scheduling is disabled.
func (w *AutoProcessWorker) Start(ctx context.Context) {
	if w.interval <= 0 {
		return
	}

	w.logger.WithField("interval", w.interval).Info("Starting auto-process worker...")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Both cases can be ready at once; never dispatch after shutdown began.
			if ctx.Err() != nil {
				w.logger.Info("Stopping auto-process worker...")
				return
			}
			if _, err := w.Dispatch(ctx, w.maxResults, TriggerSchedule); err != nil {
				w.logger.WithError(err).Error("scheduled auto-process dispatch failed")
			}
		case <-ctx.Done():
			w.logger.Info("Stopping auto-process worker...")
			return
		}
	}
}

// Wait refuses further dispatches and blocks until every dispatched run has
// finished.
func (w *AutoProcessWorker) Wait() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.wg.Wait()
}
