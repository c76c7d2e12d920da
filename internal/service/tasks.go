// internal/service/tasks.go
package service

import (
	"context"
	"errors"

	"github.com/valpere/MediaHarvester/internal/orchestrator"
	"github.com/valpere/MediaHarvester/internal/task"
	"github.com/valpere/MediaHarvester/internal/utils"
)

// StartTask validates target, registers a pending task and runs it in the
// background once a worker slot is free.
func (s *Service) StartTask(ctx context.Context, target string) (task.Snapshot, error) {
	s.lifeMu.Lock()
	stopped := s.stopped
	s.lifeMu.Unlock()
	if stopped {
		return task.Snapshot{}, utils.NewError(utils.ErrCodeResourceExhausted, "service is shutting down").
			WithUserMessage("The service is shutting down. Try again later.").Build()
	}

	videoID, err := task.ParseTarget(target)
	if err != nil {
		return task.Snapshot{}, err
	}

	snap, err := s.registry.Create(ctx, videoID)
	if err != nil {
		return task.Snapshot{}, err
	}

	runCtx, cancel := context.WithCancel(s.baseCtx)
	h := &handle{token: &orchestrator.CancelToken{}, cancel: cancel}
	s.mu.Lock()
	s.cancels[snap.ID] = h
	s.mu.Unlock()

	s.metrics.TaskStarted()
	s.wg.Add(1)
	go s.runTask(runCtx, snap, h)

	s.log.WithFields(map[string]interface{}{"task_id": snap.ID, "target": videoID}).Info("task queued")
	return snap, nil
}

// GetStatus returns the latest snapshot of a task.
func (s *Service) GetStatus(ctx context.Context, id string) (task.Snapshot, error) {
	return s.registry.Get(ctx, id)
}

// StreamProgress subscribes to a task's snapshots. The channel starts
// with the current snapshot and closes after the terminal one or when
// ctx ends. Call the returned func to unsubscribe early.
func (s *Service) StreamProgress(ctx context.Context, id string) (<-chan task.Snapshot, func(), error) {
	snap, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ch, unsubscribe := s.broadcaster.Subscribe(ctx, snap)
	return ch, unsubscribe, nil
}

// Cancel stops a pending or downloading task. It reports whether the
// task is cancelled; later stages run to completion.
func (s *Service) Cancel(ctx context.Context, id string) (task.Snapshot, bool, error) {
	snap, cancelled, err := s.registry.Cancel(ctx, id)
	if err != nil {
		return snap, false, err
	}
	if cancelled {
		s.mu.Lock()
		h := s.cancels[id]
		s.mu.Unlock()
		if h != nil && h.stop() {
			s.log.WithField("task_id", id).Info("task cancelled")
		}
	}
	return snap, cancelled, nil
}

// handle lets Cancel and Stop interrupt a running task.
type handle struct {
	token  *orchestrator.CancelToken
	cancel context.CancelFunc
}

func (h *handle) stop() bool {
	changed := h.token.Cancel()
	h.cancel()
	return changed
}

func (s *Service) runTask(runCtx context.Context, snap task.Snapshot, h *handle) {
	defer s.wg.Done()
	defer h.cancel()
	id := snap.ID
	token := h.token
	log := s.log.WithField("task_id", id)
	// Registry writes use a background context so the final state is
	// recorded even after runCtx ends.
	ctx := context.Background()

	defer func() {
		s.mu.Lock()
		delete(s.cancels, id)
		s.mu.Unlock()

		final, err := s.registry.Get(context.Background(), id)
		if err != nil {
			log.Warnf("could not read final task state: %v", err)
			s.metrics.TaskFinished("unknown", s.clock.Now().Sub(snap.CreatedAt))
			return
		}
		s.metrics.TaskFinished(string(final.Status), s.clock.Now().Sub(snap.CreatedAt))
	}()

	if err := s.sem.Acquire(runCtx, 1); err != nil {
		s.cancelForShutdown(id, log)
		return
	}
	defer s.sem.Release(1)

	if token.Cancelled() {
		return
	}
	if _, err := s.registry.Transition(ctx, id, task.StatusDownloading, ProgressDownloading, "extracting"); err != nil {
		if !errors.Is(err, utils.ErrInvalidTransition) {
			log.Warnf("could not start task: %v", err)
		}
		return
	}

	result, attempts, err := s.orch.Run(runCtx, orchestrator.Job{
		TaskID: id,
		Target: snap.Target,
		Cancel: token,
		Progress: func(pct int, msg string) {
			mapped := ProgressDownloading + pct*(ProgressExtracted-ProgressDownloading)/100
			if _, _, err := s.registry.UpdateProgress(ctx, id, mapped, msg); err != nil {
				log.Debugf("progress update failed: %v", err)
			}
		},
	})
	log.WithField("attempts", len(attempts)).Debug("extraction finished")
	if err != nil {
		s.finishWithError(id, token, err, log)
		return
	}

	if _, err := s.registry.Transition(ctx, id, task.StatusProcessing, ProgressProcessing, "processing"); err != nil {
		s.finishWithError(id, token, err, log)
		return
	}
	if _, err := s.registry.Transition(ctx, id, task.StatusUploading, ProgressUploading, "uploading"); err != nil {
		s.finishWithError(id, token, err, log)
		return
	}
	location, err := s.uploader.Upload(ctx, id, result)
	if err != nil {
		s.finishWithError(id, token, utils.WrapError(err, utils.ErrCodeTransientNetwork, "upload failed"), log)
		return
	}
	if _, err := s.registry.Complete(ctx, id, &task.Result{Extraction: result, Location: location}); err != nil {
		log.Warnf("could not complete task: %v", err)
	}
}

// finishWithError records a task failure. Cancellation is recorded as
// Cancelled when the task is still cancellable.
func (s *Service) finishWithError(id string, token *orchestrator.CancelToken, err error, log utils.Logger) {
	ctx := context.Background()
	if token.Cancelled() || utils.CodeOf(err) == utils.ErrCodeCancelled {
		if _, cancelled, cerr := s.registry.Cancel(ctx, id); cerr == nil && cancelled {
			return
		}
	}
	if errors.Is(err, utils.ErrInvalidTransition) {
		// The task moved on without us, typically a concurrent cancel.
		log.Debugf("task left the pipeline: %v", err)
		return
	}
	if _, ferr := s.registry.Fail(ctx, id, err); ferr != nil {
		log.Warnf("could not record task failure: %v", ferr)
		return
	}
	failLog := log.WithField("code", string(utils.CodeOf(err)))
	if stack := utils.StackOf(err); len(stack) > 0 {
		failLog = failLog.WithField("stack", stack)
	}
	if utils.SeverityOf(err) == utils.SeverityCritical {
		failLog.Errorf("task failed: %v", err)
		return
	}
	failLog.Warnf("task failed: %v", err)
}

func (s *Service) cancelForShutdown(id string, log utils.Logger) {
	if _, _, err := s.registry.Cancel(context.Background(), id); err != nil {
		log.Warnf("could not cancel queued task at shutdown: %v", err)
	}
}
