package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SweepExpired requeues jobs whose worker missed the liveness window.
// The stale job is failed with a heartbeat-lost reason and a fresh
// queued job is created for its task, bumping the attempt count.
// Returns the number of jobs requeued.
func (r *Registry) SweepExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.opts.LivenessWindow)
	requeued := 0

	for _, w := range r.workers {
		if w.RunningJobID == "" || !w.LastSeen.Before(cutoff) {
			continue
		}
		job, ok := r.jobs[w.RunningJobID]
		if !ok || job.State.Terminal() {
			w.RunningJobID = ""
			continue
		}

		job.State = StateFailed
		job.Reason = ReasonHeartbeatLost
		job.Completion = &Completion{
			ExitCode:    -1,
			Stderr:      "worker heartbeat lost; job reclaimed",
			CompletedAt: r.now(),
		}
		w.RunningJobID = ""
		delete(r.activeByTask, job.TaskID)

		task := job.Task
		task.Attempt++
		next := &Job{
			ID:         uuid.NewString(),
			TaskID:     task.ID,
			State:      StateQueued,
			EnqueuedAt: r.now(),
			TimeoutMs:  task.TimeoutMs,
			Task:       task,
		}
		r.jobs[next.ID] = next
		r.activeByTask[task.ID] = next.ID
		r.queue = append(r.queue, next.ID)
		requeued++

		r.logger.Warn("job reclaimed after heartbeat loss",
			zap.String("job_id", job.ID),
			zap.String("task_id", task.ID),
			zap.String("worker_id", w.ID),
			zap.String("requeued_as", next.ID))
	}

	if requeued > 0 {
		close(r.wake)
		r.wake = make(chan struct{})
	}
	return requeued
}

// RunSweeper sweeps on the given interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepExpired()
		}
	}
}
