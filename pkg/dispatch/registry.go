package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/millwork/taskmill/pkg/factory"
)

const (
	// maxClaimWait caps the long-poll window a worker may request.
	maxClaimWait = 60 * time.Second

	// defaultLivenessWindow is how long a worker may go silent before
	// its job is reclaimed.
	defaultLivenessWindow = 90 * time.Second

	// maxOutputBytes is the tail budget for stored stdout/stderr.
	maxOutputBytes = 64 * 1024
)

// Options configures the registry.
type Options struct {
	// Controller is consulted before claim matching. Nil runs at
	// baseline with no admission gating.
	Controller *factory.Controller

	// ClaimRate bounds claim handling; zero disables the limiter.
	ClaimRate rate.Limit
	// ClaimBurst is the limiter burst; defaults to 10 when ClaimRate
	// is set.
	ClaimBurst int

	// LivenessWindow overrides the heartbeat expiry window.
	LivenessWindow time.Duration

	Logger *zap.Logger

	// now is injectable for tests.
	now func() time.Time
}

// Registry is the single owner of job/worker state. All access goes
// through its methods under one mutex; claim decisions serialize here
// so two workers never receive the same job.
type Registry struct {
	mu      sync.Mutex
	opts    Options
	limiter *rate.Limiter

	workers map[string]*Worker
	jobs    map[string]*Job
	// activeByTask maps task id to its non-terminal job id.
	activeByTask map[string]string
	// queue holds queued job ids in enqueue order.
	queue []string

	// wake is closed and replaced whenever a job is enqueued, waking
	// parked claim calls.
	wake chan struct{}

	logger *zap.Logger
	now    func() time.Time
}

// NewRegistry builds an empty registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}
	if opts.LivenessWindow <= 0 {
		opts.LivenessWindow = defaultLivenessWindow
	}

	var limiter *rate.Limiter
	if opts.ClaimRate > 0 {
		burst := opts.ClaimBurst
		if burst <= 0 {
			burst = 10
		}
		limiter = rate.NewLimiter(opts.ClaimRate, burst)
	}

	return &Registry{
		opts:         opts,
		limiter:      limiter,
		workers:      make(map[string]*Worker),
		jobs:         make(map[string]*Job),
		activeByTask: make(map[string]string),
		wake:         make(chan struct{}),
		logger:       logger,
		now:          now,
	}
}

// RegisterWorker records a worker's capabilities and returns its id.
// Re-registration with the same id refreshes capabilities.
func (r *Registry) RegisterWorker(id string, executors, models []string) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	w := &Worker{
		ID:        id,
		Executors: append([]string(nil), executors...),
		Models:    append([]string(nil), models...),
		LastSeen:  r.now(),
	}
	r.workers[id] = w
	r.logger.Info("worker registered",
		zap.String("worker_id", id),
		zap.Strings("executors", executors))
	return w
}

// Enqueue creates a queued job for a task. A task with a non-terminal
// job cannot be enqueued again.
func (r *Registry) Enqueue(task Task) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task.ID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	if jobID, active := r.activeByTask[task.ID]; active {
		return nil, fmt.Errorf("%w: task %s job %s", ErrTaskAlreadyActive, task.ID, jobID)
	}

	job := &Job{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		State:      StateQueued,
		EnqueuedAt: r.now(),
		TimeoutMs:  task.TimeoutMs,
		Task:       task,
	}
	r.jobs[job.ID] = job
	r.activeByTask[task.ID] = job.ID
	r.queue = append(r.queue, job.ID)

	// Wake parked claims.
	close(r.wake)
	r.wake = make(chan struct{})

	r.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("task_id", task.ID),
		zap.String("lane", task.Lane))
	return cloneJob(job), nil
}

// Claim long-polls for a queued job matching the worker's declared
// executor and model. A nil job with a nil error means the wait
// elapsed with nothing claimable; an empty queue is not an error.
func (r *Registry) Claim(ctx context.Context, workerID, executor, model string, wait time.Duration) (*Job, error) {
	if r.limiter != nil && !r.limiter.Allow() {
		return nil, ErrAdmissionLimited
	}
	if wait < 0 {
		wait = 0
	}
	if wait > maxClaimWait {
		wait = maxClaimWait
	}
	deadline := r.now().Add(wait)

	for {
		r.mu.Lock()
		w, ok := r.workers[workerID]
		if !ok {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
		}
		if w.RunningJobID != "" {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s runs %s", ErrWorkerBusy, workerID, w.RunningJobID)
		}
		w.LastSeen = r.now()

		if job := r.matchLocked(w, executor, model); job != nil {
			job.State = StateClaimed
			job.WorkerID = workerID
			job.StartedAt = r.now()
			w.RunningJobID = job.ID
			out := cloneJob(job)
			r.mu.Unlock()

			r.logger.Info("job claimed",
				zap.String("job_id", out.ID),
				zap.String("task_id", out.TaskID),
				zap.String("worker_id", workerID))
			return out, nil
		}
		wake := r.wake
		r.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

// matchLocked picks the first eligible queued job. Must hold the lock.
func (r *Registry) matchLocked(w *Worker, executor, model string) *Job {
	var (
		action *factory.Action
		limits factory.WIPLimits
	)
	if r.opts.Controller != nil {
		action, _ = r.opts.Controller.Current()
		limits = r.opts.Controller.EffectiveLimits()
		if limits.Exec > 0 && r.execInFlightLocked() >= limits.Exec {
			return nil
		}
	}

	order := r.queue
	if action != nil && action.PreferLane != "" {
		order = preferLane(r.queue, r.jobs, action.PreferLane)
	}

	for _, id := range order {
		job, ok := r.jobs[id]
		if !ok || job.State != StateQueued {
			continue
		}
		if !capabilityMatch(job.Task, executor, model, w) {
			continue
		}
		if r.opts.Controller != nil && !factory.ShouldAllowTaskUnderStopTheBleeding(action, job.Task.AdmissionView()) {
			continue
		}
		if limits.Lanes != nil {
			if laneCap, found := limits.Lanes[job.Task.Lane]; found && r.laneInFlightLocked(job.Task.Lane) >= laneCap {
				continue
			}
		}
		r.dropFromQueueLocked(id)
		return job
	}
	return nil
}

func (r *Registry) execInFlightLocked() int {
	n := 0
	for _, job := range r.jobs {
		if job.State == StateClaimed || job.State == StateRunning {
			n++
		}
	}
	return n
}

func (r *Registry) laneInFlightLocked(lane string) int {
	n := 0
	for _, job := range r.jobs {
		if job.Task.Lane == lane && (job.State == StateClaimed || job.State == StateRunning) {
			n++
		}
	}
	return n
}

func (r *Registry) dropFromQueueLocked(jobID string) {
	for i, id := range r.queue {
		if id == jobID {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return
		}
	}
}

// preferLane returns queue order with the preferred lane's jobs first,
// keeping enqueue order within each partition.
func preferLane(queue []string, jobs map[string]*Job, lane string) []string {
	out := make([]string, 0, len(queue))
	var rest []string
	for _, id := range queue {
		if job, ok := jobs[id]; ok && job.Task.Lane == lane {
			out = append(out, id)
		} else {
			rest = append(rest, id)
		}
	}
	return append(out, rest...)
}

func capabilityMatch(task Task, executor, model string, w *Worker) bool {
	if executor != "" && task.Executor != "" && task.Executor != executor {
		return false
	}
	if model != "" && task.Model != "" && task.Model != model {
		return false
	}
	if task.Executor != "" && !contains(w.Executors, task.Executor) {
		return false
	}
	if task.Model != "" && len(w.Models) > 0 && !contains(w.Models, task.Model) {
		return false
	}
	return true
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// Heartbeat refreshes a worker's liveness and records which job it
// reports running. A heartbeat for a claimed job promotes it to
// running.
func (r *Registry) Heartbeat(workerID, runningJobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	w.LastSeen = r.now()

	if runningJobID == "" {
		return nil
	}
	job, ok := r.jobs[runningJobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, runningJobID)
	}
	if job.State == StateClaimed && job.WorkerID == workerID {
		job.State = StateRunning
	}
	return nil
}

// Complete stores the job's terminal record exactly once. A non-empty
// reason records why a killed subprocess failed (timeout, stall,
// cancel) so the verdict engine sees a structured code, never free
// text.
func (r *Registry) Complete(jobID string, exitCode int, stdout, stderr, reason string, bundleHashes map[string]string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if job.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrDuplicateCompletion, jobID, job.State)
	}

	if err := r.transitionLocked(job, terminalState(exitCode)); err != nil {
		return nil, err
	}
	if reason != "" {
		job.Reason = reason
	}
	job.Completion = &Completion{
		ExitCode:     exitCode,
		Stdout:       tailTruncate(stdout, maxOutputBytes),
		Stderr:       tailTruncate(stderr, maxOutputBytes),
		BundleHashes: bundleHashes,
		CompletedAt:  r.now(),
	}
	delete(r.activeByTask, job.TaskID)
	if w, ok := r.workers[job.WorkerID]; ok && w.RunningJobID == jobID {
		w.RunningJobID = ""
	}

	r.logger.Info("job completed",
		zap.String("job_id", jobID),
		zap.String("task_id", job.TaskID),
		zap.Int("exit_code", exitCode),
		zap.String("status", string(job.State)))
	return cloneJob(job), nil
}

func terminalState(exitCode int) JobState {
	if exitCode == 0 {
		return StateDone
	}
	return StateFailed
}

// Cancel marks a job canceled. Workers discover this by polling the
// job status each supervision tick.
func (r *Registry) Cancel(jobID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if job.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrDuplicateCompletion, jobID, job.State)
	}
	if reason == "" {
		reason = ReasonManualCancel
	}
	if err := r.transitionLocked(job, StateCanceled); err != nil {
		return err
	}
	job.Reason = reason
	r.dropFromQueueLocked(jobID)
	delete(r.activeByTask, job.TaskID)
	if w, ok := r.workers[job.WorkerID]; ok && w.RunningJobID == jobID {
		w.RunningJobID = ""
	}
	return nil
}

// transitionLocked enforces monotonic state movement.
func (r *Registry) transitionLocked(job *Job, next JobState) error {
	if stateRank(next) < stateRank(job.State) {
		return fmt.Errorf("%w: %s -> %s", ErrStateRegression, job.State, next)
	}
	if job.State.Terminal() && next != job.State {
		return fmt.Errorf("%w: %s -> %s", ErrStateRegression, job.State, next)
	}
	job.State = next
	return nil
}

// Job returns a snapshot of one job.
func (r *Registry) Job(jobID string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return cloneJob(job), nil
}

// QueueDepth reports queued job count. Implements the factory
// controller's signal source.
func (r *Registry) QueueDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Workers returns registered workers sorted by id.
func (r *Registry) Workers() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneJob(job *Job) *Job {
	out := *job
	if job.Completion != nil {
		c := *job.Completion
		out.Completion = &c
	}
	return &out
}

// tailTruncate keeps the last max bytes of s, prefixing a marker when
// anything was dropped.
func tailTruncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	tail := s[len(s)-max:]
	// Do not split a UTF-8 sequence at the cut point.
	for len(tail) > 0 && !utf8.RuneStart(tail[0]) {
		tail = tail[1:]
	}
	return "[truncated] " + tail
}
