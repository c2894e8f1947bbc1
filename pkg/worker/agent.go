// Package worker is the execution agent: it registers with the
// scheduler, long-polls for jobs, supervises the executor subprocess,
// and posts structured completions.
package worker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/millwork/taskmill/pkg/dispatch"
	"github.com/millwork/taskmill/pkg/verdict"
)

// AgentError is a typed worker failure.
type AgentError struct {
	Op      string
	Message string
	Err     error
}

func (e *AgentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worker %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("worker %s: %s", e.Op, e.Message)
}

func (e *AgentError) Unwrap() error { return e.Err }

// Config configures the agent.
type Config struct {
	ServerURL string   `mapstructure:"server_url" yaml:"server_url"`
	Executors []string `mapstructure:"executors" yaml:"executors"`
	Models    []string `mapstructure:"models" yaml:"models"`

	// ExecutorCmd is the subprocess argv prefix; the task goal is
	// appended as the final argument.
	ExecutorCmd []string `mapstructure:"executor_cmd" yaml:"executor_cmd"`

	WorkDir string `mapstructure:"work_dir" yaml:"work_dir"`

	PollWait          time.Duration `mapstructure:"poll_wait" yaml:"poll_wait"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	SuperviseTick     time.Duration `mapstructure:"supervise_tick" yaml:"supervise_tick"`
	StallWindow       time.Duration `mapstructure:"stall_window" yaml:"stall_window"`
}

func (c *Config) applyDefaults() {
	if c.PollWait <= 0 {
		c.PollWait = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.SuperviseTick <= 0 {
		c.SuperviseTick = time.Second
	}
	if c.StallWindow <= 0 {
		c.StallWindow = 5 * time.Minute
	}
}

// Agent is one worker process.
type Agent struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	id string
}

// NewAgent builds an agent. The worker id is assigned by the server at
// registration.
func NewAgent(cfg Config, logger *zap.Logger) *Agent {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.PollWait + 15*time.Second},
		logger: logger,
	}
}

// ID returns the server-assigned worker id, empty before registration.
func (a *Agent) ID() string { return a.id }

type registerRequest struct {
	Executors []string `json:"executors"`
	Models    []string `json:"models"`
}

type registerResponse struct {
	ID string `json:"id"`
}

// Register announces capabilities and stores the assigned id. Must be
// called again after a process restart; ids are not durable.
func (a *Agent) Register(ctx context.Context) error {
	var resp registerResponse
	err := a.postJSON(ctx, "/executor/workers/register",
		registerRequest{Executors: a.cfg.Executors, Models: a.cfg.Models}, &resp)
	if err != nil {
		return &AgentError{Op: "register", Message: "registration failed", Err: err}
	}
	a.id = resp.ID
	a.logger.Info("worker registered", zap.String("worker_id", a.id))
	return nil
}

// Run registers and then claims and executes jobs until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Register(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		job, err := a.claim(ctx)
		if err != nil {
			a.logger.Warn("claim failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}

		a.logger.Info("job claimed",
			zap.String("job_id", job.ID),
			zap.String("task_id", job.TaskID))
		a.executeJob(ctx, job)
	}
}

func (a *Agent) claim(ctx context.Context) (*dispatch.Job, error) {
	executor := ""
	if len(a.cfg.Executors) > 0 {
		executor = a.cfg.Executors[0]
	}
	model := ""
	if len(a.cfg.Models) > 0 {
		model = a.cfg.Models[0]
	}

	q := url.Values{}
	q.Set("executor", executor)
	if model != "" {
		q.Set("model", model)
	}
	q.Set("waitMs", strconv.FormatInt(a.cfg.PollWait.Milliseconds(), 10))

	path := "/executor/workers/" + a.id + "/claim?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.ServerURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("claim returned %d", resp.StatusCode)
	}

	var job dispatch.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

// executeJob supervises one job from claim to completion.
func (a *Agent) executeJob(ctx context.Context, job *dispatch.Job) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go a.heartbeatLoop(hbCtx, job.ID)

	command := append(append([]string(nil), a.cfg.ExecutorCmd...), job.Task.Goal)
	res, err := Supervise(ctx, ProcSpec{
		Command:     command,
		Dir:         a.cfg.WorkDir,
		TimeoutMs:   job.TimeoutMs,
		StallWindow: a.cfg.StallWindow,
		Tick:        a.cfg.SuperviseTick,
		Canceled:    func() bool { return a.jobCanceled(ctx, job.ID) },
	})
	if err != nil {
		a.logger.Error("executor launch failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	stopHeartbeat()

	if res.Killed != "" {
		a.logger.Warn("executor killed",
			zap.String("job_id", job.ID),
			zap.String("reason", res.Killed),
			zap.Int("exit_code", res.ExitCode))
	}

	bundleHashes := map[string]string{
		"context_pack": hashBundle(job.Task.Goal, job.TaskID),
	}
	if err := a.complete(ctx, job.ID, res, bundleHashes); err != nil {
		a.logger.Error("complete failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context, jobID string) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			body := map[string]string{"running_job_id": jobID}
			if err := a.postJSON(ctx, "/executor/workers/"+a.id+"/heartbeat", body, nil); err != nil {
				a.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// jobCanceled polls the job status endpoint; any non-running state
// tells the supervisor to stop the subprocess.
func (a *Agent) jobCanceled(ctx context.Context, jobID string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.ServerURL+"/executor/jobs/"+jobID, nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var job dispatch.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return false
	}
	return job.State == dispatch.StateCanceled
}

type completeRequest struct {
	ExitCode     int               `json:"exit_code"`
	Stdout       string            `json:"stdout"`
	Stderr       string            `json:"stderr"`
	Reason       string            `json:"reason,omitempty"`
	BundleHashes map[string]string `json:"bundle_hashes,omitempty"`
}

// completionReason maps a forced-termination cause to the structured
// code recorded on the job. The stderr suffix is advisory; this code
// is what the verdict engine consults.
func completionReason(killed string) string {
	switch killed {
	case KillReasonTimeout:
		return verdict.ReasonTimeoutExceeded
	case KillReasonStall:
		return verdict.ReasonExecutorError
	case KillReasonCancel:
		return dispatch.ReasonManualCancel
	}
	return ""
}

func (a *Agent) complete(ctx context.Context, jobID string, res ProcResult, bundleHashes map[string]string) error {
	return a.postJSON(ctx, "/executor/jobs/"+jobID+"/complete", completeRequest{
		ExitCode:     res.ExitCode,
		Stdout:       res.Stdout,
		Stderr:       res.Stderr,
		Reason:       completionReason(res.Killed),
		BundleHashes: bundleHashes,
	}, nil)
}

func (a *Agent) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.ServerURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// hashBundle produces the integrity hash recorded with completions.
func hashBundle(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
