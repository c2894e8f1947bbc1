package worker

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
	"time"
)

// Synthetic exit codes for forced terminations. 124 mirrors the
// timeout(1) convention; 125 marks a server-side cancellation.
const (
	ExitTimedOut = 124
	ExitCanceled = 125
)

// Termination reasons recorded in the stderr suffix.
const (
	KillReasonTimeout = "wall-clock timeout exceeded"
	KillReasonStall   = "output stalled"
	KillReasonCancel  = "job canceled by server"
)

// ProcSpec describes one supervised subprocess run.
type ProcSpec struct {
	Command []string
	Dir     string
	Env     []string

	// TimeoutMs is the wall-clock budget; 0 means no timeout.
	TimeoutMs int64

	// StallWindow kills the process when stdout+stderr byte length has
	// not grown for this long; 0 disables stall detection.
	StallWindow time.Duration

	// Tick is the supervision poll interval.
	Tick time.Duration

	// Canceled is polled each tick; returning true forces termination.
	// Nil disables cancellation polling.
	Canceled func() bool
}

// ProcResult is the outcome of a supervised run.
type ProcResult struct {
	ExitCode int
	Stdout   string
	Stderr   string

	// Killed names the termination reason when the supervisor forced
	// it; empty when the process exited on its own.
	Killed string
}

// growBuffer is a mutex-guarded buffer whose length doubles as the
// stall-detection signal.
type growBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *growBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *growBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *growBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Supervise runs the subprocess and polls three conditions each tick:
// server cancellation, wall-clock timeout, and output stall. Any of
// them kills the process and yields a synthetic exit code plus a
// stderr suffix naming the reason.
func Supervise(ctx context.Context, spec ProcSpec) (ProcResult, error) {
	if len(spec.Command) == 0 {
		return ProcResult{ExitCode: 1}, &AgentError{Op: "supervise", Message: "empty command"}
	}
	tick := spec.Tick
	if tick <= 0 {
		tick = time.Second
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}

	var stdout, stderr growBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return ProcResult{ExitCode: 1, Stderr: err.Error()}, &AgentError{Op: "start", Message: err.Error(), Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	start := time.Now()
	lastGrowth := start
	lastLen := 0

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	killWith := func(reason string) ProcResult {
		_ = cmd.Process.Kill()
		<-done

		code := ExitTimedOut
		if reason == KillReasonCancel {
			code = ExitCanceled
		}
		return ProcResult{
			ExitCode: code,
			Stdout:   stdout.String(),
			Stderr:   stderr.String() + "\n[taskmill-worker] " + reason,
			Killed:   reason,
		}
	}

	for {
		select {
		case <-ctx.Done():
			return killWith(KillReasonCancel), nil

		case err := <-done:
			res := ProcResult{Stdout: stdout.String(), Stderr: stderr.String()}
			if err == nil {
				return res, nil
			}
			if exitErr, ok := err.(*exec.ExitError); ok {
				res.ExitCode = exitErr.ExitCode()
				return res, nil
			}
			res.ExitCode = 1
			res.Stderr += "\n[taskmill-worker] wait failed: " + err.Error()
			return res, nil

		case <-ticker.C:
			if spec.Canceled != nil && spec.Canceled() {
				return killWith(KillReasonCancel), nil
			}
			if spec.TimeoutMs > 0 && time.Since(start) > time.Duration(spec.TimeoutMs)*time.Millisecond {
				return killWith(KillReasonTimeout), nil
			}
			if spec.StallWindow > 0 {
				if n := stdout.Len() + stderr.Len(); n > lastLen {
					lastLen = n
					lastGrowth = time.Now()
				} else if time.Since(lastGrowth) > spec.StallWindow {
					return killWith(KillReasonStall), nil
				}
			}
		}
	}
}
