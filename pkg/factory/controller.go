package factory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SignalSource supplies the controller's observations. Queue depth
// comes from dispatch; repo health from an external check.
type SignalSource interface {
	QueueDepth() int
	RepoHealthy() bool
}

// Controller re-evaluates degradation on a ticker and serves the
// current action to dispatch and the HTTP surface.
type Controller struct {
	policy Policy
	source SignalSource
	logger *zap.Logger

	mu       sync.RWMutex
	current  *Action
	signals  Signals
	observer func(mode string)
}

// NewController builds a controller at baseline (no action).
func NewController(p Policy, source SignalSource, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{policy: p, source: source, logger: logger}
}

// SetObserver registers a callback invoked with the active mode after
// every evaluation. Set it before Run starts.
func (c *Controller) SetObserver(fn func(mode string)) {
	c.observer = fn
}

// Policy returns the configured policy.
func (c *Controller) Policy() Policy {
	return c.policy
}

// Current returns the active action (nil at baseline) and the signals
// that produced it.
func (c *Controller) Current() (*Action, Signals) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current, c.signals
}

// EffectiveLimits returns WIP limits after the active action.
func (c *Controller) EffectiveLimits() WIPLimits {
	action, _ := c.Current()
	return ApplyDegradationToWIPLimits(c.policy.Baseline, action)
}

// AdmitTask reports whether a task is admissible under the active
// action.
func (c *Controller) AdmitTask(task Task) bool {
	action, _ := c.Current()
	return ShouldAllowTaskUnderStopTheBleeding(action, task)
}

// Evaluate recomputes the action from current signals. Returns true
// when the action changed.
func (c *Controller) Evaluate() bool {
	signals := Signals{}
	if c.source != nil {
		signals.QueueOverload = c.source.QueueDepth() >= c.policy.QueueOverloadDepth
		signals.RepoUnhealthy = !c.source.RepoHealthy()
	}
	next := ComputeDegradationAction(c.policy, signals)

	c.mu.Lock()
	prev := c.current
	c.current = next
	c.signals = signals
	c.mu.Unlock()

	if c.observer != nil {
		c.observer(modeOf(next))
	}

	changed := modeOf(prev) != modeOf(next)
	if changed {
		c.logger.Info("degradation state changed",
			zap.String("from", modeOf(prev)),
			zap.String("to", modeOf(next)),
			zap.Bool("queue_overload", signals.QueueOverload),
			zap.Bool("repo_unhealthy", signals.RepoUnhealthy))
	}
	return changed
}

// Run re-evaluates on the given interval until ctx is done.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Evaluate()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Evaluate()
		}
	}
}

func modeOf(a *Action) string {
	if a == nil {
		return "baseline"
	}
	return a.Mode
}
