package factory

// Mode names for degradation actions.
const (
	ModeQueueOverload   = "queue_overload"
	ModeStopTheBleeding = "stop_the_bleeding"
)

// Signals are the system-wide observations the controller acts on.
type Signals struct {
	QueueOverload bool `json:"queue_overload"`
	RepoUnhealthy bool `json:"repo_unhealthy"`
}

// Action is an advisory admission adjustment. Dispatch honors it; the
// controller never mutates job or worker state itself.
type Action struct {
	Mode string `json:"mode"`

	// PreferLane, when set, is the lane dispatch should drain first.
	PreferLane string `json:"prefer_lane,omitempty"`

	// ReduceExecWIPTo caps the exec WIP ceiling; 0 means no change.
	ReduceExecWIPTo int `json:"reduce_exec_wip_to,omitempty"`

	// Allowlist restricts admission to these task classes while in
	// stop-the-bleeding mode.
	Allowlist []string `json:"allowlist,omitempty"`
}

// Task is the admission-relevant slice of a task.
type Task struct {
	TaskClassID string `json:"task_class_id"`
	Area        string `json:"area"`
	Lane        string `json:"lane"`
}

// ComputeDegradationAction maps signals to an action, or nil when the
// system should run at baseline. Repo health dominates queue depth:
// admitting more work into a broken repo only deepens the hole.
func ComputeDegradationAction(p Policy, s Signals) *Action {
	if s.RepoUnhealthy {
		return &Action{
			Mode:      ModeStopTheBleeding,
			Allowlist: p.AllowlistSorted(),
		}
	}
	if s.QueueOverload {
		return &Action{
			Mode:            ModeQueueOverload,
			PreferLane:      LaneFast,
			ReduceExecWIPTo: p.DegradedExecWIP,
		}
	}
	return nil
}

// ApplyDegradationToWIPLimits returns limits after the action, never
// above baseline and idempotent under repeated application.
func ApplyDegradationToWIPLimits(base WIPLimits, action *Action) WIPLimits {
	out := WIPLimits{Exec: base.Exec}
	if len(base.Lanes) > 0 {
		out.Lanes = make(map[string]int, len(base.Lanes))
		for lane, n := range base.Lanes {
			out.Lanes[lane] = n
		}
	}

	if action == nil || action.ReduceExecWIPTo <= 0 {
		return out
	}
	if action.ReduceExecWIPTo < out.Exec {
		out.Exec = action.ReduceExecWIPTo
	}
	return out
}

// ShouldAllowTaskUnderStopTheBleeding reports whether a task stays
// admissible while the action is active. Control-plane tasks always
// pass; everything else needs an allowlisted class.
func ShouldAllowTaskUnderStopTheBleeding(action *Action, task Task) bool {
	if action == nil || action.Mode != ModeStopTheBleeding {
		return true
	}
	if task.Area == AreaControlPlane {
		return true
	}
	for _, class := range action.Allowlist {
		if class == task.TaskClassID {
			return true
		}
	}
	return false
}
