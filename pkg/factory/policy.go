// Package factory holds admission-control policy and the degradation
// controller that modulates dispatch under load or repo trouble.
package factory

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Lane names used for admission partitioning.
const (
	LaneFast  = "fastlane"
	LaneMain  = "mainlane"
	LaneBatch = "batchlane"
)

// AreaControlPlane marks tasks that keep the factory itself running;
// they stay admissible in every degradation mode.
const AreaControlPlane = "control_plane"

// WIPLimits caps concurrently executing jobs per category.
type WIPLimits struct {
	Exec  int            `yaml:"exec" json:"exec"`
	Lanes map[string]int `yaml:"lanes,omitempty" json:"lanes,omitempty"`
}

// Policy is the admission-control configuration.
type Policy struct {
	// Baseline limits when no degradation action is active.
	Baseline WIPLimits `yaml:"baseline" json:"baseline"`

	// QueueOverloadDepth is the queue depth at which the overload
	// signal fires.
	QueueOverloadDepth int `yaml:"queue_overload_depth" json:"queue_overload_depth"`

	// DegradedExecWIP is the exec ceiling applied under queue overload.
	DegradedExecWIP int `yaml:"degraded_exec_wip" json:"degraded_exec_wip"`

	// StopTheBleedingAllowlist names the task classes that stay
	// admissible while the repo is judged unhealthy.
	StopTheBleedingAllowlist []string `yaml:"stop_the_bleeding_allowlist" json:"stop_the_bleeding_allowlist"`
}

// DefaultPolicy returns a conservative baseline.
func DefaultPolicy() Policy {
	return Policy{
		Baseline: WIPLimits{
			Exec: 4,
			Lanes: map[string]int{
				LaneFast:  2,
				LaneMain:  4,
				LaneBatch: 8,
			},
		},
		QueueOverloadDepth:       50,
		DegradedExecWIP:          2,
		StopTheBleedingAllowlist: []string{"ci_fixup_v1"},
	}
}

// LoadPolicy reads a policy document from a YAML file.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read factory policy %s: %w", path, err)
	}

	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse factory policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate rejects policies that could not bound anything.
func (p Policy) Validate() error {
	if p.Baseline.Exec <= 0 {
		return fmt.Errorf("baseline exec WIP must be positive, got %d", p.Baseline.Exec)
	}
	if p.DegradedExecWIP <= 0 {
		return fmt.Errorf("degraded exec WIP must be positive, got %d", p.DegradedExecWIP)
	}
	if p.DegradedExecWIP > p.Baseline.Exec {
		return fmt.Errorf("degraded exec WIP %d exceeds baseline %d", p.DegradedExecWIP, p.Baseline.Exec)
	}
	for lane, n := range p.Baseline.Lanes {
		if n <= 0 {
			return fmt.Errorf("lane %s WIP must be positive, got %d", lane, n)
		}
	}
	return nil
}

// AllowlistSorted returns the stop-the-bleeding allowlist in stable
// order for display and logging.
func (p Policy) AllowlistSorted() []string {
	out := append([]string(nil), p.StopTheBleedingAllowlist...)
	sort.Strings(out)
	return out
}
