package handlers

import (
	"net/http"

	"github.com/millwork/taskmill/pkg/factory"
)

// FactoryPolicyGet returns the configured admission policy.
func (a *API) FactoryPolicyGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Controller.Policy())
}

// DegradationState is the /factory/degradation body.
type DegradationState struct {
	Mode            string            `json:"mode"`
	Action          *factory.Action   `json:"action,omitempty"`
	Signals         factory.Signals   `json:"signals"`
	EffectiveLimits factory.WIPLimits `json:"effective_limits"`
}

// FactoryDegradationGet reports the active degradation action.
func (a *API) FactoryDegradationGet(w http.ResponseWriter, r *http.Request) {
	action, signals := a.Controller.Current()
	mode := "baseline"
	if action != nil {
		mode = action.Mode
	}
	writeJSON(w, http.StatusOK, DegradationState{
		Mode:            mode,
		Action:          action,
		Signals:         signals,
		EffectiveLimits: a.Controller.EffectiveLimits(),
	})
}
