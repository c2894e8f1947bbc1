package verdict

// Reason codes attached to verdicts and job failures. These are the
// machine-readable half of every decision; free text never drives one.
const (
	ReasonNeedInput          = "NEED_INPUT"
	ReasonTransportFailure   = "TRANSPORT_FAILURE"
	ReasonScopeViolation     = "patch_scope_violation"
	ReasonPolicyViolation    = "POLICY_VIOLATION"
	ReasonCIFailed           = "CI_FAILED"
	ReasonPolicyGateFailed   = "POLICY_GATE_FAILED"
	ReasonHygieneFailed      = "HYGIENE_FAILED"
	ReasonTimeoutExceeded    = "TIMEOUT_EXCEEDED"
	ReasonExecutorError      = "EXECUTOR_ERROR"
	ReasonBudgetExceeded     = "BUDGET_EXCEEDED"
	ReasonAllChecksPassed    = "ALL_CHECKS_PASSED"
	ReasonUnclassifiedResult = "UNCLASSIFIED_RESULT"
)
