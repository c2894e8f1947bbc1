// Package errors defines the machine-readable HTTP error contract.
//
// Every error response carries a stable code plus enough context
// (paths, ids) to reproduce the failure; the human-readable message is
// advisory only.
package errors

// Stable error codes shared across the HTTP surface and the CLI.
const (
	CodeNotFound            = "NOT_FOUND"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodeInternal            = "INTERNAL_ERROR"
	CodeSchemaViolation     = "SCHEMA_VIOLATION"
	CodePinsInsufficient    = "PINS_INSUFFICIENT"
	CodeScopeConflict       = "SCOPE_CONFLICT"
	CodePolicyViolation     = "POLICY_VIOLATION"
	CodeDuplicateCompletion = "DUPLICATE_COMPLETION"
	CodeClaimRace           = "CLAIM_RACE"
	CodeMapHashMismatch     = "MAP_HASH_MISMATCH"
	CodeMissingArtifact     = "MISSING_ARTIFACT"
	CodeAdmissionBlocked    = "ADMISSION_BLOCKED"
)

// HTTPErrorResponse is the JSON envelope written for every non-2xx
// response.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// HTTPError is the inner error payload.
type HTTPError struct {
	// Code is a stable machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Details carries reproduction context (task ids, offending paths).
	Details map[string]any `json:"details,omitempty"`

	// RequestID echoes the request correlation id when present.
	RequestID string `json:"request_id,omitempty"`
}
