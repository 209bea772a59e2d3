package models

import "time"

// PermissionState is the lifecycle state of a PermissionRequest.
type PermissionState string

const (
	PermissionPending PermissionState = "pending"
	PermissionAllowed PermissionState = "allowed"
	PermissionDenied  PermissionState = "denied"
	PermissionExpired PermissionState = "expired"
)

// Decision is the outcome of a policy check or a human response, expressed
// as the same three-way lattice used throughout the permission broker.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionAsk   Decision = "ask"
)

// PermissionRequest is a suspended-run control record awaiting a human
// allow/deny decision. A run in RunStateWaitingPermission references
// exactly one open request (by PermID).
type PermissionRequest struct {
	PermID     string          `json:"perm_id"`
	RunID      string          `json:"run_id"`
	Capability string          `json:"capability"`
	ToolName   string          `json:"tool_name"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Preview    string          `json:"preview"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at,omitempty"`
	State      PermissionState `json:"state"`
	Decision   Decision        `json:"decision,omitempty"`
	DecidedAt  time.Time       `json:"decided_at,omitempty"`
	DecidedBy  string          `json:"decided_by,omitempty"`
}
