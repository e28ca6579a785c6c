package models

import (
	"fmt"
	"time"
)

// RiskLevel classifies the blast radius of a tool invocation.
type RiskLevel string

const (
	RiskSafe     RiskLevel = "safe"
	RiskCritical RiskLevel = "critical"
)

// Origin records which entry path created an action request.
type Origin string

const (
	OriginInteractive Origin = "interactive"
	OriginAutonomous  Origin = "autonomous"
)

// RequestStatus tracks an action request through the safety gate.
type RequestStatus string

const (
	StatusProposed         RequestStatus = "proposed"
	StatusAwaitingApproval RequestStatus = "awaiting_approval"
	StatusApproved         RequestStatus = "approved"
	StatusRejected         RequestStatus = "rejected"
	StatusExecuting        RequestStatus = "executing"
	StatusSucceeded        RequestStatus = "succeeded"
	StatusFailed           RequestStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// allowedStatusTransitions encodes the safety-gate state machine. Transitions
// are monotonic; rejected and failed are terminal.
var allowedStatusTransitions = map[RequestStatus][]RequestStatus{
	StatusProposed:         {StatusAwaitingApproval, StatusExecuting, StatusRejected},
	StatusAwaitingApproval: {StatusApproved, StatusRejected},
	StatusApproved:         {StatusExecuting},
	StatusExecuting:        {StatusSucceeded, StatusFailed},
}

// ValidateStatusTransition returns an error for any move the gate's state
// machine does not permit.
func ValidateStatusTransition(from, to RequestStatus) error {
	for _, next := range allowedStatusTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("action status transition %s -> %s not permitted", from, to)
}

// ActionRequest is a validated, gate-controlled infrastructure operation.
type ActionRequest struct {
	ID         string
	Tool       string
	Args       map[string]string
	Risk       RiskLevel
	Origin     Origin
	Status     RequestStatus
	ResourceID string
	Reason     string
	Result     string
	CreatedAt  time.Time
}

// ApprovalDecision is the operator's verdict on a pending ticket.
type ApprovalDecision string

const (
	DecisionPending  ApprovalDecision = "pending"
	DecisionApproved ApprovalDecision = "approved"
	DecisionDenied   ApprovalDecision = "denied"
)

// ApprovalTicket gates a critical-risk action request on a human decision.
type ApprovalTicket struct {
	ID          string
	RequestID   string
	RequestedAt time.Time
	Decision    ApprovalDecision
	DecidedBy   string
}

// SOPProcedure is a recovery playbook retrieved from the knowledge store.
// Read-only at runtime.
type SOPProcedure struct {
	ID         string
	Title      string
	Tags       []string
	Steps      []ActionTemplate
	Rationale  string
	Confidence float64
}

// ActionTemplate is an unresolved step inside a procedure; argument values may
// reference the alerting resource via the {{instance_id}} placeholder.
type ActionTemplate struct {
	Tool string            `yaml:"tool"`
	Args map[string]string `yaml:"args"`
}
