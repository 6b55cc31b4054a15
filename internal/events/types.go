// Package events defines the domain event set and an in-process pub/sub bus.
// Workers and the approval machine publish here; websocket push and internal
// observers subscribe.
package events

import (
	"encoding/json"
	"time"
)

// Type classifies domain events. The set is closed: subscriptions naming a
// type outside it are rejected.
type Type string

const (
	TransactionPending   Type = "transaction:pending"
	TransactionSubmitted Type = "transaction:submitted"
	TransactionConfirmed Type = "transaction:confirmed"
	TransactionFailed    Type = "transaction:failed"

	ApprovalCreated  Type = "approval:created"
	ApprovalApproved Type = "approval:approved"
	ApprovalRejected Type = "approval:rejected"
	ApprovalExpired  Type = "approval:expired"

	PlanStarted   Type = "plan:started"
	PlanCompleted Type = "plan:completed"
	PlanFailed    Type = "plan:failed"

	AgentAction Type = "agent:action"
	AgentError  Type = "agent:error"

	SystemAlert Type = "system:alert"

	JobQueued    Type = "job:queued"
	JobProgress  Type = "job:progress"
	JobCompleted Type = "job:completed"
	JobFailed    Type = "job:failed"
	JobStalled   Type = "job:stalled"
)

// Wildcard subscribes a handler to every event.
const Wildcard = "*"

var known = map[Type]struct{}{
	TransactionPending: {}, TransactionSubmitted: {}, TransactionConfirmed: {}, TransactionFailed: {},
	ApprovalCreated: {}, ApprovalApproved: {}, ApprovalRejected: {}, ApprovalExpired: {},
	PlanStarted: {}, PlanCompleted: {}, PlanFailed: {},
	AgentAction: {}, AgentError: {},
	SystemAlert: {},
	JobQueued:   {}, JobProgress: {}, JobCompleted: {}, JobFailed: {}, JobStalled: {},
}

// Valid reports whether t is in the closed event-type set.
func Valid(t Type) bool {
	_, ok := known[t]
	return ok
}

// Event is one published domain event. UserID, AgentID and PlanID duplicate
// the payload's identity keys so subscriber filters match without inspecting
// payload shapes. Queue is set on job lifecycle events.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Queue     string    `json:"queue,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	PlanID    string    `json:"plan_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// TransactionPayload is carried by transaction:* events.
type TransactionPayload struct {
	TransactionID string `json:"transaction_id"`
	ChainID       int64  `json:"chain_id"`
	Hash          string `json:"hash,omitempty"`
	BlockNumber   uint64 `json:"block_number,omitempty"`
	GasUsed       uint64 `json:"gas_used,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	AgentID       string `json:"agent_id,omitempty"`
	PlanID        string `json:"plan_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ApprovalPayload is carried by approval:* events.
type ApprovalPayload struct {
	ApprovalID    string    `json:"approval_id"`
	TransactionID string    `json:"transaction_id"`
	RiskScore     float64   `json:"risk_score"`
	RiskLevel     string    `json:"risk_level"`
	Priority      string    `json:"priority"`
	ExpiresAt     time.Time `json:"expires_at"`
	Resolver      string    `json:"resolver,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	AgentID       string    `json:"agent_id,omitempty"`
	PlanID        string    `json:"plan_id,omitempty"`
}

// PlanPayload is carried by plan:* events.
type PlanPayload struct {
	PlanID    string `json:"plan_id"`
	StepCount int    `json:"step_count"`
	Error     string `json:"error,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

// JobPayload is carried by job:* events.
type JobPayload struct {
	Queue    string `json:"queue"`
	JobID    string `json:"job_id"`
	Progress int    `json:"progress,omitempty"`
	Error    string `json:"error,omitempty"`
}

// AlertPayload is carried by system:alert events.
type AlertPayload struct {
	Severity string         `json:"severity"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
}

// NewTransaction builds a transaction event with its filter keys populated.
func NewTransaction(t Type, p TransactionPayload) Event {
	return Event{Type: t, UserID: p.UserID, AgentID: p.AgentID, PlanID: p.PlanID, Payload: p}
}

// NewApproval builds an approval event with its filter keys populated.
func NewApproval(t Type, p ApprovalPayload) Event {
	return Event{Type: t, UserID: p.UserID, AgentID: p.AgentID, PlanID: p.PlanID, Payload: p}
}

// NewPlan builds a plan event with its filter keys populated.
func NewPlan(t Type, p PlanPayload) Event {
	return Event{Type: t, UserID: p.UserID, AgentID: p.AgentID, PlanID: p.PlanID, Payload: p}
}

// NewJob builds a job lifecycle event.
func NewJob(t Type, p JobPayload) Event {
	return Event{Type: t, Queue: p.Queue, Payload: p}
}

// NewAlert builds a system:alert event.
func NewAlert(severity, title, message string, ctx map[string]any) Event {
	return Event{Type: SystemAlert, Payload: AlertPayload{
		Severity: severity,
		Title:    title,
		Message:  message,
		Context:  ctx,
	}}
}
