// Package approval implements the risk-gated approval machine. Transactions
// whose risk score crosses the approval threshold are held in
// AWAITING_APPROVAL until a resolver approves, rejects, or cancels the
// request, or a periodic sweep expires it. Every transition is a
// compare-and-set on PENDING: a resolved approval never changes again.
package approval

import "time"

// Status is an approval request's lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// Resolved reports whether the status is terminal.
func (s Status) Resolved() bool {
	return s != StatusPending
}

// Approval gates one transaction. TransactionID is unique: a transaction
// has at most one approval request.
type Approval struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transaction_id"`
	RiskScore     float64    `json:"risk_score"`
	RiskLevel     string     `json:"risk_level"`
	Priority      string     `json:"priority"`
	Status        Status     `json:"status"`
	RequestedBy   string     `json:"requested_by,omitempty"`
	UserID        string     `json:"user_id,omitempty"`
	AgentID       string     `json:"agent_id,omitempty"`
	PlanID        string     `json:"plan_id,omitempty"`
	RequestedAt   time.Time  `json:"requested_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy    string     `json:"resolved_by,omitempty"`
	Resolution    string     `json:"resolution,omitempty"`
}

// Expired reports whether a pending approval's TTL has lapsed.
func (a *Approval) Expired(now time.Time) bool {
	return a.Status == StatusPending && !a.ExpiresAt.After(now)
}

// Counts summarizes approvals per status.
type Counts struct {
	Pending   int `json:"pending"`
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Expired   int `json:"expired"`
	Cancelled int `json:"cancelled"`
}
