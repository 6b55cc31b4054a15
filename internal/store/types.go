// Package store persists transactions and plans in SQLite. Status moves
// are compare-and-swap updates so concurrent workers cannot double-apply
// a transition.
package store

import (
	"encoding/json"
	"time"
)

// TxStatus is a transaction's durable lifecycle state.
type TxStatus string

const (
	TxDraft            TxStatus = "DRAFT"
	TxAwaitingApproval TxStatus = "AWAITING_APPROVAL"
	TxQueued           TxStatus = "QUEUED"
	TxBroadcasting     TxStatus = "BROADCASTING"
	TxBroadcasted      TxStatus = "BROADCASTED"
	TxConfirmed        TxStatus = "CONFIRMED"
	TxFailed           TxStatus = "FAILED"
	TxRejected         TxStatus = "REJECTED"
	TxCancelled        TxStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s TxStatus) Terminal() bool {
	switch s {
	case TxConfirmed, TxFailed, TxRejected, TxCancelled:
		return true
	}
	return false
}

// Transaction is the persistent record of one intended on-chain operation.
// Amount fields are decimal strings in the chain's smallest unit. Hash is
// set exactly once, when the broadcast succeeds.
type Transaction struct {
	ID               string     `json:"id"`
	ChainID          int64      `json:"chain_id"`
	From             string     `json:"from"`
	To               string     `json:"to"`
	Value            string     `json:"value"`
	Data             []byte     `json:"data,omitempty"`
	GasLimit         uint64     `json:"gas_limit,omitempty"`
	MaxFee           string     `json:"max_fee,omitempty"`
	PriorityFee      string     `json:"priority_fee,omitempty"`
	Nonce            *uint64    `json:"nonce,omitempty"`
	UserID           string     `json:"user_id,omitempty"`
	AgentID          string     `json:"agent_id,omitempty"`
	PlanID           string     `json:"plan_id,omitempty"`
	StepID           string     `json:"step_id,omitempty"`
	RiskScore        float64    `json:"risk_score"`
	RiskLevel        string     `json:"risk_level"`
	RequiresApproval bool       `json:"requires_approval"`
	Status           TxStatus   `json:"status"`
	Hash             string     `json:"hash,omitempty"`
	BlockNumber      uint64     `json:"block_number,omitempty"`
	BlockHash        string     `json:"block_hash,omitempty"`
	GasUsed          uint64     `json:"gas_used,omitempty"`
	ConfirmedAt      *time.Time `json:"confirmed_at,omitempty"`
	Memo             string     `json:"memo,omitempty"`
	Simulation       []byte     `json:"simulation,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// PlanStatus is a plan's execution state.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanRunning   PlanStatus = "running"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// Step is one unit of a plan. DependsOn names step IDs that must confirm
// before this step may be scheduled.
type Step struct {
	ID        string          `json:"id"`
	Index     int             `json:"index"`
	ChainID   int64           `json:"chain_id"`
	To        string          `json:"to"`
	Value     string          `json:"value,omitempty"`
	Data      []byte          `json:"data,omitempty"`
	Contract  string          `json:"contract,omitempty"`
	Function  string          `json:"function,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	DependsOn []string        `json:"depends_on,omitempty"`
	Parallel  bool            `json:"parallel,omitempty"`
	RiskScore float64         `json:"risk_score"`
}

// Plan is an ordered multi-step execution. Steps are immutable once
// submitted; execution state lives on the per-step transactions.
type Plan struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id,omitempty"`
	AgentID       string     `json:"agent_id,omitempty"`
	Description   string     `json:"description,omitempty"`
	CrossChain    bool       `json:"cross_chain"`
	EstimatedGas  string     `json:"estimated_gas,omitempty"`
	EstimatedTime string     `json:"estimated_time,omitempty"`
	Steps         []Step     `json:"steps"`
	Status        PlanStatus `json:"status"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}
