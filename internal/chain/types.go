// Package chain defines the adapter contract the transaction pipeline
// consumes: gas estimation, build/sign/broadcast, receipt lookup, and
// call simulation against one blockchain.
package chain

import "math/big"

// TxSpec is a chain-agnostic description of an intended transaction.
// Amounts are in the chain's smallest unit (wei for EVM chains).
type TxSpec struct {
	ChainID     int64
	From        string
	To          string
	Value       *big.Int
	Data        []byte
	GasLimit    uint64   // 0 = estimate
	MaxFee      *big.Int // nil = suggest
	PriorityFee *big.Int // nil = suggest
	Nonce       *uint64  // nil = next pending nonce
}

// GasEstimate is the adapter's fee recommendation for a TxSpec.
type GasEstimate struct {
	GasLimit    uint64
	MaxFee      *big.Int
	PriorityFee *big.Int
	BaseFee     *big.Int // nil on chains without a base fee
}

// UnsignedTx carries an adapter-built transaction. Raw is the adapter's
// serialized form and is opaque to callers.
type UnsignedTx struct {
	ChainID     int64
	From        string
	Nonce       uint64
	GasLimit    uint64
	MaxFee      *big.Int
	PriorityFee *big.Int
	Raw         []byte
}

// SignedTx is ready for broadcast. Hash is known before submission.
type SignedTx struct {
	ChainID int64
	Hash    string
	Raw     []byte
}

// Receipt is the confirmed on-chain outcome of a broadcast transaction.
type Receipt struct {
	Hash        string
	BlockNumber uint64
	BlockHash   string
	GasUsed     uint64
	Success     bool
}

// BalanceChange is one asset delta observed during simulation.
type BalanceChange struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Delta   string `json:"delta"` // signed decimal, smallest unit
}

// Log is one event emitted during simulation.
type Log struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    []byte   `json:"data"`
}

// SimulationResult is the outcome of executing a call without broadcast.
type SimulationResult struct {
	Success        bool            `json:"success"`
	GasUsed        uint64          `json:"gas_used"`
	ReturnValue    []byte          `json:"return_value,omitempty"`
	RevertReason   string          `json:"revert_reason,omitempty"`
	BalanceChanges []BalanceChange `json:"balance_changes,omitempty"`
	Logs           []Log           `json:"logs,omitempty"`
}
