// Package workers implements the queue handlers: the transaction broadcast
// pipeline, plan execution, read-only simulation, and notification dispatch,
// plus the submission service that feeds them.
package workers

import (
	"encoding/json"
	"fmt"

	"github.com/quaestorhq/quaestor/internal/coordinator"
)

// Queue names. Job ids on the transaction queue equal the transaction id so
// a transaction never has two live broadcast jobs.
const (
	QueuePlan         = "plan"
	QueueTransaction  = "transaction"
	QueueSimulation   = "simulation"
	QueueNotification = "notification"
)

// TransactionJob is the transaction queue payload.
type TransactionJob struct {
	TransactionID string `json:"transaction_id"`
	Simulate      bool   `json:"simulate,omitempty"`
}

// PlanJob is the plan queue payload.
type PlanJob struct {
	PlanID string `json:"plan_id"`
}

// SimulationJob is the simulation queue payload.
type SimulationJob struct {
	TransactionID string `json:"transaction_id"`
}

// decodePayload unmarshals a job payload, wrapping decode failures so the
// coordinator dead-letters them instead of retrying.
func decodePayload(payload []byte, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", coordinator.ErrMalformedPayload)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", coordinator.ErrMalformedPayload, err)
	}
	return nil
}
