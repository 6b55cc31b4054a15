package chain

import (
	"context"
	"fmt"
	"sync"
)

// Adapter gives the pipeline uniform access to one blockchain. All methods
// are safe for concurrent use. Broadcast errors should be classified with
// IsRetryable before retrying.
type Adapter interface {
	ChainID() int64
	// SignerAddress is the account transactions are signed with, empty
	// when the adapter is read-only.
	SignerAddress() string
	EstimateGas(ctx context.Context, spec TxSpec) (GasEstimate, error)
	Build(ctx context.Context, spec TxSpec, est GasEstimate) (*UnsignedTx, error)
	Sign(ctx context.Context, unsigned *UnsignedTx) (*SignedTx, error)
	Broadcast(ctx context.Context, signed *SignedTx) (string, error)
	GetReceipt(ctx context.Context, hash string) (*Receipt, error)
	Simulate(ctx context.Context, spec TxSpec) (*SimulationResult, error)
	PendingNonce(ctx context.Context, address string) (uint64, error)
}

// Registry resolves chain IDs to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[int64]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[int64]Adapter)}
}

// Register adds an adapter, replacing any previous one for the same chain.
func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ChainID()] = a
}

// Get returns the adapter for a chain or ErrUnsupportedChain.
func (r *Registry) Get(chainID int64) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[chainID]
	if !ok {
		return nil, fmt.Errorf("chain %d: %w", chainID, ErrUnsupportedChain)
	}
	return a, nil
}

// ChainIDs lists the registered chains.
func (r *Registry) ChainIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	return out
}
