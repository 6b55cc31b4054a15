package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type stubAdapter struct {
	Adapter
	id int64
}

func (s *stubAdapter) ChainID() int64 { return s.id }

func TestRegistryGet(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubAdapter{id: 42220})

	a, err := reg.Get(42220)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.ChainID() != 42220 {
		t.Fatalf("chain id = %d, want 42220", a.ChainID())
	}

	_, err = reg.Get(1)
	if !errors.Is(err, ErrUnsupportedChain) {
		t.Fatalf("expected ErrUnsupportedChain, got %v", err)
	}
}

func TestRegistryReplace(t *testing.T) {
	reg := NewRegistry()
	first := &stubAdapter{id: 1}
	second := &stubAdapter{id: 1}
	reg.Register(first)
	reg.Register(second)

	a, err := reg.Get(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a != Adapter(second) {
		t.Fatal("expected later registration to win")
	}
	if got := len(reg.ChainIDs()); got != 1 {
		t.Fatalf("chain ids = %d, want 1", got)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("nonce too low"), true},
		{errors.New("replacement transaction underpriced"), true},
		{errors.New("already known"), true},
		{errors.New("read tcp: connection reset by peer"), true},
		{fmt.Errorf("rpc: %w", context.DeadlineExceeded), true},
		{errors.New("429 Too Many Requests"), true},
		{errors.New("insufficient funds for gas * price + value"), false},
		{errors.New("execution reverted: ERC20: transfer amount exceeds balance"), false},
		{ErrUnsupportedChain, false},
		{ErrReceiptNotFound, false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
