package chain

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrUnsupportedChain means no adapter is registered for the chain ID.
	ErrUnsupportedChain = errors.New("unsupported chain")

	// ErrReceiptNotFound means the transaction is not yet mined.
	ErrReceiptNotFound = errors.New("receipt not found")
)

// retryableMarkers are node responses that self-heal on a later attempt:
// nonce races resolve once the pool settles, and transient transport
// failures clear on their own.
var retryableMarkers = []string{
	"nonce too low",
	"replacement transaction underpriced",
	"already known",
	"transaction underpriced",
	"timeout",
	"timed out",
	"rate limit",
	"too many requests",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
	"eof",
}

// IsRetryable reports whether a broadcast or RPC error is worth another
// attempt. Everything unrecognized is treated as fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrUnsupportedChain) || errors.Is(err, ErrReceiptNotFound) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
