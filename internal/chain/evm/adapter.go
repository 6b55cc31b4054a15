// Package evm adapts EVM-compatible chains (Ethereum, Celo, L2s) to the
// chain.Adapter contract using go-ethereum's RPC client. Transactions are
// built as EIP-1559 dynamic-fee txs; chains without a base fee fall back
// to the suggested legacy gas price for both fee caps.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/quaestorhq/quaestor/internal/chain"
)

// gasPadPercent widens node gas estimates so borderline transactions do
// not run out of gas between estimate and inclusion.
const gasPadPercent = 20

// Adapter implements chain.Adapter for one EVM chain.
type Adapter struct {
	chainID *big.Int
	client  *ethclient.Client
	signer  *Signer
	log     *zap.Logger
}

// Dial connects to an EVM node and verifies it serves the expected chain.
// signer may be nil for read-only use; Sign then fails.
func Dial(ctx context.Context, chainID int64, rpcURL string, signer *Signer, log *zap.Logger) (*Adapter, error) {
	if log == nil {
		log = zap.NewNop()
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	remote, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	if remote.Int64() != chainID {
		client.Close()
		return nil, fmt.Errorf("rpc serves chain %d, expected %d", remote.Int64(), chainID)
	}

	log.Info("evm adapter connected",
		zap.Int64("chain_id", chainID),
		zap.String("rpc", rpcURL))

	return &Adapter{
		chainID: big.NewInt(chainID),
		client:  client,
		signer:  signer,
		log:     log.Named("evm"),
	}, nil
}

// Close releases the RPC connection.
func (a *Adapter) Close() {
	if a.client != nil {
		a.client.Close()
	}
}

// ChainID returns the chain this adapter serves.
func (a *Adapter) ChainID() int64 { return a.chainID.Int64() }

// SignerAddress returns the configured signing address, empty if read-only.
func (a *Adapter) SignerAddress() string {
	if a.signer == nil {
		return ""
	}
	return a.signer.Address()
}

// EstimateGas fills gas limit and fee caps for a spec, honoring any values
// the caller pinned.
func (a *Adapter) EstimateGas(ctx context.Context, spec chain.TxSpec) (chain.GasEstimate, error) {
	msg := callMsg(spec)

	gasLimit := spec.GasLimit
	if gasLimit == 0 {
		estimated, err := a.client.EstimateGas(ctx, msg)
		if err != nil {
			return chain.GasEstimate{}, fmt.Errorf("estimate gas: %w", err)
		}
		gasLimit = estimated + estimated*gasPadPercent/100
	}

	head, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return chain.GasEstimate{}, fmt.Errorf("read head: %w", err)
	}

	if head.BaseFee == nil {
		// Legacy chain: one price serves both caps.
		gasPrice, err := a.client.SuggestGasPrice(ctx)
		if err != nil {
			return chain.GasEstimate{}, fmt.Errorf("suggest gas price: %w", err)
		}
		maxFee := gasPrice
		if spec.MaxFee != nil {
			maxFee = spec.MaxFee
		}
		priority := gasPrice
		if spec.PriorityFee != nil {
			priority = spec.PriorityFee
		}
		return chain.GasEstimate{GasLimit: gasLimit, MaxFee: maxFee, PriorityFee: priority}, nil
	}

	priority := spec.PriorityFee
	if priority == nil {
		tip, err := a.client.SuggestGasTipCap(ctx)
		if err != nil {
			return chain.GasEstimate{}, fmt.Errorf("suggest tip: %w", err)
		}
		priority = tip
	}
	maxFee := spec.MaxFee
	if maxFee == nil {
		// Covers a doubling of the base fee plus the tip.
		maxFee = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), priority)
	}

	return chain.GasEstimate{
		GasLimit:    gasLimit,
		MaxFee:      maxFee,
		PriorityFee: priority,
		BaseFee:     head.BaseFee,
	}, nil
}

// Build assembles an unsigned dynamic-fee transaction. The nonce comes
// from the spec when pinned, otherwise from the node's pending pool.
func (a *Adapter) Build(ctx context.Context, spec chain.TxSpec, est chain.GasEstimate) (*chain.UnsignedTx, error) {
	var nonce uint64
	if spec.Nonce != nil {
		nonce = *spec.Nonce
	} else {
		n, err := a.client.PendingNonceAt(ctx, common.HexToAddress(spec.From))
		if err != nil {
			return nil, fmt.Errorf("pending nonce: %w", err)
		}
		nonce = n
	}

	var to *common.Address
	if spec.To != "" {
		addr := common.HexToAddress(spec.To)
		to = &addr
	}
	value := spec.Value
	if value == nil {
		value = new(big.Int)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   a.chainID,
		Nonce:     nonce,
		GasTipCap: est.PriorityFee,
		GasFeeCap: est.MaxFee,
		Gas:       est.GasLimit,
		To:        to,
		Value:     value,
		Data:      spec.Data,
	})
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode tx: %w", err)
	}

	return &chain.UnsignedTx{
		ChainID:     a.chainID.Int64(),
		From:        spec.From,
		Nonce:       nonce,
		GasLimit:    est.GasLimit,
		MaxFee:      est.MaxFee,
		PriorityFee: est.PriorityFee,
		Raw:         raw,
	}, nil
}

// Sign signs a built transaction with the configured key.
func (a *Adapter) Sign(_ context.Context, unsigned *chain.UnsignedTx) (*chain.SignedTx, error) {
	if a.signer == nil {
		return nil, errors.New("no signing key configured")
	}

	var tx types.Transaction
	if err := tx.UnmarshalBinary(unsigned.Raw); err != nil {
		return nil, fmt.Errorf("decode tx: %w", err)
	}
	signed, err := types.SignTx(&tx, types.LatestSignerForChainID(a.chainID), a.signer.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode signed tx: %w", err)
	}

	return &chain.SignedTx{
		ChainID: unsigned.ChainID,
		Hash:    signed.Hash().Hex(),
		Raw:     raw,
	}, nil
}

// Broadcast submits a signed transaction and returns its hash.
func (a *Adapter) Broadcast(ctx context.Context, signed *chain.SignedTx) (string, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(signed.Raw); err != nil {
		return "", fmt.Errorf("decode signed tx: %w", err)
	}
	if err := a.client.SendTransaction(ctx, &tx); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	hash := tx.Hash().Hex()
	a.log.Info("transaction broadcast",
		zap.String("hash", hash),
		zap.Uint64("nonce", tx.Nonce()))
	return hash, nil
}

// GetReceipt fetches the mined receipt, or chain.ErrReceiptNotFound while
// the transaction is still pending.
func (a *Adapter) GetReceipt(ctx context.Context, hash string) (*chain.Receipt, error) {
	receipt, err := a.client.TransactionReceipt(ctx, common.HexToHash(hash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, chain.ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}
	return &chain.Receipt{
		Hash:        hash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		BlockHash:   receipt.BlockHash.Hex(),
		GasUsed:     receipt.GasUsed,
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
	}, nil
}

// Simulate executes the call without broadcasting. Reverts come back as an
// unsuccessful result with the decoded reason, not an error. Balance
// changes are synthesized for plain value transfers; contract-internal
// transfers need a trace API the adapter does not require.
func (a *Adapter) Simulate(ctx context.Context, spec chain.TxSpec) (*chain.SimulationResult, error) {
	msg := callMsg(spec)

	ret, err := a.client.CallContract(ctx, msg, nil)
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return &chain.SimulationResult{Success: false, RevertReason: reason}, nil
		}
		return nil, fmt.Errorf("call contract: %w", err)
	}

	gasUsed, err := a.client.EstimateGas(ctx, msg)
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return &chain.SimulationResult{Success: false, RevertReason: reason}, nil
		}
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	result := &chain.SimulationResult{
		Success:     true,
		GasUsed:     gasUsed,
		ReturnValue: ret,
	}
	if len(spec.Data) == 0 && spec.Value != nil && spec.Value.Sign() > 0 && spec.To != "" {
		result.BalanceChanges = []chain.BalanceChange{
			{Address: spec.From, Asset: "native", Delta: "-" + spec.Value.String()},
			{Address: spec.To, Asset: "native", Delta: spec.Value.String()},
		}
	}
	return result, nil
}

// PendingNonce returns the next nonce including pool transactions.
func (a *Adapter) PendingNonce(ctx context.Context, address string) (uint64, error) {
	return a.client.PendingNonceAt(ctx, common.HexToAddress(address))
}

func callMsg(spec chain.TxSpec) ethereum.CallMsg {
	msg := ethereum.CallMsg{
		From:  common.HexToAddress(spec.From),
		Value: spec.Value,
		Data:  spec.Data,
	}
	if spec.To != "" {
		to := common.HexToAddress(spec.To)
		msg.To = &to
	}
	return msg
}

// revertReason extracts a revert string from an RPC error: first from the
// structured error data, then from the "execution reverted: ..." message.
func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(hexData); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason, true
				}
			}
		}
	}

	msg := err.Error()
	idx := strings.Index(msg, "execution reverted")
	if idx < 0 {
		return "", false
	}
	reason := strings.TrimPrefix(msg[idx:], "execution reverted")
	reason = strings.TrimSpace(strings.TrimPrefix(reason, ":"))
	return reason, true
}
