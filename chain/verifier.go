package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Receipt carries the subset of on-chain receipt data the pipeline records.
type Receipt struct {
	BlockNumber uint64 `json:"block_number"`
	From        string `json:"from"`
	To          string `json:"to"`
	GasUsed     uint64 `json:"gas_used"`
}

// Result is the outcome of a verification call. Retryable marks collaborator
// unavailability (timeouts, RPC errors) as opposed to a definitive rejection.
type Result struct {
	Verified  bool     `json:"verified"`
	Reason    string   `json:"reason,omitempty"`
	Retryable bool     `json:"retryable,omitempty"`
	Receipt   *Receipt `json:"receipt,omitempty"`
}

// Verifier confirms that a transaction succeeded on-chain and targeted the
// expected protocol contract. Implementations must bound their own network
// time; a timeout is a verification failure, not a hang.
type Verifier interface {
	Verify(ctx context.Context, txHash string, chainID int64, expectedContract string) (Result, error)
}

// EthVerifier verifies transactions against JSON-RPC endpoints, one client
// per supported chain.
type EthVerifier struct {
	clients  map[int64]*ethclient.Client
	registry *ContractRegistry
	timeout  time.Duration
}

const defaultVerifyTimeout = 10 * time.Second

func NewEthVerifier(registry *ContractRegistry, timeout time.Duration) *EthVerifier {
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	return &EthVerifier{
		clients:  make(map[int64]*ethclient.Client),
		registry: registry,
		timeout:  timeout,
	}
}

// AddChain dials the RPC endpoint for a chain id.
func (v *EthVerifier) AddChain(chainID int64, rpcURL string) error {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return fmt.Errorf("dial chain %d: %w", chainID, err)
	}
	v.clients[chainID] = client
	return nil
}

// Verify checks the transaction exists, is mined, succeeded, and that its
// destination is a known protocol contract (and matches expectedContract
// when one is given). A wrong destination fails verification even for a
// transaction that succeeded on-chain.
func (v *EthVerifier) Verify(ctx context.Context, txHash string, chainID int64, expectedContract string) (Result, error) {
	client, ok := v.clients[chainID]
	if !ok {
		return Result{Reason: fmt.Sprintf("unsupported chain id %d", chainID)}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	hash := common.HexToHash(txHash)

	tx, pending, err := client.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return Result{Reason: "transaction not found"}, nil
		}
		return Result{Reason: "chain rpc unavailable", Retryable: true}, nil
	}
	if pending {
		return Result{Reason: "transaction not yet mined"}, nil
	}

	to := tx.To()
	if to == nil {
		return Result{Reason: "transaction is a contract creation, not a protocol call"}, nil
	}
	if !v.registry.IsKnownContract(chainID, to.Hex()) {
		return Result{Reason: "transaction destination is not a recognized protocol contract"}, nil
	}
	if expectedContract != "" && !strings.EqualFold(to.Hex(), expectedContract) {
		return Result{Reason: "transaction targeted a different contract than expected"}, nil
	}

	receipt, err := client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return Result{Reason: "transaction receipt not found"}, nil
		}
		return Result{Reason: "chain rpc unavailable", Retryable: true}, nil
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Result{Reason: "transaction failed on-chain"}, nil
	}

	from := ""
	if sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
		from = sender.Hex()
	}

	return Result{
		Verified: true,
		Receipt: &Receipt{
			BlockNumber: receipt.BlockNumber.Uint64(),
			From:        from,
			To:          to.Hex(),
			GasUsed:     receipt.GasUsed,
		},
	}, nil
}
