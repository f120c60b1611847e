package adapter

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ChainAdapter defines what the gift core needs from an EVM chain
type ChainAdapter interface {
	// BalanceAt returns the native balance of address in whole units.
	// A nil block reads the latest state.
	BalanceAt(ctx context.Context, address string, block *uint64) (decimal.Decimal, error)

	// BlockNumber returns the current head block
	BlockNumber(ctx context.Context) (uint64, error)

	// SuggestGasPrice returns the node's gas price estimate in wei
	SuggestGasPrice(ctx context.Context) (*big.Int, error)

	// SendValue signs and broadcasts a plain value transfer and returns its hash.
	// It does not wait for inclusion.
	SendValue(ctx context.Context, key *ecdsa.PrivateKey, to string, value *big.Int) (string, error)

	// WaitForReceipt blocks until txHash is mined. A reverted transaction
	// returns a contract error together with the receipt.
	WaitForReceipt(ctx context.Context, txHash string) (*Receipt, error)

	// Confirmations returns how many blocks include txHash, counting its own.
	// Unknown or pending transactions report zero.
	Confirmations(ctx context.Context, txHash string) (uint64, error)

	// ChainID returns the EIP-155 chain id used for signing
	ChainID() *big.Int
}

// Receipt is the subset of a transaction receipt the core inspects
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Status      uint64
	GasUsed     uint64
}

// Succeeded reports whether the transaction executed without reverting
func (r *Receipt) Succeeded() bool {
	return r.Status == 1
}

// TransferGasLimit is the gas used by a plain value transfer
const TransferGasLimit = uint64(21000)

var (
	// ErrInvalidAddress indicates the address format is invalid
	ErrInvalidAddress = fmt.Errorf("invalid address format")

	// ErrProviderUnavailable indicates no RPC endpoint could serve the request
	ErrProviderUnavailable = fmt.Errorf("data provider unavailable")

	// ErrInsufficientValue indicates a sweep would not cover its own gas
	ErrInsufficientValue = fmt.Errorf("balance does not cover transfer gas")
)

// AdapterError wraps errors with additional context
type AdapterError struct {
	Op      string
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("chain adapter error [%s]: %v (details: %+v)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("chain adapter error [%s]: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{
		Op:      op,
		Err:     err,
		Details: details,
	}
}
