// Package adaptertest provides an in-memory chain for exercising the gift
// core without a node.
package adaptertest

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/timelock-gifts/internal/adapter"
	apperrors "github.com/timelock-gifts/internal/errors"
)

// Transfer is a recorded value transfer
type Transfer struct {
	From   string
	To     string
	Value  decimal.Decimal
	TxHash string
}

// LockCall is a recorded lockFunds call
type LockCall struct {
	From       string
	GiftID     [32]byte
	Recipient  common.Address
	UnlockTime *big.Int
	Value      decimal.Decimal
	TxHash     string
}

// FakeChain implements adapter.ChainAdapter and the lock contract surface
type FakeChain struct {
	mu sync.Mutex

	balances map[string]decimal.Decimal
	confs    map[string]uint64
	reverted map[string]bool
	nonce    int

	Head     uint64
	GasPrice *big.Int
	LockGas  uint64

	Transfers []Transfer
	Locks     []LockCall
	Releases  [][32]byte

	// Injected failures, returned by every call while set
	BalanceErr  error
	GasPriceErr error
	SendErr     error
	LockErr     error
	ReleaseErr  error
}

// NewFakeChain creates a chain at block 100 with a 30 gwei gas price
func NewFakeChain() *FakeChain {
	return &FakeChain{
		balances: make(map[string]decimal.Decimal),
		confs:    make(map[string]uint64),
		reverted: make(map[string]bool),
		Head:     100,
		GasPrice: big.NewInt(30_000_000_000),
		LockGas:  120_000,
	}
}

func key(address string) string {
	return strings.ToLower(address)
}

// Deposit credits address as if a buyer paid it
func (f *FakeChain) Deposit(address string, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[key(address)] = f.balances[key(address)].Add(amount)
}

// Balance returns the current balance of address
func (f *FakeChain) Balance(address string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[key(address)]
}

// SetConfirmations sets what Confirmations reports for txHash
func (f *FakeChain) SetConfirmations(txHash string, confs uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confs[key(txHash)] = confs
}

// RevertNext makes the receipt of the next submitted transaction fail
func (f *FakeChain) RevertNext() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverted["next"] = true
}

func (f *FakeChain) nextHash() string {
	f.nonce++
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("tx-%d", f.nonce))).Hex()
	f.confs[hash] = 1
	if f.reverted["next"] {
		delete(f.reverted, "next")
		f.reverted[hash] = true
	}
	return hash
}

func (f *FakeChain) gasCost(gas uint64) decimal.Decimal {
	return adapter.FromWei(new(big.Int).Mul(f.GasPrice, new(big.Int).SetUint64(gas)))
}

func (f *FakeChain) debit(from string, value decimal.Decimal, gas uint64) error {
	total := value.Add(f.gasCost(gas))
	if f.balances[from].LessThan(total) {
		return apperrors.NewContractError("send", "", fmt.Errorf("insufficient funds for gas * price + value"))
	}
	f.balances[from] = f.balances[from].Sub(total)
	return nil
}

// BalanceAt returns the tracked balance; the block argument is ignored
func (f *FakeChain) BalanceAt(ctx context.Context, address string, block *uint64) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BalanceErr != nil {
		return decimal.Zero, f.BalanceErr
	}
	return f.balances[key(address)], nil
}

// BlockNumber returns Head
func (f *FakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Head, nil
}

// SuggestGasPrice returns GasPrice
func (f *FakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GasPriceErr != nil {
		return nil, f.GasPriceErr
	}
	return new(big.Int).Set(f.GasPrice), nil
}

// SendValue moves value plus transfer gas out of the key's address; a
// reverted transfer costs only gas
func (f *FakeChain) SendValue(ctx context.Context, k *ecdsa.PrivateKey, to string, value *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return "", f.SendErr
	}

	from := key(crypto.PubkeyToAddress(k.PublicKey).Hex())
	amount := adapter.FromWei(value)
	moved := amount
	if f.reverted["next"] {
		moved = decimal.Zero
	}
	if err := f.debit(from, moved, adapter.TransferGasLimit); err != nil {
		return "", err
	}
	f.balances[key(to)] = f.balances[key(to)].Add(moved)

	hash := f.nextHash()
	f.Transfers = append(f.Transfers, Transfer{From: from, To: key(to), Value: amount, TxHash: hash})
	return hash, nil
}

// WaitForReceipt returns immediately; reverted hashes yield a contract error
func (f *FakeChain) WaitForReceipt(ctx context.Context, txHash string) (*adapter.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt := &adapter.Receipt{TxHash: txHash, BlockNumber: f.Head, Status: 1}
	if f.reverted[key(txHash)] {
		receipt.Status = 0
		return receipt, apperrors.NewContractError("transaction", txHash, fmt.Errorf("execution reverted"))
	}
	return receipt, nil
}

// Confirmations returns the configured depth for txHash
func (f *FakeChain) Confirmations(ctx context.Context, txHash string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confs[key(txHash)], nil
}

// ChainID returns 137
func (f *FakeChain) ChainID() *big.Int {
	return big.NewInt(137)
}

// Lock records a lockFunds call and moves value into the contract. A
// reverted lock costs only gas.
func (f *FakeChain) Lock(ctx context.Context, k *ecdsa.PrivateKey, giftID [32]byte, recipient common.Address, unlockTime *big.Int, value *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LockErr != nil {
		return common.Hash{}, f.LockErr
	}

	from := key(crypto.PubkeyToAddress(k.PublicKey).Hex())
	amount := adapter.FromWei(value)
	moved := amount
	if f.reverted["next"] {
		moved = decimal.Zero
	}
	if err := f.debit(from, moved, f.LockGas); err != nil {
		return common.Hash{}, err
	}

	hash := f.nextHash()
	f.Locks = append(f.Locks, LockCall{
		From:       from,
		GiftID:     giftID,
		Recipient:  recipient,
		UnlockTime: unlockTime,
		Value:      amount,
		TxHash:     hash,
	})
	return common.HexToHash(hash), nil
}

// Release records a release call
func (f *FakeChain) Release(ctx context.Context, k *ecdsa.PrivateKey, giftID [32]byte) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReleaseErr != nil {
		return common.Hash{}, f.ReleaseErr
	}
	f.Releases = append(f.Releases, giftID)
	return common.HexToHash(f.nextHash()), nil
}

// LockCount returns how many locks were submitted
func (f *FakeChain) LockCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Locks)
}

var _ adapter.ChainAdapter = (*FakeChain)(nil)
