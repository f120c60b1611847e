// Package giftlock binds the time-lock contract that holds gift principal
// until its unlock time.
package giftlock

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ABI is the subset of the gift lock contract interface used here
const ABI = `[
	{"type":"function","name":"lockFunds","stateMutability":"payable","inputs":[
		{"name":"giftId","type":"bytes32"},
		{"name":"recipient","type":"address"},
		{"name":"unlockTime","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"release","stateMutability":"nonpayable","inputs":[
		{"name":"giftId","type":"bytes32"}],"outputs":[]},
	{"type":"event","name":"FundsLocked","anonymous":false,"inputs":[
		{"name":"giftId","type":"bytes32","indexed":true},
		{"name":"sender","type":"address","indexed":true},
		{"name":"recipient","type":"address","indexed":false},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"unlockTime","type":"uint256","indexed":false}]}
]`

const fundsLockedEvent = "FundsLocked"

// GiftID derives the on-chain identifier of a gift from its code
func GiftID(giftCode string) [32]byte {
	return crypto.Keccak256Hash([]byte(giftCode))
}

// GiftIDHex is GiftID in the 0x-prefixed lowercase form stored off-chain
func GiftIDHex(giftCode string) string {
	return common.Hash(GiftID(giftCode)).Hex()
}

// FundsLockedEvent is a decoded FundsLocked log
type FundsLockedEvent struct {
	GiftID     [32]byte
	Sender     common.Address
	Recipient  common.Address
	Amount     *big.Int
	UnlockTime *big.Int
	TxHash     common.Hash
	BlockNum   uint64
	Removed    bool
}

// GiftIDHex returns the event's gift id in stored form
func (e *FundsLockedEvent) GiftIDHex() string {
	return common.Hash(e.GiftID).Hex()
}

// fundsLocked mirrors the event's non-anonymous layout for UnpackLog
type fundsLocked struct {
	GiftId     [32]byte
	Sender     common.Address
	Recipient  common.Address
	Amount     *big.Int
	UnlockTime *big.Int
	Raw        types.Log
}

// Backend is what the client needs from a node connection
type Backend = bind.ContractBackend

// Client wraps the bound gift lock contract
type Client struct {
	backend         Backend
	contract        *bind.BoundContract
	abi             abi.ABI
	contractAddress common.Address
	chainID         *big.Int
	closer          func()
}

// NewClient dials rpcURL and binds the contract. Watching events needs a
// websocket or IPC endpoint.
func NewClient(ctx context.Context, rpcURL string, contractAddress common.Address, chainID *big.Int) (*Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	c, err := NewClientWithBackend(client, contractAddress, chainID)
	if err != nil {
		client.Close()
		return nil, err
	}
	c.closer = client.Close
	return c, nil
}

// NewClientWithBackend binds the contract on an existing connection
func NewClientWithBackend(backend Backend, contractAddress common.Address, chainID *big.Int) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse gift lock ABI: %w", err)
	}

	return &Client{
		backend:         backend,
		contract:        bind.NewBoundContract(contractAddress, parsed, backend, backend, backend),
		abi:             parsed,
		contractAddress: contractAddress,
		chainID:         chainID,
	}, nil
}

// Close closes a connection the client dialed itself
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// ContractAddress returns the contract address
func (c *Client) ContractAddress() common.Address {
	return c.contractAddress
}

// Lock sends value into the contract for recipient, releasable after unlockTime
func (c *Client) Lock(
	ctx context.Context,
	key *ecdsa.PrivateKey,
	giftID [32]byte,
	recipient common.Address,
	unlockTime *big.Int,
	value *big.Int,
) (common.Hash, error) {
	auth, err := c.newTransactor(ctx, key)
	if err != nil {
		return common.Hash{}, err
	}
	auth.Value = value

	tx, err := c.contract.Transact(auth, "lockFunds", giftID, recipient, unlockTime)
	if err != nil {
		return common.Hash{}, fmt.Errorf("lockFunds: %w", err)
	}
	return tx.Hash(), nil
}

// Release asks the contract to pay out a gift whose unlock time has passed
func (c *Client) Release(ctx context.Context, key *ecdsa.PrivateKey, giftID [32]byte) (common.Hash, error) {
	auth, err := c.newTransactor(ctx, key)
	if err != nil {
		return common.Hash{}, err
	}

	tx, err := c.contract.Transact(auth, "release", giftID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("release: %w", err)
	}
	return tx.Hash(), nil
}

// WatchFundsLocked streams FundsLocked events until ctx ends or the
// subscription fails. The error channel receives at most one value and the
// event channel is closed when watching stops.
func (c *Client) WatchFundsLocked(ctx context.Context) (<-chan *FundsLockedEvent, <-chan error, error) {
	logs, sub, err := c.contract.WatchLogs(&bind.WatchOpts{Context: ctx}, fundsLockedEvent)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to watch FundsLocked: %w", err)
	}

	outCh := make(chan *FundsLockedEvent, 10)
	errCh := make(chan error, 1)
	go func() {
		defer close(outCh)
		defer sub.Unsubscribe()

		for {
			select {
			case log := <-logs:
				event, err := c.parse(log)
				if err != nil {
					errCh <- err
					return
				}
				select {
				case outCh <- event:
				case <-ctx.Done():
					return
				}
			case err := <-sub.Err():
				if err == nil {
					err = fmt.Errorf("subscription closed")
				}
				errCh <- err
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return outCh, errCh, nil
}

// FilterFundsLocked returns FundsLocked events in [fromBlock, toBlock]
func (c *Client) FilterFundsLocked(ctx context.Context, fromBlock, toBlock uint64) ([]*FundsLockedEvent, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contractAddress},
		Topics:    [][]common.Hash{{c.abi.Events[fundsLockedEvent].ID}},
	}

	logs, err := c.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to filter FundsLocked: %w", err)
	}

	events := make([]*FundsLockedEvent, 0, len(logs))
	for _, log := range logs {
		event, err := c.parse(log)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// LatestBlock returns the head block of the client's connection
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, err
	}
	return header.Number.Uint64(), nil
}

func (c *Client) parse(log types.Log) (*FundsLockedEvent, error) {
	var raw fundsLocked
	if err := c.contract.UnpackLog(&raw, fundsLockedEvent, log); err != nil {
		return nil, fmt.Errorf("failed to decode FundsLocked: %w", err)
	}

	return &FundsLockedEvent{
		GiftID:     raw.GiftId,
		Sender:     raw.Sender,
		Recipient:  raw.Recipient,
		Amount:     raw.Amount,
		UnlockTime: raw.UnlockTime,
		TxHash:     log.TxHash,
		BlockNum:   log.BlockNumber,
		Removed:    log.Removed,
	}, nil
}

func (c *Client) newTransactor(ctx context.Context, key *ecdsa.PrivateKey) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	return auth, nil
}
