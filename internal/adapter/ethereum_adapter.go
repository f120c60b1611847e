package adapter

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/timelock-gifts/internal/config"
	apperrors "github.com/timelock-gifts/internal/errors"
	"github.com/timelock-gifts/internal/logging"
	"github.com/timelock-gifts/internal/retry"
)

var addressPattern = regexp.MustCompile("^0x[a-fA-F0-9]{40}$")

// receiptPollInterval is how often WaitForReceipt asks for an unmined receipt
var receiptPollInterval = 2 * time.Second

// EthereumAdapter implements ChainAdapter for Ethereum and EVM-compatible chains
type EthereumAdapter struct {
	mu       sync.RWMutex
	client   *ethclient.Client
	endpoints Endpoints
	chainID  *big.Int
	retry    *retry.RetryConfig
	logger   *logging.Logger
}

// NewEthereumAdapter dials the primary RPC endpoint. The chain id is
// taken from cfg when set and otherwise read from the node.
func NewEthereumAdapter(ctx context.Context, cfg *config.ChainConfig, endpoints Endpoints) (*EthereumAdapter, error) {
	if endpoints == nil {
		return nil, fmt.Errorf("endpoints cannot be nil")
	}

	rpcURL := endpoints.Primary()

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, NewAdapterError("NewEthereumAdapter", err, map[string]interface{}{
			"endpoint": "primary",
		})
	}

	attempts := cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	a := &EthereumAdapter{
		client:    client,
		endpoints: endpoints,
		retry: &retry.RetryConfig{
			MaxAttempts:    attempts,
			InitialDelay:   cfg.RetryDelay,
			MaxDelay:       cfg.RetryDelay * 8,
			Multiplier:     2.0,
			AttemptTimeout: cfg.CallTimeout,
		},
		logger: logging.Component("chain"),
	}

	if cfg.ChainID > 0 {
		a.chainID = big.NewInt(cfg.ChainID)
	} else {
		var id *big.Int
		err := a.call(ctx, "ChainID", func(ctx context.Context, c *ethclient.Client) error {
			var err error
			id, err = c.ChainID(ctx)
			return err
		})
		if err != nil {
			client.Close()
			return nil, err
		}
		a.chainID = id
	}

	a.logger.WithFields(map[string]interface{}{
		"chainId": a.chainID.String(),
		"chain":   cfg.Name,
	}).Info("Connected to chain")

	return a, nil
}

// Client returns the active ethclient, for collaborators that bind contracts
func (a *EthereumAdapter) Client() *ethclient.Client {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client
}

// ChainID returns the EIP-155 chain id used for signing
func (a *EthereumAdapter) ChainID() *big.Int {
	return new(big.Int).Set(a.chainID)
}

// Health returns the RPC endpoint health snapshot
func (a *EthereumAdapter) Health() *EndpointHealth {
	return a.endpoints.Health()
}

// BalanceAt returns the native balance of address in whole units
func (a *EthereumAdapter) BalanceAt(ctx context.Context, address string, block *uint64) (decimal.Decimal, error) {
	if !ValidateAddress(address) {
		return decimal.Zero, NewAdapterError("BalanceAt", ErrInvalidAddress, map[string]interface{}{
			"address": address,
		})
	}

	var blockNum *big.Int
	if block != nil {
		blockNum = new(big.Int).SetUint64(*block)
	}

	var wei *big.Int
	err := a.call(ctx, "BalanceAt", func(ctx context.Context, c *ethclient.Client) error {
		var err error
		wei, err = c.BalanceAt(ctx, common.HexToAddress(address), blockNum)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return FromWei(wei), nil
}

// BlockNumber returns the current head block
func (a *EthereumAdapter) BlockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := a.call(ctx, "BlockNumber", func(ctx context.Context, c *ethclient.Client) error {
		var err error
		head, err = c.BlockNumber(ctx)
		return err
	})
	return head, err
}

// SuggestGasPrice returns the node's gas price estimate in wei
func (a *EthereumAdapter) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := a.call(ctx, "SuggestGasPrice", func(ctx context.Context, c *ethclient.Client) error {
		var err error
		price, err = c.SuggestGasPrice(ctx)
		return err
	})
	return price, err
}

// SendValue signs and broadcasts a plain value transfer
func (a *EthereumAdapter) SendValue(ctx context.Context, key *ecdsa.PrivateKey, to string, value *big.Int) (string, error) {
	if !ValidateAddress(to) {
		return "", NewAdapterError("SendValue", ErrInvalidAddress, map[string]interface{}{
			"to": to,
		})
	}

	from := crypto.PubkeyToAddress(key.PublicKey)
	recipient := common.HexToAddress(to)

	var nonce uint64
	var gasPrice *big.Int
	err := a.call(ctx, "PrepareTransfer", func(ctx context.Context, c *ethclient.Client) error {
		var err error
		if nonce, err = c.PendingNonceAt(ctx, from); err != nil {
			return err
		}
		gasPrice, err = c.SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		return "", err
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &recipient,
		Value:    value,
		Gas:      TransferGasLimit,
		GasPrice: gasPrice,
	})

	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(a.chainID), key)
	if err != nil {
		return "", apperrors.NewContractError("sign transfer", "", err)
	}

	err = a.call(ctx, "SendTransaction", func(ctx context.Context, c *ethclient.Client) error {
		err := c.SendTransaction(ctx, signed)
		// a retried broadcast of the same signed tx is not a failure
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "already known") {
			return nil
		}
		return err
	})
	if err != nil {
		return "", err
	}

	a.logger.WithFields(map[string]interface{}{
		"from":   from.Hex(),
		"to":     recipient.Hex(),
		"value":  FromWei(value).String(),
		"txHash": signed.Hash().Hex(),
	}).Debug("Broadcast value transfer")

	return signed.Hash().Hex(), nil
}

// WaitForReceipt polls until txHash is mined or ctx ends
func (a *EthereumAdapter) WaitForReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := a.receipt(ctx, hash)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			if !receipt.Succeeded() {
				return receipt, apperrors.NewContractError("transaction", txHash, fmt.Errorf("execution reverted"))
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, apperrors.NewNetworkError("WaitForReceipt", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Confirmations returns head - receiptBlock + 1, or zero when not mined
func (a *EthereumAdapter) Confirmations(ctx context.Context, txHash string) (uint64, error) {
	receipt, err := a.receipt(ctx, common.HexToHash(txHash))
	if err != nil || receipt == nil {
		return 0, err
	}

	head, err := a.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	if head < receipt.BlockNumber {
		return 0, nil
	}
	return head - receipt.BlockNumber + 1, nil
}

// receipt returns nil without error when the transaction is not yet mined
func (a *EthereumAdapter) receipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var r *ethtypes.Receipt
	err := a.call(ctx, "TransactionReceipt", func(ctx context.Context, c *ethclient.Client) error {
		var err error
		r, err = c.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			r = nil
			return nil
		}
		return err
	})
	if err != nil || r == nil {
		return nil, err
	}

	return &Receipt{
		TxHash:      hash.Hex(),
		BlockNumber: r.BlockNumber.Uint64(),
		Status:      r.Status,
		GasUsed:     r.GasUsed,
	}, nil
}

// call runs fn against the active client with bounded retries. Transport
// failures trigger a provider failover; exhausting retries yields a network
// error, while node-side rejections surface immediately as contract errors.
func (a *EthereumAdapter) call(ctx context.Context, op string, fn func(ctx context.Context, c *ethclient.Client) error) error {
	var rejected error

	result := retry.WithExponentialBackoff(ctx, a.retry, func(ctx context.Context, attempt int) error {
		start := time.Now()
		err := fn(ctx, a.Client())
		if err == nil {
			a.endpoints.RecordSuccess(time.Since(start))
			return nil
		}

		if isRejection(err) {
			rejected = err
			return retry.Permanent(err)
		}

		a.endpoints.RecordFailure(err)
		if shouldFailover(err) || !a.endpoints.Healthy() {
			a.failover(ctx)
		}
		return err
	})

	if result.Success {
		return nil
	}
	if rejected != nil {
		return apperrors.NewContractError(op, "", rejected)
	}
	return apperrors.NewNetworkError(op, result.LastError)
}

func (a *EthereumAdapter) failover(ctx context.Context) {
	if err := a.endpoints.Failover(); err != nil {
		return
	}
	rpcURL := a.endpoints.Current()

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		a.logger.WithError(err).Warn("Failover dial failed")
		return
	}

	a.mu.Lock()
	old := a.client
	a.client = client
	a.mu.Unlock()
	old.Close()

	a.logger.WithField("on_secondary", a.endpoints.Health().OnSecondary).Warn("Switched RPC endpoint")
}

// Close closes the Ethereum client connection
func (a *EthereumAdapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		a.client.Close()
	}
}

// ValidateAddress checks the 0x-prefixed 20-byte hex form
func ValidateAddress(address string) bool {
	return addressPattern.MatchString(address)
}

// shouldFailover determines if an error warrants failing over to another provider
func shouldFailover(err error) bool {
	errStr := strings.ToLower(err.Error())

	for _, marker := range []string{
		"rate limit", "too many requests", "429",
		"timeout", "deadline exceeded",
		"connection refused", "connection reset", "no such host", "eof",
	} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}

// isRejection reports node-side refusals that retrying will not fix
func isRejection(err error) bool {
	errStr := strings.ToLower(err.Error())

	for _, marker := range []string{
		"insufficient funds", "nonce too low", "execution reverted",
		"intrinsic gas too low", "exceeds block gas limit", "invalid sender",
	} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}
