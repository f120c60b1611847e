// Package app assembles the gift lifecycle services from configuration. The
// API server and the worker binary share it so both run the same wiring.
package app

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/timelock-gifts/internal/adapter"
	"github.com/timelock-gifts/internal/config"
	"github.com/timelock-gifts/internal/contracts/giftlock"
	"github.com/timelock-gifts/internal/logging"
	"github.com/timelock-gifts/internal/service"
	"github.com/timelock-gifts/internal/storage"
	"github.com/timelock-gifts/internal/wallet"
	"github.com/timelock-gifts/internal/worker"
)

// App holds every long-lived dependency of a running process
type App struct {
	Config *config.Config

	Postgres   *storage.PostgresDB
	Redis      *storage.RedisCache
	ClickHouse *storage.ClickHouseDB

	Chain    *adapter.EthereumAdapter
	Contract *giftlock.Client
	Pool     *wallet.Pool

	Gifts    *service.GiftService
	Locks    *service.LockCoordinator
	Payments *service.PaymentService
	Claims   *service.ClaimService
	Reaper   *service.Reaper

	logger  *logging.Logger
	closers []func()
}

// New connects to the stores and the chain and builds the services. On
// error every connection opened so far is closed again.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{Config: cfg, logger: logging.Component("app")}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.logger.Info("Connecting to databases")

	if a.Postgres, err = storage.NewPostgresDB(&cfg.Database.Postgres); err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	a.closers = append(a.closers, a.Postgres.Close)

	if a.Redis, err = storage.NewRedisCache(&cfg.Database.Redis); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.Redis.Close() })

	var audit service.AuditSink = service.NopAudit{}
	if cfg.Database.ClickHouse.Enabled {
		if a.ClickHouse, err = storage.NewClickHouseDB(&cfg.Database.ClickHouse); err != nil {
			return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		a.closers = append(a.closers, func() { _ = a.ClickHouse.Close() })
		audit = storage.NewAuditRepository(a.ClickHouse)
	} else {
		a.logger.Warn("ClickHouse disabled, audit events are not persisted")
	}

	endpoints, err := adapter.NewRPCEndpoints(cfg.Chain.RPCPrimary, cfg.Chain.RPCSecondary)
	if err != nil {
		return nil, err
	}
	if a.Chain, err = adapter.NewEthereumAdapter(ctx, &cfg.Chain, endpoints); err != nil {
		return nil, fmt.Errorf("failed to connect to chain: %w", err)
	}
	a.closers = append(a.closers, a.Chain.Close)

	contractAddress := common.HexToAddress(cfg.Chain.ContractAddress)
	if a.Contract, err = giftlock.NewClientWithBackend(a.Chain.Client(), contractAddress, a.Chain.ChainID()); err != nil {
		return nil, err
	}

	encryptor, err := wallet.NewEncryptor(cfg.Wallet.EncryptionSecret)
	if err != nil {
		return nil, err
	}
	balances := storage.NewBalanceCache(a.Redis, cfg.Wallet.BalanceCacheTTL)
	a.Pool = wallet.NewPool(storage.NewWalletRepository(a.Postgres), a.Chain, balances, encryptor)

	operatorKey, err := loadOperatorKey(cfg.Chain.OperatorPrivateKey)
	if err != nil {
		return nil, err
	}
	if operatorKey == nil {
		a.logger.Warn("OPERATOR_PRIVATE_KEY not set, auto-transfers will fail")
	}

	gifts := storage.NewGiftRepository(a.Postgres)
	a.Gifts = service.NewGiftService(gifts, a.Pool, a.Chain, audit, cfg.Gift, cfg.Chain.ContractAddress)
	a.Locks = service.NewLockCoordinator(gifts, a.Pool, a.Chain, a.Contract, audit, cfg.Observer, cfg.Chain)
	a.Payments = service.NewPaymentService(gifts, a.Pool, a.Chain, a.Locks, audit, cfg.Observer, cfg.Chain)
	a.Claims = service.NewClaimService(gifts, a.Pool, audit)
	a.Reaper = service.NewReaper(gifts, a.Chain, a.Contract, operatorKey, audit, cfg.Reaper)

	a.logger.Info("Services initialized")
	return a, nil
}

func loadOperatorKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		return nil, nil
	}
	key, err := wallet.KeyFromHex(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid OPERATOR_PRIVATE_KEY: %w", err)
	}
	return key, nil
}

// Workers builds the background jobs. The FundsLocked subscriber needs a
// websocket endpoint and is skipped without one; polling still reconciles
// every gift.
func (a *App) Workers(ctx context.Context) (*worker.Manager, error) {
	cfg := a.Config
	manager := worker.NewManager()

	poll, err := worker.NewPaymentPollWorker(a.Payments, cfg.Observer.PollInterval)
	if err != nil {
		return nil, err
	}
	manager.Add(poll)

	transfers, err := worker.NewAutoTransferWorker(a.Reaper, cfg.Reaper.AutoTransferInterval)
	if err != nil {
		return nil, err
	}
	manager.Add(transfers)

	expiry, err := worker.NewExpirySweepWorker(a.Reaper, cfg.Reaper.ExpirySweepInterval)
	if err != nil {
		return nil, err
	}
	manager.Add(expiry)

	reservationTTL := cfg.Gift.ReservationWindow + cfg.Observer.ReservationGrace
	pool, err := worker.NewPoolMaintainer(a.Pool, cfg.Wallet.MinPoolSize, reservationTTL, cfg.Wallet.MaintainInterval)
	if err != nil {
		return nil, err
	}
	manager.Add(pool)

	if !cfg.Workers.EventSubscriber {
		return manager, nil
	}
	if cfg.Chain.WSURL == "" {
		a.logger.Warn("CHAIN_WS_URL not set, FundsLocked subscription disabled")
		return manager, nil
	}

	events, err := giftlock.NewClient(ctx, cfg.Chain.WSURL, common.HexToAddress(cfg.Chain.ContractAddress), a.Chain.ChainID())
	if err != nil {
		return nil, fmt.Errorf("failed to connect event client: %w", err)
	}
	a.closers = append(a.closers, events.Close)

	subscriber, err := worker.NewEventSubscriber(&worker.SubscriberConfig{
		Source:         events,
		Handler:        a.Payments,
		Checkpoints:    storage.NewCheckpointStore(a.Redis),
		MaxAttempts:    cfg.Observer.SubscribeMaxAttempts,
		InitialBackoff: cfg.Observer.SubscribeInitialBackoff,
		MaxBackoff:     cfg.Observer.SubscribeMaxBackoff,
	})
	if err != nil {
		return nil, err
	}
	manager.Add(subscriber)

	return manager, nil
}

// Close releases connections in reverse order of opening
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
