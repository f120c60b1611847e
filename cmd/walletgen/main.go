// Package main pre-generates custodial wallets for the pool and releases
// abandoned reservations. Generation needs only Postgres and the encryption
// secret; -reclaim also reads balances from the chain.
package main

import (
	"context"
	"flag"
	"time"

	"github.com/timelock-gifts/internal/adapter"
	"github.com/timelock-gifts/internal/config"
	"github.com/timelock-gifts/internal/logging"
	"github.com/timelock-gifts/internal/storage"
	"github.com/timelock-gifts/internal/wallet"
)

func main() {
	var (
		count   = flag.Int("count", 0, "Generate exactly this many new wallets")
		ensure  = flag.Bool("ensure", false, "Top the unreserved pool up to WALLET_MIN_POOL_SIZE")
		reclaim = flag.Bool("reclaim", false, "Release empty reservations older than the reservation window plus grace that back no live gift")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("Failed to load config: %v", err)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.FormatText)
	logger := logging.Component("walletgen")

	if *count <= 0 && !*ensure && !*reclaim {
		logger.Fatal("Nothing to do: pass -count, -ensure or -reclaim")
	}

	encryptor, err := wallet.NewEncryptor(cfg.Wallet.EncryptionSecret)
	if err != nil {
		logger.WithError(err).Fatal("Invalid WALLET_ENCRYPTION_SECRET")
	}

	db, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	// key generation never reads balances; only reclaim needs the chain
	var balances wallet.BalanceReader
	if *reclaim {
		endpoints, err := adapter.NewRPCEndpoints(cfg.Chain.RPCPrimary, cfg.Chain.RPCSecondary)
		if err != nil {
			logger.WithError(err).Fatal("Invalid RPC configuration")
		}
		chain, err := adapter.NewEthereumAdapter(ctx, &cfg.Chain, endpoints)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to chain")
		}
		defer chain.Close()
		balances = chain
	}
	pool := wallet.NewPool(storage.NewWalletRepository(db), balances, nil, encryptor)

	if *count > 0 {
		created, err := pool.Generate(ctx, *count)
		if err != nil {
			logger.WithError(err).WithField("created", len(created)).Fatal("Wallet generation failed")
		}
		for _, w := range created {
			logger.WithField("address", w.Address).Info("Generated wallet")
		}
	}

	if *ensure {
		created, err := pool.EnsureMinimum(ctx, cfg.Wallet.MinPoolSize)
		if err != nil {
			logger.WithError(err).Fatal("Failed to top up wallet pool")
		}
		logger.WithFields(map[string]interface{}{
			"created": created,
			"target":  cfg.Wallet.MinPoolSize,
		}).Info("Wallet pool topped up")
	}

	if *reclaim {
		cutoff := time.Now().UTC().Add(-(cfg.Gift.ReservationWindow + cfg.Observer.ReservationGrace))
		released, err := pool.ReclaimOrphaned(ctx, cutoff)
		if err != nil {
			logger.WithError(err).Fatal("Failed to reclaim reservations")
		}
		logger.WithField("released", released).Info("Orphaned reservations released")
	}
}
