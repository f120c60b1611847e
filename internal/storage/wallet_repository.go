package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	apperrors "github.com/timelock-gifts/internal/errors"
	"github.com/timelock-gifts/internal/models"
)

const walletColumns = `id, pool_index, address, encrypted_private_key, encrypted_mnemonic, reserved,
	reserved_at, balance, balance_updated_at, created_at`

// WalletRepository handles custodial wallet persistence in Postgres
type WalletRepository struct {
	db *PostgresDB
}

// NewWalletRepository creates a new wallet repository
func NewWalletRepository(db *PostgresDB) *WalletRepository {
	return &WalletRepository{db: db}
}

func scanWallet(row pgx.Row) (*models.Wallet, error) {
	var w models.Wallet
	err := row.Scan(
		&w.ID, &w.Index, &w.Address, &w.EncryptedPrivateKey, &w.EncryptedMnemonic, &w.Reserved,
		&w.ReservedAt, &w.Balance, &w.BalanceUpdatedAt, &w.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// Insert stores a freshly generated wallet; index is assigned by the database
func (r *WalletRepository) Insert(ctx context.Context, w *models.Wallet) error {
	query := `
		INSERT INTO wallets (address, encrypted_private_key, encrypted_mnemonic)
		VALUES ($1, $2, $3)
		RETURNING id, pool_index, created_at
	`

	w.Address = strings.ToLower(w.Address)
	err := r.db.Pool().QueryRow(ctx, query, w.Address, w.EncryptedPrivateKey, w.EncryptedMnemonic).
		Scan(&w.ID, &w.Index, &w.CreatedAt)
	if err != nil {
		return apperrors.NewDatabaseError("insert wallet", err)
	}
	return nil
}

// Reserve atomically picks the oldest free wallet and marks it reserved.
// It returns nil when the pool is empty. SKIP LOCKED keeps concurrent
// reservations from ever selecting the same row.
func (r *WalletRepository) Reserve(ctx context.Context) (*models.Wallet, error) {
	query := `
		UPDATE wallets
		SET reserved = TRUE, reserved_at = NOW()
		WHERE id = (
			SELECT id FROM wallets
			WHERE reserved = FALSE
			ORDER BY pool_index
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		) AND reserved = FALSE
		RETURNING ` + walletColumns

	w, err := scanWallet(r.db.Pool().QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.NewDatabaseError("reserve wallet", err)
	}
	return w, nil
}

// Release returns a wallet to the pool. Releasing a free wallet is a no-op.
func (r *WalletRepository) Release(ctx context.Context, address string) error {
	query := `UPDATE wallets SET reserved = FALSE, reserved_at = NULL WHERE address = $1 AND reserved = TRUE`

	if _, err := r.db.Pool().Exec(ctx, query, strings.ToLower(address)); err != nil {
		return apperrors.NewDatabaseError("release wallet", err)
	}
	return nil
}

// GetByAddress retrieves a wallet by its address
func (r *WalletRepository) GetByAddress(ctx context.Context, address string) (*models.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE address = $1`

	w, err := scanWallet(r.db.Pool().QueryRow(ctx, query, strings.ToLower(address)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("wallet", address)
		}
		return nil, apperrors.NewDatabaseError("get wallet", err)
	}
	return w, nil
}

// CountUnreserved returns the number of wallets available for reservation
func (r *WalletRepository) CountUnreserved(ctx context.Context) (int, error) {
	var count int
	if err := r.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM wallets WHERE reserved = FALSE`).Scan(&count); err != nil {
		return 0, apperrors.NewDatabaseError("count unreserved wallets", err)
	}
	return count, nil
}

// UpdateBalance stores the last balance observed on chain
func (r *WalletRepository) UpdateBalance(ctx context.Context, address string, balance decimal.Decimal, at time.Time) error {
	query := `UPDATE wallets SET balance = $2, balance_updated_at = $3 WHERE address = $1`

	if _, err := r.db.Pool().Exec(ctx, query, strings.ToLower(address), balance, at); err != nil {
		return apperrors.NewDatabaseError("update wallet balance", err)
	}
	return nil
}

// orphanCondition matches wallets reserved before $1 that back no live gift.
// These come from GET /gift/wallet calls that were never followed by a gift,
// or from cancelled gifts whose wallet was kept reserved.
const orphanCondition = `
	w.reserved = TRUE
	AND w.reserved_at < $1
	AND NOT EXISTS (SELECT 1 FROM gifts g WHERE g.wallet_address = w.address AND g.status <> 'cancelled')
`

// ListOrphaned returns the addresses of orphaned reservations, oldest first
func (r *WalletRepository) ListOrphaned(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	query := `SELECT w.address FROM wallets w WHERE ` + orphanCondition + ` ORDER BY w.reserved_at LIMIT $2`

	rows, err := r.db.Pool().Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list orphaned wallets", err)
	}
	defer rows.Close()

	var addresses []string
	for rows.Next() {
		var address string
		if err := rows.Scan(&address); err != nil {
			return nil, apperrors.NewDatabaseError("scan orphaned wallet", err)
		}
		addresses = append(addresses, address)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list orphaned wallets", err)
	}
	return addresses, nil
}

// ReleaseOrphan frees one orphaned reservation. It reports false when the
// wallet was picked up by a gift since it was listed.
func (r *WalletRepository) ReleaseOrphan(ctx context.Context, address string, cutoff time.Time) (bool, error) {
	query := `
		UPDATE wallets w
		SET reserved = FALSE, reserved_at = NULL
		WHERE w.address = $2 AND ` + orphanCondition

	result, err := r.db.Pool().Exec(ctx, query, cutoff, strings.ToLower(address))
	if err != nil {
		return false, apperrors.NewDatabaseError("release orphaned wallet", err)
	}
	return result.RowsAffected() == 1, nil
}
