package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	apperrors "github.com/timelock-gifts/internal/errors"
	"github.com/timelock-gifts/internal/models"
	"github.com/timelock-gifts/internal/types"
)

// ErrDuplicateGiftCode is returned by Create when the gift code is already taken
var ErrDuplicateGiftCode = errors.New("gift code already exists")

// ErrWalletInUse is returned by Create when the wallet already backs an unpaid gift
var ErrWalletInUse = errors.New("wallet already backs an open gift")

// PaymentUpdate advances a gift along the payment axis
type PaymentUpdate struct {
	Status        types.PaymentStatus
	TotalReceived *decimal.Decimal
	TxHash        *string
}

// LockFailure is the bookkeeping left behind by a failed lock attempt
type LockFailure struct {
	Attempts int
	Status   types.GiftStatus
}

const giftColumns = `
	id, gift_code, chain_gift_id, recipient_first_name, recipient_last_name, recipient_wallet,
	buyer_email, buyer_wallet, claimed_by, currency, amount, fee, gas_fee, total_amount,
	total_received, platform_profit, wallet_address, contract_address, unlock_date, expiry_date,
	created_at, updated_at, claimed_at, status, payment_status, is_claimed, contract_locked,
	payment_tx_hash, lock_tx_hash, fee_tx_hash, diverted_tx_hash, last_payment_error,
	lock_attempts, last_lock_error, lock_started_at, auto_transfer_attempts,
	last_auto_transfer_attempt, auto_transfer_tx_hash, last_auto_transfer_error`

// GiftRepository handles gift persistence in Postgres.
// Every state change is a single conditional UPDATE guarded on the current state.
type GiftRepository struct {
	db *PostgresDB
}

// NewGiftRepository creates a new gift repository
func NewGiftRepository(db *PostgresDB) *GiftRepository {
	return &GiftRepository{db: db}
}

func scanGift(row pgx.Row) (*models.Gift, error) {
	var g models.Gift
	var status, paymentStatus string

	err := row.Scan(
		&g.ID, &g.GiftCode, &g.ChainGiftID, &g.RecipientFirstName, &g.RecipientLastName, &g.RecipientWallet,
		&g.BuyerEmail, &g.BuyerWallet, &g.ClaimedBy, &g.Currency, &g.Amount, &g.Fee, &g.GasFee, &g.TotalAmount,
		&g.TotalReceived, &g.PlatformProfit, &g.WalletAddress, &g.ContractAddress, &g.UnlockDate, &g.ExpiryDate,
		&g.CreatedAt, &g.UpdatedAt, &g.ClaimedAt, &status, &paymentStatus, &g.IsClaimed, &g.ContractLocked,
		&g.PaymentTxHash, &g.LockTxHash, &g.FeeTxHash, &g.DivertedTxHash, &g.LastPaymentError,
		&g.LockAttempts, &g.LastLockError, &g.LockStartedAt, &g.AutoTransferAttempts,
		&g.LastAutoTransferAttempt, &g.AutoTransferTxHash, &g.LastAutoTransferError,
	)
	if err != nil {
		return nil, err
	}

	g.Status = types.GiftStatus(status)
	g.PaymentStatus = types.PaymentStatus(paymentStatus)
	return &g, nil
}

func (r *GiftRepository) queryGifts(ctx context.Context, op string, query string, args ...interface{}) ([]*models.Gift, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError(op, err)
	}
	defer rows.Close()

	var gifts []*models.Gift
	for rows.Next() {
		g, err := scanGift(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError(op, err)
		}
		gifts = append(gifts, g)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError(op, err)
	}

	return gifts, nil
}

func statusStrings(statuses []types.GiftStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func paymentStrings(statuses []types.PaymentStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// Create inserts a new gift
func (r *GiftRepository) Create(ctx context.Context, g *models.Gift) error {
	query := `
		INSERT INTO gifts (
			id, gift_code, chain_gift_id, recipient_first_name, recipient_last_name, recipient_wallet,
			buyer_email, buyer_wallet, currency, amount, fee, gas_fee, total_amount, total_received,
			platform_profit, wallet_address, contract_address, unlock_date, expiry_date, status,
			payment_status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $22)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		g.ID, g.GiftCode, g.ChainGiftID, g.RecipientFirstName, g.RecipientLastName, g.RecipientWallet,
		g.BuyerEmail, g.BuyerWallet, g.Currency, g.Amount, g.Fee, g.GasFee, g.TotalAmount, g.TotalReceived,
		g.PlatformProfit, g.WalletAddress, g.ContractAddress, g.UnlockDate, g.ExpiryDate, string(g.Status),
		string(g.PaymentStatus), g.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			switch pgErr.ConstraintName {
			case "gifts_gift_code_key":
				return ErrDuplicateGiftCode
			case "gifts_open_wallet_key":
				return ErrWalletInUse
			}
		}
		return apperrors.NewDatabaseError("create gift", err)
	}

	return nil
}

// GetByCode retrieves a gift by its shareable code
func (r *GiftRepository) GetByCode(ctx context.Context, code string) (*models.Gift, error) {
	query := `SELECT ` + giftColumns + ` FROM gifts WHERE gift_code = $1`

	g, err := scanGift(r.db.Pool().QueryRow(ctx, query, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("gift", code)
		}
		return nil, apperrors.NewDatabaseError("get gift", err)
	}
	return g, nil
}

// GetByChainGiftID retrieves a gift by the identifier used on-chain
func (r *GiftRepository) GetByChainGiftID(ctx context.Context, chainGiftID string) (*models.Gift, error) {
	query := `SELECT ` + giftColumns + ` FROM gifts WHERE chain_gift_id = $1`

	g, err := scanGift(r.db.Pool().QueryRow(ctx, query, chainGiftID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("gift", chainGiftID)
		}
		return nil, apperrors.NewDatabaseError("get gift by chain id", err)
	}
	return g, nil
}

// Cancel moves an unpaid gift to cancelled, optionally marking the payment as expired.
// Returns false when the gift was not in a cancellable state.
func (r *GiftRepository) Cancel(ctx context.Context, code string, paymentExpired bool) (bool, error) {
	query := `
		UPDATE gifts
		SET status = 'cancelled',
		    payment_status = CASE WHEN $2 THEN 'expired' ELSE payment_status END,
		    updated_at = NOW()
		WHERE gift_code = $1 AND status = ANY($3) AND payment_status = 'pending'
	`

	result, err := r.db.Pool().Exec(ctx, query, code, paymentExpired,
		statusStrings(types.SourcesFor(types.GiftStatusCancelled)))
	if err != nil {
		return false, apperrors.NewDatabaseError("cancel gift", err)
	}
	return result.RowsAffected() == 1, nil
}

// AdvancePayment moves the payment status forward; it is a no-op when the gift is already at or past update.Status
// or was cancelled, expired or failed in the meantime
func (r *GiftRepository) AdvancePayment(ctx context.Context, code string, update PaymentUpdate) (bool, error) {
	query := `
		UPDATE gifts
		SET payment_status = $2,
		    total_received = COALESCE($3, total_received),
		    payment_tx_hash = COALESCE($4, payment_tx_hash),
		    last_payment_error = NULL,
		    updated_at = NOW()
		WHERE gift_code = $1
		  AND payment_status = ANY($5)
		  AND status NOT IN ('cancelled', 'expired', 'failed')
	`

	var received interface{}
	if update.TotalReceived != nil {
		received = *update.TotalReceived
	}

	result, err := r.db.Pool().Exec(ctx, query, code, string(update.Status), received, update.TxHash,
		paymentStrings(types.PaymentStatusesBelow(update.Status)))
	if err != nil {
		return false, apperrors.NewDatabaseError("advance payment", err)
	}
	return result.RowsAffected() == 1, nil
}

// RecordDiversion notes an out-of-tolerance deposit that was moved to the fallback address
func (r *GiftRepository) RecordDiversion(ctx context.Context, code string, txHash *string, reason string) error {
	query := `
		UPDATE gifts
		SET diverted_tx_hash = COALESCE($2, diverted_tx_hash), last_payment_error = $3, updated_at = NOW()
		WHERE gift_code = $1
	`

	if _, err := r.db.Pool().Exec(ctx, query, code, txHash, reason); err != nil {
		return apperrors.NewDatabaseError("record diversion", err)
	}
	return nil
}

// AcquireLockLease claims the right to run the lock coordinator for a gift until the lease expires
func (r *GiftRepository) AcquireLockLease(ctx context.Context, code string, lease time.Duration) (bool, error) {
	query := `
		UPDATE gifts
		SET lock_started_at = NOW(), updated_at = NOW()
		WHERE gift_code = $1
		  AND contract_locked = FALSE
		  AND status = ANY($2)
		  AND (lock_started_at IS NULL OR lock_started_at < $3)
	`

	result, err := r.db.Pool().Exec(ctx, query, code,
		statusStrings(types.SourcesFor(types.GiftStatusActive)), time.Now().Add(-lease))
	if err != nil {
		return false, apperrors.NewDatabaseError("acquire lock lease", err)
	}
	return result.RowsAffected() == 1, nil
}

// MarkLocked records a confirmed lock transaction and activates the gift
func (r *GiftRepository) MarkLocked(ctx context.Context, code string, lockTxHash string) (bool, error) {
	query := `
		UPDATE gifts
		SET contract_locked = TRUE,
		    status = 'active',
		    lock_tx_hash = $2,
		    lock_started_at = NULL,
		    last_lock_error = NULL,
		    updated_at = NOW()
		WHERE gift_code = $1 AND contract_locked = FALSE AND status = ANY($3)
	`

	result, err := r.db.Pool().Exec(ctx, query, code, lockTxHash,
		statusStrings(types.SourcesFor(types.GiftStatusActive)))
	if err != nil {
		return false, apperrors.NewDatabaseError("mark locked", err)
	}
	return result.RowsAffected() == 1, nil
}

// RecordLockFailure counts a failed lock attempt and fails the gift once maxAttempts is reached
func (r *GiftRepository) RecordLockFailure(ctx context.Context, code string, reason string, maxAttempts int) (*LockFailure, error) {
	query := `
		UPDATE gifts
		SET lock_attempts = lock_attempts + 1,
		    last_lock_error = $2,
		    lock_started_at = NULL,
		    status = CASE WHEN lock_attempts + 1 >= $3 AND status = ANY($4) THEN 'failed' ELSE status END,
		    updated_at = NOW()
		WHERE gift_code = $1 AND contract_locked = FALSE
		RETURNING lock_attempts, status
	`

	var failure LockFailure
	var status string
	err := r.db.Pool().QueryRow(ctx, query, code, reason, maxAttempts,
		statusStrings(types.SourcesFor(types.GiftStatusFailed))).Scan(&failure.Attempts, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("unlocked gift", code)
		}
		return nil, apperrors.NewDatabaseError("record lock failure", err)
	}

	failure.Status = types.GiftStatus(status)
	return &failure, nil
}

// RecordFeeForward stores the fee routing outcome and the realised platform profit
func (r *GiftRepository) RecordFeeForward(ctx context.Context, code string, feeTxHash *string, profit decimal.Decimal) error {
	query := `
		UPDATE gifts
		SET fee_tx_hash = COALESCE($2, fee_tx_hash), platform_profit = $3, updated_at = NOW()
		WHERE gift_code = $1
	`

	if _, err := r.db.Pool().Exec(ctx, query, code, feeTxHash, profit); err != nil {
		return apperrors.NewDatabaseError("record fee forward", err)
	}
	return nil
}

// Claim flips is_claimed and moves the gift from active to claimed, exactly
// once. It returns nil when another caller won or the gift is not active with
// its funds locked.
func (r *GiftRepository) Claim(ctx context.Context, code string, claimant string, at time.Time) (*models.Gift, error) {
	query := `
		UPDATE gifts
		SET is_claimed = TRUE,
		    claimed_by = $2,
		    claimed_at = $3,
		    status = 'claimed',
		    updated_at = NOW()
		WHERE gift_code = $1
		  AND is_claimed = FALSE
		  AND payment_status = 'received'
		  AND status = 'active'
		  AND contract_locked = TRUE
		RETURNING ` + giftColumns

	g, err := scanGift(r.db.Pool().QueryRow(ctx, query, code, claimant, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.NewDatabaseError("claim gift", err)
	}
	return g, nil
}

// ListPendingPayments returns unpaid gifts whose custodial wallet should be polled
func (r *GiftRepository) ListPendingPayments(ctx context.Context, limit int) ([]*models.Gift, error) {
	query := `SELECT ` + giftColumns + `
		FROM gifts
		WHERE payment_status = 'pending' AND status IN ('created', 'pending')
		ORDER BY created_at
		LIMIT $1`
	return r.queryGifts(ctx, "list pending payments", query, limit)
}

// ListPaidUnconfirmed returns gifts with an observed but not yet final payment
func (r *GiftRepository) ListPaidUnconfirmed(ctx context.Context, limit int) ([]*models.Gift, error) {
	query := `SELECT ` + giftColumns + `
		FROM gifts
		WHERE payment_status = 'paid' AND payment_tx_hash IS NOT NULL
		ORDER BY updated_at
		LIMIT $1`
	return r.queryGifts(ctx, "list paid unconfirmed", query, limit)
}

// ListAwaitingLock returns paid gifts whose principal is not locked yet
func (r *GiftRepository) ListAwaitingLock(ctx context.Context, maxAttempts int, limit int) ([]*models.Gift, error) {
	query := `SELECT ` + giftColumns + `
		FROM gifts
		WHERE payment_status = 'received'
		  AND contract_locked = FALSE
		  AND status IN ('created', 'pending')
		  AND lock_attempts < $1
		ORDER BY updated_at
		LIMIT $2`
	return r.queryGifts(ctx, "list awaiting lock", query, maxAttempts, limit)
}

// ListAutoTransferEligible returns unlocked, unclaimed gifts that still have release attempts left
func (r *GiftRepository) ListAutoTransferEligible(ctx context.Context, now time.Time, maxAttempts int, limit int) ([]*models.Gift, error) {
	query := `SELECT ` + giftColumns + `
		FROM gifts
		WHERE unlock_date <= $1
		  AND is_claimed = FALSE
		  AND auto_transfer_attempts < $2
		  AND status NOT IN ('cancelled', 'expired', 'claimed')
		  AND contract_locked = TRUE
		  AND auto_transfer_tx_hash IS NULL
		ORDER BY unlock_date
		LIMIT $3`
	return r.queryGifts(ctx, "list auto-transfer eligible", query, now, maxAttempts, limit)
}

// RecordAutoTransfer stores a successful release transaction
func (r *GiftRepository) RecordAutoTransfer(ctx context.Context, code string, txHash string, at time.Time) error {
	query := `
		UPDATE gifts
		SET auto_transfer_tx_hash = $2, last_auto_transfer_attempt = $3,
		    last_auto_transfer_error = NULL, updated_at = NOW()
		WHERE gift_code = $1 AND auto_transfer_tx_hash IS NULL
	`

	if _, err := r.db.Pool().Exec(ctx, query, code, txHash, at); err != nil {
		return apperrors.NewDatabaseError("record auto transfer", err)
	}
	return nil
}

// RecordAutoTransferFailure increments the attempt counter without ever exceeding maxAttempts
func (r *GiftRepository) RecordAutoTransferFailure(ctx context.Context, code string, reason string, at time.Time, maxAttempts int) (int, error) {
	query := `
		UPDATE gifts
		SET auto_transfer_attempts = auto_transfer_attempts + 1,
		    last_auto_transfer_attempt = $3,
		    last_auto_transfer_error = CASE
		        WHEN auto_transfer_attempts + 1 >= $4 THEN 'attempt cap reached: ' || $2
		        ELSE $2 END,
		    updated_at = NOW()
		WHERE gift_code = $1 AND auto_transfer_attempts < $4
		RETURNING auto_transfer_attempts
	`

	var attempts int
	err := r.db.Pool().QueryRow(ctx, query, code, reason, at, maxAttempts).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return maxAttempts, nil
		}
		return 0, apperrors.NewDatabaseError("record auto transfer failure", err)
	}
	return attempts, nil
}

// ResetAutoTransfer lets an operator re-arm auto-transfer for a gift
func (r *GiftRepository) ResetAutoTransfer(ctx context.Context, code string) (bool, error) {
	query := `
		UPDATE gifts
		SET auto_transfer_attempts = 0, last_auto_transfer_error = NULL, updated_at = NOW()
		WHERE gift_code = $1 AND auto_transfer_tx_hash IS NULL AND is_claimed = FALSE
		  AND status NOT IN ('cancelled', 'expired', 'claimed')
	`

	result, err := r.db.Pool().Exec(ctx, query, code)
	if err != nil {
		return false, apperrors.NewDatabaseError("reset auto transfer", err)
	}
	return result.RowsAffected() == 1, nil
}

// ExpireUnclaimed bulk-expires unclaimed gifts whose unlock date is at or before cutoff
// and returns the codes it touched
func (r *GiftRepository) ExpireUnclaimed(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := `
		UPDATE gifts
		SET status = 'expired', updated_at = NOW()
		WHERE unlock_date <= $1 AND is_claimed = FALSE AND status = ANY($2)
		RETURNING gift_code
	`

	rows, err := r.db.Pool().Query(ctx, query, cutoff,
		statusStrings(types.SourcesFor(types.GiftStatusExpired)))
	if err != nil {
		return nil, apperrors.NewDatabaseError("expire gifts", err)
	}

	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, apperrors.NewDatabaseError("expire gifts", err)
	}
	return codes, nil
}

// ListClaimedBy returns a page of gifts claimed by an email along with the total count
func (r *GiftRepository) ListClaimedBy(ctx context.Context, email string, limit, offset int) ([]*models.Gift, int, error) {
	var total int
	countQuery := `SELECT COUNT(*) FROM gifts WHERE is_claimed = TRUE AND claimed_by = $1`
	if err := r.db.Pool().QueryRow(ctx, countQuery, email).Scan(&total); err != nil {
		return nil, 0, apperrors.NewDatabaseError("count claimed gifts", err)
	}

	query := `SELECT ` + giftColumns + `
		FROM gifts
		WHERE is_claimed = TRUE AND claimed_by = $1
		ORDER BY claimed_at DESC
		LIMIT $2 OFFSET $3`

	gifts, err := r.queryGifts(ctx, "list claimed gifts", query, email, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return gifts, total, nil
}

// String renders a short description used in log lines
func (u PaymentUpdate) String() string {
	received := "-"
	if u.TotalReceived != nil {
		received = u.TotalReceived.String()
	}
	return fmt.Sprintf("%s received=%s", u.Status, received)
}
