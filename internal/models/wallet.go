package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet is a custodial keypair owned by the wallet pool.
// Key material is stored encrypted as iv_hex:ciphertext_hex.
type Wallet struct {
	ID                  int64            `json:"-" db:"id"`
	Index               int64            `json:"index" db:"pool_index"`
	Address             string           `json:"address" db:"address"`
	EncryptedPrivateKey string           `json:"-" db:"encrypted_private_key"`
	EncryptedMnemonic   string           `json:"-" db:"encrypted_mnemonic"`
	Reserved            bool             `json:"reserved" db:"reserved"`
	ReservedAt          *time.Time       `json:"reservedAt,omitempty" db:"reserved_at"`
	Balance             *decimal.Decimal `json:"balance,omitempty" db:"balance"`
	BalanceUpdatedAt    *time.Time       `json:"balanceUpdatedAt,omitempty" db:"balance_updated_at"`
	CreatedAt           time.Time        `json:"createdAt" db:"created_at"`
}
