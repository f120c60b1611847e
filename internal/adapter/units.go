package adapter

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the precision of every supported native currency
const NativeDecimals = 18

// FromWei converts a wei amount into whole units
func FromWei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -NativeDecimals)
}

// ToWei converts whole units into wei, truncating anything below one wei
func ToWei(amount decimal.Decimal) *big.Int {
	return amount.Shift(NativeDecimals).Truncate(0).BigInt()
}

// SweepValue returns what is left of balance after paying for a plain transfer
// at gasPrice, or ErrInsufficientValue when nothing would remain.
func SweepValue(balance decimal.Decimal, gasPrice *big.Int) (*big.Int, error) {
	gasCost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(TransferGasLimit))
	value := new(big.Int).Sub(ToWei(balance), gasCost)
	if value.Sign() <= 0 {
		return nil, ErrInsufficientValue
	}
	return value, nil
}
