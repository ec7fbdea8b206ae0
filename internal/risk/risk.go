// Package risk implements the pure valuation and limit math for
// collateralized credit positions. All functions are side-effect free and
// safe for concurrent use across orders.
//
// Conventions: collateral amounts are wei (18 decimals), credit amounts are
// in the credit asset's native decimals, and every USD comparison happens in
// an 18-decimal fixed-point value. Division is always floor division so the
// math rounds against the borrower.
package risk

import (
	"errors"
	"math"
	"math/big"
)

var (
	basisPoints = big.NewInt(10_000)
	wad         = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil) // 1e18
	ten         = big.NewInt(10)
)

// MaxHealthFactor is returned for positions with no outstanding debt.
var MaxHealthFactor = big.NewInt(math.MaxInt64)

// ErrZeroDebtRepay is returned when an unlock is requested against a
// position that has no debt; the proportional unlock is undefined and the
// caller must reject the repayment instead of dividing by zero.
var ErrZeroDebtRepay = errors.New("risk: unlock undefined for zero outstanding debt")

// ErrExceedsMaxBorrow is returned by CheckBorrowAllowed when the requested
// borrow would push total debt above the reserve's max LTV. The request is
// rejected outright, never clamped.
var ErrExceedsMaxBorrow = errors.New("risk: borrow exceeds max LTV")

// CollateralValue18 returns the USD value of collateral in 18-decimal fixed
// point: collateralWei * scaledPrice / 1e18.
func CollateralValue18(collateralWei, scaledPrice *big.Int) *big.Int {
	if collateralWei == nil || scaledPrice == nil {
		return big.NewInt(0)
	}
	v := new(big.Int).Mul(collateralWei, scaledPrice)
	return v.Quo(v, wad)
}

// MaxBorrow18 returns the borrow ceiling implied by the reserve's max LTV.
func MaxBorrow18(collateralValue18 *big.Int, maxLtvBps uint64) *big.Int {
	return mulBps(collateralValue18, maxLtvBps)
}

// LiquidationThresholdValue18 returns the debt value at which the position
// becomes liquidatable.
func LiquidationThresholdValue18(collateralValue18 *big.Int, liquidationThresholdBps uint64) *big.Int {
	return mulBps(collateralValue18, liquidationThresholdBps)
}

// DebtValue18 converts an outstanding debt in credit-asset native units to
// the 18-decimal USD value used for comparisons. The credit asset is assumed
// to be stable at $1.
func DebtValue18(debtUnits *big.Int, creditDecimals uint8) *big.Int {
	if debtUnits == nil || debtUnits.Sign() <= 0 {
		return big.NewInt(0)
	}
	shift := new(big.Int).Exp(ten, big.NewInt(int64(18-int(creditDecimals))), nil)
	return new(big.Int).Mul(debtUnits, shift)
}

// CreditUnits converts an 18-decimal USD value down to the credit asset's
// native decimals, flooring.
func CreditUnits(value18 *big.Int, creditDecimals uint8) *big.Int {
	if value18 == nil || value18.Sign() <= 0 {
		return big.NewInt(0)
	}
	shift := new(big.Int).Exp(ten, big.NewInt(int64(18-int(creditDecimals))), nil)
	return new(big.Int).Quo(value18, shift)
}

// HealthFactorBps returns (collateralValue18 / debtValue18) * 10000, or
// MaxHealthFactor when there is no debt.
func HealthFactorBps(collateralValue18, debtValue18 *big.Int) *big.Int {
	if debtValue18 == nil || debtValue18.Sign() == 0 {
		return new(big.Int).Set(MaxHealthFactor)
	}
	hf := new(big.Int).Mul(collateralValue18, basisPoints)
	return hf.Quo(hf, debtValue18)
}

// Liquidatable reports whether the position may be liquidated: debt value has
// met or exceeded the liquidation-threshold value.
func Liquidatable(debtValue18, liquidationThresholdValue18 *big.Int) bool {
	if debtValue18 == nil || debtValue18.Sign() == 0 {
		return false
	}
	return debtValue18.Cmp(liquidationThresholdValue18) >= 0
}

// CheckBorrowAllowed enforces the hard borrow precondition:
// debtValue18 + borrowValue18 must not exceed maxBorrow18.
func CheckBorrowAllowed(debtValue18, borrowValue18, maxBorrow18 *big.Int) error {
	total := new(big.Int).Add(debtValue18, borrowValue18)
	if total.Cmp(maxBorrow18) > 0 {
		return ErrExceedsMaxBorrow
	}
	return nil
}

// ComputeBorrowAmount is the advisory sizing helper: it returns the credit
// units that would bring total debt to targetBps of the max borrow, given
// what is already borrowed. The result is clamped to zero when the target is
// already met. It performs no precondition checks; callers still go through
// CheckBorrowAllowed on execution.
func ComputeBorrowAmount(
	collateralWei, scaledPrice *big.Int,
	maxLtvBps, targetBps uint64,
	alreadyBorrowedUnits *big.Int,
	creditDecimals uint8,
) *big.Int {
	collateralValue := CollateralValue18(collateralWei, scaledPrice)
	maxBorrow := MaxBorrow18(collateralValue, maxLtvBps)
	target18 := mulBps(maxBorrow, targetBps)

	borrowed18 := DebtValue18(alreadyBorrowedUnits, creditDecimals)
	remaining := new(big.Int).Sub(target18, borrowed18)
	if remaining.Sign() <= 0 {
		return big.NewInt(0)
	}
	return CreditUnits(remaining, creditDecimals)
}

// UnlockForRepayment returns the collateral to unlock for a repayment:
// repaying p bps of the outstanding debt unlocks p bps of total collateral,
// with bps-floor precision. A zero debtBefore is rejected rather than
// divided by.
func UnlockForRepayment(collateralWei, debtBefore, repayAmount *big.Int) (*big.Int, error) {
	if debtBefore == nil || debtBefore.Sign() == 0 {
		return nil, ErrZeroDebtRepay
	}
	repaidBps := new(big.Int).Mul(repayAmount, basisPoints)
	repaidBps.Quo(repaidBps, debtBefore)

	unlock := new(big.Int).Mul(collateralWei, repaidBps)
	unlock.Quo(unlock, basisPoints)
	if unlock.Sign() < 0 {
		return big.NewInt(0), nil
	}
	return unlock, nil
}

func mulBps(v *big.Int, bps uint64) *big.Int {
	if v == nil || v.Sign() <= 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(v, new(big.Int).SetUint64(bps))
	return out.Quo(out, basisPoints)
}
