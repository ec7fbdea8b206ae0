package risk_test

import (
	"errors"
	"math/big"
	"testing"

	"crosslend/internal/risk"
)

// eth returns n ETH in wei.
func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), exp10(18))
}

// usd18 returns n dollars in 18-decimal fixed point.
func usd18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), exp10(18))
}

func exp10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

func TestCollateralValueAndMaxBorrow(t *testing.T) {
	// 1 ETH at $2000, maxLtv 70%.
	price := usd18(2000)
	value := risk.CollateralValue18(eth(1), price)
	if value.Cmp(usd18(2000)) != 0 {
		t.Fatalf("collateral value = %s, want 2000e18", value)
	}

	maxBorrow := risk.MaxBorrow18(value, 7000)
	if maxBorrow.Cmp(usd18(1400)) != 0 {
		t.Fatalf("max borrow = %s, want 1400e18", maxBorrow)
	}
}

func TestComputeBorrowAmountTarget(t *testing.T) {
	// Target 60% of a 1400 USD ceiling is 840 USD, which is
	// 840_000000 in a 6-decimal credit asset.
	got := risk.ComputeBorrowAmount(eth(1), usd18(2000), 7000, 6000, nil, 6)
	want := new(big.Int).Mul(big.NewInt(840), exp10(6))
	if got.Cmp(want) != 0 {
		t.Fatalf("borrow amount = %s, want %s", got, want)
	}
}

func TestComputeBorrowAmountClampsAtZero(t *testing.T) {
	already := new(big.Int).Mul(big.NewInt(900), exp10(6)) // above the 840 target
	got := risk.ComputeBorrowAmount(eth(1), usd18(2000), 7000, 6000, already, 6)
	if got.Sign() != 0 {
		t.Fatalf("borrow amount = %s, want 0", got)
	}
}

func TestComputeBorrowAmountAccountsForExistingDebt(t *testing.T) {
	already := new(big.Int).Mul(big.NewInt(340), exp10(6))
	got := risk.ComputeBorrowAmount(eth(1), usd18(2000), 7000, 6000, already, 6)
	want := new(big.Int).Mul(big.NewInt(500), exp10(6))
	if got.Cmp(want) != 0 {
		t.Fatalf("borrow amount = %s, want %s", got, want)
	}
}

func TestUnlockForRepaymentProportional(t *testing.T) {
	// Repay 210 of 840 (25%) unlocks 0.25 ETH.
	debt := new(big.Int).Mul(big.NewInt(840), exp10(6))
	repay := new(big.Int).Mul(big.NewInt(210), exp10(6))

	unlock, err := risk.UnlockForRepayment(eth(1), debt, repay)
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(25), exp10(16)) // 0.25e18
	if unlock.Cmp(want) != 0 {
		t.Fatalf("unlock = %s, want %s", unlock, want)
	}
}

func TestUnlockForRepaymentFull(t *testing.T) {
	debt := new(big.Int).Mul(big.NewInt(630), exp10(6))
	unlock, err := risk.UnlockForRepayment(eth(1), debt, debt)
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if unlock.Cmp(eth(1)) != 0 {
		t.Fatalf("full repay unlock = %s, want 1 ETH", unlock)
	}
}

func TestUnlockForRepaymentFloors(t *testing.T) {
	// Repaying 1 of 3 units is 3333 bps after flooring, not 3334.
	unlock, err := risk.UnlockForRepayment(eth(1), big.NewInt(3), big.NewInt(1))
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(3333), exp10(14)) // 0.3333e18
	if unlock.Cmp(want) != 0 {
		t.Fatalf("unlock = %s, want %s", unlock, want)
	}
}

func TestUnlockForRepaymentZeroDebt(t *testing.T) {
	_, err := risk.UnlockForRepayment(eth(1), big.NewInt(0), big.NewInt(1))
	if !errors.Is(err, risk.ErrZeroDebtRepay) {
		t.Fatalf("err = %v, want ErrZeroDebtRepay", err)
	}
}

func TestLiquidatablePredicate(t *testing.T) {
	// Debt 840 USD against a 80% liquidation threshold.
	debt := usd18(840)

	// Price $1200: threshold value 960 > 840, not liquidatable.
	value := risk.CollateralValue18(eth(1), usd18(1200))
	threshold := risk.LiquidationThresholdValue18(value, 8000)
	if threshold.Cmp(usd18(960)) != 0 {
		t.Fatalf("threshold = %s, want 960e18", threshold)
	}
	if risk.Liquidatable(debt, threshold) {
		t.Fatal("position should not be liquidatable at $1200")
	}

	// Price $900: threshold value 720 < 840, liquidatable.
	value = risk.CollateralValue18(eth(1), usd18(900))
	threshold = risk.LiquidationThresholdValue18(value, 8000)
	if threshold.Cmp(usd18(720)) != 0 {
		t.Fatalf("threshold = %s, want 720e18", threshold)
	}
	if !risk.Liquidatable(debt, threshold) {
		t.Fatal("position should be liquidatable at $900")
	}
}

func TestLiquidatableZeroDebt(t *testing.T) {
	if risk.Liquidatable(big.NewInt(0), big.NewInt(0)) {
		t.Fatal("zero debt must never be liquidatable")
	}
}

func TestHealthFactor(t *testing.T) {
	hf := risk.HealthFactorBps(usd18(2000), usd18(840))
	// 2000/840 * 10000 = 23809 (floored)
	if hf.Cmp(big.NewInt(23809)) != 0 {
		t.Fatalf("health factor = %s, want 23809", hf)
	}

	hf = risk.HealthFactorBps(usd18(2000), big.NewInt(0))
	if hf.Cmp(risk.MaxHealthFactor) != 0 {
		t.Fatalf("health factor with zero debt = %s, want max", hf)
	}
}

func TestCheckBorrowAllowed(t *testing.T) {
	maxBorrow := usd18(1400)

	if err := risk.CheckBorrowAllowed(usd18(1000), usd18(400), maxBorrow); err != nil {
		t.Fatalf("borrow at exactly the limit must pass: %v", err)
	}
	err := risk.CheckBorrowAllowed(usd18(1000), usd18(401), maxBorrow)
	if !errors.Is(err, risk.ErrExceedsMaxBorrow) {
		t.Fatalf("err = %v, want ErrExceedsMaxBorrow", err)
	}
}

func TestDebtValueRoundTrip(t *testing.T) {
	units := new(big.Int).Mul(big.NewInt(840), exp10(6))
	v := risk.DebtValue18(units, 6)
	if v.Cmp(usd18(840)) != 0 {
		t.Fatalf("debt value = %s, want 840e18", v)
	}
	back := risk.CreditUnits(v, 6)
	if back.Cmp(units) != 0 {
		t.Fatalf("credit units = %s, want %s", back, units)
	}
}
