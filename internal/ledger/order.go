// Package ledger owns the two chain-side record models: the collateral
// chain's authoritative Order and the credit chain's MirroredPosition. The
// two sides share nothing but the opaque 32-byte order id; they are
// reconciled exclusively through explicit relay messages, never through
// shared pointers.
package ledger

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrOrderExists      = errors.New("ledger: order id already in use")
	ErrOrderNotFound    = errors.New("ledger: order not found")
	ErrAlreadyFunded    = errors.New("ledger: order already funded")
	ErrNotFunded        = errors.New("ledger: order not funded")
	ErrOrderLiquidated  = errors.New("ledger: order is liquidated")
	ErrNothingUnlocked  = errors.New("ledger: no unlocked collateral to withdraw")
	ErrPositionNotFound = errors.New("ledger: mirrored position not found")
	ErrPositionClosed   = errors.New("ledger: mirrored position is closed")
	ErrNoDebt           = errors.New("ledger: no outstanding debt")
	ErrRepayExceedsDebt = errors.New("ledger: repay amount exceeds outstanding debt")
	ErrInvalidAmount    = errors.New("ledger: amount must be positive")
)

// Order is the collateral chain's record of a position. CollateralAmount is
// monotonically non-decreasing except on withdrawal; UnlockedAmount never
// exceeds it. Liquidated is terminal.
type Order struct {
	ID               common.Hash
	Owner            common.Address
	ReserveID        string
	CollateralAmount *big.Int // wei
	UnlockedAmount   *big.Int // wei, <= CollateralAmount
	Funded           bool
	Repaid           bool
	Liquidated       bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Version          int64
}

func (o *Order) clone() *Order {
	c := *o
	c.CollateralAmount = new(big.Int).Set(o.CollateralAmount)
	c.UnlockedAmount = new(big.Int).Set(o.UnlockedAmount)
	return &c
}

// MirroredPosition is the credit chain's view of an order. Once mirroring
// has settled, EthAmountWei equals the collateral chain's CollateralAmount;
// in the relay window the two may diverge and callers must treat the pair
// as in flight.
type MirroredPosition struct {
	OrderID      common.Hash
	EthAmountWei *big.Int
	BorrowedUsd  *big.Int // credit-asset native units
	Open         bool
	UpdatedAt    time.Time
	Version      int64
}

func (p *MirroredPosition) clone() *MirroredPosition {
	c := *p
	c.EthAmountWei = new(big.Int).Set(p.EthAmountWei)
	c.BorrowedUsd = new(big.Int).Set(p.BorrowedUsd)
	return &c
}

func positiveAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
