package engine

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"crosslend/internal/ledger"
	"crosslend/internal/risk"
)

// The Simulate twins run the exact plan their mutating operations run and
// stop before the first write. A simulation that passes is a guarantee the
// real call would have passed against the same state and price.

// BorrowSimulation is what a caller sees before committing to a borrow.
type BorrowSimulation struct {
	MaxBorrow18       *big.Int
	CollateralValue18 *big.Int
	DebtValue18       *big.Int
	HealthFactorBps   *big.Int
	Fee               *big.Int
	SuggestedUnits    *big.Int
	Liquidatable      bool
}

func (e *Engine) SimulateBorrow(ctx context.Context, id common.Hash, amountUnits *big.Int) (*BorrowSimulation, error) {
	const op = "borrow"
	plan, perr := e.planBorrow(ctx, op, id, amountUnits)
	if perr != nil {
		e.simulated(op, "rejected")
		return nil, perr
	}
	if plan.liquidatable {
		e.simulated(op, "rejected")
		return &BorrowSimulation{
			MaxBorrow18:       plan.maxBorrow18,
			CollateralValue18: plan.collateralValue18,
			DebtValue18:       plan.debt18,
			Liquidatable:      true,
		}, opErr(op, KindPrecondition, errLiquidatable(id))
	}

	suggested := risk.ComputeBorrowAmount(
		plan.pos.EthAmountWei,
		plan.sample.ScaledPrice(),
		plan.cfg.MaxLtvBps,
		10_000, // suggest up to the hard bound
		plan.pos.BorrowedUsd,
		plan.cfg.CreditDecimals,
	)
	e.simulated(op, "ok")
	return &BorrowSimulation{
		MaxBorrow18:       plan.maxBorrow18,
		CollateralValue18: plan.collateralValue18,
		DebtValue18:       plan.debt18,
		HealthFactorBps:   plan.healthAfter,
		Fee:               plan.fee,
		SuggestedUnits:    suggested,
	}, nil
}

// RepaySimulation previews the unlock a repayment would earn.
type RepaySimulation struct {
	UnlockWei  *big.Int
	FullRepay  bool
	DebtBefore *big.Int
}

func (e *Engine) SimulateRepay(id common.Hash, amountUnits *big.Int) (*RepaySimulation, error) {
	const op = "repay"
	plan, perr := e.planRepay(op, id, amountUnits)
	if perr != nil {
		e.simulated(op, "rejected")
		return nil, perr
	}
	e.simulated(op, "ok")
	return &RepaySimulation{
		UnlockWei:  plan.unlockWei,
		FullRepay:  plan.fullRepay,
		DebtBefore: new(big.Int).Set(plan.pos.BorrowedUsd),
	}, nil
}

// WithdrawSimulation previews a withdrawal.
type WithdrawSimulation struct {
	Amount *big.Int
	Closes bool
}

func (e *Engine) SimulateWithdraw(id common.Hash) (*WithdrawSimulation, error) {
	const op = "withdraw"
	plan, perr := e.planWithdraw(op, id)
	if perr != nil {
		e.simulated(op, "rejected")
		return nil, perr
	}
	e.simulated(op, "ok")
	return &WithdrawSimulation{Amount: plan.amount, Closes: plan.closes}, nil
}

// LiquidateSimulation previews the liquidation predicate.
type LiquidateSimulation struct {
	Liquidatable bool
	DebtValue18  *big.Int
	Threshold18  *big.Int
}

func (e *Engine) SimulateLiquidate(ctx context.Context, id common.Hash) (*LiquidateSimulation, error) {
	const op = "liquidate"
	plan, perr := e.planLiquidate(ctx, op, id)
	if perr != nil {
		e.simulated(op, "rejected")
		return nil, perr
	}
	e.simulated(op, "ok")
	return &LiquidateSimulation{
		Liquidatable: plan.liquidatable,
		DebtValue18:  plan.debt18,
		Threshold18:  plan.threshold18,
	}, nil
}

// SimulateFund checks the fund preconditions without depositing.
func (e *Engine) SimulateFund(id common.Hash, amountWei *big.Int) error {
	const op = "fund"
	if amountWei == nil || amountWei.Sign() <= 0 {
		e.simulated(op, "rejected")
		return opErr(op, KindPrecondition, ledger.ErrInvalidAmount)
	}
	order, ok := e.collateral.Get(id)
	if !ok {
		e.simulated(op, "rejected")
		return opErr(op, KindNotFound, ledger.ErrOrderNotFound)
	}
	if order.Liquidated {
		e.simulated(op, "rejected")
		return opErr(op, KindPrecondition, ledger.ErrOrderLiquidated)
	}
	if order.Funded {
		e.simulated(op, "rejected")
		return opErr(op, KindPrecondition, ledger.ErrAlreadyFunded)
	}
	e.simulated(op, "ok")
	return nil
}

// SimulateAddCollateral checks the top-up preconditions without
// depositing. A top-up needs a funded order, the opposite of SimulateFund.
func (e *Engine) SimulateAddCollateral(id common.Hash, amountWei *big.Int) error {
	const op = "add_collateral"
	if amountWei == nil || amountWei.Sign() <= 0 {
		e.simulated(op, "rejected")
		return opErr(op, KindPrecondition, ledger.ErrInvalidAmount)
	}
	order, ok := e.collateral.Get(id)
	if !ok {
		e.simulated(op, "rejected")
		return opErr(op, KindNotFound, ledger.ErrOrderNotFound)
	}
	if order.Liquidated {
		e.simulated(op, "rejected")
		return opErr(op, KindPrecondition, ledger.ErrOrderLiquidated)
	}
	if !order.Funded {
		e.simulated(op, "rejected")
		return opErr(op, KindPrecondition, ledger.ErrNotFunded)
	}
	e.simulated(op, "ok")
	return nil
}

func (e *Engine) simulated(op, outcome string) {
	if e.metrics != nil {
		e.metrics.Simulations.WithLabelValues(op, outcome).Inc()
	}
}
