package engine

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"crosslend/internal/ledger"
	"crosslend/internal/oracle"
	"crosslend/internal/reserve"
	"crosslend/internal/risk"
)

// The plan functions hold every precondition check exactly once. The
// mutating operations and their Simulate twins both run the same plan, so
// simulation and execution cannot diverge.

func errUnknownReserve(id string) error {
	return fmt.Errorf("unknown reserve %q", id)
}

func errLiquidatable(id common.Hash) error {
	return fmt.Errorf("order %s is past its liquidation threshold", id.Hex())
}

type borrowPlan struct {
	order             *ledger.Order
	pos               *ledger.MirroredPosition
	cfg               reserve.Config
	sample            oracle.PriceSample
	collateralValue18 *big.Int
	debt18            *big.Int
	borrow18          *big.Int
	maxBorrow18       *big.Int
	threshold18       *big.Int
	fee               *big.Int
	healthAfter       *big.Int
	liquidatable      bool
}

func (e *Engine) planBorrow(ctx context.Context, op string, id common.Hash, amountUnits *big.Int) (*borrowPlan, *OpError) {
	if amountUnits == nil || amountUnits.Sign() <= 0 {
		return nil, opErr(op, KindPrecondition, ledger.ErrInvalidAmount)
	}

	order, ok := e.collateral.Get(id)
	if !ok {
		return nil, opErr(op, KindNotFound, ledger.ErrOrderNotFound)
	}
	if order.Liquidated {
		return nil, opErr(op, KindPrecondition, ledger.ErrOrderLiquidated)
	}
	cfg, ok := e.reserves.Get(order.ReserveID)
	if !ok {
		return nil, opErr(op, KindInternal, errUnknownReserve(order.ReserveID))
	}

	pos, ok := e.credit.Get(id)
	if !ok {
		// Mirroring has not landed yet; the caller polls and retries.
		return nil, opErr(op, KindPrecondition, ledger.ErrPositionNotFound)
	}
	if !pos.Open {
		return nil, opErr(op, KindPrecondition, ledger.ErrPositionClosed)
	}

	sample, err := e.fetchPrice(ctx, cfg)
	if err != nil {
		return nil, classify(op, err)
	}

	scaled := sample.ScaledPrice()
	collateralValue := risk.CollateralValue18(pos.EthAmountWei, scaled)
	debt18 := risk.DebtValue18(pos.BorrowedUsd, cfg.CreditDecimals)
	borrow18 := risk.DebtValue18(amountUnits, cfg.CreditDecimals)
	max18 := risk.MaxBorrow18(collateralValue, cfg.MaxLtvBps)
	threshold18 := risk.LiquidationThresholdValue18(collateralValue, cfg.LiquidationThresholdBps)

	plan := &borrowPlan{
		order:             order,
		pos:               pos,
		cfg:               cfg,
		sample:            sample,
		collateralValue18: collateralValue,
		debt18:            debt18,
		borrow18:          borrow18,
		maxBorrow18:       max18,
		threshold18:       threshold18,
		liquidatable:      risk.Liquidatable(debt18, threshold18),
	}
	if plan.liquidatable {
		return plan, nil
	}

	if err := risk.CheckBorrowAllowed(debt18, borrow18, max18); err != nil {
		return nil, opErr(op, KindPrecondition, err)
	}

	fee := new(big.Int).Mul(amountUnits, new(big.Int).SetUint64(cfg.OriginationFeeBps))
	fee.Quo(fee, big.NewInt(10_000))
	plan.fee = fee

	debtAfter := new(big.Int).Add(debt18, borrow18)
	plan.healthAfter = risk.HealthFactorBps(collateralValue, debtAfter)
	return plan, nil
}

type repayPlan struct {
	order     *ledger.Order
	pos       *ledger.MirroredPosition
	unlockWei *big.Int
	fullRepay bool
}

func (e *Engine) planRepay(op string, id common.Hash, amountUnits *big.Int) (*repayPlan, *OpError) {
	if amountUnits == nil || amountUnits.Sign() <= 0 {
		return nil, opErr(op, KindPrecondition, ledger.ErrInvalidAmount)
	}

	order, ok := e.collateral.Get(id)
	if !ok {
		return nil, opErr(op, KindNotFound, ledger.ErrOrderNotFound)
	}
	if order.Liquidated {
		return nil, opErr(op, KindPrecondition, ledger.ErrOrderLiquidated)
	}
	pos, ok := e.credit.Get(id)
	if !ok {
		return nil, opErr(op, KindNotFound, ledger.ErrPositionNotFound)
	}
	if !pos.Open {
		return nil, opErr(op, KindPrecondition, ledger.ErrPositionClosed)
	}
	if pos.BorrowedUsd.Sign() == 0 {
		return nil, opErr(op, KindPrecondition, ledger.ErrNoDebt)
	}
	if amountUnits.Cmp(pos.BorrowedUsd) > 0 {
		return nil, opErr(op, KindPrecondition, ledger.ErrRepayExceedsDebt)
	}

	unlock, err := risk.UnlockForRepayment(order.CollateralAmount, pos.BorrowedUsd, amountUnits)
	if err != nil {
		return nil, opErr(op, KindPrecondition, err)
	}
	full := amountUnits.Cmp(pos.BorrowedUsd) == 0
	if full {
		// Full repayment unlocks everything regardless of bps flooring.
		unlock = new(big.Int).Sub(order.CollateralAmount, order.UnlockedAmount)
	}
	return &repayPlan{order: order, pos: pos, unlockWei: unlock, fullRepay: full}, nil
}

type withdrawPlan struct {
	order  *ledger.Order
	amount *big.Int
	closes bool
}

func (e *Engine) planWithdraw(op string, id common.Hash) (*withdrawPlan, *OpError) {
	order, ok := e.collateral.Get(id)
	if !ok {
		return nil, opErr(op, KindNotFound, ledger.ErrOrderNotFound)
	}
	if order.Liquidated {
		return nil, opErr(op, KindPrecondition, ledger.ErrOrderLiquidated)
	}
	if order.UnlockedAmount.Sign() == 0 {
		return nil, opErr(op, KindPrecondition, ledger.ErrNothingUnlocked)
	}
	amount := new(big.Int).Set(order.UnlockedAmount)
	if amount.Cmp(order.CollateralAmount) > 0 {
		amount.Set(order.CollateralAmount)
	}
	closes := amount.Cmp(order.CollateralAmount) == 0
	return &withdrawPlan{order: order, amount: amount, closes: closes}, nil
}

type liquidatePlan struct {
	order        *ledger.Order
	pos          *ledger.MirroredPosition
	cfg          reserve.Config
	sample       oracle.PriceSample
	debt18       *big.Int
	threshold18  *big.Int
	liquidatable bool
}

func (e *Engine) planLiquidate(ctx context.Context, op string, id common.Hash) (*liquidatePlan, *OpError) {
	order, ok := e.collateral.Get(id)
	if !ok {
		return nil, opErr(op, KindNotFound, ledger.ErrOrderNotFound)
	}
	if order.Liquidated {
		return nil, opErr(op, KindPrecondition, ledger.ErrOrderLiquidated)
	}
	cfg, ok := e.reserves.Get(order.ReserveID)
	if !ok {
		return nil, opErr(op, KindInternal, errUnknownReserve(order.ReserveID))
	}
	pos, ok := e.credit.Get(id)
	if !ok {
		return nil, opErr(op, KindNotFound, ledger.ErrPositionNotFound)
	}
	if pos.BorrowedUsd.Sign() == 0 {
		return nil, opErr(op, KindPrecondition, ledger.ErrNoDebt)
	}

	sample, err := e.fetchPrice(ctx, cfg)
	if err != nil {
		return nil, classify(op, err)
	}

	scaled := sample.ScaledPrice()
	collateralValue := risk.CollateralValue18(pos.EthAmountWei, scaled)
	debt18 := risk.DebtValue18(pos.BorrowedUsd, cfg.CreditDecimals)
	threshold18 := risk.LiquidationThresholdValue18(collateralValue, cfg.LiquidationThresholdBps)

	return &liquidatePlan{
		order:        order,
		pos:          pos,
		cfg:          cfg,
		sample:       sample,
		debt18:       debt18,
		threshold18:  threshold18,
		liquidatable: risk.Liquidatable(debt18, threshold18),
	}, nil
}

// fetchPrice pulls a sample for the reserve's feed and enforces the
// staleness and deviation bounds.
func (e *Engine) fetchPrice(ctx context.Context, cfg reserve.Config) (oracle.PriceSample, error) {
	start := time.Now()
	sample, err := e.feed.FetchPriceSample(ctx, cfg.PriceFeedID)
	if e.metrics != nil {
		e.metrics.OracleFetchDur.WithLabelValues(cfg.PriceFeedID).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.OracleFetches.WithLabelValues(cfg.PriceFeedID, "error").Inc()
		}
		return oracle.PriceSample{}, err
	}
	if err := sample.Validate(cfg.MaxPriceAge, e.clock()); err != nil {
		if e.metrics != nil {
			e.metrics.OracleStale.WithLabelValues(cfg.PriceFeedID).Inc()
		}
		return oracle.PriceSample{}, err
	}

	// Deviation circuit breaker: a sample that jumped too far from the
	// last accepted one is rejected and never becomes the new baseline,
	// so a feed glitch cannot walk the baseline with it.
	scaled := sample.ScaledPrice()
	e.priceMu.Lock()
	prev := e.lastPrice[cfg.PriceFeedID]
	e.priceMu.Unlock()
	if err := oracle.CheckDeviation(prev, scaled, cfg.MaxPriceDeviationBps); err != nil {
		if e.metrics != nil {
			e.metrics.OracleFetches.WithLabelValues(cfg.PriceFeedID, "deviation").Inc()
		}
		return oracle.PriceSample{}, err
	}
	e.priceMu.Lock()
	e.lastPrice[cfg.PriceFeedID] = scaled
	e.priceMu.Unlock()

	if e.metrics != nil {
		e.metrics.OracleFetches.WithLabelValues(cfg.PriceFeedID, "ok").Inc()
	}
	return sample, nil
}
