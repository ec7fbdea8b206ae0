package engine

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"crosslend/internal/bridge"
	"crosslend/internal/ledger"
	"crosslend/internal/risk"
)

// LiquidationResult reports a seizure. On the full path the order is
// terminal and all remaining collateral is split liquidator-bonus versus
// protocol. On the partial path up to the close factor of the debt is
// repaid and the matching collateral (plus bonus) is seized; the order
// stays alive.
type LiquidationResult struct {
	Terminal    bool
	DebtRepaid  *big.Int
	SeizedWei   *big.Int
	BonusWei    *big.Int
	ProtocolWei *big.Int
	Order       *ledger.Order
	Relay       *RelayOutcome
}

// Liquidate seizes an order whose debt value has met its liquidation
// threshold, using a fresh price sample. A nil maxRepayUnits requests the
// full seizure from the transition table; a smaller amount requests a
// partial liquidation bounded by the reserve's close factor.
func (e *Engine) Liquidate(ctx context.Context, id common.Hash, maxRepayUnits *big.Int) (*LiquidationResult, error) {
	const op = "liquidate"
	if err := e.acquire(id); err != nil {
		return nil, classify(op, err)
	}
	defer e.release(id)

	plan, perr := e.planLiquidate(ctx, op, id)
	if perr != nil {
		e.reject(op, perr)
		return nil, perr
	}
	if !plan.liquidatable {
		err := opErr(op, KindPrecondition, errNotLiquidatable(id))
		e.reject(op, err)
		return nil, err
	}

	if maxRepayUnits != nil && maxRepayUnits.Cmp(plan.pos.BorrowedUsd) < 0 {
		return e.liquidatePartial(ctx, op, plan, maxRepayUnits)
	}
	return e.liquidateFull(ctx, op, plan)
}

func (e *Engine) liquidateFull(ctx context.Context, op string, plan *liquidatePlan) (*LiquidationResult, error) {
	id := plan.order.ID
	start := time.Now()
	now := e.clock()

	if err := e.collateral.MarkLiquidated(id, now); err != nil {
		e.reject(op, err)
		return nil, classify(op, err)
	}
	if err := e.credit.Close(id, now); err != nil && !errors.Is(err, ledger.ErrPositionClosed) {
		// The collateral side is already terminal; a credit-side failure
		// here breaks the one invariant this engine exists to hold.
		panic("FATAL: order " + id.Hex() + " liquidated on collateral side but credit close failed: " + err.Error())
	}

	seized := new(big.Int).Set(plan.order.CollateralAmount)
	bonus := new(big.Int).Mul(seized, new(big.Int).SetUint64(plan.cfg.LiquidationBonusBps))
	bonus.Quo(bonus, big.NewInt(10_000))
	protocol := new(big.Int).Sub(seized, bonus)

	order, _ := e.collateral.Get(id)
	pos, _ := e.credit.Get(id)
	e.commit(ctx, order)
	e.commitPosition(ctx, pos)

	if e.metrics != nil {
		e.metrics.LiquidationsTriggered.WithLabelValues(plan.order.ReserveID).Inc()
		e.metrics.LiquidationBonusPaid.WithLabelValues(plan.order.ReserveID).Inc()
	}
	e.metrics.ObserveOp(op, start)
	e.metrics.OpApplied(op)
	e.logger.Warn().
		Str("order_id", id.Hex()).
		Str("seized_wei", seized.String()).
		Str("bonus_wei", bonus.String()).
		Str("debt_value18", plan.debt18.String()).
		Str("threshold_value18", plan.threshold18.String()).
		Msg("order liquidated")

	return &LiquidationResult{
		Terminal:    true,
		DebtRepaid:  new(big.Int).Set(plan.pos.BorrowedUsd),
		SeizedWei:   seized,
		BonusWei:    bonus,
		ProtocolWei: protocol,
		Order:       order,
	}, nil
}

func (e *Engine) liquidatePartial(ctx context.Context, op string, plan *liquidatePlan, maxRepayUnits *big.Int) (*LiquidationResult, error) {
	id := plan.order.ID
	start := time.Now()
	cfg := plan.cfg

	repay := new(big.Int).Mul(plan.pos.BorrowedUsd, new(big.Int).SetUint64(cfg.CloseFactorBps))
	repay.Quo(repay, big.NewInt(10_000))
	if maxRepayUnits.Cmp(repay) < 0 {
		repay.Set(maxRepayUnits)
	}
	if repay.Sign() <= 0 {
		err := opErr(op, KindPrecondition, ledger.ErrInvalidAmount)
		e.reject(op, err)
		return nil, err
	}

	// Collateral seized = repaid value plus the liquidation bonus,
	// converted back to wei at the same sample used for the predicate.
	scaled := plan.sample.ScaledPrice()
	repay18 := risk.DebtValue18(repay, cfg.CreditDecimals)
	baseWei := new(big.Int).Mul(repay18, wad())
	baseWei.Quo(baseWei, scaled)
	bonusWei := new(big.Int).Mul(baseWei, new(big.Int).SetUint64(cfg.LiquidationBonusBps))
	bonusWei.Quo(bonusWei, big.NewInt(10_000))
	seizeWei := new(big.Int).Add(baseWei, bonusWei)

	now := e.clock()
	if _, _, err := e.credit.Repay(id, repay, now); err != nil {
		e.reject(op, err)
		return nil, classify(op, err)
	}
	seized, remaining, err := e.collateral.Seize(id, seizeWei, now)
	if err != nil {
		e.reject(op, err)
		return nil, classify(op, err)
	}

	order, _ := e.collateral.Get(id)
	pos, _ := e.credit.Get(id)
	e.commit(ctx, order)
	e.commitPosition(ctx, pos)
	if e.metrics != nil {
		e.metrics.LiquidationsTriggered.WithLabelValues(plan.order.ReserveID).Inc()
	}
	e.metrics.ObserveOp(op, start)

	result := &LiquidationResult{
		Terminal:   false,
		DebtRepaid: repay,
		SeizedWei:  seized,
		BonusWei:   bonusWei,
		Order:      order,
	}

	// The mirrored amount must track the reduced collateral.
	msg := bridge.Message{
		OrderID:            id,
		Kind:               bridge.KindNotify,
		Seq:                e.relayer.NextSeq(id.Hex(), string(bridge.KindNotify)),
		CollateralTotalWei: remaining,
	}
	outcome, rerr := e.relay(ctx, op, msg)
	result.Relay = outcome
	if rerr != nil {
		return result, rerr
	}

	e.metrics.OpApplied(op)
	e.logger.Warn().
		Str("order_id", id.Hex()).
		Str("debt_repaid", repay.String()).
		Str("seized_wei", seized.String()).
		Msg("partial liquidation applied")
	return result, nil
}

// executeLiquidation is the opportunistic path taken when a borrow finds
// the position already past its threshold.
func (e *Engine) executeLiquidation(ctx context.Context, id common.Hash, reserveID string) {
	now := e.clock()
	if err := e.collateral.MarkLiquidated(id, now); err != nil {
		e.logger.Error().Err(err).Str("order_id", id.Hex()).Msg("opportunistic liquidation: mark collateral")
		return
	}
	if err := e.credit.Close(id, now); err != nil && !errors.Is(err, ledger.ErrPositionClosed) {
		panic("FATAL: order " + id.Hex() + " liquidated on collateral side but credit close failed: " + err.Error())
	}
	order, _ := e.collateral.Get(id)
	pos, _ := e.credit.Get(id)
	e.commit(ctx, order)
	e.commitPosition(ctx, pos)
	if e.metrics != nil {
		e.metrics.LiquidationsTriggered.WithLabelValues(reserveID).Inc()
	}
	e.logger.Warn().Str("order_id", id.Hex()).Msg("opportunistic liquidation on borrow")
}

func errNotLiquidatable(id common.Hash) error {
	return &notLiquidatableError{id: id}
}

type notLiquidatableError struct{ id common.Hash }

func (e *notLiquidatableError) Error() string {
	return "order " + e.id.Hex() + " is below its liquidation threshold"
}

func wad() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
}
