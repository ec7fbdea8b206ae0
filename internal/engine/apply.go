package engine

import (
	"context"
	"errors"

	"crosslend/internal/bridge"
	"crosslend/internal/ledger"
)

// Deliver is the credit/collateral-side relay handler; the engine is the
// bridge consumer's Sink. Deduplication happens here so direct loopback
// delivery and the NATS consumer share one idempotency barrier.
// A duplicate returns ErrDuplicateMirror, which callers treat as success.
func (e *Engine) Deliver(m bridge.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if e.dedup != nil && e.dedup.Seen(m) {
		return bridge.ErrDuplicateMirror
	}

	switch m.Kind {
	case bridge.KindNotify:
		if err := e.applyNotify(m); err != nil {
			return err
		}
	case bridge.KindRepayNotify:
		if err := e.applyRepayNotify(m); err != nil {
			return err
		}
	}

	if e.dedup != nil {
		e.dedup.Mark(m)
	}
	// The delivered flag is what the origin side's delivery poll observes.
	if e.store != nil {
		if err := e.store.RecordRelay(context.Background(), m, true); err != nil {
			e.logger.Error().Err(err).Str("key", m.IdempotencyKey()).Msg("mark relay delivered")
		}
	}
	if e.metrics != nil {
		e.metrics.RelayApplied.WithLabelValues(string(m.Kind)).Inc()
	}
	return nil
}

// applyNotify mirrors the reported collateral total. A zero total means
// the order was fully withdrawn and the position closes.
func (e *Engine) applyNotify(m bridge.Message) error {
	now := e.clock()
	if m.CollateralTotalWei.Sign() == 0 {
		err := e.credit.Close(m.OrderID, now)
		if err != nil && !errors.Is(err, ledger.ErrPositionClosed) && !errors.Is(err, ledger.ErrPositionNotFound) {
			return err
		}
	} else if err := e.credit.ApplyNotify(m.OrderID, m.CollateralTotalWei, now); err != nil {
		return err
	}

	if pos, ok := e.credit.Get(m.OrderID); ok {
		e.commitPosition(context.Background(), pos)
	}
	return nil
}

// applyRepayNotify credits the unlocked collateral computed by the credit
// side. An unlock exceeding the locked amount is clamped by the ledger;
// that clamping signals a relay computed more than the order holds, which
// is a logic bug, so it is logged at error level rather than hidden.
func (e *Engine) applyRepayNotify(m bridge.Message) error {
	if m.UnlockWei.Sign() == 0 {
		// Tiny repayments can floor to a zero unlock; nothing to apply.
		return nil
	}

	_, clamped, err := e.collateral.ApplyUnlock(m.OrderID, m.UnlockWei, m.FullRepay, e.clock())
	if err != nil {
		return err
	}
	if clamped {
		e.logger.Error().
			Str("order_id", m.OrderID.Hex()).
			Str("unlock_wei", m.UnlockWei.String()).
			Msg("invariant breach: relayed unlock exceeded locked collateral, clamped")
	}

	if order, ok := e.collateral.Get(m.OrderID); ok {
		e.commit(context.Background(), order)
	}
	return nil
}
