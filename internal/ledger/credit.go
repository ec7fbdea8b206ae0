package ledger

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// CreditLedger is the credit chain's record of mirrored positions and
// outstanding debt. Like the collateral side it is single-writer per order.
type CreditLedger struct {
	mu        sync.RWMutex
	positions map[common.Hash]*MirroredPosition

	// treasuryFees accumulates origination fees in credit units.
	treasuryFees *big.Int
}

func NewCreditLedger() *CreditLedger {
	return &CreditLedger{
		positions:    make(map[common.Hash]*MirroredPosition),
		treasuryFees: big.NewInt(0),
	}
}

// Restore loads a persisted position during startup recovery.
func (l *CreditLedger) Restore(p *MirroredPosition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions[p.OrderID] = p.clone()
}

// Get returns a copy of the mirrored position.
func (l *CreditLedger) Get(id common.Hash) (*MirroredPosition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[id]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// ApplyNotify applies a collateral-total mirror message: it opens the
// position on first delivery and thereafter replaces the mirrored amount
// with the reported total. Replaying the same total is harmless, which is
// what makes the relay handler idempotent once deduplication has passed.
func (l *CreditLedger) ApplyNotify(id common.Hash, collateralTotalWei *big.Int, now time.Time) error {
	if err := positiveAmount(collateralTotalWei); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[id]
	if !ok {
		l.positions[id] = &MirroredPosition{
			OrderID:      id,
			EthAmountWei: new(big.Int).Set(collateralTotalWei),
			BorrowedUsd:  big.NewInt(0),
			Open:         true,
			UpdatedAt:    now,
		}
		return nil
	}
	if !p.Open {
		return ErrPositionClosed
	}
	p.EthAmountWei.Set(collateralTotalWei)
	p.touch(now)
	return nil
}

// Borrow adds to the outstanding debt. Risk checks happen in the engine;
// the ledger only guards the record-local invariants.
func (l *CreditLedger) Borrow(id common.Hash, amount *big.Int, now time.Time) (*big.Int, error) {
	if err := positiveAmount(amount); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[id]
	if !ok {
		return nil, ErrPositionNotFound
	}
	if !p.Open {
		return nil, ErrPositionClosed
	}
	p.BorrowedUsd.Add(p.BorrowedUsd, amount)
	p.touch(now)
	return new(big.Int).Set(p.BorrowedUsd), nil
}

// Repay reduces outstanding debt and returns the debt before and after. The
// amount must not exceed the debt.
func (l *CreditLedger) Repay(id common.Hash, amount *big.Int, now time.Time) (before, after *big.Int, err error) {
	if err := positiveAmount(amount); err != nil {
		return nil, nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[id]
	if !ok {
		return nil, nil, ErrPositionNotFound
	}
	if !p.Open {
		return nil, nil, ErrPositionClosed
	}
	if p.BorrowedUsd.Sign() == 0 {
		return nil, nil, ErrNoDebt
	}
	if amount.Cmp(p.BorrowedUsd) > 0 {
		return nil, nil, ErrRepayExceedsDebt
	}
	before = new(big.Int).Set(p.BorrowedUsd)
	p.BorrowedUsd.Sub(p.BorrowedUsd, amount)
	p.touch(now)
	return before, new(big.Int).Set(p.BorrowedUsd), nil
}

// Close marks the position closed (liquidated or fully withdrawn).
func (l *CreditLedger) Close(id common.Hash, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[id]
	if !ok {
		return ErrPositionNotFound
	}
	if !p.Open {
		return ErrPositionClosed
	}
	p.Open = false
	p.touch(now)
	return nil
}

// AccrueFee adds an origination fee to the treasury counter.
func (l *CreditLedger) AccrueFee(amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.treasuryFees.Add(l.treasuryFees, amount)
}

// TreasuryFees returns the accumulated origination fees.
func (l *CreditLedger) TreasuryFees() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.treasuryFees)
}

func (p *MirroredPosition) touch(now time.Time) {
	p.UpdatedAt = now
	p.Version++
}
