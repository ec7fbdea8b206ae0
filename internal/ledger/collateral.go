package ledger

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// CollateralLedger is the authoritative record of locked collateral per
// order on the collateral chain. Each order has a single writer (the state
// machine serializes per order), so the lock here only protects the map for
// concurrent access across different orders.
type CollateralLedger struct {
	mu     sync.RWMutex
	orders map[common.Hash]*Order
}

func NewCollateralLedger() *CollateralLedger {
	return &CollateralLedger{orders: make(map[common.Hash]*Order)}
}

// Create persists a fresh order with zero collateral. The id must not have
// been used before.
func (l *CollateralLedger) Create(id common.Hash, owner common.Address, reserveID string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.orders[id]; exists {
		return ErrOrderExists
	}
	l.orders[id] = &Order{
		ID:               id,
		Owner:            owner,
		ReserveID:        reserveID,
		CollateralAmount: big.NewInt(0),
		UnlockedAmount:   big.NewInt(0),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return nil
}

// Restore loads a persisted order during startup recovery, replacing any
// existing entry for the same id.
func (l *CollateralLedger) Restore(o *Order) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders[o.ID] = o.clone()
}

// Get returns a copy of the order; mutations on the result never reach the
// ledger.
func (l *CollateralLedger) Get(id common.Hash) (*Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.orders[id]
	if !ok {
		return nil, false
	}
	return o.clone(), true
}

// ListByOwner returns copies of all orders belonging to an owner.
func (l *CollateralLedger) ListByOwner(owner common.Address) []*Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Order
	for _, o := range l.orders {
		if o.Owner == owner {
			out = append(out, o.clone())
		}
	}
	return out
}

// Fund deposits the first collateral into an unfunded order and returns the
// new collateral total.
func (l *CollateralLedger) Fund(id common.Hash, amount *big.Int, now time.Time) (*big.Int, error) {
	if err := positiveAmount(amount); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Liquidated {
		return nil, ErrOrderLiquidated
	}
	if o.Funded {
		return nil, ErrAlreadyFunded
	}
	o.CollateralAmount.Add(o.CollateralAmount, amount)
	o.Funded = true
	o.touch(now)
	return new(big.Int).Set(o.CollateralAmount), nil
}

// AddCollateral tops up a funded order and returns the new collateral total.
func (l *CollateralLedger) AddCollateral(id common.Hash, amount *big.Int, now time.Time) (*big.Int, error) {
	if err := positiveAmount(amount); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Liquidated {
		return nil, ErrOrderLiquidated
	}
	if !o.Funded {
		return nil, ErrNotFunded
	}
	o.CollateralAmount.Add(o.CollateralAmount, amount)
	o.touch(now)
	return new(big.Int).Set(o.CollateralAmount), nil
}

// ApplyUnlock credits unlocked collateral from a repay-notify relay. The
// unlock is capped at the remaining locked amount: exceeding it means a
// relay computed more than the order holds, which is clamped and reported
// so the caller can flag the invariant breach. When fullRepay is set and
// the order ends fully unlocked, Repaid latches true.
func (l *CollateralLedger) ApplyUnlock(id common.Hash, unlockWei *big.Int, fullRepay bool, now time.Time) (applied *big.Int, clamped bool, err error) {
	if err := positiveAmount(unlockWei); err != nil {
		return nil, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return nil, false, ErrOrderNotFound
	}
	if o.Liquidated {
		return nil, false, ErrOrderLiquidated
	}

	room := new(big.Int).Sub(o.CollateralAmount, o.UnlockedAmount)
	applied = new(big.Int).Set(unlockWei)
	if applied.Cmp(room) > 0 {
		applied.Set(room)
		clamped = true
	}
	o.UnlockedAmount.Add(o.UnlockedAmount, applied)
	if fullRepay && o.UnlockedAmount.Cmp(o.CollateralAmount) == 0 {
		o.Repaid = true
	}
	o.touch(now)
	return applied, clamped, nil
}

// Withdraw removes min(unlocked, collateral) from the order and returns the
// withdrawn amount. When the collateral reaches zero the order is
// terminal-withdrawn (reported via closed).
func (l *CollateralLedger) Withdraw(id common.Hash, now time.Time) (withdrawn *big.Int, closed bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return nil, false, ErrOrderNotFound
	}
	if o.Liquidated {
		return nil, false, ErrOrderLiquidated
	}
	if o.UnlockedAmount.Sign() == 0 {
		return nil, false, ErrNothingUnlocked
	}

	withdrawn = new(big.Int).Set(o.UnlockedAmount)
	if withdrawn.Cmp(o.CollateralAmount) > 0 {
		withdrawn.Set(o.CollateralAmount)
	}
	o.CollateralAmount.Sub(o.CollateralAmount, withdrawn)
	o.UnlockedAmount.Sub(o.UnlockedAmount, withdrawn)
	o.touch(now)
	return withdrawn, o.CollateralAmount.Sign() == 0, nil
}

// Seize removes collateral during a partial liquidation. The amount is
// capped at the remaining collateral and the unlocked amount is trimmed to
// stay within the new total.
func (l *CollateralLedger) Seize(id common.Hash, amountWei *big.Int, now time.Time) (seized, remaining *big.Int, err error) {
	if err := positiveAmount(amountWei); err != nil {
		return nil, nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return nil, nil, ErrOrderNotFound
	}
	if o.Liquidated {
		return nil, nil, ErrOrderLiquidated
	}
	if !o.Funded {
		return nil, nil, ErrNotFunded
	}

	seized = new(big.Int).Set(amountWei)
	if seized.Cmp(o.CollateralAmount) > 0 {
		seized.Set(o.CollateralAmount)
	}
	o.CollateralAmount.Sub(o.CollateralAmount, seized)
	if o.UnlockedAmount.Cmp(o.CollateralAmount) > 0 {
		o.UnlockedAmount.Set(o.CollateralAmount)
	}
	o.touch(now)
	return seized, new(big.Int).Set(o.CollateralAmount), nil
}

// MarkLiquidated seizes the order: remaining collateral stays locked and no
// further state change is possible.
func (l *CollateralLedger) MarkLiquidated(id common.Hash, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Liquidated {
		return ErrOrderLiquidated
	}
	o.Liquidated = true
	o.touch(now)
	return nil
}

func (o *Order) touch(now time.Time) {
	o.UpdatedAt = now
	o.Version++
}
