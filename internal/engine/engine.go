// Package engine is the order state machine: the single coordinator that
// drives an order through create, fund, mirror, borrow, repay, withdraw and
// liquidate, calling the risk engine for every guard and the bridge relayer
// for every cross-ledger effect.
package engine

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"crosslend/internal/bridge"
	"crosslend/internal/ledger"
	"crosslend/internal/observability"
	"crosslend/internal/oracle"
	"crosslend/internal/reserve"
)

// Store is the optional durable write-through. A nil Store keeps the engine
// purely in-memory, which is how the tests run.
type Store interface {
	SaveOrder(ctx context.Context, o *ledger.Order) error
	SavePosition(ctx context.Context, p *ledger.MirroredPosition) error
	RecordRelay(ctx context.Context, m bridge.Message, delivered bool) error
}

// Engine coordinates the two ledgers. Operations on the same order are
// serialized by an in-flight guard; operations on different orders proceed
// concurrently.
type Engine struct {
	collateral *ledger.CollateralLedger
	credit     *ledger.CreditLedger
	reserves   *reserve.Registry
	feed       oracle.FeedClient
	relayer    *bridge.Relayer
	dedup      *bridge.Deduper
	store      Store
	logger     zerolog.Logger
	metrics    *observability.Metrics

	// clock is swappable in tests.
	clock func() time.Time

	mu       sync.Mutex
	inFlight map[common.Hash]struct{}

	// lastPrice is the last accepted scaled price per feed, the baseline
	// for the deviation circuit breaker.
	priceMu   sync.Mutex
	lastPrice map[string]*big.Int
}

func New(
	collateral *ledger.CollateralLedger,
	credit *ledger.CreditLedger,
	reserves *reserve.Registry,
	feed oracle.FeedClient,
	relayer *bridge.Relayer,
	dedup *bridge.Deduper,
	store Store,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Engine {
	return &Engine{
		collateral: collateral,
		credit:     credit,
		reserves:   reserves,
		feed:       feed,
		relayer:    relayer,
		dedup:      dedup,
		store:      store,
		logger:     logger,
		metrics:    metrics,
		clock:      time.Now,
		inFlight:   make(map[common.Hash]struct{}),
		lastPrice:  make(map[string]*big.Int),
	}
}

// acquire claims the per-order in-flight slot. Concurrent state-changing
// operations on the same order are undefined at the ledger level, so the
// second caller is rejected up front rather than interleaved.
func (e *Engine) acquire(id common.Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[id]; busy {
		return ErrOrderBusy
	}
	e.inFlight[id] = struct{}{}
	return nil
}

func (e *Engine) release(id common.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, id)
}

// RelayOutcome reports what happened to an operation's cross-ledger leg.
// Delivered false with a non-zero Pending means the message is in flight;
// the origin-side change is final either way.
type RelayOutcome struct {
	Key       string
	Delivered bool
	Pending   bridge.Pending
}

// OrderResult is the common result of collateral-side operations.
type OrderResult struct {
	Order *ledger.Order
	Relay *RelayOutcome
}

// Create registers a fresh order. No relay: the credit side learns about
// the order only when collateral arrives.
func (e *Engine) Create(ctx context.Context, id common.Hash, owner common.Address, reserveID string) (*OrderResult, error) {
	const op = "create"
	if _, ok := e.reserves.Get(reserveID); !ok {
		return nil, opErr(op, KindNotFound, errUnknownReserve(reserveID))
	}
	if err := e.acquire(id); err != nil {
		return nil, classify(op, err)
	}
	defer e.release(id)
	start := time.Now()

	if err := e.collateral.Create(id, owner, reserveID, e.clock()); err != nil {
		e.reject(op, err)
		return nil, classify(op, err)
	}
	order, _ := e.collateral.Get(id)
	e.commit(ctx, order)
	e.metrics.ObserveOp(op, start)
	e.metrics.OpApplied(op)
	return &OrderResult{Order: order}, nil
}

// Fund deposits the initial collateral and mirrors the total to the credit
// side. The local deposit commits before the relay leg; a relay timeout
// leaves it committed.
func (e *Engine) Fund(ctx context.Context, id common.Hash, amountWei *big.Int) (*OrderResult, error) {
	const op = "fund"
	if err := e.acquire(id); err != nil {
		return nil, classify(op, err)
	}
	defer e.release(id)

	start := time.Now()
	total, err := e.collateral.Fund(id, amountWei, e.clock())
	if err != nil {
		e.reject(op, err)
		return nil, classify(op, err)
	}
	order, _ := e.collateral.Get(id)
	e.commit(ctx, order)
	e.metrics.ObserveOp(op, start)
	return e.relayNotify(ctx, op, order, total)
}

// AddCollateral tops up an already funded order and mirrors the new total.
func (e *Engine) AddCollateral(ctx context.Context, id common.Hash, amountWei *big.Int) (*OrderResult, error) {
	const op = "add_collateral"
	if err := e.acquire(id); err != nil {
		return nil, classify(op, err)
	}
	defer e.release(id)

	start := time.Now()
	total, err := e.collateral.AddCollateral(id, amountWei, e.clock())
	if err != nil {
		e.reject(op, err)
		return nil, classify(op, err)
	}
	order, _ := e.collateral.Get(id)
	e.commit(ctx, order)
	e.metrics.ObserveOp(op, start)
	return e.relayNotify(ctx, op, order, total)
}

// BorrowResult reports a borrow: debt after the borrow, the origination fee
// withheld from the disbursed amount, and the health factor at borrow time.
type BorrowResult struct {
	Position        *ledger.MirroredPosition
	Fee             *big.Int
	Disbursed       *big.Int
	HealthFactorBps *big.Int
}

// Borrow mints credit against the mirrored collateral. The request is
// rejected, not clamped, when it would push debt past the LTV bound. Debt
// lives only on the credit ledger, so no relay leg is needed.
func (e *Engine) Borrow(ctx context.Context, id common.Hash, amountUnits *big.Int) (*BorrowResult, error) {
	const op = "borrow"
	if err := e.acquire(id); err != nil {
		return nil, classify(op, err)
	}
	defer e.release(id)
	start := time.Now()

	plan, perr := e.planBorrow(ctx, op, id, amountUnits)
	if perr != nil {
		e.reject(op, perr)
		return nil, perr
	}

	// Opportunistic liquidation check: a position already past its
	// threshold is seized instead of lent more.
	if plan.liquidatable {
		e.executeLiquidation(ctx, id, plan.order.ReserveID)
		return nil, opErr(op, KindPrecondition, errLiquidatable(id))
	}

	now := e.clock()
	if _, err := e.credit.Borrow(id, amountUnits, now); err != nil {
		e.reject(op, err)
		return nil, classify(op, err)
	}
	e.credit.AccrueFee(plan.fee)

	pos, _ := e.credit.Get(id)
	e.commitPosition(ctx, pos)
	e.metrics.ObserveOp(op, start)
	e.metrics.OpApplied(op)
	e.logger.Info().
		Str("order_id", id.Hex()).
		Str("amount", amountUnits.String()).
		Str("fee", plan.fee.String()).
		Str("health_factor_bps", plan.healthAfter.String()).
		Msg("borrow applied")
	return &BorrowResult{
		Position:        pos,
		Fee:             plan.fee,
		Disbursed:       new(big.Int).Sub(amountUnits, plan.fee),
		HealthFactorBps: plan.healthAfter,
	}, nil
}

// RepayResult reports a repayment and its collateral unlock.
type RepayResult struct {
	DebtBefore *big.Int
	DebtAfter  *big.Int
	UnlockWei  *big.Int
	FullRepay  bool
	Relay      *RelayOutcome
}

// Repay burns debt on the credit ledger and relays the proportional unlock
// to the collateral side. Repaying the full debt unlocks all collateral.
func (e *Engine) Repay(ctx context.Context, id common.Hash, amountUnits *big.Int) (*RepayResult, error) {
	const op = "repay"
	if err := e.acquire(id); err != nil {
		return nil, classify(op, err)
	}
	defer e.release(id)
	start := time.Now()

	plan, perr := e.planRepay(op, id, amountUnits)
	if perr != nil {
		e.reject(op, perr)
		return nil, perr
	}

	now := e.clock()
	before, after, err := e.credit.Repay(id, amountUnits, now)
	if err != nil {
		e.reject(op, err)
		return nil, classify(op, err)
	}
	pos, _ := e.credit.Get(id)
	e.commitPosition(ctx, pos)
	e.metrics.ObserveOp(op, start)

	result := &RepayResult{
		DebtBefore: before,
		DebtAfter:  after,
		UnlockWei:  plan.unlockWei,
		FullRepay:  after.Sign() == 0,
	}

	msg := bridge.Message{
		OrderID:     id,
		Kind:        bridge.KindRepayNotify,
		Seq:         e.relayer.NextSeq(id.Hex(), string(bridge.KindRepayNotify)),
		RepayAmount: amountUnits,
		UnlockWei:   plan.unlockWei,
		FullRepay:   result.FullRepay,
	}
	outcome, rerr := e.relay(ctx, op, msg)
	result.Relay = outcome
	if rerr != nil {
		return result, rerr
	}

	e.metrics.OpApplied(op)
	e.logger.Info().
		Str("order_id", id.Hex()).
		Str("repaid", amountUnits.String()).
		Str("unlocked_wei", plan.unlockWei.String()).
		Bool("full_repay", result.FullRepay).
		Msg("repay applied")
	return result, nil
}

// Withdraw transfers out the unlocked collateral. When the order empties it
// becomes terminal-withdrawn and the credit side is told to close.
func (e *Engine) Withdraw(ctx context.Context, id common.Hash) (*WithdrawResult, error) {
	const op = "withdraw"
	if err := e.acquire(id); err != nil {
		return nil, classify(op, err)
	}
	defer e.release(id)
	start := time.Now()

	withdrawn, closed, err := e.collateral.Withdraw(id, e.clock())
	if err != nil {
		e.reject(op, err)
		return nil, classify(op, err)
	}
	order, _ := e.collateral.Get(id)
	e.commit(ctx, order)
	e.metrics.ObserveOp(op, start)

	result := &WithdrawResult{Order: order, Withdrawn: withdrawn, Closed: closed}
	if !closed {
		e.metrics.OpApplied(op)
		return result, nil
	}

	// Zero-total notify tells the credit side the order is fully
	// withdrawn and the position should close.
	msg := bridge.Message{
		OrderID:            id,
		Kind:               bridge.KindNotify,
		Seq:                e.relayer.NextSeq(id.Hex(), string(bridge.KindNotify)),
		CollateralTotalWei: big.NewInt(0),
	}
	outcome, rerr := e.relay(ctx, op, msg)
	result.Relay = outcome
	if rerr != nil {
		return result, rerr
	}
	e.metrics.OpApplied(op)
	return result, nil
}

// WithdrawResult reports a withdrawal.
type WithdrawResult struct {
	Order     *ledger.Order
	Withdrawn *big.Int
	Closed    bool
	Relay     *RelayOutcome
}

// relayNotify mirrors the current collateral total and waits for delivery.
func (e *Engine) relayNotify(ctx context.Context, op string, order *ledger.Order, total *big.Int) (*OrderResult, error) {
	msg := bridge.Message{
		OrderID:            order.ID,
		Kind:               bridge.KindNotify,
		Seq:                e.relayer.NextSeq(order.ID.Hex(), string(bridge.KindNotify)),
		CollateralTotalWei: total,
	}
	outcome, err := e.relay(ctx, op, msg)
	result := &OrderResult{Order: order, Relay: outcome}
	if err != nil {
		return result, err
	}
	e.metrics.OpApplied(op)
	return result, nil
}

// relay submits a message and polls for its delivery. Errors out of here
// never mean the origin-side change was lost.
func (e *Engine) relay(ctx context.Context, op string, msg bridge.Message) (*RelayOutcome, error) {
	// The pending row lands before the send: a failed submit then leaves
	// a durable record an operator can replay against the already
	// committed origin-side change.
	if e.store != nil {
		if err := e.store.RecordRelay(ctx, msg, false); err != nil {
			e.logger.Error().Err(err).Str("key", msg.IdempotencyKey()).Msg("record relay message")
		}
	}
	if _, err := e.relayer.Submit(ctx, msg); err != nil {
		e.reject(op, err)
		return nil, classify(op, err)
	}

	pending, err := e.relayer.AwaitDelivery(ctx, msg)
	outcome := &RelayOutcome{
		Key:       msg.IdempotencyKey(),
		Delivered: err == nil,
		Pending:   pending,
	}
	if err != nil {
		return outcome, classify(op, err)
	}
	if e.store != nil {
		if serr := e.store.RecordRelay(ctx, msg, true); serr != nil {
			e.logger.Error().Err(serr).Str("key", msg.IdempotencyKey()).Msg("mark relay delivered")
		}
	}
	return outcome, nil
}

func (e *Engine) commit(ctx context.Context, order *ledger.Order) {
	if e.store != nil && order != nil {
		if err := e.store.SaveOrder(ctx, order); err != nil {
			e.logger.Error().Err(err).Str("order_id", order.ID.Hex()).Msg("persist order")
		}
	}
}

func (e *Engine) commitPosition(ctx context.Context, pos *ledger.MirroredPosition) {
	if e.store != nil && pos != nil {
		if err := e.store.SavePosition(ctx, pos); err != nil {
			e.logger.Error().Err(err).Str("order_id", pos.OrderID.Hex()).Msg("persist position")
		}
	}
}

// GetOrder returns the collateral-side view of an order.
func (e *Engine) GetOrder(id common.Hash) (*ledger.Order, bool) {
	return e.collateral.Get(id)
}

// GetPosition returns the credit-side view of an order.
func (e *Engine) GetPosition(id common.Hash) (*ledger.MirroredPosition, bool) {
	return e.credit.Get(id)
}

// ListOrdersByOwner returns all orders held by one owner.
func (e *Engine) ListOrdersByOwner(owner common.Address) []*ledger.Order {
	return e.collateral.ListByOwner(owner)
}

func (e *Engine) reject(op string, err error) {
	if oe, ok := err.(*OpError); ok {
		e.metrics.OpRejected(op, string(oe.Kind))
		return
	}
	e.metrics.OpRejected(op, "precondition")
}
