package engine

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"crosslend/internal/bridge"
	"crosslend/internal/ledger"
	"crosslend/internal/oracle"
	"crosslend/internal/reserve"
)

type testRig struct {
	engine     *Engine
	collateral *ledger.CollateralLedger
	credit     *ledger.CreditLedger
	feed       *oracle.StaticFeed
	loopback   *bridge.Loopback
}

func newRig(t *testing.T, cfgs ...reserve.Config) *testRig {
	t.Helper()
	if len(cfgs) == 0 {
		cfg := reserve.DefaultConfigs()[0]
		// Most scenarios drive the feed through large price swings; the
		// deviation breaker gets its own scenario with the bound restored.
		cfg.MaxPriceDeviationBps = 0
		cfgs = []reserve.Config{cfg}
	}
	registry, err := reserve.NewRegistry(cfgs)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	collateral := ledger.NewCollateralLedger()
	credit := ledger.NewCreditLedger()
	feed := oracle.NewStaticFeed()
	feed.Set("eth-usd", 2000_00000000, -8) // $2000

	rig := &testRig{collateral: collateral, credit: credit, feed: feed}

	dedup := bridge.NewDeduper(256, nil, nil)
	rig.engine = New(collateral, credit, registry, feed, nil, dedup, nil, zerolog.Nop(), nil)
	rig.loopback = bridge.NewLoopback(rig.engine, big.NewInt(100))
	relayer := bridge.NewRelayer(rig.loopback, bridge.FeePolicy{BufferBps: 500}, zerolog.Nop(), nil)
	relayer.PollInterval = time.Millisecond
	relayer.MaxPollAttempts = 10
	rig.engine.relayer = relayer
	return rig
}

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

var (
	orderA = common.HexToHash("0x01")
	ownerA = common.HexToAddress("0xaa")
)

func mustFunded(t *testing.T, rig *testRig, id common.Hash, amount *big.Int) {
	t.Helper()
	if _, err := rig.engine.Create(t.Context(), id, ownerA, "eth-main"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := rig.engine.Fund(t.Context(), id, amount); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func kindOf(t *testing.T, err error) Kind {
	t.Helper()
	var oe *OpError
	if !errors.As(err, &oe) {
		t.Fatalf("error %v is not an OpError", err)
	}
	return oe.Kind
}

func TestFundMirrorsCollateral(t *testing.T) {
	rig := newRig(t)
	mustFunded(t, rig, orderA, eth(1))

	order, _ := rig.collateral.Get(orderA)
	pos, ok := rig.credit.Get(orderA)
	if !ok {
		t.Fatal("position not mirrored after fund")
	}
	if pos.EthAmountWei.Cmp(order.CollateralAmount) != 0 {
		t.Fatalf("mirror mismatch: position %s, order %s", pos.EthAmountWei, order.CollateralAmount)
	}
	if !pos.Open {
		t.Fatal("mirrored position not open")
	}
}

func TestAddCollateralUpdatesMirror(t *testing.T) {
	rig := newRig(t)
	mustFunded(t, rig, orderA, eth(1))

	if _, err := rig.engine.AddCollateral(t.Context(), orderA, eth(2)); err != nil {
		t.Fatalf("add collateral: %v", err)
	}
	pos, _ := rig.credit.Get(orderA)
	if pos.EthAmountWei.Cmp(eth(3)) != 0 {
		t.Fatalf("mirrored amount = %s, want 3 ETH", pos.EthAmountWei)
	}
}

func TestDuplicateDeliveryAppliesOnce(t *testing.T) {
	rig := newRig(t)
	rig.loopback.DeliverTwice = true
	mustFunded(t, rig, orderA, eth(1))

	pos, _ := rig.credit.Get(orderA)
	if pos.EthAmountWei.Cmp(eth(1)) != 0 {
		t.Fatalf("duplicate delivery changed state: mirrored %s, want 1 ETH", pos.EthAmountWei)
	}
}

func TestBorrowWithinBound(t *testing.T) {
	rig := newRig(t)
	mustFunded(t, rig, orderA, eth(1))

	// 1 ETH at $2000 with 70% max LTV allows 1400 credit units.
	res, err := rig.engine.Borrow(t.Context(), orderA, usd(840))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if res.Position.BorrowedUsd.Cmp(usd(840)) != 0 {
		t.Fatalf("debt = %s, want 840 units", res.Position.BorrowedUsd)
	}

	if _, err := rig.engine.Borrow(t.Context(), orderA, usd(560)); err != nil {
		t.Fatalf("borrow to exact limit: %v", err)
	}
	_, err = rig.engine.Borrow(t.Context(), orderA, big.NewInt(1))
	if kindOf(t, err) != KindPrecondition {
		t.Fatalf("over-limit borrow kind = %v, want precondition", err)
	}
}

func TestBorrowRejectsUnmirroredOrder(t *testing.T) {
	rig := newRig(t)
	rig.loopback.DropAll = true
	if _, err := rig.engine.Create(t.Context(), orderA, ownerA, "eth-main"); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := rig.engine.Fund(t.Context(), orderA, eth(1))
	if kindOf(t, err) != KindRelayTimeout {
		t.Fatalf("fund with dropped relay = %v, want relay timeout", err)
	}

	// Notify never landed: the credit side has no position yet.
	if _, err := rig.engine.Borrow(t.Context(), orderA, usd(100)); err == nil {
		t.Fatal("borrow against unmirrored order succeeded")
	}
}

func TestRelayTimeoutLeavesOriginCommitted(t *testing.T) {
	rig := newRig(t)
	rig.loopback.DropAll = true
	if _, err := rig.engine.Create(t.Context(), orderA, ownerA, "eth-main"); err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := rig.engine.Fund(t.Context(), orderA, eth(1))
	if kindOf(t, err) != KindRelayTimeout {
		t.Fatalf("err = %v, want relay timeout", err)
	}
	if res == nil || res.Relay == nil || res.Relay.Delivered {
		t.Fatal("timeout must report an undelivered relay outcome")
	}
	if res.Relay.Pending.Attempts == 0 {
		t.Fatal("pending state must carry the attempt count")
	}

	order, _ := rig.collateral.Get(orderA)
	if !order.Funded || order.CollateralAmount.Cmp(eth(1)) != 0 {
		t.Fatal("origin-side fund must stay committed through a relay timeout")
	}
}

func TestStaleBorrowRejected(t *testing.T) {
	rig := newRig(t)
	mustFunded(t, rig, orderA, eth(1))

	rig.feed.FreezeTime = true
	rig.feed.SetSample(oracle.PriceSample{
		FeedID:      "eth-usd",
		Price:       2000_00000000,
		Expo:        -8,
		PublishTime: time.Now().Add(-time.Hour),
		UpdateFee:   big.NewInt(0),
	})

	_, err := rig.engine.Borrow(t.Context(), orderA, usd(100))
	if kindOf(t, err) != KindStalePrice {
		t.Fatalf("borrow on hour-old price = %v, want stale price", err)
	}
}

func TestProportionalUnlock(t *testing.T) {
	rig := newRig(t)
	mustFunded(t, rig, orderA, eth(1))
	if _, err := rig.engine.Borrow(t.Context(), orderA, usd(840)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Repaying 25% of the debt unlocks 25% of the collateral.
	res, err := rig.engine.Repay(t.Context(), orderA, usd(210))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	quarter := new(big.Int).Quo(eth(1), big.NewInt(4))
	if res.UnlockWei.Cmp(quarter) != 0 {
		t.Fatalf("unlock = %s, want 0.25 ETH", res.UnlockWei)
	}
	order, _ := rig.collateral.Get(orderA)
	if order.UnlockedAmount.Cmp(quarter) != 0 {
		t.Fatalf("unlocked = %s, want 0.25 ETH", order.UnlockedAmount)
	}
	if order.CollateralAmount.Cmp(eth(1)) != 0 {
		t.Fatal("repay must not change total collateral")
	}

	// Full repayment unlocks everything and latches repaid.
	res, err = rig.engine.Repay(t.Context(), orderA, usd(630))
	if err != nil {
		t.Fatalf("final repay: %v", err)
	}
	if !res.FullRepay {
		t.Fatal("final repay not reported as full")
	}
	order, _ = rig.collateral.Get(orderA)
	if order.UnlockedAmount.Cmp(eth(1)) != 0 || !order.Repaid {
		t.Fatalf("after full repay: unlocked %s repaid %v", order.UnlockedAmount, order.Repaid)
	}
}

func TestRepayBounds(t *testing.T) {
	rig := newRig(t)
	mustFunded(t, rig, orderA, eth(1))
	if _, err := rig.engine.Borrow(t.Context(), orderA, usd(100)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	_, err := rig.engine.Repay(t.Context(), orderA, usd(101))
	if kindOf(t, err) != KindPrecondition {
		t.Fatalf("over-repay = %v, want precondition", err)
	}

	if _, err := rig.engine.Repay(t.Context(), orderA, usd(100)); err != nil {
		t.Fatalf("full repay: %v", err)
	}
	_, err = rig.engine.Repay(t.Context(), orderA, usd(1))
	if kindOf(t, err) != KindPrecondition {
		t.Fatalf("repay with zero debt = %v, want precondition", err)
	}
}

func TestWithdrawLifecycle(t *testing.T) {
	rig := newRig(t)
	mustFunded(t, rig, orderA, eth(1))
	if _, err := rig.engine.Borrow(t.Context(), orderA, usd(840)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Nothing unlocked yet.
	_, err := rig.engine.Withdraw(t.Context(), orderA)
	if kindOf(t, err) != KindPrecondition {
		t.Fatalf("withdraw with zero unlocked = %v, want precondition", err)
	}

	if _, err := rig.engine.Repay(t.Context(), orderA, usd(840)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	res, err := rig.engine.Withdraw(t.Context(), orderA)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if res.Withdrawn.Cmp(eth(1)) != 0 || !res.Closed {
		t.Fatalf("withdrawn %s closed %v, want 1 ETH and closed", res.Withdrawn, res.Closed)
	}

	// The zero-total notify closes the mirrored position.
	pos, _ := rig.credit.Get(orderA)
	if pos.Open {
		t.Fatal("mirrored position still open after full withdrawal")
	}
}

func TestLiquidationPredicateAndTerminality(t *testing.T) {
	rig := newRig(t)
	mustFunded(t, rig, orderA, eth(1))
	if _, err := rig.engine.Borrow(t.Context(), orderA, usd(840)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// At $1200 the threshold value (80%) is 960 > 840 debt: not yet.
	rig.feed.Set("eth-usd", 1200_00000000, -8)
	_, err := rig.engine.Liquidate(t.Context(), orderA, nil)
	if kindOf(t, err) != KindPrecondition {
		t.Fatalf("liquidate above water = %v, want precondition", err)
	}

	// At $900 the threshold value is 720 < 840 debt: seize.
	rig.feed.Set("eth-usd", 900_00000000, -8)
	res, err := rig.engine.Liquidate(t.Context(), orderA, nil)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !res.Terminal {
		t.Fatal("full liquidation must be terminal")
	}
	if res.SeizedWei.Cmp(eth(1)) != 0 {
		t.Fatalf("seized %s, want all collateral", res.SeizedWei)
	}
	// 5% bonus on 1 ETH.
	wantBonus := new(big.Int).Quo(eth(1), big.NewInt(20))
	if res.BonusWei.Cmp(wantBonus) != 0 {
		t.Fatalf("bonus %s, want 0.05 ETH", res.BonusWei)
	}

	// Terminal: no further borrow, repay, or withdraw succeeds.
	if _, err := rig.engine.Borrow(t.Context(), orderA, usd(1)); err == nil {
		t.Fatal("borrow after liquidation succeeded")
	}
	if _, err := rig.engine.Repay(t.Context(), orderA, usd(1)); err == nil {
		t.Fatal("repay after liquidation succeeded")
	}
	if _, err := rig.engine.Withdraw(t.Context(), orderA); err == nil {
		t.Fatal("withdraw after liquidation succeeded")
	}
}

func TestPartialLiquidationRespectsCloseFactor(t *testing.T) {
	rig := newRig(t)
	mustFunded(t, rig, orderA, eth(1))
	if _, err := rig.engine.Borrow(t.Context(), orderA, usd(840)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	rig.feed.Set("eth-usd", 900_00000000, -8)

	// Close factor is 50%: asking to repay 600 caps at 420.
	res, err := rig.engine.Liquidate(t.Context(), orderA, usd(600))
	if err != nil {
		t.Fatalf("partial liquidate: %v", err)
	}
	if res.Terminal {
		t.Fatal("partial liquidation must not be terminal")
	}
	if res.DebtRepaid.Cmp(usd(420)) != 0 {
		t.Fatalf("debt repaid %s, want 420 (close factor cap)", res.DebtRepaid)
	}

	pos, _ := rig.credit.Get(orderA)
	if pos.BorrowedUsd.Cmp(usd(420)) != 0 {
		t.Fatalf("remaining debt %s, want 420", pos.BorrowedUsd)
	}
	order, _ := rig.collateral.Get(orderA)
	if order.Liquidated {
		t.Fatal("order marked terminal by partial liquidation")
	}
	// Mirror catches up with the reduced collateral via the relay.
	if pos.EthAmountWei.Cmp(order.CollateralAmount) != 0 {
		t.Fatalf("mirror %s != collateral %s after partial seize", pos.EthAmountWei, order.CollateralAmount)
	}
}

func TestOpportunisticLiquidationOnBorrow(t *testing.T) {
	rig := newRig(t)
	mustFunded(t, rig, orderA, eth(1))
	if _, err := rig.engine.Borrow(t.Context(), orderA, usd(840)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	rig.feed.Set("eth-usd", 900_00000000, -8)
	_, err := rig.engine.Borrow(t.Context(), orderA, usd(1))
	if kindOf(t, err) != KindPrecondition {
		t.Fatalf("borrow on underwater order = %v, want precondition", err)
	}
	order, _ := rig.collateral.Get(orderA)
	if !order.Liquidated {
		t.Fatal("underwater borrow must trigger the opportunistic seizure")
	}
}

func TestOriginationFeeAccrues(t *testing.T) {
	cfg := reserve.DefaultConfigs()[0]
	cfg.OriginationFeeBps = 100 // 1%
	rig := newRig(t, cfg)
	mustFunded(t, rig, orderA, eth(1))

	res, err := rig.engine.Borrow(t.Context(), orderA, usd(500))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if res.Fee.Cmp(usd(5)) != 0 {
		t.Fatalf("fee %s, want 5 units", res.Fee)
	}
	if res.Disbursed.Cmp(usd(495)) != 0 {
		t.Fatalf("disbursed %s, want 495 units", res.Disbursed)
	}
	if rig.credit.TreasuryFees().Cmp(usd(5)) != 0 {
		t.Fatalf("treasury %s, want 5 units", rig.credit.TreasuryFees())
	}
}

func TestInFlightGuardSerializesPerOrder(t *testing.T) {
	rig := newRig(t)
	mustFunded(t, rig, orderA, eth(1))

	if err := rig.engine.acquire(orderA); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err := rig.engine.Borrow(t.Context(), orderA, usd(100))
	if kindOf(t, err) != KindConflict {
		t.Fatalf("second in-flight op = %v, want conflict", err)
	}
	rig.engine.release(orderA)

	// A different order is unaffected.
	orderB := common.HexToHash("0x02")
	if _, err := rig.engine.Create(t.Context(), orderB, ownerA, "eth-main"); err != nil {
		t.Fatalf("create other order: %v", err)
	}
}

func TestSimulateMatchesExecution(t *testing.T) {
	rig := newRig(t)
	mustFunded(t, rig, orderA, eth(1))

	sim, err := rig.engine.SimulateBorrow(t.Context(), orderA, usd(840))
	if err != nil {
		t.Fatalf("simulate borrow: %v", err)
	}
	if sim.MaxBorrow18.Cmp(new(big.Int).Mul(big.NewInt(1400), eth(1))) != 0 {
		t.Fatalf("max borrow %s, want 1400e18", sim.MaxBorrow18)
	}
	if sim.SuggestedUnits.Cmp(usd(1400)) != 0 {
		t.Fatalf("suggested %s, want 1400 units", sim.SuggestedUnits)
	}

	// A rejected simulation means the real call is rejected too.
	if _, err := rig.engine.SimulateBorrow(t.Context(), orderA, usd(1401)); err == nil {
		t.Fatal("simulate over-limit borrow passed")
	}
	if _, err := rig.engine.Borrow(t.Context(), orderA, usd(1401)); err == nil {
		t.Fatal("over-limit borrow passed")
	}

	if _, err := rig.engine.Borrow(t.Context(), orderA, usd(840)); err != nil {
		t.Fatalf("borrow after clean simulation: %v", err)
	}

	rsim, err := rig.engine.SimulateRepay(orderA, usd(210))
	if err != nil {
		t.Fatalf("simulate repay: %v", err)
	}
	res, err := rig.engine.Repay(t.Context(), orderA, usd(210))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if rsim.UnlockWei.Cmp(res.UnlockWei) != 0 {
		t.Fatalf("simulated unlock %s != executed unlock %s", rsim.UnlockWei, res.UnlockWei)
	}
}

func TestSimulateFund(t *testing.T) {
	rig := newRig(t)
	if _, err := rig.engine.Create(t.Context(), orderA, ownerA, "eth-main"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := rig.engine.SimulateFund(orderA, eth(1)); err != nil {
		t.Fatalf("simulate fund: %v", err)
	}
	if _, err := rig.engine.Fund(t.Context(), orderA, eth(1)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := rig.engine.SimulateFund(orderA, eth(1)); err == nil {
		t.Fatal("simulate fund on funded order passed")
	}
}

func TestSimulateAddCollateral(t *testing.T) {
	rig := newRig(t)
	if _, err := rig.engine.Create(t.Context(), orderA, ownerA, "eth-main"); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A top-up needs a funded order; the first deposit is fund's job.
	if err := rig.engine.SimulateAddCollateral(orderA, eth(1)); err == nil {
		t.Fatal("simulate top-up on unfunded order passed")
	}
	if _, err := rig.engine.Fund(t.Context(), orderA, eth(1)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := rig.engine.SimulateAddCollateral(orderA, eth(1)); err != nil {
		t.Fatalf("simulate top-up on funded order: %v", err)
	}
	if _, err := rig.engine.AddCollateral(t.Context(), orderA, eth(1)); err != nil {
		t.Fatalf("add collateral after clean simulation: %v", err)
	}
	if err := rig.engine.SimulateFund(orderA, eth(1)); err == nil {
		t.Fatal("simulate fund on funded order passed")
	}
}

type relayRecord struct {
	key       string
	delivered bool
}

// recordingStore captures the relay rows the engine writes through.
type recordingStore struct {
	relays []relayRecord
}

func (s *recordingStore) SaveOrder(context.Context, *ledger.Order) error { return nil }

func (s *recordingStore) SavePosition(context.Context, *ledger.MirroredPosition) error {
	return nil
}

func (s *recordingStore) RecordRelay(_ context.Context, m bridge.Message, delivered bool) error {
	s.relays = append(s.relays, relayRecord{key: m.IdempotencyKey(), delivered: delivered})
	return nil
}

// rejectingTransport bounces every send on fee, so Submit fails even
// after its one re-quote.
type rejectingTransport struct{}

func (rejectingTransport) QuoteFee(context.Context) (*big.Int, error) { return big.NewInt(100), nil }
func (rejectingTransport) Send(context.Context, bridge.Message, *big.Int) (*bridge.Receipt, error) {
	return nil, bridge.ErrInsufficientFee
}
func (rejectingTransport) Poll(context.Context, string) (bool, error) { return false, nil }

func TestFailedSubmitLeavesPendingRecord(t *testing.T) {
	rig := newRig(t)
	store := &recordingStore{}
	rig.engine.store = store
	mustFunded(t, rig, orderA, eth(1))
	if _, err := rig.engine.Borrow(t.Context(), orderA, usd(840)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	rig.engine.relayer = bridge.NewRelayer(rejectingTransport{}, bridge.FeePolicy{}, zerolog.Nop(), nil)

	_, err := rig.engine.Repay(t.Context(), orderA, usd(210))
	if kindOf(t, err) != KindInsufficientFee {
		t.Fatalf("repay with bouncing fee = %v, want insufficient fee", err)
	}

	// The debt burn stays committed, so the repay-notify must already sit
	// in the durable log as pending for an operator to replay.
	pos, _ := rig.credit.Get(orderA)
	if pos.BorrowedUsd.Cmp(usd(630)) != 0 {
		t.Fatalf("debt after failed submit = %s, want 630 units", pos.BorrowedUsd)
	}
	wantKey := bridge.Message{OrderID: orderA, Kind: bridge.KindRepayNotify, Seq: 1}.IdempotencyKey()
	last := store.relays[len(store.relays)-1]
	if last.key != wantKey || last.delivered {
		t.Fatalf("last relay record = %+v, want pending %s", last, wantKey)
	}
}

func TestPriceDeviationCircuitBreaker(t *testing.T) {
	cfg := reserve.DefaultConfigs()[0]
	cfg.MaxPriceDeviationBps = 200
	rig := newRig(t, cfg)
	mustFunded(t, rig, orderA, eth(1))

	if _, err := rig.engine.Borrow(t.Context(), orderA, usd(100)); err != nil {
		t.Fatalf("borrow at baseline price: %v", err)
	}

	// $2000 to $2030 is 150 bps, inside the 200 bps bound.
	rig.feed.Set("eth-usd", 2030_00000000, -8)
	if _, err := rig.engine.Borrow(t.Context(), orderA, usd(100)); err != nil {
		t.Fatalf("borrow inside deviation bound: %v", err)
	}

	rig.feed.Set("eth-usd", 1500_00000000, -8)
	_, err := rig.engine.Borrow(t.Context(), orderA, usd(100))
	if kindOf(t, err) != KindStalePrice {
		t.Fatalf("borrow on deviating price = %v, want stale price", err)
	}

	// The rejected sample never became the baseline: once the feed
	// recovers near it, borrowing resumes.
	rig.feed.Set("eth-usd", 2030_00000000, -8)
	if _, err := rig.engine.Borrow(t.Context(), orderA, usd(100)); err != nil {
		t.Fatalf("borrow after feed recovered: %v", err)
	}
}

func TestCreateRejectsUnknownReserve(t *testing.T) {
	rig := newRig(t)
	_, err := rig.engine.Create(t.Context(), orderA, ownerA, "btc-main")
	if kindOf(t, err) != KindNotFound {
		t.Fatalf("create with unknown reserve = %v, want not found", err)
	}
}
