package persistence

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"crosslend/internal/bridge"
	"crosslend/internal/ledger"
	"crosslend/internal/testutil"
)

func setupStore(t *testing.T) (*Store, func()) {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	migrator := NewMigrator(db, "../../migrations", zerolog.Nop())
	if err := migrator.Up(context.Background()); err != nil {
		cleanup()
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db, nil), cleanup
}

func testOrder(version int64) *ledger.Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &ledger.Order{
		ID:               common.HexToHash("0xa1"),
		Owner:            common.HexToAddress("0x11"),
		ReserveID:        "eth-main",
		CollateralAmount: big.NewInt(1_000_000),
		UnlockedAmount:   big.NewInt(0),
		Funded:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
		Version:          version,
	}
}

func TestOrderUpsertHonorsVersion(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	newer := testOrder(3)
	newer.CollateralAmount = big.NewInt(2_000_000)
	if err := store.SaveOrder(ctx, newer); err != nil {
		t.Fatalf("save newer: %v", err)
	}

	// A stale snapshot must not win over the newer row.
	stale := testOrder(2)
	if err := store.SaveOrder(ctx, stale); err != nil {
		t.Fatalf("save stale: %v", err)
	}

	row, err := store.GetOrder(ctx, newer.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if row.Version != 3 || row.CollateralWei.Cmp(big.NewInt(2_000_000)) != 0 {
		t.Fatalf("row = %+v", row)
	}
}

func TestPositionRoundTrip(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	pos := &ledger.MirroredPosition{
		OrderID:      common.HexToHash("0xa1"),
		EthAmountWei: big.NewInt(1_000_000),
		BorrowedUsd:  big.NewInt(500),
		Open:         true,
		UpdatedAt:    time.Now().UTC(),
		Version:      1,
	}
	if err := store.SavePosition(ctx, pos); err != nil {
		t.Fatalf("save position: %v", err)
	}

	row, err := store.GetPosition(ctx, pos.OrderID)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if !row.Open || row.BorrowedUsd.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("row = %+v", row)
	}
}

func TestRelayDeliveredFlagIsSticky(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	msg := bridge.Message{
		OrderID:            common.HexToHash("0xa1"),
		Kind:               bridge.KindNotify,
		Seq:                1,
		CollateralTotalWei: big.NewInt(1_000_000),
	}

	if err := store.RecordRelay(ctx, msg, false); err != nil {
		t.Fatalf("record sent: %v", err)
	}
	if delivered, _ := store.IsDelivered(msg.IdempotencyKey()); delivered {
		t.Fatal("message should not be delivered yet")
	}

	if err := store.RecordRelay(ctx, msg, true); err != nil {
		t.Fatalf("record delivered: %v", err)
	}
	// A replayed sent-record must not clear the flag.
	if err := store.RecordRelay(ctx, msg, false); err != nil {
		t.Fatalf("record replay: %v", err)
	}
	if delivered, _ := store.IsDelivered(msg.IdempotencyKey()); !delivered {
		t.Fatal("delivered flag flipped back")
	}

	keys, err := store.RecentDeliveredKeys(ctx, 10)
	if err != nil {
		t.Fatalf("recent keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != msg.IdempotencyKey() {
		t.Fatalf("keys = %v", keys)
	}
}

func TestIsDeliveredUnknownKey(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	delivered, err := store.IsDelivered("0xdead:notify:1")
	if err != nil {
		t.Fatalf("IsDelivered: %v", err)
	}
	if delivered {
		t.Fatal("unknown key reported delivered")
	}
}
