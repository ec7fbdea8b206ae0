package oracle_test

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"crosslend/internal/oracle"
)

func TestScaledPriceNegativeExpo(t *testing.T) {
	// $2000 published as mantissa 200000000000 with expo -8.
	s := oracle.PriceSample{Price: 200_000_000_000, Expo: -8}
	want := new(big.Int).Mul(big.NewInt(2000), exp10(18))
	if got := s.ScaledPrice(); got.Cmp(want) != 0 {
		t.Fatalf("scaled price = %s, want %s", got, want)
	}
}

func TestScaledPriceZeroExpo(t *testing.T) {
	s := oracle.PriceSample{Price: 2000, Expo: 0}
	want := new(big.Int).Mul(big.NewInt(2000), exp10(18))
	if got := s.ScaledPrice(); got.Cmp(want) != 0 {
		t.Fatalf("scaled price = %s, want %s", got, want)
	}
}

func TestScaledPriceExpoBelowMinus18(t *testing.T) {
	// 18+expo < 0 divides instead of multiplying.
	s := oracle.PriceSample{Price: 5_000_000_000_000_000_000, Expo: -19}
	want := big.NewInt(500_000_000_000_000_000) // price / 10
	if got := s.ScaledPrice(); got.Cmp(want) != 0 {
		t.Fatalf("scaled price = %s, want %s", got, want)
	}
}

func TestValidateStaleness(t *testing.T) {
	now := time.Now().UTC()
	s := oracle.PriceSample{Price: 1, PublishTime: now.Add(-90 * time.Second)}

	if err := s.Validate(2*time.Minute, now); err != nil {
		t.Fatalf("fresh sample rejected: %v", err)
	}
	err := s.Validate(time.Minute, now)
	if !errors.Is(err, oracle.ErrStalePrice) {
		t.Fatalf("err = %v, want ErrStalePrice", err)
	}
}

func TestCheckDeviation(t *testing.T) {
	prev := new(big.Int).Mul(big.NewInt(2000), exp10(18))

	// $2000 to $2030 is 150 bps.
	within := new(big.Int).Mul(big.NewInt(2030), exp10(18))
	if err := oracle.CheckDeviation(prev, within, 200); err != nil {
		t.Fatalf("150 bps move rejected: %v", err)
	}

	jump := new(big.Int).Mul(big.NewInt(1500), exp10(18))
	if err := oracle.CheckDeviation(prev, jump, 200); !errors.Is(err, oracle.ErrPriceDeviation) {
		t.Fatalf("err = %v, want ErrPriceDeviation", err)
	}

	// No baseline yet or a zero bound disables the check.
	if err := oracle.CheckDeviation(nil, jump, 200); err != nil {
		t.Fatalf("nil baseline: %v", err)
	}
	if err := oracle.CheckDeviation(prev, jump, 0); err != nil {
		t.Fatalf("zero bound: %v", err)
	}
}

func TestValidateRejectsNonPositivePrice(t *testing.T) {
	s := oracle.PriceSample{Price: 0, PublishTime: time.Now()}
	if err := s.Validate(time.Minute, time.Now()); !errors.Is(err, oracle.ErrInvalidPrice) {
		t.Fatalf("err = %v, want ErrInvalidPrice", err)
	}
}

func TestStaticFeed(t *testing.T) {
	feed := oracle.NewStaticFeed()
	feed.Set("eth-usd", 200_000_000_000, -8)

	s, err := feed.FetchPriceSample(t.Context(), "eth-usd")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if s.Price != 200_000_000_000 || s.Expo != -8 {
		t.Fatalf("sample = %+v", s)
	}
	if _, err := feed.FetchPriceSample(t.Context(), "missing"); err == nil {
		t.Fatal("expected error for unknown feed")
	}
}

func exp10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}
