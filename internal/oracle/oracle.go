// Package oracle adapts an external signed-price feed into the fixed-point
// form the risk engine consumes. The feed itself (signature verification,
// on-chain submission) is an external collaborator; this package only
// decodes samples and enforces staleness at the boundary.
package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

// ErrStalePrice is returned when a sample's publish time falls outside the
// reserve's staleness bound. Callers refetch and retry.
var ErrStalePrice = errors.New("oracle: price sample is stale")

// ErrInvalidPrice is returned for non-positive mantissas; a zero or negative
// price can never value collateral.
var ErrInvalidPrice = errors.New("oracle: price mantissa must be positive")

// ErrPriceDeviation is returned when a sample jumped further from the last
// accepted price than the reserve's deviation bound allows. Callers refetch
// and retry.
var ErrPriceDeviation = errors.New("oracle: price deviates from last accepted sample")

// PriceSample is one signed price observation. Price and Expo follow the
// feed's wire form: the USD price is Price * 10^Expo. UpdateBytes and
// UpdateFee must accompany any on-chain transaction that depends on this
// sample.
type PriceSample struct {
	FeedID      string
	Price       int64
	Expo        int32
	PublishTime time.Time
	UpdateBytes []byte
	UpdateFee   *big.Int
}

// ScaledPrice returns the price as an 18-decimal fixed-point value:
// Price * 10^(18+Expo) when 18+Expo >= 0, otherwise Price / 10^-(18+Expo).
func (s PriceSample) ScaledPrice() *big.Int {
	p := big.NewInt(s.Price)
	shift := int64(18 + s.Expo)
	if shift >= 0 {
		return p.Mul(p, pow10(shift))
	}
	return p.Quo(p, pow10(-shift))
}

// Validate checks the sample against a staleness bound relative to now.
func (s PriceSample) Validate(maxAge time.Duration, now time.Time) error {
	if s.Price <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidPrice, s.Price)
	}
	if maxAge > 0 && now.Sub(s.PublishTime) > maxAge {
		return fmt.Errorf("%w: published %s ago (bound %s)",
			ErrStalePrice, now.Sub(s.PublishTime).Truncate(time.Second), maxAge)
	}
	return nil
}

// CheckDeviation rejects cur when it moved more than maxBps basis points
// away from prev. A nil or non-positive prev (no accepted baseline yet) or
// a zero bound disables the check.
func CheckDeviation(prev, cur *big.Int, maxBps uint64) error {
	if prev == nil || prev.Sign() <= 0 || maxBps == 0 {
		return nil
	}
	dev := new(big.Int).Sub(cur, prev)
	dev.Abs(dev)
	dev.Mul(dev, big.NewInt(10_000))
	dev.Quo(dev, prev)
	if dev.Cmp(new(big.Int).SetUint64(maxBps)) > 0 {
		return fmt.Errorf("%w: moved %s bps, bound %d bps", ErrPriceDeviation, dev, maxBps)
	}
	return nil
}

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}
