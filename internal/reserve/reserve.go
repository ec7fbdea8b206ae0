// Package reserve holds the per-reserve risk and interest parameters. The
// registry is read-only from the core's perspective: it is loaded once at
// startup and handed around as an immutable snapshot.
package reserve

import (
	"fmt"
	"time"
)

// Config groups the governance-controlled limits for one reserve. All ratios
// are basis points (10000 = 100%).
type Config struct {
	ReserveID               string        `yaml:"reserve_id"`
	MaxLtvBps               uint64        `yaml:"max_ltv_bps"`
	LiquidationThresholdBps uint64        `yaml:"liquidation_threshold_bps"`
	LiquidationBonusBps     uint64        `yaml:"liquidation_bonus_bps"`
	CloseFactorBps          uint64        `yaml:"close_factor_bps"`
	OriginationFeeBps       uint64        `yaml:"origination_fee_bps"`
	MaxPriceAge             time.Duration `yaml:"max_price_age"`
	MaxPriceDeviationBps    uint64        `yaml:"max_price_deviation_bps"`
	PriceFeedID             string        `yaml:"price_feed_id"`
	CreditDecimals          uint8         `yaml:"credit_decimals"`
}

// Validate checks the parameter ranges: the liquidation threshold must sit
// strictly above max LTV, no ratio may reach 100% where that would be
// nonsensical, and the credit asset cannot carry more than 18 decimals.
func (c Config) Validate() error {
	if c.ReserveID == "" {
		return fmt.Errorf("reserve_id is required")
	}
	if c.MaxLtvBps == 0 || c.MaxLtvBps >= 10_000 {
		return fmt.Errorf("max_ltv_bps must be in (0, 10000), got %d", c.MaxLtvBps)
	}
	if c.LiquidationThresholdBps <= c.MaxLtvBps {
		return fmt.Errorf("liquidation_threshold_bps (%d) must be > max_ltv_bps (%d)",
			c.LiquidationThresholdBps, c.MaxLtvBps)
	}
	if c.LiquidationThresholdBps >= 10_000 {
		return fmt.Errorf("liquidation_threshold_bps must be < 10000, got %d", c.LiquidationThresholdBps)
	}
	if c.CloseFactorBps > 10_000 {
		return fmt.Errorf("close_factor_bps must be <= 10000, got %d", c.CloseFactorBps)
	}
	if c.OriginationFeeBps >= 10_000 {
		return fmt.Errorf("origination_fee_bps must be < 10000, got %d", c.OriginationFeeBps)
	}
	if c.CreditDecimals > 18 {
		return fmt.Errorf("credit_decimals must be <= 18, got %d", c.CreditDecimals)
	}
	if c.MaxPriceAge <= 0 {
		return fmt.Errorf("max_price_age must be positive, got %s", c.MaxPriceAge)
	}
	if c.PriceFeedID == "" {
		return fmt.Errorf("price_feed_id is required")
	}
	return nil
}

// Registry is the immutable reserve-config lookup.
type Registry struct {
	configs map[string]Config
}

// NewRegistry validates every config and builds the lookup.
func NewRegistry(configs []Config) (*Registry, error) {
	m := make(map[string]Config, len(configs))
	for _, c := range configs {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("reserve %q: %w", c.ReserveID, err)
		}
		if _, dup := m[c.ReserveID]; dup {
			return nil, fmt.Errorf("duplicate reserve %q", c.ReserveID)
		}
		m[c.ReserveID] = c
	}
	return &Registry{configs: m}, nil
}

// Get returns the config for a reserve id.
func (r *Registry) Get(reserveID string) (Config, bool) {
	c, ok := r.configs[reserveID]
	return c, ok
}

// Snapshot returns a copy of all configs, keyed by reserve id.
func (r *Registry) Snapshot() map[string]Config {
	out := make(map[string]Config, len(r.configs))
	for k, v := range r.configs {
		out[k] = v
	}
	return out
}

// DefaultConfigs mirrors the development deployment: one ETH-collateral
// reserve issuing a 6-decimal stable credit asset.
func DefaultConfigs() []Config {
	return []Config{
		{
			ReserveID:               "eth-main",
			MaxLtvBps:               7000,
			LiquidationThresholdBps: 8000,
			LiquidationBonusBps:     500,
			CloseFactorBps:          5000,
			OriginationFeeBps:       0,
			MaxPriceAge:             2 * time.Minute,
			MaxPriceDeviationBps:    200,
			PriceFeedID:             "eth-usd",
			CreditDecimals:          6,
		},
	}
}
