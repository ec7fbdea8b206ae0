package query

import "time"

// OrderView is the read-model shape of a collateral-side order. Amounts
// are decimal strings so they survive JSON without precision loss.
type OrderView struct {
	OrderID       string    `json:"order_id"`
	Owner         string    `json:"owner"`
	ReserveID     string    `json:"reserve_id"`
	CollateralWei string    `json:"collateral_wei"`
	UnlockedWei   string    `json:"unlocked_wei"`
	Funded        bool      `json:"funded"`
	Repaid        bool      `json:"repaid"`
	Liquidated    bool      `json:"liquidated"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Version       int64     `json:"version"`
}

// PositionView is the read-model shape of a credit-side mirrored position.
type PositionView struct {
	OrderID      string    `json:"order_id"`
	EthAmountWei string    `json:"eth_amount_wei"`
	BorrowedUsd  string    `json:"borrowed_usd"`
	Open         bool      `json:"open"`
	UpdatedAt    time.Time `json:"updated_at"`
	Version      int64     `json:"version"`
}

// RelayView is one entry of an order's relay log.
type RelayView struct {
	IdempotencyKey string     `json:"idempotency_key"`
	Kind           string     `json:"kind"`
	Seq            uint64     `json:"seq"`
	Delivered      bool       `json:"delivered"`
	SentAt         time.Time  `json:"sent_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
}

// RelayStatus summarizes an order's relay log: the full log plus a
// count of messages still in flight.
type RelayStatus struct {
	OrderID  string      `json:"order_id"`
	Pending  int         `json:"pending"`
	Messages []RelayView `json:"messages"`
}
