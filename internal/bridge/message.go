// Package bridge carries relay messages between the collateral ledger and
// the credit ledger. The two sides share no state other than the order id;
// everything the credit side learns arrives as a Message, and every Message
// may be delivered more than once.
package bridge

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Kind identifies the relay message type.
type Kind string

const (
	// KindNotify mirrors the current collateral total to the credit side.
	KindNotify Kind = "notify"

	// KindRepayNotify carries a repayment and the collateral to unlock.
	KindRepayNotify Kind = "repay-notify"
)

// Message is the unit of cross-ledger communication. Seq is assigned by the
// sender per (OrderID, Kind) stream; the receiver treats (OrderID, Kind, Seq)
// as the idempotency key.
type Message struct {
	OrderID common.Hash `json:"order_id"`
	Kind    Kind        `json:"kind"`
	Seq     uint64      `json:"seq"`

	// Notify payload.
	CollateralTotalWei *big.Int `json:"collateral_total_wei,omitempty"`

	// RepayNotify payload.
	RepayAmount *big.Int `json:"repay_amount,omitempty"`
	UnlockWei   *big.Int `json:"unlock_wei,omitempty"`
	FullRepay   bool     `json:"full_repay,omitempty"`
}

// IdempotencyKey returns the dedup key for this message.
func (m Message) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%d", m.OrderID.Hex(), m.Kind, m.Seq)
}

// Subject returns the NATS subject this message is published on.
func (m Message) Subject() string {
	return fmt.Sprintf("crosslend.relay.%s.%s", m.Kind, m.OrderID.Hex())
}

// Validate rejects structurally malformed messages before they reach the
// credit ledger.
func (m Message) Validate() error {
	switch m.Kind {
	case KindNotify:
		// A zero total is legal: it reports a fully withdrawn order.
		if m.CollateralTotalWei == nil || m.CollateralTotalWei.Sign() < 0 {
			return fmt.Errorf("notify %s: missing collateral total", m.OrderID.Hex())
		}
	case KindRepayNotify:
		if m.RepayAmount == nil || m.RepayAmount.Sign() <= 0 {
			return fmt.Errorf("repay-notify %s: missing repay amount", m.OrderID.Hex())
		}
		if m.UnlockWei == nil || m.UnlockWei.Sign() < 0 {
			return fmt.Errorf("repay-notify %s: missing unlock amount", m.OrderID.Hex())
		}
	default:
		return fmt.Errorf("unknown relay kind %q", m.Kind)
	}
	return nil
}

// Encode serializes the message for the wire.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a wire payload into a Message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode relay message: %w", err)
	}
	return m, nil
}
