package bridge

import (
	"context"
	"errors"
	"math/big"
	"time"
)

var (
	// ErrInsufficientFee is returned by Send when the attached fee no
	// longer covers the bridge's current quote.
	ErrInsufficientFee = errors.New("bridge: insufficient relay fee")

	// ErrRelayTimeout is returned by AwaitDelivery when the poll budget
	// is exhausted without a confirmation. The message is still in
	// flight; origin-side state is never rolled back on timeout.
	ErrRelayTimeout = errors.New("bridge: delivery confirmation timed out")

	// ErrDuplicateMirror is returned by the credit side when a delivery
	// repeats an already-applied idempotency key.
	ErrDuplicateMirror = errors.New("bridge: duplicate delivery")
)

// Transport is the bridge's sending surface. Implementations quote the
// current relay fee, accept messages, and answer delivery polls.
type Transport interface {
	// QuoteFee returns the fee currently required to relay one message.
	QuoteFee(ctx context.Context) (*big.Int, error)

	// Send submits the message with the attached fee. Returns
	// ErrInsufficientFee if the quote moved above fee since it was taken.
	Send(ctx context.Context, m Message, fee *big.Int) (*Receipt, error)

	// Poll reports whether the message with the given idempotency key
	// has been applied on the credit side.
	Poll(ctx context.Context, key string) (bool, error)
}

// Receipt records a successful Send.
type Receipt struct {
	Key     string
	FeePaid *big.Int
	SentAt  time.Time
}

// FeePolicy buffers quoted fees so a quote that drifts between QuoteFee
// and Send does not bounce the message.
type FeePolicy struct {
	// BufferBps is added proportionally to every quote, in basis points.
	BufferBps int64

	// Cushion is a flat amount added after the proportional buffer.
	Cushion *big.Int
}

// Buffered returns the quote with the policy applied.
func (p FeePolicy) Buffered(quote *big.Int) *big.Int {
	fee := new(big.Int).Mul(quote, big.NewInt(10_000+p.BufferBps))
	fee.Div(fee, big.NewInt(10_000))
	if p.Cushion != nil {
		fee.Add(fee, p.Cushion)
	}
	return fee
}

// Pending describes an unconfirmed delivery after a timed-out wait.
type Pending struct {
	Attempts int
	Deadline time.Time
}
