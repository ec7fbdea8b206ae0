package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// Sink receives relay messages on the credit side.
type Sink interface {
	Deliver(m Message) error
}

// Loopback is an in-process Transport for tests and single-node
// deployments. Messages are handed straight to the sink; fault injection
// knobs reproduce the bridge behaviors the engine has to survive.
type Loopback struct {
	mu      sync.Mutex
	sink    Sink
	fee     *big.Int
	applied map[string]bool

	// DeliverTwice redelivers every message once, exercising dedup.
	DeliverTwice bool

	// DropAll swallows messages without delivering, exercising timeouts.
	DropAll bool

	// DelayDeliveries queues messages until ReleaseAll is called.
	DelayDeliveries bool
	held            []Message

	// RaiseFeeOnce bumps the fee after the next quote so the following
	// Send sees an insufficient fee exactly once.
	RaiseFeeOnce bool
	raised       bool
}

func NewLoopback(sink Sink, fee *big.Int) *Loopback {
	return &Loopback{
		sink:    sink,
		fee:     new(big.Int).Set(fee),
		applied: make(map[string]bool),
	}
}

func (l *Loopback) QuoteFee(ctx context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	quote := new(big.Int).Set(l.fee)
	if l.RaiseFeeOnce && !l.raised {
		l.raised = true
		l.fee = new(big.Int).Mul(l.fee, big.NewInt(3))
	}
	return quote, nil
}

func (l *Loopback) Send(ctx context.Context, m Message, fee *big.Int) (*Receipt, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	if fee.Cmp(l.fee) < 0 {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: attached %s, required %s", ErrInsufficientFee, fee, l.fee)
	}
	drop := l.DropAll
	delay := l.DelayDeliveries
	twice := l.DeliverTwice
	if delay && !drop {
		l.held = append(l.held, m)
	}
	l.mu.Unlock()

	receipt := &Receipt{
		Key:     m.IdempotencyKey(),
		FeePaid: new(big.Int).Set(fee),
		SentAt:  time.Now(),
	}

	if drop || delay {
		return receipt, nil
	}

	if err := l.deliver(m); err != nil {
		return nil, err
	}
	if twice {
		// Duplicate deliveries are the bridge's problem to create and the
		// receiver's problem to absorb; the error is deliberately ignored.
		_ = l.sink.Deliver(m)
	}
	return receipt, nil
}

func (l *Loopback) Poll(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applied[key], nil
}

// ReleaseAll delivers every held message in order.
func (l *Loopback) ReleaseAll() error {
	l.mu.Lock()
	held := l.held
	l.held = nil
	l.mu.Unlock()

	for _, m := range held {
		if err := l.deliver(m); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loopback) deliver(m Message) error {
	if err := l.sink.Deliver(m); err != nil && !errors.Is(err, ErrDuplicateMirror) {
		return err
	}
	l.mu.Lock()
	l.applied[m.IdempotencyKey()] = true
	l.mu.Unlock()
	return nil
}
