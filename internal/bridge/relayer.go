package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crosslend/internal/observability"
)

// Relayer wraps a Transport with fee buffering, per-stream sequence
// assignment, and bounded delivery polling.
type Relayer struct {
	transport Transport
	policy    FeePolicy
	logger    zerolog.Logger
	metrics   *observability.Metrics

	// PollInterval and MaxPollAttempts bound AwaitDelivery. The wait is
	// fixed-interval, not backed off: bridge finality is roughly constant,
	// so there is nothing to adapt to.
	PollInterval    time.Duration
	MaxPollAttempts int

	mu   sync.Mutex
	seqs map[string]uint64
}

func NewRelayer(transport Transport, policy FeePolicy, logger zerolog.Logger, metrics *observability.Metrics) *Relayer {
	return &Relayer{
		transport:       transport,
		policy:          policy,
		logger:          logger,
		metrics:         metrics,
		PollInterval:    500 * time.Millisecond,
		MaxPollAttempts: 20,
		seqs:            make(map[string]uint64),
	}
}

// NextSeq assigns the next sequence number for the (order, kind) stream.
func (r *Relayer) NextSeq(orderID, kind string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := orderID + ":" + kind
	r.seqs[k]++
	return r.seqs[k]
}

// SeedSeqs preloads the sequence counters from the durable relay log so a
// restarted relayer never reissues an idempotency key. Keys are
// "orderID:kind", values the highest sequence already sent.
func (r *Relayer) SeedSeqs(seqs map[string]uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range seqs {
		if v > r.seqs[k] {
			r.seqs[k] = v
		}
	}
}

// Submit quotes the relay fee, buffers it per policy, and sends the
// message. If the quote moved and the send bounces on fee, it re-quotes
// and retries exactly once.
func (r *Relayer) Submit(ctx context.Context, m Message) (*Receipt, error) {
	receipt, err := r.sendOnce(ctx, m)
	if errors.Is(err, ErrInsufficientFee) {
		if r.metrics != nil {
			r.metrics.FeeInsufficient.Inc()
		}
		r.logger.Warn().
			Str("order_id", m.OrderID.Hex()).
			Str("kind", string(m.Kind)).
			Msg("relay fee quote moved, re-quoting once")
		receipt, err = r.sendOnce(ctx, m)
	}
	if err != nil {
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.RelaySent.WithLabelValues(string(m.Kind)).Inc()
	}
	r.logger.Info().
		Str("order_id", m.OrderID.Hex()).
		Str("kind", string(m.Kind)).
		Uint64("seq", m.Seq).
		Str("fee_paid", receipt.FeePaid.String()).
		Msg("relay message sent")
	return receipt, nil
}

func (r *Relayer) sendOnce(ctx context.Context, m Message) (*Receipt, error) {
	quote, err := r.transport.QuoteFee(ctx)
	if err != nil {
		return nil, fmt.Errorf("quote relay fee: %w", err)
	}
	if r.metrics != nil {
		r.metrics.FeeQuotes.Inc()
	}
	return r.transport.Send(ctx, m, r.policy.Buffered(quote))
}

// AwaitDelivery polls until the message is confirmed applied on the
// credit side, the context is cancelled, or the poll budget runs out.
// On timeout it returns the pending state and ErrRelayTimeout; callers
// must treat timeout as "still in flight", never as failure.
func (r *Relayer) AwaitDelivery(ctx context.Context, m Message) (Pending, error) {
	key := m.IdempotencyKey()
	start := time.Now()
	deadline := start.Add(time.Duration(r.MaxPollAttempts) * r.PollInterval)

	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= r.MaxPollAttempts; attempt++ {
		delivered, err := r.transport.Poll(ctx, key)
		if err != nil {
			return Pending{Attempts: attempt, Deadline: deadline}, fmt.Errorf("poll delivery %s: %w", key, err)
		}
		if delivered {
			if r.metrics != nil {
				r.metrics.RelayPollAttempts.Observe(float64(attempt))
				r.metrics.RelayDeliveryLatency.Observe(time.Since(start).Seconds())
			}
			return Pending{Attempts: attempt, Deadline: deadline}, nil
		}

		if attempt == r.MaxPollAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return Pending{Attempts: attempt, Deadline: deadline}, ctx.Err()
		case <-ticker.C:
		}
	}

	if r.metrics != nil {
		r.metrics.RelayTimeouts.WithLabelValues(string(m.Kind)).Inc()
	}
	r.logger.Warn().
		Str("key", key).
		Int("attempts", r.MaxPollAttempts).
		Msg("delivery unconfirmed after poll budget, message still in flight")
	return Pending{Attempts: r.MaxPollAttempts, Deadline: deadline}, ErrRelayTimeout
}
