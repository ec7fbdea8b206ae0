package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	relayStream  = "CROSSLEND_RELAY"
	relaySubject = "crosslend.relay.>"
	consumerName = "crosslend-credit"
)

// DeliveryChecker answers Poll for the NATS transport. In production this
// is the relay_messages table, written by the consumer after each apply.
type DeliveryChecker interface {
	IsDelivered(key string) (bool, error)
}

// NATSTransport relays messages over a JetStream stream. The fee is a
// static operator-configured amount; real bridge endpoints quote
// dynamically, which is what the FeePolicy buffer exists to absorb.
type NATSTransport struct {
	js      jetstream.JetStream
	fee     *big.Int
	checker DeliveryChecker
}

func NewNATSTransport(js jetstream.JetStream, fee *big.Int, checker DeliveryChecker) *NATSTransport {
	return &NATSTransport{js: js, fee: new(big.Int).Set(fee), checker: checker}
}

func (t *NATSTransport) QuoteFee(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(t.fee), nil
}

func (t *NATSTransport) Send(ctx context.Context, m Message, fee *big.Int) (*Receipt, error) {
	if fee.Cmp(t.fee) < 0 {
		return nil, fmt.Errorf("%w: attached %s, required %s", ErrInsufficientFee, fee, t.fee)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	data, err := m.Encode()
	if err != nil {
		return nil, err
	}
	if _, err := t.js.Publish(ctx, m.Subject(), data); err != nil {
		return nil, fmt.Errorf("publish relay message: %w", err)
	}

	return &Receipt{
		Key:     m.IdempotencyKey(),
		FeePaid: new(big.Int).Set(fee),
		SentAt:  time.Now(),
	}, nil
}

func (t *NATSTransport) Poll(ctx context.Context, key string) (bool, error) {
	if t.checker == nil {
		return false, errors.New("bridge: no delivery checker configured")
	}
	return t.checker.IsDelivered(key)
}

// Consumer pulls relay messages off JetStream and hands them to the sink.
// Deduplication lives in the sink so loopback and NATS delivery share one
// idempotency barrier. Malformed messages are terminated rather than
// redelivered; sink failures are NAKed for retry.
type Consumer struct {
	js     jetstream.JetStream
	sink   Sink
	logger zerolog.Logger
	cc     jetstream.ConsumeContext
}

func NewConsumer(js jetstream.JetStream, sink Sink, logger zerolog.Logger) *Consumer {
	return &Consumer{js: js, sink: sink, logger: logger}
}

// Start creates the durable consumer and begins delivering.
func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, relayStream, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: relaySubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		m, err := Decode(msg.Data())
		if err != nil {
			c.logger.Error().Err(err).Str("subject", msg.Subject()).Msg("dropping undecodable relay message")
			msg.Term()
			return
		}

		if err := c.sink.Deliver(m); err != nil {
			if errors.Is(err, ErrDuplicateMirror) {
				// Duplicate delivery is expected bridge behavior.
				msg.Ack()
				return
			}
			c.logger.Error().Err(err).Str("key", m.IdempotencyKey()).Msg("relay apply failed, will redeliver")
			msg.Nak()
			return
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumerName, err)
	}

	c.cc = cc
	c.logger.Info().Str("subject", relaySubject).Str("consumer", consumerName).Msg("relay consumer started")
	return nil
}

// Stop gracefully stops the consumer.
func (c *Consumer) Stop() {
	if c.cc != nil {
		c.cc.Stop()
	}
}

// EnsureStream creates the relay stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      relayStream,
		Subjects:  []string{relaySubject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", relayStream, err)
	}
	return nil
}

// Connect establishes a NATS connection and returns a JetStream context.
func Connect(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
