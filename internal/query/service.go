// Package query serves the read side of the API from the persisted
// write-through state. Live engine state is authoritative for mutating
// operations; these views exist so reads never contend with the engine's
// per-order locks.
package query

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"crosslend/internal/observability"
	"crosslend/internal/persistence"
)

// ErrNotFound reports that no row exists for the requested key.
var ErrNotFound = errors.New("query: not found")

type Service struct {
	store   *persistence.Store
	metrics *observability.Metrics
}

func NewService(store *persistence.Store, metrics *observability.Metrics) *Service {
	return &Service{store: store, metrics: metrics}
}

// GetOrder returns the persisted view of one order.
func (s *Service) GetOrder(ctx context.Context, id common.Hash) (*OrderView, error) {
	defer s.observe("get_order", time.Now())

	row, err := s.store.GetOrder(ctx, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return orderView(row), nil
}

// ListOrdersByOwner returns every order for one owner, newest first.
func (s *Service) ListOrdersByOwner(ctx context.Context, owner common.Address) ([]*OrderView, error) {
	defer s.observe("list_orders", time.Now())

	rows, err := s.store.ListOrdersByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	views := make([]*OrderView, 0, len(rows))
	for _, r := range rows {
		views = append(views, orderView(r))
	}
	return views, nil
}

// GetPosition returns the persisted view of one mirrored position.
func (s *Service) GetPosition(ctx context.Context, id common.Hash) (*PositionView, error) {
	defer s.observe("get_position", time.Now())

	row, err := s.store.GetPosition(ctx, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &PositionView{
		OrderID:      row.OrderID,
		EthAmountWei: row.EthAmountWei.String(),
		BorrowedUsd:  row.BorrowedUsd.String(),
		Open:         row.Open,
		UpdatedAt:    row.UpdatedAt,
		Version:      row.Version,
	}, nil
}

// GetRelayStatus returns one order's relay log. An order with no relay
// history yields an empty log, not ErrNotFound: creation sends nothing.
func (s *Service) GetRelayStatus(ctx context.Context, id common.Hash) (*RelayStatus, error) {
	defer s.observe("relay_status", time.Now())

	rows, err := s.store.ListRelays(ctx, id)
	if err != nil {
		return nil, err
	}
	status := &RelayStatus{OrderID: id.Hex(), Messages: make([]RelayView, 0, len(rows))}
	for _, r := range rows {
		if !r.Delivered {
			status.Pending++
		}
		status.Messages = append(status.Messages, RelayView{
			IdempotencyKey: r.IdempotencyKey,
			Kind:           r.Kind,
			Seq:            r.Seq,
			Delivered:      r.Delivered,
			SentAt:         r.SentAt,
			DeliveredAt:    r.DeliveredAt,
		})
	}
	return status, nil
}

func orderView(r *persistence.OrderRow) *OrderView {
	return &OrderView{
		OrderID:       r.OrderID,
		Owner:         r.Owner,
		ReserveID:     r.ReserveID,
		CollateralWei: r.CollateralWei.String(),
		UnlockedWei:   r.UnlockedWei.String(),
		Funded:        r.Funded,
		Repaid:        r.Repaid,
		Liquidated:    r.Liquidated,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		Version:       r.Version,
	}
}

func (s *Service) observe(name string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryRequests.WithLabelValues(name).Inc()
	s.metrics.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}
