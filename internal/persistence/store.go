// Package persistence keeps the durable copies of both ledgers and the
// relay message log in Postgres. The in-memory ledgers stay authoritative;
// rows here are write-through state for restarts and read views, and the
// relay_messages table doubles as the durable tier of relay deduplication.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"

	"crosslend/internal/bridge"
	"crosslend/internal/ledger"
	"crosslend/internal/observability"
)

// Store wraps a Postgres connection. Amounts are stored as NUMERIC(78,0)
// and travel as decimal strings, wide enough for any uint256.
type Store struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewStore(db *sql.DB, metrics *observability.Metrics) *Store {
	return &Store{db: db, metrics: metrics}
}

// Connect opens and pings a Postgres connection.
func Connect(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// SaveOrder upserts the collateral-side row. The version guard makes the
// write idempotent under replays: an older snapshot never overwrites a
// newer row.
func (s *Store) SaveOrder(ctx context.Context, o *ledger.Order) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders
			(order_id, owner, reserve_id, collateral_wei, unlocked_wei,
			 funded, repaid, liquidated, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (order_id) DO UPDATE SET
			collateral_wei = EXCLUDED.collateral_wei,
			unlocked_wei   = EXCLUDED.unlocked_wei,
			funded         = EXCLUDED.funded,
			repaid         = EXCLUDED.repaid,
			liquidated     = EXCLUDED.liquidated,
			updated_at     = EXCLUDED.updated_at,
			version        = EXCLUDED.version
		WHERE orders.version < EXCLUDED.version`,
		o.ID.Hex(), o.Owner.Hex(), o.ReserveID,
		o.CollateralAmount.String(), o.UnlockedAmount.String(),
		o.Funded, o.Repaid, o.Liquidated, o.CreatedAt, o.UpdatedAt, o.Version,
	)
	s.observe("orders", start, err)
	return err
}

// SavePosition upserts the credit-side row.
func (s *Store) SavePosition(ctx context.Context, p *ledger.MirroredPosition) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mirrored_positions
			(order_id, eth_amount_wei, borrowed_usd, open, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id) DO UPDATE SET
			eth_amount_wei = EXCLUDED.eth_amount_wei,
			borrowed_usd   = EXCLUDED.borrowed_usd,
			open           = EXCLUDED.open,
			updated_at     = EXCLUDED.updated_at,
			version        = EXCLUDED.version
		WHERE mirrored_positions.version < EXCLUDED.version`,
		p.OrderID.Hex(), p.EthAmountWei.String(), p.BorrowedUsd.String(),
		p.Open, p.UpdatedAt, p.Version,
	)
	s.observe("mirrored_positions", start, err)
	return err
}

// RecordRelay logs a relay message. The unique idempotency key makes a
// replayed insert a no-op; flipping delivered never flips back.
func (s *Store) RecordRelay(ctx context.Context, m bridge.Message, delivered bool) error {
	start := time.Now()
	payload, err := m.Encode()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO relay_messages
			(idempotency_key, order_id, kind, seq, payload, delivered, sent_at, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), CASE WHEN $6 THEN NOW() END)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			delivered    = relay_messages.delivered OR EXCLUDED.delivered,
			delivered_at = COALESCE(relay_messages.delivered_at, EXCLUDED.delivered_at)`,
		m.IdempotencyKey(), m.OrderID.Hex(), string(m.Kind), m.Seq, payload, delivered,
	)
	s.observe("relay_messages", start, err)
	return err
}

// IsDelivered answers the durable tier of relay dedup and the transport's
// delivery poll.
func (s *Store) IsDelivered(key string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var delivered bool
	err := s.db.QueryRowContext(ctx,
		`SELECT delivered FROM relay_messages WHERE idempotency_key = $1`, key,
	).Scan(&delivered)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return delivered, nil
}

// RecentDeliveredKeys returns the newest delivered idempotency keys, used
// to warm the dedup LRU on restart.
func (s *Store) RecentDeliveredKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idempotency_key FROM relay_messages
		WHERE delivered ORDER BY delivered_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// MaxRelaySeqs returns the highest recorded sequence per (order, kind)
// stream, keyed "orderID:kind". The relayer seeds its counters from this
// on startup so restarts never reuse an idempotency key.
func (s *Store) MaxRelaySeqs(ctx context.Context) (map[string]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, kind, MAX(seq) FROM relay_messages GROUP BY order_id, kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seqs := make(map[string]uint64)
	for rows.Next() {
		var (
			orderID, kind string
			seq           uint64
		)
		if err := rows.Scan(&orderID, &kind, &seq); err != nil {
			return nil, err
		}
		seqs[orderID+":"+kind] = seq
	}
	return seqs, rows.Err()
}

// OrderRow is the persisted collateral-side view.
type OrderRow struct {
	OrderID       string
	Owner         string
	ReserveID     string
	CollateralWei *big.Int
	UnlockedWei   *big.Int
	Funded        bool
	Repaid        bool
	Liquidated    bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Version       int64
}

// PositionRow is the persisted credit-side view.
type PositionRow struct {
	OrderID      string
	EthAmountWei *big.Int
	BorrowedUsd  *big.Int
	Open         bool
	UpdatedAt    time.Time
	Version      int64
}

// RelayRow is one logged relay message.
type RelayRow struct {
	IdempotencyKey string
	Kind           string
	Seq            uint64
	Delivered      bool
	SentAt         time.Time
	DeliveredAt    *time.Time
}

// GetOrder loads one order row.
func (s *Store) GetOrder(ctx context.Context, id common.Hash) (*OrderRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, owner, reserve_id, collateral_wei, unlocked_wei,
		       funded, repaid, liquidated, created_at, updated_at, version
		FROM orders WHERE order_id = $1`, id.Hex())
	return scanOrder(row)
}

// ListOrdersByOwner loads all order rows for one owner, newest first.
func (s *Store) ListOrdersByOwner(ctx context.Context, owner common.Address) ([]*OrderRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, owner, reserve_id, collateral_wei, unlocked_wei,
		       funded, repaid, liquidated, created_at, updated_at, version
		FROM orders WHERE owner = $1 ORDER BY created_at DESC`, owner.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OrderRow
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// LoadAllOrders streams every persisted order into fn, used to rehydrate
// the in-memory ledger on startup.
func (s *Store) LoadAllOrders(ctx context.Context, fn func(*ledger.Order)) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, owner, reserve_id, collateral_wei, unlocked_wei,
		       funded, repaid, liquidated, created_at, updated_at, version
		FROM orders`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		row, err := scanOrder(rows)
		if err != nil {
			return err
		}
		fn(&ledger.Order{
			ID:               common.HexToHash(row.OrderID),
			Owner:            common.HexToAddress(row.Owner),
			ReserveID:        row.ReserveID,
			CollateralAmount: row.CollateralWei,
			UnlockedAmount:   row.UnlockedWei,
			Funded:           row.Funded,
			Repaid:           row.Repaid,
			Liquidated:       row.Liquidated,
			CreatedAt:        row.CreatedAt,
			UpdatedAt:        row.UpdatedAt,
			Version:          row.Version,
		})
	}
	return rows.Err()
}

// LoadAllPositions streams every persisted position into fn.
func (s *Store) LoadAllPositions(ctx context.Context, fn func(*ledger.MirroredPosition)) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, eth_amount_wei, borrowed_usd, open, updated_at, version
		FROM mirrored_positions`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p       ledger.MirroredPosition
			idStr   string
			ethStr  string
			debtStr string
		)
		if err := rows.Scan(&idStr, &ethStr, &debtStr, &p.Open, &p.UpdatedAt, &p.Version); err != nil {
			return err
		}
		p.OrderID = common.HexToHash(idStr)
		p.EthAmountWei = mustBig(ethStr)
		p.BorrowedUsd = mustBig(debtStr)
		fn(&p)
	}
	return rows.Err()
}

// GetPosition loads one mirrored position row.
func (s *Store) GetPosition(ctx context.Context, id common.Hash) (*PositionRow, error) {
	var (
		p        PositionRow
		ethStr   string
		debtStr  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT order_id, eth_amount_wei, borrowed_usd, open, updated_at, version
		FROM mirrored_positions WHERE order_id = $1`, id.Hex(),
	).Scan(&p.OrderID, &ethStr, &debtStr, &p.Open, &p.UpdatedAt, &p.Version)
	if err != nil {
		return nil, err
	}
	p.EthAmountWei = mustBig(ethStr)
	p.BorrowedUsd = mustBig(debtStr)
	return &p, nil
}

// ListRelays loads the relay log for one order, oldest first.
func (s *Store) ListRelays(ctx context.Context, id common.Hash) ([]*RelayRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idempotency_key, kind, seq, delivered, sent_at, delivered_at
		FROM relay_messages WHERE order_id = $1 ORDER BY sent_at, seq`, id.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RelayRow
	for rows.Next() {
		var (
			r  RelayRow
			at pq.NullTime
		)
		if err := rows.Scan(&r.IdempotencyKey, &r.Kind, &r.Seq, &r.Delivered, &r.SentAt, &at); err != nil {
			return nil, err
		}
		if at.Valid {
			t := at.Time
			r.DeliveredAt = &t
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*OrderRow, error) {
	var (
		o              OrderRow
		collateralStr  string
		unlockedStr    string
	)
	err := row.Scan(&o.OrderID, &o.Owner, &o.ReserveID, &collateralStr, &unlockedStr,
		&o.Funded, &o.Repaid, &o.Liquidated, &o.CreatedAt, &o.UpdatedAt, &o.Version)
	if err != nil {
		return nil, err
	}
	o.CollateralWei = mustBig(collateralStr)
	o.UnlockedWei = mustBig(unlockedStr)
	return &o, nil
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("FATAL: non-numeric amount column: " + s)
	}
	return v
}

func (s *Store) observe(table string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	if err != nil {
		s.metrics.PersistErrors.WithLabelValues(table).Inc()
		return
	}
	s.metrics.PersistWrites.WithLabelValues(table).Inc()
	s.metrics.PersistDur.Observe(time.Since(start).Seconds())
}
