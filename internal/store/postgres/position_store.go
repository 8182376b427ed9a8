package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// PositionStore implements domain.PositionJournal. Each row holds the
// latest version of one position; the full document is kept as JSONB next
// to a few indexed columns.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Upsert inserts pos or replaces the stored version with the same id.
func (s *PositionStore) Upsert(ctx context.Context, pos domain.Position) error {
	doc, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("postgres: marshal position %s: %w", pos.ID, err)
	}

	const query = `
		INSERT INTO positions (
			id, symbol, status, verification_state, quantity, entry_price,
			order_id, close_reason, close_price, realized_pnl,
			opened_at, closed_at, document, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status             = EXCLUDED.status,
			verification_state = EXCLUDED.verification_state,
			quantity           = EXCLUDED.quantity,
			entry_price        = EXCLUDED.entry_price,
			order_id           = EXCLUDED.order_id,
			close_reason       = EXCLUDED.close_reason,
			close_price        = EXCLUDED.close_price,
			realized_pnl       = EXCLUDED.realized_pnl,
			closed_at          = EXCLUDED.closed_at,
			document           = EXCLUDED.document,
			updated_at         = NOW()`

	_, err = s.pool.Exec(ctx, query,
		pos.ID, pos.Symbol, string(pos.Status), string(pos.Verification),
		pos.Quantity, pos.EntryPrice,
		pos.OrderID, string(pos.CloseReason), pos.ClosePrice, pos.RealizedPnL,
		pos.OpenedAt, pos.ClosedAt, doc,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", pos.ID, err)
	}
	return nil
}

// History returns the most recently opened positions, newest first. A
// non-positive limit means 100.
func (s *PositionStore) History(ctx context.Context, limit int) ([]domain.Position, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT document FROM positions ORDER BY opened_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	positions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Position, error) {
		var doc []byte
		if err := row.Scan(&doc); err != nil {
			return domain.Position{}, err
		}
		var p domain.Position
		if err := json.Unmarshal(doc, &p); err != nil {
			return domain.Position{}, err
		}
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return positions, nil
}

// Compile-time interface check.
var _ domain.PositionJournal = (*PositionStore)(nil)
