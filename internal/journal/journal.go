package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/dvpsettle/internal/registry"
	"github.com/terminal-bench/dvpsettle/internal/settlement"
)

const (
	recentCacheKey = "settlements:recent"
	recentCacheTTL = 30 * time.Second
)

// Store persists settlement records to Postgres. Reads of recent settlements
// go through a Redis cache; the cache is invalidated on every write. The
// ledgers themselves are never cached, only the append-only history.
type Store struct {
	db    *sql.DB
	redis *redis.Client
}

// NewStore creates a journal over the given database. redisAddr may be empty,
// in which case reads always hit the database.
func NewStore(db *sql.DB, redisAddr string) *Store {
	var rdb *redis.Client
	if redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
	}
	return &Store{db: db, redis: rdb}
}

// Migrate creates the settlements table if it does not exist
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS settlements (
			id UUID PRIMARY KEY,
			sequence BIGINT NOT NULL,
			buyer TEXT NOT NULL,
			seller TEXT NOT NULL,
			asset_symbol TEXT NOT NULL,
			cash_symbol TEXT NOT NULL,
			asset_amount NUMERIC NOT NULL,
			cash_amount NUMERIC NOT NULL,
			outcome TEXT NOT NULL,
			failed_leg TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
	)
	if err != nil {
		return fmt.Errorf("failed to create settlements table: %w", err)
	}
	return nil
}

// Record appends one settlement to the journal
func (s *Store) Record(ctx context.Context, rec settlement.Settlement) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settlements (id, sequence, buyer, seller, asset_symbol, cash_symbol,
		 asset_amount, cash_amount, outcome, failed_leg, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.Sequence, rec.Buyer.String(), rec.Seller.String(),
		rec.AssetSymbol, rec.CashSymbol,
		rec.AssetAmount, rec.CashAmount,
		rec.Outcome, rec.FailedLeg, rec.Reason, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record settlement: %w", err)
	}

	if s.redis != nil {
		s.redis.Del(ctx, recentCacheKey)
	}

	return nil
}

// Recent returns the most recent settlements, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]settlement.Settlement, error) {
	if s.redis != nil {
		cached, err := s.redis.Get(ctx, recentCacheKey).Result()
		if err == nil {
			var recs []settlement.Settlement
			if json.Unmarshal([]byte(cached), &recs) == nil && len(recs) >= limit {
				return recs[:limit], nil
			}
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sequence, buyer, seller, asset_symbol, cash_symbol,
		 asset_amount, cash_amount, outcome, failed_leg, reason, created_at
		 FROM settlements ORDER BY sequence DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlements: %w", err)
	}
	defer rows.Close()

	var recs []settlement.Settlement
	for rows.Next() {
		var rec settlement.Settlement
		var buyer, seller, assetAmount, cashAmount string
		err := rows.Scan(&rec.ID, &rec.Sequence, &buyer, &seller,
			&rec.AssetSymbol, &rec.CashSymbol, &assetAmount, &cashAmount,
			&rec.Outcome, &rec.FailedLeg, &rec.Reason, &rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		rec.Buyer = registry.Account(buyer)
		rec.Seller = registry.Account(seller)
		if rec.AssetAmount, err = decimal.NewFromString(assetAmount); err != nil {
			return nil, fmt.Errorf("failed to parse asset amount: %w", err)
		}
		if rec.CashAmount, err = decimal.NewFromString(cashAmount); err != nil {
			return nil, fmt.Errorf("failed to parse cash amount: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read settlements: %w", err)
	}

	if s.redis != nil {
		if payload, err := json.Marshal(recs); err == nil {
			s.redis.Set(ctx, recentCacheKey, payload, recentCacheTTL)
		}
	}

	return recs, nil
}
