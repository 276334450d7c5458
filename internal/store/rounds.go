package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"crash/internal/game"
)

const historyKey = "crash:history"

// Rounds persists settled rounds to Postgres and keeps the recent-history
// list hot in Redis. Redis failures degrade to Postgres reads; they never
// fail a persist.
type Rounds struct {
	db          *sql.DB
	rdb         *redis.Client // nil disables the cache
	historySize int
}

func NewRounds(db *sql.DB, rdb *redis.Client, historySize int) *Rounds {
	return &Rounds{db: db, rdb: rdb, historySize: historySize}
}

func (s *Rounds) Persist(ctx context.Context, r *game.Round) (string, error) {
	players, err := json.Marshal(r.Players)
	if err != nil {
		return "", fmt.Errorf("marshal players: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO crash_rounds
		 (id, crash_point, players, private_seed, private_hash, public_seed,
		  unverifiable, started_at, user_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, int64(r.CrashPoint), players, r.PrivateSeed, r.PrivateHash,
		r.PublicSeed, r.Unverifiable, r.StartedAt, len(r.Players))
	if err != nil {
		return "", fmt.Errorf("insert round: %w", err)
	}

	s.cacheSummary(ctx, summaryOf(id, r))
	return id, nil
}

func (s *Rounds) Recent(ctx context.Context, n int) ([]game.RoundSummary, error) {
	if cached := s.cachedRecent(ctx, n); cached != nil {
		return cached, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, crash_point, private_seed, private_hash, public_seed,
		        unverifiable, started_at, user_count
		 FROM crash_rounds ORDER BY created_at DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("recent rounds: %w", err)
	}
	defer rows.Close()

	var out []game.RoundSummary
	for rows.Next() {
		var (
			sum       game.RoundSummary
			crash     int64
			startedAt sql.NullTime
		)
		if err := rows.Scan(&sum.ID, &crash, &sum.PrivateSeed, &sum.PrivateHash,
			&sum.PublicSeed, &sum.Unverifiable, &startedAt, &sum.PlayerCount); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		sum.CrashPoint = game.Multiplier(crash)
		if startedAt.Valid {
			t := startedAt.Time
			sum.StartedAt = &t
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Load reloads one persisted round in full, players included.
func (s *Rounds) Load(ctx context.Context, id string) (*game.Round, error) {
	var (
		r         game.Round
		crash     int64
		players   []byte
		startedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, crash_point, players, private_seed, private_hash,
		        public_seed, unverifiable, started_at
		 FROM crash_rounds WHERE id = $1`, id).
		Scan(&r.ID, &crash, &players, &r.PrivateSeed, &r.PrivateHash,
			&r.PublicSeed, &r.Unverifiable, &startedAt)
	if err != nil {
		return nil, fmt.Errorf("load round: %w", err)
	}
	r.CrashPoint = game.Multiplier(crash)
	r.Status = game.RoundSettled
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if err := json.Unmarshal(players, &r.Players); err != nil {
		return nil, fmt.Errorf("unmarshal players: %w", err)
	}
	return &r, nil
}

func summaryOf(id string, r *game.Round) game.RoundSummary {
	return game.RoundSummary{
		ID:           id,
		CrashPoint:   r.CrashPoint,
		PrivateSeed:  r.PrivateSeed,
		PrivateHash:  r.PrivateHash,
		PublicSeed:   r.PublicSeed,
		Unverifiable: r.Unverifiable,
		StartedAt:    r.StartedAt,
		PlayerCount:  len(r.Players),
	}
}

func (s *Rounds) cacheSummary(ctx context.Context, sum game.RoundSummary) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(sum)
	if err != nil {
		return
	}
	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, historyKey, data)
	pipe.LTrim(ctx, historyKey, 0, int64(s.historySize)-1)
	pipe.Expire(ctx, historyKey, 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		zap.S().Warnw("history cache write failed", "error", err)
	}
}

func (s *Rounds) cachedRecent(ctx context.Context, n int) []game.RoundSummary {
	if s.rdb == nil {
		return nil
	}
	items, err := s.rdb.LRange(ctx, historyKey, 0, int64(n)-1).Result()
	if err != nil || len(items) == 0 {
		return nil
	}
	out := make([]game.RoundSummary, 0, len(items))
	for _, item := range items {
		var sum game.RoundSummary
		if json.Unmarshal([]byte(item), &sum) != nil {
			return nil // stale format, fall back to the database
		}
		out = append(out, sum)
	}
	return out
}
