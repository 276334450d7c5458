package store

import (
	"context"
	"database/sql"
	"fmt"

	"crash/internal/game"
)

// Bots samples the synthetic-player pool. The pool is just user rows with
// is_bot set; the engine's join path handles everything else.
type Bots struct {
	db *sql.DB
}

func NewBots(db *sql.DB) *Bots {
	return &Bots{db: db}
}

func (s *Bots) Sample(ctx context.Context, n int) ([]game.BotProfile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, avatar FROM users
		 WHERE is_bot ORDER BY random() LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("sample bots: %w", err)
	}
	defer rows.Close()

	var pool []game.BotProfile
	for rows.Next() {
		var b game.BotProfile
		if err := rows.Scan(&b.ID, &b.Username, &b.Avatar); err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		pool = append(pool, b)
	}
	return pool, rows.Err()
}
