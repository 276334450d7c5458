// Package store implements the engine's storage collaborators on Postgres,
// with Redis in front of round history. Wallet mutations are single
// statements guarded by a balance check so they are atomic per player.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"crash/internal/game"
)

// Transaction kinds recorded in the ledger table.
const (
	TxDeposit  = 1
	TxWithdraw = 2
	TxBet      = 3
	TxPayout   = 4
)

// User is a wallet-holding account. Bots are rows with is_bot set; they go
// through the same wallet path as everyone else.
type User struct {
	ID       string
	Address  string
	Username string
	Avatar   string
	Balance  game.Cents
	IsBot    bool
}

type Users struct {
	db *sql.DB
}

func NewUsers(db *sql.DB) *Users {
	return &Users{db: db}
}

// ByAddress resolves an authenticated wallet address to its account.
func (s *Users) ByAddress(ctx context.Context, address string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, address, username, avatar, balance_cents, is_bot
		 FROM users WHERE address = $1`, address).
		Scan(&u.ID, &u.Address, &u.Username, &u.Avatar, &u.Balance, &u.IsBot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: not found", address)
	}
	if err != nil {
		return nil, fmt.Errorf("user by address: %w", err)
	}
	return &u, nil
}

// ByID fetches an account by primary key.
func (s *Users) ByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, address, username, avatar, balance_cents, is_bot
		 FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Address, &u.Username, &u.Avatar, &u.Balance, &u.IsBot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("user by id: %w", err)
	}
	return &u, nil
}

// SetBalance overwrites a balance outright. Ops/testing only; gameplay goes
// through Debit and Credit.
func (s *Users) SetBalance(ctx context.Context, playerID string, balance game.Cents) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET balance_cents = $2 WHERE id = $1`, playerID, int64(balance))
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: not found", playerID)
	}
	return nil
}

func (s *Users) GetBalance(ctx context.Context, playerID string) (game.Cents, error) {
	var balance game.Cents
	err := s.db.QueryRowContext(ctx,
		`SELECT balance_cents FROM users WHERE id = $1`, playerID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// Debit subtracts a stake. The balance check and decrement are one
// statement, so a concurrent mutation can never drive the balance negative.
func (s *Users) Debit(ctx context.Context, playerID string, amount game.Cents) (game.Cents, error) {
	return s.adjust(ctx, playerID, -amount, TxBet)
}

// Credit adds a payout.
func (s *Users) Credit(ctx context.Context, playerID string, amount game.Cents) (game.Cents, error) {
	return s.adjust(ctx, playerID, amount, TxPayout)
}

func (s *Users) adjust(ctx context.Context, playerID string, delta game.Cents, kind int) (game.Cents, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("wallet tx: %w", err)
	}
	defer tx.Rollback()

	var balance game.Cents
	err = tx.QueryRowContext(ctx,
		`UPDATE users SET balance_cents = balance_cents + $2
		 WHERE id = $1 AND balance_cents + $2 >= 0
		 RETURNING balance_cents`, playerID, int64(delta)).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, game.ErrInsufficientFunds
	}
	if err != nil {
		return 0, fmt.Errorf("wallet update: %w", err)
	}

	amount := delta
	if amount < 0 {
		amount = -amount
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (user_id, kind, amount_cents) VALUES ($1, $2, $3)`,
		playerID, kind, int64(amount)); err != nil {
		return 0, fmt.Errorf("transaction record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("wallet commit: %w", err)
	}
	return balance, nil
}
