package game

import (
	"context"
	"errors"
	"time"
)

type RoundStatus int

const (
	RoundStarting RoundStatus = iota + 1 // accepting bets
	RoundInProgress
	RoundOver    // crashed, not yet persisted
	RoundSettled // persisted, terminal
)

func (s RoundStatus) String() string {
	switch s {
	case RoundStarting:
		return "starting"
	case RoundInProgress:
		return "in_progress"
	case RoundOver:
		return "over"
	case RoundSettled:
		return "settled"
	}
	return "unknown"
}

type BetStatus int

const (
	BetPlaying BetStatus = iota + 1
	BetCashedOut
	// A bet still Playing when the round ends is busted. That is derived at
	// settlement time, never stored, so there is no Busted constant.
)

func (s BetStatus) String() string {
	switch s {
	case BetPlaying:
		return "playing"
	case BetCashedOut:
		return "cashed_out"
	}
	return "unknown"
}

// Bet is one player's stake in the current round. Created on join, mutated
// exactly once on cashout, read-only after the round ends.
type Bet struct {
	PlayerID      string     `json:"playerId"`
	Username      string     `json:"username"`
	Avatar        string     `json:"avatar"`
	BetAmount     Cents      `json:"betAmount"`
	AutoCashout   Multiplier `json:"autoCashout,omitempty"` // 0 = none
	Status        BetStatus  `json:"status"`
	StoppedAt     Multiplier `json:"stoppedAt,omitempty"`
	WinningAmount Cents      `json:"winningAmount,omitempty"`
}

// Round is one game instance. Owned exclusively by the engine goroutine;
// everyone else sees copies via Snapshot.
type Round struct {
	ID                string          `json:"id,omitempty"` // assigned at persistence
	Status            RoundStatus     `json:"status"`
	CrashPoint        Multiplier      `json:"crashPoint"`
	StartedAt         *time.Time      `json:"startedAt,omitempty"`
	PrivateSeed       string          `json:"privateSeed"`
	PrivateHash       string          `json:"privateHash"`
	PublicSeed        string          `json:"publicSeed"`
	Unverifiable      bool            `json:"unverifiable"`
	CurrentMultiplier Multiplier      `json:"currentMultiplier"`
	Players           map[string]*Bet `json:"players"`
}

// Snapshot is the client-facing view of the live round. Fairness material
// that must stay secret until the round ends is omitted.
type Snapshot struct {
	Status            RoundStatus    `json:"status"`
	PrivateHash       string         `json:"privateHash"`
	CurrentMultiplier Multiplier     `json:"currentMultiplier"`
	ElapsedMs         int64          `json:"elapsedMs"`
	Players           map[string]Bet `json:"players"`
}

// RoundSummary is what history feeds carry for a settled round.
type RoundSummary struct {
	ID           string     `json:"id"`
	CrashPoint   Multiplier `json:"crashPoint"`
	PrivateSeed  string     `json:"privateSeed"`
	PrivateHash  string     `json:"privateHash"`
	PublicSeed   string     `json:"publicSeed"`
	Unverifiable bool       `json:"unverifiable"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	PlayerCount  int        `json:"playerCount"`
}

// Request/response pairs carried over the engine's serialized channels.

type JoinRequest struct {
	PlayerID    string     `json:"-"`
	Username    string     `json:"-"`
	Avatar      string     `json:"-"`
	BetAmount   Cents      `json:"betAmount"`
	AutoCashout Multiplier `json:"autoCashout,omitempty"`

	resp chan JoinResponse
}

type JoinResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Balance Cents  `json:"balance,omitempty"`

	Err error `json:"-"`
}

type CashoutRequest struct {
	PlayerID string `json:"-"`

	resp chan CashoutResponse
}

type CashoutResponse struct {
	Success    bool       `json:"success"`
	Message    string     `json:"message,omitempty"`
	Multiplier Multiplier `json:"multiplier,omitempty"`
	Payout     Cents      `json:"payout,omitempty"`
	Balance    Cents      `json:"balance,omitempty"`

	Err error `json:"-"`
}

// Rejection kinds. Request handlers match on these to pick the client-facing
// message; none of them ever stops the round loop.
var (
	ErrWrongPhase        = errors.New("round is not accepting this request")
	ErrBetLimits         = errors.New("bet amount outside allowed limits")
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrAlreadyJoined     = errors.New("already joined this round")
	ErrNoBet             = errors.New("no bet in this round")
	ErrAlreadyCashedOut  = errors.New("already cashed out")
	ErrBelowMinCashout   = errors.New("multiplier below minimum cashout")
	ErrQueueFull         = errors.New("request queue full")
	ErrRequestTimeout    = errors.New("request timed out")
)

// UserStore is the wallet collaborator. Debit and Credit must each be
// atomic; the engine additionally serializes all calls for a given round
// through its own goroutine.
type UserStore interface {
	GetBalance(ctx context.Context, playerID string) (Cents, error)
	// Debit subtracts amount and returns the new balance, or returns
	// ErrInsufficientFunds without changing anything.
	Debit(ctx context.Context, playerID string, amount Cents) (Cents, error)
	Credit(ctx context.Context, playerID string, amount Cents) (Cents, error)
}

// BotProfile is a synthetic player drawn from the pool.
type BotProfile struct {
	ID       string
	Username string
	Avatar   string
}

type BotPool interface {
	Sample(ctx context.Context, n int) ([]BotProfile, error)
}

// RoundStore persists settled rounds and serves history replay.
type RoundStore interface {
	Persist(ctx context.Context, r *Round) (string, error)
	Recent(ctx context.Context, n int) ([]RoundSummary, error)
}

// Broadcaster is the transport-agnostic fan-out surface. The engine never
// sees websocket types.
type Broadcaster interface {
	Broadcast(event string, payload interface{})
	SendToUser(playerID, event string, payload interface{})
}
