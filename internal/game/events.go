package game

// Event names on the outbound wire. The gateway wraps every payload as
// {"type": <event>, "data": <payload>}.
const (
	EventRoundStarting  = "round-starting"
	EventCountdown      = "countdown"
	EventRoundStart     = "game-start"
	EventTick           = "game-tick"
	EventUserList       = "game-user-list"
	EventRoundEnd       = "game-end"
	EventHistory        = "crash-history"
	EventWalletUpdate   = "update-wallet"
	EventCashoutSuccess = "bet-cashout-success"
)

// RoundStartingEvent carries the fairness commitment and the betting-window
// countdown. The private seed itself is revealed only in RoundEndEvent.
type RoundStartingEvent struct {
	PrivateHash string  `json:"privateHash"`
	Countdown   float64 `json:"countdown"` // seconds
}

type CountdownEvent struct {
	Seconds int `json:"seconds"`
}

type TickEvent struct {
	Multiplier Multiplier `json:"multiplier"`
	ElapsedMs  int64      `json:"elapsed"`
}

type RosterEvent struct {
	Players map[string]Bet `json:"players"`
}

// RoundEndEvent reveals the seeds so any client can re-derive the crash
// point. Unverifiable marks rounds whose public seed came from the local
// fallback instead of the beacon.
type RoundEndEvent struct {
	CrashPoint   Multiplier `json:"crashPoint"`
	PrivateSeed  string     `json:"privateSeed"`
	PublicSeed   string     `json:"publicSeed"`
	Unverifiable bool       `json:"unverifiable"`
}

type WalletEvent struct {
	Balance Cents `json:"balance"`
}

type CashoutEvent struct {
	Multiplier Multiplier `json:"multiplier"`
	Payout     Cents      `json:"payout"`
	Balance    Cents      `json:"balance"`
}
