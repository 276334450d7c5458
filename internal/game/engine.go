package game

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"crash/internal/config"
)

const (
	// growthRate is the exponential multiplier growth constant per elapsed
	// millisecond. multiplierAt must floor to the same hundredths encoding
	// as DeriveCrashPoint so crash comparison happens on identical
	// representations.
	growthRate = 0.00006

	requestQueueSize = 1000
	joinTimeout      = 5 * time.Second
	cashoutTimeout   = 500 * time.Millisecond

	historyBroadcastDelay = 500 * time.Millisecond
	persistAttempts       = 3
	persistTimeout        = 5 * time.Second
)

// multiplierAt computes the live multiplier for a given elapsed time,
// floored to hundredths. Monotonically non-decreasing in elapsed time.
func multiplierAt(elapsed time.Duration) Multiplier {
	ms := float64(elapsed) / float64(time.Millisecond)
	return Multiplier(math.Floor(100 * math.Exp(growthRate*ms)))
}

// EngineDeps bundles the engine's collaborators. All of them are interfaces
// so tests can swap in fakes.
type EngineDeps struct {
	Gateway Broadcaster
	Users   UserStore
	Bots    BotPool
	Rounds  RoundStore
	Seeds   SeedSource
}

// Engine runs the round lifecycle. A single goroutine started by Run owns
// the current round and is the only mutator of it; joins and cashouts reach
// that goroutine over serialized channels, so a tick and a cashout for the
// same player can never interleave.
type Engine struct {
	cfg     config.GameConfig
	gateway Broadcaster
	users   UserStore
	bots    BotPool
	rounds  RoundStore
	seeds   SeedSource

	// crash-point derivation, swappable in tests
	derive func(privateSeed, publicSeed string) Multiplier

	mu        sync.RWMutex
	current   *Round
	startedAt time.Time

	joinCh    chan JoinRequest
	cashoutCh chan CashoutRequest
	stopCh    chan struct{}
}

func NewEngine(cfg config.GameConfig, deps EngineDeps) *Engine {
	return &Engine{
		cfg:       cfg,
		gateway:   deps.Gateway,
		users:     deps.Users,
		bots:      deps.Bots,
		rounds:    deps.Rounds,
		seeds:     deps.Seeds,
		derive:    DeriveCrashPoint,
		joinCh:    make(chan JoinRequest, requestQueueSize),
		cashoutCh: make(chan CashoutRequest, requestQueueSize),
		stopCh:    make(chan struct{}),
	}
}

// Run drives rounds back to back until Stop. Request errors never end the
// loop; only Stop does.
func (e *Engine) Run() {
	for {
		select {
		case <-e.stopCh:
			zap.S().Info("round loop stopped")
			return
		default:
			e.runRound()
		}
	}
}

func (e *Engine) Stop() {
	close(e.stopCh)
}

// Join hands a bet request to the round goroutine and waits for the verdict.
func (e *Engine) Join(req JoinRequest) JoinResponse {
	req.resp = make(chan JoinResponse, 1)
	select {
	case e.joinCh <- req:
	default:
		return JoinResponse{Message: joinMessage(ErrQueueFull), Err: ErrQueueFull}
	}
	select {
	case resp := <-req.resp:
		return resp
	case <-time.After(joinTimeout):
		return JoinResponse{Message: joinMessage(ErrRequestTimeout), Err: ErrRequestTimeout}
	}
}

// Cashout requests a cashout for the given player at the current tick's
// multiplier. The identity must already be resolved by the gateway; the
// engine trusts it.
func (e *Engine) Cashout(playerID string) CashoutResponse {
	req := CashoutRequest{PlayerID: playerID, resp: make(chan CashoutResponse, 1)}
	select {
	case e.cashoutCh <- req:
	default:
		return CashoutResponse{Message: cashoutMessage(ErrQueueFull), Err: ErrQueueFull}
	}
	select {
	case resp := <-req.resp:
		return resp
	case <-time.After(cashoutTimeout):
		return CashoutResponse{Message: cashoutMessage(ErrRequestTimeout), Err: ErrRequestTimeout}
	}
}

// Snapshot returns a client-safe copy of the live round, or nil before the
// first round starts.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r := e.current
	if r == nil {
		return nil
	}
	players := make(map[string]Bet, len(r.Players))
	for id, b := range r.Players {
		players[id] = *b
	}
	var elapsed int64
	if r.StartedAt != nil && r.Status == RoundInProgress {
		elapsed = time.Since(*r.StartedAt).Milliseconds()
	}
	return &Snapshot{
		Status:            r.Status,
		PrivateHash:       r.PrivateHash,
		CurrentMultiplier: r.CurrentMultiplier,
		ElapsedMs:         elapsed,
		Players:           players,
	}
}

// History returns recent settled rounds for replay to clients.
func (e *Engine) History(ctx context.Context) ([]RoundSummary, error) {
	return e.rounds.Recent(ctx, e.cfg.HistorySize)
}

func (e *Engine) runRound() {
	seed, hash := GeneratePrivateSeed()

	e.mu.Lock()
	e.current = &Round{
		Status:            RoundStarting,
		PrivateSeed:       seed,
		PrivateHash:       hash,
		CurrentMultiplier: MinMultiplier,
		Players:           make(map[string]*Bet),
	}
	r := e.current
	e.mu.Unlock()

	zap.S().Infow("round starting", "commitment", hash[:16])
	e.gateway.Broadcast(EventRoundStarting, RoundStartingEvent{
		PrivateHash: hash,
		Countdown:   e.cfg.BettingWindow.Seconds(),
	})

	e.addBots(context.Background())

	if !e.bettingPhase() {
		return
	}

	// Betting is closed; fix the fairness material and the crash point.
	// The crash point stays server-side until the round ends.
	publicSeed, unverifiable := e.obtainPublicSeed()
	crashPoint := e.derive(seed, publicSeed)

	now := time.Now()
	e.mu.Lock()
	r.Status = RoundInProgress
	r.PublicSeed = publicSeed
	r.Unverifiable = unverifiable
	r.CrashPoint = crashPoint
	r.StartedAt = &now
	e.mu.Unlock()
	e.startedAt = now

	e.gateway.Broadcast(EventRoundStart, struct{}{})
	e.broadcastRoster()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for running := true; running; {
		select {
		case <-ticker.C:
			if e.tick() {
				running = false
			}
		case req := <-e.cashoutCh:
			e.processCashout(req)
		case req := <-e.joinCh:
			e.rejectJoin(req, ErrWrongPhase)
		case <-e.stopCh:
			return
		}
	}

	e.settle()

	// Inter-round pause. Stale requests are answered, never queued into the
	// next round.
	pause := time.NewTimer(e.cfg.RestartPause)
	defer pause.Stop()
	for {
		select {
		case <-pause.C:
			return
		case req := <-e.joinCh:
			e.rejectJoin(req, ErrWrongPhase)
		case req := <-e.cashoutCh:
			e.rejectCashout(req, ErrWrongPhase)
		case <-e.stopCh:
			return
		}
	}
}

// bettingPhase runs the fixed betting window, serving joins and a once-a-
// second countdown broadcast. Nothing can extend or shorten the window.
// Returns false if the engine was stopped.
func (e *Engine) bettingPhase() bool {
	deadline := time.Now().Add(e.cfg.BettingWindow)
	window := time.NewTimer(e.cfg.BettingWindow)
	defer window.Stop()
	countdown := time.NewTicker(time.Second)
	defer countdown.Stop()

	for {
		select {
		case <-window.C:
			return true
		case req := <-e.joinCh:
			e.processJoin(req)
		case req := <-e.cashoutCh:
			e.rejectCashout(req, ErrWrongPhase)
		case <-countdown.C:
			left := int(time.Until(deadline).Round(time.Second).Seconds())
			if left < 0 {
				left = 0
			}
			e.gateway.Broadcast(EventCountdown, CountdownEvent{Seconds: left})
		case <-e.stopCh:
			return false
		}
	}
}

func (e *Engine) obtainPublicSeed() (seed string, unverifiable bool) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SeedTimeout)
	defer cancel()
	seed, err := e.seeds.PublicSeed(ctx)
	if err != nil {
		// The round still runs; the provably-fair claim is relaxed, not the
		// service. The flag is persisted and revealed with the seeds.
		zap.S().Warnw("public seed fetch failed, using local fallback", "error", err)
		return fallbackPublicSeed(), true
	}
	return seed, false
}

// tick advances the multiplier one step. Order within a tick: clamp to the
// crash point, broadcast, auto-cashouts, then the crash check — so a target
// exactly equal to the crash point cashes out rather than busting.
func (e *Engine) tick() (crashed bool) {
	r := e.current
	m := multiplierAt(time.Since(e.startedAt))
	if m >= r.CrashPoint {
		m = r.CrashPoint
		crashed = true
	}

	e.mu.Lock()
	r.CurrentMultiplier = m
	e.mu.Unlock()

	e.gateway.Broadcast(EventTick, TickEvent{
		Multiplier: m,
		ElapsedMs:  time.Since(e.startedAt).Milliseconds(),
	})
	e.processAutoCashouts(m)
	return crashed
}

func (e *Engine) processJoin(req JoinRequest) {
	resp := e.join(req)
	if req.resp != nil {
		req.resp <- resp
	}
}

func (e *Engine) join(req JoinRequest) JoinResponse {
	r := e.current
	if r == nil || r.Status != RoundStarting {
		return JoinResponse{Message: joinMessage(ErrWrongPhase), Err: ErrWrongPhase}
	}
	if req.BetAmount < Cents(e.cfg.MinBetCents) || req.BetAmount > Cents(e.cfg.MaxBetCents) {
		return JoinResponse{Message: joinMessage(ErrBetLimits), Err: ErrBetLimits}
	}
	if _, ok := r.Players[req.PlayerID]; ok {
		return JoinResponse{Message: joinMessage(ErrAlreadyJoined), Err: ErrAlreadyJoined}
	}

	balance, err := e.users.Debit(context.Background(), req.PlayerID, req.BetAmount)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return JoinResponse{Message: joinMessage(ErrInsufficientFunds), Err: ErrInsufficientFunds}
		}
		zap.S().Errorw("bet debit failed", "player", req.PlayerID, "error", err)
		return JoinResponse{Message: "bet could not be placed", Err: err}
	}

	bet := &Bet{
		PlayerID:    req.PlayerID,
		Username:    req.Username,
		Avatar:      req.Avatar,
		BetAmount:   req.BetAmount,
		AutoCashout: req.AutoCashout,
		Status:      BetPlaying,
	}
	e.mu.Lock()
	r.Players[req.PlayerID] = bet
	e.mu.Unlock()

	e.gateway.SendToUser(req.PlayerID, EventWalletUpdate, WalletEvent{Balance: balance})
	e.broadcastRoster()
	return JoinResponse{Success: true, Message: "bet placed", Balance: balance}
}

func (e *Engine) processCashout(req CashoutRequest) {
	resp := e.cashout(req.PlayerID)
	if req.resp != nil {
		req.resp <- resp
	}
}

func (e *Engine) cashout(playerID string) CashoutResponse {
	r := e.current
	if r == nil || r.Status != RoundInProgress {
		return CashoutResponse{Message: cashoutMessage(ErrWrongPhase), Err: ErrWrongPhase}
	}
	bet, ok := r.Players[playerID]
	if !ok {
		return CashoutResponse{Message: cashoutMessage(ErrNoBet), Err: ErrNoBet}
	}
	if bet.Status == BetCashedOut {
		return CashoutResponse{Message: cashoutMessage(ErrAlreadyCashedOut), Err: ErrAlreadyCashedOut}
	}
	m := r.CurrentMultiplier
	if m < Multiplier(e.cfg.MinCashout) {
		return CashoutResponse{
			Message: fmt.Sprintf("the minimum cashout is %.2fx", Multiplier(e.cfg.MinCashout).Float64()),
			Err:     ErrBelowMinCashout,
		}
	}

	payout, balance, err := e.settleCashout(bet, m)
	if err != nil {
		return CashoutResponse{Message: "cashout failed", Err: err}
	}
	e.broadcastRoster()
	return CashoutResponse{
		Success:    true,
		Message:    fmt.Sprintf("cashed out at %.2fx", m.Float64()),
		Multiplier: m,
		Payout:     payout,
		Balance:    balance,
	}
}

// processAutoCashouts settles every Playing bet whose target the tick's
// multiplier has reached, through the same path as a manual cashout.
func (e *Engine) processAutoCashouts(m Multiplier) {
	settled := false
	for _, bet := range e.current.Players {
		if bet.Status == BetPlaying && bet.AutoCashout > 0 && m >= bet.AutoCashout {
			if _, _, err := e.settleCashout(bet, m); err != nil {
				zap.S().Errorw("auto-cashout credit failed", "player", bet.PlayerID, "error", err)
				continue
			}
			settled = true
		}
	}
	if settled {
		e.broadcastRoster()
	}
}

// settleCashout is the single settlement path for manual and automatic
// cashouts. The Playing -> CashedOut transition happens here and nowhere
// else, only after the wallet credit succeeded, and only on the round
// goroutine, so a bet can never pay twice.
func (e *Engine) settleCashout(bet *Bet, m Multiplier) (payout, balance Cents, err error) {
	payout = bet.BetAmount.Payout(m)
	balance, err = e.users.Credit(context.Background(), bet.PlayerID, payout)
	if err != nil {
		return 0, 0, err
	}

	e.mu.Lock()
	bet.Status = BetCashedOut
	bet.StoppedAt = m
	bet.WinningAmount = payout
	e.mu.Unlock()

	e.gateway.SendToUser(bet.PlayerID, EventCashoutSuccess, CashoutEvent{
		Multiplier: m,
		Payout:     payout,
		Balance:    balance,
	})
	e.gateway.SendToUser(bet.PlayerID, EventWalletUpdate, WalletEvent{Balance: balance})
	return payout, balance, nil
}

// settle finalizes the crashed round. Remaining Playing bets are losses; no
// wallet mutation is needed because stakes were debited at join. The record
// is handed to storage without blocking the next round.
func (e *Engine) settle() {
	r := e.current

	e.mu.Lock()
	r.Status = RoundOver
	e.mu.Unlock()

	busted := 0
	for _, b := range r.Players {
		if b.Status == BetPlaying {
			busted++
		}
	}
	zap.S().Infow("round crashed",
		"crashPoint", r.CrashPoint.Float64(),
		"players", len(r.Players),
		"busted", busted,
		"unverifiable", r.Unverifiable,
	)

	e.gateway.Broadcast(EventRoundEnd, RoundEndEvent{
		CrashPoint:   r.CrashPoint,
		PrivateSeed:  r.PrivateSeed,
		PublicSeed:   r.PublicSeed,
		Unverifiable: r.Unverifiable,
	})
	e.broadcastRoster()

	e.mu.Lock()
	r.Status = RoundSettled
	e.mu.Unlock()

	// The round is immutable from here; the goroutine owns it.
	go e.persist(r)
}

func (e *Engine) persist(r *Round) {
	var persisted bool
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		id, err := e.rounds.Persist(ctx, r)
		cancel()
		if err == nil {
			r.ID = id
			persisted = true
			break
		}
		zap.S().Errorw("round persist failed", "attempt", attempt, "error", err)
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	if !persisted {
		// History will be missing this round until ops replays it; gameplay
		// is unaffected.
		zap.S().Errorw("round dropped from history after retries", "crashPoint", r.CrashPoint.Float64())
		return
	}

	time.Sleep(historyBroadcastDelay)
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	history, err := e.rounds.Recent(ctx, e.cfg.HistorySize)
	if err != nil {
		zap.S().Warnw("history fetch failed", "error", err)
		return
	}
	e.gateway.Broadcast(EventHistory, history)
}

func (e *Engine) broadcastRoster() {
	e.mu.RLock()
	players := make(map[string]Bet, len(e.current.Players))
	for id, b := range e.current.Players {
		players[id] = *b
	}
	e.mu.RUnlock()
	e.gateway.Broadcast(EventUserList, RosterEvent{Players: players})
}

func (e *Engine) rejectJoin(req JoinRequest, err error) {
	if req.resp != nil {
		req.resp <- JoinResponse{Message: joinMessage(err), Err: err}
	}
}

func (e *Engine) rejectCashout(req CashoutRequest, err error) {
	if req.resp != nil {
		req.resp <- CashoutResponse{Message: cashoutMessage(err), Err: err}
	}
}

func joinMessage(err error) string {
	switch {
	case errors.Is(err, ErrWrongPhase):
		return "game is currently in progress"
	case errors.Is(err, ErrBetLimits):
		return "invalid bet amount"
	case errors.Is(err, ErrInsufficientFunds):
		return "you can't afford this bet"
	case errors.Is(err, ErrAlreadyJoined):
		return "you have already joined this game"
	case errors.Is(err, ErrQueueFull):
		return "too many requests, try again"
	case errors.Is(err, ErrRequestTimeout):
		return "bet timed out"
	}
	return "failed to join game"
}

func cashoutMessage(err error) string {
	switch {
	case errors.Is(err, ErrWrongPhase):
		return "the game has already ended"
	case errors.Is(err, ErrNoBet):
		return "you are not in this game"
	case errors.Is(err, ErrAlreadyCashedOut):
		return "you have already cashed out"
	case errors.Is(err, ErrQueueFull):
		return "too many requests, try again"
	case errors.Is(err, ErrRequestTimeout):
		return "cashout timed out"
	}
	return "failed to cashout"
}
