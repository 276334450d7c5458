package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"crash/internal/config"
)

type fakeGateway struct {
	mu         sync.Mutex
	broadcasts []Envelope
	direct     map[string][]Envelope
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{direct: make(map[string][]Envelope)}
}

func (g *fakeGateway) Broadcast(event string, payload interface{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.broadcasts = append(g.broadcasts, Envelope{Type: event, Data: payload})
}

func (g *fakeGateway) SendToUser(playerID, event string, payload interface{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.direct[playerID] = append(g.direct[playerID], Envelope{Type: event, Data: payload})
}

func (g *fakeGateway) broadcastCount(event string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, env := range g.broadcasts {
		if env.Type == event {
			n++
		}
	}
	return n
}

type fakeUsers struct {
	mu       sync.Mutex
	balances map[string]Cents
	credits  int
}

func newFakeUsers(balances map[string]Cents) *fakeUsers {
	if balances == nil {
		balances = make(map[string]Cents)
	}
	return &fakeUsers{balances: balances}
}

func (u *fakeUsers) GetBalance(_ context.Context, playerID string) (Cents, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.balances[playerID], nil
}

func (u *fakeUsers) Debit(_ context.Context, playerID string, amount Cents) (Cents, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	balance, ok := u.balances[playerID]
	if !ok || balance < amount {
		return 0, ErrInsufficientFunds
	}
	u.balances[playerID] = balance - amount
	return u.balances[playerID], nil
}

func (u *fakeUsers) Credit(_ context.Context, playerID string, amount Cents) (Cents, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.balances[playerID] += amount
	u.credits++
	return u.balances[playerID], nil
}

func (u *fakeUsers) balance(playerID string) Cents {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.balances[playerID]
}

type fakeBots struct {
	pool []BotProfile
}

func (b *fakeBots) Sample(_ context.Context, n int) ([]BotProfile, error) {
	if len(b.pool) > n {
		return b.pool[:n], nil
	}
	return b.pool, nil
}

type fakeRounds struct {
	mu        sync.Mutex
	persisted []*Round
}

func (r *fakeRounds) Persist(_ context.Context, round *Round) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persisted = append(r.persisted, round)
	return fmt.Sprintf("round-%d", len(r.persisted)), nil
}

func (r *fakeRounds) Recent(_ context.Context, n int) ([]RoundSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RoundSummary, 0, n)
	for i := len(r.persisted) - 1; i >= 0 && len(out) < n; i-- {
		p := r.persisted[i]
		out = append(out, RoundSummary{
			CrashPoint:   p.CrashPoint,
			PrivateSeed:  p.PrivateSeed,
			PrivateHash:  p.PrivateHash,
			PublicSeed:   p.PublicSeed,
			Unverifiable: p.Unverifiable,
			PlayerCount:  len(p.Players),
		})
	}
	return out, nil
}

func (r *fakeRounds) waitPersisted(t *testing.T, n int) *Round {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.persisted) >= n {
			round := r.persisted[n-1]
			r.mu.Unlock()
			return round
		}
		r.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("round %d was never persisted", n)
	return nil
}

type fakeSeeds struct {
	seed string
	err  error
}

func (s *fakeSeeds) PublicSeed(context.Context) (string, error) {
	return s.seed, s.err
}

func testGameConfig() config.GameConfig {
	return config.GameConfig{
		BettingWindow: 150 * time.Millisecond,
		RestartPause:  10 * time.Millisecond,
		TickInterval:  10 * time.Millisecond,
		SeedTimeout:   100 * time.Millisecond,
		MinBetCents:   10,
		MaxBetCents:   50000,
		MinCashout:    101,
		MinBots:       0,
		MaxBots:       0,
		BotPoolSize:   0,
		HistorySize:   8,
	}
}

func newTestEngine(users *fakeUsers) (*Engine, *fakeGateway, *fakeRounds) {
	gw := newFakeGateway()
	rounds := &fakeRounds{}
	e := NewEngine(testGameConfig(), EngineDeps{
		Gateway: gw,
		Users:   users,
		Bots:    &fakeBots{},
		Rounds:  rounds,
		Seeds:   &fakeSeeds{seed: "public-seed"},
	})
	return e, gw, rounds
}

// setRound installs a round directly, bypassing the loop, so settlement
// logic can be exercised deterministically.
func setRound(e *Engine, status RoundStatus, crashPoint, current Multiplier) *Round {
	now := time.Now()
	r := &Round{
		Status:            status,
		CrashPoint:        crashPoint,
		CurrentMultiplier: current,
		StartedAt:         &now,
		PrivateSeed:       "private",
		PrivateHash:       "hash",
		PublicSeed:        "public",
		Players:           make(map[string]*Bet),
	}
	e.mu.Lock()
	e.current = r
	e.mu.Unlock()
	e.startedAt = now
	return r
}

func TestMultiplierAt(t *testing.T) {
	tests := []struct {
		elapsed time.Duration
		want    Multiplier
	}{
		{0, 100},
		{1 * time.Second, 106},
		{5 * time.Second, 134},
		{10 * time.Second, 182},
	}
	for _, tt := range tests {
		if got := multiplierAt(tt.elapsed); got != tt.want {
			t.Errorf("multiplierAt(%v) = %d, want %d", tt.elapsed, got, tt.want)
		}
	}

	prev := Multiplier(0)
	for ms := 0; ms <= 20000; ms += 50 {
		m := multiplierAt(time.Duration(ms) * time.Millisecond)
		if m < prev {
			t.Fatalf("multiplierAt not monotonic at %dms: %d < %d", ms, m, prev)
		}
		prev = m
	}
}

func TestJoin_Validation(t *testing.T) {
	tests := []struct {
		name    string
		status  RoundStatus
		req     JoinRequest
		balance Cents
		wantErr error
	}{
		{
			name:    "wrong phase",
			status:  RoundInProgress,
			req:     JoinRequest{PlayerID: "p1", BetAmount: 1000},
			balance: 10000,
			wantErr: ErrWrongPhase,
		},
		{
			name:    "bet below minimum",
			status:  RoundStarting,
			req:     JoinRequest{PlayerID: "p1", BetAmount: 5},
			balance: 10000,
			wantErr: ErrBetLimits,
		},
		{
			name:    "bet above maximum",
			status:  RoundStarting,
			req:     JoinRequest{PlayerID: "p1", BetAmount: 60000},
			balance: 100000,
			wantErr: ErrBetLimits,
		},
		{
			name:    "insufficient balance",
			status:  RoundStarting,
			req:     JoinRequest{PlayerID: "p1", BetAmount: 1000},
			balance: 999,
			wantErr: ErrInsufficientFunds,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users := newFakeUsers(map[string]Cents{"p1": tt.balance})
			e, _, _ := newTestEngine(users)
			r := setRound(e, tt.status, 500, 100)

			resp := e.join(tt.req)
			if resp.Success {
				t.Fatal("join should have been rejected")
			}
			if !errors.Is(resp.Err, tt.wantErr) {
				t.Errorf("join error = %v, want %v", resp.Err, tt.wantErr)
			}
			if len(r.Players) != 0 {
				t.Error("ledger must be unchanged after a rejected join")
			}
			if users.balance("p1") != tt.balance {
				t.Errorf("balance changed on rejected join: %d", users.balance("p1"))
			}
		})
	}
}

func TestJoin_Success(t *testing.T) {
	users := newFakeUsers(map[string]Cents{"p1": 5000})
	e, gw, _ := newTestEngine(users)
	r := setRound(e, RoundStarting, 500, 100)

	resp := e.join(JoinRequest{
		PlayerID:    "p1",
		Username:    "alice",
		Avatar:      "a.png",
		BetAmount:   1000,
		AutoCashout: 250,
	})
	if !resp.Success {
		t.Fatalf("join failed: %s", resp.Message)
	}
	if resp.Balance != 4000 {
		t.Errorf("response balance = %d, want 4000", resp.Balance)
	}
	if users.balance("p1") != 4000 {
		t.Errorf("stored balance = %d, want 4000", users.balance("p1"))
	}

	bet := r.Players["p1"]
	if bet == nil {
		t.Fatal("bet missing from ledger")
	}
	if bet.Status != BetPlaying || bet.BetAmount != 1000 || bet.AutoCashout != 250 {
		t.Errorf("unexpected bet: %+v", bet)
	}
	if gw.broadcastCount(EventUserList) == 0 {
		t.Error("roster broadcast missing after join")
	}

	// Second join for the same player must be rejected with the ledger and
	// balance untouched.
	dup := e.join(JoinRequest{PlayerID: "p1", BetAmount: 500})
	if !errors.Is(dup.Err, ErrAlreadyJoined) {
		t.Errorf("duplicate join error = %v, want ErrAlreadyJoined", dup.Err)
	}
	if users.balance("p1") != 4000 {
		t.Error("duplicate join must not touch the balance")
	}
}

func TestCashout_Flow(t *testing.T) {
	users := newFakeUsers(map[string]Cents{"p1": 0, "p2": 0})
	e, _, _ := newTestEngine(users)
	r := setRound(e, RoundInProgress, 500, 250)
	r.Players["p1"] = &Bet{PlayerID: "p1", BetAmount: 1000, Status: BetPlaying}

	t.Run("unknown player", func(t *testing.T) {
		resp := e.cashout("p2")
		if !errors.Is(resp.Err, ErrNoBet) {
			t.Errorf("error = %v, want ErrNoBet", resp.Err)
		}
	})

	t.Run("success uses current tick multiplier", func(t *testing.T) {
		resp := e.cashout("p1")
		if !resp.Success {
			t.Fatalf("cashout failed: %s", resp.Message)
		}
		if resp.Multiplier != 250 || resp.Payout != 2500 {
			t.Errorf("cashout = %dx %d, want 250x 2500", resp.Multiplier, resp.Payout)
		}
		if users.balance("p1") != 2500 {
			t.Errorf("balance = %d, want 2500", users.balance("p1"))
		}
		bet := r.Players["p1"]
		if bet.Status != BetCashedOut || bet.StoppedAt != 250 || bet.WinningAmount != 2500 {
			t.Errorf("unexpected bet after cashout: %+v", bet)
		}
	})

	t.Run("second cashout rejected without recredit", func(t *testing.T) {
		resp := e.cashout("p1")
		if !errors.Is(resp.Err, ErrAlreadyCashedOut) {
			t.Errorf("error = %v, want ErrAlreadyCashedOut", resp.Err)
		}
		if users.balance("p1") != 2500 {
			t.Error("rejected cashout must not credit again")
		}
	})
}

func TestCashout_WrongPhaseAndMinimum(t *testing.T) {
	users := newFakeUsers(map[string]Cents{"p1": 0})
	e, _, _ := newTestEngine(users)

	r := setRound(e, RoundStarting, 500, 100)
	r.Players["p1"] = &Bet{PlayerID: "p1", BetAmount: 1000, Status: BetPlaying}
	if resp := e.cashout("p1"); !errors.Is(resp.Err, ErrWrongPhase) {
		t.Errorf("starting-phase cashout error = %v, want ErrWrongPhase", resp.Err)
	}

	r = setRound(e, RoundInProgress, 500, 100)
	r.Players["p1"] = &Bet{PlayerID: "p1", BetAmount: 1000, Status: BetPlaying}
	if resp := e.cashout("p1"); !errors.Is(resp.Err, ErrBelowMinCashout) {
		t.Errorf("below-minimum cashout error = %v, want ErrBelowMinCashout", resp.Err)
	}
}

func TestCashout_ConcurrentRequests(t *testing.T) {
	users := newFakeUsers(map[string]Cents{"p1": 0})
	e, _, _ := newTestEngine(users)
	r := setRound(e, RoundInProgress, 500, 200)
	r.Players["p1"] = &Bet{PlayerID: "p1", BetAmount: 1000, Status: BetPlaying}

	// Serve the request channel the way the round goroutine does.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case req := <-e.cashoutCh:
				e.processCashout(req)
			case <-done:
				return
			}
		}
	}()

	const attempts = 50
	results := make(chan CashoutResponse, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- e.Cashout("p1")
		}()
	}
	wg.Wait()
	close(results)

	successes, alreadyOut := 0, 0
	for resp := range results {
		switch {
		case resp.Success:
			successes++
		case errors.Is(resp.Err, ErrAlreadyCashedOut):
			alreadyOut++
		default:
			t.Errorf("unexpected cashout error: %v", resp.Err)
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if alreadyOut != attempts-1 {
		t.Errorf("already-cashed-out rejections = %d, want %d", alreadyOut, attempts-1)
	}
	if users.balance("p1") != 2000 {
		t.Errorf("balance = %d, want a single 2000 payout", users.balance("p1"))
	}
}

func TestAutoCashout_Scenario(t *testing.T) {
	// Bet 10.00 with target 2.00x. Ticks produce 1.20, 1.55, 2.01, 2.40 and
	// the round later crashes at 3.10: the bet must settle at 2.01 for a
	// payout of 20.10, not at 2.40.
	users := newFakeUsers(map[string]Cents{"p1": 0})
	e, _, _ := newTestEngine(users)
	r := setRound(e, RoundInProgress, 310, 100)
	r.Players["p1"] = &Bet{PlayerID: "p1", BetAmount: 1000, AutoCashout: 200, Status: BetPlaying}

	for _, m := range []Multiplier{120, 155} {
		r.CurrentMultiplier = m
		e.processAutoCashouts(m)
		if r.Players["p1"].Status != BetPlaying {
			t.Fatalf("bet settled early at %d", m)
		}
	}

	r.CurrentMultiplier = 201
	e.processAutoCashouts(201)
	bet := r.Players["p1"]
	if bet.Status != BetCashedOut {
		t.Fatal("bet should have auto-cashed at 2.01x")
	}
	if bet.StoppedAt != 201 || bet.WinningAmount != 2010 {
		t.Errorf("settled at %d for %d, want 201 for 2010", bet.StoppedAt, bet.WinningAmount)
	}

	r.CurrentMultiplier = 240
	e.processAutoCashouts(240)
	if bet.StoppedAt != 201 || users.credits != 1 {
		t.Error("later tick must not re-settle an already cashed-out bet")
	}
	if users.balance("p1") != 2010 {
		t.Errorf("balance = %d, want 2010", users.balance("p1"))
	}
}

func TestTick_ClampsAndCrashes(t *testing.T) {
	users := newFakeUsers(map[string]Cents{"p1": 0})
	e, gw, _ := newTestEngine(users)
	r := setRound(e, RoundInProgress, 150, 100)
	past := time.Now().Add(-20 * time.Second) // far beyond the crash point
	r.StartedAt = &past
	e.startedAt = past
	r.Players["p1"] = &Bet{PlayerID: "p1", BetAmount: 1000, Status: BetPlaying}

	if !e.tick() {
		t.Fatal("tick should report the crash")
	}
	if r.CurrentMultiplier != 150 {
		t.Errorf("multiplier = %d, want clamped to crash point 150", r.CurrentMultiplier)
	}
	if gw.broadcastCount(EventTick) == 0 {
		t.Error("crash tick must still broadcast the multiplier")
	}
	if r.Players["p1"].Status != BetPlaying {
		t.Error("bet without auto-cashout must remain Playing at crash")
	}
}

func TestTick_TargetEqualToCrashPointCashesOut(t *testing.T) {
	// Auto-cashouts run before the crash transition within a tick, so a
	// target exactly equal to the crash point wins.
	users := newFakeUsers(map[string]Cents{"p1": 0})
	e, _, _ := newTestEngine(users)
	r := setRound(e, RoundInProgress, 200, 100)
	past := time.Now().Add(-20 * time.Second)
	r.StartedAt = &past
	e.startedAt = past
	r.Players["p1"] = &Bet{PlayerID: "p1", BetAmount: 1000, AutoCashout: 200, Status: BetPlaying}

	if !e.tick() {
		t.Fatal("tick should report the crash")
	}
	bet := r.Players["p1"]
	if bet.Status != BetCashedOut || bet.StoppedAt != 200 {
		t.Errorf("bet = %+v, want cashed out at the crash point", bet)
	}
	if users.balance("p1") != 2000 {
		t.Errorf("balance = %d, want 2000", users.balance("p1"))
	}
}

func TestSettle_FinalizesLossesWithoutCredits(t *testing.T) {
	// Two players, bets 5.00 and 15.00, crash at 1.50x, nobody cashes out:
	// both stay Playing, neither is credited.
	users := newFakeUsers(map[string]Cents{"p1": 0, "p2": 0})
	e, gw, rounds := newTestEngine(users)
	r := setRound(e, RoundInProgress, 150, 150)
	r.Players["p1"] = &Bet{PlayerID: "p1", BetAmount: 500, Status: BetPlaying}
	r.Players["p2"] = &Bet{PlayerID: "p2", BetAmount: 1500, Status: BetPlaying}

	e.settle()

	if r.Status != RoundSettled {
		t.Errorf("status = %v, want settled", r.Status)
	}
	persisted := rounds.waitPersisted(t, 1)
	if persisted.CrashPoint != 150 {
		t.Errorf("persisted crash point = %d, want 150", persisted.CrashPoint)
	}
	if len(persisted.Players) != 2 {
		t.Errorf("persisted players = %d, want 2", len(persisted.Players))
	}
	for id, bet := range persisted.Players {
		if bet.Status != BetPlaying {
			t.Errorf("player %s status = %v, want Playing (derived loss)", id, bet.Status)
		}
	}
	if users.balance("p1") != 0 || users.balance("p2") != 0 {
		t.Error("losses must not credit balances")
	}
	if users.credits != 0 {
		t.Errorf("credits = %d, want 0", users.credits)
	}
	if gw.broadcastCount(EventRoundEnd) != 1 {
		t.Error("round end broadcast missing")
	}
}

func TestRunRound_CompletesWithSeedFallback(t *testing.T) {
	users := newFakeUsers(map[string]Cents{"p1": 5000})
	gw := newFakeGateway()
	rounds := &fakeRounds{}
	e := NewEngine(testGameConfig(), EngineDeps{
		Gateway: gw,
		Users:   users,
		Bots:    &fakeBots{},
		Rounds:  rounds,
		Seeds:   &fakeSeeds{err: errors.New("beacon unreachable")},
	})
	// A low fixed crash point keeps the in-progress phase short.
	e.derive = func(_, _ string) Multiplier { return 103 }

	joined := make(chan JoinResponse, 1)
	go func() {
		time.Sleep(30 * time.Millisecond) // inside the betting window
		joined <- e.Join(JoinRequest{PlayerID: "p1", Username: "alice", BetAmount: 1000})
	}()

	e.runRound()

	resp := <-joined
	if !resp.Success {
		t.Fatalf("mid-window join failed: %s", resp.Message)
	}

	persisted := rounds.waitPersisted(t, 1)
	if !persisted.Unverifiable {
		t.Error("fallback-seed round must be marked unverifiable")
	}
	if persisted.CrashPoint < MinMultiplier {
		t.Errorf("crash point = %d, below 1.00x", persisted.CrashPoint)
	}
	if persisted.PublicSeed == "" {
		t.Error("fallback public seed missing from the record")
	}
	if bet := persisted.Players["p1"]; bet == nil || bet.Status != BetPlaying {
		t.Errorf("player bet not finalized as a loss: %+v", bet)
	}
	if users.balance("p1") != 4000 {
		t.Errorf("balance = %d, want stake kept by the house", users.balance("p1"))
	}
	if gw.broadcastCount(EventRoundStarting) != 1 || gw.broadcastCount(EventRoundStart) != 1 {
		t.Error("lifecycle broadcasts missing")
	}
}

func TestSnapshot_HidesFairnessMaterial(t *testing.T) {
	users := newFakeUsers(nil)
	e, _, _ := newTestEngine(users)

	if e.Snapshot() != nil {
		t.Error("snapshot before the first round should be nil")
	}

	r := setRound(e, RoundInProgress, 500, 130)
	r.Players["p1"] = &Bet{PlayerID: "p1", BetAmount: 1000, Status: BetPlaying}

	snap := e.Snapshot()
	if snap.Status != RoundInProgress || snap.CurrentMultiplier != 130 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.PrivateHash == "" {
		t.Error("snapshot must carry the commitment hash")
	}
	if len(snap.Players) != 1 {
		t.Errorf("snapshot players = %d, want 1", len(snap.Players))
	}

	// Mutating the snapshot must not touch the live round.
	bet := snap.Players["p1"]
	bet.Status = BetCashedOut
	snap.Players["p1"] = bet
	if r.Players["p1"].Status != BetPlaying {
		t.Error("snapshot aliases live round state")
	}
}

func TestAddBots_UsesJoinPath(t *testing.T) {
	balances := make(map[string]Cents)
	pool := make([]BotProfile, 20)
	for i := range pool {
		id := fmt.Sprintf("bot-%d", i)
		pool[i] = BotProfile{ID: id, Username: id, Avatar: ""}
		balances[id] = 1000000
	}
	users := newFakeUsers(balances)
	gw := newFakeGateway()
	cfg := testGameConfig()
	cfg.MinBots = 8
	cfg.MaxBots = 11
	cfg.BotPoolSize = 20
	e := NewEngine(cfg, EngineDeps{
		Gateway: gw,
		Users:   users,
		Bots:    &fakeBots{pool: pool},
		Rounds:  &fakeRounds{},
		Seeds:   &fakeSeeds{seed: "s"},
	})
	r := setRound(e, RoundStarting, 500, 100)

	e.addBots(context.Background())

	if n := len(r.Players); n < 8 || n > 11 {
		t.Fatalf("bot count = %d, want between 8 and 11", n)
	}
	for id, bet := range r.Players {
		if bet.Status != BetPlaying {
			t.Errorf("bot %s not Playing", id)
		}
		if bet.BetAmount < 10 || bet.BetAmount >= 12020 {
			t.Errorf("bot %s stake %d outside weighted range", id, bet.BetAmount)
		}
		if bet.AutoCashout < 105 || bet.AutoCashout >= 2000 {
			t.Errorf("bot %s target %d outside weighted range", id, bet.AutoCashout)
		}
		if users.balance(id) != 1000000-bet.BetAmount {
			t.Errorf("bot %s wallet not debited through the join path", id)
		}
	}
}
