package game

import (
	"context"
	"math/rand/v2"

	"go.uber.org/zap"
)

// addBots populates the starting round with synthetic players. Bots go
// through the exact join path real players do, including the wallet debit
// against their own stored balances, so settlement stays single-pathed and
// the ledger cannot tell them apart.
func (e *Engine) addBots(ctx context.Context) {
	pool, err := e.bots.Sample(ctx, e.cfg.BotPoolSize)
	if err != nil || len(pool) == 0 {
		zap.S().Warnw("bot pool unavailable, round runs without bots", "error", err)
		return
	}

	count := e.cfg.MinBots
	if spread := e.cfg.MaxBots - e.cfg.MinBots; spread > 0 {
		count += rand.IntN(spread + 1)
	}
	if count > len(pool) {
		count = len(pool)
	}

	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	added := 0
	for _, bot := range pool[:count] {
		resp := e.join(JoinRequest{
			PlayerID:    bot.ID,
			Username:    bot.Username,
			Avatar:      bot.Avatar,
			BetAmount:   weightedBetAmount(),
			AutoCashout: weightedAutoCashout(),
		})
		if !resp.Success {
			// Typically a drained bot wallet. Skip it; the round plays on.
			zap.S().Debugw("bot join rejected", "bot", bot.ID, "reason", resp.Message)
			continue
		}
		added++
	}
	zap.S().Infow("bots seated", "count", added)
}

// weightedBetAmount draws a bot stake in cents, skewed toward small bets:
// 60% in [min, 10.00), 25% in [10.00, 50.00), 10% in [50.00, 100.00),
// 5% in [100.00, 120.20).
func weightedBetAmount() Cents {
	switch r := rand.Float64(); {
	case r < 0.60:
		return centsBetween(10, 1000)
	case r < 0.85:
		return centsBetween(1000, 5000)
	case r < 0.95:
		return centsBetween(5000, 10000)
	default:
		return centsBetween(10000, 12020)
	}
}

// weightedAutoCashout draws a bot target in hundredths, skewed low:
// 40% 1.05x-2.00x, 30% 2.00x-5.00x, 20% 5.00x-10.00x, 10% 10.00x-20.00x.
func weightedAutoCashout() Multiplier {
	switch r := rand.Float64(); {
	case r < 0.40:
		return Multiplier(105 + rand.Int64N(95))
	case r < 0.70:
		return Multiplier(200 + rand.Int64N(300))
	case r < 0.90:
		return Multiplier(500 + rand.Int64N(500))
	default:
		return Multiplier(1000 + rand.Int64N(1000))
	}
}

func centsBetween(lo, hi int64) Cents {
	return Cents(lo + rand.Int64N(hi-lo))
}
