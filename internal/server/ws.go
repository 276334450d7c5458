package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"crash/internal/auth"
	"crash/internal/game"
)

// Inbound message types.
const (
	msgAuth         = "auth"
	msgJoinGame     = "join-game"
	msgCashout      = "bet-cashout"
	msgGetHistory   = "get-history"
	msgGameData     = "game-data"
	msgCurrentState = "current-state"
	msgPing         = "ping"
)

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type authPayload struct {
	Token   string `json:"token"`
	Address string `json:"address"`
}

type joinPayload struct {
	BetAmount   game.Cents      `json:"betAmount"`
	AutoCashout game.Multiplier `json:"autoCashout"`
}

// gameWebSocketHandler runs one connection. Reads happen here; all writes go
// through the hub's Client so they are serialized with broadcasts. Identity
// is bound to the connection at auth time and is the only identity join and
// cashout ever act on.
func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	client := s.hub.RegisterClient(conn)
	defer s.hub.UnregisterClient(client)

	// Resync: a (re)connecting client gets the full current picture without
	// relying on event replay.
	s.sendState(client)
	s.sendRoster(client)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case msgAuth:
			s.handleAuth(client, msg.Data)
		case msgJoinGame:
			s.handleJoin(client, msg.Data)
		case msgCashout:
			s.handleCashout(client)
		case msgGetHistory:
			s.sendHistory(client)
		case msgGameData:
			s.sendRoster(client)
		case msgCurrentState:
			s.sendState(client)
		case msgPing:
			client.Send("pong", nil)
		}
	}
}

func (s *FiberServer) handleAuth(client *game.Client, data json.RawMessage) {
	var payload authPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		client.Send("auth-error", "invalid auth payload")
		return
	}

	claims, err := s.verifier.Verify(payload.Token)
	if err != nil {
		// Expired tokens get their own event so the client forces a
		// re-login instead of showing a generic failure.
		if errors.Is(err, auth.ErrTokenExpired) {
			client.Send("token-expired", "token has expired")
		} else {
			client.Send("auth-error", "invalid token")
		}
		return
	}
	if claims.Address != payload.Address {
		client.Send("auth-error", "token does not match address")
		return
	}

	user, err := s.users.ByAddress(context.Background(), claims.Address)
	if err != nil {
		client.Send("auth-error", "user not found")
		return
	}

	client.Authenticate(user.ID)
	client.Send("auth-success", game.WalletEvent{Balance: user.Balance})
	s.sendState(client)
	s.sendRoster(client)
}

func (s *FiberServer) handleJoin(client *game.Client, data json.RawMessage) {
	playerID := client.PlayerID()
	if playerID == "" {
		client.Send("game-join-error", "access denied")
		return
	}

	var payload joinPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		client.Send("game-join-error", "invalid bet payload")
		return
	}

	user, err := s.users.ByID(context.Background(), playerID)
	if err != nil {
		client.Send("game-join-error", "account unavailable")
		return
	}

	resp := s.engine.Join(game.JoinRequest{
		PlayerID:    user.ID,
		Username:    user.Username,
		Avatar:      user.Avatar,
		BetAmount:   payload.BetAmount,
		AutoCashout: payload.AutoCashout,
	})
	if !resp.Success {
		client.Send("game-join-error", resp.Message)
		return
	}
	client.Send("game-join-success", resp)
}

func (s *FiberServer) handleCashout(client *game.Client) {
	playerID := client.PlayerID()
	if playerID == "" {
		client.Send("bet-cashout-error", "access denied")
		return
	}

	// On success the engine already pushed bet-cashout-success and the
	// wallet update; only failures are reported here.
	resp := s.engine.Cashout(playerID)
	if !resp.Success {
		client.Send("bet-cashout-error", resp.Message)
	}
}

func (s *FiberServer) sendState(client *game.Client) {
	if snap := s.engine.Snapshot(); snap != nil {
		client.Send("current-crash-state", snap)
	}
}

func (s *FiberServer) sendRoster(client *game.Client) {
	snap := s.engine.Snapshot()
	if snap == nil {
		return
	}
	client.Send(game.EventUserList, game.RosterEvent{Players: snap.Players})
}

func (s *FiberServer) sendHistory(client *game.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	history, err := s.engine.History(ctx)
	if err != nil {
		zap.S().Warnw("history fetch failed", "error", err)
		return
	}
	client.Send(game.EventHistory, history)
}
