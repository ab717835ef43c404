package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/games-vector/vector-games-v2-sub001/internal/game"
)

const wsActionTimeout = 5 * time.Second

// wsRequest is one client action frame.
type wsRequest struct {
	Type         string  `json:"type"`
	Amount       string  `json:"amount,omitempty"`
	Currency     string  `json:"currency,omitempty"`
	Selection    string  `json:"selection,omitempty"`
	AutoCashout  float64 `json:"auto_cashout,omitempty"`
	PlayerGameID string  `json:"player_game_id,omitempty"`
	Seed         string  `json:"seed,omitempty"`
}

// wsResponse acknowledges an action frame; broadcast events arrive
// separately through the hub.
type wsResponse struct {
	Type  string `json:"type"`
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// upgradeWebSocket rejects non-upgrade requests and unknown games before
// the connection is hijacked.
func (s *FiberServer) upgradeWebSocket(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if _, ok := s.registry.Get(c.Params("game")); !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "unknown game",
		})
	}
	return c.Next()
}

// gameWebSocketHandler serves one connection: register with the hub,
// push the current state, then answer action frames until the peer goes
// away. Spectators connect without identity and can only watch.
func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	gameCode := conn.Params("game")
	userID := conn.Query("user_id")
	agentID := conn.Query("agent_id")

	engine, ok := s.registry.Get(gameCode)
	if !ok {
		conn.Close()
		return
	}

	client := s.hub.RegisterClient(conn, userID, gameCode)
	defer s.hub.UnregisterClient(client)

	s.sendState(client, engine, userID, "initial_state")

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var req wsRequest
		if err := json.Unmarshal(message, &req); err != nil {
			client.Send(wsResponse{Type: "error", Error: "malformed frame"})
			continue
		}
		s.dispatchAction(client, engine, userID, agentID, req)
	}
}

func (s *FiberServer) dispatchAction(client *game.Client, engine *game.Engine, userID, agentID string, req wsRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), wsActionTimeout)
	defer cancel()

	switch req.Type {
	case "ping":
		client.Send(wsResponse{Type: "pong", OK: true})

	case "get_state":
		s.sendState(client, engine, userID, "state")

	case "place_bet":
		if userID == "" || agentID == "" {
			client.Send(wsResponse{Type: req.Type, Error: "identity required"})
			return
		}
		res, err := engine.PlaceBet(ctx, game.PlaceBetRequest{
			UserID:      userID,
			AgentID:     agentID,
			Amount:      req.Amount,
			Currency:    req.Currency,
			Selection:   req.Selection,
			AutoCashout: req.AutoCashout,
		})
		client.Send(ack(req.Type, res, err))

	case "cashout":
		if userID == "" {
			client.Send(wsResponse{Type: req.Type, Error: "identity required"})
			return
		}
		res, err := engine.CashOut(ctx, userID, req.PlayerGameID)
		client.Send(ack(req.Type, res, err))

	case "cancel_pending":
		if userID == "" {
			client.Send(wsResponse{Type: req.Type, Error: "identity required"})
			return
		}
		res, err := engine.CancelPending(ctx, userID, req.Selection)
		client.Send(ack(req.Type, res, err))

	case "get_seeds":
		if userID == "" {
			client.Send(wsResponse{Type: req.Type, Error: "identity required"})
			return
		}
		res, err := engine.SeedInfo(ctx, userID)
		client.Send(ack(req.Type, res, err))

	case "set_client_seed":
		if userID == "" {
			client.Send(wsResponse{Type: req.Type, Error: "identity required"})
			return
		}
		res, err := engine.SetClientSeed(ctx, userID, req.Seed)
		client.Send(ack(req.Type, res, err))

	default:
		client.Send(wsResponse{Type: "error", Error: "unknown action"})
	}
}

func (s *FiberServer) sendState(client *game.Client, engine *game.Engine, userID, frameType string) {
	ctx, cancel := context.WithTimeout(context.Background(), wsActionTimeout)
	defer cancel()

	snap, err := engine.State(ctx, userID)
	if err != nil {
		s.log.Warn("state snapshot failed",
			zap.String("game", engine.Code()), zap.Error(err))
		client.Send(wsResponse{Type: frameType, Error: "state unavailable"})
		return
	}
	client.Send(wsResponse{Type: frameType, OK: true, Data: snap})
}

func ack(frameType string, data any, err error) wsResponse {
	if err != nil {
		return wsResponse{Type: frameType, Error: err.Error()}
	}
	return wsResponse{Type: frameType, OK: true, Data: data}
}
