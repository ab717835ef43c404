package server

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"github.com/games-vector/vector-games-v2-sub001/internal/game"
)

// Locals keys set by the route middleware.
const (
	localEngine = "engine"
	localUserID = "user_id"
	localAgent  = "agent_id"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type,X-User-ID,X-Agent-ID",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")
	api.Get("/games", s.listGamesHandler)
	api.Get("/balance", s.requireIdentity, s.balanceHandler)

	g := api.Group("/:game", s.withEngine)
	g.Get("/state", s.stateHandler)
	g.Get("/rounds", s.roundHistoryHandler)
	g.Get("/rounds/:roundId/verify", s.verifyRoundHandler)

	g.Post("/bet", s.requireIdentity, s.placeBetHandler)
	g.Post("/bet/cancel", s.requireIdentity, s.cancelPendingHandler)
	g.Post("/cashout", s.requireIdentity, s.cashoutHandler)
	g.Get("/bets", s.requireIdentity, s.userBetsHandler)
	g.Get("/fairness", s.requireIdentity, s.seedInfoHandler)
	g.Post("/fairness/client-seed", s.requireIdentity, s.setClientSeedHandler)

	// WebSocket route; the identity here is optional, spectators just
	// never get user-targeted events or actions.
	s.App.Get("/ws/:game", s.upgradeWebSocket, websocket.New(s.gameWebSocketHandler))
}

// withEngine resolves the :game path parameter to a registered engine.
func (s *FiberServer) withEngine(c *fiber.Ctx) error {
	engine, ok := s.registry.Get(c.Params("game"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "unknown game",
		})
	}
	c.Locals(localEngine, engine)
	return c.Next()
}

func (s *FiberServer) engine(c *fiber.Ctx) *game.Engine {
	return c.Locals(localEngine).(*game.Engine)
}

// requireIdentity pulls the platform identity from the gateway headers.
// The upstream platform authenticates players; this service only refuses
// to act without an identity to act for.
func (s *FiberServer) requireIdentity(c *fiber.Ctx) error {
	userID := c.Get("X-User-ID")
	agentID := c.Get("X-Agent-ID")
	if userID == "" || agentID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "missing X-User-ID or X-Agent-ID header",
		})
	}
	c.Locals(localUserID, userID)
	c.Locals(localAgent, agentID)
	return c.Next()
}

func (s *FiberServer) identity(c *fiber.Ctx) (string, string) {
	userID, _ := c.Locals(localUserID).(string)
	agentID, _ := c.Locals(localAgent).(string)
	return userID, agentID
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	health := fiber.Map{
		"database": s.db.Health(),
		"cache":    s.cache.Health(),
		"game": fiber.Map{
			"games":             s.registry.Codes(),
			"connected_clients": s.hub.ClientCount(),
		},
	}
	return c.JSON(health)
}

func (s *FiberServer) listGamesHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"games": s.registry.Codes()})
}
