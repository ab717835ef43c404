package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/games-vector/vector-games-v2-sub001/internal/game"
	"github.com/games-vector/vector-games-v2-sub001/internal/ledger"
)

// errStatus maps engine errors onto HTTP statuses: validation problems
// are 400s, state conflicts 409s, missing things 404s, wallet refusals
// 402s. Anything unrecognized stays a 500.
func errStatus(err error) int {
	switch {
	case errors.Is(err, game.ErrInvalidAmount),
		errors.Is(err, game.ErrBetTooSmall),
		errors.Is(err, game.ErrBetTooLarge),
		errors.Is(err, game.ErrInvalidSelection),
		errors.Is(err, game.ErrCashoutUnsupported):
		return fiber.StatusBadRequest
	case errors.Is(err, game.ErrDuplicateBetSlot),
		errors.Is(err, game.ErrAlreadySettled),
		errors.Is(err, game.ErrBettingClosed),
		errors.Is(err, game.ErrRoundNotActive),
		errors.Is(err, game.ErrRoundNotResolved):
		return fiber.StatusConflict
	case errors.Is(err, game.ErrBetNotFound),
		errors.Is(err, game.ErrNoRound),
		errors.Is(err, game.ErrPendingNotFound),
		errors.Is(err, ledger.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, game.ErrWalletRejected):
		return fiber.StatusPaymentRequired
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *FiberServer) fail(c *fiber.Ctx, err error) error {
	status := errStatus(err)
	if status == fiber.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("path", c.Path()), zap.Error(err))
		return c.Status(status).JSON(fiber.Map{"error": "internal error"})
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func (s *FiberServer) stateHandler(c *fiber.Ctx) error {
	// identity is optional here; with it the snapshot includes own bets
	snap, err := s.engine(c).State(c.Context(), c.Get("X-User-ID"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(snap)
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req game.PlaceBetRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	req.UserID, req.AgentID = s.identity(c)

	res, err := s.engine(c).PlaceBet(c.Context(), req)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(res)
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	var req struct {
		PlayerGameID string `json:"player_game_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.PlayerGameID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "player_game_id is required",
		})
	}
	userID, _ := s.identity(c)

	res, err := s.engine(c).CashOut(c.Context(), userID, req.PlayerGameID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(res)
}

func (s *FiberServer) cancelPendingHandler(c *fiber.Ctx) error {
	var req struct {
		Selection string `json:"selection"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Selection == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "selection is required",
		})
	}
	userID, _ := s.identity(c)

	res, err := s.engine(c).CancelPending(c.Context(), userID, req.Selection)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(res)
}

func (s *FiberServer) userBetsHandler(c *fiber.Ctx) error {
	userID, _ := s.identity(c)
	bets, err := s.engine(c).UserBets(c.Context(), userID, c.QueryInt("limit", 50))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"bets": bets})
}

func (s *FiberServer) roundHistoryHandler(c *fiber.Ctx) error {
	rounds, err := s.engine(c).RoundHistory(c.Context(), c.QueryInt("limit", 50))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"rounds": rounds})
}

func (s *FiberServer) verifyRoundHandler(c *fiber.Ctx) error {
	roundID, err := c.ParamsInt("roundId")
	if err != nil || roundID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid round id",
		})
	}
	res, err := s.engine(c).VerifyRound(c.Context(), int64(roundID))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(res)
}

func (s *FiberServer) seedInfoHandler(c *fiber.Ctx) error {
	userID, _ := s.identity(c)
	info, err := s.engine(c).SeedInfo(c.Context(), userID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(info)
}

func (s *FiberServer) setClientSeedHandler(c *fiber.Ctx) error {
	var req struct {
		Seed string `json:"seed"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	userID, _ := s.identity(c)

	contrib, err := s.engine(c).SetClientSeed(c.Context(), userID, req.Seed)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(contrib)
}

func (s *FiberServer) balanceHandler(c *fiber.Ctx) error {
	userID, agentID := s.identity(c)

	// any engine reaches the same wallet; balances are game-agnostic
	codes := s.registry.Codes()
	if len(codes) == 0 {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "no games registered",
		})
	}
	engine, _ := s.registry.Get(codes[0])
	bal, err := engine.Balance(c.Context(), agentID, userID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(bal)
}
