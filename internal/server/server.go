package server

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/games-vector/vector-games-v2-sub001/internal/cache"
	"github.com/games-vector/vector-games-v2-sub001/internal/config"
	"github.com/games-vector/vector-games-v2-sub001/internal/database"
	"github.com/games-vector/vector-games-v2-sub001/internal/game"
	"github.com/games-vector/vector-games-v2-sub001/internal/metrics"
)

type FiberServer struct {
	*fiber.App

	cfg      config.Config
	log      *zap.Logger
	db       database.Service
	cache    cache.Service
	registry *game.Registry
	hub      *game.Hub
}

func New(cfg config.Config, log *zap.Logger, db database.Service, cacheSvc cache.Service, registry *game.Registry, hub *game.Hub) *FiberServer {
	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "vector-games",
			AppName:       "vector-games",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		cfg:      cfg,
		log:      log,
		db:       db,
		cache:    cacheSvc,
		registry: registry,
		hub:      hub,
	}

	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
	}))
	server.App.Use(func(c *fiber.Ctx) error {
		err := c.Next()
		metrics.HTTPRequests.WithLabelValues(
			c.Method(), c.Route().Path, strconv.Itoa(c.Response().StatusCode())).Inc()
		return err
	})

	return server
}

// Shutdown drains in-flight HTTP requests. The engines, hub and
// connections are owned and stopped by main.
func (s *FiberServer) Shutdown(ctx context.Context) error {
	s.log.Info("http server shutting down")
	return s.App.ShutdownWithContext(ctx)
}
