package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/games-vector/vector-games-v2-sub001/internal/cache"
	"github.com/games-vector/vector-games-v2-sub001/internal/config"
	"github.com/games-vector/vector-games-v2-sub001/internal/database"
	"github.com/games-vector/vector-games-v2-sub001/internal/events"
	"github.com/games-vector/vector-games-v2-sub001/internal/game"
	"github.com/games-vector/vector-games-v2-sub001/internal/ledger"
	"github.com/games-vector/vector-games-v2-sub001/internal/metrics"
	"github.com/games-vector/vector-games-v2-sub001/internal/server"
	"github.com/games-vector/vector-games-v2-sub001/internal/wallet"
)

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	return cfg.Build(zap.Fields(
		zap.String("service", "vector-games"),
		zap.String("env", env),
	))
}

func main() {
	cfg := config.Load()

	log, err := newLogger(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	db := database.New()
	defer db.Close()

	cacheSvc := cache.New(cfg, log)
	defer cacheSvc.Close()
	rdb := cacheSvc.GetClient()

	betLedger := ledger.NewPostgres(db.DB())
	walletGW := wallet.New(cfg.WalletBaseURL, cfg.WalletTimeout)

	var feed events.Publisher = events.NopPublisher{}
	if cfg.KafkaBrokers != "" {
		feed = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.TopicSettlements, cfg.TopicRounds)
	} else {
		log.Info("KAFKA_BROKERS empty, event feed disabled")
	}
	defer feed.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := game.NewHub(log)
	go hub.Run(ctx)
	game.StartSubscriber(ctx, rdb, hub, log)

	bus := game.NewRedisBroadcaster(rdb)
	rounds := game.NewRoundStore(rdb)
	pending := game.NewPendingBetQueue(rdb, cfg.PendingTTL)
	idem := game.NewIdempotencyStore(rdb, cfg.IdempotencyTTL)
	seeds := game.NewSeedStore(rdb)

	crash := game.DefaultCrashRules()
	crash.Betting = cfg.CrashBettingWindow
	crash.MinBet = cfg.BetMinCents
	crash.MaxBet = cfg.BetMaxCents
	crash.Edge = cfg.CrashHouseEdge
	crash.Ceiling = cfg.CrashMaxCoeff

	wheel := game.DefaultWheelRules()
	wheel.Betting = cfg.WheelBettingWindow
	wheel.Spin = cfg.WheelSpinDuration
	wheel.MinBet = cfg.BetMinCents
	wheel.MaxBet = cfg.BetMaxCents

	newEngine := func(rules game.Rules) *game.Engine {
		return game.NewEngine(game.Deps{
			Rules:   rules,
			Lease:   game.NewLeaderLease(rdb, rules.Code(), cfg.InstanceID, cfg.LeaseTTL),
			Rounds:  rounds,
			Pending: pending,
			Idem:    idem,
			Seeds:   seeds,
			Wallet:  walletGW,
			Ledger:  betLedger,
			Bus:     bus,
			Feed:    feed,
			Log:     log.With(zap.String("game", rules.Code())),
		})
	}

	registry := game.NewRegistry(log)
	registry.Register(newEngine(crash))
	registry.Register(newEngine(wheel))
	registry.StartAll(ctx)

	metrics.Register()
	metricsSrv := metrics.StartServer(cfg.MetricsPort, func(ctx context.Context) error {
		if err := db.DB().PingContext(ctx); err != nil {
			return err
		}
		return rdb.Ping(ctx).Err()
	})

	srv := server.New(cfg, log, db, cacheSvc, registry, hub)
	srv.RegisterFiberRoutes()

	go func() {
		log.Info("api listening",
			zap.String("port", cfg.Port),
			zap.String("instance", cfg.InstanceID),
		)
		if err := srv.Listen(":" + cfg.Port); err != nil {
			log.Fatal("api server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", zap.Error(err))
	}
	// Engines release their leadership leases here so a peer can take
	// over the rounds without waiting for the TTL to lapse.
	registry.StopAll(shutdownCtx)
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("metrics shutdown", zap.Error(err))
	}

	log.Info("bye")
}
