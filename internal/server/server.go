package server

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"crash/internal/auth"
	"crash/internal/cache"
	"crash/internal/config"
	"crash/internal/database"
	"crash/internal/game"
	"crash/internal/store"
)

type FiberServer struct {
	*fiber.App

	cfg      *config.Config
	db       database.Service
	cache    cache.Service
	users    *store.Users
	engine   *game.Engine
	hub      *game.Hub
	verifier *auth.Verifier
}

func New(cfg *config.Config) *FiberServer {
	db := database.New()

	redisService := cache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	var rdb *redis.Client
	if redisService != nil {
		rdb = redisService.GetClient()
	}

	hub := game.NewHub()
	users := store.NewUsers(db.DB())
	bots := store.NewBots(db.DB())
	rounds := store.NewRounds(db.DB(), rdb, cfg.Game.HistorySize)

	engine := game.NewEngine(cfg.Game, game.EngineDeps{
		Gateway: hub,
		Users:   users,
		Bots:    bots,
		Rounds:  rounds,
		Seeds:   game.NewBeaconSource(cfg.SeedBeaconURL),
	})

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "crash",
			AppName:       "crash",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		cfg:      cfg,
		db:       db,
		cache:    redisService,
		users:    users,
		engine:   engine,
		hub:      hub,
		verifier: auth.NewVerifier(cfg.JWTSecret),
	}

	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
	}))

	go hub.Run()
	go engine.Run()
	zap.S().Info("round engine started")

	return server
}

// Shutdown stops the round loop and closes backing connections.
func (s *FiberServer) Shutdown() error {
	zap.S().Info("shutting down")

	if s.engine != nil {
		s.engine.Stop()
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	return nil
}
