package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"crash/internal/config"
	"crash/internal/logger"
	"crash/internal/server"
)

func main() {
	cfg := config.Load()
	logger.Init(os.Getenv("LOG_MODE"))
	defer zap.L().Sync()

	srv := server.New(cfg)
	srv.RegisterFiberRoutes()

	go func() {
		if err := srv.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			zap.S().Fatalw("server stopped", "error", err)
		}
	}()
	zap.S().Infow("listening", "port", cfg.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if err := srv.Shutdown(); err != nil {
		zap.S().Errorw("shutdown error", "error", err)
	}
	if err := srv.App.Shutdown(); err != nil {
		zap.S().Errorw("http shutdown error", "error", err)
	}
}
