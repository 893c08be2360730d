package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/venmail/vensuite-gateway/api"
	"github.com/venmail/vensuite-gateway/auth/db"
	"github.com/venmail/vensuite-gateway/internal/config"
	"github.com/venmail/vensuite-gateway/internal/slogging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slogging.Get().Error("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	if err := slogging.Initialize(slogging.Config{
		Level:            slogging.ParseLogLevel(cfg.Logging.Level),
		IsDev:            cfg.Logging.IsDev,
		LogDir:           cfg.Logging.LogDir,
		MaxAgeDays:       cfg.Logging.MaxAgeDays,
		MaxSizeMB:        cfg.Logging.MaxSizeMB,
		MaxBackups:       cfg.Logging.MaxBackups,
		AlsoLogToConsole: cfg.Logging.AlsoLogToConsole,
	}); err != nil {
		slogging.Get().Error("Failed to initialize logging: %v", err)
		os.Exit(1)
	}
	logger := slogging.Get()

	if !cfg.Logging.IsDev {
		gin.SetMode(gin.ReleaseMode)
	}

	redisDB, err := db.NewRedisDB(db.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Error("Failed to connect to cache: %v", err)
		os.Exit(1)
	}

	server := api.NewServer(cfg, redisDB)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCtx, cancelSig := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancelSig()

	select {
	case err := <-errCh:
		logger.Error("Server failed: %v", err)
	case <-sigCtx.Done():
		logger.Info("Termination signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error: %v", err)
		os.Exit(1)
	}
	logger.Info("Gateway stopped")
}
