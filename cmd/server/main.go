package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/OpenServoCore/internal/auth"
	"github.com/KevinKickass/OpenServoCore/internal/config"
	"github.com/KevinKickass/OpenServoCore/internal/storage"
	"github.com/KevinKickass/OpenServoCore/internal/system"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	hashPassword := flag.String("hash-password", "", "print the argon2id hash of a password and exit")
	genToken := flag.Bool("gen-token", false, "print a new machine token and its hash and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := auth.NewPasswordHasher().HashPassword(*hashPassword)
		if err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		fmt.Println(hash)
		return
	}
	if *genToken {
		token, hash, err := auth.NewMachineTokenGenerator().GenerateMachineToken()
		if err != nil {
			log.Fatalf("Failed to generate token: %v", err)
		}
		fmt.Printf("token: %s\nhash:  %s\n", token, hash)
		return
	}

	// .env ist optional, z.B. für JWT_SECRET
	_ = godotenv.Load()

	// Config laden
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Config loaded successfully", zap.String("path", *configPath))
	if cfg.Auth.Enabled && !cfg.Auth.IsProductionReady() {
		logger.Warn("Using development JWT secret", zap.String("env", cfg.Auth.JWTSecretEnv))
	}

	ctx := context.Background()

	// PostgreSQL verbinden
	var db *storage.PostgresClient
	if cfg.Database.Enabled {
		db, err = storage.NewPostgresClient(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		logger.Info("Database connected successfully")
	}

	lifecycle, err := system.NewLifecycleManager(ctx, db, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create lifecycle manager", zap.Error(err))
	}

	// System starten
	if err := lifecycle.Start(); err != nil {
		logger.Fatal("Failed to start system", zap.Error(err))
	}

	logger.Info("OpenServoCore started successfully")

	// Graceful Shutdown auf Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("OpenServoCore stopped successfully")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
