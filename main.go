package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"xp-quest-backend/chain"
	"xp-quest-backend/handlers"
	"xp-quest-backend/models"
	"xp-quest-backend/services"
	"xp-quest-backend/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	logger := utils.NewLogger()
	defer logger.Sync()

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, reading environment variables directly")
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Fatal("DATABASE_URL environment variable not set")
	}
	jwtSecret := []byte(os.Getenv("JWT_SECRET"))
	if len(jwtSecret) == 0 {
		logger.Fatal("JWT_SECRET environment variable not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}

	if err := db.AutoMigrate(
		&models.User{},
		&models.Event{},
		&models.XPRule{},
		&models.XPLedgerEntry{},
		&models.Quest{},
		&models.QuestProgress{},
		&models.Referral{},
		&models.LeaderboardSnapshot{},
	); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}

	registry := chain.NewContractRegistry()
	loadContracts(registry, os.Getenv("PROTOCOL_CONTRACTS"), logger)

	verifier := chain.NewEthVerifier(registry, 10*time.Second)
	loadChains(verifier, os.Getenv("CHAIN_RPC_URLS"), logger)

	var cache *redis.Client
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cache = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
	} else {
		logger.Info("REDIS_ADDR not set, leaderboard cache disabled")
	}

	ruleService := services.NewRuleService(db)
	questService := services.NewQuestService(db, logger)
	xpService := services.NewXPService(db, ruleService, questService, verifier, registry, logger)
	questService.WithAwarder(xpService)
	referralService := services.NewReferralService(db, services.NewReferralPorts(db), xpService, logger)
	xpService.WithReferralEvaluator(referralService)
	authService := services.NewAuthService(db, jwtSecret, logger)
	authService.WithCollaborators(xpService, referralService)
	leaderboardService := services.NewLeaderboardService(db, cache, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interval := 10 * time.Minute
	if raw := os.Getenv("LEADERBOARD_INTERVAL"); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil {
			interval = parsed
		}
	}
	if _, err := leaderboardService.StartScheduler(ctx, interval); err != nil {
		logger.Fatal("failed to start leaderboard scheduler", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		AppName: "xp-quest-backend",
	})

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	handlers.SetupAuthRoutes(app, authService)
	handlers.SetupEventRoutes(app, xpService, jwtSecret)
	handlers.SetupQuestRoutes(app, questService, jwtSecret)
	handlers.SetupReferralRoutes(app, referralService, jwtSecret)
	handlers.SetupLeaderboardRoutes(app, leaderboardService, jwtSecret)
	handlers.SetupAdminRoutes(app, ruleService, xpService, questService, referralService, jwtSecret)

	port := os.Getenv("PORT")
	if port == "" {
		port = "5200"
	}

	go func() {
		if err := app.Listen(":" + port); err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}()
	logger.Info("server running", zap.String("port", port))

	<-ctx.Done()
	logger.Info("shutting down server")
	if err := app.Shutdown(); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

// loadChains parses CHAIN_RPC_URLS, a comma-separated list of
// <chainID>=<rpc url> pairs, and dials each endpoint.
func loadChains(verifier *chain.EthVerifier, raw string, logger *zap.Logger) {
	if raw == "" {
		logger.Warn("CHAIN_RPC_URLS not set, on-chain verification will reject tx-backed events")
		return
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		id, url, ok := strings.Cut(pair, "=")
		if !ok {
			logger.Warn("skipping malformed chain rpc entry", zap.String("entry", pair))
			continue
		}
		chainID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			logger.Warn("skipping chain rpc entry with bad chain id", zap.String("entry", pair))
			continue
		}
		if err := verifier.AddChain(chainID, url); err != nil {
			logger.Fatal("failed to dial chain rpc", zap.Int64("chain_id", chainID), zap.Error(err))
		}
		logger.Info("chain rpc configured", zap.Int64("chain_id", chainID))
	}
}

// loadContracts parses PROTOCOL_CONTRACTS, a comma-separated list of
// <action>|<token>|<chainID>=<address> entries (token may be empty for
// token-independent actions), into the contract registry.
func loadContracts(registry *chain.ContractRegistry, raw string, logger *zap.Logger) {
	if raw == "" {
		logger.Warn("PROTOCOL_CONTRACTS not set, contract registry is empty")
		return
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		key, address, ok := strings.Cut(entry, "=")
		if !ok {
			logger.Warn("skipping malformed contract entry", zap.String("entry", entry))
			continue
		}
		parts := strings.Split(key, "|")
		if len(parts) != 3 {
			logger.Warn("skipping malformed contract entry", zap.String("entry", entry))
			continue
		}
		chainID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			logger.Warn("skipping contract entry with bad chain id", zap.String("entry", entry))
			continue
		}
		registry.Register(parts[0], parts[1], chainID, address)
		logger.Info("protocol contract registered",
			zap.String("action", parts[0]),
			zap.String("token", parts[1]),
			zap.Int64("chain_id", chainID))
	}
}
