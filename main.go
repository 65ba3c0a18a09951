package main

import (
	"os"

	"quizarena/config"
	"quizarena/handlers"
	"quizarena/middleware"
	"quizarena/models"
	"quizarena/routes"
	"quizarena/services"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("LOG_PRETTY") != "" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Load configuration
	cfg := config.Load()

	// Initialize database
	db, err := config.InitDB(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}

	// Auto-migrate database models
	if err := db.AutoMigrate(&models.User{}, &models.GameSession{}); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	// Initialize Redis
	redisClient := config.InitRedis(cfg)

	clock := clockwork.NewRealClock()

	// Initialize services
	authService := services.NewAuthService(db, cfg.JWTSecret, clock)
	statsService := services.NewStatsService(db)
	roomStore := services.NewRedisRoomStore(redisClient)
	questionService := services.NewHTTPQuestionService(cfg.QuestionServiceURL)
	hub := services.NewHub()
	timers := services.NewTimerScheduler(clock)

	registry := services.NewRegistry(services.SessionDeps{
		Store:     roomStore,
		Questions: questionService,
		Timers:    timers,
		Bus:       hub,
		Clock:     clock,
		Stats:     statsService,
	})

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(authService)
	roomHandler := handlers.NewRoomHandler(registry, roomStore, statsService)
	wsHandler := handlers.NewWSHandler(authService, hub, registry, roomStore)

	// Setup Gin router
	router := gin.Default()
	router.Use(middleware.CORS())
	routes.SetupRoutes(router, authHandler, roomHandler, wsHandler, authService)

	// Start server
	log.Info().Str("port", cfg.Port).Msg("server starting")
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}
}
