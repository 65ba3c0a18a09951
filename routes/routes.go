package routes

import (
	"quizarena/handlers"
	"quizarena/middleware"
	"quizarena/services"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(
	router *gin.Engine,
	authHandler *handlers.AuthHandler,
	roomHandler *handlers.RoomHandler,
	wsHandler *handlers.WSHandler,
	authService *services.AuthService,
) {
	// API routes
	api := router.Group("/api")
	{
		// Auth routes (public)
		auth := api.Group("/auth")
		{
			auth.POST("/register", authHandler.Register)
			auth.POST("/login", authHandler.Login)
		}

		// Protected routes
		protected := api.Group("/")
		protected.Use(middleware.AuthMiddleware(authService))
		{
			protected.GET("/auth/profile", authHandler.GetProfile)
		}

		// Public read-only room routes
		api.GET("/rooms/:code", roomHandler.GetRoom)
		api.GET("/leaderboard", roomHandler.Leaderboard)
	}

	// WebSocket endpoint for real-time game communication; authenticates via
	// token query parameter or bearer header before upgrading.
	router.GET("/ws", wsHandler.Handle)

	// Health check endpoint
	router.GET("/health", roomHandler.Health)
}
