package cmd

import (
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"tilevault/config"
	"tilevault/handlers"
	"tilevault/middleware"
	"tilevault/provider"
	"tilevault/services"
	"tilevault/store"
	"tilevault/websocket"
)

// StartWebServer starts the web server
func StartWebServer(cfg config.Config) {
	// Set production mode if not specified
	if mode := os.Getenv("GIN_MODE"); mode != "" {
		gin.SetMode(mode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize services
	tileStore, err := store.New(cfg.TileDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.TileDir).Msg("failed to open tile store")
	}

	hub := websocket.NewHub()
	go hub.Run()

	fetcher := provider.NewFetcher(provider.Options{
		UserAgent:        cfg.UserAgent,
		Timeout:          cfg.FetchTimeout(),
		StreetSpacing:    cfg.StreetSpacing(),
		SatelliteSpacing: cfg.SatelliteSpacing(),
	})
	registry := services.NewRegistry(hub)
	orchestrator := services.NewOrchestrator(tileStore, fetcher, registry, cfg.MaxJobTiles)

	// Initialize handlers
	downloadHandler := handlers.NewDownloadHandler(orchestrator, registry, hub)
	tileHandler := handlers.NewTileHandler(tileStore)
	healthHandler := handlers.NewHealthHandler(cfg.TileDir)

	// Setup router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.Logging())

	setupRoutes(r, cfg, downloadHandler, tileHandler, healthHandler)

	// Start server
	portStr := strconv.Itoa(cfg.Port)
	if serverPort := os.Getenv("SERVER_PORT"); serverPort != "" {
		portStr = serverPort
	}

	log.Info().Str("port", portStr).Str("tile_dir", cfg.TileDir).Msg("tilevault server starting")
	if err := r.Run(":" + portStr); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}
}

// setupRoutes configures all the HTTP routes
func setupRoutes(r *gin.Engine, cfg config.Config, downloadHandler *handlers.DownloadHandler, tileHandler *handlers.TileHandler, healthHandler *handlers.HealthHandler) {
	// Health check endpoint
	r.GET("/health", healthHandler.HealthCheck)

	// API routes group
	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/status", healthHandler.APIStatus)

		// Tile read path: open to the map frontend, never fetches
		apiGroup.GET("/tiles/status", middleware.Auth(cfg.AuthToken), tileHandler.TileStatus)
		apiGroup.GET("/tiles/:layer/:z/:x/:y", tileHandler.ServeTile)

		// Download job management, behind the auth gate
		downloadsGroup := apiGroup.Group("/downloads")
		downloadsGroup.Use(middleware.Auth(cfg.AuthToken))
		{
			downloadsGroup.POST("", downloadHandler.StartDownload)
			downloadsGroup.GET("/stream", downloadHandler.StreamDownload)

			downloadsGroup.GET("", downloadHandler.GetAllJobs)
			downloadsGroup.GET("/:jobId", downloadHandler.GetJob)
			downloadsGroup.DELETE("/:jobId", downloadHandler.CancelJob)
		}

		// WebSocket endpoints for real-time progress
		wsGroup := apiGroup.Group("/ws")
		{
			wsGroup.GET("/downloads/:jobId", downloadHandler.HandleWebSocketConnection)
			wsGroup.GET("/downloads", downloadHandler.HandleWebSocketAllConnection)
		}
	}
}
