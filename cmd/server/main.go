package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ruralpay/cardengine/docs"
	"github.com/ruralpay/cardengine/internal/app"
	"github.com/ruralpay/cardengine/internal/config"
	"github.com/ruralpay/cardengine/internal/handlers"
	"github.com/ruralpay/cardengine/internal/logger"
	mW "github.com/ruralpay/cardengine/internal/middleware"
)

// @title NFC Card Engine API
// @version 1.0
// @description Closed-loop NFC prepaid card authorization and lifecycle API
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	configPath := flag.String("config", ".env", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.JWT.SecretKey == "" {
		logger.Log.Fatal("JWT_SECRET_KEY must be set")
	}

	docs.SwaggerInfo.Host = "localhost:" + cfg.Server.Port

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	rt, err := app.Build(startCtx, cfg)
	cancelStart()
	if err != nil {
		logger.Log.Fatal("Failed to start card engine", zap.Error(err))
	}
	defer rt.Close()

	auth := mW.NewAuthenticator(cfg.JWT.SecretKey, cfg.JWT.Issuer)
	router := handlers.NewRouter(rt.Engine, auth, handlers.RouterConfig{
		CORSOrigins: cfg.Server.CORSOrigins,
		SwaggerURL:  "/swagger/doc.json",
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		logger.Log.Info("Server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Log.Error("Server forced to shutdown", zap.Error(err))
	}
	logger.Log.Info("Server stopped")
}
