package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"worldtalk-backend/internal/api"
	"worldtalk-backend/internal/chat"
	"worldtalk-backend/internal/config"
	"worldtalk-backend/internal/gateway"
	"worldtalk-backend/internal/janitor"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment")
	}

	cfg := config.Load()
	ctx := context.Background()

	services := chat.New(ctx, cfg)
	defer services.Close()

	var jan *janitor.Janitor
	if !services.DemoMode {
		j, err := janitor.New(services.Store, cfg.Redis.URL,
			cfg.Queue.StaleAfter, cfg.Presence.ActiveWindow, cfg.Queue.CleanupInterval)
		if err != nil {
			log.Printf("Janitor disabled: %v", err)
		} else if err := j.Start(); err != nil {
			log.Printf("Janitor disabled: %v", err)
		} else {
			jan = j
			defer jan.Stop()
		}
	}

	gw := gateway.NewManager(services)

	r := api.NewRouter(&api.Dependencies{
		Services: services,
		Gateway:  gw,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		mode := "store"
		if services.DemoMode {
			mode = "demo"
		}
		log.Printf("Starting server on port %s (%s mode)", cfg.Server.Port, mode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
