package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spendgate/spendgate/internal/app"
	"github.com/spendgate/spendgate/internal/config"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	config.LoadEnvFiles([]string{".env.local", ".env.development", ".env"})

	cfg, err := config.Load(*configPath)
	if err != nil {
		fiberlog.Fatalf("failed to load configuration: %v", err)
	}

	gateway, err := app.New(cfg)
	if err != nil {
		fiberlog.Fatalf("failed to start gateway: %v", err)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-done
		fiberlog.Info("shutting down")
		if err := gateway.Shutdown(); err != nil {
			fiberlog.Errorf("shutdown error: %v", err)
		}
	}()

	if err := gateway.Run(); err != nil {
		fiberlog.Fatalf("server error: %v", err)
	}
}
