// rtmfpd is the entrypoint for the RTMFP media server: it loads
// configuration, starts the RTMFP engine and its HTTP-side companions,
// and waits for a termination signal to shut down cleanly.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"

	"go.uber.org/zap"

	"rtmfp/internal/config"
	"rtmfp/internal/server"
)

func main() {
	configPath := flag.String("config", "configs/rtmfpd.example.yaml", "Path to configuration file")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	srv, err := server.New(cfg, log)
	if err != nil {
		log.Fatal("failed to build server", zap.Error(err))
	}

	shutdownHandler := server.NewShutdownHandler(srv, context.Background())

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	if err := shutdownHandler.Wait(); err != nil {
		log.Error("shutdown error", zap.Error(err))
		os.Exit(1)
	}

	log.Info("server shut down cleanly")
}
