// The scoring service terminates timing-station websocket connections,
// records validated lap crossings, and fans processed results out to
// leaderboard and race-control listeners. Debug routes (tailsql, event
// tail, metrics) are served on a separate admin address.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/frawau/endurance-go-kart/internal/config"
	"github.com/frawau/endurance-go-kart/internal/scoring"
)

var configPath = flag.String("config", "", "Path to YAML config (default: $KART_CONFIG)")

func main() {
	flag.Parse()

	cfg, err := config.LoadScoring(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store, err := scoring.OpenStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open scoring db: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := scoring.NewRegistry(store)
	server := scoring.NewServer(cfg, store, registry)
	if err := server.Run(ctx); err != nil {
		log.Fatalf("scoring service failed: %v", err)
	}
}
