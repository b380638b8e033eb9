// The timing-station daemon runs trackside: it reads transponder crossings
// from the configured capture plugin, persists them locally, and forwards
// them to the scoring service over an authenticated websocket.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/frawau/endurance-go-kart/internal/buffer"
	"github.com/frawau/endurance-go-kart/internal/capture"
	"github.com/frawau/endurance-go-kart/internal/config"
	"github.com/frawau/endurance-go-kart/internal/station"
	"github.com/frawau/endurance-go-kart/internal/timing"
)

var configPath = flag.String("config", "", "Path to YAML config (default: $KART_CONFIG)")

func main() {
	flag.Parse()

	cfg, err := config.LoadStation(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	mode, err := timing.ParseMode(cfg.TimingMode)
	if err != nil {
		log.Fatalf("bad timing_mode: %v", err)
	}

	var plugin capture.Plugin
	switch cfg.Plugin {
	case "serial":
		plugin = capture.NewSerialPlugin(cfg.Serial)
	case "nettag":
		plugin = capture.NewNetPlugin(cfg.Net)
	case "simulator":
		plugin = capture.NewSimulatorPlugin(cfg.Simulator, mode, cfg.RolloverSeconds)
	default:
		log.Fatalf("unknown capture plugin %q", cfg.Plugin)
	}

	buf, err := buffer.Open(cfg.BufferPath)
	if err != nil {
		log.Fatalf("failed to open buffer: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := station.New(cfg, plugin, buf)
	if err := s.Run(ctx); err != nil {
		log.Fatalf("station failed: %v", err)
	}
}
