// Package scoring is the service side of the timing pipeline: it terminates
// station websocket connections, turns verified crossings into lap records,
// and fans results out to downstream listeners.
package scoring

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/frawau/endurance-go-kart/internal/config"
	"github.com/frawau/endurance-go-kart/internal/monitoring"
	"github.com/frawau/endurance-go-kart/internal/wire"
)

// Server hosts the /ws/timing endpoint and the admin/debug surface.
type Server struct {
	cfg       *config.Scoring
	store     *Store
	processor *Processor
	hub       *Hub
	codec     *wire.Codec
	upgrader  websocket.Upgrader
}

// NewServer builds the scoring service around an open store. The registry
// serves as all three processor collaborators.
func NewServer(cfg *config.Scoring, store *Store, registry *Registry) *Server {
	hub := NewHub()
	processor := NewProcessor(store, registry, registry, registry, hub)
	if cfg.DedupWindowSeconds > 0 {
		processor.SetDedupWindow(time.Duration(cfg.DedupWindowSeconds * float64(time.Second)))
	}
	return &Server{
		cfg:       cfg,
		store:     store,
		processor: processor,
		hub:       hub,
		codec:     wire.NewCodec(cfg.Secret),
		upgrader:  websocket.Upgrader{},
	}
}

// Hub exposes the fan-out for downstream subscribers.
func (s *Server) Hub() *Hub { return s.hub }

// Processor exposes the lap processor, mainly for tests.
func (s *Server) Processor() *Processor { return s.processor }

func (s *Server) handleTimingWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("scoring: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	NewSession(conn, s.codec, s.processor, s.hub).Run()
}

// Run serves the timing endpoint and the admin mux until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/timing", s.handleTimingWS)

	adminMux := http.NewServeMux()
	s.store.AttachAdminRoutes(adminMux)
	s.hub.AttachAdminRoutes(adminMux)
	adminMux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: s.cfg.Addr, Handler: mux}
	adminSrv := &http.Server{Addr: s.cfg.AdminAddr, Handler: adminMux}

	errc := make(chan error, 2)
	go func() {
		monitoring.Logf("scoring: listening on %s", s.cfg.Addr)
		errc <- srv.ListenAndServe()
	}()
	go func() {
		monitoring.Logf("scoring: admin routes on %s", s.cfg.AdminAddr)
		errc <- adminSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		adminSrv.Shutdown(shutdownCtx)
		s.hub.Close()
		return nil
	case err := <-errc:
		return err
	}
}
