package station

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/tsweb"

	"github.com/frawau/endurance-go-kart/internal/monitoring"
)

// serveAdmin runs the local debug mux until ctx is cancelled. It carries the
// plugin/buffer status as JSON plus the Prometheus scrape endpoint.
func (s *Station) serveAdmin(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	debug := tsweb.Debugger(mux)
	debug.HandleSilentFunc("status", func(w http.ResponseWriter, r *http.Request) {
		status := s.plugin.Status()
		if stats, err := s.buf.Stats(); err == nil {
			status["total_messages"] = stats.Total
			status["acked_messages"] = stats.Acked
			status["pending_messages"] = stats.Pending
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			monitoring.Logf("station: failed to write status: %v", err)
		}
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	monitoring.Logf("station: admin routes on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		monitoring.Logf("station: admin server failed: %v", err)
	}
}
