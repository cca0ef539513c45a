package agent

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sonuryildirim-max/video-factory-agent/internal/metrics"
)

// wakeupRouter serves POST /wakeup (bearer-authenticated) and the
// Prometheus /metrics endpoint. Unknown paths are a 404; any other method on
// /wakeup gets chi's 405.
func (a *Agent) wakeupRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/wakeup", a.handleWakeup)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (a *Agent) startWakeupServer() *http.Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", a.cfg.WakeupPort),
		Handler:           a.wakeupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("wakeup server failed", "error", err)
		}
	}()
	a.log.Info("wakeup server listening", "port", a.cfg.WakeupPort)
	return srv
}

func (a *Agent) stopWakeupServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

func (a *Agent) handleWakeup(w http.ResponseWriter, r *http.Request) {
	if token := a.cfg.BearerToken; token != "" {
		auth := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimSpace(auth[7:]) != token {
			a.log.Warn("wakeup rejected: missing or invalid token", "remote", r.RemoteAddr)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized"))
			return
		}
	}
	a.wake()
	metrics.WakeupsTotal.Inc()
	a.log.Info("wakeup received: entering active gear", "remote", r.RemoteAddr)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
