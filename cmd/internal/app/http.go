package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (a *App) registerHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.ReadinessRequireDB && a.pool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if a.pool != nil {
			if err := PingDB(r.Context(), a.pool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				a.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}))

	// Browsers preflight cross-origin API calls; the method-scoped API routes
	// never see OPTIONS.
	mux.Handle("OPTIONS /api/", WithCORS(http.NotFoundHandler(), a.cfg, a.log))

	throttle := newCallerThrottle(a.cfg.APIRateLimit, a.cfg.APIRateWindow)
	a.api.Register(mux, func(h http.Handler) http.Handler {
		h = throttle.wrap(h, a.log)
		return WithCORS(a.verifier.Require(a.log, h), a.cfg, a.log)
	})

	if a.blobs != nil {
		mux.Handle("GET "+blobURLPrefix, a.blobs.Handler())
	}

	mux.Handle("/ws", a.ws)
}
