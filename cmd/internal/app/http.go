package app

import (
	"net/http"
	"time"
)

// opsHandler serves liveness, readiness and Prometheus metrics.
func (a *App) opsHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !a.Ready() {
			http.Error(w, "not ready: session "+a.sessions.Status().String()+", channel "+a.channel.Status().State.String(), http.StatusServiceUnavailable)
			return
		}

		if a.dbPool != nil {
			if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				a.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", a.metrics.Handler())
	return mux
}
