// Package metrics exposes the engine's operational counters on a small
// sidecar HTTP server, separate from the player-facing API.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	BetsPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bets_placed_total",
			Help: "Bets accepted, live or queued",
		},
		[]string{"game"},
	)

	BetsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bets_rejected_total",
			Help: "Bets rejected before or during placement, by reason",
		},
		[]string{"game", "reason"},
	)

	BetsSettled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bets_settled_total",
			Help: "Bets settled by final status",
		},
		[]string{"game", "status"},
	)

	Cashouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cashouts_total",
			Help: "Mid-round cash-outs paid",
		},
		[]string{"game", "kind"},
	)

	Rounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rounds_total",
			Help: "Rounds finished by result",
		},
		[]string{"game", "result"},
	)

	ManualInterventions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manual_interventions_total",
			Help: "Money movements that failed after their record was written and need an operator",
		},
		[]string{"game"},
	)

	WalletRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_requests_total",
			Help: "Wallet gateway calls by HTTP status",
		},
		[]string{"op", "status"},
	)

	WalletLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wallet_request_seconds",
			Help:    "Wallet gateway call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	WSClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "websocket_clients",
			Help: "Connected websocket clients",
		},
		[]string{"game"},
	)

	Leader = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "round_leader",
			Help: "1 while this instance drives the game's rounds",
		},
		[]string{"game"},
	)
)

func Register() {
	prometheus.MustRegister(
		HTTPRequests,
		BetsPlaced,
		BetsRejected,
		BetsSettled,
		Cashouts,
		Rounds,
		ManualInterventions,
		WalletRequests,
		WalletLatency,
		WSClients,
		Leader,
	)
}

type HealthFunc func(ctx context.Context) error

// StartServer serves /metrics and /healthz on its own port so scrapes and
// probes never contend with game traffic. Runs in a goroutine; the caller
// shuts it down.
func StartServer(port string, healthFn HealthFunc) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()

		if err := healthFn(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(fmt.Sprintf("unhealthy: %v", err)))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}
