package node

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/ryandielhenn/polyarea/internal/telemetry"
)

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload describing the worker.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		ID      string    `json:"id"`
		Addr    string    `json:"addr"`
		PID     int       `json:"pid"`
		Now     time.Time `json:"now"`
		Formula string    `json:"formula"`
		Served  int64     `json:"served"`
		Uptime  float64   `json:"uptime_seconds"`
	}
	data, _ := json.Marshal(resp{
		ID:      n.cfg.ID,
		Addr:    n.cfg.Addr,
		PID:     os.Getpid(),
		Now:     time.Now(),
		Formula: n.cfg.Formula,
		Served:  n.Served(),
		Uptime:  time.Since(n.started).Seconds(),
	})
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// AdminMux wires the health, info and metrics endpoints.
func (n *Node) AdminMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz)))
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}
